package cli_test

import (
	"testing"

	"github.com/calvinalkan/slotdb/internal/cli"
)

func Test_Repl_Runs_Commands_Against_One_Store(t *testing.T) {
	t.Parallel()

	c := cli.NewHarness(t)
	c.WriteFile(".slotdb.json", `{"auto_compact": false}`)

	input := `put '{"id":"1","name":"ada lovelace"}' "{\"id\":\"2\"}"
get 1

find name=lovelace --ids
del 2
info
bogus
get 9
help
exit
put '{"id":"3"}'
`

	stdout, stderr, code := c.RunWithInput(input, "repl")
	if code != 0 {
		t.Fatalf("repl exit = %d, stderr: %s", code, stderr)
	}

	cli.AssertContains(t, stdout, "wrote 2 record(s)")
	cli.AssertContains(t, stdout, `{"id":"1","name":"ada lovelace"}`)
	cli.AssertContains(t, stdout, "deleted 1 record(s)")
	cli.AssertContains(t, stdout, "dead=1")
	cli.AssertContains(t, stdout, "Leave the shell")
	cli.AssertContains(t, stderr, "unknown command: bogus")
	cli.AssertContains(t, stderr, "warning: record not found: 9")

	// Lines after exit are not run.
	if got := c.MustRun("ls", "--ids"); got != "1" {
		t.Fatalf("ls after repl = %q", got)
	}
}

func Test_Repl_Reports_Unterminated_Quote(t *testing.T) {
	t.Parallel()

	c := cli.NewHarness(t)

	stdout, stderr, code := c.RunWithInput("put '{\"id\":\"1\"}\nls\n", "repl")
	if code != 0 {
		t.Fatalf("repl exit = %d", code)
	}

	cli.AssertContains(t, stderr, "unterminated quote")

	if stdout != "" {
		t.Fatalf("stdout = %q, want empty", stdout)
	}
}

func Test_Repl_Fails_When_Data_File_Unreadable(t *testing.T) {
	t.Parallel()

	c := cli.NewHarness(t)
	c.WriteFile("data.slotdb", "not json\n")

	_, stderr, code := c.RunWithInput("ls\n", "repl")
	if code != 1 {
		t.Fatalf("repl exit = %d, want 1", code)
	}

	cli.AssertContains(t, stderr, "parse error")
}

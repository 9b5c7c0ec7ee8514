package cli

import (
	"context"
	"strconv"
	"strings"

	"github.com/calvinalkan/slotdb/internal/config"

	flag "github.com/spf13/pflag"
)

// PrintConfigCmd returns the print-config command.
func PrintConfigCmd(cfg *config.Config) *Command {
	return &Command{
		Flags: flag.NewFlagSet("print-config", flag.ContinueOnError),
		Usage: "print-config",
		Short: "Show resolved configuration",
		Long:  "Display the effective configuration and which files it was loaded from.",
		Exec: func(_ context.Context, io *IO, _ []string) error {
			return execPrintConfig(io, cfg)
		},
	}
}

func execPrintConfig(io *IO, cfg *config.Config) error {
	pairs := [][2]string{
		{"effective_cwd", cfg.EffectiveCwd},
		{"path", cfg.PathAbs},
	}

	if cfg.SlotSize != 0 {
		pairs = append(pairs, [2]string{"slot_size", strconv.FormatInt(cfg.SlotSize, 10)})
	}

	if cfg.MaxSlotSize != 0 {
		pairs = append(pairs, [2]string{"max_slot_size", strconv.FormatInt(cfg.MaxSlotSize, 10)})
	}

	pairs = append(pairs,
		[2]string{"codec", cfg.Codec},
		[2]string{"key_env", cfg.KeyEnv},
		[2]string{"migrate_plaintext", strconv.FormatBool(cfg.MigratePlaintext)},
	)

	if len(cfg.Index) > 0 {
		pairs = append(pairs, [2]string{"index", strings.Join(cfg.Index, ",")})
	}

	pairs = append(pairs,
		[2]string{"lock_timeout", cfg.LockTimeoutDur.String()},
		[2]string{"process_lock", strconv.FormatBool(cfg.ProcessLockOn)},
		[2]string{"auto_compact", strconv.FormatBool(cfg.AutoCompactOn)},
		[2]string{"compress_backups", strconv.FormatBool(cfg.CompressBackups)},
		[2]string{"log_level", strings.ToLower(cfg.SlogLevel.String())},
		[2]string{"log_format", cfg.LogFormat},
	)

	for _, kv := range pairs {
		io.Println(kv[0] + "=" + kv[1])
	}

	io.Println("")
	io.Println("# sources")

	if cfg.Sources == (config.Sources{}) {
		io.Println("(defaults only)")

		return nil
	}

	if cfg.Sources.Global != "" {
		io.Println("global_config=" + cfg.Sources.Global)
	}

	if cfg.Sources.Project != "" {
		io.Println("project_config=" + cfg.Sources.Project)
	}

	return nil
}

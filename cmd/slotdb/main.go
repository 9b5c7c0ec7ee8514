// Package main provides slotdb, a command line client for slotted
// single-file record stores.
package main

import (
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/calvinalkan/slotdb/internal/cli"
)

func main() {
	// Interrupt cancels the running command; an open transaction rolls back.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	os.Exit(cli.Run(os.Stdin, os.Stdout, os.Stderr, os.Args, envMap(os.Environ()), sigCh))
}

func envMap(kvs []string) map[string]string {
	env := make(map[string]string, len(kvs))

	for _, kv := range kvs {
		k, v, _ := strings.Cut(kv, "=")
		env[k] = v
	}

	return env
}

package main

import (
	"fmt"
	"os"

	"github.com/lsm/vaultlink/internal/cli"
)

const usage = `vaultctl - read and write vault secrets

Usage:
  vaultctl <command> [arguments]

Commands:
  get [options] <vault-url> <name> [version]   Print a secret value
  set [options] <vault-url> <name> <value>     Store a new secret version
  validate [path]                              Validate a vault-link config file

Run 'vaultctl <command> -h' for help on a specific command.`

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	if len(os.Args) < 2 {
		fmt.Println(usage)
		return nil
	}

	switch os.Args[1] {
	case "get":
		return cli.RunGet(os.Args[2:])
	case "set":
		return cli.RunSet(os.Args[2:])
	case "validate":
		return cli.RunValidate(os.Args[2:])
	case "-h", "--help", "help":
		fmt.Println(usage)
		return nil
	default:
		return fmt.Errorf("unknown command %q\nRun 'vaultctl help' for usage", os.Args[1])
	}
}

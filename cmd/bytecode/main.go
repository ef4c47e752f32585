// Command bytecode disassembles and reassembles the shared textual
// instruction format (spec section 6.1): an external collaborator that
// exercises bytecode.Read/Write, never imported by the core itself.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/urfave/cli/v3"
	"github.com/wudi/slate/bytecode"
	"github.com/wudi/slate/values"
	"github.com/wudi/slate/vm"
)

func main() {
	app := &cli.Command{
		Name:  "bytecode",
		Usage: "inspect and run the shared register-VM textual bytecode format",
		Commands: []*cli.Command{
			dumpCommand,
			runCommand,
		},
	}
	if err := app.Run(context.Background(), os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "bytecode: %v\n", err)
		os.Exit(1)
	}
}

var dumpCommand = &cli.Command{
	Name:      "dump",
	Usage:     "round-trip a program through the reader/writer to verify it parses",
	ArgsUsage: "<file>",
	Action: func(ctx context.Context, cmd *cli.Command) error {
		path := cmd.Args().First()
		if path == "" {
			return fmt.Errorf("dump requires a bytecode file argument")
		}
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		program, err := bytecode.Read(f)
		if err != nil {
			return err
		}
		return bytecode.Write(os.Stdout, program)
	},
}

var runCommand = &cli.Command{
	Name:      "run",
	Usage:     "execute a textual bytecode program directly, bypassing either compiler",
	ArgsUsage: "<file>",
	Action: func(ctx context.Context, cmd *cli.Command) error {
		path := cmd.Args().First()
		if path == "" {
			return fmt.Errorf("run requires a bytecode file argument")
		}
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		program, err := bytecode.Read(f)
		if err != nil {
			return err
		}
		m := vm.New(program)
		if _, err := m.Run(false); err != nil {
			return err
		}
		for _, v := range m.Output() {
			fmt.Println(values.ToString(v))
		}
		return nil
	},
}

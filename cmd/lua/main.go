// Command lua is a thin front end over the shared register VM's Lua
// compiler (spec section 6.2's embedding API), grounded on cmd/hey's
// file-vs-stdin-vs-interactive dispatch shape.
package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/chzyer/readline"
	"github.com/mattn/go-isatty"
	"github.com/urfave/cli/v3"

	"github.com/wudi/slate/cmd/internal/cliconfig"
	"github.com/wudi/slate/lua/compiler"
	"github.com/wudi/slate/lua/coroutine"
	"github.com/wudi/slate/lua/module"
	"github.com/wudi/slate/lua/parser"
	"github.com/wudi/slate/lua/stdlib"
	"github.com/wudi/slate/runtime"
	"github.com/wudi/slate/values"
	"github.com/wudi/slate/vm"
)

func main() {
	app := &cli.Command{
		Name:      "lua",
		Usage:     "run a Lua script against the shared register VM",
		ArgsUsage: "[script.lua]",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "code",
				Aliases: []string{"e"},
				Usage:   "execute the given Lua chunk instead of a file",
			},
			&cli.BoolFlag{
				Name:    "interactive",
				Aliases: []string{"i"},
				Usage:   "force the interactive REPL regardless of stdin",
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			host := newHost()

			if code := cmd.String("code"); code != "" {
				return runSource(host, code, "<code>")
			}

			if path := cmd.Args().First(); path != "" {
				source, err := os.ReadFile(path)
				if err != nil {
					return err
				}
				return runSource(host, string(source), path)
			}

			cfg, err := cliconfig.FindAndLoad()
			if err != nil {
				return err
			}
			interactive := cmd.Bool("interactive") || cfg.Lua.Interactive
			if interactive || isatty.IsTerminal(os.Stdin.Fd()) {
				return runREPL(host)
			}

			source, err := io.ReadAll(os.Stdin)
			if err != nil {
				return err
			}
			return runSource(host, string(source), "<stdin>")
		},
	}

	if err := app.Run(context.Background(), os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "lua: %v\n", err)
		os.Exit(1)
	}
}

// host bundles the one Environment a whole process's globals, modules
// and coroutines share (spec section 6.2 embedding API).
type host struct {
	env *runtime.Environment
}

func newHost() *host {
	env := runtime.NewEnvironment()
	stdlib.Install(env)
	module.New(env, "")
	return &host{env: env}
}

func runSource(h *host, source, sourceName string) error {
	chunk, err := parser.Parse(source)
	if err != nil {
		return fmt.Errorf("parse error: %w", err)
	}
	instructions, err := compiler.Compile(chunk, sourceName)
	if err != nil {
		return fmt.Errorf("compile error: %w", err)
	}
	(&coroutine.Scheduler{Instructions: instructions, Host: h.env}).Install(h.env)

	m := vm.New(instructions)
	m.Host = h.env
	if _, err := m.Run(false); err != nil {
		return fmt.Errorf("runtime error: %w", err)
	}
	return nil
}

// runREPL mirrors cmd/hey's interactive shell, swapped to chzyer/readline
// for line editing/history instead of a bare bufio.Scanner.
func runREPL(h *host) error {
	rl, err := readline.New("lua> ")
	if err != nil {
		return err
	}
	defer rl.Close()

	for {
		line, err := rl.Readline()
		if err != nil {
			return nil // EOF or Ctrl-D/Ctrl-C
		}
		if line == "" {
			continue
		}
		evalREPLLine(h, line)
	}
}

func evalREPLLine(h *host, line string) {
	chunk, err := parser.Parse("return " + line)
	if err != nil {
		chunk, err = parser.Parse(line)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "parse error: %v\n", err)
		return
	}
	instructions, err := compiler.Compile(chunk, "<repl>")
	if err != nil {
		fmt.Fprintf(os.Stderr, "compile error: %v\n", err)
		return
	}
	(&coroutine.Scheduler{Instructions: instructions, Host: h.env}).Install(h.env)

	m := vm.New(instructions)
	m.Host = h.env
	if _, err := m.Run(false); err != nil {
		fmt.Fprintf(os.Stderr, "runtime error: %v\n", err)
		return
	}
	for _, v := range m.LastReturn() {
		fmt.Println(values.ToString(v))
	}
}

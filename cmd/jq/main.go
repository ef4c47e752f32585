// Command jq is a thin front end over the shared register VM's jq
// compiler (spec section 6.3's "host parses textual JSON outside the
// core, reinitializes the current register per input document"),
// grounded on cmd/hey's flags-plus-stdin dispatch shape.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/urfave/cli/v3"

	"github.com/wudi/slate/cmd/internal/cliconfig"
	"github.com/wudi/slate/errors"
	"github.com/wudi/slate/jq/compiler"
	"github.com/wudi/slate/jq/parser"
	"github.com/wudi/slate/values"
	"github.com/wudi/slate/vm"
)

func main() {
	app := &cli.Command{
		Name:      "jq",
		Usage:     "run a jq filter against a stream of JSON input documents",
		ArgsUsage: "<filter> [file...]",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "raw-output", Aliases: []string{"r"}, Usage: "print string results without JSON quoting"},
			&cli.BoolFlag{Name: "slurp", Aliases: []string{"s"}, Usage: "read all inputs into one array bound to ."},
			&cli.BoolFlag{Name: "null-input", Aliases: []string{"n"}, Usage: "run the filter once against null instead of reading input"},
			&cli.BoolFlag{Name: "compact-output", Aliases: []string{"c"}, Usage: "print results on one line"},
			&cli.StringSliceFlag{Name: "arg", Usage: "bind $name to a string value: --arg name=value"},
			&cli.StringSliceFlag{Name: "argjson", Usage: "bind $name to a parsed JSON value: --argjson name=value"},
		},
		Action: run,
	}
	if err := app.Run(context.Background(), os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "jq: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cmd *cli.Command) error {
	args := cmd.Args().Slice()
	if len(args) == 0 {
		return fmt.Errorf("usage: jq <filter> [file...]")
	}
	filterSrc, fileArgs := args[0], args[1:]

	node, err := parser.Parse(filterSrc)
	if err != nil {
		return fmt.Errorf("parse error: %w", err)
	}
	instructions, err := compiler.Compile(node)
	if err != nil {
		return fmt.Errorf("compile error: %w", err)
	}

	vars, err := bindVars(cmd)
	if err != nil {
		return err
	}

	cfg, err := cliconfig.FindAndLoad()
	if err != nil {
		return err
	}

	var inputs []values.Value
	if !cmd.Bool("null-input") {
		inputs, err = readInputs(fileArgs)
		if err != nil {
			return err
		}
		if cmd.Bool("slurp") || cfg.JQ.Slurp {
			inputs = []values.Value{values.List(inputs)}
		}
	} else {
		inputs = []values.Value{values.Nil}
	}

	raw := cmd.Bool("raw-output") || cfg.JQ.RawOutput
	compact := cmd.Bool("compact-output") || cfg.JQ.CompactOutput

	for i, item := range inputs {
		m := vm.New(instructions)
		m.Registers()[compiler.InputRegister] = item
		for name, v := range vars {
			m.Registers()["__jq_var_"+name] = v
		}
		outputs, err := m.Run(false)
		if err != nil {
			return fmt.Errorf("runtime error: %s", errors.WithInputContext(i, err.Error()))
		}
		for _, out := range outputs {
			printResult(out, raw, compact)
		}
	}
	return nil
}

func bindVars(cmd *cli.Command) (map[string]values.Value, error) {
	vars := make(map[string]values.Value)
	for _, kv := range cmd.StringSlice("arg") {
		name, val, ok := splitNameValue(kv)
		if !ok {
			return nil, fmt.Errorf("--arg expects name=value, got %q", kv)
		}
		vars[name] = values.Str(val)
	}
	for _, kv := range cmd.StringSlice("argjson") {
		name, val, ok := splitNameValue(kv)
		if !ok {
			return nil, fmt.Errorf("--argjson expects name=value, got %q", kv)
		}
		var raw interface{}
		if err := json.Unmarshal([]byte(val), &raw); err != nil {
			return nil, fmt.Errorf("--argjson %s: %w", name, err)
		}
		vars[name] = jsonToValue(raw)
	}
	return vars, nil
}

func splitNameValue(kv string) (name, value string, ok bool) {
	for i := 0; i < len(kv); i++ {
		if kv[i] == '=' {
			return kv[:i], kv[i+1:], true
		}
	}
	return "", "", false
}

func readInputs(files []string) ([]values.Value, error) {
	if len(files) == 0 {
		raw, err := io.ReadAll(os.Stdin)
		if err != nil {
			return nil, err
		}
		return decodeJSONStream(raw)
	}
	var all []values.Value
	for _, f := range files {
		raw, err := os.ReadFile(f)
		if err != nil {
			return nil, err
		}
		vs, err := decodeJSONStream(raw)
		if err != nil {
			return nil, err
		}
		all = append(all, vs...)
	}
	return all, nil
}

func printResult(v values.Value, raw, compact bool) {
	if raw && v.Type == values.TypeString {
		fmt.Println(v.AsString())
		return
	}
	indent := "  "
	if compact {
		indent = ""
	}
	data, err := json.MarshalIndent(valueToJSON(v), "", indent)
	if err != nil {
		fmt.Fprintf(os.Stderr, "jq: %v\n", err)
		return
	}
	fmt.Println(string(data))
}

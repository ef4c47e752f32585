// Package bytecode implements the textual instruction-stream format spec
// section 6.1 describes: one instruction per line, opcode name followed
// by whitespace-separated arguments, used only by cmd/bytecode (the core
// and the two compilers never touch disk themselves).
//
// Argument grammar, disambiguating registers/labels/constants since all
// three can be bare identifiers: a constant is a JSON literal (number,
// "string", true, false, null); a label is an identifier prefixed with
// '@'; anything else is a register name.
package bytecode

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/wudi/slate/opcodes"
	"github.com/wudi/slate/values"
)

// Write serializes a program, one instruction per line, to w.
func Write(w io.Writer, program []opcodes.Instruction) error {
	bw := bufio.NewWriter(w)
	for _, inst := range program {
		fmt.Fprint(bw, inst.Opcode.String())
		for _, arg := range inst.Args {
			bw.WriteByte(' ')
			text, err := encodeArg(arg)
			if err != nil {
				return err
			}
			bw.WriteString(text)
		}
		bw.WriteByte('\n')
	}
	return bw.Flush()
}

func encodeArg(a opcodes.Arg) (string, error) {
	switch a.Kind {
	case opcodes.ArgLabel:
		return "@" + a.Name, nil
	case opcodes.ArgConst:
		return encodeConst(a.Const)
	default:
		return a.Name, nil
	}
}

// encodeConst renders a constant value as JSON; Lists/Objects nest
// recursively, matching the JSON-shaped literals spec 4.6's parser
// itself accepts.
func encodeConst(v values.Value) (string, error) {
	raw, err := json.Marshal(valueToJSON(v))
	if err != nil {
		return "", fmt.Errorf("bytecode: encoding constant %v: %w", v, err)
	}
	return string(raw), nil
}

func valueToJSON(v values.Value) interface{} {
	switch v.Type {
	case values.TypeNil:
		return nil
	case values.TypeBool:
		return v.AsBool()
	case values.TypeInt:
		return v.AsInt()
	case values.TypeFloat:
		return v.AsFloat()
	case values.TypeString:
		return v.AsString()
	case values.TypeList:
		items := v.AsList()
		out := make([]interface{}, len(items))
		for i, item := range items {
			out[i] = valueToJSON(item)
		}
		return out
	case values.TypeObject:
		obj := v.AsObject()
		out := make(map[string]interface{}, obj.Len())
		for _, k := range obj.Keys() {
			vv, _ := obj.Get(k)
			out[k] = valueToJSON(vv)
		}
		return out
	default:
		return nil
	}
}

// Read parses a textual program back into an instruction stream, spec
// 6.1's "only opcodes known to the core/jq tables are accepted; unknown
// opcodes are an error."
func Read(r io.Reader) ([]opcodes.Instruction, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	var program []opcodes.Instruction
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		fields := splitFields(line)
		opName := fields[0]
		op, ok := opcodes.ByName(opName)
		if !ok {
			return nil, fmt.Errorf("bytecode: line %d: unknown opcode %q", lineNo, opName)
		}
		args := make([]opcodes.Arg, 0, len(fields)-1)
		for _, tok := range fields[1:] {
			arg, err := decodeArg(tok)
			if err != nil {
				return nil, fmt.Errorf("bytecode: line %d: %w", lineNo, err)
			}
			args = append(args, arg)
		}
		program = append(program, opcodes.Instruction{Opcode: op, Args: args})
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return program, nil
}

// splitFields splits on whitespace but keeps quoted JSON string literals
// (which may themselves contain spaces) intact.
func splitFields(line string) []string {
	var fields []string
	var cur strings.Builder
	inString := false
	escaped := false
	flush := func() {
		if cur.Len() > 0 {
			fields = append(fields, cur.String())
			cur.Reset()
		}
	}
	for _, ch := range line {
		switch {
		case escaped:
			cur.WriteRune(ch)
			escaped = false
		case inString && ch == '\\':
			cur.WriteRune(ch)
			escaped = true
		case ch == '"':
			cur.WriteRune(ch)
			inString = !inString
		case !inString && (ch == ' ' || ch == '\t'):
			flush()
		default:
			cur.WriteRune(ch)
		}
	}
	flush()
	return fields
}

func decodeArg(tok string) (opcodes.Arg, error) {
	if strings.HasPrefix(tok, "@") {
		return opcodes.Label(tok[1:]), nil
	}
	if looksLikeConst(tok) {
		var raw interface{}
		if err := json.Unmarshal([]byte(tok), &raw); err != nil {
			return opcodes.Arg{}, fmt.Errorf("invalid constant literal %q: %w", tok, err)
		}
		return opcodes.Const(jsonToValue(raw)), nil
	}
	return opcodes.Reg(tok), nil
}

func looksLikeConst(tok string) bool {
	if tok == "true" || tok == "false" || tok == "null" {
		return true
	}
	if tok == "" {
		return false
	}
	switch tok[0] {
	case '"', '[', '{', '-', '0', '1', '2', '3', '4', '5', '6', '7', '8', '9':
		return true
	}
	return false
}

func jsonToValue(raw interface{}) values.Value {
	switch t := raw.(type) {
	case nil:
		return values.Nil
	case bool:
		return values.Bool(t)
	case float64:
		if t == float64(int64(t)) {
			return values.Int(int64(t))
		}
		return values.Float(t)
	case string:
		return values.Str(t)
	case []interface{}:
		items := make([]values.Value, len(t))
		for i, item := range t {
			items[i] = jsonToValue(item)
		}
		return values.List(items)
	case map[string]interface{}:
		obj := values.NewObject()
		for k, vv := range t {
			obj.Set(k, jsonToValue(vv))
		}
		return values.ObjectValue(obj)
	default:
		return values.Nil
	}
}

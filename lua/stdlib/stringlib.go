package stdlib

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/wudi/slate/values"
)

// luaPatternClass maps a Lua "%x" pattern-class escape to its Go regexp
// equivalent, the same table the original's _translate_lua_pattern uses.
var luaPatternClass = map[byte]string{
	'a': `[A-Za-z]`, 'A': `[^A-Za-z]`,
	'd': `\d`, 'D': `\D`,
	's': `\s`, 'S': `\S`,
	'w': `[A-Za-z0-9_]`, 'W': `[^A-Za-z0-9_]`,
	'l': `[a-z]`, 'L': `[^a-z]`,
	'u': `[A-Z]`, 'U': `[^A-Z]`,
	'c': `[\x00-\x1F\x7F]`, 'C': `[^\x00-\x1F\x7F]`,
	'x': `[0-9A-Fa-f]`, 'X': `[^0-9A-Fa-f]`,
	'%': `%`,
}

// translateLuaPattern converts a (simplified) Lua pattern into a Go
// regexp source string. Lua's %b/%f balanced-match/frontier escapes have
// no Go regexp equivalent and are rejected, matching the original's
// behavior of raising rather than silently misinterpreting them.
func translateLuaPattern(pattern string) (string, error) {
	var out strings.Builder
	for i := 0; i < len(pattern); i++ {
		ch := pattern[i]
		switch ch {
		case '%':
			i++
			if i >= len(pattern) {
				out.WriteByte('%')
				break
			}
			code := pattern[i]
			switch {
			case code >= '0' && code <= '9':
				out.WriteByte('\\')
				out.WriteByte(code)
			case code == 'b' || code == 'f':
				return "", fmt.Errorf("pattern %%%c is not supported", code)
			default:
				if mapped, ok := luaPatternClass[code]; ok {
					out.WriteString(mapped)
				} else {
					out.WriteString(regexp.QuoteMeta(string(code)))
				}
			}
		case '.', '*', '+', '?', '(', ')', '[', ']', '^', '$', '|', '\\':
			out.WriteByte(ch)
		default:
			out.WriteString(regexp.QuoteMeta(string(ch)))
		}
	}
	return out.String(), nil
}

func compileLuaPattern(pattern string) (*regexp.Regexp, error) {
	translated, err := translateLuaPattern(pattern)
	if err != nil {
		return nil, err
	}
	return regexp.Compile(translated)
}

func normalizeStart(length int, init values.Value) int {
	if init.IsNil() {
		return 0
	}
	i := int(init.AsInt())
	if i < 0 {
		i = length + i + 1
	}
	if i < 1 {
		i = 1
	}
	return i - 1
}

func stringSub(args []values.Value, _ interface{}) (values.Value, error) {
	if err := ensureArgs(args, 1); err != nil {
		return values.Nil, err
	}
	s := args[0].AsString()
	n := len(s)
	i := 1
	j := -1
	if len(args) > 1 {
		i = int(args[1].AsInt())
	}
	if len(args) > 2 && !args[2].IsNil() {
		j = int(args[2].AsInt())
	}
	if i < 0 {
		i = n + i + 1
	}
	if i < 1 {
		i = 1
	}
	if j < 0 {
		j = n + j + 1
	}
	if j > n {
		j = n
	}
	if i > j {
		return values.Str(""), nil
	}
	return values.Str(s[i-1 : j]), nil
}

func stringUpper(args []values.Value, _ interface{}) (values.Value, error) {
	if err := ensureArgs(args, 1); err != nil {
		return values.Nil, err
	}
	return values.Str(strings.ToUpper(args[0].AsString())), nil
}

func stringLower(args []values.Value, _ interface{}) (values.Value, error) {
	if err := ensureArgs(args, 1); err != nil {
		return values.Nil, err
	}
	return values.Str(strings.ToLower(args[0].AsString())), nil
}

func stringLen(args []values.Value, _ interface{}) (values.Value, error) {
	if err := ensureArgs(args, 1); err != nil {
		return values.Nil, err
	}
	return values.Int(int64(len(args[0].AsString()))), nil
}

func stringRep(args []values.Value, _ interface{}) (values.Value, error) {
	if err := ensureArgs(args, 2); err != nil {
		return values.Nil, err
	}
	s := args[0].AsString()
	n := int(args[1].AsInt())
	sep := ""
	if len(args) > 2 {
		sep = args[2].AsString()
	}
	if n <= 0 {
		return values.Str(""), nil
	}
	parts := make([]string, n)
	for i := range parts {
		parts[i] = s
	}
	return values.Str(strings.Join(parts, sep)), nil
}

func stringByte(args []values.Value, _ interface{}) (values.Value, error) {
	if err := ensureArgs(args, 1); err != nil {
		return values.Nil, err
	}
	s := args[0].AsString()
	i := 1
	if len(args) > 1 {
		i = int(args[1].AsInt())
	}
	j := i
	if len(args) > 2 {
		j = int(args[2].AsInt())
	}
	if i < 0 {
		i = len(s) + i + 1
	}
	if j < 0 {
		j = len(s) + j + 1
	}
	var out []values.Value
	for k := i; k <= j && k >= 1 && k <= len(s); k++ {
		out = append(out, values.Int(int64(s[k-1])))
	}
	return values.List(out), nil
}

func stringChar(args []values.Value, _ interface{}) (values.Value, error) {
	b := make([]byte, len(args))
	for i, a := range args {
		b[i] = byte(a.AsInt())
	}
	return values.Str(string(b)), nil
}

func stringFind(args []values.Value, _ interface{}) (values.Value, error) {
	if err := ensureArgs(args, 2); err != nil {
		return values.Nil, err
	}
	s := args[0].AsString()
	pattern := args[1].AsString()
	start := normalizeStart(len(s), argOr(args, 2, values.Nil))
	if start > len(s) {
		return values.Nil, nil
	}
	plain := len(args) > 3 && args[3].Truthy()
	if plain {
		idx := strings.Index(s[start:], pattern)
		if idx < 0 {
			return values.Nil, nil
		}
		from := start + idx + 1
		return values.List([]values.Value{values.Int(int64(from)), values.Int(int64(from + len(pattern) - 1))}), nil
	}
	re, err := compileLuaPattern(pattern)
	if err != nil {
		return values.Nil, err
	}
	loc := re.FindStringSubmatchIndex(s[start:])
	if loc == nil {
		return values.Nil, nil
	}
	result := []values.Value{values.Int(int64(start + loc[0] + 1)), values.Int(int64(start + loc[1]))}
	for g := 1; g*2 < len(loc); g++ {
		if loc[g*2] < 0 {
			continue
		}
		result = append(result, values.Str(s[start+loc[g*2]:start+loc[g*2+1]]))
	}
	return values.List(result), nil
}

func stringMatch(args []values.Value, _ interface{}) (values.Value, error) {
	if err := ensureArgs(args, 2); err != nil {
		return values.Nil, err
	}
	s := args[0].AsString()
	pattern := args[1].AsString()
	start := normalizeStart(len(s), argOr(args, 2, values.Nil))
	if start > len(s) {
		return values.Nil, nil
	}
	re, err := compileLuaPattern(pattern)
	if err != nil {
		return values.Nil, err
	}
	groups := re.FindStringSubmatch(s[start:])
	if groups == nil {
		return values.Nil, nil
	}
	if len(groups) == 1 {
		return values.Str(groups[0]), nil
	}
	out := make([]values.Value, len(groups)-1)
	for i, g := range groups[1:] {
		out[i] = values.Str(g)
	}
	return values.List(out), nil
}

// stringGsub implements string.gsub's three replacement forms: a literal
// template (with %N back-references), a table (looked up by match), or a
// callable invoked through CallClosure.
func stringGsub(args []values.Value, vmAny interface{}) (values.Value, error) {
	if err := ensureArgs(args, 3); err != nil {
		return values.Nil, err
	}
	s := args[0].AsString()
	pattern := args[1].AsString()
	repl := args[2]
	maxN := -1
	if len(args) > 3 {
		maxN = int(args[3].AsInt())
	}
	re, err := compileLuaPattern(pattern)
	if err != nil {
		return values.Nil, err
	}
	var out strings.Builder
	count := 0
	last := 0
	matches := re.FindAllStringSubmatchIndex(s, -1)
	for _, loc := range matches {
		if maxN >= 0 && count >= maxN {
			break
		}
		out.WriteString(s[last:loc[0]])
		whole := s[loc[0]:loc[1]]
		groups := []string{whole}
		for g := 1; g*2 < len(loc); g++ {
			if loc[g*2] < 0 {
				groups = append(groups, "")
				continue
			}
			groups = append(groups, s[loc[g*2]:loc[g*2+1]])
		}
		replacement, err := resolveGsubReplacement(whole, groups, repl, vmAny)
		if err != nil {
			return values.Nil, err
		}
		out.WriteString(replacement)
		last = loc[1]
		count++
	}
	out.WriteString(s[last:])
	return values.List([]values.Value{values.Str(out.String()), values.Int(int64(count))}), nil
}

func resolveGsubReplacement(whole string, groups []string, repl values.Value, vmAny interface{}) (string, error) {
	switch repl.Type {
	case values.TypeString:
		return expandGsubTemplate(repl.AsString(), groups), nil
	case values.TypeTable:
		key := whole
		if len(groups) > 1 {
			key = groups[1]
		}
		v := repl.AsTable().Get(values.Str(key))
		if v.IsNil() || (v.Type == values.TypeBool && !v.AsBool()) {
			return whole, nil
		}
		return values.ToString(v), nil
	case values.TypeClosure, values.TypeNativeFn:
		caller, ok := vmAny.(reentrantCaller)
		if !ok {
			return "", fmt.Errorf("gsub with a function replacement requires a VM that supports reentrant calls")
		}
		var callArgs []values.Value
		if len(groups) > 1 {
			for _, g := range groups[1:] {
				callArgs = append(callArgs, values.Str(g))
			}
		} else {
			callArgs = []values.Value{values.Str(whole)}
		}
		results, err := caller.CallClosure(repl, callArgs)
		if err != nil {
			return "", err
		}
		if len(results) == 0 || results[0].IsNil() || (results[0].Type == values.TypeBool && !results[0].AsBool()) {
			return whole, nil
		}
		return values.ToString(results[0]), nil
	default:
		return whole, nil
	}
}

func expandGsubTemplate(tmpl string, groups []string) string {
	var out strings.Builder
	for i := 0; i < len(tmpl); i++ {
		if tmpl[i] == '%' && i+1 < len(tmpl) {
			i++
			c := tmpl[i]
			if c == '%' {
				out.WriteByte('%')
				continue
			}
			if c >= '0' && c <= '9' {
				idx := int(c - '0')
				if idx == 0 {
					out.WriteString(groups[0])
				} else if idx < len(groups) {
					out.WriteString(groups[idx])
				}
				continue
			}
			out.WriteByte(c)
			continue
		}
		out.WriteByte(tmpl[i])
	}
	return out.String()
}

// stringFormat implements a practical subset of string.format's
// directives (%d %i %s %f %g %x %X %o %q %%), delegating to Go's fmt
// verb set after translating Lua's to Go's.
func stringFormat(args []values.Value, _ interface{}) (values.Value, error) {
	if err := ensureArgs(args, 1); err != nil {
		return values.Nil, err
	}
	format := args[0].AsString()
	rest := args[1:]
	var out strings.Builder
	argIdx := 0
	for i := 0; i < len(format); i++ {
		ch := format[i]
		if ch != '%' {
			out.WriteByte(ch)
			continue
		}
		start := i
		i++
		for i < len(format) && strings.ContainsRune("-+ #0123456789.", rune(format[i])) {
			i++
		}
		if i >= len(format) {
			out.WriteString(format[start:])
			break
		}
		verb := format[i]
		spec := format[start : i+1]
		if verb == '%' {
			out.WriteByte('%')
			continue
		}
		if argIdx >= len(rest) {
			return values.Nil, fmt.Errorf("bad argument #%d to 'format' (no value)", argIdx+2)
		}
		arg := rest[argIdx]
		argIdx++
		switch verb {
		case 'd', 'i':
			out.WriteString(fmt.Sprintf(strings.Replace(spec, string(verb), "d", 1), arg.AsInt()))
		case 'u':
			out.WriteString(fmt.Sprintf(strings.Replace(spec, "u", "d", 1), arg.AsInt()))
		case 'x', 'X', 'o':
			out.WriteString(fmt.Sprintf(spec, arg.AsInt()))
		case 'f', 'g', 'G', 'e', 'E':
			out.WriteString(fmt.Sprintf(spec, arg.AsFloat()))
		case 's':
			out.WriteString(fmt.Sprintf(spec, luaTostring(arg)))
		case 'q':
			out.WriteString(strconv.Quote(arg.AsString()))
		case 'c':
			out.WriteByte(byte(arg.AsInt()))
		default:
			out.WriteString(spec)
		}
	}
	return values.Str(out.String()), nil
}

// InstallString registers string.* (spec §8's string-library scenario).
func InstallString(env registrar) {
	env.RegisterLibrary("string", map[string]values.NativeFunc{
		"sub":    stringSub,
		"upper":  stringUpper,
		"lower":  stringLower,
		"len":    stringLen,
		"rep":    stringRep,
		"byte":   stringByte,
		"char":   stringChar,
		"find":   stringFind,
		"match":  stringMatch,
		"gsub":   stringGsub,
		"format": stringFormat,
	})
}

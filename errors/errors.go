// Package errors implements the parse-time and runtime error shapes from
// spec section 7: positional compile errors for both front ends, and the
// frames-carrying RuntimeError the VM raises and try/catch/pcall recover.
package errors

import (
	"fmt"
	"strings"
)

// Kind classifies a compile-time error by what raised it, not by a type
// name, matching spec section 7's "by what raises them" framing.
type Kind int

const (
	Lexical Kind = iota
	Syntactic
	SemanticCompileTime
)

func (k Kind) String() string {
	switch k {
	case Lexical:
		return "lexical error"
	case Syntactic:
		return "syntax error"
	case SemanticCompileTime:
		return "semantic error"
	default:
		return "error"
	}
}

// Position is a source location: line/column are 1-based, Offset is a
// 0-based byte offset.
type Position struct {
	File   string
	Line   int
	Column int
	Offset int
}

func (p Position) String() string {
	if p.File == "" {
		return fmt.Sprintf("%d:%d", p.Line, p.Column)
	}
	return fmt.Sprintf("%s:%d:%d", p.File, p.Line, p.Column)
}

// Error is a compile-time (lexical/syntactic/semantic) diagnostic.
type Error struct {
	Kind     Kind
	Message  string
	Position Position
}

func New(kind Kind, message string, pos Position) *Error {
	return &Error{Kind: kind, Message: message, Position: pos}
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s: %s", e.Position, e.Kind, e.Message)
}

// List collects multiple compile errors (a parser keeps going after the
// first one to report as much as it can in one pass).
type List []*Error

func (l *List) Add(kind Kind, message string, pos Position) {
	*l = append(*l, New(kind, message, pos))
}

func (l List) HasErrors() bool { return len(l) > 0 }

func (l List) Error() string {
	parts := make([]string, len(l))
	for i, e := range l {
		parts[i] = e.Error()
	}
	return strings.Join(parts, "\n")
}

// TraceFrame is one entry of a runtime traceback (spec section 6.4/7).
type TraceFrame struct {
	File     string
	Line     int
	Function string
}

func (f TraceFrame) String() string {
	name := f.Function
	if name == "" {
		name = "?"
	}
	return fmt.Sprintf("\t%s:%d: in function '%s'", f.File, f.Line, name)
}

// RuntimeError is what the VM raises on a failing instruction and what
// try/catch (jq) and pcall/xpcall (Lua) recover (spec section 7).
type RuntimeError struct {
	Message string
	Frames  []TraceFrame
}

func NewRuntimeError(message string, frames []TraceFrame) *RuntimeError {
	return &RuntimeError{Message: message, Frames: frames}
}

func (e *RuntimeError) Error() string {
	return e.Message
}

// Traceback renders the "file:line: message\nstack traceback:\n\t..."
// shape spec section 7 names for user-visible formatting.
func (e *RuntimeError) Traceback() string {
	var b strings.Builder
	if len(e.Frames) > 0 {
		top := e.Frames[0]
		fmt.Fprintf(&b, "%s:%d: %s\n", top.File, top.Line, e.Message)
	} else {
		b.WriteString(e.Message + "\n")
	}
	b.WriteString("stack traceback:")
	for _, f := range e.Frames {
		b.WriteString("\n" + f.String())
	}
	return b.String()
}

// WithInputContext wraps a message with jq's input-index prefix (spec
// section 6.4): "jq execution failed on input #N: ...".
func WithInputContext(n int, message string) string {
	return fmt.Sprintf("jq execution failed on input #%d: %s", n, message)
}

package stdlib

import (
	"math"
	"math/rand"

	"github.com/wudi/slate/values"
)

func mathUnary(f func(float64) float64) values.NativeFunc {
	return func(args []values.Value, _ interface{}) (values.Value, error) {
		if err := ensureArgs(args, 1); err != nil {
			return values.Nil, err
		}
		return values.Float(f(args[0].AsFloat())), nil
	}
}

func mathMin(args []values.Value, _ interface{}) (values.Value, error) {
	if err := ensureArgs(args, 1); err != nil {
		return values.Nil, err
	}
	best := args[0]
	for _, a := range args[1:] {
		if a.AsFloat() < best.AsFloat() {
			best = a
		}
	}
	return best, nil
}

func mathMax(args []values.Value, _ interface{}) (values.Value, error) {
	if err := ensureArgs(args, 1); err != nil {
		return values.Nil, err
	}
	best := args[0]
	for _, a := range args[1:] {
		if a.AsFloat() > best.AsFloat() {
			best = a
		}
	}
	return best, nil
}

func mathModf(args []values.Value, _ interface{}) (values.Value, error) {
	if err := ensureArgs(args, 1); err != nil {
		return values.Nil, err
	}
	ip, fp := math.Modf(args[0].AsFloat())
	return values.List([]values.Value{values.Float(ip), values.Float(fp)}), nil
}

func mathLog(args []values.Value, _ interface{}) (values.Value, error) {
	if err := ensureArgs(args, 1); err != nil {
		return values.Nil, err
	}
	x := args[0].AsFloat()
	if len(args) >= 2 {
		base := args[1].AsFloat()
		return values.Float(math.Log(x) / math.Log(base)), nil
	}
	return values.Float(math.Log(x)), nil
}

func mathRandom(args []values.Value, _ interface{}) (values.Value, error) {
	switch len(args) {
	case 0:
		return values.Float(rand.Float64()), nil
	case 1:
		m := args[0].AsInt()
		return values.Int(1 + rand.Int63n(m)), nil
	default:
		lo, hi := args[0].AsInt(), args[1].AsInt()
		return values.Int(lo + rand.Int63n(hi-lo+1)), nil
	}
}

func mathRandomSeed(args []values.Value, _ interface{}) (values.Value, error) {
	if len(args) > 0 {
		rand.Seed(args[0].AsInt())
	}
	return values.Nil, nil
}

// InstallMath registers math.* (spec §8's numeric-library scenario).
func InstallMath(env registrar) {
	lib := map[string]values.NativeFunc{
		"abs":        mathUnary(math.Abs),
		"ceil":       func(a []values.Value, _ interface{}) (values.Value, error) { v, e := mathUnary(math.Ceil)(a, nil); return toIntIfWhole(v), e },
		"floor":      func(a []values.Value, _ interface{}) (values.Value, error) { v, e := mathUnary(math.Floor)(a, nil); return toIntIfWhole(v), e },
		"sqrt":       mathUnary(math.Sqrt),
		"sin":        mathUnary(math.Sin),
		"cos":        mathUnary(math.Cos),
		"tan":        mathUnary(math.Tan),
		"exp":        mathUnary(math.Exp),
		"asin":       mathUnary(math.Asin),
		"acos":       mathUnary(math.Acos),
		"atan":       mathUnary(math.Atan),
		"deg":        mathUnary(func(r float64) float64 { return r * 180 / math.Pi }),
		"rad":        mathUnary(func(d float64) float64 { return d * math.Pi / 180 }),
		"min":        mathMin,
		"max":        mathMax,
		"modf":       mathModf,
		"log":        mathLog,
		"random":     mathRandom,
		"randomseed": mathRandomSeed,
	}
	tbl := env.RegisterLibrary("math", lib)
	t := tbl.AsTable()
	t.Set(values.Str("pi"), values.Float(math.Pi))
	t.Set(values.Str("huge"), values.Float(math.Inf(1)))
	t.Set(values.Str("maxinteger"), values.Int(math.MaxInt64))
	t.Set(values.Str("mininteger"), values.Int(math.MinInt64))
}

func toIntIfWhole(v values.Value) values.Value {
	f := v.AsFloat()
	if f == math.Trunc(f) {
		return values.Int(int64(f))
	}
	return v
}

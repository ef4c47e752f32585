package stdlib

import (
	"strings"
	"time"

	"github.com/ncruces/go-strftime"

	"github.com/wudi/slate/values"
)

var processStart = time.Now()

func osClock(args []values.Value, _ interface{}) (values.Value, error) {
	return values.Float(time.Since(processStart).Seconds()), nil
}

func osTime(args []values.Value, _ interface{}) (values.Value, error) {
	if len(args) > 0 && args[0].Type == values.TypeTable {
		t := args[0].AsTable()
		get := func(key string, def int) int {
			v := t.Get(values.Str(key))
			if v.IsNil() {
				return def
			}
			return int(v.AsInt())
		}
		year := get("year", 1970)
		month := get("month", 1)
		day := get("day", 1)
		hour := get("hour", 12)
		min := get("min", 0)
		sec := get("sec", 0)
		tm := time.Date(year, time.Month(month), day, hour, min, sec, 0, time.Local)
		return values.Int(tm.Unix()), nil
	}
	return values.Int(time.Now().Unix()), nil
}

// osDate implements strftime-style formatting (spec §8's os library
// scenario); "*t"/"!*t" return a table of broken-down fields instead of a
// string, matching Lua's os.date special forms.
func osDate(args []values.Value, _ interface{}) (values.Value, error) {
	format := "%c"
	if len(args) > 0 {
		format = args[0].AsString()
	}
	when := time.Now()
	if len(args) > 1 {
		when = time.Unix(args[1].AsInt(), 0)
	}
	utc := strings.HasPrefix(format, "!")
	if utc {
		format = format[1:]
		when = when.UTC()
	} else {
		when = when.Local()
	}
	if format == "*t" {
		return brokenDownTime(when), nil
	}
	return values.Str(strftime.Format(format, when)), nil
}

func brokenDownTime(when time.Time) values.Value {
	tbl := values.NewTable()
	t := tbl.AsTable()
	t.Set(values.Str("year"), values.Int(int64(when.Year())))
	t.Set(values.Str("month"), values.Int(int64(when.Month())))
	t.Set(values.Str("day"), values.Int(int64(when.Day())))
	t.Set(values.Str("hour"), values.Int(int64(when.Hour())))
	t.Set(values.Str("min"), values.Int(int64(when.Minute())))
	t.Set(values.Str("sec"), values.Int(int64(when.Second())))
	t.Set(values.Str("wday"), values.Int(int64(when.Weekday())+1))
	t.Set(values.Str("yday"), values.Int(int64(when.YearDay())))
	t.Set(values.Str("isdst"), values.Bool(false))
	return tbl
}

func osDifftime(args []values.Value, _ interface{}) (values.Value, error) {
	if err := ensureArgs(args, 2); err != nil {
		return values.Nil, err
	}
	return values.Float(float64(args[0].AsInt() - args[1].AsInt())), nil
}

// InstallOS registers os.* (spec §8's os-library scenario; no filesystem
// or process-control surface, matching spec's documented Non-goals).
func InstallOS(env registrar) {
	env.RegisterLibrary("os", map[string]values.NativeFunc{
		"clock":    osClock,
		"time":     osTime,
		"date":     osDate,
		"difftime": osDifftime,
	})
}

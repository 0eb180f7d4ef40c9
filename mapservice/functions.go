package mapservice

import (
	"strconv"
)

const (
	FuncAppend    = "append"
	FuncIncrement = "increment"
	FuncRemove    = "remove"
)

var builtins = map[string]Function{
	FuncAppend:    appendValue,
	FuncIncrement: increment,
	FuncRemove:    func(_, _, _ []byte) ([]byte, bool) { return nil, true },
}

func appendValue(_, old, arg []byte) ([]byte, bool) {
	out := make([]byte, 0, len(old)+len(arg))
	return append(append(out, old...), arg...), true
}

// increment adds decimal arg to the decimal value. Values that do not parse
// are left unchanged.
func increment(_, old, arg []byte) ([]byte, bool) {
	delta, err := strconv.ParseInt(string(arg), 10, 64)
	if err != nil {
		return nil, false
	}
	cur := int64(0)
	if old != nil {
		if cur, err = strconv.ParseInt(string(old), 10, 64); err != nil {
			return nil, false
		}
	}
	return strconv.AppendInt(nil, cur+delta, 10), true
}

// Package failfast reports broken internal invariants. It is reserved for
// states that correct code never reaches; conditions a caller can cause are
// returned as errors instead.
package failfast

import (
	"fmt"
	"reflect"
	"runtime/debug"
)

// Violation is the panic value raised by If and NotNil
type Violation struct {
	Msg   string
	Stack []byte
}

func (v *Violation) Error() string {
	return "fail-fast: " + v.Msg
}

func raise(msg string) {
	panic(&Violation{Msg: msg, Stack: debug.Stack()})
}

// If panics with a Violation unless condition holds
func If(condition bool, format string, args ...any) {
	if !condition {
		raise(fmt.Sprintf(format, args...))
	}
}

// NotNil panics with a Violation if v is nil, a nil pointer or a nil func
func NotNil(v any, name string) {
	if v == nil {
		raise(name + " is nil")
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Ptr, reflect.Func, reflect.Interface, reflect.Map, reflect.Chan:
		if rv.IsNil() {
			raise(name + " is nil")
		}
	}
}

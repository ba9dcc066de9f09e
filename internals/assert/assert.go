package assert

import "fmt"

// Assert panics when condition does not hold. Startup wiring only; runtime
// paths return errors instead.
func Assert(condition bool, msg string, other ...any) {
	if !condition {
		panic(fmt.Sprint(append([]any{msg}, other...)...))
	}
}

func AssertNil(value any, msg string, other ...any) {
	Assert(value == nil, msg, other...)
}

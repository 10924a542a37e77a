package eventbus

import "reflect"

// funcPointer extracts the code pointer of a function value so listener
// registration can dedupe by identity instead of by allocating a comparable
// wrapper per listener.
func funcPointer(fn any) uintptr {
	return reflect.ValueOf(fn).Pointer()
}

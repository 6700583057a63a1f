//go:build linux && cgo && (386 || arm)

package memmod

/*
#include <stdint.h>

typedef void (*ldso_fn0)(void);

static void ldso_call0(uintptr_t fn) {
	((ldso_fn0)fn)();
}
*/
import "C"

// CanCallNative reports whether Native can execute mapped code.
func CanCallNative() bool {
	return true
}

func (Native) Call(addr uint64) error {
	C.ldso_call0(C.uintptr_t(addr))
	return nil
}

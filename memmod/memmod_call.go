//go:build !(linux && cgo && (386 || arm))

package memmod

// CanCallNative reports whether Native can execute mapped code.
func CanCallNative() bool {
	return false
}

func (Native) Call(addr uint64) error {
	_ = addr
	return ErrNoNativeCalls
}

//go:build !(linux || darwin || freebsd)

package handler

// Available is not supported on this platform and always returns zero.
func (t *Transport) Available() int {
	return 0
}

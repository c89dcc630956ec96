//go:build windows

package driverprobe

import "golang.org/x/sys/windows"

// present loads and immediately releases name via the Windows loader,
// the same LoadLibrary/FreeLibrary pair the cuda cgo build's stdcall
// entry points ultimately resolve through.
func present(name string) bool {
	h, err := windows.LoadLibrary(name)
	if err != nil {
		return false
	}
	_ = windows.FreeLibrary(h)
	return true
}

package driverprobe

import "testing"

// On every non-Windows CI/dev platform this runtime actually builds for,
// Present must report false without touching cgo or the filesystem.
func TestPresentFalseOffWindows(t *testing.T) {
	if Present("definitely-not-a-real-library.dll") {
		t.Fatalf("Present reported true for a library name that cannot exist")
	}
}

// Package kernel contains types shared by every kernel subsystem.
package kernel

// Error describes a kernel error. Kernel errors are always declared as
// package-level pointers to Error because most of them can be raised before
// the Go allocator is available (e.g. while the frame allocator or the heap
// are being set up) so errors.New cannot be used.
type Error struct {
	// The subsystem that raised the error (e.g. "vmm", "heap").
	Module string

	// The error message.
	Message string
}

// Error implements the error interface.
func (e *Error) Error() string {
	return e.Message
}

//go:build unix

package local

import "syscall"

// mkfifo creates a named pipe with 0o777 permissions, per spec.md §5
// ("Named pipes are created with 0o777"). No library in the pack wraps
// mkfifo(2); it is a single syscall, so the direct call is used rather
// than pulling in a dependency for one function (see DESIGN.md).
func mkfifo(path string) error {
	return syscall.Mkfifo(path, 0o777)
}

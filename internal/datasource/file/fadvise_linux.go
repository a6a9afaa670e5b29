//go:build linux

package file

import (
	"os"

	"golang.org/x/sys/unix"
)

// adviseSequential tells the kernel the file is read front to back.
func adviseSequential(f *os.File) {
	_ = unix.Fadvise(int(f.Fd()), 0, 0, unix.FADV_SEQUENTIAL)
	_ = unix.Fadvise(int(f.Fd()), 0, 0, unix.FADV_WILLNEED)
}

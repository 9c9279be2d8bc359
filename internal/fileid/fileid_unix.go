//go:build linux || darwin

package fileid

import (
	"os"
	"syscall"
)

// platformDevIno extracts the device and inode numbers from a unix
// syscall.Stat_t. One function per supported OS family, selected at compile
// time via build tag rather than at runtime.
func platformDevIno(fi os.FileInfo) (dev, ino uint64) {
	st, ok := fi.Sys().(*syscall.Stat_t)
	if !ok {
		return 0, 0
	}
	return uint64(st.Dev), uint64(st.Ino)
}

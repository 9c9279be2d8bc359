// Package fileid computes and compares the (device, inode, signature)
// identity tuple used to detect truncation, rotation, and inode reuse.
package fileid

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
)

// DefaultSignatureSize is the default number of leading bytes hashed to
// produce a file's signature, per source configuration.
const DefaultSignatureSize = 1024

// Identity uniquely names a file across reads: matching Device and Inode
// with a different Signature means truncation or inode reuse.
type Identity struct {
	Device    uint64
	Inode     uint64
	SigSize   int
	Signature string
}

// Equal reports whether id and other refer to the same file generation.
func (id Identity) Equal(other Identity) bool {
	return id.Device == other.Device && id.Inode == other.Inode && id.Signature == other.Signature
}

// SameFile reports whether id and other share (device, inode) regardless of
// signature — used to distinguish "truncated/reused" from "different file".
func (id Identity) SameFile(other Identity) bool {
	return id.Device == other.Device && id.Inode == other.Inode
}

// String renders the identity for logs.
func (id Identity) String() string {
	return fmt.Sprintf("%d:%d:%s", id.Device, id.Inode, id.Signature)
}

// Signature hashes the first n bytes read from r and returns the hex digest.
// If fewer than n bytes are available, it hashes what it can and returns
// ok=false so the caller defers verification until the file grows, per the
// reader's signature re-verification rule.
func Signature(r io.Reader, n int) (sig string, read int, ok bool, err error) {
	buf := make([]byte, n)
	read, err = io.ReadFull(r, buf)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return "", 0, false, err
	}
	h := sha256.Sum256(buf[:read])
	sig = hex.EncodeToString(h[:])
	ok = read >= n
	return sig, read, ok, nil
}

// Stat extracts (device, inode) from a file's OS-level metadata. It is the
// single platform-dependent seam in this package; it uses syscall.Stat_t on
// unix-like platforms via the build-tagged companion file.
func Stat(path string) (dev, ino uint64, size int64, err error) {
	fi, err := os.Stat(path)
	if err != nil {
		return 0, 0, 0, err
	}
	d, i := platformDevIno(fi)
	return d, i, fi.Size(), nil
}

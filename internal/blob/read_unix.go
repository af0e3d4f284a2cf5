//go:build linux || darwin

package blob

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// mmapOrRead maps path read-only and copies it into a single owned
// buffer. A copy is still made (the mapping itself is never kept
// around past this call) because the blob buffer must remain valid,
// writable, and independent of the file descriptor for the rest of the
// run — the placer pokes computed lma/length fields into it and the
// Content Assembler may later hand the very same buffer to the Image
// Writer as a section's content. Using mmap instead of a buffered read
// still avoids the extra intermediate allocation read(2) would need
// for files backed by a page cache.
func mmapOrRead(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", path, err)
	}
	size := fi.Size()
	if size == 0 {
		return []byte{}, nil
	}

	data, err := unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ, unix.MAP_PRIVATE)
	if err != nil {
		// Fall back to a plain read — some filesystems (overlayfs,
		// some network mounts) refuse mmap on otherwise readable files.
		return os.ReadFile(path)
	}
	defer unix.Munmap(data)

	owned := make([]byte, len(data))
	copy(owned, data)
	return owned, nil
}

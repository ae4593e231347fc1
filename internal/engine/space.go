package engine

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// AvailableBytes returns the free space on the filesystem holding path as
// seen by an unprivileged writer.
func AvailableBytes(path string) (uint64, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(path, &st); err != nil {
		return 0, fmt.Errorf("statfs %s: %w", path, err)
	}
	return uint64(st.Bavail) * uint64(st.Bsize), nil
}

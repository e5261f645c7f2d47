package topology

import (
	"os"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

// kernelRelease returns the running kernel's release string (e.g.
// "6.8.0-45-generic"), recorded on a discovered Topology so log lines can
// be correlated against the sysfs layout the discovery actually walked.
func kernelRelease() string {
	var uts unix.Utsname
	if err := unix.Uname(&uts); err != nil {
		return "unknown"
	}
	return cString(uts.Release[:])
}

// sysfsPathExists reports whether path exists, using a raw stat syscall so
// a missing NUMA or PCI sysfs attribute is skipped without the overhead of
// an open-then-read that's only going to fail.
func sysfsPathExists(path string) bool {
	var st unix.Stat_t
	return unix.Stat(path, &st) == nil
}

// readNumaNode stats then reads a NIC's numa_node sysfs attribute,
// returning the parsed node id.
func readNumaNode(path string) (int, error) {
	if !sysfsPathExists(path) {
		return 0, unix.ENOENT
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}

func cString(b []byte) string {
	n := 0
	for n < len(b) && b[n] != 0 {
		n++
	}
	return string(b[:n])
}

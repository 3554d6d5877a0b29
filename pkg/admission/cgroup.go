package admission

import (
	"os"
	"strconv"
	"strings"
)

// CgroupMemoryLimit reads the container memory limit from the cgroup
// filesystem, trying cgroup v2 before falling back to v1. Returns 0 (no
// error) when neither file exists or cgroup v2 reports "max". The cgroup v1
// value is returned as read, so an unconstrained v1 container yields the
// kernel's very large "unlimited" value rather than 0. Intended as a default source for Config.MemoryRejectBytes when
// the operator hasn't set one explicitly.
func CgroupMemoryLimit() (int64, error) {
	if data, err := os.ReadFile("/sys/fs/cgroup/memory.max"); err == nil {
		limitStr := strings.TrimSpace(string(data))
		if limitStr != "max" {
			return strconv.ParseInt(limitStr, 10, 64)
		}
		return 0, nil
	}

	if data, err := os.ReadFile("/sys/fs/cgroup/memory/memory.limit_in_bytes"); err == nil {
		return strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64)
	}

	return 0, nil
}

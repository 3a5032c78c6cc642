// Package sysinfo reads container-level resource limits the Go runtime
// doesn't surface on its own. Live usage sampling lives in
// internal/capacity; this package only answers "what are we allowed".
package sysinfo

import (
	"os"
	"strconv"
	"strings"
)

// MemoryLimit returns the container memory limit in bytes, supporting both
// cgroup v1 and v2 layouts. Returns 0 when no limit is configured (bare
// metal, or cgroup v2 "max").
func MemoryLimit() (int64, error) {
	// cgroup v2 first (newer systems, most managed container platforms)
	if data, err := os.ReadFile("/sys/fs/cgroup/memory.max"); err == nil {
		limitStr := strings.TrimSpace(string(data))
		if limitStr != "max" {
			return strconv.ParseInt(limitStr, 10, 64)
		}
		return 0, nil
	}

	// cgroup v1 fallback
	if data, err := os.ReadFile("/sys/fs/cgroup/memory/memory.limit_in_bytes"); err == nil {
		limitStr := strings.TrimSpace(string(data))
		return strconv.ParseInt(limitStr, 10, 64)
	}

	return 0, nil
}

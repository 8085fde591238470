// Package sysfs centralizes the raw sysfs/procfs file I/O akeydod's
// plug-ins perform against cgroupfs, the hugepage knobs, and the various
// driver-rebind files under /sys.
package sysfs

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	runccgroups "github.com/opencontainers/runc/libcontainer/cgroups"
)

// WriteFile writes a single-line value to the file at dir/file, the same
// helper runc's cgroup driver uses for cgroupfs I/O. It is reused here for
// every sysfs knob akeydod touches, cgroup or not, since the write
// semantics (open, write, close, no trailing-newline requirement) are
// identical.
func WriteFile(dir, file, data string) error {
	return runccgroups.WriteFile(dir, file, data)
}

// ReadFile reads a single-line value from dir/file with trailing whitespace
// trimmed.
func ReadFile(dir, file string) (string, error) {
	v, err := runccgroups.ReadFile(dir, file)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(v), nil
}

// WritePath writes data to an absolute path in one call, for the knobs that
// don't live under a natural (dir, file) cgroup-style split.
func WritePath(path, data string) error {
	dir, file := filepath.Split(path)
	return WriteFile(dir, file, data)
}

// ReadPath reads an absolute path in one call.
func ReadPath(path string) (string, error) {
	dir, file := filepath.Split(path)
	return ReadFile(dir, file)
}

// Exists reports whether path exists on the filesystem.
func Exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// ListDir returns the base names of path's directory entries, or nil if
// path does not exist. Non-existence is not an error: callers use this to
// probe optional sysfs trees (vtconsole, hugepages) that may be absent on
// a given kernel build.
func ListDir(path string) ([]string, error) {
	entries, err := os.ReadDir(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("sysfs: list %s: %w", path, err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names, nil
}

// ParseKeyValueFile parses a uevent-style "KEY=value\n" file into a map.
func ParseKeyValueFile(path string) (map[string]string, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("sysfs: read %s: %w", path, err)
	}
	out := map[string]string{}
	for _, line := range strings.Split(string(raw), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		k, v, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		out[k] = v
	}
	return out, nil
}

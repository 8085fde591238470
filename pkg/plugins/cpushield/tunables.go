package cpushield

import (
	"fmt"

	"github.com/akeydo/akeydo/pkg/sysfs"
)

// tunablePaths are the scheduler/writeback knobs captured before the first
// guest is shielded and restored once the last one releases, so a
// shielding session never leaves the host with a permanently disabled
// watchdog or stat interval.
var tunablePaths = []string{
	"/proc/sys/kernel/watchdog",
	"/proc/sys/vm/stat_interval",
	"/sys/bus/workqueue/devices/writeback/numa",
}

// SystemTunables captures a fixed set of sysctl-style knobs before
// shielding begins and restores their prior values afterward. A path that
// doesn't exist on a given kernel build is silently skipped, since not
// every knob is present on every configuration (e.g. writeback/numa is
// absent on UMA systems).
type SystemTunables struct {
	saved map[string]string
}

// NewSystemTunables returns an empty, uncaptured SystemTunables.
func NewSystemTunables() *SystemTunables {
	return &SystemTunables{saved: map[string]string{}}
}

// Capture reads and remembers the current value of every tunable path.
func (t *SystemTunables) Capture() error {
	t.saved = map[string]string{}
	var firstErr error
	for _, path := range tunablePaths {
		if !sysfs.Exists(path) {
			continue
		}
		value, err := sysfs.ReadPath(path)
		if err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("cpushield: capture %s: %w", path, err)
			}
			continue
		}
		t.saved[path] = value
	}
	return firstErr
}

// Restore writes back every captured value.
func (t *SystemTunables) Restore() error {
	var firstErr error
	for path, value := range t.saved {
		if err := sysfs.WritePath(path, value); err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("cpushield: restore %s: %w", path, err)
			}
		}
	}
	return firstErr
}

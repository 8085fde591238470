// Package cpushield keeps host processes off the CPUs pinned to guest
// vCPUs by rewriting cpuset.cpus on the top-level systemd cgroup slices.
package cpushield

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/prometheus/procfs"
	"github.com/sirupsen/logrus"

	"github.com/akeydo/akeydo/pkg/domainxml"
	"github.com/akeydo/akeydo/pkg/sysfs"
)

var log = logrus.WithField("component", "cpushield")

// unifiedMountpoint is the cgroup v2 mount point, same path every systemd
// distribution mounts it at.
const unifiedMountpoint = "/sys/fs/cgroup"

// hostSlices are the top-level systemd cgroups that must never be allowed
// to schedule onto a CPU reserved for a guest.
var hostSlices = []string{"init.scope", "user.slice", "system.slice"}

// reservedCPU is always kept available to the host regardless of guest
// pinning, so systemd and friends never starve completely.
const reservedCPU = 0

// Shield manages host cpuset.cpus shielding: keeping host processes off
// whichever CPUs are pinned to guest vCPUs.
type Shield struct {
	allCPUs  map[int]struct{}
	vmCPUs   map[string]map[int]struct{} // guest name -> pinned CPUs
	tunables *SystemTunables
}

// New builds a Shield, reading the host's total CPU count from procfs.
func New() (*Shield, error) {
	fs, err := procfs.NewDefaultFS()
	if err != nil {
		return nil, fmt.Errorf("cpushield: open procfs: %w", err)
	}
	info, err := fs.CPUInfo()
	if err != nil {
		return nil, fmt.Errorf("cpushield: read cpuinfo: %w", err)
	}
	all := make(map[int]struct{}, len(info))
	for _, cpu := range info {
		all[int(cpu.Processor)] = struct{}{}
	}

	if err := sysfs.WritePath(unifiedMountpoint+"/cgroup.subtree_control", "+cpuset"); err != nil {
		log.WithError(err).Debug("enabling cpuset controller on root cgroup failed, may already be enabled")
	}

	return &Shield{
		allCPUs:  all,
		vmCPUs:   map[string]map[int]struct{}{},
		tunables: NewSystemTunables(),
	}, nil
}

func (s *Shield) Name() string { return "cpushield" }

// Prepare shields the guest's pinned CPUs away from the host slices, and
// on the first guest captures the system scheduler tunables and sets them
// for shielding; the captured values are restored once the last guest
// releases.
func (s *Shield) Prepare(guest domainxml.GuestConfig) error {
	if len(guest.PinnedCPUs) == 0 {
		return nil
	}
	if len(s.vmCPUs) == 0 {
		if err := s.tunables.Capture(); err != nil {
			log.WithError(err).Warn("failed to capture system tunables, continuing without restore guarantee")
		}
		for path, value := range map[string]string{
			"/proc/sys/vm/stat_interval":                "120",
			"/proc/sys/kernel/watchdog":                 "0",
			"/sys/bus/workqueue/devices/writeback/numa": "1",
		} {
			if _, captured := s.tunables.saved[path]; !captured {
				continue
			}
			if err := sysfs.WritePath(path, value); err != nil {
				log.WithField("path", path).WithError(err).Warn("failed to set system tunable")
			}
		}
	}

	pinned := make(map[int]struct{}, len(guest.PinnedCPUs))
	for cpu := range guest.PinnedCPUs {
		pinned[cpu] = struct{}{}
	}
	s.vmCPUs[guest.Name] = pinned
	return s.applyHostCPUs()
}

// Release un-shields the guest's CPUs, and restores the captured system
// tunables once the last shielded guest has released.
func (s *Shield) Release(guest domainxml.GuestConfig) error {
	if _, ok := s.vmCPUs[guest.Name]; !ok {
		return nil
	}
	delete(s.vmCPUs, guest.Name)
	if err := s.applyHostCPUs(); err != nil {
		return err
	}
	if len(s.vmCPUs) == 0 {
		if err := s.tunables.Restore(); err != nil {
			log.WithError(err).Warn("failed to restore system tunables")
		}
	}
	return nil
}

func (s *Shield) TargetChanged(string) error { return nil }

func (s *Shield) Stop() error {
	if len(s.vmCPUs) > 0 {
		return s.tunables.Restore()
	}
	return nil
}

// applyHostCPUs writes hostCPUs to every host slice.
func (s *Shield) applyHostCPUs() error {
	list := formatCPUList(s.hostCPUs())
	for _, slice := range hostSlices {
		dir := unifiedMountpoint + "/" + slice
		if !sysfs.Exists(dir) {
			continue
		}
		if err := sysfs.WriteFile(dir, "cpuset.cpus", list); err != nil {
			return fmt.Errorf("cpushield: write cpuset.cpus for %s: %w", slice, err)
		}
	}
	return nil
}

// hostCPUs computes "all CPUs minus every currently-pinned guest CPU,
// always including CPU 0".
func (s *Shield) hostCPUs() []int {
	excluded := map[int]struct{}{}
	for _, cpus := range s.vmCPUs {
		for cpu := range cpus {
			excluded[cpu] = struct{}{}
		}
	}

	hostCPUs := make([]int, 0, len(s.allCPUs))
	for cpu := range s.allCPUs {
		if _, shielded := excluded[cpu]; !shielded || cpu == reservedCPU {
			hostCPUs = append(hostCPUs, cpu)
		}
	}
	return hostCPUs
}

func formatCPUList(cpus []int) string {
	parts := make([]string, len(cpus))
	for i, cpu := range cpus {
		parts[i] = strconv.Itoa(cpu)
	}
	return strings.Join(parts, ",")
}

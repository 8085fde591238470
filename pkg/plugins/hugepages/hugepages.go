// Package hugepages allocates static hugepages sized to a guest's memory
// before it starts, and returns them to the pool on release.
package hugepages

import (
	"fmt"
	"os/exec"
	"time"

	"code.cloudfoundry.org/bytefmt"
	"github.com/prometheus/procfs"
	"github.com/sirupsen/logrus"

	"github.com/akeydo/akeydo/pkg/domainxml"
	"github.com/akeydo/akeydo/pkg/sysfs"
)

var log = logrus.WithField("component", "hugepages")

const (
	size1G = 1024 * 1024 * 1024
	size2M = 2 * 1024 * 1024

	hugepages1GPath = "/sys/kernel/mm/hugepages/hugepages-1048576kB/nr_hugepages"
	hugepages2MPath = "/sys/kernel/mm/hugepages/hugepages-2048kB/nr_hugepages"

	dropCachesPath   = "/proc/sys/vm/drop_caches"
	compactMemPath   = "/proc/sys/vm/compact_memory"

	allocatePollInterval = time.Second
	allocatePollTimeout   = 30 * time.Second
)

// Allocator manages static hugepage reservations for prepared guests.
type Allocator struct {
	allocations map[string]allocation
}

type allocation struct {
	path  string
	pages uint64
}

// New builds an empty Allocator.
func New() *Allocator {
	return &Allocator{allocations: map[string]allocation{}}
}

func (a *Allocator) Name() string { return "hugepages" }

// Prepare reclaims memory and allocates the hugepages the guest's
// configuration requires, when it asked to be hugepage-backed.
func (a *Allocator) Prepare(guest domainxml.GuestConfig) error {
	if !guest.HugepagesBacked {
		return nil
	}

	if err := reclaimMemory(); err != nil {
		log.WithField("guest", guest.Name).WithError(err).Warn("memory reclaim before hugepage allocation failed, continuing")
	}

	path, pageSize := pagePathFor(guest.MemoryBytes)
	pages := pageCountFor(guest.MemoryBytes, pageSize)

	if err := ensureFreeMemory(pages * pageSize); err != nil {
		return fmt.Errorf("hugepages: %w", err)
	}

	if err := allocate(path, pages); err != nil {
		return fmt.Errorf("hugepages: allocate %s pages at %s: %w", bytefmt.ByteSize(pages*pageSize), path, err)
	}

	a.allocations[guest.Name] = allocation{path: path, pages: pages}
	log.WithFields(logrus.Fields{
		"guest": guest.Name,
		"pages": pages,
		"size":  bytefmt.ByteSize(pages * pageSize),
	}).Info("allocated hugepages")
	return nil
}

// Release returns the guest's hugepages to the pool.
func (a *Allocator) Release(guest domainxml.GuestConfig) error {
	alloc, ok := a.allocations[guest.Name]
	if !ok {
		return nil
	}
	delete(a.allocations, guest.Name)
	return deallocate(alloc.path, alloc.pages)
}

func (a *Allocator) TargetChanged(string) error { return nil }
func (a *Allocator) Stop() error                { return nil }

// pagePathFor picks the 1G hugepage pool for guests with at least 1GiB of
// memory, and the 2M pool otherwise.
func pagePathFor(memoryBytes uint64) (path string, pageSize uint64) {
	if memoryBytes >= size1G {
		return hugepages1GPath, size1G
	}
	return hugepages2MPath, size2M
}

// pageCountFor computes the number of pages of pageSize needed to back
// memoryBytes, rounding the KB-denominated memory size to an even number
// before dividing, matching the even-rounding ceiling behavior of the
// allocation formula this plugin is modeled on.
func pageCountFor(memoryBytes, pageSize uint64) uint64 {
	memKB := memoryBytes / 1024
	if memKB%2 != 0 {
		memKB++
	}
	pageSizeKB := pageSize / 1024
	pages := memKB / pageSizeKB
	if memKB%pageSizeKB != 0 {
		pages++
	}
	return pages
}

func reclaimMemory() error {
	if err := exec.Command("sync").Run(); err != nil {
		return fmt.Errorf("sync: %w", err)
	}
	if err := sysfs.WritePath(dropCachesPath, "3"); err != nil {
		return fmt.Errorf("drop_caches: %w", err)
	}
	if err := sysfs.WritePath(compactMemPath, "1"); err != nil {
		return fmt.Errorf("compact_memory: %w", err)
	}
	return nil
}

// ensureFreeMemory checks /proc/meminfo reports enough available memory to
// satisfy needed bytes of hugepage backing, preferring MemAvailable and
// falling back to MemFree on kernels that don't report it.
func ensureFreeMemory(needed uint64) error {
	fs, err := procfs.NewDefaultFS()
	if err != nil {
		return fmt.Errorf("open procfs: %w", err)
	}
	info, err := fs.Meminfo()
	if err != nil {
		return fmt.Errorf("read meminfo: %w", err)
	}

	var availableKB uint64
	if info.MemAvailable != nil {
		availableKB = *info.MemAvailable
	} else if info.MemFree != nil {
		availableKB = *info.MemFree
	}

	if availableKB*1024 < needed {
		return fmt.Errorf("insufficient memory: need %s, have %s available",
			bytefmt.ByteSize(needed), bytefmt.ByteSize(availableKB*1024))
	}
	return nil
}

func currentAllocated(path string) (uint64, error) {
	dir, file := splitPath(path)
	raw, err := sysfs.ReadFile(dir, file)
	if err != nil {
		return 0, err
	}
	var n uint64
	if _, err := fmt.Sscanf(raw, "%d", &n); err != nil {
		return 0, fmt.Errorf("parse %s: %w", path, err)
	}
	return n, nil
}

func allocate(path string, pages uint64) error {
	current, err := currentAllocated(path)
	if err != nil {
		return err
	}
	target := current + pages
	dir, file := splitPath(path)
	if err := sysfs.WriteFile(dir, file, fmt.Sprintf("%d", target)); err != nil {
		return err
	}
	return pollUntil(path, target, allocatePollInterval, allocatePollTimeout)
}

func deallocate(path string, pages uint64) error {
	current, err := currentAllocated(path)
	if err != nil {
		return err
	}
	var target uint64
	if current > pages {
		target = current - pages
	}
	dir, file := splitPath(path)
	return sysfs.WriteFile(dir, file, fmt.Sprintf("%d", target))
}

// pollUntil waits for the kernel to actually honor the requested
// nr_hugepages value, since the allocator may only be able to satisfy the
// request gradually (or not at all, under memory pressure).
func pollUntil(path string, want uint64, interval, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		got, err := currentAllocated(path)
		if err == nil && got >= want {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("timed out waiting for %s to reach %d pages (at %d)", path, want, got)
		}
		time.Sleep(interval)
	}
}

func splitPath(path string) (dir, file string) {
	idx := len(path) - 1
	for idx >= 0 && path[idx] != '/' {
		idx--
	}
	return path[:idx+1], path[idx+1:]
}

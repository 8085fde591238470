// Package devicemanager is the plugin that owns the set of replicated
// input devices: for each guest it prepares, it resolves the evdev source
// paths referenced in the guest's libvirt XML, waits for them to appear,
// and attaches/detaches the guest as a replication target.
package devicemanager

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"

	"github.com/akeydo/akeydo/pkg/domainxml"
	"github.com/akeydo/akeydo/pkg/hotkey"
	"github.com/akeydo/akeydo/pkg/orchestrator"
	"github.com/akeydo/akeydo/pkg/replicator"
	"github.com/akeydo/akeydo/pkg/sysfs"
)

var log = logrus.WithField("component", "devicemanager")

// Manager replicates host input devices to guest sinks for the lifetime of
// the daemon.
type Manager struct {
	focus   replicator.FocusController
	delay   time.Duration
	wait    time.Duration
	hotkeys map[string]hotkey.Chord // vm name -> configured hotkey, from settings
	release hotkey.Chord
	toggle  hotkey.Chord

	devices map[string]*replicator.Device // source path -> device
}

// New creates a devicemanager plugin. wait bounds how long it polls for a
// source device to appear after a guest is prepared before giving up.
// release and toggle are the global chords every replicated device watches
// for in addition to any per-guest hotkey.
func New(focus replicator.FocusController, delay, wait time.Duration, hotkeys map[string]hotkey.Chord, release, toggle hotkey.Chord) *Manager {
	return &Manager{
		focus:   focus,
		delay:   delay,
		wait:    wait,
		hotkeys: hotkeys,
		release: release,
		toggle:  toggle,
		devices: map[string]*replicator.Device{},
	}
}

func (m *Manager) Name() string { return "devicemanager" }

// Prepare resolves each evdev path the guest's XML names, waits for it to
// exist if necessary, lazily creates a replicator.Device for sources not
// already being replicated, and attaches the guest as a target.
func (m *Manager) Prepare(guest domainxml.GuestConfig) error {
	target := orchestrator.Target(guest.Name)
	chord := m.hotkeys[guest.Name]
	if guest.Hotkey != nil {
		chord = guest.Hotkey
	}

	for evdevPath := range guest.EvdevPaths {
		sourcePath, err := sourceFromTargetPath(evdevPath, guest.Name)
		if err != nil {
			log.WithField("guest", guest.Name).WithField("path", evdevPath).WithError(err).Warn("skipping malformed device path")
			continue
		}

		if err := m.waitForDevice(sourcePath); err != nil {
			return fmt.Errorf("devicemanager: %s: %w", sourcePath, err)
		}

		dev, ok := m.devices[sourcePath]
		if !ok {
			var err error
			dev, err = replicator.Open(sourcePath, m.focus, m.delay, replicator.Chords{
				Release:   m.release,
				Toggle:    m.toggle,
				PerTarget: map[orchestrator.Target]hotkey.Chord{},
			})
			if err != nil {
				return fmt.Errorf("devicemanager: open %s: %w", sourcePath, err)
			}
			dev.Start(context.Background())
			m.devices[sourcePath] = dev
		}

		if err := dev.AddTarget(target, chord); err != nil {
			return fmt.Errorf("devicemanager: add target %s to %s: %w", guest.Name, sourcePath, err)
		}
	}
	return nil
}

// Release detaches the guest from every device it was replicated to,
// tearing down devices that no longer have any non-host target.
func (m *Manager) Release(guest domainxml.GuestConfig) error {
	target := orchestrator.Target(guest.Name)
	for path, dev := range m.devices {
		if err := dev.RemoveTarget(target); err != nil {
			log.WithField("guest", guest.Name).WithField("path", path).WithError(err).Warn("failed to remove target")
		}
		if dev.TargetCount() <= 1 {
			dev.Stop()
			delete(m.devices, path)
		}
	}
	return nil
}

// TargetChanged re-grabs every device so a fresh guest takeover always
// starts from a clean EVIOCGRAB state.
func (m *Manager) TargetChanged(string) error {
	for path, dev := range m.devices {
		if err := dev.Grab(); err != nil {
			log.WithField("path", path).WithError(err).Debug("re-grab on target change failed")
		}
	}
	return nil
}

func (m *Manager) Stop() error {
	for _, dev := range m.devices {
		dev.Stop()
	}
	return nil
}

// sourceFromTargetPath strips the "<guest>-" prefix a by-id target path
// carries to recover the true host source device's by-id path.
func sourceFromTargetPath(targetPath, guestName string) (string, error) {
	dir := targetPath[:strings.LastIndex(targetPath, "/")+1]
	base := targetPath[len(dir):]
	prefix := guestName + "-"
	if !strings.HasPrefix(base, prefix) {
		return "", fmt.Errorf("path %q missing expected %q prefix", targetPath, prefix)
	}
	return dir + strings.TrimPrefix(base, prefix), nil
}

// waitForDevice polls for path to appear, using fsnotify on its parent
// directory with a 1-second poll fallback, up to m.wait.
func (m *Manager) waitForDevice(path string) error {
	deadline := time.Now().Add(m.wait)

	if exists(path) {
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err == nil {
		defer watcher.Close()
		dir := path[:strings.LastIndex(path, "/")+1]
		_ = watcher.Add(dir)
	}

	poll := time.NewTicker(time.Second)
	defer poll.Stop()

	for time.Now().Before(deadline) {
		if exists(path) {
			return nil
		}
		if watcher != nil {
			select {
			case ev := <-watcher.Events:
				if ev.Name == path {
					return nil
				}
			case <-poll.C:
			case <-time.After(time.Until(deadline)):
			}
		} else {
			<-poll.C
		}
	}
	return fmt.Errorf("timed out waiting for device to appear after %s", m.wait)
}

func exists(path string) bool {
	return sysfs.Exists(path)
}

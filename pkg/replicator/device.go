// Package replicator owns the raw evdev input device: grabbing it from the
// host, cloning a virtual sink per focus target, and forwarding events to
// whichever sink currently has focus while watching for the release,
// toggle, and per-guest hotkey chords.
package replicator

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	evdev "github.com/holoplot/go-evdev"
	"github.com/sirupsen/logrus"

	"github.com/akeydo/akeydo/pkg/hotkey"
	"github.com/akeydo/akeydo/pkg/orchestrator"
)

// grabRetryInterval is how often Device re-issues the grab on the source
// device, whether or not the last grab failed, matching the hook's
// tolerance for devices that momentarily vanish during a hot-unplug/replug.
const grabRetryInterval = 10 * time.Second

// postSwitchDelay is a 100ms value for the pause between emitting a SYN on
// the outgoing sink and actually switching targets. Device does not read
// it: the pause a Device applies is the delay passed to Open.
const postSwitchDelay = 100 * time.Millisecond

// FocusController is the subset of *orchestrator.Orchestrator the
// replicator drives in response to chord firings.
type FocusController interface {
	orchestrator.FocusReader
	Toggle(ctx context.Context) error
	SetReleased(ctx context.Context, released bool) error
	SetHost(ctx context.Context, guest string) error
}

// Device replicates a single host input device across every prepared
// target, switching the live sink as the orchestrator's focus target
// changes.
type Device struct {
	sourcePath string
	name       string
	manager    FocusController
	delay      time.Duration

	mu        sync.Mutex
	source    *evdev.InputDevice
	sinks     map[orchestrator.Target]*evdev.InputDevice
	held      hotkey.Chord
	detectors []*chordDetector

	cancel context.CancelFunc
	done   chan struct{}
}

var log = logrus.WithField("component", "replicator")

// Chords bundles the three chord-triggered behaviors a Device watches for.
type Chords struct {
	Release    hotkey.Chord
	Toggle     hotkey.Chord
	PerTarget  map[orchestrator.Target]hotkey.Chord
}

// Open opens the source device at path and prepares (but does not yet
// start) replication for it.
func Open(path string, manager FocusController, delay time.Duration, chords Chords) (*Device, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("replicator: stat %s: %w", path, err)
	}
	if info.Mode()&os.ModeCharDevice == 0 {
		return nil, fmt.Errorf("replicator: %s is not a character device", path)
	}

	source, err := evdev.Open(path)
	if err != nil {
		return nil, fmt.Errorf("replicator: open %s: %w", path, err)
	}
	name, _ := source.Name()
	if name == "" {
		name = "akeydo-device"
	}

	d := &Device{
		sourcePath: path,
		name:       name,
		manager:    manager,
		delay:      delay,
		source:     source,
		sinks:      map[orchestrator.Target]*evdev.InputDevice{},
		held:       hotkey.NewChord(),
	}

	d.detectors = append(d.detectors, newChordDetector("release", chords.Release, d.fireRelease))
	d.detectors = append(d.detectors, newChordDetector("toggle", chords.Toggle, d.fireToggle))
	for target, chord := range chords.PerTarget {
		target := target
		d.detectors = append(d.detectors, newChordDetector("select:"+string(target), chord, func() { d.fireSelect(target) }))
	}

	if err := d.createSink(orchestrator.Host); err != nil {
		source.Close()
		return nil, err
	}

	return d, nil
}

// createSink clones a virtual uinput device for target and symlinks it under
// /dev/input/by-id/<target>-<name> (target is the empty string for host,
// which sinkLinkName renders without a leading hyphen).
func (d *Device) createSink(target orchestrator.Target) error {
	linkName := sinkLinkName(target, d.name)
	sink, err := evdev.CloneDevice(linkName, d.source)
	if err != nil {
		return fmt.Errorf("replicator: clone sink for %s: %w", linkName, err)
	}
	if err := symlinkSink(linkName, sink.Path()); err != nil {
		sink.Close()
		return err
	}
	d.sinks[target] = sink
	return nil
}

// sinkLinkName is the by-id basename a target's sink is published under.
func sinkLinkName(target orchestrator.Target, name string) string {
	if target == orchestrator.Host {
		return name
	}
	return string(target) + "-" + name
}

const byIDDir = "/dev/input/by-id"

// symlinkSink points /dev/input/by-id/<name> at the cloned sink's devnode,
// replacing any stale link left behind by a previous run.
func symlinkSink(name, devnode string) error {
	if err := os.MkdirAll(byIDDir, 0o755); err != nil {
		return fmt.Errorf("replicator: mkdir %s: %w", byIDDir, err)
	}
	link := byIDDir + "/" + name
	if err := os.Remove(link); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("replicator: remove stale symlink %s: %w", link, err)
	}
	if err := os.Symlink(devnode, link); err != nil {
		return fmt.Errorf("replicator: symlink %s -> %s: %w", link, devnode, err)
	}
	return nil
}

// removeSinkSymlink tears down the by-id link created by symlinkSink.
func removeSinkSymlink(name string) {
	link := byIDDir + "/" + name
	if err := os.Remove(link); err != nil && !os.IsNotExist(err) {
		log.WithField("link", link).WithError(err).Debug("failed to remove by-id symlink")
	}
}

// AddTarget registers a new sink for target, called when a guest is
// prepared.
func (d *Device) AddTarget(target orchestrator.Target, chord hotkey.Chord) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.sinks[target]; ok {
		return nil
	}
	if err := d.createSink(target); err != nil {
		return err
	}
	if !chord.Empty() {
		t := target
		d.detectors = append(d.detectors, newChordDetector("select:"+string(t), chord, func() { d.fireSelect(t) }))
	}
	return nil
}

// RemoveTarget destroys the sink for target, called on guest release.
func (d *Device) RemoveTarget(target orchestrator.Target) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	sink, ok := d.sinks[target]
	if !ok {
		return nil
	}
	delete(d.sinks, target)
	removeSinkSymlink(sinkLinkName(target, d.name))
	return sink.Close()
}

// TargetCount reports how many sinks (including host) are registered.
func (d *Device) TargetCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.sinks)
}

// Grab forces an EVIOCGRAB on the source device, releasing and
// re-acquiring it if already grabbed, mirroring the guest-announce hack
// that clears a stuck QEMU grab on a libvirt hook boundary.
func (d *Device) Grab() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.source.Ungrab(); err != nil {
		log.WithError(err).Debug("ungrab before grab failed, continuing")
	}
	return d.source.Grab()
}

// Start launches the grab-retry and replicate goroutines.
func (d *Device) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	d.cancel = cancel
	d.done = make(chan struct{})
	go d.run(ctx)
}

// Stop cancels replication and closes every sink and the source.
func (d *Device) Stop() {
	if d.cancel != nil {
		d.cancel()
	}
	if d.done != nil {
		<-d.done
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, sink := range d.sinks {
		sink.Close()
	}
	d.source.Close()
}

func (d *Device) run(ctx context.Context) {
	defer close(d.done)
	if err := d.Grab(); err != nil {
		log.WithField("device", d.sourcePath).WithError(err).Warn("initial grab failed, will retry")
	}

	retry := time.NewTicker(grabRetryInterval)
	defer retry.Stop()

	events := make(chan *evdev.InputEvent, 64)
	readErrs := make(chan error, 1)
	go d.readLoop(ctx, events, readErrs)

	for {
		select {
		case <-ctx.Done():
			return
		case <-retry.C:
			if err := d.Grab(); err != nil {
				log.WithField("device", d.sourcePath).WithError(err).Debug("periodic grab retry failed")
			}
		case err := <-readErrs:
			log.WithField("device", d.sourcePath).WithError(err).Warn("source device read failed, stopping replication")
			return
		case ev := <-events:
			d.handleEvent(ctx, ev)
		}
	}
}

func (d *Device) readLoop(ctx context.Context, events chan<- *evdev.InputEvent, errs chan<- error) {
	for {
		ev, err := d.source.ReadOne()
		if err != nil {
			select {
			case errs <- err:
			case <-ctx.Done():
			}
			return
		}
		select {
		case events <- ev:
		case <-ctx.Done():
			return
		}
	}
}

// effectiveTarget resolves which sink should receive events right now.
// CurrentTarget already folds in released (falls back to host_override
// regardless of ring position) and a ring position of Host itself
// (resolved through host_override), so sink selection never needs to read
// Released() directly.
func (d *Device) effectiveTarget() orchestrator.Target {
	return d.manager.CurrentTarget()
}

func (d *Device) handleEvent(ctx context.Context, ev *evdev.InputEvent) {
	target := d.effectiveTarget()
	d.mu.Lock()
	sink := d.sinks[target]
	if sink == nil {
		sink = d.sinks[orchestrator.Host]
	}
	if sink != nil {
		if err := sink.WriteOne(ev); err != nil {
			log.WithField("device", d.sourcePath).WithError(err).Debug("forward event to sink failed")
		}
	}

	if ev.Type == evdev.EV_KEY {
		code := int(ev.Code)
		switch ev.Value {
		case 1:
			d.held[code] = struct{}{}
		case 0:
			delete(d.held, code)
		}
		held := d.held
		keyDown := ev.Value == 1
		detectors := d.detectors
		d.mu.Unlock()

		for _, det := range detectors {
			det.observe(held, keyDown)
		}
		return
	}
	d.mu.Unlock()
}

func (d *Device) syncOutgoing() {
	target := d.effectiveTarget()
	d.mu.Lock()
	sink := d.sinks[target]
	d.mu.Unlock()
	if sink == nil {
		return
	}
	if err := sink.WriteOne(&evdev.InputEvent{Type: evdev.EV_SYN, Code: 0, Value: 0}); err != nil {
		log.WithError(err).Debug("sync outgoing sink failed")
	}
}

func (d *Device) fireRelease() {
	d.syncOutgoing()
	time.Sleep(d.delay)
	released := d.manager.Released()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := d.manager.SetReleased(ctx, !released); err != nil {
		log.WithError(err).Warn("release chord: failed to flip released state")
	}
}

func (d *Device) fireToggle() {
	d.syncOutgoing()
	time.Sleep(d.delay)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := d.manager.Toggle(ctx); err != nil {
		log.WithError(err).Warn("toggle chord: failed to advance focus")
	}
}

func (d *Device) fireSelect(target orchestrator.Target) {
	d.syncOutgoing()
	time.Sleep(d.delay)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := d.manager.SetHost(ctx, string(target)); err != nil {
		log.WithField("target", string(target)).WithError(err).Warn("select chord: failed to switch focus")
	}
}

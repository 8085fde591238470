// Package orchestrator holds the daemon's focus state machine: the list of
// prepared guests, which one currently owns the input devices, and the
// plugin registry that is driven through each guest's lifecycle.
package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/akeydo/akeydo/pkg/domainxml"
	"github.com/akeydo/akeydo/pkg/plugin"

	multierror "github.com/hashicorp/go-multierror"
)

// Target names the current focus owner. Host is the sentinel value used
// when no guest holds the devices.
type Target string

// Host is the zero value of Target and always denotes the local machine.
const Host Target = ""

var log = logrus.WithField("component", "orchestrator")

// FocusReader is the read-only view of the orchestrator the replicator
// holds, so it can learn the current target without being able to mutate
// orchestrator state directly. All mutation happens through the command
// channel so state changes serialize on a single goroutine.
type FocusReader interface {
	CurrentTarget() Target
	Released() bool
}

// Orchestrator serializes vm_prepare/vm_release/toggle/set_host commands
// through a single dispatch goroutine, so plugins never see concurrent
// calls for different guests.
type Orchestrator struct {
	plugins   []plugin.Plugin
	listeners []func(target string)

	cmds chan func()
	done chan struct{}

	guests       []Target // ring of selectable targets, Host present unless a guest currently plays the host role
	configs      map[Target]domainxml.GuestConfig
	target       Target // raw ring position last selected by Toggle/SetHost
	hostOverride Target // which target plays the host role; Host unless a GPU handoff reassigned it
	released     bool
}

// New creates an Orchestrator with no plugins registered yet. Call
// SetPlugins before Run, once every plugin has been constructed (plugins
// that need a FocusReader back-reference take the Orchestrator itself,
// which must exist before they can be built).
func New() *Orchestrator {
	return &Orchestrator{
		cmds:    make(chan func()),
		done:    make(chan struct{}),
		guests:  []Target{Host},
		configs: map[Target]domainxml.GuestConfig{},
		target:  Host,
	}
}

// SetPlugins registers the plugin set to drive, in registration order for
// Prepare/TargetChanged and reverse order for Release. Must be called
// before Run and not concurrently with any other method.
func (o *Orchestrator) SetPlugins(plugins []plugin.Plugin) {
	o.plugins = plugins
}

// OnTargetChanged registers fn to be called, on the dispatch goroutine,
// whenever the focus target changes. Unlike plugins, listeners cannot fail
// the transition; used by the D-Bus service to mirror the Target property.
// Must be called before Run and not concurrently with any other method.
func (o *Orchestrator) OnTargetChanged(fn func(target string)) {
	o.listeners = append(o.listeners, fn)
}

// Run serializes command dispatch until ctx is canceled. Callers invoke it
// in its own goroutine.
func (o *Orchestrator) Run(ctx context.Context) {
	defer close(o.done)
	for {
		select {
		case <-ctx.Done():
			return
		case cmd := <-o.cmds:
			cmd()
		}
	}
}

// exec runs fn on the dispatch goroutine and blocks until it completes.
func (o *Orchestrator) exec(ctx context.Context, fn func()) error {
	result := make(chan struct{})
	select {
	case o.cmds <- func() { fn(); close(result) }:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-result:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// CurrentTarget returns the target that should currently receive input:
// host_override whenever devices are released, otherwise the active ring
// position, with the ring's own Host slot itself resolving through
// host_override (so a GPU handoff that reassigned the host role is
// transparent to callers that only ever look at CurrentTarget). Safe to
// call from any goroutine: the underlying state is only ever written from
// the dispatch goroutine, surfaced here as a point-in-time snapshot rather
// than racing a concurrent Prepare/Release.
func (o *Orchestrator) CurrentTarget() Target {
	reply := make(chan Target, 1)
	o.cmds <- func() { reply <- o.displayTargetLocked() }
	return <-reply
}

// displayTargetLocked computes the target callers should see right now.
// Must only run on the dispatch goroutine.
func (o *Orchestrator) displayTargetLocked() Target {
	if o.released {
		return o.hostOverride
	}
	if o.target == Host {
		return o.hostOverride
	}
	return o.target
}

// Released reports whether the devices are currently released to the host
// independent of the target ring (the "released" flag from the hotkey
// model).
func (o *Orchestrator) Released() bool {
	reply := make(chan bool, 1)
	o.cmds <- func() { reply <- o.released }
	return <-reply
}

// Prepare runs vm_prepare for name across every plugin, in registration
// order, and adds name to the focus ring. Returns false if name is already
// prepared, matching the idempotent-duplicate semantics of the hook
// contract.
func (o *Orchestrator) Prepare(ctx context.Context, guest domainxml.GuestConfig) (bool, error) {
	var added bool
	var prepErr error
	err := o.exec(ctx, func() {
		target := Target(guest.Name)
		for _, g := range o.guests {
			if g == target {
				return
			}
		}
		for _, p := range o.plugins {
			if err := p.Prepare(guest); err != nil {
				prepErr = fmt.Errorf("plugin %s: prepare %s: %w", p.Name(), guest.Name, err)
				return
			}
		}
		o.guests = append(o.guests, target)
		o.configs[target] = guest
		added = true
	})
	if err != nil {
		return false, err
	}
	return added, prepErr
}

// Release runs vm_release for name across every plugin in REVERSE
// registration order, best-effort: a failing plugin does not stop the
// remaining plugins from being released, and all errors are aggregated
// into a multierror that is logged but never returned to the hook caller,
// matching the "hooks must not fail the shutdown path" contract.
func (o *Orchestrator) Release(ctx context.Context, guest domainxml.GuestConfig) (bool, error) {
	var removed bool
	err := o.exec(ctx, func() {
		target := Target(guest.Name)
		idx := -1
		for i, g := range o.guests {
			if g == target {
				idx = i
				break
			}
		}
		if idx < 0 {
			return
		}

		var errs *multierror.Error
		for i := len(o.plugins) - 1; i >= 0; i-- {
			p := o.plugins[i]
			if err := p.Release(guest); err != nil {
				errs = multierror.Append(errs, fmt.Errorf("plugin %s: release %s: %w", p.Name(), guest.Name, err))
			}
		}
		if errs != nil {
			log.WithField("guest", guest.Name).WithError(errs).Warn("errors releasing guest, continuing")
		}

		o.guests = append(o.guests[:idx], o.guests[idx+1:]...)
		delete(o.configs, target)
		removed = true

		// I3: a guest that was standing in for the host loses that role on
		// its own release, same as the true host resuming it.
		if target == o.hostOverride {
			o.setHostOverrideLocked(Host)
		}
		if o.target == target {
			o.setTargetLocked(o.hostOverride)
		}
	})
	return removed, err
}

// Toggle advances the focus target to the next entry in the ring,
// wrapping from the last entry back to the first (Host, unless a guest
// currently plays the host role and Host is out of the ring).
func (o *Orchestrator) Toggle(ctx context.Context) error {
	return o.exec(ctx, func() {
		idx := 0
		for i, g := range o.guests {
			if g == o.target {
				idx = i
				break
			}
		}
		next := o.guests[(idx+1)%len(o.guests)]
		o.setTargetLocked(next)
	})
}

// SetHost jumps the focus ring directly to the named guest, or, if guest is
// empty or not currently prepared, to whichever target plays the host role
// (Host itself unless host_override names a guest). This only moves the ring
// position; it does not touch host_override (see SetHostOverride for
// reassigning which target plays the host role).
func (o *Orchestrator) SetHost(ctx context.Context, guest string) error {
	return o.exec(ctx, func() {
		target := Target(guest)
		if target != Host {
			found := false
			for _, g := range o.guests {
				if g == target {
					found = true
					break
				}
			}
			if !found {
				target = Host
			}
		}
		if target == Host {
			target = o.hostOverride
		}
		o.setTargetLocked(target)
	})
}

// SetHostSync is a convenience wrapper around SetHost for callers that run
// outside any existing context and want a simple blocking call with an
// internal timeout.
func (o *Orchestrator) SetHostSync(guest string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return o.SetHost(ctx, guest)
}

// HostOverrideSetter lets a plugin assume or relinquish the host role as
// part of its own Prepare/Release hook (set_host). It is distinct from
// SetHost/SetHostSync: those round-trip through the command channel for
// callers running on their own goroutine, but a plugin hook already runs
// synchronously on the dispatch goroutine (Prepare/Release invoke it from
// inside their own exec closure), so routing through exec here would block
// the dispatch loop waiting on itself. SetHostOverride instead mutates
// orchestrator state directly and must only be called from within a
// plugin's Prepare or Release.
type HostOverrideSetter interface {
	SetHostOverride(guest string)
}

// SetHostOverride reassigns which target plays the host role: guest, or
// Host itself if guest is empty. If focus currently displays the host role,
// it jumps to follow the new one. Removes Host from the ring while a guest
// stands in for it, and restores Host to the ring when the override clears.
// Must only be called from within a plugin's Prepare or Release hook.
func (o *Orchestrator) SetHostOverride(guest string) {
	o.setHostOverrideLocked(Target(guest))
}

func (o *Orchestrator) setHostOverrideLocked(guest Target) {
	if o.displayTargetLocked() == o.hostOverride {
		o.setTargetLocked(guest)
	}
	o.hostOverride = guest
	if guest == Host {
		o.addToRingLocked(Host)
	} else {
		o.removeFromRingLocked(Host)
	}
}

func (o *Orchestrator) addToRingLocked(target Target) {
	for _, g := range o.guests {
		if g == target {
			return
		}
	}
	o.guests = append([]Target{target}, o.guests...)
}

func (o *Orchestrator) removeFromRingLocked(target Target) {
	for i, g := range o.guests {
		if g == target {
			o.guests = append(o.guests[:i], o.guests[i+1:]...)
			return
		}
	}
}

// SetReleased toggles the "released to host" flag without moving the ring
// position, matching the Python original's independent released/target
// state.
func (o *Orchestrator) SetReleased(ctx context.Context, released bool) error {
	return o.exec(ctx, func() {
		o.released = released
	})
}

func (o *Orchestrator) setTargetLocked(target Target) {
	if o.target == target {
		return
	}
	o.target = target
	o.released = false
	for _, p := range o.plugins {
		if err := p.TargetChanged(string(target)); err != nil {
			log.WithField("target", string(target)).WithError(err).Warn("plugin target-changed hook failed")
		}
	}
	for _, fn := range o.listeners {
		fn(string(target))
	}
}

// Stop calls Stop on every plugin, in reverse registration order, on the
// dispatch goroutine. It does not end Run: the dispatch loop keeps running
// until Run's context is canceled.
func (o *Orchestrator) Stop(ctx context.Context) error {
	var errs *multierror.Error
	err := o.exec(ctx, func() {
		for i := len(o.plugins) - 1; i >= 0; i-- {
			if err := o.plugins[i].Stop(); err != nil {
				errs = multierror.Append(errs, fmt.Errorf("plugin %s: stop: %w", o.plugins[i].Name(), err))
			}
		}
	})
	if err != nil {
		return err
	}
	if errs != nil {
		return errs
	}
	return nil
}

// Wait blocks until Run's goroutine has exited.
func (o *Orchestrator) Wait() {
	<-o.done
}

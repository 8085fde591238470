package orchestrator

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/akeydo/akeydo/pkg/domainxml"
	"github.com/akeydo/akeydo/pkg/plugin"
)

type fakePlugin struct {
	name           string
	prepared       []string
	released       []string
	targetChanges  []string
	stopped        bool
	prepareErr     error
	releaseErr     error
}

func (f *fakePlugin) Name() string { return f.name }

func (f *fakePlugin) Prepare(guest domainxml.GuestConfig) error {
	f.prepared = append(f.prepared, guest.Name)
	return f.prepareErr
}

func (f *fakePlugin) Release(guest domainxml.GuestConfig) error {
	f.released = append(f.released, guest.Name)
	return f.releaseErr
}

func (f *fakePlugin) TargetChanged(guest string) error {
	f.targetChanges = append(f.targetChanges, guest)
	return nil
}

func (f *fakePlugin) Stop() error {
	f.stopped = true
	return nil
}

func newRunning(t *testing.T, plugins ...*fakePlugin) (*Orchestrator, context.Context, func()) {
	t.Helper()
	o := New()
	pl := make([]plugin.Plugin, len(plugins))
	for i, p := range plugins {
		pl[i] = p
	}
	o.SetPlugins(pl)
	ctx, cancel := context.WithCancel(context.Background())
	go o.Run(ctx)
	return o, ctx, cancel
}

// R1: Prepare;Release round-trips state — guest disappears from the ring
// and the current target returns to Host.
func TestPrepareReleaseRoundTrip(t *testing.T) {
	p := &fakePlugin{name: "p1"}
	o, ctx, cancel := newRunning(t, p)
	defer cancel()

	guest := domainxml.GuestConfig{Name: "vm1"}
	added, err := o.Prepare(ctx, guest)
	require.NoError(t, err)
	assert.True(t, added)

	require.NoError(t, o.SetHost(ctx, "vm1"))
	assert.Equal(t, Target("vm1"), o.CurrentTarget())

	removed, err := o.Release(ctx, guest)
	require.NoError(t, err)
	assert.True(t, removed)

	// P4: after releasing the active target, focus returns to Host.
	assert.Equal(t, Host, o.CurrentTarget())
	assert.Equal(t, []string{"vm1"}, p.prepared)
	assert.Equal(t, []string{"vm1"}, p.released)
}

// R2: Toggle() applied len(targets) times returns to the original target.
func TestToggleCyclesBackToOrigin(t *testing.T) {
	p := &fakePlugin{name: "p1"}
	o, ctx, cancel := newRunning(t, p)
	defer cancel()

	for _, name := range []string{"vm1", "vm2", "vm3"} {
		_, err := o.Prepare(ctx, domainxml.GuestConfig{Name: name})
		require.NoError(t, err)
	}

	origin := o.CurrentTarget()
	total := 4 // Host + 3 guests
	for i := 0; i < total; i++ {
		require.NoError(t, o.Toggle(ctx))
	}
	assert.Equal(t, origin, o.CurrentTarget())
}

func TestPrepareIsIdempotentForDuplicateGuest(t *testing.T) {
	p := &fakePlugin{name: "p1"}
	o, ctx, cancel := newRunning(t, p)
	defer cancel()

	guest := domainxml.GuestConfig{Name: "vm1"}
	added, err := o.Prepare(ctx, guest)
	require.NoError(t, err)
	assert.True(t, added)

	added, err = o.Prepare(ctx, guest)
	require.NoError(t, err)
	assert.False(t, added)
	assert.Equal(t, []string{"vm1"}, p.prepared)
}

func TestReleaseAggregatesPluginErrorsWithoutFailing(t *testing.T) {
	failing := &fakePlugin{name: "failing", releaseErr: errors.New("boom")}
	ok := &fakePlugin{name: "ok"}
	o, ctx, cancel := newRunning(t, ok, failing)
	defer cancel()

	guest := domainxml.GuestConfig{Name: "vm1"}
	_, err := o.Prepare(ctx, guest)
	require.NoError(t, err)

	removed, err := o.Release(ctx, guest)
	require.NoError(t, err)
	assert.True(t, removed)
}

func TestSetHostFallsBackToHostForUnknownGuest(t *testing.T) {
	p := &fakePlugin{name: "p1"}
	o, ctx, cancel := newRunning(t, p)
	defer cancel()

	require.NoError(t, o.SetHost(ctx, "nonexistent"))
	assert.Equal(t, Host, o.CurrentTarget())
}

func TestOnTargetChangedListenerFiresAlongsidePlugins(t *testing.T) {
	p := &fakePlugin{name: "p1"}
	o := New()
	o.SetPlugins([]plugin.Plugin{p})

	var seen []string
	o.OnTargetChanged(func(target string) { seen = append(seen, target) })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go o.Run(ctx)

	guest := domainxml.GuestConfig{Name: "vm1"}
	_, err := o.Prepare(ctx, guest)
	require.NoError(t, err)
	require.NoError(t, o.SetHost(ctx, "vm1"))

	assert.Equal(t, []string{"vm1"}, seen)
	assert.Equal(t, []string{"vm1"}, p.targetChanges)
}

// hostOverridePlugin mimics the gpu plugin's use of SetHostOverride: it
// calls straight into the orchestrator from within its own Prepare hook,
// the same reentrant path a real passthrough handoff takes.
type hostOverridePlugin struct {
	name              string
	orch              *Orchestrator
	overrideOnPrepare string
}

func (p *hostOverridePlugin) Name() string { return p.name }
func (p *hostOverridePlugin) Prepare(guest domainxml.GuestConfig) error {
	if p.overrideOnPrepare == guest.Name {
		p.orch.SetHostOverride(guest.Name)
	}
	return nil
}
func (p *hostOverridePlugin) Release(domainxml.GuestConfig) error { return nil }
func (p *hostOverridePlugin) TargetChanged(string) error          { return nil }
func (p *hostOverridePlugin) Stop() error                         { return nil }

// set_host: a guest assuming the host role takes focus (if Host was being
// displayed) and drops out of the plain ring alongside Host itself.
func TestHostOverrideAssumesHostRoleAndRemovesHostFromRing(t *testing.T) {
	hostPlugin := &hostOverridePlugin{name: "gpu"}
	o := New()
	o.SetPlugins([]plugin.Plugin{hostPlugin})
	hostPlugin.orch = o

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go o.Run(ctx)

	_, err := o.Prepare(ctx, domainxml.GuestConfig{Name: "vm1"})
	require.NoError(t, err)

	hostPlugin.overrideOnPrepare = "vm2"
	_, err = o.Prepare(ctx, domainxml.GuestConfig{Name: "vm2"})
	require.NoError(t, err)

	// vm2 assumed the host role: focus was displaying Host, so it jumped to
	// follow vm2, and Host dropped out of the ring.
	assert.Equal(t, Target("vm2"), o.CurrentTarget())

	origin := o.CurrentTarget()
	for i := 0; i < 2; i++ { // ring now holds only {vm1, vm2}
		require.NoError(t, o.Toggle(ctx))
	}
	assert.Equal(t, origin, o.CurrentTarget())
}

// I3: releasing the active target falls back to host_override, not always
// to the literal Host.
func TestReleaseOfActiveGuestFallsBackToHostOverride(t *testing.T) {
	hostPlugin := &hostOverridePlugin{name: "gpu", overrideOnPrepare: "vm1"}
	o := New()
	o.SetPlugins([]plugin.Plugin{hostPlugin})
	hostPlugin.orch = o

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go o.Run(ctx)

	_, err := o.Prepare(ctx, domainxml.GuestConfig{Name: "vm1"})
	require.NoError(t, err)
	assert.Equal(t, Target("vm1"), o.CurrentTarget())

	removed, err := o.Release(ctx, domainxml.GuestConfig{Name: "vm1"})
	require.NoError(t, err)
	assert.True(t, removed)

	// vm1's own release relinquished the host role it was standing in for,
	// so the fallback lands on Host.
	assert.Equal(t, Host, o.CurrentTarget())
}

func TestSetHostSyncUsesInternalTimeout(t *testing.T) {
	p := &fakePlugin{name: "p1"}
	o, _, cancel := newRunning(t, p)
	defer cancel()

	require.NoError(t, o.SetHostSync(""))
	assert.Eventually(t, func() bool {
		return o.CurrentTarget() == Host
	}, time.Second, 10*time.Millisecond)
}

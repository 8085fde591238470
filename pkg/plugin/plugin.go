// Package plugin declares the capability-set interface the orchestrator
// drives each vm_prepare/vm_release/target-change through.
package plugin

import "github.com/akeydo/akeydo/pkg/domainxml"

// Plugin is implemented by each subsystem the orchestrator coordinates:
// device replication, CPU shielding, hugepage allocation, GPU passthrough.
// A plugin that has nothing to do for a given hook can embed NoopPlugin for
// a default no-op body instead of writing one by hand (NoopPlugin has no
// Name, so the plugin still supplies that itself).
type Plugin interface {
	// Name identifies the plugin in logs and in the enabled-plugin set.
	Name() string

	// Prepare is called once per guest, in plugin registration order, when
	// a vm_prepare hook fires for that guest.
	Prepare(guest domainxml.GuestConfig) error

	// Release is called once per guest, in REVERSE plugin registration
	// order, when a vm_release hook fires for that guest. Implementations
	// must not abort the release sequence: a Release error is logged by
	// the orchestrator and does not block the remaining plugins' Release
	// calls from running.
	Release(guest domainxml.GuestConfig) error

	// TargetChanged is called whenever the active focus target changes,
	// after the orchestrator has recorded the new target. guest is the
	// empty string when the new target is the host.
	TargetChanged(guest string) error

	// Stop releases any resources the plugin is holding independent of a
	// specific guest, on daemon shutdown.
	Stop() error
}

// NoopPlugin supplies default no-op bodies for every Plugin method so
// concrete plugins can embed it and override only the hooks they care
// about.
type NoopPlugin struct{}

func (NoopPlugin) Prepare(domainxml.GuestConfig) error { return nil }
func (NoopPlugin) Release(domainxml.GuestConfig) error { return nil }
func (NoopPlugin) TargetChanged(string) error          { return nil }
func (NoopPlugin) Stop() error                          { return nil }

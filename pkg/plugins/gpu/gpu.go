// Package gpu implements VFIO passthrough handoff for a guest's boot GPU:
// stopping the host display manager, unbinding the console/framebuffer and
// kernel driver, detaching the PCI node devices from libvirt, and binding
// vfio-pci in their place, reversing all of it on release.
package gpu

import (
	"fmt"
	"os/exec"

	"github.com/sirupsen/logrus"

	"github.com/akeydo/akeydo/pkg/domainxml"
	"github.com/akeydo/akeydo/pkg/sysfs"
)

var log = logrus.WithField("component", "gpu")

const (
	pciDevicesPath = "/sys/bus/pci/devices"
)

// Driver performs the GPU-vendor-specific parts of a passthrough handoff:
// which kernel modules to load/unload, and whether the console/framebuffer
// actually need rebinding.
type Driver interface {
	Load() error
	Unload() error
	BindVTConsoles() error
	UnbindVTConsoles() error
	BindFramebuffer() error
	UnbindFramebuffer() error
}

// driverFor resolves the PCI device's bound kernel driver (from its uevent
// file) to a Driver implementation, falling back to BaseDriver for an
// unrecognized or absent driver.
func driverFor(pciBusID string) Driver {
	uevent, err := sysfs.ParseKeyValueFile(fmt.Sprintf("%s/%s/uevent", pciDevicesPath, pciBusID))
	if err != nil {
		log.WithField("device", pciBusID).WithError(err).Debug("could not read uevent, using base driver")
		return BaseDriver{}
	}
	switch uevent["DRIVER"] {
	case "nvidia":
		return NvidiaDriver{}
	case "nouveau":
		return NouveauDriver{}
	case "amdgpu":
		return AMDGPUDriver{}
	default:
		return BaseDriver{}
	}
}

// Passthrough is the gpu plugin.
type Passthrough struct {
	service HostOverrideSetter

	active map[string]activeHandoff
}

type activeHandoff struct {
	driver  Driver
	devices []domainxml.PCIAddress
}

// HostOverrideSetter is the subset of the orchestrator the gpu plugin needs,
// to mark a guest as standing in for the host once its display output and
// input are passed through, and to relinquish that role on release.
type HostOverrideSetter interface {
	SetHostOverride(guest string)
}

// New builds a Passthrough plugin.
func New(service HostOverrideSetter) *Passthrough {
	return &Passthrough{service: service, active: map[string]activeHandoff{}}
}

func (p *Passthrough) Name() string { return "gpu" }

// Prepare hands the guest's boot GPU off to vfio-pci, if the guest has any
// PCI devices configured and one of them is the machine's boot_vga device.
func (p *Passthrough) Prepare(guest domainxml.GuestConfig) error {
	bootDevice, ok := findBootGPU(guest.PCIDevices)
	if !ok {
		return nil
	}

	driver := driverFor(bootDevice.String())

	if err := stopDisplayManager(); err != nil {
		log.WithError(err).Warn("failed to stop display manager, continuing")
	}
	if err := driver.UnbindVTConsoles(); err != nil {
		return fmt.Errorf("gpu: unbind vtconsoles: %w", err)
	}
	if err := driver.UnbindFramebuffer(); err != nil {
		return fmt.Errorf("gpu: unbind framebuffer: %w", err)
	}
	if err := nodedevDetach(guest.PCIDevices); err != nil {
		return fmt.Errorf("gpu: nodedev detach: %w", err)
	}
	if err := driver.Unload(); err != nil {
		return fmt.Errorf("gpu: unload driver: %w", err)
	}
	if err := loadVFIOPCI(); err != nil {
		return fmt.Errorf("gpu: load vfio-pci: %w", err)
	}

	p.service.SetHostOverride(guest.Name)

	p.active[guest.Name] = activeHandoff{driver: driver, devices: guest.PCIDevices}
	return nil
}

// Release undoes Prepare's steps in this order: reattach node devices,
// reload the vendor driver, rebind the consoles and then the framebuffer,
// restart the display manager. This is not the exact reverse of Prepare's
// order (node devices are reattached before the vendor driver is loaded,
// and consoles are rebound before the framebuffer), and vfio-pci is left
// loaded.
func (p *Passthrough) Release(guest domainxml.GuestConfig) error {
	handoff, ok := p.active[guest.Name]
	if !ok {
		return nil
	}
	delete(p.active, guest.Name)

	if err := nodedevReattach(handoff.devices); err != nil {
		log.WithField("guest", guest.Name).WithError(err).Warn("nodedev reattach failed")
	}
	if err := handoff.driver.Load(); err != nil {
		log.WithField("guest", guest.Name).WithError(err).Warn("driver load failed")
	}
	if err := handoff.driver.BindVTConsoles(); err != nil {
		log.WithField("guest", guest.Name).WithError(err).Warn("bind vtconsoles failed")
	}
	if err := handoff.driver.BindFramebuffer(); err != nil {
		log.WithField("guest", guest.Name).WithError(err).Warn("bind framebuffer failed")
	}
	if err := startDisplayManager(); err != nil {
		log.WithField("guest", guest.Name).WithError(err).Warn("display manager restart failed")
	}
	p.service.SetHostOverride("")
	return nil
}

func (p *Passthrough) TargetChanged(string) error { return nil }
func (p *Passthrough) Stop() error                { return nil }

func findBootGPU(devices []domainxml.PCIAddress) (domainxml.PCIAddress, bool) {
	for _, dev := range devices {
		raw, err := sysfs.ReadPath(fmt.Sprintf("%s/%s/boot_vga", pciDevicesPath, dev.String()))
		if err == nil && raw == "1" {
			return dev, true
		}
	}
	return domainxml.PCIAddress{}, false
}

func stopDisplayManager() error {
	if err := run("systemctl", "stop", "display-manager"); err != nil {
		return err
	}
	_ = run("killall", "gdm-x-session")
	_ = run("killall", "gdm-wayland-session")
	return nil
}

func startDisplayManager() error {
	return run("systemctl", "start", "display-manager")
}

func nodedevDetach(devices []domainxml.PCIAddress) error {
	for _, dev := range devices {
		if err := run("virsh", "nodedev-detach", dev.NodeDevName()); err != nil {
			return fmt.Errorf("detach %s: %w", dev.NodeDevName(), err)
		}
	}
	return nil
}

func nodedevReattach(devices []domainxml.PCIAddress) error {
	var firstErr error
	for i := len(devices) - 1; i >= 0; i-- {
		if err := run("virsh", "nodedev-reattach", devices[i].NodeDevName()); err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("reattach %s: %w", devices[i].NodeDevName(), err)
			}
		}
	}
	return firstErr
}

func loadVFIOPCI() error {
	return run("modprobe", "vfio-pci")
}

func run(name string, args ...string) error {
	cmd := exec.Command(name, args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("%s %v: %w (%s)", name, args, err, string(out))
	}
	return nil
}

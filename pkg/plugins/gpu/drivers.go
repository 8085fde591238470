package gpu

import (
	"fmt"
	"time"

	"github.com/akeydo/akeydo/pkg/sysfs"
)

const (
	vtconsoleDir       = "/sys/class/vtconsole"
	efiFramebufferBind = "/sys/bus/platform/drivers/efi-framebuffer/bind"
	efiFramebufferUnbind = "/sys/bus/platform/drivers/efi-framebuffer/unbind"
	efiFramebufferName = "efi-framebuffer.0"

	framebufferUnbindSettle = 5 * time.Second
)

// BaseDriver provides the console/framebuffer rebinding every GPU driver
// shim shares, with Load/Unload as no-ops. Vendor drivers embed it and
// override only what differs.
type BaseDriver struct{}

func (BaseDriver) Load() error   { return nil }
func (BaseDriver) Unload() error { return nil }

// UnbindVTConsoles writes "0" to every /sys/class/vtconsole/*/bind entry,
// releasing the virtual consoles bound to the framebuffer driver.
func (BaseDriver) UnbindVTConsoles() error {
	return forEachVTConsole(false, func(path string) error {
		return sysfs.WritePath(path, "0")
	})
}

// BindVTConsoles writes "1" to every vtconsole bind entry, in reverse
// order from unbind, restoring them the way the kernel originally bound
// them.
func (BaseDriver) BindVTConsoles() error {
	return forEachVTConsole(true, func(path string) error {
		return sysfs.WritePath(path, "1")
	})
}

// UnbindFramebuffer detaches the EFI framebuffer driver, if present, and
// waits for the unbind to settle before the caller proceeds to unload the
// GPU's kernel module.
func (BaseDriver) UnbindFramebuffer() error {
	if !sysfs.Exists(efiFramebufferUnbind) {
		return nil
	}
	if err := sysfs.WritePath(efiFramebufferUnbind, efiFramebufferName); err != nil {
		return fmt.Errorf("unbind efi-framebuffer: %w", err)
	}
	time.Sleep(framebufferUnbindSettle)
	return nil
}

// BindFramebuffer reattaches the EFI framebuffer driver, if present.
func (BaseDriver) BindFramebuffer() error {
	if !sysfs.Exists(efiFramebufferBind) {
		return nil
	}
	return sysfs.WritePath(efiFramebufferBind, efiFramebufferName)
}

func forEachVTConsole(reverse bool, fn func(path string) error) error {
	entries, err := sysfs.ListDir(vtconsoleDir)
	if err != nil {
		return err
	}
	if reverse {
		for i, j := 0, len(entries)-1; i < j; i, j = i+1, j-1 {
			entries[i], entries[j] = entries[j], entries[i]
		}
	}
	for _, entry := range entries {
		if err := fn(vtconsoleDir + "/" + entry + "/bind"); err != nil {
			return fmt.Errorf("%s: %w", entry, err)
		}
	}
	return nil
}

// NvidiaDriver unloads/reloads the proprietary nvidia module stack.
type NvidiaDriver struct {
	BaseDriver
}

var nvidiaModules = []string{"nvidia_uvm", "nvidia_drm", "nvidia_modeset", "nvidia"}

func (NvidiaDriver) Unload() error {
	for _, mod := range nvidiaModules {
		if err := run("rmmod", mod); err != nil {
			return fmt.Errorf("rmmod %s: %w", mod, err)
		}
	}
	return nil
}

func (NvidiaDriver) Load() error {
	for i := len(nvidiaModules) - 1; i >= 0; i-- {
		if err := run("modprobe", nvidiaModules[i]); err != nil {
			return fmt.Errorf("modprobe %s: %w", nvidiaModules[i], err)
		}
	}
	return nil
}

// NouveauDriver unloads/reloads the open-source nouveau module. Unlike
// nvidia, nouveau never rebinds the EFI framebuffer, so those two steps
// are no-ops here.
type NouveauDriver struct {
	BaseDriver
}

func (NouveauDriver) Unload() error {
	return run("rmmod", "nouveau")
}

func (NouveauDriver) Load() error {
	return run("modprobe", "nouveau")
}

func (NouveauDriver) UnbindFramebuffer() error { return nil }
func (NouveauDriver) BindFramebuffer() error   { return nil }

// AMDGPUDriver unloads/reloads the amdgpu module.
type AMDGPUDriver struct {
	BaseDriver
}

func (AMDGPUDriver) Unload() error {
	return run("rmmod", "amdgpu")
}

func (AMDGPUDriver) Load() error {
	return run("modprobe", "amdgpu")
}

// Package config loads the daemon's YAML configuration file into a frozen
// Settings value.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/akeydo/akeydo/pkg/hotkey"
)

// DefaultConfigPath is where the daemon looks for its configuration file
// when none is given on the command line.
const DefaultConfigPath = "/etc/akeydo.conf"

// DBusSettings configures the exported bus name and object path.
type DBusSettings struct {
	BusName    string `yaml:"bus_name"`
	ObjectPath string `yaml:"object_path"`
}

// HotkeySettings configures every chord the daemon watches for.
type HotkeySettings struct {
	Delay           time.Duration            `yaml:"-"`
	DelayMillis     int                      `yaml:"delay_ms"`
	Qemu            []string                 `yaml:"qemu"`
	Toggle          []string                 `yaml:"toggle"`
	Host            []string                 `yaml:"host"`
	Release         []string                 `yaml:"release"`
	VirtualMachines map[string][]string      `yaml:"virtual_machines"`
	Signals         map[string][]string      `yaml:"signals"`

	qemuChord    hotkey.Chord
	toggleChord  hotkey.Chord
	hostChord    hotkey.Chord
	releaseChord hotkey.Chord
	vmChords     map[string]hotkey.Chord
}

// defaultQemuChord is LeftCtrl+RightCtrl, matching the QEMU-native grab
// release shortcut the hotkey model is built around.
var defaultQemuChord = []string{"KEY_LEFTCTRL", "KEY_RIGHTCTRL"}

// DeviceSettings configures the devicemanager plugin.
type DeviceSettings struct {
	Enabled      bool     `yaml:"enabled"`
	ByID         []string `yaml:"by_id"`
	WaitDuration int      `yaml:"wait_duration"`
}

// CPUSettings configures the cpushield plugin.
type CPUSettings struct {
	Enabled bool `yaml:"enabled"`
}

// MemorySettings configures the hugepages plugin.
type MemorySettings struct {
	Enabled bool `yaml:"enabled"`
}

// GPUSettings configures the gpu plugin.
type GPUSettings struct {
	Enabled bool `yaml:"enabled"`
}

// Settings is the daemon's parsed, validated configuration.
type Settings struct {
	DBus    DBusSettings   `yaml:"dbus"`
	Hotkeys HotkeySettings `yaml:"hotkeys"`
	Devices DeviceSettings `yaml:"devices"`
	CPU     CPUSettings    `yaml:"cpu"`
	Memory  MemorySettings `yaml:"memory"`
	GPU     GPUSettings    `yaml:"gpu"`
}

func defaults() Settings {
	return Settings{
		DBus: DBusSettings{
			BusName:    "dev.akeydo",
			ObjectPath: "/dev/akeydo",
		},
		Hotkeys: HotkeySettings{
			DelayMillis: 100,
			Qemu:        defaultQemuChord,
		},
		Devices: DeviceSettings{
			Enabled:      true,
			WaitDuration: 10,
		},
		CPU: CPUSettings{
			Enabled: false,
		},
		Memory: MemorySettings{
			Enabled: true,
		},
		GPU: GPUSettings{
			Enabled: false,
		},
	}
}

// Load reads and parses the YAML configuration file at path.
func Load(path string) (*Settings, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	settings := defaults()
	if err := yaml.Unmarshal(raw, &settings); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	if len(settings.Hotkeys.Qemu) == 0 {
		settings.Hotkeys.Qemu = defaultQemuChord
	}
	if len(settings.Hotkeys.Toggle) == 0 {
		settings.Hotkeys.Toggle = settings.Hotkeys.Qemu
	}
	settings.Hotkeys.Delay = time.Duration(settings.Hotkeys.DelayMillis) * time.Millisecond

	if err := settings.Hotkeys.compile(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	return &settings, nil
}

// compile parses every configured chord. A toggle, host, release or
// per-guest chord that names an unrecognized key is silently dropped
// rather than failing configuration load; an unrecognized key in the qemu
// chord is an error. The signals map is not compiled.
func (h *HotkeySettings) compile() error {
	var err error
	if h.qemuChord, err = hotkey.Parse(h.Qemu); err != nil {
		return fmt.Errorf("hotkeys.qemu: %w", err)
	}
	h.toggleChord, _ = hotkey.Parse(h.Toggle)
	h.hostChord, _ = hotkey.Parse(h.Host)
	h.releaseChord, _ = hotkey.Parse(h.Release)

	h.vmChords = make(map[string]hotkey.Chord, len(h.VirtualMachines))
	for name, keys := range h.VirtualMachines {
		chord, err := hotkey.Parse(keys)
		if err != nil {
			continue
		}
		h.vmChords[name] = chord
	}
	return nil
}

// QemuChord returns the compiled QEMU grab-release chord.
func (h *HotkeySettings) QemuChord() hotkey.Chord { return h.qemuChord }

// ToggleChord returns the compiled focus-advance chord.
func (h *HotkeySettings) ToggleChord() hotkey.Chord { return h.toggleChord }

// ReleaseChord returns the compiled release-to-host chord, if configured.
func (h *HotkeySettings) ReleaseChord() hotkey.Chord { return h.releaseChord }

// VMChord returns the compiled per-guest hotkey for name, if configured.
func (h *HotkeySettings) VMChord(name string) hotkey.Chord { return h.vmChords[name] }

// WaitTimeout returns the devicemanager plugin's device-appearance
// timeout.
func (d DeviceSettings) WaitTimeout() time.Duration {
	return time.Duration(d.WaitDuration) * time.Second
}

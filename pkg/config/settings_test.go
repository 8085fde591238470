package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/akeydo/akeydo/pkg/hotkey"
)

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "akeydo.conf")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, "")
	settings, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "dev.akeydo", settings.DBus.BusName)
	assert.Equal(t, "/dev/akeydo", settings.DBus.ObjectPath)
	assert.True(t, settings.Devices.Enabled)
	assert.True(t, settings.Memory.Enabled)
	assert.False(t, settings.CPU.Enabled)
	assert.False(t, settings.GPU.Enabled)
	assert.Equal(t, 100*time.Millisecond, settings.Hotkeys.Delay)

	qemu, err := hotkey.Parse(defaultQemuChord)
	require.NoError(t, err)
	assert.True(t, settings.Hotkeys.QemuChord().Equal(qemu))
	assert.True(t, settings.Hotkeys.ToggleChord().Equal(qemu))
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
dbus:
  bus_name: dev.custom
hotkeys:
  delay_ms: 250
  release:
    - KEY_LEFTCTRL
    - KEY_RIGHTCTRL
    - KEY_ESC
cpu:
  enabled: true
`)
	settings, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "dev.custom", settings.DBus.BusName)
	assert.Equal(t, 250*time.Millisecond, settings.Hotkeys.Delay)
	assert.True(t, settings.CPU.Enabled)
	assert.False(t, settings.Hotkeys.ReleaseChord().Empty())
}

func TestLoadDropsMalformedVMHotkeyWithoutFailing(t *testing.T) {
	path := writeConfig(t, `
hotkeys:
  virtual_machines:
    good_vm:
      - KEY_LEFTALT
    bad_vm:
      - KEY_NOT_A_REAL_KEY
`)
	settings, err := Load(path)
	require.NoError(t, err)

	assert.False(t, settings.Hotkeys.VMChord("good_vm").Empty())
	assert.True(t, settings.Hotkeys.VMChord("bad_vm").Empty())
}

func TestLoadFailsOnUnrecognizedQemuChord(t *testing.T) {
	path := writeConfig(t, `
hotkeys:
  qemu:
    - KEY_NOT_A_REAL_KEY
`)
	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoadMissingFileErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.conf"))
	assert.Error(t, err)
}

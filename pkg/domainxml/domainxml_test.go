package domainxml

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// P5: for all unit strings in the table, ParseMemoryUnit(N, unit) == N *
// multiplier(unit).
func TestParseMemoryUnit(t *testing.T) {
	cases := map[string]uint64{
		"b":     1,
		"bytes": 1,
		"KB":    1_000,
		"k":     1024,
		"KiB":   1024,
		"MB":    1_000_000,
		"M":     1024 * 1024,
		"MiB":   1024 * 1024,
		"GB":    1_000_000_000,
		"G":     1024 * 1024 * 1024,
		"GiB":   1024 * 1024 * 1024,
		"TB":    1_000_000_000_000,
		"T":     1024 * 1024 * 1024 * 1024,
		"TiB":   1024 * 1024 * 1024 * 1024,
	}
	for unit, multiplier := range cases {
		got, err := ParseMemoryUnit(7, unit)
		require.NoError(t, err, unit)
		assert.Equal(t, 7*multiplier, got, unit)
	}
}

func TestParseMemoryUnitUnknown(t *testing.T) {
	_, err := ParseMemoryUnit(1, "furlongs")
	assert.Error(t, err)
}

// P6: cpuset parsing normalizes inverted ranges and drops bad tokens
// without erroring.
func TestParseCPUSetRangeAndDrop(t *testing.T) {
	set, dropped := ParseCPUSet("1-3,5,7-6")
	assert.Equal(t, map[int]struct{}{1: {}, 2: {}, 3: {}, 5: {}, 6: {}, 7: {}}, set)
	assert.Empty(t, dropped)

	set, dropped = ParseCPUSet("1,xx,3")
	assert.Equal(t, map[int]struct{}{1: {}, 3: {}}, set)
	assert.Equal(t, []string{"xx"}, dropped)
}

func TestParseCPUSetEmpty(t *testing.T) {
	set, dropped := ParseCPUSet("")
	assert.Empty(t, set)
	assert.Empty(t, dropped)
}

func TestPCIAddressFormatting(t *testing.T) {
	addr := PCIAddress{Domain: 0, Bus: 0x01, Slot: 0x00, Function: 0}
	assert.Equal(t, "0000:01:00.0", addr.String())
	assert.Equal(t, "pci_0000_01_00_0", addr.NodeDevName())
}

func TestParseRejectsMissingName(t *testing.T) {
	_, err := Parse(`<domain><memory unit="KiB">1024</memory></domain>`)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestParseRejectsMalformedXML(t *testing.T) {
	_, err := Parse(`not xml at all <<<`)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestParseExtractsEvdevFromPassthroughInput(t *testing.T) {
	doc := `
<domain>
  <name>guest1</name>
  <memory unit="GiB">2</memory>
  <devices>
    <input type="passthrough">
      <source evdev="/dev/input/by-id/guest1-keyboard"/>
    </input>
  </devices>
</domain>`
	cfg, err := Parse(doc)
	require.NoError(t, err)
	assert.Equal(t, "guest1", cfg.Name)
	assert.Equal(t, uint64(2*1024*1024*1024), cfg.MemoryBytes)
	_, ok := cfg.EvdevPaths["/dev/input/by-id/guest1-keyboard"]
	assert.True(t, ok)
}

func TestParseExtractsEvdevFromQemuCommandline(t *testing.T) {
	doc := `
<domain xmlns:qemu="http://libvirt.org/schemas/domain/qemu/1.0">
  <name>guest2</name>
  <memory unit="MiB">512</memory>
  <qemu:commandline>
    <qemu:arg value="-device"/>
    <qemu:arg value="virtio-input-host-pci,evdev=/dev/input/by-id/guest2-mouse"/>
  </qemu:commandline>
</domain>`
	cfg, err := Parse(doc)
	require.NoError(t, err)
	_, ok := cfg.EvdevPaths["/dev/input/by-id/guest2-mouse"]
	assert.True(t, ok)
}

func TestParseIgnoresEvdevWithoutMatchingPrefix(t *testing.T) {
	doc := `
<domain>
  <name>guest3</name>
  <memory unit="MiB">512</memory>
  <devices>
    <input type="passthrough">
      <source evdev="/dev/input/by-id/otherguest-keyboard"/>
    </input>
  </devices>
</domain>`
	cfg, err := Parse(doc)
	require.NoError(t, err)
	assert.Empty(t, cfg.EvdevPaths)
}

func TestParsePinnedCPUsFromVCPUPin(t *testing.T) {
	doc := `
<domain>
  <name>guest4</name>
  <memory unit="MiB">512</memory>
  <cputune>
    <vcpupin cpuset="2-3"/>
    <vcpupin cpuset="5"/>
  </cputune>
</domain>`
	cfg, err := Parse(doc)
	require.NoError(t, err)
	assert.Equal(t, map[int]struct{}{2: {}, 3: {}, 5: {}}, cfg.PinnedCPUs)
}

func TestParseHugepagesBacked(t *testing.T) {
	doc := `
<domain>
  <name>guest5</name>
  <memory unit="MiB">512</memory>
  <memoryBacking><hugepages/></memoryBacking>
</domain>`
	cfg, err := Parse(doc)
	require.NoError(t, err)
	assert.True(t, cfg.HugepagesBacked)
}

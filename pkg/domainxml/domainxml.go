// Package domainxml parses the libvirt domain XML handed to akeydod by a
// QEMU hook into a GuestConfig value.
package domainxml

import (
	"encoding/xml"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/akeydo/akeydo/pkg/hotkey"
)

// ErrInvalidConfig is returned when the XML document cannot be parsed at
// all, or is missing the guest name libvirt always supplies.
var ErrInvalidConfig = errors.New("domainxml: invalid guest configuration")

var log = logrus.WithField("component", "domainxml")

// PCIAddress is a 4-tuple PCI device address as used in libvirt hostdev
// elements and in virsh nodedev names.
type PCIAddress struct {
	Domain, Bus, Slot, Function uint32
}

// String renders the address in libvirt's "DDDD:BB:SS.F" form.
func (a PCIAddress) String() string {
	return fmt.Sprintf("%04x:%02x:%02x.%01x", a.Domain, a.Bus, a.Slot, a.Function)
}

// NodeDevName renders the address in virsh's "pci_DDDD_BB_SS_F" node-device
// naming convention.
func (a PCIAddress) NodeDevName() string {
	return fmt.Sprintf("pci_%04x_%02x_%02x_%01x", a.Domain, a.Bus, a.Slot, a.Function)
}

// GuestConfig is the immutable, parsed subset of a libvirt domain XML
// document that akeydod's plug-ins need. Callers must not mutate the map
// and slice fields; treat the whole value as read-only.
type GuestConfig struct {
	Name            string
	MemoryBytes     uint64
	HugepagesBacked bool
	PinnedCPUs      map[int]struct{}
	PCIDevices      []PCIAddress
	EvdevPaths      map[string]struct{}
	Hotkey          hotkey.Chord
}

// xml struct model mirrors only the elements akeydod cares about.

type domainDoc struct {
	XMLName xml.Name    `xml:"domain"`
	Name    string      `xml:"name"`
	Memory  memoryElem  `xml:"memory"`
	Backing *backingXML `xml:"memoryBacking"`
	CPUTune *cpuTuneXML `xml:"cputune"`
	Devices devicesXML  `xml:"devices"`
	Meta    metaXML     `xml:"metadata"`
	QEMUCmd *qemuCmdXML `xml:"commandline"`
}

type memoryElem struct {
	Unit  string `xml:"unit,attr"`
	Value uint64 `xml:",chardata"`
}

type backingXML struct {
	Hugepages *struct{} `xml:"hugepages"`
}

type cpuTuneXML struct {
	VCPUPin []vcpuPinXML `xml:"vcpupin"`
}

type vcpuPinXML struct {
	CPUSet string `xml:"cpuset,attr"`
}

type devicesXML struct {
	Inputs  []inputXML  `xml:"input"`
	Hostdev []hostdevXML `xml:"hostdev"`
}

type inputXML struct {
	Type   string       `xml:"type,attr"`
	Source inputSrcXML  `xml:"source"`
}

type inputSrcXML struct {
	Evdev string `xml:"evdev,attr"`
}

type hostdevXML struct {
	Mode    string        `xml:"mode,attr"`
	Type    string        `xml:"type,attr"`
	Source  hostdevSrcXML `xml:"source"`
}

type hostdevSrcXML struct {
	Address pciAddrXML `xml:"address"`
}

type pciAddrXML struct {
	Domain   string `xml:"domain,attr"`
	Bus      string `xml:"bus,attr"`
	Slot     string `xml:"slot,attr"`
	Function string `xml:"function,attr"`
}

type metaXML struct {
	Settings settingsXML `xml:"settings"`
}

type settingsXML struct {
	Hotkey hotkeyXML `xml:"hotkey"`
}

type hotkeyXML struct {
	Keys []keyXML `xml:"key"`
}

type keyXML struct {
	Value string `xml:"value,attr"`
}

type qemuCmdXML struct {
	Args []qemuArgXML `xml:"arg"`
}

type qemuArgXML struct {
	Value string `xml:"value,attr"`
}

// Parse parses a libvirt domain XML document into a GuestConfig.
//
// A malformed document or a missing <name> is ErrInvalidConfig; every
// other field takes its empty default rather than failing the parse.
func Parse(document string) (GuestConfig, error) {
	var doc domainDoc
	if err := xml.Unmarshal([]byte(document), &doc); err != nil {
		return GuestConfig{}, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if doc.Name == "" {
		return GuestConfig{}, fmt.Errorf("%w: missing <name>", ErrInvalidConfig)
	}

	memBytes, err := ParseMemoryUnit(doc.Memory.Value, doc.Memory.Unit)
	if err != nil {
		log.WithField("guest", doc.Name).WithError(err).Warn("unable to parse memory unit, defaulting to 0")
		memBytes = 0
	}

	cpus := map[int]struct{}{}
	for _, pin := range doc.CPUTune.vcpuPinSets() {
		set, dropped := ParseCPUSet(pin)
		for _, tok := range dropped {
			log.WithFields(logrus.Fields{"guest": doc.Name, "token": tok}).Warn("dropped malformed cpuset token")
		}
		for cpu := range set {
			cpus[cpu] = struct{}{}
		}
	}

	pciDevices := parsePCIDevices(doc.Devices.Hostdev)
	evdevPaths := parseEvdevPaths(doc.Name, doc.Devices.Inputs, doc.QEMUCmd)
	chord := parseHotkey(doc.Meta.Settings.Hotkey)

	return GuestConfig{
		Name:            doc.Name,
		MemoryBytes:     memBytes,
		HugepagesBacked: doc.Backing != nil && doc.Backing.Hugepages != nil,
		PinnedCPUs:      cpus,
		PCIDevices:      pciDevices,
		EvdevPaths:      evdevPaths,
		Hotkey:          chord,
	}, nil
}

func (c *cpuTuneXML) vcpuPinSets() []string {
	if c == nil {
		return nil
	}
	sets := make([]string, 0, len(c.VCPUPin))
	for _, pin := range c.VCPUPin {
		sets = append(sets, pin.CPUSet)
	}
	return sets
}

// memoryMultipliers maps libvirt's <memory unit="..."> values onto the
// number of bytes in one unit. KB/MB/GB/TB are decimal (10^3n); k/KiB,
// M/MiB, G/GiB, T/TiB are binary (2^10n), matching libvirt's own
// documented unit table.
var memoryMultipliers = map[string]uint64{
	"b":     1,
	"bytes": 1,
	"":      1,
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

// ParseMemoryUnit converts a <memory unit="..."> value/unit pair into a byte
// count. An unrecognized unit is an error; callers decide how to degrade.
func ParseMemoryUnit(value uint64, unit string) (uint64, error) {
	mult, ok := memoryMultipliers[unit]
	if !ok {
		return 0, fmt.Errorf("domainxml: unrecognized memory unit %q", unit)
	}
	return value * mult, nil
}

// ParseCPUSet parses a comma-separated cpuset attribute ("1-3,5,7-6") into
// the set of integers it names, tolerantly dropping malformed tokens and
// returning them separately for the caller to log. Range endpoints are
// normalized so the lower bound is always <= the upper bound.
func ParseCPUSet(raw string) (set map[int]struct{}, dropped []string) {
	set = map[int]struct{}{}
	for _, token := range strings.Split(raw, ",") {
		token = strings.TrimSpace(token)
		if token == "" {
			continue
		}
		if lower, upper, ok := splitRange(token); ok {
			if lower > upper {
				lower, upper = upper, lower
			}
			for cpu := lower; cpu <= upper; cpu++ {
				set[cpu] = struct{}{}
			}
			continue
		}
		n, err := strconv.Atoi(token)
		if err != nil {
			dropped = append(dropped, token)
			continue
		}
		set[n] = struct{}{}
	}
	return set, dropped
}

func splitRange(token string) (lower, upper int, ok bool) {
	idx := strings.IndexByte(token, '-')
	if idx <= 0 || idx == len(token)-1 {
		return 0, 0, false
	}
	lo, err := strconv.Atoi(strings.TrimSpace(token[:idx]))
	if err != nil {
		return 0, 0, false
	}
	hi, err := strconv.Atoi(strings.TrimSpace(token[idx+1:]))
	if err != nil {
		return 0, 0, false
	}
	return lo, hi, true
}

func parsePCIDevices(hostdevs []hostdevXML) []PCIAddress {
	addrs := make([]PCIAddress, 0, len(hostdevs))
	for _, dev := range hostdevs {
		if dev.Type != "pci" {
			continue
		}
		addrs = append(addrs, PCIAddress{
			Domain:   hexOrZero(dev.Source.Address.Domain),
			Bus:      hexOrZero(dev.Source.Address.Bus),
			Slot:     hexOrZero(dev.Source.Address.Slot),
			Function: hexOrZero(dev.Source.Address.Function),
		})
	}
	return addrs
}

func hexOrZero(s string) uint32 {
	if s == "" {
		return 0
	}
	s = strings.TrimPrefix(s, "0x")
	n, err := strconv.ParseUint(s, 16, 32)
	if err != nil {
		return 0
	}
	return uint32(n)
}

func parseEvdevPaths(name string, inputs []inputXML, cmdline *qemuCmdXML) map[string]struct{} {
	prefix := "/dev/input/by-id/" + name + "-"
	paths := map[string]struct{}{}

	for _, input := range inputs {
		if input.Type != "passthrough" {
			continue
		}
		if strings.HasPrefix(input.Source.Evdev, prefix) {
			paths[input.Source.Evdev] = struct{}{}
		}
	}

	if cmdline != nil {
		for _, arg := range cmdline.Args {
			for _, token := range strings.Split(arg.Value, ",") {
				const evdevPrefix = "evdev="
				if !strings.HasPrefix(token, evdevPrefix) {
					continue
				}
				path := strings.TrimPrefix(token, evdevPrefix)
				if strings.HasPrefix(path, prefix) {
					paths[path] = struct{}{}
				}
			}
		}
	}

	return paths
}

func parseHotkey(settings settingsXML) hotkey.Chord {
	names := make([]string, 0, len(settings.Hotkey.Keys))
	for _, key := range settings.Hotkey.Keys {
		if key.Value != "" {
			names = append(names, key.Value)
		}
	}
	if len(names) == 0 {
		return nil
	}
	chord, err := hotkey.Parse(names)
	if err != nil {
		log.WithError(err).Warn("unable to parse per-guest hotkey, ignoring")
		return nil
	}
	return chord
}

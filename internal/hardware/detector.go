// Package hardware discovers RDMA devices through sysfs so the CLI can list
// them next to what the selected verbs backend reports.
package hardware

import (
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"
)

// DefaultSysfsRoot is where the kernel exposes RDMA devices.
const DefaultSysfsRoot = "/sys/class/infiniband"

// PortInfo describes one physical port of an RDMA device.
type PortInfo struct {
	Number    int    `json:"number" yaml:"number"`
	LinkLayer string `json:"link_layer" yaml:"link_layer"` // InfiniBand, Ethernet
	State     string `json:"state" yaml:"state"`           // ACTIVE, DOWN
	LID       uint16 `json:"lid" yaml:"lid"`
	Speed     uint64 `json:"speed" yaml:"speed"` // Gb/s
	GID0      string `json:"gid0,omitempty" yaml:"gid0,omitempty"`
}

// RDMAInfo contains information about a detected RDMA device.
type RDMAInfo struct {
	Name         string     `json:"name" yaml:"name"`
	DevicePath   string     `json:"device_path" yaml:"device_path"`
	NodeGUID     string     `json:"node_guid" yaml:"node_guid"`
	SysImageGUID string     `json:"sys_image_guid" yaml:"sys_image_guid"`
	BoardID      string     `json:"board_id" yaml:"board_id"`
	FirmwareVer  string     `json:"firmware_version" yaml:"firmware_version"`
	NodeType     string     `json:"node_type" yaml:"node_type"` // CA, Switch, Router
	Ports        []PortInfo `json:"ports" yaml:"ports"`
}

// Detector scans a sysfs tree for RDMA devices.
type Detector struct {
	root string
}

// NewDetector creates a detector over root; an empty root means the system
// sysfs location.
func NewDetector(root string) *Detector {
	if root == "" {
		root = DefaultSysfsRoot
	}

	return &Detector{root: root}
}

// DetectRDMADevices returns the devices found under the detector's root,
// sorted by name. A missing root yields no devices.
func (d *Detector) DetectRDMADevices() []RDMAInfo {
	var devices []RDMAInfo

	entries, err := os.ReadDir(d.root)
	if err != nil {
		log.Debug().Str("path", d.root).Msg("No RDMA devices found in sysfs")
		return devices
	}

	for _, entry := range entries {
		devicePath := filepath.Join(d.root, entry.Name())
		device := RDMAInfo{
			Name:       entry.Name(),
			DevicePath: devicePath,
		}

		device.NodeGUID = readSysfsFile(filepath.Join(devicePath, "node_guid"))
		device.SysImageGUID = readSysfsFile(filepath.Join(devicePath, "sys_image_guid"))
		device.BoardID = readSysfsFile(filepath.Join(devicePath, "board_id"))
		device.FirmwareVer = readSysfsFile(filepath.Join(devicePath, "fw_ver"))
		device.NodeType = parseNodeType(readSysfsFile(filepath.Join(devicePath, "node_type")))
		device.Ports = d.detectPorts(filepath.Join(devicePath, "ports"))

		devices = append(devices, device)
	}

	sort.Slice(devices, func(i, j int) bool { return devices[i].Name < devices[j].Name })

	return devices
}

// Lookup returns the device called name.
func (d *Detector) Lookup(name string) (RDMAInfo, bool) {
	for _, dev := range d.DetectRDMADevices() {
		if dev.Name == name {
			return dev, true
		}
	}

	return RDMAInfo{}, false
}

func (d *Detector) detectPorts(portsPath string) []PortInfo {
	entries, err := os.ReadDir(portsPath)
	if err != nil {
		return nil
	}

	ports := make([]PortInfo, 0, len(entries))

	for _, entry := range entries {
		num, err := strconv.Atoi(entry.Name())
		if err != nil {
			continue
		}

		portPath := filepath.Join(portsPath, entry.Name())
		ports = append(ports, PortInfo{
			Number:    num,
			LinkLayer: readSysfsFile(filepath.Join(portPath, "link_layer")),
			State:     parseState(readSysfsFile(filepath.Join(portPath, "state"))),
			LID:       parseLID(readSysfsFile(filepath.Join(portPath, "lid"))),
			Speed:     parseSpeed(readSysfsFile(filepath.Join(portPath, "rate"))),
			GID0:      readSysfsFile(filepath.Join(portPath, "gids", "0")),
		})
	}

	sort.Slice(ports, func(i, j int) bool { return ports[i].Number < ports[j].Number })

	return ports
}

// readSysfsFile reads a sysfs file and returns its content.
func readSysfsFile(path string) string {
	data, err := os.ReadFile(path) // #nosec G304 - path built from the sysfs root
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

// parseNodeType converts "1: CA" or "1" to a node type name.
func parseNodeType(nodeType string) string {
	num, _, _ := strings.Cut(nodeType, ":")

	switch strings.TrimSpace(num) {
	case "1":
		return "CA" // Channel Adapter
	case "2":
		return "Switch"
	case "3":
		return "Router"
	default:
		return "Unknown"
	}
}

// parseState turns "4: ACTIVE" into "ACTIVE".
func parseState(state string) string {
	if _, name, ok := strings.Cut(state, ":"); ok {
		return strings.TrimSpace(name)
	}
	return state
}

func parseLID(lid string) uint16 {
	v, err := strconv.ParseUint(strings.TrimPrefix(lid, "0x"), 16, 16)
	if err != nil {
		return 0
	}
	return uint16(v)
}

// parseSpeed parses speed string to Gb/s.
func parseSpeed(rate string) uint64 {
	// Rate is usually in format "100 Gb/sec (4X EDR)"
	parts := strings.Fields(rate)
	if len(parts) >= 1 {
		speed, _ := strconv.ParseUint(parts[0], 10, 64)
		return speed
	}
	return 0
}

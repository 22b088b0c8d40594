package catalog

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/openfroyo/fleetconf/pkg/engine"
)

// Inventory is the on-disk device inventory document.
type Inventory struct {
	Version  string         `yaml:"version" validate:"omitempty,oneof=v1"`
	Defaults DeviceDefaults `yaml:"defaults"`
	Devices  []DeviceSpec   `yaml:"devices" validate:"required,min=1,dive"`
}

// DeviceDefaults apply to every device that leaves the field unset.
type DeviceDefaults struct {
	Protocols []string          `yaml:"protocols" validate:"omitempty,dive,oneof=netconf restconf"`
	Ports     map[string]int    `yaml:"ports" validate:"omitempty,dive,keys,oneof=netconf restconf,endkeys,min=1,max=65535"`
	Labels    map[string]string `yaml:"labels"`
}

// DeviceSpec describes one device and what it advertises.
type DeviceSpec struct {
	ID        string            `yaml:"id" validate:"required,excludesall=/"`
	Address   string            `yaml:"address" validate:"required"`
	Protocols []string          `yaml:"protocols" validate:"omitempty,dive,oneof=netconf restconf"`
	Ports     map[string]int    `yaml:"ports" validate:"omitempty,dive,keys,oneof=netconf restconf,endkeys,min=1,max=65535"`
	Locking   bool              `yaml:"locking"`
	Candidate bool              `yaml:"candidate"`
	Validate  bool              `yaml:"validate"`
	Features  []string          `yaml:"features"`
	Models    []string          `yaml:"models"`
	Labels    map[string]string `yaml:"labels"`
}

var validate = validator.New()

// Parse decodes and validates an inventory document into a snapshot.
func Parse(data []byte, source string) (*Snapshot, error) {
	var inv Inventory
	if err := yaml.Unmarshal(data, &inv); err != nil {
		return nil, fmt.Errorf("failed to parse inventory: %w", err)
	}
	return inv.Snapshot(source)
}

// LoadFile reads and parses an inventory file.
func LoadFile(path string) (*Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read inventory: %w", err)
	}
	return Parse(data, path)
}

// Snapshot validates the inventory and builds an immutable snapshot from it.
func (inv *Inventory) Snapshot(source string) (*Snapshot, error) {
	if err := validate.Struct(inv); err != nil {
		return nil, fmt.Errorf("invalid inventory: %w", err)
	}

	devices := make(map[string]engine.Device, len(inv.Devices))
	for _, spec := range inv.Devices {
		if _, dup := devices[spec.ID]; dup {
			return nil, fmt.Errorf("invalid inventory: duplicate device id %q", spec.ID)
		}
		d, err := inv.device(spec)
		if err != nil {
			return nil, fmt.Errorf("invalid inventory: device %q: %w", spec.ID, err)
		}
		devices[spec.ID] = d
	}
	return newSnapshot(devices, source), nil
}

func (inv *Inventory) device(spec DeviceSpec) (engine.Device, error) {
	protocols := spec.Protocols
	if len(protocols) == 0 {
		protocols = inv.Defaults.Protocols
	}
	if len(protocols) == 0 {
		return engine.Device{}, fmt.Errorf("no protocols")
	}

	caps := engine.Capabilities{
		LockingSupported:  spec.Locking,
		StagingSupported:  spec.Candidate,
		ValidateSupported: spec.Validate,
		Features:          append([]string(nil), spec.Features...),
		Models:            append([]string(nil), spec.Models...),
	}
	for _, p := range protocols {
		caps.Protocols = append(caps.Protocols, engine.Protocol(strings.ToLower(p)))
	}
	if spec.Validate && !spec.Candidate {
		return engine.Device{}, fmt.Errorf("validate requires a candidate datastore")
	}

	ports := make(map[engine.Protocol]int)
	for p, port := range inv.Defaults.Ports {
		ports[engine.Protocol(p)] = port
	}
	for p, port := range spec.Ports {
		ports[engine.Protocol(p)] = port
	}

	labels := make(map[string]string, len(inv.Defaults.Labels)+len(spec.Labels))
	for k, v := range inv.Defaults.Labels {
		labels[k] = v
	}
	for k, v := range spec.Labels {
		labels[k] = v
	}

	return engine.Device{
		ID:           spec.ID,
		Address:      spec.Address,
		Ports:        ports,
		Capabilities: caps,
		Labels:       labels,
	}, nil
}

// Snapshot is an immutable view of the inventory. It is shared by concurrent
// transactions without locking.
type Snapshot struct {
	devices  map[string]engine.Device
	order    []string
	Source   string
	LoadedAt time.Time
}

func newSnapshot(devices map[string]engine.Device, source string) *Snapshot {
	order := make([]string, 0, len(devices))
	for id := range devices {
		order = append(order, id)
	}
	sort.Strings(order)
	return &Snapshot{devices: devices, order: order, Source: source, LoadedAt: time.Now()}
}

// Device returns the device with the given id.
func (s *Snapshot) Device(id string) (engine.Device, bool) {
	d, ok := s.devices[id]
	return d, ok
}

// Devices returns every device ordered by id.
func (s *Snapshot) Devices() []engine.Device {
	out := make([]engine.Device, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.devices[id])
	}
	return out
}

// Len returns the number of devices.
func (s *Snapshot) Len() int { return len(s.order) }

// Select returns the devices carrying every given label, ordered by id.
func (s *Snapshot) Select(labels map[string]string) []engine.Device {
	var out []engine.Device
	for _, d := range s.Devices() {
		match := true
		for k, v := range labels {
			if d.Labels[k] != v {
				match = false
				break
			}
		}
		if match {
			out = append(out, d)
		}
	}
	return out
}

package ml

import (
	"errors"
	"fmt"
	"regexp"
	"slices"
	"strings"
)

var (
	// ErrDeviceMapping is returned when a module's declared device cannot be
	// resolved from a device map.
	ErrDeviceMapping = errors.New("device mapping")

	// ErrDeviceMismatch is returned when an operation receives tensors resident
	// on different devices.
	ErrDeviceMismatch = errors.New("expected all tensors to be on the same device")
)

// Device identifies where a tensor is resident, e.g. "cpu", "cuda:1" or "metal".
type Device string

const CPU Device = "cpu"

var deviceRe = regexp.MustCompile(`^(cpu|cuda|rocm|metal|mps|vulkan)(:\d+)?$`)

// ParseDevice validates s as a device identifier. Bare integers are treated as
// CUDA ordinals, matching how accelerator device maps are usually written.
func ParseDevice(s string) (Device, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return "", fmt.Errorf("%w: empty device", ErrDeviceMapping)
	}

	if strings.Trim(s, "0123456789") == "" {
		return Device("cuda:" + s), nil
	}

	if !deviceRe.MatchString(s) {
		return "", fmt.Errorf("%w: unknown device %q", ErrDeviceMapping, s)
	}

	return Device(s), nil
}

func (d Device) String() string {
	return string(d)
}

// DeviceMap assigns module paths (e.g. "model.layers.3") to devices.
type DeviceMap map[string]Device

// ParseDeviceMap builds a DeviceMap from "module=device" pairs.
func ParseDeviceMap(pairs []string) (DeviceMap, error) {
	m := make(DeviceMap, len(pairs))
	for _, pair := range pairs {
		name, dev, ok := strings.Cut(pair, "=")
		if !ok {
			return nil, fmt.Errorf("%w: invalid entry %q", ErrDeviceMapping, pair)
		}

		d, err := ParseDevice(dev)
		if err != nil {
			return nil, err
		}

		m[strings.TrimSpace(name)] = d
	}

	return m, nil
}

// Resolve returns the device of the module at path using the longest matching
// dotted prefix. An empty map resolves everything to CPU.
func (m DeviceMap) Resolve(path string) (Device, error) {
	if len(m) == 0 {
		return CPU, nil
	}

	for p := path; ; {
		if d, ok := m[p]; ok {
			if d == "" {
				return "", fmt.Errorf("%w: %q has no device", ErrDeviceMapping, p)
			}
			return d, nil
		}

		if p == "" {
			break
		}

		i := strings.LastIndexByte(p, '.')
		if i < 0 {
			p = ""
		} else {
			p = p[:i]
		}
	}

	return "", fmt.Errorf("%w: no device declared for %q", ErrDeviceMapping, path)
}

// Devices returns the distinct devices in the map, sorted.
func (m DeviceMap) Devices() []Device {
	var ds []Device
	for _, d := range m {
		if !slices.Contains(ds, d) {
			ds = append(ds, d)
		}
	}

	slices.Sort(ds)
	return ds
}

func (m DeviceMap) String() string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)

	var sb strings.Builder
	for i, k := range keys {
		if i > 0 {
			sb.WriteString(" ")
		}
		fmt.Fprintf(&sb, "%s:%s", k, m[k])
	}

	return sb.String()
}

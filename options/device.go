package options

import (
	"fmt"
	"strconv"
	"strings"
)

type DeviceKind string

const (
	DeviceCPU  DeviceKind = "cpu"
	DeviceCUDA DeviceKind = "cuda"
)

// Device identifies where tensors are placed and where the backends run.
type Device struct {
	Kind  DeviceKind
	Index int
}

func CPU() Device {
	return Device{Kind: DeviceCPU}
}

// ParseDevice parses "cpu", "cuda" and "cuda:N".
func ParseDevice(s string) (Device, error) {
	name, index, hasIndex := strings.Cut(strings.ToLower(strings.TrimSpace(s)), ":")
	switch DeviceKind(name) {
	case DeviceCPU:
		if hasIndex {
			return Device{}, fmt.Errorf("device %q: cpu does not take an index", s)
		}
		return CPU(), nil
	case DeviceCUDA:
		if !hasIndex {
			return Device{Kind: DeviceCUDA}, nil
		}
		i, err := strconv.Atoi(index)
		if err != nil || i < 0 {
			return Device{}, fmt.Errorf("device %q: invalid index %q", s, index)
		}
		return Device{Kind: DeviceCUDA, Index: i}, nil
	default:
		return Device{}, fmt.Errorf("device %q not recognized, expected cpu or cuda[:N]", s)
	}
}

func (d Device) String() string {
	if d.Kind == DeviceCUDA {
		return fmt.Sprintf("cuda:%d", d.Index)
	}
	return string(DeviceCPU)
}

// Package sensor — port.go
//
// Serial port opening and USB autodetection. When no port is configured,
// the enumerator is scanned for the USB-serial bridge chips the controller
// boards ship with (cp210x, ch340, ftdi, generic "usb serial").

package sensor

import (
	"fmt"
	"strings"

	"go.bug.st/serial"
	"go.bug.st/serial/enumerator"

	"github.com/nexora/modevac/internal/config"
)

// usb-serial bridge descriptors the autodetector matches, lowercase.
var knownChipMarkers = []string{"cp210", "ch340", "ftdi", "usb serial"}

// OpenConfigured returns a PortOpener for the configured port, falling back
// to autodetection when cfg.Port is empty.
func OpenConfigured(cfg config.SerialConfig) PortOpener {
	return func() (Port, string, error) {
		name := cfg.Port
		if name == "" {
			detected, err := DetectPort()
			if err != nil {
				return nil, "", err
			}
			name = detected
		}

		port, err := serial.Open(name, &serial.Mode{BaudRate: cfg.BaudRate})
		if err != nil {
			return nil, "", fmt.Errorf("sensor: open %q: %w", name, err)
		}
		return port, name, nil
	}
}

// DetectPort scans attached serial devices for a known USB-serial bridge.
func DetectPort() (string, error) {
	ports, err := enumerator.GetDetailedPortsList()
	if err != nil {
		return "", fmt.Errorf("sensor: enumerate ports: %w", err)
	}
	for _, p := range ports {
		desc := strings.ToLower(p.Product)
		for _, marker := range knownChipMarkers {
			if strings.Contains(desc, marker) {
				return p.Name, nil
			}
		}
	}
	return "", fmt.Errorf("sensor: no usb-serial device found among %d ports", len(ports))
}

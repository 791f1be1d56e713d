package discovery

import (
	"os"
	"strings"
)

// DeviceID returns a hardware-persistent identifier for this machine,
// or empty when the platform offers none. It survives reinstalls and
// profile resets, which makes it the most reliable roster merge key.
func DeviceID() string {
	for _, path := range []string{"/etc/machine-id", "/var/lib/dbus/machine-id"} {
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		id := strings.ReplaceAll(strings.TrimSpace(string(data)), "-", "")
		if len(id) >= 8 {
			return id
		}
	}
	return ""
}

// DeviceName returns a human-readable name for this machine.
func DeviceName() string {
	host, err := os.Hostname()
	if err != nil || strings.TrimSpace(host) == "" {
		return "lanlink"
	}
	return host
}

package util

import (
	"encoding/json"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Common timeout durations
const (
	DefaultConnectTimeout = 3 * time.Second
	ShortTimeout          = 2 * time.Second
)

// placeholder address strings the web/host fallbacks put in join payloads
// when no real address is known.
var placeholderAddrs = map[string]struct{}{
	"":        {},
	"local":   {},
	"host":    {},
	"client":  {},
	"unknown": {},
}

// ValidIP reports whether s is a usable peer address. Loopback, the
// unspecified address and the textual placeholders some announcement
// paths emit all fail: they must never be used as a merge or routing key.
func ValidIP(s string) bool {
	if _, ok := placeholderAddrs[strings.ToLower(strings.TrimSpace(s))]; ok {
		return false
	}
	ip := net.ParseIP(s)
	if ip == nil {
		return false
	}
	return !ip.IsLoopback() && !ip.IsUnspecified()
}

// ResolvePath resolves rel against base unless rel is already absolute.
func ResolvePath(base, rel string) string {
	if filepath.IsAbs(rel) {
		return filepath.Clean(rel)
	}
	return filepath.Join(base, rel)
}

// HostOf splits a host:port connection handle and returns the host part.
// A bare host passes through unchanged.
func HostOf(handle string) string {
	host, _, err := net.SplitHostPort(handle)
	if err != nil {
		return handle
	}
	return host
}

// WriteJSONFile writes a JSON object to a file, creating parent directories if needed.
func WriteJSONFile(path string, v any) error {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, b, 0o644)
}

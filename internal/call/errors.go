package call

import (
	"errors"
	"strings"
)

// Media acquisition failure categories. These cross the boundary to the
// UI as user-actionable text; everything else stays internal.
var (
	ErrPermissionDenied = errors.New("microphone permission denied")
	ErrNoDevice         = errors.New("no audio input device")
	ErrUnsupported      = errors.New("audio capture not supported on this platform")
)

// Categorize folds an arbitrary media error into one of the known
// categories and returns the user-facing text. Unknown errors pass
// through with their own message.
func Categorize(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrPermissionDenied):
		return ErrPermissionDenied.Error()
	case errors.Is(err, ErrNoDevice):
		return ErrNoDevice.Error()
	case errors.Is(err, ErrUnsupported):
		return ErrUnsupported.Error()
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "permission") || strings.Contains(msg, "denied"):
		return ErrPermissionDenied.Error()
	case strings.Contains(msg, "no device") || strings.Contains(msg, "not found") ||
		strings.Contains(msg, "no such device"):
		return ErrNoDevice.Error()
	case strings.Contains(msg, "unsupported") || strings.Contains(msg, "not supported"):
		return ErrUnsupported.Error()
	}
	return "call failed: " + err.Error()
}

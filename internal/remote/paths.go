package remote

import (
	"fmt"
	"strings"
)

// Top-level branches of the device tree.
const (
	DevicesRoot = "devices"
	PairingRoot = "devicePairing"
	UsersRoot   = "users"
)

// Child node names below devices/{id}.
const (
	NodeCurrent    = "current"
	NodeDeviceInfo = "deviceInfo"
	NodeSettings   = "settings"
	NodeCommands   = "commands"
	NodeHistory    = "history"
	NodePairedTo   = "pairedTo"
	NodeDeviceName = "deviceName"
)

// illegalSegmentChars may not appear in any path segment.
const illegalSegmentChars = ".#$[]"

// Join builds a path from segments, trimming stray separators.
func Join(parts ...string) string {
	segs := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.Trim(p, "/")
		if p != "" {
			segs = append(segs, p)
		}
	}
	return strings.Join(segs, "/")
}

// Split returns the segments of a path. The empty path has no segments.
func Split(path string) []string {
	path = strings.Trim(path, "/")
	if path == "" {
		return nil
	}
	return strings.Split(path, "/")
}

// ValidatePath checks that path names at least one node and that every
// segment is non-empty and free of illegal characters.
func ValidatePath(path string) error {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return fmt.Errorf("%w: empty path", ErrInvalidPath)
	}
	for _, seg := range strings.Split(trimmed, "/") {
		if seg == "" {
			return fmt.Errorf("%w: empty segment in %q", ErrInvalidPath, path)
		}
		if strings.ContainsAny(seg, illegalSegmentChars) {
			return fmt.Errorf("%w: illegal character in segment %q", ErrInvalidPath, seg)
		}
	}
	return nil
}

// ValidateKey checks a single child key.
func ValidateKey(key string) error {
	if key == "" || strings.Contains(key, "/") || strings.ContainsAny(key, illegalSegmentChars) {
		return fmt.Errorf("%w: illegal key %q", ErrInvalidPath, key)
	}
	return nil
}

// IsWithin reports whether path equals base or lies below it.
func IsWithin(path, base string) bool {
	path = strings.Trim(path, "/")
	base = strings.Trim(base, "/")
	if base == "" || path == base {
		return true
	}
	return strings.HasPrefix(path, base+"/")
}

// DevicePath returns devices/{id}.
func DevicePath(deviceID string) string {
	return Join(DevicesRoot, deviceID)
}

// CurrentPath returns devices/{id}/current.
func CurrentPath(deviceID string) string {
	return Join(DevicesRoot, deviceID, NodeCurrent)
}

// DeviceInfoPath returns devices/{id}/deviceInfo.
func DeviceInfoPath(deviceID string) string {
	return Join(DevicesRoot, deviceID, NodeDeviceInfo)
}

// PairedToPath returns devices/{id}/deviceInfo/pairedTo.
func PairedToPath(deviceID string) string {
	return Join(DevicesRoot, deviceID, NodeDeviceInfo, NodePairedTo)
}

// DeviceNamePath returns devices/{id}/deviceInfo/deviceName.
func DeviceNamePath(deviceID string) string {
	return Join(DevicesRoot, deviceID, NodeDeviceInfo, NodeDeviceName)
}

// SettingsPath returns devices/{id}/settings.
func SettingsPath(deviceID string) string {
	return Join(DevicesRoot, deviceID, NodeSettings)
}

// CommandsPath returns devices/{id}/commands.
func CommandsPath(deviceID string) string {
	return Join(DevicesRoot, deviceID, NodeCommands)
}

// HistoryPath returns devices/{id}/history.
func HistoryPath(deviceID string) string {
	return Join(DevicesRoot, deviceID, NodeHistory)
}

// PairingCodePath returns devicePairing/{code}.
func PairingCodePath(code string) string {
	return Join(PairingRoot, code)
}

// UserDevicesPath returns users/{uid}/devices.
func UserDevicesPath(userID string) string {
	return Join(UsersRoot, userID, DevicesRoot)
}

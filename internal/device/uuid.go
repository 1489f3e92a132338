package device

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// sigBaseSuffix is the Bluetooth SIG base UUID tail (0000xxxx-0000-1000-8000-00805f9b34fb).
const sigBaseSuffix = "00001000800000805f9b34fb"

// NormalizeUUID converts a UUID string to the internal form: lowercase, no
// dashes, no braces, no 0x prefix. Full 128-bit UUIDs in Bluetooth SIG base
// format are shortened to their 16-bit form ("0000180d-0000-1000-8000-00805f9b34fb"
// -> "180d"). Returns "" for strings that are not UUIDs.
func NormalizeUUID(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	s = strings.TrimPrefix(s, "0x")
	s = strings.Trim(s, "{}")

	if len(s) == 32 || len(s) == 36 {
		parsed, err := uuid.Parse(s)
		if err != nil {
			return ""
		}
		s = strings.ReplaceAll(parsed.String(), "-", "")
		if strings.HasPrefix(s, "0000") && strings.HasSuffix(s, sigBaseSuffix) {
			return s[4:8]
		}
		return s
	}

	if len(s) != 4 && len(s) != 8 {
		return ""
	}
	for _, r := range s {
		if !strings.ContainsRune("0123456789abcdef", r) {
			return ""
		}
	}
	return s
}

// NormalizeUUIDs normalizes a slice of UUID strings. A nil slice stays nil.
func NormalizeUUIDs(uuids []string) []string {
	if uuids == nil {
		return nil
	}
	result := make([]string, len(uuids))
	for i, u := range uuids {
		result[i] = NormalizeUUID(u)
	}
	return result
}

// ShortenUUID returns a truncated version of a UUID for display purposes.
// Returns the first eight characters for long UUIDs and short UUIDs by themselves.
func ShortenUUID(uuid string) string {
	if len(uuid) > 8 {
		return uuid[:8]
	}
	return uuid
}

// ValidateUUID validates that UUID strings are non-empty and well-formed.
// Returns normalized UUID strings or an error.
func ValidateUUID(uuids ...string) ([]string, error) {
	if len(uuids) == 0 {
		return nil, fmt.Errorf("at least one UUID is required")
	}

	result := make([]string, 0, len(uuids))
	for i, u := range uuids {
		if u == "" {
			return nil, fmt.Errorf("UUID at index %d cannot be empty", i)
		}
		normalized := NormalizeUUID(u)
		if normalized == "" {
			return nil, fmt.Errorf("invalid UUID format at index %d: %s", i, u)
		}
		result = append(result, normalized)
	}
	return result, nil
}

package schema

import (
	"strings"
	"unicode"
)

// NormalizeRoomID validates a room identifier. Room ids are opaque but must
// be non-empty, free of whitespace, and printable.
func NormalizeRoomID(value string) (RoomID, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "", ErrInvalidRoom
	}
	for _, r := range trimmed {
		if unicode.IsSpace(r) || !unicode.IsPrint(r) {
			return "", ErrInvalidRoom
		}
	}
	return RoomID(trimmed), nil
}

// NormalizeDisplayName validates and trims a display name. Names may contain
// inner spaces but no control characters.
func NormalizeDisplayName(value string) (DisplayName, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "", ErrInvalidName
	}
	for _, r := range trimmed {
		if unicode.IsControl(r) {
			return "", ErrInvalidName
		}
	}
	return DisplayName(trimmed), nil
}

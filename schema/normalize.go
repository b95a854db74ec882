package schema

import (
	"fmt"
	"strings"
)

// ValidateUserID ensures a user id matches [a-z0-9._-] with no normalization.
func ValidateUserID(userID UserID) error {
	raw := string(userID)
	if raw == "" {
		return ErrInvalidUser
	}
	if strings.TrimSpace(raw) != raw {
		return ErrInvalidUser
	}
	for _, r := range raw {
		if r >= 'a' && r <= 'z' {
			continue
		}
		if r >= '0' && r <= '9' {
			continue
		}
		if r == '.' || r == '_' || r == '-' {
			continue
		}
		return ErrInvalidUser
	}
	return nil
}

// ValidateConnection checks the fields every open request needs.
func ValidateConnection(conn Connection) error {
	if strings.TrimSpace(conn.Host) == "" {
		return fmt.Errorf("%w: host is required", ErrInvalidConnection)
	}
	if conn.Port <= 0 || conn.Port > 65535 {
		return fmt.Errorf("%w: port %d out of range", ErrInvalidConnection, conn.Port)
	}
	switch conn.Protocol {
	case ProtocolShell, ProtocolDisplay:
	default:
		return fmt.Errorf("%w: unknown protocol %q", ErrInvalidConnection, conn.Protocol)
	}
	return nil
}

// FallbackTabName derives a display name when the request omits one.
func FallbackTabName(conn Connection) TabName {
	name := strings.TrimSpace(conn.Name)
	if name == "" {
		name = strings.TrimSpace(conn.Host)
	}
	return TabName(name)
}

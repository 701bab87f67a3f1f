// Package sensitivity classifies CRM data by confidentiality level and strips
// fields a destination is not allowed to hold.
package sensitivity

import (
	"strings"

	"github.com/pkg/errors"
)

// Level is a confidentiality level. Lower values are more restrictive.
type Level int

const (
	// Critical data (credentials, card data) never reaches any cache tier or durable collection.
	Critical Level = iota
	// Personal data is cached only in the encrypted durable tier.
	Personal
	// Business data is cached only in the durable tier and every access is audited.
	Business
	// Public data may be held in memory and in the static tier.
	Public
)

var levelNames = map[Level]string{
	Critical: "CRITICAL",
	Personal: "PERSONAL",
	Business: "BUSINESS",
	Public:   "PUBLIC",
}

func (l Level) String() string {
	if name, ok := levelNames[l]; ok {
		return name
	}
	return "UNKNOWN"
}

// Valid reports whether l is one of the four known levels.
func (l Level) Valid() bool {
	_, ok := levelNames[l]
	return ok
}

// MoreRestrictiveThan reports whether l must be protected more strongly than other.
func (l Level) MoreRestrictiveThan(other Level) bool {
	return l < other
}

// MostRestrictive returns the most restrictive of the given levels, or Public when none are given.
func MostRestrictive(levels ...Level) Level {
	result := Public
	for _, level := range levels {
		if level < result {
			result = level
		}
	}
	return result
}

// ParseLevel parses a level name case-insensitively.
func ParseLevel(s string) (Level, error) {
	normalized := strings.ToUpper(strings.TrimSpace(s))
	for level, name := range levelNames {
		if name == normalized {
			return level, nil
		}
	}
	return Public, errors.Errorf("unknown sensitivity level %q", s)
}

// MarshalText implements encoding.TextMarshaler.
func (l Level) MarshalText() ([]byte, error) {
	if !l.Valid() {
		return nil, errors.Errorf("invalid sensitivity level %d", int(l))
	}
	return []byte(l.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (l *Level) UnmarshalText(text []byte) error {
	level, err := ParseLevel(string(text))
	if err != nil {
		return err
	}
	*l = level
	return nil
}

package identity

import (
	"fmt"
	"strings"
)

// AuthSource tags the backend that owns a user record.
type AuthSource uint8

const (
	SourceNone AuthSource = iota
	SourceLocal
	SourcePrison
	SourceProbation
	SourceFederated
)

var sourceNames = [...]string{
	SourceNone:      "none",
	SourceLocal:     "local",
	SourcePrison:    "prison",
	SourceProbation: "probation",
	SourceFederated: "federated",
}

// DefaultPrecedence is the order in which backends are consulted when resolving
// the master record for a username.
var DefaultPrecedence = []AuthSource{SourceLocal, SourceProbation, SourcePrison, SourceFederated}

func (s AuthSource) String() string {
	if int(s) < len(sourceNames) {
		return sourceNames[s]
	}
	return fmt.Sprintf("AuthSource(%d)", uint8(s))
}

// Valid reports whether s is one of the declared sources.
func (s AuthSource) Valid() bool {
	return int(s) < len(sourceNames)
}

// ParseAuthSource accepts the lower-case names returned by String.
func ParseAuthSource(value string) (AuthSource, error) {
	v := strings.ToLower(strings.TrimSpace(value))
	for i, name := range sourceNames {
		if name == v {
			return AuthSource(i), nil
		}
	}
	return SourceNone, fmt.Errorf("unknown auth source %q", value)
}

// MarshalText lets sources round-trip through config files and JSON.
func (s AuthSource) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *AuthSource) UnmarshalText(text []byte) error {
	parsed, err := ParseAuthSource(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

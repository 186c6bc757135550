package protocol

import (
	"fmt"
	"strings"
)

type Side int

const (
	Long Side = iota
	Short
)

func (s Side) IsLong() bool {
	return s == Long
}

func (s Side) String() string {
	if s == Long {
		return "long"
	}
	return "short"
}

func ParseSide(raw string) (Side, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "long", "buy":
		return Long, nil
	case "short", "sell":
		return Short, nil
	default:
		return Long, fmt.Errorf("unknown side %q", raw)
	}
}

func (s Side) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *Side) UnmarshalText(text []byte) error {
	parsed, err := ParseSide(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// Instrument identifies one position slot in the vault. Changing any field
// addresses a different position.
type Instrument struct {
	Index      Token `json:"index_token"`
	Collateral Token `json:"collateral_token"`
	Side       Side  `json:"side"`
}

func (i Instrument) String() string {
	return fmt.Sprintf("%s/%s %s", i.Index, i.Collateral, i.Side)
}

package planner

import (
	"fmt"
	"strings"
)

// Intensity selects how much of each token balance is converted to the stable asset.
type Intensity string

const (
	Soft       Intensity = "soft"
	Medium     Intensity = "medium"
	Aggressive Intensity = "aggressive"
)

// Percentage returns the share of each balance to swap, in whole percent.
func (i Intensity) Percentage() int64 {
	switch i {
	case Soft:
		return 15
	case Medium:
		return 40
	case Aggressive:
		return 70
	default:
		return 0
	}
}

// Valid reports whether i is one of the known levels.
func (i Intensity) Valid() bool {
	return i.Percentage() > 0
}

// ParseIntensity parses "soft", "medium" or "aggressive" case-insensitively.
func ParseIntensity(v string) (Intensity, error) {
	i := Intensity(strings.ToLower(strings.TrimSpace(v)))
	if !i.Valid() {
		return "", fmt.Errorf("unknown rebalance intensity %q", v)
	}
	return i, nil
}

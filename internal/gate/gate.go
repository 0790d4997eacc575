// Package gate decides, before any I/O, whether a tile request is worth
// serving at all.
package gate

import (
	"fmt"

	"github.com/tilepipe/server/internal/tile"
)

// Policy is a zoom admission window. MaxZoom == 0 means no upper bound.
type Policy struct {
	MinZoom int `yaml:"min_zoom" json:"min_zoom"`
	MaxZoom int `yaml:"max_zoom" json:"max_zoom"`
}

// Decision is the outcome of Admit.
type Decision struct {
	Admitted bool
	Reason   string
}

// Admit applies p to c.
func Admit(c tile.Coordinate, p Policy) Decision {
	if c.Z < p.MinZoom {
		return Decision{Reason: fmt.Sprintf("zoom %d below minimum %d", c.Z, p.MinZoom)}
	}
	if p.MaxZoom > 0 && c.Z > p.MaxZoom {
		return Decision{Reason: fmt.Sprintf("zoom %d above maximum %d", c.Z, p.MaxZoom)}
	}
	return Decision{Admitted: true}
}

// Validate checks that the window is not inverted.
func (p Policy) Validate() error {
	if p.MinZoom < 0 || p.MaxZoom < 0 {
		return fmt.Errorf("zoom bounds must be non-negative (min=%d max=%d)", p.MinZoom, p.MaxZoom)
	}
	if p.MaxZoom > 0 && p.MaxZoom < p.MinZoom {
		return fmt.Errorf("max_zoom %d is below min_zoom %d", p.MaxZoom, p.MinZoom)
	}
	return nil
}

// Package tile resolves z/x/y tile addresses under the XYZ and TMS row
// conventions to projected or geographic envelopes.
package tile

import (
	"errors"
	"fmt"
	"strings"
)

// MaxZoom bounds z so that 2^z and tile indices fit comfortably in an int.
const MaxZoom = 30

// Scheme is a row-numbering convention.
type Scheme int

const (
	// XYZ numbers rows from the north edge (slippy map / Google).
	XYZ Scheme = iota
	// TMS numbers rows from the south edge (MBTiles, OSGeo TMS).
	TMS
)

func (s Scheme) String() string {
	switch s {
	case XYZ:
		return "xyz"
	case TMS:
		return "tms"
	}
	return fmt.Sprintf("Scheme(%d)", int(s))
}

// ParseScheme accepts "xyz" or "tms" (case-insensitive).
func ParseScheme(s string) (Scheme, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "xyz":
		return XYZ, nil
	case "tms":
		return TMS, nil
	}
	return 0, fmt.Errorf("unknown tile scheme %q", s)
}

// ErrInvalidTileAddress is matched by every *AddressError.
var ErrInvalidTileAddress = errors.New("invalid tile address")

// AddressError describes an out-of-range tile address.
type AddressError struct {
	Z, X, Y int
}

func (e *AddressError) Error() string {
	return fmt.Sprintf("invalid tile address %d/%d/%d", e.Z, e.X, e.Y)
}

// Is makes errors.Is(err, ErrInvalidTileAddress) succeed.
func (e *AddressError) Is(target error) bool { return target == ErrInvalidTileAddress }

// Coordinate is an immutable tile address.
type Coordinate struct {
	Z, X, Y int
	Scheme  Scheme
}

// NewCoordinate validates 0 <= z <= MaxZoom and 0 <= x, y < 2^z.
func NewCoordinate(z, x, y int, scheme Scheme) (Coordinate, error) {
	if z < 0 || z > MaxZoom {
		return Coordinate{}, &AddressError{Z: z, X: x, Y: y}
	}
	n := 1 << z
	if x < 0 || x >= n || y < 0 || y >= n {
		return Coordinate{}, &AddressError{Z: z, X: x, Y: y}
	}
	if scheme != XYZ && scheme != TMS {
		return Coordinate{}, fmt.Errorf("unknown tile scheme %d", scheme)
	}
	return Coordinate{Z: z, X: x, Y: y, Scheme: scheme}, nil
}

// ToScheme converts a row index between schemes: y' = 2^z - y - 1 when the
// schemes differ. The transform is its own inverse.
func ToScheme(y, z int, from, to Scheme) (int, error) {
	if z < 0 || z > MaxZoom {
		return 0, &AddressError{Z: z, Y: y}
	}
	n := 1 << z
	if y < 0 || y >= n {
		return 0, &AddressError{Z: z, Y: y}
	}
	if from == to {
		return y, nil
	}
	return n - y - 1, nil
}

// To returns the same tile addressed in the given scheme.
func (c Coordinate) To(s Scheme) Coordinate {
	if c.Scheme == s {
		return c
	}
	y, _ := ToScheme(c.Y, c.Z, c.Scheme, s)
	return Coordinate{Z: c.Z, X: c.X, Y: y, Scheme: s}
}

// Children returns the four tiles at z+1 covering c, in c's scheme.
func (c Coordinate) Children() [4]Coordinate {
	z := c.Z + 1
	x, y := 2*c.X, 2*c.Y
	return [4]Coordinate{
		{Z: z, X: x, Y: y, Scheme: c.Scheme},
		{Z: z, X: x + 1, Y: y, Scheme: c.Scheme},
		{Z: z, X: x, Y: y + 1, Scheme: c.Scheme},
		{Z: z, X: x + 1, Y: y + 1, Scheme: c.Scheme},
	}
}

func (c Coordinate) String() string {
	return fmt.Sprintf("%d/%d/%d", c.Z, c.X, c.Y)
}

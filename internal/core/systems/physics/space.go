package physics

import (
	"errors"
	"fmt"
	"math"
	"strings"
)

// BoundaryPolicy decides what happens to a particle that leaves the space.
type BoundaryPolicy uint8

const (
	// BoundaryReflect mirrors the overshoot back inside and flips the
	// velocity component normal to the crossed edge.
	BoundaryReflect BoundaryPolicy = iota
	// BoundaryWrap treats the space as a torus.
	BoundaryWrap
	// BoundaryClamp pins the particle to the edge and drops the outward
	// velocity component.
	BoundaryClamp
	// BoundaryRemove drops the particle from the simulation.
	BoundaryRemove
)

var ErrUnknownBoundary = errors.New("unknown boundary policy")

var boundaryNames = [...]string{
	BoundaryReflect: "reflect",
	BoundaryWrap:    "wrap",
	BoundaryClamp:   "clamp",
	BoundaryRemove:  "remove",
}

func (p BoundaryPolicy) String() string {
	if int(p) < len(boundaryNames) {
		return boundaryNames[p]
	}
	return fmt.Sprintf("BoundaryPolicy(%d)", uint8(p))
}

// ParseBoundaryPolicy maps a policy name to its value. The empty string
// selects BoundaryReflect.
func ParseBoundaryPolicy(s string) (BoundaryPolicy, error) {
	name := strings.ToLower(strings.TrimSpace(s))
	if name == "" {
		return BoundaryReflect, nil
	}
	for i, n := range boundaryNames {
		if n == name {
			return BoundaryPolicy(i), nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownBoundary, s)
}

// Space is the rectangle [0, Width] x [0, Height] together with the policy
// applied at its edges.
type Space struct {
	Width  float64
	Height float64
	Policy BoundaryPolicy
}

// Validate checks that the extents are positive and finite.
func (s Space) Validate() error {
	if !(s.Width > 0) || !(s.Height > 0) || math.IsInf(s.Width, 0) || math.IsInf(s.Height, 0) {
		return fmt.Errorf("space extents must be positive and finite, got %gx%g", s.Width, s.Height)
	}
	if int(s.Policy) >= len(boundaryNames) {
		return fmt.Errorf("%w: %d", ErrUnknownBoundary, s.Policy)
	}
	return nil
}

// Contains reports whether p lies inside the closed rectangle.
func (s Space) Contains(p Vec2) bool {
	return p.X >= 0 && p.X <= s.Width && p.Y >= 0 && p.Y <= s.Height
}

// Displacement returns the vector pointing from a to b. Under BoundaryWrap the
// shortest image across the seams is used.
func (s Space) Displacement(a, b Vec2) Vec2 {
	d := b.Sub(a)
	if s.Policy == BoundaryWrap {
		d.X = minImage(d.X, s.Width)
		d.Y = minImage(d.Y, s.Height)
	}
	return d
}

// Confine applies the boundary policy to a committed position. keep is false
// only under BoundaryRemove for a particle outside the space.
func (s Space) Confine(pos, vel Vec2) (Vec2, Vec2, bool) {
	switch s.Policy {
	case BoundaryWrap:
		return Vec2{wrap(pos.X, s.Width), wrap(pos.Y, s.Height)}, vel, true
	case BoundaryClamp:
		pos.X, vel.X = clampAxis(pos.X, vel.X, s.Width)
		pos.Y, vel.Y = clampAxis(pos.Y, vel.Y, s.Height)
		return pos, vel, true
	case BoundaryRemove:
		return pos, vel, s.Contains(pos)
	default:
		pos.X, vel.X = reflectAxis(pos.X, vel.X, s.Width)
		pos.Y, vel.Y = reflectAxis(pos.Y, vel.Y, s.Height)
		return pos, vel, true
	}
}

func reflectAxis(x, v, extent float64) (float64, float64) {
	switch {
	case x < 0:
		x, v = -x, math.Abs(v)
	case x > extent:
		x, v = 2*extent-x, -math.Abs(v)
	default:
		return x, v
	}
	// overshoot larger than the whole extent
	return math.Max(0, math.Min(extent, x)), v
}

func clampAxis(x, v, extent float64) (float64, float64) {
	switch {
	case x < 0:
		return 0, math.Max(v, 0)
	case x > extent:
		return extent, math.Min(v, 0)
	}
	return x, v
}

func wrap(x, extent float64) float64 {
	if x >= 0 && x <= extent {
		return x
	}
	m := math.Mod(x, extent)
	if m < 0 {
		m += extent
	}
	return m
}

func minImage(d, extent float64) float64 {
	half := extent / 2
	switch {
	case d > half:
		return d - extent
	case d < -half:
		return d + extent
	}
	return d
}

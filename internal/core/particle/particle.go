package particle

import (
	"errors"
	"fmt"
	"math"
	"math/rand"

	"github.com/zeusync/epimesh/internal/core/systems/physics"
)

var (
	ErrNonFinite   = errors.New("particle state is not finite")
	ErrInvalidSize = errors.New("particle size must be positive")
)

// ID identifies a particle for its whole lifetime.
type ID uint64

// Cell is a mesh cell coordinate.
type Cell struct{ X, Y int }

// Particle is a moving agent with a circular footprint.
//
// Position and Velocity are authoritative. The pending slot holds the
// tentative next position during a step and is only written by the owner
// driving the step.
type Particle struct {
	ID       ID
	Size     float64
	Position physics.Vec2
	Velocity physics.Vec2
	Cell     Cell

	pending    physics.Vec2
	hasPending bool
}

// Snapshot is a read-only copy of a particle's observable state.
type Snapshot struct {
	ID       ID
	Position physics.Vec2
	Velocity physics.Vec2
	Size     float64
}

// New creates a particle. Velocity is taken as given; use SampleRandomVelocity
// for a random heading.
func New(id ID, size float64, pos, vel physics.Vec2) (*Particle, error) {
	p := &Particle{ID: id, Size: size, Position: pos, Velocity: vel}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

// Validate checks size and finiteness of position and velocity.
func (p *Particle) Validate() error {
	if math.IsNaN(p.Size) || math.IsInf(p.Size, 0) {
		return fmt.Errorf("%w: size %v", ErrNonFinite, p.Size)
	}
	if p.Size <= 0 {
		return fmt.Errorf("%w: %v", ErrInvalidSize, p.Size)
	}
	if !p.Position.IsFinite() {
		return fmt.Errorf("%w: position %v", ErrNonFinite, p.Position)
	}
	if !p.Velocity.IsFinite() {
		return fmt.Errorf("%w: velocity %v", ErrNonFinite, p.Velocity)
	}
	return nil
}

// SampleRandomVelocity draws a heading uniformly in [0, 2π) and a speed
// uniformly in [0, 2*size], in distance units per second.
func SampleRandomVelocity(rng *rand.Rand, size float64) physics.Vec2 {
	heading := rng.Float64() * 2 * math.Pi
	speed := rng.Float64() * 2 * size
	sin, cos := math.Sincos(heading)
	return physics.V2(speed*cos, speed*sin)
}

// MaxSampledSpeed is the upper bound of SampleRandomVelocity for size.
func MaxSampledSpeed(size float64) float64 { return 2 * size }

// TentativePosition returns where the particle would be after dt at its
// current velocity. It does not modify the particle.
func (p *Particle) TentativePosition(dt float64) physics.Vec2 {
	return p.Position.Add(p.Velocity.Scale(dt))
}

// SetPending stores the tentative next position.
func (p *Particle) SetPending(pos physics.Vec2) {
	p.pending = pos
	p.hasPending = true
}

// Pending returns the tentative next position, or the current position when
// none is set.
func (p *Particle) Pending() physics.Vec2 {
	if !p.hasPending {
		return p.Position
	}
	return p.pending
}

// HasPending reports whether a tentative position is set.
func (p *Particle) HasPending() bool { return p.hasPending }

// Commit makes newPosition authoritative and clears the pending slot.
// Committing the same value twice is a no-op.
func (p *Particle) Commit(newPosition physics.Vec2) {
	p.Position = newPosition
	p.pending = physics.Vec2{}
	p.hasPending = false
}

// AssignCell updates the cached mesh cell. Mesh membership is not touched.
func (p *Particle) AssignCell(cx, cy int) {
	p.Cell = Cell{X: cx, Y: cy}
}

// Snapshot returns a value copy of the observable state.
func (p *Particle) Snapshot() Snapshot {
	return Snapshot{ID: p.ID, Position: p.Position, Velocity: p.Velocity, Size: p.Size}
}

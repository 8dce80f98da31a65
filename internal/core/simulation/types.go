package simulation

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/zeusync/epimesh/internal/core/particle"
	"github.com/zeusync/epimesh/internal/core/systems/physics"
)

var (
	ErrInvalidConfig = errors.New("invalid simulation config")
	ErrDuplicateID   = errors.New("particle id already exists")
	ErrUnknownID     = errors.New("unknown particle id")
	ErrOutOfBounds   = errors.New("position is outside the space")
	ErrInvalidStep   = errors.New("time step must be positive and finite")
	ErrInconsistent  = errors.New("mesh and particle table disagree")
)

// Event types published on the bus.
const (
	EventCollision = "particle.collision"
	EventRemoved   = "particle.removed"
	EventStep      = "simulation.step"
)

// Resolution selects how velocities change when two particles collide.
type Resolution uint8

const (
	// ResolveReflect turns each particle's velocity component along the line
	// of centres so that it points away from the partner. Speeds are kept.
	ResolveReflect Resolution = iota
	// ResolveRandomize gives both particles a fresh random velocity drawn
	// from a source seeded by the pair, the step and the run seed.
	ResolveRandomize
)

func (r Resolution) String() string {
	switch r {
	case ResolveReflect:
		return "reflect"
	case ResolveRandomize:
		return "randomize"
	}
	return fmt.Sprintf("Resolution(%d)", uint8(r))
}

// ParseResolution maps a name to a Resolution. The empty string selects
// ResolveReflect.
func ParseResolution(s string) (Resolution, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "reflect":
		return ResolveReflect, nil
	case "randomize", "random":
		return ResolveRandomize, nil
	}
	return 0, fmt.Errorf("%w: unknown resolution %q", ErrInvalidConfig, s)
}

// Config describes the simulated space and how the engine runs.
type Config struct {
	Space      physics.Space
	MeshNX     int
	MeshNY     int
	Resolution Resolution
	// Seed feeds the velocity sampler and pair-seeded resolution.
	Seed int64
	// Workers > 1 runs collision detection in parallel bands of mesh rows.
	Workers int
	// Strict panics on mesh faults instead of logging and repairing them.
	Strict bool
}

func (c Config) Validate() error {
	if err := c.Space.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if c.MeshNX <= 0 || c.MeshNY <= 0 {
		return fmt.Errorf("%w: mesh must have at least one cell per axis, got %dx%d", ErrInvalidConfig, c.MeshNX, c.MeshNY)
	}
	if c.Resolution > ResolveRandomize {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, c.Resolution)
	}
	if c.Workers < 0 {
		return fmt.Errorf("%w: workers must not be negative", ErrInvalidConfig)
	}
	return nil
}

// Collision is a contact between two particles during one step, A < B.
type Collision struct {
	A        particle.ID `json:"a"`
	B        particle.ID `json:"b"`
	Distance float64     `json:"distance"`
}

// StepResult summarises one committed step.
type StepResult struct {
	Step         uint64
	Collisions   []Collision
	Removed      []particle.ID
	PairsChecked int
	Duration     time.Duration
}

// Stats accumulates counters over the life of a Manager.
type Stats struct {
	Steps               uint64
	Particles           int
	PairsChecked        uint64
	Collisions          uint64
	Removed             uint64
	Heals               uint64
	LastStepDuration    time.Duration
	AverageStepDuration time.Duration
	TotalStepDuration   time.Duration
}

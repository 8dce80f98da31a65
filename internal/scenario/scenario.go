// Package scenario seeds a simulation with an initial population.
package scenario

import (
	"errors"
	"fmt"
	"math/rand"

	"github.com/zeusync/epimesh/internal/config"
	"github.com/zeusync/epimesh/internal/core/particle"
	"github.com/zeusync/epimesh/internal/core/simulation"
	"github.com/zeusync/epimesh/internal/core/systems/physics"
	"github.com/zeusync/epimesh/pkg/sequence"
)

var ErrInvalidPopulation = errors.New("invalid population")

// Populate adds p.Count particles with ids starting after the largest id
// already present. Sizes are uniform in [MinSize, MaxSize], positions uniform
// over the space and velocities are sampled by the manager.
func Populate(m *simulation.Manager, p config.PopulationConfig, rng *rand.Rand) ([]particle.ID, error) {
	if p.Count < 0 {
		return nil, fmt.Errorf("%w: count %d", ErrInvalidPopulation, p.Count)
	}
	if p.Count == 0 {
		return nil, nil
	}
	if !(p.MinSize > 0) || p.MaxSize < p.MinSize {
		return nil, fmt.Errorf("%w: sizes %v..%v", ErrInvalidPopulation, p.MinSize, p.MaxSize)
	}

	var next particle.ID
	ids := sequence.Map(m.Particles(), func(s particle.Snapshot) particle.ID { return s.ID })
	for id := range ids.Seq() {
		next = max(next, id)
	}

	space := m.Config().Space
	added := make([]particle.ID, 0, p.Count)
	for range p.Count {
		next++
		size := p.MinSize + rng.Float64()*(p.MaxSize-p.MinSize)
		pos := physics.V2(rng.Float64()*space.Width, rng.Float64()*space.Height)
		if _, err := m.AddParticle(next, size, pos, nil); err != nil {
			return added, fmt.Errorf("populate: %w", err)
		}
		added = append(added, next)
	}
	return added, nil
}

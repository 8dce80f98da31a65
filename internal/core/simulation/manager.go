package simulation

import (
	"fmt"
	"math"
	"math/rand"
	"slices"
	"sync"

	"github.com/google/uuid"

	"github.com/zeusync/epimesh/internal/core/events/bus"
	"github.com/zeusync/epimesh/internal/core/mesh"
	"github.com/zeusync/epimesh/internal/core/observability/log"
	"github.com/zeusync/epimesh/internal/core/particle"
	"github.com/zeusync/epimesh/internal/core/systems/physics"
	"github.com/zeusync/epimesh/pkg/generic"
	"github.com/zeusync/epimesh/pkg/sequence"
)

// Manager owns every particle and the mesh indexing them, and advances the
// whole population one step at a time.
//
// All methods are safe for concurrent use; a Step is atomic with respect to
// the query methods.
type Manager struct {
	mu sync.Mutex

	cfg       Config
	space     physics.Space
	mesh      *mesh.Mesh
	particles map[particle.ID]*particle.Particle

	// ids is the ascending ID list, rebuilt lazily after add/remove.
	ids      []particle.ID
	idsDirty bool

	rng     *rand.Rand
	maxSize float64
	step    uint64
	stats   Stats

	pairs *generic.Pool[*[]Collision]

	runID  uuid.UUID
	logger log.Log
	bus    bus.EventBus
}

// Option customises a Manager.
type Option func(*Manager)

// WithLogger sets the logger. Defaults to log.Provide().
func WithLogger(l log.Log) Option {
	return func(m *Manager) { m.logger = l }
}

// WithBus publishes collision, removal and step events on b.
func WithBus(b bus.EventBus) Option {
	return func(m *Manager) { m.bus = b }
}

// WithRand replaces the velocity sampler source seeded from Config.Seed.
func WithRand(r *rand.Rand) Option {
	return func(m *Manager) { m.rng = r }
}

// New creates an empty Manager.
func New(cfg Config, opts ...Option) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	grid, err := mesh.New(cfg.Space, cfg.MeshNX, cfg.MeshNY)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}

	m := &Manager{
		cfg:       cfg,
		space:     cfg.Space,
		mesh:      grid,
		particles: make(map[particle.ID]*particle.Particle),
		rng:       rand.New(rand.NewSource(cfg.Seed)),
		runID:     uuid.New(),
		pairs: generic.NewResetPool(
			func() *[]Collision { s := make([]Collision, 0, 64); return &s },
			func(s *[]Collision) *[]Collision { *s = (*s)[:0]; return s },
		),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.logger == nil {
		m.logger = log.Provide()
	}
	m.logger = m.logger.With(log.String("component", "simulation"), log.String("run", m.runID.String()))

	cell := grid.CellSize()
	m.logger.Info("Simulation created",
		log.Float64("width", cfg.Space.Width),
		log.Float64("height", cfg.Space.Height),
		log.Int("mesh_nx", cfg.MeshNX),
		log.Int("mesh_ny", cfg.MeshNY),
		log.Float64("cell_w", cell.X),
		log.Float64("cell_h", cell.Y),
		log.Stringer("boundary", cfg.Space.Policy),
		log.Stringer("resolution", cfg.Resolution),
		log.Int("workers", cfg.Workers))

	return m, nil
}

// RunID identifies this Manager in logs and event sources.
func (m *Manager) RunID() uuid.UUID { return m.runID }

// Config returns the configuration the Manager was built with.
func (m *Manager) Config() Config { return m.cfg }

// AddParticle inserts a particle at pos. A nil vel samples a random velocity.
func (m *Manager) AddParticle(id particle.ID, size float64, pos physics.Vec2, vel *physics.Vec2) (particle.Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.particles[id]; exists {
		return particle.Snapshot{}, fmt.Errorf("%w: %d", ErrDuplicateID, id)
	}

	var v physics.Vec2
	if vel != nil {
		v = *vel
	} else if size > 0 && !math.IsInf(size, 0) {
		v = particle.SampleRandomVelocity(m.rng, size)
	}

	p, err := particle.New(id, size, pos, v)
	if err != nil {
		return particle.Snapshot{}, fmt.Errorf("add particle %d: %w", id, err)
	}
	if !m.space.Contains(pos) {
		return particle.Snapshot{}, fmt.Errorf("%w: particle %d at %v", ErrOutOfBounds, id, pos)
	}

	c := m.mesh.CellOf(pos)
	if err = m.mesh.Insert(id, c); err != nil {
		return particle.Snapshot{}, fmt.Errorf("add particle %d: %w", id, err)
	}
	p.AssignCell(c.X, c.Y)
	m.particles[id] = p
	m.idsDirty = true

	if size > m.maxSize {
		m.maxSize = size
		cell := m.mesh.CellSize()
		if 2*size > math.Min(cell.X, cell.Y) {
			m.logger.Warn("Cell smaller than particle diameter, collisions across non-adjacent cells can be missed",
				log.Uint64("id", uint64(id)),
				log.Float64("size", size),
				log.Float64("cell_w", cell.X),
				log.Float64("cell_h", cell.Y))
		}
	}

	return p.Snapshot(), nil
}

// RemoveParticle unlinks the particle from its cell and drops it.
func (m *Manager) RemoveParticle(id particle.ID) error {
	snap, err := m.remove(id)
	if err != nil {
		return err
	}
	m.publish(bus.NewEvent(EventRemoved, m.source(), snap))
	return nil
}

func (m *Manager) remove(id particle.ID) (particle.Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.particles[id]
	if !ok {
		return particle.Snapshot{}, fmt.Errorf("%w: %d", ErrUnknownID, id)
	}
	m.unlink(p)
	m.stats.Removed++
	return p.Snapshot(), nil
}

// Particle returns a copy of one particle's state.
func (m *Manager) Particle(id particle.ID) (particle.Snapshot, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.particles[id]
	if !ok {
		return particle.Snapshot{}, false
	}
	return p.Snapshot(), true
}

// Particles returns the population in ascending ID order. The snapshot is
// taken when Particles is called; later steps do not affect it and changes to
// the yielded values do not affect the Manager.
func (m *Manager) Particles() *sequence.Iterator[particle.Snapshot] {
	m.mu.Lock()
	ids := m.sortedIDs()
	snaps := make([]particle.Snapshot, len(ids))
	for i, id := range ids {
		snaps[i] = m.particles[id].Snapshot()
	}
	m.mu.Unlock()
	return sequence.From(snaps)
}

// Len returns the number of live particles.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.particles)
}

// StepCount returns the number of committed steps.
func (m *Manager) StepCount() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.step
}

// Stats returns a copy of the accumulated counters.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.stats
	s.Particles = len(m.particles)
	return s
}

// CellOf returns the mesh cell holding pos.
func (m *Manager) CellOf(pos physics.Vec2) particle.Cell {
	return m.mesh.CellOf(pos)
}

// CheckConsistency verifies that every particle is inside the space, caches
// the cell of its position, and is the only entry for its ID in the mesh.
func (m *Manager) CheckConsistency() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.checkConsistency()
}

func (m *Manager) checkConsistency() error {
	for id, p := range m.particles {
		if !m.space.Contains(p.Position) {
			return fmt.Errorf("%w: particle %d outside space at %v", ErrInconsistent, id, p.Position)
		}
		if want := m.mesh.CellOf(p.Position); p.Cell != want {
			return fmt.Errorf("%w: particle %d caches cell %v, position maps to %v", ErrInconsistent, id, p.Cell, want)
		}
		if !m.mesh.Has(id, p.Cell) {
			return fmt.Errorf("%w: particle %d missing from cell %v", ErrInconsistent, id, p.Cell)
		}
	}
	// each particle is in its own cell, so equal counts rule out strays
	if n := m.mesh.Len(); n != len(m.particles) {
		return fmt.Errorf("%w: mesh holds %d ids for %d particles, unknown %v", ErrInconsistent, n, len(m.particles), m.strayIDs())
	}
	return nil
}

// strayIDs lists mesh entries that have no particle, ascending within each
// cell in row-major cell order.
func (m *Manager) strayIDs() []particle.ID {
	var out []particle.ID
	nx, ny := m.mesh.Dims()
	for y := range ny {
		for x := range nx {
			for _, id := range m.mesh.Members(particle.Cell{X: x, Y: y}) {
				if _, ok := m.particles[id]; !ok {
					out = append(out, id)
				}
			}
		}
	}
	return out
}

// reindex rebuilds the mesh from the particle table. It repairs entries that
// cell-local healing cannot: ids with no particle and ids held twice.
func (m *Manager) reindex(cause error) {
	if m.cfg.Strict {
		panic(fmt.Sprintf("simulation: %v", cause))
	}
	m.stats.Heals++
	strays := m.strayIDs()
	m.logger.Error("Mesh desync, rebuilding from particle table",
		log.Int("unknown_ids", len(strays)),
		log.Any("ids", strays),
		log.Error(cause))

	err := m.mesh.Rebuild(func(yield func(particle.ID, particle.Cell) bool) {
		for id, p := range m.particles {
			if !yield(id, p.Cell) {
				return
			}
		}
	})
	if err != nil {
		m.logger.Error("Mesh rebuild incomplete", log.Error(err))
	}
}

func (m *Manager) sortedIDs() []particle.ID {
	if m.idsDirty || len(m.ids) != len(m.particles) {
		m.ids = m.ids[:0]
		for id := range m.particles {
			m.ids = append(m.ids, id)
		}
		slices.Sort(m.ids)
		m.idsDirty = false
	}
	return m.ids
}

// unlink removes p from the mesh and the particle table.
func (m *Manager) unlink(p *particle.Particle) {
	if err := m.mesh.Remove(p.ID, p.Cell); err != nil {
		m.fault(err, p)
		if found, ok := m.mesh.Locate(p.ID); ok {
			_ = m.mesh.Remove(p.ID, found)
		}
	}
	delete(m.particles, p.ID)
	m.idsDirty = true
}

// relink moves p to cell to and updates its cache.
func (m *Manager) relink(p *particle.Particle, to particle.Cell) {
	if err := m.mesh.Move(p.ID, p.Cell, to); err != nil {
		m.fault(err, p)
		if found, ok := m.mesh.Locate(p.ID); ok {
			_ = m.mesh.Remove(p.ID, found)
		}
		if err = m.mesh.Insert(p.ID, to); err != nil {
			panic(fmt.Sprintf("simulation: cannot index particle %d in cell %v: %v", p.ID, to, err))
		}
	}
	p.AssignCell(to.X, to.Y)
}

// fault reports a mesh/particle desync. Strict mode aborts; otherwise the
// caller repairs the index after logging.
func (m *Manager) fault(err error, p *particle.Particle) {
	if m.cfg.Strict {
		panic(fmt.Sprintf("simulation: %v", err))
	}
	m.stats.Heals++
	m.logger.Error("Mesh desync, repairing from position",
		log.Uint64("id", uint64(p.ID)),
		log.Int("cell_x", p.Cell.X),
		log.Int("cell_y", p.Cell.Y),
		log.Error(err))
}

func (m *Manager) source() string { return "simulation/" + m.runID.String() }

func (m *Manager) publish(events ...bus.Event) {
	if m.bus == nil || len(events) == 0 {
		return
	}
	if err := m.bus.PublishBatch(events...); err != nil {
		m.logger.Warn("Event handler failed", log.Error(err))
	}
}

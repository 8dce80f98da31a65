package simulation

import (
	"context"
	"math"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/zeusync/epimesh/internal/core/events/bus"
	"github.com/zeusync/epimesh/internal/core/particle"
	"github.com/zeusync/epimesh/internal/core/systems/physics"
)

type seed struct {
	id   particle.ID
	size float64
	pos  physics.Vec2
	vel  physics.Vec2
}

// randomPopulation places n particles uniformly with sampled velocities.
func randomPopulation(rng *rand.Rand, space physics.Space, n int, minSize, maxSize float64) []seed {
	out := make([]seed, n)
	for i := range out {
		size := minSize + rng.Float64()*(maxSize-minSize)
		out[i] = seed{
			id:   particle.ID(i + 1),
			size: size,
			pos:  physics.V2(rng.Float64()*space.Width, rng.Float64()*space.Height),
			vel:  particle.SampleRandomVelocity(rng, size),
		}
	}
	return out
}

func populate(t *testing.T, m *Manager, seeds []seed) {
	t.Helper()
	for _, s := range seeds {
		v := s.vel
		_, err := m.AddParticle(s.id, s.size, s.pos, &v)
		require.NoError(t, err)
	}
}

func TestStep_InvalidInput(t *testing.T) {
	m := newTestManager(t, testConfig(physics.BoundaryReflect))

	for _, dt := range []float64{0, -1, math.NaN(), math.Inf(1)} {
		_, err := m.Step(context.Background(), dt)
		require.ErrorIs(t, err, ErrInvalidStep)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := m.Step(ctx, 1)
	require.ErrorIs(t, err, context.Canceled)
	require.Zero(t, m.StepCount())
}

func TestStep_HeadOnCollision(t *testing.T) {
	m := newTestManager(t, testConfig(physics.BoundaryReflect))
	_, err := m.AddParticle(1, 1, physics.V2(10, 10), vel(2, 0))
	require.NoError(t, err)
	_, err = m.AddParticle(2, 1, physics.V2(13, 10), vel(-2, 0))
	require.NoError(t, err)

	res, err := m.Step(context.Background(), 1)
	require.NoError(t, err)

	require.Len(t, res.Collisions, 1)
	require.Equal(t, particle.ID(1), res.Collisions[0].A)
	require.Equal(t, particle.ID(2), res.Collisions[0].B)
	require.InDelta(t, 1.0, res.Collisions[0].Distance, 1e-12)

	a, _ := m.Particle(1)
	b, _ := m.Particle(2)
	require.Equal(t, physics.V2(-2, 0), a.Velocity)
	require.Equal(t, physics.V2(2, 0), b.Velocity)
	// deflected particles move from their committed position, not through each other
	require.Equal(t, physics.V2(8, 10), a.Position)
	require.Equal(t, physics.V2(15, 10), b.Position)
	require.NoError(t, m.CheckConsistency())
}

func TestStep_HeadOnAtOrigin(t *testing.T) {
	m := newTestManager(t, testConfig(physics.BoundaryReflect))
	_, err := m.AddParticle(1, 1, physics.V2(0, 0), vel(2, 0))
	require.NoError(t, err)
	_, err = m.AddParticle(2, 1, physics.V2(3, 0), vel(-2, 0))
	require.NoError(t, err)

	res, err := m.Step(context.Background(), 1)
	require.NoError(t, err)
	require.Equal(t, []Collision{{A: 1, B: 2, Distance: 1}}, res.Collisions)

	// particle 1 is deflected to -x, then bounces off the x=0 wall
	a, _ := m.Particle(1)
	b, _ := m.Particle(2)
	require.Equal(t, physics.V2(2, 0), a.Position)
	require.Equal(t, physics.V2(5, 0), b.Position)
	require.Equal(t, physics.V2(2, 0), b.Velocity)
	require.NoError(t, m.CheckConsistency())
}

func TestStep_ConservationWithoutCollisions(t *testing.T) {
	cfg := testConfig(physics.BoundaryReflect)
	cfg.Space.Width, cfg.Space.Height = 1000, 1000
	m := newTestManager(t, cfg)

	seeds := []seed{
		{1, 1, physics.V2(100, 100), physics.V2(1.5, 0.5)},
		{2, 1, physics.V2(300, 700), physics.V2(-1, 1)},
		{3, 2, physics.V2(800, 200), physics.V2(0, -2)},
		{4, 0.5, physics.V2(500, 500), physics.V2(0.3, -0.7)},
	}
	populate(t, m, seeds)

	const dt, steps = 0.1, 200
	for i := 0; i < steps; i++ {
		res, err := m.Step(context.Background(), dt)
		require.NoError(t, err)
		require.Empty(t, res.Collisions)
	}

	for _, s := range seeds {
		got, ok := m.Particle(s.id)
		require.True(t, ok)
		want := s.pos.Add(s.vel.Scale(dt * steps))
		require.InDelta(t, want.X, got.Position.X, 1e-9)
		require.InDelta(t, want.Y, got.Position.Y, 1e-9)
		require.Equal(t, s.vel, got.Velocity)
	}
}

func TestStep_MeshConsistency(t *testing.T) {
	policies := []physics.BoundaryPolicy{
		physics.BoundaryReflect, physics.BoundaryWrap, physics.BoundaryClamp, physics.BoundaryRemove,
	}
	for _, policy := range policies {
		for _, resolution := range []Resolution{ResolveReflect, ResolveRandomize} {
			t.Run(policy.String()+"/"+resolution.String(), func(t *testing.T) {
				cfg := testConfig(policy)
				cfg.Resolution = resolution
				m := newTestManager(t, cfg)
				rng := rand.New(rand.NewSource(1))
				populate(t, m, randomPopulation(rng, cfg.Space, 300, 0.5, 4))

				for i := 0; i < 100; i++ {
					_, err := m.Step(context.Background(), 0.5)
					require.NoError(t, err)
					require.NoError(t, m.CheckConsistency())
				}
				if policy == physics.BoundaryRemove {
					require.Less(t, m.Len(), 300)
					require.EqualValues(t, 300-m.Len(), m.Stats().Removed)
				} else {
					require.Equal(t, 300, m.Len())
				}
				require.Zero(t, m.Stats().Heals)
			})
		}
	}
}

func TestStep_NeighborCompleteness(t *testing.T) {
	// cells are 10 wide and sizes at most 5, so any touching pair is at most one cell apart
	rng := rand.New(rand.NewSource(3))
	for i := 0; i < 500; i++ {
		m := newTestManager(t, testConfig(physics.BoundaryReflect))

		sa := 0.5 + rng.Float64()*4.5
		sb := 0.5 + rng.Float64()*4.5
		// put the first particle just inside a cell edge and the second across it
		cx, cy := 1+rng.Intn(8), 1+rng.Intn(8)
		a := physics.V2(float64(cx)*10+rng.Float64()*0.5, float64(cy)*10+rng.Float64()*10)
		heading := math.Pi/2 + rng.Float64()*math.Pi
		d := rng.Float64() * 0.999 * (sa + sb)
		b := a.Add(physics.V2(math.Cos(heading), math.Sin(heading)).Scale(d))

		_, err := m.AddParticle(1, sa, a, vel(0, 0))
		require.NoError(t, err)
		_, err = m.AddParticle(2, sb, b, vel(0, 0))
		require.NoError(t, err)

		res, err := m.Step(context.Background(), 1)
		require.NoError(t, err)
		require.Len(t, res.Collisions, 1, "pair at distance %v with sizes %v+%v, cells %v %v",
			d, sa, sb, m.CellOf(a), m.CellOf(b))
	}
}

func TestStep_NoCollisionJustOutOfRange(t *testing.T) {
	m := newTestManager(t, testConfig(physics.BoundaryReflect))
	_, err := m.AddParticle(1, 2, physics.V2(19, 15), vel(0, 0))
	require.NoError(t, err)
	_, err = m.AddParticle(2, 2, physics.V2(23.0001, 15), vel(0, 0))
	require.NoError(t, err)

	res, err := m.Step(context.Background(), 1)
	require.NoError(t, err)
	require.Empty(t, res.Collisions)
	require.Equal(t, 1, res.PairsChecked)
}

func TestStep_WrapCollidesAcrossSeam(t *testing.T) {
	m := newTestManager(t, testConfig(physics.BoundaryWrap))
	_, err := m.AddParticle(1, 1, physics.V2(0.5, 50), vel(0, 0))
	require.NoError(t, err)
	_, err = m.AddParticle(2, 1, physics.V2(99.5, 50), vel(0, 0))
	require.NoError(t, err)

	res, err := m.Step(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, res.Collisions, 1)
	require.InDelta(t, 1.0, res.Collisions[0].Distance, 1e-9)
}

// run steps a fresh manager built from seeds inserted in the given order and
// returns per-step collisions and final snapshots.
func run(t *testing.T, cfg Config, seeds []seed, steps int) ([][]Collision, []particle.Snapshot) {
	t.Helper()
	m := newTestManager(t, cfg)
	populate(t, m, seeds)
	var history [][]Collision
	for i := 0; i < steps; i++ {
		res, err := m.Step(context.Background(), 0.5)
		require.NoError(t, err)
		history = append(history, res.Collisions)
	}
	return history, m.Particles().Collect()
}

func TestStep_OrderIndependence(t *testing.T) {
	for _, resolution := range []Resolution{ResolveReflect, ResolveRandomize} {
		t.Run(resolution.String(), func(t *testing.T) {
			cfg := testConfig(physics.BoundaryReflect)
			cfg.Resolution = resolution
			seeds := randomPopulation(rand.New(rand.NewSource(11)), cfg.Space, 400, 1, 4)

			reversed := make([]seed, len(seeds))
			for i, s := range seeds {
				reversed[len(seeds)-1-i] = s
			}

			wantHistory, wantFinal := run(t, cfg, seeds, 60)
			gotHistory, gotFinal := run(t, cfg, reversed, 60)
			require.Equal(t, wantHistory, gotHistory)
			require.Equal(t, wantFinal, gotFinal)

			parallel := cfg
			parallel.Workers = 4
			parHistory, parFinal := run(t, parallel, seeds, 60)
			require.Equal(t, wantHistory, parHistory)
			require.Equal(t, wantFinal, parFinal)

			total := 0
			for _, step := range wantHistory {
				total += len(step)
			}
			require.Positive(t, total, "population is dense enough to collide")
		})
	}
}

func TestStep_MultiCollisionResolvedInPairOrder(t *testing.T) {
	m := newTestManager(t, testConfig(physics.BoundaryReflect))
	_, err := m.AddParticle(1, 1, physics.V2(50, 50), vel(0, 0))
	require.NoError(t, err)
	_, err = m.AddParticle(2, 1, physics.V2(47, 50), vel(2, 0))
	require.NoError(t, err)
	_, err = m.AddParticle(3, 1, physics.V2(53.5, 50), vel(-2, 0))
	require.NoError(t, err)

	res, err := m.Step(context.Background(), 1)
	require.NoError(t, err)
	require.Equal(t, []Collision{{A: 1, B: 2, Distance: 1}, {A: 1, B: 3, Distance: 1.5}}, res.Collisions)

	p1, _ := m.Particle(1)
	p2, _ := m.Particle(2)
	p3, _ := m.Particle(3)
	require.Equal(t, physics.Vec2{}, p1.Velocity, "resting particle has nothing to reflect")
	require.Equal(t, physics.V2(-2, 0), p2.Velocity)
	require.Equal(t, physics.V2(2, 0), p3.Velocity)
}

func TestStep_CoincidentCentres(t *testing.T) {
	build := func() *Manager {
		m := newTestManager(t, testConfig(physics.BoundaryReflect))
		_, err := m.AddParticle(1, 1, physics.V2(50, 50), vel(0, 0))
		require.NoError(t, err)
		_, err = m.AddParticle(2, 1, physics.V2(50, 50), vel(0, 0))
		require.NoError(t, err)
		return m
	}

	m1, m2 := build(), build()
	res, err := m1.Step(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, res.Collisions, 1)
	_, err = m2.Step(context.Background(), 1)
	require.NoError(t, err)

	a1, _ := m1.Particle(1)
	b1, _ := m1.Particle(2)
	a2, _ := m2.Particle(1)
	require.True(t, a1.Velocity.IsFinite())
	require.False(t, a1.Velocity.IsZero(), "degenerate contact gets a fresh velocity")
	require.NotEqual(t, a1.Velocity, b1.Velocity)
	require.Equal(t, a1.Velocity, a2.Velocity, "fallback is seeded by the pair")
}

func TestStep_NoTeleportation(t *testing.T) {
	for _, resolution := range []Resolution{ResolveReflect, ResolveRandomize} {
		t.Run(resolution.String(), func(t *testing.T) {
			cfg := testConfig(physics.BoundaryReflect)
			cfg.Resolution = resolution
			m := newTestManager(t, cfg)
			seeds := randomPopulation(rand.New(rand.NewSource(5)), cfg.Space, 500, 1, 4)
			populate(t, m, seeds)

			maxSpeed := particle.MaxSampledSpeed(4)
			const dt = 0.7
			for i := 0; i < 50; i++ {
				before := m.Particles().Collect()
				_, err := m.Step(context.Background(), dt)
				require.NoError(t, err)
				after := m.Particles().Collect()
				require.Len(t, after, len(before))
				for j := range before {
					moved := physics.Distance(before[j].Position, after[j].Position)
					require.LessOrEqual(t, moved, maxSpeed*dt+1e-9, "particle %d", before[j].ID)
				}
			}
		})
	}
}

func TestStep_BoundaryRemoveEvents(t *testing.T) {
	events := bus.New()
	var removed []particle.ID
	var steps []StepResult
	_, err := events.Subscribe(EventRemoved, func(e bus.Event) error {
		removed = append(removed, e.Data().(particle.Snapshot).ID)
		return nil
	})
	require.NoError(t, err)
	_, err = events.Subscribe(EventStep, func(e bus.Event) error {
		steps = append(steps, e.Data().(StepResult))
		return nil
	})
	require.NoError(t, err)

	m := newTestManager(t, testConfig(physics.BoundaryRemove), WithBus(events))
	_, err = m.AddParticle(1, 1, physics.V2(99, 50), vel(2, 0))
	require.NoError(t, err)
	_, err = m.AddParticle(2, 1, physics.V2(50, 50), vel(2, 0))
	require.NoError(t, err)

	res, err := m.Step(context.Background(), 1)
	require.NoError(t, err)
	require.Equal(t, []particle.ID{1}, res.Removed)
	require.Equal(t, []particle.ID{1}, removed)
	require.Len(t, steps, 1)
	require.Equal(t, uint64(1), steps[0].Step)
	require.Equal(t, 1, m.Len())
	require.NoError(t, m.CheckConsistency())
}

func TestStep_CollisionEvents(t *testing.T) {
	events := bus.New()
	var contacts []Collision
	_, err := events.Subscribe(EventCollision, func(e bus.Event) error {
		contacts = append(contacts, e.Data().(Collision))
		return nil
	})
	require.NoError(t, err)

	m := newTestManager(t, testConfig(physics.BoundaryReflect), WithBus(events))
	_, err = m.AddParticle(1, 1, physics.V2(10, 10), vel(2, 0))
	require.NoError(t, err)
	_, err = m.AddParticle(2, 1, physics.V2(13, 10), vel(-2, 0))
	require.NoError(t, err)

	_, err = m.Step(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, contacts, 1)
	require.Equal(t, particle.ID(1), contacts[0].A)
	require.Equal(t, particle.ID(2), contacts[0].B)
}

func TestStep_SelfHealsMeshDesync(t *testing.T) {
	cfg := testConfig(physics.BoundaryReflect)
	cfg.Strict = false
	m := newTestManager(t, cfg)
	_, err := m.AddParticle(1, 1, physics.V2(15, 15), vel(1, 0))
	require.NoError(t, err)

	// corrupt the index: the id sits in a cell its cache does not name
	require.NoError(t, m.mesh.Remove(1, particle.Cell{X: 1, Y: 1}))
	require.NoError(t, m.mesh.Insert(1, particle.Cell{X: 7, Y: 7}))

	_, err = m.Step(context.Background(), 1)
	require.NoError(t, err)
	require.NoError(t, m.CheckConsistency())
	require.EqualValues(t, 1, m.Stats().Heals)

	// a missing id is reinserted
	require.NoError(t, m.mesh.Remove(1, particle.Cell{X: 1, Y: 1}))
	_, err = m.Step(context.Background(), 1)
	require.NoError(t, err)
	require.NoError(t, m.CheckConsistency())
	require.EqualValues(t, 2, m.Stats().Heals)

	require.NoError(t, m.mesh.Remove(1, particle.Cell{X: 1, Y: 1}))
	require.NoError(t, m.RemoveParticle(1))
	require.Zero(t, m.mesh.Len())
}

func TestStep_StrictPanicsOnDesync(t *testing.T) {
	m := newTestManager(t, testConfig(physics.BoundaryReflect))
	_, err := m.AddParticle(1, 1, physics.V2(15, 15), vel(1, 0))
	require.NoError(t, err)
	require.NoError(t, m.mesh.Remove(1, particle.Cell{X: 1, Y: 1}))

	require.Panics(t, func() { _, _ = m.Step(context.Background(), 1) })
	requireUnlocked(t, m)
}

// requireUnlocked fails if the manager mutex is still held.
func requireUnlocked(t *testing.T, m *Manager) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		_ = m.Len()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("manager still locked")
	}
}

func TestStep_RebuildsMeshWithUnknownIDs(t *testing.T) {
	tests := map[string]struct {
		workers int
		corrupt func(t *testing.T, m *Manager)
	}{
		"orphan next to a particle": {
			workers: 1,
			corrupt: func(t *testing.T, m *Manager) {
				require.NoError(t, m.mesh.Insert(99, particle.Cell{X: 1, Y: 1}))
			},
		},
		"orphan next to a particle, parallel": {
			workers: 4,
			corrupt: func(t *testing.T, m *Manager) {
				require.NoError(t, m.mesh.Insert(99, particle.Cell{X: 1, Y: 1}))
			},
		},
		"orphan far from every particle": {
			workers: 1,
			corrupt: func(t *testing.T, m *Manager) {
				require.NoError(t, m.mesh.Insert(98, particle.Cell{X: 5, Y: 5}))
			},
		},
		"id held twice": {
			workers: 1,
			corrupt: func(t *testing.T, m *Manager) {
				require.NoError(t, m.mesh.Insert(1, particle.Cell{X: 5, Y: 5}))
			},
		},
	}
	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			cfg := testConfig(physics.BoundaryReflect)
			cfg.Strict = false
			cfg.Workers = tt.workers
			m := newTestManager(t, cfg)
			_, err := m.AddParticle(1, 1, physics.V2(15, 15), vel(1, 0))
			require.NoError(t, err)
			_, err = m.AddParticle(2, 1, physics.V2(85, 85), vel(-1, 0))
			require.NoError(t, err)

			tt.corrupt(t, m)
			require.ErrorIs(t, m.CheckConsistency(), ErrInconsistent)

			require.NotPanics(t, func() {
				_, err = m.Step(context.Background(), 1)
			})
			require.NoError(t, err)
			require.NoError(t, m.CheckConsistency())
			require.EqualValues(t, 1, m.Stats().Heals)
			require.Equal(t, 2, m.mesh.Len())
			require.Equal(t, physics.V2(16, 15), m.particles[1].Position)
		})
	}
}

func TestStep_DuplicateMeshEntryReportsPairOnce(t *testing.T) {
	cfg := testConfig(physics.BoundaryReflect)
	cfg.Strict = false
	m := newTestManager(t, cfg)
	_, err := m.AddParticle(1, 1, physics.V2(15, 15), vel(1, 0))
	require.NoError(t, err)
	_, err = m.AddParticle(2, 1, physics.V2(17, 15), vel(-1, 0))
	require.NoError(t, err)
	require.NoError(t, m.mesh.Insert(2, particle.Cell{X: 2, Y: 1}))

	res, err := m.Step(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, res.Collisions, 1)
	require.Equal(t, particle.ID(1), res.Collisions[0].A)
	require.Equal(t, particle.ID(2), res.Collisions[0].B)
	require.EqualValues(t, 1, m.Stats().Heals)
	require.NoError(t, m.CheckConsistency())
}

func TestStep_StrictPanicsOnUnknownID(t *testing.T) {
	m := newTestManager(t, testConfig(physics.BoundaryReflect))
	_, err := m.AddParticle(1, 1, physics.V2(15, 15), vel(1, 0))
	require.NoError(t, err)
	require.NoError(t, m.mesh.Insert(99, particle.Cell{X: 1, Y: 1}))

	require.Panics(t, func() { _, _ = m.Step(context.Background(), 1) })
	requireUnlocked(t, m)
	require.Zero(t, m.Stats().Heals)
}

func TestStats(t *testing.T) {
	m := newTestManager(t, testConfig(physics.BoundaryReflect))
	_, err := m.AddParticle(1, 1, physics.V2(10, 10), vel(2, 0))
	require.NoError(t, err)
	_, err = m.AddParticle(2, 1, physics.V2(13, 10), vel(-2, 0))
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, err = m.Step(context.Background(), 1)
		require.NoError(t, err)
	}
	s := m.Stats()
	require.EqualValues(t, 3, s.Steps)
	require.EqualValues(t, 3, m.StepCount())
	require.Equal(t, 2, s.Particles)
	require.EqualValues(t, 1, s.Collisions)
	require.EqualValues(t, 3, s.PairsChecked)
	require.GreaterOrEqual(t, s.TotalStepDuration, s.LastStepDuration)
}

package simulation

import (
	"cmp"
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"math/rand"
	"slices"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/zeusync/epimesh/internal/core/events/bus"
	"github.com/zeusync/epimesh/internal/core/observability/log"
	"github.com/zeusync/epimesh/internal/core/particle"
	"github.com/zeusync/epimesh/internal/core/systems/physics"
	"github.com/zeusync/epimesh/pkg/concurrent"
)

// Step advances every particle by dt.
//
// The step runs in five phases: tentative move, collision detection against
// the pending positions, resolution in ascending pair order, recomputation of
// pending positions for deflected particles, and commit. No authoritative
// position changes before the commit phase, so the outcome does not depend on
// the order particles are visited in. ctx is only checked before the step
// starts.
func (m *Manager) Step(ctx context.Context, dt float64) (StepResult, error) {
	if err := ctx.Err(); err != nil {
		return StepResult{}, err
	}
	if !(dt > 0) || math.IsInf(dt, 0) {
		return StepResult{}, fmt.Errorf("%w: %v", ErrInvalidStep, dt)
	}

	result, events, population, err := m.advance(ctx, dt)
	if err != nil {
		return StepResult{}, err
	}

	m.logger.Debug("Step committed",
		log.Uint64("step", result.Step),
		log.Int("particles", population),
		log.Int("pairs_checked", result.PairsChecked),
		log.Int("collisions", len(result.Collisions)),
		log.Int("removed", len(result.Removed)),
		log.Duration("elapsed", result.Duration))

	m.publish(events...)
	return result, nil
}

// advance runs the locked part of Step and returns the events to publish once
// the lock is released.
func (m *Manager) advance(ctx context.Context, dt float64) (StepResult, []bus.Event, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	start := time.Now()
	ids := m.sortedIDs()

	for _, id := range ids {
		p := m.particles[id]
		p.SetPending(p.TentativePosition(dt))
	}

	collisions, checked, strays, err := m.detect(ctx, ids)
	if err != nil {
		// detection only reads, so nothing needs rolling back
		for _, id := range ids {
			p := m.particles[id]
			p.Commit(p.Position)
		}
		return StepResult{}, nil, 0, fmt.Errorf("detect collisions: %w", err)
	}
	if strays > 0 || m.mesh.Len() > len(m.particles) {
		m.reindex(fmt.Errorf("%w: mesh holds %d ids for %d particles", ErrInconsistent, m.mesh.Len(), len(m.particles)))
	}

	for _, id := range m.resolve(collisions) {
		p := m.particles[id]
		p.SetPending(p.TentativePosition(dt))
	}

	removed := m.commit(ids)

	m.step++
	elapsed := time.Since(start)
	m.stats.Steps++
	m.stats.PairsChecked += uint64(checked)
	m.stats.Collisions += uint64(len(collisions))
	m.stats.Removed += uint64(len(removed))
	m.stats.LastStepDuration = elapsed
	m.stats.TotalStepDuration += elapsed
	m.stats.AverageStepDuration = m.stats.TotalStepDuration / time.Duration(m.stats.Steps)

	if m.cfg.Strict {
		if err = m.checkConsistency(); err != nil {
			panic(fmt.Sprintf("simulation: step %d: %v", m.step, err))
		}
	}

	result := StepResult{
		Step:         m.step,
		Collisions:   collisions,
		PairsChecked: checked,
		Duration:     elapsed,
	}
	events := make([]bus.Event, 0, len(collisions)+len(removed)+1)
	src := m.source()
	for _, c := range collisions {
		events = append(events, bus.NewEvent(EventCollision, src, c))
	}
	for _, snap := range removed {
		result.Removed = append(result.Removed, snap.ID)
		events = append(events, bus.NewEvent(EventRemoved, src, snap))
	}
	events = append(events, bus.NewEvent(EventStep, src, result))
	return result, events, len(m.particles), nil
}

// detect returns every pair whose pending centres are within the sum of their
// sizes, sorted by (A, B), plus the number of pairs examined and the number
// of mesh entries with no particle behind them.
func (m *Manager) detect(ctx context.Context, ids []particle.ID) ([]Collision, int, int, error) {
	_, ny := m.mesh.Dims()
	if m.cfg.Workers <= 1 || ny < 2 || len(ids) < 2 {
		buf := m.pairs.Get()
		defer m.pairs.Put(buf)
		checked, strays := m.detectInto(buf, ids)
		return sortPairs(slices.Clone(*buf)), checked, strays, nil
	}

	// partition by the row of the pre-move cell
	bands := concurrent.Split(ny, m.cfg.Workers)
	rowBand := make([]int, ny)
	for b, band := range bands {
		for y := band.Start; y < band.End; y++ {
			rowBand[y] = b
		}
	}
	members := make([][]particle.ID, len(bands))
	for _, id := range ids {
		b := rowBand[m.particles[id].Cell.Y]
		members[b] = append(members[b], id)
	}

	bufs := make([]*[]Collision, len(bands))
	checked := make([]int, len(bands))
	strays := make([]int, len(bands))
	for i := range bufs {
		bufs[i] = m.pairs.Get()
	}
	defer func() {
		for _, buf := range bufs {
			m.pairs.Put(buf)
		}
	}()

	err := concurrent.ForEachBand(ctx, bands, m.cfg.Workers, func(_ context.Context, idx int, _ concurrent.Band) error {
		checked[idx], strays[idx] = m.detectInto(bufs[idx], members[idx])
		return nil
	})
	if err != nil {
		return nil, 0, 0, err
	}

	n, total, unknown := 0, 0, 0
	for i, buf := range bufs {
		n += len(*buf)
		total += checked[i]
		unknown += strays[i]
	}
	out := make([]Collision, 0, n)
	for _, buf := range bufs {
		out = append(out, *buf...)
	}
	return sortPairs(out), total, unknown, nil
}

// detectInto appends the collisions found for particles in ids to buf. It
// only reads shared state and may run concurrently with itself. Mesh entries
// without a particle are skipped and counted.
func (m *Manager) detectInto(buf *[]Collision, ids []particle.ID) (checked, strays int) {
	for _, id := range ids {
		p := m.particles[id]
		pp := p.Pending()
		for qid := range m.mesh.NeighborsOf(p.Cell) {
			if qid <= id {
				continue
			}
			q, ok := m.particles[qid]
			if !ok {
				strays++
				continue
			}
			checked++
			d := m.space.Displacement(pp, q.Pending()).Length()
			if d <= p.Size+q.Size {
				*buf = append(*buf, Collision{A: id, B: qid, Distance: d})
			}
		}
	}
	return checked, strays
}

// sortPairs orders pairs by (A, B) and drops repeats, which only appear
// when the mesh holds an ID twice.
func sortPairs(pairs []Collision) []Collision {
	slices.SortFunc(pairs, func(x, y Collision) int {
		if c := cmp.Compare(x.A, y.A); c != 0 {
			return c
		}
		return cmp.Compare(x.B, y.B)
	})
	return slices.CompactFunc(pairs, func(x, y Collision) bool {
		return x.A == y.A && x.B == y.B
	})
}

// resolve updates velocities for every collision in order and returns the
// IDs whose velocity changed, ascending.
//
// Each pair sees the velocities left by the pairs before it, so a particle
// hit twice in one step is deflected twice. The pair order is fixed by the
// IDs, which keeps the result independent of iteration order.
func (m *Manager) resolve(collisions []Collision) []particle.ID {
	if len(collisions) == 0 {
		return nil
	}
	changed := make(map[particle.ID]struct{}, 2*len(collisions))
	for _, c := range collisions {
		a, b := m.particles[c.A], m.particles[c.B]
		va, vb := a.Velocity, b.Velocity

		// the committed centres give the approach direction even when the
		// pending centres have already passed each other
		n := m.space.Displacement(a.Position, b.Position)
		if n.IsZero() {
			n = m.space.Displacement(a.Pending(), b.Pending())
		}
		switch {
		case n.IsZero():
			// no collision normal
			va = particle.SampleRandomVelocity(m.pairRand(c, c.A), a.Size)
			vb = particle.SampleRandomVelocity(m.pairRand(c, c.B), b.Size)
		case m.cfg.Resolution == ResolveRandomize:
			va = particle.SampleRandomVelocity(m.pairRand(c, c.A), a.Size)
			vb = particle.SampleRandomVelocity(m.pairRand(c, c.B), b.Size)
		default:
			n = n.Normalized()
			va = pointAway(va, n.Scale(-1))
			vb = pointAway(vb, n)
		}

		if va != a.Velocity {
			a.Velocity = va
			changed[c.A] = struct{}{}
		}
		if vb != b.Velocity {
			b.Velocity = vb
			changed[c.B] = struct{}{}
		}
	}

	out := make([]particle.ID, 0, len(changed))
	for id := range changed {
		out = append(out, id)
	}
	slices.Sort(out)
	return out
}

// pointAway mirrors v about the line perpendicular to dir when v has a
// component against dir, so the result never moves against dir. The length
// of v is preserved.
func pointAway(v, dir physics.Vec2) physics.Vec2 {
	if along := v.Dot(dir); along < 0 {
		return v.Sub(dir.Scale(2 * along))
	}
	return v
}

// pairRand returns a source determined by the run seed, the step being
// computed, the pair and the particle it is drawn for.
func (m *Manager) pairRand(c Collision, self particle.ID) *rand.Rand {
	var buf [40]byte
	binary.LittleEndian.PutUint64(buf[0:], uint64(m.cfg.Seed))
	binary.LittleEndian.PutUint64(buf[8:], m.step+1)
	binary.LittleEndian.PutUint64(buf[16:], uint64(c.A))
	binary.LittleEndian.PutUint64(buf[24:], uint64(c.B))
	binary.LittleEndian.PutUint64(buf[32:], uint64(self))
	return rand.New(rand.NewSource(int64(xxhash.Sum64(buf[:]))))
}

// commit makes every pending position authoritative, applies the boundary
// policy and moves each particle to its new cell. It returns the particles
// dropped by BoundaryRemove.
func (m *Manager) commit(ids []particle.ID) []particle.Snapshot {
	var removed []particle.Snapshot
	for _, id := range ids {
		p := m.particles[id]
		pos, vel, keep := m.space.Confine(p.Pending(), p.Velocity)
		p.Velocity = vel
		p.Commit(pos)
		if !keep {
			removed = append(removed, p.Snapshot())
			m.unlink(p)
			continue
		}
		m.relink(p, m.mesh.CellOf(pos))
	}
	return removed
}

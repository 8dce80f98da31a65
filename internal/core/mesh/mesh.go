package mesh

import (
	"errors"
	"fmt"
	"iter"
	"math"
	"slices"

	"github.com/zeusync/epimesh/internal/core/particle"
	"github.com/zeusync/epimesh/internal/core/systems/physics"
)

var (
	ErrCellOutOfRange = errors.New("cell is outside the mesh")
	ErrNotInCell      = errors.New("particle is not in cell")
	ErrInvalidMesh    = errors.New("invalid mesh dimensions")
)

// bucket is the set of particle IDs located in one cell.
type bucket map[particle.ID]struct{}

// Mesh is a uniform grid over a Space mapping each cell to the IDs of the
// particles inside it. It holds IDs only; particle state lives with the owner.
//
// Cells are stored in a dense 1D slice, index = y*nx + x. Buckets are
// allocated on first insert.
type Mesh struct {
	space  physics.Space
	nx, ny int
	cellW  float64
	cellH  float64

	buckets []bucket
	count   int
}

// New creates an nx by ny mesh covering space.
func New(space physics.Space, nx, ny int) (*Mesh, error) {
	if nx <= 0 || ny <= 0 {
		return nil, fmt.Errorf("%w: %dx%d", ErrInvalidMesh, nx, ny)
	}
	if err := space.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMesh, err)
	}
	return &Mesh{
		space:   space,
		nx:      nx,
		ny:      ny,
		cellW:   space.Width / float64(nx),
		cellH:   space.Height / float64(ny),
		buckets: make([]bucket, nx*ny),
	}, nil
}

// Dims returns the number of cells along x and y.
func (m *Mesh) Dims() (nx, ny int) { return m.nx, m.ny }

// CellSize returns the extent of a single cell.
func (m *Mesh) CellSize() physics.Vec2 { return physics.V2(m.cellW, m.cellH) }

// Len returns the number of IDs stored across all cells.
func (m *Mesh) Len() int { return m.count }

// CellOf maps a position to its cell. Indices past the grid wrap under
// BoundaryWrap and clamp to the nearest edge cell otherwise.
func (m *Mesh) CellOf(p physics.Vec2) particle.Cell {
	cx := int(math.Floor(p.X / m.cellW))
	cy := int(math.Floor(p.Y / m.cellH))
	if m.space.Policy == physics.BoundaryWrap {
		return particle.Cell{X: pMod(cx, m.nx), Y: pMod(cy, m.ny)}
	}
	return particle.Cell{X: clamp(cx, m.nx), Y: clamp(cy, m.ny)}
}

// Contains reports whether c is a valid cell.
func (m *Mesh) Contains(c particle.Cell) bool {
	return c.X >= 0 && c.X < m.nx && c.Y >= 0 && c.Y < m.ny
}

// Insert adds id to the bucket at c. Inserting an ID already present is a
// no-op.
func (m *Mesh) Insert(id particle.ID, c particle.Cell) error {
	if !m.Contains(c) {
		return fmt.Errorf("%w: %v", ErrCellOutOfRange, c)
	}
	idx := m.index(c)
	b := m.buckets[idx]
	if b == nil {
		b = make(bucket, 4)
		m.buckets[idx] = b
	}
	if _, ok := b[id]; ok {
		return nil
	}
	b[id] = struct{}{}
	m.count++
	return nil
}

// Remove deletes id from the bucket at c. It reports ErrNotInCell when the
// bucket does not hold id; the caller decides how loudly to fail.
func (m *Mesh) Remove(id particle.ID, c particle.Cell) error {
	if !m.Contains(c) {
		return fmt.Errorf("%w: %v", ErrCellOutOfRange, c)
	}
	b := m.buckets[m.index(c)]
	if _, ok := b[id]; !ok {
		return fmt.Errorf("%w: id %d, cell %v", ErrNotInCell, id, c)
	}
	delete(b, id)
	m.count--
	return nil
}

// Move relocates id from one cell to another. It is a membership check only
// when from == to.
func (m *Mesh) Move(id particle.ID, from, to particle.Cell) error {
	if from == to {
		if !m.Has(id, from) {
			return fmt.Errorf("%w: id %d, cell %v", ErrNotInCell, id, from)
		}
		return nil
	}
	if !m.Contains(to) {
		return fmt.Errorf("%w: %v", ErrCellOutOfRange, to)
	}
	if err := m.Remove(id, from); err != nil {
		return err
	}
	return m.Insert(id, to)
}

// Has reports whether id is in the bucket at c.
func (m *Mesh) Has(id particle.ID, c particle.Cell) bool {
	if !m.Contains(c) {
		return false
	}
	_, ok := m.buckets[m.index(c)][id]
	return ok
}

// Locate scans every cell for id. It is meant for repairing a stale cache,
// not for the hot path.
func (m *Mesh) Locate(id particle.ID) (particle.Cell, bool) {
	for idx, b := range m.buckets {
		if _, ok := b[id]; ok {
			return particle.Cell{X: idx % m.nx, Y: idx / m.nx}, true
		}
	}
	return particle.Cell{}, false
}

// Members returns the IDs in c in ascending order.
func (m *Mesh) Members(c particle.Cell) []particle.ID {
	if !m.Contains(c) {
		return nil
	}
	b := m.buckets[m.index(c)]
	out := make([]particle.ID, 0, len(b))
	for id := range b {
		out = append(out, id)
	}
	slices.Sort(out)
	return out
}

// CellLen returns the number of IDs in c.
func (m *Mesh) CellLen(c particle.Cell) int {
	if !m.Contains(c) {
		return 0
	}
	return len(m.buckets[m.index(c)])
}

// NeighborsOf lazily yields the IDs in the 3x3 block of cells centred on c,
// c included. The block is clipped at the grid edges, or wrapped under
// BoundaryWrap. Each cell is visited once even on grids narrower than three
// cells.
func (m *Mesh) NeighborsOf(c particle.Cell) iter.Seq[particle.ID] {
	return func(yield func(particle.ID) bool) {
		var visited [9]int
		n := 0
		for dy := -1; dy <= 1; dy++ {
			for dx := -1; dx <= 1; dx++ {
				x, y := c.X+dx, c.Y+dy
				if m.space.Policy == physics.BoundaryWrap {
					x, y = pMod(x, m.nx), pMod(y, m.ny)
				} else if x < 0 || x >= m.nx || y < 0 || y >= m.ny {
					continue
				}
				idx := y*m.nx + x
				if slices.Contains(visited[:n], idx) {
					continue
				}
				visited[n] = idx
				n++
				for id := range m.buckets[idx] {
					if !yield(id) {
						return
					}
				}
			}
		}
	}
}

// Clear removes every ID, keeping allocated buckets for reuse.
func (m *Mesh) Clear() {
	for _, b := range m.buckets {
		clear(b)
	}
	m.count = 0
}

// Rebuild clears the mesh and inserts every (id, cell) pair of entries.
func (m *Mesh) Rebuild(entries iter.Seq2[particle.ID, particle.Cell]) error {
	m.Clear()
	var errs []error
	for id, c := range entries {
		if err := m.Insert(id, c); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m *Mesh) index(c particle.Cell) int { return c.Y*m.nx + c.X }

// pMod computes the positive modulo x % y.
func pMod(x, y int) int {
	r := x % y
	if r < 0 {
		r += y
	}
	return r
}

func clamp(i, n int) int {
	if i < 0 {
		return 0
	}
	if i >= n {
		return n - 1
	}
	return i
}

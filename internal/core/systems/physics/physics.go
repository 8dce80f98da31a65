package physics

import "math"

// Lightweight 2D vector math shared by the particle engine.
// Every operation works on values and returns a new value, so a Vec2 can be
// copied freely between particles without aliasing.

// Vec2 is a 2D vector.
type Vec2 struct{ X, Y float64 }

// V2 creates a new Vec2.
func V2(x, y float64) Vec2 { return Vec2{X: x, Y: y} }

// Add returns a + b.
func (a Vec2) Add(b Vec2) Vec2 { return Vec2{a.X + b.X, a.Y + b.Y} }

// Sub returns a - b.
func (a Vec2) Sub(b Vec2) Vec2 { return Vec2{a.X - b.X, a.Y - b.Y} }

// Scale returns a * s.
func (a Vec2) Scale(s float64) Vec2 { return Vec2{a.X * s, a.Y * s} }

// Dot returns the dot product a · b.
func (a Vec2) Dot(b Vec2) float64 { return a.X*b.X + a.Y*b.Y }

// Length returns the Euclidean length.
func (a Vec2) Length() float64 { return math.Hypot(a.X, a.Y) }

// LengthSq returns the squared length.
func (a Vec2) LengthSq() float64 { return a.X*a.X + a.Y*a.Y }

// Normalized returns the unit vector pointing along a.
// A zero-length vector has no direction and yields the zero vector.
func (a Vec2) Normalized() Vec2 {
	l := a.Length()
	if l == 0 {
		return Vec2{}
	}
	return Vec2{a.X / l, a.Y / l}
}

// IsZero reports whether both components are zero.
func (a Vec2) IsZero() bool { return a.X == 0 && a.Y == 0 }

// IsFinite reports whether neither component is NaN or infinite.
func (a Vec2) IsFinite() bool { return isFinite(a.X) && isFinite(a.Y) }

// Distance computes Euclidean distance between two points.
func Distance(a, b Vec2) float64 { return math.Hypot(b.X-a.X, b.Y-a.Y) }

func isFinite(f float64) bool { return !math.IsNaN(f) && !math.IsInf(f, 0) }

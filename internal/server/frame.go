package server

import (
	"encoding/json"

	"github.com/zeusync/epimesh/internal/core/particle"
	"github.com/zeusync/epimesh/internal/core/simulation"
	"github.com/zeusync/epimesh/pkg/sequence"
)

// Frame is one websocket message: the full population after a step.
type Frame struct {
	Run        string          `json:"run"`
	Step       uint64          `json:"step"`
	Particles  []ParticleFrame `json:"particles"`
	Collisions []PairFrame     `json:"collisions"`
	Removed    []particle.ID   `json:"removed,omitempty"`
}

type ParticleFrame struct {
	ID   particle.ID `json:"id"`
	X    float64     `json:"x"`
	Y    float64     `json:"y"`
	VX   float64     `json:"vx"`
	VY   float64     `json:"vy"`
	Size float64     `json:"size"`
}

type PairFrame struct {
	A particle.ID `json:"a"`
	B particle.ID `json:"b"`
}

func newFrame(run string, step uint64, snaps *sequence.Iterator[particle.Snapshot], collisions []simulation.Collision, removed []particle.ID) Frame {
	f := Frame{
		Run:        run,
		Step:       step,
		Particles:  []ParticleFrame{},
		Collisions: make([]PairFrame, 0, len(collisions)),
		Removed:    removed,
	}
	f.Particles = append(f.Particles, sequence.Map(snaps, particleFrame).Collect()...)
	f.Collisions = append(f.Collisions, sequence.Map(sequence.From(collisions), pairFrame).Collect()...)
	return f
}

func particleFrame(s particle.Snapshot) ParticleFrame {
	return ParticleFrame{
		ID:   s.ID,
		X:    s.Position.X,
		Y:    s.Position.Y,
		VX:   s.Velocity.X,
		VY:   s.Velocity.Y,
		Size: s.Size,
	}
}

func pairFrame(c simulation.Collision) PairFrame {
	return PairFrame{A: c.A, B: c.B}
}

func encodeFrame(f Frame) ([]byte, error) {
	return json.Marshal(f)
}

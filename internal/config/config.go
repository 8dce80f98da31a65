package config

import (
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/zeusync/epimesh/internal/core/observability/log"
	"github.com/zeusync/epimesh/internal/core/simulation"
	"github.com/zeusync/epimesh/internal/core/systems/physics"
)

var ErrInvalidConfig = errors.New("invalid configuration")

// Config is the full runtime configuration of an epimesh process.
type Config struct {
	Space      SpaceConfig      `yaml:"space"`
	Mesh       MeshConfig       `yaml:"mesh"`
	Simulation SimulationConfig `yaml:"simulation"`
	Population PopulationConfig `yaml:"population"`
	Server     ServerConfig     `yaml:"server"`
	Log        log.Config       `yaml:"log"`
}

type SpaceConfig struct {
	Width  float64 `yaml:"width"`
	Height float64 `yaml:"height"`
}

type MeshConfig struct {
	NX int `yaml:"nx"`
	NY int `yaml:"ny"`
}

type SimulationConfig struct {
	Boundary   string  `yaml:"boundary"`   // reflect, wrap, clamp, remove
	Resolution string  `yaml:"resolution"` // reflect, randomize
	Seed       int64   `yaml:"seed"`
	Workers    int     `yaml:"workers"`
	Strict     bool    `yaml:"strict"`
	Dt         float64 `yaml:"dt"` // simulated seconds per tick
}

type PopulationConfig struct {
	Count   int     `yaml:"count"`
	MinSize float64 `yaml:"min_size"`
	MaxSize float64 `yaml:"max_size"`
}

type ServerConfig struct {
	ListenAddr   string        `yaml:"listen_addr"`
	TickInterval time.Duration `yaml:"tick_interval"`
	// MaxSteps stops the tick loop after that many steps; zero runs forever.
	MaxSteps uint64 `yaml:"max_steps"`
	// FrameEvery broadcasts one frame per FrameEvery steps.
	FrameEvery int `yaml:"frame_every"`
}

// Default returns a configuration that runs a small population out of the box.
func Default() Config {
	return Config{
		Space: SpaceConfig{Width: 800, Height: 600},
		Mesh:  MeshConfig{NX: 40, NY: 30},
		Simulation: SimulationConfig{
			Boundary:   physics.BoundaryReflect.String(),
			Resolution: simulation.ResolveReflect.String(),
			Seed:       1,
			Workers:    1,
			Dt:         0.05,
		},
		Population: PopulationConfig{Count: 500, MinSize: 2, MaxSize: 5},
		Server: ServerConfig{
			ListenAddr:   "127.0.0.1:8080",
			TickInterval: 50 * time.Millisecond,
			FrameEvery:   1,
		},
		Log: log.Config{Level: "info", Encoding: "json"},
	}
}

// LoadYAML decodes r on top of Default and validates the result.
func LoadYAML(r io.Reader) (*Config, error) {
	c := Default()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&c); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Load reads a YAML file. An empty path returns Default.
func Load(path string) (*Config, error) {
	if path == "" {
		c := Default()
		return &c, c.Validate()
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open config: %w", err)
	}
	defer f.Close()
	return LoadYAML(f)
}

// Validate checks every section and reports the first problem found.
func (c *Config) Validate() error {
	if _, err := c.SimulationConfig(); err != nil {
		return err
	}
	if !(c.Simulation.Dt > 0) || math.IsInf(c.Simulation.Dt, 0) {
		return fmt.Errorf("%w: simulation.dt must be positive, got %v", ErrInvalidConfig, c.Simulation.Dt)
	}
	p := c.Population
	if p.Count < 0 {
		return fmt.Errorf("%w: population.count must not be negative", ErrInvalidConfig)
	}
	if p.Count > 0 && (!(p.MinSize > 0) || p.MaxSize < p.MinSize) {
		return fmt.Errorf("%w: population sizes must satisfy 0 < min_size <= max_size, got %v..%v", ErrInvalidConfig, p.MinSize, p.MaxSize)
	}
	if c.Server.TickInterval < 0 {
		return fmt.Errorf("%w: server.tick_interval must not be negative", ErrInvalidConfig)
	}
	if c.Server.FrameEvery < 0 {
		return fmt.Errorf("%w: server.frame_every must not be negative", ErrInvalidConfig)
	}
	if _, err := log.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return nil
}

// SimulationConfig converts the space, mesh and simulation sections into the
// engine configuration.
func (c *Config) SimulationConfig() (simulation.Config, error) {
	policy, err := physics.ParseBoundaryPolicy(c.Simulation.Boundary)
	if err != nil {
		return simulation.Config{}, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	resolution, err := simulation.ParseResolution(c.Simulation.Resolution)
	if err != nil {
		return simulation.Config{}, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	cfg := simulation.Config{
		Space:      physics.Space{Width: c.Space.Width, Height: c.Space.Height, Policy: policy},
		MeshNX:     c.Mesh.NX,
		MeshNY:     c.Mesh.NY,
		Resolution: resolution,
		Seed:       c.Simulation.Seed,
		Workers:    c.Simulation.Workers,
		Strict:     c.Simulation.Strict,
	}
	if err = cfg.Validate(); err != nil {
		return simulation.Config{}, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return cfg, nil
}

// Package synthetic generates a dataset of correlated sensor readings on a graph, to train and test the
// forecasting models without external data.
//
// Sensors are placed on a ring with a few random chords. Each sensor follows a daily cycle with its own
// phase, and it is pulled towards the previous readings of its upstream neighbors, so the graph structure
// matters for the forecast.
package synthetic

import (
	"math/rand/v2"

	"github.com/chewxy/math32"
	"github.com/pkg/errors"
)

// Config of the generated dataset.
type Config struct {
	NumNodes    int
	NumSteps    int
	StepsPerDay int

	// NumChords is the number of random extra edges added to the ring.
	NumChords int

	// Diffusion is the weight of the neighbors' previous readings in each new reading, in [0, 1).
	Diffusion float32

	// Noise is the standard deviation of the gaussian noise added to each reading.
	Noise float32

	Seed uint64
}

// DefaultConfig returns a small dataset configuration: 8 sensors, 10 days of readings every 5 minutes.
func DefaultConfig() Config {
	return Config{
		NumNodes:    8,
		NumSteps:    2880,
		StepsPerDay: 288,
		NumChords:   4,
		Diffusion:   0.3,
		Noise:       1,
		Seed:        42,
	}
}

// Dataset of readings.
type Dataset struct {
	NumNodes int

	// Values of the readings, indexed by [step][node].
	Values [][]float32

	// TimeOfDay of each step, in [0, 1).
	TimeOfDay []float32

	// Adjacency is the directed graph of the sensors, where Adjacency[i][j] = 1 means i influences j.
	Adjacency [][]float32
}

// Generate a dataset.
func Generate(cfg Config) (*Dataset, error) {
	if cfg.NumNodes < 2 || cfg.NumSteps < 1 || cfg.StepsPerDay < 1 {
		return nil, errors.Errorf("invalid synthetic configuration %+v", cfg)
	}
	if cfg.Diffusion < 0 || cfg.Diffusion >= 1 {
		return nil, errors.Errorf("synthetic diffusion %g must be in [0, 1)", cfg.Diffusion)
	}
	rng := rand.New(rand.NewPCG(cfg.Seed, cfg.Seed^0x9e3779b97f4a7c15))
	ds := &Dataset{
		NumNodes:  cfg.NumNodes,
		Values:    make([][]float32, cfg.NumSteps),
		TimeOfDay: make([]float32, cfg.NumSteps),
		Adjacency: ringWithChords(cfg.NumNodes, cfg.NumChords, rng),
	}

	phases := make([]float32, cfg.NumNodes)
	levels := make([]float32, cfg.NumNodes)
	for node := range cfg.NumNodes {
		phases[node] = 2 * math32.Pi * rng.Float32()
		levels[node] = 40 + 20*rng.Float32()
	}
	upstream := make([][]int, cfg.NumNodes)
	for from, row := range ds.Adjacency {
		for to, w := range row {
			if w != 0 {
				upstream[to] = append(upstream[to], from)
			}
		}
	}

	previous := make([]float32, cfg.NumNodes)
	copy(previous, levels)
	for step := range cfg.NumSteps {
		tod := float32(step%cfg.StepsPerDay) / float32(cfg.StepsPerDay)
		ds.TimeOfDay[step] = tod
		current := make([]float32, cfg.NumNodes)
		for node := range cfg.NumNodes {
			cycle := levels[node] + 15*math32.Sin(2*math32.Pi*tod+phases[node])
			var neighbors float32
			for _, from := range upstream[node] {
				neighbors += previous[from]
			}
			if len(upstream[node]) > 0 {
				neighbors /= float32(len(upstream[node]))
			} else {
				neighbors = cycle
			}
			current[node] = (1-cfg.Diffusion)*cycle + cfg.Diffusion*neighbors + cfg.Noise*float32(rng.NormFloat64())
		}
		ds.Values[step] = current
		previous = current
	}
	return ds, nil
}

// ringWithChords returns the adjacency of a directed ring i -> i+1, plus numChords random edges.
func ringWithChords(numNodes, numChords int, rng *rand.Rand) [][]float32 {
	adjacency := make([][]float32, numNodes)
	for ii := range adjacency {
		adjacency[ii] = make([]float32, numNodes)
		adjacency[ii][(ii+1)%numNodes] = 1
	}
	for range numChords {
		from, to := rng.IntN(numNodes), rng.IntN(numNodes)
		if from != to {
			adjacency[from][to] = 1
		}
	}
	return adjacency
}

// Flat returns the values of the steps in [from, to), flattened.
func (ds *Dataset) Flat(from, to int) []float32 {
	flat := make([]float32, 0, (to-from)*ds.NumNodes)
	for _, row := range ds.Values[from:to] {
		flat = append(flat, row...)
	}
	return flat
}

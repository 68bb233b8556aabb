package optim

import (
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/train/optimizers/cosineschedule"
	"github.com/gomlx/gopjrt/dtypes"
	"k8s.io/klog/v2"
)

// Schedule controls the learning rate across epochs.
type Schedule interface {
	// LearningRate to use in the current epoch.
	LearningRate() float64

	// Update is called at the end of each epoch with the validation metric of the epoch.
	// It returns whether the optimizer state should be rebuilt.
	Update(metric float64, epoch int) (rebuild bool)
}

// GraphSchedule is a Schedule that also sets the learning rate inside the training graph, at every step.
// Optim calls UpdateGraph after incrementing the global step, and before reading the learning rate.
type GraphSchedule interface {
	Schedule
	UpdateGraph(ctx *context.Context, g *Graph, dtype dtypes.DType)
}

// CosineAnnealing anneals the learning rate from Base to 0 following a cosine over TMax epochs,
// with a restart after that. It is computed in the training graph by GoMLX cosineschedule, from the
// global step, so it needs the number of training steps in an epoch.
//
// With TMax <= 0 the learning rate is constant.
type CosineAnnealing struct {
	Base          float64
	TMax          int
	StepsPerEpoch int
}

var _ GraphSchedule = (*CosineAnnealing)(nil)

// NewCosineAnnealing returns a CosineAnnealing schedule with T_max set to 80% of the patience.
func NewCosineAnnealing(base float64, patience, stepsPerEpoch int) *CosineAnnealing {
	return &CosineAnnealing{Base: base, TMax: int(float64(patience) * 0.8), StepsPerEpoch: stepsPerEpoch}
}

// PeriodSteps is the length of the cosine period in training steps, or 0 if the learning rate is constant.
func (s *CosineAnnealing) PeriodSteps() int {
	if s.TMax <= 0 {
		return 0
	}
	return s.TMax * max(s.StepsPerEpoch, 1)
}

// LearningRate implements Schedule. It returns the base learning rate: the annealed value
// is only known in the graph, see LearningRateValue.
func (s *CosineAnnealing) LearningRate() float64 { return s.Base }

// Update implements Schedule. It is a no-op, the schedule follows the global step.
func (s *CosineAnnealing) Update(_ float64, _ int) bool { return false }

// UpdateGraph implements GraphSchedule.
func (s *CosineAnnealing) UpdateGraph(ctx *context.Context, g *Graph, dtype dtypes.DType) {
	period := s.PeriodSteps()
	if period <= 0 {
		return
	}
	cosineschedule.New(ctx, g, dtype).
		LearningRate(s.Base).
		PeriodInSteps(period).
		Done()
}

// PerplexityDecay multiplies the learning rate by Decay at the end of an epoch if the epoch is past
// StartDecayAt (when StartDecayAt >= 0) or if the metric (perplexity) got worse than in the
// previous call. The decay only lasts for the call that triggers it: it is re-evaluated every epoch.
//
// The optimizer state is rebuilt at every call, decayed or not.
type PerplexityDecay struct {
	LR, Decay    float64
	StartDecayAt int

	lastPPL    float64
	hasLastPPL bool
	startDecay bool
}

// NewPerplexityDecay returns a PerplexityDecay schedule. Use startDecayAt < 0 to only decay on
// perplexity regressions.
func NewPerplexityDecay(lr, decay float64, startDecayAt int) *PerplexityDecay {
	return &PerplexityDecay{LR: lr, Decay: decay, StartDecayAt: startDecayAt}
}

// LearningRate implements Schedule.
func (s *PerplexityDecay) LearningRate() float64 { return s.LR }

// Update implements Schedule.
func (s *PerplexityDecay) Update(ppl float64, epoch int) bool {
	if s.StartDecayAt >= 0 && epoch >= s.StartDecayAt {
		s.startDecay = true
	}
	if s.hasLastPPL && ppl > s.lastPPL {
		s.startDecay = true
	}
	if s.startDecay {
		s.LR *= s.Decay
		klog.V(1).Infof("Decaying learning rate to %g", s.LR)
	}
	s.startDecay = false
	s.lastPPL, s.hasLastPPL = ppl, true
	return true
}

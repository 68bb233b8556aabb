// Package trainer trains a CRGNN forecaster with curriculum learning on the masked MAE.
//
// The Trainer owns the model context, with both the model and the training hyperparameters, the compiled
// train and evaluation executors, the optimizer and the training Session. Optionally it is associated
// with a checkpoint directory, from where it is loaded and to where it is saved.
package trainer

import (
	"bytes"
	"fmt"
	"os"
	"sync"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	_ "github.com/gomlx/gomlx/backends/xla"
	"github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/context/checkpoints"
	"github.com/gomlx/gomlx/ml/train"
	"github.com/gomlx/gomlx/ml/train/optimizers"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/lzhmarkk/SimMST/internal/crgnn"
	"github.com/lzhmarkk/SimMST/internal/forecast"
	"github.com/lzhmarkk/SimMST/internal/generics"
	"github.com/lzhmarkk/SimMST/internal/losses"
	"github.com/lzhmarkk/SimMST/internal/optim"
	"github.com/lzhmarkk/SimMST/internal/parameters"
	"github.com/lzhmarkk/SimMST/internal/scaler"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Training hyperparameters, stored in the root scope of the model context along with the model ones.
const (
	ParamWeightDecay  = "weight_decay"
	ParamClip         = "clip"
	ParamStepSize     = "step_size"
	ParamSeqOutLen    = "seq_out_len"
	ParamPatience     = "patience"
	ParamCL           = "cl"
	ParamMask         = "mask"
	ParamLRDecay      = "lr_decay"
	ParamStartDecayAt = "start_decay_at"
	ParamSchedule     = "schedule"
	ParamKeep         = "keep"

	// ParamStepsPerEpoch is the number of training steps in an epoch, used to convert the cosine
	// schedule period from epochs to steps. 0 counts one step per epoch.
	ParamStepsPerEpoch = "steps_per_epoch"
)

// Learning rate schedules, values of ParamSchedule.
const (
	ScheduleCosine   = "cosine"
	SchedulePPLDecay = "ppl_decay"
)

// DefaultParams returns the default training hyperparameters.
func DefaultParams() map[string]any {
	return map[string]any{
		optimizers.ParamOptimizer:    string(optim.Adam),
		optimizers.ParamLearningRate: 0.001,
		ParamWeightDecay:             0.0001,
		ParamClip:                    5.0, // <= 0 disables gradient clipping.
		ParamStepSize:                100,
		ParamSeqOutLen:               0, // 0 means the model horizon.
		ParamPatience:                50,
		ParamCL:                      true,
		ParamMask:                    false,
		ParamLRDecay:                 1.0,
		ParamStartDecayAt:            -1, // < 0 disables it.
		ParamSchedule:                ScheduleCosine,
		ParamKeep:                    10,
		ParamStepsPerEpoch:           0,
	}
}

// Config is the resolved training hyperparameters.
type Config struct {
	Method       optim.Method
	LearningRate float64
	WeightDecay  float64
	Clip         float64
	StepSize     int
	SeqOutLen    int
	Patience     int
	CL, Mask     bool
	LRDecay      float64
	StartDecayAt int
	Schedule     string

	StepsPerEpoch int

	// Keep is the number of checkpoints to keep.
	Keep int
}

// ConfigFromContext reads and validates the training hyperparameters from ctx.
// A SeqOutLen of 0 is resolved to horizon.
func ConfigFromContext(ctx *context.Context, horizon int) (Config, error) {
	c := Config{
		LearningRate: context.GetParamOr(ctx, optimizers.ParamLearningRate, 0.001),
		WeightDecay:  context.GetParamOr(ctx, ParamWeightDecay, 0.0),
		Clip:         context.GetParamOr(ctx, ParamClip, 0.0),
		StepSize:     context.GetParamOr(ctx, ParamStepSize, 100),
		SeqOutLen:    context.GetParamOr(ctx, ParamSeqOutLen, 0),
		Patience:     context.GetParamOr(ctx, ParamPatience, 50),
		CL:           context.GetParamOr(ctx, ParamCL, true),
		Mask:         context.GetParamOr(ctx, ParamMask, false),
		LRDecay:      context.GetParamOr(ctx, ParamLRDecay, 1.0),
		StartDecayAt: context.GetParamOr(ctx, ParamStartDecayAt, -1),
		Schedule:     context.GetParamOr(ctx, ParamSchedule, ScheduleCosine),
		Keep:         context.GetParamOr(ctx, ParamKeep, 10),

		StepsPerEpoch: context.GetParamOr(ctx, ParamStepsPerEpoch, 0),
	}
	var err error
	c.Method, err = optim.ParseMethod(context.GetParamOr(ctx, optimizers.ParamOptimizer, string(optim.Adam)))
	if err != nil {
		return c, err
	}
	if c.SeqOutLen == 0 {
		c.SeqOutLen = horizon
	}
	if c.LearningRate <= 0 {
		return c, errors.Errorf("hyperparameter %s=%g must be > 0", optimizers.ParamLearningRate, c.LearningRate)
	}
	if c.StepSize < 1 {
		return c, errors.Errorf("hyperparameter %s=%d must be >= 1", ParamStepSize, c.StepSize)
	}
	if c.SeqOutLen < 1 {
		return c, errors.Errorf("hyperparameter %s=%d must be >= 1", ParamSeqOutLen, c.SeqOutLen)
	}
	if c.Schedule != ScheduleCosine && c.Schedule != SchedulePPLDecay {
		return c, errors.Errorf("invalid %s=%q, valid values are %q and %q", ParamSchedule, c.Schedule,
			ScheduleCosine, SchedulePPLDecay)
	}
	return c, nil
}

// NewSchedule returns the learning rate schedule configured.
func (c Config) NewSchedule() optim.Schedule {
	if c.Schedule == SchedulePPLDecay {
		return optim.NewPerplexityDecay(c.LearningRate, c.LRDecay, c.StartDecayAt)
	}
	return optim.NewCosineAnnealing(c.LearningRate, c.Patience, c.StepsPerEpoch)
}

// NullValue returns the masked value of the targets, if masking is enabled.
func (c Config) NullValue() *float64 {
	if !c.Mask {
		return nil
	}
	nullValue := 0.0
	return &nullValue
}

// Scope of the context where the Session counters are saved.
const sessionScope = "session"

var (
	// muBackend protects the backend singleton, created on the first Trainer.
	muBackend sync.Mutex
	backend   backends.Backend
)

// getBackend returns the backend singleton. The device configures the backend (see GOMLX_BACKEND)
// if it is the first one created.
func getBackend(device string) backends.Backend {
	muBackend.Lock()
	defer muBackend.Unlock()
	if backend == nil {
		if device != "" {
			if err := os.Setenv(backends.ConfigEnvVar, device); err != nil {
				klog.Warningf("failed to set %s=%q: %v", backends.ConfigEnvVar, device, err)
			}
		}
		backend = backends.New()
		klog.V(1).Infof("Backend: %s", backend.Name())
	} else if device != "" && os.Getenv(backends.ConfigEnvVar) != device {
		klog.Warningf("backend already created, device %q ignored", device)
	}
	return backend
}

// Trainer of a CRGNN forecaster.
type Trainer struct {
	ctx        *context.Context
	model      *crgnn.CRGNN
	driver     *forecast.Driver
	scaler     scaler.Scaler
	optimizer  *optim.Optim
	session    *Session
	config     Config
	backend    backends.Backend
	adjacency  *tensors.Tensor
	checkpoint *checkpoints.Handler

	trainExec, evalExec *context.Exec

	// gradNorm is the global norm of the gradients of the last training step, before clipping.
	gradNorm float32
}

// New creates a Trainer for a model configured by params, which holds both the model (see crgnn.DefaultParams)
// and the training (see DefaultParams) hyperparameters. Unknown keys are an error.
//
// The adjacency [num_nodes, num_nodes] is fixed for the Trainer. The scaler is used to inverse transform
// the predictions and the targets before computing the loss.
//
// If checkpointDir is not empty, the model is loaded from it if it exists, and Save writes to it.
// Hyperparameters given in params take precedence over the ones loaded.
func New(params parameters.Params, sc scaler.Scaler, adjacency *tensors.Tensor, checkpointDir string) (*Trainer, error) {
	ctx := context.New()
	ctx.RngStateReset()
	ctx.SetParams(crgnn.DefaultParams())
	ctx.SetParams(optim.DefaultParams())
	ctx.SetParams(DefaultParams())
	t := &Trainer{scaler: sc, adjacency: adjacency}
	var err error
	if checkpointDir != "" {
		keep, err := parameters.GetParamOr(params, ParamKeep, 10)
		if err != nil {
			return nil, err
		}
		t.checkpoint, err = checkpoints.Build(ctx).Dir(checkpointDir).Keep(keep).Immediate().Done()
		if err != nil {
			return nil, errors.WithMessagef(err, "failed to build checkpoint in %q", checkpointDir)
		}
	}
	if err = parameters.ApplyToContext("trainer", params, ctx); err != nil {
		return nil, err
	}
	if err = parameters.CheckAllUsed("trainer", params); err != nil {
		return nil, err
	}
	t.ctx = ctx.Checked(false)
	t.model, err = crgnn.NewFromContext(t.ctx)
	if err != nil {
		return nil, err
	}
	modelConfig := t.model.Config()
	if adjacency == nil {
		return nil, errors.New("trainer requires an adjacency matrix")
	}
	if dims := adjacency.Shape().Dimensions; len(dims) != 2 || dims[0] != modelConfig.NumNodes || dims[1] != modelConfig.NumNodes {
		return nil, errors.Errorf("adjacency shaped %s, but model has %d nodes", adjacency.Shape(), modelConfig.NumNodes)
	}
	t.config, err = ConfigFromContext(t.ctx, modelConfig.Horizon)
	if err != nil {
		return nil, err
	}
	t.driver = forecast.New(t.model)
	t.optimizer, err = optim.New(t.config.Method, t.config.NewSchedule(), t.config.WeightDecay, t.config.Clip)
	if err != nil {
		return nil, err
	}
	t.session = NewSession(t.config.CL, t.config.StepSize, t.config.SeqOutLen)
	t.restoreSession()
	t.backend = getBackend(modelConfig.Device)

	t.trainExec = context.NewExec(t.backend, t.ctx, t.trainStepGraph)
	t.evalExec = context.NewExec(t.backend, t.ctx, t.evalGraph)
	return t, nil
}

// trainStepGraph takes x, real, predTime, adjacency and the task level, and returns the loss and the
// gradient norm.
func (t *Trainer) trainStepGraph(ctx *context.Context, inputs []*graph.Node) []*graph.Node {
	x, real, predTime, adjacency, taskLevel := inputs[0], inputs[1], inputs[2], inputs[3], inputs[4]
	g := x.Graph()
	ctx.SetTraining(g, true)
	predict := t.scaler.InverseTransformGraph(t.driver.Graph(ctx, x, adjacency, predTime))
	real = t.scaler.InverseTransformGraph(real)
	losses.AssertSameShape(predict, real)
	loss := losses.CurriculumMAE(predict, real, taskLevel, t.config.NullValue())
	t.optimizer.UpdateGraph(ctx, g, loss)
	train.ExecPerStepUpdateGraphFn(ctx, g)
	return []*graph.Node{loss, t.optimizer.GradNormGraph(g)}
}

// evalGraph takes x, real, predTime, adjacency and the number of examples used in the batch, and returns
// the loss over the full horizon of the used examples plus the inverse transformed predictions and targets.
func (t *Trainer) evalGraph(ctx *context.Context, inputs []*graph.Node) []*graph.Node {
	x, real, predTime, adjacency, usedBatchSize := inputs[0], inputs[1], inputs[2], inputs[3], inputs[4]
	g := x.Graph()
	ctx.SetTraining(g, false)
	predict := t.scaler.InverseTransformGraph(t.driver.Graph(ctx, x, adjacency, predTime))
	real = t.scaler.InverseTransformGraph(real)
	losses.AssertSameShape(predict, real)
	weights := graph.Mul(losses.NullMask(real, t.config.NullValue()), losses.BatchMask(real, usedBatchSize))
	loss := losses.MaskedMAE(predict, real, weights)
	return []*graph.Node{loss, predict, real}
}

func (t *Trainer) donate(inputs ...*tensors.Tensor) []any {
	return generics.SliceMap(inputs, func(x *tensors.Tensor) any {
		return graph.DonateTensorBuffer(x, t.backend)
	})
}

// Train runs one training step on the batch and returns its loss.
//
// input is shaped [batch, window, num_nodes, input_dim], real [batch, horizon, num_nodes, output_dim]
// (both normalized by the scaler) and predTime [batch, horizon]. The input tensors are donated, and can't
// be used after the call.
//
// If the step fails, the session is left as it was before the call.
func (t *Trainer) Train(input, real, predTime *tensors.Tensor) (loss float32, err error) {
	previous := *t.session
	if t.session.Advance() {
		klog.V(1).Infof("Iteration %d: curriculum task level %d", t.session.Iter, t.session.TaskLevel)
	}
	taskLevel := int32(t.session.LossLevel(t.model.Config().Horizon))
	var outputs []*tensors.Tensor
	err = exceptions.TryCatch[error](func() {
		args := append(t.donate(input, real, predTime), t.adjacency, taskLevel)
		outputs = t.trainExec.Call(args...)
	})
	if err != nil {
		*t.session = previous
		return 0, errors.WithMessagef(err, "training step %d failed", t.session.Iter)
	}
	loss = tensors.ToScalar[float32](outputs[0])
	t.gradNorm = tensors.ToScalar[float32](outputs[1])
	t.session.Finish()
	return loss, nil
}

// Eval returns the loss over the full horizon, and the inverse transformed predictions and targets,
// for the batch. It doesn't change the model. The input tensors are donated, see Train.
//
// Only the first numExamples of the batch count for the loss, the others are padding. The predictions
// and targets include the padding.
func (t *Trainer) Eval(input, real, predTime *tensors.Tensor, numExamples int) (loss float32, predict, target *tensors.Tensor, err error) {
	var outputs []*tensors.Tensor
	err = exceptions.TryCatch[error](func() {
		args := append(t.donate(input, real, predTime), t.adjacency, int32(numExamples))
		outputs = t.evalExec.Call(args...)
	})
	if err != nil {
		return 0, nil, nil, errors.WithMessage(err, "evaluation failed")
	}
	return tensors.ToScalar[float32](outputs[0]), outputs[1], outputs[2], nil
}

// EpochEnd advances the learning rate schedule with the validation loss of the epoch.
func (t *Trainer) EpochEnd(valLoss float64, epoch int) {
	t.optimizer.UpdateLearningRate(t.ctx, valLoss, epoch)
}

// Save the model, optimizer and session to the checkpoint, if one is configured.
func (t *Trainer) Save() error {
	if t.checkpoint == nil {
		klog.Warningf("Trainer is not associated to a checkpoint directory, not saving")
		return nil
	}
	sessionCtx := t.ctx.In(sessionScope)
	sessionCtx.SetParam("iter", t.session.Iter)
	sessionCtx.SetParam("task_level", t.session.TaskLevel)
	if err := t.checkpoint.Save(); err != nil {
		return errors.WithMessagef(err, "failed to save checkpoint to %q", t.checkpoint.Dir())
	}
	klog.V(1).Infof("Saved checkpoint to %s (iteration %d)", t.checkpoint.Dir(), t.session.Iter)
	return nil
}

// restoreSession reads the session counters saved in the context, if any.
func (t *Trainer) restoreSession() {
	sessionCtx := t.ctx.In(sessionScope)
	t.session.Iter = context.GetParamOr(sessionCtx, "iter", t.session.Iter)
	t.session.TaskLevel = context.GetParamOr(sessionCtx, "task_level", t.session.TaskLevel)
	if t.session.CL {
		t.session.CLDone = t.session.TaskLevel > t.session.SeqOutLen
	}
}

// Context holding the model and the optimizer variables and the hyperparameters.
func (t *Trainer) Context() *context.Context { return t.ctx }

// Model being trained.
func (t *Trainer) Model() *crgnn.CRGNN { return t.model }

// Session returns the training counters.
func (t *Trainer) Session() *Session { return t.session }

// Config returns the training hyperparameters.
func (t *Trainer) Config() Config { return t.config }

// Optimizer used in training.
func (t *Trainer) Optimizer() *optim.Optim { return t.optimizer }

// LearningRate used by the last training step, or the initial one if there was none.
func (t *Trainer) LearningRate() float64 {
	if lr, found := optim.LearningRateValue(t.ctx); found {
		return lr
	}
	return t.optimizer.LearningRate()
}

// GradNorm returns the norm of the gradients of the last training step, before clipping.
func (t *Trainer) GradNorm() float32 { return t.gradNorm }

// String implements fmt.Stringer.
func (t *Trainer) String() string {
	if t.checkpoint == nil {
		return fmt.Sprintf("CRGNN[%d layers, rf=%d]", t.model.NumLayers(), t.model.ReceptiveField())
	}
	return fmt.Sprintf("CRGNN[%d layers, rf=%d]@%s", t.model.NumLayers(), t.model.ReceptiveField(), t.checkpoint.Dir())
}

// HyperparametersHelp lists the hyperparameters and their current values.
func HyperparametersHelp() string {
	ctx := context.New()
	ctx.SetParams(crgnn.DefaultParams())
	ctx.SetParams(optim.DefaultParams())
	ctx.SetParams(DefaultParams())
	buf := &bytes.Buffer{}
	_, _ = fmt.Fprintf(buf, "Hyperparameters:\n")
	params := make(map[string]any)
	ctx.EnumerateParams(func(scope, key string, value any) {
		if scope == context.RootScope {
			params[key] = value
		}
	})
	for key := range generics.SortedKeys(params) {
		_, _ = fmt.Fprintf(buf, "\t%q: default value is %v\n", key, params[key])
	}
	return buf.String()
}

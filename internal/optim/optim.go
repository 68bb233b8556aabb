// Package optim implements the optimizers used to train the forecasting models: one of
// "sgd", "adagrad", "adadelta" or "adam", with L2 weight decay and optional gradient norm clipping,
// and a pluggable learning rate Schedule.
//
// Optim implements GoMLX optimizers.Interface, so it is used in a training step like any GoMLX optimizer.
// The optimizer state is stored as non-trainable variables of the context, under StateScope, and the
// learning rate and global step in the variables of GoMLX optimizers package, so they are all saved
// along with the checkpoints.
package optim

import (
	"strings"
	"sync"

	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/context/initializers"
	"github.com/gomlx/gomlx/ml/train/optimizers"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/lzhmarkk/SimMST/internal/generics"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Method of optimization.
type Method string

const (
	SGD      Method = "sgd"
	Adagrad  Method = "adagrad"
	Adadelta Method = "adadelta"
	Adam     Method = "adam"
)

// Methods lists all valid optimization methods.
var Methods = []Method{SGD, Adagrad, Adadelta, Adam}

// ParseMethod returns the Method named by s. An unknown method is an error.
func ParseMethod(s string) (Method, error) {
	for _, m := range Methods {
		if string(m) == strings.ToLower(s) {
			return m, nil
		}
	}
	return "", errors.Errorf("invalid optimization method %q, valid values are %v", s, Methods)
}

// Hyperparameters of the methods, read from the context at graph building time. The Adam epsilon uses
// optimizers.ParamAdamEpsilon, shared with the GoMLX Adam.
const (
	ParamAdamBeta1       = "adam_beta1"
	ParamAdamBeta2       = "adam_beta2"
	ParamAdagradEpsilon  = "adagrad_epsilon"
	ParamAdadeltaRho     = "adadelta_rho"
	ParamAdadeltaEpsilon = "adadelta_epsilon"
)

// DefaultParams returns the defaults of the method hyperparameters, the same as the usual implementations.
func DefaultParams() map[string]any {
	return map[string]any{
		ParamAdagradEpsilon:         1e-10,
		ParamAdadeltaRho:            0.9,
		ParamAdadeltaEpsilon:        1e-6,
		ParamAdamBeta1:              0.9,
		ParamAdamBeta2:              0.999,
		optimizers.ParamAdamEpsilon: 1e-8,
	}
}

// clipEpsilon is added to the gradient norm when computing the clipping coefficient.
const clipEpsilon = 1e-6

// StateScope is the absolute scope where the optimizer state variables are stored.
// The learning rate and the global step are the ones of GoMLX optimizers package.
const StateScope = "/optim"

// Optim is a gradient descent optimizer with a learning rate Schedule.
// It implements optimizers.Interface.
type Optim struct {
	method      Method
	weightDecay float64
	clip        float64
	schedule    Schedule

	mu        sync.Mutex
	gradNorms map[*Graph]*Node
}

// Assert Optim is a GoMLX optimizer.
var _ optimizers.Interface = (*Optim)(nil)

// New creates an optimizer for the given method.
// weightDecay is the L2 regularization factor added to the gradients, and clip is the maximum global norm
// of the gradients: if clip <= 0, gradients are not clipped.
func New(method Method, schedule Schedule, weightDecay, clip float64) (*Optim, error) {
	if _, err := ParseMethod(string(method)); err != nil {
		return nil, err
	}
	if schedule == nil {
		return nil, errors.New("optim.New requires a learning rate schedule")
	}
	return &Optim{
		method:      method,
		weightDecay: weightDecay,
		clip:        clip,
		schedule:    schedule,
		gradNorms:   make(map[*Graph]*Node),
	}, nil
}

// Method returns the optimization method.
func (o *Optim) Method() Method { return o.method }

// Schedule returns the learning rate schedule.
func (o *Optim) Schedule() Schedule { return o.schedule }

// LearningRate returns the current learning rate.
func (o *Optim) LearningRate() float64 { return o.schedule.LearningRate() }

// stateCtx returns the context where the optimizer state for a variable in the given scope is stored.
func stateCtx(ctx *context.Context, scope string) *context.Context {
	if scope != context.RootScope {
		scope = StateScope + scope
	} else {
		scope = StateScope
	}
	return ctx.InAbsPath(scope).Checked(false).WithInitializer(initializers.Zero)
}

// stepVar counts the updates since the last Clear.
func (o *Optim) stepVar(ctx *context.Context) *context.Variable {
	return stateCtx(ctx, context.RootScope).
		VariableWithValue("step", float32(0)).
		SetTrainable(false)
}

// slotVar returns the optimizer state named slot for variable v, initialized with zeros.
func slotVar(ctx *context.Context, v *context.Variable, slot string) *context.Variable {
	return stateCtx(ctx, v.Scope()).
		VariableWithShape(v.Name()+"_"+slot, v.Shape()).
		SetTrainable(false)
}

// UpdateGraph implements optimizers.Interface.
// It updates every trainable variable used in the graph g, by the gradient of loss.
func (o *Optim) UpdateGraph(ctx *context.Context, g *Graph, loss *Node) {
	if !loss.IsScalar() {
		exceptions.Panicf("optim: loss must be a scalar, got shape %s", loss.Shape())
	}
	dtype := loss.DType()
	var vars []*context.Variable
	ctx.EnumerateVariables(func(v *context.Variable) {
		if v.Trainable && v.InUseByGraph(g) {
			vars = append(vars, v)
		}
	})
	if len(vars) == 0 {
		exceptions.Panicf("optim: no trainable variables used by the graph, nothing to optimize")
	}
	params := generics.SliceMap(vars, func(v *context.Variable) *Node { return v.ValueGraph(g) })
	grads := Gradient(loss, params...)

	norm := GlobalNorm(grads)
	o.mu.Lock()
	o.gradNorms[g] = norm
	o.mu.Unlock()
	if o.clip > 0 {
		coef := MinScalar(Div(Scalar(g, dtype, o.clip), AddScalar(norm, clipEpsilon)), 1)
		grads = generics.SliceMap(grads, func(grad *Node) *Node { return Mul(grad, ConvertDType(coef, grad.DType())) })
	}

	stepVar := o.stepVar(ctx)
	step := AddScalar(stepVar.ValueGraph(g), 1)
	stepVar.SetValueGraph(step)
	optimizers.IncrementGlobalStepGraph(ctx, g, dtype)
	if gs, ok := o.schedule.(GraphSchedule); ok {
		gs.UpdateGraph(ctx, g, dtype)
	}
	lr := optimizers.LearningRateVar(ctx, dtype, o.schedule.LearningRate()).ValueGraph(g)

	adagradEpsilon := context.GetParamOr(ctx, ParamAdagradEpsilon, 1e-10)
	adadeltaRho := context.GetParamOr(ctx, ParamAdadeltaRho, 0.9)
	adadeltaEpsilon := context.GetParamOr(ctx, ParamAdadeltaEpsilon, 1e-6)
	adamBeta1 := context.GetParamOr(ctx, ParamAdamBeta1, 0.9)
	adamBeta2 := context.GetParamOr(ctx, ParamAdamBeta2, 0.999)
	adamEpsilon := context.GetParamOr(ctx, optimizers.ParamAdamEpsilon, 1e-8)

	for ii, v := range vars {
		param, grad := params[ii], grads[ii]
		paramDType := param.DType()
		if o.weightDecay > 0 {
			grad = Add(grad, MulScalar(param, o.weightDecay))
		}
		var delta *Node
		switch o.method {
		case SGD:
			delta = grad
		case Adagrad:
			sumVar := slotVar(ctx, v, "sum")
			sum := Add(sumVar.ValueGraph(g), Square(grad))
			sumVar.SetValueGraph(sum)
			delta = Div(grad, AddScalar(Sqrt(sum), adagradEpsilon))
		case Adadelta:
			squareAvgVar := slotVar(ctx, v, "square_avg")
			accDeltaVar := slotVar(ctx, v, "acc_delta")
			squareAvg := Add(MulScalar(squareAvgVar.ValueGraph(g), adadeltaRho), MulScalar(Square(grad), 1-adadeltaRho))
			accDelta := accDeltaVar.ValueGraph(g)
			delta = Mul(Div(Sqrt(AddScalar(accDelta, adadeltaEpsilon)), Sqrt(AddScalar(squareAvg, adadeltaEpsilon))), grad)
			squareAvgVar.SetValueGraph(squareAvg)
			accDeltaVar.SetValueGraph(Add(MulScalar(accDelta, adadeltaRho), MulScalar(Square(delta), 1-adadeltaRho)))
		case Adam:
			meanVar := slotVar(ctx, v, "m")
			varianceVar := slotVar(ctx, v, "v")
			mean := Add(MulScalar(meanVar.ValueGraph(g), adamBeta1), MulScalar(grad, 1-adamBeta1))
			variance := Add(MulScalar(varianceVar.ValueGraph(g), adamBeta2), MulScalar(Square(grad), 1-adamBeta2))
			meanVar.SetValueGraph(mean)
			varianceVar.SetValueGraph(variance)
			paramStep := ConvertDType(step, paramDType)
			mHat := Div(mean, OneMinus(Pow(Scalar(g, paramDType, adamBeta1), paramStep)))
			vHat := Div(variance, OneMinus(Pow(Scalar(g, paramDType, adamBeta2), paramStep)))
			delta = Div(mHat, AddScalar(Sqrt(vHat), adamEpsilon))
		default:
			exceptions.Panicf("optim: method %q not implemented", o.method)
		}
		v.SetValueGraph(Sub(param, Mul(ConvertDType(lr, paramDType), delta)))
	}
}

// GlobalNorm returns the L2 norm of all the given tensors taken together, as a scalar.
func GlobalNorm(xs []*Node) *Node {
	if len(xs) == 0 {
		exceptions.Panicf("GlobalNorm of no tensors")
	}
	dtype := xs[0].DType()
	var sumSquares *Node
	for _, x := range xs {
		s := ConvertDType(ReduceAllSum(Square(x)), dtype)
		if sumSquares == nil {
			sumSquares = s
		} else {
			sumSquares = Add(sumSquares, s)
		}
	}
	return Sqrt(sumSquares)
}

// GradNormGraph returns the global norm of the gradients (before clipping) computed by UpdateGraph for g,
// or nil if UpdateGraph was not called for g.
func (o *Optim) GradNormGraph(g *Graph) *Node {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.gradNorms[g]
}

// Clear implements optimizers.Interface: it resets the optimizer state (accumulated statistics and step
// count), as if the optimizer was rebuilt. The learning rate and the global step are preserved.
func (o *Optim) Clear(ctx *context.Context) {
	var cleared int
	ctx.EnumerateVariables(func(v *context.Variable) {
		if v.Scope() != StateScope && !strings.HasPrefix(v.Scope(), StateScope+context.ScopeSeparator) {
			return
		}
		v.SetValue(tensors.FromShape(v.Shape()))
		cleared++
	})
	klog.V(2).Infof("optim: cleared %d state variables", cleared)
}

// SetLearningRate writes the schedule's learning rate to the context.
func (o *Optim) SetLearningRate(ctx *context.Context) {
	lr := o.schedule.LearningRate()
	optimizers.LearningRateVar(ctx, dtypes.Float32, lr).SetValue(tensors.FromScalar(float32(lr)))
}

// UpdateLearningRate is called at the end of each epoch with the validation metric (perplexity) of the epoch:
// it advances the schedule, writes the new learning rate to the context and, if the schedule requests,
// rebuilds the optimizer state.
//
// A GraphSchedule owns the learning rate variable, so it is not written.
func (o *Optim) UpdateLearningRate(ctx *context.Context, metric float64, epoch int) {
	previous := o.schedule.LearningRate()
	rebuild := o.schedule.Update(metric, epoch)
	if _, isGraphSchedule := o.schedule.(GraphSchedule); !isGraphSchedule {
		o.SetLearningRate(ctx)
	}
	if rebuild {
		o.Clear(ctx)
	}
	if lr := o.schedule.LearningRate(); lr != previous {
		klog.V(1).Infof("optim: epoch %d learning rate %g -> %g", epoch, previous, lr)
	}
}

// LearningRateValue reads the learning rate stored in the context, as set by the last training step or
// by SetLearningRate. It returns false if no training step was built yet.
func LearningRateValue(ctx *context.Context) (float64, bool) {
	var lr float64
	var found bool
	ctx.EnumerateVariables(func(v *context.Variable) {
		if found || v.Name() != optimizers.ParamLearningRate || v.Scope() == StateScope {
			return
		}
		switch value := v.Value().Value().(type) {
		case float32:
			lr, found = float64(value), true
		case float64:
			lr, found = value, true
		}
	})
	return lr, found
}

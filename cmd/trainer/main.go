// trainer trains a CRGNN forecaster on a synthetic dataset of correlated sensors, and reports the test
// metrics per horizon step.
//
// Each epoch trains over the shuffled training windows, then evaluates the validation windows: the validation
// loss drives the learning rate schedule, early stopping (after -config patience epochs without improvement)
// and the checkpoint saving (on every improvement).
//
// See -help for flags, and -help_params for the hyperparameters accepted by -config.
package main

import (
	"context"
	"flag"
	"fmt"
	"strconv"
	"time"

	"github.com/janpfeifer/must"
	"github.com/lzhmarkk/SimMST/internal/crgnn"
	"github.com/lzhmarkk/SimMST/internal/parameters"
	"github.com/lzhmarkk/SimMST/internal/profilers"
	"github.com/lzhmarkk/SimMST/internal/synthetic"
	"github.com/lzhmarkk/SimMST/internal/trainer"
	"github.com/lzhmarkk/SimMST/internal/ui/spinning"
	"k8s.io/klog/v2"
)

var (
	flagConfig = flag.String("config", "", "Model and training hyperparameters, as a comma separated "+
		"list of key=value, e.g.: \"layers=3,learning_rate=0.001,temporal_func=mlp\". See -help_params.")
	flagHelpParams = flag.Bool("help_params", false, "Print the hyperparameters accepted by -config and exit.")
	flagEpochs     = flag.Int("epochs", 20, "Maximum number of epochs to train.")
	flagBatchSize  = flag.Int("batch_size", 32, "Batch size for training and evaluation.")
	flagCheckpoint = flag.String("checkpoint", "", "Directory where to load and save the model. "+
		"If empty the model is not saved.")
	flagSeed     = flag.Uint64("seed", 42, "Seed of the synthetic dataset and of the shuffling of the batches.")
	flagNumNodes = flag.Int("num_nodes", 8, "Number of sensors of the synthetic dataset.")
	flagNumSteps = flag.Int("num_steps", 2880, "Number of time steps of the synthetic dataset.")
	flagNoise    = flag.Float64("noise", 1, "Standard deviation of the noise of the synthetic dataset.")
	flagTrain    = flag.Float64("train_ratio", 0.7, "Ratio of the windows used for training.")
	flagVal      = flag.Float64("val_ratio", 0.1, "Ratio of the windows used for validation, the rest is test.")
)

// globalCtx is cancelled on interrupt (Ctrl+C) or at the end of the program.
var globalCtx = context.Background()

func main() {
	klog.InitFlags(nil)
	flag.Parse()
	if *flagHelpParams {
		fmt.Print(trainer.HyperparametersHelp())
		return
	}

	var globalCancel func()
	globalCtx, globalCancel = context.WithCancel(context.Background())
	spinning.SafeInterrupt(globalCancel, 10*time.Second)
	defer globalCancel()

	profilers.Setup(globalCtx)
	defer profilers.OnQuit()

	cfg := synthetic.DefaultConfig()
	cfg.NumNodes = *flagNumNodes
	cfg.NumSteps = *flagNumSteps
	cfg.Noise = float32(*flagNoise)
	cfg.Seed = *flagSeed
	ds := must.M1(synthetic.Generate(cfg))

	params := parameters.NewFromConfigString(*flagConfig)
	if _, found := params[crgnn.ParamNumNodes]; !found {
		params[crgnn.ParamNumNodes] = strconv.Itoa(ds.NumNodes)
	}
	defaults := crgnn.DefaultParams()
	window := must.M1(parameters.GetParamOr(params, crgnn.ParamWindow, defaults[crgnn.ParamWindow].(int)))
	horizon := must.M1(parameters.GetParamOr(params, crgnn.ParamHorizon, defaults[crgnn.ParamHorizon].(int)))
	splits := must.M1(ds.Split(window, horizon, float32(*flagTrain), float32(*flagVal)))
	fmt.Printf("Synthetic dataset: %d sensors, %d steps, %d/%d/%d train/validation/test windows\n",
		ds.NumNodes, len(ds.Values), splits.Train.Len(), splits.Val.Len(), splits.Test.Len())

	if _, found := params[trainer.ParamStepsPerEpoch]; !found {
		params[trainer.ParamStepsPerEpoch] = strconv.Itoa(splits.Train.NumBatches(*flagBatchSize))
	}
	t, err := trainer.New(params, splits.Scaler, ds.AdjacencyTensor(), *flagCheckpoint)
	if err != nil {
		klog.Fatalf("Failed to create trainer: %+v", err)
	}
	fmt.Printf("Model: %s\n", t)
	must.M(run(globalCtx, t, splits))
}

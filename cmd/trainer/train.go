package main

import (
	"context"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/chewxy/math32"
	"github.com/lzhmarkk/SimMST/internal/metrics"
	"github.com/lzhmarkk/SimMST/internal/synthetic"
	"github.com/lzhmarkk/SimMST/internal/trainer"
	"github.com/lzhmarkk/SimMST/internal/ui/report"
	"github.com/lzhmarkk/SimMST/internal/ui/spinning"
	"github.com/pkg/errors"
)

const averageLossDecay = 0.95

// run the training epochs, with validation and early stopping, and then reports the test metrics.
// If ctx is cancelled, it returns early without an error.
func run(ctx context.Context, t *trainer.Trainer, splits *synthetic.Splits) error {
	rng := rand.New(rand.NewPCG(*flagSeed, 0x5eed))
	patience := t.Config().Patience
	bestValLoss := math32.Inf(1)
	var epochsWithoutImprovement int
	for epoch := range *flagEpochs {
		start := time.Now()
		trainLoss, err := trainEpoch(ctx, t, splits.Train, rng)
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return nil
		}
		valLoss, _, err := evaluate(ctx, t, splits.Val, "Validation", nil)
		if err != nil || ctx.Err() != nil {
			return err
		}
		t.EpochEnd(float64(valLoss), epoch)
		summary := report.Epoch{
			Epoch:        epoch,
			TrainLoss:    trainLoss,
			ValLoss:      valLoss,
			LearningRate: t.LearningRate(),
			TaskLevel:    t.Session().TaskLevel,
			Elapsed:      time.Since(start),
			Improved:     valLoss < bestValLoss,
		}
		fmt.Println(summary.Line())
		if summary.Improved {
			bestValLoss = valLoss
			epochsWithoutImprovement = 0
			if err := t.Save(); err != nil {
				return err
			}
		} else {
			epochsWithoutImprovement++
			if patience > 0 && epochsWithoutImprovement >= patience {
				fmt.Printf("Early stopping: no improvement in the last %d epochs.\n", patience)
				break
			}
		}
	}

	var nullValue *float32
	if t.Config().Mask {
		nullValue = new(float32)
	}
	acc := metrics.NewAccumulator(nullValue)
	if _, _, err := evaluate(ctx, t, splits.Test, "Test", acc); err != nil || ctx.Err() != nil {
		return err
	}
	fmt.Println()
	report.PrintCentered(report.Metrics("Test metrics", acc.Report()))
	return nil
}

// trainEpoch trains over all the windows, shuffled, and returns the moving average of the loss.
func trainEpoch(ctx context.Context, t *trainer.Trainer, windows *synthetic.Windows, rng *rand.Rand) (float32, error) {
	batches, err := windows.Batches(ctx, *flagBatchSize, rng)
	if err != nil {
		return 0, err
	}
	start := time.Now()
	var averageLoss float32
	printUpdate := func(step int) {
		fmt.Printf("\r\tTraining: %4d/%d steps, ~loss=%.3f, |grad|=%.3f, elapsed=%s\x1b[0K",
			step, len(batches), averageLoss, t.GradNorm(), time.Since(start).Round(time.Millisecond))
	}
	for ii, b := range batches {
		if ctx.Err() != nil {
			break
		}
		loss, err := t.Train(b.Input, b.Target, b.PredTime)
		if err != nil {
			fmt.Println()
			return 0, err
		}
		averageLoss = movingAverage(averageLoss, loss, averageLossDecay, ii+1)
		printUpdate(ii + 1)
	}
	fmt.Print("\r\x1b[0K")
	return averageLoss, nil
}

// evaluate the windows and return the mean loss over the samples, and the number of samples.
// The padding of the last batch is not counted.
// If acc is not nil, predictions and targets are added to it.
func evaluate(ctx context.Context, t *trainer.Trainer, windows *synthetic.Windows, label string,
	acc *metrics.Accumulator) (float32, int, error) {
	spinner := spinning.New(ctx, fmt.Sprintf("\t%s:", label))
	defer spinner.Done()
	batches, err := windows.Batches(ctx, *flagBatchSize, nil)
	if err != nil {
		return 0, 0, err
	}
	var sumLoss float32
	var count int
	for _, b := range batches {
		if ctx.Err() != nil {
			return 0, 0, nil
		}
		loss, predict, target, err := t.Eval(b.Input, b.Target, b.PredTime, b.Size)
		if err != nil {
			return 0, 0, err
		}
		sumLoss += loss * float32(b.Size)
		count += b.Size
		if acc != nil {
			if err := acc.AddExamples(predict, target, b.Size); err != nil {
				return 0, 0, errors.WithMessagef(err, "%s metrics", label)
			}
		}
	}
	if count == 0 {
		return 0, 0, errors.Errorf("no %s windows to evaluate", label)
	}
	return sumLoss / float32(count), count, nil
}

// movingAverage, where the decay is limited by the count, so the first values are weighted evenly.
func movingAverage(average, newValue, decay float32, count int) float32 {
	decay = min(1-1/float32(count), decay)
	return average*decay + (1-decay)*newValue
}

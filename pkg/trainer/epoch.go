package trainer

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/jguan/vitune/pkg/infra/logger"
)

// StepsPerEpoch is the length of the shortest stream; longer streams are
// truncated.
func StepsPerEpoch(streams []Stream) int {
	if len(streams) == 0 {
		return 0
	}
	n := streams[0].Len()
	for _, s := range streams[1:] {
		n = min(n, s.Len())
	}
	return n
}

func (t *Trainer) runEpoch(ctx context.Context, epoch int) error {
	numSteps := StepsPerEpoch(t.streams)
	log := logger.WithContext(ctx)
	log.Info("epoch started", "epoch", epoch, "steps", numSteps)

	iters := make([]Iterator, len(t.streams))
	for i, s := range t.streams {
		iters[i] = s.Iterate(ctx)
	}

	rs := t.state
	rs.Epoch = epoch
	batches := make([]Batch, len(iters))
	for step := 0; step < numSteps; step++ {
		for i, it := range iters {
			b, err := it.Next(ctx)
			if errors.Is(err, io.EOF) {
				return fmt.Errorf("stream %s ended after %d of %d steps", t.streams[i].Name(), step, numSteps)
			}
			if err != nil {
				return fmt.Errorf("read stream %s: %w", t.streams[i].Name(), err)
			}
			batches[i] = b
		}
		rs.DataLoaded()

		rs.Step = step
		rs.GlobalStep = int64(step) + int64(epoch)*int64(numSteps)
		t.sync.Accumulate(step == numSteps-1)

		loss, err := t.exec.Step(ctx, batches)
		if err != nil {
			return fmt.Errorf("epoch %d step %d: %w", epoch, step, err)
		}

		if t.opts.LoggingSteps > 0 && (step+1)%t.opts.LoggingSteps == 0 && t.sync.IsMainProcess() {
			fmt.Fprintf(t.out, "Step %d/%d of epoch %d/%d complete. Loss: %.3f\n",
				step+1, numSteps, epoch+1, t.opts.NumEpochs, loss)
		}
	}
	return nil
}

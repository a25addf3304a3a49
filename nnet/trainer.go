package nnet

import (
	"context"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/jnb666/robustnet/num"
	"github.com/jnb666/robustnet/stats"
	"github.com/pkg/errors"
	"go.uber.org/atomic"
)

// Training statistics for one epoch. Accuracies are percentages and losses are the sum of the batch
// mean losses.
type Stats struct {
	Epoch       int
	Eta         float64
	TrainLoss   float64
	TrainAcc    float64
	TestLoss    float64
	TestAcc     float64
	AdvAcc      float64
	MaskBalance float64
	Best        float64
	IsBest      bool
	Elapsed     time.Duration
}

// StatsHeaders returns the column names for Format.
func StatsHeaders() []string {
	return []string{"eta", "train loss", "train acc", "test loss", "test acc", "adv acc", "mask"}
}

func (s Stats) Format() []string {
	return []string{
		fmt.Sprintf("%.4g", s.Eta),
		fmt.Sprintf("%8.3f", s.TrainLoss),
		fmt.Sprintf("%6.2f%%", s.TrainAcc),
		fmt.Sprintf("%8.3f", s.TestLoss),
		fmt.Sprintf("%6.2f%%", s.TestAcc),
		fmt.Sprintf("%6.2f%%", s.AdvAcc),
		fmt.Sprintf("%.4f", s.MaskBalance),
	}
}

func (s Stats) String() string {
	msg := fmt.Sprintf("epoch %3d:", s.Epoch)
	for i, val := range s.Format() {
		msg += fmt.Sprintf("  %s =%s", StatsHeaders()[i], val)
	}
	if s.IsBest {
		msg += " *"
	}
	return msg
}

// Progress is updated by the trainer and may be read concurrently. Loss is a moving average of the
// training batch loss over the last LossWindow batches.
type Progress struct {
	Epoch   atomic.Int64
	Batch   atomic.Int64
	Batches atomic.Int64
	Phase   atomic.String
	Running atomic.Bool
	Loss    atomic.Float64
}

const LossWindow = 20

// EvalResult holds the results from evaluating a data set.
type EvalResult struct {
	Samples     int
	Clean       float64
	Robust      float64
	Loss        float64
	MaskBalance float64
}

// Trainer runs the training and evaluation loop. It owns the network while running.
type Trainer struct {
	Net      *Network
	Train    *Dataset
	Test     *Dataset
	Valid    *Dataset
	Sink     CheckpointSink
	Log      *Recorder
	Opt      SGD
	Schedule StepSchedule
	Epoch    int
	Best     float64
	Progress Progress
	OnEpoch  func(Stats)
	queue    num.Queue
	rng      *rand.Rand
	loss     Loss
	stats    []Stats
	mu       sync.Mutex
}

// NewTrainer creates a new trainer for the network using the settings from its config.
func NewTrainer(q num.Queue, net *Network, train, test *Dataset, rng *rand.Rand) (*Trainer, error) {
	switch net.Mode {
	case Natural, Adversarial:
	case AdversarialMask, Trades:
		if !net.HasFilter() {
			return nil, errors.Errorf("training mode %s requires a model with a frequency module", net.Mode)
		}
	default:
		return nil, errors.Errorf("invalid training mode %q", net.Mode)
	}
	switch net.Eval {
	case EvalClean, EvalRobust, EvalValid, EvalPGD, EvalPlain:
	default:
		return nil, errors.Errorf("invalid evaluation mode %q", net.Eval)
	}
	t := &Trainer{
		Net:      net,
		Train:    train,
		Test:     test,
		Opt:      NewSGD(net.Config),
		Schedule: net.Schedule(),
		queue:    q,
		rng:      rng,
		loss:     Loss{Classes: net.Data.NumClass},
	}
	if train != nil {
		train.Shuffle = net.Shuffle
		train.Augment = net.Augment
	}
	return t, nil
}

// Resume restores the network and training state from a checkpoint. Training continues from the next epoch.
func (t *Trainer) Resume(c *Checkpoint) error {
	if err := t.Net.Restore(t.queue, c.Model); err != nil {
		return err
	}
	t.Epoch = c.Epoch + 1
	t.Best = c.Best
	return nil
}

// Stats returns a copy of the stats for each completed epoch.
func (t *Trainer) Stats() []Stats {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]Stats{}, t.stats...)
}

func (t *Trainer) logf(format string, args ...interface{}) error {
	if t.Log != nil {
		return t.Log.Printf(format, args...)
	}
	fmt.Printf(format+"\n", args...)
	return nil
}

// Run trains the network from the current epoch up to MaxEpoch, evaluating after each epoch.
// If the context is cancelled it stops at the next batch and returns the context error.
func (t *Trainer) Run(ctx context.Context) error {
	t.Progress.Running.Store(true)
	defer t.Progress.Running.Store(false)
	for epoch := t.Epoch; epoch < t.Net.MaxEpoch; epoch++ {
		start := time.Now()
		s := Stats{Epoch: epoch, Eta: t.Schedule.Rate(epoch)}
		var err error
		if s.TrainAcc, s.TrainLoss, err = t.TrainEpoch(ctx, epoch, s.Eta); err != nil {
			return err
		}
		if err = t.TestEpoch(ctx, epoch, &s); err != nil {
			return err
		}
		s.Elapsed = time.Since(start)
		t.Epoch = epoch + 1
		t.mu.Lock()
		t.stats = append(t.stats, s)
		t.mu.Unlock()
		if err = t.logf("%s  [%s]", s, s.Elapsed.Round(10*time.Millisecond)); err != nil {
			return err
		}
		if t.OnEpoch != nil {
			t.OnEpoch(s)
		}
	}
	return nil
}

func (t *Trainer) startPhase(name string, epoch, batches int) {
	t.Progress.Phase.Store(name)
	t.Progress.Epoch.Store(int64(epoch))
	t.Progress.Batches.Store(int64(batches))
	t.Progress.Batch.Store(0)
}

// TrainEpoch performs one training epoch with learning rate eta and returns the accuracy on the inputs used
// for training and the sum of the batch losses.
func (t *Trainer) TrainEpoch(ctx context.Context, epoch int, eta float64) (acc, loss float64, err error) {
	q, net := t.queue, t.Net
	d := t.Train
	t.startPhase("train", epoch, d.Batches)
	if net.DebugLevel >= 1 {
		fmt.Printf("== train epoch %d: mode=%s eta=%g ==\n", epoch, net.Mode, eta)
	}
	var count stats.Counter
	avgLoss := stats.EMA(t.Progress.Loss.Load())
	d.NextEpoch()
	for batch := 0; batch < d.Batches; batch++ {
		x, y := d.NextBatch()
		if err = ctx.Err(); err != nil {
			return 0, 0, err
		}
		if err = net.CheckInput(x.Dims()); err != nil {
			return 0, 0, err
		}
		var correct int
		var batchLoss float64
		switch net.Mode {
		case Natural:
			correct, batchLoss = t.trainBatch(x, y)
		case Adversarial:
			correct, batchLoss = t.trainBatch(t.attack(x, y), y)
		case AdversarialMask:
			correct, batchLoss, err = t.trainMaskBatch(t.attack(x, y), y)
		case Trades:
			correct, batchLoss, err = t.tradesBatch(x, t.attack(x, y), y)
		}
		if err != nil {
			return 0, 0, err
		}
		t.Opt.Step(q, net.Params(), eta)
		q.Finish()
		count.Add(correct, y.Size(), batchLoss)
		avgLoss = stats.EMA(avgLoss.Add(batchLoss, LossWindow))
		t.Progress.Loss.Store(float64(avgLoss))
		t.Progress.Batch.Store(int64(batch + 1))
		if net.DebugLevel >= 2 {
			fmt.Printf("batch %d: loss=%.4f avg=%.4f correct=%d/%d\n", batch, batchLoss, avgLoss, correct, y.Size())
		}
	}
	return count.Accuracy(), count.Loss, nil
}

// adversarial examples for training use the batch statistics without updating the running averages
func (t *Trainer) attack(x, y num.Array) num.Array {
	return t.Net.TrainAttack().Generate(t.queue, t.Net, x, y, Attack, t.rng)
}

// cross entropy loss, with label smoothing if enabled
func (t *Trainer) trainBatch(x, y num.Array) (correct int, loss float64) {
	q, net := t.queue, t.Net
	net.ZeroGrads(q)
	logits := net.Fprop(q, x, Train)
	t.loss.Smoothing = net.Smoothing()
	loss, correct, grad := t.loss.CrossEntropy(q, logits, y)
	net.Bprop(q, grad, nil, true)
	return correct, loss
}

// cross entropy loss plus the weighted mask penalty
func (t *Trainer) trainMaskBatch(x, y num.Array) (correct int, loss float64, err error) {
	q, net := t.queue, t.Net
	net.ZeroGrads(q)
	logits, mask := net.FpropMask(q, x, Train)
	t.loss.Smoothing = net.Smoothing()
	loss, correct, grad := t.loss.CrossEntropy(q, logits, y)
	dmask, penalty, err := t.maskPenalty(mask)
	if err != nil {
		return 0, 0, err
	}
	net.Bprop(q, grad, dmask, true)
	return correct, loss + penalty, nil
}

// natural cross entropy + beta * KL(natural || adversarial) + weighted mask penalty. Accuracy is
// measured on the adversarial examples.
func (t *Trainer) tradesBatch(x, adv, y num.Array) (correct int, loss float64, err error) {
	q, net := t.queue, t.Net
	k := net.Data.NumClass
	net.ZeroGrads(q)
	advLogits, mask := net.FpropMask(q, adv, Train)
	advOut := readFloats(q, advLogits)
	dmask, penalty, err := t.maskPenalty(mask)
	if err != nil {
		return 0, 0, err
	}
	natOut := readFloats(q, net.Fprop(q, x, Train))
	labels := readLabels(q, y)
	dNat := make([]float32, len(natOut))
	dAdv := make([]float32, len(advOut))
	loss = CrossEntropy(natOut, Labels(labels, k, 0), k, dNat)
	loss += net.Beta * KLDivergence(natOut, advOut, k, net.Beta, dNat, dAdv)
	loss += penalty
	// the mask does not depend on the input so its gradient can be applied on either pass
	grad := q.NewArray(num.Float32, len(labels), k)
	q.Call(num.Write(grad, dNat))
	net.Bprop(q, grad, dmask, true)
	net.Fprop(q, adv, Attack)
	q.Call(num.Write(grad, dAdv))
	net.Bprop(q, grad, nil, true)
	return Correct(advOut, labels, k), loss, nil
}

func (t *Trainer) maskPenalty(mask num.Array) (dmask num.Array, penalty float64, err error) {
	q, net := t.queue, t.Net
	m := readFloats(q, mask)
	dm := make([]float32, len(m))
	if penalty, err = MaskPenalty(m, mask.Dims(), net.MaskRatio, net.MaskWeight, dm); err != nil {
		return nil, 0, err
	}
	dmask = q.NewArray(num.Float32, mask.Dims()...)
	q.Call(num.Write(dmask, dm))
	return dmask, net.MaskWeight * penalty, nil
}

// Evaluate computes the accuracy on the clean inputs and on adversarial examples generated with the given
// attack. If clean is false only the adversarial accuracy is calculated. The network is not updated.
func (t *Trainer) Evaluate(ctx context.Context, d *Dataset, attack PGD, clean bool) (res EvalResult, err error) {
	q, net := t.queue, t.Net
	var cleanCount, advCount stats.Counter
	var balance stats.Average
	d.NextEpoch()
	for batch := 0; batch < d.Batches; batch++ {
		x, y := d.NextBatch()
		if err = ctx.Err(); err != nil {
			return res, err
		}
		if err = net.CheckInput(x.Dims()); err != nil {
			return res, err
		}
		adv := attack.Generate(q, net, x, y, Eval, t.rng)
		_, correct, _ := t.evalLoss(net.Fprop(q, adv, Eval), y)
		advCount.Add(correct, y.Size(), 0)
		if clean {
			logits, mask := net.FpropMask(q, x, Eval)
			loss, correct, _ := t.evalLoss(logits, y)
			cleanCount.Add(correct, y.Size(), loss)
			if mask != nil {
				balance.Add(MaskBalance(readFloats(q, mask), mask.Dims(), net.MaskRatio))
			}
		}
		t.Progress.Batch.Store(int64(batch + 1))
	}
	res = EvalResult{
		Samples:     advCount.Total,
		Clean:       cleanCount.Accuracy(),
		Robust:      advCount.Accuracy(),
		Loss:        cleanCount.Loss,
		MaskBalance: balance.Mean,
	}
	return res, nil
}

func (t *Trainer) evalLoss(logits, y num.Array) (float64, int, num.Array) {
	t.loss.Smoothing = 0
	return t.loss.CrossEntropy(t.queue, logits, y)
}

// TestEpoch evaluates the network after a training epoch according to the Eval setting, updates the stats
// and saves a checkpoint:
//
//	clean:  test set, best checkpoint by clean accuracy
//	robust: test set, best checkpoint by adversarial accuracy
//	valid:  validation set (or test set) with ADV.PGDValid iterations, best by adversarial accuracy
//	pgd:    adversarial accuracy on the test set only, no checkpoint
//	plain:  clean and adversarial accuracy on the test set, no checkpoint
func (t *Trainer) TestEpoch(ctx context.Context, epoch int, s *Stats) error {
	net := t.Net
	d, iters := t.Test, net.ADV.PGDAttackTest
	if net.Eval == EvalValid {
		iters = net.ADV.PGDValid
		if t.Valid != nil {
			d = t.Valid
		}
	}
	if d == nil {
		return nil
	}
	t.startPhase(net.Eval, epoch, d.Batches)
	res, err := t.Evaluate(ctx, d, net.TestAttack(iters), net.Eval != EvalPGD)
	if err != nil {
		return err
	}
	s.TestLoss, s.TestAcc, s.AdvAcc, s.MaskBalance = res.Loss, res.Clean, res.Robust, res.MaskBalance
	var metric float64
	switch net.Eval {
	case EvalClean:
		metric = res.Clean
	case EvalRobust, EvalValid:
		metric = res.Robust
	default:
		s.Best = t.Best
		return nil
	}
	s.IsBest, err = t.checkpoint(epoch, s.Eta, metric)
	s.Best = t.Best
	return err
}

// save the latest checkpoint and mark it as best if the metric has improved
func (t *Trainer) checkpoint(epoch int, eta, metric float64) (isBest bool, err error) {
	isBest = metric > t.Best
	if isBest {
		t.Best = metric
	}
	if t.Sink == nil {
		return isBest, nil
	}
	c := &Checkpoint{Epoch: epoch, Best: t.Best, Eta: eta, Model: t.Net.State(t.queue)}
	if err = t.Sink.Save(c); err != nil {
		return isBest, err
	}
	if isBest {
		err = t.Sink.MarkBest()
	}
	return isBest, err
}

// Summary returns the table of stats for each epoch.
func (t *Trainer) Summary() string {
	var lines []string
	for _, s := range t.Stats() {
		lines = append(lines, s.String())
	}
	return strings.Join(lines, "\n")
}

package web

import (
	"fmt"
	"log"
	"math/rand"
	"os"
	"path"
	"sync"
	"time"

	"github.com/jnb666/robustnet/img"
	"github.com/jnb666/robustnet/nnet"
	"github.com/jnb666/robustnet/num"
	"github.com/pkg/errors"
)

const cacheSize = 256

// Viewer holds a separate copy of the network which is used to classify single images and generate
// adversarial examples while training is in progress. The weights are reloaded from the latest
// checkpoint whenever it is updated.
type Viewer struct {
	Conf     nnet.Config
	Data     map[string]nnet.Data
	sink     nnet.FileSink
	queue    num.Queue
	net      *nnet.Network
	modTime  time.Time
	rng      *rand.Rand
	spectrum *num.Spectrum
	cache    map[string]*Sample
	sync.Mutex
}

// Sample is a test image with the clean and adversarial predictions. HF and LF are the high and low
// frequency components of the input using the high pass filter mask with the configured radius.
type Sample struct {
	Label   int
	Pred    int
	AdvPred int
	Clean   *img.Image
	Adv     *img.Image
	HF      *img.Image
	LF      *img.Image
}

// NewViewer creates a viewer for the data sets. If sink is not empty the weights are restored from
// the latest checkpoint in that directory, otherwise the network has random weights.
func NewViewer(dev num.Device, conf nnet.Config, sink nnet.FileSink, data map[string]nnet.Data) *Viewer {
	return &Viewer{
		Conf:  conf,
		Data:  data,
		sink:  sink,
		queue: dev.NewQueue(conf.Threads),
		rng:   nnet.SetSeed(conf.RandSeed),
		cache: map[string]*Sample{},
	}
}

// load the network and update the weights if the checkpoint file has changed
func (v *Viewer) load(shape []int) error {
	if v.net == nil {
		net, err := nnet.New(v.queue, v.Conf, shape)
		if err != nil {
			return err
		}
		net.InitWeights(v.queue, v.rng)
		v.net = net
		v.spectrum = num.NewSpectrum(shape[1], shape[2])
	}
	if v.sink.Dir == "" {
		return nil
	}
	info, err := os.Stat(path.Join(v.sink.Dir, nnet.CheckpointFile))
	if err != nil || !info.ModTime().After(v.modTime) {
		return nil
	}
	c, err := v.sink.Load(nnet.CheckpointFile)
	if err != nil {
		return err
	}
	if err = v.net.Restore(v.queue, c.Model); err != nil {
		return err
	}
	log.Printf("viewer: loaded weights from epoch %d", c.Epoch)
	v.modTime = info.ModTime()
	v.cache = map[string]*Sample{}
	return nil
}

// Sample returns the results for image id from the named data set.
func (v *Viewer) Sample(dset string, id int) (*Sample, error) {
	v.Lock()
	defer v.Unlock()
	d, ok := v.Data[dset]
	if !ok || id < 0 || id >= d.Len() {
		return nil, errors.Errorf("image %s/%d not found", dset, id)
	}
	if err := v.load(d.Shape()); err != nil {
		return nil, err
	}
	key := fmt.Sprintf("%s/%d", dset, id)
	if s, ok := v.cache[key]; ok {
		return s, nil
	}
	s, err := v.sample(d, id)
	if err != nil {
		return nil, err
	}
	if len(v.cache) >= cacheSize {
		v.cache = map[string]*Sample{}
	}
	v.cache[key] = s
	return s, nil
}

func (v *Viewer) sample(d nnet.Data, id int) (*Sample, error) {
	q, net := v.queue, v.net
	shape := d.Shape()
	dims := append([]int{1}, shape...)
	if err := net.CheckInput(dims); err != nil {
		return nil, err
	}
	buf := make([]float32, num.Prod(shape))
	label := make([]int32, 1)
	d.Input([]int{id}, buf)
	d.Label([]int{id}, label)
	x := q.NewArray(num.Float32, dims...)
	y := q.NewArray(num.Int32, 1)
	q.Call(num.Write(x, buf), num.Write(y, label))

	s := &Sample{Label: int(label[0]), Clean: img.FromCHW(buf, shape)}
	s.Pred = v.predict(x)
	attack := v.Conf.TestAttack(v.Conf.ADV.PGDAttackTest)
	adv := attack.Generate(q, net, x, y, nnet.Eval, v.rng)
	s.AdvPred = v.predict(adv)
	s.Adv = img.FromCHW(v.read(adv), shape)

	mask := q.NewArray(num.Float32, shape...)
	hf := q.NewArray(num.Float32, dims...)
	lf := q.NewArray(num.Float32, dims...)
	radius := v.Conf.Radius
	if radius <= 0 {
		radius = nnet.DefaultRadius
	}
	q.Call(
		num.HighPassMask(mask, radius),
		v.spectrum.Filter(x, mask, hf),
		num.Copy(lf, x),
		num.Axpy(-1, hf, lf),
	)
	zero := img.NewImage(shape[0], shape[2], shape[1])
	s.HF = img.Diff(img.FromCHW(v.read(hf), shape), zero, 1)
	s.LF = img.FromCHW(v.read(lf), shape)
	return s, nil
}

func (v *Viewer) read(a num.Array) []float32 {
	buf := make([]float32, a.Size())
	v.queue.Call(num.Read(a, buf)).Finish()
	return buf
}

func (v *Viewer) predict(x num.Array) int {
	logits := v.read(v.net.Fprop(v.queue, x, nnet.Eval))
	return argmax(logits)
}

func argmax(x []float32) int {
	best := 0
	for i, v := range x {
		if v > x[best] {
			best = i
		}
	}
	return best
}

package nnet

import (
	"encoding/gob"
	"fmt"
	"image"
	"image/color"
	"math/rand"
	"os"
	"path"
	"strconv"
	"sync"

	"github.com/jnb666/robustnet/num"
	"github.com/pkg/errors"
)

var (
	DataDir   = dataDir()
	DataTypes = []string{"train", "test", "valid"}
)

func dataDir() string {
	if dir := os.Getenv("ROBUSTNET_DATA"); dir != "" {
		return dir
	}
	return "data"
}

func init() {
	gob.Register(&data{})
}

// Data interface type represents the raw data for a training or test set. Inputs are images with shape
// [C, H, W] and values in the range [0, 1].
type Data interface {
	Len() int
	Classes() []string
	Shape() []int
	Label(index []int, label []int32)
	Input(index []int, buf []float32)
	Image(i int) image.Image
}

// Augmenter is implemented by data sets which support random transformations of the training inputs.
// buf holds n samples as returned by Input.
type Augmenter interface {
	Augment(buf []float32, n int, rng *rand.Rand)
}

// Dataset type encapsulates a set of training, test or validation data. The next batch is loaded in the
// background while the current one is processed. All batches have BatchSize samples except for the last
// one in each epoch which may be smaller.
type Dataset struct {
	Data
	Samples   int
	BatchSize int
	Batches   int
	Shuffle   bool
	Augment   bool
	queue     num.Queue
	xBuffer   []float32
	yBuffer   []int32
	x, y      [2]num.Array
	xLast     num.Array
	yLast     num.Array
	indexes   []int
	buf       int
	epoch     int
	batch     int
	rng       *rand.Rand
	sync.WaitGroup
}

// Create a new Dataset struct, allocate array buffers and set the batch size and maxSamples
func NewDataset(dev num.Device, data Data, batchSize, maxSamples int, rng *rand.Rand) *Dataset {
	d := &Dataset{Data: data, Samples: data.Len(), rng: rand.New(rand.NewSource(rng.Int63()))}
	if maxSamples > 0 && d.Samples > maxSamples {
		d.Samples = maxSamples
	}
	if batchSize <= 0 || batchSize > d.Samples {
		d.BatchSize = d.Samples
	} else {
		d.BatchSize = batchSize
	}
	d.Batches = d.Samples / d.BatchSize
	shape := data.Shape()
	if last := d.Samples % d.BatchSize; last != 0 {
		d.Batches++
		d.xLast = dev.NewArray(num.Float32, append([]int{last}, shape...)...)
		d.yLast = dev.NewArray(num.Int32, last)
	}
	d.xBuffer = make([]float32, num.Prod(shape)*d.BatchSize)
	d.yBuffer = make([]int32, d.BatchSize)
	for i := range d.x {
		d.x[i] = dev.NewArray(num.Float32, append([]int{d.BatchSize}, shape...)...)
		d.y[i] = dev.NewArray(num.Int32, d.BatchSize)
	}
	d.indexes = make([]int, d.Samples)
	for i := range d.indexes {
		d.indexes[i] = i
	}
	d.queue = dev.NewQueue(1)
	return d
}

// release allocated buffers
func (d *Dataset) Release() {
	d.Wait()
	d.queue.Shutdown()
}

// Epoch returns the number of the current epoch, starting from 1.
func (d *Dataset) Epoch() int { return d.epoch }

// kick of load of next batch of data in background
func (d *Dataset) loadBatch() {
	d.Add(1)
	x, y := d.arrays(d.batch, d.buf)
	start := d.batch * d.BatchSize
	end := start + d.BatchSize
	if end > d.Samples {
		end = d.Samples
	}
	go func() {
		n := end - start
		d.Input(d.indexes[start:end], d.xBuffer)
		d.Label(d.indexes[start:end], d.yBuffer)
		if a, ok := d.Data.(Augmenter); ok && d.Augment {
			a.Augment(d.xBuffer, n, d.rng)
		}
		d.queue.Call(
			num.Write(x, d.xBuffer[:x.Size()]),
			num.Write(y, d.yBuffer[:n]),
		)
		d.queue.Finish()
		d.Done()
	}()
}

func (d *Dataset) arrays(batch, buf int) (x, y num.Array) {
	if batch == d.Batches-1 && d.xLast != nil {
		return d.xLast, d.yLast
	}
	return d.x[buf], d.y[buf]
}

// NextBatch waits for the current batch to load, starts loading the next one and returns the inputs
// with dims [N, C, H, W] and labels with dims [N]. NextEpoch must be called before the first batch of
// each epoch.
func (d *Dataset) NextBatch() (x, y num.Array) {
	d.Wait()
	x, y = d.arrays(d.batch, d.buf)
	d.batch = (d.batch + 1) % d.Batches
	d.buf = (d.buf + 1) % 2
	if d.batch != 0 {
		d.loadBatch()
	}
	return x, y
}

// NextEpoch is called at the start of each epoch: the data is shuffled if enabled and the first batch is loaded.
func (d *Dataset) NextEpoch() {
	d.Wait()
	d.epoch++
	d.batch = 0
	if d.Shuffle {
		d.indexes = d.rng.Perm(d.Data.Len())[:d.Samples]
	}
	d.loadBatch()
}

// Load data from disk given the data set name.
func LoadData(name string) (d map[string]Data, err error) {
	var data Data
	d = make(map[string]Data)
	for _, key := range DataTypes {
		file := name + "_" + key
		if FileExists(file + ".dat") {
			if data, err = LoadDataFile(file); err != nil {
				return
			}
			d[key] = data
		}
	}
	return d, nil
}

// Decode data from file in gob format under DataDir
func LoadDataFile(name string) (Data, error) {
	filePath := path.Join(DataDir, name+".dat")
	f, err := os.Open(filePath)
	if err != nil {
		return nil, errors.Wrap(err, "load data")
	}
	defer f.Close()
	fmt.Printf("loading data from %s.dat:\t", name)
	var d Data
	if err = gob.NewDecoder(f).Decode(&d); err != nil {
		return nil, errors.Wrapf(err, "decode %s", name)
	}
	fmt.Println(append(d.Shape(), d.Len()))
	return d, nil
}

// Encode in gob format and save to file under DataDir
func SaveDataFile(d Data, name string) error {
	filePath := path.Join(DataDir, name+".dat")
	f, err := os.Create(filePath)
	if err != nil {
		return errors.Wrap(err, "save data")
	}
	defer f.Close()
	fmt.Println("saving data to", name+".dat")
	return errors.Wrapf(gob.NewEncoder(f).Encode(&d), "encode %s", name)
}

// Check if file exists under DataDir
func FileExists(name string) bool {
	filePath := path.Join(DataDir, name)
	_, err := os.Stat(filePath)
	return err == nil
}

type data struct {
	Class  []string
	Dims   []int
	Labels []int32
	Inputs []float32
}

// NewData function creates a new data set which implements the Data interface. inputs has the data for
// each sample with the given shape in row major order.
func NewData(nclasses int, shape []int, labels []int32, inputs []float32) Data {
	classes := make([]string, nclasses)
	for i := range classes {
		classes[i] = strconv.Itoa(i)
	}
	return &data{Class: classes, Dims: shape, Labels: labels, Inputs: inputs}
}

// RandomData returns a data set with uniform random inputs in [0, 1] and random labels.
func RandomData(nclasses int, shape []int, samples int, rng *rand.Rand) Data {
	labels := make([]int32, samples)
	inputs := make([]float32, samples*num.Prod(shape))
	for i := range labels {
		labels[i] = int32(rng.Intn(nclasses))
	}
	for i := range inputs {
		inputs[i] = rng.Float32()
	}
	return NewData(nclasses, shape, labels, inputs)
}

func (d *data) Len() int { return len(d.Labels) }

func (d *data) Classes() []string { return d.Class }

func (d *data) Shape() []int { return d.Dims }

func (d *data) Label(index []int, label []int32) {
	for i, ix := range index {
		label[i] = d.Labels[ix]
	}
}

func (d *data) Input(index []int, buf []float32) {
	nfeat := num.Prod(d.Dims)
	for i, ix := range index {
		copy(buf[i*nfeat:], d.Inputs[ix*nfeat:(ix+1)*nfeat])
	}
}

// Image returns the sample as an RGB image if it has 3 channels or a gray image otherwise.
func (d *data) Image(i int) image.Image {
	c, h, w := d.Dims[0], d.Dims[1], d.Dims[2]
	pix := d.Inputs[i*c*h*w : (i+1)*c*h*w]
	m := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			var v [3]uint8
			for ch := range v {
				v[ch] = toUint8(pix[((ch%c)*h+y)*w+x])
			}
			m.SetNRGBA(x, y, color.NRGBA{R: v[0], G: v[1], B: v[2], A: 255})
		}
	}
	return m
}

func toUint8(v float32) uint8 {
	switch {
	case v <= 0:
		return 0
	case v >= 1:
		return 255
	default:
		return uint8(v*255 + 0.5)
	}
}

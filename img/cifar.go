package img

import (
	"bufio"
	"io"
	"os"
	"path"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

const (
	cifarSize    = 32
	cifarRecord  = 1 + 3*cifarSize*cifarSize
	cifarBatches = 5
)

// CIFAR10Classes are the default class names if batches.meta.txt is not present.
var CIFAR10Classes = []string{"airplane", "automobile", "bird", "cat", "deer", "dog", "frog", "horse", "ship", "truck"}

// LoadCIFAR10 reads the CIFAR-10 binary version from dir. The last validSize training images are split off
// into a separate validation set if validSize > 0. The training set has crop and flip augmentation enabled
// and each set has the per channel statistics of the training set.
func LoadCIFAR10(dir string, validSize int) (map[string]*Data, error) {
	classes, err := readClasses(path.Join(dir, "batches.meta.txt"))
	if err != nil {
		return nil, err
	}
	var labels []int32
	var images []*Image
	for i := 1; i <= cifarBatches; i++ {
		l, m, err := readCIFAR(path.Join(dir, "data_batch_"+strconv.Itoa(i)+".bin"))
		if err != nil {
			return nil, err
		}
		labels = append(labels, l...)
		images = append(images, m...)
	}
	testLabels, testImages, err := readCIFAR(path.Join(dir, "test_batch.bin"))
	if err != nil {
		return nil, err
	}
	if validSize < 0 || validSize >= len(labels) {
		return nil, errors.Errorf("cifar10: invalid validation set size %d", validSize)
	}
	train := NewData(classes, labels, images)
	d := map[string]*Data{"test": NewData(classes, testLabels, testImages)}
	if validSize > 0 {
		ntrain := len(labels) - validSize
		d["valid"] = train.Slice(ntrain, len(labels))
		train = train.Slice(0, ntrain)
	}
	train.Trans = Crop | HorizFlip
	d["train"] = train
	mean, std := GetStats(train.Images)
	for _, data := range d {
		data.Mean, data.StdDev = mean, std
	}
	return d, nil
}

func readClasses(file string) ([]string, error) {
	f, err := os.Open(file)
	if os.IsNotExist(err) {
		return CIFAR10Classes, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "cifar10")
	}
	defer f.Close()
	var classes []string
	s := bufio.NewScanner(f)
	for s.Scan() {
		if name := strings.TrimSpace(s.Text()); name != "" {
			classes = append(classes, name)
		}
	}
	return classes, errors.Wrap(s.Err(), "cifar10")
}

func readCIFAR(file string) (labels []int32, images []*Image, err error) {
	f, err := os.Open(file)
	if err != nil {
		return nil, nil, errors.Wrap(err, "cifar10")
	}
	defer f.Close()
	return decodeCIFAR(bufio.NewReader(f), file)
}

// each record is a label byte followed by the red, green and blue planes of a 32x32 image
func decodeCIFAR(r io.Reader, name string) (labels []int32, images []*Image, err error) {
	buf := make([]byte, cifarRecord)
	for {
		if _, err = io.ReadFull(r, buf); err != nil {
			if err == io.EOF {
				return labels, images, nil
			}
			return nil, nil, errors.Wrapf(err, "cifar10: read record %d from %s", len(labels), name)
		}
		if buf[0] > 9 {
			return nil, nil, errors.Errorf("cifar10: invalid label %d in record %d of %s", buf[0], len(labels), name)
		}
		m := NewImage(3, cifarSize, cifarSize)
		for i, b := range buf[1:] {
			m.Pix[i] = float32(b) / 255
		}
		labels = append(labels, int32(buf[0]))
		images = append(images, m)
	}
}

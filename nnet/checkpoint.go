package nnet

import (
	"encoding/gob"
	"fmt"
	"io"
	"os"
	"path"

	"github.com/jnb666/robustnet/num"
	"github.com/pkg/errors"
)

// Checkpoint file names
const (
	CheckpointFile = "checkpoint.gob"
	BestFile       = "model_best.gob"
)

// ParamState is the saved value and momentum of a parameter or the value of a buffer.
type ParamState struct {
	Name     string
	Dims     []int
	Value    []float32
	Velocity []float32
}

// State is a snapshot of the network parameters, buffers and optimizer state.
type State struct {
	Model  string
	Params []ParamState
}

// Checkpoint holds the training state which is saved after each evaluation epoch.
type Checkpoint struct {
	Epoch int
	Best  float64
	Eta   float64
	Model State
}

// CheckpointSink persists checkpoints. MarkBest copies the most recently saved checkpoint to the best slot.
type CheckpointSink interface {
	Save(c *Checkpoint) error
	MarkBest() error
}

// State returns a copy of the current parameter values.
func (n *Network) State(q num.Queue) State {
	s := State{Model: n.Model}
	for _, p := range n.Params() {
		ps := ParamState{Name: p.Name, Dims: p.W.Dims(), Value: readFloats(q, p.W)}
		if !p.Buffer {
			ps.Velocity = readFloats(q, p.V)
		}
		s.Params = append(s.Params, ps)
	}
	return s
}

// Restore sets the parameter values from a saved state. The state must be from the same architecture.
func (n *Network) Restore(q num.Queue, s State) error {
	params := n.Params()
	if s.Model != n.Model || len(s.Params) != len(params) {
		return errors.Errorf("restore: state for %s with %d params does not match %s with %d params",
			s.Model, len(s.Params), n.Model, len(params))
	}
	for i, p := range params {
		ps := s.Params[i]
		if ps.Name != p.Name || !num.SameShape(ps.Dims, p.W.Dims()) || len(ps.Value) != p.W.Size() {
			return errors.Errorf("restore: param %d %s %v does not match %s %v", i, ps.Name, ps.Dims, p.Name, p.W.Dims())
		}
		q.Call(num.Write(p.W, ps.Value))
		if !p.Buffer {
			if len(ps.Velocity) == p.V.Size() {
				q.Call(num.Write(p.V, ps.Velocity))
			} else {
				q.Call(num.Fill(p.V, 0))
			}
			q.Call(num.Fill(p.DW, 0))
		}
	}
	q.Finish()
	return nil
}

// FileSink saves checkpoints in gob format under a directory.
type FileSink struct {
	Dir string
}

// NewFileSink creates the directory if it does not exist.
func NewFileSink(dir string) (FileSink, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return FileSink{}, errors.Wrap(err, "checkpoint dir")
	}
	return FileSink{Dir: dir}, nil
}

// Save writes the checkpoint to a temporary file and renames it to replace the latest checkpoint.
func (s FileSink) Save(c *Checkpoint) error {
	filePath := path.Join(s.Dir, "."+CheckpointFile)
	f, err := os.Create(filePath)
	if err != nil {
		return errors.Wrap(err, "save checkpoint")
	}
	if err = gob.NewEncoder(f).Encode(c); err != nil {
		f.Close()
		return errors.Wrap(err, "encode checkpoint")
	}
	if err = f.Close(); err != nil {
		return errors.Wrap(err, "save checkpoint")
	}
	return errors.Wrap(os.Rename(filePath, path.Join(s.Dir, CheckpointFile)), "save checkpoint")
}

// MarkBest copies the latest checkpoint to the best model file.
func (s FileSink) MarkBest() error {
	src, err := os.Open(path.Join(s.Dir, CheckpointFile))
	if err != nil {
		return errors.Wrap(err, "mark best")
	}
	defer src.Close()
	dst, err := os.Create(path.Join(s.Dir, BestFile))
	if err != nil {
		return errors.Wrap(err, "mark best")
	}
	if _, err = io.Copy(dst, src); err != nil {
		dst.Close()
		return errors.Wrap(err, "mark best")
	}
	return errors.Wrap(dst.Close(), "mark best")
}

// Load reads a checkpoint file from the directory.
func (s FileSink) Load(name string) (*Checkpoint, error) {
	return LoadCheckpoint(path.Join(s.Dir, name))
}

// Exists is true if the named checkpoint file is present.
func (s FileSink) Exists(name string) bool {
	_, err := os.Stat(path.Join(s.Dir, name))
	return err == nil
}

// LoadCheckpoint decodes a checkpoint from a gob file.
func LoadCheckpoint(filePath string) (*Checkpoint, error) {
	f, err := os.Open(filePath)
	if err != nil {
		return nil, errors.Wrap(err, "load checkpoint")
	}
	defer f.Close()
	c := new(Checkpoint)
	if err = gob.NewDecoder(f).Decode(c); err != nil {
		return nil, errors.Wrapf(err, "decode checkpoint %s", filePath)
	}
	fmt.Printf("loaded checkpoint from %s: epoch %d best %.2f%%\n", filePath, c.Epoch, c.Best)
	return c, nil
}

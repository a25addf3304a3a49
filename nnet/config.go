package nnet

import (
	"encoding/json"
	"fmt"
	"os"
	"path"
	"reflect"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Training modes
const (
	Natural         = "natural"
	Adversarial     = "adversarial"
	AdversarialMask = "adversarial_mask"
	Trades          = "trades"
)

// Evaluation modes which select the metric used to choose the best checkpoint
const (
	EvalClean  = "clean"
	EvalRobust = "robust"
	EvalValid  = "valid"
	EvalPGD    = "pgd"
	EvalPlain  = "plain"
)

// Train section: settings for adversarial example generation during training. Perturbation sizes are
// in units of 1/255.
type TrainConfig struct {
	ClipEps  float64
	FGSMStep float64
	PGDTrain int
	Factor   float64
}

// ADV section: settings for adversarial example generation during evaluation.
type AdvConfig struct {
	ClipEps       float64
	FGSMStep      float64
	PGDAttackTest int
	PGDValid      int
}

// Data section: dataset and input normalisation settings.
type DataConfig struct {
	Name      string
	NumClass  int
	Normalise bool
	Mean      []float64
	Std       []float64
}

// Config holds the model and training configuration settings
type Config struct {
	Model      string
	Width      int
	Mode       string
	Eval       string
	Eta        float64
	Momentum   float64
	Nesterov   bool
	Lambda     float64
	LRSteps    []int
	Beta       float64
	MaskWeight float64
	MaskRatio  float64
	Radius     float64
	TrainBatch int
	TestBatch  int
	MaxEpoch   int
	MaxSamples int
	Augment    bool
	Shuffle    bool
	Threads    int
	RandSeed   int64
	DebugLevel int
	Profile    bool
	Train      TrainConfig
	ADV        AdvConfig
	Data       DataConfig
}

// Default returns the default settings for the given model architecture.
func Default(model string) Config {
	return Config{
		Model:      model,
		Width:      64,
		Mode:       Adversarial,
		Eval:       EvalRobust,
		Eta:        0.1,
		Momentum:   0.9,
		Lambda:     5e-4,
		LRSteps:    []int{100, 105},
		Beta:       6,
		MaskWeight: 0.1,
		MaskRatio:  0.1,
		Radius:     DefaultRadius,
		TrainBatch: 128,
		TestBatch:  100,
		MaxEpoch:   110,
		Augment:    true,
		Shuffle:    true,
		Train:      TrainConfig{ClipEps: 8, FGSMStep: 2, PGDTrain: 10},
		ADV:        AdvConfig{ClipEps: 8, FGSMStep: 2, PGDAttackTest: 20, PGDValid: 10},
		Data: DataConfig{
			Name:     "cifar10",
			NumClass: 10,
			Mean:     []float64{0.4914, 0.4822, 0.4465},
			Std:      []float64{0.2471, 0.2435, 0.2616},
		},
	}
}

// Load config from json file under DataDir
func LoadConfig(name string) (c Config, err error) {
	filePath := path.Join(DataDir, name)
	f, err := os.Open(filePath)
	if err != nil {
		return c, errors.Wrap(err, "load config")
	}
	defer f.Close()
	fmt.Println("loading config from", name)
	if err = json.NewDecoder(f).Decode(&c); err != nil {
		return c, errors.Wrapf(err, "decode config %s", name)
	}
	return c, nil
}

// Save config to JSON file under DataDir
func (c Config) Save(name string) error {
	filePath := path.Join(DataDir, "."+name)
	f, err := os.Create(filePath)
	if err != nil {
		return errors.Wrap(err, "save config")
	}
	fmt.Println("saving config to", name)
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	if err = enc.Encode(c); err != nil {
		f.Close()
		return errors.Wrapf(err, "encode config %s", name)
	}
	f.Close()
	return os.Rename(filePath, path.Join(DataDir, name))
}

// Fields returns the names of the config settings. Fields in nested sections are returned as Section.Field.
func (c Config) Fields() []string {
	var fld []string
	st := reflect.TypeOf(c)
	for i := 0; i < st.NumField(); i++ {
		f := st.Field(i)
		if f.Type.Kind() == reflect.Struct {
			for j := 0; j < f.Type.NumField(); j++ {
				fld = append(fld, f.Name+"."+f.Type.Field(j).Name)
			}
		} else {
			fld = append(fld, f.Name)
		}
	}
	return fld
}

// Get returns the value of the field with the given name.
func (c Config) Get(key string) interface{} {
	f, err := c.field(reflect.ValueOf(&c).Elem(), key)
	if err != nil {
		return nil
	}
	return f.Interface()
}

// Format returns the value of the field as a string in the form accepted by SetString.
func (c Config) Format(key string) string {
	v := reflect.ValueOf(c.Get(key))
	if v.Kind() != reflect.Slice {
		return fmt.Sprint(c.Get(key))
	}
	s := make([]string, v.Len())
	for i := range s {
		s[i] = fmt.Sprint(v.Index(i).Interface())
	}
	return strings.Join(s, ",")
}

func (c Config) field(s reflect.Value, key string) (reflect.Value, error) {
	for _, name := range strings.Split(key, ".") {
		if s.Kind() != reflect.Struct {
			return s, errors.Errorf("invalid config key %q", key)
		}
		s = s.FieldByName(name)
		if !s.IsValid() {
			return s, errors.Errorf("invalid config key %q", key)
		}
	}
	return s, nil
}

func (c Config) String() string {
	str := []string{"== Config =="}
	for _, key := range c.Fields() {
		str = append(str, fmt.Sprintf("%-18s: %v", key, c.Get(key)))
	}
	return strings.Join(str, "\n")
}

// SetString parses val and sets the field with the given key. Slices are given as comma separated values.
func (c Config) SetString(key, val string) (Config, error) {
	f, err := c.field(reflect.ValueOf(&c).Elem(), key)
	if err != nil {
		return c, err
	}
	if err = setValue(f, val); err != nil {
		return c, errors.Wrapf(err, "set %s", key)
	}
	return c, nil
}

func setValue(f reflect.Value, val string) error {
	switch f.Type().Kind() {
	case reflect.Int, reflect.Int64:
		x, err := strconv.ParseInt(val, 10, 64)
		if err != nil {
			return err
		}
		f.SetInt(x)
	case reflect.Float64:
		x, err := strconv.ParseFloat(val, 64)
		if err != nil {
			return err
		}
		f.SetFloat(x)
	case reflect.Bool:
		x, err := strconv.ParseBool(val)
		if err != nil {
			return err
		}
		f.SetBool(x)
	case reflect.String:
		f.SetString(val)
	case reflect.Slice:
		var items []string
		if val != "" {
			items = strings.Split(val, ",")
		}
		s := reflect.MakeSlice(f.Type(), len(items), len(items))
		for i, item := range items {
			if err := setValue(s.Index(i), strings.TrimSpace(item)); err != nil {
				return err
			}
		}
		f.Set(s)
	default:
		return errors.Errorf("invalid type for SetString: %v", f.Type().Kind())
	}
	return nil
}

// SetBool sets a boolean field.
func (c Config) SetBool(key string, val bool) (Config, error) {
	f, err := c.field(reflect.ValueOf(&c).Elem(), key)
	if err != nil {
		return c, err
	}
	if f.Type().Kind() != reflect.Bool {
		return c, errors.Errorf("invalid type for SetBool: %v", f.Type().Kind())
	}
	f.SetBool(val)
	return c, nil
}

// Schedule returns the learning rate schedule.
func (c Config) Schedule() StepSchedule {
	return StepSchedule{Base: c.Eta, Steps: c.LRSteps}
}

// TrainAttack returns the PGD settings used during training.
func (c Config) TrainAttack() PGD {
	return PGD{Epsilon: float32(c.Train.ClipEps / 255), Step: float32(c.Train.FGSMStep / 255), Iters: c.Train.PGDTrain}
}

// TestAttack returns the PGD settings used for evaluation with the given number of iterations.
func (c Config) TestAttack(iters int) PGD {
	return PGD{Epsilon: float32(c.ADV.ClipEps / 255), Step: float32(c.ADV.FGSMStep / 255), Iters: iters}
}

// Smoothing returns the label smoothing factor, or zero if it is below the threshold.
func (c Config) Smoothing() float64 {
	if c.Train.Factor > 0.0001 {
		return c.Train.Factor
	}
	return 0
}

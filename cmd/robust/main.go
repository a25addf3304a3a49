// Train and evaluate a residual network under PGD adversarial attack.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path"
	"strings"

	"github.com/jnb666/robustnet/img"
	"github.com/jnb666/robustnet/nnet"
	"github.com/jnb666/robustnet/num"
	"github.com/jnb666/robustnet/web"
	"github.com/pkg/errors"
)

// repeated -set Key=value overrides
type settings []string

func (s *settings) String() string { return strings.Join(*s, " ") }

func (s *settings) Set(val string) error {
	*s = append(*s, val)
	return nil
}

func loadConfig(name string) (nnet.Config, error) {
	if _, ok := nnet.Architectures[name]; ok && !nnet.FileExists(name+".net") {
		fmt.Println("using default config for", name)
		return nnet.Default(name), nil
	}
	return nnet.LoadConfig(name + ".net")
}

// load the data sets from the cached gob files, or from the CIFAR-10 binary files on first use
func loadData(name, dir string, validSize int) (map[string]nnet.Data, error) {
	data, err := nnet.LoadData(name)
	if err != nil {
		return nil, err
	}
	if data["train"] != nil && data["test"] != nil {
		return data, nil
	}
	if name != "cifar10" {
		return nil, errors.Errorf("no data found for %s in %s", name, nnet.DataDir)
	}
	fmt.Println("loading CIFAR-10 from", dir)
	sets, err := img.LoadCIFAR10(dir, validSize)
	if err != nil {
		return nil, err
	}
	data = map[string]nnet.Data{}
	for key, d := range sets {
		data[key] = d
		if err = nnet.SaveDataFile(d, name+"_"+key); err != nil {
			return nil, err
		}
	}
	return data, nil
}

func main() {
	log.SetFlags(0)
	if len(os.Args) < 2 {
		fmt.Println("Usage: robust [opts] <config>")
		os.Exit(1)
	}
	name := os.Args[len(os.Args)-1]
	conf, err := loadConfig(name)
	nnet.CheckErr(err)

	// override config settings from command line
	var set settings
	flag.Var(&set, "set", "override config setting given as Key=value, nested fields as Section.Key")
	flag.Float64Var(&conf.Eta, "eta", conf.Eta, "learning rate")
	flag.Float64Var(&conf.Lambda, "lambda", conf.Lambda, "weight decay parameter")
	flag.Int64Var(&conf.RandSeed, "seed", conf.RandSeed, "random number seed")
	flag.IntVar(&conf.MaxEpoch, "epochs", conf.MaxEpoch, "max epochs")
	flag.IntVar(&conf.MaxSamples, "samples", conf.MaxSamples, "max samples")
	flag.IntVar(&conf.TrainBatch, "batch", conf.TrainBatch, "train batch size")
	flag.IntVar(&conf.TestBatch, "testbatch", conf.TestBatch, "test batch size")
	flag.IntVar(&conf.Threads, "threads", conf.Threads, "number of worker threads")
	flag.StringVar(&conf.Mode, "mode", conf.Mode, "training mode: natural, adversarial, adversarial_mask or trades")
	flag.StringVar(&conf.Eval, "eval", conf.Eval, "evaluation mode: clean, robust, valid, pgd or plain")
	flag.IntVar(&conf.DebugLevel, "debug", conf.DebugLevel, "debug logging level")
	flag.BoolVar(&conf.Profile, "profile", conf.Profile, "print profiling info")
	resume := flag.Bool("resume", false, "resume from the latest checkpoint")
	test := flag.Bool("test", false, "evaluate the best checkpoint on the test set and exit")
	ckptDir := flag.String("ckpt", "checkpoint", "checkpoint directory")
	logFile := flag.String("log", "", "append results to this file (default <ckpt>/<config>.log)")
	cifarDir := flag.String("cifar", "cifar-10-batches-bin", "directory with the CIFAR-10 binary files")
	validSize := flag.Int("valid", 0, "number of training images to hold out for validation")
	addr := flag.String("web", "", "serve status pages at this address, e.g. localhost:8080")
	user := flag.String("user", os.Getenv("ROBUSTNET_USER"), "web login user, no login if blank")
	pass := flag.String("pass", os.Getenv("ROBUSTNET_PASS"), "web login password")
	flag.Parse()
	for _, kv := range set {
		kvs := strings.SplitN(kv, "=", 2)
		if len(kvs) != 2 {
			nnet.CheckErr(errors.Errorf("invalid setting %q: expecting Key=value", kv))
		}
		conf, err = conf.SetString(kvs[0], kvs[1])
		nnet.CheckErr(err)
	}
	fmt.Println(conf)

	nnet.CheckErr(os.MkdirAll(nnet.DataDir, 0755))
	data, err := loadData(conf.Data.Name, *cifarDir, *validSize)
	nnet.CheckErr(err)

	dev := num.NewDevice()
	q := dev.NewQueue(conf.Threads)
	q.Profiling(conf.Profile)
	rng := nnet.SetSeed(conf.RandSeed)

	net, err := nnet.New(q, conf, data["train"].Shape())
	nnet.CheckErr(err)
	fmt.Println(net)
	net.InitWeights(q, rng)

	trainData := nnet.NewDataset(dev, data["train"], conf.TrainBatch, conf.MaxSamples, rng)
	defer trainData.Release()
	testData := nnet.NewDataset(dev, data["test"], conf.TestBatch, 0, rng)
	defer testData.Release()
	trainer, err := nnet.NewTrainer(q, net, trainData, testData, rng)
	nnet.CheckErr(err)
	if d, ok := data["valid"]; ok {
		trainer.Valid = nnet.NewDataset(dev, d, conf.TestBatch, 0, rng)
		defer trainer.Valid.Release()
	}

	sink, err := nnet.NewFileSink(path.Join(*ckptDir, name))
	nnet.CheckErr(err)
	trainer.Sink = sink
	if *logFile == "" {
		*logFile = path.Join(sink.Dir, name+".log")
	}
	rec, err := nnet.NewRecorder(*logFile)
	nnet.CheckErr(err)
	defer rec.Close()
	trainer.Log = rec

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	if *test {
		c, err := sink.Load(nnet.BestFile)
		nnet.CheckErr(err)
		nnet.CheckErr(trainer.Resume(c))
		res, err := trainer.Evaluate(ctx, testData, conf.TestAttack(conf.ADV.PGDAttackTest), true)
		nnet.CheckErr(err)
		nnet.CheckErr(rec.Printf("%s epoch %d: samples=%d clean=%.2f%% robust=%.2f%% loss=%.3f mask=%.4f", name, c.Epoch,
			res.Samples, res.Clean, res.Robust, res.Loss, res.MaskBalance))
		return
	}

	if *resume && sink.Exists(nnet.CheckpointFile) {
		c, err := sink.Load(nnet.CheckpointFile)
		nnet.CheckErr(err)
		nnet.CheckErr(trainer.Resume(c))
	}
	nnet.CheckErr(rec.Printf("== %s: model=%s mode=%s eval=%s epoch=%d ==", name, conf.Model, conf.Mode, conf.Eval, trainer.Epoch))

	trainCtx, stop := context.WithCancel(ctx)
	defer stop()
	if *addr != "" {
		viewer := web.NewViewer(dev, conf, sink, data)
		srv, err := web.NewServer(web.Options{
			Trainer:    trainer,
			Viewer:     viewer,
			ConfigName: name,
			Stop:       stop,
			Auth:       web.Credentials{User: *user, Password: *pass},
		})
		nnet.CheckErr(err)
		trainer.OnEpoch = srv.Train.Notify
		go func() {
			if err := web.ListenAndServe(ctx, *addr, srv); err != nil {
				log.Println("web server:", err)
			}
		}()
	}

	err = trainer.Run(trainCtx)
	if errors.Cause(err) == context.Canceled {
		nnet.CheckErr(rec.Printf("training stopped at epoch %d", trainer.Epoch))
	} else {
		nnet.CheckErr(err)
	}
	fmt.Println(trainer.Summary())
	if conf.Profile {
		q.PrintProfile()
	}
	if *addr != "" && ctx.Err() == nil {
		fmt.Println("training done - press ctrl-C to exit")
		<-ctx.Done()
	}
	q.Shutdown()
}

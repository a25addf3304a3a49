// Write the default configuration for each model architecture to the data directory.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/jnb666/robustnet/nnet"
)

type opts struct {
	suffix string
	mode   string
	eval   string
	filter bool
}

// training variants, the mask modes only apply to models with a frequency module
var options = []opts{
	{suffix: "", mode: nnet.Adversarial, eval: nnet.EvalRobust},
	{suffix: "_nat", mode: nnet.Natural, eval: nnet.EvalClean},
	{suffix: "_mask", mode: nnet.AdversarialMask, eval: nnet.EvalRobust, filter: true},
	{suffix: "_trades", mode: nnet.Trades, eval: nnet.EvalRobust, filter: true},
}

func main() {
	force := flag.Bool("force", false, "overwrite existing config files")
	flag.Parse()
	if err := os.MkdirAll(nnet.DataDir, 0755); err != nil {
		nnet.CheckErr(err)
	}
	for _, model := range nnet.ModelNames() {
		hasFilter := nnet.Architectures[model].Filter != nnet.FilterNone
		for _, opt := range options {
			if opt.filter && !hasFilter {
				continue
			}
			name := model + opt.suffix + ".net"
			if nnet.FileExists(name) && !*force {
				fmt.Println("skip", name)
				continue
			}
			conf := nnet.Default(model)
			conf.Mode = opt.mode
			conf.Eval = opt.eval
			nnet.CheckErr(conf.Save(name))
		}
	}
}

package web

import (
	"bytes"
	"encoding/json"
	"fmt"
	"html/template"
	"io"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/jnb666/robustnet/nnet"
	"github.com/jnb666/robustnet/stats"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/plotutil"
	"gonum.org/v1/plot/vg"
)

const writeTimeout = 5 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

type TrainPage struct {
	*Templates
	trainer *nnet.Trainer
	stop    func()
	conns   map[*websocket.Conn]bool
	mu      sync.Mutex
}

// Base data for handler functions to display the training stats. stop is called to cancel the run
// and may be nil.
func NewTrainPage(t *Templates, trainer *nnet.Trainer, stop func()) *TrainPage {
	p := &TrainPage{trainer: trainer, stop: stop, conns: map[*websocket.Conn]bool{}}
	p.Templates = t.Select("/train")
	p.AddOption(Link{Name: "stop", Url: "/train/stop"})
	return p
}

// Handler function for the train template
func (p *TrainPage) Base() func(w http.ResponseWriter, r *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		switch mux.Vars(r)["cmd"] {
		case "stop":
			if p.stop != nil && p.trainer.Progress.Running.Load() {
				log.Println("stop training")
				p.stop()
			}
			http.Redirect(w, r, "/train/stats", http.StatusFound)
		default:
			p.Exec(w, "train", p)
		}
	}
}

// Handler function for the stats table
func (p *TrainPage) Stats() func(w http.ResponseWriter, r *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		p.Exec(w, "stats", p)
	}
}

// Progress message sent as JSON
type Progress struct {
	Epoch   int64
	Batch   int64
	Batches int64
	Phase   string
	Running bool
	Loss    float64
	Stats   *nnet.Stats `json:",omitempty"`
}

func (p *TrainPage) progress() Progress {
	pr := &p.trainer.Progress
	return Progress{
		Epoch:   pr.Epoch.Load(),
		Batch:   pr.Batch.Load(),
		Batches: pr.Batches.Load(),
		Phase:   pr.Phase.Load(),
		Running: pr.Running.Load(),
		Loss:    pr.Loss.Load(),
	}
}

// Handler function for the current progress in JSON format
func (p *TrainPage) Progress() func(w http.ResponseWriter, r *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(p.progress()); err != nil {
			log.Println("error encoding progress:", err)
		}
	}
}

// Handler function for the loss and accuracy plots in SVG format
func (p *TrainPage) Plot() func(w http.ResponseWriter, r *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		var plt *plot.Plot
		switch mux.Vars(r)["name"] {
		case "loss":
			plt = p.lossPlot()
		case "accuracy":
			plt = p.accuracyPlot()
		default:
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "image/svg+xml")
		if err := writePlot(w, plt, 600, 300); err != nil {
			logError(w, err)
		}
	}
}

// Handler function for websocket connection. Each connection gets a message at the end of every epoch.
func (p *TrainPage) Websocket() func(w http.ResponseWriter, r *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Println("websocket upgrade:", err)
			return
		}
		p.mu.Lock()
		p.conns[conn] = true
		p.mu.Unlock()
		go p.readLoop(conn)
	}
}

// discard client messages until the connection is closed
func (p *TrainPage) readLoop(conn *websocket.Conn) {
	for {
		if _, _, err := conn.NextReader(); err != nil {
			p.mu.Lock()
			delete(p.conns, conn)
			p.mu.Unlock()
			conn.Close()
			return
		}
	}
}

// Notify sends the stats for a completed epoch to all connected clients. It is set as the trainer's
// OnEpoch callback.
func (p *TrainPage) Notify(s nnet.Stats) {
	msg := p.progress()
	msg.Stats = &s
	p.mu.Lock()
	defer p.mu.Unlock()
	for conn := range p.conns {
		conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := conn.WriteJSON(msg); err != nil {
			log.Println("websocket write:", err)
			delete(p.conns, conn)
			conn.Close()
		}
	}
}

func (p *TrainPage) Heading() template.HTML {
	net := p.trainer.Net
	s := fmt.Sprintf(`%s %s: epoch <span id="epoch">%d</span> of %d`, net.Model, net.Mode, p.trainer.Epoch, net.MaxEpoch)
	return template.HTML(s)
}

func (p *TrainPage) Status() string {
	pr := p.progress()
	if !pr.Running {
		return "stopped"
	}
	msg := fmt.Sprintf("%s epoch %d: batch %d of %d", pr.Phase, pr.Epoch, pr.Batch, pr.Batches)
	if pr.Phase == "train" && pr.Batch > 0 {
		msg += fmt.Sprintf("  loss %.4f", pr.Loss)
	}
	return msg
}

func (p *TrainPage) Headers() []string {
	return nnet.StatsHeaders()
}

func (p *TrainPage) LatestStats(n int) []nnet.Stats {
	stats := p.trainer.Stats()
	last := len(stats) - 1
	res := []nnet.Stats{}
	for i := last; i >= 0 && i > last-n; i-- {
		s := stats[i]
		s.Elapsed = s.Elapsed.Round(10 * time.Millisecond)
		res = append(res, s)
	}
	return res
}

// EpochTime is the mean and spread of the run time in seconds for the last n epochs.
func (p *TrainPage) EpochTime(n int) template.HTML {
	var avg stats.Average
	for _, s := range p.LatestStats(n) {
		avg.Add(s.Elapsed.Seconds())
	}
	return avg.HTML()
}

func (p *TrainPage) LossPlot(width, height int) template.HTML {
	return plotHTML(p.lossPlot(), width, height)
}

func (p *TrainPage) AccuracyPlot(width, height int) template.HTML {
	return plotHTML(p.accuracyPlot(), width, height)
}

func (p *TrainPage) lossPlot() *plot.Plot {
	stats := p.trainer.Stats()
	plt := newPlot()
	if len(stats) == 0 {
		return plt
	}
	lines := []struct {
		name string
		fn   func(s nnet.Stats) float64
	}{
		{"train loss", func(s nnet.Stats) float64 { return s.TrainLoss }},
		{"test loss", func(s nnet.Stats) float64 { return s.TestLoss }},
	}
	for i, l := range lines {
		line := newLinePlot(stats, i, l.fn)
		plt.Add(line)
		plt.Legend.Add(l.name, line)
	}
	return plt
}

func (p *TrainPage) accuracyPlot() *plot.Plot {
	stats := p.trainer.Stats()
	plt := newPlot()
	if len(stats) == 0 {
		return plt
	}
	lines := []struct {
		name string
		fn   func(s nnet.Stats) float64
	}{
		{"train %", func(s nnet.Stats) float64 { return s.TrainAcc }},
		{"test %", func(s nnet.Stats) float64 { return s.TestAcc }},
		{"adversarial %", func(s nnet.Stats) float64 { return s.AdvAcc }},
	}
	for i, l := range lines {
		line := newLinePlot(stats, i, l.fn)
		line.ymax = 100
		plt.Add(line)
		plt.Legend.Add(l.name, line)
	}
	return plt
}

func newPlot() *plot.Plot {
	p := plot.New()
	p.X.Padding, p.Y.Padding = 0, 0
	p.X.Tick.Label.Font.Size = vg.Points(10)
	p.Y.Tick.Label.Font.Size = vg.Points(10)
	p.Legend.Top = true
	p.Legend.TextStyle.Font.Size = vg.Points(12)
	p.Add(plotter.NewGrid())
	return p
}

func writePlot(w io.Writer, p *plot.Plot, width, height int) error {
	writer, err := p.WriterTo(vg.Points(float64(width)), vg.Points(float64(height)), "svg")
	if err != nil {
		return err
	}
	_, err = writer.WriteTo(w)
	return err
}

func plotHTML(p *plot.Plot, width, height int) template.HTML {
	var buf bytes.Buffer
	if err := writePlot(&buf, p, width, height); err != nil {
		log.Println("error writing plot:", err)
	}
	return template.HTML(buf.String())
}

func newLinePlot(stats []nnet.Stats, ix int, value func(nnet.Stats) float64) *linePlot {
	var pts plotter.XYs
	xmax, ymax := 1.0, 0.0
	for _, s := range stats {
		pt := plotter.XY{X: float64(s.Epoch + 1), Y: value(s)}
		pts = append(pts, pt)
		if pt.X > xmax {
			xmax = pt.X
		}
		if pt.Y > ymax {
			ymax = pt.Y
		}
	}
	l := &plotter.Line{XYs: pts}
	l.Width = vg.Points(2)
	l.Color = plotutil.Color(ix)
	return &linePlot{Line: l, xmin: 1, xmax: xmax, ymin: 0, ymax: ymax}
}

// modified plotter.Line with a fixed scale
type linePlot struct {
	*plotter.Line
	xmin, xmax, ymin, ymax float64
}

func (l *linePlot) DataRange() (xmin, xmax, ymin, ymax float64) {
	return l.xmin, l.xmax, l.ymin, l.ymax
}

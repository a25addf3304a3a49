package web

import (
	"context"
	"encoding/json"
	"image/png"
	"io"
	"math"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jnb666/robustnet/nnet"
	"github.com/jnb666/robustnet/num"
)

var testShape = []int{3, 16, 16}

func testConfig() nnet.Config {
	conf := nnet.Default("ResNet18_F")
	conf.Width = 4
	conf.Mode = nnet.Natural
	conf.Eval = nnet.EvalClean
	conf.MaxEpoch = 1
	conf.TrainBatch = 4
	conf.Threads = 2
	conf.Augment = false
	conf.ADV.PGDAttackTest = 2
	conf.RandSeed = 1
	return conf
}

// server with a trainer which has completed one epoch on random data
func testServer(t *testing.T, opts Options) *Server {
	nnet.DataDir = t.TempDir()
	conf := testConfig()
	dev := num.NewDevice()
	q := dev.NewQueue(conf.Threads)
	rng := nnet.SetSeed(conf.RandSeed)
	net, err := nnet.New(q, conf, testShape)
	if err != nil {
		t.Fatal(err)
	}
	net.InitWeights(q, rng)
	data := nnet.RandomData(conf.Data.NumClass, testShape, 8, rng)
	train := nnet.NewDataset(dev, data, conf.TrainBatch, 0, rng)
	defer train.Release()
	trainer, err := nnet.NewTrainer(q, net, train, nil, rng)
	if err != nil {
		t.Fatal(err)
	}
	if err = trainer.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	opts.Trainer = trainer
	if opts.Viewer == nil {
		opts.Viewer = NewViewer(dev, conf, nnet.FileSink{}, map[string]nnet.Data{"test": data})
	}
	s, err := NewServer(opts)
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func get(t *testing.T, h http.Handler, url string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest("GET", url, nil))
	t.Logf("GET %s => %d", url, w.Code)
	return w
}

func TestTrainPage(t *testing.T) {
	s := testServer(t, Options{})
	w := get(t, s, "/train/stats")
	if w.Code != http.StatusOK {
		t.Fatalf("status %d", w.Code)
	}
	body := w.Body.String()
	for _, text := range []string{"ResNet18_F natural", "train acc", "<svg", "epoch time"} {
		if !strings.Contains(body, text) {
			t.Errorf("missing %q", text)
		}
	}
	if w = get(t, s, "/"); w.Code != http.StatusFound {
		t.Errorf("expected redirect got %d", w.Code)
	}
}

func TestPlot(t *testing.T) {
	s := testServer(t, Options{})
	for _, name := range []string{"loss", "accuracy"} {
		w := get(t, s, "/plot/"+name+".svg")
		if w.Code != http.StatusOK {
			t.Fatalf("status %d", w.Code)
		}
		if ct := w.Header().Get("Content-Type"); ct != "image/svg+xml" {
			t.Errorf("content type %s", ct)
		}
		if !strings.Contains(w.Body.String(), "<svg") {
			t.Error("expected svg output")
		}
	}
	if w := get(t, s, "/plot/other.svg"); w.Code != http.StatusNotFound {
		t.Errorf("expected not found got %d", w.Code)
	}
}

func TestProgress(t *testing.T) {
	s := testServer(t, Options{})
	w := get(t, s, "/progress")
	if w.Code != http.StatusOK {
		t.Fatalf("status %d", w.Code)
	}
	body := w.Body.String()
	t.Log(body)
	if !strings.Contains(body, `"Running":false`) || !strings.Contains(body, `"Phase":"train"`) {
		t.Error("unexpected progress", body)
	}
	var msg Progress
	if err := json.Unmarshal(w.Body.Bytes(), &msg); err != nil {
		t.Fatal(err)
	}
	if msg.Loss <= 0 || msg.Batch != msg.Batches {
		t.Errorf("expected average loss after %d batches: %+v", msg.Batches, msg)
	}
}

func TestEpochTime(t *testing.T) {
	s := testServer(t, Options{})
	html := string(s.Train.EpochTime(20))
	t.Log(html)
	secs, err := strconv.ParseFloat(html, 64)
	if err != nil {
		t.Fatal(err)
	}
	if elapsed := s.Train.trainer.Stats()[0].Elapsed.Seconds(); math.Abs(secs-elapsed) > 0.06 {
		t.Errorf("got %g expect %g", secs, elapsed)
	}
}

func TestStop(t *testing.T) {
	stopped := false
	s := testServer(t, Options{Stop: func() { stopped = true }})
	w := get(t, s, "/train/stop")
	if w.Code != http.StatusFound {
		t.Errorf("status %d", w.Code)
	}
	if stopped {
		t.Error("stop should be ignored when not running")
	}
}

func TestWebsocket(t *testing.T) {
	s := testServer(t, Options{})
	srv := httptest.NewServer(s)
	defer srv.Close()
	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws", nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	for start := time.Now(); ; time.Sleep(10 * time.Millisecond) {
		s.Train.mu.Lock()
		n := len(s.Train.conns)
		s.Train.mu.Unlock()
		if n > 0 {
			break
		}
		if time.Since(start) > 5*time.Second {
			t.Fatal("connection not registered")
		}
	}
	s.Train.Notify(nnet.Stats{Epoch: 7, TrainAcc: 12.5})
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var msg Progress
	if err = conn.ReadJSON(&msg); err != nil {
		t.Fatal(err)
	}
	t.Logf("%+v", msg)
	if msg.Stats == nil || msg.Stats.Epoch != 7 || msg.Stats.TrainAcc != 12.5 {
		t.Errorf("unexpected message %+v", msg)
	}
}

func TestAuth(t *testing.T) {
	s := testServer(t, Options{Auth: Credentials{User: "user", Password: "secret"}})
	if w := get(t, s, "/progress"); w.Code != http.StatusUnauthorized {
		t.Fatalf("expected unauthorized got %d", w.Code)
	}
	req := httptest.NewRequest("GET", "/progress", nil)
	req.SetBasicAuth("user", "wrong")
	w := httptest.NewRecorder()
	s.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("bad password: got %d", w.Code)
	}
	req = httptest.NewRequest("GET", "/progress", nil)
	req.SetBasicAuth("user", "secret")
	w = httptest.NewRecorder()
	s.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("login: got %d", w.Code)
	}
	cookies := w.Result().Cookies()
	if len(cookies) == 0 {
		t.Fatal("no session cookie")
	}
	req = httptest.NewRequest("GET", "/progress", nil)
	req.AddCookie(cookies[0])
	w = httptest.NewRecorder()
	s.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Errorf("cookie: got %d", w.Code)
	}
}

func postForm(s *Server, fields []Field, set map[string]string) *httptest.ResponseRecorder {
	form := url.Values{}
	for _, f := range fields {
		switch {
		case set[f.Name] != "":
			form.Set(f.Name, set[f.Name])
		case f.Boolean && f.On:
			form.Set(f.Name, "true")
		case !f.Boolean:
			form.Set(f.Name, f.Value)
		}
	}
	req := httptest.NewRequest("POST", "/config/save", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	w := httptest.NewRecorder()
	s.ServeHTTP(w, req)
	return w
}

func TestConfigSave(t *testing.T) {
	s := testServer(t, Options{})
	fields := append([]Field{}, s.Config.Fields...)
	w := postForm(s, fields, map[string]string{"Eta": "0.05", "LRSteps": "50, 75", "Train.PGDTrain": "7"})
	if w.Code != http.StatusFound {
		t.Fatalf("status %d", w.Code)
	}
	conf := s.Config.Config()
	if conf.Eta != 0.05 || conf.Train.PGDTrain != 7 || len(conf.LRSteps) != 2 || conf.LRSteps[1] != 75 {
		t.Errorf("config not updated: %v", conf)
	}
	saved, err := nnet.LoadConfig(conf.Model + ".net")
	if err != nil {
		t.Fatal(err)
	}
	if saved.Eta != 0.05 || saved.Width != 4 {
		t.Errorf("saved config: eta=%g width=%d", saved.Eta, saved.Width)
	}

	// flash message is shown on the next page view
	req := httptest.NewRequest("GET", "/config", nil)
	for _, c := range w.Result().Cookies() {
		req.AddCookie(c)
	}
	w = httptest.NewRecorder()
	s.ServeHTTP(w, req)
	if !strings.Contains(w.Body.String(), "saved ResNet18_F.net") {
		t.Error("missing flash message")
	}
}

func TestConfigInvalid(t *testing.T) {
	s := testServer(t, Options{})
	w := postForm(s, s.Config.Fields, map[string]string{"Eta": "fast"})
	if w.Code != http.StatusFound {
		t.Fatalf("status %d", w.Code)
	}
	if s.Config.Config().Eta != 0.1 {
		t.Error("config should not be updated")
	}
	if _, err := os.Stat(path.Join(nnet.DataDir, "ResNet18_F.net")); err == nil {
		t.Error("config should not be saved")
	}
	for _, f := range s.Config.Fields {
		if f.Name == "Eta" && f.Error == "" {
			t.Error("expected field error")
		}
	}
}

func TestImages(t *testing.T) {
	s := testServer(t, Options{Rows: 2, Cols: 2})
	w := get(t, s, "/images/test/2")
	if w.Code != http.StatusOK {
		t.Fatalf("status %d", w.Code)
	}
	if body := w.Body.String(); !strings.Contains(body, "/img/test/8?kind=clean") || strings.Contains(body, "/img/test/9") {
		t.Error("unexpected image grid", body)
	}
	if w = get(t, s, "/images/other/1"); w.Code != http.StatusNotFound {
		t.Errorf("expected not found got %d", w.Code)
	}
	for _, kind := range ImageKinds {
		w = get(t, s, "/img/test/3?kind="+kind)
		if w.Code != http.StatusOK {
			t.Fatalf("%s: status %d", kind, w.Code)
		}
		m, err := png.Decode(io.Reader(w.Body))
		if err != nil {
			t.Fatal(err)
		}
		if b := m.Bounds(); b.Dx() != 16 || b.Dy() != 16 {
			t.Errorf("%s: image size %v", kind, b)
		}
	}
	if w = get(t, s, "/img/test/9"); w.Code != http.StatusNotFound {
		t.Errorf("expected not found got %d", w.Code)
	}
}

func TestViewerSample(t *testing.T) {
	s := testServer(t, Options{})
	v := s.Images.view
	sm, err := v.Sample("test", 0)
	if err != nil {
		t.Fatal(err)
	}
	eps := float32(v.Conf.ADV.ClipEps/255) + 1e-6
	for i, x := range sm.Clean.Pix {
		d := sm.Adv.Pix[i] - x
		if d > eps || d < -eps {
			t.Fatalf("pixel %d: perturbation %g exceeds %g", i, d, eps)
		}
	}
	// low and high frequency components sum to the input
	for i, x := range sm.Clean.Pix {
		hf := sm.HF.Pix[i] - 0.5
		if hf > -0.5 && hf < 0.5 {
			if d := sm.LF.Pix[i] + hf - x; d > 1e-4 || d < -1e-4 {
				t.Fatalf("pixel %d: lf+hf=%g expect %g", i, sm.LF.Pix[i]+hf, x)
			}
		}
	}
	if again, _ := v.Sample("test", 0); again != sm {
		t.Error("expected cached sample")
	}
}

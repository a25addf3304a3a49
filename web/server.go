// Package web has a web based interface to monitor network training and view adversarial examples.
package web

import (
	"context"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/securecookie"
	"github.com/jnb666/robustnet/nnet"
	"github.com/pkg/errors"
)

// Options for the web server
type Options struct {
	Trainer    *nnet.Trainer
	Viewer     *Viewer
	ConfigName string
	Stop       func()
	Auth       Credentials
	SessionKey []byte
	Scale      float64
	Rows       int
	Cols       int
}

// Server has the routes for the train, images and config pages
type Server struct {
	*mux.Router
	Train  *TrainPage
	Images *ImagePage
	Config *ConfigPage
}

// NewServer sets up the page handlers. The images page is only enabled if Viewer is set.
func NewServer(opts Options) (*Server, error) {
	if opts.Trainer == nil {
		return nil, errors.New("web: trainer is required")
	}
	if opts.SessionKey == nil {
		opts.SessionKey = securecookie.GenerateRandomKey(32)
	}
	if opts.Scale <= 0 {
		opts.Scale = 3
	}
	if opts.Rows <= 0 || opts.Cols <= 0 {
		opts.Rows, opts.Cols = 8, 10
	}
	t, err := NewTemplates(opts.SessionKey)
	if err != nil {
		return nil, errors.Wrap(err, "web: parse templates")
	}
	s := &Server{
		Router: mux.NewRouter(),
		Train:  NewTrainPage(t.Clone(), opts.Trainer, opts.Stop),
		Config: NewConfigPage(t.Clone(), opts.Trainer.Net.Config, opts.ConfigName),
	}
	r := s.Router
	r.Use(NewAuthMiddleware(opts.Auth).Middleware)
	r.Handle("/", http.RedirectHandler("/train/stats", http.StatusFound))

	r.Handle("/train", http.RedirectHandler("/train/stats", http.StatusFound))
	r.HandleFunc("/train/{cmd:(?:stats|stop)}", s.Train.Base())
	r.HandleFunc("/stats", s.Train.Stats())
	r.HandleFunc("/progress", s.Train.Progress())
	r.HandleFunc("/plot/{name:(?:loss|accuracy)}.svg", s.Train.Plot())
	r.HandleFunc("/ws", s.Train.Websocket())

	if opts.Viewer != nil {
		s.Images = NewImagePage(t.Clone(), opts.Viewer, opts.Scale, opts.Rows, opts.Cols)
		r.Handle("/images", http.RedirectHandler("/images/test/1", http.StatusFound))
		r.HandleFunc("/images/{dset}/{page:[0-9]+}", s.Images.Base())
		r.HandleFunc("/img/{dset}/{id:[0-9]+}", s.Images.Image())
	}

	r.HandleFunc("/config", s.Config.Base())
	r.HandleFunc("/config/save", s.Config.Save()).Methods("POST")
	r.HandleFunc("/config/reset", s.Config.Reset())
	return s, nil
}

// ListenAndServe runs the server until the context is cancelled.
func ListenAndServe(ctx context.Context, addr string, h http.Handler) error {
	srv := &http.Server{Addr: addr, Handler: h}
	errc := make(chan error, 1)
	go func() {
		log.Printf("serving web page at http://%s", addr)
		errc <- srv.ListenAndServe()
	}()
	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		shutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdown)
	}
}

package web

import (
	"fmt"
	"html/template"
	"image/png"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/jnb666/robustnet/img"
)

// Image kinds which can be displayed
var ImageKinds = []string{"clean", "adv", "diff", "hf", "lf"}

// Gain applied to the adversarial perturbation for display
var DiffGain float32 = 8

type ImagePage struct {
	*Templates
	Dset   string
	Kind   string
	Page   int
	Pages  int
	Rows   []int
	Cols   []int
	Width  int
	Height int
	view   *Viewer
}

// Base data for handler functions to view the input images with their adversarial examples
func NewImagePage(t *Templates, view *Viewer, scale float64, rows, cols int) *ImagePage {
	p := &ImagePage{view: view, Templates: t.Select("/images"), Page: 1, Kind: "clean"}
	for _, kind := range ImageKinds {
		p.AddOption(Link{Name: kind, Url: "?kind=" + kind})
	}
	p.Rows, p.Cols = seq(rows), seq(cols)
	if d, ok := view.Data["test"]; ok {
		dims := d.Shape()
		p.Width = int(float64(dims[2]) * scale)
		p.Height = int(float64(dims[1]) * scale)
	}
	return p
}

// Handler function for the page with a grid of images
func (p *ImagePage) Base() func(w http.ResponseWriter, r *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		page := *p
		vars := mux.Vars(r)
		page.Dset = vars["dset"]
		d, ok := p.view.Data[page.Dset]
		if !ok {
			http.NotFound(w, r)
			return
		}
		if kind := r.FormValue("kind"); validKind(kind) {
			page.Kind = kind
		}
		perPage := len(p.Rows) * len(p.Cols)
		page.Pages = (d.Len() + perPage - 1) / perPage
		page.Page, _ = strconv.Atoi(vars["page"])
		if page.Page < 1 || page.Page > page.Pages {
			page.Page = 1
		}
		page.Exec(w, "images", &page)
	}
}

func (p *ImagePage) Heading() template.HTML {
	return template.HTML(fmt.Sprintf("%s images: %s", p.Dset, p.Kind))
}

// Index returns the image id at the given grid position, starting from 1, or 0 if past the end.
func (p *ImagePage) Index(row, col int) int {
	rows, cols := len(p.Rows), len(p.Cols)
	index := (p.Page-1)*rows*cols + row*cols + col
	if index >= p.view.Data[p.Dset].Len() {
		return 0
	}
	return index + 1
}

// Label returns the class name for image id.
func (p *ImagePage) Label(id int) string {
	d := p.view.Data[p.Dset]
	label := make([]int32, 1)
	d.Label([]int{id - 1}, label)
	if classes := d.Classes(); int(label[0]) < len(classes) {
		return classes[label[0]]
	}
	return strconv.Itoa(int(label[0]))
}

// Handler function for the image data. Misclassified images are highlighted.
func (p *ImagePage) Image() func(w http.ResponseWriter, r *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		vars := mux.Vars(r)
		id, _ := strconv.Atoi(vars["id"])
		kind := r.FormValue("kind")
		if kind == "" {
			kind = "clean"
		}
		if !validKind(kind) {
			http.NotFound(w, r)
			return
		}
		s, err := p.view.Sample(vars["dset"], id-1)
		if err != nil {
			http.NotFound(w, r)
			return
		}
		var image *img.Image
		switch kind {
		case "clean":
			image = img.Highlight(s.Clean, s.Pred != s.Label)
		case "adv":
			image = img.Highlight(s.Adv, s.AdvPred != s.Label)
		case "diff":
			image = img.Diff(s.Adv, s.Clean, DiffGain)
		case "hf":
			image = s.HF
		case "lf":
			image = s.LF
		}
		w.Header().Set("Content-type", "image/png")
		if err = png.Encode(w, image); err != nil {
			logError(w, err)
		}
	}
}

func validKind(kind string) bool {
	for _, k := range ImageKinds {
		if k == kind {
			return true
		}
	}
	return false
}

func seq(n int) []int {
	s := make([]int, n)
	for i := range s {
		s[i] = i
	}
	return s
}

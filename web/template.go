package web

import (
	"fmt"
	"html/template"
	"log"
	"net/http"
	"strings"

	"github.com/gorilla/sessions"
)

const sessionName = "robustnet"

// Template and main menu definition
type Templates struct {
	*template.Template
	Menu    []Link
	Options []Link
	store   sessions.Store
}

type Link struct {
	Url      string
	Name     string
	Selected bool
	Submit   bool
}

// Parse the page templates and initialise the main menu. sessionKey is used to authenticate the
// session cookie which holds flash messages.
func NewTemplates(sessionKey []byte) (*Templates, error) {
	var err error
	t := &Templates{}
	t.Template, err = template.New("base").Parse(pageTemplates)
	if err != nil {
		return nil, err
	}
	t.Menu = []Link{
		{Name: "train", Url: "/train"},
		{Name: "images", Url: "/images"},
		{Name: "config", Url: "/config"},
	}
	t.store = sessions.NewCookieStore(sessionKey)
	return t, nil
}

func (t *Templates) Clone() *Templates {
	return &Templates{
		Template: t.Template,
		Menu:     append([]Link{}, t.Menu...),
		Options:  append([]Link{}, t.Options...),
		store:    t.store,
	}
}

func (t *Templates) Select(url string) *Templates {
	for i, key := range t.Menu {
		t.Menu[i].Selected = strings.HasPrefix(key.Url, url)
	}
	return t
}

func (t *Templates) AddOption(l Link) *Templates {
	t.Options = append(t.Options, l)
	return t
}

// Exec renders the named template with the page data
func (t *Templates) Exec(w http.ResponseWriter, name string, data interface{}) {
	if err := t.ExecuteTemplate(w, name, data); err != nil {
		logError(w, err)
	}
}

// Flash saves a message in the session to be shown on the next page view
func (t *Templates) Flash(w http.ResponseWriter, r *http.Request, msg string) {
	session, err := t.store.Get(r, sessionName)
	if err != nil {
		log.Println("session error:", err)
	}
	session.AddFlash(msg)
	if err = session.Save(r, w); err != nil {
		log.Println("error saving session:", err)
	}
}

// Messages returns and clears any flash messages
func (t *Templates) Messages(w http.ResponseWriter, r *http.Request) []string {
	session, err := t.store.Get(r, sessionName)
	if err != nil {
		return nil
	}
	var msgs []string
	for _, m := range session.Flashes() {
		msgs = append(msgs, fmt.Sprint(m))
	}
	if len(msgs) > 0 {
		if err = session.Save(r, w); err != nil {
			log.Println("error saving session:", err)
		}
	}
	return msgs
}

func logError(w http.ResponseWriter, err error) {
	log.Println(err)
	http.Error(w, fmt.Sprint(err), http.StatusInternalServerError)
}

const pageTemplates = `
{{define "header"}}<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<title>robustnet</title>
<style>
body { font-family: sans-serif; margin: 0 1em; }
.menu a { margin-right: 1em; text-decoration: none; }
.menu a.selected { font-weight: bold; }
table.stats td, table.stats th { padding: 0 0.6em; text-align: right; }
.error { color: #c00; }
.flash { color: #060; }
.grid img { margin: 2px; image-rendering: pixelated; }
</style>
</head>
<body>
<div class="menu">
{{range .Menu}}<a href="{{.Url}}"{{if .Selected}} class="selected"{{end}}>{{.Name}}</a>{{end}}
|
{{range .Options}}{{if .Submit}}<button type="submit" form="configForm">{{.Name}}</button>{{else}}<a href="{{.Url}}">{{.Name}}</a>{{end}}{{end}}
</div>
{{end}}

{{define "footer"}}</body>
</html>
{{end}}

{{define "train"}}{{template "header" .}}
<h3>{{.Heading}}</h3>
<div id="progress">{{.Status}}</div>
<div>{{.LossPlot 600 300}}</div>
<div>{{.AccuracyPlot 600 300}}</div>
{{template "stats" .}}
<script>
var ws = new WebSocket((location.protocol === "https:" ? "wss://" : "ws://") + location.host + "/ws");
ws.onmessage = function(ev) { location.reload(); };
</script>
{{template "footer"}}{{end}}

{{define "stats"}}<table class="stats">
<tr><th>epoch</th>{{range .Headers}}<th>{{.}}</th>{{end}}<th>time</th></tr>
{{range .LatestStats 20}}<tr><td>{{.Epoch}}{{if .IsBest}}*{{end}}</td>{{range .Format}}<td>{{.}}</td>{{end}}<td>{{.Elapsed}}</td></tr>
{{end}}</table>
{{if .LatestStats 1}}<div>epoch time {{.EpochTime 20}}s</div>{{end}}
{{end}}

{{define "config"}}{{template "header" .}}
<h3>{{.Heading}}</h3>
{{range .Flashes}}<div class="flash">{{.}}</div>{{end}}
<form id="configForm" method="post" action="/config/save">
<table>
{{range .Fields}}<tr><td>{{.Name}}</td><td>{{if .Boolean}}<input type="checkbox" name="{{.Name}}" value="true"{{if .On}} checked{{end}}>{{else}}<input type="text" name="{{.Name}}" value="{{.Value}}">{{end}}</td><td class="error">{{.Error}}</td></tr>
{{end}}</table>
</form>
{{template "footer"}}{{end}}

{{define "images"}}{{template "header" .}}
<h3>{{.Heading}}</h3>
<div class="grid">
{{range $row := .Rows}}<div>{{range $col := $.Cols}}{{with $.Index $row $col}}<a href="/img/{{$.Dset}}/{{.}}?kind=adv"><img src="/img/{{$.Dset}}/{{.}}?kind={{$.Kind}}" width="{{$.Width}}" height="{{$.Height}}" title="{{$.Label .}}"></a>{{end}}{{end}}</div>
{{end}}</div>
<div>page {{.Page}} of {{.Pages}}</div>
{{template "footer"}}{{end}}
`

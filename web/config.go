package web

import (
	"fmt"
	"html/template"
	"log"
	"net/http"
	"sync"

	"github.com/jnb666/robustnet/nnet"
)

// ConfigPage views and edits the model configuration. Saved changes apply to the next run.
type ConfigPage struct {
	*Templates
	Fields []Field
	name   string
	conf   nnet.Config
	sync.Mutex
}

type Field struct {
	Name    string
	Value   string
	Error   string
	Boolean bool
	On      bool
}

type configView struct {
	*ConfigPage
	Flashes []string
}

// Base data for handler functions to view and update the network config. Changes are saved to
// <name>.net under nnet.DataDir.
func NewConfigPage(t *Templates, conf nnet.Config, name string) *ConfigPage {
	if name == "" {
		name = conf.Model
	}
	p := &ConfigPage{conf: conf, name: name}
	p.Templates = t.Select("/config")
	p.AddOption(Link{Name: "save", Url: "/config/save", Submit: true})
	p.AddOption(Link{Name: "reset", Url: "/config/reset"})
	p.Fields = getFields(conf)
	return p
}

// Config returns the current settings
func (p *ConfigPage) Config() nnet.Config {
	p.Lock()
	defer p.Unlock()
	return p.conf
}

// Handler function for the config template
func (p *ConfigPage) Base() func(w http.ResponseWriter, r *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		msgs := p.Messages(w, r)
		p.Lock()
		defer p.Unlock()
		p.Exec(w, "config", configView{ConfigPage: p, Flashes: msgs})
	}
}

// Handler function for the config form save action
func (p *ConfigPage) Save() func(w http.ResponseWriter, r *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		p.Lock()
		defer p.Unlock()
		if err := r.ParseForm(); err != nil {
			logError(w, err)
			return
		}
		haveErrors := false
		conf := p.conf
		for i, fld := range p.Fields {
			val := r.Form.Get(fld.Name)
			var err error
			if fld.Boolean {
				p.Fields[i].On = (val == "true")
				conf, err = conf.SetBool(fld.Name, p.Fields[i].On)
			} else {
				p.Fields[i].Value = val
				conf, err = conf.SetString(fld.Name, val)
			}
			p.Fields[i].Error = ""
			if err != nil {
				p.Fields[i].Error = "invalid syntax"
				haveErrors = true
			}
		}
		if haveErrors {
			p.Flash(w, r, "not saved: invalid settings")
		} else {
			if err := conf.Save(p.name + ".net"); err != nil {
				logError(w, err)
				return
			}
			p.conf = conf
			log.Println("saved config", p.name)
			p.Flash(w, r, fmt.Sprintf("saved %s.net", p.name))
		}
		http.Redirect(w, r, "/config", http.StatusFound)
	}
}

// Handler function to reset the settings to the defaults for the model
func (p *ConfigPage) Reset() func(w http.ResponseWriter, r *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		p.Lock()
		defer p.Unlock()
		conf := nnet.Default(p.conf.Model)
		conf.Mode, conf.Eval = p.conf.Mode, p.conf.Eval
		if err := conf.Save(p.name + ".net"); err != nil {
			logError(w, err)
			return
		}
		p.conf = conf
		p.Fields = getFields(conf)
		p.Flash(w, r, "reset to defaults")
		http.Redirect(w, r, "/config", http.StatusFound)
	}
}

func (p *ConfigPage) Heading() template.HTML {
	return template.HTML("config: " + template.HTMLEscapeString(p.name))
}

func getFields(conf nnet.Config) []Field {
	var flds []Field
	for _, key := range conf.Fields() {
		if key == "Model" {
			continue
		}
		f := Field{Name: key, Value: conf.Format(key)}
		f.On, f.Boolean = conf.Get(key).(bool)
		flds = append(flds, f)
	}
	return flds
}

// Package web renders the status dashboard.
package web

import (
	"bytes"
	"embed"
	"html/template"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/matst80/psibot/internal/obs"
)

//go:embed templates/*.html
var tmplFS embed.FS

var (
	once sync.Once
	tmpl *template.Template
)

func load() {
	base := template.New("base").Funcs(template.FuncMap{
		"join": strings.Join,
		"ago": func(t time.Time) string {
			if t.IsZero() {
				return "-"
			}
			return time.Since(t).Truncate(time.Second).String()
		},
	})
	tmpl = template.Must(base.ParseFS(tmplFS, "templates/base.html", "templates/*.html"))
}

// Render writes the named template to w with data enriched by Now. If the
// named template fails, the plain base page is written instead. Nothing
// reaches w from a failed execution.
func Render(w io.Writer, name string, data map[string]any) error {
	once.Do(load)
	return render(tmpl, w, name, data)
}

func render(t *template.Template, w io.Writer, name string, data map[string]any) error {
	if data == nil {
		data = map[string]any{}
	}
	data["Now"] = time.Now().Format(time.RFC822)
	var buf bytes.Buffer
	if err := t.ExecuteTemplate(&buf, name, data); err != nil {
		obs.Error("web.render", obs.Fields{"template": name, "err": err.Error()})
		buf.Reset()
		if err := t.ExecuteTemplate(&buf, "base", data); err != nil {
			return err
		}
	}
	_, err := buf.WriteTo(w)
	return err
}

package server

import (
	"embed"
	"html/template"
	"io"
)

//go:embed templates/index.html
var templatesFS embed.FS

var indexTmpl = template.Must(template.ParseFS(templatesFS, "templates/index.html"))

type pageRenderer struct {
	title string
	tmpl  *template.Template
}

func newPageRenderer(title string) *pageRenderer {
	if title == "" {
		title = "Chat"
	}
	return &pageRenderer{title: title, tmpl: indexTmpl}
}

type pageData struct {
	Title    string
	Username string
}

func (p *pageRenderer) render(w io.Writer, username string) error {
	return p.tmpl.Execute(w, pageData{Title: p.title, Username: username})
}

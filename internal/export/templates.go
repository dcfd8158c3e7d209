package export

import (
	"bytes"
	"embed"
	"html/template"
)

//go:embed templates/*.html
var templateFS embed.FS

var performanceTemplate = template.Must(template.ParseFS(templateFS, "templates/performance.html"))

// TemplateData is the view model of the run sheet.
type TemplateData struct {
	Lang              string
	Title             string
	Description       string
	Status            string
	Premiere          string
	Acts              []TemplateAct
	UnassignedHeading string
	UnassignedHTML    template.HTML
	ChecklistHeading  string
	Checklist         []TemplateProp
}

type TemplateAct struct {
	Heading string
	Scenes  []TemplateScene
}

type TemplateScene struct {
	Heading   string
	NotesHTML template.HTML
	Props     []string
}

type TemplateProp struct {
	Name  string
	Scene string
	Ready bool
}

// RenderPerformanceHTML renders the run sheet template.
func RenderPerformanceHTML(data TemplateData) (string, error) {
	var buf bytes.Buffer
	if err := performanceTemplate.ExecuteTemplate(&buf, "performance.html", data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

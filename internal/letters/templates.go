package letters

import (
	"bytes"
	"embed"
	"html/template"
	"strings"
	"time"
)

//go:embed templates/*.html
var templateFS embed.FS

var letterTemplate *template.Template

func init() {
	funcMap := template.FuncMap{
		"lower": strings.ToLower,
		"formatDate": func(t time.Time, layout string) string {
			return t.Format(layout)
		},
	}

	templateContent, err := templateFS.ReadFile("templates/letter.html")
	if err != nil {
		letterTemplate = template.Must(template.New("letter").Funcs(funcMap).Parse(fallbackTemplate))
		return
	}

	letterTemplate = template.Must(template.New("letter").Funcs(funcMap).Parse(string(templateContent)))
}

// RenderHTML renders the letter template.
func RenderHTML(data Data) (string, error) {
	var buf bytes.Buffer
	if err := letterTemplate.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

const fallbackTemplate = `<!DOCTYPE html>
<html>
<head>
  <meta charset="UTF-8">
  <title>Decision {{.ReferenceNumber}}</title>
</head>
<body>
  <h1>Research Application Decision</h1>
  <p>Reference: {{.ReferenceNumber}}</p>
  <p>Title: {{.Title}}</p>
  <p>Applicant: {{.ApplicantName}}</p>
  <p>Decision: {{.Decision}} on {{formatDate .DecisionDate "2 January 2006"}}</p>
  {{if .Notes}}<p>{{.Notes}}</p>{{end}}
  {{if .Approved}}<p>Verify at {{.VerifyURL}} (hash {{.PayloadHash}})</p>{{end}}
</body>
</html>`

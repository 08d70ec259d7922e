package gemini

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"text/template"

	"github.com/phrazzld/contextflow/internal/domain"
)

const defaultPrompt = `{{.Instructions}}
{{- if .Parameters}}

Parameters:
{{- range .Parameters}}
- {{.Key}}: {{.Value}}
{{- end}}
{{- end}}
{{- if .Text}}

Input text:
{{.Text}}
{{- end}}
{{- if .Data}}

Input data (JSON):
{{.Data}}
{{- end}}

Respond with a single JSON object.`

type parameter struct {
	Key   string
	Value string
}

// promptData is the data passed to the prompt template.
type promptData struct {
	Instructions string
	Parameters   []parameter
	Text         string
	Data         string
}

var promptTemplate = template.Must(template.New("prompt").Parse(defaultPrompt))

// renderPrompt builds the model prompt for one context. Parameters are
// rendered in key order so identical inputs yield identical prompts.
func renderPrompt(tmpl domain.Template, req domain.Request) (string, error) {
	if req.Text == "" && len(req.Data) == 0 {
		return "", domain.Permanent(domain.Validationf("request has neither text nor data"))
	}

	data := promptData{
		Instructions: tmpl.Instructions,
		Text:         req.Text,
		Data:         string(req.Data),
	}
	if data.Instructions == "" {
		data.Instructions = fmt.Sprintf("Perform the %q task on the input below.", tmpl.Purpose)
	}

	keys := make([]string, 0, len(tmpl.Parameters))
	for k := range tmpl.Parameters {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		v := tmpl.Parameters[k]
		s, ok := v.(string)
		if !ok {
			raw, err := json.Marshal(v)
			if err != nil {
				return "", domain.Permanent(fmt.Errorf("parameter %s: %w", k, err))
			}
			s = string(raw)
		}
		data.Parameters = append(data.Parameters, parameter{Key: k, Value: s})
	}

	var buf bytes.Buffer
	if err := promptTemplate.Execute(&buf, data); err != nil {
		return "", domain.Permanent(fmt.Errorf("failed to execute prompt template: %w", err))
	}
	return buf.String(), nil
}

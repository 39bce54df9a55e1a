package agent

import (
	"fmt"
	"strings"

	"github.com/rakunlabs/cortex/internal/render"
)

const defaultSystemPromptTemplate = `You are a helpful assistant.
{{- if .User.Name }} You are speaking with {{ .User.Name }}.{{ end }}
{{- range .Docs }}

[retrieved from {{ .Source }}]
{{ .Text }}
{{- end }}`

// renderSystemPrompt renders tmpl (or the package default when tmpl is
// empty) through the same mugo template engine internal/render exposes for
// workflow template nodes, with the resolved user and retrieved documents
// as the template's data.
func renderSystemPrompt(tmpl string, user User, docs []RetrievedDoc) (string, error) {
	if tmpl == "" {
		tmpl = defaultSystemPromptTemplate
	}

	data := map[string]any{
		"User": user,
		"Docs": docs,
	}

	out, err := render.ExecuteWithFuncs(tmpl, data, nil)
	if err != nil {
		return "", fmt.Errorf("render system prompt: %w", err)
	}

	return strings.TrimSpace(string(out)), nil
}

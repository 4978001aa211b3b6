package feed

import (
	"fmt"
	"strings"
	"text/template"

	"calfeed/internal/model"
)

// NewTemplatePolicy compiles a URL template over model.URLInput. Unknown
// fields are rejected when the template is compiled, not per event.
func NewTemplatePolicy(text string) (model.URLPolicy, error) {
	tmpl, err := template.New("url").Option("missingkey=error").Parse(text)
	if err != nil {
		return nil, fmt.Errorf("parse url template: %w", err)
	}
	policy := func(in model.URLInput) (string, error) {
		var b strings.Builder
		if err := tmpl.Execute(&b, in); err != nil {
			return "", err
		}
		return strings.TrimSpace(b.String()), nil
	}
	if _, err := policy(model.URLInput{ID: "1", Title: "t", Slug: "s", BaseURL: "https://example.test"}); err != nil {
		return nil, fmt.Errorf("url template: %w", err)
	}
	return policy, nil
}

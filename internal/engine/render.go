package engine

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"text/template"
)

// TemplateRenderer is the built-in Renderer. Templates are registered
// once at startup and rendered with text/template.
type TemplateRenderer struct {
	mu        sync.RWMutex
	templates map[string]*messageTemplate
}

type messageTemplate struct {
	subject *template.Template
	body    *template.Template
}

func NewTemplateRenderer() *TemplateRenderer {
	return &TemplateRenderer{
		templates: make(map[string]*messageTemplate),
	}
}

// Register parses and stores a subject/body template pair under an id.
// Registering an id twice replaces the earlier pair.
func (r *TemplateRenderer) Register(id, subject, body string) error {
	subjectTmpl, err := template.New(id + ":subject").Option("missingkey=error").Parse(subject)
	if err != nil {
		return fmt.Errorf("failed to parse subject template: %w", err)
	}
	bodyTmpl, err := template.New(id + ":body").Option("missingkey=error").Parse(body)
	if err != nil {
		return fmt.Errorf("failed to parse body template: %w", err)
	}

	r.mu.Lock()
	r.templates[id] = &messageTemplate{subject: subjectTmpl, body: bodyTmpl}
	r.mu.Unlock()
	return nil
}

func (r *TemplateRenderer) Render(ctx context.Context, templateID string, vars map[string]string) (string, string, error) {
	r.mu.RLock()
	tmpl, ok := r.templates[templateID]
	r.mu.RUnlock()
	if !ok {
		return "", "", fmt.Errorf("template %q is not registered", templateID)
	}

	var subject, body strings.Builder
	if err := tmpl.subject.Execute(&subject, vars); err != nil {
		return "", "", fmt.Errorf("failed to render subject: %w", err)
	}
	if err := tmpl.body.Execute(&body, vars); err != nil {
		return "", "", fmt.Errorf("failed to render body: %w", err)
	}
	return subject.String(), body.String(), nil
}

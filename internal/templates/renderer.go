package templates

import (
	"fmt"
	"net/url"
	"sync"

	"github.com/osteele/liquid"
)

// Content is the source of one message: subject, HTML and optional text.
type Content struct {
	Subject string
	HTML    string
	Text    string
}

// Rendered is a message ready for the transport.
type Rendered struct {
	Subject     string          `json:"subject"`
	HTML        string          `json:"html"`
	Text        string          `json:"text,omitempty"`
	Unsubscribe UnsubscribeKind `json:"unsubscribe,omitempty"`
}

// Renderer renders liquid templates. Parsed templates are cached by source.
type Renderer struct {
	engine *liquid.Engine
	cache  sync.Map // source -> *liquid.Template
}

// NewRenderer creates a Renderer with the site filters registered.
func NewRenderer() *Renderer {
	engine := liquid.NewEngine()
	engine.RegisterFilter("default", func(value any, fallback string) any {
		if value == nil {
			return fallback
		}
		if s, ok := value.(string); ok && s == "" {
			return fallback
		}
		return value
	})
	engine.RegisterFilter("urlencode", func(s string) string {
		return url.QueryEscape(s)
	})
	return &Renderer{engine: engine}
}

func (r *Renderer) parse(src string) (*liquid.Template, error) {
	if t, ok := r.cache.Load(src); ok {
		return t.(*liquid.Template), nil
	}
	t, err := r.engine.ParseString(src)
	if err != nil {
		return nil, err
	}
	r.cache.Store(src, t)
	return t, nil
}

func (r *Renderer) renderString(src string, bindings liquid.Bindings) (string, error) {
	if src == "" {
		return "", nil
	}
	t, err := r.parse(src)
	if err != nil {
		return "", err
	}
	out, serr := t.RenderString(bindings)
	if serr != nil {
		return "", serr
	}
	return out, nil
}

// Render expands the unsubscribe token and renders every part with vars and
// links. Variables missing from vars render as empty strings.
func (r *Renderer) Render(c Content, vars map[string]any, links UnsubscribeLinks) (*Rendered, error) {
	bindings := make(liquid.Bindings, len(vars)+4)
	for k, v := range vars {
		bindings[k] = v
	}
	links.apply(bindings)

	kind, _ := DetectUnsubscribe(c.HTML, c.Text)
	html, text := expandUnsubscribe(c.HTML, c.Text)

	subject, err := r.renderString(c.Subject, bindings)
	if err != nil {
		return nil, fmt.Errorf("render subject: %w", err)
	}
	htmlOut, err := r.renderString(html, bindings)
	if err != nil {
		return nil, fmt.Errorf("render html: %w", err)
	}
	textOut, err := r.renderString(text, bindings)
	if err != nil {
		return nil, fmt.Errorf("render text: %w", err)
	}
	return &Rendered{Subject: subject, HTML: htmlOut, Text: textOut, Unsubscribe: kind}, nil
}

// Validate parses every part and reports the first syntax error.
func (r *Renderer) Validate(c Content) error {
	html, text := expandUnsubscribe(c.HTML, c.Text)
	parts := []struct{ name, src string }{
		{"subject", c.Subject},
		{"htmlContent", html},
		{"textContent", text},
	}
	for _, p := range parts {
		if p.src == "" {
			continue
		}
		if _, err := r.engine.ParseString(p.src); err != nil {
			return fmt.Errorf("%s: %w", p.name, err)
		}
	}
	return nil
}

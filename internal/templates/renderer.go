package templates

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"text/template"

	sprig "github.com/Masterminds/sprig/v3"
)

// FileRefPrefix marks caption text that names a template file in the sandbox,
// e.g. "@promo/weekday" for promo/weekday.tmpl.
const FileRefPrefix = "@"

// Renderer turns caption text into the final string drawn on a slide. Captions
// are Go templates with the Sprig function set, minus helpers that reach the
// process environment or the filesystem.
type Renderer struct {
	sandbox *Sandbox
	funcs   template.FuncMap

	mu       sync.RWMutex
	compiled map[string]*Template
}

// Template is a compiled caption template, safe for concurrent use.
type Template struct {
	name string
	tmpl *template.Template
}

// NewRenderer constructs a renderer. A nil sandbox disables file references.
func NewRenderer(sandbox *Sandbox) *Renderer {
	funcs := sprig.TxtFuncMap()
	for _, name := range []string{
		"env",
		"expandenv",
		"readDir",
		"mustReadDir",
		"readFile",
		"mustReadFile",
		"glob",
		"getHostByName",
	} {
		delete(funcs, name)
	}
	funcs["lines"] = func(s string) []string { return strings.Split(s, "\n") }
	return &Renderer{sandbox: sandbox, funcs: funcs, compiled: make(map[string]*Template)}
}

// Sandbox returns the sandbox captions are read from, or nil.
func (r *Renderer) Sandbox() *Sandbox { return r.sandbox }

// CompileInline parses an inline template. Blank sources return nil without
// error.
func (r *Renderer) CompileInline(name, source string) (*Template, error) {
	if strings.TrimSpace(source) == "" {
		return nil, nil
	}
	if name == "" {
		name = "inline"
	}
	tmpl, err := template.New(name).Funcs(r.funcs).Option("missingkey=zero").Parse(source)
	if err != nil {
		return nil, fmt.Errorf("templates: compile %q: %w", name, err)
	}
	return &Template{name: name, tmpl: tmpl}, nil
}

// CompileFile parses a template file resolved through the sandbox.
func (r *Renderer) CompileFile(path string) (*Template, error) {
	if r.sandbox == nil {
		return nil, errors.New("templates: file templates require a sandbox")
	}
	resolved, err := r.sandbox.Resolve(path)
	if err != nil {
		return nil, err
	}
	contents, err := os.ReadFile(resolved)
	if err != nil {
		return nil, fmt.Errorf("templates: read %q: %w", path, err)
	}
	return r.CompileInline(filepath.Base(resolved), string(contents))
}

// Caption renders caption text against data. Plain text is returned as is,
// "@name" loads name.tmpl from the sandbox, and anything containing "{{" is
// rendered inline. Compiled templates are reused across calls.
func (r *Renderer) Caption(text string, data map[string]any) (string, error) {
	ref, isFile := strings.CutPrefix(strings.TrimSpace(text), FileRefPrefix)
	if !isFile && !strings.Contains(text, "{{") {
		return text, nil
	}

	key := text
	r.mu.RLock()
	tmpl, ok := r.compiled[key]
	r.mu.RUnlock()
	if !ok {
		var err error
		if isFile {
			tmpl, err = r.CompileFile(filepath.FromSlash(ref) + CaptionExt)
		} else {
			tmpl, err = r.CompileInline("caption", text)
		}
		if err != nil {
			return "", err
		}
		if tmpl == nil {
			return "", nil
		}
		r.mu.Lock()
		r.compiled[key] = tmpl
		r.mu.Unlock()
	}
	out, err := tmpl.Render(data)
	if err != nil {
		return "", err
	}
	return strings.TrimRight(out, "\n"), nil
}

// Reset drops compiled templates so edited files are read again.
func (r *Renderer) Reset() {
	r.mu.Lock()
	r.compiled = make(map[string]*Template)
	r.mu.Unlock()
}

// Render executes the template with data.
func (t *Template) Render(data any) (string, error) {
	if t == nil {
		return "", errors.New("templates: nil template")
	}
	var buf bytes.Buffer
	if err := t.tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("templates: execute %q: %w", t.name, err)
	}
	return buf.String(), nil
}

// Name is the template name used in errors and logs.
func (t *Template) Name() string {
	if t == nil {
		return ""
	}
	return t.name
}

package expr

import (
	"fmt"
	"strings"
	"sync"

	"github.com/l0p7/slideforge/internal/templates"
)

// HybridEvaluator evaluates slide expressions written either in CEL or as Go
// templates. Anything containing "{{" is a template.
type HybridEvaluator struct {
	celEnv   *Environment
	renderer *templates.Renderer

	mu       sync.RWMutex
	programs map[string]Program
}

// NewHybridEvaluator creates an evaluator over the slide environment.
func NewHybridEvaluator(renderer *templates.Renderer) (*HybridEvaluator, error) {
	celEnv, err := NewEnvironment()
	if err != nil {
		return nil, fmt.Errorf("hybrid: create CEL environment: %w", err)
	}
	if renderer == nil {
		renderer = templates.NewRenderer(nil)
	}
	return &HybridEvaluator{
		celEnv:   celEnv,
		renderer: renderer,
		programs: make(map[string]Program),
	}, nil
}

// Check compiles the expression without running it.
func (h *HybridEvaluator) Check(expression string) error {
	trimmed := strings.TrimSpace(expression)
	if trimmed == "" {
		return fmt.Errorf("hybrid: expression required")
	}
	if isTemplate(trimmed) {
		_, err := h.renderer.CompileInline("expr", trimmed)
		return err
	}
	_, err := h.program(trimmed)
	return err
}

// Evaluate executes the expression against data. Templates yield strings;
// CEL yields the native value of the result.
func (h *HybridEvaluator) Evaluate(expression string, data map[string]any) (any, error) {
	trimmed := strings.TrimSpace(expression)
	if trimmed == "" {
		return "", nil
	}
	if isTemplate(trimmed) {
		return h.evaluateTemplate(trimmed, data)
	}
	return h.evaluateCEL(trimmed, data)
}

// EvaluateString is Evaluate with the result formatted by Stringify.
func (h *HybridEvaluator) EvaluateString(expression string, data map[string]any) (string, error) {
	val, err := h.Evaluate(expression, data)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(Stringify(val)), nil
}

func (h *HybridEvaluator) evaluateTemplate(source string, data map[string]any) (string, error) {
	out, err := h.renderer.Caption(source, data)
	if err != nil {
		return "", fmt.Errorf("hybrid: render template: %w", err)
	}
	return out, nil
}

func (h *HybridEvaluator) evaluateCEL(expression string, data map[string]any) (any, error) {
	prog, err := h.program(expression)
	if err != nil {
		return nil, err
	}
	result, err := prog.Eval(data)
	if err != nil {
		return nil, fmt.Errorf("hybrid: evaluate CEL: %w", err)
	}
	return result, nil
}

func (h *HybridEvaluator) program(expression string) (Program, error) {
	h.mu.RLock()
	prog, ok := h.programs[expression]
	h.mu.RUnlock()
	if ok {
		return prog, nil
	}
	prog, err := h.celEnv.CompileValue(expression)
	if err != nil {
		return Program{}, fmt.Errorf("hybrid: compile CEL: %w", err)
	}
	h.mu.Lock()
	h.programs[expression] = prog
	h.mu.Unlock()
	return prog, nil
}

func isTemplate(expression string) bool {
	return strings.Contains(expression, "{{")
}

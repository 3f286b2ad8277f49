package expr

import (
	"testing"
	"time"

	"github.com/l0p7/slideforge/internal/templates"
	"github.com/stretchr/testify/require"
)

func TestHybridEvaluator(t *testing.T) {
	evaluator, err := NewHybridEvaluator(templates.NewRenderer(nil))
	require.NoError(t, err)
	activation := SlideActivation(sampleSlide(), time.Now())

	tests := []struct {
		name       string
		expression string
		want       any
	}{
		{name: "cel string", expression: `meta.day`, want: "Mon"},
		{name: "cel number", expression: `slide.exportWidth`, want: int64(1080)},
		{name: "cel bool", expression: `slide.revision > 2`, want: true},
		{name: "template", expression: `{{ .meta.day | lower }}-{{ .sheet }}`, want: "mon-sheet-a"},
		{name: "blank", expression: "  ", want: ""},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := evaluator.Evaluate(tc.expression, activation)
			require.NoError(t, err)
			require.Equal(t, tc.want, got)
		})
	}
}

func TestHybridEvaluatorString(t *testing.T) {
	evaluator, err := NewHybridEvaluator(nil)
	require.NoError(t, err)
	activation := SlideActivation(sampleSlide(), time.Now())

	got, err := evaluator.EvaluateString(`lookup(meta, "week")`, activation)
	require.NoError(t, err)
	require.Equal(t, "", got)

	got, err = evaluator.EvaluateString(`{{ .text | trunc 10 }}`, activation)
	require.NoError(t, err)
	require.Equal(t, "2025-03-03", got)
}

func TestHybridEvaluatorCheck(t *testing.T) {
	evaluator, err := NewHybridEvaluator(nil)
	require.NoError(t, err)

	require.NoError(t, evaluator.Check(`meta.day`))
	require.NoError(t, evaluator.Check(`{{ .meta.day }}`))
	require.Error(t, evaluator.Check(``))
	require.Error(t, evaluator.Check(`meta.`))
	require.Error(t, evaluator.Check(`{{ .meta.day`))
	require.Error(t, evaluator.Check(`unknown_var`))
}

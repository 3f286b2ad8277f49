package grouping

import (
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/l0p7/slideforge/internal/expr"
	"github.com/l0p7/slideforge/internal/runtime/slides"
)

// DefaultBatchSize is the positional bucket size.
const DefaultBatchSize = 5

// MetaDayKey is the explicit per-slide day tag.
const MetaDayKey = "day"

var dayToken = regexp.MustCompile(`(?i)\b(\d{4}-\d{2}-\d{2}|\d{1,2}[./]\d{1,2}(?:[./]\d{2,4})?|day\s*\d{1,3}|mon(?:day)?|tue(?:s|sday)?|wed(?:nesday)?|thu(?:r|rs|rsday)?|fri(?:day)?|sat(?:urday)?|sun(?:day)?)\b`)

var weekdays = map[string]string{
	"mon": "Mon", "tue": "Tue", "wed": "Wed", "thu": "Thu",
	"fri": "Fri", "sat": "Sat", "sun": "Sun",
}

// Resolver is the default day strategy: the explicit meta tag, then an
// optional expression, then a date or weekday token in the first text layer,
// and finally a positional batch. Batches are assigned per sheet in the order
// slides are first seen and remembered by slide identity, so two records with
// equal content still get their own positions.
type Resolver struct {
	batchSize  int
	expression *ExpressionResolver

	mu        sync.Mutex
	positions map[*slides.Slide]int
	next      map[string]int
}

// ResolverOption customises a Resolver.
type ResolverOption func(*Resolver)

// WithBatchSize sets the positional bucket size.
func WithBatchSize(n int) ResolverOption {
	return func(r *Resolver) {
		if n > 0 {
			r.batchSize = n
		}
	}
}

// WithExpression consults er after the meta tag.
func WithExpression(er *ExpressionResolver) ResolverOption {
	return func(r *Resolver) { r.expression = er }
}

// NewResolver builds the default chain.
func NewResolver(opts ...ResolverOption) *Resolver {
	r := &Resolver{
		batchSize: DefaultBatchSize,
		positions: make(map[*slides.Slide]int),
		next:      make(map[string]int),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve returns the day label for s.
func (r *Resolver) Resolve(s *slides.Slide) string {
	if day := strings.TrimSpace(s.Meta[MetaDayKey]); day != "" {
		return day
	}
	if r.expression != nil {
		if day := r.expression.Resolve(s); day != "" {
			return day
		}
	}
	if day := TextDay(s.FirstText()); day != "" {
		return day
	}
	return r.batch(s)
}

func (r *Resolver) batch(s *slides.Slide) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	pos, ok := r.positions[s]
	if !ok {
		pos = r.next[s.SheetID]
		r.next[s.SheetID] = pos + 1
		r.positions[s] = pos
	}
	return fmt.Sprintf("Batch %d", pos/r.batchSize+1)
}

// Forget drops the remembered position of a slide that left the store.
func (r *Resolver) Forget(s *slides.Slide) {
	r.mu.Lock()
	delete(r.positions, s)
	r.mu.Unlock()
}

// TextDay extracts the first date or day token from caption text. Weekdays
// are normalised to their three letter form and "day 3" to "Day 3".
func TextDay(text string) string {
	match := dayToken.FindString(text)
	if match == "" {
		return ""
	}
	lower := strings.ToLower(match)
	if len(lower) >= 3 {
		if day, ok := weekdays[lower[:3]]; ok && !strings.HasPrefix(lower, "day") {
			return day
		}
	}
	if strings.HasPrefix(lower, "day") {
		return "Day " + strings.TrimSpace(lower[3:])
	}
	return match
}

// ExpressionResolver computes a day label with a CEL expression or template
// over the slide. Evaluation errors are logged and yield "".
type ExpressionResolver struct {
	eval       *expr.HybridEvaluator
	expression string
	logger     *slog.Logger
	now        func() time.Time
}

// NewExpressionResolver validates expression up front.
func NewExpressionResolver(eval *expr.HybridEvaluator, expression string, logger *slog.Logger) (*ExpressionResolver, error) {
	if eval == nil {
		return nil, fmt.Errorf("grouping: evaluator required")
	}
	if err := eval.Check(expression); err != nil {
		return nil, fmt.Errorf("grouping: day expression: %w", err)
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &ExpressionResolver{
		eval:       eval,
		expression: expression,
		logger:     logger.With(slog.String("agent", "grouping")),
		now:        time.Now,
	}, nil
}

// Resolve evaluates the expression for s.
func (e *ExpressionResolver) Resolve(s *slides.Slide) string {
	day, err := e.eval.EvaluateString(e.expression, expr.SlideActivation(s, e.now()))
	if err != nil {
		e.logger.Warn("day expression failed", slog.String("slide_id", s.ID), slog.Any("error", err))
		return ""
	}
	return day
}

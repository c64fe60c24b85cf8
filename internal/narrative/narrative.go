package narrative

import (
	"context"
	"fmt"

	"github.com/lox/citypulse/internal/analytics"
)

// Phraser turns an insight into one display sentence. Implementations must
// always return a usable sentence.
type Phraser interface {
	Phrase(ctx context.Context, in analytics.Insight) string
}

// Sentence is the fixed phrasing used when no generator is configured.
func Sentence(in analytics.Insight) string {
	if in.Strongest == in.Weakest {
		return fmt.Sprintf("%s is measured on %s only.", in.City, in.Strongest)
	}
	return fmt.Sprintf("%s excels in %s but needs improvement in %s.", in.City, in.Strongest, in.Weakest)
}

type Template struct{}

func (Template) Phrase(_ context.Context, in analytics.Insight) string {
	return Sentence(in)
}

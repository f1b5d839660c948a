// Package analyzer defines the pluggable page checks that produce scoring
// factors. Each analyzer inspects a crawled page snapshot and emits factors
// for its category; the audit stage runs the whole registry and hands the
// combined factors to the scorer.
package analyzer

import (
	"context"
	"fmt"

	"github.com/rankready/sitescore/pkg/models"
)

// Analyzer inspects one page snapshot and reports factors.
type Analyzer interface {
	// Name identifies the analyzer in logs and error messages.
	Name() string
	// Analyze returns zero or more factors for the page. Returning an error
	// marks this analyzer's checks as skipped, not the whole audit.
	Analyze(ctx context.Context, page *models.Page) ([]models.Factor, error)
}

// Registry holds analyzers in registration order. Order is preserved so audit
// output is deterministic for a given page.
type Registry struct {
	analyzers []Analyzer
	byName    map[string]struct{}
}

// NewRegistry creates a registry containing the given analyzers.
func NewRegistry(analyzers ...Analyzer) *Registry {
	r := &Registry{byName: make(map[string]struct{})}
	for _, a := range analyzers {
		r.Register(a)
	}
	return r
}

// DefaultRegistry returns a registry with all built-in analyzers.
func DefaultRegistry() *Registry {
	return NewRegistry(
		&TitleAnalyzer{},
		&MetaDescriptionAnalyzer{},
		&HeadingAnalyzer{},
		&HTTPSAnalyzer{},
		&StatusAnalyzer{},
		&SpeedAnalyzer{},
	)
}

// Register appends an analyzer. Duplicate names are ignored.
func (r *Registry) Register(a Analyzer) {
	if _, dup := r.byName[a.Name()]; dup {
		return
	}
	r.byName[a.Name()] = struct{}{}
	r.analyzers = append(r.analyzers, a)
}

// Analyzers returns the registered analyzers in registration order.
func (r *Registry) Analyzers() []Analyzer {
	out := make([]Analyzer, len(r.analyzers))
	copy(out, r.analyzers)
	return out
}

// Len returns the number of registered analyzers.
func (r *Registry) Len() int {
	return len(r.analyzers)
}

// RunAll executes every analyzer against the page. A failing analyzer
// contributes no factors and its error is collected; the rest still run.
func (r *Registry) RunAll(ctx context.Context, page *models.Page) ([]models.Factor, []error) {
	var factors []models.Factor
	var errs []error
	for _, a := range r.analyzers {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			return factors, errs
		}
		fs, err := runOne(ctx, a, page)
		if err != nil {
			errs = append(errs, fmt.Errorf("analyzer %s: %w", a.Name(), err))
			continue
		}
		factors = append(factors, fs...)
	}
	return factors, errs
}

// runOne isolates a single analyzer so a panic inside it becomes an error.
func runOne(ctx context.Context, a Analyzer, page *models.Page) (fs []models.Factor, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			fs = nil
			err = fmt.Errorf("panic: %v", rec)
		}
	}()
	return a.Analyze(ctx, page)
}

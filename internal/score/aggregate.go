// Package score turns the flat list of analyzer-produced factors into
// per-category scores and one overall score. It is pure: identical factor
// input always yields identical output, so golden tests need no network.
package score

import (
	"math"
	"sort"

	"github.com/rankready/sitescore/pkg/models"
)

// neutralScore is used for a category whose every factor is N/A.
// Nothing applicable means nothing wrong.
const neutralScore = 100.0

// Result is the aggregated outcome for one factor list.
type Result struct {
	OverallScore   float64
	Categories     []models.CategoryScore
	PriorityIssues []models.Factor
}

// Aggregate computes category scores and the overall score for factors.
//
// Per category: score = 100 * Σweight(OK) / Σweight(OK+OFI+PriorityOFI),
// N/A factors excluded from both sides. The overall score is the mean of
// category scores weighted by each category's total scorable weight.
// Categories are emitted in sorted name order and scores rounded half-up to
// one decimal, so repeated runs are byte-identical.
func Aggregate(factors []models.Factor) Result {
	type bucket struct {
		okWeight    int
		totalWeight int
		cs          models.CategoryScore
	}

	buckets := make(map[string]*bucket)
	var priority []models.Factor

	for _, f := range factors {
		b, ok := buckets[f.Category]
		if !ok {
			b = &bucket{cs: models.CategoryScore{Category: f.Category}}
			buckets[f.Category] = b
		}

		switch f.Status {
		case models.StatusOK:
			b.cs.OK++
			b.okWeight += f.Importance.Weight()
			b.totalWeight += f.Importance.Weight()
		case models.StatusOFI:
			b.cs.OFI++
			b.totalWeight += f.Importance.Weight()
		case models.StatusPriorityOFI:
			b.cs.Priority++
			b.totalWeight += f.Importance.Weight()
			priority = append(priority, f)
		default:
			b.cs.Skipped++
		}
	}

	names := make([]string, 0, len(buckets))
	for name := range buckets {
		names = append(names, name)
	}
	sort.Strings(names)

	var (
		categories    = make([]models.CategoryScore, 0, len(buckets))
		weightedSum   float64
		overallWeight int
	)
	for _, name := range names {
		b := buckets[name]
		cat := b.cs
		if b.totalWeight == 0 {
			cat.Score = neutralScore
		} else {
			cat.Score = round1(100 * float64(b.okWeight) / float64(b.totalWeight))
			weightedSum += cat.Score * float64(b.totalWeight)
			overallWeight += b.totalWeight
		}
		categories = append(categories, cat)
	}

	overall := neutralScore
	if overallWeight > 0 {
		overall = round1(weightedSum / float64(overallWeight))
	}

	return Result{
		OverallScore:   overall,
		Categories:     categories,
		PriorityIssues: sortIssues(priority),
	}
}

// sortIssues orders priority issues for stable surfacing: highest importance
// first, then category, then name.
func sortIssues(issues []models.Factor) []models.Factor {
	sort.SliceStable(issues, func(i, j int) bool {
		wi, wj := issues[i].Importance.Weight(), issues[j].Importance.Weight()
		if wi != wj {
			return wi > wj
		}
		if issues[i].Category != issues[j].Category {
			return issues[i].Category < issues[j].Category
		}
		return issues[i].Name < issues[j].Name
	})
	return issues
}

func round1(v float64) float64 {
	return math.Round(v*10) / 10
}

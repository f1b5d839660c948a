package analyzer

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/rankready/sitescore/pkg/models"
)

// Category names used by the built-in analyzers.
const (
	CategoryOnPage      = "On-Page"
	CategoryTechnical   = "Technical"
	CategoryPerformance = "Performance"
)

var (
	titleRe = regexp.MustCompile(`(?is)<title[^>]*>(.*?)</title>`)
	metaRe  = regexp.MustCompile(`(?is)<meta\s+[^>]*name\s*=\s*["']description["'][^>]*>`)
	contRe  = regexp.MustCompile(`(?is)content\s*=\s*["']([^"']*)["']`)
	h1Re    = regexp.MustCompile(`(?is)<h1[^>]*>`)
)

// TitleAnalyzer checks the page title tag for presence and length.
type TitleAnalyzer struct{}

func (a *TitleAnalyzer) Name() string { return "title" }

func (a *TitleAnalyzer) Analyze(_ context.Context, page *models.Page) ([]models.Factor, error) {
	f := models.Factor{
		Name:       "Title tag",
		Category:   CategoryOnPage,
		Importance: models.ImportanceHigh,
	}

	m := titleRe.FindStringSubmatch(page.Body)
	if m == nil {
		f.Status = models.StatusPriorityOFI
		f.Notes = "no <title> tag found"
		return []models.Factor{f}, nil
	}

	title := strings.TrimSpace(collapseWhitespace(m[1]))
	switch n := len(title); {
	case n == 0:
		f.Status = models.StatusPriorityOFI
		f.Notes = "title tag is empty"
	case n < 30:
		f.Status = models.StatusOFI
		f.Notes = fmt.Sprintf("title is short (%d chars, aim for 30-60)", n)
	case n > 60:
		f.Status = models.StatusOFI
		f.Notes = fmt.Sprintf("title is long (%d chars, aim for 30-60)", n)
	default:
		f.Status = models.StatusOK
	}
	return []models.Factor{f}, nil
}

// MetaDescriptionAnalyzer checks the meta description for presence and length.
type MetaDescriptionAnalyzer struct{}

func (a *MetaDescriptionAnalyzer) Name() string { return "meta_description" }

func (a *MetaDescriptionAnalyzer) Analyze(_ context.Context, page *models.Page) ([]models.Factor, error) {
	f := models.Factor{
		Name:       "Meta description",
		Category:   CategoryOnPage,
		Importance: models.ImportanceMedium,
	}

	tag := metaRe.FindString(page.Body)
	if tag == "" {
		f.Status = models.StatusOFI
		f.Notes = "no meta description found"
		return []models.Factor{f}, nil
	}

	var desc string
	if m := contRe.FindStringSubmatch(tag); m != nil {
		desc = strings.TrimSpace(m[1])
	}
	switch n := len(desc); {
	case n == 0:
		f.Status = models.StatusOFI
		f.Notes = "meta description is empty"
	case n < 70:
		f.Status = models.StatusOFI
		f.Notes = fmt.Sprintf("description is short (%d chars, aim for 70-160)", n)
	case n > 160:
		f.Status = models.StatusOFI
		f.Notes = fmt.Sprintf("description is long (%d chars, aim for 70-160)", n)
	default:
		f.Status = models.StatusOK
	}
	return []models.Factor{f}, nil
}

// HeadingAnalyzer checks that exactly one H1 heading is present.
type HeadingAnalyzer struct{}

func (a *HeadingAnalyzer) Name() string { return "headings" }

func (a *HeadingAnalyzer) Analyze(_ context.Context, page *models.Page) ([]models.Factor, error) {
	f := models.Factor{
		Name:       "H1 heading",
		Category:   CategoryOnPage,
		Importance: models.ImportanceMedium,
	}

	switch n := len(h1Re.FindAllString(page.Body, -1)); {
	case n == 0:
		f.Status = models.StatusOFI
		f.Notes = "no <h1> heading found"
	case n > 1:
		f.Status = models.StatusOFI
		f.Notes = fmt.Sprintf("%d <h1> headings found, expected one", n)
	default:
		f.Status = models.StatusOK
	}
	return []models.Factor{f}, nil
}

// HTTPSAnalyzer checks that the page is served over TLS.
type HTTPSAnalyzer struct{}

func (a *HTTPSAnalyzer) Name() string { return "https" }

func (a *HTTPSAnalyzer) Analyze(_ context.Context, page *models.Page) ([]models.Factor, error) {
	f := models.Factor{
		Name:       "HTTPS",
		Category:   CategoryTechnical,
		Importance: models.ImportanceHigh,
	}
	if page.TLS {
		f.Status = models.StatusOK
	} else {
		f.Status = models.StatusPriorityOFI
		f.Notes = "page is not served over HTTPS"
	}
	return []models.Factor{f}, nil
}

// StatusAnalyzer checks the final HTTP status code of the page.
type StatusAnalyzer struct{}

func (a *StatusAnalyzer) Name() string { return "status" }

func (a *StatusAnalyzer) Analyze(_ context.Context, page *models.Page) ([]models.Factor, error) {
	f := models.Factor{
		Name:       "HTTP status",
		Category:   CategoryTechnical,
		Importance: models.ImportanceHigh,
	}
	switch {
	case page.StatusCode >= 200 && page.StatusCode < 300:
		f.Status = models.StatusOK
	case page.StatusCode >= 300 && page.StatusCode < 400:
		f.Status = models.StatusOFI
		f.Notes = fmt.Sprintf("page answered with redirect status %d", page.StatusCode)
	default:
		f.Status = models.StatusPriorityOFI
		f.Notes = fmt.Sprintf("page answered with error status %d", page.StatusCode)
	}
	return []models.Factor{f}, nil
}

// SpeedAnalyzer rates the page's fetch time and payload size.
type SpeedAnalyzer struct{}

func (a *SpeedAnalyzer) Name() string { return "speed" }

func (a *SpeedAnalyzer) Analyze(_ context.Context, page *models.Page) ([]models.Factor, error) {
	load := models.Factor{
		Name:       "Load time",
		Category:   CategoryPerformance,
		Importance: models.ImportanceMedium,
	}
	switch {
	case page.LoadTime <= 0:
		load.Status = models.StatusNA
		load.Notes = "load time not measured"
	case page.LoadTime < 1500*time.Millisecond:
		load.Status = models.StatusOK
	case page.LoadTime < 4*time.Second:
		load.Status = models.StatusOFI
		load.Notes = fmt.Sprintf("page took %s to load", page.LoadTime.Round(time.Millisecond))
	default:
		load.Status = models.StatusPriorityOFI
		load.Notes = fmt.Sprintf("page took %s to load", page.LoadTime.Round(time.Millisecond))
	}

	size := models.Factor{
		Name:       "Page size",
		Category:   CategoryPerformance,
		Importance: models.ImportanceLow,
	}
	switch n := len(page.Body); {
	case n < 512<<10:
		size.Status = models.StatusOK
	case n < 2<<20:
		size.Status = models.StatusOFI
		size.Notes = fmt.Sprintf("page HTML is %d KiB", n>>10)
	default:
		size.Status = models.StatusPriorityOFI
		size.Notes = fmt.Sprintf("page HTML is %d KiB", n>>10)
	}

	return []models.Factor{load, size}, nil
}

var wsRe = regexp.MustCompile(`\s+`)

func collapseWhitespace(s string) string {
	return wsRe.ReplaceAllString(s, " ")
}

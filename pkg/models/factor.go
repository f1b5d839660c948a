package models

// FactorStatus is the outcome of one analyzer checkpoint.
type FactorStatus string

const (
	StatusOK          FactorStatus = "OK"
	StatusOFI         FactorStatus = "OFI"
	StatusPriorityOFI FactorStatus = "Priority OFI"
	StatusNA          FactorStatus = "N/A"
)

// Importance weights a factor's contribution to its category score.
type Importance string

const (
	ImportanceHigh   Importance = "High"
	ImportanceMedium Importance = "Medium"
	ImportanceLow    Importance = "Low"
)

// Weight returns the scoring weight for an importance level.
// Unknown importance values weigh the same as Low.
func (i Importance) Weight() int {
	switch i {
	case ImportanceHigh:
		return 3
	case ImportanceMedium:
		return 2
	default:
		return 1
	}
}

// Factor is one scored checkpoint emitted by an analyzer. Factors are
// immutable once emitted; the aggregator only ever reads them.
type Factor struct {
	Name       string       `json:"name"`
	Category   string       `json:"category"`
	Status     FactorStatus `json:"status"`
	Importance Importance   `json:"importance"`
	Notes      string       `json:"notes,omitempty"`
}

// Scorable reports whether the factor participates in scoring.
// N/A factors are excluded from both numerator and denominator.
func (f Factor) Scorable() bool {
	return f.Status != StatusNA
}

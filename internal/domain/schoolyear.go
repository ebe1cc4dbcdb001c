package domain

import "strings"

// ScopeMode selects how API URLs are built with respect to school years.
type ScopeMode string

const (
	ScopeSingle       ScopeMode = "single"
	ScopeYearSpecific ScopeMode = "year-specific"
)

// SchoolYearScope lists the school years a run covers.
// In single mode Years is [""] and URLs omit the year segment.
type SchoolYearScope struct {
	Mode  ScopeMode `json:"mode"`
	Years []string  `json:"years"`
}

// SingleYearScope returns the scope used when the API is not year specific.
func SingleYearScope() SchoolYearScope {
	return SchoolYearScope{Mode: ScopeSingle, Years: []string{""}}
}

// YearSpecificScope parses a comma separated year list, e.g. "2023,2024".
// Blank entries are dropped; order is kept.
func YearSpecificScope(csv string) SchoolYearScope {
	var years []string
	for _, y := range strings.Split(csv, ",") {
		if y = strings.TrimSpace(y); y != "" {
			years = append(years, y)
		}
	}
	return SchoolYearScope{Mode: ScopeYearSpecific, Years: years}
}

// Only narrows the scope to a single year. An empty year leaves it unchanged.
func (s SchoolYearScope) Only(year string) SchoolYearScope {
	if year == "" || s.Mode == ScopeSingle {
		return s
	}
	return SchoolYearScope{Mode: s.Mode, Years: []string{year}}
}

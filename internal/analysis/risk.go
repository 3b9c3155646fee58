package analysis

import (
	"fmt"
	"strings"

	"mailtrace/internal/model"
)

var DefaultHighRiskCountries = []string{"CN", "RU", "NG", "IR", "KP", "SY", "VE", "PK", "ID"}

// SuspicionThreshold is the number of high-risk hops a path may contain
// before it is flagged.
const SuspicionThreshold = 2

type RiskScorer struct {
	highRisk map[string]struct{}
}

func NewRiskScorer(countries []string) *RiskScorer {
	if len(countries) == 0 {
		countries = DefaultHighRiskCountries
	}
	s := &RiskScorer{highRisk: make(map[string]struct{}, len(countries))}
	for _, c := range countries {
		c = strings.ToUpper(strings.TrimSpace(c))
		if c != "" {
			s.highRisk[c] = struct{}{}
		}
	}
	return s
}

// Assess flags a location trail when more than SuspicionThreshold hops sit in
// high-risk countries. Country changes between adjacent hops are reported as
// evidence but never count towards the verdict.
func (s *RiskScorer) Assess(locations []model.Location) model.RiskAssessment {
	assessment := model.RiskAssessment{Patterns: []string{}}

	for _, loc := range locations {
		if _, ok := s.highRisk[loc.Country]; ok {
			assessment.Score++
			assessment.Patterns = append(assessment.Patterns,
				fmt.Sprintf("High-risk country: %s", loc.Country))
		}
	}

	for i := 1; i < len(locations); i++ {
		prev, cur := locations[i-1], locations[i]
		if !prev.KnownCountry() || !cur.KnownCountry() {
			continue
		}
		if prev.Country != cur.Country {
			assessment.Patterns = append(assessment.Patterns,
				fmt.Sprintf("Jump from %s to %s", prev.Country, cur.Country))
		}
	}

	assessment.IsSuspicious = assessment.Score > SuspicionThreshold
	return assessment
}

func Locations(hops []model.ResolvedHop) []model.Location {
	locations := make([]model.Location, len(hops))
	for i, hop := range hops {
		locations[i] = hop.Location
	}
	return locations
}

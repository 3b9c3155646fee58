package analysis

import (
	"reflect"
	"testing"

	"mailtrace/internal/model"
)

func loc(country string) model.Location {
	return model.Location{City: "c", Region: "r", Country: country}
}

func TestRiskScorer_Assess(t *testing.T) {
	tests := []struct {
		name       string
		countries  []string
		locations  []model.Location
		suspicious bool
		score      int
		patterns   []string
	}{
		{
			name:       "three high-risk hops",
			locations:  []model.Location{loc("RU"), loc("CN"), loc("NG"), loc("US")},
			suspicious: true,
			score:      3,
			patterns: []string{
				"High-risk country: RU",
				"High-risk country: CN",
				"High-risk country: NG",
				"Jump from RU to CN",
				"Jump from CN to NG",
				"Jump from NG to US",
			},
		},
		{
			name:       "two high-risk hops stay below threshold",
			locations:  []model.Location{loc("RU"), loc("CN"), loc("US")},
			suspicious: false,
			score:      2,
			patterns: []string{
				"High-risk country: RU",
				"High-risk country: CN",
				"Jump from RU to CN",
				"Jump from CN to US",
			},
		},
		{
			name:       "jumps alone never flag",
			locations:  []model.Location{loc("US"), loc("DE"), loc("FR"), loc("GB"), loc("JP")},
			suspicious: false,
			patterns: []string{
				"Jump from US to DE",
				"Jump from DE to FR",
				"Jump from FR to GB",
				"Jump from GB to JP",
			},
		},
		{
			name:       "unknown countries break jumps",
			locations:  []model.Location{loc("US"), model.UnknownLocation, loc("DE"), model.PrivateLocation},
			suspicious: false,
			patterns:   []string{"Jump from DE to N/A"},
		},
		{
			name:       "repeated country is not a jump",
			locations:  []model.Location{loc("US"), loc("US")},
			suspicious: false,
			patterns:   []string{},
		},
		{
			name:       "custom set",
			countries:  []string{" us "},
			locations:  []model.Location{loc("US"), loc("US"), loc("US")},
			suspicious: true,
			score:      3,
			patterns: []string{
				"High-risk country: US",
				"High-risk country: US",
				"High-risk country: US",
			},
		},
		{
			name:       "empty trail",
			suspicious: false,
			patterns:   []string{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := NewRiskScorer(tt.countries).Assess(tt.locations)

			if result.IsSuspicious != tt.suspicious {
				t.Errorf("expected suspicious=%v, got %v", tt.suspicious, result.IsSuspicious)
			}
			if result.Score != tt.score {
				t.Errorf("expected score %d, got %d", tt.score, result.Score)
			}
			if !reflect.DeepEqual(result.Patterns, tt.patterns) {
				t.Errorf("expected patterns %v, got %v", tt.patterns, result.Patterns)
			}
		})
	}
}

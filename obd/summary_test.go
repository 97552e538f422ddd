package obd

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"elm327-scanner/common"
)

func TestSummarizeHealth(t *testing.T) {
	tests := []struct {
		name     string
		codes    []string
		expected common.Health
	}{
		{"no codes", nil, common.HealthExcellent},
		{"info only", []string{"P0442"}, common.HealthGood},
		{"one warning", []string{"P0133", "P0442"}, common.HealthFair},
		{"two warnings", []string{"P0133", "P0420"}, common.HealthPoor},
		{"unknown codes count as warnings", []string{"P1999", "B1234"}, common.HealthPoor},
		{"any critical", []string{"P0442", "P0300"}, common.HealthCritical},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var codes []common.TroubleCode
			for _, c := range tt.codes {
				codes = append(codes, Describe(c, common.StatusActive))
			}
			s := Summarize(codes)
			assert.Equal(t, tt.expected, s.OverallHealth)
			assert.Equal(t, len(tt.codes), s.TotalCodes)
		})
	}
}

func TestSummarizeCounts(t *testing.T) {
	codes := []common.TroubleCode{
		Describe("P0133", common.StatusActive),
		Describe("P0420", common.StatusActive),
		Describe("P0301", common.StatusPending),
		Describe("U0100", common.StatusActive),
	}

	s := Summarize(codes)

	assert.Equal(t, 4, s.TotalCodes)
	assert.Equal(t, 2, s.BySeverity[common.SeverityWarning])
	assert.Equal(t, 2, s.BySeverity[common.SeverityCritical])
	assert.Equal(t, 2, s.BySystem[common.SystemEmissions])
	assert.Equal(t, 1, s.BySystem[common.SystemIgnition])
	assert.Equal(t, 1, s.BySystem[common.SystemNetwork])

	total := 0
	for _, n := range s.BySeverity {
		total += n
	}
	assert.Equal(t, s.TotalCodes, total)

	assert.Equal(t, []string{
		"P0301: Cylinder 1 Misfire Detected",
		"U0100: Lost Communication With ECM/PCM A",
	}, s.CriticalIssues)

	assert.LessOrEqual(t, len(s.RecommendedActions), maxRecommendedActions)
	assert.Equal(t, "Swap coil to confirm", s.RecommendedActions[0])
}

func TestSummarizeEmpty(t *testing.T) {
	s := Summarize(nil)
	assert.Equal(t, common.HealthExcellent, s.OverallHealth)
	assert.Empty(t, s.CriticalIssues)
	assert.NotNil(t, s.RecommendedActions)
}

package obd

import "elm327-scanner/common"

const maxRecommendedActions = 5

// Summarize вычисляет сводку сканирования по кодам неисправностей
func Summarize(codes []common.TroubleCode) common.Summary {
	s := common.Summary{
		TotalCodes:         len(codes),
		BySeverity:         make(map[common.Severity]int),
		BySystem:           make(map[common.System]int),
		CriticalIssues:     []string{},
		RecommendedActions: []string{},
	}

	seenAction := make(map[string]bool)
	for _, c := range codes {
		s.BySeverity[c.Severity]++
		s.BySystem[c.System]++
		if c.Severity == common.SeverityCritical {
			s.CriticalIssues = append(s.CriticalIssues, c.Code+": "+c.Description)
		}
	}

	// Сначала критические коды, затем остальные в порядке сканирования
	for _, pass := range []bool{true, false} {
		for _, c := range codes {
			if (c.Severity == common.SeverityCritical) != pass {
				continue
			}
			for _, a := range c.RecommendedActions {
				if len(s.RecommendedActions) == maxRecommendedActions {
					break
				}
				if !seenAction[a] {
					seenAction[a] = true
					s.RecommendedActions = append(s.RecommendedActions, a)
				}
			}
		}
	}

	warnings := s.BySeverity[common.SeverityWarning]
	switch {
	case s.BySeverity[common.SeverityCritical] > 0:
		s.OverallHealth = common.HealthCritical
	case warnings > 1:
		s.OverallHealth = common.HealthPoor
	case warnings == 1:
		s.OverallHealth = common.HealthFair
	case len(codes) > 0:
		s.OverallHealth = common.HealthGood
	default:
		s.OverallHealth = common.HealthExcellent
	}
	return s
}

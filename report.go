package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/fatih/color"

	"elm327-scanner/common"
)

var (
	red    = color.New(color.FgRed).SprintfFunc()
	yellow = color.New(color.FgYellow).SprintfFunc()
	green  = color.New(color.FgGreen).SprintfFunc()
	bold   = color.New(color.Bold).SprintfFunc()
)

func severityColor(s common.Severity) func(string, ...interface{}) string {
	switch s {
	case common.SeverityCritical:
		return red
	case common.SeverityWarning:
		return yellow
	default:
		return green
	}
}

func readingColor(s common.ReadingStatus) func(string, ...interface{}) string {
	switch s {
	case common.ReadingCritical:
		return red
	case common.ReadingWarning:
		return yellow
	default:
		return green
	}
}

func healthColor(h common.Health) func(string, ...interface{}) string {
	switch h {
	case common.HealthCritical, common.HealthPoor:
		return red
	case common.HealthFair:
		return yellow
	default:
		return green
	}
}

func writeJSON(w io.Writer, result *common.ScanResult) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(result)
}

// printReport выводит результат сканирования в терминал
func printReport(w io.Writer, r *common.ScanResult) {
	source := r.DeviceInfo.Name
	if r.Simulated {
		source += " (simulated)"
	}
	fmt.Fprintln(w, bold("Scan %s", r.ScanID))
	fmt.Fprintf(w, "  Type:     %s\n", r.ScanType)
	fmt.Fprintf(w, "  Adapter:  %s, firmware %s\n", source, r.DeviceInfo.FirmwareVersion)
	fmt.Fprintf(w, "  Protocol: %s\n", r.DeviceInfo.Protocol)
	fmt.Fprintf(w, "  Duration: %dms\n", r.ScanDuration)

	id := r.Identity
	if id.VIN != "" {
		vehicle := id.VIN
		if id.Manufacturer != "" {
			vehicle += ", " + id.Manufacturer
		}
		if id.ModelYear > 0 {
			vehicle += fmt.Sprintf(" %d", id.ModelYear)
		}
		fmt.Fprintf(w, "  Vehicle:  %s\n", vehicle)
	}
	fmt.Fprintf(w, "  Modules:  %d\n", id.ModuleCount)

	fmt.Fprintln(w)
	fmt.Fprintln(w, bold("Trouble codes (%d)", len(r.DiagnosticCodes)))
	if len(r.DiagnosticCodes) == 0 {
		fmt.Fprintln(w, "  none")
	}
	for _, code := range r.DiagnosticCodes {
		paint := severityColor(code.Severity)
		fmt.Fprintf(w, "  %s %-8s %s\n", paint("%s", code.Code), code.Status, code.Description)
		fmt.Fprintf(w, "      %s/%s, est. %.0f-%.0f %s\n", code.System, code.Severity,
			code.EstimatedCost.Min, code.EstimatedCost.Max, code.EstimatedCost.Currency)
	}

	if len(r.LiveData) > 0 {
		fmt.Fprintln(w)
		fmt.Fprintln(w, bold("Live data (%d)", len(r.LiveData)))
		for _, rd := range r.LiveData {
			value := fmt.Sprintf("%.1f %s", rd.Value, rd.Unit)
			fmt.Fprintf(w, "  %-26s %s\n", rd.Parameter, readingColor(rd.Status)("%s", value))
		}
	}

	s := r.Summary
	fmt.Fprintln(w)
	fmt.Fprintf(w, "%s %s\n", bold("Overall health:"), healthColor(s.OverallHealth)("%s", strings.ToUpper(string(s.OverallHealth))))
	for _, issue := range s.CriticalIssues {
		fmt.Fprintf(w, "  %s %s\n", red("!"), issue)
	}
	if len(s.RecommendedActions) > 0 {
		fmt.Fprintln(w, "Recommended actions:")
		for i, a := range s.RecommendedActions {
			fmt.Fprintf(w, "  %d. %s\n", i+1, a)
		}
	}
}

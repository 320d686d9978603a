// Package report renders scan reports: JSON files (optionally zstd or gzip
// compressed, chosen by extension) and a human-readable console summary.
package report

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/exploopio/surface/pkg/core"
	"github.com/exploopio/surface/pkg/errors"
	"github.com/exploopio/surface/pkg/shared/severity"
)

// WriteJSON encodes r as indented JSON to w.
func WriteJSON(w io.Writer, r *core.ScanReport) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	enc.SetEscapeHTML(false)
	if err := enc.Encode(r); err != nil {
		return errors.E(errors.KindInternal, "report.WriteJSON", "encode report", err)
	}
	return nil
}

// WriteFile writes r to path. A .zst or .gz extension compresses the output.
func WriteFile(path string, r *core.ScanReport) error {
	f, err := os.Create(path)
	if err != nil {
		return errors.E(errors.KindInternal, "report.WriteFile", "create "+path, err)
	}
	defer f.Close()

	cw, err := NewWriter(f, AlgorithmForPath(path), LevelDefault)
	if err != nil {
		return errors.E(errors.KindInternal, "report.WriteFile", err)
	}
	if err := WriteJSON(cw, r); err != nil {
		_ = cw.Close()
		return err
	}
	if err := cw.Close(); err != nil {
		return errors.E(errors.KindInternal, "report.WriteFile", "flush "+path, err)
	}
	return f.Close()
}

// ReadFile loads a report written by WriteFile.
func ReadFile(path string) (*core.ScanReport, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.E(errors.KindNotFound, "report.ReadFile", "open "+path, err)
	}
	defer f.Close()

	rc, err := NewReader(f, AlgorithmForPath(path))
	if err != nil {
		return nil, errors.E(errors.KindInvalidInput, "report.ReadFile", err)
	}
	defer rc.Close()

	var r core.ScanReport
	if err := json.NewDecoder(rc).Decode(&r); err != nil {
		return nil, errors.E(errors.KindInvalidInput, "report.ReadFile", "decode "+path, err)
	}
	return &r, nil
}

// PrintSummary writes a console summary of r to w.
func PrintSummary(w io.Writer, r *core.ScanReport) {
	fmt.Fprintf(w, "Target:   %s\n", r.Target)
	fmt.Fprintf(w, "Profile:  %s\n", r.Profile)
	fmt.Fprintf(w, "Duration: %.1fs\n", r.DurationSeconds)
	fmt.Fprintf(w, "Modules:  %d/%d completed\n", r.ModulesCompleted, r.ModulesTotal)
	fmt.Fprintf(w, "Assets:   %d\n", len(r.Assets))
	fmt.Fprintf(w, "Findings: %d\n", len(r.Findings))
	fmt.Fprintf(w, "Risk score: %d/100  Security score: %d/100\n",
		r.Summary.RiskScore, r.Summary.SecurityScore)

	if len(r.Findings) > 0 {
		fmt.Fprintf(w, "  Severity breakdown:\n")
		for _, sev := range severity.AllLevels() {
			if count := r.Summary.SeverityCounts[string(sev)]; count > 0 {
				fmt.Fprintf(w, "    %-10s: %d\n", sev, count)
			}
		}
	}

	if len(r.ModuleResults) > 0 {
		fmt.Fprintln(w)
		tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
		fmt.Fprintln(tw, "MODULE\tSTATUS\tASSETS\tFINDINGS\tDURATION")
		for _, name := range sortedModules(r.ModuleResults) {
			m := r.ModuleResults[name]
			fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%.1fs\n", name, m.Status, m.Assets, m.Findings, m.Duration)
		}
		_ = tw.Flush()
	}

	if len(r.Findings) > 0 {
		fmt.Fprintln(w)
		fmt.Fprintln(w, "Findings:")
		for _, f := range sortedFindings(r.Findings) {
			line := fmt.Sprintf("  [%s] %s", f.Severity, f.Title)
			if f.AffectedComponent != "" {
				line += " (" + f.AffectedComponent + ")"
			}
			fmt.Fprintln(w, line)
		}
	}

	if len(r.Errors) > 0 {
		fmt.Fprintln(w)
		fmt.Fprintln(w, "Errors:")
		for _, e := range r.Errors {
			fmt.Fprintf(w, "  - %s\n", strings.TrimSpace(e))
		}
	}
}

func sortedModules(m map[string]core.ModuleSummary) []string {
	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// sortedFindings orders by severity, highest first, keeping discovery order
// within a level.
func sortedFindings(findings []core.Finding) []core.Finding {
	out := append([]core.Finding(nil), findings...)
	sort.SliceStable(out, func(i, j int) bool {
		return severity.FromString(string(out[i].Severity)).Priority() >
			severity.FromString(string(out[j].Severity)).Priority()
	})
	return out
}

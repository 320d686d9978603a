// Package scoring aggregates findings into a scan summary with a
// CVSS-weighted risk score.
package scoring

import (
	"math"
	"strconv"

	"github.com/exploopio/surface/pkg/core"
	"github.com/exploopio/surface/pkg/shared/severity"
)

// categoryScores maps a finding category to a representative CVSS v3.1
// base score.
var categoryScores = map[core.Category]float64{
	core.CategorySQLInjection:       9.8,
	core.CategoryCommandInjection:   9.8,
	core.CategoryRFI:                9.1,
	core.CategorySSRF:               8.6,
	core.CategoryXSSStored:          8.1,
	core.CategoryLFI:                7.5,
	core.CategoryPathTraversal:      7.5,
	core.CategoryIDOR:               7.5,
	core.CategoryXSSReflected:       6.1,
	core.CategoryCORSMisconfig:      5.3,
	core.CategoryCSRF:               4.3,
	core.CategoryOpenRedirect:       4.3,
	core.CategorySSLTLS:             5.3,
	core.CategoryCertIssue:          4.8,
	core.CategorySecurityHeaders:    3.7,
	core.CategoryCookieSecurity:     3.5,
	core.CategoryHTTPMethods:        3.1,
	core.CategoryInfoDisclosure:     5.3,
	core.CategoryDirectoryListing:   5.3,
	core.CategorySensitiveFile:      5.3,
	core.CategoryOutdatedSoftware:   5.6,
	core.CategoryDefaultCredentials: 9.8,
	core.CategoryEmailSecurity:      3.7,
	core.CategoryWAFDetected:        0.0,
	core.CategoryOther:              3.0,
}

const (
	// findingsPerStep is the number of findings that add one unit to the
	// count factor.
	findingsPerStep = 5.0
	maxCountFactor  = 3.0
	minCountFactor  = 1.0
	maxRisk         = 100
)

// CategoryScore returns the base score for a category and whether the
// category is known.
func CategoryScore(c core.Category) (float64, bool) {
	s, ok := categoryScores[c]
	return s, ok
}

// EstimateCVSS returns the score used for f: its explicit CVSS score if set,
// otherwise the category base score, otherwise the severity base score.
func EstimateCVSS(f core.Finding) float64 {
	if f.CVSSScore != nil {
		return *f.CVSSScore
	}
	if s, ok := categoryScores[f.Category]; ok {
		return s
	}
	return severity.FromString(string(f.Severity)).BaseScore()
}

// Summarize computes the scan summary for findings. It is pure and
// deterministic.
func Summarize(findings []core.Finding) core.Summary {
	sum := Neutral()
	sum.TotalFindings = len(findings)
	if len(findings) == 0 {
		return sum
	}

	var total, highest float64
	for _, f := range findings {
		sum.SeverityCounts[string(severity.FromString(string(f.Severity)))]++

		score := EstimateCVSS(f)
		total += score
		if score > highest {
			highest = score
		}
		sum.CVSSDistribution[string(severity.BandOf(score))]++
	}

	n := float64(len(findings))
	avg := total / n
	factor := math.Max(math.Min(n/findingsPerStep, maxCountFactor), minCountFactor)

	risk := int(math.RoundToEven(math.Min(maxRisk, avg*10*factor)))
	sum.RiskScore = risk
	sum.SecurityScore = max(0, maxRisk-risk)
	sum.AvgCVSS = round1(avg)
	sum.MaxCVSS = round1(highest)
	return sum
}

// Neutral is the summary of a scan that produced no findings.
func Neutral() core.Summary {
	counts := make(map[string]int, 5)
	for _, l := range severity.AllLevels() {
		counts[string(l)] = 0
	}
	dist := make(map[string]int, 5)
	for _, b := range severity.AllBands() {
		dist[string(b)] = 0
	}
	return core.Summary{
		SeverityCounts:   counts,
		RiskScore:        0,
		SecurityScore:    maxRisk,
		CVSSDistribution: dist,
	}
}

// round1 rounds v to one decimal place, half to even on the exact binary
// value. Scaling by ten first would turn 0.35 (stored just below) into a tie.
func round1(v float64) float64 {
	r, _ := strconv.ParseFloat(strconv.FormatFloat(v, 'f', 1, 64), 64)
	return r
}

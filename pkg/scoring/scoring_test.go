package scoring

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/exploopio/surface/pkg/core"
	"github.com/exploopio/surface/pkg/shared/severity"
)

func finding(sev severity.Level, cat core.Category) core.Finding {
	return core.Finding{Title: string(cat), Severity: sev, Category: cat}
}

func TestEstimateCVSS(t *testing.T) {
	tests := []struct {
		name     string
		finding  core.Finding
		expected float64
	}{
		{"explicit score wins", core.Finding{Category: core.CategorySQLInjection, CVSSScore: core.CVSS(4.2)}, 4.2},
		{"explicit zero", core.Finding{Category: core.CategorySQLInjection, CVSSScore: core.CVSS(0)}, 0},
		{"category table", finding(severity.Low, core.CategorySQLInjection), 9.8},
		{"waf detected", finding(severity.Info, core.CategoryWAFDetected), 0.0},
		{"other category", finding(severity.Critical, core.CategoryOther), 3.0},
		{"severity fallback critical", finding(severity.Critical, core.CategoryNetwork), 9.5},
		{"severity fallback high", finding(severity.High, core.CategoryDNS), 7.5},
		{"severity fallback medium", finding(severity.Medium, core.Category("UNLISTED")), 5.0},
		{"severity fallback low", finding(severity.Low, core.CategoryConfiguration), 2.5},
		{"unknown severity", finding(severity.Level("WEIRD"), core.Category("UNLISTED")), 0.0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.expected, EstimateCVSS(tt.finding), 1e-9)
		})
	}
}

func TestSummarize_NoFindings(t *testing.T) {
	sum := Summarize(nil)

	assert.Equal(t, 0, sum.TotalFindings)
	assert.Equal(t, 0, sum.RiskScore)
	assert.Equal(t, 100, sum.SecurityScore)
	assert.Equal(t, 0.0, sum.AvgCVSS)
	assert.Equal(t, 0.0, sum.MaxCVSS)
	assert.Len(t, sum.SeverityCounts, 5)
	assert.Len(t, sum.CVSSDistribution, 5)
}

func TestSummarize_SingleSQLInjection(t *testing.T) {
	sum := Summarize([]core.Finding{finding(severity.Critical, core.CategorySQLInjection)})

	assert.Equal(t, 98, sum.RiskScore)
	assert.Equal(t, 2, sum.SecurityScore)
	assert.Equal(t, 9.8, sum.AvgCVSS)
	assert.Equal(t, 9.8, sum.MaxCVSS)
	assert.Equal(t, 1, sum.SeverityCounts["CRITICAL"])
	assert.Equal(t, 1, sum.CVSSDistribution["critical_9_10"])
}

func TestSummarize_WAFOnly(t *testing.T) {
	var findings []core.Finding
	for i := 0; i < 10; i++ {
		findings = append(findings, finding(severity.Info, core.CategoryWAFDetected))
	}
	sum := Summarize(findings)

	assert.Equal(t, 0, sum.RiskScore)
	assert.Equal(t, 100, sum.SecurityScore)
	assert.Equal(t, 10, sum.CVSSDistribution["info"])
}

func TestSummarize_CountFactor(t *testing.T) {
	var findings []core.Finding
	for i := 0; i < 6; i++ {
		findings = append(findings, core.Finding{Severity: severity.Medium, Category: core.CategoryOther, CVSSScore: core.CVSS(5.0)})
	}
	sum := Summarize(findings)

	// factor = 6/5 = 1.2, risk = 5.0 * 10 * 1.2 = 60
	assert.Equal(t, 60, sum.RiskScore)
	assert.Equal(t, 40, sum.SecurityScore)
	assert.Equal(t, 6, sum.CVSSDistribution["medium_4_7"])
}

func TestSummarize_RiskIsCapped(t *testing.T) {
	var findings []core.Finding
	for i := 0; i < 20; i++ {
		findings = append(findings, finding(severity.Critical, core.CategoryCommandInjection))
	}
	sum := Summarize(findings)

	assert.Equal(t, 100, sum.RiskScore)
	assert.Equal(t, 0, sum.SecurityScore)
}

func TestSummarize_SeverityCountsSumToTotal(t *testing.T) {
	findings := []core.Finding{
		finding(severity.Critical, core.CategoryRFI),
		finding(severity.High, core.CategorySSRF),
		finding(severity.Medium, core.CategoryCSRF),
		finding(severity.Low, core.CategorySecurityHeaders),
		finding(severity.Info, core.CategoryWAFDetected),
		finding(severity.Level("bogus"), core.CategoryOther),
	}
	sum := Summarize(findings)

	total := 0
	for _, n := range sum.SeverityCounts {
		total += n
	}
	assert.Equal(t, sum.TotalFindings, total)
	assert.Equal(t, len(findings), total)
	assert.Equal(t, 2, sum.SeverityCounts["INFO"], "unknown severity counts as INFO")

	dist := 0
	for _, n := range sum.CVSSDistribution {
		dist += n
	}
	assert.Equal(t, len(findings), dist)
}

func TestSummarize_Distribution(t *testing.T) {
	findings := []core.Finding{
		{CVSSScore: core.CVSS(9.0)},
		{CVSSScore: core.CVSS(8.9)},
		{CVSSScore: core.CVSS(7.0)},
		{CVSSScore: core.CVSS(4.0)},
		{CVSSScore: core.CVSS(3.9)},
		{CVSSScore: core.CVSS(0.1)},
		{CVSSScore: core.CVSS(0.0)},
	}
	sum := Summarize(findings)

	assert.Equal(t, map[string]int{
		"critical_9_10": 1,
		"high_7_9":      2,
		"medium_4_7":    1,
		"low_0_4":       2,
		"info":          1,
	}, sum.CVSSDistribution)
	assert.Equal(t, 9.0, sum.MaxCVSS)
}

func TestSummarize_Deterministic(t *testing.T) {
	findings := []core.Finding{
		finding(severity.High, core.CategoryXSSReflected),
		finding(severity.Medium, core.CategoryCertIssue),
	}
	assert.Equal(t, Summarize(findings), Summarize(findings))
}

func TestSummarize_RoundsAverage(t *testing.T) {
	findings := []core.Finding{
		finding(severity.High, core.CategoryXSSReflected), // 6.1
		finding(severity.Medium, core.CategoryCertIssue),  // 4.8
		finding(severity.Low, core.CategoryHTTPMethods),   // 3.1
	}
	sum := Summarize(findings)

	// avg = 14.0 / 3 = 4.666..., factor floored at 1
	assert.Equal(t, 4.7, sum.AvgCVSS)
	assert.Equal(t, 47, sum.RiskScore)
	assert.Equal(t, 6.1, sum.MaxCVSS)
}

func TestSummarize_RoundsHalfToEven(t *testing.T) {
	sum := Summarize([]core.Finding{{Severity: severity.Medium, Category: core.CategoryOther, CVSSScore: core.CVSS(4.25)}})

	// 42.5 is an exact tie.
	assert.Equal(t, 42, sum.RiskScore)
	assert.Equal(t, 58, sum.SecurityScore)
	assert.Equal(t, 4.2, sum.AvgCVSS)
	assert.Equal(t, 4.2, sum.MaxCVSS)

	// 4.45 scales to the tie 44.5 but is stored just above 4.45.
	sum = Summarize([]core.Finding{{CVSSScore: core.CVSS(4.45)}})
	assert.Equal(t, 44, sum.RiskScore)
	assert.Equal(t, 4.5, sum.AvgCVSS)
}

func TestRound1(t *testing.T) {
	tests := []struct {
		in, want float64
	}{
		{0, 0},
		{4.25, 4.2},
		{4.75, 4.8},
		{0.35, 0.3},
		{0.05, 0.1},
		{4.666666, 4.7},
		{9.8, 9.8},
		{10, 10},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, round1(tt.in), "round1(%v)", tt.in)
	}
}

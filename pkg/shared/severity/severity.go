// Package severity provides the ordered severity levels attached to findings
// and the CVSS bands used by the risk scorer.
package severity

import "strings"

// Level represents a severity level for security findings.
type Level string

const (
	// Critical - Immediate action required. Actively exploited or trivially exploitable.
	Critical Level = "CRITICAL"

	// High - Serious vulnerability that should be addressed urgently.
	High Level = "HIGH"

	// Medium - Moderate risk, should be addressed in normal development cycle.
	Medium Level = "MEDIUM"

	// Low - Minor issue, address when convenient.
	Low Level = "LOW"

	// Info - Informational finding, no security impact.
	Info Level = "INFO"
)

// AllLevels returns all severity levels in order of priority (highest first).
func AllLevels() []Level {
	return []Level{Critical, High, Medium, Low, Info}
}

// String returns the string representation of the severity level.
func (l Level) String() string {
	return string(l)
}

// Valid reports whether l is one of the five known levels.
func (l Level) Valid() bool {
	return l.Priority() > 0
}

// Priority returns the numeric priority of the severity level.
// Higher numbers = higher priority. Unknown levels return 0.
func (l Level) Priority() int {
	switch l {
	case Critical:
		return 5
	case High:
		return 4
	case Medium:
		return 3
	case Low:
		return 2
	case Info:
		return 1
	default:
		return 0
	}
}

// IsHigherThan returns true if this severity is higher than the other.
func (l Level) IsHigherThan(other Level) bool {
	return l.Priority() > other.Priority()
}

// IsAtLeast returns true if this severity is at least as high as the other.
func (l Level) IsAtLeast(other Level) bool {
	return l.Priority() >= other.Priority()
}

// FromString normalizes a severity string. Anything unrecognised maps to Info.
func FromString(s string) Level {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "CRITICAL", "CRIT":
		return Critical
	case "HIGH":
		return High
	case "MEDIUM", "MODERATE", "MED":
		return Medium
	case "LOW":
		return Low
	default:
		return Info
	}
}

// BaseScore is the CVSS estimate used when a finding carries neither an
// explicit score nor a category with a known base score.
func (l Level) BaseScore() float64 {
	switch l {
	case Critical:
		return 9.5
	case High:
		return 7.5
	case Medium:
		return 5.0
	case Low:
		return 2.5
	default:
		return 0.0
	}
}

// FromCVSS converts a CVSS score (0.0-10.0) to a severity level.
// Based on CVSS v3.0 severity ratings:
//   - 9.0-10.0: Critical
//   - 7.0-8.9: High
//   - 4.0-6.9: Medium
//   - 0.1-3.9: Low
//   - 0.0: Info
func FromCVSS(score float64) Level {
	switch {
	case score >= 9.0:
		return Critical
	case score >= 7.0:
		return High
	case score >= 4.0:
		return Medium
	case score >= 0.1:
		return Low
	default:
		return Info
	}
}

// Band is the name of the CVSS distribution bucket a score falls into.
type Band string

const (
	BandCritical Band = "critical_9_10"
	BandHigh     Band = "high_7_9"
	BandMedium   Band = "medium_4_7"
	BandLow      Band = "low_0_4"
	BandInfo     Band = "info"
)

// AllBands lists the distribution buckets, highest first.
func AllBands() []Band {
	return []Band{BandCritical, BandHigh, BandMedium, BandLow, BandInfo}
}

// BandOf returns the distribution bucket for score.
func BandOf(score float64) Band {
	switch FromCVSS(score) {
	case Critical:
		return BandCritical
	case High:
		return BandHigh
	case Medium:
		return BandMedium
	case Low:
		return BandLow
	default:
		return BandInfo
	}
}

// Compare returns:
//
//	-1 if a < b (a is lower severity)
//	 0 if a == b
//	+1 if a > b (a is higher severity)
func Compare(a, b Level) int {
	pa, pb := a.Priority(), b.Priority()
	switch {
	case pa < pb:
		return -1
	case pa > pb:
		return 1
	default:
		return 0
	}
}

// Max returns the higher severity of two levels.
func Max(a, b Level) Level {
	if a.IsHigherThan(b) {
		return a
	}
	return b
}

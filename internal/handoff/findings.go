package handoff

import (
	"fmt"
	"strings"
)

// Severity ranks a finding.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
	SeverityInfo     Severity = "info"
)

// Severities lists every severity from most to least severe.
var Severities = []Severity{SeverityCritical, SeverityHigh, SeverityMedium, SeverityLow, SeverityInfo}

// weight is the score penalty of one open finding.
func (s Severity) weight() int {
	switch s {
	case SeverityCritical:
		return 25
	case SeverityHigh:
		return 10
	case SeverityMedium:
		return 5
	case SeverityLow:
		return 1
	default:
		return 0
	}
}

// ParseSeverity accepts any case. Unknown values map to info.
func ParseSeverity(s string) Severity {
	sev := Severity(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range Severities {
		if sev == known {
			return sev
		}
	}
	return SeverityInfo
}

// Finding is one issue reported by a stage.
type Finding struct {
	ID       string   `json:"id"`
	Severity Severity `json:"severity"`
	Message  string   `json:"message"`
	Fixed    bool     `json:"fixed"`
}

// FindingsSummary is the digest of a set of findings.
type FindingsSummary struct {
	Counts map[Severity]int `json:"counts"`
	Found  int              `json:"found"`
	Fixed  int              `json:"fixed"`
	Open   int              `json:"open"`
	Score  int              `json:"score"`
	Grade  string           `json:"grade"`
}

// Aggregate counts findings by severity and scores the open ones. The score
// starts at 100 and loses 25, 10, 5 and 1 points per open critical, high,
// medium and low finding, never dropping below 0.
func Aggregate(findings []Finding) FindingsSummary {
	s := FindingsSummary{Counts: make(map[Severity]int, len(Severities))}
	for _, sev := range Severities {
		s.Counts[sev] = 0
	}

	penalty := 0
	for _, f := range findings {
		sev := ParseSeverity(string(f.Severity))
		s.Counts[sev]++
		s.Found++
		if f.Fixed {
			s.Fixed++
			continue
		}
		s.Open++
		penalty += sev.weight()
	}

	s.Score = 100 - penalty
	if s.Score < 0 {
		s.Score = 0
	}
	s.Grade = Grade(s.Score)
	return s
}

// Grade maps a score to a letter: A >= 90, B >= 80, C >= 70, D >= 60, else F.
func Grade(score int) string {
	switch {
	case score >= 90:
		return "A"
	case score >= 80:
		return "B"
	case score >= 70:
		return "C"
	case score >= 60:
		return "D"
	default:
		return "F"
	}
}

// Summary flattens the digest into an artifact summary map.
func (s FindingsSummary) Summary() map[string]any {
	out := map[string]any{
		"found": s.Found,
		"fixed": s.Fixed,
		"open":  s.Open,
		"score": s.Score,
		"grade": s.Grade,
	}
	for _, sev := range Severities {
		out[string(sev)] = s.Counts[sev]
	}
	return out
}

// String renders a one-line report.
func (s FindingsSummary) String() string {
	return fmt.Sprintf("grade %s (score %d): %d found, %d fixed, %d critical, %d high",
		s.Grade, s.Score, s.Found, s.Fixed, s.Counts[SeverityCritical], s.Counts[SeverityHigh])
}

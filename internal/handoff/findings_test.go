package handoff

import "testing"

func TestAggregate(t *testing.T) {
	findings := []Finding{
		{ID: "1", Severity: SeverityCritical},
		{ID: "2", Severity: SeverityHigh},
		{ID: "3", Severity: SeverityHigh, Fixed: true},
		{ID: "4", Severity: "MEDIUM"},
		{ID: "5", Severity: SeverityLow},
		{ID: "6", Severity: "weird"},
	}

	s := Aggregate(findings)
	if s.Found != 6 || s.Fixed != 1 || s.Open != 5 {
		t.Errorf("totals = found %d fixed %d open %d", s.Found, s.Fixed, s.Open)
	}
	if s.Counts[SeverityHigh] != 2 || s.Counts[SeverityMedium] != 1 || s.Counts[SeverityInfo] != 1 {
		t.Errorf("counts = %v", s.Counts)
	}
	// 100 - 25 - 10 - 5 - 1
	if s.Score != 59 || s.Grade != "F" {
		t.Errorf("score = %d grade = %s, want 59 F", s.Score, s.Grade)
	}

	sum := s.Summary()
	if sum["critical"] != 1 || sum["score"] != 59 || sum["grade"] != "F" {
		t.Errorf("summary = %v", sum)
	}
}

func TestAggregate_ScoreFloorAndEmpty(t *testing.T) {
	var many []Finding
	for i := 0; i < 10; i++ {
		many = append(many, Finding{Severity: SeverityCritical})
	}
	if s := Aggregate(many); s.Score != 0 || s.Grade != "F" {
		t.Errorf("score = %d, want 0", s.Score)
	}
	if s := Aggregate(nil); s.Score != 100 || s.Grade != "A" || s.Counts[SeverityLow] != 0 {
		t.Errorf("empty summary = %+v", s)
	}
}

func TestGrade(t *testing.T) {
	tests := []struct {
		score int
		want  string
	}{
		{100, "A"}, {90, "A"}, {89, "B"}, {80, "B"}, {75, "C"}, {60, "D"}, {59, "F"}, {0, "F"},
	}
	for _, tt := range tests {
		if got := Grade(tt.score); got != tt.want {
			t.Errorf("Grade(%d) = %s, want %s", tt.score, got, tt.want)
		}
	}
}

package model

import "time"

// Severity splits rules into approval-blocking and advisory.
type Severity string

const (
	SeverityHard Severity = "hard"
	SeveritySoft Severity = "soft"
)

// RuleOutcome is the result of evaluating one rule against a record snapshot.
type RuleOutcome struct {
	RuleID   string   `json:"rule_id"`
	Severity Severity `json:"severity"`
	Passed   bool     `json:"passed"`
	Message  string   `json:"message,omitempty"`
}

// ValidationResult lists every rule's outcome for one record snapshot, not
// just the failures. Recomputed on any record change.
type ValidationResult struct {
	Mode        string        `json:"mode"`
	Outcomes    []RuleOutcome `json:"outcomes"`
	EvaluatedAt time.Time     `json:"evaluated_at"`
}

// HardFailures returns the rule ids of failing hard rules.
func (v ValidationResult) HardFailures() []string {
	var ids []string
	for _, o := range v.Outcomes {
		if !o.Passed && o.Severity == SeverityHard {
			ids = append(ids, o.RuleID)
		}
	}
	return ids
}

// WarningCount counts failing soft rules.
func (v ValidationResult) WarningCount() int {
	var n int
	for _, o := range v.Outcomes {
		if !o.Passed && o.Severity == SeveritySoft {
			n++
		}
	}
	return n
}

// Passed reports whether no hard rule failed.
func (v ValidationResult) Passed() bool {
	return len(v.HardFailures()) == 0
}

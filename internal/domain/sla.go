package domain

import "time"

type SLAState string

const (
	SLANormal   SLAState = "normal"
	SLAWarning  SLAState = "warning"
	SLACritical SLAState = "critical"
	SLAOverdue  SLAState = "overdue"
)

// SLAThresholds are the remaining-time bounds below which a deadline escalates.
type SLAThresholds struct {
	Warning  time.Duration
	Critical time.Duration
}

var DefaultSLA = SLAThresholds{
	Warning:  6 * time.Hour,
	Critical: time.Hour,
}

// Evaluate classifies deadline relative to now. Items without a deadline are normal.
func (t SLAThresholds) Evaluate(deadline *time.Time, now time.Time) SLAState {
	if deadline == nil {
		return SLANormal
	}
	remaining := deadline.Sub(now)
	switch {
	case remaining <= 0:
		return SLAOverdue
	case remaining <= t.Critical:
		return SLACritical
	case remaining <= t.Warning:
		return SLAWarning
	default:
		return SLANormal
	}
}

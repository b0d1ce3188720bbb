package kds

import "time"

type Severity string

const (
	SeverityGreen Severity = "green"
	SeverityAmber Severity = "amber"
	SeverityRed   Severity = "red"
)

// Thresholds bound the severity bands. Elapsed time below Green is green,
// from Green up to Amber is amber, from Amber on is red, and from Red on
// the timer is also overdue. Every lower bound is inclusive.
type Thresholds struct {
	Green time.Duration
	Amber time.Duration
	Red   time.Duration
}

var (
	DefaultAwayThresholds     = Thresholds{Green: 600 * time.Second, Amber: 900 * time.Second, Red: 1200 * time.Second}
	DefaultReceivedThresholds = Thresholds{Green: 300 * time.Second, Amber: 600 * time.Second, Red: 900 * time.Second}
)

// Classify maps an elapsed duration onto a severity band.
func (th Thresholds) Classify(elapsed time.Duration) (Severity, bool) {
	overdue := elapsed >= th.Red
	switch {
	case elapsed < th.Green:
		return SeverityGreen, overdue
	case elapsed < th.Amber:
		return SeverityAmber, overdue
	default:
		return SeverityRed, overdue
	}
}

// Valid reports whether the bands are positive and ordered.
func (th Thresholds) Valid() bool {
	return th.Green > 0 && th.Green <= th.Amber && th.Amber <= th.Red
}

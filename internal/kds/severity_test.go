package kds

import (
	"testing"
	"time"
)

func TestThresholdsClassify(t *testing.T) {
	tests := []struct {
		name        string
		th          Thresholds
		elapsed     time.Duration
		want        Severity
		wantOverdue bool
	}{
		{name: "justStarted", th: DefaultAwayThresholds, elapsed: 0, want: SeverityGreen},
		{name: "justBeforeAmber", th: DefaultAwayThresholds, elapsed: 599 * time.Second, want: SeverityGreen},
		{name: "amberBoundary", th: DefaultAwayThresholds, elapsed: 600 * time.Second, want: SeverityAmber},
		{name: "justBeforeRed", th: DefaultAwayThresholds, elapsed: 899 * time.Second, want: SeverityAmber},
		{name: "redBoundary", th: DefaultAwayThresholds, elapsed: 900 * time.Second, want: SeverityRed},
		{name: "justBeforeOverdue", th: DefaultAwayThresholds, elapsed: 1199 * time.Second, want: SeverityRed},
		{name: "overdueBoundary", th: DefaultAwayThresholds, elapsed: 1200 * time.Second, want: SeverityRed, wantOverdue: true},
		{name: "receivedAmber", th: DefaultReceivedThresholds, elapsed: 300 * time.Second, want: SeverityAmber},
		{name: "receivedRed", th: DefaultReceivedThresholds, elapsed: 600 * time.Second, want: SeverityRed},
		{name: "receivedOverdue", th: DefaultReceivedThresholds, elapsed: 900 * time.Second, want: SeverityRed, wantOverdue: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, overdue := tt.th.Classify(tt.elapsed)
			if got != tt.want {
				t.Errorf("Classify(%v) = %s, want %s", tt.elapsed, got, tt.want)
			}
			if overdue != tt.wantOverdue {
				t.Errorf("Classify(%v) overdue = %v, want %v", tt.elapsed, overdue, tt.wantOverdue)
			}
		})
	}
}

func TestThresholdsValid(t *testing.T) {
	tests := []struct {
		name string
		th   Thresholds
		want bool
	}{
		{name: "defaults", th: DefaultAwayThresholds, want: true},
		{name: "zero", th: Thresholds{}, want: false},
		{name: "unordered", th: Thresholds{Green: 10, Amber: 5, Red: 20}, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.th.Valid(); got != tt.want {
				t.Errorf("Valid() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestBoardView(t *testing.T) {
	b := DefaultBoard()
	tk := &Ticket{
		Active:       true,
		ReceivedAt:   t0,
		CourseStates: NewCourseStates([]string{"Starters", "Mains"}, t0),
	}

	v := b.View(tk, t0.Add(600*time.Second))
	if v.Courses[0].Severity != SeverityAmber {
		t.Errorf("away severity at 600s = %s, want amber", v.Courses[0].Severity)
	}
	if v.Courses[0].ElapsedSeconds != 600 {
		t.Errorf("elapsed = %d", v.Courses[0].ElapsedSeconds)
	}
	if v.Courses[1].Severity != "" {
		t.Errorf("pending course has severity %s", v.Courses[1].Severity)
	}
	if v.ReceivedSeverity != SeverityRed {
		t.Errorf("received severity at 600s = %s, want red", v.ReceivedSeverity)
	}

	if err := MarkSent(tk, "Starters", t0.Add(700*time.Second)); err != nil {
		t.Fatal(err)
	}
	v = b.View(tk, t0.Add(800*time.Second))
	if v.ReceivedSeverity != "" {
		t.Errorf("received severity after first course sent = %s", v.ReceivedSeverity)
	}
	if v.Courses[0].Severity != "" {
		t.Errorf("sent course has severity %s", v.Courses[0].Severity)
	}
}

func TestBoardVisible(t *testing.T) {
	b := Board{Grace: 2 * time.Minute}
	completed := t0

	tests := []struct {
		name string
		t    Ticket
		now  time.Time
		want bool
	}{
		{name: "active", t: Ticket{Active: true}, now: t0, want: true},
		{name: "closed", t: Ticket{Active: false}, now: t0, want: false},
		{name: "bumped", t: Ticket{Active: true, Bumped: true}, now: t0, want: false},
		{name: "completedWithinGrace", t: Ticket{Active: true, CompletedAt: &completed}, now: t0.Add(time.Minute), want: true},
		{name: "completedAfterGrace", t: Ticket{Active: true, CompletedAt: &completed}, now: t0.Add(2 * time.Minute), want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := b.Visible(&tt.t, tt.now); got != tt.want {
				t.Errorf("Visible() = %v, want %v", got, tt.want)
			}
		})
	}
}

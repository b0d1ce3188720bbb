package seeding

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/appetiteclub/kds/internal/kds"
	"github.com/appetiteclub/kds/pkg/enums/coursestatus"
)

// UIDPrefix marks demo tickets so they can be removed again.
const UIDPrefix = "demo-seed-"

// Actor is recorded on the course bumps the seed applies.
const Actor = "demo-seed"

// FirstDemoID keeps demo POS ids clear of real SambaPOS ticket ids.
const FirstDemoID int64 = 900000

// Step is a course action applied after a demo ticket is created.
type Step struct {
	Course string
	Action string
}

// DemoTicket is one seeded ticket and the actions that bring its courses
// to the wanted state.
type DemoTicket struct {
	Snapshot kds.SnapshotTicket
	Steps    []Step
}

// DemoTickets lays out tickets whose courses cover every state: just
// received, mid-service, one course from completion and fully sent. The
// ticket ages spread the board across the severity bands.
func DemoTickets(courses []string, now time.Time) []DemoTicket {
	ages := []time.Duration{2 * time.Minute, 8 * time.Minute, 13 * time.Minute, 21 * time.Minute, 4 * time.Minute}
	tables := []string{"T1", "T4", "T7", "Bar 2", "T12"}

	out := make([]DemoTicket, 0, len(ages))
	for i, age := range ages {
		id := FirstDemoID + int64(i) + 1
		snap := kds.SnapshotTicket{
			SambaPOSTicketID: id,
			UID:              fmt.Sprintf("%s%d", UIDPrefix, id),
			Number:           fmt.Sprintf("D-%d", i+1),
			Table:            tables[i],
			Covers:           2 + i,
			Total:            float64(24*(i+1)) + 0.5,
			OpenedAt:         now.Add(-age),
			LastUpdate:       now.Add(-age / 2),
			OrderIDs:         orderIDs(id, 3+i),
		}
		out = append(out, DemoTicket{Snapshot: snap, Steps: stepsFor(courses, i%4)})
	}
	return out
}

// stepsFor sends the first `sent` courses, calling each away first where
// needed, and calls the next one away.
func stepsFor(courses []string, sent int) []Step {
	if sent > len(courses) {
		sent = len(courses)
	}
	var steps []Step
	for i := 0; i < sent; i++ {
		if i > 0 {
			steps = append(steps, Step{Course: courses[i], Action: coursestatus.ActionAway})
		}
		steps = append(steps, Step{Course: courses[i], Action: coursestatus.ActionSent})
	}
	if sent > 0 && sent < len(courses) {
		steps = append(steps, Step{Course: courses[sent], Action: coursestatus.ActionAway})
	}
	return steps
}

func orderIDs(ticketID int64, n int) []int64 {
	ids := make([]int64, n)
	for i := range ids {
		ids[i] = ticketID*100 + int64(i)
	}
	return ids
}

// Apply creates the demo tickets through the store so every record and
// bump goes through the same rules as live traffic.
func Apply(ctx context.Context, store *kds.Store, kitchenID string, tickets []DemoTicket) (int, error) {
	created := 0
	for _, dt := range tickets {
		t, outcome, err := store.Upsert(ctx, kitchenID, dt.Snapshot)
		if err != nil {
			return created, fmt.Errorf("cannot create demo ticket %s: %w", dt.Snapshot.Number, err)
		}
		if outcome != kds.UpsertCreated {
			continue
		}
		created++

		for _, step := range dt.Steps {
			var err error
			switch step.Action {
			case coursestatus.ActionAway:
				_, _, err = store.Away(ctx, t.ID, step.Course, Actor)
			case coursestatus.ActionSent:
				_, _, err = store.Sent(ctx, t.ID, step.Course, Actor)
			default:
				err = fmt.Errorf("unknown action %q", step.Action)
			}
			if err != nil {
				return created, fmt.Errorf("cannot apply %s %s on %s: %w", step.Course, step.Action, dt.Snapshot.Number, err)
			}
		}
	}
	return created, nil
}

// IsDemo reports whether a record was created by the seed.
func IsDemo(t *kds.Ticket) bool {
	return strings.HasPrefix(t.SambaPOSUID, UIDPrefix)
}

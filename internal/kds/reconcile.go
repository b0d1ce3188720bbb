package kds

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/appetiteclub/kds/internal/logging"
	"github.com/appetiteclub/kds/internal/metrics"
	"github.com/appetiteclub/kds/pkg/event"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
)

// SnapshotTicket is one open ticket as reported by the POS.
type SnapshotTicket struct {
	SambaPOSTicketID int64
	UID              string
	Number           string
	Table            string
	Covers           int
	Total            float64
	OpenedAt         time.Time
	LastUpdate       time.Time
	OrderIDs         []int64
}

// TicketSource lists every ticket the POS currently holds open for a
// kitchen.
type TicketSource interface {
	ListOpenTickets(ctx context.Context, kitchenID string) ([]SnapshotTicket, error)
}

type Result struct {
	Created   int `json:"created"`
	Updated   int `json:"updated"`
	Unchanged int `json:"unchanged"`
	Closed    int `json:"closed"`
	Failed    int `json:"failed"`
}

// ReconcileStatus summarizes recent passes for the status endpoint.
type ReconcileStatus struct {
	LastRun             time.Time `json:"last_run,omitempty"`
	LastResult          Result    `json:"last_result"`
	LastError           string    `json:"last_error,omitempty"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
}

// Reconciler folds POS snapshots into the store.
type Reconciler struct {
	store     *Store
	source    TicketSource
	notifier  Notifier
	kitchenID string
	logger    *slog.Logger

	mu     sync.Mutex
	status ReconcileStatus

	passes   metrics.Counter
	failures metrics.Counter
}

func NewReconciler(store *Store, source TicketSource, notifier Notifier, kitchenID string, logger *slog.Logger) *Reconciler {
	return &Reconciler{
		store:     store,
		source:    source,
		notifier:  notifier,
		kitchenID: kitchenID,
		logger:    logging.OrDiscard(logger),
		passes:    metrics.NewCounter("kds.reconcile.passes", "Reconciliation passes run"),
		failures:  metrics.NewCounter("kds.reconcile.failures", "Reconciliation passes aborted by a fetch failure"),
	}
}

func (r *Reconciler) KitchenID() string { return r.kitchenID }

// Status returns a copy of the latest pass summary.
func (r *Reconciler) Status() ReconcileStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

// Reconcile runs one pass. A failed fetch leaves the store untouched.
// Per-ticket write failures are logged, counted and joined into the
// returned error; the rest of the pass still runs.
func (r *Reconciler) Reconcile(ctx context.Context) (Result, error) {
	now := r.store.clock.Now()
	r.passes.Inc(ctx, attribute.String("kitchen_id", r.kitchenID))

	snapshot, err := r.source.ListOpenTickets(ctx, r.kitchenID)
	if err != nil {
		err = fmt.Errorf("cannot fetch open tickets: %w", err)
		r.failures.Inc(ctx, attribute.String("kitchen_id", r.kitchenID))

		r.mu.Lock()
		r.status.LastRun = now
		r.status.LastError = err.Error()
		r.status.ConsecutiveFailures++
		failures := r.status.ConsecutiveFailures
		r.mu.Unlock()

		r.logger.Error("reconciliation aborted", "error", err, "consecutive_failures", failures)
		return Result{}, err
	}

	var (
		res  Result
		errs []error
		seen = make(map[int64]struct{}, len(snapshot))
	)

	for _, snap := range snapshot {
		if snap.SambaPOSTicketID <= 0 {
			r.logger.Warn("skipping snapshot ticket without id", "number", snap.Number)
			continue
		}
		if _, dup := seen[snap.SambaPOSTicketID]; dup {
			continue
		}
		seen[snap.SambaPOSTicketID] = struct{}{}

		t, outcome, err := r.store.Upsert(ctx, r.kitchenID, snap)
		if err != nil {
			res.Failed++
			errs = append(errs, err)
			r.logger.Error("cannot reconcile ticket", "sambapos_ticket_id", snap.SambaPOSTicketID, "error", err)
			continue
		}

		switch outcome {
		case UpsertCreated:
			res.Created++
			r.notify(t)
		case UpsertUpdated:
			res.Updated++
			r.notify(t)
		default:
			res.Unchanged++
		}
	}

	for _, key := range r.store.Keys(r.kitchenID) {
		if _, ok := seen[key.SambaPOSTicketID]; ok {
			continue
		}
		t, err := r.store.Close(ctx, key)
		if err != nil {
			res.Failed++
			errs = append(errs, err)
			r.logger.Error("cannot close ticket", "sambapos_ticket_id", key.SambaPOSTicketID, "error", err)
			continue
		}
		if t != nil {
			res.Closed++
			r.notify(t)
		}
	}

	err = errors.Join(errs...)

	r.mu.Lock()
	r.status.LastRun = now
	r.status.LastResult = res
	r.status.ConsecutiveFailures = 0
	r.status.LastError = ""
	if err != nil {
		r.status.LastError = err.Error()
	}
	r.mu.Unlock()

	if res.Created+res.Updated+res.Closed+res.Failed > 0 {
		r.logger.Info("reconciliation pass",
			"kitchen_id", r.kitchenID,
			"created", res.Created,
			"updated", res.Updated,
			"closed", res.Closed,
			"failed", res.Failed,
		)
	}
	return res, err
}

func (r *Reconciler) notify(t *Ticket) {
	if r.notifier == nil {
		return
	}
	r.notifier.Publish(event.NewTicketRefresh(t.KitchenID, t.SambaPOSTicketID, event.SourceReconcile, r.store.clock.Now()))
}

type UpsertOutcome int

const (
	UpsertUnchanged UpsertOutcome = iota
	UpsertCreated
	UpsertUpdated
)

// Upsert creates the active record for snap or refreshes its POS fields.
// Course states and bump history of an existing record are never touched.
// The whole operation holds the ticket's lock.
func (s *Store) Upsert(ctx context.Context, kitchenID string, snap SnapshotTicket) (*Ticket, UpsertOutcome, error) {
	key := Key{KitchenID: kitchenID, SambaPOSTicketID: snap.SambaPOSTicketID}
	e := s.lockKey(key)
	defer e.mu.Unlock()

	now := s.clock.Now()
	current := sortedIDs(snap.OrderIDs)

	if e.ticket == nil {
		t := s.newTicket(kitchenID, snap, current, now)
		if err := s.create(ctx, t); err != nil {
			s.dropLocked(key, e)
			return nil, UpsertUnchanged, err
		}
		e.ticket = t
		s.indexID(t.ID, e)

		s.logger.Info("ticket created",
			"ticket_id", t.ID,
			"sambapos_ticket_id", t.SambaPOSTicketID,
			"first_course", firstCourse(t),
		)
		return t.Clone(), UpsertCreated, nil
	}

	next := e.ticket.Clone()
	next.SambaPOSUID = snap.UID
	next.Number = snap.Number
	next.Table = snap.Table
	next.Covers = snap.Covers
	next.Total = snap.Total
	if !snap.LastUpdate.IsZero() {
		next.LastPOSUpdate = snap.LastUpdate
	}
	next.CurrentOrderIDs = current
	additions := Additions(current, next.InitialOrderIDs)
	if next.Bumped && len(Additions(additions, next.AdditionOrderIDs)) > 0 {
		// New items on a bumped ticket bring it back to the board.
		next.Bumped = false
		next.BumpedAt = nil
	}
	next.AdditionOrderIDs = additions

	if !posFieldsChanged(e.ticket, next) {
		return e.ticket.Clone(), UpsertUnchanged, nil
	}

	next.UpdatedAt = now
	if err := s.update(ctx, next); err != nil {
		return nil, UpsertUnchanged, err
	}
	e.ticket = next
	return next.Clone(), UpsertUpdated, nil
}

// Close retires the active record for key. It returns nil when the key is
// no longer active.
func (s *Store) Close(ctx context.Context, key Key) (*Ticket, error) {
	e := s.lockKey(key)
	defer e.mu.Unlock()

	if e.ticket == nil {
		s.dropLocked(key, e)
		return nil, nil
	}

	now := s.clock.Now()
	next := e.ticket.Clone()
	next.Active = false
	next.ClosedAt = &now
	next.UpdatedAt = now

	if err := s.update(ctx, next); err != nil {
		return nil, err
	}

	s.dropLocked(key, e)
	s.logger.Info("ticket closed", "ticket_id", next.ID, "sambapos_ticket_id", next.SambaPOSTicketID)
	return next, nil
}

func (s *Store) newTicket(kitchenID string, snap SnapshotTicket, orderIDs []int64, now time.Time) *Ticket {
	received := snap.OpenedAt
	if received.IsZero() || received.After(now) {
		received = now
	}
	lastUpdate := snap.LastUpdate
	if lastUpdate.IsZero() {
		lastUpdate = now
	}

	return &Ticket{
		ID:               uuid.New(),
		KitchenID:        kitchenID,
		SambaPOSTicketID: snap.SambaPOSTicketID,
		SambaPOSUID:      snap.UID,
		Number:           snap.Number,
		Table:            snap.Table,
		Covers:           snap.Covers,
		Total:            snap.Total,
		ReceivedAt:       received,
		LastPOSUpdate:    lastUpdate,
		Active:           true,
		CourseStates:     NewCourseStates(s.courses, received),
		InitialOrderIDs:  orderIDs,
		CurrentOrderIDs:  append([]int64(nil), orderIDs...),
		CreatedAt:        now,
		UpdatedAt:        now,
		ModelVersion:     1,
	}
}

func posFieldsChanged(a, b *Ticket) bool {
	return a.SambaPOSUID != b.SambaPOSUID ||
		a.Number != b.Number ||
		a.Table != b.Table ||
		a.Covers != b.Covers ||
		a.Total != b.Total ||
		!a.LastPOSUpdate.Equal(b.LastPOSUpdate) ||
		a.Bumped != b.Bumped ||
		!equalIDs(a.CurrentOrderIDs, b.CurrentOrderIDs) ||
		!equalIDs(a.AdditionOrderIDs, b.AdditionOrderIDs)
}

func firstCourse(t *Ticket) string {
	if len(t.CourseStates) == 0 {
		return ""
	}
	return t.CourseStates[0].Name
}

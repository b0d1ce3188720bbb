package kds

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/appetiteclub/kds/internal/bus"
	"github.com/appetiteclub/kds/internal/httpx"
	"github.com/appetiteclub/kds/internal/logging"
	"github.com/appetiteclub/kds/internal/signalr"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
)

const MaxBodyBytes = 1 << 20

// ListenerStatus is what the handler reports about the POS connection.
type ListenerStatus interface {
	State() signalr.State
	LastError() error
	Since() time.Time
}

// Triggerer queues a reconciliation pass.
type Triggerer interface {
	Trigger()
}

type HandlerDeps struct {
	Store      *Store
	Reconciler *Reconciler
	Trigger    Triggerer
	Listener   ListenerStatus
	Events     *bus.Bus
	Board      Board
	KitchenID  string
	Clock      clockwork.Clock
	Logger     *slog.Logger
}

type Handler struct {
	store      *Store
	reconciler *Reconciler
	trigger    Triggerer
	listener   ListenerStatus
	events     *bus.Bus
	board      Board
	kitchenID  string
	clock      clockwork.Clock
	logger     *slog.Logger
	validate   *validator.Validate

	keepAlive time.Duration
}

func NewHandler(deps HandlerDeps) *Handler {
	if deps.Clock == nil {
		deps.Clock = clockwork.NewRealClock()
	}
	if deps.Board == (Board{}) {
		deps.Board = DefaultBoard()
	}
	return &Handler{
		store:      deps.Store,
		reconciler: deps.Reconciler,
		trigger:    deps.Trigger,
		listener:   deps.Listener,
		events:     deps.Events,
		board:      deps.Board,
		kitchenID:  deps.KitchenID,
		clock:      deps.Clock,
		logger:     logging.OrDiscard(deps.Logger),
		validate:   validator.New(validator.WithRequiredStructEnabled()),
		keepAlive:  30 * time.Second,
	}
}

func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/kds", func(r chi.Router) {
		r.Get("/tickets", h.ListTickets)
		r.Get("/tickets/{id}", h.GetTicket)
		r.Get("/tickets/{id}/bumps", h.ListBumps)
		r.Post("/tickets/{id}/courses/{course}/away", h.CourseAway)
		r.Post("/tickets/{id}/courses/{course}/sent", h.CourseSent)
		r.Post("/tickets/{id}/bump", h.BumpTicket)
		r.Post("/reconcile", h.Reconcile)
		r.Get("/status", h.Status)
		r.Get("/events", h.Events)
	})
}

func (h *Handler) log(r *http.Request) *slog.Logger {
	return h.logger.With("request_id", middleware.GetReqID(r.Context()))
}

func (h *Handler) ListTickets(w http.ResponseWriter, r *http.Request) {
	kitchenID := h.kitchenID
	if q := r.URL.Query().Get("kitchen_id"); q != "" {
		kitchenID = q
	}

	views := h.board.Render(h.store.Active(kitchenID), h.clock.Now())
	httpx.Respond(w, http.StatusOK, map[string]interface{}{
		"tickets": views,
		"courses": h.store.Courses(),
	}, map[string]interface{}{
		"count": len(views),
	})
}

func (h *Handler) GetTicket(w http.ResponseWriter, r *http.Request) {
	id, ok := parseTicketID(w, r)
	if !ok {
		return
	}

	t, err := h.store.Get(r.Context(), id)
	if err != nil {
		h.respondStoreError(w, r, err)
		return
	}
	httpx.Respond(w, http.StatusOK, h.board.View(t, h.clock.Now()), nil)
}

func (h *Handler) ListBumps(w http.ResponseWriter, r *http.Request) {
	id, ok := parseTicketID(w, r)
	if !ok {
		return
	}

	bumps, err := h.store.Bumps(r.Context(), id)
	if err != nil {
		h.log(r).Error("cannot list bumps", "ticket_id", id, "error", err)
		httpx.RespondError(w, http.StatusInternalServerError, "Could not list bumps")
		return
	}
	if bumps == nil {
		bumps = []CourseBump{}
	}
	httpx.Respond(w, http.StatusOK, map[string]interface{}{"bumps": bumps}, nil)
}

type courseActionRequest struct {
	Actor string `json:"actor" validate:"omitempty,max=64"`
}

func (h *Handler) CourseAway(w http.ResponseWriter, r *http.Request) {
	h.courseAction(w, r, h.store.Away)
}

func (h *Handler) CourseSent(w http.ResponseWriter, r *http.Request) {
	h.courseAction(w, r, h.store.Sent)
}

type courseActionFunc func(ctx context.Context, id TicketID, course, actor string) (*Ticket, *CourseBump, error)

func (h *Handler) courseAction(w http.ResponseWriter, r *http.Request, apply courseActionFunc) {
	id, ok := parseTicketID(w, r)
	if !ok {
		return
	}
	course := chi.URLParam(r, "course")
	if course == "" {
		httpx.RespondError(w, http.StatusBadRequest, "Course is required")
		return
	}

	var req courseActionRequest
	if err := decodeOptionalJSON(r, &req); err != nil {
		httpx.RespondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.RespondError(w, http.StatusBadRequest, "Invalid actor")
		return
	}

	t, bump, err := apply(r.Context(), id, course, req.Actor)
	if err != nil {
		h.respondStoreError(w, r, err)
		return
	}

	httpx.Respond(w, http.StatusOK, map[string]interface{}{
		"ticket": h.board.View(t, h.clock.Now()),
		"bump":   bump,
	}, nil)
}

func (h *Handler) BumpTicket(w http.ResponseWriter, r *http.Request) {
	id, ok := parseTicketID(w, r)
	if !ok {
		return
	}

	t, err := h.store.Bump(r.Context(), id)
	if err != nil {
		h.respondStoreError(w, r, err)
		return
	}
	httpx.Respond(w, http.StatusOK, h.board.View(t, h.clock.Now()), nil)
}

func (h *Handler) Reconcile(w http.ResponseWriter, r *http.Request) {
	if h.trigger == nil {
		httpx.RespondError(w, http.StatusServiceUnavailable, "Reconciliation is not configured")
		return
	}
	h.trigger.Trigger()
	httpx.Respond(w, http.StatusAccepted, map[string]interface{}{"queued": true}, nil)
}

type listenerView struct {
	State     signalr.State `json:"state"`
	Since     time.Time     `json:"since"`
	LastError string        `json:"last_error,omitempty"`
}

func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	body := map[string]interface{}{
		"kitchen_id": h.kitchenID,
	}

	if h.listener != nil {
		lv := listenerView{State: h.listener.State(), Since: h.listener.Since()}
		if err := h.listener.LastError(); err != nil {
			lv.LastError = err.Error()
		}
		body["listener"] = lv
	}
	if h.reconciler != nil {
		body["reconcile"] = h.reconciler.Status()
	}
	if h.events != nil {
		body["subscribers"] = h.events.SubscriberCount()
	}

	httpx.Respond(w, http.StatusOK, body, nil)
}

func (h *Handler) respondStoreError(w http.ResponseWriter, r *http.Request, err error) {
	var invalid *InvalidTransitionError
	switch {
	case errors.As(err, &invalid):
		httpx.RespondErrorReason(w, http.StatusConflict, invalid.Error(), invalid.Reason)
	case errors.Is(err, ErrUnknownCourse):
		httpx.RespondError(w, http.StatusNotFound, "Course not found")
	case errors.Is(err, ErrTicketClosed):
		httpx.RespondError(w, http.StatusGone, "Ticket is closed")
	case errors.Is(err, ErrTicketNotFound):
		httpx.RespondError(w, http.StatusNotFound, "Ticket not found")
	default:
		h.log(r).Error("ticket operation failed", "error", err)
		httpx.RespondError(w, http.StatusInternalServerError, "Could not update ticket")
	}
}

func parseTicketID(w http.ResponseWriter, r *http.Request) (TicketID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httpx.RespondError(w, http.StatusBadRequest, "Invalid ticket ID")
		return uuid.Nil, false
	}
	return id, true
}

// decodeOptionalJSON accepts an empty body.
func decodeOptionalJSON(r *http.Request, dst interface{}) error {
	if r.Body == nil {
		return nil
	}
	dec := json.NewDecoder(io.LimitReader(r.Body, MaxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

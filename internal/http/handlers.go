package http

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/dealflow/internal/event"
	"github.com/fyrsmithlabs/dealflow/internal/negotiation"
	"github.com/fyrsmithlabs/dealflow/internal/orchestrator"
	"github.com/fyrsmithlabs/dealflow/internal/queue"
	"github.com/fyrsmithlabs/dealflow/internal/store"
)

const (
	defaultActionLimit = 100
	maxActionLimit     = 1000
)

// handleHealth returns a simple health check response.
func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{Status: "ok"})
}

// handleSubmitEvent enqueues an event, or handles it inline with ?sync=true.
func (s *Server) handleSubmitEvent(c echo.Context) error {
	var req EventRequest
	if err := c.Bind(&req); err != nil {
		s.logger.Warn(c.Request().Context(), "invalid event request", zap.Error(err))
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.Type == "" || len(req.Payload) == 0 || string(req.Payload) == "null" {
		return echo.NewHTTPError(http.StatusBadRequest, "type and payload are required")
	}
	ev := event.Event{Type: req.Type, Payload: req.Payload}

	sync, _ := strconv.ParseBool(c.QueryParam("sync"))
	if sync {
		return s.handleInline(c, ev)
	}
	h, err := s.engine.Submit(c.Request().Context(), ev)
	if err != nil {
		return s.httpError(c, err)
	}
	return c.JSON(http.StatusAccepted, accepted(h, nil))
}

// handleInline runs ev through the orchestrator on the request goroutine.
// A retryable failure has committed nothing, or has committed an action
// whose delivery failed, so the event is queued and the worker finishes
// the job.
func (s *Server) handleInline(c echo.Context, ev event.Event) error {
	ctx := c.Request().Context()
	res, err := s.engine.Handle(ctx, ev)
	if err == nil {
		return c.JSON(http.StatusOK, res)
	}
	if orchestrator.Permanent(err) {
		return s.httpError(c, err)
	}

	h, qerr := s.engine.Submit(ctx, ev)
	if qerr != nil {
		s.logger.Error(ctx, "queueing event after failed inline handling", zap.Error(qerr))
		return s.httpError(c, err)
	}
	s.logger.Warn(ctx, "inline handling failed, event queued for retry",
		zap.String("job_id", h.ID), zap.Error(err))
	return c.JSON(http.StatusAccepted, accepted(h, err))
}

// handleGetThread returns a thread's snapshot and ledger history.
func (s *Server) handleGetThread(c echo.Context) error {
	ctx := c.Request().Context()
	id := c.Param("id")
	snap, err := s.engine.Store().LoadSnapshot(ctx, id)
	if err != nil {
		return s.httpError(c, err)
	}
	history, err := s.engine.Ledger().History(ctx, id)
	if err != nil {
		return s.httpError(c, err)
	}
	return c.JSON(http.StatusOK, ThreadResponse{Snapshot: snap, History: history})
}

// handleListActions lists actions filtered by owner, thread and status.
func (s *Server) handleListActions(c echo.Context) error {
	f := store.ActionFilter{
		OwnerID:  c.QueryParam("owner"),
		ThreadID: c.QueryParam("thread"),
		Status:   negotiation.ActionStatus(c.QueryParam("status")),
		Limit:    defaultActionLimit,
	}
	switch f.Status {
	case "", negotiation.ActionProposed, negotiation.ActionApproved, negotiation.ActionExecuted, negotiation.ActionRejected:
	default:
		return echo.NewHTTPError(http.StatusBadRequest, "unknown status "+strconv.Quote(string(f.Status)))
	}
	if raw := c.QueryParam("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > maxActionLimit {
			return echo.NewHTTPError(http.StatusBadRequest, "limit must be between 1 and "+strconv.Itoa(maxActionLimit))
		}
		f.Limit = n
	}

	actions, err := s.engine.Store().ListActions(c.Request().Context(), f)
	if err != nil {
		return s.httpError(c, err)
	}
	if actions == nil {
		actions = []*negotiation.ActionRequest{}
	}
	return c.JSON(http.StatusOK, ActionsResponse{Actions: actions})
}

// handleDecision records an operator verdict on a queued action. It is
// handled inline so the operator sees whether delivery happened.
func (s *Server) handleDecision(verdict event.Verdict) echo.HandlerFunc {
	return func(c echo.Context) error {
		var req DecisionRequest
		if err := c.Bind(&req); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
		}
		if req.Operator == "" {
			return echo.NewHTTPError(http.StatusBadRequest, "operator is required")
		}

		a, err := s.engine.Store().GetAction(c.Request().Context(), c.Param("id"))
		if err != nil {
			return s.httpError(c, err)
		}
		ev, err := event.New(event.ActionDecided, event.Decided{
			ThreadID: a.ThreadID,
			ActionID: a.ID,
			Verdict:  verdict,
			Operator: req.Operator,
		})
		if err != nil {
			return s.httpError(c, err)
		}
		return s.handleInline(c, ev)
	}
}

// handleConflicts returns the owner's latest conflict report.
func (s *Server) handleConflicts(c echo.Context) error {
	r, err := s.engine.Store().LatestConflictReport(c.Request().Context(), c.Param("owner"))
	if err != nil {
		return s.httpError(c, err)
	}
	return c.JSON(http.StatusOK, r)
}

// httpError maps domain errors onto status codes. Unexpected errors are
// logged and reported without detail.
func (s *Server) httpError(c echo.Context, err error) error {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case orchestrator.Permanent(err):
		return echo.NewHTTPError(http.StatusUnprocessableEntity, err.Error())
	}
	s.logger.Error(c.Request().Context(), "request failed", zap.Error(err))
	return echo.NewHTTPError(http.StatusInternalServerError, "internal error")
}

func accepted(h queue.Handle, cause error) EventAccepted {
	out := EventAccepted{JobID: h.ID, Type: h.Name}
	if !h.NotBefore.IsZero() {
		nb := h.NotBefore
		out.NotBefore = &nb
	}
	if cause != nil {
		out.Error = cause.Error()
	}
	return out
}

package http

import (
	"net/http"
	"strconv"

	"github.com/fyrsmithlabs/patternd/internal/engine"
	"github.com/fyrsmithlabs/patternd/internal/learning"
	"github.com/fyrsmithlabs/patternd/internal/pattern"
	"github.com/fyrsmithlabs/patternd/internal/store"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
)

const (
	defaultListLimit = 100
	maxListLimit     = 1000
)

// handleHealth returns a simple health check response.
func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{Status: "ok"})
}

func (s *Server) handleStatus(c echo.Context) error {
	counts, err := s.deps.Patterns.Counts(c.Request().Context())
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, StatusResponse{
		Status:  "ok",
		Version: s.version,
		Counts:  counts,
		Flags:   s.deps.Flags.Flags(),
	})
}

// handleEvent is the inbound webhook for platforms that push over HTTP.
func (s *Server) handleEvent(c echo.Context) error {
	var ev engine.MessageEvent
	if err := c.Bind(&ev); err != nil {
		s.logger.Warn("invalid event request", zap.Error(err))
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	res, err := s.deps.Engine.HandleEvent(c.Request().Context(), ev)
	if err != nil {
		return err
	}
	code := http.StatusOK
	if res.Step == engine.StepDeferred {
		code = http.StatusAccepted
	}
	return c.JSON(code, res)
}

func (s *Server) handleCloseConversation(c echo.Context) error {
	var req CloseConversationRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	closed, err := s.deps.Engine.CloseConversation(c.Request().Context(), c.Param("id"), req.Reason)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, closed)
}

func (s *Server) handleListPatterns(c echo.Context) error {
	f := store.ListFilter{
		Category: pattern.Category(c.QueryParam("category")),
		Status:   pattern.Status(c.QueryParam("status")),
	}
	if f.Status != "" && !f.Status.Valid() {
		return echo.NewHTTPError(http.StatusBadRequest, "unknown status")
	}
	f.MatchableOnly, _ = strconv.ParseBool(c.QueryParam("matchable"))
	var err error
	if f.Limit, err = limitParam(c); err != nil {
		return err
	}
	if v := c.QueryParam("offset"); v != "" {
		if f.Offset, err = strconv.Atoi(v); err != nil || f.Offset < 0 {
			return echo.NewHTTPError(http.StatusBadRequest, "offset must be a non-negative integer")
		}
	}

	patterns, err := s.deps.Patterns.List(c.Request().Context(), f)
	if err != nil {
		return err
	}
	for _, p := range patterns {
		p.Embedding = nil
	}
	return c.JSON(http.StatusOK, PatternList{Patterns: patterns, Count: len(patterns)})
}

func (s *Server) handleCreatePattern(c echo.Context) error {
	var req CreatePatternRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.Trigger == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "trigger field is required")
	}
	if req.Category != "" && !validCategory(req.Category) {
		return echo.NewHTTPError(http.StatusBadRequest, "unknown category")
	}
	p, err := s.deps.Learner.Seed(c.Request().Context(), learning.SeedInput{
		Trigger:          req.Trigger,
		ResponseTemplate: req.ResponseTemplate,
		Action:           req.Action,
		Category:         req.Category,
	})
	if err != nil {
		return err
	}
	p.Embedding = nil
	return c.JSON(http.StatusCreated, p)
}

func (s *Server) handleGetPattern(c echo.Context) error {
	p, err := s.deps.Patterns.Get(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	p.Embedding = nil
	return c.JSON(http.StatusOK, p)
}

func (s *Server) handleUpdatePattern(c echo.Context) error {
	var req UpdatePatternRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.Category != nil && !validCategory(*req.Category) {
		return echo.NewHTTPError(http.StatusBadRequest, "unknown category")
	}
	if req.ClearAction && req.Action != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "action and clear_action are exclusive")
	}
	return s.update(c, store.TemplateUpdate{
		ResponseTemplate: req.ResponseTemplate,
		Action:           req.Action,
		ClearAction:      req.ClearAction,
		Category:         req.Category,
		Enabled:          req.Enabled,
	})
}

func (s *Server) handleDisablePattern(c echo.Context) error {
	disabled := false
	return s.update(c, store.TemplateUpdate{Enabled: &disabled})
}

func (s *Server) update(c echo.Context, u store.TemplateUpdate) error {
	id := c.Param("id")
	p, err := s.deps.Patterns.UpdateTemplates(c.Request().Context(), id, u)
	if err != nil {
		return err
	}
	s.logger.Info("pattern updated", zap.String("pattern.id", id), zap.Bool("enabled", p.Enabled))
	p.Embedding = nil
	return c.JSON(http.StatusOK, p)
}

func (s *Server) handleFeedback(c echo.Context) error {
	var req FeedbackRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.Helpful == nil {
		return echo.NewHTTPError(http.StatusBadRequest, "helpful field is required")
	}
	p, err := s.deps.Outcomes.ApplyFeedback(c.Request().Context(), c.Param("id"), *req.Helpful)
	if err != nil {
		return err
	}
	p.Embedding = nil
	return c.JSON(http.StatusOK, p)
}

func (s *Server) handleListExecutions(c echo.Context) error {
	f := store.ExecutionFilter{
		PatternID:      c.QueryParam("pattern_id"),
		ConversationID: c.QueryParam("conversation_id"),
	}
	f.UnresolvedOnly, _ = strconv.ParseBool(c.QueryParam("unresolved"))
	var err error
	if f.Limit, err = limitParam(c); err != nil {
		return err
	}
	recs, err := s.deps.Patterns.ListExecutions(c.Request().Context(), f)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, ExecutionList{Executions: recs, Count: len(recs)})
}

func (s *Server) handleOutcome(c echo.Context) error {
	var req OutcomeRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if !req.Outcome.Valid() {
		return echo.NewHTTPError(http.StatusBadRequest, "outcome must be success, modified, failure or unknown")
	}
	p, err := s.deps.Outcomes.ReportOutcome(c.Request().Context(), c.Param("id"), req.Outcome)
	if err != nil {
		return err
	}
	if p == nil {
		return c.NoContent(http.StatusNoContent)
	}
	p.Embedding = nil
	return c.JSON(http.StatusOK, p)
}

func (s *Server) handleGoldStandard(c echo.Context) error {
	var req GoldStandardRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	gs, err := s.deps.Learner.FlagGoldStandard(c.Request().Context(), learning.GoldInput{
		ConversationID: req.ConversationID,
		CustomerText:   req.CustomerText,
		OperatorText:   req.OperatorText,
		FlaggedBy:      req.FlaggedBy,
	})
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, gs)
}

func limitParam(c echo.Context) (int, error) {
	v := c.QueryParam("limit")
	if v == "" {
		return defaultListLimit, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 1 {
		return 0, echo.NewHTTPError(http.StatusBadRequest, "limit must be a positive integer")
	}
	if n > maxListLimit {
		n = maxListLimit
	}
	return n, nil
}

func validCategory(c pattern.Category) bool {
	switch c {
	case pattern.CategoryTechnical, pattern.CategoryAccess, pattern.CategoryBooking,
		pattern.CategoryBilling, pattern.CategoryGeneral:
		return true
	}
	return false
}

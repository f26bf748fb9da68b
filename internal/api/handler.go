package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/gigmarket-labs/kestrel/internal/catalog"
	"github.com/gigmarket-labs/kestrel/internal/domain"
	"github.com/gigmarket-labs/kestrel/internal/evaluator"
	"github.com/gigmarket-labs/kestrel/internal/metrics"
)

// verdictCacheTTL bounds how long a verdict read stays cached.
const verdictCacheTTL = 5 * time.Minute

// Handler holds dependencies for API handlers.
type Handler struct {
	repo     domain.Repository
	cache    domain.Cache
	bus      domain.EventBus
	catalog  *catalog.Catalog
	eval     *evaluator.Evaluator
	validate *validator.Validate
	version  string

	// ingestRate caps submitted events per actor per minute; 0 disables.
	ingestRate int

	// async publishes submitted events to the bus instead of evaluating
	// inline.
	async bool
}

// NewHandler creates a new API handler.
func NewHandler(repo domain.Repository, cache domain.Cache, bus domain.EventBus, cat *catalog.Catalog, eval *evaluator.Evaluator, version string, ingestRate int, async bool) *Handler {
	return &Handler{
		repo:       repo,
		cache:      cache,
		bus:        bus,
		catalog:    cat,
		eval:       eval,
		validate:   validator.New(),
		version:    version,
		ingestRate: ingestRate,
		async:      async,
	}
}

// EventRequest is the request body for POST /events.
type EventRequest struct {
	ActorID    string            `json:"actor_id" validate:"required,max=128"`
	Category   string            `json:"event_category" validate:"required,oneof=payment login profile_edit bid message"`
	OccurredAt time.Time         `json:"occurred_at,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

// EventResponse is the response for POST /events.
type EventResponse struct {
	EventID string          `json:"event_id"`
	Status  string          `json:"status"`
	Verdict *domain.Verdict `json:"verdict,omitempty"`
}

// SubmitEvent handles POST /events. In sync mode it evaluates inline and
// returns the verdict; in async mode it publishes the event for the workers
// and returns 202.
func (h *Handler) SubmitEvent(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req EventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}

	if err := h.validate.Struct(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": validationMessage(err),
		})
		return
	}

	if h.ingestRate > 0 && h.cache != nil {
		count, err := h.cache.IncrementCounter(ctx, "ingest:"+req.ActorID, time.Minute)
		if err != nil {
			slog.Warn("rate limit counter unavailable", "actor_id", req.ActorID, "error", err)
		} else if count > int64(h.ingestRate) {
			writeJSON(w, http.StatusTooManyRequests, map[string]string{
				"error": "ingest rate limit exceeded",
			})
			return
		}
	}

	ev := &domain.Event{
		ID:         uuid.New().String(),
		ActorID:    req.ActorID,
		Category:   domain.EventCategory(req.Category),
		OccurredAt: req.OccurredAt,
		Attributes: req.Attributes,
	}

	if h.async && h.bus != nil {
		payload, err := json.Marshal(ev)
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]string{
				"error": "failed to encode event",
			})
			return
		}
		if err := h.bus.Publish(ctx, domain.TopicEventReceived, payload); err != nil {
			slog.Error("failed to publish event", "event_id", ev.ID, "error", err)
			writeJSON(w, http.StatusInternalServerError, map[string]string{
				"error": "failed to queue event",
			})
			return
		}
		writeJSON(w, http.StatusAccepted, EventResponse{
			EventID: ev.ID,
			Status:  "accepted",
		})
		return
	}

	verdict, err := h.eval.Evaluate(ctx, ev)
	if err != nil {
		slog.Error("event evaluation failed", "event_id", ev.ID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "event evaluation failed",
		})
		return
	}

	status := "clean"
	if verdict != nil {
		status = "flagged"
	}

	writeJSON(w, http.StatusOK, EventResponse{
		EventID: ev.ID,
		Status:  status,
		Verdict: verdict,
	})
}

// GetVerdict retrieves a verdict by ID, reading through the cache.
func (h *Handler) GetVerdict(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	verdictID := chi.URLParam(r, "id")

	if verdictID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "verdict id is required",
		})
		return
	}

	cacheKey := "verdict:" + verdictID
	if h.cache != nil {
		if cached, err := h.cache.Get(ctx, cacheKey); err == nil && cached != nil {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write(cached)
			return
		}
	}

	if h.repo == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "repository not available",
		})
		return
	}

	verdict, err := h.repo.GetVerdict(ctx, verdictID)
	if err != nil {
		if !errors.Is(err, domain.ErrNotFound) {
			slog.Error("failed to get verdict", "id", verdictID, "error", err)
		}
		writeJSON(w, http.StatusNotFound, map[string]string{
			"error": "verdict not found",
		})
		return
	}

	if h.cache != nil {
		if payload, err := json.Marshal(verdict); err == nil {
			_ = h.cache.Set(ctx, cacheKey, payload, verdictCacheTTL)
		}
	}

	writeJSON(w, http.StatusOK, verdict)
}

// GetEvent retrieves a stored event by ID.
func (h *Handler) GetEvent(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	eventID := chi.URLParam(r, "id")

	if eventID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "event id is required",
		})
		return
	}

	if h.repo == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "repository not available",
		})
		return
	}

	ev, err := h.repo.GetEvent(ctx, eventID)
	if err != nil {
		if !errors.Is(err, domain.ErrNotFound) {
			slog.Error("failed to get event", "id", eventID, "error", err)
		}
		writeJSON(w, http.StatusNotFound, map[string]string{
			"error": "event not found",
		})
		return
	}

	writeJSON(w, http.StatusOK, ev)
}

// ListRules returns all rules in the catalog, including disabled ones.
func (h *Handler) ListRules(w http.ResponseWriter, r *http.Request) {
	rules := h.catalog.Rules()

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"rules": rules,
		"count": len(rules),
	})
}

// GetRule retrieves a rule definition by ID from the catalog. Disabled
// rules are still retrievable, matching what ListRules reports.
func (h *Handler) GetRule(w http.ResponseWriter, r *http.Request) {
	ruleID := chi.URLParam(r, "id")

	if ruleID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "rule id is required",
		})
		return
	}

	rule, ok := h.catalog.Definition(ruleID)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{
			"error": "rule not found",
		})
		return
	}

	writeJSON(w, http.StatusOK, rule)
}

// CreateRule validates, compiles and installs a rule, then persists it.
// A rule that fails validation is rejected with 422 and leaves the catalog
// unchanged.
func (h *Handler) CreateRule(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var rule domain.Rule
	if err := json.NewDecoder(r.Body).Decode(&rule); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}

	now := time.Now().UTC()
	if rule.CreatedAt.IsZero() {
		rule.CreatedAt = now
	}
	rule.UpdatedAt = now

	if err := h.catalog.Upsert(&rule); err != nil {
		var cfgErr *domain.ConfigError
		if errors.As(err, &cfgErr) {
			writeJSON(w, http.StatusUnprocessableEntity, map[string]interface{}{
				"error":   "rule rejected",
				"rule_id": cfgErr.RuleID,
				"field":   cfgErr.Field,
				"reason":  cfgErr.Reason,
			})
			return
		}
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": err.Error(),
		})
		return
	}

	metrics.CatalogRules.Set(float64(h.catalog.Len()))

	if h.repo != nil {
		if err := h.repo.SaveRule(ctx, &rule); err != nil {
			slog.Error("failed to save rule", "id", rule.ID, "error", err)
			writeJSON(w, http.StatusInternalServerError, map[string]string{
				"error": "failed to save rule",
			})
			return
		}
	}

	slog.Info("rule installed", "id", rule.ID, "name", rule.Name, "type", rule.Type)
	writeJSON(w, http.StatusCreated, rule)
}

// DisableRule removes a rule from evaluation without deleting it.
func (h *Handler) DisableRule(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	ruleID := chi.URLParam(r, "id")

	if ruleID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "rule id is required",
		})
		return
	}

	if err := h.catalog.Disable(ruleID); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, map[string]string{
				"error": "rule not found",
			})
			return
		}
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": err.Error(),
		})
		return
	}

	metrics.CatalogRules.Set(float64(h.catalog.Len()))

	if h.repo != nil {
		if err := h.repo.DisableRule(ctx, ruleID); err != nil && !errors.Is(err, domain.ErrNotFound) {
			slog.Error("failed to persist rule disable", "id", ruleID, "error", err)
		}
	}

	slog.Info("rule disabled", "id", ruleID)
	writeJSON(w, http.StatusOK, map[string]string{
		"message": "rule disabled",
	})
}

// ReloadRules atomically replaces the catalog with the rules stored in the
// repository. A failed reload leaves the current catalog in place.
func (h *Handler) ReloadRules(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if h.repo == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "repository not available",
		})
		return
	}

	dbRules, err := h.repo.ListRules(ctx)
	if err != nil {
		slog.Error("failed to list rules from repository", "error", err)
		metrics.CatalogReloads.WithLabelValues("error").Inc()
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to load rules from repository",
		})
		return
	}

	if err := h.catalog.Reload(dbRules); err != nil {
		slog.Error("catalog reload rejected", "error", err)
		metrics.CatalogReloads.WithLabelValues("rejected").Inc()

		var cfgErr *domain.ConfigError
		if errors.As(err, &cfgErr) {
			writeJSON(w, http.StatusUnprocessableEntity, map[string]interface{}{
				"error":   "reload rejected",
				"rule_id": cfgErr.RuleID,
				"field":   cfgErr.Field,
				"reason":  cfgErr.Reason,
			})
			return
		}
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to reload rules: " + err.Error(),
		})
		return
	}

	metrics.CatalogReloads.WithLabelValues("ok").Inc()
	metrics.CatalogRules.Set(float64(h.catalog.Len()))

	slog.Info("rules reloaded", "count", len(dbRules))
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"message": "rules reloaded successfully",
		"count":   len(dbRules),
	})
}

// Health returns server health status.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	status := "healthy"

	if h.repo != nil {
		if err := h.repo.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}

	if h.cache != nil {
		if err := h.cache.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status":  status,
		"version": h.version,
	})
}

// Ready returns whether the server is ready to accept traffic.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"ready": "true",
	})
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// validationMessage flattens a validator error into a client-facing string.
func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		return fmt.Sprintf("field %s failed validation on %s", fe.Field(), fe.Tag())
	}
	return "invalid request"
}

package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/rules"
)

// RuleReader is the read side of the live rule table.
type RuleReader interface {
	Rules() []domain.Rule
	Rule(id int) (domain.Rule, bool)
}

// Checkpointer takes a checkpoint on demand.
type Checkpointer interface {
	Run(ctx context.Context) (*domain.Snapshot, error)
}

// Handler holds dependencies for API handlers. Writes never touch worker
// state directly: they are published on the bus like any other producer.
type Handler struct {
	bus          domain.EventBus
	rules        RuleReader
	checkpointer Checkpointer
	snapshots    domain.SnapshotStore
	version      string
}

// NewHandler creates a new API handler. checkpointer and snapshots may be nil.
func NewHandler(bus domain.EventBus, rules RuleReader, checkpointer Checkpointer, snapshots domain.SnapshotStore, version string) *Handler {
	return &Handler{
		bus:          bus,
		rules:        rules,
		checkpointer: checkpointer,
		snapshots:    snapshots,
		version:      version,
	}
}

// Health returns server health status.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	status := "healthy"
	if err := h.ping(r.Context()); err != nil {
		status = "degraded"
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status":  status,
		"version": h.version,
	})
}

// Ready returns whether the server is ready to accept traffic.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	if err := h.ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"ready": "false",
			"error": err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"ready": "true",
	})
}

func (h *Handler) ping(ctx context.Context) error {
	var errs []error
	if err := h.bus.Ping(ctx); err != nil {
		errs = append(errs, fmt.Errorf("event bus: %w", err))
	}
	if h.snapshots != nil {
		if err := h.snapshots.Ping(ctx); err != nil {
			errs = append(errs, fmt.Errorf("snapshot store: %w", err))
		}
	}
	return errors.Join(errs...)
}

// ListRules returns the rule table as the workers currently see it.
func (h *Handler) ListRules(w http.ResponseWriter, r *http.Request) {
	current := h.rules.Rules()
	writeJSON(w, http.StatusOK, map[string]any{
		"rules": current,
		"count": len(current),
	})
}

// GetRule retrieves one rule by id.
func (h *Handler) GetRule(w http.ResponseWriter, r *http.Request) {
	id, ok := ruleID(w, r)
	if !ok {
		return
	}

	rule, found := h.rules.Rule(id)
	if !found {
		writeJSON(w, http.StatusNotFound, map[string]string{
			"error": "rule not found",
		})
		return
	}
	writeJSON(w, http.StatusOK, rule)
}

// PublishRule validates a rule record and publishes it on the control topic.
// ACTIVE and PAUSE records are upserts; DELETE and CONTROL records are
// accepted too.
func (h *Handler) PublishRule(w http.ResponseWriter, r *http.Request) {
	var rule domain.Rule
	if err := json.NewDecoder(r.Body).Decode(&rule); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid rule record: " + err.Error(),
		})
		return
	}

	update, err := domain.RuleUpdateFromRule(rule)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": err.Error(),
		})
		return
	}
	if update.Kind == domain.UpdateUpsert {
		if err := rules.Validate(rule); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{
				"error": err.Error(),
			})
			return
		}
	}

	h.publishRule(w, r, rule, update.Kind)
}

// DeleteRule publishes a DELETE record for one rule.
func (h *Handler) DeleteRule(w http.ResponseWriter, r *http.Request) {
	id, ok := ruleID(w, r)
	if !ok {
		return
	}
	h.publishRule(w, r, domain.Rule{ID: id, State: domain.RuleStateDelete}, domain.UpdateDelete)
}

// DeleteAllRules publishes DELETE_RULES_ALL.
func (h *Handler) DeleteAllRules(w http.ResponseWriter, r *http.Request) {
	h.publishRule(w, r, controlRule(domain.ControlDeleteRulesAll), domain.UpdateDeleteAll)
}

// ControlRequest is the request body for POST /rules/control.
type ControlRequest struct {
	ControlType domain.ControlType `json:"controlType"`
}

// Control publishes a CONTROL record.
func (h *Handler) Control(w http.ResponseWriter, r *http.Request) {
	var req ControlRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}

	update, err := domain.RuleUpdateFromRule(controlRule(req.ControlType))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": err.Error(),
		})
		return
	}
	h.publishRule(w, r, controlRule(req.ControlType), update.Kind)
}

func controlRule(t domain.ControlType) domain.Rule {
	return domain.Rule{State: domain.RuleStateControl, ControlType: t}
}

func (h *Handler) publishRule(w http.ResponseWriter, r *http.Request, rule domain.Rule, kind domain.UpdateKind) {
	payload, err := json.Marshal(rule)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to encode rule",
		})
		return
	}

	if err := h.bus.Publish(r.Context(), domain.TopicRules, payload); err != nil {
		slog.Error("failed to publish rule", "rule_id", rule.ID, "kind", kind, "error", err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "failed to publish rule",
		})
		return
	}

	slog.Info("rule published", "rule_id", rule.ID, "kind", kind)
	writeJSON(w, http.StatusAccepted, map[string]any{
		"ruleId": rule.ID,
		"kind":   kind.String(),
	})
}

// PublishTransaction publishes one transaction on the data topic.
func (h *Handler) PublishTransaction(w http.ResponseWriter, r *http.Request) {
	var tx domain.Transaction
	if err := json.NewDecoder(r.Body).Decode(&tx); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid transaction record: " + err.Error(),
		})
		return
	}
	if tx.PaymentType == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "paymentType is required",
		})
		return
	}

	payload, err := json.Marshal(tx)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to encode transaction",
		})
		return
	}
	if err := h.bus.Publish(r.Context(), domain.TopicTransactions, payload); err != nil {
		slog.Error("failed to publish transaction", "transaction_id", tx.ID, "error", err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "failed to publish transaction",
		})
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]any{
		"transactionId": tx.ID,
	})
}

// CheckpointResponse is the response for POST /checkpoints.
type CheckpointResponse struct {
	CheckpointID int64 `json:"checkpointId"`
	Rules        int   `json:"rules"`
	Aggregates   int   `json:"aggregates"`
}

// Checkpoint takes and saves a checkpoint now.
func (h *Handler) Checkpoint(w http.ResponseWriter, r *http.Request) {
	if h.checkpointer == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "checkpoints not available",
		})
		return
	}

	snap, err := h.checkpointer.Run(r.Context())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "checkpoint failed: " + err.Error(),
		})
		return
	}

	writeJSON(w, http.StatusCreated, CheckpointResponse{
		CheckpointID: snap.CheckpointID,
		Rules:        len(snap.Rules),
		Aggregates:   len(snap.Aggregates),
	})
}

func ruleID(w http.ResponseWriter, r *http.Request) (int, bool) {
	id, err := strconv.Atoi(chi.URLParam(r, "id"))
	if err != nil || id < 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "rule id must be a non-negative integer",
		})
		return 0, false
	}
	return id, true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data) //nolint:errcheck // headers already sent
}

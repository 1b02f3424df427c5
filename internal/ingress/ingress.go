// Package ingress is the webhook entry point (SPEC_FULL.md §4.B): it
// verifies the inbound hosting-provider signature against either
// configured App secret, hands the decoded event to the Translator, and
// records the delivery as consumed. Order matters and is grounded on the
// reference implementation's handler: dedup check first, then signature,
// then translate, then mark.
package ingress

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/CREVIOS/agentloop/internal/apperr"
	"github.com/CREVIOS/agentloop/internal/store"
	"github.com/CREVIOS/agentloop/internal/translator"
	"github.com/CREVIOS/agentloop/pkg/models"
)

// Handler serves the webhook endpoint.
type Handler struct {
	store      *store.Store
	translator *translator.Translator
	secrets    []string
}

// New builds a Handler verifying signatures against both configured App
// webhook secrets.
func New(cfg *models.Config, st *store.Store, t *translator.Translator) *Handler {
	var secrets []string
	if cfg.CodeWebhookSecret != "" {
		secrets = append(secrets, cfg.CodeWebhookSecret)
	}
	if cfg.ReviewerWebhookSecret != "" {
		secrets = append(secrets, cfg.ReviewerWebhookSecret)
	}
	return &Handler{store: st, translator: t, secrets: secrets}
}

// ServeHTTP implements the POST /webhook endpoint.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	correlationID := uuid.NewString()
	logger := log.With().Str("correlation_id", correlationID).Logger()

	event := r.Header.Get("X-GitHub-Event")
	deliveryID := r.Header.Get("X-GitHub-Delivery")
	signature := r.Header.Get("X-Hub-Signature-256")

	body, err := io.ReadAll(r.Body)
	if err != nil {
		logger.Error().Err(err).Msg("failed to read webhook body")
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}

	if deliveryID != "" {
		seen, err := h.store.DeliverySeen(deliveryID)
		if err != nil {
			logger.Error().Err(err).Msg("delivery dedup lookup failed")
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		if seen {
			writeJSON(w, http.StatusOK, map[string]any{"status": "skipped", "reason": "duplicate delivery"})
			return
		}
	}

	if !h.verifySignature(body, signature) {
		logger.Warn().Str("event", event).Msg("invalid webhook signature")
		http.Error(w, apperr.ErrInvalidSignature.Error(), http.StatusUnauthorized)
		return
	}

	var payload map[string]any
	if err := json.Unmarshal(body, &payload); err != nil {
		logger.Error().Err(err).Msg("failed to decode webhook payload")
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}

	jobID, err := h.translator.Handle(event, payload, deliveryID)
	if err != nil {
		logger.Error().Err(err).Str("event", event).Msg("translator failed")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	if deliveryID != "" {
		if err := h.store.MarkDelivery(deliveryID); err != nil {
			logger.Error().Err(err).Msg("failed to mark delivery consumed")
		}
	}

	resp := map[string]any{"status": "accepted", "job_id": jobID}
	writeJSON(w, http.StatusOK, resp)
}

// verifySignature reports whether sig matches the HMAC-SHA256 of body
// under any configured secret. Both candidates are always computed — no
// short-circuit on the first match — so the two App roles' secrets take
// the same time to check regardless of which (if either) verifies.
func (h *Handler) verifySignature(body []byte, sig string) bool {
	if len(h.secrets) == 0 {
		return true
	}
	if !strings.HasPrefix(sig, "sha256=") {
		return false
	}
	given, err := hex.DecodeString(strings.TrimPrefix(sig, "sha256="))
	if err != nil {
		return false
	}

	matched := false
	for _, secret := range h.secrets {
		mac := hmac.New(sha256.New, []byte(secret))
		mac.Write(body)
		expected := mac.Sum(nil)
		if hmac.Equal(given, expected) {
			matched = true
		}
	}
	return matched
}

func writeJSON(w http.ResponseWriter, status int, body map[string]any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// Health serves GET /health.
func Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

package api

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	echo "github.com/labstack/echo/v5"

	"github.com/LutendoLukhele/cortex/pkg/shaper"
	"github.com/LutendoLukhele/cortex/pkg/store"
)

// maxWebhookBody bounds how much of a webhook body is read. Provider syncs
// batch records, but anything past this is hostile.
const maxWebhookBody = 4 << 20

// webhookHandler handles POST /webhooks/sync. It does O(1) validation plus a
// bounded enqueue and ACKs with 202; all pipeline work happens behind the
// dispatcher. Downstream failures are logged and still ACKed — the provider
// would otherwise retry-flood us.
func (s *Server) webhookHandler(c *echo.Context) error {
	started := time.Now()
	defer func() { s.metrics.WebhookLatency.Observe(time.Since(started).Seconds()) }()

	body, err := io.ReadAll(io.LimitReader(c.Request().Body, maxWebhookBody))
	if err != nil {
		return s.reject(c, "failed to read request body")
	}

	if s.cfg.WebhookSecret != "" {
		if !validSignature(body, s.cfg.WebhookSecret, c.Request().Header.Get("X-Signature")) {
			s.metrics.WebhooksRejected.Inc()
			return c.JSON(http.StatusUnauthorized, &ErrorResponse{Error: "invalid webhook signature"})
		}
	}

	var req SyncWebhookRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return s.reject(c, "malformed JSON payload")
	}
	if req.Type == "" || req.ConnectionID == "" || req.ProviderConfigKey == "" {
		return s.reject(c, "type, connectionId, and providerConfigKey are required")
	}
	if !shaper.KnownProvider(req.ProviderConfigKey) {
		return s.reject(c, "unknown providerConfigKey")
	}

	if req.Type != "sync" {
		return s.accept(c, "ignored non-sync notification")
	}

	userID, err := s.resolver.LookupUserID(c.Request().Context(), req.ConnectionID, req.ProviderConfigKey)
	if errors.Is(err, store.ErrNotFound) {
		// Never 4xx here: the provider may legitimately retry a webhook for
		// a connection we no longer track.
		s.logger.Warn("webhook for unknown connection",
			"connection_id", req.ConnectionID, "provider", req.ProviderConfigKey)
		return s.accept(c, "unknown connection")
	}
	if err != nil {
		s.logger.Error("connection lookup failed",
			"connection_id", req.ConnectionID, "provider", req.ProviderConfigKey, "error", err)
		return s.accept(c, "accepted")
	}

	task := shaper.Task{
		UserID:   userID,
		Provider: req.ProviderConfigKey,
		Model:    req.Model,
		SyncName: req.SyncName,
		Added:    req.ResponseResults.Added,
		Updated:  req.ResponseResults.Updated,
		Deleted:  req.ResponseResults.Deleted,
	}
	if !s.enqueuer.EnqueueSync(task) {
		s.logger.Warn("webhook task dropped under backpressure",
			"user_id", userID, "provider", req.ProviderConfigKey, "model", req.Model)
	}
	return s.accept(c, "accepted for processing")
}

func (s *Server) accept(c *echo.Context, message string) error {
	s.metrics.WebhooksAccepted.Inc()
	return c.JSON(http.StatusAccepted, &WebhookResponse{Status: "accepted", Message: message})
}

func (s *Server) reject(c *echo.Context, message string) error {
	s.metrics.WebhooksRejected.Inc()
	return c.JSON(http.StatusBadRequest, &ErrorResponse{Error: message})
}

// validSignature checks the hex-encoded HMAC-SHA256 of the raw body.
func validSignature(body []byte, secret, signature string) bool {
	if signature == "" {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(signature))
}

package handler

import (
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/Malcan-Technologies/creditxpress-aws-sub005/internal/ekyc"
	"github.com/Malcan-Technologies/creditxpress-aws-sub005/internal/service"
)

// Vendors redeliver on anything but a 2xx, so the handler acks as soon as the
// status write lands; image work continues on the follow-up queue.
const maxWebhookBody = 32 << 20 // inline base64 images make these large

// WebhookHandler receives vendor callbacks.
type WebhookHandler struct {
	kycService *service.KYCService
	logger     *zap.Logger
}

func NewWebhookHandler(kycService *service.KYCService, logger *zap.Logger) *WebhookHandler {
	return &WebhookHandler{
		kycService: kycService,
		logger:     logger,
	}
}

// RegisterRoutes registers one callback endpoint per vendor.
func (h *WebhookHandler) RegisterRoutes(router chi.Router) {
	router.Route("/webhooks", func(r chi.Router) {
		r.Post("/ctos", h.receive("ctos"))
		r.Post("/truestack", h.receive("truestack"))
	})
}

func (h *WebhookHandler) receive(vendor string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		startTime := time.Now()

		body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
		if err != nil {
			respondWithError(w, http.StatusBadRequest, err, "Failed to read webhook body")
			return
		}

		session, err := h.kycService.HandleWebhook(ctx, vendor, body, r.Header)
		if err != nil {
			h.respondToVendor(w, vendor, err)
			return
		}

		respondWithJSON(w, http.StatusOK, successResponse(map[string]string{
			"session_id": session.SessionID,
			"status":     string(session.LifecycleStatus),
		}, "Webhook processed"))

		h.logger.Info("Webhook processed",
			zap.String("vendor", vendor),
			zap.String("session_id", session.SessionID),
			zap.String("status", string(session.LifecycleStatus)),
			zap.Duration("duration", time.Since(startTime)),
		)
	}
}

// respondToVendor picks the status the vendor's retry logic should see: 404
// for references we cannot place (redelivery will not help), 500 for
// anything our side should get another chance at.
func (h *WebhookHandler) respondToVendor(w http.ResponseWriter, vendor string, err error) {
	switch {
	case errors.Is(err, service.ErrSessionNotFound):
		respondWithError(w, http.StatusNotFound, err, "Unknown reference")
	default:
		if ekyc.IsProtocolError(err) {
			h.logger.Error("Webhook payload could not be decoded",
				zap.String("vendor", vendor),
				zap.Error(err),
			)
		}
		respondWithError(w, http.StatusInternalServerError, err, "Webhook processing failed")
	}
}

package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/Malcan-Technologies/creditxpress-aws-sub005/internal/ekyc"
	"github.com/Malcan-Technologies/creditxpress-aws-sub005/internal/service"
)

// KYCHandler exposes the verification lifecycle over HTTP.
type KYCHandler struct {
	kycService *service.KYCService
	otpService *service.OTPService
	logger     *zap.Logger
}

func NewKYCHandler(kycService *service.KYCService, otpService *service.OTPService, logger *zap.Logger) *KYCHandler {
	return &KYCHandler{
		kycService: kycService,
		otpService: otpService,
		logger:     logger,
	}
}

// RegisterRoutes registers the verification routes.
func (h *KYCHandler) RegisterRoutes(router chi.Router) {
	router.Route("/kyc/sessions", func(r chi.Router) {
		r.Post("/", h.StartVerification)
		r.Get("/{sessionID}", h.PollSession)
		r.Get("/{sessionID}/documents", h.ListDocuments)
		r.Post("/{sessionID}/accept", h.AcceptSession)
	})
}

// StartVerification opens a vendor transaction for a borrower.
func (h *KYCHandler) StartVerification(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	startTime := time.Now()

	var req service.StartRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, http.StatusBadRequest, err, "Invalid request body")
		return
	}

	result, err := h.kycService.StartVerification(ctx, req)
	if err != nil {
		respondWithError(w, h.statusCode(err), err, "Failed to start verification")
		return
	}

	statusCode := http.StatusCreated
	message := "Verification session created"
	if result.Resumed {
		statusCode = http.StatusOK
		message = "Existing verification session resumed"
	}

	respondWithJSON(w, statusCode, successResponse(result, message))
	h.logger.Info("Verification started via HTTP",
		zap.String("session_id", result.Session.SessionID),
		zap.String("vendor", result.Session.Vendor),
		zap.Bool("resumed", result.Resumed),
		zap.Duration("duration", time.Since(startTime)),
	)
}

// PollSession returns the session state, refreshed from the vendor unless the
// decision is already terminal. A vendor outage yields stale=true, not a 5xx.
func (h *KYCHandler) PollSession(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	sessionID := chi.URLParam(r, "sessionID")
	if sessionID == "" {
		respondWithError(w, http.StatusBadRequest, errors.New("session ID is required"), "Session ID is required")
		return
	}

	result, err := h.kycService.Poll(ctx, sessionID)
	if err != nil {
		respondWithError(w, h.statusCode(err), err, "Failed to poll session")
		return
	}

	message := "Session retrieved"
	if result.Stale {
		message = "Session retrieved; vendor refresh unavailable"
	}
	respondWithJSON(w, http.StatusOK, successResponse(result, message))
}

// ListDocuments returns the stored document slots of a session, metadata only.
func (h *KYCHandler) ListDocuments(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	sessionID := chi.URLParam(r, "sessionID")
	if sessionID == "" {
		respondWithError(w, http.StatusBadRequest, errors.New("session ID is required"), "Session ID is required")
		return
	}

	if _, err := h.kycService.GetSession(ctx, sessionID); err != nil {
		respondWithError(w, h.statusCode(err), err, "Failed to get session")
		return
	}

	docs, err := h.kycService.ListDocuments(ctx, sessionID)
	if err != nil {
		respondWithError(w, http.StatusInternalServerError, err, "Failed to list documents")
		return
	}

	respondWithJSON(w, http.StatusOK, successResponse(docs, "Documents retrieved"))
}

type acceptRequest struct {
	ReviewerID string `json:"reviewer_id"`
	OTP        string `json:"otp"`
}

// AcceptSession finalizes an approved session. The reviewer's OTP guards the
// flip of the borrower's identity flag.
func (h *KYCHandler) AcceptSession(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	startTime := time.Now()

	sessionID := chi.URLParam(r, "sessionID")
	if sessionID == "" {
		respondWithError(w, http.StatusBadRequest, errors.New("session ID is required"), "Session ID is required")
		return
	}

	var req acceptRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, http.StatusBadRequest, err, "Invalid request body")
		return
	}
	if req.ReviewerID == "" {
		respondWithError(w, http.StatusBadRequest, errors.New("reviewer_id is required"), "Reviewer ID is required")
		return
	}

	if err := h.otpService.Verify(ctx, req.ReviewerID, service.PurposeAcceptSession, req.OTP); err != nil {
		respondWithError(w, h.statusCode(err), err, "OTP verification failed")
		return
	}

	session, err := h.kycService.Accept(ctx, sessionID, req.ReviewerID)
	if err != nil {
		respondWithError(w, h.statusCode(err), err, "Failed to accept session")
		return
	}

	respondWithJSON(w, http.StatusOK, successResponse(session, "Session accepted"))
	h.logger.Info("Session accepted via HTTP",
		zap.String("session_id", sessionID),
		zap.String("reviewer_id", req.ReviewerID),
		zap.Duration("duration", time.Since(startTime)),
	)
}

func (h *KYCHandler) statusCode(err error) int {
	switch {
	case errors.Is(err, service.ErrSessionNotFound),
		errors.Is(err, service.ErrSubjectNotFound):
		return http.StatusNotFound
	case errors.Is(err, service.ErrSubjectAlreadyVerified),
		errors.Is(err, service.ErrApprovedSessionExists),
		errors.Is(err, service.ErrVerificationInFlight):
		return http.StatusConflict
	case errors.Is(err, service.ErrSessionNotApproved):
		return http.StatusPreconditionFailed
	case errors.Is(err, service.ErrUnknownVendor):
		return http.StatusBadRequest
	case errors.Is(err, service.ErrOTPNotFound),
		errors.Is(err, service.ErrOTPExpired),
		errors.Is(err, service.ErrOTPMismatch),
		errors.Is(err, service.ErrOTPExhausted):
		return http.StatusForbidden
	case ekyc.IsRejected(err):
		return http.StatusUnprocessableEntity
	case ekyc.IsUnavailable(err):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

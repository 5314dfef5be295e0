package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/Malcan-Technologies/creditxpress-aws-sub005/internal/audit"
	"github.com/Malcan-Technologies/creditxpress-aws-sub005/internal/model"
	"github.com/Malcan-Technologies/creditxpress-aws-sub005/internal/service"
)

// AdminHandler serves the back-office dashboard: settings management, OTP
// issuance and session search.
type AdminHandler struct {
	settingsService *service.SettingsService
	otpService      *service.OTPService
	indexer         *audit.Indexer
	logger          *zap.Logger
}

func NewAdminHandler(settingsService *service.SettingsService, otpService *service.OTPService, indexer *audit.Indexer, logger *zap.Logger) *AdminHandler {
	return &AdminHandler{
		settingsService: settingsService,
		otpService:      otpService,
		indexer:         indexer,
		logger:          logger,
	}
}

// RegisterRoutes registers the admin routes.
func (h *AdminHandler) RegisterRoutes(router chi.Router) {
	router.Route("/admin", func(r chi.Router) {
		r.Route("/bank-accounts", func(r chi.Router) {
			r.Post("/", h.CreateBankAccount)
			r.Get("/", h.ListBankAccounts)
			r.Put("/{accountID}", h.UpdateBankAccount)
			r.Delete("/{accountID}", h.DeleteBankAccount)
		})

		r.Route("/company", func(r chi.Router) {
			r.Get("/", h.GetCompanySettings)
			r.Put("/", h.SaveCompanySettings)
		})

		r.Route("/notifications", func(r chi.Router) {
			r.Get("/", h.GetNotificationSettings)
			r.Put("/", h.SaveNotificationSettings)
		})

		r.Route("/settings/{scope}", func(r chi.Router) {
			r.Get("/", h.ListSettings)
			r.Put("/{key}", h.UpsertSetting)
		})

		r.Post("/otp/request", h.RequestOTP)

		r.Get("/kyc/sessions/search", h.SearchSessions)
	})
}

// -------------------- BANK ACCOUNTS --------------------

func (h *AdminHandler) CreateBankAccount(w http.ResponseWriter, r *http.Request) {
	var account model.BankAccount
	if err := json.NewDecoder(r.Body).Decode(&account); err != nil {
		respondWithError(w, http.StatusBadRequest, err, "Invalid request body")
		return
	}

	created, err := h.settingsService.CreateBankAccount(r.Context(), &account)
	if err != nil {
		respondWithError(w, h.statusCode(err), err, "Failed to create bank account")
		return
	}
	respondWithJSON(w, http.StatusCreated, successResponse(created, "Bank account created"))
}

func (h *AdminHandler) ListBankAccounts(w http.ResponseWriter, r *http.Request) {
	accounts, err := h.settingsService.ListBankAccounts(r.Context())
	if err != nil {
		respondWithError(w, http.StatusInternalServerError, err, "Failed to list bank accounts")
		return
	}
	respondWithJSON(w, http.StatusOK, successResponse(accounts, "Bank accounts retrieved"))
}

func (h *AdminHandler) UpdateBankAccount(w http.ResponseWriter, r *http.Request) {
	var account model.BankAccount
	if err := json.NewDecoder(r.Body).Decode(&account); err != nil {
		respondWithError(w, http.StatusBadRequest, err, "Invalid request body")
		return
	}
	account.AccountID = chi.URLParam(r, "accountID")

	updated, err := h.settingsService.UpdateBankAccount(r.Context(), &account)
	if err != nil {
		respondWithError(w, h.statusCode(err), err, "Failed to update bank account")
		return
	}
	respondWithJSON(w, http.StatusOK, successResponse(updated, "Bank account updated"))
}

type deleteBankAccountRequest struct {
	AdminID string `json:"admin_id"`
	OTP     string `json:"otp"`
}

// DeleteBankAccount removes a disbursement account. Destructive, so it is
// OTP-guarded.
func (h *AdminHandler) DeleteBankAccount(w http.ResponseWriter, r *http.Request) {
	accountID := chi.URLParam(r, "accountID")

	var req deleteBankAccountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, http.StatusBadRequest, err, "Invalid request body")
		return
	}
	if req.AdminID == "" {
		respondWithError(w, http.StatusBadRequest, errors.New("admin_id is required"), "Admin ID is required")
		return
	}

	if err := h.otpService.Verify(r.Context(), req.AdminID, service.PurposeDeleteBankAccount, req.OTP); err != nil {
		respondWithError(w, h.statusCode(err), err, "OTP verification failed")
		return
	}

	if err := h.settingsService.DeleteBankAccount(r.Context(), accountID); err != nil {
		respondWithError(w, h.statusCode(err), err, "Failed to delete bank account")
		return
	}

	respondWithJSON(w, http.StatusOK, successResponse(nil, "Bank account deleted"))
	h.logger.Info("Bank account deleted",
		zap.String("account_id", accountID),
		zap.String("admin_id", req.AdminID),
	)
}

// -------------------- COMPANY --------------------

func (h *AdminHandler) GetCompanySettings(w http.ResponseWriter, r *http.Request) {
	settings, err := h.settingsService.GetCompanySettings(r.Context())
	if err != nil {
		respondWithError(w, http.StatusInternalServerError, err, "Failed to get company settings")
		return
	}
	respondWithJSON(w, http.StatusOK, successResponse(settings, "Company settings retrieved"))
}

func (h *AdminHandler) SaveCompanySettings(w http.ResponseWriter, r *http.Request) {
	var settings model.CompanySettings
	if err := json.NewDecoder(r.Body).Decode(&settings); err != nil {
		respondWithError(w, http.StatusBadRequest, err, "Invalid request body")
		return
	}

	if err := h.settingsService.SaveCompanySettings(r.Context(), &settings); err != nil {
		respondWithError(w, h.statusCode(err), err, "Failed to save company settings")
		return
	}
	respondWithJSON(w, http.StatusOK, successResponse(settings, "Company settings saved"))
}

// -------------------- NOTIFICATIONS --------------------

func (h *AdminHandler) GetNotificationSettings(w http.ResponseWriter, r *http.Request) {
	settings, err := h.settingsService.GetNotificationSettings(r.Context())
	if err != nil {
		respondWithError(w, http.StatusInternalServerError, err, "Failed to get notification settings")
		return
	}
	respondWithJSON(w, http.StatusOK, successResponse(settings, "Notification settings retrieved"))
}

func (h *AdminHandler) SaveNotificationSettings(w http.ResponseWriter, r *http.Request) {
	var settings model.NotificationSettings
	if err := json.NewDecoder(r.Body).Decode(&settings); err != nil {
		respondWithError(w, http.StatusBadRequest, err, "Invalid request body")
		return
	}

	if err := h.settingsService.SaveNotificationSettings(r.Context(), &settings); err != nil {
		respondWithError(w, h.statusCode(err), err, "Failed to save notification settings")
		return
	}
	respondWithJSON(w, http.StatusOK, successResponse(settings, "Notification settings saved"))
}

// -------------------- SCOPED SETTINGS --------------------

func (h *AdminHandler) ListSettings(w http.ResponseWriter, r *http.Request) {
	scope := chi.URLParam(r, "scope")

	settings, err := h.settingsService.ListSettings(r.Context(), scope)
	if err != nil {
		respondWithError(w, http.StatusInternalServerError, err, "Failed to list settings")
		return
	}
	respondWithJSON(w, http.StatusOK, successResponse(settings, "Settings retrieved"))
}

func (h *AdminHandler) UpsertSetting(w http.ResponseWriter, r *http.Request) {
	var setting model.BackofficeSetting
	if err := json.NewDecoder(r.Body).Decode(&setting); err != nil {
		respondWithError(w, http.StatusBadRequest, err, "Invalid request body")
		return
	}
	setting.Scope = chi.URLParam(r, "scope")
	setting.Key = chi.URLParam(r, "key")

	if err := h.settingsService.UpsertSetting(r.Context(), &setting); err != nil {
		respondWithError(w, h.statusCode(err), err, "Failed to save setting")
		return
	}
	respondWithJSON(w, http.StatusOK, successResponse(setting, "Setting saved"))
}

// -------------------- OTP --------------------

type otpRequest struct {
	AdminID string `json:"admin_id"`
	Purpose string `json:"purpose"`
}

// RequestOTP mints a code for a destructive action. In production the code
// goes out via the notification channel; the response only confirms issuance.
func (h *AdminHandler) RequestOTP(w http.ResponseWriter, r *http.Request) {
	var req otpRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, http.StatusBadRequest, err, "Invalid request body")
		return
	}

	code, err := h.otpService.Issue(r.Context(), req.AdminID, req.Purpose)
	if err != nil {
		respondWithError(w, http.StatusInternalServerError, err, "Failed to issue OTP")
		return
	}

	// TODO: deliver through NotificationSettings recipients instead of
	// returning it once the mailer integration lands.
	respondWithJSON(w, http.StatusOK, successResponse(map[string]string{"otp": code}, "OTP issued"))
}

// -------------------- SESSION SEARCH --------------------

// SearchSessions queries the search index by status, vendor and owner.
func (h *AdminHandler) SearchSessions(w http.ResponseWriter, r *http.Request) {
	filters := []map[string]interface{}{}
	if status := r.URL.Query().Get("status"); status != "" {
		filters = append(filters, map[string]interface{}{
			"term": map[string]interface{}{"lifecycle_status": status},
		})
	}
	if vendor := r.URL.Query().Get("vendor"); vendor != "" {
		filters = append(filters, map[string]interface{}{
			"term": map[string]interface{}{"vendor": vendor},
		})
	}
	if owner := r.URL.Query().Get("owner"); owner != "" {
		filters = append(filters, map[string]interface{}{
			"term": map[string]interface{}{"owner_user_id": owner},
		})
	}

	size := 50
	if raw := r.URL.Query().Get("size"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 && parsed <= 500 {
			size = parsed
		}
	}

	query := map[string]interface{}{
		"query": map[string]interface{}{
			"bool": map[string]interface{}{"filter": filters},
		},
		"size": size,
		"sort": []map[string]interface{}{
			{"updated_at": map[string]interface{}{"order": "desc"}},
		},
	}

	results, err := h.indexer.SearchSessions(r.Context(), query)
	if err != nil {
		respondWithError(w, http.StatusInternalServerError, err, "Session search failed")
		return
	}
	respondWithJSON(w, http.StatusOK, successResponse(results, "Sessions retrieved"))
}

func (h *AdminHandler) statusCode(err error) int {
	switch {
	case errors.Is(err, service.ErrBankAccountNotFound):
		return http.StatusNotFound
	case errors.Is(err, service.ErrInvalidSetting):
		return http.StatusBadRequest
	case errors.Is(err, service.ErrOTPNotFound),
		errors.Is(err, service.ErrOTPExpired),
		errors.Is(err, service.ErrOTPMismatch),
		errors.Is(err, service.ErrOTPExhausted):
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}

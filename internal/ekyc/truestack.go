package ekyc

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/Malcan-Technologies/creditxpress-aws-sub005/internal/config"
	"github.com/Malcan-Technologies/creditxpress-aws-sub005/internal/model"
)

const (
	truestackVendorName      = "truestack"
	truestackSignatureHeader = "X-Truestack-Signature"
)

// TruestackAdapter talks to Vendor B: bearer-token auth, plain JSON, webhook
// payloads authenticated with HMAC-SHA256 over the raw body. Images come back
// as remote URLs that need an authenticated download.
type TruestackAdapter struct {
	cfg        config.TruestackConfig
	httpClient *http.Client
}

func NewTruestackAdapter(cfg config.TruestackConfig, timeout time.Duration) *TruestackAdapter {
	return &TruestackAdapter{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: timeout},
	}
}

func (a *TruestackAdapter) Name() string { return truestackVendorName }

type truestackCreateRequest struct {
	ReferenceID    string `json:"reference_id"`
	DocumentNumber string `json:"document_number"`
	DocumentName   string `json:"document_name"`
	Platform       string `json:"platform"`
	RedirectURL    string `json:"redirect_url"`
	WebhookURL     string `json:"webhook_url"`
}

type truestackImage struct {
	URL string `json:"url"`
}

type truestackPayload struct {
	ID           string                    `json:"id"`
	ReferenceID  string                    `json:"reference_id"`
	Status       string                    `json:"status"`
	Result       string                    `json:"result"`
	RejectReason string                    `json:"reject_reason"`
	URL          string                    `json:"url"`
	ExpiresAt    string                    `json:"expires_at"`
	Images       map[string]truestackImage `json:"images"`
	Error        *truestackError           `json:"error"`
}

type truestackError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (a *TruestackAdapter) do(ctx context.Context, method, path string, payload interface{}) (*truestackPayload, map[string]interface{}, error) {
	var body io.Reader
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return nil, nil, &ProtocolError{Vendor: truestackVendorName, Reason: "marshal request", Err: err}
		}
		body = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, a.cfg.BaseURL+path, body)
	if err != nil {
		return nil, nil, &ProtocolError{Vendor: truestackVendorName, Reason: "build request", Err: err}
	}
	req.Header.Set("Authorization", "Bearer "+a.cfg.APIToken)
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return nil, nil, &VendorUnavailableError{Vendor: truestackVendorName, Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return nil, nil, &VendorUnavailableError{Vendor: truestackVendorName, Err: err}
	}
	if resp.StatusCode >= 500 {
		return nil, nil, &VendorUnavailableError{Vendor: truestackVendorName, Err: fmt.Errorf("http %d", resp.StatusCode)}
	}

	var decoded truestackPayload
	if err := json.Unmarshal(respBody, &decoded); err != nil {
		return nil, nil, &ProtocolError{Vendor: truestackVendorName, Reason: "response is not valid JSON", Err: err}
	}
	var raw map[string]interface{}
	_ = json.Unmarshal(respBody, &raw)

	if decoded.Error != nil {
		return nil, nil, &VendorRejectedError{
			Vendor:      truestackVendorName,
			Code:        decoded.Error.Code,
			Description: decoded.Error.Message,
		}
	}
	if resp.StatusCode >= 400 {
		return nil, nil, &VendorRejectedError{
			Vendor:      truestackVendorName,
			Code:        fmt.Sprintf("http_%d", resp.StatusCode),
			Description: string(respBody),
		}
	}
	return &decoded, raw, nil
}

func (a *TruestackAdapter) CreateTransaction(ctx context.Context, req CreateRequest) (*CreateResult, error) {
	decoded, _, err := a.do(ctx, http.MethodPost, "/v1/verifications", truestackCreateRequest{
		ReferenceID:    req.RefID,
		DocumentNumber: req.DocNumber,
		DocumentName:   req.DocName,
		Platform:       req.Platform,
		RedirectURL:    req.CallbackURL,
		WebhookURL:     req.WebhookURL,
	})
	if err != nil {
		return nil, err
	}
	if decoded.ID == "" {
		return nil, &ProtocolError{Vendor: truestackVendorName, Reason: "creation response missing id"}
	}

	result := &CreateResult{
		VendorSessionID:  decoded.ID,
		VendorSessionURL: decoded.URL,
	}
	if decoded.ExpiresAt != "" {
		if expiry, err := time.Parse(time.RFC3339, decoded.ExpiresAt); err == nil {
			result.VendorExpiry = &expiry
		}
	}
	return result, nil
}

func (a *TruestackAdapter) GetStatus(ctx context.Context, internalRef, vendorSessionID string) (*Update, error) {
	path := "/v1/verifications/" + vendorSessionID
	decoded, raw, err := a.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	return buildTruestackUpdate(internalRef, decoded, raw), nil
}

// VerifyWebhookSignature compares the HMAC-SHA256 of the raw body against the
// signature header in constant time.
func (a *TruestackAdapter) VerifyWebhookSignature(body []byte, signature string) bool {
	mac := hmac.New(sha256.New, []byte(a.cfg.WebhookSecret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(signature))
}

func (a *TruestackAdapter) DecodeWebhook(body []byte, header http.Header) (*Update, error) {
	signature := header.Get(truestackSignatureHeader)
	if signature == "" || !a.VerifyWebhookSignature(body, signature) {
		return nil, &ProtocolError{Vendor: truestackVendorName, Reason: "webhook signature mismatch"}
	}

	var decoded truestackPayload
	if err := json.Unmarshal(body, &decoded); err != nil {
		return nil, &ProtocolError{Vendor: truestackVendorName, Reason: "webhook body is not valid JSON", Err: err}
	}
	if decoded.ReferenceID == "" {
		return nil, &ProtocolError{Vendor: truestackVendorName, Reason: "webhook missing reference_id"}
	}
	var raw map[string]interface{}
	_ = json.Unmarshal(body, &raw)

	return buildTruestackUpdate(decoded.ReferenceID, &decoded, raw), nil
}

func buildTruestackUpdate(refID string, decoded *truestackPayload, raw map[string]interface{}) *Update {
	update := &Update{
		RefID:           refID,
		VendorSessionID: decoded.ID,
		Status:          normalizeTruestackStatus(decoded.Status),
		Result:          normalizeTruestackResult(decoded.Result),
		RejectReason:    decoded.RejectReason,
		RawPayload:      raw,
		RawStatusCode:   decoded.Status,
		RawResultCode:   decoded.Result,
	}

	if len(decoded.Images) > 0 {
		images := ImageSet{}
		for _, slot := range model.KnownSlots {
			if img, ok := decoded.Images[string(slot)]; ok && img.URL != "" {
				images[slot] = SlotImage{URL: img.URL}
			}
		}
		if len(images) > 0 {
			update.Images = images
		}
	}
	return update
}

func normalizeTruestackStatus(status string) Status {
	switch status {
	case "", "created", "pending":
		return StatusNotStarted
	case "in_progress", "processing", "awaiting_review":
		return StatusProcessing
	case "completed", "done":
		return StatusCompleted
	case "expired":
		return StatusExpired
	default:
		return StatusProcessing
	}
}

func normalizeTruestackResult(result string) Result {
	switch result {
	case "approved", "pass", "passed":
		return ResultApproved
	case "declined", "rejected", "fail", "failed":
		return ResultRejected
	default:
		return ResultUndetermined
	}
}

// FetchImage downloads one document image with the API bearer token. The CDN
// links the vendor returns are not publicly fetchable.
func (a *TruestackAdapter) FetchImage(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, &ProtocolError{Vendor: truestackVendorName, Reason: "build image request", Err: err}
	}
	req.Header.Set("Authorization", "Bearer "+a.cfg.APIToken)

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return nil, &VendorUnavailableError{Vendor: truestackVendorName, Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, &VendorUnavailableError{Vendor: truestackVendorName, Err: fmt.Errorf("image download http %d", resp.StatusCode)}
	}
	return io.ReadAll(io.LimitReader(resp.Body, 20<<20))
}

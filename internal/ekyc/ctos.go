package ekyc

import (
	"bytes"
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/Malcan-Technologies/creditxpress-aws-sub005/internal/config"
	"github.com/Malcan-Technologies/creditxpress-aws-sub005/internal/model"
	"github.com/Malcan-Technologies/creditxpress-aws-sub005/internal/util"
)

const ctosVendorName = "ctos"

// CTOSAdapter talks to Vendor A. Every request body is AES-CBC encrypted with
// key material derived from the shared secret, and authenticated with a
// hex-then-base64 SHA-256 signature. Responses may or may not come back
// encrypted; we decrypt only when the envelope field is present.
type CTOSAdapter struct {
	cfg        config.CTOSConfig
	httpClient *http.Client
	key        []byte
	iv         []byte
}

// NewCTOSAdapter derives the AES key and IV once at construction. The config
// is injected explicitly; the adapter holds no global state.
func NewCTOSAdapter(cfg config.CTOSConfig, timeout time.Duration) *CTOSAdapter {
	return &CTOSAdapter{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: timeout},
		key:        deriveCTOSKey(cfg.Secret, cfg.APIKey),
		iv:         deriveCTOSIV(cfg.Secret),
	}
}

func (a *CTOSAdapter) Name() string { return ctosVendorName }

// deriveCTOSKey takes the first 32 bytes of secret||api_key, zero-padded when
// the material is short.
func deriveCTOSKey(secret, apiKey string) []byte {
	material := []byte(secret + apiKey)
	key := make([]byte, 32)
	copy(key, material)
	return key
}

// deriveCTOSIV normalizes the shared secret to 16 bytes. Historical tenants
// were provisioned with base64-encoded secrets, newer ones with raw strings;
// both must produce the same IV they were onboarded with.
func deriveCTOSIV(secret string) []byte {
	material := []byte(secret)
	if decoded, err := base64.StdEncoding.DecodeString(secret); err == nil && len(decoded) >= 16 {
		material = decoded
	}
	iv := make([]byte, aes.BlockSize)
	copy(iv, material)
	return iv
}

func (a *CTOSAdapter) sign(refID string, timestamp string) string {
	sum := sha256.Sum256([]byte(a.cfg.APIKey + a.cfg.Secret + a.cfg.Package + refID + a.cfg.Secret + timestamp))
	hexDigest := hex.EncodeToString(sum[:])
	return base64.StdEncoding.EncodeToString([]byte(hexDigest))
}

func (a *CTOSAdapter) encrypt(plaintext []byte) (string, error) {
	block, err := aes.NewCipher(a.key)
	if err != nil {
		return "", err
	}
	padded := pkcs7Pad(plaintext, aes.BlockSize)
	ciphertext := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, a.iv).CryptBlocks(ciphertext, padded)
	return base64.StdEncoding.EncodeToString(ciphertext), nil
}

func (a *CTOSAdapter) decrypt(encoded string) ([]byte, error) {
	ciphertext, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, &ProtocolError{Vendor: ctosVendorName, Reason: "envelope is not valid base64", Err: err}
	}
	if len(ciphertext) == 0 || len(ciphertext)%aes.BlockSize != 0 {
		return nil, &ProtocolError{Vendor: ctosVendorName, Reason: "envelope length is not a block multiple"}
	}
	block, err := aes.NewCipher(a.key)
	if err != nil {
		return nil, &ProtocolError{Vendor: ctosVendorName, Reason: "cipher init failed", Err: err}
	}
	plaintext := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, a.iv).CryptBlocks(plaintext, ciphertext)
	unpadded, err := pkcs7Unpad(plaintext, aes.BlockSize)
	if err != nil {
		return nil, &ProtocolError{Vendor: ctosVendorName, Reason: "envelope padding invalid", Err: err}
	}
	return unpadded, nil
}

func pkcs7Pad(data []byte, blockSize int) []byte {
	padding := blockSize - len(data)%blockSize
	return append(data, bytes.Repeat([]byte{byte(padding)}, padding)...)
}

func pkcs7Unpad(data []byte, blockSize int) ([]byte, error) {
	if len(data) == 0 || len(data)%blockSize != 0 {
		return nil, fmt.Errorf("invalid padded length %d", len(data))
	}
	padding := int(data[len(data)-1])
	if padding == 0 || padding > blockSize {
		return nil, fmt.Errorf("invalid padding byte %d", padding)
	}
	for _, b := range data[len(data)-padding:] {
		if int(b) != padding {
			return nil, fmt.Errorf("inconsistent padding")
		}
	}
	return data[:len(data)-padding], nil
}

// post signs, encrypts and sends one request, then decodes (and decrypts when
// needed) the response body. No retries: a duplicate call can itself trigger
// a vendor-side duplicate-transaction error.
func (a *CTOSAdapter) post(ctx context.Context, path, refID string, inner map[string]interface{}) (map[string]interface{}, error) {
	innerJSON, err := json.Marshal(inner)
	if err != nil {
		return nil, &ProtocolError{Vendor: ctosVendorName, Reason: "marshal request payload", Err: err}
	}
	envelope, err := a.encrypt(innerJSON)
	if err != nil {
		return nil, &ProtocolError{Vendor: ctosVendorName, Reason: "encrypt request payload", Err: err}
	}

	timestamp := strconv.FormatInt(time.Now().UTC().Unix(), 10)
	outer := map[string]interface{}{
		"api_key":   a.cfg.APIKey,
		"package":   a.cfg.Package,
		"ref_id":    refID,
		"timestamp": timestamp,
		"signature": a.sign(refID, timestamp),
		"data":      envelope,
	}

	body, err := json.Marshal(outer)
	if err != nil {
		return nil, &ProtocolError{Vendor: ctosVendorName, Reason: "marshal request envelope", Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, &ProtocolError{Vendor: ctosVendorName, Reason: "build request", Err: err}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return nil, &VendorUnavailableError{Vendor: ctosVendorName, Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return nil, &VendorUnavailableError{Vendor: ctosVendorName, Err: err}
	}
	if resp.StatusCode >= 500 {
		return nil, &VendorUnavailableError{Vendor: ctosVendorName, Err: fmt.Errorf("http %d", resp.StatusCode)}
	}

	decoded, err := a.decodeResponse(respBody)
	if err != nil {
		return nil, err
	}
	if err := ctosSemanticFailure(decoded); err != nil {
		return nil, err
	}
	return decoded, nil
}

// decodeResponse parses the outer JSON and, when the encrypted envelope field
// is present, decrypts it and merges the inner fields over the outer ones.
func (a *CTOSAdapter) decodeResponse(body []byte) (map[string]interface{}, error) {
	var outer map[string]interface{}
	if err := json.Unmarshal(body, &outer); err != nil {
		return nil, &ProtocolError{Vendor: ctosVendorName, Reason: "response is not valid JSON", Err: err}
	}

	envelope, ok := outer["data"].(string)
	if !ok || envelope == "" {
		return outer, nil
	}

	plaintext, err := a.decrypt(envelope)
	if err != nil {
		return nil, err
	}
	var inner map[string]interface{}
	if err := json.Unmarshal(plaintext, &inner); err != nil {
		return nil, &ProtocolError{Vendor: ctosVendorName, Reason: "decrypted envelope is not valid JSON", Err: err}
	}
	for k, v := range inner {
		outer[k] = v
	}
	delete(outer, "data")
	return outer, nil
}

// ctosSemanticFailure inspects a decoded body for failure markers. The vendor
// embeds duplicate-transaction errors in 200 responses, sometimes alongside a
// session identifier, so presence of an id is not success.
func ctosSemanticFailure(decoded map[string]interface{}) error {
	message, _ := decoded["message"].(string)
	code := stringField(decoded, "error_code")
	description := stringField(decoded, "description")
	if description == "" {
		description = stringField(decoded, "error_description")
	}

	lowered := strings.ToLower(description)
	if strings.EqualFold(message, "Failed") || code != "" ||
		strings.Contains(lowered, "duplicate") || strings.Contains(lowered, "error") {
		if description == "" {
			description = message
		}
		return &VendorRejectedError{Vendor: ctosVendorName, Code: code, Description: description}
	}
	return nil
}

func (a *CTOSAdapter) CreateTransaction(ctx context.Context, req CreateRequest) (*CreateResult, error) {
	decoded, err := a.post(ctx, "/api/v2/transaction", req.RefID, map[string]interface{}{
		"doc_number":   req.DocNumber,
		"doc_name":     req.DocName,
		"platform":     req.Platform,
		"callback_url": req.CallbackURL,
		"webhook_url":  req.WebhookURL,
	})
	if err != nil {
		return nil, err
	}

	result := &CreateResult{
		VendorSessionID:  stringField(decoded, "onboarding_id"),
		VendorSessionURL: stringField(decoded, "onboarding_url"),
	}
	if result.VendorSessionID == "" {
		return nil, &ProtocolError{Vendor: ctosVendorName, Reason: "creation response missing onboarding_id"}
	}
	if raw := stringField(decoded, "expired_at"); raw != "" {
		if expiry, err := time.Parse(time.RFC3339, raw); err == nil {
			result.VendorExpiry = &expiry
		} else {
			util.Warn("CTOS expiry not parseable", zap.String("expired_at", raw))
		}
	}
	return result, nil
}

func (a *CTOSAdapter) GetStatus(ctx context.Context, internalRef, vendorSessionID string) (*Update, error) {
	decoded, err := a.post(ctx, "/api/v2/transaction/status", internalRef, map[string]interface{}{
		"onboarding_id": vendorSessionID,
	})
	if err != nil {
		return nil, err
	}
	return a.buildUpdate(internalRef, decoded), nil
}

// DecodeWebhook handles Vendor A's push payload: the same encrypted envelope
// as API responses, carrying ref_id in the clear.
func (a *CTOSAdapter) DecodeWebhook(body []byte, _ http.Header) (*Update, error) {
	decoded, err := a.decodeResponse(body)
	if err != nil {
		return nil, err
	}
	refID := stringField(decoded, "ref_id")
	if refID == "" {
		return nil, &ProtocolError{Vendor: ctosVendorName, Reason: "webhook missing ref_id"}
	}
	return a.buildUpdate(refID, decoded), nil
}

func (a *CTOSAdapter) buildUpdate(refID string, decoded map[string]interface{}) *Update {
	update := &Update{
		RefID:           refID,
		VendorSessionID: stringField(decoded, "onboarding_id"),
		Status:          normalizeCTOSStatus(stringField(decoded, "status")),
		Result:          normalizeCTOSResult(stringField(decoded, "result")),
		RejectReason:    stringField(decoded, "reason"),
		Images:          ctosImages(decoded),
		RawPayload:      decoded,
		RawStatusCode:   stringField(decoded, "status"),
		RawResultCode:   stringField(decoded, "result"),
	}
	return update
}

// ctosImages pulls the inline base64 document images out of the payload.
// Undecodable slots are dropped rather than failing the whole update.
func ctosImages(decoded map[string]interface{}) ImageSet {
	raw, ok := decoded["images"].(map[string]interface{})
	if !ok {
		return nil
	}
	images := ImageSet{}
	for _, slot := range model.KnownSlots {
		encoded, ok := raw[string(slot)].(string)
		if !ok || encoded == "" {
			continue
		}
		data, err := DecodeInlineImage(encoded)
		if err != nil {
			util.Warn("CTOS image not decodable, skipping slot",
				zap.String("slot", string(slot)), zap.Error(err))
			continue
		}
		images[slot] = SlotImage{Inline: data}
	}
	if len(images) == 0 {
		return nil
	}
	return images
}

// DecodeInlineImage decodes a base64 image payload, tolerating data-URI
// prefixes and missing padding, both seen in Vendor A deliveries.
func DecodeInlineImage(encoded string) ([]byte, error) {
	if strings.HasPrefix(encoded, "data:") {
		if idx := strings.IndexByte(encoded, ','); idx >= 0 {
			encoded = encoded[idx+1:]
		}
	}
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return base64.RawStdEncoding.DecodeString(encoded)
	}
	return data, nil
}

// normalizeCTOSStatus maps Vendor A's numeric status vocabulary onto the
// internal four-valued space.
func normalizeCTOSStatus(code string) Status {
	switch code {
	case "0", "", "new":
		return StatusNotStarted
	case "1", "processing", "in_progress":
		return StatusProcessing
	case "2", "completed", "done":
		return StatusCompleted
	case "3", "expired":
		return StatusExpired
	default:
		return StatusProcessing
	}
}

func normalizeCTOSResult(code string) Result {
	switch code {
	case "1", "approved", "pass":
		return ResultApproved
	case "2", "rejected", "fail":
		return ResultRejected
	default:
		return ResultUndetermined
	}
}

// FetchImage is a plain authenticated download. Vendor A delivers images
// inline, so this is only reached for the occasional URL-shaped field.
func (a *CTOSAdapter) FetchImage(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, &ProtocolError{Vendor: ctosVendorName, Reason: "build image request", Err: err}
	}
	resp, err := a.httpClient.Do(req)
	if err != nil {
		return nil, &VendorUnavailableError{Vendor: ctosVendorName, Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, &VendorUnavailableError{Vendor: ctosVendorName, Err: fmt.Errorf("image download http %d", resp.StatusCode)}
	}
	return io.ReadAll(io.LimitReader(resp.Body, 20<<20))
}

// stringField tolerates the vendor switching between strings and numbers for
// the same field across API versions.
func stringField(m map[string]interface{}, key string) string {
	switch v := m[key].(type) {
	case string:
		return v
	case float64:
		return strconv.FormatInt(int64(v), 10)
	case json.Number:
		return v.String()
	default:
		return ""
	}
}

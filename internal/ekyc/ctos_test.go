package ekyc

import (
	"bytes"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/Malcan-Technologies/creditxpress-aws-sub005/internal/config"
	"github.com/Malcan-Technologies/creditxpress-aws-sub005/internal/model"
)

func testCTOSAdapter(baseURL string) *CTOSAdapter {
	return NewCTOSAdapter(config.CTOSConfig{
		BaseURL: baseURL,
		APIKey:  "test-api-key",
		Secret:  "test-secret",
		Package: "ekyc-full",
	}, 5*time.Second)
}

func TestCTOSEnvelopeRoundTrip(t *testing.T) {
	a := testCTOSAdapter("")

	plaintext := []byte(`{"doc_number":"900101015555","doc_name":"TEST USER"}`)
	envelope, err := a.encrypt(plaintext)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}

	decrypted, err := a.decrypt(envelope)
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if !bytes.Equal(decrypted, plaintext) {
		t.Errorf("round trip mismatch: %s", decrypted)
	}
}

func TestCTOSDecryptRejectsGarbage(t *testing.T) {
	a := testCTOSAdapter("")

	if _, err := a.decrypt("not-base64!!!"); !IsProtocolError(err) {
		t.Errorf("invalid base64: got %v, want protocol error", err)
	}
	if _, err := a.decrypt(base64.StdEncoding.EncodeToString([]byte("short"))); !IsProtocolError(err) {
		t.Errorf("non-block-multiple: got %v, want protocol error", err)
	}
}

func TestCTOSSignature(t *testing.T) {
	a := testCTOSAdapter("")

	got := a.sign("ref-123", "1700000000")

	sum := sha256.Sum256([]byte("test-api-key" + "test-secret" + "ekyc-full" + "ref-123" + "test-secret" + "1700000000"))
	want := base64.StdEncoding.EncodeToString([]byte(hex.EncodeToString(sum[:])))
	if got != want {
		t.Errorf("signature = %s, want %s", got, want)
	}
}

func TestCTOSIVDerivation(t *testing.T) {
	// Base64 secrets decode before truncation; raw secrets are used as-is.
	rawIV := deriveCTOSIV("plain-secret-value")
	if !bytes.Equal(rawIV[:12], []byte("plain-secret")) {
		t.Errorf("raw secret IV = %x", rawIV)
	}

	decoded := []byte("0123456789abcdefextra")
	encoded := base64.StdEncoding.EncodeToString(decoded)
	b64IV := deriveCTOSIV(encoded)
	if !bytes.Equal(b64IV, decoded[:16]) {
		t.Errorf("base64 secret IV = %x, want %x", b64IV, decoded[:16])
	}
}

func TestCTOSSemanticFailure(t *testing.T) {
	tests := []struct {
		name     string
		decoded  map[string]interface{}
		wantFail bool
	}{
		{
			name:    "clean success",
			decoded: map[string]interface{}{"message": "Success", "onboarding_id": "ob-1"},
		},
		{
			name:     "message failed",
			decoded:  map[string]interface{}{"message": "Failed"},
			wantFail: true,
		},
		{
			name:     "error code present",
			decoded:  map[string]interface{}{"message": "Success", "error_code": "E42"},
			wantFail: true,
		},
		{
			name: "duplicate with session id still fails",
			decoded: map[string]interface{}{
				"message":       "Success",
				"onboarding_id": "ob-1",
				"description":   "Duplicate transaction detected",
			},
			wantFail: true,
		},
		{
			name:     "description mentioning error",
			decoded:  map[string]interface{}{"description": "internal error occurred"},
			wantFail: true,
		},
		{
			name:     "numeric error code",
			decoded:  map[string]interface{}{"error_code": float64(104)},
			wantFail: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ctosSemanticFailure(tt.decoded)
			if tt.wantFail && !IsRejected(err) {
				t.Errorf("got %v, want rejection", err)
			}
			if !tt.wantFail && err != nil {
				t.Errorf("unexpected failure: %v", err)
			}
		})
	}
}

func TestCTOSCreateTransaction(t *testing.T) {
	adapter := testCTOSAdapter("")

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var outer map[string]interface{}
		if err := json.NewDecoder(r.Body).Decode(&outer); err != nil {
			t.Fatalf("request decode: %v", err)
		}
		if outer["api_key"] != "test-api-key" {
			t.Errorf("api_key = %v", outer["api_key"])
		}
		if outer["signature"] == "" || outer["data"] == "" {
			t.Error("request missing signature or envelope")
		}

		inner, err := adapter.decrypt(outer["data"].(string))
		if err != nil {
			t.Fatalf("request envelope decrypt: %v", err)
		}
		var payload map[string]interface{}
		if err := json.Unmarshal(inner, &payload); err != nil {
			t.Fatalf("inner unmarshal: %v", err)
		}
		if payload["doc_number"] != "900101015555" {
			t.Errorf("doc_number = %v", payload["doc_number"])
		}

		// Response with encrypted envelope.
		respInner, _ := json.Marshal(map[string]interface{}{
			"onboarding_id":  "ob-99",
			"onboarding_url": "https://vendor.example/start/ob-99",
			"expired_at":     "2026-09-01T10:00:00Z",
		})
		envelope, _ := adapter.encrypt(respInner)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"message": "Success",
			"data":    envelope,
		})
	}))
	defer server.Close()
	adapter.cfg.BaseURL = server.URL

	result, err := adapter.CreateTransaction(t.Context(), CreateRequest{
		RefID:     "sess-1",
		DocNumber: "900101015555",
		DocName:   "TEST USER",
		Platform:  "mobile",
	})
	if err != nil {
		t.Fatalf("CreateTransaction: %v", err)
	}
	if result.VendorSessionID != "ob-99" {
		t.Errorf("VendorSessionID = %s", result.VendorSessionID)
	}
	if result.VendorSessionURL != "https://vendor.example/start/ob-99" {
		t.Errorf("VendorSessionURL = %s", result.VendorSessionURL)
	}
	if result.VendorExpiry == nil || !result.VendorExpiry.Equal(time.Date(2026, 9, 1, 10, 0, 0, 0, time.UTC)) {
		t.Errorf("VendorExpiry = %v", result.VendorExpiry)
	}
}

func TestCTOSCreateTransactionDuplicate(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{
			"message":       "Success",
			"onboarding_id": "ob-1",
			"description":   "Duplicate onboarding request",
		})
	}))
	defer server.Close()

	adapter := testCTOSAdapter(server.URL)
	_, err := adapter.CreateTransaction(t.Context(), CreateRequest{RefID: "sess-1"})
	if !IsRejected(err) {
		t.Fatalf("got %v, want rejection", err)
	}
}

func TestCTOSServerErrorIsUnavailable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	adapter := testCTOSAdapter(server.URL)
	_, err := adapter.GetStatus(t.Context(), "sess-1", "ob-1")
	if !IsUnavailable(err) {
		t.Fatalf("got %v, want unavailable", err)
	}
}

func TestCTOSDecodeWebhook(t *testing.T) {
	adapter := testCTOSAdapter("")

	front := []byte("front-image-bytes")
	back := []byte("back-image-bytes")
	inner, _ := json.Marshal(map[string]interface{}{
		"status": "2",
		"result": "1",
		"images": map[string]interface{}{
			"front":  base64.StdEncoding.EncodeToString(front),
			"back":   "data:image/jpeg;base64," + base64.StdEncoding.EncodeToString(back),
			"selfie": "%%%not-base64%%%",
		},
	})
	envelope, err := adapter.encrypt(inner)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	body, _ := json.Marshal(map[string]interface{}{
		"ref_id": "sess-7",
		"data":   envelope,
	})

	update, err := adapter.DecodeWebhook(body, nil)
	if err != nil {
		t.Fatalf("DecodeWebhook: %v", err)
	}
	if update.RefID != "sess-7" {
		t.Errorf("RefID = %s", update.RefID)
	}
	if update.Status != StatusCompleted || update.Result != ResultApproved {
		t.Errorf("status/result = %s/%s", update.Status, update.Result)
	}
	if update.RawStatusCode != "2" || update.RawResultCode != "1" {
		t.Errorf("raw codes = %s/%s", update.RawStatusCode, update.RawResultCode)
	}
	if !bytes.Equal(update.Images[model.SlotFront].Inline, front) {
		t.Error("front image not decoded")
	}
	if !bytes.Equal(update.Images[model.SlotBack].Inline, back) {
		t.Error("data-URI back image not decoded")
	}
	if _, ok := update.Images[model.SlotSelfie]; ok {
		t.Error("undecodable selfie slot should have been dropped")
	}
}

func TestDecodeInlineImage(t *testing.T) {
	raw := []byte("image-bytes!")

	tests := []struct {
		name    string
		encoded string
		want    []byte
		wantErr bool
	}{
		{
			name:    "plain base64",
			encoded: base64.StdEncoding.EncodeToString(raw),
			want:    raw,
		},
		{
			name:    "data URI prefix",
			encoded: "data:image/jpeg;base64," + base64.StdEncoding.EncodeToString(raw),
			want:    raw,
		},
		{
			name:    "unpadded base64",
			encoded: base64.RawStdEncoding.EncodeToString([]byte("hi")),
			want:    []byte("hi"),
		},
		{
			name:    "garbage",
			encoded: "%%%not-base64%%%",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DecodeInlineImage(tt.encoded)
			if tt.wantErr {
				if err == nil {
					t.Errorf("decoded %q", got)
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if !bytes.Equal(got, tt.want) {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestCTOSDecodeWebhookMissingRef(t *testing.T) {
	adapter := testCTOSAdapter("")
	body, _ := json.Marshal(map[string]interface{}{"status": "1"})

	if _, err := adapter.DecodeWebhook(body, nil); !IsProtocolError(err) {
		t.Errorf("got %v, want protocol error", err)
	}
}

func TestNormalizeCTOSStatus(t *testing.T) {
	tests := []struct {
		code string
		want Status
	}{
		{"0", StatusNotStarted},
		{"", StatusNotStarted},
		{"new", StatusNotStarted},
		{"1", StatusProcessing},
		{"2", StatusCompleted},
		{"done", StatusCompleted},
		{"3", StatusExpired},
		{"expired", StatusExpired},
		{"weird-future-code", StatusProcessing},
	}
	for _, tt := range tests {
		if got := normalizeCTOSStatus(tt.code); got != tt.want {
			t.Errorf("normalizeCTOSStatus(%q) = %s, want %s", tt.code, got, tt.want)
		}
	}
}

func TestNormalizeCTOSResult(t *testing.T) {
	tests := []struct {
		code string
		want Result
	}{
		{"1", ResultApproved},
		{"pass", ResultApproved},
		{"2", ResultRejected},
		{"fail", ResultRejected},
		{"", ResultUndetermined},
		{"pending", ResultUndetermined},
	}
	for _, tt := range tests {
		if got := normalizeCTOSResult(tt.code); got != tt.want {
			t.Errorf("normalizeCTOSResult(%q) = %s, want %s", tt.code, got, tt.want)
		}
	}
}

func TestStringField(t *testing.T) {
	m := map[string]interface{}{
		"s": "text",
		"f": float64(104),
		"n": json.Number("42"),
		"b": true,
	}
	if got := stringField(m, "s"); got != "text" {
		t.Errorf("string: %q", got)
	}
	if got := stringField(m, "f"); got != "104" {
		t.Errorf("float: %q", got)
	}
	if got := stringField(m, "n"); got != "42" {
		t.Errorf("number: %q", got)
	}
	if got := stringField(m, "b"); got != "" {
		t.Errorf("bool: %q", got)
	}
	if got := stringField(m, "missing"); got != "" {
		t.Errorf("missing: %q", got)
	}
}

package ekyc

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/Malcan-Technologies/creditxpress-aws-sub005/internal/config"
	"github.com/Malcan-Technologies/creditxpress-aws-sub005/internal/model"
)

func testTruestackAdapter(baseURL string) *TruestackAdapter {
	return NewTruestackAdapter(config.TruestackConfig{
		BaseURL:       baseURL,
		APIToken:      "test-token",
		WebhookSecret: "webhook-secret",
	}, 5*time.Second)
}

func truestackSign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func TestTruestackCreateTransaction(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer test-token" {
			t.Errorf("Authorization = %q", got)
		}
		var req truestackCreateRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("request decode: %v", err)
		}
		if req.ReferenceID != "sess-1" {
			t.Errorf("reference_id = %q", req.ReferenceID)
		}
		json.NewEncoder(w).Encode(map[string]interface{}{
			"id":         "tru-55",
			"url":        "https://verify.example/tru-55",
			"expires_at": "2026-09-01T10:00:00Z",
		})
	}))
	defer server.Close()

	adapter := testTruestackAdapter(server.URL)
	result, err := adapter.CreateTransaction(t.Context(), CreateRequest{RefID: "sess-1", DocNumber: "900101015555"})
	if err != nil {
		t.Fatalf("CreateTransaction: %v", err)
	}
	if result.VendorSessionID != "tru-55" || result.VendorSessionURL != "https://verify.example/tru-55" {
		t.Errorf("result = %+v", result)
	}
	if result.VendorExpiry == nil {
		t.Error("expiry not parsed")
	}
}

func TestTruestackErrorMapping(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		check   func(error) bool
		checked string
	}{
		{
			name:    "5xx is unavailable",
			status:  http.StatusServiceUnavailable,
			body:    `{}`,
			check:   IsUnavailable,
			checked: "unavailable",
		},
		{
			name:    "error object is rejection",
			status:  http.StatusOK,
			body:    `{"error":{"code":"duplicate","message":"verification already exists"}}`,
			check:   IsRejected,
			checked: "rejected",
		},
		{
			name:    "plain 4xx is rejection",
			status:  http.StatusUnprocessableEntity,
			body:    `{"id":""}`,
			check:   IsRejected,
			checked: "rejected",
		},
		{
			name:    "non-JSON is protocol error",
			status:  http.StatusOK,
			body:    `<html>gateway</html>`,
			check:   IsProtocolError,
			checked: "protocol",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			}))
			defer server.Close()

			adapter := testTruestackAdapter(server.URL)
			_, err := adapter.GetStatus(t.Context(), "sess-1", "tru-1")
			if err == nil || !tt.check(err) {
				t.Errorf("got %v, want %s", err, tt.checked)
			}
		})
	}
}

func TestTruestackDecodeWebhook(t *testing.T) {
	adapter := testTruestackAdapter("")

	body, _ := json.Marshal(map[string]interface{}{
		"id":           "tru-55",
		"reference_id": "sess-9",
		"status":       "completed",
		"result":       "approved",
		"images": map[string]interface{}{
			"front":  map[string]string{"url": "https://cdn.example/front.jpg"},
			"selfie": map[string]string{"url": "https://cdn.example/selfie.jpg"},
		},
	})

	header := http.Header{}
	header.Set(truestackSignatureHeader, truestackSign("webhook-secret", body))

	update, err := adapter.DecodeWebhook(body, header)
	if err != nil {
		t.Fatalf("DecodeWebhook: %v", err)
	}
	if update.RefID != "sess-9" || update.VendorSessionID != "tru-55" {
		t.Errorf("refs = %s/%s", update.RefID, update.VendorSessionID)
	}
	if update.Status != StatusCompleted || update.Result != ResultApproved {
		t.Errorf("status/result = %s/%s", update.Status, update.Result)
	}
	if update.Images[model.SlotFront].URL != "https://cdn.example/front.jpg" {
		t.Error("front image URL missing")
	}
	if _, ok := update.Images[model.SlotBack]; ok {
		t.Error("absent back slot should not appear")
	}
}

func TestTruestackDecodeWebhookBadSignature(t *testing.T) {
	adapter := testTruestackAdapter("")
	body := []byte(`{"reference_id":"sess-9","status":"completed"}`)

	tests := []struct {
		name      string
		signature string
	}{
		{"missing header", ""},
		{"wrong signature", truestackSign("other-secret", body)},
		{"signature of different body", truestackSign("webhook-secret", []byte("tampered"))},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			header := http.Header{}
			if tt.signature != "" {
				header.Set(truestackSignatureHeader, tt.signature)
			}
			if _, err := adapter.DecodeWebhook(body, header); !IsProtocolError(err) {
				t.Errorf("got %v, want protocol error", err)
			}
		})
	}
}

func TestTruestackDecodeWebhookMissingReference(t *testing.T) {
	adapter := testTruestackAdapter("")
	body := []byte(`{"id":"tru-55","status":"completed"}`)
	header := http.Header{}
	header.Set(truestackSignatureHeader, truestackSign("webhook-secret", body))

	if _, err := adapter.DecodeWebhook(body, header); !IsProtocolError(err) {
		t.Errorf("got %v, want protocol error", err)
	}
}

func TestNormalizeTruestackStatus(t *testing.T) {
	tests := []struct {
		status string
		want   Status
	}{
		{"", StatusNotStarted},
		{"created", StatusNotStarted},
		{"pending", StatusNotStarted},
		{"in_progress", StatusProcessing},
		{"awaiting_review", StatusProcessing},
		{"completed", StatusCompleted},
		{"expired", StatusExpired},
		{"mystery", StatusProcessing},
	}
	for _, tt := range tests {
		if got := normalizeTruestackStatus(tt.status); got != tt.want {
			t.Errorf("normalizeTruestackStatus(%q) = %s, want %s", tt.status, got, tt.want)
		}
	}
}

func TestNormalizeTruestackResult(t *testing.T) {
	tests := []struct {
		result string
		want   Result
	}{
		{"approved", ResultApproved},
		{"passed", ResultApproved},
		{"declined", ResultRejected},
		{"failed", ResultRejected},
		{"", ResultUndetermined},
		{"review", ResultUndetermined},
	}
	for _, tt := range tests {
		if got := normalizeTruestackResult(tt.result); got != tt.want {
			t.Errorf("normalizeTruestackResult(%q) = %s, want %s", tt.result, got, tt.want)
		}
	}
}

func TestTruestackFetchImageSendsBearer(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer test-token" {
			t.Errorf("Authorization = %q", got)
		}
		w.Write([]byte("image-bytes"))
	}))
	defer server.Close()

	adapter := testTruestackAdapter("")
	data, err := adapter.FetchImage(t.Context(), server.URL+"/front.jpg")
	if err != nil {
		t.Fatalf("FetchImage: %v", err)
	}
	if string(data) != "image-bytes" {
		t.Errorf("data = %q", data)
	}
}

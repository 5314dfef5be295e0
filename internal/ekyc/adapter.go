package ekyc

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/Malcan-Technologies/creditxpress-aws-sub005/internal/model"
)

// Status is the vendor-agnostic transaction state. Adapters translate their
// wire vocabulary into this before anything else sees the payload.
type Status string

const (
	StatusNotStarted Status = "not_started"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusExpired    Status = "expired"
)

// Result is the vendor-agnostic decision.
type Result string

const (
	ResultApproved     Result = "approved"
	ResultRejected     Result = "rejected"
	ResultUndetermined Result = "undetermined"
)

// SlotImage is one document image, either already decoded to bytes (Vendor A
// delivers inline base64) or a remote URL needing an authenticated download
// (Vendor B).
type SlotImage struct {
	Inline []byte
	URL    string
}

func (img SlotImage) Empty() bool {
	return len(img.Inline) == 0 && img.URL == ""
}

// ImageSet maps document slots to their images. Partial sets are normal.
type ImageSet map[model.DocumentSlot]SlotImage

// Update is the normalized shape every adapter produces for webhook payloads
// and status polls.
type Update struct {
	RefID           string
	VendorSessionID string
	Status          Status
	Result          Result
	RejectReason    string
	Images          ImageSet
	RawPayload      map[string]interface{}

	// RawStatusCode/RawResultCode are the vendor's own codes, carried as
	// opaque strings for audit and no-change detection. Nothing downstream
	// interprets them.
	RawStatusCode string
	RawResultCode string
}

// CreateRequest carries everything a vendor needs to open a transaction.
type CreateRequest struct {
	RefID       string
	DocNumber   string
	DocName     string
	Platform    string
	CallbackURL string
	WebhookURL  string
}

// CreateResult is the vendor's answer to a successful creation.
type CreateResult struct {
	VendorSessionID  string
	VendorSessionURL string
	VendorExpiry     *time.Time
}

// Adapter hides one vendor's transport, signing and payload format. Vendor
// calls are at-most-once per invocation; retry policy belongs to the caller.
type Adapter interface {
	Name() string
	CreateTransaction(ctx context.Context, req CreateRequest) (*CreateResult, error)
	GetStatus(ctx context.Context, internalRef, vendorSessionID string) (*Update, error)
	DecodeWebhook(body []byte, header http.Header) (*Update, error)
	FetchImage(ctx context.Context, url string) ([]byte, error)
}

// -------------------- ERROR TAXONOMY --------------------

// VendorUnavailableError is a transport-level failure: timeout, DNS, 5xx.
// The poll path treats it as "stale, try later".
type VendorUnavailableError struct {
	Vendor string
	Err    error
}

func (e *VendorUnavailableError) Error() string {
	return fmt.Sprintf("vendor %s unavailable: %v", e.Vendor, e.Err)
}

func (e *VendorUnavailableError) Unwrap() error { return e.Err }

// VendorRejectedError means the vendor decoded the request but refused it
// (duplicate transaction, invalid document). Never retried automatically.
type VendorRejectedError struct {
	Vendor      string
	Code        string
	Description string
}

func (e *VendorRejectedError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("vendor %s rejected transaction (%s): %s", e.Vendor, e.Code, e.Description)
	}
	return fmt.Sprintf("vendor %s rejected transaction: %s", e.Vendor, e.Description)
}

// ProtocolError means a payload could not be decrypted or parsed: an
// integration or configuration bug, logged loudly.
type ProtocolError struct {
	Vendor string
	Reason string
	Err    error
}

func (e *ProtocolError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("vendor %s protocol error: %s: %v", e.Vendor, e.Reason, e.Err)
	}
	return fmt.Sprintf("vendor %s protocol error: %s", e.Vendor, e.Reason)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

func IsUnavailable(err error) bool {
	var target *VendorUnavailableError
	return errors.As(err, &target)
}

func IsRejected(err error) bool {
	var target *VendorRejectedError
	return errors.As(err, &target)
}

func IsProtocolError(err error) bool {
	var target *ProtocolError
	return errors.As(err, &target)
}

// FailureDescription extracts the human-readable reason a vendor call failed,
// with a generic fallback for anything untyped.
func FailureDescription(err error) string {
	var rejected *VendorRejectedError
	if errors.As(err, &rejected) {
		if rejected.Description != "" {
			return rejected.Description
		}
		return "vendor rejected the verification request"
	}
	var unavailable *VendorUnavailableError
	if errors.As(err, &unavailable) {
		return "verification provider is temporarily unavailable"
	}
	var protocol *ProtocolError
	if errors.As(err, &protocol) {
		return "verification provider returned an unreadable response"
	}
	return "verification could not be started"
}

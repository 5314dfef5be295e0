package model

import "time"

// -------------------- SESSION LIFECYCLE --------------------

// LifecycleStatus is the authoritative internal state of a verification
// session. It only moves forward: pending/in_progress -> approved|rejected,
// with failed reachable before a terminal decision.
type LifecycleStatus string

const (
	StatusPending    LifecycleStatus = "pending"
	StatusInProgress LifecycleStatus = "in_progress"
	StatusApproved   LifecycleStatus = "approved"
	StatusRejected   LifecycleStatus = "rejected"
	StatusFailed     LifecycleStatus = "failed"
)

// IsTerminal reports whether the status is a sticky vendor decision.
// failed is absorbing but not a decision, so it is not terminal here.
func (s LifecycleStatus) IsTerminal() bool {
	return s == StatusApproved || s == StatusRejected
}

// -------------------- VERIFICATION SESSION --------------------

// VerificationSession is the aggregate root for one eKYC attempt. SessionID
// is also the reference we hand to the vendor, so inbound callbacks can be
// matched back to the row.
type VerificationSession struct {
	SessionID     string `json:"session_id" db:"session_id"`
	OwnerBucket   int    `json:"-" db:"owner_bucket"`
	OwnerUserID   string `json:"owner_user_id" db:"owner_user_id"`
	ApplicationID string `json:"application_id,omitempty" db:"application_id"`
	Vendor        string `json:"vendor" db:"vendor"` // "ctos" or "truestack"

	SubjectDocNumber string `json:"-" db:"subject_doc_number"`
	SubjectDocName   string `json:"subject_doc_name" db:"subject_doc_name"`

	VendorSessionID  string     `json:"vendor_session_id,omitempty" db:"vendor_session_id"`
	VendorSessionURL string     `json:"vendor_session_url,omitempty" db:"vendor_session_url"`
	VendorExpiry     *time.Time `json:"vendor_expiry,omitempty" db:"vendor_expiry"`

	LifecycleStatus  LifecycleStatus `json:"lifecycle_status" db:"lifecycle_status"`
	VendorStatusCode string          `json:"vendor_status_code,omitempty" db:"vendor_status_code"`
	VendorResultCode string          `json:"vendor_result_code,omitempty" db:"vendor_result_code"`

	// PayloadSnapshot is the last decrypted vendor payload, shallow-merged
	// across updates so webhook-only fields survive later polls.
	PayloadSnapshot map[string]interface{} `json:"payload_snapshot,omitempty" db:"payload_snapshot"`

	RejectReason  string `json:"reject_reason,omitempty" db:"reject_reason"`
	FailureReason string `json:"failure_reason,omitempty" db:"failure_reason"`

	CreatedAt   time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at" db:"updated_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty" db:"completed_at"`
}

// -------------------- VERIFICATION DOCUMENT --------------------

// DocumentSlot is one of the three document positions a vendor can deliver.
type DocumentSlot string

const (
	SlotFront  DocumentSlot = "front"
	SlotBack   DocumentSlot = "back"
	SlotSelfie DocumentSlot = "selfie"
)

// KnownSlots enumerates valid slots in delivery order.
var KnownSlots = []DocumentSlot{SlotFront, SlotBack, SlotSelfie}

// StorageKind says where document bytes live.
type StorageKind string

const (
	StorageS3     StorageKind = "s3"
	StorageInline StorageKind = "inline"
)

// VerificationDocument holds one document slot for a session. At most one row
// exists per (session_id, slot_type); writers upsert, never check-then-insert.
type VerificationDocument struct {
	SessionID   string       `json:"session_id" db:"session_id"`
	SlotType    DocumentSlot `json:"slot_type" db:"slot_type"`
	StorageKind StorageKind  `json:"storage_kind" db:"storage_kind"`
	ContentRef  string       `json:"content_ref,omitempty" db:"content_ref"`
	// ContentInline carries the envelope-encrypted bytes when no object store
	// is configured.
	ContentInline []byte    `json:"-" db:"content_inline"`
	ContentKeyID  string    `json:"-" db:"content_key_id"`
	EncryptedDEK  string    `json:"-" db:"encrypted_dek"`
	ContentHash   string    `json:"content_hash" db:"content_hash"`
	UpdatedAt     time.Time `json:"updated_at" db:"updated_at"`
}

// -------------------- SUBJECT --------------------

// Subject is the borrower being verified. The core only reads existence and
// writes the one-way identity_verified flag.
type Subject struct {
	SubjectBucket    int        `json:"-" db:"subject_bucket"`
	SubjectID        string     `json:"subject_id" db:"subject_id"`
	FullName         string     `json:"full_name" db:"full_name"`
	Email            string     `json:"email" db:"email"`
	IdentityVerified bool       `json:"identity_verified" db:"identity_verified"`
	VerifiedAt       *time.Time `json:"verified_at,omitempty" db:"verified_at"`
	CreatedAt        time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at" db:"updated_at"`
}

// -------------------- AUDIT --------------------

// SessionEvent is one row in the ClickHouse transition log. Every status
// change records its trigger so a failed session is always explainable.
type SessionEvent struct {
	SessionID        string    `json:"session_id"`
	OwnerUserID      string    `json:"owner_user_id"`
	Vendor           string    `json:"vendor"`
	Trigger          string    `json:"trigger"` // create, webhook, poll, accept
	FromStatus       string    `json:"from_status"`
	ToStatus         string    `json:"to_status"`
	VendorStatusCode string    `json:"vendor_status_code"`
	VendorResultCode string    `json:"vendor_result_code"`
	Detail           string    `json:"detail"`
	CreatedAt        time.Time `json:"created_at"`
}

// -------------------- BACK OFFICE --------------------

type BankAccount struct {
	AccountID     string    `json:"account_id" db:"account_id"`
	BankName      string    `json:"bank_name" db:"bank_name"`
	AccountNumber string    `json:"account_number" db:"account_number"`
	AccountHolder string    `json:"account_holder" db:"account_holder"`
	IsDefault     bool      `json:"is_default" db:"is_default"`
	CreatedAt     time.Time `json:"created_at" db:"created_at"`
	UpdatedAt     time.Time `json:"updated_at" db:"updated_at"`
}

type CompanySettings struct {
	Name               string    `json:"name" db:"name"`
	RegistrationNumber string    `json:"registration_number" db:"registration_number"`
	Address            string    `json:"address" db:"address"`
	Email              string    `json:"email" db:"email"`
	Phone              string    `json:"phone" db:"phone"`
	LogoURL            string    `json:"logo_url" db:"logo_url"`
	UpdatedAt          time.Time `json:"updated_at" db:"updated_at"`
}

type NotificationSettings struct {
	EmailEnabled    bool      `json:"email_enabled" db:"email_enabled"`
	SMSEnabled      bool      `json:"sms_enabled" db:"sms_enabled"`
	WebhookAlerts   bool      `json:"webhook_alerts" db:"webhook_alerts"`
	RecipientEmails []string  `json:"recipient_emails" db:"recipient_emails"`
	UpdatedAt       time.Time `json:"updated_at" db:"updated_at"`
}

// BackofficeSetting is a scoped key/value pair for dashboard configuration.
type BackofficeSetting struct {
	Scope     string    `json:"scope" db:"scope"`
	Key       string    `json:"key" db:"setting_key"`
	Value     string    `json:"value" db:"setting_value"`
	UpdatedBy string    `json:"updated_by" db:"updated_by"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// AdminOTP is a short-lived code guarding destructive admin actions. Stored
// hashed in Redis only.
type AdminOTP struct {
	AdminID       string    `json:"admin_id"`
	Purpose       string    `json:"purpose"`
	Hash          string    `json:"hash"`
	Salt          string    `json:"salt"`
	PepperVersion int       `json:"pepper_version"`
	Algorithm     string    `json:"algorithm"`
	ExpiresAt     time.Time `json:"expires_at"`
	CreatedAt     time.Time `json:"created_at"`
}

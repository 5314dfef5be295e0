package scylla

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/gocql/gocql"
	"go.uber.org/zap"

	"github.com/Malcan-Technologies/creditxpress-aws-sub005/internal/bucketing"
	"github.com/Malcan-Technologies/creditxpress-aws-sub005/internal/model"
	"github.com/Malcan-Technologies/creditxpress-aws-sub005/internal/util"
)

// SessionRepository persists verification sessions in ScyllaDB. The
// verification_sessions table is keyed by session_id; sessions_by_owner is a
// lookup table partitioned by (owner_bucket, owner_user_id) with created_at
// clustering DESC, so the first row per owner is the newest session.
type SessionRepository struct {
	client    *ScyllaClient
	bucketing *bucketing.BucketingManager
	logger    *zap.Logger
}

// OwnerSessionRef is one row of the sessions_by_owner lookup table.
type OwnerSessionRef struct {
	SessionID       string
	VendorSessionID string
	CreatedAt       time.Time
}

func NewSessionRepository(client *ScyllaClient, bucketingManager *bucketing.BucketingManager) *SessionRepository {
	return &SessionRepository{
		client:    client,
		bucketing: bucketingManager,
		logger:    util.Get(),
	}
}

// Create inserts a new session into both tables in a logged batch.
func (r *SessionRepository) Create(ctx context.Context, session *model.VerificationSession) error {
	if session.SessionID == "" {
		return fmt.Errorf("session_id is required")
	}
	if session.OwnerUserID == "" {
		return fmt.Errorf("owner_user_id is required")
	}

	session.OwnerBucket = r.bucketing.OwnerBucket(session.OwnerUserID)
	now := time.Now().UTC()
	if session.CreatedAt.IsZero() {
		session.CreatedAt = now
	}
	session.UpdatedAt = now

	snapshot, err := marshalSnapshot(session.PayloadSnapshot)
	if err != nil {
		return err
	}

	batch := r.client.Batch(gocql.LoggedBatch)
	batch.Query(r.client.Prepared.CreateSession.Statement(),
		session.SessionID, session.OwnerBucket, session.OwnerUserID,
		session.ApplicationID, session.Vendor,
		session.SubjectDocNumber, session.SubjectDocName,
		session.VendorSessionID, session.VendorSessionURL, session.VendorExpiry,
		string(session.LifecycleStatus),
		session.VendorStatusCode, session.VendorResultCode, snapshot,
		session.RejectReason, session.FailureReason,
		session.CreatedAt, session.UpdatedAt, session.CompletedAt,
	)
	batch.Query(r.client.Prepared.CreateSessionOwner.Statement(),
		session.OwnerBucket, session.OwnerUserID, session.CreatedAt,
		session.SessionID, session.VendorSessionID,
	)

	if err := r.client.ExecuteBatch(batch.WithContext(ctx)); err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}

	r.logger.Info("Verification session created",
		zap.String("session_id", session.SessionID),
		zap.String("vendor", session.Vendor),
		zap.String("status", string(session.LifecycleStatus)),
	)
	return nil
}

// GetByID returns the session, or (nil, nil) when no row exists.
func (r *SessionRepository) GetByID(ctx context.Context, sessionID string) (*model.VerificationSession, error) {
	var (
		session  model.VerificationSession
		status   string
		snapshot string
	)

	err := r.client.Prepared.GetSessionByID.WithContext(ctx).Bind(sessionID).Scan(
		&session.SessionID, &session.OwnerBucket, &session.OwnerUserID,
		&session.ApplicationID, &session.Vendor,
		&session.SubjectDocNumber, &session.SubjectDocName,
		&session.VendorSessionID, &session.VendorSessionURL, &session.VendorExpiry,
		&status,
		&session.VendorStatusCode, &session.VendorResultCode, &snapshot,
		&session.RejectReason, &session.FailureReason,
		&session.CreatedAt, &session.UpdatedAt, &session.CompletedAt,
	)
	if err == gocql.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session %s: %w", sessionID, err)
	}

	session.LifecycleStatus = model.LifecycleStatus(status)
	session.PayloadSnapshot, err = unmarshalSnapshot(snapshot)
	if err != nil {
		return nil, err
	}
	return &session, nil
}

// ListRefsByOwner returns the owner's session refs, newest first.
func (r *SessionRepository) ListRefsByOwner(ctx context.Context, ownerUserID string) ([]OwnerSessionRef, error) {
	bucket := r.bucketing.OwnerBucket(ownerUserID)

	iter := r.client.Prepared.ListSessionsByOwner.WithContext(ctx).Bind(bucket, ownerUserID).Iter()

	var refs []OwnerSessionRef
	var ref OwnerSessionRef
	for iter.Scan(&ref.SessionID, &ref.VendorSessionID, &ref.CreatedAt) {
		refs = append(refs, ref)
	}
	if err := iter.Close(); err != nil {
		return nil, fmt.Errorf("failed to list sessions for owner: %w", err)
	}

	sort.Slice(refs, func(i, j int) bool { return refs[i].CreatedAt.After(refs[j].CreatedAt) })
	return refs, nil
}

// ApplyConditional writes the updated session guarded by the lifecycle status
// the caller read. Returns applied=false with the current stored status when
// another writer transitioned the row first.
func (r *SessionRepository) ApplyConditional(ctx context.Context, session *model.VerificationSession, expected model.LifecycleStatus) (bool, model.LifecycleStatus, error) {
	snapshot, err := marshalSnapshot(session.PayloadSnapshot)
	if err != nil {
		return false, "", err
	}

	session.UpdatedAt = time.Now().UTC()

	var currentStatus string
	applied, err := r.client.Prepared.ApplySessionUpdate.WithContext(ctx).Bind(
		string(session.LifecycleStatus),
		session.VendorStatusCode, session.VendorResultCode, snapshot,
		session.RejectReason, session.FailureReason,
		session.VendorSessionID, session.UpdatedAt, session.CompletedAt,
		session.SessionID,
		string(expected),
	).ScanCAS(&currentStatus)
	if err != nil {
		return false, "", fmt.Errorf("failed to apply session update: %w", err)
	}

	if !applied {
		r.logger.Debug("Conditional session update lost the race",
			zap.String("session_id", session.SessionID),
			zap.String("expected", string(expected)),
			zap.String("current", currentStatus),
		)
		return false, model.LifecycleStatus(currentStatus), nil
	}
	return true, session.LifecycleStatus, nil
}

// SetVendorDetails records the vendor's session handle after a successful
// create call and moves the row out of pending. Guarded by LWT so a webhook
// that lands before the create call returns cannot be overwritten.
func (r *SessionRepository) SetVendorDetails(ctx context.Context, session *model.VerificationSession, expected model.LifecycleStatus) (bool, error) {
	now := time.Now().UTC()

	var currentStatus string
	applied, err := r.client.Prepared.SetVendorDetails.WithContext(ctx).Bind(
		session.VendorSessionID, session.VendorSessionURL, session.VendorExpiry,
		string(session.LifecycleStatus), now,
		session.SessionID,
		string(expected),
	).ScanCAS(&currentStatus)
	if err != nil {
		return false, fmt.Errorf("failed to set vendor details: %w", err)
	}

	if applied {
		session.UpdatedAt = now
		if err := r.client.Prepared.CreateSessionOwner.WithContext(ctx).Bind(
			session.OwnerBucket, session.OwnerUserID, session.CreatedAt,
			session.SessionID, session.VendorSessionID,
		).Exec(); err != nil {
			r.logger.Warn("Failed to refresh owner lookup row",
				zap.String("session_id", session.SessionID),
				zap.Error(err),
			)
		}
	}
	return applied, nil
}

// MarkFailed transitions a non-terminal session to failed with a reason.
func (r *SessionRepository) MarkFailed(ctx context.Context, sessionID, reason string, expected model.LifecycleStatus) (bool, error) {
	var currentStatus string
	applied, err := r.client.Prepared.MarkSessionFailed.WithContext(ctx).Bind(
		string(model.StatusFailed), reason, time.Now().UTC(),
		sessionID,
		string(expected),
	).ScanCAS(&currentStatus)
	if err != nil {
		return false, fmt.Errorf("failed to mark session failed: %w", err)
	}
	return applied, nil
}

// Delete removes the session from both tables. Used by superseded-session
// cleanup after an accept.
func (r *SessionRepository) Delete(ctx context.Context, session *model.VerificationSession) error {
	batch := r.client.Batch(gocql.LoggedBatch)
	batch.Query(r.client.Prepared.DeleteSession.Statement(), session.SessionID)
	batch.Query(r.client.Prepared.DeleteSessionOwner.Statement(),
		session.OwnerBucket, session.OwnerUserID, session.CreatedAt, session.SessionID)

	if err := r.client.ExecuteBatch(batch.WithContext(ctx)); err != nil {
		return fmt.Errorf("failed to delete session %s: %w", session.SessionID, err)
	}

	r.logger.Info("Verification session deleted",
		zap.String("session_id", session.SessionID),
	)
	return nil
}

func marshalSnapshot(snapshot map[string]interface{}) (string, error) {
	if len(snapshot) == 0 {
		return "", nil
	}
	data, err := json.Marshal(snapshot)
	if err != nil {
		return "", fmt.Errorf("failed to marshal payload snapshot: %w", err)
	}
	return string(data), nil
}

func unmarshalSnapshot(raw string) (map[string]interface{}, error) {
	if raw == "" {
		return nil, nil
	}
	var snapshot map[string]interface{}
	if err := json.Unmarshal([]byte(raw), &snapshot); err != nil {
		return nil, fmt.Errorf("failed to unmarshal payload snapshot: %w", err)
	}
	return snapshot, nil
}

package scylla

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gocql/gocql"
	"go.uber.org/zap"

	"github.com/Malcan-Technologies/creditxpress-aws-sub005/internal/config"
	"github.com/Malcan-Technologies/creditxpress-aws-sub005/internal/util"
)

// PreparedStatements holds the statements the repositories actually execute.
// Status transitions go through LWT conditional updates, never read-then-write.
type PreparedStatements struct {
	CreateSession       *gocql.Query
	CreateSessionOwner  *gocql.Query
	GetSessionByID      *gocql.Query
	ListSessionsByOwner *gocql.Query
	ApplySessionUpdate  *gocql.Query
	SetVendorDetails    *gocql.Query
	MarkSessionFailed   *gocql.Query
	DeleteSession       *gocql.Query
	DeleteSessionOwner  *gocql.Query

	UpsertDocument         *gocql.Query
	GetDocument            *gocql.Query
	ListDocuments          *gocql.Query
	DeleteSessionDocuments *gocql.Query

	GetSubject         *gocql.Query
	MarkSubjectVerified *gocql.Query
}

type ScyllaClient struct {
	Session      *gocql.Session
	config       *config.ScyllaConfig
	Prepared     *PreparedStatements
	prepareMutex sync.RWMutex
	isPrepared   bool
}

func NewScyllaClient(cfg *config.Config, logger *zap.Logger) (*ScyllaClient, error) {
	scyllaConfig := cfg.Scylla

	cluster := gocql.NewCluster(scyllaConfig.Nodes...)
	cluster.Keyspace = scyllaConfig.Keyspace
	cluster.Consistency = gocql.LocalQuorum
	cluster.Timeout = 10 * time.Second
	cluster.ConnectTimeout = 10 * time.Second
	cluster.NumConns = 4
	cluster.SocketKeepalive = 30 * time.Second
	cluster.MaxPreparedStmts = 1000
	cluster.PageSize = 1000
	cluster.RetryPolicy = &gocql.ExponentialBackoffRetryPolicy{
		Min:        time.Second,
		Max:        10 * time.Second,
		NumRetries: 3,
	}

	if scyllaConfig.Username != "" && scyllaConfig.Password != "" {
		cluster.Authenticator = gocql.PasswordAuthenticator{
			Username: scyllaConfig.Username,
			Password: scyllaConfig.Password,
		}
	}

	session, err := cluster.CreateSession()
	if err != nil {
		return nil, fmt.Errorf("failed to create scylla session: %w", err)
	}

	client := &ScyllaClient{
		Session: session,
		config:  &scyllaConfig,
	}

	if err := client.prepareStatements(); err != nil {
		session.Close()
		return nil, fmt.Errorf("failed to prepare statements: %w", err)
	}

	util.Info("ScyllaDB client initialized with prepared statements",
		zap.Strings("nodes", scyllaConfig.Nodes),
		zap.String("keyspace", scyllaConfig.Keyspace))

	return client, nil
}

func (s *ScyllaClient) prepareStatements() error {
	s.prepareMutex.Lock()
	defer s.prepareMutex.Unlock()

	if s.isPrepared {
		return nil
	}

	prepared := &PreparedStatements{}

	prepared.CreateSession = s.Session.Query(`
	INSERT INTO verification_sessions (
		session_id, owner_bucket, owner_user_id, application_id, vendor,
		subject_doc_number, subject_doc_name, vendor_session_id,
		vendor_session_url, vendor_expiry, lifecycle_status,
		vendor_status_code, vendor_result_code, payload_snapshot,
		reject_reason, failure_reason, created_at, updated_at, completed_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)

	prepared.CreateSessionOwner = s.Session.Query(`
	INSERT INTO sessions_by_owner (owner_bucket, owner_user_id, created_at, session_id, vendor_session_id)
	VALUES (?, ?, ?, ?, ?)`)

	prepared.GetSessionByID = s.Session.Query(`
	SELECT session_id, owner_bucket, owner_user_id, application_id, vendor,
		subject_doc_number, subject_doc_name, vendor_session_id,
		vendor_session_url, vendor_expiry, lifecycle_status,
		vendor_status_code, vendor_result_code, payload_snapshot,
		reject_reason, failure_reason, created_at, updated_at, completed_at
	FROM verification_sessions WHERE session_id = ?`)

	prepared.ListSessionsByOwner = s.Session.Query(`
	SELECT session_id, vendor_session_id, created_at
	FROM sessions_by_owner WHERE owner_bucket = ? AND owner_user_id = ?`)

	// LWT: the transition applies only when the row still carries the status
	// the state machine computed from. Losing the race means re-reading and
	// re-applying, never overwriting.
	prepared.ApplySessionUpdate = s.Session.Query(`
	UPDATE verification_sessions SET
		lifecycle_status = ?, vendor_status_code = ?, vendor_result_code = ?,
		payload_snapshot = ?, reject_reason = ?, failure_reason = ?,
		vendor_session_id = ?, updated_at = ?, completed_at = ?
	WHERE session_id = ?
	IF lifecycle_status = ?`)

	prepared.SetVendorDetails = s.Session.Query(`
	UPDATE verification_sessions SET
		vendor_session_id = ?, vendor_session_url = ?, vendor_expiry = ?,
		lifecycle_status = ?, updated_at = ?
	WHERE session_id = ?
	IF lifecycle_status = ?`)

	prepared.MarkSessionFailed = s.Session.Query(`
	UPDATE verification_sessions SET
		lifecycle_status = ?, failure_reason = ?, updated_at = ?
	WHERE session_id = ?
	IF lifecycle_status = ?`)

	prepared.DeleteSession = s.Session.Query(`
	DELETE FROM verification_sessions WHERE session_id = ?`)

	prepared.DeleteSessionOwner = s.Session.Query(`
	DELETE FROM sessions_by_owner WHERE owner_bucket = ? AND owner_user_id = ? AND created_at = ? AND session_id = ?`)

	// Cassandra INSERT is an upsert: one row per (session_id, slot_type),
	// atomic under concurrent webhook/poll writers.
	prepared.UpsertDocument = s.Session.Query(`
	INSERT INTO verification_documents (
		session_id, slot_type, storage_kind, content_ref, content_inline,
		content_key_id, encrypted_dek, content_hash, updated_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)

	prepared.GetDocument = s.Session.Query(`
	SELECT session_id, slot_type, storage_kind, content_ref, content_inline,
		content_key_id, encrypted_dek, content_hash, updated_at
	FROM verification_documents WHERE session_id = ? AND slot_type = ?`)

	prepared.ListDocuments = s.Session.Query(`
	SELECT session_id, slot_type, storage_kind, content_ref, content_inline,
		content_key_id, encrypted_dek, content_hash, updated_at
	FROM verification_documents WHERE session_id = ?`)

	prepared.DeleteSessionDocuments = s.Session.Query(`
	DELETE FROM verification_documents WHERE session_id = ?`)

	prepared.GetSubject = s.Session.Query(`
	SELECT subject_bucket, subject_id, full_name, email, identity_verified,
		verified_at, created_at, updated_at
	FROM subjects WHERE subject_bucket = ? AND subject_id = ?`)

	prepared.MarkSubjectVerified = s.Session.Query(`
	UPDATE subjects SET identity_verified = ?, verified_at = ?, updated_at = ?
	WHERE subject_bucket = ? AND subject_id = ?`)

	s.Prepared = prepared
	s.isPrepared = true

	util.Info("ScyllaDB prepared statements created")
	return nil
}

func (s *ScyllaClient) Close() {
	if s.Session != nil {
		s.Session.Close()
		util.Info("ScyllaDB client closed")
	}
}

func (s *ScyllaClient) Query(stmt string, values ...interface{}) *gocql.Query {
	return s.Session.Query(stmt, values...)
}

func (s *ScyllaClient) Batch(typ gocql.BatchType) *gocql.Batch {
	return s.Session.NewBatch(typ)
}

func (s *ScyllaClient) ExecuteBatch(batch *gocql.Batch) error {
	return s.Session.ExecuteBatch(batch)
}

func (s *ScyllaClient) HealthCheck() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var clusterName string
	err := s.Session.Query(`SELECT cluster_name FROM system.local`).WithContext(ctx).Scan(&clusterName)
	if err != nil {
		return fmt.Errorf("scylla health check failed: %w", err)
	}

	return nil
}

func (s *ScyllaClient) ExecuteWithRetry(query *gocql.Query, maxRetries int) error {
	var lastErr error
	for i := 0; i <= maxRetries; i++ {
		if err := query.Exec(); err != nil {
			lastErr = err
			if i < maxRetries {
				time.Sleep(time.Duration(i+1) * 100 * time.Millisecond)
				continue
			}
		} else {
			return nil
		}
	}
	return lastErr
}

func (s *ScyllaClient) ScanWithRetry(query *gocql.Query, dest ...interface{}) error {
	var lastErr error
	for i := 0; i < 3; i++ {
		if err := query.Scan(dest...); err != nil {
			lastErr = err
			if i < 2 && err != gocql.ErrNotFound {
				time.Sleep(time.Duration(i+1) * 100 * time.Millisecond)
				continue
			}
			return err
		}
		return nil
	}
	return lastErr
}

package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Malcan-Technologies/creditxpress-aws-sub005/internal/audit"
	"github.com/Malcan-Technologies/creditxpress-aws-sub005/internal/config"
	"github.com/Malcan-Technologies/creditxpress-aws-sub005/internal/ekyc"
	"github.com/Malcan-Technologies/creditxpress-aws-sub005/internal/ingest"
	"github.com/Malcan-Technologies/creditxpress-aws-sub005/internal/model"
	"github.com/Malcan-Technologies/creditxpress-aws-sub005/internal/session"
	"github.com/Malcan-Technologies/creditxpress-aws-sub005/internal/util"
)

var (
	ErrSubjectNotFound        = errors.New("subject not found")
	ErrSubjectAlreadyVerified = errors.New("subject identity is already verified")
	ErrApprovedSessionExists  = errors.New("subject already has an approved session")
	ErrVerificationInFlight   = errors.New("a verification for this subject is already being created")
	ErrUnknownVendor          = errors.New("unknown verification vendor")
	ErrSessionNotFound        = errors.New("verification session not found")
	ErrSessionNotApproved     = errors.New("session has no approved vendor decision")
	ErrUpdateContention       = errors.New("session update lost too many races")
)

// Triggers recorded in the audit trail.
const (
	triggerCreate   = "create"
	triggerWebhook  = "webhook"
	triggerPoll     = "poll"
	triggerAccept   = "accept"
	triggerFollowup = "followup"
)

const applyMaxAttempts = 3

// SessionStore is the write surface of the session repository.
type SessionStore interface {
	SessionLookup
	Create(ctx context.Context, session *model.VerificationSession) error
	ApplyConditional(ctx context.Context, session *model.VerificationSession, expected model.LifecycleStatus) (bool, model.LifecycleStatus, error)
	SetVendorDetails(ctx context.Context, session *model.VerificationSession, expected model.LifecycleStatus) (bool, error)
	MarkFailed(ctx context.Context, sessionID, reason string, expected model.LifecycleStatus) (bool, error)
	Delete(ctx context.Context, session *model.VerificationSession) error
}

// SubjectStore is the borrower read/flag surface. Get returns (nil, nil) for
// an unknown subject.
type SubjectStore interface {
	Get(ctx context.Context, subjectID string) (*model.Subject, error)
	MarkVerified(ctx context.Context, subjectID string) error
}

// DocumentStore is the slice of the document repository the orchestrator
// touches directly; ingestion itself goes through the pipeline.
type DocumentStore interface {
	ListBySession(ctx context.Context, sessionID string) ([]*model.VerificationDocument, error)
	DeleteBySession(ctx context.Context, sessionID string) error
}

// SessionCache is the Redis layer: read-through session copies plus the
// per-owner create guard.
type SessionCache interface {
	Get(ctx context.Context, sessionID string) (*model.VerificationSession, error)
	Put(ctx context.Context, session *model.VerificationSession)
	Invalidate(ctx context.Context, sessionID string)
	AcquireInflight(ctx context.Context, ownerUserID, sessionID string) (bool, error)
	ReleaseInflight(ctx context.Context, ownerUserID string)
}

// ImageIngester persists one update's image set.
type ImageIngester interface {
	Ingest(ctx context.Context, session *model.VerificationSession, images ekyc.ImageSet, adapter ekyc.Adapter) []ingest.SlotResult
}

// FollowupPublisher enqueues post-ack webhook work.
type FollowupPublisher interface {
	ProduceMessage(ctx context.Context, topic string, key, value []byte, headers map[string]string) error
}

// FollowupJob is the Kafka payload for post-ack webhook work: image download
// and search-index propagation, keyed by session so one session's jobs stay
// ordered on a single partition.
type FollowupJob struct {
	SessionID string                         `json:"session_id"`
	Vendor    string                         `json:"vendor"`
	Trigger   string                         `json:"trigger"`
	Images    map[model.DocumentSlot]SlotRef `json:"images,omitempty"`
	CreatedAt time.Time                      `json:"created_at"`
}

// SlotRef is one image in transit: inline bytes or a vendor URL.
type SlotRef struct {
	Inline []byte `json:"inline,omitempty"`
	URL    string `json:"url,omitempty"`
}

// StartRequest opens a new verification session.
type StartRequest struct {
	OwnerUserID   string `json:"owner_user_id"`
	ApplicationID string `json:"application_id"`
	Vendor        string `json:"vendor"`
	DocNumber     string `json:"doc_number"`
	DocName       string `json:"doc_name"`
	Platform      string `json:"platform"`
}

// StartResult is the created (or resumed) session.
type StartResult struct {
	Session *model.VerificationSession `json:"session"`
	Resumed bool                       `json:"resumed"`
}

// PollResult carries the session plus staleness when the vendor could not be
// reached for a refresh.
type PollResult struct {
	Session *model.VerificationSession `json:"session"`
	Stale   bool                       `json:"stale"`
}

// KYCService orchestrates the verification lifecycle across the vendor
// adapters, the state machine and the stores. All status writes go through
// conditional updates; this service never blind-writes a lifecycle status.
type KYCService struct {
	sessions  SessionStore
	subjects  SubjectStore
	documents DocumentStore
	cache     SessionCache
	pipeline  ImageIngester
	resolver  *ReferenceResolver
	recorder  *audit.Recorder
	indexer   *audit.Indexer
	producer  FollowupPublisher
	adapters  map[string]ekyc.Adapter
	cfg       *config.Config
	logger    *zap.Logger
}

func NewKYCService(
	sessions SessionStore,
	subjects SubjectStore,
	documents DocumentStore,
	cache SessionCache,
	pipeline ImageIngester,
	resolver *ReferenceResolver,
	recorder *audit.Recorder,
	indexer *audit.Indexer,
	producer FollowupPublisher,
	adapters map[string]ekyc.Adapter,
	cfg *config.Config,
) *KYCService {
	return &KYCService{
		sessions:  sessions,
		subjects:  subjects,
		documents: documents,
		cache:     cache,
		pipeline:  pipeline,
		resolver:  resolver,
		recorder:  recorder,
		indexer:   indexer,
		producer:  producer,
		adapters:  adapters,
		cfg:       cfg,
		logger:    util.Get(),
	}
}

func (s *KYCService) adapter(vendor string) (ekyc.Adapter, error) {
	adapter, ok := s.adapters[vendor]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownVendor, vendor)
	}
	return adapter, nil
}

// StartVerification opens a vendor transaction for a borrower. The borrower
// must exist; one who is already verified or already holds an approved
// session is refused outright, and an unexpired in-progress session for the
// same owner is resumed rather than duplicated.
func (s *KYCService) StartVerification(ctx context.Context, req StartRequest) (*StartResult, error) {
	if req.OwnerUserID == "" {
		return nil, fmt.Errorf("owner_user_id is required")
	}

	adapter, err := s.adapter(req.Vendor)
	if err != nil {
		return nil, err
	}

	subject, err := s.subjects.Get(ctx, req.OwnerUserID)
	if err != nil {
		return nil, err
	}
	if subject == nil {
		return nil, fmt.Errorf("%w: %s", ErrSubjectNotFound, req.OwnerUserID)
	}
	if subject.IdentityVerified {
		return nil, ErrSubjectAlreadyVerified
	}

	newest, err := s.newestSession(ctx, req.OwnerUserID)
	if err != nil {
		return nil, err
	}
	if newest != nil {
		if newest.LifecycleStatus == model.StatusApproved {
			return nil, fmt.Errorf("%w: session %s", ErrApprovedSessionExists, newest.SessionID)
		}
		if s.resumable(newest) {
			s.logger.Info("Resuming in-progress verification session",
				zap.String("session_id", newest.SessionID),
				zap.String("owner_user_id", req.OwnerUserID),
			)
			return &StartResult{Session: newest, Resumed: true}, nil
		}
	}

	sessionID := uuid.New().String()

	acquired, err := s.cache.AcquireInflight(ctx, req.OwnerUserID, sessionID)
	if err != nil {
		return nil, err
	}
	if !acquired {
		return nil, ErrVerificationInFlight
	}
	defer s.cache.ReleaseInflight(ctx, req.OwnerUserID)

	newSession := &model.VerificationSession{
		SessionID:        sessionID,
		OwnerUserID:      req.OwnerUserID,
		ApplicationID:    req.ApplicationID,
		Vendor:           req.Vendor,
		SubjectDocNumber: util.NormalizeDocumentNumber(req.DocNumber),
		SubjectDocName:   util.NormalizeDocumentName(req.DocName),
		LifecycleStatus:  model.StatusPending,
	}

	if err := s.sessions.Create(ctx, newSession); err != nil {
		return nil, err
	}

	created, err := adapter.CreateTransaction(ctx, ekyc.CreateRequest{
		RefID:       sessionID,
		DocNumber:   newSession.SubjectDocNumber,
		DocName:     newSession.SubjectDocName,
		Platform:    req.Platform,
		CallbackURL: s.callbackURL(req.Vendor),
		WebhookURL:  s.webhookURL(req.Vendor),
	})
	if err != nil {
		reason := ekyc.FailureDescription(err)
		if _, markErr := s.sessions.MarkFailed(ctx, sessionID, reason, model.StatusPending); markErr != nil {
			s.logger.Error("Failed to mark session failed after vendor error",
				zap.String("session_id", sessionID),
				zap.Error(markErr),
			)
		}
		newSession.LifecycleStatus = model.StatusFailed
		newSession.FailureReason = reason
		s.recorder.RecordTransition(ctx, newSession, triggerCreate, model.StatusPending, reason)
		s.indexer.IndexSession(ctx, newSession)

		s.logger.Warn("Vendor transaction creation failed",
			zap.String("session_id", sessionID),
			zap.String("vendor", req.Vendor),
			zap.Error(err),
		)
		return nil, err
	}

	newSession.VendorSessionID = created.VendorSessionID
	newSession.VendorSessionURL = created.VendorSessionURL
	newSession.VendorExpiry = created.VendorExpiry
	newSession.LifecycleStatus = model.StatusInProgress

	applied, err := s.sessions.SetVendorDetails(ctx, newSession, model.StatusPending)
	if err != nil {
		return nil, err
	}
	if !applied {
		// A webhook beat the create response back. The stored row already
		// moved past pending; re-read and serve that.
		stored, err := s.sessions.GetByID(ctx, sessionID)
		if err != nil {
			return nil, err
		}
		if stored != nil {
			newSession = stored
		}
	}

	s.recorder.RecordTransition(ctx, newSession, triggerCreate, model.StatusPending, "vendor transaction opened")
	s.indexer.IndexSession(ctx, newSession)
	s.cache.Put(ctx, newSession)

	s.logger.Info("Verification session started",
		zap.String("session_id", sessionID),
		zap.String("vendor", req.Vendor),
		zap.String("vendor_session_id", newSession.VendorSessionID),
	)
	return &StartResult{Session: newSession}, nil
}

// newestSession returns the owner's most recent session, if any.
func (s *KYCService) newestSession(ctx context.Context, ownerUserID string) (*model.VerificationSession, error) {
	refs, err := s.sessions.ListRefsByOwner(ctx, ownerUserID)
	if err != nil {
		return nil, err
	}
	if len(refs) == 0 {
		return nil, nil
	}
	return s.sessions.GetByID(ctx, refs[0].SessionID)
}

// resumable reports whether a session is still live and young enough to hand
// back instead of opening a duplicate.
func (s *KYCService) resumable(existing *model.VerificationSession) bool {
	if existing.LifecycleStatus != model.StatusPending && existing.LifecycleStatus != model.StatusInProgress {
		return false
	}
	if time.Since(existing.CreatedAt) > s.cfg.KYC.ResumeWindow {
		return false
	}
	if existing.VendorSessionURL == "" {
		return false
	}
	if existing.VendorExpiry != nil && time.Now().After(*existing.VendorExpiry) {
		return false
	}
	return true
}

// HandleWebhook decodes a vendor callback, applies it and hands image work to
// the follow-up queue. It returns as soon as the status write lands so the
// HTTP handler can ack inside the vendor's delivery timeout.
func (s *KYCService) HandleWebhook(ctx context.Context, vendor string, body []byte, header http.Header) (*model.VerificationSession, error) {
	adapter, err := s.adapter(vendor)
	if err != nil {
		return nil, err
	}

	update, err := adapter.DecodeWebhook(body, header)
	if err != nil {
		s.logger.Error("Webhook decode failed",
			zap.String("vendor", vendor),
			zap.Error(err),
		)
		return nil, err
	}

	target, err := s.resolver.Resolve(ctx, update.RefID, update.VendorSessionID)
	if err != nil {
		return nil, err
	}
	if target == nil {
		s.logger.Warn("Webhook for unknown reference",
			zap.String("vendor", vendor),
			zap.String("ref", update.RefID),
		)
		return nil, ErrSessionNotFound
	}

	updated, err := s.applyUpdate(ctx, target, update, triggerWebhook)
	if err != nil {
		return nil, err
	}

	s.enqueueFollowup(ctx, updated, update)
	return updated, nil
}

// Poll returns the current session state, refreshing from the vendor first
// unless the stored decision is already terminal. A vendor outage downgrades
// the response to stale instead of failing it.
func (s *KYCService) Poll(ctx context.Context, sessionID string) (*PollResult, error) {
	target, err := s.getSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if target == nil {
		return nil, ErrSessionNotFound
	}

	// Terminal decisions are sticky and failed sessions are absorbing; no
	// vendor call can change either.
	if target.LifecycleStatus.IsTerminal() || target.LifecycleStatus == model.StatusFailed {
		return &PollResult{Session: target}, nil
	}
	if target.LifecycleStatus == model.StatusPending || target.VendorSessionID == "" {
		return &PollResult{Session: target}, nil
	}

	adapter, err := s.adapter(target.Vendor)
	if err != nil {
		return nil, err
	}

	update, err := adapter.GetStatus(ctx, target.SessionID, target.VendorSessionID)
	if err != nil {
		s.logger.Warn("Status poll against vendor failed, serving stored state",
			zap.String("session_id", sessionID),
			zap.String("vendor", target.Vendor),
			zap.Error(err),
		)
		return &PollResult{Session: target, Stale: true}, nil
	}

	updated, err := s.applyUpdate(ctx, target, update, triggerPoll)
	if err != nil {
		return nil, err
	}

	if len(update.Images) > 0 {
		s.enqueueFollowup(ctx, updated, update)
	}
	return &PollResult{Session: updated}, nil
}

// Accept finalizes an approved session: the reviewer confirms the vendor
// decision, the borrower's identity flag flips, and superseded attempts for
// the same borrower are purged along with their stored documents.
func (s *KYCService) Accept(ctx context.Context, sessionID, reviewerID string) (*model.VerificationSession, error) {
	target, err := s.getSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if target == nil {
		return nil, ErrSessionNotFound
	}
	if target.LifecycleStatus != model.StatusApproved {
		return nil, ErrSessionNotApproved
	}

	if err := s.subjects.MarkVerified(ctx, target.OwnerUserID); err != nil {
		return nil, err
	}

	s.recorder.RecordTransition(ctx, target, triggerAccept, target.LifecycleStatus,
		fmt.Sprintf("accepted by %s", reviewerID))

	s.cleanupSuperseded(ctx, target)

	s.logger.Info("Verification session accepted",
		zap.String("session_id", sessionID),
		zap.String("owner_user_id", target.OwnerUserID),
		zap.String("reviewer_id", reviewerID),
	)
	return target, nil
}

// cleanupSuperseded removes the owner's other sessions and their documents.
// Best-effort: a partial purge is logged and left for the next accept.
func (s *KYCService) cleanupSuperseded(ctx context.Context, accepted *model.VerificationSession) {
	refs, err := s.sessions.ListRefsByOwner(ctx, accepted.OwnerUserID)
	if err != nil {
		s.logger.Warn("Failed to list superseded sessions",
			zap.String("owner_user_id", accepted.OwnerUserID),
			zap.Error(err),
		)
		return
	}

	for _, ref := range refs {
		if ref.SessionID == accepted.SessionID {
			continue
		}
		stale, err := s.sessions.GetByID(ctx, ref.SessionID)
		if err != nil || stale == nil {
			continue
		}
		if err := s.documents.DeleteBySession(ctx, stale.SessionID); err != nil {
			s.logger.Warn("Failed to delete superseded documents",
				zap.String("session_id", stale.SessionID),
				zap.Error(err),
			)
			continue
		}
		if err := s.sessions.Delete(ctx, stale); err != nil {
			s.logger.Warn("Failed to delete superseded session",
				zap.String("session_id", stale.SessionID),
				zap.Error(err),
			)
			continue
		}
		s.cache.Invalidate(ctx, stale.SessionID)
		s.indexer.RemoveSession(ctx, stale.SessionID)
	}
}

// GetSession returns a session without refreshing from the vendor.
func (s *KYCService) GetSession(ctx context.Context, sessionID string) (*model.VerificationSession, error) {
	target, err := s.getSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if target == nil {
		return nil, ErrSessionNotFound
	}
	return target, nil
}

// ListDocuments returns the stored document slots of a session.
func (s *KYCService) ListDocuments(ctx context.Context, sessionID string) ([]*model.VerificationDocument, error) {
	return s.documents.ListBySession(ctx, sessionID)
}

func (s *KYCService) getSession(ctx context.Context, sessionID string) (*model.VerificationSession, error) {
	if cached, err := s.cache.Get(ctx, sessionID); err == nil && cached != nil {
		return cached, nil
	}
	stored, err := s.sessions.GetByID(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if stored != nil {
		s.cache.Put(ctx, stored)
	}
	return stored, nil
}

// applyUpdate runs the state machine and persists the outcome with a
// conditional write, re-reading and re-applying when another writer landed
// first. Idempotent updates return the current record without writing.
func (s *KYCService) applyUpdate(ctx context.Context, current *model.VerificationSession, update *ekyc.Update, trigger string) (*model.VerificationSession, error) {
	working := current

	for attempt := 0; attempt < applyMaxAttempts; attempt++ {
		outcome := session.Apply(*working, update, time.Now())
		if !outcome.Changed {
			return working, nil
		}

		applied, storedStatus, err := s.sessions.ApplyConditional(ctx, &outcome.Session, outcome.FromStatus)
		if err != nil {
			return nil, err
		}
		if applied {
			updated := outcome.Session
			s.cache.Put(ctx, &updated)
			s.recorder.RecordTransition(ctx, &updated, trigger, outcome.FromStatus, "")
			s.indexer.IndexSession(ctx, &updated)

			if outcome.Completed && updated.LifecycleStatus == model.StatusApproved {
				s.propagateVerified(ctx, &updated)
			}

			s.logger.Info("Session update applied",
				zap.String("session_id", updated.SessionID),
				zap.String("trigger", trigger),
				zap.String("from", string(outcome.FromStatus)),
				zap.String("to", string(updated.LifecycleStatus)),
			)
			return &updated, nil
		}

		s.logger.Debug("Session update raced, re-reading",
			zap.String("session_id", working.SessionID),
			zap.String("expected", string(outcome.FromStatus)),
			zap.String("stored", string(storedStatus)),
		)

		reread, err := s.sessions.GetByID(ctx, working.SessionID)
		if err != nil {
			return nil, err
		}
		if reread == nil {
			return nil, ErrSessionNotFound
		}
		working = reread
	}

	return nil, fmt.Errorf("%w: session %s", ErrUpdateContention, current.SessionID)
}

// propagateVerified flips the borrower's identity flag once an approval
// lands. Best-effort: the flag is re-asserted by the follow-up worker and by
// Accept, so a miss here is retried, not lost.
func (s *KYCService) propagateVerified(ctx context.Context, approved *model.VerificationSession) {
	if err := s.subjects.MarkVerified(ctx, approved.OwnerUserID); err != nil {
		s.logger.Error("Failed to propagate verified flag",
			zap.String("session_id", approved.SessionID),
			zap.String("owner_user_id", approved.OwnerUserID),
			zap.Error(err),
		)
	}
}

// enqueueFollowup hands image and propagation work to Kafka, falling back to
// an in-process goroutine when the broker is absent or the write fails.
func (s *KYCService) enqueueFollowup(ctx context.Context, target *model.VerificationSession, update *ekyc.Update) {
	if len(update.Images) == 0 {
		return
	}

	job := FollowupJob{
		SessionID: target.SessionID,
		Vendor:    target.Vendor,
		Trigger:   triggerFollowup,
		Images:    make(map[model.DocumentSlot]SlotRef, len(update.Images)),
		CreatedAt: time.Now().UTC(),
	}
	for slot, image := range update.Images {
		job.Images[slot] = SlotRef{Inline: image.Inline, URL: image.URL}
	}

	if s.producer != nil {
		payload, err := json.Marshal(job)
		if err == nil {
			err = s.producer.ProduceMessage(ctx, s.cfg.Kafka.FollowupTopic,
				[]byte(target.SessionID), payload, nil)
		}
		if err == nil {
			return
		}
		s.logger.Warn("Follow-up enqueue failed, running inline",
			zap.String("session_id", target.SessionID),
			zap.Error(err),
		)
	}

	go func() {
		inlineCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Minute)
		defer cancel()
		if err := s.RunFollowup(inlineCtx, &job); err != nil {
			s.logger.Error("Inline follow-up failed",
				zap.String("session_id", target.SessionID),
				zap.Error(err),
			)
		}
	}()
}

// RunFollowup executes one follow-up job: download or decode each image slot,
// persist it and refresh the search index. Called by the Kafka worker and by
// the inline fallback.
func (s *KYCService) RunFollowup(ctx context.Context, job *FollowupJob) error {
	target, err := s.sessions.GetByID(ctx, job.SessionID)
	if err != nil {
		return err
	}
	if target == nil {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, job.SessionID)
	}

	adapter, err := s.adapter(job.Vendor)
	if err != nil {
		return err
	}

	if target.LifecycleStatus == model.StatusApproved {
		s.propagateVerified(ctx, target)
	}

	images := make(ekyc.ImageSet, len(job.Images))
	for slot, ref := range job.Images {
		images[slot] = ekyc.SlotImage{Inline: ref.Inline, URL: ref.URL}
	}

	results := s.pipeline.Ingest(ctx, target, images, adapter)

	saved := 0
	for _, result := range results {
		if result.Saved {
			saved++
		}
	}

	s.indexer.IndexSession(ctx, target)
	s.recorder.RecordTransition(ctx, target, job.Trigger, target.LifecycleStatus,
		fmt.Sprintf("%d/%d document slots stored", saved, len(results)))

	if saved < len(results) {
		return fmt.Errorf("follow-up stored %d of %d slots for session %s", saved, len(results), job.SessionID)
	}
	return nil
}

func (s *KYCService) callbackURL(vendor string) string {
	switch vendor {
	case "ctos":
		return s.cfg.CTOS.CallbackURL
	case "truestack":
		return s.cfg.Truestack.CallbackURL
	}
	return ""
}

func (s *KYCService) webhookURL(vendor string) string {
	switch vendor {
	case "ctos":
		return s.cfg.CTOS.WebhookURL
	case "truestack":
		return s.cfg.Truestack.WebhookURL
	}
	return ""
}

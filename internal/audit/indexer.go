package audit

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/Malcan-Technologies/creditxpress-aws-sub005/internal/client"
	"github.com/Malcan-Technologies/creditxpress-aws-sub005/internal/model"
	"github.com/Malcan-Technologies/creditxpress-aws-sub005/internal/util"
)

// Indexer mirrors session snapshots into Elasticsearch for back-office
// search. Like the recorder, it is best-effort.
type Indexer struct {
	es     *client.ESClient
	logger *zap.Logger
}

// sessionDocument is the searchable projection of a session. Document numbers
// are masked before leaving the primary store.
type sessionDocument struct {
	SessionID        string     `json:"session_id"`
	OwnerUserID      string     `json:"owner_user_id"`
	ApplicationID    string     `json:"application_id,omitempty"`
	Vendor           string     `json:"vendor"`
	SubjectDocMasked string     `json:"subject_doc_masked"`
	SubjectDocName   string     `json:"subject_doc_name"`
	VendorSessionID  string     `json:"vendor_session_id,omitempty"`
	LifecycleStatus  string     `json:"lifecycle_status"`
	RejectReason     string     `json:"reject_reason,omitempty"`
	FailureReason    string     `json:"failure_reason,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
	CompletedAt      *time.Time `json:"completed_at,omitempty"`
}

func NewIndexer(esClient *client.ESClient) *Indexer {
	return &Indexer{
		es:     esClient,
		logger: util.Get(),
	}
}

// IndexSession upserts the searchable projection of a session.
func (i *Indexer) IndexSession(ctx context.Context, session *model.VerificationSession) {
	if i.es == nil {
		return
	}

	doc := sessionDocument{
		SessionID:        session.SessionID,
		OwnerUserID:      session.OwnerUserID,
		ApplicationID:    session.ApplicationID,
		Vendor:           session.Vendor,
		SubjectDocMasked: util.MaskDocumentNumber(session.SubjectDocNumber),
		SubjectDocName:   session.SubjectDocName,
		VendorSessionID:  session.VendorSessionID,
		LifecycleStatus:  string(session.LifecycleStatus),
		RejectReason:     session.RejectReason,
		FailureReason:    session.FailureReason,
		CreatedAt:        session.CreatedAt,
		UpdatedAt:        session.UpdatedAt,
		CompletedAt:      session.CompletedAt,
	}

	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	if err := i.es.IndexDocument(writeCtx, i.es.SessionIndex(), session.SessionID, doc); err != nil {
		i.logger.Warn("Failed to index session snapshot",
			zap.String("session_id", session.SessionID),
			zap.Error(err),
		)
	}
}

// RemoveSession drops a deleted session from the index.
func (i *Indexer) RemoveSession(ctx context.Context, sessionID string) {
	if i.es == nil {
		return
	}

	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	if err := i.es.DeleteDocument(writeCtx, i.es.SessionIndex(), sessionID); err != nil {
		i.logger.Warn("Failed to remove session from index",
			zap.String("session_id", sessionID),
			zap.Error(err),
		)
	}
}

// SearchSessions runs a back-office query against the session index and
// returns the matching projections.
func (i *Indexer) SearchSessions(ctx context.Context, query map[string]interface{}) ([]map[string]interface{}, error) {
	if i.es == nil {
		return nil, nil
	}

	hits, err := i.es.Search(ctx, i.es.SessionIndex(), query)
	if err != nil {
		return nil, err
	}

	results := make([]map[string]interface{}, 0, len(hits))
	for _, hit := range hits {
		var doc map[string]interface{}
		if err := json.Unmarshal(hit, &doc); err != nil {
			i.logger.Warn("Skipping unparseable search hit", zap.Error(err))
			continue
		}
		results = append(results, doc)
	}
	return results, nil
}

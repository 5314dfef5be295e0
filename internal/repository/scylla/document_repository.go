package scylla

import (
	"context"
	"fmt"
	"time"

	"github.com/gocql/gocql"
	"go.uber.org/zap"

	"github.com/Malcan-Technologies/creditxpress-aws-sub005/internal/model"
	"github.com/Malcan-Technologies/creditxpress-aws-sub005/internal/util"
)

// DocumentRepository stores captured verification images. One row per
// (session_id, slot_type); re-ingesting a slot replaces the row atomically
// because Cassandra INSERT is an upsert.
type DocumentRepository struct {
	client *ScyllaClient
	logger *zap.Logger
}

func NewDocumentRepository(client *ScyllaClient) *DocumentRepository {
	return &DocumentRepository{
		client: client,
		logger: util.Get(),
	}
}

func (r *DocumentRepository) Upsert(ctx context.Context, doc *model.VerificationDocument) error {
	if doc.SessionID == "" {
		return fmt.Errorf("session_id is required")
	}
	if doc.SlotType == "" {
		return fmt.Errorf("slot_type is required")
	}

	doc.UpdatedAt = time.Now().UTC()

	err := r.client.Prepared.UpsertDocument.WithContext(ctx).Bind(
		doc.SessionID, string(doc.SlotType), string(doc.StorageKind),
		doc.ContentRef, doc.ContentInline,
		doc.ContentKeyID, doc.EncryptedDEK, doc.ContentHash,
		doc.UpdatedAt,
	).Exec()
	if err != nil {
		return fmt.Errorf("failed to upsert document %s/%s: %w", doc.SessionID, doc.SlotType, err)
	}

	r.logger.Debug("Verification document stored",
		zap.String("session_id", doc.SessionID),
		zap.String("slot_type", string(doc.SlotType)),
		zap.String("storage_kind", string(doc.StorageKind)),
	)
	return nil
}

// Get returns one slot, or (nil, nil) when the slot was never captured.
func (r *DocumentRepository) Get(ctx context.Context, sessionID string, slot model.DocumentSlot) (*model.VerificationDocument, error) {
	var (
		doc         model.VerificationDocument
		slotType    string
		storageKind string
	)

	err := r.client.Prepared.GetDocument.WithContext(ctx).Bind(sessionID, string(slot)).Scan(
		&doc.SessionID, &slotType, &storageKind,
		&doc.ContentRef, &doc.ContentInline,
		&doc.ContentKeyID, &doc.EncryptedDEK, &doc.ContentHash,
		&doc.UpdatedAt,
	)
	if err == gocql.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get document %s/%s: %w", sessionID, slot, err)
	}

	doc.SlotType = model.DocumentSlot(slotType)
	doc.StorageKind = model.StorageKind(storageKind)
	return &doc, nil
}

// ListBySession returns every captured slot for a session.
func (r *DocumentRepository) ListBySession(ctx context.Context, sessionID string) ([]*model.VerificationDocument, error) {
	iter := r.client.Prepared.ListDocuments.WithContext(ctx).Bind(sessionID).Iter()

	var docs []*model.VerificationDocument
	for {
		var (
			doc         model.VerificationDocument
			slotType    string
			storageKind string
		)
		if !iter.Scan(
			&doc.SessionID, &slotType, &storageKind,
			&doc.ContentRef, &doc.ContentInline,
			&doc.ContentKeyID, &doc.EncryptedDEK, &doc.ContentHash,
			&doc.UpdatedAt,
		) {
			break
		}
		doc.SlotType = model.DocumentSlot(slotType)
		doc.StorageKind = model.StorageKind(storageKind)
		docs = append(docs, &doc)
	}
	if err := iter.Close(); err != nil {
		return nil, fmt.Errorf("failed to list documents for session %s: %w", sessionID, err)
	}
	return docs, nil
}

// DeleteBySession removes every slot of a session.
func (r *DocumentRepository) DeleteBySession(ctx context.Context, sessionID string) error {
	err := r.client.Prepared.DeleteSessionDocuments.WithContext(ctx).Bind(sessionID).Exec()
	if err != nil {
		return fmt.Errorf("failed to delete documents for session %s: %w", sessionID, err)
	}

	r.logger.Info("Verification documents deleted",
		zap.String("session_id", sessionID),
	)
	return nil
}

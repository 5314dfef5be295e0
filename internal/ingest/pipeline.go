package ingest

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/Malcan-Technologies/creditxpress-aws-sub005/internal/client"
	"github.com/Malcan-Technologies/creditxpress-aws-sub005/internal/ekyc"
	"github.com/Malcan-Technologies/creditxpress-aws-sub005/internal/encryption"
	"github.com/Malcan-Technologies/creditxpress-aws-sub005/internal/hashing"
	"github.com/Malcan-Technologies/creditxpress-aws-sub005/internal/model"
	"github.com/Malcan-Technologies/creditxpress-aws-sub005/internal/util"
)

// DocumentStore is the slice of the document repository the pipeline writes
// through.
type DocumentStore interface {
	Upsert(ctx context.Context, doc *model.VerificationDocument) error
}

// Pipeline moves vendor-delivered images into durable storage. Slots are
// independent: one bad image never blocks the others, and a slot that fails
// today is retried wholesale on the next update carrying it.
type Pipeline struct {
	documents  DocumentStore
	s3         *client.S3Client
	encryption *encryption.Manager
	logger     *zap.Logger
}

// SlotResult reports what happened to one slot.
type SlotResult struct {
	Slot  model.DocumentSlot
	Saved bool
	Err   error
}

func NewPipeline(documents DocumentStore, s3Client *client.S3Client, encryptionManager *encryption.Manager) *Pipeline {
	return &Pipeline{
		documents:  documents,
		s3:         s3Client,
		encryption: encryptionManager,
		logger:     util.Get(),
	}
}

// Ingest persists every non-empty slot in the set. Remote URLs are fetched
// through the session's adapter so vendor auth applies. Returns per-slot
// results; the error is non-nil only when no slot could be processed at all.
func (p *Pipeline) Ingest(ctx context.Context, session *model.VerificationSession, images ekyc.ImageSet, adapter ekyc.Adapter) []SlotResult {
	if len(images) == 0 {
		return nil
	}

	results := make([]SlotResult, 0, len(images))
	var group errgroup.Group
	resultCh := make(chan SlotResult, len(images))

	for _, slot := range model.KnownSlots {
		image, ok := images[slot]
		if !ok || image.Empty() {
			continue
		}
		slot, image := slot, image
		group.Go(func() error {
			err := p.ingestSlot(ctx, session, slot, image, adapter)
			resultCh <- SlotResult{Slot: slot, Saved: err == nil, Err: err}
			// Per-slot failures are reported, not propagated.
			return nil
		})
	}

	_ = group.Wait()
	close(resultCh)

	for result := range resultCh {
		if result.Err != nil {
			p.logger.Warn("Document slot ingestion failed",
				zap.String("session_id", session.SessionID),
				zap.String("slot", string(result.Slot)),
				zap.Error(result.Err),
			)
		}
		results = append(results, result)
	}
	return results
}

func (p *Pipeline) ingestSlot(ctx context.Context, session *model.VerificationSession, slot model.DocumentSlot, image ekyc.SlotImage, adapter ekyc.Adapter) error {
	data, err := p.resolveBytes(ctx, image, adapter)
	if err != nil {
		return err
	}
	if len(data) == 0 {
		return fmt.Errorf("slot %s resolved to empty content", slot)
	}

	doc := &model.VerificationDocument{
		SessionID:   session.SessionID,
		SlotType:    slot,
		ContentHash: hashing.ContentHash(data),
	}

	if p.s3 != nil {
		key := fmt.Sprintf("sessions/%s/%s.jpg", session.SessionID, slot)
		ref, err := p.s3.Put(ctx, key, data, "image/jpeg")
		if err != nil {
			return fmt.Errorf("object store write failed: %w", err)
		}
		doc.StorageKind = model.StorageS3
		doc.ContentRef = ref
	} else {
		blob, err := p.encryption.EncryptDocument(ctx, data)
		if err != nil {
			return fmt.Errorf("inline encryption failed: %w", err)
		}
		doc.StorageKind = model.StorageInline
		doc.ContentInline = blob.Ciphertext
		doc.ContentKeyID = blob.KeyID
		doc.EncryptedDEK = blob.EncryptedDEK
	}

	if err := p.documents.Upsert(ctx, doc); err != nil {
		return err
	}

	p.logger.Info("Document slot ingested",
		zap.String("session_id", session.SessionID),
		zap.String("slot", string(slot)),
		zap.String("storage_kind", string(doc.StorageKind)),
		zap.Int("bytes", len(data)),
	)
	return nil
}

func (p *Pipeline) resolveBytes(ctx context.Context, image ekyc.SlotImage, adapter ekyc.Adapter) ([]byte, error) {
	if len(image.Inline) > 0 {
		return image.Inline, nil
	}
	if image.URL != "" {
		if adapter == nil {
			return nil, fmt.Errorf("remote image with no adapter to fetch it")
		}
		data, err := adapter.FetchImage(ctx, image.URL)
		if err != nil {
			return nil, fmt.Errorf("remote image fetch failed: %w", err)
		}
		return data, nil
	}
	return nil, fmt.Errorf("image carries neither inline bytes nor a URL")
}

// Fetch returns the raw bytes of a stored document slot, transparently
// opening inline envelopes or reading back from the object store.
func (p *Pipeline) Fetch(ctx context.Context, doc *model.VerificationDocument) ([]byte, error) {
	switch doc.StorageKind {
	case model.StorageS3:
		if p.s3 == nil {
			return nil, fmt.Errorf("document stored in object store but none configured")
		}
		return p.s3.Get(ctx, doc.ContentRef)
	case model.StorageInline:
		blob := &encryption.EncryptedBlob{
			Ciphertext:   doc.ContentInline,
			EncryptedDEK: doc.EncryptedDEK,
			KeyID:        doc.ContentKeyID,
		}
		return p.encryption.DecryptDocument(ctx, blob)
	default:
		return nil, fmt.Errorf("unknown storage kind %q", doc.StorageKind)
	}
}

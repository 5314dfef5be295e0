package ingest

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"

	"github.com/Malcan-Technologies/creditxpress-aws-sub005/internal/config"
	"github.com/Malcan-Technologies/creditxpress-aws-sub005/internal/ekyc"
	"github.com/Malcan-Technologies/creditxpress-aws-sub005/internal/encryption"
	"github.com/Malcan-Technologies/creditxpress-aws-sub005/internal/hashing"
	"github.com/Malcan-Technologies/creditxpress-aws-sub005/internal/model"
)

type memoryDocs struct {
	mu   sync.Mutex
	docs map[model.DocumentSlot]*model.VerificationDocument
	err  error
}

func newMemoryDocs() *memoryDocs {
	return &memoryDocs{docs: map[model.DocumentSlot]*model.VerificationDocument{}}
}

func (m *memoryDocs) Upsert(_ context.Context, doc *model.VerificationDocument) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.docs[doc.SlotType] = doc
	return nil
}

// fetchAdapter serves image bytes by URL, erroring for anything unknown.
type fetchAdapter struct {
	byURL map[string][]byte
}

func (f *fetchAdapter) Name() string { return "test" }

func (f *fetchAdapter) CreateTransaction(context.Context, ekyc.CreateRequest) (*ekyc.CreateResult, error) {
	return nil, errors.New("not implemented")
}

func (f *fetchAdapter) GetStatus(context.Context, string, string) (*ekyc.Update, error) {
	return nil, errors.New("not implemented")
}

func (f *fetchAdapter) DecodeWebhook([]byte, http.Header) (*ekyc.Update, error) {
	return nil, errors.New("not implemented")
}

func (f *fetchAdapter) FetchImage(_ context.Context, url string) ([]byte, error) {
	data, ok := f.byURL[url]
	if !ok {
		return nil, errors.New("image not found")
	}
	return data, nil
}

func testPipeline(docs DocumentStore) *Pipeline {
	// KMS disabled: data keys are generated locally.
	return NewPipeline(docs, nil, encryption.NewManager(&config.Config{}, nil))
}

func testSession() *model.VerificationSession {
	return &model.VerificationSession{SessionID: "sess-1", OwnerUserID: "owner-1", Vendor: "ctos"}
}

func TestIngestInlineSlot(t *testing.T) {
	docs := newMemoryDocs()
	pipeline := testPipeline(docs)
	front := []byte("front-image-bytes")

	results := pipeline.Ingest(context.Background(), testSession(), ekyc.ImageSet{
		model.SlotFront: {Inline: front},
	}, nil)

	if len(results) != 1 || !results[0].Saved {
		t.Fatalf("results = %+v", results)
	}

	doc := docs.docs[model.SlotFront]
	if doc == nil {
		t.Fatal("front slot not stored")
	}
	if doc.StorageKind != model.StorageInline {
		t.Errorf("storage kind = %s", doc.StorageKind)
	}
	if doc.ContentHash != hashing.ContentHash(front) {
		t.Errorf("content hash = %s", doc.ContentHash)
	}
	if bytes.Equal(doc.ContentInline, front) {
		t.Error("inline content stored unencrypted")
	}
	if doc.EncryptedDEK == "" || doc.ContentKeyID == "" {
		t.Error("envelope metadata missing")
	}

	// Fetch must open the envelope back to the original bytes.
	fetched, err := pipeline.Fetch(context.Background(), doc)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if !bytes.Equal(fetched, front) {
		t.Errorf("fetched %q, want %q", fetched, front)
	}
}

func TestIngestRemoteSlot(t *testing.T) {
	docs := newMemoryDocs()
	pipeline := testPipeline(docs)
	selfie := []byte("selfie-image-bytes")
	adapter := &fetchAdapter{byURL: map[string][]byte{"https://cdn.example/selfie.jpg": selfie}}

	results := pipeline.Ingest(context.Background(), testSession(), ekyc.ImageSet{
		model.SlotSelfie: {URL: "https://cdn.example/selfie.jpg"},
	}, adapter)

	if len(results) != 1 || !results[0].Saved {
		t.Fatalf("results = %+v", results)
	}
	doc := docs.docs[model.SlotSelfie]
	if doc == nil {
		t.Fatal("selfie slot not stored")
	}
	if doc.ContentHash != hashing.ContentHash(selfie) {
		t.Errorf("content hash = %s", doc.ContentHash)
	}
}

func TestIngestEmptySetAndEmptySlots(t *testing.T) {
	docs := newMemoryDocs()
	pipeline := testPipeline(docs)

	if results := pipeline.Ingest(context.Background(), testSession(), nil, nil); results != nil {
		t.Errorf("empty set results = %+v", results)
	}

	results := pipeline.Ingest(context.Background(), testSession(), ekyc.ImageSet{
		model.SlotFront: {},
		model.SlotBack:  {Inline: []byte("back")},
	}, nil)
	if len(results) != 1 {
		t.Fatalf("empty slot not skipped: %+v", results)
	}
	if results[0].Slot != model.SlotBack || !results[0].Saved {
		t.Errorf("results = %+v", results)
	}
}

func TestIngestSlotFailureIsolated(t *testing.T) {
	docs := newMemoryDocs()
	pipeline := testPipeline(docs)
	adapter := &fetchAdapter{byURL: map[string][]byte{}}

	results := pipeline.Ingest(context.Background(), testSession(), ekyc.ImageSet{
		model.SlotFront:  {Inline: []byte("front")},
		model.SlotSelfie: {URL: "https://cdn.example/gone.jpg"},
	}, adapter)

	if len(results) != 2 {
		t.Fatalf("results = %+v", results)
	}
	byslot := map[model.DocumentSlot]SlotResult{}
	for _, r := range results {
		byslot[r.Slot] = r
	}
	if !byslot[model.SlotFront].Saved {
		t.Error("front slot blocked by failing selfie")
	}
	if byslot[model.SlotSelfie].Saved || byslot[model.SlotSelfie].Err == nil {
		t.Errorf("selfie result = %+v", byslot[model.SlotSelfie])
	}
	if _, stored := docs.docs[model.SlotSelfie]; stored {
		t.Error("failed slot was stored anyway")
	}
}

func TestIngestRemoteWithoutAdapter(t *testing.T) {
	docs := newMemoryDocs()
	pipeline := testPipeline(docs)

	results := pipeline.Ingest(context.Background(), testSession(), ekyc.ImageSet{
		model.SlotFront: {URL: "https://cdn.example/front.jpg"},
	}, nil)

	if len(results) != 1 || results[0].Saved || results[0].Err == nil {
		t.Errorf("results = %+v", results)
	}
}

func TestFetchUnknownStorageKind(t *testing.T) {
	pipeline := testPipeline(newMemoryDocs())

	if _, err := pipeline.Fetch(context.Background(), &model.VerificationDocument{StorageKind: "tape"}); err == nil {
		t.Error("unknown storage kind accepted")
	}
	if _, err := pipeline.Fetch(context.Background(), &model.VerificationDocument{StorageKind: model.StorageS3}); err == nil {
		t.Error("S3 document fetched with no object store configured")
	}
}

package service

import (
	"context"
	"testing"
	"time"

	"github.com/Malcan-Technologies/creditxpress-aws-sub005/internal/config"
	"github.com/Malcan-Technologies/creditxpress-aws-sub005/internal/model"
	"github.com/Malcan-Technologies/creditxpress-aws-sub005/internal/repository/scylla"
)

// fakeLookup backs the resolver with in-memory sessions.
type fakeLookup struct {
	sessions map[string]*model.VerificationSession
	byOwner  map[string][]scylla.OwnerSessionRef
}

func (f *fakeLookup) GetByID(_ context.Context, sessionID string) (*model.VerificationSession, error) {
	return f.sessions[sessionID], nil
}

func (f *fakeLookup) ListRefsByOwner(_ context.Context, ownerUserID string) ([]scylla.OwnerSessionRef, error) {
	return f.byOwner[ownerUserID], nil
}

func resolverFixture() (*ReferenceResolver, *fakeLookup) {
	lookup := &fakeLookup{
		sessions: map[string]*model.VerificationSession{},
		byOwner:  map[string][]scylla.OwnerSessionRef{},
	}
	cfg := &config.Config{}
	cfg.KYC.LegacyRefPrefixes = []string{"EKYC-", "KYC-"}
	return NewReferenceResolver(lookup, cfg), lookup
}

func TestResolveDirectSessionID(t *testing.T) {
	resolver, lookup := resolverFixture()
	lookup.sessions["sess-1"] = &model.VerificationSession{SessionID: "sess-1"}

	got, err := resolver.Resolve(context.Background(), "sess-1", "")
	if err != nil {
		t.Fatal(err)
	}
	if got == nil || got.SessionID != "sess-1" {
		t.Errorf("got %+v", got)
	}
}

func TestResolveLegacyPrefix(t *testing.T) {
	resolver, lookup := resolverFixture()
	lookup.sessions["sess-2"] = &model.VerificationSession{SessionID: "sess-2"}

	for _, ref := range []string{"EKYC-sess-2", "KYC-sess-2"} {
		got, err := resolver.Resolve(context.Background(), ref, "")
		if err != nil {
			t.Fatal(err)
		}
		if got == nil || got.SessionID != "sess-2" {
			t.Errorf("Resolve(%q) = %+v", ref, got)
		}
	}
}

func TestResolveByOwnerNewestFirst(t *testing.T) {
	resolver, lookup := resolverFixture()
	now := time.Now()
	lookup.sessions["sess-old"] = &model.VerificationSession{SessionID: "sess-old", VendorSessionID: "vnd-old"}
	lookup.sessions["sess-new"] = &model.VerificationSession{SessionID: "sess-new", VendorSessionID: "vnd-new"}
	lookup.byOwner["owner-1"] = []scylla.OwnerSessionRef{
		{SessionID: "sess-new", VendorSessionID: "vnd-new", CreatedAt: now},
		{SessionID: "sess-old", VendorSessionID: "vnd-old", CreatedAt: now.Add(-time.Hour)},
	}

	got, err := resolver.Resolve(context.Background(), "owner-1", "")
	if err != nil {
		t.Fatal(err)
	}
	if got == nil || got.SessionID != "sess-new" {
		t.Errorf("without vendor filter: got %+v, want newest", got)
	}

	got, err = resolver.Resolve(context.Background(), "owner-1", "vnd-old")
	if err != nil {
		t.Fatal(err)
	}
	if got == nil || got.SessionID != "sess-old" {
		t.Errorf("with vendor filter: got %+v, want sess-old", got)
	}
}

func TestResolveTrailingSegmentAsOwner(t *testing.T) {
	resolver, lookup := resolverFixture()
	now := time.Now()
	lookup.sessions["sess-9"] = &model.VerificationSession{SessionID: "sess-9", OwnerUserID: "U1"}
	lookup.sessions["sess-8"] = &model.VerificationSession{SessionID: "sess-8", OwnerUserID: "U1"}
	lookup.byOwner["U1"] = []scylla.OwnerSessionRef{
		{SessionID: "sess-9", CreatedAt: now},
		{SessionID: "sess-8", CreatedAt: now.Add(-time.Hour)},
	}

	// Unknown prefix in front of the owner's user id; the most recent session
	// owned by that user wins.
	for _, ref := range []string{"legacybatch-U1", "legacy_batch_U1"} {
		got, err := resolver.Resolve(context.Background(), ref, "")
		if err != nil {
			t.Fatal(err)
		}
		if got == nil || got.SessionID != "sess-9" {
			t.Errorf("Resolve(%q) = %+v, want newest session of U1", ref, got)
		}
	}
}

func TestResolveTrailingSegmentHyphenatedOwner(t *testing.T) {
	resolver, lookup := resolverFixture()
	lookup.sessions["sess-4"] = &model.VerificationSession{SessionID: "sess-4", OwnerUserID: "user-7"}
	lookup.byOwner["user-7"] = []scylla.OwnerSessionRef{
		{SessionID: "sess-4", CreatedAt: time.Now()},
	}

	// The last segment ("7") misses; the longer suffix ("user-7") resolves.
	got, err := resolver.Resolve(context.Background(), "batch_user-7", "")
	if err != nil {
		t.Fatal(err)
	}
	if got == nil || got.SessionID != "sess-4" {
		t.Errorf("got %+v", got)
	}
}

func TestResolveStrategyOrder(t *testing.T) {
	resolver, lookup := resolverFixture()
	// "EKYC-x" exists both as a literal session ID and as a prefixed ref of
	// session "x"; the direct match must win.
	lookup.sessions["EKYC-x"] = &model.VerificationSession{SessionID: "EKYC-x"}
	lookup.sessions["x"] = &model.VerificationSession{SessionID: "x"}

	got, err := resolver.Resolve(context.Background(), "EKYC-x", "")
	if err != nil {
		t.Fatal(err)
	}
	if got == nil || got.SessionID != "EKYC-x" {
		t.Errorf("got %+v, want direct match", got)
	}
}

func TestResolveNoMatch(t *testing.T) {
	resolver, _ := resolverFixture()

	got, err := resolver.Resolve(context.Background(), "nobody-knows-this", "")
	if err != nil {
		t.Fatal(err)
	}
	if got != nil {
		t.Errorf("got %+v, want nil", got)
	}

	got, err = resolver.Resolve(context.Background(), "  ", "")
	if err != nil || got != nil {
		t.Errorf("blank ref: got %+v, %v", got, err)
	}
}

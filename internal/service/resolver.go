package service

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/Malcan-Technologies/creditxpress-aws-sub005/internal/config"
	"github.com/Malcan-Technologies/creditxpress-aws-sub005/internal/model"
	"github.com/Malcan-Technologies/creditxpress-aws-sub005/internal/repository/scylla"
	"github.com/Malcan-Technologies/creditxpress-aws-sub005/internal/util"
)

// SessionLookup is the read surface the resolver needs.
type SessionLookup interface {
	GetByID(ctx context.Context, sessionID string) (*model.VerificationSession, error)
	ListRefsByOwner(ctx context.Context, ownerUserID string) ([]scylla.OwnerSessionRef, error)
}

// ReferenceResolver maps a vendor-echoed reference back to a session.
// References created by this service are session IDs, but callbacks still
// arrive carrying formats minted by earlier systems, so resolution walks an
// ordered list of strategies and stops at the first hit.
type ReferenceResolver struct {
	sessions SessionLookup
	prefixes []string
	logger   *zap.Logger
}

func NewReferenceResolver(sessions SessionLookup, cfg *config.Config) *ReferenceResolver {
	return &ReferenceResolver{
		sessions: sessions,
		prefixes: cfg.KYC.LegacyRefPrefixes,
		logger:   util.Get(),
	}
}

// Resolve returns the session a reference points at, or (nil, nil) when no
// strategy matches. vendorSessionID, when present, disambiguates owner-level
// matches; it never widens them.
//
// Strategy order:
//  1. the reference is a session ID
//  2. the reference is a session ID wearing a known legacy prefix
//  3. the reference is an owner user ID; newest matching session wins
//  4. a trailing delimiter-separated segment is an owner user ID; repeat (3)
func (r *ReferenceResolver) Resolve(ctx context.Context, ref, vendorSessionID string) (*model.VerificationSession, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return nil, nil
	}

	if session, err := r.sessions.GetByID(ctx, ref); err != nil {
		return nil, err
	} else if session != nil {
		return session, nil
	}

	for _, prefix := range r.prefixes {
		if prefix == "" || !strings.HasPrefix(ref, prefix) {
			continue
		}
		stripped := strings.TrimPrefix(ref, prefix)
		if stripped == "" {
			continue
		}
		session, err := r.sessions.GetByID(ctx, stripped)
		if err != nil {
			return nil, err
		}
		if session != nil {
			r.logger.Debug("Reference resolved via legacy prefix",
				zap.String("ref", ref),
				zap.String("prefix", prefix),
			)
			return session, nil
		}
	}

	if session, err := r.resolveByOwner(ctx, ref, vendorSessionID); err != nil {
		return nil, err
	} else if session != nil {
		return session, nil
	}

	// Old refs embed the owner's user ID behind an arbitrary prefix
	// ("<anything>-<userId>"). The last segment is tried first; longer
	// suffixes follow so owner IDs that themselves contain a delimiter
	// still resolve.
	for idx := strings.LastIndexAny(ref, "-_"); idx >= 0; idx = strings.LastIndexAny(ref[:idx], "-_") {
		segment := ref[idx+1:]
		if segment == "" {
			continue
		}
		session, err := r.resolveByOwner(ctx, segment, vendorSessionID)
		if err != nil {
			return nil, err
		}
		if session != nil {
			r.logger.Debug("Reference resolved via trailing owner segment",
				zap.String("ref", ref),
				zap.String("segment", segment),
			)
			return session, nil
		}
	}

	return nil, nil
}

// resolveByOwner treats the reference as an owner user ID. Refs are newest
// first; a vendor session ID narrows the candidates before recency decides.
func (r *ReferenceResolver) resolveByOwner(ctx context.Context, ref, vendorSessionID string) (*model.VerificationSession, error) {
	refs, err := r.sessions.ListRefsByOwner(ctx, ref)
	if err != nil {
		return nil, err
	}
	if len(refs) == 0 {
		return nil, nil
	}

	for _, candidate := range refs {
		if vendorSessionID != "" && candidate.VendorSessionID != "" && candidate.VendorSessionID != vendorSessionID {
			continue
		}
		session, err := r.sessions.GetByID(ctx, candidate.SessionID)
		if err != nil {
			return nil, err
		}
		if session != nil {
			r.logger.Debug("Reference resolved via owner lookup",
				zap.String("ref", ref),
				zap.String("session_id", session.SessionID),
			)
			return session, nil
		}
	}
	return nil, nil
}

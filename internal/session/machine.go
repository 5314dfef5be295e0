// Package session owns the verification session state machine. Apply is a
// pure function: callers persist the outcome with a conditional write, so the
// machine itself needs no locking.
package session

import (
	"reflect"
	"time"

	"github.com/Malcan-Technologies/creditxpress-aws-sub005/internal/ekyc"
	"github.com/Malcan-Technologies/creditxpress-aws-sub005/internal/model"
)

// Outcome is the result of applying one normalized vendor update.
type Outcome struct {
	Session    model.VerificationSession
	Changed    bool
	FromStatus model.LifecycleStatus
	// Completed is true only on the apply that first reached a terminal
	// decision, so side effects (subject flag, notifications) fire once.
	Completed bool
}

// Apply folds a normalized vendor update into a session record.
//
// Transition table:
//
//	completed + approved  -> approved, completedAt set once
//	completed + rejected  -> rejected, completedAt set once, reason stored
//	expired               -> failed (only before a terminal decision)
//	anything else         -> in_progress
//
// The sticky-terminal rule takes precedence: an approved or rejected session
// is returned unchanged no matter what the update says, and failed is an
// absorbing state reachable only from pending or in-progress. Applying the
// same update twice yields an identical record the second time.
func Apply(current model.VerificationSession, update *ekyc.Update, now time.Time) Outcome {
	outcome := Outcome{Session: current, FromStatus: current.LifecycleStatus}

	if current.LifecycleStatus.IsTerminal() || current.LifecycleStatus == model.StatusFailed {
		return outcome
	}

	next := current
	next.PayloadSnapshot = mergeSnapshot(current.PayloadSnapshot, update.RawPayload)

	if update.VendorSessionID != "" && next.VendorSessionID == "" {
		next.VendorSessionID = update.VendorSessionID
	}
	next.VendorStatusCode = update.RawStatusCode
	next.VendorResultCode = update.RawResultCode

	switch {
	case update.Status == ekyc.StatusCompleted && update.Result == ekyc.ResultApproved:
		next.LifecycleStatus = model.StatusApproved
	case update.Status == ekyc.StatusCompleted && update.Result == ekyc.ResultRejected:
		next.LifecycleStatus = model.StatusRejected
		if update.RejectReason != "" {
			next.RejectReason = update.RejectReason
		}
	case update.Status == ekyc.StatusExpired:
		next.LifecycleStatus = model.StatusFailed
		if next.FailureReason == "" {
			next.FailureReason = "verification link expired"
		}
	default:
		next.LifecycleStatus = model.StatusInProgress
	}

	if next.LifecycleStatus.IsTerminal() && next.CompletedAt == nil {
		completedAt := now.UTC()
		next.CompletedAt = &completedAt
		outcome.Completed = true
	}

	outcome.Changed = changed(current, next)
	if outcome.Changed {
		next.UpdatedAt = now.UTC()
	}
	outcome.Session = next
	return outcome
}

// mergeSnapshot shallow-merges the new raw payload over the stored one so
// fields populated by one trigger (webhook images) survive a later trigger
// (poll) that does not repeat them. New keys win on conflict.
func mergeSnapshot(existing, incoming map[string]interface{}) map[string]interface{} {
	if len(incoming) == 0 {
		return existing
	}
	merged := make(map[string]interface{}, len(existing)+len(incoming))
	for k, v := range existing {
		merged[k] = v
	}
	for k, v := range incoming {
		merged[k] = v
	}
	return merged
}

func changed(before, after model.VerificationSession) bool {
	if before.LifecycleStatus != after.LifecycleStatus ||
		before.VendorStatusCode != after.VendorStatusCode ||
		before.VendorResultCode != after.VendorResultCode ||
		before.RejectReason != after.RejectReason ||
		before.FailureReason != after.FailureReason ||
		before.VendorSessionID != after.VendorSessionID {
		return true
	}
	if (before.CompletedAt == nil) != (after.CompletedAt == nil) {
		return true
	}
	return !reflect.DeepEqual(before.PayloadSnapshot, after.PayloadSnapshot)
}

package session

import (
	"reflect"
	"testing"
	"time"

	"github.com/Malcan-Technologies/creditxpress-aws-sub005/internal/ekyc"
	"github.com/Malcan-Technologies/creditxpress-aws-sub005/internal/model"
)

func baseSession(status model.LifecycleStatus) model.VerificationSession {
	return model.VerificationSession{
		SessionID:       "sess-1",
		OwnerUserID:     "owner-1",
		Vendor:          "ctos",
		LifecycleStatus: status,
		CreatedAt:       time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC),
	}
}

func TestApplyTransitions(t *testing.T) {
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name       string
		from       model.LifecycleStatus
		update     ekyc.Update
		wantStatus model.LifecycleStatus
		wantDone   bool
	}{
		{
			name:       "completed approved",
			from:       model.StatusInProgress,
			update:     ekyc.Update{Status: ekyc.StatusCompleted, Result: ekyc.ResultApproved},
			wantStatus: model.StatusApproved,
			wantDone:   true,
		},
		{
			name:       "completed rejected",
			from:       model.StatusInProgress,
			update:     ekyc.Update{Status: ekyc.StatusCompleted, Result: ekyc.ResultRejected, RejectReason: "face mismatch"},
			wantStatus: model.StatusRejected,
			wantDone:   true,
		},
		{
			name:       "completed undetermined stays in progress",
			from:       model.StatusInProgress,
			update:     ekyc.Update{Status: ekyc.StatusCompleted, Result: ekyc.ResultUndetermined},
			wantStatus: model.StatusInProgress,
		},
		{
			name:       "expired becomes failed",
			from:       model.StatusInProgress,
			update:     ekyc.Update{Status: ekyc.StatusExpired},
			wantStatus: model.StatusFailed,
		},
		{
			name:       "processing from pending",
			from:       model.StatusPending,
			update:     ekyc.Update{Status: ekyc.StatusProcessing},
			wantStatus: model.StatusInProgress,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			outcome := Apply(baseSession(tt.from), &tt.update, now)
			if outcome.Session.LifecycleStatus != tt.wantStatus {
				t.Errorf("status = %s, want %s", outcome.Session.LifecycleStatus, tt.wantStatus)
			}
			if outcome.Completed != tt.wantDone {
				t.Errorf("completed = %v, want %v", outcome.Completed, tt.wantDone)
			}
			if outcome.FromStatus != tt.from {
				t.Errorf("fromStatus = %s, want %s", outcome.FromStatus, tt.from)
			}
			if tt.wantDone && outcome.Session.CompletedAt == nil {
				t.Error("terminal transition did not set CompletedAt")
			}
		})
	}
}

func TestApplyStickyTerminal(t *testing.T) {
	now := time.Now()

	for _, terminal := range []model.LifecycleStatus{model.StatusApproved, model.StatusRejected} {
		current := baseSession(terminal)
		completedAt := now.Add(-time.Hour)
		current.CompletedAt = &completedAt

		update := &ekyc.Update{
			Status:     ekyc.StatusCompleted,
			Result:     ekyc.ResultRejected,
			RawPayload: map[string]interface{}{"late": true},
		}

		outcome := Apply(current, update, now)
		if outcome.Changed {
			t.Errorf("%s: terminal session reported changed", terminal)
		}
		if !reflect.DeepEqual(outcome.Session, current) {
			t.Errorf("%s: terminal session mutated: %+v", terminal, outcome.Session)
		}
	}
}

func TestApplyFailedAbsorbing(t *testing.T) {
	now := time.Now()
	current := baseSession(model.StatusFailed)
	current.FailureReason = "vendor rejected the verification request"

	update := &ekyc.Update{
		Status:     ekyc.StatusCompleted,
		Result:     ekyc.ResultApproved,
		RawPayload: map[string]interface{}{"late": true},
	}

	outcome := Apply(current, update, now)
	if outcome.Changed {
		t.Error("failed session reported changed")
	}
	if outcome.Completed {
		t.Error("failed session reported completion")
	}
	if !reflect.DeepEqual(outcome.Session, current) {
		t.Errorf("failed session mutated: %+v", outcome.Session)
	}
}

func TestApplyIdempotent(t *testing.T) {
	now := time.Now()
	update := &ekyc.Update{
		Status:        ekyc.StatusCompleted,
		Result:        ekyc.ResultApproved,
		RawStatusCode: "2",
		RawResultCode: "1",
		RawPayload:    map[string]interface{}{"status": "2", "result": "1"},
	}

	first := Apply(baseSession(model.StatusInProgress), update, now)
	if !first.Changed || !first.Completed {
		t.Fatalf("first apply: changed=%v completed=%v", first.Changed, first.Completed)
	}

	second := Apply(first.Session, update, now.Add(time.Minute))
	if second.Changed {
		t.Error("second apply of identical update reported a change")
	}
	if second.Completed {
		t.Error("second apply re-fired completion")
	}
	if !second.Session.CompletedAt.Equal(*first.Session.CompletedAt) {
		t.Error("CompletedAt moved on re-apply")
	}
}

func TestApplySnapshotMerge(t *testing.T) {
	now := time.Now()
	current := baseSession(model.StatusInProgress)
	current.PayloadSnapshot = map[string]interface{}{
		"images": "present",
		"status": "1",
	}

	update := &ekyc.Update{
		Status:     ekyc.StatusProcessing,
		RawPayload: map[string]interface{}{"status": "2", "score": 0.91},
	}

	outcome := Apply(current, update, now)
	snapshot := outcome.Session.PayloadSnapshot

	if snapshot["images"] != "present" {
		t.Error("webhook-only key lost on merge")
	}
	if snapshot["status"] != "2" {
		t.Errorf("incoming key did not win: %v", snapshot["status"])
	}
	if snapshot["score"] != 0.91 {
		t.Errorf("new key missing: %v", snapshot["score"])
	}
	if current.PayloadSnapshot["status"] != "1" {
		t.Error("input snapshot mutated")
	}
}

func TestApplyVendorSessionIDSetOnce(t *testing.T) {
	now := time.Now()

	current := baseSession(model.StatusInProgress)
	outcome := Apply(current, &ekyc.Update{Status: ekyc.StatusProcessing, VendorSessionID: "vnd-1"}, now)
	if outcome.Session.VendorSessionID != "vnd-1" {
		t.Fatalf("vendor session id not adopted: %q", outcome.Session.VendorSessionID)
	}

	outcome = Apply(outcome.Session, &ekyc.Update{Status: ekyc.StatusProcessing, VendorSessionID: "vnd-2", RawPayload: map[string]interface{}{"x": 1}}, now)
	if outcome.Session.VendorSessionID != "vnd-1" {
		t.Errorf("vendor session id overwritten to %q", outcome.Session.VendorSessionID)
	}
}

func TestApplyExpiredKeepsExistingFailureReason(t *testing.T) {
	now := time.Now()
	current := baseSession(model.StatusInProgress)
	current.FailureReason = "vendor rejected the verification request"

	outcome := Apply(current, &ekyc.Update{Status: ekyc.StatusExpired}, now)
	if outcome.Session.FailureReason != "vendor rejected the verification request" {
		t.Errorf("failure reason overwritten: %q", outcome.Session.FailureReason)
	}

	fresh := Apply(baseSession(model.StatusInProgress), &ekyc.Update{Status: ekyc.StatusExpired}, now)
	if fresh.Session.FailureReason != "verification link expired" {
		t.Errorf("default failure reason missing: %q", fresh.Session.FailureReason)
	}
}

func TestApplyRejectReasonStored(t *testing.T) {
	now := time.Now()
	outcome := Apply(baseSession(model.StatusInProgress), &ekyc.Update{
		Status:       ekyc.StatusCompleted,
		Result:       ekyc.ResultRejected,
		RejectReason: "document tampered",
	}, now)

	if outcome.Session.RejectReason != "document tampered" {
		t.Errorf("reject reason = %q", outcome.Session.RejectReason)
	}
}

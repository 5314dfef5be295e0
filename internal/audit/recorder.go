package audit

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/Malcan-Technologies/creditxpress-aws-sub005/internal/client"
	"github.com/Malcan-Technologies/creditxpress-aws-sub005/internal/model"
	"github.com/Malcan-Technologies/creditxpress-aws-sub005/internal/util"
)

const insertEventQuery = `
INSERT INTO kyc_session_events (
	session_id, owner_user_id, vendor, trigger, from_status, to_status,
	vendor_status_code, vendor_result_code, detail, created_at
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

// Recorder writes session transitions to ClickHouse. Audit writes are
// best-effort: a down warehouse never blocks a verification.
type Recorder struct {
	clickhouse *client.ClickHouseClient
	logger     *zap.Logger
}

func NewRecorder(clickhouseClient *client.ClickHouseClient) *Recorder {
	return &Recorder{
		clickhouse: clickhouseClient,
		logger:     util.Get(),
	}
}

// RecordTransition logs one status change with its trigger.
func (r *Recorder) RecordTransition(ctx context.Context, session *model.VerificationSession, trigger string, fromStatus model.LifecycleStatus, detail string) {
	if r.clickhouse == nil {
		return
	}

	event := model.SessionEvent{
		SessionID:        session.SessionID,
		OwnerUserID:      session.OwnerUserID,
		Vendor:           session.Vendor,
		Trigger:          trigger,
		FromStatus:       string(fromStatus),
		ToStatus:         string(session.LifecycleStatus),
		VendorStatusCode: session.VendorStatusCode,
		VendorResultCode: session.VendorResultCode,
		Detail:           detail,
		CreatedAt:        time.Now().UTC(),
	}

	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	err := r.clickhouse.Exec(writeCtx, insertEventQuery,
		event.SessionID, event.OwnerUserID, event.Vendor, event.Trigger,
		event.FromStatus, event.ToStatus,
		event.VendorStatusCode, event.VendorResultCode,
		event.Detail, event.CreatedAt,
	)
	if err != nil {
		r.logger.Warn("Failed to record session transition",
			zap.String("session_id", event.SessionID),
			zap.String("trigger", event.Trigger),
			zap.Error(err),
		)
		return
	}

	r.logger.Debug("Session transition recorded",
		zap.String("session_id", event.SessionID),
		zap.String("trigger", event.Trigger),
		zap.String("from", event.FromStatus),
		zap.String("to", event.ToStatus),
	)
}

package worker

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Malcan-Technologies/creditxpress-aws-sub005/internal/client"
	"github.com/Malcan-Technologies/creditxpress-aws-sub005/internal/service"
	"github.com/Malcan-Technologies/creditxpress-aws-sub005/internal/util"
)

// FollowupWorker drains the follow-up topic: image downloads and search-index
// propagation that webhook handlers deferred so they could ack fast. Messages
// are keyed by session ID, so one session's jobs arrive in order.
type FollowupWorker struct {
	consumer *client.KafkaConsumer
	kyc      *service.KYCService
	logger   *zap.Logger

	jobTimeout time.Duration
	wg         sync.WaitGroup
	cancel     context.CancelFunc
}

func NewFollowupWorker(consumer *client.KafkaConsumer, kycService *service.KYCService) *FollowupWorker {
	return &FollowupWorker{
		consumer:   consumer,
		kyc:        kycService,
		logger:     util.Get(),
		jobTimeout: 2 * time.Minute,
	}
}

// Start launches the consume loop. Returns immediately; Stop drains it.
func (w *FollowupWorker) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel

	w.wg.Add(1)
	go w.run(runCtx)

	w.logger.Info("Follow-up worker started")
}

func (w *FollowupWorker) run(ctx context.Context) {
	defer w.wg.Done()

	for {
		msg, err := w.consumer.ConsumeMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.logger.Error("Follow-up consume failed", zap.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}

		w.handle(ctx, msg.Key, msg.Value)
	}
}

func (w *FollowupWorker) handle(ctx context.Context, key, value []byte) {
	var job service.FollowupJob
	if err := json.Unmarshal(value, &job); err != nil {
		// Malformed jobs are dropped; redelivery cannot fix them.
		w.logger.Error("Dropping malformed follow-up job",
			zap.ByteString("key", key),
			zap.Error(err),
		)
		return
	}

	jobCtx, cancel := context.WithTimeout(ctx, w.jobTimeout)
	defer cancel()

	if err := w.kyc.RunFollowup(jobCtx, &job); err != nil {
		// Slot-level failures are already persisted per slot; the next vendor
		// update for this session re-delivers whatever is still missing.
		w.logger.Warn("Follow-up job finished with errors",
			zap.String("session_id", job.SessionID),
			zap.String("vendor", job.Vendor),
			zap.Error(err),
		)
		return
	}

	w.logger.Debug("Follow-up job completed",
		zap.String("session_id", job.SessionID),
	)
}

// Stop cancels the consume loop and waits for the in-flight job.
func (w *FollowupWorker) Stop() {
	if w.cancel != nil {
		w.cancel()
	}
	w.wg.Wait()
	w.logger.Info("Follow-up worker stopped")
}

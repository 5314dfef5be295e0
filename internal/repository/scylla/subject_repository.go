package scylla

import (
	"context"
	"fmt"
	"time"

	"github.com/gocql/gocql"
	"go.uber.org/zap"

	"github.com/Malcan-Technologies/creditxpress-aws-sub005/internal/bucketing"
	"github.com/Malcan-Technologies/creditxpress-aws-sub005/internal/model"
	"github.com/Malcan-Technologies/creditxpress-aws-sub005/internal/util"
)

// SubjectRepository reads borrower records and flips the identity_verified
// flag once a session is approved. The flip is one-way; nothing in this
// service ever sets it back to false.
type SubjectRepository struct {
	client    *ScyllaClient
	bucketing *bucketing.BucketingManager
	logger    *zap.Logger
}

func NewSubjectRepository(client *ScyllaClient, bucketingManager *bucketing.BucketingManager) *SubjectRepository {
	return &SubjectRepository{
		client:    client,
		bucketing: bucketingManager,
		logger:    util.Get(),
	}
}

// Get returns the subject, or (nil, nil) when no row exists.
func (r *SubjectRepository) Get(ctx context.Context, subjectID string) (*model.Subject, error) {
	bucket := r.bucketing.OwnerBucket(subjectID)

	var subject model.Subject
	err := r.client.Prepared.GetSubject.WithContext(ctx).Bind(bucket, subjectID).Scan(
		&subject.SubjectBucket, &subject.SubjectID,
		&subject.FullName, &subject.Email,
		&subject.IdentityVerified, &subject.VerifiedAt,
		&subject.CreatedAt, &subject.UpdatedAt,
	)
	if err == gocql.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get subject %s: %w", subjectID, err)
	}
	return &subject, nil
}

// MarkVerified flips identity_verified to true and stamps the review time.
func (r *SubjectRepository) MarkVerified(ctx context.Context, subjectID string) error {
	bucket := r.bucketing.OwnerBucket(subjectID)
	now := time.Now().UTC()

	err := r.client.Prepared.MarkSubjectVerified.WithContext(ctx).Bind(
		true, now, now,
		bucket, subjectID,
	).Exec()
	if err != nil {
		return fmt.Errorf("failed to mark subject %s verified: %w", subjectID, err)
	}

	r.logger.Info("Subject identity verified",
		zap.String("subject_id", subjectID),
	)
	return nil
}

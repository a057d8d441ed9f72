package mongodb

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/flowerpower-dev/flowerpower/internal/domain"
)

// Wire codes for the status field. Documents store small ints; the string
// form exists only in Go.
const (
	codeQueued   = 1
	codeDeferred = 2
	codeStarted  = 3
	codeFinished = 4
	codeFailed   = 5
	codeCanceled = 6
)

func codeForStatus(s domain.Status) (int, error) {
	switch s {
	case domain.StatusQueued:
		return codeQueued, nil
	case domain.StatusDeferred:
		return codeDeferred, nil
	case domain.StatusStarted:
		return codeStarted, nil
	case domain.StatusFinished:
		return codeFinished, nil
	case domain.StatusFailed:
		return codeFailed, nil
	case domain.StatusCanceled:
		return codeCanceled, nil
	default:
		return 0, fmt.Errorf("%w: status %q", domain.ErrInvalidArgument, s)
	}
}

func statusFromCode(code int) (domain.Status, error) {
	switch code {
	case codeQueued:
		return domain.StatusQueued, nil
	case codeDeferred:
		return domain.StatusDeferred, nil
	case codeStarted:
		return domain.StatusStarted, nil
	case codeFinished:
		return domain.StatusFinished, nil
	case codeFailed:
		return domain.StatusFailed, nil
	case codeCanceled:
		return domain.StatusCanceled, nil
	default:
		return "", fmt.Errorf("%w: status code %d", domain.ErrInvalidArgument, code)
	}
}

// jobDoc is the persisted form of a job. fire_at denormalizes the effective
// fire time (scheduled_at, falling back to enqueued_at) so the claim can
// sort on a single indexed field. BSON datetimes carry millisecond
// precision, which is the resolution every deadline in the system needs.
type jobDoc struct {
	ID              string     `bson:"_id"`
	Seq             int64      `bson:"seq"`
	Queue           string     `bson:"queue"`
	Module          string     `bson:"module"`
	Symbol          string     `bson:"symbol"`
	Payload         []byte     `bson:"payload,omitempty"`
	Status          int        `bson:"status"`
	EnqueuedAt      time.Time  `bson:"enqueued_at"`
	ScheduledAt     *time.Time `bson:"scheduled_at,omitempty"`
	FireAt          time.Time  `bson:"fire_at"`
	StartedAt       *time.Time `bson:"started_at,omitempty"`
	CompletedAt     *time.Time `bson:"completed_at,omitempty"`
	Attempt         int        `bson:"attempt"`
	Repeats         int        `bson:"repeats"`
	RetryMax        int        `bson:"retry_max"`
	RetryDelayMS    int64      `bson:"retry_delay_ms"`
	RepeatMax       int        `bson:"repeat_max"`
	ResultTTLMS     int64      `bson:"result_ttl_ms"`
	JobTTLMS        int64      `bson:"job_ttl_ms"`
	Executor        string     `bson:"executor"`
	Result          []byte     `bson:"result,omitempty"`
	Failure         string     `bson:"failure"`
	WorkerID        string     `bson:"worker_id"`
	LeaseExpiresAt  *time.Time `bson:"lease_expires_at,omitempty"`
	TTLExpiresAt    *time.Time `bson:"ttl_expires_at,omitempty"`
	ResultExpiresAt *time.Time `bson:"result_expires_at,omitempty"`
	PurgeAt         *time.Time `bson:"purge_at,omitempty"`
	ScheduleID      string     `bson:"schedule_id"`
	DedupKey        string     `bson:"dedup_key,omitempty"`
	UpdatedAt       time.Time  `bson:"updated_at"`
}

func docFromJob(job *domain.Job) (*jobDoc, error) {
	code, err := codeForStatus(job.Status)
	if err != nil {
		return nil, err
	}
	payload, err := domain.EncodeArgs(job.Args, job.Kwargs)
	if err != nil {
		return nil, fmt.Errorf("encode payload of job %s: %w", job.ID, err)
	}
	fireAt := job.EnqueuedAt
	if job.ScheduledAt != nil {
		fireAt = *job.ScheduledAt
	}
	return &jobDoc{
		ID:              job.ID,
		Queue:           job.Queue,
		Module:          job.Func.Module,
		Symbol:          job.Func.Symbol,
		Payload:         payload,
		Status:          code,
		EnqueuedAt:      job.EnqueuedAt,
		ScheduledAt:     job.ScheduledAt,
		FireAt:          fireAt,
		StartedAt:       job.StartedAt,
		CompletedAt:     job.CompletedAt,
		Attempt:         job.Attempt,
		Repeats:         job.Repeats,
		RetryMax:        job.Retry.Max,
		RetryDelayMS:    job.Retry.Delay.Milliseconds(),
		RepeatMax:       job.Repeat.Max,
		ResultTTLMS:     job.ResultTTL.Milliseconds(),
		JobTTLMS:        job.JobTTL.Milliseconds(),
		Executor:        string(job.Executor),
		Result:          job.Result,
		Failure:         job.Failure,
		WorkerID:        job.WorkerID,
		LeaseExpiresAt:  job.LeaseExpiresAt,
		TTLExpiresAt:    job.TTLDeadline(),
		ResultExpiresAt: job.ResultDeadline(),
		PurgeAt:         job.PurgeAt,
		ScheduleID:      job.ScheduleID,
		DedupKey:        job.DedupKey,
	}, nil
}

func jobFromDoc(doc *jobDoc) (*domain.Job, error) {
	status, err := statusFromCode(doc.Status)
	if err != nil {
		return nil, err
	}
	args, kwargs, err := domain.DecodeArgs(doc.Payload)
	if err != nil {
		return nil, fmt.Errorf("decode payload of job %s: %w", doc.ID, err)
	}
	return &domain.Job{
		ID:             doc.ID,
		Func:           domain.FunctionRef{Module: doc.Module, Symbol: doc.Symbol},
		Args:           args,
		Kwargs:         kwargs,
		Queue:          doc.Queue,
		Status:         status,
		EnqueuedAt:     doc.EnqueuedAt,
		ScheduledAt:    doc.ScheduledAt,
		StartedAt:      doc.StartedAt,
		CompletedAt:    doc.CompletedAt,
		Attempt:        doc.Attempt,
		Repeats:        doc.Repeats,
		Retry:          domain.RetryPolicy{Max: doc.RetryMax, Delay: time.Duration(doc.RetryDelayMS) * time.Millisecond},
		Repeat:         domain.RepeatPolicy{Max: doc.RepeatMax},
		ResultTTL:      time.Duration(doc.ResultTTLMS) * time.Millisecond,
		JobTTL:         time.Duration(doc.JobTTLMS) * time.Millisecond,
		Executor:       domain.Executor(doc.Executor),
		Result:         doc.Result,
		Failure:        doc.Failure,
		WorkerID:       doc.WorkerID,
		LeaseExpiresAt: doc.LeaseExpiresAt,
		PurgeAt:        doc.PurgeAt,
		ScheduleID:     doc.ScheduleID,
		DedupKey:       doc.DedupKey,
	}, nil
}

func (s *Store) PutJob(ctx context.Context, job *domain.Job, overwrite bool) error {
	if job.ID == "" {
		return fmt.Errorf("%w: job id is empty", domain.ErrInvalidArgument)
	}
	doc, err := docFromJob(job)
	if err != nil {
		return err
	}
	doc.UpdatedAt = time.Now().UTC()

	if !overwrite {
		if doc.Seq, err = s.nextSeq(ctx, "jobs"); err != nil {
			return err
		}
		if _, err := s.jobs.InsertOne(ctx, doc); err != nil {
			if mongo.IsDuplicateKeyError(err) {
				return fmt.Errorf("%w: %s", domain.ErrDuplicateJobID, job.ID)
			}
			return fmt.Errorf("insert job: %w", err)
		}
		return nil
	}

	// A replaced record keeps its queue position.
	var existing struct {
		Seq int64 `bson:"seq"`
	}
	err = s.jobs.FindOne(ctx, bson.M{"_id": job.ID},
		options.FindOne().SetProjection(bson.M{"seq": 1})).Decode(&existing)
	switch {
	case err == nil:
		doc.Seq = existing.Seq
	case errors.Is(err, mongo.ErrNoDocuments):
		if doc.Seq, err = s.nextSeq(ctx, "jobs"); err != nil {
			return err
		}
	default:
		return fmt.Errorf("look up job: %w", err)
	}

	_, err = s.jobs.ReplaceOne(ctx, bson.M{"_id": job.ID}, doc, options.Replace().SetUpsert(true))
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return fmt.Errorf("%w: %s", domain.ErrDuplicateJobID, job.ID)
		}
		return fmt.Errorf("replace job: %w", err)
	}
	return nil
}

func (s *Store) GetJob(ctx context.Context, id string) (*domain.Job, error) {
	var doc jobDoc
	err := s.jobs.FindOne(ctx, bson.M{"_id": id}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, fmt.Errorf("%w: %s", domain.ErrJobNotFound, id)
		}
		return nil, fmt.Errorf("get job: %w", err)
	}
	return jobFromDoc(&doc)
}

func (s *Store) ListJobs(ctx context.Context, queue string) ([]*domain.Job, error) {
	filter := bson.M{}
	if queue != "" {
		filter["queue"] = queue
	}
	opts := options.Find().SetSort(bson.D{{Key: "fire_at", Value: 1}, {Key: "seq", Value: 1}})
	cursor, err := s.jobs.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	return s.drainJobs(ctx, cursor)
}

func (s *Store) drainJobs(ctx context.Context, cursor *mongo.Cursor) ([]*domain.Job, error) {
	defer cursor.Close(ctx)

	var jobs []*domain.Job
	for cursor.Next(ctx) {
		var doc jobDoc
		if err := cursor.Decode(&doc); err != nil {
			return nil, fmt.Errorf("decode job: %w", err)
		}
		job, err := jobFromDoc(&doc)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	if err := cursor.Err(); err != nil {
		return nil, fmt.Errorf("iterate jobs: %w", err)
	}
	return jobs, nil
}

func (s *Store) AcquireNext(ctx context.Context, queue, workerID string, lease time.Duration) (*domain.Job, error) {
	now := time.Now().UTC()

	// A worker re-issuing its claim gets its leased job back.
	heldFilter := bson.M{
		"status":           codeStarted,
		"worker_id":        workerID,
		"lease_expires_at": bson.M{"$gt": now},
	}
	if queue != "" {
		heldFilter["queue"] = queue
	}
	var doc jobDoc
	err := s.jobs.FindOne(ctx, heldFilter).Decode(&doc)
	if err == nil {
		return jobFromDoc(&doc)
	}
	if !errors.Is(err, mongo.ErrNoDocuments) {
		return nil, fmt.Errorf("check held claim: %w", err)
	}

	claimFilter := bson.M{
		"status":  bson.M{"$in": []int{codeQueued, codeDeferred}},
		"fire_at": bson.M{"$lte": now},
		"$or": []bson.M{
			{"ttl_expires_at": nil},
			{"ttl_expires_at": bson.M{"$gte": now}},
		},
	}
	if queue != "" {
		claimFilter["queue"] = queue
	}
	update := bson.M{
		"$set": bson.M{
			"status":           codeStarted,
			"started_at":       now,
			"worker_id":        workerID,
			"lease_expires_at": now.Add(lease),
			"updated_at":       now,
		},
		"$inc": bson.M{"attempt": 1},
	}
	opts := options.FindOneAndUpdate().
		SetSort(bson.D{{Key: "fire_at", Value: 1}, {Key: "seq", Value: 1}}).
		SetReturnDocument(options.After)

	err = s.jobs.FindOneAndUpdate(ctx, claimFilter, update, opts).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, nil
		}
		return nil, fmt.Errorf("claim job: %w", err)
	}
	return jobFromDoc(&doc)
}

func (s *Store) RenewLease(ctx context.Context, id, workerID string, lease time.Duration) error {
	now := time.Now().UTC()
	res, err := s.jobs.UpdateOne(ctx,
		bson.M{"_id": id, "worker_id": workerID, "status": codeStarted},
		bson.M{"$set": bson.M{"lease_expires_at": now.Add(lease), "updated_at": now}})
	if err != nil {
		return fmt.Errorf("renew lease: %w", err)
	}
	if res.MatchedCount == 0 {
		if _, err := s.GetJob(ctx, id); err != nil {
			return err
		}
		return fmt.Errorf("%w: job %s not held by %s", domain.ErrLeaseExpired, id, workerID)
	}
	return nil
}

func (s *Store) CompleteJob(ctx context.Context, id string, result []byte, failure string) error {
	// Result retention lives on the record; read it first. The status
	// filter below keeps the transition itself atomic.
	job, err := s.GetJob(ctx, id)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	set := bson.M{
		"status":       codeFailed,
		"failure":      failure,
		"completed_at": now,
		"updated_at":   now,
	}
	unset := bson.M{"lease_expires_at": ""}
	if failure == "" {
		set["status"] = codeFinished
	}
	if failure == "" && job.ResultTTL > 0 {
		set["result"] = result
		set["result_expires_at"] = now.Add(job.ResultTTL)
	} else {
		unset["result"] = ""
		unset["result_expires_at"] = ""
	}

	res, err := s.jobs.UpdateOne(ctx,
		bson.M{"_id": id, "status": codeStarted},
		bson.M{"$set": set, "$unset": unset})
	if err != nil {
		return fmt.Errorf("complete job: %w", err)
	}
	if res.MatchedCount == 0 {
		if _, err := s.GetJob(ctx, id); err != nil {
			return err
		}
		return fmt.Errorf("%w: complete %s", domain.ErrIllegalTransition, id)
	}
	return nil
}

func (s *Store) RequeueForRetry(ctx context.Context, id string, at time.Time, failure string) error {
	now := time.Now().UTC()
	at = at.UTC()
	res, err := s.jobs.UpdateOne(ctx,
		bson.M{"_id": id, "status": codeStarted},
		bson.M{
			"$set": bson.M{
				"status": codeQueued, "scheduled_at": at, "fire_at": at,
				"failure": failure, "worker_id": "", "updated_at": now,
			},
			"$unset": bson.M{"started_at": "", "lease_expires_at": ""},
		})
	if err != nil {
		return fmt.Errorf("requeue job for retry: %w", err)
	}
	if res.MatchedCount == 0 {
		if _, err := s.GetJob(ctx, id); err != nil {
			return err
		}
		return fmt.Errorf("%w: retry %s", domain.ErrIllegalTransition, id)
	}
	return nil
}

func (s *Store) RequeueForRepeat(ctx context.Context, id string) error {
	now := time.Now().UTC()
	res, err := s.jobs.UpdateOne(ctx,
		bson.M{"_id": id, "status": codeFinished},
		bson.M{
			"$set": bson.M{
				"status": codeQueued, "scheduled_at": now, "fire_at": now,
				"worker_id": "", "updated_at": now,
			},
			"$inc":   bson.M{"repeats": 1},
			"$unset": bson.M{"started_at": "", "completed_at": "", "result": "", "result_expires_at": "", "lease_expires_at": ""},
		})
	if err != nil {
		return fmt.Errorf("requeue job for repeat: %w", err)
	}
	if res.MatchedCount == 0 {
		if _, err := s.GetJob(ctx, id); err != nil {
			return err
		}
		return fmt.Errorf("%w: repeat %s", domain.ErrIllegalTransition, id)
	}
	return nil
}

func (s *Store) CancelJob(ctx context.Context, id string) error {
	now := time.Now().UTC()
	res, err := s.jobs.UpdateOne(ctx,
		bson.M{"_id": id, "status": bson.M{"$in": []int{codeQueued, codeDeferred}}},
		bson.M{
			"$set":   bson.M{"status": codeCanceled, "completed_at": now, "updated_at": now},
			"$unset": bson.M{"lease_expires_at": ""},
		})
	if err != nil {
		return fmt.Errorf("cancel job: %w", err)
	}
	if res.MatchedCount == 0 {
		if _, err := s.GetJob(ctx, id); err != nil {
			return err
		}
		return fmt.Errorf("%w: cancel %s", domain.ErrIllegalTransition, id)
	}
	return nil
}

func (s *Store) DeleteJob(ctx context.Context, id string, ttl time.Duration) error {
	now := time.Now().UTC()
	if ttl <= 0 {
		res, err := s.jobs.DeleteOne(ctx, bson.M{"_id": id})
		if err != nil {
			return fmt.Errorf("delete job: %w", err)
		}
		if res.DeletedCount == 0 {
			return fmt.Errorf("%w: %s", domain.ErrJobNotFound, id)
		}
		return nil
	}

	// The record stays readable until the deadline but must not run. Cancel
	// it first when it still could, then stamp the purge deadline.
	_, err := s.jobs.UpdateOne(ctx,
		bson.M{"_id": id, "status": bson.M{"$in": []int{codeQueued, codeDeferred}}},
		bson.M{
			"$set":   bson.M{"status": codeCanceled, "completed_at": now},
			"$unset": bson.M{"lease_expires_at": ""},
		})
	if err != nil {
		return fmt.Errorf("cancel job before purge: %w", err)
	}

	res, err := s.jobs.UpdateOne(ctx,
		bson.M{"_id": id},
		bson.M{"$set": bson.M{"purge_at": now.Add(ttl), "updated_at": now}})
	if err != nil {
		return fmt.Errorf("mark job for deferred purge: %w", err)
	}
	if res.MatchedCount == 0 {
		return fmt.Errorf("%w: %s", domain.ErrJobNotFound, id)
	}
	return nil
}

func (s *Store) JobsByScheduleID(ctx context.Context, scheduleID string) ([]*domain.Job, error) {
	opts := options.Find().SetSort(bson.D{{Key: "fire_at", Value: 1}, {Key: "seq", Value: 1}})
	cursor, err := s.jobs.Find(ctx, bson.M{"schedule_id": scheduleID}, opts)
	if err != nil {
		return nil, fmt.Errorf("list jobs of schedule: %w", err)
	}
	return s.drainJobs(ctx, cursor)
}

func (s *Store) RunningJobCountBySchedule(ctx context.Context, scheduleID string) (int, error) {
	count, err := s.jobs.CountDocuments(ctx, bson.M{
		"schedule_id": scheduleID,
		"status":      bson.M{"$in": []int{codeQueued, codeDeferred, codeStarted}},
	})
	if err != nil {
		return 0, fmt.Errorf("count running jobs of schedule: %w", err)
	}
	return int(count), nil
}

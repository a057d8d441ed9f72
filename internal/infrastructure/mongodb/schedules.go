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
	"github.com/flowerpower-dev/flowerpower/internal/trigger"
)

const (
	codeCoalesceLatest   = 1
	codeCoalesceEarliest = 2
	codeCoalesceAll      = 3
)

func codeForCoalesce(c domain.Coalesce) (int, error) {
	switch c {
	case domain.CoalesceLatest:
		return codeCoalesceLatest, nil
	case domain.CoalesceEarliest:
		return codeCoalesceEarliest, nil
	case domain.CoalesceAll:
		return codeCoalesceAll, nil
	default:
		return 0, fmt.Errorf("%w: coalesce %q", domain.ErrInvalidArgument, c)
	}
}

func coalesceFromCode(code int) (domain.Coalesce, error) {
	switch code {
	case codeCoalesceLatest:
		return domain.CoalesceLatest, nil
	case codeCoalesceEarliest:
		return domain.CoalesceEarliest, nil
	case codeCoalesceAll:
		return domain.CoalesceAll, nil
	default:
		return "", fmt.Errorf("%w: coalesce code %d", domain.ErrInvalidArgument, code)
	}
}

type scheduleDoc struct {
	ID             string     `bson:"_id"`
	Queue          string     `bson:"queue"`
	Module         string     `bson:"module"`
	Symbol         string     `bson:"symbol"`
	Payload        []byte     `bson:"payload,omitempty"`
	TriggerKind    int        `bson:"trigger_kind"`
	TriggerPayload []byte     `bson:"trigger_payload"`
	NextFireAt     *time.Time `bson:"next_fire_at"`
	LastFireAt     *time.Time `bson:"last_fire_at"`
	MisfireGraceMS int64      `bson:"misfire_grace_ms"`
	MaxJitterMS    int64      `bson:"max_jitter_ms"`
	Coalesce       int        `bson:"coalesce"`
	MaxRunningJobs int        `bson:"max_running_jobs"`
	Paused         bool       `bson:"paused"`
	ResultTTLMS    int64      `bson:"result_ttl_ms"`
	Executor       string     `bson:"executor"`
	CreatedAt      time.Time  `bson:"created_at"`
	UpdatedAt      time.Time  `bson:"updated_at"`
}

func docFromSchedule(schedule *domain.Schedule) (*scheduleDoc, error) {
	coalesce, err := codeForCoalesce(schedule.Coalesce)
	if err != nil {
		return nil, err
	}
	triggerKind, err := trigger.KindCode(schedule.Trigger)
	if err != nil {
		return nil, err
	}
	triggerBody, err := trigger.EncodeBody(schedule.Trigger)
	if err != nil {
		return nil, err
	}
	payload, err := domain.EncodeArgs(schedule.Args, schedule.Kwargs)
	if err != nil {
		return nil, fmt.Errorf("encode payload of schedule %s: %w", schedule.ID, err)
	}
	return &scheduleDoc{
		ID:             schedule.ID,
		Queue:          schedule.Queue,
		Module:         schedule.Func.Module,
		Symbol:         schedule.Func.Symbol,
		Payload:        payload,
		TriggerKind:    triggerKind,
		TriggerPayload: triggerBody,
		NextFireAt:     schedule.NextFireAt,
		LastFireAt:     schedule.LastFireAt,
		MisfireGraceMS: schedule.MisfireGrace.Milliseconds(),
		MaxJitterMS:    schedule.MaxJitter.Milliseconds(),
		Coalesce:       coalesce,
		MaxRunningJobs: schedule.MaxRunningJobs,
		Paused:         schedule.Paused,
		ResultTTLMS:    schedule.ResultTTL.Milliseconds(),
		Executor:       string(schedule.Executor),
	}, nil
}

func scheduleFromDoc(doc *scheduleDoc) (*domain.Schedule, error) {
	coalesce, err := coalesceFromCode(doc.Coalesce)
	if err != nil {
		return nil, err
	}
	trig, err := trigger.DecodeBody(doc.TriggerKind, doc.TriggerPayload)
	if err != nil {
		return nil, fmt.Errorf("decode trigger of schedule %s: %w", doc.ID, err)
	}
	args, kwargs, err := domain.DecodeArgs(doc.Payload)
	if err != nil {
		return nil, fmt.Errorf("decode payload of schedule %s: %w", doc.ID, err)
	}
	return &domain.Schedule{
		ID:             doc.ID,
		Func:           domain.FunctionRef{Module: doc.Module, Symbol: doc.Symbol},
		Args:           args,
		Kwargs:         kwargs,
		Queue:          doc.Queue,
		Trigger:        trig,
		NextFireAt:     doc.NextFireAt,
		LastFireAt:     doc.LastFireAt,
		MisfireGrace:   time.Duration(doc.MisfireGraceMS) * time.Millisecond,
		MaxJitter:      time.Duration(doc.MaxJitterMS) * time.Millisecond,
		Coalesce:       coalesce,
		MaxRunningJobs: doc.MaxRunningJobs,
		Paused:         doc.Paused,
		ResultTTL:      time.Duration(doc.ResultTTLMS) * time.Millisecond,
		Executor:       domain.Executor(doc.Executor),
		CreatedAt:      doc.CreatedAt,
		UpdatedAt:      doc.UpdatedAt,
	}, nil
}

func (s *Store) PutSchedule(ctx context.Context, schedule *domain.Schedule, conflict domain.ConflictPolicy) error {
	if schedule.ID == "" {
		return fmt.Errorf("%w: schedule id is empty", domain.ErrInvalidArgument)
	}
	doc, err := docFromSchedule(schedule)
	if err != nil {
		return err
	}
	now := time.Now().UTC()

	if conflict == domain.ConflictDoNothing {
		doc.CreatedAt, doc.UpdatedAt = now, now
		if _, err := s.schedules.InsertOne(ctx, doc); err != nil {
			if mongo.IsDuplicateKeyError(err) {
				return fmt.Errorf("%w: %s", domain.ErrDuplicateScheduleID, schedule.ID)
			}
			return fmt.Errorf("insert schedule: %w", err)
		}
		return nil
	}

	set := bson.M{
		"queue": doc.Queue, "module": doc.Module, "symbol": doc.Symbol,
		"payload": doc.Payload, "trigger_kind": doc.TriggerKind,
		"trigger_payload": doc.TriggerPayload,
		"next_fire_at":    doc.NextFireAt, "last_fire_at": doc.LastFireAt,
		"misfire_grace_ms": doc.MisfireGraceMS, "max_jitter_ms": doc.MaxJitterMS,
		"coalesce": doc.Coalesce, "max_running_jobs": doc.MaxRunningJobs,
		"paused": doc.Paused, "result_ttl_ms": doc.ResultTTLMS,
		"executor": doc.Executor, "updated_at": now,
	}
	setOnInsert := bson.M{"created_at": now}

	switch conflict {
	case domain.ConflictReplace:
	case domain.ConflictUpdate:
		// Fire bookkeeping survives an update; everything else is replaced.
		delete(set, "next_fire_at")
		delete(set, "last_fire_at")
		setOnInsert["next_fire_at"] = doc.NextFireAt
		setOnInsert["last_fire_at"] = doc.LastFireAt
	default:
		return fmt.Errorf("%w: conflict policy %q", domain.ErrInvalidArgument, conflict)
	}

	_, err = s.schedules.UpdateOne(ctx,
		bson.M{"_id": schedule.ID},
		bson.M{"$set": set, "$setOnInsert": setOnInsert},
		options.Update().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("upsert schedule: %w", err)
	}
	return nil
}

func (s *Store) GetSchedule(ctx context.Context, id string) (*domain.Schedule, error) {
	var doc scheduleDoc
	err := s.schedules.FindOne(ctx, bson.M{"_id": id}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, fmt.Errorf("%w: %s", domain.ErrScheduleNotFound, id)
		}
		return nil, fmt.Errorf("get schedule: %w", err)
	}
	return scheduleFromDoc(&doc)
}

func (s *Store) ListSchedules(ctx context.Context, queue string) ([]*domain.Schedule, error) {
	filter := bson.M{}
	if queue != "" {
		filter["queue"] = queue
	}
	opts := options.Find().SetSort(bson.D{{Key: "_id", Value: 1}})
	cursor, err := s.schedules.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("list schedules: %w", err)
	}
	return s.drainSchedules(ctx, cursor)
}

func (s *Store) drainSchedules(ctx context.Context, cursor *mongo.Cursor) ([]*domain.Schedule, error) {
	defer cursor.Close(ctx)

	var schedules []*domain.Schedule
	for cursor.Next(ctx) {
		var doc scheduleDoc
		if err := cursor.Decode(&doc); err != nil {
			return nil, fmt.Errorf("decode schedule: %w", err)
		}
		schedule, err := scheduleFromDoc(&doc)
		if err != nil {
			return nil, err
		}
		schedules = append(schedules, schedule)
	}
	if err := cursor.Err(); err != nil {
		return nil, fmt.Errorf("iterate schedules: %w", err)
	}
	return schedules, nil
}

func (s *Store) DeleteSchedule(ctx context.Context, id string) error {
	res, err := s.schedules.DeleteOne(ctx, bson.M{"_id": id})
	if err != nil {
		return fmt.Errorf("delete schedule: %w", err)
	}
	if res.DeletedCount == 0 {
		return fmt.Errorf("%w: %s", domain.ErrScheduleNotFound, id)
	}
	return nil
}

func (s *Store) SetSchedulePaused(ctx context.Context, id string, paused bool) error {
	res, err := s.schedules.UpdateOne(ctx,
		bson.M{"_id": id},
		bson.M{"$set": bson.M{"paused": paused, "updated_at": time.Now().UTC()}})
	if err != nil {
		return fmt.Errorf("set schedule paused: %w", err)
	}
	if res.MatchedCount == 0 {
		return fmt.Errorf("%w: %s", domain.ErrScheduleNotFound, id)
	}
	return nil
}

func (s *Store) DueSchedules(ctx context.Context, now time.Time, limit int) ([]*domain.Schedule, error) {
	filter := bson.M{
		"paused":       false,
		"next_fire_at": bson.M{"$lte": now.UTC()},
	}
	opts := options.Find().SetSort(bson.D{{Key: "next_fire_at", Value: 1}})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}
	cursor, err := s.schedules.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("list due schedules: %w", err)
	}
	return s.drainSchedules(ctx, cursor)
}

func (s *Store) AdvanceSchedule(ctx context.Context, id string, next *time.Time, last time.Time) error {
	res, err := s.schedules.UpdateOne(ctx,
		bson.M{"_id": id},
		bson.M{"$set": bson.M{
			"next_fire_at": next,
			"last_fire_at": last.UTC(),
			"updated_at":   time.Now().UTC(),
		}})
	if err != nil {
		return fmt.Errorf("advance schedule: %w", err)
	}
	if res.MatchedCount == 0 {
		return fmt.Errorf("%w: %s", domain.ErrScheduleNotFound, id)
	}
	return nil
}

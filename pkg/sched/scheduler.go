// Package sched schedules recurring poll tasks, one per plate. The
// plate string is the task's idempotency key: scheduling an already
// scheduled plate is a no-op. A cron loop turns the schedule set into
// stream messages on a fixed cadence, and a consumer-group worker pool
// executes them with bounded retries and exponential backoff.
package sched

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"platewatch/internal/util"
)

// Handler executes one poll task. A returned error counts as a task
// execution failure and is retried; business outcomes like "not found
// yet" must be absorbed by the handler and returned as nil.
type Handler func(ctx context.Context, plate string) error

// Config holds scheduler tuning.
type Config struct {
	Addr     string
	Password string
	Stream   string
	Group    string
	Consumer string
	// Cron is the cadence expression, "* */N * * * * *" firing every
	// N minutes.
	Cron       string
	MaxRetries int
	Block      time.Duration
	ClaimIdle  time.Duration
	MaxLen     int64
	ReadCount  int64
	// Backoff overrides the retry delay; defaults to 2^attempt seconds.
	Backoff func(attempt int) time.Duration
}

// PlateScheduler drives per-plate poll tasks over Redis.
type PlateScheduler struct {
	client       *redis.Client
	stream       string
	group        string
	consumerBase string
	scheduleSet  string
	every        time.Duration
	maxRetries   int
	block        time.Duration
	claimIdle    time.Duration
	maxLen       int64
	readCount    int64
	backoff      func(attempt int) time.Duration
	once         sync.Once
}

// CronExpression renders the cadence expression for an every-N-minutes
// schedule.
func CronExpression(minutes int) string {
	return fmt.Sprintf("* */%d * * * * *", minutes)
}

// ParseCron extracts the cadence from a "* */N * * * * *" expression.
func ParseCron(expr string) (time.Duration, error) {
	fields := strings.Fields(strings.TrimSpace(expr))
	if len(fields) != 7 {
		return 0, fmt.Errorf("cron expression %q: want 7 fields, got %d", expr, len(fields))
	}
	var minutes int
	if _, err := fmt.Sscanf(fields[1], "*/%d", &minutes); err != nil {
		return 0, fmt.Errorf("cron expression %q: minute field %q is not of the form */N", expr, fields[1])
	}
	if minutes <= 0 {
		return 0, fmt.Errorf("cron expression %q: interval must be positive", expr)
	}
	return time.Duration(minutes) * time.Minute, nil
}

// DefaultBackoff doubles per attempt: 2^attempt seconds.
func DefaultBackoff(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	if attempt > 10 {
		attempt = 10
	}
	return time.Duration(1<<uint(attempt)) * time.Second
}

// New constructs a PlateScheduler.
func New(cfg Config) (*PlateScheduler, error) {
	addr := strings.TrimSpace(cfg.Addr)
	if addr == "" {
		return nil, errors.New("redis addr required")
	}
	every, err := ParseCron(cfg.Cron)
	if err != nil {
		return nil, err
	}
	stream := strings.TrimSpace(cfg.Stream)
	if stream == "" {
		stream = "platewatch:tasks"
	}
	group := strings.TrimSpace(cfg.Group)
	if group == "" {
		group = "pollers"
	}
	consumer := strings.TrimSpace(cfg.Consumer)
	if consumer == "" {
		consumer = util.NewID()
	}
	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 1
	}
	block := cfg.Block
	if block <= 0 {
		block = 5 * time.Second
	}
	claimIdle := cfg.ClaimIdle
	if claimIdle <= 0 {
		claimIdle = 30 * time.Second
	}
	maxLen := cfg.MaxLen
	if maxLen <= 0 {
		maxLen = 10000
	}
	readCount := cfg.ReadCount
	if readCount <= 0 {
		readCount = 10
	}
	backoff := cfg.Backoff
	if backoff == nil {
		backoff = DefaultBackoff
	}
	return &PlateScheduler{
		client:       redis.NewClient(&redis.Options{Addr: addr, Password: cfg.Password}),
		stream:       stream,
		group:        group,
		consumerBase: consumer,
		scheduleSet:  stream + ":scheduled",
		every:        every,
		maxRetries:   maxRetries,
		block:        block,
		claimIdle:    claimIdle,
		maxLen:       maxLen,
		readCount:    readCount,
		backoff:      backoff,
	}, nil
}

// Interval returns the cadence parsed from the cron expression.
func (s *PlateScheduler) Interval() time.Duration {
	return s.every
}

// Schedule registers a plate for polling. Returns false when the plate
// was already scheduled.
func (s *PlateScheduler) Schedule(ctx context.Context, plate string) (bool, error) {
	added, err := s.client.SAdd(ctx, s.scheduleSet, plate).Result()
	if err != nil {
		return false, err
	}
	return added == 1, nil
}

// Remove deprovisions a plate's poll task and clears its retry state.
func (s *PlateScheduler) Remove(ctx context.Context, plate string) error {
	pipe := s.client.TxPipeline()
	pipe.SRem(ctx, s.scheduleSet, plate)
	pipe.Del(ctx, s.attemptsKey(plate))
	_, err := pipe.Exec(ctx)
	return err
}

// RemoveAll deprovisions several plates at once.
func (s *PlateScheduler) RemoveAll(ctx context.Context, plates []string) error {
	for _, plate := range plates {
		if err := s.Remove(ctx, plate); err != nil {
			return err
		}
	}
	return nil
}

// Scheduled returns the currently scheduled plates, sorted.
func (s *PlateScheduler) Scheduled(ctx context.Context) ([]string, error) {
	plates, err := s.client.SMembers(ctx, s.scheduleSet).Result()
	if err != nil {
		return nil, err
	}
	sort.Strings(plates)
	return plates, nil
}

// Start launches the cron loop and the worker pool. Both stop when ctx
// is canceled.
func (s *PlateScheduler) Start(ctx context.Context, concurrency int, handler Handler) {
	if concurrency <= 0 {
		concurrency = 1
	}
	s.ensureGroup(ctx)
	go s.cronLoop(ctx)
	for i := 0; i < concurrency; i++ {
		consumer := fmt.Sprintf("%s-%d", s.consumerBase, i)
		go s.consumeLoop(ctx, consumer, handler)
	}
}

func (s *PlateScheduler) ensureGroup(ctx context.Context) {
	s.once.Do(func() {
		err := s.client.XGroupCreateMkStream(ctx, s.stream, s.group, "$").Err()
		if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
			slog.Warn("sched: create consumer group", "err", err)
		}
	})
}

func (s *PlateScheduler) cronLoop(ctx context.Context) {
	ticker := time.NewTicker(s.every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.enqueueDue(ctx); err != nil {
				slog.Error("sched: enqueue due plates", "err", err)
			}
		}
	}
}

// enqueueDue emits one task message per scheduled plate.
func (s *PlateScheduler) enqueueDue(ctx context.Context) error {
	plates, err := s.client.SMembers(ctx, s.scheduleSet).Result()
	if err != nil {
		return err
	}
	for _, plate := range plates {
		if err := s.client.XAdd(ctx, &redis.XAddArgs{
			Stream: s.stream,
			MaxLen: s.maxLen,
			Approx: true,
			Values: map[string]any{"plate": plate},
		}).Err(); err != nil {
			return err
		}
	}
	return nil
}

func (s *PlateScheduler) consumeLoop(ctx context.Context, consumer string, handler Handler) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if msgs, err := s.claimPending(ctx, consumer); err == nil {
			for _, msg := range msgs {
				s.handleMessage(ctx, msg, handler)
			}
		}

		streams, err := s.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    s.group,
			Consumer: consumer,
			Streams:  []string{s.stream, ">"},
			Count:    s.readCount,
			Block:    s.block,
		}).Result()
		if err != nil {
			continue
		}
		for _, stream := range streams {
			for _, msg := range stream.Messages {
				s.handleMessage(ctx, msg, handler)
			}
		}
	}
}

func (s *PlateScheduler) claimPending(ctx context.Context, consumer string) ([]redis.XMessage, error) {
	res, _, err := s.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   s.stream,
		Group:    s.group,
		Consumer: consumer,
		MinIdle:  s.claimIdle,
		Start:    "0-0",
		Count:    s.readCount,
	}).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return res, nil
}

func (s *PlateScheduler) handleMessage(ctx context.Context, msg redis.XMessage, handler Handler) {
	plate, _ := msg.Values["plate"].(string)
	if plate == "" {
		s.ackAndDel(ctx, msg.ID)
		return
	}
	err := handler(ctx, plate)
	if err == nil {
		s.ackAndDel(ctx, msg.ID)
		_ = s.client.Del(ctx, s.attemptsKey(plate)).Err()
		return
	}
	attempt, incrErr := s.client.Incr(ctx, s.attemptsKey(plate)).Result()
	if incrErr != nil {
		slog.Error("sched: track attempt", "plate", plate, "err", incrErr)
		s.ackAndDel(ctx, msg.ID)
		return
	}
	if int(attempt) > s.maxRetries {
		slog.Error("sched: giving up on task until next cycle",
			"plate", plate, "attempts", attempt, "err", err)
		s.ackAndDel(ctx, msg.ID)
		_ = s.client.Del(ctx, s.attemptsKey(plate)).Err()
		return
	}
	slog.Warn("sched: task failed, retrying",
		"plate", plate, "attempt", attempt, "err", err)
	select {
	case <-ctx.Done():
		return
	case <-time.After(s.backoff(int(attempt))):
	}
	if err := s.requeueAndAck(ctx, msg.ID, plate); err != nil {
		slog.Error("sched: requeue task", "plate", plate, "err", err)
	}
}

func (s *PlateScheduler) ackAndDel(ctx context.Context, msgID string) {
	_, _ = s.client.XAck(ctx, s.stream, s.group, msgID).Result()
	_, _ = s.client.XDel(ctx, s.stream, msgID).Result()
}

func (s *PlateScheduler) requeueAndAck(ctx context.Context, msgID, plate string) error {
	pipe := s.client.TxPipeline()
	pipe.XAdd(ctx, &redis.XAddArgs{
		Stream: s.stream,
		MaxLen: s.maxLen,
		Approx: true,
		Values: map[string]any{"plate": plate},
	})
	pipe.XAck(ctx, s.stream, s.group, msgID)
	pipe.XDel(ctx, s.stream, msgID)
	_, err := pipe.Exec(ctx)
	return err
}

func (s *PlateScheduler) attemptsKey(plate string) string {
	return fmt.Sprintf("%s:attempts:%s", s.stream, plate)
}

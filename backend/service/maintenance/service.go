package maintenance

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"iinaplus/bridge/backend/store"
)

type JobType string

const (
	JobTypeCleanup JobType = "cleanup"
	JobTypeVacuum  JobType = "vacuum"
)

var (
	ErrNotStarted = errors.New("maintenance service not started")
	ErrQueueFull  = errors.New("maintenance queue is full")
)

type JobStatus struct {
	ID            string              `json:"id"`
	Type          JobType             `json:"type"`
	Source        string              `json:"source"`
	RetentionDays int                 `json:"retentionDays"`
	WithVacuum    bool                `json:"withVacuum"`
	Status        string              `json:"status"`
	Message       string              `json:"message"`
	QueuedAt      time.Time           `json:"queuedAt"`
	StartedAt     *time.Time          `json:"startedAt,omitempty"`
	FinishedAt    *time.Time          `json:"finishedAt,omitempty"`
	DurationMS    int64               `json:"durationMs"`
	Cleanup       *store.CleanupStats `json:"cleanup,omitempty"`
}

type Status struct {
	Running       bool           `json:"running"`
	QueueLength   int            `json:"queueLength"`
	Current       *JobStatus     `json:"current,omitempty"`
	History       []JobStatus    `json:"history"`
	LastCleanupAt *time.Time     `json:"lastCleanupAt,omitempty"`
	DB            *store.DBStats `json:"db,omitempty"`
}

// Store is the part of the database the jobs touch.
type Store interface {
	CleanupOldDataBefore(ctx context.Context, cutoff time.Time, batchSize int) (store.CleanupStats, error)
	Vacuum(ctx context.Context) error
	DBStats(ctx context.Context) (store.DBStats, error)
}

// LogRotator reopens the debug log file when the day changes.
type LogRotator interface {
	Rotate() error
}

type Options struct {
	// RetentionDays is read on every automatic run so config reloads apply.
	RetentionDays func() int
	Rotator       LogRotator
	Interval      time.Duration
}

type queueRequest struct {
	id            string
	jobType       JobType
	source        string
	retentionDays int
	withVacuum    bool
	queuedAt      time.Time
}

// Service prunes the upstream error log on a schedule and runs manual cleanup and
// vacuum jobs one at a time.
type Service struct {
	store         Store
	rotator       LogRotator
	retentionDays func() int
	interval      time.Duration
	maxHistory    int
	queue         chan queueRequest
	now           func() time.Time

	mu          sync.RWMutex
	cancel      context.CancelFunc
	done        sync.WaitGroup
	current     *JobStatus
	history     []JobStatus
	lastCleanup time.Time
	seq         uint64
}

func New(storeDB Store, opts Options) *Service {
	interval := opts.Interval
	if interval <= 0 {
		interval = 30 * time.Minute
	}
	retention := opts.RetentionDays
	if retention == nil {
		retention = func() int { return 7 }
	}
	return &Service{
		store:         storeDB,
		rotator:       opts.Rotator,
		retentionDays: retention,
		interval:      interval,
		maxHistory:    40,
		queue:         make(chan queueRequest, 16),
		now:           time.Now,
		history:       make([]JobStatus, 0, 40),
	}
}

func (s *Service) Start() {
	s.mu.Lock()
	if s.cancel != nil {
		s.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.mu.Unlock()

	s.done.Add(2)
	go func() {
		defer s.done.Done()
		s.workerLoop(ctx)
	}()
	go func() {
		defer s.done.Done()
		s.autoLoop(ctx)
	}()
}

// Stop cancels the running job and waits for both loops to exit.
func (s *Service) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	s.done.Wait()
}

func (s *Service) QueueCleanup(days int, withVacuum bool, source string) (string, error) {
	if days <= 0 {
		days = s.retentionDays()
	}
	if days > 3650 {
		days = 3650
	}
	id := s.nextJobID(JobTypeCleanup)
	return id, s.enqueue(queueRequest{
		id:            id,
		jobType:       JobTypeCleanup,
		source:        normalizedSource(source),
		retentionDays: days,
		withVacuum:    withVacuum,
		queuedAt:      s.now(),
	})
}

func (s *Service) QueueVacuum(source string) (string, error) {
	id := s.nextJobID(JobTypeVacuum)
	return id, s.enqueue(queueRequest{
		id:       id,
		jobType:  JobTypeVacuum,
		source:   normalizedSource(source),
		queuedAt: s.now(),
	})
}

func (s *Service) Status(ctx context.Context) (*Status, error) {
	s.mu.RLock()
	status := &Status{
		Running:     s.cancel != nil,
		QueueLength: len(s.queue),
		History:     append([]JobStatus(nil), s.history...),
	}
	if s.current != nil {
		copied := *s.current
		status.Current = &copied
	}
	if !s.lastCleanup.IsZero() {
		last := s.lastCleanup
		status.LastCleanupAt = &last
	}
	s.mu.RUnlock()

	db, err := s.store.DBStats(ctx)
	if err != nil {
		return nil, err
	}
	status.DB = &db
	return status, nil
}

func (s *Service) enqueue(req queueRequest) error {
	s.mu.RLock()
	running := s.cancel != nil
	s.mu.RUnlock()
	if !running {
		return ErrNotStarted
	}
	select {
	case s.queue <- req:
		return nil
	default:
		return ErrQueueFull
	}
}

func (s *Service) workerLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case req := <-s.queue:
			s.runJob(ctx, req)
		}
	}
}

func (s *Service) autoLoop(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick()
		}
	}
}

func (s *Service) tick() {
	if s.rotator != nil {
		if err := s.rotator.Rotate(); err != nil {
			log.Printf("[maintenance][warn] rotate log failed: %v", err)
		}
	}
	s.mu.RLock()
	last := s.lastCleanup
	busy := s.current != nil
	s.mu.RUnlock()
	if busy || (!last.IsZero() && s.now().Sub(last) < 24*time.Hour) {
		return
	}
	if _, err := s.QueueCleanup(0, false, "auto"); err != nil && !errors.Is(err, ErrNotStarted) {
		log.Printf("[maintenance][warn] queue auto cleanup failed: %v", err)
	}
}

func (s *Service) runJob(parent context.Context, req queueRequest) {
	started := s.now()
	job := JobStatus{
		ID:            req.id,
		Type:          req.jobType,
		Source:        req.source,
		RetentionDays: req.retentionDays,
		WithVacuum:    req.withVacuum,
		Status:        "running",
		Message:       "running",
		QueuedAt:      req.queuedAt,
		StartedAt:     &started,
	}
	s.setCurrent(job)
	ctx, cancel := context.WithTimeout(parent, 30*time.Minute)
	defer cancel()

	var runErr error
	switch req.jobType {
	case JobTypeCleanup:
		var cleanup store.CleanupStats
		cleanup, runErr = s.runCleanup(ctx, req)
		job.Cleanup = &cleanup
	case JobTypeVacuum:
		runErr = s.store.Vacuum(ctx)
	default:
		runErr = errors.New("unsupported maintenance job type")
	}

	finished := s.now()
	job.FinishedAt = &finished
	job.DurationMS = finished.Sub(started).Milliseconds()
	switch {
	case runErr == nil:
		job.Status = "succeeded"
		job.Message = "ok"
		log.Printf("[maintenance] job=%s type=%s succeeded duration=%dms", job.ID, job.Type, job.DurationMS)
	case errors.Is(runErr, context.Canceled) || errors.Is(runErr, context.DeadlineExceeded):
		job.Status = "cancelled"
		job.Message = runErr.Error()
		log.Printf("[maintenance][warn] job=%s type=%s cancelled: %v", job.ID, job.Type, runErr)
	default:
		job.Status = "failed"
		job.Message = runErr.Error()
		log.Printf("[maintenance][error] job=%s type=%s failed: %v", job.ID, job.Type, runErr)
	}
	s.finishJob(job)
}

func (s *Service) runCleanup(ctx context.Context, req queueRequest) (store.CleanupStats, error) {
	cutoff := s.now().Add(-time.Duration(req.retentionDays) * 24 * time.Hour)
	cleanup, err := s.store.CleanupOldDataBefore(ctx, cutoff, 600)
	if err != nil {
		return cleanup, err
	}
	s.mu.Lock()
	s.lastCleanup = s.now()
	s.mu.Unlock()
	if req.withVacuum {
		if err := s.store.Vacuum(ctx); err != nil {
			return cleanup, fmt.Errorf("cleanup succeeded but vacuum failed: %w", err)
		}
	}
	return cleanup, nil
}

func (s *Service) setCurrent(job JobStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.current = &job
}

func (s *Service) finishJob(job JobStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.current = nil
	s.history = append([]JobStatus{job}, s.history...)
	if len(s.history) > s.maxHistory {
		s.history = s.history[:s.maxHistory]
	}
}

func (s *Service) nextJobID(jobType JobType) string {
	seq := atomic.AddUint64(&s.seq, 1)
	return fmt.Sprintf("%s-%d-%d", jobType, s.now().UnixMilli(), seq)
}

func normalizedSource(source string) string {
	source = strings.TrimSpace(source)
	if source == "" {
		return "manual"
	}
	return source
}

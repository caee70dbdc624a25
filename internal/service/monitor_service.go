package service

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/stemsi/exstem-integrity/internal/model"
	"github.com/stemsi/exstem-integrity/internal/transport"
)

// MonitorStore aggregates per-session progress for proctors.
type MonitorStore interface {
	GetAnsweredCounts(ctx context.Context, assessmentID uuid.UUID) (map[uuid.UUID]int64, error)
	GetViolationCounts(ctx context.Context, assessmentID uuid.UUID) (map[uuid.UUID]int64, error)
}

// LiveSessionLister lists open session rows.
type LiveSessionLister interface {
	ListLive(ctx context.Context, assessmentID uuid.UUID) ([]model.ExamSession, error)
}

// MonitorService orchestrates live assessment monitoring.
type MonitorService struct {
	store     MonitorStore
	sessions  LiveSessionLister
	heartbeat *transport.Heartbeat
	log       zerolog.Logger
}

// NewMonitorService creates a new MonitorService. heartbeat may be nil.
func NewMonitorService(store MonitorStore, sessions LiveSessionLister, heartbeat *transport.Heartbeat, log zerolog.Logger) *MonitorService {
	return &MonitorService{
		store:     store,
		sessions:  sessions,
		heartbeat: heartbeat,
		log:       log.With().Str("component", "monitor_service").Logger(),
	}
}

// SessionProgress is one open session as a proctor sees it.
type SessionProgress struct {
	SessionID     uuid.UUID          `json:"session_id"`
	UserID        string             `json:"user_id"`
	AttemptNumber int                `json:"attempt_number"`
	State         model.SessionState `json:"state"`
	StartedAt     *time.Time         `json:"started_at,omitempty"`
	Answered      int64              `json:"answered_count"`
	Violations    int64              `json:"violation_count"`
	Connected     bool               `json:"connected"`
}

// ProgressSnapshot holds every open session of an assessment.
type ProgressSnapshot struct {
	Sessions        []SessionProgress `json:"sessions"`
	TotalViolations int64             `json:"total_violations"`
	Connected       int               `json:"connected"`
}

// GetProgress gathers sessions, answer counts, violation counts and
// heartbeats concurrently. Only the session list is required; the rest is
// best-effort.
func (s *MonitorService) GetProgress(ctx context.Context, assessmentID uuid.UUID) (*ProgressSnapshot, error) {
	var (
		sessions        []model.ExamSession
		answeredCounts  map[uuid.UUID]int64
		violationCounts map[uuid.UUID]int64
		live            []uuid.UUID
		sessionsErr     error
		answeredErr     error
		violationErr    error
		liveErr         error
		wg              sync.WaitGroup
	)

	wg.Add(3)
	go func() {
		defer wg.Done()
		sessions, sessionsErr = s.sessions.ListLive(ctx, assessmentID)
	}()
	go func() {
		defer wg.Done()
		answeredCounts, answeredErr = s.store.GetAnsweredCounts(ctx, assessmentID)
	}()
	go func() {
		defer wg.Done()
		violationCounts, violationErr = s.store.GetViolationCounts(ctx, assessmentID)
	}()
	if s.heartbeat != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			live, liveErr = s.heartbeat.Live(ctx, assessmentID)
		}()
	}
	wg.Wait()

	if sessionsErr != nil {
		return nil, sessionsErr
	}
	for _, err := range []error{answeredErr, violationErr, liveErr} {
		if err != nil {
			s.log.Warn().Err(err).Str("assessment_id", assessmentID.String()).Msg("Partial monitor snapshot")
		}
	}

	connected := make(map[uuid.UUID]bool, len(live))
	for _, id := range live {
		connected[id] = true
	}

	snap := &ProgressSnapshot{Sessions: make([]SessionProgress, 0, len(sessions))}
	for _, sess := range sessions {
		p := SessionProgress{
			SessionID:     sess.ID,
			UserID:        sess.UserID,
			AttemptNumber: sess.AttemptNumber,
			State:         sess.State,
			StartedAt:     sess.StartedAt,
			Answered:      answeredCounts[sess.ID],
			Violations:    violationCounts[sess.ID],
			Connected:     connected[sess.ID],
		}
		if p.Connected {
			snap.Connected++
		}
		snap.Sessions = append(snap.Sessions, p)
	}
	for _, n := range violationCounts {
		snap.TotalViolations += n
	}
	return snap, nil
}

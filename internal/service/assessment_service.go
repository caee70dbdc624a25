package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/netip"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/bcrypt"

	"github.com/stemsi/exstem-integrity/internal/config"
	"github.com/stemsi/exstem-integrity/internal/model"
)

// Domain Errors
var (
	ErrAssessmentNotFound    = errors.New("assessment not found")
	ErrAssessmentUnavailable = errors.New("assessment is not available")
	ErrNoQuestions           = errors.New("assessment has no questions")
	ErrOutsideSchedule       = errors.New("assessment is outside its schedule window")
	ErrIdentityRequired      = errors.New("assessment requires a signed-in taker")
	ErrPasswordRequired      = errors.New("password is required")
	ErrInvalidPassword       = errors.New("invalid password")
	ErrInvalidAccessCode     = errors.New("invalid access code")
	ErrDomainNotAllowed      = errors.New("email domain not allowed")
	ErrIPNotAllowed          = errors.New("ip address not allowed")
	ErrAttemptsExhausted     = errors.New("maximum attempts reached")
)

// AssessmentStore reads authoring-owned assessments and questions.
type AssessmentStore interface {
	GetByID(ctx context.Context, id uuid.UUID) (*model.Assessment, error)
	ListPublishedIDs(ctx context.Context) ([]uuid.UUID, error)
	ListQuestions(ctx context.Context, assessmentID uuid.UUID) ([]model.QuestionDefinition, error)
}

// AttemptCounter reports completed attempts of a user.
type AttemptCounter interface {
	CountByUser(ctx context.Context, assessmentID uuid.UUID, userID string) (int, error)
}

// Taker identifies who is opening an assessment.
type Taker struct {
	UserID    string
	Email     string
	IP        string
	Anonymous bool
}

// TakeResult is what a taker receives when access is granted.
type TakeResult struct {
	Payload      *model.AssessmentPayload `json:"assessment"`
	AttemptsUsed int                      `json:"attempts_used"`
	MaxAttempts  int                      `json:"max_attempts,omitempty"`
}

// AssessmentService enforces access rules and owns the Redis copies of
// the redacted payload and the answer key.
type AssessmentService struct {
	store    AssessmentStore
	attempts AttemptCounter
	rdb      *redis.Client
	log      zerolog.Logger
	now      func() time.Time
}

// NewAssessmentService creates a new AssessmentService.
func NewAssessmentService(store AssessmentStore, attempts AttemptCounter, rdb *redis.Client, log zerolog.Logger) *AssessmentService {
	return &AssessmentService{
		store:    store,
		attempts: attempts,
		rdb:      rdb,
		log:      log.With().Str("component", "assessment_service").Logger(),
		now:      time.Now,
	}
}

// GetByID retrieves an assessment, mapping a missing row to ErrAssessmentNotFound.
func (s *AssessmentService) GetByID(ctx context.Context, id uuid.UUID) (*model.Assessment, error) {
	a, err := s.store.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAssessmentNotFound
		}
		return nil, fmt.Errorf("get assessment: %w", err)
	}
	return a, nil
}

// CheckAvailable verifies publication, schedule and the attempt limit.
// It returns how many attempts the taker has already used.
func (s *AssessmentService) CheckAvailable(ctx context.Context, a *model.Assessment, userID string) (int, error) {
	if a.Status != model.AssessmentStatusPublished {
		return 0, ErrAssessmentUnavailable
	}
	if !a.InWindow(s.now()) {
		return 0, ErrOutsideSchedule
	}

	used, err := s.attempts.CountByUser(ctx, a.ID, userID)
	if err != nil {
		return 0, fmt.Errorf("count attempts: %w", err)
	}
	if a.AttemptsExhausted(used) {
		return used, ErrAttemptsExhausted
	}
	return used, nil
}

// Take validates the taker's credentials and returns the redacted payload.
func (s *AssessmentService) Take(ctx context.Context, id uuid.UUID, taker Taker, req model.TakeRequest) (*TakeResult, error) {
	a, err := s.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.take(ctx, a, taker, req)
}

func (s *AssessmentService) take(ctx context.Context, a *model.Assessment, taker Taker, req model.TakeRequest) (*TakeResult, error) {
	if err := checkAccess(a, taker, req); err != nil {
		return nil, err
	}

	used, err := s.CheckAvailable(ctx, a, taker.UserID)
	if err != nil {
		return nil, err
	}

	payload, err := s.Payload(ctx, a.ID)
	if err != nil {
		return nil, err
	}

	res := &TakeResult{Payload: payload, AttemptsUsed: used}
	if !a.Settings.Attempts.Unlimited {
		res.MaxAttempts = a.Settings.Attempts.MaxAttempts
	}
	return res, nil
}

func checkAccess(a *model.Assessment, taker Taker, req model.TakeRequest) error {
	switch a.Settings.Access.Type {
	case model.AccessPublic, model.AccessLinkOnly, "":
		if taker.Anonymous && a.Settings.Access.Type != model.AccessLinkOnly {
			return ErrIdentityRequired
		}
		return nil

	case model.AccessPassword:
		if req.Password == "" {
			return ErrPasswordRequired
		}
		if bcrypt.CompareHashAndPassword([]byte(a.PasswordHash), []byte(req.Password)) != nil {
			return ErrInvalidPassword
		}
		return nil

	case model.AccessPrivate:
		if taker.Anonymous {
			return ErrIdentityRequired
		}
		if req.AccessCode == "" || req.AccessCode != a.AccessCode {
			return ErrInvalidAccessCode
		}
		if !domainAllowed(a.Settings.Access.AllowedDomains, taker.Email) {
			return ErrDomainNotAllowed
		}
		if !ipAllowed(a.Settings.Access.IPRestrictions, taker.IP) {
			return ErrIPNotAllowed
		}
		return nil
	}
	return ErrAssessmentUnavailable
}

// domainAllowed matches the email's domain as a suffix of any allowed entry.
// An empty allow-list or an unknown email passes.
func domainAllowed(allowed []string, email string) bool {
	if len(allowed) == 0 || email == "" {
		return true
	}
	at := strings.LastIndex(email, "@")
	domain := strings.ToLower(email[at+1:])
	for _, d := range allowed {
		if strings.HasSuffix(domain, strings.ToLower(strings.TrimPrefix(d, "@"))) {
			return true
		}
	}
	return false
}

// ipAllowed accepts exact addresses and CIDR prefixes.
func ipAllowed(allowed []string, ip string) bool {
	if len(allowed) == 0 || ip == "" {
		return true
	}
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return false
	}
	addr = addr.Unmap()
	for _, entry := range allowed {
		if strings.Contains(entry, "/") {
			if p, err := netip.ParsePrefix(entry); err == nil && p.Contains(addr) {
				return true
			}
			continue
		}
		if a, err := netip.ParseAddr(entry); err == nil && a.Unmap() == addr {
			return true
		}
	}
	return false
}

// ─── Cache ─────────────────────────────────────────────────────────────

// WarmCache loads an assessment's payload and answer key into Redis.
// Used by PrewarmAllCaches and on cache misses.
func (s *AssessmentService) WarmCache(ctx context.Context, a *model.Assessment) (*model.AssessmentPayload, *model.AnswerKey, error) {
	questions, err := s.store.ListQuestions(ctx, a.ID)
	if err != nil {
		return nil, nil, fmt.Errorf("list questions: %w", err)
	}
	if len(questions) == 0 {
		return nil, nil, ErrNoQuestions
	}
	sort.SliceStable(questions, func(i, j int) bool { return questions[i].Order < questions[j].Order })

	views := make([]model.QuestionView, len(questions))
	for i, q := range questions {
		views[i] = q.View()
	}

	payload := &model.AssessmentPayload{
		AssessmentID:    a.ID,
		Title:           a.Title,
		Instructions:    a.Instructions,
		DurationMinutes: int(a.Duration() / time.Minute),
		AllowBacktrack:  a.Settings.Questions.AllowBacktrack,
		Security:        a.Settings.Security,
		Questions:       views,
	}
	key := &model.AnswerKey{AssessmentID: a.ID, Questions: questions}

	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal payload: %w", err)
	}
	keyJSON, err := json.Marshal(key)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal answer key: %w", err)
	}

	pipe := s.rdb.TxPipeline()
	pipe.Set(ctx, config.CacheKey.AssessmentPayloadKey(a.ID.String()), payloadJSON, 0)
	pipe.Set(ctx, config.CacheKey.AssessmentAnswerKey(a.ID.String()), keyJSON, 0)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, nil, fmt.Errorf("cache to redis: %w", err)
	}

	s.log.Debug().
		Str("assessment_id", a.ID.String()).
		Int("questions", len(questions)).
		Msg("Cache warmed")
	return payload, key, nil
}

// PrewarmAllCaches loads all published assessments into Redis on startup.
func (s *AssessmentService) PrewarmAllCaches(ctx context.Context) error {
	ids, err := s.store.ListPublishedIDs(ctx)
	if err != nil {
		return fmt.Errorf("list published assessments: %w", err)
	}

	if len(ids) == 0 {
		s.log.Info().Msg("No published assessments to prewarm")
		return nil
	}

	s.log.Info().Int("count", len(ids)).Msg("Prewarming published assessments...")

	warmed := 0
	for _, id := range ids {
		a, err := s.store.GetByID(ctx, id)
		if err == nil {
			_, _, err = s.WarmCache(ctx, a)
		}
		if err != nil {
			s.log.Warn().Err(err).Str("assessment_id", id.String()).Msg("Failed to warm assessment, skipping")
			continue
		}
		warmed++
	}

	s.log.Info().Int("warmed", warmed).Int("total", len(ids)).Msg("Prewarming complete")
	return nil
}

// Payload returns the cached redacted payload, warming the cache on a miss.
func (s *AssessmentService) Payload(ctx context.Context, id uuid.UUID) (*model.AssessmentPayload, error) {
	data, err := s.rdb.Get(ctx, config.CacheKey.AssessmentPayloadKey(id.String())).Bytes()
	if err == nil {
		var payload model.AssessmentPayload
		if err := json.Unmarshal(data, &payload); err != nil {
			return nil, fmt.Errorf("unmarshal payload: %w", err)
		}
		return &payload, nil
	}
	if !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("get payload: %w", err)
	}

	a, err := s.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	payload, _, err := s.WarmCache(ctx, a)
	return payload, err
}

// AnswerKey returns the cached answer key, warming the cache on a miss.
// It is only read at grading time.
func (s *AssessmentService) AnswerKey(ctx context.Context, id uuid.UUID) (*model.AnswerKey, error) {
	data, err := s.rdb.Get(ctx, config.CacheKey.AssessmentAnswerKey(id.String())).Bytes()
	if err == nil {
		var key model.AnswerKey
		if err := json.Unmarshal(data, &key); err != nil {
			return nil, fmt.Errorf("unmarshal answer key: %w", err)
		}
		return &key, nil
	}
	if !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("get answer key: %w", err)
	}

	a, err := s.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	_, key, err := s.WarmCache(ctx, a)
	return key, err
}

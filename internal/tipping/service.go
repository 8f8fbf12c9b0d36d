package tipping

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/zombor/smarttip/internal/bill"
	"github.com/zombor/smarttip/internal/scanning"
)

const (
	// DefaultScanTimeout bounds a single request to the vision model
	DefaultScanTimeout = 30 * time.Second
	// DefaultSessionTTL is how long an untouched session is kept
	DefaultSessionTTL = 24 * time.Hour
)

// ErrSessionNotFound is returned for unknown or expired session IDs
var ErrSessionNotFound = errors.New("session not found")

// IDGenerator generates unique IDs for sessions and scan records
type IDGenerator interface {
	Generate() string
}

// TimeSource provides the current time
type TimeSource interface {
	Now() time.Time
}

type defaultIDGenerator struct{}

func (g *defaultIDGenerator) Generate() string {
	return uuid.NewString()
}

type defaultTimeSource struct{}

func (t *defaultTimeSource) Now() time.Time {
	return time.Now()
}

// Config tunes the service; zero values select the defaults
type Config struct {
	ScanTimeout time.Duration
	SessionTTL  time.Duration
}

// Calculation is the stateless answer for a single bill
type Calculation struct {
	Bill    bill.Bill    `json:"bill"`
	Result  bill.Result  `json:"result"`
	Display bill.Display `json:"display"`
}

// Service handles sessions and receipt scans
type Service struct {
	scanLog     ScanLog
	scanner     scanning.Scanner
	idGenerator IDGenerator
	timeSource  TimeSource
	scanTimeout time.Duration
	sessionTTL  time.Duration

	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewService creates a new Service with default ID generator and time source
func NewService(scanLog ScanLog, scanner scanning.Scanner, cfg Config) *Service {
	return NewServiceWithDeps(scanLog, scanner, cfg, &defaultIDGenerator{}, &defaultTimeSource{})
}

// NewServiceWithDeps creates a new Service with custom dependencies for testing
func NewServiceWithDeps(scanLog ScanLog, scanner scanning.Scanner, cfg Config, idGen IDGenerator, timeSrc TimeSource) *Service {
	if cfg.ScanTimeout <= 0 {
		cfg.ScanTimeout = DefaultScanTimeout
	}
	if cfg.SessionTTL <= 0 {
		cfg.SessionTTL = DefaultSessionTTL
	}
	return &Service{
		scanLog:     scanLog,
		scanner:     scanner,
		idGenerator: idGen,
		timeSource:  timeSrc,
		scanTimeout: cfg.ScanTimeout,
		sessionTTL:  cfg.SessionTTL,
		sessions:    make(map[string]*Session),
	}
}

// Calculate sanitizes b and derives its breakdown without creating a session
func (s *Service) Calculate(b bill.Bill) Calculation {
	b = bill.AdjustPeopleCount(b, 0)
	b = bill.WithTipPercentage(b, b.TipPercentage)
	if b.Amount < 0 {
		b.Amount = 0
	}
	if b.Currency == "" {
		b.Currency = bill.DefaultCurrency
	}

	result := bill.Recalculate(b)
	return Calculation{
		Bill:    b,
		Result:  result,
		Display: bill.Format(result, b.Currency),
	}
}

// CreateSession starts a new session with a default bill.
// Sessions idle for longer than the TTL are dropped first.
func (s *Service) CreateSession() State {
	now := s.timeSource.Now()
	sess := NewSession(s.idGenerator.Generate(), now)

	s.mu.Lock()
	defer s.mu.Unlock()
	for id, existing := range s.sessions {
		if now.Sub(existing.idleSince()) > s.sessionTTL {
			slog.Debug("Expiring idle session", "session_id", id)
			delete(s.sessions, id)
		}
	}
	s.sessions[sess.id] = sess

	return sess.State()
}

func (s *Service) session(id string) (*Session, error) {
	s.mu.RLock()
	sess, ok := s.sessions[id]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	sess.touch(s.timeSource.Now())
	return sess, nil
}

func (s *Service) withSession(id string, fn func(*Session) State) (State, error) {
	sess, err := s.session(id)
	if err != nil {
		return State{}, err
	}
	return fn(sess), nil
}

// GetSession returns the current state of a session
func (s *Service) GetSession(id string) (State, error) {
	return s.withSession(id, (*Session).State)
}

// SetAmount updates the amount from the raw input field
func (s *Service) SetAmount(id string, raw string) (State, error) {
	return s.withSession(id, func(sess *Session) State { return sess.SetAmount(raw) })
}

// SetTipPercentage updates the tip percentage
func (s *Service) SetTipPercentage(id string, pct float64) (State, error) {
	return s.withSession(id, func(sess *Session) State { return sess.SetTipPercentage(pct) })
}

// AdjustPeople changes the number of people splitting the bill
func (s *Service) AdjustPeople(id string, delta int) (State, error) {
	return s.withSession(id, func(sess *Session) State { return sess.AdjustPeople(delta) })
}

// SetCurrency changes the display currency symbol
func (s *Service) SetCurrency(id string, symbol string) (State, error) {
	return s.withSession(id, func(sess *Session) State { return sess.SetCurrency(symbol) })
}

// StartScan switches a session to the scanner view
func (s *Service) StartScan(id string) (State, error) {
	return s.withSession(id, (*Session).RequestScan)
}

// CancelScan returns a session to the calculator view
func (s *Service) CancelScan(id string) (State, error) {
	return s.withSession(id, (*Session).CancelScan)
}

// ScanReceipt sends a receipt to the scanner and applies the answer to the
// session. Scan failures end up in the returned state's Error, not in err.
func (s *Service) ScanReceipt(ctx context.Context, id string, data []byte, contentType string) (State, error) {
	sess, err := s.session(id)
	if err != nil {
		return State{}, err
	}

	scanCtx, attempt, err := sess.BeginScan(ctx)
	if err != nil {
		return sess.State(), err
	}
	scanCtx, cancel := context.WithTimeout(scanCtx, s.scanTimeout)
	defer cancel()

	start := s.timeSource.Now()
	result, scanErr := s.scanner.ScanReceipt(scanCtx, data, contentType)
	duration := s.timeSource.Now().Sub(start)

	if scanErr != nil {
		slog.Error("Failed to scan receipt",
			"session_id", id,
			"content_type", contentType,
			"file_size", len(data),
			"error", scanErr,
		)
	}

	state, outcome := sess.FinishScan(attempt, result, scanErr)
	slog.Info("Receipt scan finished", "session_id", id, "outcome", outcome, "duration", duration)

	record := &ScanRecord{
		ID:          s.idGenerator.Generate(),
		SessionID:   id,
		ContentType: contentType,
		FileSize:    len(data),
		Outcome:     outcome,
		DurationMS:  duration.Milliseconds(),
		CreatedAt:   start,
	}
	if result.HasTotal() {
		record.Total = result.Total
		record.Currency = result.CurrencyOr("")
	}
	if scanErr != nil {
		record.Error = scanErr.Error()
	}
	if err := s.scanLog.SaveScan(record); err != nil {
		slog.Warn("Failed to record scan", "session_id", id, "error", err)
	}

	return state, nil
}

// ListScans returns the scan history, newest first
func (s *Service) ListScans() ([]*ScanRecord, error) {
	records, err := s.scanLog.ListScans()
	if err != nil {
		return nil, fmt.Errorf("listing scans: %w", err)
	}
	return records, nil
}

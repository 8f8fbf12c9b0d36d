package tipping

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/zombor/smarttip/internal/bill"
	"github.com/zombor/smarttip/internal/scanning"
)

// Mode is the view a session is in
type Mode string

const (
	ModeCalculator Mode = "CALCULATOR"
	ModeScanning   Mode = "SCANNING"
)

// User-facing scan messages
const (
	MessageNoTotal     = "Could not find a total on this receipt. Please try again or enter manually."
	MessageUnavailable = "Receipt scanning is not available right now. Please enter the amount manually."
	MessageFailed      = "Failed to analyze receipt. Please check your internet connection."
	MessageBadFile     = "Error reading file."
)

// ErrScanInProgress is returned when a scan is triggered while another one
// for the same session has not finished
var ErrScanInProgress = errors.New("a receipt scan is already in progress")

// Outcome classifies how a scan attempt ended
type Outcome string

const (
	OutcomeSuccess       Outcome = "success"
	OutcomeNoTotal       Outcome = "no_total"
	OutcomeConfiguration Outcome = "configuration_error"
	OutcomeTransport     Outcome = "transport_error"
	OutcomeMalformed     Outcome = "malformed_response"
	OutcomeInvalidImage  Outcome = "invalid_image"
	OutcomeCancelled     Outcome = "cancelled"
)

// classifyScan maps a scanner answer onto an outcome and the message shown to the user
func classifyScan(result *scanning.ReceiptScanResult, err error) (Outcome, string) {
	switch {
	case err == nil && result.HasTotal():
		return OutcomeSuccess, ""
	case err == nil:
		return OutcomeNoTotal, MessageNoTotal
	case errors.Is(err, scanning.ErrConfiguration):
		return OutcomeConfiguration, MessageUnavailable
	case errors.Is(err, scanning.ErrInvalidImage):
		return OutcomeInvalidImage, MessageBadFile
	case errors.Is(err, scanning.ErrMalformedResponse):
		return OutcomeMalformed, MessageFailed
	default:
		return OutcomeTransport, MessageFailed
	}
}

// State is a snapshot of a session
type State struct {
	ID       string       `json:"id"`
	Mode     Mode         `json:"mode"`
	Bill     bill.Bill    `json:"bill"`
	Result   bill.Result  `json:"result"`
	Display  bill.Display `json:"display"`
	Scanning bool         `json:"scanning"`
	Error    string       `json:"error,omitempty"`
}

// Session owns one bill and the calculator/scanner state around it.
// The result is re-derived from the bill after every mutation.
type Session struct {
	mu       sync.Mutex
	id       string
	bill     bill.Bill
	result   bill.Result
	mode     Mode
	scanning bool
	scanErr  string
	attempt  uint64
	cancel   context.CancelFunc
	lastSeen time.Time
}

// NewSession creates a session holding a default bill
func NewSession(id string, now time.Time) *Session {
	s := &Session{
		id:       id,
		bill:     bill.New(),
		mode:     ModeCalculator,
		lastSeen: now,
	}
	s.recalculate()
	return s
}

func (s *Session) recalculate() {
	s.result = bill.Recalculate(s.bill)
}

// snapshot must be called with s.mu held
func (s *Session) snapshot() State {
	return State{
		ID:       s.id,
		Mode:     s.mode,
		Bill:     s.bill,
		Result:   s.result,
		Display:  bill.Format(s.result, s.bill.Currency),
		Scanning: s.scanning,
		Error:    s.scanErr,
	}
}

func (s *Session) update(fn func()) State {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn()
	return s.snapshot()
}

// State returns the current snapshot
func (s *Session) State() State {
	return s.update(func() {})
}

// SetAmount parses the raw amount field; unparsable input becomes 0
func (s *Session) SetAmount(raw string) State {
	return s.update(func() {
		s.bill.Amount = bill.ParseAmount(raw)
		s.recalculate()
	})
}

// SetTipPercentage sets the tip, floored at 0
func (s *Session) SetTipPercentage(pct float64) State {
	return s.update(func() {
		s.bill = bill.WithTipPercentage(s.bill, pct)
		s.recalculate()
	})
}

// AdjustPeople changes the party size by delta, never below one
func (s *Session) AdjustPeople(delta int) State {
	return s.update(func() {
		s.bill = bill.AdjustPeopleCount(s.bill, delta)
		s.recalculate()
	})
}

// SetCurrency changes the display symbol; an empty symbol restores the default
func (s *Session) SetCurrency(symbol string) State {
	return s.update(func() {
		if symbol == "" {
			symbol = bill.DefaultCurrency
		}
		s.bill.Currency = symbol
	})
}

// RequestScan switches to the scanner view
func (s *Session) RequestScan() State {
	return s.update(func() {
		if s.scanning {
			return
		}
		s.mode = ModeScanning
		s.scanErr = ""
	})
}

// CancelScan returns to the calculator without touching the bill.
// An in-flight request is cancelled and its answer discarded.
func (s *Session) CancelScan() State {
	return s.update(func() {
		if s.cancel != nil {
			s.cancel()
			s.cancel = nil
		}
		s.scanning = false
		s.scanErr = ""
		s.mode = ModeCalculator
	})
}

// BeginScan marks a scan as in flight and returns the context the request
// must run under together with the attempt number to pass to FinishScan
func (s *Session) BeginScan(ctx context.Context) (context.Context, uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.scanning {
		return nil, 0, ErrScanInProgress
	}

	scanCtx, cancel := context.WithCancel(ctx)
	s.attempt++
	s.cancel = cancel
	s.scanning = true
	s.scanErr = ""
	s.mode = ModeScanning
	return scanCtx, s.attempt, nil
}

// FinishScan applies the scanner's answer for the given attempt.
// A successful scan overwrites amount and currency and returns to the
// calculator; anything else keeps the scanner view with a message.
func (s *Session) FinishScan(attempt uint64, result *scanning.ReceiptScanResult, err error) (State, Outcome) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.scanning || attempt != s.attempt {
		return s.snapshot(), OutcomeCancelled
	}

	s.scanning = false
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}

	outcome, message := classifyScan(result, err)
	s.scanErr = message
	if outcome == OutcomeSuccess {
		s.bill.Amount = *result.Total
		s.bill.Currency = result.CurrencyOr(bill.DefaultCurrency)
		s.mode = ModeCalculator
		s.recalculate()
	}

	return s.snapshot(), outcome
}

func (s *Session) touch(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastSeen = now
}

func (s *Session) idleSince() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSeen
}

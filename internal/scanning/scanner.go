package scanning

import (
	"context"
	"errors"
)

var (
	// ErrConfiguration is returned when the scanner has no usable credential.
	// No request is made.
	ErrConfiguration = errors.New("scanner is not configured")

	// ErrTransport covers network failures, non-success statuses and
	// responses without any text
	ErrTransport = errors.New("receipt analysis failed")

	// ErrMalformedResponse is returned when the model answers with something
	// that is not the expected JSON object
	ErrMalformedResponse = errors.New("malformed analysis response")

	// ErrInvalidImage is returned when the upload cannot be turned into an
	// image the model accepts
	ErrInvalidImage = errors.New("invalid receipt image")
)

// ReceiptScanResult is the model's guess at a receipt's total and currency.
// A nil Total means no total was found, which is not an error.
type ReceiptScanResult struct {
	Total      *float64 `json:"total"`
	Currency   *string  `json:"currency"`
	Confidence *float64 `json:"confidence,omitempty"`
}

// HasTotal reports whether a total was extracted
func (r *ReceiptScanResult) HasTotal() bool {
	return r != nil && r.Total != nil
}

// CurrencyOr returns the extracted currency symbol, or fallback when none was found
func (r *ReceiptScanResult) CurrencyOr(fallback string) string {
	if r == nil || r.Currency == nil || *r.Currency == "" {
		return fallback
	}
	return *r.Currency
}

// Scanner defines the interface for receipt interpretation
type Scanner interface {
	// ScanReceipt sends a receipt image to the model and returns its guess
	ScanReceipt(ctx context.Context, imageData []byte, contentType string) (*ReceiptScanResult, error)
	// Close closes the scanner and releases resources
	Close() error
}

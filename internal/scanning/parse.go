package scanning

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// receiptScanPrompt is the instruction sent with every receipt image
const receiptScanPrompt = `Analyze this receipt image. Extract the total bill amount (grand total) and the currency symbol used.
Return the result strictly as JSON.`

// responseSchemaJSON is the schema the model is asked to answer with.
// Both fields are required on the wire; the answer is still validated locally.
const responseSchemaJSON = `{
  "type": "object",
  "properties": {
    "total": {"type": "number", "description": "The grand total amount found on the receipt"},
    "currency": {"type": "string", "description": "The currency symbol (e.g., $, €, £)"}
  },
  "required": ["total", "currency"]
}`

// scanResultSchema accepts what the rest of the program can work with.
// A null total is a valid "nothing found" answer.
var scanResultSchema = jsonschema.MustCompileString("scan_result.json", `{
  "type": "object",
  "properties": {
    "total": {"type": ["number", "null"], "minimum": 0},
    "currency": {"type": ["string", "null"]},
    "confidence": {"type": ["number", "null"]}
  }
}`)

// extractJSONObject strips markdown fences and any chatter around the
// outermost JSON object
func extractJSONObject(text string) (string, error) {
	text = strings.TrimSpace(text)
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSuffix(text, "```")
	text = strings.TrimSpace(text)

	startIdx := strings.Index(text, "{")
	if startIdx == -1 {
		return "", fmt.Errorf("no JSON object found in response")
	}
	endIdx := strings.LastIndex(text, "}")
	if endIdx < startIdx {
		return "", fmt.Errorf("invalid JSON object in response")
	}
	return text[startIdx : endIdx+1], nil
}

// parseScanResult turns the model's text answer into a ReceiptScanResult.
// Every failure wraps ErrMalformedResponse.
func parseScanResult(text string) (*ReceiptScanResult, error) {
	object, err := extractJSONObject(text)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}

	var raw any
	if err := json.Unmarshal([]byte(object), &raw); err != nil {
		return nil, fmt.Errorf("%w: unmarshaling json: %v", ErrMalformedResponse, err)
	}
	if err := scanResultSchema.Validate(raw); err != nil {
		return nil, fmt.Errorf("%w: json does not match schema: %v", ErrMalformedResponse, err)
	}

	var result ReceiptScanResult
	if err := json.Unmarshal([]byte(object), &result); err != nil {
		return nil, fmt.Errorf("%w: decoding result: %v", ErrMalformedResponse, err)
	}

	if result.Currency != nil {
		currency := strings.TrimSpace(*result.Currency)
		if currency == "" {
			result.Currency = nil
		} else {
			result.Currency = &currency
		}
	}

	return &result, nil
}

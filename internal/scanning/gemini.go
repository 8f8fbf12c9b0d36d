package scanning

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"
)

// DefaultGeminiModel is used when no model name is configured
const DefaultGeminiModel = "gemini-2.5-flash"

// GeminiConfig holds everything needed to talk to Gemini
type GeminiConfig struct {
	APIKey string
	Model  string
	// ClientOptions are appended after the API key, e.g. an endpoint override
	ClientOptions []option.ClientOption
}

// contentGenerator is the part of *genai.GenerativeModel the scanner uses
type contentGenerator interface {
	GenerateContent(ctx context.Context, parts ...genai.Part) (*genai.GenerateContentResponse, error)
}

// Gemini implements the Scanner interface using Google Gemini
type Gemini struct {
	client     *genai.Client
	generator  contentGenerator
	configured bool
}

// NewGemini creates a new Gemini Scanner instance.
// Without an API key the scanner is still returned, but every scan fails
// with ErrConfiguration and nothing is sent over the network.
func NewGemini(cfg GeminiConfig) (*Gemini, error) {
	if cfg.APIKey == "" {
		slog.Warn("Gemini API key is missing, receipt scanning is disabled")
		return &Gemini{}, nil
	}
	modelName := cfg.Model
	if modelName == "" {
		modelName = DefaultGeminiModel
	}

	opts := append([]option.ClientOption{option.WithAPIKey(cfg.APIKey)}, cfg.ClientOptions...)
	client, err := genai.NewClient(context.Background(), opts...)
	if err != nil {
		return nil, fmt.Errorf("creating gemini client: %w", err)
	}

	model := client.GenerativeModel(modelName)
	model.ResponseMIMEType = "application/json"
	model.ResponseSchema = receiptResponseSchema()

	return &Gemini{
		client:     client,
		generator:  model,
		configured: true,
	}, nil
}

// receiptResponseSchema mirrors responseSchemaJSON in genai's types
func receiptResponseSchema() *genai.Schema {
	return &genai.Schema{
		Type: genai.TypeObject,
		Properties: map[string]*genai.Schema{
			"total": {
				Type:        genai.TypeNumber,
				Description: "The grand total amount found on the receipt",
			},
			"currency": {
				Type:        genai.TypeString,
				Description: "The currency symbol (e.g., $, €, £)",
			},
		},
		Required: []string{"total", "currency"},
	}
}

// ScanReceipt sends the receipt to Gemini and parses the JSON answer
func (g *Gemini) ScanReceipt(ctx context.Context, imageData []byte, contentType string) (*ReceiptScanResult, error) {
	if !g.configured || g.generator == nil {
		return nil, fmt.Errorf("%w: gemini api key is missing", ErrConfiguration)
	}

	finalImageData, mimeType, err := prepareImageData(imageData, contentType)
	if err != nil {
		return nil, err
	}

	parts := []genai.Part{
		genai.Blob{MIMEType: mimeType, Data: finalImageData},
		genai.Text(receiptScanPrompt),
	}

	resp, err := g.generator.GenerateContent(ctx, parts...)
	if err != nil {
		return nil, fmt.Errorf("%w: generating content: %w", ErrTransport, err)
	}

	text := strings.TrimSpace(responseText(resp))
	if text == "" {
		return nil, fmt.Errorf("%w: no response from gemini", ErrTransport)
	}

	return parseScanResult(text)
}

// responseText concatenates the text parts of the first candidate
func responseText(resp *genai.GenerateContentResponse) string {
	if resp == nil || len(resp.Candidates) == 0 {
		return ""
	}
	content := resp.Candidates[0].Content
	if content == nil {
		return ""
	}

	var b strings.Builder
	for _, part := range content.Parts {
		if text, ok := part.(genai.Text); ok {
			b.WriteString(string(text))
		}
	}
	return b.String()
}

// Close closes the Gemini client
func (g *Gemini) Close() error {
	if g.client == nil {
		return nil
	}
	return g.client.Close()
}

package tipping

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/zombor/smarttip/internal/bill"
)

const (
	// maxUploadSize caps receipt files; phone photos stay well below it
	maxUploadSize = int64(20 << 20)
	// maxUploadBody leaves room for the multipart boundaries and part headers
	maxUploadBody = maxUploadSize + 1<<20

	fileTooLargeMessage = "File is too large. Maximum size is 20MB. Please compress or resize your image."
)

// corsError writes an error response with CORS headers set
func corsError(w http.ResponseWriter, message string, code int) {
	setCORSHeaders(w)
	http.Error(w, message, code)
}

// setCORSHeaders sets CORS headers on a response
func setCORSHeaders(w http.ResponseWriter) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
	w.Header().Set("Access-Control-Max-Age", "3600")
}

// writeJSON encodes v as the response body
func writeJSON(w http.ResponseWriter, code int, v any) {
	setCORSHeaders(w)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("Error encoding response", "error", err)
	}
}

// writeJSONError writes {"error": message}
func writeJSONError(w http.ResponseWriter, code int, message string) {
	writeJSON(w, code, map[string]string{"error": message})
}

// writeSessionResult writes a session state or maps the service error
func writeSessionResult(w http.ResponseWriter, state State, err error) {
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, state)
	case errors.Is(err, ErrSessionNotFound):
		writeJSONError(w, http.StatusNotFound, "Session not found")
	default:
		slog.Error("Error updating session", "error", err)
		writeJSONError(w, http.StatusInternalServerError, "Internal server error")
	}
}

// decodeBody decodes a small JSON request body into v
func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(v); err != nil {
		writeJSONError(w, http.StatusBadRequest, "Invalid request body")
		return false
	}
	return true
}

// handleIndex serves the HTML interface
func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	setCORSHeaders(w)
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write(indexHTML)
}

// handleStaticCSS serves the CSS file
func (s *Server) handleStaticCSS(w http.ResponseWriter, r *http.Request) {
	setCORSHeaders(w)
	w.Header().Set("Content-Type", "text/css")
	w.Write(appCSS)
}

// handleStaticJS serves the JavaScript file
func (s *Server) handleStaticJS(w http.ResponseWriter, r *http.Request) {
	setCORSHeaders(w)
	w.Header().Set("Content-Type", "application/javascript; charset=utf-8")
	w.Write(appJS)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleCalculate computes a breakdown for the posted bill without a session
func (s *Server) handleCalculate(w http.ResponseWriter, r *http.Request) {
	b := bill.New()
	if !decodeBody(w, r, &b) {
		return
	}
	writeJSON(w, http.StatusOK, s.service.Calculate(b))
}

// handleCreateSession starts a new calculator session
func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusCreated, s.service.CreateSession())
}

// handleGetSession returns a session's state
func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	state, err := s.service.GetSession(r.PathValue("id"))
	writeSessionResult(w, state, err)
}

// handleSetAmount takes the raw amount field as typed by the user
func (s *Server) handleSetAmount(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Amount string `json:"amount"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	state, err := s.service.SetAmount(r.PathValue("id"), req.Amount)
	writeSessionResult(w, state, err)
}

// handleSetTip sets the tip percentage
func (s *Server) handleSetTip(w http.ResponseWriter, r *http.Request) {
	var req struct {
		TipPercentage *float64 `json:"tip_percentage"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if req.TipPercentage == nil {
		writeJSONError(w, http.StatusBadRequest, "tip_percentage is required")
		return
	}
	state, err := s.service.SetTipPercentage(r.PathValue("id"), *req.TipPercentage)
	writeSessionResult(w, state, err)
}

// handleAdjustPeople adds or removes people from the split
func (s *Server) handleAdjustPeople(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Delta int `json:"delta"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	state, err := s.service.AdjustPeople(r.PathValue("id"), req.Delta)
	writeSessionResult(w, state, err)
}

// handleSetCurrency changes the display currency symbol
func (s *Server) handleSetCurrency(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Currency string `json:"currency"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	state, err := s.service.SetCurrency(r.PathValue("id"), strings.TrimSpace(req.Currency))
	writeSessionResult(w, state, err)
}

// handleStartScan switches to the scanner view
func (s *Server) handleStartScan(w http.ResponseWriter, r *http.Request) {
	state, err := s.service.StartScan(r.PathValue("id"))
	writeSessionResult(w, state, err)
}

// handleCancelScan goes back to the calculator view
func (s *Server) handleCancelScan(w http.ResponseWriter, r *http.Request) {
	state, err := s.service.CancelScan(r.PathValue("id"))
	writeSessionResult(w, state, err)
}

// contentTypeFor picks the upload's MIME type from its part header or file extension
func contentTypeFor(header string, filename string) string {
	contentType := strings.ToLower(strings.TrimSpace(header))
	if contentType != "" && contentType != "application/octet-stream" {
		return contentType
	}
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".png":
		return "image/png"
	case ".gif":
		return "image/gif"
	case ".pdf":
		return "application/pdf"
	case ".heic":
		return "image/heic"
	case ".heif":
		return "image/heif"
	}
	// Leave it to the scanner to sniff the bytes
	return ""
}

// handleScanReceipt reads the uploaded receipt and scans it into the session
func (s *Server) handleScanReceipt(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.service.GetSession(id); err != nil {
		writeSessionResult(w, State{}, err)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBody)
	if err := r.ParseMultipartForm(maxUploadSize); err != nil {
		slog.Error("Error parsing multipart form", "error", err)
		errorMsg := "Error parsing form"
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			errorMsg = fileTooLargeMessage
		}
		writeJSONError(w, http.StatusBadRequest, errorMsg)
		return
	}

	f, header, err := r.FormFile("file")
	if err != nil {
		slog.Error("Error getting file from form", "error", err)
		errorMsg := "No file provided"
		if errors.Is(err, http.ErrMissingFile) {
			errorMsg = "No file was selected. Please choose a file to upload."
		}
		writeJSONError(w, http.StatusBadRequest, errorMsg)
		return
	}
	defer f.Close()

	if header.Size > maxUploadSize {
		slog.Error("Uploaded file is too large", "filename", header.Filename, "size", header.Size)
		writeJSONError(w, http.StatusBadRequest, fileTooLargeMessage)
		return
	}

	data, err := io.ReadAll(f)
	if err != nil {
		slog.Error("Error reading file data", "error", err, "filename", header.Filename)
		writeJSONError(w, http.StatusInternalServerError, MessageBadFile)
		return
	}

	contentType := contentTypeFor(header.Header.Get("Content-Type"), header.Filename)

	state, err := s.service.ScanReceipt(r.Context(), id, data, contentType)
	switch {
	case errors.Is(err, ErrScanInProgress):
		writeJSONError(w, http.StatusConflict, "A scan is already in progress")
	default:
		writeSessionResult(w, state, err)
	}
}

// handleListScans returns the scan history
func (s *Server) handleListScans(w http.ResponseWriter, r *http.Request) {
	records, err := s.service.ListScans()
	if err != nil {
		slog.Error("Error listing scans", "error", err)
		writeJSONError(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	// Ensure we always return an array, not nil
	if records == nil {
		records = []*ScanRecord{}
	}
	writeJSON(w, http.StatusOK, records)
}

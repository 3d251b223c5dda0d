package app

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"evalforms/engine/internal/recipients"
)

type HTTPServer struct {
	service    *Service
	corsOrigin string
}

func NewHTTPServer(service *Service, corsOrigin string) *HTTPServer {
	return &HTTPServer{service: service, corsOrigin: corsOrigin}
}

func (s *HTTPServer) Handler() http.Handler {
	return s.withMiddleware(http.HandlerFunc(s.handle))
}

func (s *HTTPServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		writeJSON(w, http.StatusNoContent, map[string]any{})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/health" {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	// The bearer token, when present, becomes the auth context that gates
	// remote sync. Local editing works without one.
	s.service.SetToken(bearerToken(r))
	ctx := r.Context()

	switch {
	case r.Method == http.MethodPost && r.URL.Path == "/api/session/load":
		var input struct {
			ID string `json:"id"`
		}
		if err := decodeBody(r, &input); err != nil {
			writeError(w, http.StatusBadRequest, "BAD_REQUEST", err.Error(), nil)
			return
		}
		view, err := s.service.LoadSession(ctx, input.ID)
		s.respond(w, view, err)

	case r.Method == http.MethodPatch && r.URL.Path == "/api/draft":
		var content DraftContent
		if err := decodeBody(r, &content); err != nil {
			writeError(w, http.StatusBadRequest, "BAD_REQUEST", err.Error(), nil)
			return
		}
		view, err := s.service.UpdateDraft(ctx, content)
		s.respond(w, view, err)

	case r.Method == http.MethodPost && r.URL.Path == "/api/draft/undo":
		view, err := s.service.Undo(ctx)
		s.respond(w, view, err)

	case r.Method == http.MethodPost && r.URL.Path == "/api/draft/redo":
		view, err := s.service.Redo(ctx)
		s.respond(w, view, err)

	case r.Method == http.MethodPost && r.URL.Path == "/api/recipients/import":
		defer r.Body.Close()
		view, err := s.service.ImportRecipientsCSV(ctx, r.Body)
		s.respond(w, view, err)

	case r.Method == http.MethodPost && r.URL.Path == "/api/recipients/assign":
		var input struct {
			Recipients []recipients.Recipient `json:"recipients"`
		}
		if err := decodeBody(r, &input); err != nil {
			writeError(w, http.StatusBadRequest, "BAD_REQUEST", err.Error(), nil)
			return
		}
		view, err := s.service.AssignRecipients(ctx, input.Recipients)
		s.respond(w, view, err)

	case r.Method == http.MethodPost && r.URL.Path == "/api/certificate/link":
		var input struct {
			ID       string `json:"id"`
			Type     string `json:"type"`
			Template string `json:"template"`
		}
		if err := decodeBody(r, &input); err != nil {
			writeError(w, http.StatusBadRequest, "BAD_REQUEST", err.Error(), nil)
			return
		}
		view, err := s.service.LinkCertificate(ctx, input.ID, input.Type, input.Template)
		s.respond(w, view, err)

	case r.Method == http.MethodPost && r.URL.Path == "/api/session/preserve":
		if err := s.service.PreserveForNavigation(ctx); err != nil {
			s.respondErr(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})

	case r.Method == http.MethodPost && r.URL.Path == "/api/publish":
		id, err := s.service.Publish(ctx)
		if err != nil {
			s.respondErr(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"published": true, "formId": id})

	case r.Method == http.MethodDelete && r.URL.Path == "/api/session":
		if err := s.service.ClearSession(ctx); err != nil {
			s.respondErr(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})

	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}

func (s *HTTPServer) respond(w http.ResponseWriter, view SessionView, err error) {
	if err != nil {
		s.respondErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *HTTPServer) respondErr(w http.ResponseWriter, err error) {
	var de *DomainError
	if errors.As(err, &de) {
		writeError(w, de.Status, de.Code, de.Message, de.Details)
		return
	}
	writeError(w, http.StatusInternalServerError, "INTERNAL", err.Error(), nil)
}

func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return ""
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = randomRequestID()
		}

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), s.corsOrigin)
		writer.Header().Set("X-Request-ID", requestID)

		next.ServeHTTP(writer, r)

		log.Printf(`{"request_id":"%s","method":"%s","path":"%s","status":%d,"duration_ms":%d}`,
			requestID,
			r.Method,
			r.URL.Path,
			writer.status,
			time.Since(started).Milliseconds(),
		)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func randomRequestID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")
	header.Set("Access-Control-Allow-Methods", "GET,POST,PATCH,DELETE,OPTIONS")
	header.Set("Cache-Control", "no-store")
	header.Set("Content-Type", "application/json")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(target); err != nil {
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

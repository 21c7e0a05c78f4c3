package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/carebridge/medgate/internal/catalog"
	"github.com/carebridge/medgate/internal/turn"
)

const adminRole = "Admin"

type turnRequest struct {
	Message string `json:"message"`
}

type capabilityDescriptor struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	InputSchema map[string]any `json:"input_schema,omitempty"`
	Sensitive   bool           `json:"sensitive,omitempty"`
}

func (s *HTTPServer) handleCapabilities(w http.ResponseWriter, r *http.Request) {
	id, err := s.authn.Authenticate(r)
	if err != nil {
		status, detail := authFailureResponse(err)
		respondProblem(w, status, detail)
		return
	}

	entries := s.store.Load().CapabilitiesFor(id.Role)
	capabilities := make([]capabilityDescriptor, 0, len(entries))
	for _, entry := range entries {
		capabilities = append(capabilities, capabilityDescriptor{
			Name:        entry.Operation,
			Description: entry.Description,
			InputSchema: entry.InputSchema,
			Sensitive:   entry.Sensitive,
		})
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"role":         id.Role,
		"capabilities": capabilities,
	})
}

// handleTurn streams one turn as NDJSON, one event per line. The response
// status is committed by the first event, so caller errors detected before
// generation starts still surface as proper HTTP statuses.
func (s *HTTPServer) handleTurn(w http.ResponseWriter, r *http.Request) {
	id, message, ok := s.parseTurnRequest(w, r)
	if !ok {
		return
	}

	controller := http.NewResponseController(w)
	encoder := json.NewEncoder(w)
	started := false
	emit := func(event turn.Event) error {
		if !started {
			w.Header().Set("Content-Type", "application/x-ndjson")
			w.Header().Set("Cache-Control", "no-cache")
			w.WriteHeader(http.StatusOK)
			started = true
		}
		if err := encoder.Encode(event); err != nil {
			return err
		}
		return controller.Flush()
	}

	err := s.runner.Run(r.Context(), id, message, emit)
	s.finishTurn(w, r, id, err, started)
}

// handleTurnSSE is the server-sent-events variant of handleTurn; each turn
// event becomes one SSE event named by its type.
func (s *HTTPServer) handleTurnSSE(w http.ResponseWriter, r *http.Request) {
	id, message, ok := s.parseTurnRequest(w, r)
	if !ok {
		return
	}

	controller := http.NewResponseController(w)
	started := false
	emit := func(event turn.Event) error {
		if !started {
			w.Header().Set("Content-Type", "text/event-stream")
			w.Header().Set("Cache-Control", "no-cache")
			w.Header().Set("Connection", "keep-alive")
			w.WriteHeader(http.StatusOK)
			started = true
		}
		data, err := json.Marshal(event)
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Type, data); err != nil {
			return err
		}
		return controller.Flush()
	}

	err := s.runner.Run(r.Context(), id, message, emit)
	s.finishTurn(w, r, id, err, started)
}

func (s *HTTPServer) parseTurnRequest(w http.ResponseWriter, r *http.Request) (turn.Identity, string, bool) {
	id, err := s.authn.Authenticate(r)
	if err != nil {
		status, detail := authFailureResponse(err)
		respondProblem(w, status, detail)
		return turn.Identity{}, "", false
	}

	var req turnRequest
	if err := decodeJSONStrict(r, &req); err != nil {
		respondProblem(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return id, "", false
	}
	if strings.TrimSpace(req.Message) == "" {
		respondProblem(w, http.StatusBadRequest, "message is required")
		return id, "", false
	}

	s.logger.Info().Str("actor", id.ID).Str("role", id.Role).Msg("turn started")
	return id, req.Message, true
}

// finishTurn maps a turn error onto the response. Once streaming has
// begun the status line is committed and a fatal-error event has already
// been emitted, so failures are only logged.
func (s *HTTPServer) finishTurn(w http.ResponseWriter, r *http.Request, id turn.Identity, err error, started bool) {
	if err == nil {
		return
	}
	if !started {
		if errors.Is(err, turn.ErrPromptTooLong) {
			respondProblem(w, http.StatusBadRequest, err.Error())
			return
		}
		respondProblem(w, http.StatusBadGateway, "turn could not be started")
	}
	if ctxErr := r.Context().Err(); ctxErr != nil && errors.Is(err, ctxErr) {
		s.logger.Info().Str("actor", id.ID).Msg("caller disconnected mid-turn")
		return
	}
	s.logger.Error().Err(err).Str("actor", id.ID).Msg("turn failed")
}

func (s *HTTPServer) handleContract(w http.ResponseWriter, r *http.Request) {
	if !s.requireAdmin(w, r) {
		return
	}
	s.contractMu.RLock()
	contract := s.contract
	s.contractMu.RUnlock()
	w.Header().Set("Content-Type", "application/yaml")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(contract)
}

// handleCatalogSwap replaces the capability catalog wholesale. In-flight
// turns keep the snapshot they started with.
func (s *HTTPServer) handleCatalogSwap(w http.ResponseWriter, r *http.Request) {
	if !s.requireAdmin(w, r) {
		return
	}

	raw, err := io.ReadAll(r.Body)
	if err != nil {
		respondProblem(w, http.StatusBadRequest, "could not read request body")
		return
	}
	next, err := catalog.Parse(raw)
	if err != nil {
		respondProblem(w, http.StatusBadRequest, fmt.Sprintf("invalid catalog: %v", err))
		return
	}
	if err := s.store.Swap(next); err != nil {
		respondProblem(w, http.StatusInternalServerError, err.Error())
		return
	}

	s.contractMu.Lock()
	s.contract = raw
	s.contractMu.Unlock()
	s.logger.Info().Str("version", next.Version()).Msg("capability catalog swapped")
	respondJSON(w, http.StatusOK, map[string]string{"version": next.Version()})
}

func (s *HTTPServer) requireAdmin(w http.ResponseWriter, r *http.Request) bool {
	id, err := s.authn.Authenticate(r)
	if err != nil {
		status, detail := authFailureResponse(err)
		respondProblem(w, status, detail)
		return false
	}
	if id.Role != adminRole {
		respondProblem(w, http.StatusForbidden, fmt.Sprintf("role %s may not manage the catalog", id.Role))
		return false
	}
	return true
}

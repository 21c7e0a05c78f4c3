package server

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/carebridge/medgate/internal/catalog"
	"github.com/carebridge/medgate/internal/turn"
)

const serverContract = `
version: "1"
service: medgate
operations:
  - name: overview
    description: Patient overview.
    owner: Doctor
    arguments:
      type: object
      properties:
        patient_id:
          type: string
      required: [patient_id]
      additionalProperties: false
  - name: records
    description: Medical records.
    owner: Doctor
    sensitive: true
    arguments:
      type: object
      properties:
        id:
          type: string
      required: [id]
      additionalProperties: false
roles:
  Admin:
    operations: []
    prompt: You are an administrative assistant.
  Doctor:
    operations: [overview, records]
    prompt: You are a clinical assistant.
  Billing:
    operations: [overview]
`

const sessionSecret = "server-session-secret"

func sessionToken(t *testing.T, subject, role string) string {
	t.Helper()
	claims := jwt.MapClaims{
		"sub":  subject,
		"role": role,
		"iat":  time.Now().Unix(),
		"exp":  time.Now().Add(time.Hour).Unix(),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(sessionSecret))
	require.NoError(t, err)
	return token
}

// runnerFunc adapts a function to TurnRunner for scripted turns.
type runnerFunc func(ctx context.Context, id turn.Identity, message string, emit turn.Emitter) error

func (f runnerFunc) Run(ctx context.Context, id turn.Identity, message string, emit turn.Emitter) error {
	return f(ctx, id, message, emit)
}

func newTestServer(t *testing.T, runner TurnRunner) (*httptest.Server, *catalog.Store) {
	t.Helper()
	cat, err := catalog.Parse([]byte(serverContract))
	require.NoError(t, err)
	store, err := catalog.NewStore(cat)
	require.NoError(t, err)

	srv := NewHTTPServer("test", "none", "today", []byte(serverContract), store, runner, NewJWTSessionAuthenticator(sessionSecret), zerolog.Nop())
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return ts, store
}

func doJSON(t *testing.T, method, url, token, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func TestHealthAndVersion(t *testing.T) {
	ts, _ := newTestServer(t, nil)

	resp, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp2, err := http.Get(ts.URL + "/version")
	require.NoError(t, err)
	defer func() { _ = resp2.Body.Close() }()
	var version map[string]string
	require.NoError(t, json.NewDecoder(resp2.Body).Decode(&version))
	require.Equal(t, "medgate", version["name"])
	require.Equal(t, "test", version["version"])
}

func TestCapabilities_RequiresSession(t *testing.T) {
	ts, _ := newTestServer(t, nil)

	resp := doJSON(t, http.MethodGet, ts.URL+"/v1/capabilities", "", "")
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = doJSON(t, http.MethodGet, ts.URL+"/v1/capabilities", "not-a-jwt", "")
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestCapabilities_ScopedToRole(t *testing.T) {
	ts, _ := newTestServer(t, nil)

	resp := doJSON(t, http.MethodGet, ts.URL+"/v1/capabilities", sessionToken(t, "bill-2", "Billing"), "")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var payload struct {
		Role         string `json:"role"`
		Capabilities []struct {
			Name      string `json:"name"`
			Sensitive bool   `json:"sensitive"`
		} `json:"capabilities"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&payload))
	require.Equal(t, "Billing", payload.Role)
	require.Len(t, payload.Capabilities, 1)
	require.Equal(t, "overview", payload.Capabilities[0].Name)
}

func TestTurn_StreamsNDJSON(t *testing.T) {
	runner := runnerFunc(func(_ context.Context, id turn.Identity, message string, emit turn.Emitter) error {
		if err := emit(turn.Event{Type: turn.EventTextDelta, Text: "Hello " + id.Role}); err != nil {
			return err
		}
		return emit(turn.Event{Type: turn.EventTurnDone})
	})
	ts, _ := newTestServer(t, runner)

	resp := doJSON(t, http.MethodPost, ts.URL+"/v1/turns", sessionToken(t, "dr-7", "Doctor"), `{"message":"hi"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "application/x-ndjson", resp.Header.Get("Content-Type"))

	var events []turn.Event
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		var event turn.Event
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &event))
		events = append(events, event)
	}
	require.NoError(t, scanner.Err())
	require.Len(t, events, 2)
	require.Equal(t, turn.EventTextDelta, events[0].Type)
	require.Equal(t, "Hello Doctor", events[0].Text)
	require.Equal(t, turn.EventTurnDone, events[1].Type)
}

func TestTurn_IdentityFromSession(t *testing.T) {
	var seen turn.Identity
	runner := runnerFunc(func(_ context.Context, id turn.Identity, _ string, emit turn.Emitter) error {
		seen = id
		return emit(turn.Event{Type: turn.EventTurnDone})
	})
	ts, _ := newTestServer(t, runner)

	resp := doJSON(t, http.MethodPost, ts.URL+"/v1/turns", sessionToken(t, "dr-7", "Doctor"), `{"message":"hi"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "dr-7", seen.ID)
	require.Equal(t, "Doctor", seen.Role)
	require.NotEmpty(t, seen.Origin)
}

func TestTurn_BadRequests(t *testing.T) {
	ts, _ := newTestServer(t, nil)
	token := sessionToken(t, "dr-7", "Doctor")

	resp := doJSON(t, http.MethodPost, ts.URL+"/v1/turns", token, `{"message":""}`)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = doJSON(t, http.MethodPost, ts.URL+"/v1/turns", token, `{"message":"hi","extra":true}`)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestTurn_PromptTooLongBeforeStreaming(t *testing.T) {
	runner := runnerFunc(func(context.Context, turn.Identity, string, turn.Emitter) error {
		return turn.ErrPromptTooLong
	})
	ts, _ := newTestServer(t, runner)

	resp := doJSON(t, http.MethodPost, ts.URL+"/v1/turns", sessionToken(t, "dr-7", "Doctor"), `{"message":"way too long"}`)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestTurnSSE_EventFraming(t *testing.T) {
	runner := runnerFunc(func(_ context.Context, _ turn.Identity, _ string, emit turn.Emitter) error {
		if err := emit(turn.Event{Type: turn.EventTextDelta, Text: "hi"}); err != nil {
			return err
		}
		return emit(turn.Event{Type: turn.EventTurnDone})
	})
	ts, _ := newTestServer(t, runner)

	resp := doJSON(t, http.MethodPost, ts.URL+"/v1/turns/sse", sessionToken(t, "dr-7", "Doctor"), `{"message":"hi"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	var names []string
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if name, ok := strings.CutPrefix(line, "event: "); ok {
			names = append(names, name)
		}
	}
	require.Equal(t, []string{turn.EventTextDelta, turn.EventTurnDone}, names)
}

func TestCatalogSwap_AdminOnly(t *testing.T) {
	ts, _ := newTestServer(t, nil)

	resp := doJSON(t, http.MethodPost, ts.URL+"/admin/catalog", sessionToken(t, "dr-7", "Doctor"), serverContract)
	require.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp = doJSON(t, http.MethodGet, ts.URL+"/admin/catalog.yaml", sessionToken(t, "dr-7", "Doctor"), "")
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestCatalogSwap_ReplacesStore(t *testing.T) {
	ts, store := newTestServer(t, nil)
	admin := sessionToken(t, "root", "Admin")

	next := strings.Replace(serverContract, `version: "1"`, `version: "2"`, 1)
	resp := doJSON(t, http.MethodPost, ts.URL+"/admin/catalog", admin, next)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "2", store.Load().Version())

	resp = doJSON(t, http.MethodPost, ts.URL+"/admin/catalog", admin, "roles: []\noperations: {}")
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	require.Equal(t, "2", store.Load().Version())
}

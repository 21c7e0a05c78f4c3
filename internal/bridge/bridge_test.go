package bridge

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/carebridge/medgate/internal/catalog"
	"github.com/carebridge/medgate/internal/credential"
	"github.com/carebridge/medgate/internal/policy"
)

const bridgeContract = `
operations:
  - name: get_patient_records
    owner: Doctor
    sensitive: true
    arguments:
      type: object
      properties:
        patient_id:
          type: string
      required: [patient_id]
      additionalProperties: false
  - name: unmapped_operation
    owner: Doctor
roles:
  Doctor:
    operations: [get_patient_records, unmapped_operation]
`

func grantFor(t *testing.T, operation, rawArgs string) policy.Grant {
	t.Helper()
	cat, err := catalog.Parse([]byte(bridgeContract))
	require.NoError(t, err)
	store, err := catalog.NewStore(cat)
	require.NoError(t, err)

	grant, denial := policy.NewValidator(store).Validate("Doctor", policy.CallRequest{
		ID:           "c1",
		Operation:    operation,
		RawArguments: rawArgs,
	})
	require.Nil(t, denial)
	return grant
}

func testCredential(t *testing.T) credential.Credential {
	t.Helper()
	cred, err := credential.NewMinter("bridge-secret", time.Minute).Mint("user-1", "Doctor")
	require.NoError(t, err)
	return cred
}

func TestExecute_Success(t *testing.T) {
	var gotAuth string
	var gotEnvelope map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotEnvelope))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"success":true,"data":[{"field":"x"}]}`))
	}))
	defer server.Close()

	b := New(Config{BaseURL: server.URL}, zerolog.Nop())
	cred := testCredential(t)

	result, err := b.Execute(t.Context(), grantFor(t, "get_patient_records", `{"patient_id":"NUGWI"}`), cred)
	require.NoError(t, err)
	require.True(t, result.Success)
	require.Empty(t, result.Error)
	require.True(t, result.Sensitive)
	require.Equal(t, []any{map[string]any{"field": "x"}}, result.Data)

	require.Equal(t, "Bearer "+cred.Token, gotAuth)
	require.Equal(t, "get_medical_records", gotEnvelope["method"])
	require.NotEmpty(t, gotEnvelope["id"])
	require.Equal(t, map[string]any{"patient_id": "NUGWI"}, gotEnvelope["arguments"])
}

func TestExecute_ApplicationError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte(`{"success":false,"error":{"message":"Forbidden: MedicalRecords"}}`))
	}))
	defer server.Close()

	b := New(Config{BaseURL: server.URL}, zerolog.Nop())

	result, err := b.Execute(t.Context(), grantFor(t, "get_patient_records", `{"patient_id":"NUGWI"}`), testCredential(t))
	require.NoError(t, err)
	require.False(t, result.Success)
	require.Equal(t, "Forbidden: MedicalRecords", result.Error)
}

func TestExecute_TimeoutIsUnreachable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		time.Sleep(200 * time.Millisecond)
		_, _ = w.Write([]byte(`{"success":true}`))
	}))
	defer server.Close()

	b := New(Config{BaseURL: server.URL, Timeout: 20 * time.Millisecond}, zerolog.Nop())

	result, err := b.Execute(t.Context(), grantFor(t, "get_patient_records", `{"patient_id":"NUGWI"}`), testCredential(t))
	require.NoError(t, err)
	require.False(t, result.Success)
	require.Equal(t, ErrorUnreachable, result.Error)
}

func TestExecute_ConnectionRefusedIsUnreachable(t *testing.T) {
	b := New(Config{BaseURL: "http://127.0.0.1:1"}, zerolog.Nop())

	result, err := b.Execute(t.Context(), grantFor(t, "get_patient_records", `{"patient_id":"NUGWI"}`), testCredential(t))
	require.NoError(t, err)
	require.False(t, result.Success)
	require.Equal(t, ErrorUnreachable, result.Error)
}

func TestExecute_UnmappedOperationIsHardError(t *testing.T) {
	b := New(Config{BaseURL: "http://127.0.0.1:1"}, zerolog.Nop())

	_, err := b.Execute(t.Context(), grantFor(t, "unmapped_operation", `{}`), testCredential(t))
	require.ErrorIs(t, err, ErrUnmappedOperation)
}

func TestExecute_RejectsZeroGrant(t *testing.T) {
	b := New(Config{BaseURL: "http://127.0.0.1:1"}, zerolog.Nop())

	_, err := b.Execute(t.Context(), policy.Grant{}, testCredential(t))
	require.ErrorIs(t, err, ErrGrantRequired)
}

func TestExecute_UnreadableResponseReportsFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte("upstream exploded"))
	}))
	defer server.Close()

	b := New(Config{BaseURL: server.URL}, zerolog.Nop())

	result, err := b.Execute(t.Context(), grantFor(t, "get_patient_records", `{"patient_id":"NUGWI"}`), testCredential(t))
	require.NoError(t, err)
	require.False(t, result.Success)
	require.Contains(t, result.Error, "502")
}

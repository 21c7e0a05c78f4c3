// Package bridge executes validated calls against the clinical resource server.
package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/carebridge/medgate/internal/credential"
	"github.com/carebridge/medgate/internal/policy"
)

// ErrorUnreachable is the uniform error label for transport failures.
// The backend's raw failure detail never leaves the gateway.
const ErrorUnreachable = "unreachable"

// ErrGrantRequired indicates Execute was called without a validation grant.
var ErrGrantRequired = errors.New("execution requires a valid policy grant")

// ErrUnmappedOperation indicates a cataloged operation has no resource-server
// method mapping. This is a gateway configuration fault, never a pass-through.
var ErrUnmappedOperation = errors.New("operation has no resource-server method mapping")

const defaultTimeout = 30 * time.Second

// ExecutionResult is the uniform outcome of one resource-server call.
type ExecutionResult struct {
	Success   bool
	Data      any
	Error     string
	Sensitive bool
}

// DefaultMethodTable maps gateway operation names to resource-server
// method names. The table is static and explicit; unmapped names are
// rejected before any request is constructed.
func DefaultMethodTable() map[string]string {
	return map[string]string{
		"get_patient_overview":     "get_patient_overview",
		"get_patient_admissions":   "get_admissions",
		"get_patient_appointments": "get_appointments",
		"get_patient_records":      "get_medical_records",
		"get_my_shifts":            "get_shifts",
	}
}

// Config configures the resource-server endpoint.
type Config struct {
	BaseURL string
	Timeout time.Duration
	// Methods overrides DefaultMethodTable when non-nil.
	Methods map[string]string
}

// Bridge performs resource-server calls with bounded timeouts and uniform
// error classification. It never retries within a turn.
type Bridge struct {
	baseURL string
	client  *http.Client
	methods map[string]string
	logger  zerolog.Logger
}

type requestEnvelope struct {
	ID        string         `json:"id"`
	Method    string         `json:"method"`
	Arguments map[string]any `json:"arguments"`
}

type responseEnvelope struct {
	Success bool `json:"success"`
	Data    any  `json:"data,omitempty"`
	Error   *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// New creates a bridge for the configured resource server.
func New(cfg Config, logger zerolog.Logger) *Bridge {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	methods := cfg.Methods
	if methods == nil {
		methods = DefaultMethodTable()
	}
	return &Bridge{
		baseURL: strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"),
		client:  &http.Client{Timeout: timeout},
		methods: methods,
		logger:  logger.With().Str("component", "bridge").Logger(),
	}
}

// Execute performs one call. A non-nil error marks a gateway-internal fault
// (missing grant, unmapped operation) that must abort the turn; everything
// attributable to the resource server or the network is folded into the
// ExecutionResult instead.
func (b *Bridge) Execute(ctx context.Context, grant policy.Grant, cred credential.Credential) (ExecutionResult, error) {
	if !grant.Valid() {
		return ExecutionResult{}, ErrGrantRequired
	}

	method, ok := b.methods[grant.Operation()]
	if !ok {
		return ExecutionResult{}, fmt.Errorf("%w: %s", ErrUnmappedOperation, grant.Operation())
	}

	envelope := requestEnvelope{
		ID:        uuid.NewString(),
		Method:    method,
		Arguments: grant.Arguments(),
	}
	body, err := json.Marshal(envelope)
	if err != nil {
		return ExecutionResult{}, fmt.Errorf("encoding request envelope: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.baseURL+"/rpc", bytes.NewReader(body))
	if err != nil {
		return ExecutionResult{}, fmt.Errorf("building resource-server request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+cred.Token)

	resp, err := b.client.Do(req)
	if err != nil {
		b.logger.Warn().Err(err).Str("method", method).Msg("resource server unreachable")
		return ExecutionResult{
			Success:   false,
			Error:     ErrorUnreachable,
			Sensitive: grant.Sensitive(),
		}, nil
	}
	defer func() { _ = resp.Body.Close() }()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		b.logger.Warn().Err(err).Str("method", method).Msg("reading resource server response failed")
		return ExecutionResult{
			Success:   false,
			Error:     ErrorUnreachable,
			Sensitive: grant.Sensitive(),
		}, nil
	}

	var decoded responseEnvelope
	if err := json.Unmarshal(payload, &decoded); err != nil {
		return ExecutionResult{
			Success:   false,
			Error:     fmt.Sprintf("resource server returned an unreadable response (status %d)", resp.StatusCode),
			Sensitive: grant.Sensitive(),
		}, nil
	}

	if !decoded.Success {
		message := "resource server rejected the call"
		if decoded.Error != nil && strings.TrimSpace(decoded.Error.Message) != "" {
			message = strings.TrimSpace(decoded.Error.Message)
		}
		return ExecutionResult{
			Success:   false,
			Error:     message,
			Sensitive: grant.Sensitive(),
		}, nil
	}

	return ExecutionResult{
		Success:   true,
		Data:      decoded.Data,
		Sensitive: grant.Sensitive(),
	}, nil
}

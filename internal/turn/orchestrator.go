package turn

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/rs/zerolog"

	"github.com/carebridge/medgate/internal/audit"
	"github.com/carebridge/medgate/internal/bridge"
	"github.com/carebridge/medgate/internal/catalog"
	"github.com/carebridge/medgate/internal/credential"
	"github.com/carebridge/medgate/internal/model"
	"github.com/carebridge/medgate/internal/policy"
	"github.com/carebridge/medgate/internal/redact"
)

const (
	defaultMaxPromptLen = 4000
	defaultMaxRounds    = 8
)

// ErrPromptTooLong reports user input over the configured bound. It is a
// caller error, surfaced before any model or resource-server traffic.
var ErrPromptTooLong = errors.New("user message exceeds the maximum prompt length")

// Executor runs one granted call against the resource server. The error
// return is reserved for gateway-internal faults; resource-server and
// transport outcomes fold into the ExecutionResult.
type Executor interface {
	Execute(ctx context.Context, grant policy.Grant, cred credential.Credential) (bridge.ExecutionResult, error)
}

// Emitter delivers one caller-facing event. A returned error means the
// caller can no longer receive the stream.
type Emitter func(Event) error

// Orchestrator drives one conversational turn: it consumes the model's
// event stream, forwards text as it arrives, and pushes every completed
// call through validation, credential minting, execution, redaction and
// audit before reinjecting the outcome and resuming generation.
type Orchestrator struct {
	store     *catalog.Store
	validator *policy.Validator
	minter    *credential.Minter
	executor  Executor
	recorder  *audit.Recorder
	client    model.Client
	logger    zerolog.Logger

	maxPromptLen int
	maxRounds    int
}

// Options bound one turn. Zero values select the defaults.
type Options struct {
	// MaxPromptLen caps the user message length in bytes.
	MaxPromptLen int
	// MaxRounds caps how many times generation may resume after tool
	// results, guarding against call loops.
	MaxRounds int
}

// New assembles an orchestrator from its collaborators.
func New(store *catalog.Store, validator *policy.Validator, minter *credential.Minter, executor Executor, recorder *audit.Recorder, client model.Client, logger zerolog.Logger, opts Options) *Orchestrator {
	if opts.MaxPromptLen <= 0 {
		opts.MaxPromptLen = defaultMaxPromptLen
	}
	if opts.MaxRounds <= 0 {
		opts.MaxRounds = defaultMaxRounds
	}
	return &Orchestrator{
		store:        store,
		validator:    validator,
		minter:       minter,
		executor:     executor,
		recorder:     recorder,
		client:       client,
		logger:       logger.With().Str("component", "turn").Logger(),
		maxPromptLen: opts.MaxPromptLen,
		maxRounds:    opts.MaxRounds,
	}
}

// Run executes one turn for the caller, streaming events through emit.
// The catalog is snapshotted once: a hot swap mid-turn never changes the
// rules this turn started with.
func (o *Orchestrator) Run(ctx context.Context, id Identity, userMessage string, emit Emitter) error {
	if len(userMessage) > o.maxPromptLen {
		return fmt.Errorf("%w (%d bytes, limit %d)", ErrPromptTooLong, len(userMessage), o.maxPromptLen)
	}

	cat := o.store.Load()
	req := model.Request{
		System:       cat.Prompt(id.Role),
		Messages:     []model.Message{{Role: "user", Content: userMessage}},
		Capabilities: capabilitiesFor(cat, id.Role),
	}

	for round := 0; round < o.maxRounds; round++ {
		resumed, err := o.generate(ctx, cat, id, &req, emit)
		if err != nil {
			return err
		}
		if !resumed {
			return emit(Event{Type: EventTurnDone})
		}
	}

	o.logger.Warn().Str("actor", id.ID).Int("rounds", o.maxRounds).Msg("generation round limit reached")
	return emit(Event{Type: EventTurnDone})
}

// generate runs one model generation, processing completed calls in the
// order the model emitted them. It reports whether any outcome was
// reinjected, in which case the caller resumes with the extended
// transcript.
func (o *Orchestrator) generate(ctx context.Context, cat *catalog.Catalog, id Identity, req *model.Request, emit Emitter) (bool, error) {
	stream, err := o.client.Stream(ctx, *req)
	if err != nil {
		return false, o.fatal(emit, fmt.Errorf("starting model generation: %w", err))
	}
	defer func() { _ = stream.Close() }()

	acc := model.NewAccumulator()
	var assistantText strings.Builder
	var outcomes []callOutcome

loop:
	for {
		event, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return false, o.fatal(emit, fmt.Errorf("reading model generation: %w", err))
		}

		switch event.Kind {
		case model.EventText:
			assistantText.WriteString(event.Text)
			if err := emit(Event{Type: EventTextDelta, Text: event.Text}); err != nil {
				return false, err
			}
		case model.EventCall:
			acc.Add(*event.Call)
		case model.EventCallEnd:
			call, ok := acc.Finish(event.Call.ID)
			if !ok {
				continue
			}
			outcome, err := o.processCall(ctx, cat, id, call, emit)
			if err != nil {
				return false, err
			}
			outcomes = append(outcomes, outcome)
		case model.EventEndOfTurn:
			break loop
		}
	}

	// Calls the stream abandoned mid-fragment are malformed and never
	// executed. They did not complete on the model side either, so no
	// outcome is reinjected for them.
	for _, call := range acc.Incomplete() {
		if err := o.reportIncomplete(id, call, emit); err != nil {
			return false, err
		}
	}

	// A nameless call cannot be echoed back as a tool call; the chat
	// protocol rejects empty function names. Its denial was already
	// streamed and audited, so it contributes nothing to the resumed
	// transcript.
	reinject := make([]callOutcome, 0, len(outcomes))
	for _, outcome := range outcomes {
		if strings.TrimSpace(outcome.call.Name) == "" {
			continue
		}
		reinject = append(reinject, outcome)
	}
	if len(reinject) == 0 {
		return false, nil
	}
	appendTranscript(req, assistantText.String(), reinject)
	return true, nil
}

// callOutcome is what one processed call contributes back to the model's
// context.
type callOutcome struct {
	call        model.PendingCall
	toolContent string
}

// processCall takes one completed call through the full pipeline. Denials
// are reported and reinjected so the turn continues; fatal faults terminate
// it.
func (o *Orchestrator) processCall(ctx context.Context, cat *catalog.Catalog, id Identity, call model.PendingCall, emit Emitter) (callOutcome, error) {
	if err := emit(Event{Type: EventCallAnnounced, CallID: call.ID, Operation: call.Name}); err != nil {
		return callOutcome{}, err
	}

	grant, denial := o.validator.ValidateAgainst(cat, id.Role, policy.CallRequest{
		ID:           call.ID,
		Operation:    call.Name,
		RawArguments: call.Arguments,
	})
	if denial != nil {
		return o.deny(id, call, denial, emit)
	}

	o.recorder.Record(audit.Record{
		Actor:     id.ID,
		Role:      id.Role,
		Decision:  audit.DecisionAllow,
		Operation: call.Name,
		Origin:    id.Origin,
		Sensitive: grant.Sensitive(),
	})

	cred, err := o.minter.Mint(id.ID, id.Role)
	if err != nil {
		return callOutcome{}, o.fatal(emit, fmt.Errorf("minting execution credential: %w", err))
	}

	// The resource-server call runs to completion even if the caller
	// disconnects; any side effects are not cancelable mid-flight. The
	// bridge's own timeout still bounds it.
	result, err := o.executor.Execute(context.WithoutCancel(ctx), grant, cred)
	if err != nil {
		return callOutcome{}, o.fatal(emit, fmt.Errorf("executing %s: %w", call.Name, err))
	}

	decision := audit.DecisionExecuteOK
	if !result.Success {
		decision = audit.DecisionExecuteFail
	}
	o.recorder.Record(audit.Record{
		Actor:     id.ID,
		Role:      id.Role,
		Decision:  decision,
		Operation: call.Name,
		Origin:    id.Origin,
		Sensitive: result.Sensitive,
	})

	if ctx.Err() != nil {
		// Caller is gone. The outcome is audited above; the result itself
		// is discarded, never streamed.
		return callOutcome{}, ctx.Err()
	}

	if !result.Success {
		o.logger.Warn().
			Str("actor", id.ID).
			Str("operation", call.Name).
			Str("error", result.Error).
			Msg("call execution failed")
		if err := emit(Event{
			Type:      EventCallResult,
			CallID:    call.ID,
			Operation: call.Name,
			Success:   boolPtr(false),
			Error:     result.Error,
		}); err != nil {
			return callOutcome{}, err
		}
		return callOutcome{call: call, toolContent: toolContent(map[string]any{
			"success": false,
			"error":   result.Error,
		})}, nil
	}

	filtered := redact.Filter(cat, id.Role, call.Name, result.Data)
	if err := emit(Event{
		Type:      EventCallResult,
		CallID:    call.ID,
		Operation: call.Name,
		Success:   boolPtr(true),
		Data:      filtered,
	}); err != nil {
		return callOutcome{}, err
	}
	return callOutcome{call: call, toolContent: toolContent(map[string]any{
		"success": true,
		"data":    filtered,
	})}, nil
}

// deny reports a denial to the caller and the model and audits it. The
// turn continues: one denied call never aborts the rest of the stream.
func (o *Orchestrator) deny(id Identity, call model.PendingCall, denial *policy.Denial, emit Emitter) (callOutcome, error) {
	logEvent := o.logger.Info()
	if denial.Kind != policy.DenialMalformed {
		logEvent = o.logger.Warn()
	}
	logEvent.
		Str("actor", id.ID).
		Str("role", id.Role).
		Str("operation", call.Name).
		Str("kind", string(denial.Kind)).
		Msg("call denied")

	o.recorder.Record(audit.Record{
		Actor:     id.ID,
		Role:      id.Role,
		Decision:  audit.DecisionDeny,
		Operation: call.Name,
		Origin:    id.Origin,
	})

	if err := emit(Event{
		Type:      EventCallDenied,
		CallID:    call.ID,
		Operation: call.Name,
		Reason:    denial.Reason,
	}); err != nil {
		return callOutcome{}, err
	}
	return callOutcome{call: call, toolContent: toolContent(map[string]any{
		"denied": true,
		"reason": denial.Reason,
	})}, nil
}

// reportIncomplete handles a call the model started but never finished.
func (o *Orchestrator) reportIncomplete(id Identity, call model.PendingCall, emit Emitter) error {
	reason := "call was not completed before the generation ended"
	o.logger.Info().
		Str("actor", id.ID).
		Str("call_id", call.ID).
		Str("operation", call.Name).
		Msg("incomplete call discarded")

	o.recorder.Record(audit.Record{
		Actor:     id.ID,
		Role:      id.Role,
		Decision:  audit.DecisionDeny,
		Operation: call.Name,
		Origin:    id.Origin,
	})

	if err := emit(Event{Type: EventCallAnnounced, CallID: call.ID, Operation: call.Name}); err != nil {
		return err
	}
	return emit(Event{Type: EventCallDenied, CallID: call.ID, Operation: call.Name, Reason: reason})
}

// fatal surfaces an unrecoverable fault distinctly from denials, then
// terminates the turn with the underlying error.
func (o *Orchestrator) fatal(emit Emitter, err error) error {
	o.logger.Error().Err(err).Msg("turn terminated")
	detail := audit.RedactSensitiveText(err.Error())
	if emitErr := emit(Event{Type: EventFatalError, Error: detail}); emitErr != nil {
		return errors.Join(err, emitErr)
	}
	return err
}

// appendTranscript folds this generation's text and call outcomes into the
// request so the next generation sees them as prior context.
func appendTranscript(req *model.Request, assistantText string, outcomes []callOutcome) {
	if assistantText != "" {
		req.Messages = append(req.Messages, model.Message{Role: "assistant", Content: assistantText})
	}
	for _, outcome := range outcomes {
		req.Messages = append(req.Messages,
			model.Message{
				Role:          "assistant",
				CallID:        outcome.call.ID,
				CallName:      outcome.call.Name,
				CallArguments: outcome.call.Arguments,
			},
			model.Message{
				Role:    "tool",
				CallID:  outcome.call.ID,
				Content: outcome.toolContent,
			},
		)
	}
}

func capabilitiesFor(cat *catalog.Catalog, role string) []model.Capability {
	entries := cat.CapabilitiesFor(role)
	capabilities := make([]model.Capability, 0, len(entries))
	for _, entry := range entries {
		capabilities = append(capabilities, model.Capability{
			Name:        entry.Operation,
			Description: entry.Description,
			InputSchema: entry.InputSchema,
		})
	}
	return capabilities
}

func toolContent(payload map[string]any) string {
	encoded, err := json.Marshal(payload)
	if err != nil {
		return `{"success":false,"error":"result could not be encoded"}`
	}
	return string(encoded)
}

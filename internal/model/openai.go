package model

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

const defaultChatTimeout = 60 * time.Second

// ChatConfig configures an OpenAI-compatible chat completions endpoint.
type ChatConfig struct {
	BaseURL     string
	APIKey      string
	Model       string
	Temperature float64
	MaxTokens   int
}

// ChatClient streams generations from an OpenAI-compatible endpoint.
type ChatClient struct {
	cfg    ChatConfig
	client *http.Client
}

// NewChatClient creates a streaming chat client.
func NewChatClient(cfg ChatConfig) *ChatClient {
	return &ChatClient{
		cfg: cfg,
		client: &http.Client{
			// Generation streams can outlive a single call timeout; the
			// per-request context bounds the overall turn instead.
			Timeout: 0,
		},
	}
}

type chatMessage struct {
	Role       string         `json:"role"`
	Content    string         `json:"content,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
	ToolCalls  []chatToolCall `json:"tool_calls,omitempty"`
}

type chatToolCall struct {
	Index    *int   `json:"index,omitempty"`
	ID       string `json:"id,omitempty"`
	Type     string `json:"type,omitempty"`
	Function struct {
		Name      string `json:"name,omitempty"`
		Arguments string `json:"arguments,omitempty"`
	} `json:"function"`
}

type chatTool struct {
	Type     string `json:"type"`
	Function struct {
		Name        string         `json:"name"`
		Description string         `json:"description,omitempty"`
		Parameters  map[string]any `json:"parameters,omitempty"`
	} `json:"function"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Tools       []chatTool    `json:"tools,omitempty"`
	ToolChoice  string        `json:"tool_choice,omitempty"`
	Temperature float64       `json:"temperature,omitempty"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Stream      bool          `json:"stream"`
}

type chatChunk struct {
	Choices []struct {
		Delta struct {
			Content   string         `json:"content"`
			ToolCalls []chatToolCall `json:"tool_calls"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
}

// Stream starts one generation and returns its event stream.
func (c *ChatClient) Stream(ctx context.Context, req Request) (Stream, error) {
	payload := chatRequest{
		Model:       c.cfg.Model,
		Messages:    buildChatMessages(req),
		Tools:       buildChatTools(req.Capabilities),
		Temperature: c.cfg.Temperature,
		MaxTokens:   c.cfg.MaxTokens,
		Stream:      true,
	}
	if len(payload.Tools) > 0 {
		payload.ToolChoice = "auto"
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encoding chat request: %w", err)
	}

	url := strings.TrimRight(strings.TrimSpace(c.cfg.BaseURL), "/") + "/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("building chat request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if key := strings.TrimSpace(c.cfg.APIKey); key != "" {
		httpReq.Header.Set("Authorization", "Bearer "+key)
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("starting generation: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer func() { _ = resp.Body.Close() }()
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return nil, fmt.Errorf("model endpoint returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(detail)))
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	return &chatStream{
		body:    resp.Body,
		scanner: scanner,
		callIDs: make(map[int]string),
	}, nil
}

type chatStream struct {
	body    io.ReadCloser
	scanner *bufio.Scanner
	queued  []Event
	callIDs map[int]string
	open    []string
	done    bool
}

// Recv returns the next event, translating SSE chunks as needed.
func (s *chatStream) Recv() (Event, error) {
	for {
		if len(s.queued) > 0 {
			next := s.queued[0]
			s.queued = s.queued[1:]
			return next, nil
		}
		if s.done {
			return Event{}, io.EOF
		}

		if !s.scanner.Scan() {
			if err := s.scanner.Err(); err != nil {
				return Event{}, fmt.Errorf("reading generation stream: %w", err)
			}
			// Stream closed without a terminal chunk; treat as end of turn.
			s.done = true
			s.queueFinish()
			continue
		}

		line := strings.TrimSpace(s.scanner.Text())
		if line == "" || !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "[DONE]" {
			s.done = true
			s.queueFinish()
			continue
		}

		var chunk chatChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			return Event{}, fmt.Errorf("decoding generation chunk: %w", err)
		}
		s.translate(chunk)
	}
}

// Close releases the underlying response body.
func (s *chatStream) Close() error {
	return s.body.Close()
}

func (s *chatStream) translate(chunk chatChunk) {
	for _, choice := range chunk.Choices {
		if choice.Delta.Content != "" {
			s.queued = append(s.queued, Event{Kind: EventText, Text: choice.Delta.Content})
		}
		for _, call := range choice.Delta.ToolCalls {
			id := s.resolveCallID(call)
			if id == "" {
				continue
			}
			s.queued = append(s.queued, Event{
				Kind: EventCall,
				Call: &CallDelta{
					ID:                id,
					Name:              call.Function.Name,
					ArgumentsFragment: call.Function.Arguments,
				},
			})
		}
		if choice.FinishReason != "" {
			s.queueFinish()
		}
	}
}

// resolveCallID tracks fragment ids by stream index: only the first
// fragment of a call carries its id.
func (s *chatStream) resolveCallID(call chatToolCall) string {
	index := 0
	if call.Index != nil {
		index = *call.Index
	}
	if id := strings.TrimSpace(call.ID); id != "" {
		if _, known := s.callIDs[index]; !known {
			s.open = append(s.open, id)
		}
		s.callIDs[index] = id
		return id
	}
	if id, ok := s.callIDs[index]; ok {
		return id
	}
	// Provider omitted the id entirely; synthesize a stable one per index.
	id := "call-" + strconv.Itoa(index)
	s.callIDs[index] = id
	s.open = append(s.open, id)
	return id
}

func (s *chatStream) queueFinish() {
	for _, id := range s.open {
		s.queued = append(s.queued, Event{Kind: EventCallEnd, Call: &CallDelta{ID: id}})
	}
	s.open = nil
	if !s.finishQueued() {
		s.queued = append(s.queued, Event{Kind: EventEndOfTurn})
	}
}

func (s *chatStream) finishQueued() bool {
	for _, event := range s.queued {
		if event.Kind == EventEndOfTurn {
			return true
		}
	}
	return false
}

func buildChatMessages(req Request) []chatMessage {
	messages := make([]chatMessage, 0, len(req.Messages)+1)
	if system := strings.TrimSpace(req.System); system != "" {
		messages = append(messages, chatMessage{Role: "system", Content: system})
	}
	for _, msg := range req.Messages {
		converted := chatMessage{Role: msg.Role, Content: msg.Content}
		switch msg.Role {
		case "assistant":
			if msg.CallID != "" {
				call := chatToolCall{ID: msg.CallID, Type: "function"}
				call.Function.Name = msg.CallName
				call.Function.Arguments = msg.CallArguments
				converted.ToolCalls = []chatToolCall{call}
			}
		case "tool":
			converted.ToolCallID = msg.CallID
		}
		messages = append(messages, converted)
	}
	return messages
}

func buildChatTools(capabilities []Capability) []chatTool {
	tools := make([]chatTool, 0, len(capabilities))
	for _, capability := range capabilities {
		tool := chatTool{Type: "function"}
		tool.Function.Name = capability.Name
		tool.Function.Description = capability.Description
		tool.Function.Parameters = capability.InputSchema
		tools = append(tools, tool)
	}
	return tools
}

package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/labstack/echo/v5"

	"github.com/samcharles93/pipeshard/internal/pipeline"
)

// ChatCompletionRequest is the subset of the OpenAI chat request the gateway
// reads. Sampling fields are accepted but decoding is always greedy.
type ChatCompletionRequest struct {
	Model               string        `json:"model"`
	Messages            []ChatMessage `json:"messages"`
	Stream              *bool         `json:"stream,omitempty"`
	MaxTokens           *int          `json:"max_tokens,omitempty"`
	MaxCompletionTokens *int          `json:"max_completion_tokens,omitempty"`
	Temperature         *float64      `json:"temperature,omitempty"`
	TopP                *float64      `json:"top_p,omitempty"`
	N                   *int          `json:"n,omitempty"`
	Seed                *int64        `json:"seed,omitempty"`
	PresencePenalty     *float64      `json:"presence_penalty,omitempty"`
	FrequencyPenalty    *float64      `json:"frequency_penalty,omitempty"`
	Stop                any           `json:"stop,omitempty"`
	User                string        `json:"user,omitempty"`
}

type ChatMessage struct {
	Role    string `json:"role,omitempty"`
	Content any    `json:"content,omitempty"`
}

type ChatCompletionResponse struct {
	ID      string       `json:"id"`
	Object  string       `json:"object"`
	Created int64        `json:"created"`
	Model   string       `json:"model"`
	Choices []ChatChoice `json:"choices"`
	Usage   ChatUsage    `json:"usage"`
}

type ChatChoice struct {
	Index        int          `json:"index"`
	Message      *ChatMessage `json:"message,omitempty"`
	Delta        *ChatMessage `json:"delta,omitempty"`
	FinishReason *string      `json:"finish_reason"`
}

// ChatUsage counts whitespace-delimited words, not tokens.
type ChatUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// ChatCompletionChunk is one streaming SSE event.
type ChatCompletionChunk struct {
	ID      string       `json:"id"`
	Object  string       `json:"object"`
	Created int64        `json:"created"`
	Model   string       `json:"model"`
	Choices []ChatChoice `json:"choices"`
}

type chatCall struct {
	id        string
	created   int64
	model     string
	prompt    string
	maxTokens int
}

func (s *Server) handleChatCompletions(c *echo.Context) error {
	if s.gen == nil {
		return writeError(c, http.StatusInternalServerError, "server_error", "pipeline not configured", "", "")
	}
	req, err := decodeJSON[ChatCompletionRequest](c.Request().Body)
	if err != nil {
		return writeBadRequest(c, fmt.Sprintf("invalid JSON body: %v", err))
	}
	call, err := s.prepare(req)
	if err != nil {
		return writeBadRequest(c, err.Error())
	}
	if ignored := ignoredSampling(req); len(ignored) > 0 {
		s.log.Debug("ignoring sampling parameters, decoding is greedy", "completion", call.id, "params", ignored)
	}

	if req.Stream != nil && *req.Stream {
		return s.streamChatCompletion(c, call)
	}
	return s.syncChatCompletion(c, call)
}

func (s *Server) prepare(req ChatCompletionRequest) (chatCall, error) {
	if len(req.Messages) == 0 {
		return chatCall{}, newInvalidRequest("messages is required and must not be empty")
	}
	prompt, err := flattenMessages(req.Messages)
	if err != nil {
		return chatCall{}, err
	}
	maxTokens := s.opts.DefaultMaxTokens
	switch {
	case req.MaxCompletionTokens != nil:
		maxTokens = *req.MaxCompletionTokens
	case req.MaxTokens != nil:
		maxTokens = *req.MaxTokens
	}
	if maxTokens < 0 {
		return chatCall{}, newInvalidRequest(fmt.Sprintf("max_tokens must not be negative, got %d", maxTokens))
	}
	if req.N != nil && *req.N != 1 {
		return chatCall{}, newInvalidRequest("only n=1 is supported")
	}
	model := req.Model
	if model == "" {
		model = s.opts.Model
	}
	return chatCall{
		id:        "chatcmpl-" + uuid.NewString(),
		created:   s.clock().Unix(),
		model:     model,
		prompt:    prompt,
		maxTokens: maxTokens,
	}, nil
}

// flattenMessages renders each message as "<role>: <content>" on its own
// line.
func flattenMessages(msgs []ChatMessage) (string, error) {
	lines := make([]string, 0, len(msgs))
	for i, m := range msgs {
		if strings.TrimSpace(m.Role) == "" {
			return "", newInvalidRequest(fmt.Sprintf("messages[%d].role is required", i))
		}
		text, err := messageText(m.Content)
		if err != nil {
			return "", newInvalidRequest(fmt.Sprintf("messages[%d].content: %v", i, err))
		}
		lines = append(lines, m.Role+": "+text)
	}
	return strings.Join(lines, "\n"), nil
}

func messageText(content any) (string, error) {
	switch v := content.(type) {
	case nil:
		return "", nil
	case string:
		return v, nil
	case []any:
		var parts []string
		for _, raw := range v {
			part, ok := raw.(map[string]any)
			if !ok {
				return "", errors.New("content parts must be objects")
			}
			typ, _ := part["type"].(string)
			if typ != "text" {
				return "", fmt.Errorf("unsupported content part type %q", typ)
			}
			text, _ := part["text"].(string)
			parts = append(parts, text)
		}
		return strings.Join(parts, "\n"), nil
	default:
		return "", errors.New("must be a string or an array of text parts")
	}
}

func ignoredSampling(req ChatCompletionRequest) []string {
	var out []string
	if req.Temperature != nil {
		out = append(out, "temperature")
	}
	if req.TopP != nil {
		out = append(out, "top_p")
	}
	if req.Seed != nil {
		out = append(out, "seed")
	}
	if req.PresencePenalty != nil {
		out = append(out, "presence_penalty")
	}
	if req.FrequencyPenalty != nil {
		out = append(out, "frequency_penalty")
	}
	if req.Stop != nil {
		out = append(out, "stop")
	}
	return out
}

func (s *Server) syncChatCompletion(c *echo.Context, call chatCall) error {
	result, err := s.gen.Generate(c.Request().Context(), call.prompt, call.maxTokens, nil)
	if err != nil {
		return s.writeGenerationError(c, call, err)
	}
	finish := result.FinishReason
	promptWords, completionWords := wordCount(call.prompt), wordCount(result.Text)
	return c.JSON(http.StatusOK, ChatCompletionResponse{
		ID:      call.id,
		Object:  "chat.completion",
		Created: call.created,
		Model:   call.model,
		Choices: []ChatChoice{{
			Message:      &ChatMessage{Role: "assistant", Content: result.Text},
			FinishReason: &finish,
		}},
		Usage: ChatUsage{
			PromptTokens:     promptWords,
			CompletionTokens: completionWords,
			TotalTokens:      promptWords + completionWords,
		},
	})
}

func (s *Server) streamChatCompletion(c *echo.Context, call chatCall) error {
	res := c.Response()
	flusher, ok := res.(interface{ Flush() })
	if !ok {
		return writeBadRequest(c, "streaming unsupported")
	}
	res.Header().Set(echo.HeaderContentType, "text/event-stream")
	res.Header().Set("Cache-Control", "no-cache")
	res.Header().Set("Connection", "keep-alive")
	res.WriteHeader(http.StatusOK)

	chunk := func(delta ChatMessage, finish *string) ChatCompletionChunk {
		return ChatCompletionChunk{
			ID:      call.id,
			Object:  "chat.completion.chunk",
			Created: call.created,
			Model:   call.model,
			Choices: []ChatChoice{{Delta: &delta, FinishReason: finish}},
		}
	}

	if err := sendSSEChunk(res, chunk(ChatMessage{Role: "assistant"}, nil)); err != nil {
		return err
	}
	flusher.Flush()

	result, err := s.gen.Generate(c.Request().Context(), call.prompt, call.maxTokens, func(_ int, piece string) {
		if piece == "" {
			return
		}
		_ = sendSSEChunk(res, chunk(ChatMessage{Content: piece}, nil))
		flusher.Flush()
	})
	if err != nil {
		s.log.Error("completion failed", "completion", call.id, "error", err)
		var body errorEnvelope
		body.Error = ResponseError{Message: err.Error(), Type: errorType(err)}
		_ = sendSSEChunk(res, body)
		_, _ = res.Write([]byte("data: [DONE]\n\n"))
		flusher.Flush()
		return nil
	}

	finish := result.FinishReason
	_ = sendSSEChunk(res, chunk(ChatMessage{}, &finish))
	_, _ = res.Write([]byte("data: [DONE]\n\n"))
	flusher.Flush()
	return nil
}

func (s *Server) writeGenerationError(c *echo.Context, call chatCall, err error) error {
	switch {
	case errors.Is(err, pipeline.ErrEmptyPrompt):
		return writeBadRequest(c, err.Error())
	case errors.Is(err, context.Canceled):
		s.log.Info("completion abandoned by client", "completion", call.id)
		return nil
	}
	s.log.Error("completion failed", "completion", call.id, "error", err)
	status := http.StatusInternalServerError
	if errors.Is(err, pipeline.ErrGeneration) {
		status = http.StatusBadGateway
	}
	return writeError(c, status, errorType(err), err.Error(), "", "")
}

func errorType(err error) string {
	if errors.Is(err, pipeline.ErrGeneration) {
		return "upstream_error"
	}
	return "server_error"
}

func wordCount(s string) int { return len(strings.Fields(s)) }

package reason

import (
	"context"

	"github.com/sells-group/verity/pkg/anthropic"
)

// mockAnthropicClient implements anthropic.Client for testing. Replies are
// played back in call order; once the script runs out the last reply
// repeats. Every request is recorded for assertions.
type mockAnthropicClient struct {
	replies  []string
	err      error
	requests []anthropic.MessageRequest
}

func (m *mockAnthropicClient) CreateMessage(_ context.Context, req anthropic.MessageRequest) (*anthropic.MessageResponse, error) {
	m.requests = append(m.requests, req)
	if m.err != nil {
		return nil, m.err
	}
	idx := len(m.requests) - 1
	if idx >= len(m.replies) {
		idx = len(m.replies) - 1
	}
	return &anthropic.MessageResponse{
		ID:         "msg_test",
		Model:      req.Model,
		Content:    []anthropic.ContentBlock{{Type: "text", Text: m.replies[idx]}},
		StopReason: "end_turn",
		Usage:      anthropic.TokenUsage{InputTokens: 200, OutputTokens: 40},
	}, nil
}

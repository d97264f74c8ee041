package frontend

import (
	"strings"
	"time"

	"inferd/pkg/types"
)

// validate converts an HTTP request into an internal InferenceRequest,
// applying field defaults and rejecting anything that violates a field
// invariant. modelMaxSeq is 0 when the model's config sets no max sequence
// length; in that case the max_tokens-vs-max_seq_length check is skipped.
// defaultTimeout is used when the request does not specify timeout_s.
func validate(req types.InferHTTPRequest, peerAddr string, modelMaxSeq int, defaultTimeout time.Duration) (*types.InferenceRequest, error) {
	if strings.TrimSpace(req.Model) == "" {
		return nil, ErrValidation("model is required")
	}

	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = 100
	}
	if maxTokens <= 0 {
		return nil, ErrValidation("max_tokens must be positive")
	}
	if modelMaxSeq > 0 && maxTokens > modelMaxSeq {
		return nil, ErrValidation("max_tokens exceeds model max_seq_length")
	}

	temperature := 1.0
	if req.Temperature != nil {
		temperature = *req.Temperature
	}
	if temperature < 0 {
		return nil, ErrValidation("temperature must be >= 0")
	}

	priorityStr := req.Priority
	if priorityStr == "" {
		priorityStr = "NORMAL"
	}
	priority, ok := types.ParsePriority(priorityStr)
	if !ok {
		return nil, ErrValidation("priority must be one of HIGH, NORMAL, LOW")
	}

	timeout := time.Duration(req.TimeoutS * float64(time.Second))
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	clientID := req.ClientID
	if clientID == "" {
		clientID = peerAddr
	}

	return &types.InferenceRequest{
		ClientID:    clientID,
		Model:       req.Model,
		Prompt:      req.Prompt,
		MaxTokens:   maxTokens,
		Temperature: temperature,
		Priority:    priority,
		Timeout:     timeout,
		Metadata:    req.Metadata,
		CreatedAt:   time.Now(),
	}, nil
}

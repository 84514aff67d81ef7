package ipc

// ChatRequest asks a worker to run one model turn.
type ChatRequest struct {
	ChatID    string    `json:"chat_id"`
	Model     string    `json:"model"`
	System    string    `json:"system,omitempty"`
	Messages  []ChatMsg `json:"messages"`
	MaxTokens int       `json:"max_tokens,omitempty"`
	Iteration int       `json:"iteration,omitempty"`
}

// ChatMsg is one turn of request history.
type ChatMsg struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// PlanTaskRequest asks a worker to run one provider-backed plan task.
type PlanTaskRequest struct {
	ChatID string         `json:"chat_id"`
	PlanID string         `json:"plan_id"`
	TaskID string         `json:"task_id"`
	Model  string         `json:"model"`
	Prompt string         `json:"prompt"`
	Params map[string]any `json:"params,omitempty"`
}

// Delta is one streamed chunk of model output.
type Delta struct {
	Text string `json:"text"`
}

// ModelRetry reports one classified retry of a provider call.
type ModelRetry struct {
	Attempt int     `json:"attempt"`
	Class   string  `json:"class"`
	DelayMS int64   `json:"delay_ms"`
	Model   string  `json:"model"`
	Message string  `json:"message,omitempty"`
	Cost    float64 `json:"cost,omitempty"`
}

// Result is the terminal payload of a chat or plan_task request.
type Result struct {
	Text       string `json:"text"`
	Model      string `json:"model,omitempty"`
	StopReason string `json:"stop_reason,omitempty"`

	InputTokens  int64 `json:"input_tokens,omitempty"`
	OutputTokens int64 `json:"output_tokens,omitempty"`
}

// ConfigReload pushes updated rate-limit overrides to a worker.
type ConfigReload struct {
	RateLimits map[string]map[string]int64 `json:"rate_limits,omitempty"`
}

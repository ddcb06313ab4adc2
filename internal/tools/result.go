package tools

import "github.com/nextlevelbuilder/aide/internal/providers"

// ContentBlock carries non-text output (an image, a file reference)
// alongside the text result.
type ContentBlock struct {
	Type string `json:"type"` // "image", "file"
	URL  string `json:"url,omitempty"`
	Path string `json:"path,omitempty"`
}

// Result is the unified envelope returned by every tool.
type Result struct {
	ForLLM   string            `json:"for_llm"`            // content sent back to the model
	ForUser  string            `json:"for_user,omitempty"` // content shown directly to the principal
	Silent   bool              `json:"silent"`             // suppress user-facing message
	IsError  bool              `json:"is_error"`           // marks a failed call
	Async    bool              `json:"async"`              // work continues in the background
	Metadata map[string]string `json:"metadata,omitempty"`
	Blocks   []ContentBlock    `json:"content_blocks,omitempty"`
	Err      error             `json:"-"` // internal error, not serialized

	// Usage holds token spend from tools that make their own LLM calls.
	Usage *providers.Usage `json:"-"`
}

func NewResult(forLLM string) *Result {
	return &Result{ForLLM: forLLM}
}

func SilentResult(forLLM string) *Result {
	return &Result{ForLLM: forLLM, Silent: true}
}

func ErrorResult(message string) *Result {
	return &Result{ForLLM: message, IsError: true}
}

func UserResult(content string) *Result {
	return &Result{ForLLM: content, ForUser: content}
}

func AsyncResult(message string) *Result {
	return &Result{ForLLM: message, Async: true}
}

func (r *Result) WithError(err error) *Result {
	r.Err = err
	return r
}

func (r *Result) WithMetadata(key, value string) *Result {
	if r.Metadata == nil {
		r.Metadata = make(map[string]string)
	}
	r.Metadata[key] = value
	return r
}

package api

import (
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/audioworks/volcasr/internal/storage/sqlite"
)

// TranscribeRequest is the body of POST /transcribe and POST /transcribe/sync.
// MaxRetries and RetryInterval apply to the sync endpoint only.
type TranscribeRequest struct {
	AudioURL      string `json:"audio_url" validate:"required,url"`
	MaxRetries    *int   `json:"max_retries,omitempty" validate:"omitempty,min=0,max=600"`
	RetryInterval *int   `json:"retry_interval,omitempty" validate:"omitempty,min=0,max=300"`
}

// TranscribeResponse is the body returned by both transcribe endpoints
type TranscribeResponse struct {
	Success bool         `json:"success"`
	Message string       `json:"message,omitempty"`
	TaskID  string       `json:"task_id,omitempty"`
	DBID    int64        `json:"db_id,omitempty"`
	Data    *ChatMessage `json:"data,omitempty"`
}

// TaskListResponse is the body of GET /tasks
type TaskListResponse struct {
	Total int                  `json:"total"`
	Tasks []*sqlite.TaskRecord `json:"tasks"`
}

// ErrorResponse is the envelope for all error bodies
type ErrorResponse struct {
	Error ErrorBody `json:"error"`
}

// ErrorBody carries a machine-readable code alongside the message
type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Error codes used in ErrorBody.Code.
const (
	codeValidation  = "validation_error"
	codeNotFound    = "not_found"
	codeTranscribe  = "transcription_failed"
	codeWaitTimeout = "wait_timeout"
	codeInternal    = "internal_error"
)

// ChatMessage wraps a transcript in a chat-completion style message
// envelope for the synchronous endpoint.
type ChatMessage struct {
	ID      string        `json:"id"`
	Object  string        `json:"object"`
	Created int64         `json:"created"`
	Model   string        `json:"model"`
	Role    string        `json:"role"`
	Content []ChatContent `json:"content"`
}

// ChatContent is one part of a chat message
type ChatContent struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// NewChatMessage builds the response envelope for a finished transcript
func NewChatMessage(transcript string) *ChatMessage {
	hex := strings.ReplaceAll(uuid.NewString(), "-", "")
	return &ChatMessage{
		ID:      "msg_" + hex[:16],
		Object:  "chat.completion.message",
		Created: time.Now().Unix(),
		Model:   "volcengine-asr",
		Role:    "user",
		Content: []ChatContent{
			{Type: "text", Text: transcript},
		},
	}
}

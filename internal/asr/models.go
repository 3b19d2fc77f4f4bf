package asr

import "time"

// Status is the provider-side state of a transcription job.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"

	// StatusUnknown is returned for provider responses this client does not
	// recognize. Callers must leave the task unchanged and query again later.
	StatusUnknown Status = "unknown"
)

// QueryResult is the outcome of one status query against the provider
type QueryResult struct {
	Status Status
	Text   string // transcript, set when Status is succeeded; may be empty for silent audio
	Err    string // provider-reported failure reason, set when Status is failed
}

// Config represents configuration for the provider client
type Config struct {
	BaseURL    string // e.g. https://openspeech.bytedance.com/api/v3/auc/bigmodel
	APIKey     string
	ResourceID string // e.g. volc.seedasr.auc
	UserID     string // uid sent in the submit payload
	ModelName  string
	Timeout    time.Duration
}

// Provider API status codes carried in the X-Api-Status-Code response header.
const (
	apiCodeSuccess    = "20000000"
	apiCodeProcessing = "20000001"
	apiCodeSilence    = "20000003" // finished, but no valid speech in the audio
)

// submitRequest is the submit call payload
type submitRequest struct {
	User    submitUser    `json:"user"`
	Audio   submitAudio   `json:"audio"`
	Request submitOptions `json:"request"`
}

type submitUser struct {
	UID string `json:"uid"`
}

type submitAudio struct {
	URL     string `json:"url"`
	Format  string `json:"format"`
	Codec   string `json:"codec"`
	Rate    int    `json:"rate"`
	Bits    int    `json:"bits"`
	Channel int    `json:"channel"`
}

type submitOptions struct {
	ModelName         string `json:"model_name"`
	EnableITN         bool   `json:"enable_itn"`
	EnablePunc        bool   `json:"enable_punc"`
	EnableDDC         bool   `json:"enable_ddc"`
	EnableSpeakerInfo bool   `json:"enable_speaker_info"`
	ShowUtterances    bool   `json:"show_utterances"`
}

// providerResponse is the (partial) shape shared by submit and query bodies
type providerResponse struct {
	TaskID    string      `json:"task_id,omitempty"`
	Status    string      `json:"status,omitempty"`
	Message   string      `json:"message,omitempty"`
	Error     interface{} `json:"error,omitempty"`
	Result    *resultBody `json:"result,omitempty"`
	AudioInfo interface{} `json:"audio_info,omitempty"`
}

type resultBody struct {
	Text       string      `json:"text"`
	Utterances []utterance `json:"utterances"`
}

// utterance is one recognized segment. The speaker identifier shows up in
// different places and types depending on the provider model, hence the
// loose typing.
type utterance struct {
	Text      string                 `json:"text"`
	SpeakerID interface{}            `json:"speaker_id"`
	Speaker   interface{}            `json:"speaker"`
	Additions map[string]interface{} `json:"additions"`
}

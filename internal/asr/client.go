package asr

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/audioworks/volcasr/pkg/logger"
)

// Client talks to the speech-to-text provider. It performs exactly one
// network call per method and never retries internally; retry policy belongs
// to the callers.
type Client struct {
	httpClient *http.Client
	cfg        Config
	logger     *logger.Logger
}

// NewClient creates a new provider client
func NewClient(cfg Config, logger *logger.Logger) *Client {
	return &Client{
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
		cfg:    cfg,
		logger: logger.Named("asr-client"),
	}
}

// setHeaders sets the authentication headers required by the provider
func (c *Client) setHeaders(req *http.Request, requestID string) {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", c.cfg.APIKey)
	req.Header.Set("X-Api-Resource-Id", c.cfg.ResourceID)
	req.Header.Set("X-Api-Request-Id", requestID)
	req.Header.Set("X-Api-Sequence", "-1")
}

// Submit submits audioURL for transcription and returns the task identifier
// assigned by the provider.
func (c *Client) Submit(ctx context.Context, audioURL string) (string, error) {
	// The provider fetches the audio itself and does not follow redirects,
	// so resolve them here first.
	audioURL = c.resolveRedirects(ctx, audioURL)

	requestID := uuid.NewString()

	payload := submitRequest{
		User: submitUser{UID: c.cfg.UserID},
		Audio: submitAudio{
			URL:     audioURL,
			Format:  "mp3",
			Codec:   "raw",
			Rate:    16000,
			Bits:    16,
			Channel: 1,
		},
		Request: submitOptions{
			ModelName:         c.cfg.ModelName,
			EnableITN:         true,
			EnableSpeakerInfo: true,
			ShowUtterances:    true,
		},
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to marshal submit payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/submit", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	c.setHeaders(req, requestID)

	c.logger.Debug("Submitting transcription task",
		logger.String("audio_url", audioURL),
		logger.String("request_id", requestID),
	)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", &NetworkError{Op: "submit", Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", &NetworkError{Op: "submit", Err: err}
	}

	if resp.StatusCode != http.StatusOK {
		return "", &ProviderError{
			StatusCode: resp.StatusCode,
			Message:    extractErrorMessage(respBody, resp.StatusCode),
		}
	}

	// The provider normally echoes the task ID in a response header.
	if taskID := resp.Header.Get("X-Api-Request-Id"); taskID != "" {
		return taskID, nil
	}

	// Fall back to the body, then to the request ID we generated (an empty
	// JSON object means the submission was accepted under that ID).
	var parsed providerResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return "", &ProviderError{
			StatusCode: resp.StatusCode,
			Message:    fmt.Sprintf("invalid JSON response: %s", truncate(string(respBody), 200)),
		}
	}
	if parsed.TaskID != "" {
		return parsed.TaskID, nil
	}
	if msg := responseErrorMessage(&parsed); msg != "" {
		return "", &ProviderError{StatusCode: resp.StatusCode, Message: msg}
	}
	if strings.TrimSpace(string(respBody)) == "{}" {
		return requestID, nil
	}

	return "", &ProviderError{
		StatusCode: resp.StatusCode,
		Message:    "no task ID in provider response",
	}
}

// Query asks the provider for the current state of a previously submitted
// task. The returned QueryResult carries the provider status mapped to the
// queued/running/succeeded/failed vocabulary; responses this client cannot
// interpret yield StatusUnknown so the caller can retry later.
func (c *Client) Query(ctx context.Context, externalID string) (*QueryResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/query", strings.NewReader("{}"))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	c.setHeaders(req, externalID)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &NetworkError{Op: "query", Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &NetworkError{Op: "query", Err: err}
	}

	if resp.StatusCode != http.StatusOK {
		return nil, &ProviderError{
			StatusCode: resp.StatusCode,
			Message:    extractErrorMessage(respBody, resp.StatusCode),
		}
	}

	var parsed providerResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, &ProviderError{
			StatusCode: resp.StatusCode,
			Message:    fmt.Sprintf("invalid JSON response: %s", truncate(string(respBody), 200)),
		}
	}

	result := c.interpretQuery(resp.Header.Get("X-Api-Status-Code"), resp.Header.Get("X-Api-Message"), &parsed)

	c.logger.Debug("Queried transcription task",
		logger.String("task_id", externalID),
		logger.String("status", string(result.Status)),
	)

	return result, nil
}

// interpretQuery maps one query response onto the provider status vocabulary
func (c *Client) interpretQuery(apiCode, apiMessage string, parsed *providerResponse) *QueryResult {
	if msg := responseErrorMessage(parsed); msg != "" {
		return &QueryResult{Status: StatusFailed, Err: msg}
	}

	switch apiCode {
	case "", apiCodeSuccess:
		// fall through to the body
	case apiCodeProcessing:
		return &QueryResult{Status: StatusRunning}
	case apiCodeSilence:
		return &QueryResult{Status: StatusSucceeded}
	default:
		lower := strings.ToLower(apiMessage)
		switch {
		case strings.Contains(lower, "no valid speech") || strings.Contains(lower, "silence"):
			return &QueryResult{Status: StatusSucceeded}
		case strings.Contains(lower, "error") || strings.Contains(lower, "fail"):
			return &QueryResult{Status: StatusFailed, Err: apiMessage}
		case strings.Contains(lower, "processing"):
			return &QueryResult{Status: StatusRunning}
		default:
			c.logger.Warn("Unrecognized provider status code",
				logger.String("code", apiCode),
				logger.String("message", apiMessage),
			)
			return &QueryResult{Status: StatusUnknown}
		}
	}

	switch strings.ToLower(parsed.Status) {
	case "failed", "error":
		msg := parsed.Message
		if msg == "" {
			msg = "task failed"
		}
		return &QueryResult{Status: StatusFailed, Err: msg}
	case "processing", "running":
		return &QueryResult{Status: StatusRunning}
	case "pending", "queued":
		return &QueryResult{Status: StatusQueued}
	}

	if parsed.Result == nil {
		// No result yet; the provider is still working on it.
		return &QueryResult{Status: StatusRunning}
	}

	finished := parsed.AudioInfo != nil

	if len(parsed.Result.Utterances) > 0 {
		transcript := joinUtterances(parsed.Result.Utterances)
		if transcript != "" {
			return &QueryResult{Status: StatusSucceeded, Text: transcript}
		}
		if finished {
			return &QueryResult{Status: StatusSucceeded}
		}
		return &QueryResult{Status: StatusRunning}
	}

	if finished {
		return &QueryResult{Status: StatusSucceeded, Text: parsed.Result.Text}
	}
	if parsed.Result.Text != "" {
		return &QueryResult{Status: StatusSucceeded, Text: parsed.Result.Text}
	}

	return &QueryResult{Status: StatusRunning}
}

// joinUtterances builds a transcript from recognized segments, tagging each
// line with its speaker when the provider identified one
func joinUtterances(utterances []utterance) string {
	var parts []string
	for _, u := range utterances {
		if u.Text == "" {
			continue
		}
		if speaker := speakerLabel(u); speaker != "" {
			parts = append(parts, fmt.Sprintf("[Speaker %s] %s", speaker, u.Text))
		} else {
			parts = append(parts, u.Text)
		}
	}
	return strings.Join(parts, "\n")
}

// speakerLabel extracts the speaker identifier from whichever field the
// provider put it in
func speakerLabel(u utterance) string {
	for _, v := range []interface{}{u.SpeakerID, u.Speaker, u.Additions["speaker"]} {
		if s := stringify(v); s != "" {
			return s
		}
	}
	return ""
}

func stringify(v interface{}) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case float64:
		return fmt.Sprintf("%.0f", val)
	case json.Number:
		return val.String()
	default:
		return fmt.Sprintf("%v", val)
	}
}

// responseErrorMessage returns the error text carried in a response body,
// or empty when the body reports no error
func responseErrorMessage(parsed *providerResponse) string {
	if parsed.Error == nil {
		return ""
	}
	if parsed.Message != "" {
		return parsed.Message
	}
	return stringify(parsed.Error)
}

// extractErrorMessage pulls a human-readable message out of a non-2xx body
func extractErrorMessage(body []byte, statusCode int) string {
	var parsed providerResponse
	if err := json.Unmarshal(body, &parsed); err == nil {
		if parsed.Message != "" {
			return parsed.Message
		}
		if parsed.Error != nil {
			return stringify(parsed.Error)
		}
	}
	return fmt.Sprintf("status code %d: %s", statusCode, truncate(string(body), 200))
}

// resolveRedirects follows redirects on the audio URL and returns the final
// location, falling back to the original URL when the probe fails
func (c *Client) resolveRedirects(ctx context.Context, audioURL string) string {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, audioURL, nil)
	if err != nil {
		return audioURL
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return audioURL
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusOK && resp.Request != nil && resp.Request.URL != nil {
		return resp.Request.URL.String()
	}
	return audioURL
}

// ValidateAudioURL checks that the audio URL is reachable and looks like an
// audio resource before anything is submitted to the provider.
func (c *Client) ValidateAudioURL(ctx context.Context, audioURL string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, audioURL, nil)
	if err != nil {
		return fmt.Errorf("invalid audio URL: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &NetworkError{Op: "validate", Err: err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
		contentType := strings.ToLower(resp.Header.Get("Content-Type"))
		if strings.Contains(contentType, "audio") ||
			strings.Contains(contentType, "video") ||
			strings.Contains(contentType, "application/octet-stream") {
			return nil
		}
		// Some servers report a generic content type on HEAD; probe the
		// first KiB instead.
		return c.probeRange(ctx, audioURL)
	case resp.StatusCode == http.StatusNotFound:
		return &ProviderError{Message: "audio file not found (404)"}
	case resp.StatusCode == http.StatusForbidden:
		return &ProviderError{Message: "access denied to audio file (403)"}
	default:
		return &ProviderError{Message: fmt.Sprintf("audio URL returned status code %d", resp.StatusCode)}
	}
}

// probeRange fetches the first bytes of the audio URL to confirm it serves
// content
func (c *Client) probeRange(ctx context.Context, audioURL string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, audioURL, nil)
	if err != nil {
		return fmt.Errorf("invalid audio URL: %w", err)
	}
	req.Header.Set("Range", "bytes=0-1023")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &NetworkError{Op: "validate", Err: err}
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 1024))

	if resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusPartialContent {
		return nil
	}
	return &ProviderError{Message: fmt.Sprintf("audio URL returned status code %d", resp.StatusCode)}
}

// truncate shortens s for log and error messages
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

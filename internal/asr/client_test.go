package asr

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/audioworks/volcasr/pkg/logger"
)

// newTestClient starts a test server handling both the provider endpoints
// and a fake audio file, and returns a client pointed at it
func newTestClient(t *testing.T, submit, query http.HandlerFunc) (*Client, string) {
	t.Helper()

	mux := http.NewServeMux()
	mux.HandleFunc("/audio.mp3", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "audio/mpeg")
		w.WriteHeader(http.StatusOK)
	})
	if submit != nil {
		mux.HandleFunc("/submit", submit)
	}
	if query != nil {
		mux.HandleFunc("/query", query)
	}

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	client := NewClient(Config{
		BaseURL:    srv.URL,
		APIKey:     "test-key",
		ResourceID: "volc.seedasr.auc",
		UserID:     "test-user",
		ModelName:  "bigmodel",
		Timeout:    5 * time.Second,
	}, logger.NewNop())

	return client, srv.URL + "/audio.mp3"
}

func TestSubmitTaskIDFromHeader(t *testing.T) {
	var client *Client
	var audioURL string
	client, audioURL = newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "test-key", r.Header.Get("x-api-key"))
		assert.Equal(t, "volc.seedasr.auc", r.Header.Get("X-Api-Resource-Id"))
		assert.NotEmpty(t, r.Header.Get("X-Api-Request-Id"))

		var payload map[string]interface{}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		audio := payload["audio"].(map[string]interface{})
		assert.Equal(t, audioURL, audio["url"])

		w.Header().Set("X-Api-Request-Id", "ext-1")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{}`))
	}, nil)

	taskID, err := client.Submit(context.Background(), audioURL)
	require.NoError(t, err)
	assert.Equal(t, "ext-1", taskID)
}

func TestSubmitTaskIDFromBody(t *testing.T) {
	client, audioURL := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"task_id": "ext-2"}`))
	}, nil)

	taskID, err := client.Submit(context.Background(), audioURL)
	require.NoError(t, err)
	assert.Equal(t, "ext-2", taskID)
}

func TestSubmitEmptyBodyFallsBackToRequestID(t *testing.T) {
	var sentRequestID string
	client, audioURL := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		sentRequestID = r.Header.Get("X-Api-Request-Id")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{}`))
	}, nil)

	taskID, err := client.Submit(context.Background(), audioURL)
	require.NoError(t, err)
	assert.Equal(t, sentRequestID, taskID)
}

func TestSubmitProviderError(t *testing.T) {
	client, audioURL := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		w.Write([]byte(`{"message": "invalid api key"}`))
	}, nil)

	_, err := client.Submit(context.Background(), audioURL)
	require.Error(t, err)
	assert.True(t, IsProviderError(err))
	assert.False(t, IsNetworkError(err))
	assert.Contains(t, err.Error(), "invalid api key")
}

func TestSubmitNetworkError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	baseURL := srv.URL
	srv.Close()

	client := NewClient(Config{
		BaseURL: baseURL,
		APIKey:  "test-key",
		Timeout: time.Second,
	}, logger.NewNop())

	_, err := client.Submit(context.Background(), baseURL+"/audio.mp3")
	require.Error(t, err)
	assert.True(t, IsNetworkError(err))
	assert.False(t, IsProviderError(err))
}

func TestQueryStillProcessing(t *testing.T) {
	client, _ := newTestClient(t, nil, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Api-Status-Code", "20000001")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{}`))
	})

	result, err := client.Query(context.Background(), "ext-1")
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, result.Status)
	assert.Empty(t, result.Text)
}

func TestQueryNoValidSpeech(t *testing.T) {
	client, _ := newTestClient(t, nil, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Api-Status-Code", "20000003")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{}`))
	})

	result, err := client.Query(context.Background(), "ext-1")
	require.NoError(t, err)
	// Finished with silent audio: succeeded with an empty transcript.
	assert.Equal(t, StatusSucceeded, result.Status)
	assert.Empty(t, result.Text)
}

func TestQuerySucceededPlainText(t *testing.T) {
	client, _ := newTestClient(t, nil, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "ext-1", r.Header.Get("X-Api-Request-Id"))
		w.Header().Set("X-Api-Status-Code", "20000000")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"result": {"text": "hello world"}, "audio_info": {"duration": 1200}}`))
	})

	result, err := client.Query(context.Background(), "ext-1")
	require.NoError(t, err)
	assert.Equal(t, StatusSucceeded, result.Status)
	assert.Equal(t, "hello world", result.Text)
}

func TestQuerySucceededUtterancesWithSpeakers(t *testing.T) {
	client, _ := newTestClient(t, nil, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{
			"result": {
				"utterances": [
					{"text": "good morning", "speaker_id": 1},
					{"text": "hello there", "additions": {"speaker": "2"}},
					{"text": "no speaker info"}
				]
			},
			"audio_info": {"duration": 5000}
		}`))
	})

	result, err := client.Query(context.Background(), "ext-1")
	require.NoError(t, err)
	assert.Equal(t, StatusSucceeded, result.Status)
	assert.Equal(t, "[Speaker 1] good morning\n[Speaker 2] hello there\nno speaker info", result.Text)
}

func TestQueryTaskFailed(t *testing.T) {
	client, _ := newTestClient(t, nil, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status": "failed", "message": "audio format not supported"}`))
	})

	result, err := client.Query(context.Background(), "ext-1")
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, result.Status)
	assert.Equal(t, "audio format not supported", result.Err)
}

func TestQueryErrorBody(t *testing.T) {
	client, _ := newTestClient(t, nil, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"error": "task expired", "message": "task expired"}`))
	})

	result, err := client.Query(context.Background(), "ext-1")
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, result.Status)
	assert.Equal(t, "task expired", result.Err)
}

func TestQueryUnknownStatusCode(t *testing.T) {
	client, _ := newTestClient(t, nil, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Api-Status-Code", "30000042")
		w.Header().Set("X-Api-Message", "something odd")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{}`))
	})

	result, err := client.Query(context.Background(), "ext-1")
	require.NoError(t, err)
	assert.Equal(t, StatusUnknown, result.Status)
}

func TestQueryNoResultMeansRunning(t *testing.T) {
	client, _ := newTestClient(t, nil, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{}`))
	})

	result, err := client.Query(context.Background(), "ext-1")
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, result.Status)
}

func TestQueryProviderError(t *testing.T) {
	client, _ := newTestClient(t, nil, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(`{"message": "internal error"}`))
	})

	_, err := client.Query(context.Background(), "ext-1")
	require.Error(t, err)
	assert.True(t, IsProviderError(err))
}

func TestValidateAudioURL(t *testing.T) {
	client, audioURL := newTestClient(t, nil, nil)

	assert.NoError(t, client.ValidateAudioURL(context.Background(), audioURL))

	err := client.ValidateAudioURL(context.Background(), client.cfg.BaseURL+"/missing.mp3")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "404")
}

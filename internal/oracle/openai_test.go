package oracle

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func chatBody(text string) string {
	raw, _ := json.Marshal(map[string]any{
		"id":      "chatcmpl-test",
		"object":  "chat.completion",
		"created": 1700000000,
		"model":   "test-model",
		"choices": []map[string]any{{
			"index":         0,
			"message":       map[string]any{"role": "assistant", "content": text},
			"finish_reason": "stop",
		}},
		"usage": map[string]any{"prompt_tokens": 20, "completion_tokens": 9, "total_tokens": 29},
	})
	return string(raw)
}

func newTestOpenAI(t *testing.T, api *fakeMessagesAPI) *OpenAI {
	t.Helper()
	srv := httptest.NewServer(api)
	t.Cleanup(srv.Close)
	o, err := NewOpenAI(OpenAIConfig{
		BaseURL:        srv.URL + "/v1",
		Model:          "test-model",
		RateLimit:      1000,
		Burst:          10,
		MaxRetries:     2,
		InitialBackoff: time.Millisecond,
	})
	require.NoError(t, err)
	return o
}

func TestNewOpenAI_RequiresKeyWithoutBaseURL(t *testing.T) {
	_, err := NewOpenAI(OpenAIConfig{})
	assert.Error(t, err)
}

func TestOpenAI_Complete(t *testing.T) {
	api := &fakeMessagesAPI{responses: []func(http.ResponseWriter){
		reply(http.StatusOK, chatBody(`{"confidence":0.74,"data":{"stage":"negotiating"}}`)),
	}}
	res, err := newTestOpenAI(t, api).Complete(context.Background(), Request{
		Task:          "strategize",
		Instructions:  "Pick a counter.",
		Context:       map[string]string{"counterparty": "acme"},
		ResponseShape: `{"stage": string}`,
	})
	require.NoError(t, err)
	assert.InDelta(t, 0.74, res.Confidence, 1e-9)
	assert.JSONEq(t, `{"stage":"negotiating"}`, string(res.Data))

	sent := api.lastBody.Load().(string)
	assert.Contains(t, sent, "Pick a counter.")
	assert.Contains(t, sent, "acme")
}

func TestOpenAI_RetriesServerErrors(t *testing.T) {
	api := &fakeMessagesAPI{responses: []func(http.ResponseWriter){
		reply(http.StatusInternalServerError, `{"error":{"message":"boom"}}`),
		reply(http.StatusOK, chatBody(`{"confidence":0.6,"data":{}}`)),
	}}
	res, err := newTestOpenAI(t, api).Complete(context.Background(), Request{Task: "t"})
	require.NoError(t, err)
	assert.InDelta(t, 0.6, res.Confidence, 1e-9)
	assert.Equal(t, int32(2), api.calls.Load())
}

func TestOpenAI_MalformedEnvelope(t *testing.T) {
	api := &fakeMessagesAPI{responses: []func(http.ResponseWriter){
		reply(http.StatusOK, chatBody("I think they want two reels.")),
	}}
	_, err := newTestOpenAI(t, api).Complete(context.Background(), Request{Task: "t"})
	assert.ErrorIs(t, err, ErrMalformedResponse)
	assert.Equal(t, int32(1), api.calls.Load())
}

func TestRetryableGeneric(t *testing.T) {
	assert.False(t, retryableGeneric(nil))
	assert.False(t, retryableGeneric(context.Canceled))
	assert.False(t, retryableGeneric(ErrMalformedResponse))
	assert.True(t, retryableGeneric(assert.AnError))
}

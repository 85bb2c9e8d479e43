package oracle

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func messageBody(text string) string {
	msg := map[string]any{
		"id":            "msg_test",
		"type":          "message",
		"role":          "assistant",
		"model":         "claude-test",
		"content":       []map[string]any{{"type": "text", "text": text}},
		"stop_reason":   "end_turn",
		"stop_sequence": nil,
		"usage":         map[string]any{"input_tokens": 12, "output_tokens": 7},
	}
	raw, _ := json.Marshal(msg)
	return string(raw)
}

type fakeMessagesAPI struct {
	calls     atomic.Int32
	responses []func(w http.ResponseWriter)
	lastBody  atomic.Value
}

func (f *fakeMessagesAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	n := int(f.calls.Add(1)) - 1
	body, _ := io.ReadAll(r.Body)
	f.lastBody.Store(string(body))
	if n >= len(f.responses) {
		n = len(f.responses) - 1
	}
	f.responses[n](w)
}

func reply(status int, body string) func(w http.ResponseWriter) {
	return func(w http.ResponseWriter) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = io.WriteString(w, body)
	}
}

const apiError = `{"type":"error","error":{"type":"rate_limit_error","message":"slow down"}}`

func newTestAnthropic(t *testing.T, api *fakeMessagesAPI) *Anthropic {
	t.Helper()
	srv := httptest.NewServer(api)
	t.Cleanup(srv.Close)
	a, err := NewAnthropic(AnthropicConfig{
		APIKey:         "test-key",
		BaseURL:        srv.URL,
		RateLimit:      1000,
		Burst:          10,
		MaxRetries:     2,
		InitialBackoff: time.Millisecond,
	})
	require.NoError(t, err)
	return a
}

func TestNewAnthropic_RequiresKey(t *testing.T) {
	_, err := NewAnthropic(AnthropicConfig{})
	assert.Error(t, err)
}

func TestAnthropic_Complete(t *testing.T) {
	api := &fakeMessagesAPI{responses: []func(http.ResponseWriter){
		reply(http.StatusOK, messageBody(`{"confidence":0.91,"data":{"intent":"deal_inquiry"}}`)),
	}}
	a := newTestAnthropic(t, api)

	res, err := a.Complete(context.Background(), Request{
		Task:          "classify",
		Instructions:  "Classify the message.",
		Context:       map[string]string{"body": "We'd love to work with you"},
		ResponseShape: `{"intent": string}`,
	})
	require.NoError(t, err)
	assert.InDelta(t, 0.91, res.Confidence, 1e-9)
	assert.JSONEq(t, `{"intent":"deal_inquiry"}`, string(res.Data))
	assert.False(t, res.Degraded)
	assert.Equal(t, int32(1), api.calls.Load())

	sent := api.lastBody.Load().(string)
	assert.Contains(t, sent, "Classify the message.")
	assert.Contains(t, sent, "love to work with you")
}

func TestAnthropic_FencedJSON(t *testing.T) {
	api := &fakeMessagesAPI{responses: []func(http.ResponseWriter){
		reply(http.StatusOK, messageBody("```json\n{\"confidence\":0.5,\"data\":{\"a\":1}}\n```")),
	}}
	res, err := newTestAnthropic(t, api).Complete(context.Background(), Request{Task: "t"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":1}`, string(res.Data))
}

func TestAnthropic_RetriesRateLimit(t *testing.T) {
	api := &fakeMessagesAPI{responses: []func(http.ResponseWriter){
		reply(http.StatusTooManyRequests, apiError),
		reply(http.StatusInternalServerError, apiError),
		reply(http.StatusOK, messageBody(`{"confidence":0.8,"data":{}}`)),
	}}
	res, err := newTestAnthropic(t, api).Complete(context.Background(), Request{Task: "t"})
	require.NoError(t, err)
	assert.InDelta(t, 0.8, res.Confidence, 1e-9)
	assert.Equal(t, int32(3), api.calls.Load())
}

func TestAnthropic_GivesUpAfterMaxRetries(t *testing.T) {
	api := &fakeMessagesAPI{responses: []func(http.ResponseWriter){
		reply(http.StatusServiceUnavailable, apiError),
	}}
	_, err := newTestAnthropic(t, api).Complete(context.Background(), Request{Task: "t"})
	require.Error(t, err)
	assert.Equal(t, int32(3), api.calls.Load(), "one call plus two retries")
}

func TestAnthropic_ClientErrorIsPermanent(t *testing.T) {
	api := &fakeMessagesAPI{responses: []func(http.ResponseWriter){
		reply(http.StatusBadRequest, `{"type":"error","error":{"type":"invalid_request_error","message":"bad"}}`),
	}}
	_, err := newTestAnthropic(t, api).Complete(context.Background(), Request{Task: "t"})
	require.Error(t, err)
	assert.Equal(t, int32(1), api.calls.Load())
}

func TestAnthropic_MalformedEnvelope(t *testing.T) {
	cases := map[string]string{
		"prose":            "Sure! Here is the answer.",
		"missing data":     `{"confidence":0.9}`,
		"null data":        `{"confidence":0.9,"data":null}`,
		"missing conf":     `{"data":{}}`,
		"conf above range": `{"confidence":1.5,"data":{}}`,
	}
	for name, text := range cases {
		t.Run(name, func(t *testing.T) {
			api := &fakeMessagesAPI{responses: []func(http.ResponseWriter){reply(http.StatusOK, messageBody(text))}}
			_, err := newTestAnthropic(t, api).Complete(context.Background(), Request{Task: "t"})
			assert.ErrorIs(t, err, ErrMalformedResponse)
		})
	}
}

func TestBuildPrompt(t *testing.T) {
	p, err := buildPrompt(Request{Task: "extract", Instructions: "do it", ResponseShape: "{}", Context: map[string]int{"n": 1}})
	require.NoError(t, err)
	assert.Contains(t, p, "Task: extract")
	assert.Contains(t, p, `"n": 1`)

	_, err = buildPrompt(Request{Context: make(chan int)})
	assert.Error(t, err)
}

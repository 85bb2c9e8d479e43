package http_test

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"

	httpserver "github.com/fyrsmithlabs/dealflow/internal/http"
	"github.com/fyrsmithlabs/dealflow/internal/logging"
	"github.com/fyrsmithlabs/dealflow/internal/orchestrator"
	"github.com/fyrsmithlabs/dealflow/internal/queue/memqueue"
	"github.com/fyrsmithlabs/dealflow/internal/stage"
	"github.com/fyrsmithlabs/dealflow/internal/store/memstore"
)

// ExampleServer wires the API to an in-memory orchestrator and queues an
// inbound email.
func ExampleServer() {
	q := memqueue.New()
	orch, err := orchestrator.New(orchestrator.Config{
		Store:    memstore.New(),
		Registry: stage.DefaultRegistry(stage.Deps{}),
		Queue:    q,
	})
	if err != nil {
		panic(err)
	}

	server, err := httpserver.NewServer(orch, logging.NewNop(), nil)
	if err != nil {
		panic(err)
	}

	body := `{"type": "email.received", "payload": {"owner_id": "owner-1", "counterparty": "acme", "message_id": "msg-1", "body": "Two reels?"}}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/events", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)

	fmt.Println(rec.Code, len(q.Pending()))
	// Output: 202 1
}

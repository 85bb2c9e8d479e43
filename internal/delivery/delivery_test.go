package delivery

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/dealflow/internal/negotiation"
)

func startTestNATSServer(t *testing.T) *natsserver.Server {
	t.Helper()
	srv, err := natsserver.NewServer(&natsserver.Options{
		Host:      "127.0.0.1",
		Port:      -1,
		NoLog:     true,
		NoSigs:    true,
		JetStream: true,
		StoreDir:  t.TempDir(),
	})
	require.NoError(t, err)
	go srv.Start()
	if !srv.ReadyForConnections(5 * time.Second) {
		t.Fatal("NATS server not ready")
	}
	t.Cleanup(func() {
		srv.Shutdown()
		srv.WaitForShutdown()
	})
	return srv
}

func action() *negotiation.ActionRequest {
	return &negotiation.ActionRequest{
		ID:        "act-1",
		ThreadID:  "th-1",
		OwnerID:   "owner-1",
		Kind:      negotiation.ActionSendEmail,
		Recipient: "acme",
		Subject:   "Re: campaign",
		Body:      "Our rate is 12,500.",
		DecidedBy: "gate",
		Status:    negotiation.ActionApproved,
	}
}

func TestJetStream_DeliverDeduplicates(t *testing.T) {
	srv := startTestNATSServer(t)
	nc, err := nats.Connect(srv.ClientURL())
	require.NoError(t, err)
	defer nc.Close()

	d, err := NewJetStream(nc, JetStreamConfig{Memory: true}, zap.NewNop())
	require.NoError(t, err)

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		require.NoError(t, d.Deliver(ctx, action()))
	}

	js, err := nc.JetStream()
	require.NoError(t, err)
	info, err := js.StreamInfo("DEALFLOW_DELIVERIES")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), info.State.Msgs)

	sub, err := js.SubscribeSync(d.Subject(negotiation.ActionSendEmail), nats.DeliverAll())
	require.NoError(t, err)
	msg, err := sub.NextMsg(2 * time.Second)
	require.NoError(t, err)

	var env Envelope
	require.NoError(t, json.Unmarshal(msg.Data, &env))
	assert.Equal(t, EnvelopeFor(action()), env)
	assert.Equal(t, "act-1", msg.Header.Get(nats.MsgIdHdr))
}

func TestFuncAndLog(t *testing.T) {
	var got string
	f := Func(func(_ context.Context, a *negotiation.ActionRequest) error {
		got = a.ID
		return nil
	})
	require.NoError(t, f.Deliver(context.Background(), action()))
	assert.Equal(t, "act-1", got)
	assert.NoError(t, Log{}.Deliver(context.Background(), action()))
}

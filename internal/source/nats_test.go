package source

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scrypster/anchorflow/pkg/types"
)

// startTestNATSServer starts an embedded NATS server for testing.
func startTestNATSServer(t *testing.T) *natsserver.Server {
	t.Helper()
	opts := &natsserver.Options{
		Host:   "127.0.0.1",
		Port:   -1,
		NoLog:  true,
		NoSigs: true,
	}
	server, err := natsserver.NewServer(opts)
	require.NoError(t, err)

	go server.Start()
	if !server.ReadyForConnections(5 * time.Second) {
		t.Fatal("NATS server not ready")
	}
	t.Cleanup(func() {
		server.Shutdown()
		server.WaitForShutdown()
	})
	return server
}

type recorder struct {
	mu        sync.Mutex
	events    []*types.Event
	feedback  []types.CorrelationFeedback
	submitErr error
}

func (r *recorder) Submit(e *types.Event) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.submitErr != nil {
		return "", r.submitErr
	}
	r.events = append(r.events, e)
	return "p-" + e.ID, nil
}

func (r *recorder) AddFeedback(fb types.CorrelationFeedback) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.feedback = append(r.feedback, fb)
	return nil
}

func (r *recorder) counts() (int, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events), len(r.feedback)
}

func startSource(t *testing.T, rec *recorder) (*NATSSource, *nats.Conn) {
	t.Helper()
	server := startTestNATSServer(t)
	cfg := DefaultNATSConfig()
	cfg.Enabled = true
	cfg.URL = server.ClientURL()

	src, err := NewNATSSource(cfg, rec, rec, nil)
	require.NoError(t, err)
	require.NoError(t, src.Start())
	t.Cleanup(func() { _ = src.Stop() })

	nc, err := nats.Connect(server.ClientURL())
	require.NoError(t, err)
	t.Cleanup(nc.Close)
	return src, nc
}

func TestNATSSource_ForwardsEventsAndFeedback(t *testing.T) {
	rec := &recorder{}
	src, nc := startSource(t, rec)

	e := types.NewEvent("email-1", time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC), types.EventTypeCommunication, "email",
		types.Attributes{Subject: "hello"}, types.Attributes{}, []string{"travel"})
	data, err := json.Marshal(e)
	require.NoError(t, err)
	require.NoError(t, nc.Publish("anchorflow.events", data))

	fb, err := json.Marshal(types.CorrelationFeedback{CorrelationID: "corr:1", Meaningful: true, Confidence: 0.9})
	require.NoError(t, err)
	require.NoError(t, nc.Publish("anchorflow.feedback", fb))
	require.NoError(t, nc.Flush())

	require.Eventually(t, func() bool {
		ev, f := rec.counts()
		return ev == 1 && f == 1
	}, 5*time.Second, 5*time.Millisecond)

	rec.mu.Lock()
	assert.Equal(t, "email-1", rec.events[0].ID)
	assert.True(t, rec.events[0].HasTag("travel"))
	assert.Equal(t, "nats", rec.feedback[0].Source)
	rec.mu.Unlock()

	st := src.Stats()
	assert.Equal(t, int64(1), st.EventsSubmitted)
	assert.Equal(t, int64(1), st.FeedbackReceived)
}

func TestNATSSource_MalformedAndRejected(t *testing.T) {
	rec := &recorder{submitErr: errors.New("pipeline queue full")}
	src, nc := startSource(t, rec)

	require.NoError(t, nc.Publish("anchorflow.events", []byte("{not json")))
	require.NoError(t, nc.Publish("anchorflow.feedback", []byte(`{"correlation_id":"","confidence":0.5}`)))
	data, _ := json.Marshal(types.NewEvent("x", time.Now(), types.EventTypeSystem, "sys", types.Attributes{}, types.Attributes{}, nil))
	require.NoError(t, nc.Publish("anchorflow.events", data))
	require.NoError(t, nc.Flush())

	require.Eventually(t, func() bool {
		st := src.Stats()
		return st.Malformed == 2 && st.EventsRejected == 1
	}, 5*time.Second, 5*time.Millisecond)

	ev, f := rec.counts()
	assert.Zero(t, ev)
	assert.Zero(t, f)
}

func TestNATSSource_StartErrors(t *testing.T) {
	_, err := NewNATSSource(DefaultNATSConfig(), nil, nil, nil)
	assert.Error(t, err)

	cfg := DefaultNATSConfig()
	cfg.URL = "nats://127.0.0.1:1"
	cfg.MaxReconnects = 0
	src, err := NewNATSSource(cfg, &recorder{}, nil, nil)
	require.NoError(t, err)
	assert.Error(t, src.Start())
	assert.NoError(t, src.Stop(), "stop without a connection is a no-op")
}

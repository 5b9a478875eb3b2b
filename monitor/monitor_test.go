package monitor

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/VictorTagayun/PFController/adc"
	"github.com/VictorTagayun/PFController/core"
	"github.com/VictorTagayun/PFController/pfc"
)

// locked serializes the test goroutine with the hub's client goroutines
type locked struct {
	mu sync.Mutex
	c  *core.Controller
}

func (l *locked) Do(ctx context.Context, fn func(*core.Controller)) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	fn(l.c)
	return nil
}

func (l *locked) step() {
	var raw adc.RawSample
	for ch := range raw {
		raw[ch] = 2000
	}
	raw[adc.ChUD] = 0
	l.mu.Lock()
	l.c.Step(raw)
	l.mu.Unlock()
}

func (l *locked) state() pfc.State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.c.State()
}

type rig struct {
	srv  *Server
	exec *locked
	url  string
}

func newRig(t *testing.T, cfg Config) *rig {
	t.Helper()
	exec := &locked{c: core.New(core.DefaultConfig(), core.Deps{Logger: zerolog.Nop()})}
	srv := New(exec, cfg, zerolog.Nop())

	done := make(chan struct{})
	go srv.Hub().Run(done)

	ts := httptest.NewServer(srv)
	t.Cleanup(func() {
		close(done)
		ts.Close()
	})
	return &rig{srv: srv, exec: exec, url: "ws" + strings.TrimPrefix(ts.URL, "http")}
}

func (r *rig) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(r.url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	msg := next(t, conn)
	require.Equal(t, "connection", msg.Type)
	require.Eventually(t, func() bool { return r.srv.Hub().ClientCount() > 0 }, time.Second, 5*time.Millisecond)
	return conn
}

type received struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

func next(t *testing.T, conn *websocket.Conn) received {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var m received
	require.NoError(t, conn.ReadJSON(&m))
	return m
}

func send(t *testing.T, conn *websocket.Conn, typ string, data any) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(map[string]any{"type": typ, "data": data}))
}

func TestPollPublishesStatusAndEvents(t *testing.T) {
	r := newRig(t, Config{})
	conn := r.dial(t)
	r.exec.step()

	require.NoError(t, r.srv.Poll(context.Background()))

	m := next(t, conn)
	require.Equal(t, TopicStatus, m.Type)
	var st Status
	require.NoError(t, json.Unmarshal(m.Data, &st))
	assert.Equal(t, "STOP", st.State)
	assert.Equal(t, [3]bool{true, true, true}, st.Channels)
	assert.Contains(t, st.Signals, "UD")

	var evs []Event
	for len(evs) < 3 {
		m = next(t, conn)
		require.Equal(t, TopicEvents, m.Type)
		var ev Event
		require.NoError(t, json.Unmarshal(m.Data, &ev))
		evs = append(evs, ev)
	}
	assert.Equal(t, "POWER", evs[0].Type)
	assert.Contains(t, evs[2].Text, "INIT -> STOP")

	// Nothing new: the second poll only pushes status
	require.NoError(t, r.srv.Poll(context.Background()))
	m = next(t, conn)
	assert.Equal(t, TopicStatus, m.Type)
	send(t, conn, "ping", nil)
	assert.Equal(t, "pong", next(t, conn).Type)
}

func TestUnsubscribe(t *testing.T) {
	r := newRig(t, Config{})
	conn := r.dial(t)

	send(t, conn, "unsubscribe", map[string]any{"topics": []string{TopicStatus, TopicNet}})
	assert.Equal(t, "unsubscribed", next(t, conn).Type)

	r.exec.step()
	require.NoError(t, r.srv.Poll(context.Background()))
	assert.Equal(t, TopicEvents, next(t, conn).Type)
}

func TestCommands(t *testing.T) {
	r := newRig(t, Config{})
	conn := r.dial(t)
	r.exec.step()

	reply := func() CommandReply {
		m := next(t, conn)
		require.Equal(t, "command", m.Type)
		var cr CommandReply
		require.NoError(t, json.Unmarshal(m.Data, &cr))
		return cr
	}

	send(t, conn, "command", map[string]any{"command": "TEST_ON", "data": 100})
	cr := reply()
	assert.True(t, cr.Accepted)
	assert.Empty(t, cr.Error)

	r.exec.step()
	assert.Equal(t, pfc.StateTest, r.exec.state())

	send(t, conn, "command", map[string]any{"command": "WORK_ON"})
	assert.False(t, reply().Accepted)

	send(t, conn, "command", map[string]any{"command": "LAUNCH"})
	assert.Contains(t, reply().Error, "unknown command")

	send(t, conn, "dance", nil)
	assert.Equal(t, "error", next(t, conn).Type)
}

func TestReadOnly(t *testing.T) {
	r := newRig(t, Config{ReadOnly: true})
	conn := r.dial(t)
	r.exec.step()

	send(t, conn, "command", map[string]any{"command": "TEST_ON", "data": 100})
	m := next(t, conn)
	var cr CommandReply
	require.NoError(t, json.Unmarshal(m.Data, &cr))
	assert.False(t, cr.Accepted)
	assert.Equal(t, "read only", cr.Error)
	assert.Equal(t, pfc.StateStop, r.exec.state())
}

func TestOriginCheck(t *testing.T) {
	r := newRig(t, Config{Origins: []string{"http://panel.local"}})

	_, resp, err := websocket.DefaultDialer.Dial(r.url, http.Header{"Origin": {"http://evil.example"}})
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	conn, _, err := websocket.DefaultDialer.Dial(r.url, http.Header{"Origin": {"http://panel.local"}})
	require.NoError(t, err)
	conn.Close()
}

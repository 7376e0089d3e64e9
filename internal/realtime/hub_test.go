package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mpesa-analytics/riskpipe/internal/pipeline"
	"github.com/mpesa-analytics/riskpipe/internal/txn"
)

func testHub() *Hub {
	return NewHub(slog.Default())
}

func alert(sender, receiver string, score float64, tier txn.Tier) *Event {
	return &Event{Type: EventHighRisk, Data: &AlertEvent{
		Sender: sender, Receiver: receiver, Score: score, Tier: tier,
	}}
}

func tierPtr(t txn.Tier) *txn.Tier { return &t }

func TestSubscription_Matches(t *testing.T) {
	run := &Event{Type: EventRunCompleted, Data: &RunEvent{Status: pipeline.RunSucceeded}}

	tests := []struct {
		name  string
		sub   Subscription
		event *Event
		want  bool
	}{
		{"all events", Subscription{AllEvents: true}, run, true},
		{"empty subscription", Subscription{}, run, true},
		{"type match", Subscription{EventTypes: []EventType{EventRunCompleted}}, run, true},
		{"type mismatch", Subscription{EventTypes: []EventType{EventHighRisk}}, run, false},
		{"account filter ignores runs", Subscription{Accounts: []string{"254700000001"}}, run, true},
		{"account matches sender", Subscription{Accounts: []string{"254700000001"}},
			alert("254700000001", "254700000002", 0.8, txn.TierHigh), true},
		{"account matches receiver", Subscription{Accounts: []string{"254700000002"}},
			alert("254700000001", "254700000002", 0.8, txn.TierHigh), true},
		{"account no match", Subscription{Accounts: []string{"254700000009"}},
			alert("254700000001", "254700000002", 0.8, txn.TierHigh), false},
		{"min tier passes", Subscription{MinTier: tierPtr(txn.TierHigh)},
			alert("a", "b", 0.95, txn.TierCritical), true},
		{"min tier blocks", Subscription{MinTier: tierPtr(txn.TierCritical)},
			alert("a", "b", 0.8, txn.TierHigh), false},
		{"min score blocks", Subscription{MinScore: 0.9}, alert("a", "b", 0.8, txn.TierHigh), false},
		{"min score passes", Subscription{MinScore: 0.7}, alert("a", "b", 0.8, txn.TierHigh), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.sub.Matches(tt.event))
		})
	}
}

func TestSubscription_DecodesTierNames(t *testing.T) {
	var sub Subscription
	require.NoError(t, json.Unmarshal([]byte(`{"eventTypes":["high_risk_alert"],"minTier":"critical","accounts":["254700000001"]}`), &sub))
	require.NotNil(t, sub.MinTier)
	assert.Equal(t, txn.TierCritical, *sub.MinTier)
	assert.Equal(t, []EventType{EventHighRisk}, sub.EventTypes)
}

func TestHub_StatsInitial(t *testing.T) {
	stats := testHub().Stats()
	assert.Equal(t, 0, stats["connectedClients"])
	assert.Equal(t, int64(0), stats["totalEvents"])
}

func startHub(t *testing.T) *Hub {
	t.Helper()
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go h.Run(ctx)
	return h
}

func registerClient(h *Hub, sub Subscription) *Client {
	c := &Client{hub: h, send: make(chan []byte, 256), sub: sub}
	h.register <- c
	return c
}

func receive(t *testing.T, c *Client) Event {
	t.Helper()
	select {
	case msg := <-c.send:
		var e Event
		require.NoError(t, json.Unmarshal(msg, &e))
		return e
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
		return Event{}
	}
}

func TestHub_RegisterUnregister(t *testing.T) {
	h := startHub(t)

	c := registerClient(h, Subscription{AllEvents: true})
	require.Eventually(t, func() bool { return h.Stats()["connectedClients"] == 1 }, time.Second, 10*time.Millisecond)
	assert.Equal(t, int64(1), h.Stats()["peakClients"])

	h.unregister <- c
	require.Eventually(t, func() bool { return h.Stats()["connectedClients"] == 0 }, time.Second, 10*time.Millisecond)
	assert.Equal(t, int64(1), h.Stats()["peakClients"])
}

func TestHub_RunCompletedEvent(t *testing.T) {
	h := startHub(t)
	c := registerClient(h, Subscription{AllEvents: true})

	h.RunCompleted(&pipeline.Report{
		BatchID: "batch_1",
		RunID:   "run_1",
		Status:  pipeline.RunPartial,
		Counts:  pipeline.Counts{Input: 3, Written: 2, Rejected: 1},
		Tiers:   map[string]int{"low": 2},
	})

	e := receive(t, c)
	assert.Equal(t, EventRunCompleted, e.Type)
	data := e.Data.(map[string]any)
	assert.Equal(t, "batch_1", data["batchId"])
	assert.Equal(t, "partial", data["status"])
}

func TestHub_HighRiskEventFiltered(t *testing.T) {
	h := startHub(t)
	runsOnly := registerClient(h, Subscription{EventTypes: []EventType{EventRunCompleted}})
	alerts := registerClient(h, Subscription{EventTypes: []EventType{EventHighRisk}, Accounts: []string{"254700000001"}})

	s := &txn.Scored{Score: 0.83, Tier: txn.TierHigh}
	s.Raw = txn.Raw{Source: "mpesa", SourceID: "T3", Sender: "254700000001", Receiver: "254700000003",
		Amount: "50000", Timestamp: time.Date(2024, 3, 1, 10, 0, 2, 0, time.UTC)}
	s.Amount = decimal.RequireFromString("50000")
	h.HighRisk(s)

	e := receive(t, alerts)
	assert.Equal(t, EventHighRisk, e.Type)
	data := e.Data.(map[string]any)
	assert.Equal(t, "T3", data["sourceId"])
	assert.Equal(t, "high", data["tier"])
	assert.Equal(t, "50000", data["amount"])

	select {
	case <-runsOnly.send:
		t.Error("run-only subscriber received an alert")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestHub_StopsOnCancel(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		h.Run(ctx)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("hub did not stop after context cancellation")
	}
}

func TestHub_WebSocketSubscription(t *testing.T) {
	h := startHub(t)
	srv := httptest.NewServer(http.HandlerFunc(h.HandleWebSocket))
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(Subscription{EventTypes: []EventType{EventRunCompleted}}))
	require.Eventually(t, func() bool { return h.Stats()["connectedClients"] == 1 }, time.Second, 10*time.Millisecond)
	// Let the subscription update land before publishing.
	time.Sleep(50 * time.Millisecond)

	h.HighRisk(&txn.Scored{Tier: txn.TierHigh})
	h.RunCompleted(&pipeline.Report{BatchID: "batch_ws", Status: pipeline.RunSucceeded})

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var e Event
	require.NoError(t, conn.ReadJSON(&e))
	assert.Equal(t, EventRunCompleted, e.Type)
}

func TestHub_RejectsUpgradeAfterStop(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		h.Run(ctx)
		close(done)
	}()
	cancel()
	<-done

	rec := httptest.NewRecorder()
	h.HandleWebSocket(rec, httptest.NewRequest(http.MethodGet, "/ws", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

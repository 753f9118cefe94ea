package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"github.com/atmx/backtest-engine/internal/model"
	"github.com/atmx/backtest-engine/internal/tracker"
)

func TestObserver_BroadcastsDay(t *testing.T) {
	h := NewWSHub()
	snap := tracker.Snapshot{
		Date: time.Date(2024, 3, 4, 0, 0, 0, 0, time.UTC),
		Position: model.DailyPosition{
			Equity: decimal.NewFromInt(1000000),
			Cash:   decimal.NewFromFloat(499850.5),
		},
		Transactions: []model.TransactionRecord{{Instrument: "600000.SH"}},
	}
	if err := h.Observer("run-1").Observe(snap); err != nil {
		t.Fatal(err)
	}

	var msg WSMessage
	select {
	case data := <-h.broadcast:
		if err := json.Unmarshal(data, &msg); err != nil {
			t.Fatal(err)
		}
	default:
		t.Fatal("expected a queued broadcast")
	}
	want := WSMessage{
		Type:   "day_committed",
		RunID:  "run-1",
		Date:   "2024-03-04",
		Equity: "1000000.00",
		Cash:   "499850.50",
		Fills:  1,
	}
	if msg != want {
		t.Errorf("got %+v, want %+v", msg, want)
	}
}

func TestBroadcast_DropsWhenFull(t *testing.T) {
	h := NewWSHub()
	for i := 0; i < cap(h.broadcast)+10; i++ {
		h.Broadcast(WSMessage{Type: "ping"})
	}
	if len(h.broadcast) != cap(h.broadcast) {
		t.Errorf("buffer = %d, want %d", len(h.broadcast), cap(h.broadcast))
	}
}

func TestHandleWS_DeliversBroadcasts(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h := NewWSHub()
	go h.Run(ctx)

	srv := httptest.NewServer(http.HandlerFunc(h.HandleWS))
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	// Registration completes asynchronously; keep broadcasting until the
	// client sees a message.
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		tick := time.NewTicker(10 * time.Millisecond)
		defer tick.Stop()
		for {
			select {
			case <-stop:
				return
			case <-tick.C:
				h.Broadcast(WSMessage{Type: "run_finished", RunID: "run-1", Status: "FINISHED"})
			}
		}
	}()

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var msg WSMessage
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatal(err)
	}
	if msg.Type != "run_finished" || msg.Status != "FINISHED" {
		t.Errorf("got %+v", msg)
	}

	// Stopping the hub closes every client.
	cancel()
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
}

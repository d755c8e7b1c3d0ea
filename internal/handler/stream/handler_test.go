package stream

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/mareiko/lifeline/backend/internal/audit"
	dispatchmodel "github.com/mareiko/lifeline/backend/internal/model/dispatch"
	dispatchsvc "github.com/mareiko/lifeline/backend/internal/service/dispatch"
	"github.com/mareiko/lifeline/backend/internal/service/engine"
	"github.com/mareiko/lifeline/backend/internal/service/registry"
	"github.com/mareiko/lifeline/backend/internal/service/scorer"
	"github.com/mareiko/lifeline/backend/internal/service/transcript"
)

type ackDispatcher struct{}

func (ackDispatcher) Submit(intent dispatchmodel.Intent, onOutcome dispatchsvc.OutcomeFunc) {
	if onOutcome != nil {
		onOutcome(dispatchsvc.Outcome{
			Intent:    intent,
			Delivered: true,
			Status:    dispatchmodel.StatusDelivered,
			Attempts:  1,
		})
	}
}

func newStreamTestServer(t *testing.T) *httptest.Server {
	t.Helper()

	scoreSvc, err := scorer.NewService(context.Background(), nil, scorer.Config{})
	if err != nil {
		t.Fatalf("scorer.NewService err: %v", err)
	}

	eng := engine.New(
		transcript.NewAggregator(),
		registry.NewRegistry(time.Minute),
		scoreSvc,
		ackDispatcher{},
		audit.NewMemorySink(),
		nil,
		engine.Config{},
	)

	r := chi.NewRouter()
	New(eng).RegisterRoutes(r)

	server := httptest.NewServer(r)
	t.Cleanup(server.Close)
	return server
}

func dial(t *testing.T, server *httptest.Server, callID string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws/calls/" + callID
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial err: %v", err)
	}
	t.Cleanup(func() { ws.Close() })
	return ws
}

func readUntilType(t *testing.T, ws *websocket.Conn, want string) outgoingMessage {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		_ = ws.SetReadDeadline(time.Now().Add(3 * time.Second))
		var msg outgoingMessage
		if err := ws.ReadJSON(&msg); err != nil {
			t.Fatalf("ReadJSON err while waiting for %q: %v", want, err)
		}
		if msg.Type == want {
			return msg
		}
	}
	t.Fatalf("never received message of type %q", want)
	return outgoingMessage{}
}

func TestFragmentAcknowledged(t *testing.T) {
	server := newStreamTestServer(t)
	ws := dial(t, server, "ws-1")

	err := ws.WriteJSON(map[string]any{
		"type": "fragment",
		"data": FragmentMessage{Text: "I have chest pain", Seq: 1},
	})
	if err != nil {
		t.Fatalf("WriteJSON err: %v", err)
	}

	ack := readUntilType(t, ws, "ack")
	if ack.CallID != "ws-1" {
		t.Fatalf("ack callId = %s", ack.CallID)
	}
}

func TestOutOfOrderFragmentReportedAsDropped(t *testing.T) {
	server := newStreamTestServer(t)
	ws := dial(t, server, "ws-2")

	_ = ws.WriteJSON(map[string]any{
		"type": "fragment",
		"data": FragmentMessage{Text: "part two", Seq: 2},
	})
	readUntilType(t, ws, "ack")

	_ = ws.WriteJSON(map[string]any{
		"type": "fragment",
		"data": FragmentMessage{Text: "part one", Seq: 1},
	})
	readUntilType(t, ws, "dropped")
}

func TestEndReturnsView(t *testing.T) {
	server := newStreamTestServer(t)
	ws := dial(t, server, "ws-3")

	_ = ws.WriteJSON(map[string]any{
		"type": "fragment",
		"data": FragmentMessage{Text: "I need a prescription refill", Seq: 1},
	})
	readUntilType(t, ws, "ack")

	_ = ws.WriteJSON(map[string]any{"type": "end"})
	view := readUntilType(t, ws, "view")
	if view.CallID != "ws-3" {
		t.Fatalf("view callId = %s", view.CallID)
	}
}

func TestUnknownMessageType(t *testing.T) {
	server := newStreamTestServer(t)
	ws := dial(t, server, "ws-4")

	_ = ws.WriteJSON(map[string]any{"type": "bogus"})
	readUntilType(t, ws, "error")
}

package ws

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
)

// echoGateway answers every request with an event frame followed by a
// response echoing the method.
func echoGateway(t *testing.T) string {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "")
		for {
			_, data, err := conn.Read(r.Context())
			if err != nil {
				return
			}
			req, err := UnmarshalFrame(data)
			if err != nil {
				return
			}
			ev, _ := NewEventFrame("task.status", "s1", map[string]string{"noise": "yes"})
			evData, _ := MarshalFrame(ev)
			res, _ := NewResponseFrame(req.ID, true, map[string]string{"method": string(req.Method)}, "")
			resData, _ := MarshalFrame(res)
			if conn.Write(r.Context(), websocket.MessageText, evData) != nil ||
				conn.Write(r.Context(), websocket.MessageText, resData) != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestClient_CallMatchesResponses(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c, err := Dial(ctx, echoGateway(t))
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer c.Close()

	for _, m := range []Method{MethodPing, MethodListTasks} {
		f, err := c.Call(ctx, m, nil)
		if err != nil {
			t.Fatalf("Call(%s): %v", m, err)
		}
		var p map[string]string
		if err := json.Unmarshal(f.Payload, &p); err != nil {
			t.Fatalf("unmarshal payload: %v", err)
		}
		if p["method"] != string(m) {
			t.Errorf("Call(%s): answered %q", m, p["method"])
		}
	}
}

func TestClient_CallAfterClose(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c, err := Dial(ctx, echoGateway(t))
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	c.Close()

	_, err = c.Call(ctx, MethodPing, nil)
	if err == nil {
		t.Fatal("Call after Close: expected error")
	}
	if !errors.Is(err, ErrClosed) && !strings.Contains(err.Error(), "send") {
		t.Errorf("Call after Close: got %v", err)
	}
}

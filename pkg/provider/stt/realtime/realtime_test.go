package realtime_test

import (
	"context"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/ShinnosukeUesaka/house-agent/pkg/provider/stt"
	"github.com/ShinnosukeUesaka/house-agent/pkg/provider/stt/realtime"
)

// ── Helpers ───────────────────────────────────────────────────────────────────

// wsURL converts an httptest server HTTP URL to a WebSocket URL.
func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

// startServer launches a test WebSocket server. The handler receives the
// accepted conn. The server is closed when the test finishes.
func startServer(t *testing.T, handler func(conn *websocket.Conn, r *http.Request)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "done")
		handler(conn, r)
	}))
	t.Cleanup(srv.Close)
	return srv
}

// writeJSON marshals v and sends it as a text frame.
func writeJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	data, _ := json.Marshal(v)
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		t.Logf("writeJSON: %v (may be expected on close)", err)
	}
}

func dial(t *testing.T, srv *httptest.Server) stt.Conn {
	t.Helper()
	d := realtime.New(realtime.WithURL(wsURL(srv)))
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	c, err := d.Dial(ctx, "ek_test")
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func nextEvent(t *testing.T, c stt.Conn) stt.Event {
	t.Helper()
	select {
	case ev, ok := <-c.Events():
		if !ok {
			t.Fatal("event channel closed")
		}
		return ev
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for event")
		return nil
	}
}

// ── ParseEvent ────────────────────────────────────────────────────────────────

func TestParseEvent(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		raw  string
		want stt.Event
	}{
		{
			name: "delta",
			raw:  `{"type":"conversation.item.input_audio_transcription.delta","item_id":"it_1","delta":"what "}`,
			want: stt.TranscriptDelta{ItemID: "it_1", Delta: "what "},
		},
		{
			name: "completed",
			raw:  `{"type":"conversation.item.input_audio_transcription.completed","item_id":"it_1","transcript":"what did I eat"}`,
			want: stt.TranscriptCompleted{ItemID: "it_1", Transcript: "what did I eat"},
		},
		{
			name: "completed without transcript",
			raw:  `{"type":"conversation.item.input_audio_transcription.completed","item_id":"it_2"}`,
			want: stt.TranscriptCompleted{ItemID: "it_2"},
		},
		{
			name: "speech started",
			raw:  `{"type":"input_audio_buffer.speech_started","audio_start_ms":320}`,
			want: stt.SpeechStarted{AudioStartMs: 320},
		},
		{
			name: "speech stopped",
			raw:  `{"type":"input_audio_buffer.speech_stopped","audio_end_ms":1900}`,
			want: stt.SpeechStopped{AudioEndMs: 1900},
		},
		{
			name: "committed",
			raw:  `{"type":"input_audio_buffer.committed","item_id":"it_3"}`,
			want: stt.BufferCommitted{ItemID: "it_3"},
		},
		{
			name: "session created",
			raw:  `{"type":"transcription_session.created"}`,
			want: stt.SessionUpdated{Type: "transcription_session.created"},
		},
		{
			name: "error",
			raw:  `{"type":"error","error":{"type":"invalid_request_error","code":"session_expired","message":"expired"}}`,
			want: stt.ServerError{Type: "invalid_request_error", Code: "session_expired", Message: "expired"},
		},
		{
			name: "error without detail",
			raw:  `{"type":"error"}`,
			want: stt.ServerError{Message: "unknown error"},
		},
		{
			name: "unknown",
			raw:  `{"type":"rate_limits.updated"}`,
			want: stt.Unknown{Type: "rate_limits.updated"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := realtime.ParseEvent([]byte(tt.raw))
			if err != nil {
				t.Fatalf("ParseEvent: %v", err)
			}
			if got != tt.want {
				t.Errorf("got %#v, want %#v", got, tt.want)
			}
		})
	}
}

func TestParseEvent_Malformed(t *testing.T) {
	t.Parallel()
	for _, raw := range []string{`not json`, `{}`, `{"type":""}`} {
		if _, err := realtime.ParseEvent([]byte(raw)); err == nil {
			t.Errorf("ParseEvent(%q): expected error", raw)
		}
	}
}

// ── Dial ──────────────────────────────────────────────────────────────────────

func TestDial_SendsAuthHeaders(t *testing.T) {
	t.Parallel()
	headers := make(chan http.Header, 1)
	srv := startServer(t, func(conn *websocket.Conn, r *http.Request) {
		headers <- r.Header.Clone()
		<-conn.CloseRead(context.Background()).Done()
	})

	dial(t, srv)
	h := <-headers
	if got := h.Get("Authorization"); got != "Bearer ek_test" {
		t.Errorf("Authorization = %q", got)
	}
	if got := h.Get("OpenAI-Beta"); got != "realtime=v1" {
		t.Errorf("OpenAI-Beta = %q", got)
	}
}

func TestDial_EmptyToken(t *testing.T) {
	t.Parallel()
	if _, err := realtime.New().Dial(context.Background(), ""); err == nil {
		t.Error("expected error for empty token")
	}
}

func TestDial_Unreachable(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.NotFoundHandler())
	srv.Close()
	_, err := realtime.New(realtime.WithURL(wsURL(srv))).Dial(context.Background(), "ek")
	if err == nil {
		t.Error("expected dial error")
	}
}

// ── SendAudio ─────────────────────────────────────────────────────────────────

func TestSendAudio_AppendMessage(t *testing.T) {
	t.Parallel()

	type appendMsg struct {
		Type  string `json:"type"`
		Audio string `json:"audio"`
	}
	received := make(chan appendMsg, 1)
	srv := startServer(t, func(conn *websocket.Conn, _ *http.Request) {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		var m appendMsg
		_ = json.Unmarshal(data, &m)
		received <- m
	})

	c := dial(t, srv)
	if err := c.SendAudio(context.Background(), []int16{1, -2, 300}); err != nil {
		t.Fatalf("SendAudio: %v", err)
	}

	m := <-received
	if m.Type != "input_audio_buffer.append" {
		t.Errorf("type = %q", m.Type)
	}
	raw, err := base64.StdEncoding.DecodeString(m.Audio)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(raw) != 6 {
		t.Fatalf("payload length = %d, want 6", len(raw))
	}
	if got := int16(binary.LittleEndian.Uint16(raw[2:])); got != -2 {
		t.Errorf("sample 1 = %d, want -2", got)
	}
}

func TestSendAudio_AfterClose(t *testing.T) {
	t.Parallel()
	srv := startServer(t, func(conn *websocket.Conn, _ *http.Request) {
		<-conn.CloseRead(context.Background()).Done()
	})
	c := dial(t, srv)
	if err := c.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
	if err := c.SendAudio(context.Background(), []int16{1}); !errors.Is(err, stt.ErrClosed) {
		t.Errorf("SendAudio after Close = %v, want ErrClosed", err)
	}
}

// ── Events ────────────────────────────────────────────────────────────────────

func TestEvents_DeliveredInOrderThenClosed(t *testing.T) {
	t.Parallel()
	srv := startServer(t, func(conn *websocket.Conn, _ *http.Request) {
		writeJSON(t, conn, map[string]any{"type": "transcription_session.created"})
		writeJSON(t, conn, map[string]any{"type": "conversation.item.input_audio_transcription.delta", "delta": "hel"})
		_ = conn.Write(context.Background(), websocket.MessageText, []byte("garbage"))
		writeJSON(t, conn, map[string]any{"type": "conversation.item.input_audio_transcription.delta", "delta": "lo"})
		writeJSON(t, conn, map[string]any{"type": "conversation.item.input_audio_transcription.completed", "transcript": "hello"})
		// Returning closes the socket normally.
	})

	c := dial(t, srv)
	if _, ok := nextEvent(t, c).(stt.SessionUpdated); !ok {
		t.Error("first event should be SessionUpdated")
	}
	if d, ok := nextEvent(t, c).(stt.TranscriptDelta); !ok || d.Delta != "hel" {
		t.Errorf("second event = %#v", d)
	}
	if d, ok := nextEvent(t, c).(stt.TranscriptDelta); !ok || d.Delta != "lo" {
		t.Errorf("malformed frame should be skipped, got %#v", d)
	}
	if f, ok := nextEvent(t, c).(stt.TranscriptCompleted); !ok || f.Transcript != "hello" {
		t.Errorf("fourth event = %#v", f)
	}

	select {
	case _, ok := <-c.Events():
		if ok {
			t.Error("expected channel to close after server hang-up")
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for channel close")
	}
	if err := c.(*realtime.Conn).Err(); err != nil {
		t.Errorf("normal close should not record an error, got %v", err)
	}
}

func TestEvents_ClosedOnLocalClose(t *testing.T) {
	t.Parallel()
	srv := startServer(t, func(conn *websocket.Conn, _ *http.Request) {
		<-conn.CloseRead(context.Background()).Done()
	})
	c := dial(t, srv)
	_ = c.Close()

	select {
	case _, ok := <-c.Events():
		if ok {
			t.Error("unexpected event after Close")
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Events not closed after Close")
	}
}

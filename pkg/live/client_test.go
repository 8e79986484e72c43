package live_test

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"google.golang.org/genai"

	"github.com/MrWong99/maia/pkg/live"
)

// ── Helpers ───────────────────────────────────────────────────────────────────

// wsURL converts an httptest server HTTP URL to a WebSocket URL.
func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

// startLiveServer launches a test WebSocket server standing in for the Live
// API. The server is automatically closed when the test finishes.
func startLiveServer(t *testing.T, handler func(conn *websocket.Conn, r *http.Request)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			InsecureSkipVerify: true,
		})
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "done")
		handler(conn, r)
	}))
	t.Cleanup(srv.Close)
	return srv
}

// readJSON reads one WebSocket frame and decodes it into v.
func readJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Errorf("readJSON: %v", err)
		return
	}
	if err := json.Unmarshal(data, v); err != nil {
		t.Errorf("readJSON unmarshal: %v", err)
	}
}

// writeRaw sends data as a text frame.
func writeRaw(t *testing.T, conn *websocket.Conn, data string) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, []byte(data)); err != nil {
		t.Logf("writeRaw: %v (may be expected on close)", err)
	}
}

// ackSetup reads the setup frame and sends setupComplete.
func ackSetup(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	var setup map[string]any
	readJSON(t, conn, &setup)
	writeRaw(t, conn, `{"setupComplete":{}}`)
}

// holdOpen reads and discards frames until the client goes away.
func holdOpen(conn *websocket.Conn) {
	for {
		if _, _, err := conn.Read(context.Background()); err != nil {
			return
		}
	}
}

func newClient(t *testing.T, srv *httptest.Server, opts ...live.Option) *live.Client {
	t.Helper()
	opts = append([]live.Option{live.WithBaseURL(wsURL(srv)), live.WithKeepalive(0)}, opts...)
	c := live.New("test-api-key", opts...)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

// record subscribes to every event kind and returns a channel of events.
func record(c live.Source) <-chan live.Event {
	ch := make(chan live.Event, 64)
	for k := live.KindOpen; k <= live.KindUsage; k++ {
		c.On(k, func(ev live.Event) { ch <- ev })
	}
	return ch
}

// waitKind waits for the next event of kind, skipping others.
func waitKind(t *testing.T, ch <-chan live.Event, kind live.EventKind) live.Event {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case ev := <-ch:
			if ev.Kind() == kind {
				return ev
			}
		case <-deadline:
			t.Fatalf("timeout waiting for %v event", kind)
			return nil
		}
	}
}

// ── Connect ───────────────────────────────────────────────────────────────────

func TestConnect_SetupHandshake(t *testing.T) {
	t.Parallel()

	gotKey := make(chan string, 1)
	gotModel := make(chan string, 1)
	srv := startLiveServer(t, func(conn *websocket.Conn, r *http.Request) {
		gotKey <- r.URL.Query().Get("key")
		var msg struct {
			Setup struct {
				Model string `json:"model"`
			} `json:"setup"`
		}
		readJSON(t, conn, &msg)
		gotModel <- msg.Setup.Model
		writeRaw(t, conn, `{"setupComplete":{}}`)
		holdOpen(conn)
	})

	c := newClient(t, srv)
	events := record(c)

	if err := c.Connect(context.Background(), "gemini-2.0-flash-exp", live.Config{}); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if got := c.State(); got != live.StateOpen {
		t.Errorf("State = %v, want open", got)
	}
	if key := <-gotKey; key != "test-api-key" {
		t.Errorf("key = %q", key)
	}
	if model := <-gotModel; model != "models/gemini-2.0-flash-exp" {
		t.Errorf("model = %q", model)
	}
	waitKind(t, events, live.KindOpen)
	waitKind(t, events, live.KindSetupComplete)
}

func TestConnect_AlreadyConnected(t *testing.T) {
	t.Parallel()

	srv := startLiveServer(t, func(conn *websocket.Conn, _ *http.Request) {
		ackSetup(t, conn)
		holdOpen(conn)
	})
	c := newClient(t, srv)

	if err := c.Connect(context.Background(), "m", live.Config{}); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := c.Connect(context.Background(), "m", live.Config{}); !errors.Is(err, live.ErrAlreadyConnected) {
		t.Errorf("second Connect err = %v, want ErrAlreadyConnected", err)
	}
}

func TestConnect_SetupTimeout(t *testing.T) {
	t.Parallel()

	setupRead := make(chan struct{})
	srv := startLiveServer(t, func(conn *websocket.Conn, r *http.Request) {
		var setup map[string]any
		readJSON(t, conn, &setup)
		close(setupRead)
		_, _, _ = conn.Read(r.Context()) // never acknowledges
	})
	c := newClient(t, srv, live.WithSetupTimeout(150*time.Millisecond))
	events := record(c)

	err := c.Connect(context.Background(), "m", live.Config{})
	if !errors.Is(err, live.ErrSetupTimeout) {
		t.Fatalf("Connect err = %v, want ErrSetupTimeout", err)
	}
	select {
	case <-setupRead:
	default:
		t.Error("setup frame never reached the server")
	}
	if got := c.State(); got != live.StateClosed {
		t.Errorf("State = %v, want closed", got)
	}
	ev := waitKind(t, events, live.KindError).(live.ErrorEvent)
	if !errors.Is(ev.Err, live.ErrSetupTimeout) {
		t.Errorf("error event = %v", ev.Err)
	}
	waitKind(t, events, live.KindClose)
}

func TestConnect_DisconnectBeforeSetupComplete(t *testing.T) {
	t.Parallel()

	setupRead := make(chan struct{})
	srv := startLiveServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var setup map[string]any
		readJSON(t, conn, &setup)
		close(setupRead)
		holdOpen(conn)
	})
	c := newClient(t, srv)

	result := make(chan error, 1)
	go func() { result <- c.Connect(context.Background(), "m", live.Config{}) }()

	select {
	case <-setupRead:
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for setup frame")
	}
	if err := c.Disconnect(); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}

	select {
	case err := <-result:
		if err != nil {
			t.Errorf("Connect err = %v, want nil after local disconnect", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Connect did not settle")
	}
	if got := c.State(); got != live.StateClosed {
		t.Errorf("State = %v, want closed", got)
	}
}

func TestConnect_DialFailureIsTransportError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.NotFoundHandler())
	t.Cleanup(srv.Close)
	c := newClient(t, srv)
	events := record(c)

	err := c.Connect(context.Background(), "m", live.Config{})
	var terr *live.TransportError
	if !errors.As(err, &terr) || terr.Op != "dial" {
		t.Fatalf("err = %v, want dial TransportError", err)
	}
	waitKind(t, events, live.KindError)
	waitKind(t, events, live.KindClose)
}

func TestReconnect_FreshSession(t *testing.T) {
	t.Parallel()

	srv := startLiveServer(t, func(conn *websocket.Conn, _ *http.Request) {
		ackSetup(t, conn)
		holdOpen(conn)
	})
	c := newClient(t, srv)

	for i := range 2 {
		if err := c.Connect(context.Background(), "m", live.Config{}); err != nil {
			t.Fatalf("Connect #%d: %v", i, err)
		}
		if err := c.Disconnect(); err != nil {
			t.Fatalf("Disconnect #%d: %v", i, err)
		}
		if got := c.State(); got != live.StateClosed {
			t.Fatalf("State after disconnect #%d = %v", i, got)
		}
	}
}

// ── Disconnect ────────────────────────────────────────────────────────────────

func TestDisconnect_Idempotent(t *testing.T) {
	t.Parallel()

	c := live.New("k")
	t.Cleanup(func() { _ = c.Close() })

	for range 3 {
		if err := c.Disconnect(); err != nil {
			t.Fatalf("Disconnect: %v", err)
		}
	}
	if got := c.State(); got != live.StateClosed {
		t.Errorf("State = %v, want closed", got)
	}
}

func TestDisconnect_FromHandler(t *testing.T) {
	t.Parallel()

	srv := startLiveServer(t, func(conn *websocket.Conn, _ *http.Request) {
		ackSetup(t, conn)
		writeRaw(t, conn, `{"serverContent":{"turnComplete":true}}`)
		holdOpen(conn)
	})
	c := newClient(t, srv)
	closed := make(chan struct{})
	live.Handle(c, func(live.TurnCompleteEvent) { _ = c.Disconnect() })
	live.Handle(c, func(live.CloseEvent) { close(closed) })

	if err := c.Connect(context.Background(), "m", live.Config{}); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	select {
	case <-closed:
	case <-time.After(3 * time.Second):
		t.Fatal("Disconnect from handler did not close the session")
	}
}

// ── Send ──────────────────────────────────────────────────────────────────────

func TestSend_NotConnected(t *testing.T) {
	t.Parallel()

	frames := make(chan struct{}, 8)
	srv := startLiveServer(t, func(conn *websocket.Conn, _ *http.Request) {
		ackSetup(t, conn)
		for {
			if _, _, err := conn.Read(context.Background()); err != nil {
				return
			}
			frames <- struct{}{}
		}
	})
	c := newClient(t, srv)

	if err := c.SendAudio([]byte{0, 0}, 16000); !errors.Is(err, live.ErrNotConnected) {
		t.Errorf("send before connect err = %v, want ErrNotConnected", err)
	}

	if err := c.Connect(context.Background(), "m", live.Config{}); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	_ = c.Disconnect()

	if err := c.SendText("hi", true); !errors.Is(err, live.ErrNotConnected) {
		t.Errorf("send after disconnect err = %v, want ErrNotConnected", err)
	}
	if err := c.SendToolResponse(&genai.FunctionResponse{ID: "1", Name: "x"}); !errors.Is(err, live.ErrNotConnected) {
		t.Errorf("tool response after disconnect err = %v, want ErrNotConnected", err)
	}

	select {
	case <-frames:
		t.Error("server received a frame after setup; want no wire traffic")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestSend_AudioAndToolResponse(t *testing.T) {
	t.Parallel()

	type frame struct {
		RealtimeInput *struct {
			MediaChunks []struct {
				MIMEType string `json:"mimeType"`
				Data     string `json:"data"`
			} `json:"mediaChunks"`
		} `json:"realtimeInput"`
		ToolResponse *struct {
			FunctionResponses []struct {
				ID   string `json:"id"`
				Name string `json:"name"`
			} `json:"functionResponses"`
		} `json:"toolResponse"`
	}
	got := make(chan frame, 2)
	srv := startLiveServer(t, func(conn *websocket.Conn, _ *http.Request) {
		ackSetup(t, conn)
		for range 2 {
			var f frame
			readJSON(t, conn, &f)
			got <- f
		}
		holdOpen(conn)
	})
	c := newClient(t, srv)
	if err := c.Connect(context.Background(), "m", live.Config{}); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	pcm := []byte{1, 2, 3, 4}
	if err := c.SendAudio(pcm, 16000); err != nil {
		t.Fatalf("SendAudio: %v", err)
	}
	if err := c.SendToolResponse(&genai.FunctionResponse{ID: "c1", Name: "show_map", Response: map[string]any{"ok": true}}); err != nil {
		t.Fatalf("SendToolResponse: %v", err)
	}

	first := <-got
	if first.RealtimeInput == nil || len(first.RealtimeInput.MediaChunks) != 1 {
		t.Fatalf("first frame = %+v, want realtimeInput", first)
	}
	data, _ := base64.StdEncoding.DecodeString(first.RealtimeInput.MediaChunks[0].Data)
	if string(data) != string(pcm) {
		t.Errorf("audio = %v, want %v", data, pcm)
	}
	second := <-got
	if second.ToolResponse == nil || second.ToolResponse.FunctionResponses[0].ID != "c1" {
		t.Errorf("second frame = %+v, want toolResponse c1", second)
	}
}

// ── Inbound ───────────────────────────────────────────────────────────────────

func TestInbound_AudioTurnAndInterrupt(t *testing.T) {
	t.Parallel()

	audio := base64.StdEncoding.EncodeToString([]byte{1, 0, 2, 0})
	proceed := make(chan struct{})
	srv := startLiveServer(t, func(conn *websocket.Conn, _ *http.Request) {
		ackSetup(t, conn)
		writeRaw(t, conn, `{"serverContent":{"modelTurn":{"parts":[{"inlineData":{"mimeType":"audio/pcm;rate=24000","data":"`+audio+`"}}]}}}`)
		<-proceed
		writeRaw(t, conn, `{"serverContent":{"interrupted":true}}`)
		holdOpen(conn)
	})
	c := newClient(t, srv)
	events := record(c)

	if err := c.Connect(context.Background(), "m", live.Config{}); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	ev := waitKind(t, events, live.KindAudio).(live.AudioEvent)
	if len(ev.Data) != 4 || ev.SampleRate != 24000 {
		t.Errorf("audio = %+v", ev)
	}
	if !c.TurnActive() {
		t.Error("TurnActive = false after model audio")
	}

	close(proceed)
	waitKind(t, events, live.KindInterrupted)
	if c.TurnActive() {
		t.Error("TurnActive = true after interrupted")
	}
	if got := c.State(); got != live.StateOpen {
		t.Errorf("State = %v, interrupted must not change the primary state", got)
	}
}

func TestInbound_MalformedFrameDropped(t *testing.T) {
	t.Parallel()

	srv := startLiveServer(t, func(conn *websocket.Conn, _ *http.Request) {
		ackSetup(t, conn)
		writeRaw(t, conn, `this is not json`)
		writeRaw(t, conn, `{"serverContent":{"turnComplete":true}}`)
		holdOpen(conn)
	})
	dropped := make(chan *live.ProtocolError, 1)
	c := newClient(t, srv, live.WithDroppedFrameHook(func(e *live.ProtocolError) { dropped <- e }))
	events := record(c)

	if err := c.Connect(context.Background(), "m", live.Config{}); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	waitKind(t, events, live.KindTurnComplete)

	select {
	case e := <-dropped:
		if e.Reason != "malformed JSON" {
			t.Errorf("Reason = %q", e.Reason)
		}
	case <-time.After(time.Second):
		t.Fatal("dropped-frame hook not called")
	}
	if got := c.State(); got != live.StateOpen {
		t.Errorf("State = %v, a bad frame must not close the session", got)
	}
}

func TestInbound_ServerCloseIsTransportError(t *testing.T) {
	t.Parallel()

	srv := startLiveServer(t, func(conn *websocket.Conn, _ *http.Request) {
		ackSetup(t, conn)
		conn.Close(websocket.StatusPolicyViolation, "API key not valid")
	})
	c := newClient(t, srv)
	events := record(c)

	if err := c.Connect(context.Background(), "m", live.Config{}); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	errEv := waitKind(t, events, live.KindError).(live.ErrorEvent)
	var terr *live.TransportError
	if !errors.As(errEv.Err, &terr) {
		t.Fatalf("error event = %v, want *TransportError", errEv.Err)
	}
	closeEv := waitKind(t, events, live.KindClose).(live.CloseEvent)
	if closeEv.Code != int(websocket.StatusPolicyViolation) {
		t.Errorf("close code = %d", closeEv.Code)
	}
	if got := c.State(); got != live.StateClosed {
		t.Errorf("State = %v, want closed", got)
	}
}

// ── Keepalive ─────────────────────────────────────────────────────────────────

// lineWriter hands each log record to a channel, dropping it when full.
type lineWriter chan string

func (w lineWriter) Write(p []byte) (int, error) {
	select {
	case w <- string(p):
	default:
	}
	return len(p), nil
}

func TestKeepalive_PingFailureIsLogged(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	srv := startLiveServer(t, func(conn *websocket.Conn, r *http.Request) {
		ackSetup(t, conn)
		// Not reading means pings are never answered.
		select {
		case <-release:
		case <-r.Context().Done():
		}
	})
	t.Cleanup(func() { close(release) })

	lines := make(lineWriter, 64)
	logger := slog.New(slog.NewTextHandler(lines, &slog.HandlerOptions{Level: slog.LevelDebug}))
	c := newClient(t, srv, live.WithKeepalive(30*time.Millisecond), live.WithLogger(logger))

	if err := c.Connect(context.Background(), "m", live.Config{}); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	deadline := time.After(3 * time.Second)
	for {
		select {
		case line := <-lines:
			if strings.Contains(line, "keepalive ping failed") {
				return
			}
		case <-deadline:
			t.Fatal("failed keepalive ping was not logged")
		}
	}
}

package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	aimock "audiotoolkit/ai/mock"
	"audiotoolkit/audio"
	audiomock "audiotoolkit/audio/mock"
	"audiotoolkit/internal/apperr"
	"audiotoolkit/internal/config"
	"audiotoolkit/internal/metrics"
	"audiotoolkit/internal/service"
	"audiotoolkit/session"
)

type testEnv struct {
	backend *audiomock.Backend
	toolkit *service.Toolkit
	server  *Server
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	recordings, err := session.NewManager(t.TempDir())
	if err != nil {
		t.Fatalf("session manager: %v", err)
	}
	backend := audiomock.NewBackend()
	m := metrics.NewMetrics()
	tk := service.New(service.Options{
		Backend:    backend,
		Recognizer: &aimock.Recognizer{FinalText: "hello"},
		Recordings: recordings,
		Metrics:    m,
	})
	s := NewServer(config.ServerConfig{Port: "0"}, tk, m)
	t.Cleanup(func() {
		s.shutdown()
		_ = tk.Close(context.Background())
	})
	return &testEnv{backend: backend, toolkit: tk, server: s}
}

func frame(amp float32) audio.Frame {
	samples := make([]float32, 1600)
	for i := range samples {
		samples[i] = amp
	}
	return audio.NewFrame(audio.SourceMic, samples, 16000, 1, time.Now())
}

func TestProcessMessage(t *testing.T) {
	env := newTestEnv(t)

	tests := []struct {
		name       string
		msg        Message
		wantResult string
		wantKind   apperr.Kind
	}{
		{"status", Message{Type: TypeGetStatus}, "true", ""},
		{"system before init", Message{Type: TypeStartSystem}, "false", apperr.KindNotInitialized},
		{"init", Message{Type: TypeInitCapture}, "true", ""},
		{"system after init", Message{Type: TypeStartSystem}, "true", ""},
		{"system twice", Message{Type: TypeStartSystem}, "true", ""},
		{"stop recording idle", Message{Type: TypeStopRecording}, "true", ""},
		{"transcribe without path", Message{Type: TypeTranscribeFile}, "false", apperr.KindIO},
		{"transcribe missing file", Message{Type: TypeTranscribeFile, Path: "/nonexistent/a.wav"}, "false", apperr.KindIO},
		{"unknown", Message{Type: "reboot"}, "false", apperr.KindInternal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.msg.RequestID = tt.name
			resp := env.server.processMessage(tt.msg)
			if resp.Type != tt.msg.Type || resp.RequestID != tt.name {
				t.Fatalf("response not correlated: %+v", resp)
			}
			if resp.Result != tt.wantResult || apperr.Kind(resp.Kind) != tt.wantKind {
				t.Fatalf("got result=%q kind=%q (%s), want %q/%q", resp.Result, resp.Kind, resp.ErrorMessage, tt.wantResult, tt.wantKind)
			}
			if resp.Result == "false" && resp.ErrorMessage == "" {
				t.Fatal("error response without message")
			}
		})
	}

	resp := env.server.processMessage(Message{Type: TypeGetStatus})
	if resp.Status == nil || !resp.Status.Initialized || !resp.Status.System.Active {
		t.Fatalf("unexpected status %+v", resp.Status)
	}
	resp = env.server.processMessage(Message{Type: TypeGetDevices})
	if len(resp.Devices) != 2 {
		t.Fatalf("devices = %+v", resp.Devices)
	}
}

func TestProcessMessageRecoversPanic(t *testing.T) {
	s := &Server{Metrics: metrics.NewMetrics(), ctx: context.Background()}

	resp := s.processMessage(Message{Type: TypeGetStatus, RequestID: "1"})
	if resp.Result != "false" || resp.Kind != string(apperr.KindInternal) {
		t.Fatalf("panic not converted to error response: %+v", resp)
	}
	if !strings.Contains(resp.ErrorMessage, "panic") {
		t.Fatalf("error message = %q", resp.ErrorMessage)
	}
}

func TestEventMessage(t *testing.T) {
	at := time.Now()
	msg := eventMessage(service.Event{Type: service.EventLoudness, Name: "mic", DB: -12.5, At: at})
	if msg.Type != "loudness" || msg.Source != "mic" || msg.DB == nil || *msg.DB != -12.5 {
		t.Fatalf("unexpected loudness message %+v", msg)
	}

	// 0 dB - полная шкала, значение должно дойти до клиента
	raw, err := json.Marshal(eventMessage(service.Event{Type: service.EventLoudness, Name: "mic", DB: 0, At: at}))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if !strings.Contains(string(raw), `"db":0`) {
		t.Fatalf("full-scale level lost: %s", raw)
	}

	msg = eventMessage(service.Event{Type: service.EventTranscriptDelta, Name: "system", Text: " world", At: at})
	if msg.Text != " world" || msg.DB != nil {
		t.Fatalf("unexpected delta message %+v", msg)
	}

	raw, err = json.Marshal(eventMessage(service.Event{Type: service.EventSegmentReady, Name: "mic", Path: "/tmp/a.wav", At: at}))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if strings.Contains(string(raw), `"db"`) || !strings.Contains(string(raw), `"path":"/tmp/a.wav"`) {
		t.Fatalf("unexpected json %s", raw)
	}
}

func readUntil(t *testing.T, conn *websocket.Conn, match func(Message) bool) Message {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for {
		_ = conn.SetReadDeadline(deadline)
		var msg Message
		if err := conn.ReadJSON(&msg); err != nil {
			t.Fatalf("read: %v", err)
		}
		if match(msg) {
			return msg
		}
	}
}

func TestWebSocketCommandsAndEvents(t *testing.T) {
	env := newTestEnv(t)
	ts := httptest.NewServer(env.server.Handler())
	defer ts.Close()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	send := func(msg Message) {
		t.Helper()
		if err := conn.WriteJSON(msg); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	byID := func(id string) func(Message) bool {
		return func(m Message) bool { return m.RequestID == id }
	}

	send(Message{Type: TypeStartMic, RequestID: "1"})
	if resp := readUntil(t, conn, byID("1")); resp.Result != "true" {
		t.Fatalf("start_mic failed: %+v", resp)
	}
	send(Message{Type: TypeStartRecording, RequestID: "2", Language: "en"})
	if resp := readUntil(t, conn, byID("2")); resp.Result != "true" {
		t.Fatalf("start_recording failed: %+v", resp)
	}

	for i := 0; i < 12; i++ {
		if !env.backend.Mic.Push(frame(0.5)) {
			t.Fatal("mic is not open")
		}
	}
	level := readUntil(t, conn, func(m Message) bool { return m.Type == "loudness" })
	if level.Source != "mic" || level.DB == nil {
		t.Fatalf("unexpected loudness event %+v", level)
	}

	send(Message{Type: TypeStopRecording, RequestID: "3"})
	var stop Message
	var sawSegment, sawDelta bool
	readUntil(t, conn, func(m Message) bool {
		switch {
		case m.Type == "segment_ready":
			sawSegment = true
		case m.Type == "transcript_delta" && m.Text == "hello":
			sawDelta = true
		case m.RequestID == "3":
			stop = m
			return true
		}
		return false
	})
	if stop.Result != "true" || filepath.Ext(stop.Path) != ".wav" {
		t.Fatalf("stop_recording = %+v", stop)
	}
	if !sawSegment || !sawDelta {
		t.Fatalf("events before stop response: segment=%v delta=%v", sawSegment, sawDelta)
	}

	send(Message{Type: TypeListRecordings, RequestID: "4"})
	list := readUntil(t, conn, byID("4"))
	if len(list.Recordings) != 1 || list.Recordings[0].Transcripts["mic"] != "hello" {
		t.Fatalf("recordings = %+v", list.Recordings)
	}
}

func TestWebSocketMalformedMessage(t *testing.T) {
	env := newTestEnv(t)
	ts := httptest.NewServer(env.server.Handler())
	defer ts.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/ws", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	if err := conn.WriteMessage(websocket.TextMessage, []byte("{not json")); err != nil {
		t.Fatalf("write: %v", err)
	}
	resp := readUntil(t, conn, func(m Message) bool { return m.Type == TypeError })
	if resp.Result != "false" {
		t.Fatalf("unexpected response %+v", resp)
	}

	// соединение остаётся рабочим
	if err := conn.WriteJSON(Message{Type: TypeGetStatus, RequestID: "after"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if resp := readUntil(t, conn, func(m Message) bool { return m.RequestID == "after" }); resp.Status == nil {
		t.Fatalf("status missing: %+v", resp)
	}
}

func TestRecordingsAndMetricsEndpoints(t *testing.T) {
	env := newTestEnv(t)
	env.server.processMessage(Message{Type: TypeStartRecording, Language: "en"})
	env.server.processMessage(Message{Type: TypeStopRecording})

	ts := httptest.NewServer(env.server.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/api/recordings")
	if err != nil {
		t.Fatalf("get recordings: %v", err)
	}
	var list []session.RecordingInfo
	err = json.NewDecoder(resp.Body).Decode(&list)
	resp.Body.Close()
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(list) != 1 || list[0].Status != session.RecordingStatusCompleted {
		t.Fatalf("recordings = %+v", list)
	}

	resp, err = http.Get(ts.URL + "/metrics")
	if err != nil {
		t.Fatalf("get metrics: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if !strings.Contains(string(body), `audiotoolkit_control_requests_total{result="success",type="start_recording"} 1`) {
		t.Fatalf("request metric missing:\n%s", body)
	}
}

// jsonClient - минимальный gRPC JSON клиент для Control stream
type jsonClient struct {
	conn   *grpc.ClientConn
	stream grpc.ClientStream
}

func newJSONClient(t *testing.T, socketPath string) *jsonClient {
	t.Helper()

	conn, err := grpc.NewClient(
		"unix://"+socketPath,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.ForceCodec(jsonCodec{})),
	)
	if err != nil {
		t.Fatalf("dial grpc: %v", err)
	}

	stream, err := conn.NewStream(context.Background(), &controlServiceDesc.Streams[0], "/audiotoolkit.Control/Stream")
	if err != nil {
		t.Fatalf("open stream: %v", err)
	}
	return &jsonClient{conn: conn, stream: stream}
}

func (c *jsonClient) recv(timeout time.Duration) (Message, error) {
	var msg Message
	recvDone := make(chan error, 1)
	go func() { recvDone <- c.stream.RecvMsg(&msg) }()
	select {
	case err := <-recvDone:
		return msg, err
	case <-time.After(timeout):
		return Message{}, context.DeadlineExceeded
	}
}

func (c *jsonClient) close() {
	_ = c.stream.CloseSend()
	_ = c.conn.Close()
}

func TestControlStream(t *testing.T) {
	env := newTestEnv(t)

	socket := filepath.Join(t.TempDir(), "grpc.sock")
	lis, err := listenGRPC("unix:" + socket)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	server := newGRPCServer(env.server)
	go server.Serve(lis)
	defer server.Stop()

	client := newJSONClient(t, socket)
	defer client.close()

	for _, msg := range []Message{
		{Type: TypeGetStatus, RequestID: "status"},
		{Type: TypeStartSystem, RequestID: "system"},
	} {
		if err := client.stream.SendMsg(&msg); err != nil {
			t.Fatalf("send %s: %v", msg.Type, err)
		}
	}

	got := make(map[string]Message)
	for len(got) < 2 {
		msg, err := client.recv(3 * time.Second)
		if err != nil {
			t.Fatalf("recv: %v", err)
		}
		if msg.RequestID != "" {
			got[msg.RequestID] = msg
		}
	}
	if st := got["status"]; st.Result != "true" || st.Status == nil {
		t.Fatalf("get_status = %+v", st)
	}
	if sys := got["system"]; sys.Result != "false" || sys.Kind != string(apperr.KindNotInitialized) {
		t.Fatalf("start_system = %+v", sys)
	}
}

func TestListenGRPC(t *testing.T) {
	if runtime.GOOS != "windows" {
		if _, err := listenGRPC("npipe:\\\\.\\pipe\\audiotoolkit-test"); err == nil {
			t.Fatal("expected named pipe error on this platform")
		}
	}
	if err := removeIfExists(""); err == nil {
		t.Fatal("expected error for empty socket path")
	}
}

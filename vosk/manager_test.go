package vosk

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{}

type recordedFrame struct {
	messageType int
	data        []byte
}

// recognizerStub is a scripted Vosk-style server backing a test. Each
// connection records inbound frames and lets the test inject responses.
type recognizerStub struct {
	mu     sync.Mutex
	frames []recordedFrame
	conns  int

	// release gates the websocket upgrade so tests can hold a session in
	// its connecting state. nil means upgrade immediately.
	release chan struct{}

	// respond is called with the live connection after the config frame
	// arrives. May be nil.
	respond func(conn *websocket.Conn)
}

func (s *recognizerStub) serve(w http.ResponseWriter, r *http.Request) {
	if s.release != nil {
		<-s.release
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	s.mu.Lock()
	s.conns++
	s.mu.Unlock()

	configSeen := false
	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		s.mu.Lock()
		s.frames = append(s.frames, recordedFrame{messageType: mt, data: data})
		s.mu.Unlock()

		if mt == websocket.TextMessage {
			if strings.Contains(string(data), "eof") {
				return
			}
			if !configSeen {
				configSeen = true
				if s.respond != nil {
					s.respond(conn)
				}
			}
		}
	}
}

func startStub(t *testing.T, stub *recognizerStub) (string, func()) {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(stub.serve))
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	return url, srv.Close
}

func (s *recognizerStub) waitFrames(t *testing.T, n int) []recordedFrame {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		s.mu.Lock()
		if len(s.frames) >= n {
			out := append([]recordedFrame(nil), s.frames...)
			s.mu.Unlock()
			return out
		}
		s.mu.Unlock()
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d recognizer frames", n)
	return nil
}

func (s *recognizerStub) connCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conns
}

type fakeSink struct {
	mu      sync.Mutex
	records []Transcription
	err     error
}

func (f *fakeSink) RecordVoiceTranscription(_ context.Context, tr Transcription) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records = append(f.records, tr)
	return f.err
}

func (f *fakeSink) all() []Transcription {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Transcription(nil), f.records...)
}

func (f *fakeSink) waitRecords(t *testing.T, n int) []Transcription {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if records := f.all(); len(records) >= n {
			return records
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d persisted transcriptions", n)
	return nil
}

func testLogger() *log.Logger {
	logger := log.New(io.Discard)
	logger.SetLevel(log.FatalLevel + 1)
	return logger
}

func sendResult(conn *websocket.Conn, transcript string, final bool) {
	msg := serverMessage{
		Result: &serverResult{
			Hypotheses: []hypothesis{{Transcript: transcript}},
			Final:      final,
		},
	}
	data, _ := json.Marshal(msg)
	_ = conn.WriteMessage(websocket.TextMessage, data)
}

func TestSessionQueuesAudioWhileConnectingAndFlushesFIFO(t *testing.T) {
	stub := &recognizerStub{release: make(chan struct{})}
	url, stop := startStub(t, stub)
	defer stop()

	sink := &fakeSink{}
	m := NewManager(url, 16000, sink, testLogger())

	if err := m.Start("alice", "g1", "c1"); err != nil {
		t.Fatal(err)
	}

	// The server is still holding the upgrade, so these chunks must queue.
	c1 := []byte{1, 0, 2, 0}
	c2 := []byte{3, 0, 4, 0}
	if err := m.PushAudio("alice", c1, 16000, 1); err != nil {
		t.Fatal(err)
	}
	if err := m.PushAudio("alice", c2, 16000, 1); err != nil {
		t.Fatal(err)
	}

	close(stub.release)

	frames := stub.waitFrames(t, 3)
	if frames[0].messageType != websocket.TextMessage {
		t.Fatalf("first frame type = %d, want config text frame", frames[0].messageType)
	}
	var cfg map[string]map[string]int
	if err := json.Unmarshal(frames[0].data, &cfg); err != nil {
		t.Fatalf("config frame is not JSON: %v", err)
	}
	if cfg["config"]["sample-rate"] != 16000 || cfg["config"]["sample_rate"] != 16000 {
		t.Errorf("config frame = %s, want sample rate 16000 under both keys", frames[0].data)
	}
	if string(frames[1].data) != string(c1) || string(frames[2].data) != string(c2) {
		t.Errorf("queued chunks flushed out of order: %v, %v", frames[1].data, frames[2].data)
	}

	if err := m.Finalize("alice"); err != nil {
		t.Fatal(err)
	}
	frames = stub.waitFrames(t, 4)
	last := frames[len(frames)-1]
	var eof map[string]int
	if err := json.Unmarshal(last.data, &eof); err != nil || eof["eof"] != 1 {
		t.Errorf("final frame = %s, want {\"eof\": 1}", last.data)
	}
}

func TestSessionAccumulatesOnlyFinalHypotheses(t *testing.T) {
	stub := &recognizerStub{
		respond: func(conn *websocket.Conn) {
			sendResult(conn, "this is discarded", false)
			sendResult(conn, "  hello  ", true)
			sendResult(conn, "world", true)
			// Non-zero status frames are warnings, never fatal.
			_ = conn.WriteMessage(
				websocket.TextMessage,
				[]byte(`{"status": 7, "message": "slow down"}`),
			)
		},
	}
	url, stop := startStub(t, stub)
	defer stop()

	sink := &fakeSink{}
	m := NewManager(url, 16000, sink, testLogger())

	if err := m.Start("bob", "g1", "c1"); err != nil {
		t.Fatal(err)
	}
	stub.waitFrames(t, 1)

	// Give the read loop time to consume the scripted results.
	time.Sleep(100 * time.Millisecond)
	if err := m.Finalize("bob"); err != nil {
		t.Fatal(err)
	}

	records := sink.waitRecords(t, 1)
	if records[0].Content != "hello world" {
		t.Errorf("persisted content = %q, want %q", records[0].Content, "hello world")
	}
	if records[0].UserID != "bob" || records[0].GuildID != "g1" || records[0].ChannelID != "c1" {
		t.Errorf("persisted metadata = %+v", records[0])
	}
}

func TestFinalizeIsIdempotentUnderConcurrency(t *testing.T) {
	stub := &recognizerStub{}
	url, stop := startStub(t, stub)
	defer stop()

	sink := &fakeSink{}
	m := NewManager(url, 16000, sink, testLogger())

	if err := m.Start("carol", "g1", "c1"); err != nil {
		t.Fatal(err)
	}
	stub.waitFrames(t, 1)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = m.Finalize("carol")
		}(i)
	}
	wg.Wait()

	if errs[0] != errs[1] {
		t.Errorf("concurrent finalize outcomes differ: %v vs %v", errs[0], errs[1])
	}

	// Exactly one eof frame despite two finalize callers.
	time.Sleep(50 * time.Millisecond)
	eofs := 0
	for _, f := range stub.waitFrames(t, 1) {
		if strings.Contains(string(f.data), "eof") {
			eofs++
		}
	}
	if eofs != 1 {
		t.Errorf("server saw %d eof frames, want 1", eofs)
	}
}

func TestStartFinalizesExistingSessionFirst(t *testing.T) {
	stub := &recognizerStub{}
	url, stop := startStub(t, stub)
	defer stop()

	sink := &fakeSink{}
	m := NewManager(url, 16000, sink, testLogger())

	if err := m.Start("dave", "g1", "c1"); err != nil {
		t.Fatal(err)
	}
	stub.waitFrames(t, 1)

	if err := m.Start("dave", "g1", "c1"); err != nil {
		t.Fatal(err)
	}

	// Both calls settled: exactly one live session for dave remains.
	m.mu.Lock()
	n := len(m.sessions)
	m.mu.Unlock()
	if n != 1 {
		t.Errorf("active sessions = %d, want 1", n)
	}

	deadline := time.Now().Add(3 * time.Second)
	for stub.connCount() < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if got := stub.connCount(); got != 2 {
		t.Errorf("recognizer connections = %d, want 2", got)
	}
}

func TestSocketErrorStillPersistsCapturedFinals(t *testing.T) {
	stub := &recognizerStub{
		respond: func(conn *websocket.Conn) {
			sendResult(conn, "partial capture", true)
			// Abrupt close, no close handshake: an unrecoverable error.
			_ = conn.NetConn().Close()
		},
	}
	url, stop := startStub(t, stub)
	defer stop()

	sink := &fakeSink{}
	m := NewManager(url, 16000, sink, testLogger())

	if err := m.Start("erin", "g1", "c1"); err != nil {
		t.Fatal(err)
	}

	records := sink.waitRecords(t, 1)
	if records[0].Content != "partial capture" {
		t.Errorf("persisted content = %q, want %q", records[0].Content, "partial capture")
	}

	// The failed session is gone; finalizing it now is a no-op.
	if err := m.Finalize("erin"); err != nil {
		t.Errorf("finalize after error teardown = %v, want nil", err)
	}
}

func TestCloseAllDiscardsQueuedAudio(t *testing.T) {
	stub := &recognizerStub{release: make(chan struct{})}
	url, stop := startStub(t, stub)
	defer stop()

	sink := &fakeSink{}
	m := NewManager(url, 16000, sink, testLogger())

	if err := m.Start("frank", "g1", "c1"); err != nil {
		t.Fatal(err)
	}
	if err := m.PushAudio("frank", []byte{9, 0}, 16000, 1); err != nil {
		t.Fatal(err)
	}

	m.CloseAll()
	close(stub.release)

	m.mu.Lock()
	n := len(m.sessions)
	m.mu.Unlock()
	if n != 0 {
		t.Errorf("sessions after CloseAll = %d, want 0", n)
	}
	if records := sink.all(); len(records) != 0 {
		t.Errorf("queued-only session persisted %d transcriptions, want 0", len(records))
	}
}

func TestPushAudioWithoutSessionIsDropped(t *testing.T) {
	sink := &fakeSink{}
	m := NewManager("ws://127.0.0.1:1", 16000, sink, testLogger())
	if err := m.PushAudio("nobody", []byte{1, 0}, 16000, 1); err != nil {
		t.Errorf("push without session = %v, want nil", err)
	}
}

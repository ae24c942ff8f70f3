package vosk

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gorilla/websocket"
)

// Wire protocol, client to server: one JSON configuration frame on open,
// binary PCM frames thereafter, one JSON eof frame before close. The server
// accepts the sample rate under either key, so we send both.
type configMessage struct {
	Config configPayload `json:"config"`
}

type configPayload struct {
	SampleRateDashed int `json:"sample-rate"`
	SampleRate       int `json:"sample_rate"`
}

type eofMessage struct {
	EOF int `json:"eof"`
}

// Server to client frames.
type serverMessage struct {
	Status  int           `json:"status"`
	Message string        `json:"message,omitempty"`
	Result  *serverResult `json:"result,omitempty"`
}

type serverResult struct {
	Hypotheses []hypothesis `json:"hypotheses"`
	Final      bool         `json:"final"`
}

type hypothesis struct {
	Transcript string `json:"transcript"`
}

// Session is one speaker's recognition stream. Its lifecycle is linear:
// Connecting (socket dialing, audio queued) -> Ready (audio streamed) ->
// Closing (eof sent) -> Closed (transcript persisted, completion fulfilled).
// The closed flag is monotonic; terminate runs at most once.
type Session struct {
	userID    string
	guildID   string
	channelID string
	startedAt time.Time

	manager *Manager
	log     *log.Logger

	mu          sync.Mutex
	conn        *websocket.Conn
	pending     [][]byte
	ready       bool
	closing     bool
	closed      bool
	transcripts []string

	// done is closed exactly once by terminate; err is set before that and
	// never written afterwards. Every finalize caller observes the same pair.
	done chan struct{}
	err  error
}

// run dials the recognizer, sends the configuration frame, flushes audio
// queued while connecting, then reads server frames until the socket ends.
func (s *Session) run(endpoint string) {
	conn, _, err := websocket.DefaultDialer.Dial(endpoint, nil)
	if err != nil {
		s.terminate(fmt.Errorf("failed to connect to recognizer: %w", err))
		return
	}

	s.mu.Lock()
	if s.closing || s.closed {
		// Finalized before the socket opened; the session already completed.
		s.mu.Unlock()
		conn.Close()
		return
	}
	s.conn = conn

	cfg := configMessage{Config: configPayload{
		SampleRateDashed: s.manager.sampleRate,
		SampleRate:       s.manager.sampleRate,
	}}
	if err := conn.WriteJSON(cfg); err != nil {
		s.mu.Unlock()
		s.terminate(fmt.Errorf("failed to send recognizer config: %w", err))
		return
	}

	s.ready = true
	pending := s.pending
	s.pending = nil
	for _, chunk := range pending {
		if err := conn.WriteMessage(websocket.BinaryMessage, chunk); err != nil {
			s.mu.Unlock()
			s.terminate(fmt.Errorf("failed to flush queued audio: %w", err))
			return
		}
	}
	s.mu.Unlock()

	s.readLoop(conn)
}

func (s *Session) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if s.isClosing() ||
				websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.terminate(nil)
			} else {
				s.terminate(fmt.Errorf("recognizer socket error: %w", err))
			}
			return
		}
		s.handleMessage(data)
	}
}

func (s *Session) handleMessage(data []byte) {
	var msg serverMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		s.log.Warn("unparseable recognizer frame", "userID", s.userID, "error", err)
		return
	}

	if msg.Status != 0 {
		s.log.Warn(
			"recognizer reported status",
			"userID", s.userID,
			"status", msg.Status,
			"message", msg.Message,
		)
	}

	// Partial hypotheses are discarded; only final results contribute text.
	if msg.Result == nil || !msg.Result.Final || len(msg.Result.Hypotheses) == 0 {
		return
	}

	text := strings.TrimSpace(msg.Result.Hypotheses[0].Transcript)
	if text == "" {
		return
	}

	s.mu.Lock()
	if !s.closed {
		s.transcripts = append(s.transcripts, text)
	}
	s.mu.Unlock()
}

func (s *Session) isClosing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closing
}

// push sends one chunk of target-rate mono PCM, or queues it while the
// socket is still connecting. It never blocks on the session lifecycle.
func (s *Session) push(chunk []byte) error {
	s.mu.Lock()
	if s.closed || s.closing {
		s.mu.Unlock()
		return nil
	}
	if !s.ready {
		s.pending = append(s.pending, chunk)
		s.mu.Unlock()
		return nil
	}
	err := s.conn.WriteMessage(websocket.BinaryMessage, chunk)
	s.mu.Unlock()

	if err != nil {
		s.terminate(fmt.Errorf("failed to send audio to recognizer: %w", err))
		return err
	}
	return nil
}

// finalize ends the stream and waits for the terminal transition. It is
// idempotent: every caller, including concurrent ones, observes the same
// outcome, and the eof/close sequence executes at most once.
func (s *Session) finalize() error {
	s.mu.Lock()
	if s.closed {
		err := s.err
		s.mu.Unlock()
		return err
	}
	if s.closing {
		s.mu.Unlock()
	} else {
		s.closing = true
		conn := s.conn
		if conn == nil {
			// The socket never left Connecting; complete immediately.
			s.mu.Unlock()
			s.terminate(nil)
		} else {
			if err := conn.WriteJSON(eofMessage{EOF: 1}); err != nil {
				s.log.Warn("failed to send eof frame", "userID", s.userID, "error", err)
			}
			_ = conn.WriteMessage(
				websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			)
			_ = conn.Close()
			s.mu.Unlock()
		}
	}

	<-s.done
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// terminate performs the transition to Closed: persist accumulated finals,
// deregister, and fulfill the one-shot completion. Guarded by the monotonic
// closed flag; later invocations are no-ops.
func (s *Session) terminate(cause error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.ready = false
	s.pending = nil
	finalizePending := s.closing
	conn := s.conn
	s.conn = nil
	content := strings.TrimSpace(strings.Join(s.transcripts, " "))
	if cause != nil && !finalizePending {
		s.err = cause
	}
	s.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}

	if cause != nil {
		s.log.Warn(
			"recognizer session ended with error",
			"userID", s.userID,
			"error", cause,
		)
	}

	if content != "" {
		err := s.manager.sink.RecordVoiceTranscription(
			context.Background(),
			Transcription{
				UserID:    s.userID,
				GuildID:   s.guildID,
				ChannelID: s.channelID,
				Content:   content,
				Timestamp: s.startedAt,
			},
		)
		if err != nil {
			// Best effort: persistence failures are logged, never retried.
			s.log.Error(
				"failed to persist transcription",
				"userID", s.userID,
				"error", err,
			)
		}
	}

	s.manager.remove(s.userID, s)
	close(s.done)
}

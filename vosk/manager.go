// Package vosk streams per-speaker PCM to a Vosk-style websocket recognizer
// and persists the recognized text.
package vosk

import (
	"context"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/soundmill/chorus/audio"
)

// Transcription is one speaker's recognized text over a session.
type Transcription struct {
	UserID    string
	GuildID   string
	ChannelID string
	Content   string
	Timestamp time.Time
}

// TranscriptSink receives completed transcriptions. Failures are logged by
// the caller and never retried.
type TranscriptSink interface {
	RecordVoiceTranscription(ctx context.Context, t Transcription) error
}

// Manager owns at most one recognition session per speaker.
type Manager struct {
	endpoint   string
	sampleRate int
	sink       TranscriptSink
	log        *log.Logger

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewManager creates a Manager streaming to the recognizer at endpoint
// (a ws:// or wss:// URL) with mono PCM at sampleRate.
func NewManager(
	endpoint string,
	sampleRate int,
	sink TranscriptSink,
	logger *log.Logger,
) *Manager {
	return &Manager{
		endpoint:   endpoint,
		sampleRate: sampleRate,
		sink:       sink,
		log:        logger,
		sessions:   make(map[string]*Session),
	}
}

// Start opens a recognition session for userID. If one already exists it is
// finalized first and awaited, so sessions for a given user are sequential,
// never concurrent.
func (m *Manager) Start(userID, guildID, channelID string) error {
	for {
		m.mu.Lock()
		old := m.sessions[userID]
		if old == nil {
			s := &Session{
				userID:    userID,
				guildID:   guildID,
				channelID: channelID,
				startedAt: time.Now(),
				manager:   m,
				log:       m.log,
				done:      make(chan struct{}),
			}
			m.sessions[userID] = s
			m.mu.Unlock()
			go s.run(m.endpoint)
			return nil
		}
		m.mu.Unlock()

		if err := old.finalize(); err != nil {
			m.log.Warn(
				"previous session finalized with error",
				"userID", userID,
				"error", err,
			)
		}
	}
}

// PushAudio resamples pcm (interleaved little-endian 16-bit at sampleRate and
// channels) to the recognizer rate and forwards it to the user's session:
// sent immediately when the socket is ready, queued otherwise. Audio for a
// user without a session is dropped.
func (m *Manager) PushAudio(userID string, pcm []byte, sampleRate, channels int) error {
	m.mu.Lock()
	s := m.sessions[userID]
	m.mu.Unlock()
	if s == nil {
		return nil
	}

	mono := audio.Resample(pcm, sampleRate, channels, m.sampleRate)
	if len(mono) == 0 {
		return nil
	}
	return s.push(mono)
}

// Finalize ends the user's session, waiting for its transcript to be
// persisted. Finalizing a user without a session is a no-op.
func (m *Manager) Finalize(userID string) error {
	m.mu.Lock()
	s := m.sessions[userID]
	m.mu.Unlock()
	if s == nil {
		return nil
	}
	return s.finalize()
}

// CloseAll tears down every active session, discarding unflushed queued
// audio. Finals accumulated before teardown are still persisted.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.sessions = make(map[string]*Session)
	m.mu.Unlock()

	for _, s := range sessions {
		s.terminate(nil)
	}
}

// remove deregisters s if it is still the current session for userID.
func (m *Manager) remove(userID string, s *Session) {
	m.mu.Lock()
	if m.sessions[userID] == s {
		delete(m.sessions, userID)
	}
	m.mu.Unlock()
}

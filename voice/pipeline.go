package voice

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"layeh.com/gopus"
)

// ErrConnectionTimeout is returned by Join when the room does not become
// ready within the join timeout. The attempted connection is discarded.
var ErrConnectionTimeout = errors.New("voice connection timed out waiting for ready")

const (
	DefaultJoinTimeout   = 15 * time.Second
	DefaultRecoveryWait  = 5 * time.Second
	DefaultSilenceWindow = 1000 * time.Millisecond

	// SampleRate and Channels are the room's native PCM format.
	SampleRate = 48000
	Channels   = 2

	// frameSize is samples per channel in one 20ms opus frame.
	frameSize = 960
)

// Sink receives decoded PCM for live broadcast mixing.
type Sink interface {
	AddSource(userID string)
	RemoveSource(userID string)
	PushToSource(userID string, pcm []byte)
}

// Transcriber owns per-speaker recognition sessions.
type Transcriber interface {
	Start(userID, guildID, channelID string) error
	PushAudio(userID string, pcm []byte, sampleRate, channels int) error
	Finalize(userID string) error
	CloseAll()
}

type PipelineConfig struct {
	Gateway     Gateway
	Mixer       Sink
	Transcriber Transcriber
	Log         *log.Logger

	// JoinTimeout bounds the wait for the room to become ready.
	JoinTimeout time.Duration

	// RecoveryWait bounds how long an unexpected disconnect may linger
	// before the connection is force-destroyed.
	RecoveryWait time.Duration

	// SilenceWindow is the trailing silence after which a speaker's
	// subscription ends naturally.
	SilenceWindow time.Duration

	// AutoReconnect enables the single-attempt rejoin policy on
	// unexpected destruction.
	AutoReconnect bool

	// NewDecoder creates the per-speaker opus decoder. Defaults to gopus
	// at the room's native format.
	NewDecoder func() (Decoder, error)
}

// Pipeline owns the per-speaker capture pipelines of one voice room
// connection: it subscribes speakers on speaking-start, decodes their audio
// into the mixing sink and the transcription path, and supervises
// reconnection. The subscription registry is owned exclusively by the
// pipeline; collaborators interact only through the exported entry points.
type Pipeline struct {
	gateway     Gateway
	mixer       Sink
	transcriber Transcriber
	log         *log.Logger

	joinTimeout   time.Duration
	recoveryWait  time.Duration
	silenceWindow time.Duration
	autoReconnect bool
	newDecoder    func() (Decoder, error)

	mu                 sync.Mutex
	conn               Conn
	guildID            string
	channelID          string
	expectedDisconnect bool
	reconnectInFlight  bool
	subs               map[string]*subscription
}

func NewPipeline(cfg PipelineConfig) *Pipeline {
	if cfg.JoinTimeout <= 0 {
		cfg.JoinTimeout = DefaultJoinTimeout
	}
	if cfg.RecoveryWait <= 0 {
		cfg.RecoveryWait = DefaultRecoveryWait
	}
	if cfg.SilenceWindow <= 0 {
		cfg.SilenceWindow = DefaultSilenceWindow
	}
	if cfg.NewDecoder == nil {
		cfg.NewDecoder = func() (Decoder, error) {
			return gopus.NewDecoder(SampleRate, Channels)
		}
	}
	return &Pipeline{
		gateway:       cfg.Gateway,
		mixer:         cfg.Mixer,
		transcriber:   cfg.Transcriber,
		log:           cfg.Log,
		joinTimeout:   cfg.JoinTimeout,
		recoveryWait:  cfg.RecoveryWait,
		silenceWindow: cfg.SilenceWindow,
		autoReconnect: cfg.AutoReconnect,
		newDecoder:    cfg.NewDecoder,
		subs:          make(map[string]*subscription),
	}
}

// Join connects to a voice room and waits for it to become ready. Any
// previous connection is destroyed first. On success the per-speaker
// registries are cleared of stale state and the event loop starts.
func (p *Pipeline) Join(ctx context.Context, guildID, channelID string) error {
	p.mu.Lock()
	if old := p.conn; old != nil {
		p.conn = nil
		p.expectedDisconnect = true
		p.mu.Unlock()
		_ = old.Destroy()
	} else {
		p.mu.Unlock()
	}

	conn, err := p.gateway.Dial(ctx, guildID, channelID)
	if err != nil {
		return fmt.Errorf("failed to join voice room: %w", err)
	}

	if err := p.waitReady(ctx, conn); err != nil {
		_ = conn.Destroy()
		return err
	}

	p.cleanupAll()
	p.transcriber.CloseAll()

	p.mu.Lock()
	p.conn = conn
	p.guildID = guildID
	p.channelID = channelID
	p.expectedDisconnect = false
	p.mu.Unlock()

	go p.run(conn)
	return nil
}

func (p *Pipeline) waitReady(ctx context.Context, conn Conn) error {
	timer := time.NewTimer(p.joinTimeout)
	defer timer.Stop()

	for {
		select {
		case state, ok := <-conn.States():
			if !ok {
				return fmt.Errorf("voice connection closed while joining")
			}
			switch state {
			case StateReady:
				return nil
			case StateDestroyed:
				return fmt.Errorf("voice connection destroyed while joining")
			}
		case <-timer.C:
			return ErrConnectionTimeout
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Leave disconnects from the room and tears down every subscription and
// session. An explicit leave never triggers auto-reconnect.
func (p *Pipeline) Leave() error {
	p.mu.Lock()
	p.expectedDisconnect = true
	conn := p.conn
	p.conn = nil
	p.mu.Unlock()

	p.cleanupAll()
	p.transcriber.CloseAll()

	if conn == nil {
		return nil
	}
	if err := conn.Destroy(); err != nil {
		return fmt.Errorf("failed to leave voice room: %w", err)
	}
	return nil
}

// run is the per-connection event loop. All speaker and state events for the
// connection are handled here, one at a time, until the connection is
// destroyed.
func (p *Pipeline) run(conn Conn) {
	var recovery *time.Timer
	var recoveryC <-chan time.Time
	stopRecovery := func() {
		if recovery != nil {
			recovery.Stop()
			recovery = nil
			recoveryC = nil
		}
	}
	defer stopRecovery()

	for {
		select {
		case state, ok := <-conn.States():
			if !ok {
				state = StateDestroyed
			}
			switch state {
			case StateDisconnected:
				p.mu.Lock()
				expected := p.expectedDisconnect
				p.mu.Unlock()
				if !expected && recovery == nil {
					// Give the gateway a short window to start
					// re-signalling before forcing teardown.
					recovery = time.NewTimer(p.recoveryWait)
					recoveryC = recovery.C
				}
			case StateSignalling, StateConnecting, StateReady:
				// The blip recovered; absorb it silently.
				stopRecovery()
			case StateDestroyed:
				stopRecovery()
				p.handleDestroyed(conn)
				return
			}

		case update := <-conn.Speaking():
			if update.Speaking {
				p.handleSpeakingStart(update.UserID)
			} else {
				p.handleSpeakingEnd(update.UserID)
			}

		case frame := <-conn.Frames():
			p.handleFrame(frame)

		case <-recoveryC:
			stopRecovery()
			p.log.Warn("voice connection did not recover, destroying")
			_ = conn.Destroy()
		}
	}
}

// handleDestroyed clears all per-speaker state and, when the destruction was
// not requested, schedules at most one reconnect attempt. The decision is
// scoped to the connection that died: a loop still draining events for a
// connection that Join or Leave already replaced must neither clear the
// successor's registries nor trigger a rejoin.
func (p *Pipeline) handleDestroyed(conn Conn) {
	p.mu.Lock()
	if p.conn != conn {
		p.mu.Unlock()
		return
	}
	p.conn = nil
	expected := p.expectedDisconnect
	shouldReconnect := p.autoReconnect && !expected && !p.reconnectInFlight
	if shouldReconnect {
		p.reconnectInFlight = true
	}
	guildID, channelID := p.guildID, p.channelID
	p.mu.Unlock()

	p.cleanupAll()
	p.transcriber.CloseAll()

	if expected {
		return
	}

	p.log.Error(
		"voice connection destroyed unexpectedly",
		"guild", guildID,
		"channel", channelID,
	)
	if shouldReconnect {
		go p.reconnect(guildID, channelID)
	}
}

// reconnect makes a single rejoin attempt. Speakers are not resubscribed;
// capture resumes when each user next starts speaking.
func (p *Pipeline) reconnect(guildID, channelID string) {
	defer func() {
		p.mu.Lock()
		p.reconnectInFlight = false
		p.mu.Unlock()
	}()

	p.log.Info("rejoining voice room", "guild", guildID, "channel", channelID)
	if err := p.Join(context.Background(), guildID, channelID); err != nil {
		p.log.Error("voice rejoin failed", "error", err)
	}
}

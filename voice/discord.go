package voice

import (
	"context"
	"fmt"
	"sync"

	"github.com/bwmarrin/discordgo"
	"github.com/charmbracelet/log"
)

// DiscordGateway opens voice connections over an established discordgo
// session.
type DiscordGateway struct {
	session *discordgo.Session
	log     *log.Logger
}

func NewDiscordGateway(session *discordgo.Session, logger *log.Logger) *DiscordGateway {
	return &DiscordGateway{session: session, log: logger}
}

func (g *DiscordGateway) Dial(
	ctx context.Context,
	guildID, channelID string,
) (Conn, error) {
	vc, err := g.session.ChannelVoiceJoin(guildID, channelID, false, false)
	if err != nil {
		return nil, fmt.Errorf("failed to join voice channel: %w", err)
	}

	c := &discordConn{
		vc:  vc,
		log: g.log,
		// 3 second audio buffer
		frames:   make(chan Frame, 3*1000/20),
		speaking: make(chan SpeakingUpdate, 16),
		states:   make(chan ConnectionState, 8),
		users:    make(map[uint32]string),
	}

	// ChannelVoiceJoin blocks through signalling until the connection is
	// usable, so the early states are reported retroactively.
	c.states <- StateSignalling
	c.states <- StateConnecting
	c.states <- StateReady

	vc.AddHandler(c.onSpeakingUpdate)
	go c.pump()

	g.log.Info("joined", "guild", guildID, "channel", channelID)
	return c, nil
}

type discordConn struct {
	vc  *discordgo.VoiceConnection
	log *log.Logger

	frames   chan Frame
	speaking chan SpeakingUpdate
	states   chan ConnectionState

	mu    sync.Mutex
	users map[uint32]string // SSRC -> user ID

	destroyOnce sync.Once
}

func (c *discordConn) States() <-chan ConnectionState { return c.states }

func (c *discordConn) Speaking() <-chan SpeakingUpdate { return c.speaking }

func (c *discordConn) Frames() <-chan Frame { return c.frames }

func (c *discordConn) onSpeakingUpdate(
	_ *discordgo.VoiceConnection,
	v *discordgo.VoiceSpeakingUpdate,
) {
	c.mu.Lock()
	c.users[uint32(v.SSRC)] = v.UserID
	c.mu.Unlock()

	select {
	case c.speaking <- SpeakingUpdate{UserID: v.UserID, Speaking: v.Speaking}:
	default:
		c.log.Warn("speaking update channel full, dropping", "userID", v.UserID)
	}
}

// pump forwards inbound opus packets until the receive channel closes, which
// discordgo does when the underlying voice websocket drops.
func (c *discordConn) pump() {
	for packet := range c.vc.OpusRecv {
		c.mu.Lock()
		userID, ok := c.users[packet.SSRC]
		c.mu.Unlock()
		if !ok {
			// No speaking update seen for this SSRC yet.
			continue
		}

		select {
		case c.frames <- Frame{UserID: userID, Opus: packet.Opus}:
		default:
			c.log.Warn("voice packet channel full, dropping packet", "userID", userID)
		}
	}

	select {
	case c.states <- StateDisconnected:
	default:
	}
}

func (c *discordConn) Destroy() error {
	var err error
	c.destroyOnce.Do(func() {
		err = c.vc.Disconnect()
		c.states <- StateDestroyed
	})
	return err
}

// Package voice captures per-speaker audio from a live voice room, decodes
// it, and feeds the mixing and transcription paths.
package voice

import (
	"context"
)

// ConnectionState tracks the lifecycle of one voice room connection.
// Destroyed is terminal for a connection instance.
type ConnectionState int

const (
	StateDisconnected ConnectionState = iota
	StateSignalling
	StateConnecting
	StateReady
	StateDestroyed
)

func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateSignalling:
		return "signalling"
	case StateConnecting:
		return "connecting"
	case StateReady:
		return "ready"
	case StateDestroyed:
		return "destroyed"
	default:
		return "unknown"
	}
}

// SpeakingUpdate reports a speaker starting or stopping.
type SpeakingUpdate struct {
	UserID   string
	Speaking bool
}

// Frame is one compressed audio frame for one speaker.
type Frame struct {
	UserID string
	Opus   []byte
}

// Conn is a live connection to one voice room. Its channels are owned by the
// connection and closed (or abandoned) once the connection is destroyed.
type Conn interface {
	States() <-chan ConnectionState
	Speaking() <-chan SpeakingUpdate
	Frames() <-chan Frame

	// Destroy tears the connection down. Idempotent; the States channel
	// receives StateDestroyed exactly once.
	Destroy() error
}

// Gateway opens connections to voice rooms.
type Gateway interface {
	Dial(ctx context.Context, guildID, channelID string) (Conn, error)
}

// Decoder converts compressed frames to interleaved 16-bit PCM.
type Decoder interface {
	Decode(data []byte, frameSize int, fec bool) ([]int16, error)
}

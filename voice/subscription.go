package voice

import (
	"fmt"
	"time"

	"github.com/soundmill/chorus/audio"
)

// subscription is the capture state of one currently-active speaker. Each
// speaker gets its own decoder so a corrupt stream from one user never
// disturbs the others.
type subscription struct {
	userID   string
	decoder  Decoder
	timer    *time.Timer
	speaking bool
	cleaned  bool
}

// handleSpeakingStart subscribes a speaker, attaching a fresh decoder, a
// mixer source and a transcription session. A speaker already subscribed is
// only marked as speaking again.
func (p *Pipeline) handleSpeakingStart(userID string) {
	p.mu.Lock()
	if sub, ok := p.subs[userID]; ok {
		sub.speaking = true
		p.mu.Unlock()
		return
	}

	decoder, err := p.newDecoder()
	if err != nil {
		p.mu.Unlock()
		p.log.Error("failed to create opus decoder", "userID", userID, "error", err)
		return
	}

	sub := &subscription{
		userID:   userID,
		decoder:  decoder,
		speaking: true,
	}
	sub.timer = time.AfterFunc(p.silenceWindow, func() {
		p.cleanupSubscription(userID, nil)
	})
	p.subs[userID] = sub
	guildID, channelID := p.guildID, p.channelID
	p.mu.Unlock()

	p.mixer.AddSource(userID)

	// Capture keeps flowing into the mixer even if no recognition session
	// could be opened for this speaker.
	if err := p.transcriber.Start(userID, guildID, channelID); err != nil {
		p.log.Error("failed to start transcription session", "userID", userID, "error", err)
	}

	p.log.Info("speaker subscribed", "userID", userID)
}

// handleSpeakingEnd marks the speaker as silent. The subscription itself
// stays alive until the trailing silence window elapses.
func (p *Pipeline) handleSpeakingEnd(userID string) {
	p.mu.Lock()
	if sub, ok := p.subs[userID]; ok {
		sub.speaking = false
	}
	p.mu.Unlock()
}

// handleFrame decodes one opus frame for its speaker and fans the PCM out to
// the mixer and the transcription path. A decode failure tears down only the
// offending speaker's subscription.
func (p *Pipeline) handleFrame(frame Frame) {
	p.mu.Lock()
	sub, ok := p.subs[frame.UserID]
	if !ok || sub.cleaned {
		p.mu.Unlock()
		return
	}
	decoder := sub.decoder
	timer := sub.timer
	p.mu.Unlock()

	timer.Reset(p.silenceWindow)

	samples, err := decoder.Decode(frame.Opus, frameSize, false)
	if err != nil {
		p.cleanupSubscription(frame.UserID, fmt.Errorf("failed to decode opus frame: %w", err))
		return
	}

	pcm := audio.PCMBytes(samples)
	p.mixer.PushToSource(frame.UserID, pcm)
	if err := p.transcriber.PushAudio(frame.UserID, pcm, SampleRate, Channels); err != nil {
		p.log.Warn("failed to push audio to transcription", "userID", frame.UserID, "error", err)
	}
}

// cleanupSubscription removes one speaker's subscription and finalizes its
// transcription session. Safe to call from any goroutine and idempotent:
// only the first caller for a given subscription performs the teardown.
func (p *Pipeline) cleanupSubscription(userID string, cause error) {
	p.mu.Lock()
	sub, ok := p.subs[userID]
	if !ok || sub.cleaned {
		p.mu.Unlock()
		return
	}
	sub.cleaned = true
	sub.speaking = false
	delete(p.subs, userID)
	p.mu.Unlock()

	sub.timer.Stop()
	p.mixer.RemoveSource(userID)

	if cause != nil {
		p.log.Warn("subscription ended with error", "userID", userID, "error", cause)
	} else {
		p.log.Info("speaker unsubscribed", "userID", userID)
	}

	// Finalizing waits for the recognizer to close the socket; keep that
	// off the event loop.
	go func() {
		if err := p.transcriber.Finalize(userID); err != nil {
			p.log.Warn("failed to finalize transcription", "userID", userID, "error", err)
		}
	}()
}

// cleanupAll tears down every active subscription.
func (p *Pipeline) cleanupAll() {
	p.mu.Lock()
	userIDs := make([]string, 0, len(p.subs))
	for userID := range p.subs {
		userIDs = append(userIDs, userID)
	}
	p.mu.Unlock()

	for _, userID := range userIDs {
		p.cleanupSubscription(userID, nil)
	}
}

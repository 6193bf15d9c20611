// Package discord provides an [audio.Source] that listens to a Discord voice
// call via the bwmarrin/discordgo library. Every participant's Opus stream
// is decoded and the participants are summed into a single 48 kHz stereo
// stream, which the capture adapter treats as the remote-party ("system")
// side of the call.
//
// The source requires an active *discordgo.Session owned by the caller. It
// joins the channel muted, so the local user is never echoed back.
package discord

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/MrWong99/callscribe/pkg/audio"
	"github.com/bwmarrin/discordgo"
)

// Compile-time interface assertion.
var _ audio.Source = (*Source)(nil)

const (
	outputChannelBuffer = 64

	// maxPendingFrames bounds how many decoded 20 ms frames are kept per
	// speaker while waiting for the next mix tick.
	maxPendingFrames = 5
)

// Source implements [audio.Source] on top of a discordgo voice connection.
//
// Source is safe for concurrent use.
type Source struct {
	session   *discordgo.Session
	guildID   string
	channelID string

	// join opens the voice connection. Defaults to ChannelVoiceJoin; overridden
	// in tests.
	join func() (*discordgo.VoiceConnection, error)

	mu           sync.Mutex
	done         chan struct{}
	closeOnce    sync.Once
	disconnectVC func() error
}

// New creates a Source for the given guild and voice channel.
func New(session *discordgo.Session, guildID, channelID string) *Source {
	s := &Source{
		session:   session,
		guildID:   guildID,
		channelID: channelID,
	}
	s.join = func() (*discordgo.VoiceConnection, error) {
		// mute=true (listen only), deaf=false (we need incoming audio).
		return s.session.ChannelVoiceJoin(s.guildID, s.channelID, true, false)
	}
	return s
}

// Name implements [audio.Source].
func (s *Source) Name() string { return "discord:" + s.channelID }

// Open joins the voice channel and starts decoding. A 403 from Discord maps
// to [audio.ErrPermissionDenied]; every other failure maps to
// [audio.ErrDeviceUnavailable].
func (s *Source) Open(ctx context.Context) (<-chan audio.AudioFrame, error) {
	vc, err := s.join()
	if err != nil {
		kind := audio.ErrDeviceUnavailable
		var restErr *discordgo.RESTError
		if errors.As(err, &restErr) && restErr.Response != nil && restErr.Response.StatusCode == http.StatusForbidden {
			kind = audio.ErrPermissionDenied
		}
		return nil, &audio.SourceError{Source: s.Name(), Err: fmt.Errorf("%w: join voice channel %q: %w", kind, s.channelID, err)}
	}

	s.mu.Lock()
	s.done = make(chan struct{})
	s.disconnectVC = vc.Disconnect
	done := s.done
	s.mu.Unlock()

	out := make(chan audio.AudioFrame, outputChannelBuffer)
	ticker := time.NewTicker(opusFrameSizeMs * time.Millisecond)
	go func() {
		defer ticker.Stop()
		recvLoop(ctx, vc.OpusRecv, ticker.C, done, out)
	}()

	slog.Info("discord: listening to voice channel", "guild", s.guildID, "channel", s.channelID)
	return out, nil
}

// Close leaves the voice channel. It is safe to call more than once;
// subsequent calls return nil.
func (s *Source) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.done != nil {
			close(s.done)
		}
		if s.disconnectVC != nil {
			err = s.disconnectVC()
		}
	})
	return err
}

// recvLoop decodes incoming packets per SSRC and, on every tick, sums one
// 20 ms frame from each speaker with pending audio into a single chunk.
func recvLoop(ctx context.Context, packets <-chan *discordgo.Packet, tick <-chan time.Time, done <-chan struct{}, out chan<- audio.AudioFrame) {
	defer close(out)

	decoders := newDecoderSet()
	pending := make(map[uint32][][]int16)
	var frames int64

	for {
		select {
		case <-ctx.Done():
			return
		case <-done:
			return

		case pkt, ok := <-packets:
			if !ok {
				return
			}
			if pkt == nil {
				continue
			}
			pcm, err := decoders.decode(pkt.SSRC, pkt.Opus)
			if err != nil {
				slog.Warn("discord: dropping packet", "ssrc", pkt.SSRC, "err", err)
				continue
			}
			q := append(pending[pkt.SSRC], pcm)
			if len(q) > maxPendingFrames {
				q = q[len(q)-maxPendingFrames:]
			}
			pending[pkt.SSRC] = q

		case <-tick:
			pcm, ok := mixPending(pending)
			if !ok {
				continue
			}
			frame := audio.AudioFrame{
				Data:       audio.SamplesToBytes(pcm),
				SampleRate: opusSampleRate,
				Channels:   opusChannels,
				Timestamp:  time.Duration(frames) * opusFrameSizeMs * time.Millisecond,
			}
			frames++
			select {
			case out <- frame:
			default:
				// Consumer is behind; drop rather than block the voice loop.
			}
		}
	}
}

// mixPending pops the oldest frame of every speaker and sums them with int16
// clamping. It reports false when no speaker has audio pending.
func mixPending(pending map[uint32][][]int16) ([]int16, bool) {
	var acc []int32
	for ssrc, q := range pending {
		if len(q) == 0 {
			delete(pending, ssrc)
			continue
		}
		frame := q[0]
		if len(q) == 1 {
			delete(pending, ssrc)
		} else {
			pending[ssrc] = q[1:]
		}
		if acc == nil {
			acc = make([]int32, opusFrameSize*opusChannels)
		}
		for i := 0; i < len(frame) && i < len(acc); i++ {
			acc[i] += int32(frame[i])
		}
	}
	if acc == nil {
		return nil, false
	}
	out := make([]int16, len(acc))
	for i, v := range acc {
		out[i] = int16(max(min(v, 32767), -32768))
	}
	return out, true
}

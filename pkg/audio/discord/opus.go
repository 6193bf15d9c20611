package discord

import (
	"fmt"
	"log/slog"

	"layeh.com/gopus"
)

// Discord voice is 48 kHz stereo Opus in 20 ms packets.
const (
	opusSampleRate  = 48000
	opusChannels    = 2
	opusFrameSizeMs = 20
	opusFrameSize   = opusSampleRate * opusFrameSizeMs / 1000 // samples per channel

	// maxDecodeErrors consecutive failures make a speaker's decoder be
	// recreated on the next packet.
	maxDecodeErrors = 3
)

type speakerDecoder struct {
	dec    *gopus.Decoder
	errors int
}

// decoderSet holds one Opus decoder per SSRC so that decoder state carries
// across a speaker's packets. It is owned by the receive loop and is not
// safe for concurrent use.
type decoderSet struct {
	speakers map[uint32]*speakerDecoder
	newDec   func() (*gopus.Decoder, error)
}

func newDecoderSet() *decoderSet {
	return &decoderSet{
		speakers: make(map[uint32]*speakerDecoder),
		newDec: func() (*gopus.Decoder, error) {
			return gopus.NewDecoder(opusSampleRate, opusChannels)
		},
	}
}

// decode returns interleaved stereo samples for one packet of ssrc.
func (d *decoderSet) decode(ssrc uint32, packet []byte) ([]int16, error) {
	sp, ok := d.speakers[ssrc]
	if !ok {
		dec, err := d.newDec()
		if err != nil {
			return nil, fmt.Errorf("discord: create opus decoder for ssrc %d: %w", ssrc, err)
		}
		sp = &speakerDecoder{dec: dec}
		d.speakers[ssrc] = sp
	}

	pcm, err := sp.dec.Decode(packet, opusFrameSize, false)
	if err != nil {
		sp.errors++
		if sp.errors >= maxDecodeErrors {
			slog.Warn("discord: resetting opus decoder", "ssrc", ssrc, "errors", sp.errors)
			delete(d.speakers, ssrc)
		}
		return nil, fmt.Errorf("discord: opus decode: %w", err)
	}
	sp.errors = 0
	return pcm, nil
}

// len reports how many speakers currently have a decoder.
func (d *decoderSet) len() int { return len(d.speakers) }

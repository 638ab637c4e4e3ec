// Package media provides a MediaSource that needs no capture devices. Audio
// carries Opus silence; the video track is negotiated but sends nothing.
package media

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"

	"huddle/internal/session"
)

const (
	opusFrame     = 20 * time.Millisecond
	opusClockRate = 48000
	opusPayload   = 111
)

// opusSilence is one 20ms Opus frame that decodes to silence.
var opusSilence = []byte{0xf8, 0xff, 0xfe}

// SyntheticSource builds local streams out of static RTP tracks.
type SyntheticSource struct {
	logger *zap.SugaredLogger
}

var _ session.MediaSource = (*SyntheticSource)(nil)

func NewSyntheticSource(logger *zap.SugaredLogger) *SyntheticSource {
	return &SyntheticSource{logger: logger}
}

func (s *SyntheticSource) Acquire(ctx context.Context, audio, video bool) (session.LocalStream, error) {
	if !audio && !video {
		return nil, fmt.Errorf("no media kind requested")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	stream := &Stream{
		id:   uuid.NewString(),
		stop: make(chan struct{}),
	}

	if audio {
		track, err := webrtc.NewTrackLocalStaticRTP(
			webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: opusClockRate, Channels: 2},
			"audio",
			stream.id,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to create audio track: %w", err)
		}
		stream.tracks = append(stream.tracks, track)
		stream.wg.Add(1)
		go stream.writeSilence(track, s.logger)
	}

	if video {
		track, err := webrtc.NewTrackLocalStaticRTP(
			webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000},
			"video",
			stream.id,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to create video track: %w", err)
		}
		stream.tracks = append(stream.tracks, track)
	}

	s.logger.Debugw("local stream acquired", "stream_id", stream.id, "audio", audio, "video", video)
	return stream, nil
}

// Stream is one acquired set of tracks sharing a stream id.
type Stream struct {
	id     string
	tracks []webrtc.TrackLocal

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func (s *Stream) ID() string {
	return s.id
}

func (s *Stream) Tracks() []webrtc.TrackLocal {
	return append([]webrtc.TrackLocal(nil), s.tracks...)
}

// Stop ends the writers. Tracks stay valid but go quiet.
func (s *Stream) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
	s.wg.Wait()
}

func (s *Stream) writeSilence(track *webrtc.TrackLocalStaticRTP, logger *zap.SugaredLogger) {
	defer s.wg.Done()

	ticker := time.NewTicker(opusFrame)
	defer ticker.Stop()

	packets := newSilencePackets(rand.Uint32())
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			if err := track.WriteRTP(packets.next()); err != nil {
				logger.Debugw("silence write failed", "stream_id", s.id, "error", err)
			}
		}
	}
}

// silencePackets numbers consecutive Opus silence packets.
type silencePackets struct {
	ssrc      uint32
	sequence  uint16
	timestamp uint32
}

func newSilencePackets(ssrc uint32) *silencePackets {
	return &silencePackets{ssrc: ssrc}
}

func (p *silencePackets) next() *rtp.Packet {
	pkt := &rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			PayloadType:    opusPayload,
			SequenceNumber: p.sequence,
			Timestamp:      p.timestamp,
			SSRC:           p.ssrc,
		},
		Payload: opusSilence,
	}
	p.sequence++
	p.timestamp += uint32(opusClockRate * opusFrame / time.Second)
	return pkt
}

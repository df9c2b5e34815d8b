package call

import (
	"context"
	"fmt"

	"github.com/pion/webrtc/v4"
	"github.com/sirupsen/logrus"
)

// MediaConstraints describe one rung of the acquisition ladder.
type MediaConstraints struct {
	Audio       bool
	Video       bool
	VideoWidth  int
	VideoHeight int
}

// The acquisition ladder, tried top to bottom. A join never fails solely
// because video permission was denied.
var acquisitionLadder = []MediaConstraints{
	{Audio: true, Video: true, VideoWidth: 1280, VideoHeight: 720},
	{Audio: true, Video: true, VideoWidth: 640, VideoHeight: 480},
	{Audio: true},
}

// LocalMedia is the acquired local stream: the tracks attached to peer
// connections plus an optional energy meter fed by the capture pipeline.
type LocalMedia struct {
	Tracks   []webrtc.TrackLocal
	HasVideo bool
	Meter    *EnergyMeter

	stop func()
}

// Close stops the underlying capture. Safe on nil and idempotent.
func (m *LocalMedia) Close() {
	if m == nil || m.stop == nil {
		return
	}
	stop := m.stop
	m.stop = nil
	stop()
}

// MediaProvider acquires local media. The host application supplies the
// real capture implementation; [TrackProvider] is the built-in default that
// produces sample-fed pion tracks.
type MediaProvider interface {
	Acquire(ctx context.Context, constraints MediaConstraints) (*LocalMedia, error)
}

// AcquireWithFallback walks the acquisition ladder until a rung succeeds.
// With wantVideo false only the audio rung is tried. The error is
// ErrMediaAcquisition only when every rung fails.
func AcquireWithFallback(ctx context.Context, provider MediaProvider, wantVideo bool) (*LocalMedia, error) {
	ladder := acquisitionLadder
	if !wantVideo {
		ladder = ladder[len(ladder)-1:]
	}

	var lastErr error
	for _, constraints := range ladder {
		media, err := provider.Acquire(ctx, constraints)
		if err == nil {
			logrus.WithFields(logrus.Fields{
				"function": "AcquireWithFallback",
				"video":    constraints.Video,
				"width":    constraints.VideoWidth,
			}).Info("Local media acquired")
			return media, nil
		}
		lastErr = err
		logrus.WithFields(logrus.Fields{
			"function": "AcquireWithFallback",
			"video":    constraints.Video,
			"error":    err.Error(),
		}).Warn("Media acquisition rung failed, falling back")
	}

	return nil, fmt.Errorf("%w: %v", ErrMediaAcquisition, lastErr)
}

// TrackProvider is the built-in MediaProvider: it creates sample-fed local
// tracks (opus audio, VP8 video) the host pushes captured frames into. It
// cannot itself be denied permission, so it succeeds on every rung.
type TrackProvider struct{}

// Acquire implements MediaProvider.
func (TrackProvider) Acquire(_ context.Context, constraints MediaConstraints) (*LocalMedia, error) {
	media := &LocalMedia{Meter: NewEnergyMeter()}

	if constraints.Audio {
		audio, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{
			MimeType:  webrtc.MimeTypeOpus,
			ClockRate: 48000,
			Channels:  1,
		}, "audio", "wisp")
		if err != nil {
			return nil, fmt.Errorf("failed to create audio track: %w", err)
		}
		media.Tracks = append(media.Tracks, audio)
	}

	if constraints.Video {
		video, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{
			MimeType:  webrtc.MimeTypeVP8,
			ClockRate: 90000,
		}, "video", "wisp")
		if err != nil {
			return nil, fmt.Errorf("failed to create video track: %w", err)
		}
		media.Tracks = append(media.Tracks, video)
		media.HasVideo = true
	}

	return media, nil
}

package call

import (
	"math"
	"sync"
	"time"

	"github.com/pion/opus"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/sirupsen/logrus"
)

// Voice-activity sampling parameters. The scale mimics an 8-bit frequency
// analyser: energy is normalized to 0..255 and a session counts as speaking
// above SpeakingThreshold.
const (
	// SampleInterval is how often the sampler polls energy levels.
	SampleInterval = 100 * time.Millisecond
	// SpeakingThreshold is the 0..255 energy level above which the speaking
	// flag flips on.
	SpeakingThreshold = 15
)

// opusFrameBuffer fits 40ms of 48kHz stereo int16 samples.
const opusFrameBuffer = 1920 * 2 * 2

// EnergyMeter tracks the recent audio energy of one stream. Inbound opus
// frames are decoded to PCM and reduced to an RMS level; hosts feeding raw
// capture data use IngestPCM directly.
type EnergyMeter struct {
	mu      sync.Mutex
	decoder opus.Decoder
	buf     []byte
	level   uint8
	lastAt  time.Time
}

// NewEnergyMeter creates a meter with a fresh opus decoder.
func NewEnergyMeter() *EnergyMeter {
	return &EnergyMeter{
		decoder: opus.NewDecoder(),
		buf:     make([]byte, opusFrameBuffer),
	}
}

// IngestRTP decodes one RTP opus packet and folds it into the level.
// Undecodable packets are dropped silently; a broken frame must never
// surface beyond the meter.
func (m *EnergyMeter) IngestRTP(pkt *rtp.Packet) {
	if pkt == nil || len(pkt.Payload) == 0 {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	bandwidth, isStereo, err := m.decoder.Decode(pkt.Payload, m.buf)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "EnergyMeter.IngestRTP",
			"error":    err.Error(),
		}).Debug("Dropping undecodable opus frame")
		return
	}

	// Only the samples this frame decoded count; the buffer is reused and
	// carries stale data past that point.
	count := decodedSampleCount(bandwidth, isStereo)
	if count > len(m.buf)/2 {
		count = len(m.buf) / 2
	}
	samples := make([]int16, count)
	for i := range samples {
		samples[i] = int16(m.buf[i*2]) | int16(m.buf[i*2+1])<<8
	}
	m.ingestLocked(samples)
}

// decodedSampleCount maps an opus frame's bandwidth onto the number of
// int16 samples a 20ms silk frame decodes to.
func decodedSampleCount(bandwidth opus.Bandwidth, stereo bool) int {
	var rate int
	switch bandwidth {
	case opus.BandwidthNarrowband:
		rate = 8000
	case opus.BandwidthMediumband:
		rate = 12000
	case opus.BandwidthWideband:
		rate = 16000
	case opus.BandwidthSuperwideband:
		rate = 24000
	default:
		rate = 48000
	}
	count := rate / 50
	if stereo {
		count *= 2
	}
	return count
}

// IngestPCM folds raw PCM samples into the level.
func (m *EnergyMeter) IngestPCM(samples []int16) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ingestLocked(samples)
}

func (m *EnergyMeter) ingestLocked(samples []int16) {
	if len(samples) == 0 {
		return
	}
	var sum float64
	for _, s := range samples {
		f := float64(s)
		sum += f * f
	}
	rms := math.Sqrt(sum / float64(len(samples)))

	// Map int16 RMS onto the 0..255 analyser scale.
	level := rms / 32768.0 * 255.0
	if level > 255 {
		level = 255
	}
	m.level = uint8(level)
	m.lastAt = time.Now()
}

// Level returns the current 0..255 energy level. A stream that has gone
// quiet (no frames for over two sample intervals) reads as zero.
func (m *EnergyMeter) Level() uint8 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if time.Since(m.lastAt) > 2*SampleInterval {
		return 0
	}
	return m.level
}

// PumpTrack reads RTP packets from a remote audio track into a meter until
// the track ends. Runs on its own goroutine per track.
func PumpTrack(track *webrtc.TrackRemote, meter *EnergyMeter) {
	for {
		pkt, _, err := track.ReadRTP()
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "PumpTrack",
				"track":    track.ID(),
			}).Debug("Remote track ended")
			return
		}
		meter.IngestRTP(pkt)
	}
}

// Sampler polls the registry's sessions (and the local meter) on a fixed
// interval and flips speaking flags when energy crosses the threshold. Its
// output is presentation signal only: nothing in negotiation or message
// acknowledgement may depend on it.
type Sampler struct {
	registry *Registry
	local    *EnergyMeter

	mu            sync.Mutex
	localSpeaking bool
	ticker        *time.Ticker
	done          chan struct{}

	// onChange fires once per flag flip; uuid is empty for the local stream.
	onChange func(uuid string, speaking bool)
}

// NewSampler creates a sampler over a registry. local may be nil when the
// host does not feed local capture energy.
func NewSampler(registry *Registry, local *EnergyMeter, onChange func(uuid string, speaking bool)) *Sampler {
	return &Sampler{registry: registry, local: local, onChange: onChange}
}

// Start begins periodic sampling. Idempotent.
func (s *Sampler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ticker != nil {
		return
	}
	s.ticker = time.NewTicker(SampleInterval)
	s.done = make(chan struct{})
	go s.run(s.ticker, s.done)

	logrus.WithFields(logrus.Fields{
		"function": "Sampler.Start",
		"interval": SampleInterval,
	}).Debug("Voice activity sampler started")
}

// Stop halts sampling. Idempotent.
func (s *Sampler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ticker == nil {
		return
	}
	s.ticker.Stop()
	close(s.done)
	s.ticker = nil
}

func (s *Sampler) run(ticker *time.Ticker, done chan struct{}) {
	for {
		select {
		case <-ticker.C:
			s.sample()
		case <-done:
			return
		}
	}
}

func (s *Sampler) sample() {
	for _, uuid := range s.registry.Peers() {
		session, ok := s.registry.Session(uuid)
		if !ok {
			continue
		}
		speaking := session.meter.Level() >= SpeakingThreshold
		if speaking != session.speaking {
			session.speaking = speaking
			if s.onChange != nil {
				s.onChange(uuid, speaking)
			}
		}
	}

	if s.local == nil {
		return
	}
	speaking := s.local.Level() >= SpeakingThreshold
	s.mu.Lock()
	changed := speaking != s.localSpeaking
	s.localSpeaking = speaking
	s.mu.Unlock()
	if changed && s.onChange != nil {
		s.onChange("", speaking)
	}
}

package mercury

import (
	"fmt"
	"io"

	"gopkg.in/yaml.v3"

	"github.com/mercuryproto/mercury/arq"
)

// Config carries every tunable of an endpoint. Zero-valued fields are filled
// from [DefaultConfig] by NewEndpoint, so a partial YAML file or struct
// literal only needs the fields it changes.
type Config struct {
	// SessionID identifies the connection; both peers must use the same
	// value and segments with a different id are rejected.
	SessionID uint32 `yaml:"session_id"`

	// OrderedStreams is the number of ordered stream slots.
	OrderedStreams int `yaml:"ordered_streams"`
	// SequencedStreams is the number of sequenced stream slots.
	SequencedStreams int `yaml:"sequenced_streams"`

	// MaxFragments caps how many fragments one payload may split into.
	MaxFragments int `yaml:"max_fragments"`
	// FragmentSize is the target payload size per fragment in bytes.
	// Recommended around 1450 given a 1500-byte link MTU.
	FragmentSize int `yaml:"fragment_size"`

	// BandwidthSmoothing is the EWMA factor for the bandwidth estimates.
	BandwidthSmoothing float32 `yaml:"bandwidth_smoothing"`

	// StreamBufferSize is the slot count of the reorder and reassembly
	// buffers. Must be a power of two.
	StreamBufferSize int `yaml:"stream_buffer_size"`

	// MTU bounds the encoded size of reliable segment batches.
	MTU int `yaml:"mtu"`
	// SendWindow and RecvWindow are the reliability engine windows in
	// segments.
	SendWindow int `yaml:"send_window"`
	RecvWindow int `yaml:"recv_window"`

	// NoDelay trades bandwidth for latency: lower minimum RTO and gentler
	// retransmission backoff.
	NoDelay bool `yaml:"nodelay"`
	// Interval is the flush cadence in milliseconds, clamped to [10, 5000].
	Interval int `yaml:"interval"`
	// FastResend is the duplicate-ack threshold triggering fast retransmit,
	// 0 disables.
	FastResend int `yaml:"fast_resend"`
	// CongestionControl enables the slow-start/congestion-avoidance window.
	CongestionControl bool `yaml:"congestion_control"`
}

// DefaultConfig returns the protocol defaults.
func DefaultConfig() Config {
	return Config{
		OrderedStreams:     1,
		SequencedStreams:   1,
		MaxFragments:       16,
		FragmentSize:       1450,
		BandwidthSmoothing: 0.1,
		StreamBufferSize:   256,
		MTU:                1400,
		SendWindow:         32,
		RecvWindow:         32,
		Interval:           100,
	}
}

// MaxPayloadBytes is the largest payload a datagram may carry, the product
// of the fragment cap and the fragment size.
func (cfg Config) MaxPayloadBytes() int {
	return cfg.MaxFragments * cfg.FragmentSize
}

// fillDefaults replaces zero fields with the corresponding default.
func (cfg *Config) fillDefaults() {
	def := DefaultConfig()
	if cfg.OrderedStreams == 0 {
		cfg.OrderedStreams = def.OrderedStreams
	}
	if cfg.SequencedStreams == 0 {
		cfg.SequencedStreams = def.SequencedStreams
	}
	if cfg.MaxFragments == 0 {
		cfg.MaxFragments = def.MaxFragments
	}
	if cfg.FragmentSize == 0 {
		cfg.FragmentSize = def.FragmentSize
	}
	if cfg.BandwidthSmoothing == 0 {
		cfg.BandwidthSmoothing = def.BandwidthSmoothing
	}
	if cfg.StreamBufferSize == 0 {
		cfg.StreamBufferSize = def.StreamBufferSize
	}
	if cfg.MTU == 0 {
		cfg.MTU = def.MTU
	}
	if cfg.SendWindow == 0 {
		cfg.SendWindow = def.SendWindow
	}
	if cfg.RecvWindow == 0 {
		cfg.RecvWindow = def.RecvWindow
	}
	if cfg.Interval == 0 {
		cfg.Interval = def.Interval
	}
}

// Validate reports the first unusable configuration value.
func (cfg Config) Validate() error {
	fail := func(format string, args ...any) error {
		return fmt.Errorf("%w: %s", ErrInvalidConfiguration, fmt.Sprintf(format, args...))
	}
	switch {
	case cfg.MTU < 50 || cfg.MTU < arq.HeaderSize:
		return fail("MTU %d too small", cfg.MTU)
	case cfg.OrderedStreams < 0 || cfg.OrderedStreams > NoStream:
		return fail("ordered_streams %d out of range", cfg.OrderedStreams)
	case cfg.SequencedStreams < 0 || cfg.SequencedStreams > NoStream:
		return fail("sequenced_streams %d out of range", cfg.SequencedStreams)
	case cfg.MaxFragments < 1 || cfg.MaxFragments > 255:
		return fail("max_fragments %d out of range [1, 255]", cfg.MaxFragments)
	case cfg.FragmentSize < 1:
		return fail("fragment_size %d must be positive", cfg.FragmentSize)
	case cfg.BandwidthSmoothing <= 0 || cfg.BandwidthSmoothing > 1:
		return fail("bandwidth_smoothing %v outside (0, 1]", cfg.BandwidthSmoothing)
	case cfg.StreamBufferSize < 1 || cfg.StreamBufferSize > 1<<15 || cfg.StreamBufferSize&(cfg.StreamBufferSize-1) != 0:
		return fail("stream_buffer_size %d must be a power of two no larger than 32768", cfg.StreamBufferSize)
	case cfg.SendWindow < 1 || cfg.RecvWindow < 1:
		return fail("window sizes must be positive")
	case cfg.Interval < 0:
		return fail("interval %d must not be negative", cfg.Interval)
	case cfg.FastResend < 0:
		return fail("fast_resend %d must not be negative", cfg.FastResend)
	}
	return nil
}

// LoadConfig reads a YAML configuration, fills omitted fields with defaults
// and validates the result.
func LoadConfig(r io.Reader) (Config, error) {
	cfg := Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("mercury: parse config: %w", err)
	}
	cfg.fillDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

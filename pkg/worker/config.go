package worker

import "time"

// DeliveryMode selects how the engine reports transcripts.
type DeliveryMode string

const (
	// ModeHypothesis engines call back with whole hypotheses and a final flag.
	ModeHypothesis DeliveryMode = "hypothesis"
	// ModeWord engines call back one token at a time with a sentinel marking
	// utterance boundaries.
	ModeWord DeliveryMode = "word"
)

// DefaultSentinel is the utterance-boundary token in word mode.
const DefaultSentinel = "<#s>"

// Defaults, in seconds where the YAML field is an integer.
const (
	DefaultSilenceTimeout     = 5
	DefaultReconnectDelay     = 5
	DefaultPostProcessTimeout = 10
)

// Config is the process-wide worker configuration. It is constructed once
// before the supervisor starts and passed by reference into the supervisor,
// every session, and every watchdog.
type Config struct {
	// ServerURI is the dispatch server's worker endpoint.
	ServerURI string `yaml:"server_uri"`

	// SilenceTimeoutSeconds is how long the engine may stay silent before
	// the watchdog terminates the request. Zero means 5.
	SilenceTimeoutSeconds int `yaml:"silence_timeout,omitempty"`

	// ReconnectDelaySeconds is the supervisor's sleep after a failed
	// connection attempt. Zero means 5.
	ReconnectDelaySeconds int `yaml:"reconnect_delay,omitempty"`

	// PostProcessor is an optional shell command run as a line filter over
	// every transcript. Empty disables post-processing.
	PostProcessor string `yaml:"post_processor,omitempty"`

	// PostProcessTimeoutSeconds bounds each filter reply. Zero means 10.
	PostProcessTimeoutSeconds int `yaml:"post_process_timeout,omitempty"`

	// DeliveryMode is the transcript delivery contract of the engine.
	// Empty means hypothesis mode.
	DeliveryMode DeliveryMode `yaml:"delivery_mode,omitempty"`

	// SentinelToken overrides the word-mode utterance boundary token.
	SentinelToken string `yaml:"sentinel_token,omitempty"`

	// tickInterval drives the watchdog cadence and the cancellation poll.
	// Tests shorten it; zero means one second.
	tickInterval time.Duration
}

func (c *Config) silenceTimeout() time.Duration {
	if c.SilenceTimeoutSeconds <= 0 {
		return DefaultSilenceTimeout * time.Second
	}
	return time.Duration(c.SilenceTimeoutSeconds) * time.Second
}

func (c *Config) reconnectDelay() time.Duration {
	if c.ReconnectDelaySeconds <= 0 {
		return DefaultReconnectDelay * time.Second
	}
	return time.Duration(c.ReconnectDelaySeconds) * time.Second
}

func (c *Config) postProcessTimeout() time.Duration {
	if c.PostProcessTimeoutSeconds <= 0 {
		return DefaultPostProcessTimeout * time.Second
	}
	return time.Duration(c.PostProcessTimeoutSeconds) * time.Second
}

func (c *Config) sentinel() string {
	if c.SentinelToken == "" {
		return DefaultSentinel
	}
	return c.SentinelToken
}

func (c *Config) tick() time.Duration {
	if c.tickInterval <= 0 {
		return time.Second
	}
	return c.tickInterval
}

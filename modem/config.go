package modem

import (
	"time"

	"go.uber.org/zap"
)

// Config carries the engine settings. The zero value is not usable on its
// own; pass it through NewConfigBuilder or rely on New applying defaults.
type Config struct {
	// Dialer opens the transport during New. Required.
	Dialer Dialer
	// ATTimeout is the default per-command deadline when a Request does
	// not carry its own.
	ATTimeout time.Duration
	// QueueDepth bounds the FIFO submission queue. Submissions block when
	// the queue is full; they are never rejected.
	QueueDepth int
	// MaxLineLength bounds the framer buffer. Exceeding it is a fatal
	// framing error.
	MaxLineLength int
	// EscapeGuardTime is the quiet interval required before and after the
	// "+++" escape sequence, and the maximum spacing between its
	// characters.
	EscapeGuardTime time.Duration
	// DrainTimeout is how long the engine waits for the final result code
	// of an abandoned (timed out) transaction before assuming it will
	// never arrive.
	DrainTimeout time.Duration
	// Logger receives engine diagnostics. Nil selects zap.NewNop.
	Logger *zap.Logger
}

func (c *Config) validate() error {
	if c.Dialer == nil {
		return ErrNoDialer
	}
	return nil
}

func (c *Config) setDefaults() {
	if c.ATTimeout == 0 {
		c.ATTimeout = 5 * time.Second
	}
	if c.QueueDepth == 0 {
		c.QueueDepth = 32
	}
	if c.MaxLineLength == 0 {
		c.MaxLineLength = 4096
	}
	if c.EscapeGuardTime == 0 {
		c.EscapeGuardTime = time.Second
	}
	if c.DrainTimeout == 0 {
		c.DrainTimeout = time.Second
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
}

// ConfigBuilder assembles a Config fluently.
//
//	config, err := modem.NewConfigBuilder().
//		WithDialer(modem.SerialDialer{PortName: "/dev/ttyUSB0"}).
//		WithATTimeout(10 * time.Second).
//		Build()
type ConfigBuilder struct {
	config Config
}

func NewConfigBuilder() *ConfigBuilder {
	return &ConfigBuilder{}
}

func (b *ConfigBuilder) WithDialer(d Dialer) *ConfigBuilder {
	b.config.Dialer = d
	return b
}

func (b *ConfigBuilder) WithATTimeout(d time.Duration) *ConfigBuilder {
	b.config.ATTimeout = d
	return b
}

func (b *ConfigBuilder) WithQueueDepth(n int) *ConfigBuilder {
	b.config.QueueDepth = n
	return b
}

func (b *ConfigBuilder) WithMaxLineLength(n int) *ConfigBuilder {
	b.config.MaxLineLength = n
	return b
}

func (b *ConfigBuilder) WithEscapeGuardTime(d time.Duration) *ConfigBuilder {
	b.config.EscapeGuardTime = d
	return b
}

func (b *ConfigBuilder) WithDrainTimeout(d time.Duration) *ConfigBuilder {
	b.config.DrainTimeout = d
	return b
}

func (b *ConfigBuilder) WithLogger(l *zap.Logger) *ConfigBuilder {
	b.config.Logger = l
	return b
}

// Build validates the configuration and fills in defaults.
func (b *ConfigBuilder) Build() (Config, error) {
	if err := b.config.validate(); err != nil {
		return Config{}, err
	}
	b.config.setDefaults()
	return b.config, nil
}

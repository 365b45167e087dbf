package pagewatch

import (
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/go-viper/mapstructure/v2"

	"github.com/JakeFAU/spiderhost/internal/policy/ratelimit"
)

// Config is decoded from the spider's params block.
type Config struct {
	Seeds     []string         `mapstructure:"seeds"`
	UserAgent string           `mapstructure:"user_agent"`
	Timeout   time.Duration    `mapstructure:"timeout"`
	Rounds    int              `mapstructure:"rounds"`
	Interval  time.Duration    `mapstructure:"interval"`
	Backoff   time.Duration    `mapstructure:"backoff"`
	RateLimit ratelimit.Config `mapstructure:"rate_limit"`
}

// DefaultConfig returns the defaults applied before params are decoded.
func DefaultConfig() Config {
	return Config{
		UserAgent: "spiderhost-pagewatch/0.1",
		Timeout:   15 * time.Second,
		Rounds:    1,
		Interval:  time.Minute,
		Backoff:   250 * time.Millisecond,
		RateLimit: ratelimit.Config{RPS: 1, Burst: 1},
	}
}

// DecodeConfig overlays params onto DefaultConfig. Durations accept strings
// like "30s"; unknown keys are rejected.
func DecodeConfig(params map[string]any) (Config, error) {
	cfg := DefaultConfig()
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook:       mapstructure.StringToTimeDurationHookFunc(),
		WeaklyTypedInput: true,
		ErrorUnused:      true,
		Result:           &cfg,
	})
	if err != nil {
		return Config{}, fmt.Errorf("build params decoder: %w", err)
	}
	if err := dec.Decode(params); err != nil {
		return Config{}, fmt.Errorf("decode pagewatch params: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks seeds and bounds.
func (c Config) Validate() error {
	if len(c.Seeds) == 0 {
		return errors.New("pagewatch.seeds must contain at least one url")
	}
	for _, s := range c.Seeds {
		u, err := url.Parse(s)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("pagewatch.seeds contains invalid url %q", s)
		}
	}
	if c.Rounds < 0 {
		return errors.New("pagewatch.rounds must be >= 0")
	}
	if c.Timeout <= 0 {
		return errors.New("pagewatch.timeout must be > 0")
	}
	if c.Backoff <= 0 {
		return errors.New("pagewatch.backoff must be > 0")
	}
	return nil
}

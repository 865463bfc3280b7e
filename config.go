package eventbus

import (
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
)

// Config carries everything the client needs to talk to the broker and
// derive its topology. Empty optional fields pick up system defaults; zero
// retry settings mean "use the system default", not "never retry" (a
// zero-retry budget is set per subscription instead).
type Config struct {
	// BrokerURL is the AMQP connection string.
	BrokerURL string

	// AppName prefixes derived queue names and is stamped as the envelope
	// source.
	AppName string

	// DefaultDomain applies to published events that do not name a domain.
	DefaultDomain string

	// MainExchange receives standard events. Defaults to "events".
	MainExchange string

	// LegacyExchange receives raw-pattern legacy traffic. Defaults to
	// "legacy-events".
	LegacyExchange string

	// DefaultMaxRetries is the system-wide redelivery budget. Defaults to 3.
	DefaultMaxRetries int

	// DefaultRetryDelay is how long failed messages park between
	// redeliveries. Defaults to 5s.
	DefaultRetryDelay time.Duration

	// PrefetchCount bounds unacknowledged deliveries per consumer.
	// Defaults to 10.
	PrefetchCount int

	// DisableSubscriptions registers handlers without consuming. Intended
	// for one-off tooling and migrations that must not steal messages.
	DisableSubscriptions bool
}

// Validate reports configuration the client cannot start with
func (c Config) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.BrokerURL, validation.Required),
		validation.Field(&c.AppName, validation.Required),
		validation.Field(&c.DefaultDomain, validation.Required),
		validation.Field(&c.DefaultMaxRetries, validation.Min(0)),
		validation.Field(&c.DefaultRetryDelay, validation.Min(time.Duration(0))),
		validation.Field(&c.PrefetchCount, validation.Min(0)),
	)
}

func (c Config) withDefaults() Config {
	if c.MainExchange == "" {
		c.MainExchange = "events"
	}
	if c.LegacyExchange == "" {
		c.LegacyExchange = "legacy-events"
	}
	if c.DefaultMaxRetries == 0 {
		c.DefaultMaxRetries = 3
	}
	if c.DefaultRetryDelay == 0 {
		c.DefaultRetryDelay = 5 * time.Second
	}
	if c.PrefetchCount == 0 {
		c.PrefetchCount = 10
	}
	return c
}

// Package router dispatches validated intents to execution handlers.
package router

import "time"

// Config defines the router configuration.
type Config struct {
	// MaxInFlight is the largest batch drained from the queue at once.
	MaxInFlight int `yaml:"max_in_flight"`
	// CommandTimeout applies to terminal commands without their own timeout.
	CommandTimeout time.Duration `yaml:"command_timeout"`
}

// DefaultConfig returns the default router configuration.
func DefaultConfig() *Config {
	return &Config{
		MaxInFlight:    3,
		CommandTimeout: 30 * time.Second,
	}
}

func (c *Config) normalize() *Config {
	out := *DefaultConfig()
	if c == nil {
		return &out
	}
	if c.MaxInFlight > 0 {
		out.MaxInFlight = c.MaxInFlight
	}
	if c.CommandTimeout > 0 {
		out.CommandTimeout = c.CommandTimeout
	}
	return &out
}

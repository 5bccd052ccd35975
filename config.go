// SPDX-License-Identifier: GPL-3.0-or-later

package meshnode

import (
	"net"
	"time"
)

// Config holds cross-cutting defaults. [node.Builder] takes its Logger for
// the node and the built-in protocols; [discovery.DNSDiscovery] uses its
// Dialer, ErrClassifier and Logger. The blob store and any discovery
// provider are constructed by the caller, not from Config.
//
// Pass this to constructor functions to pre-wire dependencies.
// All fields have sensible defaults set by [NewConfig].
type Config struct {
	// Dialer is used to dial the DNS resolver for [discovery.DNSDiscovery].
	//
	// Set by [NewConfig] to [*net.Dialer].
	Dialer Dialer

	// ErrClassifier classifies errors for structured logging.
	//
	// Set by [NewConfig] to [DefaultErrClassifier].
	ErrClassifier ErrClassifier

	// Logger is the [SLogger] used for structured logging across the node.
	//
	// Set by [NewConfig] to [DefaultSLogger].
	Logger SLogger

	// TimeNow returns the current time.
	//
	// Set by [NewConfig] to [time.Now].
	TimeNow func() time.Time
}

// NewConfig creates a [*Config] with sensible defaults.
func NewConfig() *Config {
	return &Config{
		Dialer:        &net.Dialer{},
		ErrClassifier: DefaultErrClassifier,
		Logger:        DefaultSLogger(),
		TimeNow:       time.Now,
	}
}

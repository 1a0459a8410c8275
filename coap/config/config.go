/*
Copyright (c) Facebook, Inc. and its affiliates.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package config holds the tunable runtime parameters, per spec.md
// section 3.8, loaded and layered the way sptp/client/config.go loads
// and layers its own Config: defaults, then an optional YAML file, then
// CLI flag overrides, then validation.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/facebook/coap/retry"
	log "github.com/sirupsen/logrus"
	yaml "gopkg.in/yaml.v2"
)

// RetryConfig bundles a retry strategy with its attempt budget.
type RetryConfig struct {
	Strategy    retry.Strategy `yaml:"strategy"`
	MaxAttempts int            `yaml:"max_attempts"`
}

// ConRequestConfig holds the two-phase (pre-ACK / post-ACK) retry
// strategy for confirmable requests, per spec.md section 3.8.
type ConRequestConfig struct {
	UnackedRetryStrategy retry.Strategy `yaml:"unacked_retry_strategy"`
	AckedRetryStrategy   retry.Strategy `yaml:"acked_retry_strategy"`
	MaxAttempts          int            `yaml:"max_attempts"`
}

// MsgConfig bundles the message-layer knobs of spec.md section 3.8.
type MsgConfig struct {
	TokenSeed               uint16           `yaml:"token_seed"`
	ProbingRate             int              `yaml:"probing_rate"`
	ConRequests             ConRequestConfig `yaml:"con_requests"`
	NonRequests             RetryConfig      `yaml:"non_requests"`
	MulticastResponseLeisure time.Duration   `yaml:"multicast_response_leisure"`
	// MaxMessageSize hints the practical datagram buffer size a
	// socket.Socket should allocate. Supplemented from
	// original_source/toad/src/config.rs; see SPEC_FULL.md section 3.8.
	MaxMessageSize int `yaml:"max_message_size"`
}

// Config is the full set of tunable runtime parameters, per spec.md
// section 3.8.
type Config struct {
	Msg                   MsgConfig `yaml:"msg"`
	MaxConcurrentRequests int       `yaml:"max_concurrent_requests"`
}

// MaxLatency and ExpectedProcessingDelay are the fixed constants spec.md
// section 3.8 uses to derive ExchangeLifetime.
const (
	MaxLatency              = 100 * time.Second
	ExpectedProcessingDelay = 200 * time.Millisecond
)

// Default returns a Config with the defaults of spec.md section 3.8.
func Default() Config {
	return Config{
		Msg: MsgConfig{
			TokenSeed:   0,
			ProbingRate: 1000,
			ConRequests: ConRequestConfig{
				UnackedRetryStrategy: retry.Strategy{Kind: retry.Exponential, Min: 500 * time.Millisecond, Max: 1000 * time.Millisecond},
				AckedRetryStrategy:   retry.Strategy{Kind: retry.Exponential, Min: 1000 * time.Millisecond, Max: 2000 * time.Millisecond},
				MaxAttempts:          4,
			},
			NonRequests: RetryConfig{
				Strategy:    retry.Strategy{Kind: retry.Exponential, Min: 250 * time.Millisecond, Max: 500 * time.Millisecond},
				MaxAttempts: 4,
			},
			MulticastResponseLeisure: 5000 * time.Millisecond,
			MaxMessageSize:           1152,
		},
		MaxConcurrentRequests: 1,
	}
}

// strategyTotalDelay returns the worst-case cumulative delay a strategy
// can incur across attempts attempts, used by the max_transmit_span /
// max_transmit_wait derivations below.
func strategyTotalDelay(s retry.Strategy, attempts int) time.Duration {
	if attempts <= 0 {
		return 0
	}
	switch s.Kind {
	case retry.Delay:
		return s.Max * time.Duration(attempts)
	default: // Exponential
		factor := int64(1)<<uint(attempts) - 1
		return s.Max * time.Duration(factor)
	}
}

// MaxTransmitSpan is the maximum time over all initial-to-last retry
// windows for a confirmable request's unacked phase, per spec.md
// section 3.8.
func (c Config) MaxTransmitSpan() time.Duration {
	return strategyTotalDelay(c.Msg.ConRequests.UnackedRetryStrategy, c.Msg.ConRequests.MaxAttempts-1)
}

// MaxTransmitWait is MaxTransmitSpan including the final attempt.
func (c Config) MaxTransmitWait() time.Duration {
	return strategyTotalDelay(c.Msg.ConRequests.UnackedRetryStrategy, c.Msg.ConRequests.MaxAttempts)
}

// ExchangeLifetime bounds how long an ID or token remains meaningful,
// per spec.md section 3.8: max_transmit_span + 2*max_latency +
// expected_processing_delay.
func (c Config) ExchangeLifetime() time.Duration {
	return c.MaxTransmitSpan() + 2*MaxLatency + ExpectedProcessingDelay
}

// Validate checks the config is internally consistent.
func (c Config) Validate() error {
	if c.Msg.ConRequests.MaxAttempts <= 0 {
		return fmt.Errorf("msg.con_requests.max_attempts must be positive")
	}
	if c.Msg.NonRequests.MaxAttempts <= 0 {
		return fmt.Errorf("msg.non_requests.max_attempts must be positive")
	}
	if c.MaxConcurrentRequests <= 0 {
		return fmt.Errorf("max_concurrent_requests must be positive")
	}
	if c.Msg.MaxMessageSize <= 0 {
		return fmt.Errorf("msg.max_message_size must be positive")
	}
	return nil
}

// ReadConfig loads a Config from a YAML file, starting from Default and
// overlaying the file's contents, mirroring
// sptp/client/config.go:ReadConfig.
func ReadConfig(path string) (*Config, error) {
	c := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, err
	}
	return &c, nil
}

// Prepare layers defaults, an optional on-disk config, and CLI flag
// overrides, then validates the result, mirroring
// sptp/client/config.go:PrepareConfig.
func Prepare(cfgPath string, tokenSeed uint16, setFlags map[string]bool) (*Config, error) {
	cfg := Default()
	if cfgPath != "" {
		loaded, err := ReadConfig(cfgPath)
		if err != nil {
			return nil, fmt.Errorf("reading config from %q: %w", cfgPath, err)
		}
		cfg = *loaded
	}
	if setFlags["token-seed"] {
		log.Warningf("overriding %s from CLI flag", "token-seed")
		cfg.Msg.TokenSeed = tokenSeed
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	log.Debugf("config: %+v", cfg)
	return &cfg, nil
}

package config

import (
	"fmt"
	"strings"
	"time"
)

const (
	BackoffFixed       = "fixed"
	BackoffExponential = "exponential"

	DefaultCorrectionPrefix = "【官方更正】"
)

// PipelineConfig holds the per-room ingestion and dispatch settings.
//
// Zero values mean "use the default"; see WithDefaults.
type PipelineConfig struct {
	HeartbeatIntervalSeconds        int      `json:"heartbeat_interval_seconds,omitempty"`
	HeartbeatTimeoutSeconds         int      `json:"heartbeat_timeout_seconds,omitempty"`
	MaxReconnectRetries             int      `json:"max_reconnect_retries,omitempty"`
	ReconnectDelaySeconds           int      `json:"reconnect_delay_seconds,omitempty"`
	ReconnectBackoff                string   `json:"reconnect_backoff,omitempty"`
	ReconnectMaxDelaySeconds        int      `json:"reconnect_max_delay_seconds,omitempty"`
	DedupWindowSeconds              int      `json:"dedup_window_seconds,omitempty"`
	DedupHistorySize                int      `json:"dedup_history_size,omitempty"`
	DedupMaxSenders                 int      `json:"dedup_max_senders,omitempty"`
	ResponderTimeoutSeconds         int      `json:"responder_timeout_seconds,omitempty"`
	ResponderBreakerFailures        int      `json:"responder_breaker_failures,omitempty"`
	ResponderBreakerCooldownSeconds int      `json:"responder_breaker_cooldown_seconds,omitempty"`
	OutboundRateLimitPerSecond      float64  `json:"outbound_rate_limit_per_second,omitempty"`
	OutboundMaxRetries              int      `json:"outbound_max_retries,omitempty"`
	OutboundMaxLength               int      `json:"outbound_max_length,omitempty"`
	CorrectionPrefix                string   `json:"correction_prefix,omitempty"`
	CorrectionMarkers               []string `json:"correction_markers,omitempty"`
	QueueCapacity                   int      `json:"queue_capacity,omitempty"`
	QueueLowAgingEvery              int      `json:"queue_low_aging_every,omitempty"`
	DispatchWorkers                 int      `json:"dispatch_workers,omitempty"`
	DispatchSkipKinds               []string `json:"dispatch_skip_kinds,omitempty"`
	ShutdownGraceSeconds            int      `json:"shutdown_grace_seconds,omitempty"`
}

// DefaultPipeline returns the documented defaults.
func DefaultPipeline() PipelineConfig {
	return PipelineConfig{
		HeartbeatIntervalSeconds:        10,
		HeartbeatTimeoutSeconds:         30,
		MaxReconnectRetries:             5,
		ReconnectDelaySeconds:           3,
		ReconnectBackoff:                BackoffFixed,
		ReconnectMaxDelaySeconds:        60,
		DedupWindowSeconds:              30,
		DedupHistorySize:                5,
		DedupMaxSenders:                 10000,
		ResponderTimeoutSeconds:         8,
		ResponderBreakerFailures:        5,
		ResponderBreakerCooldownSeconds: 30,
		OutboundRateLimitPerSecond:      1,
		OutboundMaxRetries:              3,
		OutboundMaxLength:               100,
		CorrectionPrefix:                DefaultCorrectionPrefix,
		CorrectionMarkers:               []string{"更正", "纠正"},
		DispatchWorkers:                 1,
		DispatchSkipKinds:               []string{"room_state"},
		ShutdownGraceSeconds:            5,
	}
}

// WithDefaults fills every unset field from DefaultPipeline.
func (p PipelineConfig) WithDefaults() PipelineConfig {
	return DefaultPipeline().Merge(p)
}

// Merge returns p with every non-zero field of override applied on top.
func (p PipelineConfig) Merge(override PipelineConfig) PipelineConfig {
	out := p
	setInt(&out.HeartbeatIntervalSeconds, override.HeartbeatIntervalSeconds)
	setInt(&out.HeartbeatTimeoutSeconds, override.HeartbeatTimeoutSeconds)
	setInt(&out.MaxReconnectRetries, override.MaxReconnectRetries)
	setInt(&out.ReconnectDelaySeconds, override.ReconnectDelaySeconds)
	setString(&out.ReconnectBackoff, override.ReconnectBackoff)
	setInt(&out.ReconnectMaxDelaySeconds, override.ReconnectMaxDelaySeconds)
	setInt(&out.DedupWindowSeconds, override.DedupWindowSeconds)
	setInt(&out.DedupHistorySize, override.DedupHistorySize)
	setInt(&out.DedupMaxSenders, override.DedupMaxSenders)
	setInt(&out.ResponderTimeoutSeconds, override.ResponderTimeoutSeconds)
	setInt(&out.ResponderBreakerFailures, override.ResponderBreakerFailures)
	setInt(&out.ResponderBreakerCooldownSeconds, override.ResponderBreakerCooldownSeconds)
	if override.OutboundRateLimitPerSecond != 0 {
		out.OutboundRateLimitPerSecond = override.OutboundRateLimitPerSecond
	}
	setInt(&out.OutboundMaxRetries, override.OutboundMaxRetries)
	setInt(&out.OutboundMaxLength, override.OutboundMaxLength)
	setString(&out.CorrectionPrefix, override.CorrectionPrefix)
	if len(override.CorrectionMarkers) > 0 {
		out.CorrectionMarkers = append([]string(nil), override.CorrectionMarkers...)
	}
	setInt(&out.QueueCapacity, override.QueueCapacity)
	setInt(&out.QueueLowAgingEvery, override.QueueLowAgingEvery)
	setInt(&out.DispatchWorkers, override.DispatchWorkers)
	if len(override.DispatchSkipKinds) > 0 {
		out.DispatchSkipKinds = append([]string(nil), override.DispatchSkipKinds...)
	}
	setInt(&out.ShutdownGraceSeconds, override.ShutdownGraceSeconds)
	return out
}

// Validate rejects negative or inconsistent settings.
func (p PipelineConfig) Validate() error {
	nonNegative := map[string]int{
		"heartbeat_interval_seconds":         p.HeartbeatIntervalSeconds,
		"heartbeat_timeout_seconds":          p.HeartbeatTimeoutSeconds,
		"max_reconnect_retries":              p.MaxReconnectRetries,
		"reconnect_delay_seconds":            p.ReconnectDelaySeconds,
		"reconnect_max_delay_seconds":        p.ReconnectMaxDelaySeconds,
		"dedup_window_seconds":               p.DedupWindowSeconds,
		"dedup_history_size":                 p.DedupHistorySize,
		"dedup_max_senders":                  p.DedupMaxSenders,
		"responder_timeout_seconds":          p.ResponderTimeoutSeconds,
		"responder_breaker_failures":         p.ResponderBreakerFailures,
		"responder_breaker_cooldown_seconds": p.ResponderBreakerCooldownSeconds,
		"outbound_max_retries":               p.OutboundMaxRetries,
		"outbound_max_length":                p.OutboundMaxLength,
		"queue_capacity":                     p.QueueCapacity,
		"queue_low_aging_every":              p.QueueLowAgingEvery,
		"dispatch_workers":                   p.DispatchWorkers,
		"shutdown_grace_seconds":             p.ShutdownGraceSeconds,
	}
	for name, value := range nonNegative {
		if value < 0 {
			return fmt.Errorf("%s must not be negative, got %d", name, value)
		}
	}

	if p.OutboundRateLimitPerSecond < 0 {
		return fmt.Errorf("outbound_rate_limit_per_second must not be negative, got %v", p.OutboundRateLimitPerSecond)
	}

	switch strings.ToLower(strings.TrimSpace(p.ReconnectBackoff)) {
	case "", BackoffFixed, BackoffExponential:
	default:
		return fmt.Errorf("reconnect_backoff must be %q or %q, got %q", BackoffFixed, BackoffExponential, p.ReconnectBackoff)
	}

	if p.HeartbeatIntervalSeconds > 0 && p.HeartbeatTimeoutSeconds > 0 && p.HeartbeatTimeoutSeconds <= p.HeartbeatIntervalSeconds {
		return fmt.Errorf("heartbeat_timeout_seconds (%d) must exceed heartbeat_interval_seconds (%d)", p.HeartbeatTimeoutSeconds, p.HeartbeatIntervalSeconds)
	}

	return nil
}

func (p PipelineConfig) HeartbeatInterval() time.Duration {
	return seconds(p.HeartbeatIntervalSeconds)
}

func (p PipelineConfig) HeartbeatTimeout() time.Duration {
	return seconds(p.HeartbeatTimeoutSeconds)
}

func (p PipelineConfig) ReconnectDelay() time.Duration {
	return seconds(p.ReconnectDelaySeconds)
}

func (p PipelineConfig) ReconnectMaxDelay() time.Duration {
	return seconds(p.ReconnectMaxDelaySeconds)
}

func (p PipelineConfig) DedupWindow() time.Duration {
	return seconds(p.DedupWindowSeconds)
}

func (p PipelineConfig) ResponderTimeout() time.Duration {
	return seconds(p.ResponderTimeoutSeconds)
}

func (p PipelineConfig) ResponderBreakerCooldown() time.Duration {
	return seconds(p.ResponderBreakerCooldownSeconds)
}

func (p PipelineConfig) ShutdownGrace() time.Duration {
	return seconds(p.ShutdownGraceSeconds)
}

func seconds(value int) time.Duration {
	return time.Duration(value) * time.Second
}

func setInt(dst *int, value int) {
	if value != 0 {
		*dst = value
	}
}

func setString(dst *string, value string) {
	if trimmed := strings.TrimSpace(value); trimmed != "" {
		*dst = trimmed
	}
}

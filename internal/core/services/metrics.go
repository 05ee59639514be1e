// Package services implements the connection management and authentication
// engine of the cosign client.
package services

import "time"

// MetricsReporter interface for reporting metrics
type MetricsReporter interface {
	// RecordAttempt records the final state of an authentication attempt:
	// "committed", "cached" or a failure kind.
	RecordAttempt(outcome string)
	RecordCheck(server string, code string, duration time.Duration)
	RecordQuarantine(server string)
	RecordBorrow(server string, result string)
	RecordPoolRebuild(server string, reason string)
	RecordSecondary(kind string, success bool)
	RecordConfigReload(success bool)
}

// NoOpMetrics implements MetricsReporter with no-op methods for when metrics are disabled
type NoOpMetrics struct{}

// RecordAttempt no-op implementation
func (NoOpMetrics) RecordAttempt(string) {}

// RecordCheck no-op implementation
func (NoOpMetrics) RecordCheck(string, string, time.Duration) {}

// RecordQuarantine no-op implementation
func (NoOpMetrics) RecordQuarantine(string) {}

// RecordBorrow no-op implementation
func (NoOpMetrics) RecordBorrow(string, string) {}

// RecordPoolRebuild no-op implementation
func (NoOpMetrics) RecordPoolRebuild(string, string) {}

// RecordSecondary no-op implementation
func (NoOpMetrics) RecordSecondary(string, bool) {}

// RecordConfigReload no-op implementation
func (NoOpMetrics) RecordConfigReload(bool) {}

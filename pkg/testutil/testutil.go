// Package testutil provides testing utilities for reportstream
package testutil

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/accountex-org/reportstream/pkg/models"
)

// TestLogger creates a test logger that writes to the test output.
// The logger is automatically cleaned up when the test completes.
func TestLogger(t *testing.T) *zap.Logger {
	return zaptest.NewLogger(t)
}

// TestContext creates a test context with a 30-second timeout.
// The caller must call the returned cancel function to avoid leaks.
func TestContext(_ *testing.T) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 30*time.Second)
}

// AssertEventually asserts that a condition becomes true within the specified timeout.
// It checks the condition every 10ms until it succeeds or the timeout expires.
func AssertEventually(t *testing.T, condition func() bool, timeout time.Duration, msg string) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}

	t.Fatalf("condition not met within %v: %s", timeout, msg)
}

// GenerateRecords produces n synthetic records. Each record carries a
// sequential id field, a group field cycling through groupValues, and a
// constant numeric value field.
func GenerateRecords(n int, groupField string, groupValues []string, valueField string, value float64) []*models.Record {
	records := make([]*models.Record, n)
	for i := 0; i < n; i++ {
		data := map[string]interface{}{
			"id":       i,
			valueField: value,
		}
		if groupField != "" && len(groupValues) > 0 {
			data[groupField] = groupValues[i%len(groupValues)]
		}
		rec := models.NewRecord("synthetic", data)
		rec.ID = fmt.Sprintf("synthetic-%d", i)
		rec.Metadata.Offset = int64(i)
		records[i] = rec
	}
	return records
}

// RecordedEvent is one telemetry emission captured by RecordingSink.
type RecordedEvent struct {
	Event        string
	Measurements map[string]float64
	Metadata     map[string]string
}

// RecordingSink captures telemetry events for test assertions.
// Safe for concurrent use.
type RecordingSink struct {
	mu     sync.Mutex
	events []RecordedEvent
}

// NewRecordingSink creates an empty recording sink.
func NewRecordingSink() *RecordingSink {
	return &RecordingSink{}
}

// Emit implements telemetry.Sink.
func (s *RecordingSink) Emit(event string, measurements map[string]float64, metadata map[string]string) {
	m := make(map[string]float64, len(measurements))
	for k, v := range measurements {
		m[k] = v
	}
	md := make(map[string]string, len(metadata))
	for k, v := range metadata {
		md[k] = v
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, RecordedEvent{Event: event, Measurements: m, Metadata: md})
}

// Events returns a copy of all captured events.
func (s *RecordingSink) Events() []RecordedEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]RecordedEvent, len(s.events))
	copy(out, s.events)
	return out
}

// EventsNamed returns captured events with the given name.
func (s *RecordingSink) EventsNamed(name string) []RecordedEvent {
	var out []RecordedEvent
	for _, e := range s.Events() {
		if e.Event == name {
			out = append(out, e)
		}
	}
	return out
}

// CountNamed returns how many events with the given name were captured.
func (s *RecordingSink) CountNamed(name string) int {
	return len(s.EventsNamed(name))
}

// SumMeasurement sums one measurement across all events with the given name.
func (s *RecordingSink) SumMeasurement(event, measurement string) float64 {
	var sum float64
	for _, e := range s.EventsNamed(event) {
		sum += e.Measurements[measurement]
	}
	return sum
}

// Package models provides the data model shared by all pipeline stages.
package models

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Record is the unit of data flowing through the pipeline.
type Record struct {
	// ID is a unique identifier for the record
	ID string `json:"id"`
	// Data contains the actual record payload
	Data map[string]interface{} `json:"data"`
	// Metadata contains source, timing, and processing information
	Metadata RecordMetadata `json:"metadata"`
}

// RecordMetadata carries provenance and routing information for a record.
type RecordMetadata struct {
	// Source identifies the data source that produced the record
	Source string `json:"source,omitempty"`
	// Offset is the record's position within the source
	Offset int64 `json:"offset"`
	// Partition is set by the partition layer during routing
	Partition int `json:"partition"`
	// Timestamp is when the record was fetched
	Timestamp time.Time `json:"timestamp,omitempty"`
	// Custom holds free-form per-record annotations
	Custom map[string]interface{} `json:"custom,omitempty"`
}

// NewRecord creates a record with the given source and payload.
func NewRecord(source string, data map[string]interface{}) *Record {
	if data == nil {
		data = make(map[string]interface{})
	}
	return &Record{
		Data: data,
		Metadata: RecordMetadata{
			Source:    source,
			Timestamp: time.Now(),
		},
	}
}

// Get returns a field value from the record payload.
func (r *Record) Get(field string) (interface{}, bool) {
	v, ok := r.Data[field]
	return v, ok
}

// Set stores a field value in the record payload.
func (r *Record) Set(field string, value interface{}) {
	if r.Data == nil {
		r.Data = make(map[string]interface{})
	}
	r.Data[field] = value
}

// Float returns a field coerced to float64. Strings are parsed,
// integer types widened. The second return reports whether the
// field was present and numeric.
func (r *Record) Float(field string) (float64, bool) {
	v, ok := r.Data[field]
	if !ok || v == nil {
		return 0, false
	}

	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		if err != nil {
			return 0, false
		}
		return f, true
	default:
		return 0, false
	}
}

// FieldString returns a stable string form of a field value, used for
// group keys and partition routing. Missing fields render as "<nil>".
func (r *Record) FieldString(field string) string {
	v, ok := r.Data[field]
	if !ok || v == nil {
		return "<nil>"
	}
	return fmt.Sprintf("%v", v)
}

// CanonicalString renders the whole payload as a deterministic
// field=value string with sorted keys. Used as the partition routing
// fallback when no grouping is configured.
func (r *Record) CanonicalString() string {
	keys := make([]string, 0, len(r.Data))
	for k := range r.Data {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var sb strings.Builder
	for i, k := range keys {
		if i > 0 {
			sb.WriteByte('|')
		}
		sb.WriteString(k)
		sb.WriteByte('=')
		sb.WriteString(fmt.Sprintf("%v", r.Data[k]))
	}
	return sb.String()
}

// RecordBatch represents a batch of records for efficient bulk processing.
type RecordBatch struct {
	// Records holds the actual record pointers
	Records []*Record
	// size tracks the current number of records
	size int
}

// NewRecordBatch creates a new record batch with the specified capacity.
// The batch will grow as needed but pre-allocating improves performance.
func NewRecordBatch(capacity int) *RecordBatch {
	return &RecordBatch{
		Records: make([]*Record, 0, capacity),
		size:    0,
	}
}

// AddRecord appends a record to the batch.
func (rb *RecordBatch) AddRecord(r *Record) {
	rb.Records = append(rb.Records, r)
	rb.size++
}

// Reset clears the batch for reuse without deallocating memory.
func (rb *RecordBatch) Reset() {
	rb.Records = rb.Records[:0]
	rb.size = 0
}

// Size returns the current number of records in the batch.
func (rb *RecordBatch) Size() int {
	return rb.size
}

package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFloatCoercions(t *testing.T) {
	rec := NewRecord("test", map[string]interface{}{
		"f64":   12.5,
		"f32":   float32(2.5),
		"int":   7,
		"i64":   int64(8),
		"str":   " 3.25 ",
		"bad":   "not a number",
		"nilly": nil,
	})

	cases := []struct {
		field string
		want  float64
		ok    bool
	}{
		{"f64", 12.5, true},
		{"f32", 2.5, true},
		{"int", 7, true},
		{"i64", 8, true},
		{"str", 3.25, true},
		{"bad", 0, false},
		{"nilly", 0, false},
		{"missing", 0, false},
	}

	for _, tc := range cases {
		got, ok := rec.Float(tc.field)
		assert.Equal(t, tc.ok, ok, tc.field)
		assert.Equal(t, tc.want, got, tc.field)
	}
}

func TestFieldString(t *testing.T) {
	rec := NewRecord("test", map[string]interface{}{
		"region": "na",
		"count":  3,
	})

	assert.Equal(t, "na", rec.FieldString("region"))
	assert.Equal(t, "3", rec.FieldString("count"))
	assert.Equal(t, "<nil>", rec.FieldString("missing"))
}

func TestCanonicalStringDeterministic(t *testing.T) {
	a := NewRecord("test", map[string]interface{}{"b": 2, "a": 1, "c": "x"})
	b := NewRecord("test", map[string]interface{}{"c": "x", "a": 1, "b": 2})

	require.Equal(t, a.CanonicalString(), b.CanonicalString())
	assert.Equal(t, "a=1|b=2|c=x", a.CanonicalString())

	b.Set("a", 99)
	assert.NotEqual(t, a.CanonicalString(), b.CanonicalString())
}

func TestSetInitializesData(t *testing.T) {
	rec := &Record{}
	rec.Set("k", "v")

	v, ok := rec.Get("k")
	require.True(t, ok)
	assert.Equal(t, "v", v)
}

func TestRecordBatchReuse(t *testing.T) {
	batch := NewRecordBatch(4)
	batch.AddRecord(NewRecord("test", nil))
	batch.AddRecord(NewRecord("test", nil))
	assert.Equal(t, 2, batch.Size())

	batch.Reset()
	assert.Equal(t, 0, batch.Size())
	assert.Empty(t, batch.Records)
}

package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizeEntity(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{"lowercases", "PostgreSQL", "postgresql"},
		{"collapses whitespace", "  Kafka   Connect  ", "kafka connect"},
		{"strips punctuation", "O'Brien, Inc.", "obrien inc"},
		{"keeps digits", "HTTP 2", "http 2"},
		{"empty input", "", ""},
		{"punctuation only", "!!!", ""},
		{"mixed unicode", "Café  Müller!", "café müller"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, NormalizeEntity(tt.input))
		})
	}
}

func TestNormalizeRelation(t *testing.T) {
	assert.Equal(t, "depends on", NormalizeRelation("  Depends   On "))
	assert.Equal(t, "uses", NormalizeRelation("USES"))
}

func TestTriple_Valid(t *testing.T) {
	valid := Triple{Subject: "redis", Predicate: "caches", Object: "sessions", Confidence: 0.9}
	assert.True(t, valid.Valid())

	tests := []struct {
		name   string
		triple Triple
	}{
		{"empty subject", Triple{Predicate: "p", Object: "o", Confidence: 0.5}},
		{"empty predicate", Triple{Subject: "s", Object: "o", Confidence: 0.5}},
		{"empty object", Triple{Subject: "s", Predicate: "p", Confidence: 0.5}},
		{"confidence above one", Triple{Subject: "s", Predicate: "p", Object: "o", Confidence: 1.2}},
		{"negative confidence", Triple{Subject: "s", Predicate: "p", Object: "o", Confidence: -0.1}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.False(t, tt.triple.Valid())
		})
	}
}

func TestGraphNode_Properties(t *testing.T) {
	t.Run("SourceMemoryIDsFromJSONDecode", func(t *testing.T) {
		n := &GraphNode{Properties: map[string]any{
			"source_memory_ids": []any{"m1", "m2"},
		}}
		assert.Equal(t, []string{"m1", "m2"}, n.SourceMemoryIDs())
	})

	t.Run("SourceMemoryIDsTyped", func(t *testing.T) {
		n := &GraphNode{Properties: map[string]any{
			"source_memory_ids": []string{"m3"},
		}}
		assert.Equal(t, []string{"m3"}, n.SourceMemoryIDs())
	})

	t.Run("MissingProperties", func(t *testing.T) {
		n := &GraphNode{}
		assert.Nil(t, n.SourceMemoryIDs())
		assert.Zero(t, n.PageRankScore())
	})

	t.Run("PageRankScore", func(t *testing.T) {
		n := &GraphNode{Properties: map[string]any{"pagerank_score": 0.42}}
		assert.InDelta(t, 0.42, n.PageRankScore(), 1e-9)
	})
}

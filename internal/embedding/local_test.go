package embedding

import (
	"context"
	"reflect"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalEngine_Deterministic(t *testing.T) {
	e := NewLocalEngine(384)
	ctx := context.Background()

	a, err := e.Embed(ctx, "quarterly revenue report for the board")
	require.NoError(t, err)
	b, err := e.Embed(ctx, "quarterly revenue report for the board")
	require.NoError(t, err)

	if !reflect.DeepEqual(a, b) {
		t.Fatal("identical input must produce identical vectors")
	}
	assert.Len(t, a, 384)
}

func TestLocalEngine_Normalized(t *testing.T) {
	e := NewLocalEngine(256)

	vec, err := e.Embed(context.Background(), "some text with several tokens")
	require.NoError(t, err)

	var sum float64
	for _, v := range vec {
		sum += float64(v) * float64(v)
	}
	assert.InDelta(t, 1.0, sum, 1e-5)
}

func TestLocalEngine_SimilarTextScoresHigher(t *testing.T) {
	e := NewLocalEngine(384)
	ctx := context.Background()

	query, err := e.Embed(ctx, "invoice payment terms")
	require.NoError(t, err)
	related, err := e.Embed(ctx, "the invoice lists payment terms of net 30")
	require.NoError(t, err)
	unrelated, err := e.Embed(ctx, "goroutine scheduler preemption internals")
	require.NoError(t, err)

	simRelated, err := CosineSimilarity(query, related)
	require.NoError(t, err)
	simUnrelated, err := CosineSimilarity(query, unrelated)
	require.NoError(t, err)

	assert.Greater(t, simRelated, simUnrelated)
}

func TestLocalEngine_EmbedBatch(t *testing.T) {
	e := NewLocalEngine(384)

	vecs, err := e.EmbedBatch(context.Background(), []string{"first", "second", "third"})
	require.NoError(t, err)
	require.Len(t, vecs, 3)
	for _, v := range vecs {
		assert.Len(t, v, 384)
	}
}

func TestLocalEngine_ClampsTinyDimensions(t *testing.T) {
	e := NewLocalEngine(8)
	assert.Equal(t, 384, e.Dimensions())
}

func TestTokenize(t *testing.T) {
	got := Tokenize("Find my Q3-report_v2.md!")
	want := []string{"find", "my", "q3", "report_v2", "md"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("Tokenize = %v, want %v", got, want)
	}
}

func TestCosineSimilarity_Errors(t *testing.T) {
	_, err := CosineSimilarity([]float32{1, 0}, []float32{1, 0, 0})
	assert.Error(t, err)

	sim, err := CosineSimilarity([]float32{0, 0}, []float32{1, 0})
	require.NoError(t, err)
	assert.Zero(t, sim)
}

func TestNewEngine_Factory(t *testing.T) {
	engine, err := NewEngine(Config{Provider: "local", Dimensions: 384})
	require.NoError(t, err)
	assert.Equal(t, "local:384", engine.Name())

	_, err = NewEngine(Config{Provider: "nope"})
	assert.Error(t, err)
}

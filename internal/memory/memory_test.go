package memory

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixedEmbedder struct {
	vec []float64
	err error
}

func (f fixedEmbedder) Embed(ctx context.Context, text string) ([]float64, error) {
	return f.vec, f.err
}

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	return logger
}

func sampleFile() *File {
	return &File{Apps: map[string]map[string]*StateElements{
		"calm": {
			"s1": {
				Path:       []string{"<button>Profile</button>"},
				Elements:   []string{"<button>Settings</button>", "<button>Logout</button>"},
				Functions:  []string{"opens app settings", "signs the user out"},
				Embeddings: [][]float64{{1, 0}, {0, 1}},
			},
			"s2": {
				Path:       []string{"<button>Journal</button>", "<button>New entry</button>"},
				Elements:   []string{"<input>Mood</input>"},
				Functions:  []string{"records today's mood"},
				Embeddings: [][]float64{{0.6, 0.8}, nil},
			},
		},
	}}
}

func TestLookup(t *testing.T) {
	store := New(sampleFile(), fixedEmbedder{vec: []float64{0, 2}}, testLogger())

	el, err := store.Lookup(context.Background(), "calm", "log out")
	require.NoError(t, err)
	assert.Equal(t, "s1", el.State)
	assert.Equal(t, "signs the user out", el.Function)
	assert.InDelta(t, 1.0, el.Similarity, 1e-9)

	step, ok := el.PathStep(0)
	assert.True(t, ok)
	assert.Equal(t, "<button>Profile</button>", step)
	_, ok = el.PathStep(1)
	assert.False(t, ok)
}

func TestLookup_UnknownApp(t *testing.T) {
	store := New(sampleFile(), fixedEmbedder{vec: []float64{1, 0}}, testLogger())
	_, err := store.Lookup(context.Background(), "other", "anything")
	assert.ErrorIs(t, err, ErrNoMemory)
}

func TestLookup_EmbedError(t *testing.T) {
	store := New(sampleFile(), fixedEmbedder{err: errors.New("down")}, testLogger())
	_, err := store.Lookup(context.Background(), "calm", "anything")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrNoMemory)
}

func TestCosineSimilarity(t *testing.T) {
	s, ok := CosineSimilarity([]float64{1, 0}, []float64{1, 0})
	assert.True(t, ok)
	assert.InDelta(t, 1.0, s, 1e-9)

	_, ok = CosineSimilarity([]float64{1, 0}, []float64{1, 0, 0})
	assert.False(t, ok)

	_, ok = CosineSimilarity([]float64{0, 0}, []float64{1, 0})
	assert.False(t, ok)
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "memory.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"apps":{"calm":{"s1":{"path":[],"elements":["<p>Hi</p>"],"functions":["greets"],"embeddings":[[1,1]]}}}}`), 0o644))

	store, err := Load(path, fixedEmbedder{vec: []float64{1, 1}}, testLogger())
	require.NoError(t, err)
	el, err := store.Lookup(context.Background(), "calm", "greet")
	require.NoError(t, err)
	assert.Equal(t, "greets", el.Function)

	_, err = Load(filepath.Join(t.TempDir(), "missing.json"), nil, testLogger())
	assert.Error(t, err)
}

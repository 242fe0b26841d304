package journal

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/mmokin/VerifiedByMaudsleyRuleBased/internal/domain"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func readDocument(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var doc Document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	return &doc, nil
}

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	return logger
}

func TestFileName(t *testing.T) {
	assert.Equal(t, "open _settings_.yaml", FileName("open 'settings'"))
	assert.Equal(t, "say _hi_.yaml", FileName(`say "hi"`))
	assert.Equal(t, "explore_app.yaml", FileName(""))
}

func TestTaskJournal_Append(t *testing.T) {
	dir := t.TempDir()
	j, err := Open(dir, "Explore the app", testLogger())
	require.NoError(t, err)

	require.NoError(t, j.Append(context.Background(), Record{State: "<button id=0>go back</button>", Choice: 0, StateStr: []string{"abc"}}))
	require.NoError(t, j.Append(context.Background(), Record{State: "<input id=0></input>", Choice: 0, Input: "1234", StateStr: []string{"def"}}))

	doc, err := readDocument(j.Path())
	require.NoError(t, err)
	assert.Equal(t, "Explore the app", doc.TaskName)
	assert.Equal(t, 2, doc.StepNum)
	require.Len(t, doc.Records, 2)
	assert.Equal(t, NullInput, doc.Records[0].Input)
	assert.Equal(t, "1234", doc.Records[1].Input)

	raw, err := os.ReadFile(j.Path())
	require.NoError(t, err)
	assert.Contains(t, string(raw), "task_name: Explore the app")
	assert.Contains(t, string(raw), "state_str:")

	// 重新打开后继续追加
	j2, err := Open(dir, "Explore the app", testLogger())
	require.NoError(t, err)
	require.NoError(t, j2.Append(context.Background(), Record{Choice: 3}))
	assert.Len(t, j2.Records(), 3)
}

type failingSink struct{}

func (failingSink) Append(context.Context, Record) error { return errors.New("db down") }

func TestMultiSink(t *testing.T) {
	j, err := Open(t.TempDir(), "task", testLogger())
	require.NoError(t, err)

	m := NewMultiSink(testLogger(), failingSink{}, j)
	err = m.Append(context.Background(), Record{Choice: 1})
	assert.EqualError(t, err, "db down")
	assert.Len(t, j.Records(), 1)
}

func TestRecorder_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	r, err := NewRecorder(dir, testLogger())
	require.NoError(t, err)

	view := &domain.View{Class: "android.widget.Button", Text: "OK", Enabled: true, Bounds: domain.Bounds{Right: 10, Bottom: 10}}
	s1 := domain.NewState("a/.Main", "a", []domain.View{*view}, 0, time.Now())
	s2 := domain.NewState("a/.Other", "a", nil, 0, time.Now())

	require.NoError(t, r.Record(domain.NewBackEvent(), nil, s1))
	require.NoError(t, r.Record(domain.NewTouchEvent(view), s1, s2))

	events, err := ReadEvents(dir)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "", events[0].StartState)
	assert.True(t, events[0].Event.IsBack())
	assert.Equal(t, s1.ID, events[1].StartState)
	assert.Equal(t, s2.ID, events[1].StopState)
	assert.Equal(t, domain.NewTouchEvent(view).Signature(), events[1].Event.Signature())

	_, err = os.Stat(filepath.Join(dir, EventsDir, "event_000001.json"))
	assert.NoError(t, err)
}

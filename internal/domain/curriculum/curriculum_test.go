package curriculum

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	c := Default()

	assert.Equal(t, 8, c.Weeks)
	require.Len(t, c.Week(1), 4)
	assert.Equal(t, "arrays", c.Topics[0].ID)

	for w := 1; w <= c.Weeks; w++ {
		n := len(c.Week(w))
		assert.True(t, n >= 1 && n <= 5, "week %d has %d topics", w, n)
	}

	topic, ok := c.Topic("strings")
	require.True(t, ok)
	assert.Equal(t, "arrays", topic.Prereq)
	assert.False(t, c.Has("quantum-sorting"))
}

func TestParse_Errors(t *testing.T) {
	tests := []struct {
		name string
		doc  string
		want error
	}{
		{"empty", "weeks: 8\ntopics: []\n", ErrNoTopics},
		{"duplicate", "topics:\n  - {id: a, week: 1}\n  - {id: a, week: 2}\n", ErrDuplicateTopic},
		{"week out of range", "weeks: 2\ntopics:\n  - {id: a, week: 3}\n", ErrInvalidWeek},
		{"missing id", "topics:\n  - {week: 1}\n", ErrEmptyTopicID},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.doc))
			assert.True(t, errors.Is(err, tt.want), "got %v", err)
		})
	}

	_, err := Parse([]byte("topics: [unterminated"))
	assert.Error(t, err)
}

func TestLoad_FromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "c.yaml")
	require.NoError(t, os.WriteFile(path, []byte("weeks: 1\ntopics:\n  - {id: intro, week: 1, title: Intro}\n"), 0o600))

	c, err := Load(path)
	require.NoError(t, err)
	assert.Len(t, c.Topics, 1)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

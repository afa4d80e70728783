package shared

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewUserID(t *testing.T) {
	id, err := NewUserID("  ")
	require.NoError(t, err)
	assert.True(t, id.IsAnonymous())
	assert.Equal(t, AnonymousNamespace, id.Namespace())

	id, err = NewUserID("learner-42")
	require.NoError(t, err)
	assert.Equal(t, "learner-42", id.Namespace())

	_, err = NewUserID("anonymous")
	assert.True(t, errors.Is(err, ErrInvalidArgument))

	_, err = NewUserID("bad:colon")
	assert.True(t, IsValidation(err))
}

func TestDay(t *testing.T) {
	d, err := ParseDay("2026-02-28")
	require.NoError(t, err)

	assert.Equal(t, Day("2026-03-01"), d.AddDays(1))
	assert.Equal(t, 3, d.DaysUntil("2026-03-03"))
	assert.True(t, d.Before("2026-03-01"))
	assert.False(t, Day("").IsValid())
	assert.True(t, Day("").IsZero())

	_, err = ParseDay("28/02/2026")
	assert.True(t, errors.Is(err, ErrInvalidFormat))
}

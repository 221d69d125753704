package doserr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestClassificationSurvivesWrapping(t *testing.T) {
	v := fmt.Errorf("create schedule: %w", NewValidation(CodeDuplicateTime, "timeOfDay", "08:00 already scheduled"))
	require.True(t, IsValidation(v))
	require.False(t, IsNotFound(v))
	require.Equal(t, CodeDuplicateTime, ValidationCode(v))
	require.Contains(t, v.Error(), "timeOfDay")

	nf := fmt.Errorf("lookup: %w", NewNotFound("delivery", "d-1"))
	require.True(t, IsNotFound(nf))
	require.Equal(t, "", ValidationCode(nf))

	tr := Transient("push", errors.New("connection refused"))
	require.True(t, IsTransient(tr))
	require.True(t, IsTransient(fmt.Errorf("sync: %w", tr)))
}

func TestTransientDoesNotDoubleWrap(t *testing.T) {
	require.NoError(t, Transient("noop", nil))

	base := errors.New("timeout")
	once := Transient("pull", base)
	twice := Transient("sync", once)
	require.Same(t, once, twice)
	require.ErrorIs(t, twice, base)
}

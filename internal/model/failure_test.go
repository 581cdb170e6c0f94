package model

import (
	"testing"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFailureClassification(t *testing.T) {
	t.Parallel()

	t.Run("kind survives eris wrapping", func(t *testing.T) {
		t.Parallel()
		err := eris.Wrap(NewFailure(FailureMetricGap, "no match above %.2f", 0.30), "selector: vocabulary search")
		f, ok := FailureOf(err)
		require.True(t, ok)
		assert.Equal(t, FailureMetricGap, f.Kind)
		assert.True(t, IsFailure(err, FailureMetricGap))
		assert.False(t, IsFailure(err, FailureEmptyScope))
	})

	t.Run("cause is unwrappable", func(t *testing.T) {
		t.Parallel()
		cause := eris.New("deadline exceeded")
		err := WrapFailure(FailureExecution, cause, "sandbox run")
		f, ok := FailureOf(err)
		require.True(t, ok)
		assert.Equal(t, cause, f.Unwrap())
	})

	t.Run("plain errors are not failures", func(t *testing.T) {
		t.Parallel()
		_, ok := FailureOf(eris.New("boom"))
		assert.False(t, ok)
	})

	t.Run("error string carries kind and detail", func(t *testing.T) {
		t.Parallel()
		assert.Equal(t, "EMPTY_SCOPE: filter returned 0 rows", NewFailure(FailureEmptyScope, "filter returned 0 rows").Error())
		assert.Equal(t, "ABSTAIN", (&Failure{Kind: FailureAbstain}).Error())
	})
}

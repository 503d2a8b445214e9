package errors

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestReason(t *testing.T) {
	cases := []struct {
		err  error
		want string
	}{
		{nil, ""},
		{Inputf("image is %dx%d", 0, 0), "input_error"},
		{Wrap(ErrNoStarsDetected, "extract"), "no_stars_detected"},
		{Wrap(ErrNoConsistentMatch, "region 3"), "no_consistent_match"},
		{Wrapf(ErrInsufficientMatches, "%d pairs", 4), "insufficient_matches"},
		{Wrap(ErrBudgetExhausted, "after 12 attempts"), "budget_exhausted"},
		{context.Canceled, "internal_error"},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, Reason(tc.err))
	}
}

func TestIsUsageFault(t *testing.T) {
	assert.True(t, IsUsageFault(Inputf("bad pixels")))
	assert.True(t, IsUsageFault(New("disk on fire")))
	assert.False(t, IsUsageFault(nil))
	assert.False(t, IsUsageFault(Wrap(ErrNoConsistentMatch, "region")))
	assert.False(t, IsUsageFault(ErrBudgetExhausted))
}

func TestBudgetWinsOverWrappedCause(t *testing.T) {
	err := Mark(Wrap(ErrInsufficientMatches, "last attempt"), ErrBudgetExhausted)
	assert.Equal(t, "budget_exhausted", Reason(err))
	assert.True(t, Is(err, ErrInsufficientMatches))
}

func TestFromReasonRoundTrips(t *testing.T) {
	for _, reason := range []string{"input_error", "no_stars_detected", "budget_exhausted", "insufficient_matches", "no_consistent_match", "internal_error"} {
		err := FromReason(reason, "remote: "+reason)
		assert.Equal(t, reason, Reason(err))
		assert.Equal(t, "remote: "+reason, err.Error())
	}
	assert.Equal(t, "no_stars_detected", FromReason("no_stars_detected", "").Error())
}

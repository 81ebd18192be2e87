package resolver

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/l0p7/scorecache/internal/runtime/scoring"
)

type stubSource struct {
	name  string
	score float64
	err   error
	calls int
}

func (s *stubSource) Name() string { return s.name }

func (s *stubSource) FetchScore(context.Context, string) (float64, error) {
	s.calls++
	return s.score, s.err
}

func TestResolveFallsBackOnlyOnRecoverableErrors(t *testing.T) {
	cases := []struct {
		name         string
		primaryErr   error
		wantFallback bool
	}{
		{name: "success", primaryErr: nil, wantFallback: false},
		{name: "rate limited", primaryErr: scoring.NewSourceError("primary", "1", scoring.FailureRateLimited, 429, nil), wantFallback: true},
		{name: "not found", primaryErr: scoring.NewSourceError("primary", "1", scoring.FailureNotFound, 404, nil), wantFallback: true},
		{name: "transient", primaryErr: scoring.NewSourceError("primary", "1", scoring.FailureTransient, 0, errors.New("reset")), wantFallback: true},
		{name: "fatal", primaryErr: scoring.NewSourceError("primary", "1", scoring.FailureFatal, 401, nil), wantFallback: false},
		{name: "untyped", primaryErr: errors.New("boom"), wantFallback: false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			primary := &stubSource{name: "primary", score: 8.5, err: tc.primaryErr}
			fallback := &stubSource{name: "fallback", score: 7.2}
			r, err := New(primary, fallback, nil)
			require.NoError(t, err)

			res, err := r.Resolve(context.Background(), "1")
			if tc.wantFallback {
				require.NoError(t, err)
				require.Equal(t, Result{Score: 7.2, Source: "fallback"}, res)
				require.Equal(t, 1, fallback.calls)
				return
			}
			require.Zero(t, fallback.calls)
			if tc.primaryErr == nil {
				require.NoError(t, err)
				require.Equal(t, Result{Score: 8.5, Source: "primary"}, res)
				return
			}
			require.ErrorIs(t, err, tc.primaryErr)
		})
	}
}

func TestResolvePrimaryZeroIsReturnedWithoutFallback(t *testing.T) {
	primary := &stubSource{name: "primary", score: 0}
	fallback := &stubSource{name: "fallback", score: 6}
	r, err := New(primary, fallback, nil)
	require.NoError(t, err)

	res, err := r.Resolve(context.Background(), "3")
	require.NoError(t, err)
	require.True(t, scoring.IsUnknown(res.Score))
	require.Zero(t, fallback.calls)
}

func TestResolveBothFailReturnsResolutionError(t *testing.T) {
	primary := &stubSource{name: "primary", err: scoring.NewSourceError("primary", "4", scoring.FailureNotFound, 404, nil)}
	fallback := &stubSource{name: "fallback", err: scoring.NewSourceError("fallback", "4", scoring.FailureNotFound, 404, nil)}
	r, err := New(primary, fallback, nil)
	require.NoError(t, err)

	_, err = r.Resolve(context.Background(), "4")
	require.ErrorIs(t, err, scoring.ErrResolutionFailed)

	var resErr *scoring.ResolutionError
	require.ErrorAs(t, err, &resErr)
	require.Equal(t, "4", resErr.ID)
	require.True(t, resErr.NotFound())
}

func TestNewRequiresSources(t *testing.T) {
	_, err := New(nil, &stubSource{}, nil)
	require.Error(t, err)
}

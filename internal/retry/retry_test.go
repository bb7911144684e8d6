package retry

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tract-dev/trace/internal/tracerr"
)

func TestWithSteering_SucceedsFirstTry(t *testing.T) {
	calls := 0
	res, err := WithSteering(context.Background(), Options[string]{
		Attempt: func(ctx context.Context) (string, error) {
			calls++
			return "ok", nil
		},
		Validate: func(ctx context.Context, v string) (Validation, error) {
			return Validation{OK: true}, nil
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", res.Value)
	assert.Equal(t, 1, res.Attempts)
	assert.Equal(t, 1, calls)
}

func TestWithSteering_RetriesThenSucceeds(t *testing.T) {
	attempt := 0
	var steered []string
	res, err := WithSteering(context.Background(), Options[string]{
		Attempt: func(ctx context.Context) (string, error) {
			attempt++
			if attempt < 3 {
				return "bad", nil
			}
			return "good", nil
		},
		Validate: func(ctx context.Context, v string) (Validation, error) {
			if v == "good" {
				return Validation{OK: true}, nil
			}
			return Validation{OK: false, Diagnosis: "missing required term"}, nil
		},
		Steer: func(ctx context.Context, diagnosis string) error {
			steered = append(steered, diagnosis)
			return nil
		},
		MaxRetries: 3,
	})
	require.NoError(t, err)
	assert.Equal(t, "good", res.Value)
	assert.Equal(t, 3, res.Attempts)
	assert.Len(t, steered, 2)
	assert.Len(t, res.History, 2)
}

func TestWithSteering_ExhaustsAndReturnsRetryExhausted(t *testing.T) {
	_, err := WithSteering(context.Background(), Options[string]{
		Attempt: func(ctx context.Context) (string, error) { return "bad", nil },
		Validate: func(ctx context.Context, v string) (Validation, error) {
			return Validation{OK: false, Diagnosis: "still bad"}, nil
		},
		MaxRetries: 2,
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, tracerr.ErrRetryExhausted))
	var terr *tracerr.Error
	require.True(t, errors.As(err, &terr))
	assert.Equal(t, 3, terr.Attempts)
	assert.Equal(t, "still bad", terr.LastDiagnosis)
}

func TestWithSteering_PurifyResetsHeadOnSuccessAfterRetry(t *testing.T) {
	attempt := 0
	var headAfterReset string
	res, err := WithSteering(context.Background(), Options[string]{
		Attempt: func(ctx context.Context) (string, error) {
			attempt++
			if attempt < 2 {
				return "bad", nil
			}
			return "good", nil
		},
		Validate: func(ctx context.Context, v string) (Validation, error) {
			if v == "good" {
				return Validation{OK: true}, nil
			}
			return Validation{OK: false, Diagnosis: "nope"}, nil
		},
		Purify: true,
		HeadFn: func(ctx context.Context) (string, error) { return "head-before-retry", nil },
		ResetFn: func(ctx context.Context, head string) error {
			headAfterReset = head
			return nil
		},
		MaxRetries: 2,
	})
	require.NoError(t, err)
	assert.Equal(t, "good", res.Value)
	assert.Equal(t, "head-before-retry", headAfterReset)
}

func TestWithSteering_AttemptErrorPropagates(t *testing.T) {
	wantErr := errors.New("boom")
	_, err := WithSteering(context.Background(), Options[string]{
		Attempt: func(ctx context.Context) (string, error) { return "", wantErr },
		Validate: func(ctx context.Context, v string) (Validation, error) {
			return Validation{OK: true}, nil
		},
	})
	require.ErrorIs(t, err, wantErr)
}

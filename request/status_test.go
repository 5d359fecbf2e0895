package request

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStatus_CanTransitionTo(t *testing.T) {
	legal := []struct {
		from, to Status
	}{
		{StatusPending, StatusPreProcessing},
		{StatusPreProcessing, StatusDownloading},
		{StatusDownloading, StatusPostProcessing},
		{StatusPostProcessing, StatusCompleted},
		{StatusPending, StatusFailed},
		{StatusPreProcessing, StatusFailed},
		{StatusDownloading, StatusFailed},
		{StatusPostProcessing, StatusFailed},
		{StatusFailed, StatusPending},
	}
	for _, tc := range legal {
		assert.True(t, tc.from.CanTransitionTo(tc.to), "%s -> %s should be legal", tc.from, tc.to)
	}

	illegal := []struct {
		from, to Status
	}{
		{StatusPending, StatusCompleted},
		{StatusPending, StatusDownloading},
		{StatusPreProcessing, StatusCompleted},
		{StatusDownloading, StatusPending},
		{StatusFailed, StatusDownloading},
		{StatusFailed, StatusCompleted},
	}
	for _, tc := range illegal {
		assert.False(t, tc.from.CanTransitionTo(tc.to), "%s -> %s should be illegal", tc.from, tc.to)
	}
}

func TestStatus_CompletedIsTerminal(t *testing.T) {
	for _, to := range []Status{
		StatusPending, StatusPreProcessing, StatusDownloading,
		StatusPostProcessing, StatusFailed,
	} {
		assert.False(t, StatusCompleted.CanTransitionTo(to))
	}
	assert.True(t, StatusCompleted.Terminal())
}

func TestStatus_Valid(t *testing.T) {
	assert.True(t, StatusPending.Valid())
	assert.False(t, Status("uploading").Valid())
}

func TestInvalidTransitionError_Message(t *testing.T) {
	err := &InvalidTransitionError{From: StatusCompleted, To: StatusPending}
	assert.Contains(t, err.Error(), "already completed")

	err = &InvalidTransitionError{From: StatusPending, To: Status("bogus")}
	assert.Contains(t, err.Error(), "not supported")
}

package testutil

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/thruflo/bulkwatch/internal/job"
	"github.com/thruflo/bulkwatch/internal/state"
)

// AssertJobState asserts the state a tracker wrote under namespace ns.
func AssertJobState(t *testing.T, store *state.Store, ns string, expected job.State) {
	t.Helper()
	assert.Equal(t, string(expected), store.Get(job.Key(ns, job.KeyState), ""),
		"store state for %s mismatch", ns)
}

// AssertProgress asserts the progress counters a tracker wrote under ns.
func AssertProgress(t *testing.T, store *state.Store, ns string, processed, total, successful, failed int) {
	t.Helper()
	assert.Equal(t, processed, state.Value(store, job.Key(ns, job.KeyProcessed), -1), "processed mismatch")
	assert.Equal(t, total, state.Value(store, job.Key(ns, job.KeyTotal), -1), "total mismatch")
	assert.Equal(t, successful, state.Value(store, job.Key(ns, job.KeySuccessful), -1), "successful mismatch")
	assert.Equal(t, failed, state.Value(store, job.Key(ns, job.KeyFailed), -1), "failed mismatch")
}

// AssertPercentage asserts the percentage a tracker wrote under ns.
func AssertPercentage(t *testing.T, store *state.Store, ns string, expected int) {
	t.Helper()
	assert.Equal(t, expected, state.Value(store, job.Key(ns, job.KeyPercentage), -1), "percentage mismatch")
}

//go:build test

package testutils

import (
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
)

type TestHelper struct {
	T      *testing.T
	Logger *logrus.Logger
	Hook   *test.Hook
}

// NewTestHelper creates a test helper with a silent logger whose entries are
// captured by Hook.
func NewTestHelper(t *testing.T) *TestHelper {
	logger, hook := test.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel) // enable debug logs to track execution flow
	return &TestHelper{
		T:      t,
		Logger: logger,
		Hook:   hook,
	}
}

// Messages returns the captured messages logged at level.
func (h *TestHelper) Messages(level logrus.Level) []string {
	var messages []string
	for _, e := range h.Hook.AllEntries() {
		if e.Level == level {
			messages = append(messages, e.Message)
		}
	}
	return messages
}

// Receive waits for a value on ch and fails the test after timeout.
func Receive[T any](t *testing.T, ch <-chan T, timeout time.Duration) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(timeout):
		t.Fatalf("timed out after %s waiting for %T", timeout, *new(T))
		var zero T
		return zero
	}
}

// NoReceive fails the test when a value arrives on ch within wait.
func NoReceive[T any](t *testing.T, ch <-chan T, wait time.Duration) {
	t.Helper()
	select {
	case v := <-ch:
		t.Fatalf("unexpected value received: %v", v)
	case <-time.After(wait):
	}
}

package testutil

import (
	"io"
	"log"
	"testing"
)

// testWriter routes log output through t.Log so lines are attached to the
// test that produced them and suppressed for passing runs.
type testWriter struct {
	t *testing.T
}

func (w testWriter) Write(p []byte) (int, error) {
	w.t.Log(string(p))
	return len(p), nil
}

// TestLogger returns a logger whose output is collected by the test runner,
// prefixed with the test name. Output is discarded once the test finishes,
// since background goroutines may outlive the test body.
func TestLogger(t *testing.T) *log.Logger {
	logger := log.New(testWriter{t: t}, "["+t.Name()+"] ", log.LstdFlags)
	t.Cleanup(func() {
		logger.SetOutput(io.Discard)
	})
	return logger
}

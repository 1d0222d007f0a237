package runner

import (
	"testing"

	"go.uber.org/goleak"
)

// TestMain verifies that jobs leave no goroutines behind once their
// commands have exited.
func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

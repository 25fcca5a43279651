package testutil

import (
	"github.com/corvidmq/corvid/log"
	testing "github.com/mitchellh/go-testing-interface"
)

// NewTestLogger creates a logger for test use. It takes the testing interface
// rather than *testing.T so helpers outside _test files can use it too.
func NewTestLogger(t testing.T) log.Logger {
	return log.New().With(log.String("test", t.Name()))
}

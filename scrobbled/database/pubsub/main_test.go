package pubsub_test

import (
	"testing"

	"go.uber.org/goleak"

	"github.com/coder/scrobble/testutil"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m, testutil.GoleakOptions...)
}

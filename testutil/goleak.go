package testutil

import "go.uber.org/goleak"

// GoleakOptions are options to pass to goleak.VerifyTestMain or
// goleak.VerifyNone.
var GoleakOptions = []goleak.Option{
	// database/sql's opener goroutine drains in-flight opens after Close and
	// can outlive the test cleanup by a tick.
	goleak.IgnoreTopFunction("database/sql.(*DB).connectionOpener"),
}

package cli_test

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/coder/scrobble/buildinfo"
	"github.com/coder/scrobble/cli"
)

// TestRoot cannot run in parallel because subtests use t.Setenv.
//
//nolint:paralleltest
func TestRoot(t *testing.T) {
	t.Run("Version", func(t *testing.T) {
		buf := new(bytes.Buffer)
		root := cli.Root()
		root.SetArgs([]string{"version"})
		root.SetOut(buf)
		err := root.Execute()
		require.NoError(t, err)
		require.Contains(t, buf.String(), buildinfo.Version())
		require.Contains(t, buf.String(), buildinfo.ExternalURL())
	})

	t.Run("ServerRequiresDatabase", func(t *testing.T) {
		// Neutralize ambient configuration so the command construction sees
		// no database selection at all.
		t.Setenv("SCROBBLE_INMEMORY", "")
		t.Setenv("SCROBBLE_PG_CONNECTION_URL", "")
		root := cli.Root()
		root.SetArgs([]string{"server", "--address", "127.0.0.1:0"})
		root.SetOut(io.Discard)
		root.SetErr(io.Discard)
		err := root.Execute()
		require.ErrorContains(t, err, "--postgres-url")
	})
}

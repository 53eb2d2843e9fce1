package scrobbledtest

import (
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"cdr.dev/slog/v3"
	"cdr.dev/slog/v3/sloggers/slogtest"

	"github.com/coder/scrobble/cryptorand"
	"github.com/coder/scrobble/scrobbled"
	"github.com/coder/scrobble/scrobbled/database"
	"github.com/coder/scrobble/scrobbled/database/dbtestutil"
	"github.com/coder/scrobble/scrobbled/database/dbtime"
	"github.com/coder/scrobble/scrobbled/database/pubsub"
	"github.com/coder/scrobble/scrobbled/rollup"
	"github.com/coder/scrobble/scrobblesdk"
	"github.com/coder/scrobble/testutil"
)

type Options struct {
	Database        database.Store
	Pubsub          pubsub.Pubsub
	APIRateLimit    int
	QueuePartitions int32
	CronKey         string
	AllowAllCors    bool
	CorsOrigins     []string
	DailyRolluper   *rollup.Rolluper
}

// New constructs a scrobblesdk client connected to an in-memory API instance.
// When options carries no database, a fresh one is created and written back so
// the caller can seed it.
func New(t *testing.T, options *Options) *scrobblesdk.Client {
	if options == nil {
		options = &Options{}
	}
	if options.Database == nil {
		options.Database, options.Pubsub = dbtestutil.NewDB(t)
	}
	if options.APIRateLimit == 0 {
		// Tests hammer endpoints well past production limits.
		options.APIRateLimit = -1
	}

	srv := httptest.NewServer(scrobbled.New(&scrobbled.Options{
		Logger:          slogtest.Make(t, nil).Named("scrobbled").Leveled(slog.LevelDebug),
		Database:        options.Database,
		Pubsub:          options.Pubsub,
		APIRateLimit:    options.APIRateLimit,
		QueuePartitions: options.QueuePartitions,
		CronKey:         options.CronKey,
		AllowAllCors:    options.AllowAllCors,
		CorsOrigins:     options.CorsOrigins,
		DailyRolluper:   options.DailyRolluper,
	}))
	t.Cleanup(srv.Close)

	serverURL, err := url.Parse(srv.URL)
	require.NoError(t, err)
	return scrobblesdk.New(serverURL)
}

// CreateAccount seeds an account the way the server CLI does. Enrollment has
// no API surface, so tests write the row directly.
func CreateAccount(t testing.TB, db database.Store) database.Account {
	t.Helper()
	ctx := testutil.Context(t, testutil.WaitShort)
	account, err := db.InsertAccount(ctx, database.InsertAccountParams{
		ID:            uuid.New(),
		Name:          "account-" + cryptorand.MustHexString(8),
		EnrollmentKey: cryptorand.MustString(24),
		CreatedAt:     dbtime.Now(),
	})
	require.NoError(t, err)
	return account
}

// RegisterDevice enrolls a fresh device under the enrollment key and returns
// an authenticated client for it.
func RegisterDevice(t testing.TB, client *scrobblesdk.Client, enrollmentKey string) (*scrobblesdk.Client, scrobblesdk.RegisterDeviceResponse) {
	t.Helper()
	ctx := testutil.Context(t, testutil.WaitShort)
	resp, err := client.RegisterDevice(ctx, scrobblesdk.RegisterDeviceRequest{
		DeviceUID:     cryptorand.MustHexString(32),
		Name:          "device-" + cryptorand.MustHexString(4),
		Platform:      "android",
		ClientVersion: "v0.0.0-test",
		AccountKey:    enrollmentKey,
	})
	require.NoError(t, err)

	authed := scrobblesdk.New(client.URL)
	authed.SetSessionToken(resp.AccessToken)
	return authed, resp
}

package acquire

import (
	"context"
	"errors"
	"net/url"
	"sync"
	"testing"

	"kapub/internal/portal"
	"kapub/internal/portal/portaltest"
	"kapub/internal/session"
	"kapub/internal/telemetry"

	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/require"
)

func (f fixture) warmer(password string) *Warmer {
	w := NewWarmer(f.store, f.client, Account{
		Username: portaltest.Username,
		Password: password,
	}, f.tel)
	w.newBackOff = func() backoff.BackOff {
		return backoff.WithMaxRetries(&backoff.ZeroBackOff{}, 3)
	}
	return w
}

func TestWarmKeepsValidCredential(t *testing.T) {
	f := newFixture(t, "")
	ctx := context.Background()
	_, err := f.client.Login(ctx, portaltest.Username, portaltest.Password)
	if err != nil {
		t.Fatal(err)
	}

	require.NoError(t, f.warmer(portaltest.Password).Warm(ctx))
	require.EqualValues(t, 1, f.server.Logins())
	require.EqualValues(t, 1, f.server.OverviewRequests())
}

func TestWarmLogsInWithoutCredential(t *testing.T) {
	f := newFixture(t, "")
	ctx := context.Background()

	require.NoError(t, f.warmer(portaltest.Password).Warm(ctx))
	require.EqualValues(t, 1, f.server.Logins())
	require.EqualValues(t, 0, f.server.OverviewRequests())

	_, found := f.store.Load(ctx)
	require.True(t, found)
}

func TestWarmReplacesStaleCredential(t *testing.T) {
	f := newFixture(t, "")
	ctx := context.Background()
	_, err := f.client.Login(ctx, portaltest.Username, portaltest.Password)
	if err != nil {
		t.Fatal(err)
	}
	f.server.ExpireSessions()

	require.NoError(t, f.warmer(portaltest.Password).Warm(ctx))
	require.EqualValues(t, 2, f.server.Logins())

	cred, found := f.store.Load(ctx)
	require.True(t, found)
	require.Equal(t, session.Credential("CMS_SESSION_ID=sess0002"), cred)

	// the next acquisition goes straight through
	result, err := f.coordinator(portaltest.Password).Acquire(ctx)
	if err != nil {
		t.Fatal(err)
	}
	defer result.Close()
	require.EqualValues(t, 2, f.server.Logins())
}

func TestWarmRejectedLoginClearsCredential(t *testing.T) {
	f := newFixture(t, "")
	ctx := context.Background()
	_, err := f.client.Login(ctx, portaltest.Username, portaltest.Password)
	if err != nil {
		t.Fatal(err)
	}
	f.server.ExpireSessions()

	err = f.warmer("wrong").Warm(ctx)
	var rejected *portal.RejectedStatusError
	require.True(t, errors.As(err, &rejected))

	// rejected logins are not retried
	require.EqualValues(t, 2, f.server.Logins())

	_, found := f.store.Load(ctx)
	require.False(t, found)
}

type flakyPortal struct {
	mutex    sync.Mutex
	failures int
	logins   int
}

func (p *flakyPortal) Login(ctx context.Context, username, password string) (session.Credential, error) {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	p.logins++
	if p.logins <= p.failures {
		return "", errors.New("connection refused")
	}
	return "CMS_SESSION_ID=flaky", nil
}

func (p *flakyPortal) Locate(ctx context.Context, cred session.Credential) (*url.URL, error) {
	return nil, portal.ErrUnreachable
}

func (p *flakyPortal) Open(ctx context.Context, link *url.URL, cred session.Credential) (*portal.Handle, error) {
	return nil, errors.New("not supported")
}

func newFlakyWarmer(t testing.TB, remote Portal, tel telemetry.API) *Warmer {
	w := NewWarmer(session.NewStore(t.TempDir(), tel), remote, Account{Username: "reader"}, tel)
	w.newBackOff = func() backoff.BackOff {
		return backoff.WithMaxRetries(&backoff.ZeroBackOff{}, 3)
	}
	return w
}

func TestWarmRetriesTransientFailures(t *testing.T) {
	remote := &flakyPortal{failures: 2}
	tel := &telemetry.Recorder{}

	require.NoError(t, newFlakyWarmer(t, remote, tel).Warm(context.Background()))
	require.Equal(t, 3, remote.logins)
	require.Empty(t, tel.Reports("warning"))
}

func TestWarmGivesUpAfterRetries(t *testing.T) {
	remote := &flakyPortal{failures: 10}
	tel := &telemetry.Recorder{}

	err := newFlakyWarmer(t, remote, tel).Warm(context.Background())
	require.Error(t, err)
	// first attempt plus three retries
	require.Equal(t, 4, remote.logins)
	require.Len(t, tel.Reports("warning"), 1)
}

type manualCron struct {
	specs     []string
	callbacks []func()
}

func (c *manualCron) Cron(spec string, callback func()) error {
	c.specs = append(c.specs, spec)
	c.callbacks = append(c.callbacks, callback)
	return nil
}

func TestWarmSchedule(t *testing.T) {
	remote := &flakyPortal{}
	w := newFlakyWarmer(t, remote, &telemetry.Recorder{})
	cron := &manualCron{}

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, w.Schedule(ctx, cron, "30 5 * * *"))
	require.Equal(t, []string{"30 5 * * *"}, cron.specs)

	cron.callbacks[0]()
	require.Equal(t, 1, remote.logins)

	cancel()
	cron.callbacks[0]()
	require.Equal(t, 1, remote.logins)
}

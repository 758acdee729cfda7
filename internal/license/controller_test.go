package license

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"keygate/internal/config"
	"keygate/internal/security"
	"keygate/pkg/contracts/domain"
)

// scriptedServer serves canned, correctly signed license responses and
// counts the requests it saw.
type scriptedServer struct {
	srv      *httptest.Server
	requests atomic.Int64
	respond  atomic.Value // func() (int, domain.Response)
}

func newScriptedServer(t *testing.T) *scriptedServer {
	t.Helper()
	s := &scriptedServer{}
	s.respond.Store(func() (int, domain.Response) {
		return http.StatusOK, domain.Response{Success: true}
	})

	s.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.requests.Add(1)
		status, resp := s.respond.Load().(func() (int, domain.Response))()
		if resp.Data != nil {
			payload, err := json.Marshal(resp.Data)
			require.NoError(t, err)
			resp.Signature = security.SignPayload(payload, testSecret)
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		json.NewEncoder(w).Encode(resp)
	}))
	t.Cleanup(s.srv.Close)
	return s
}

func (s *scriptedServer) grant(expireAt time.Time) {
	s.respond.Store(func() (int, domain.Response) {
		return http.StatusOK, domain.Response{
			Success: true,
			Data: &domain.Grant{
				SystemType:  domain.SystemDesktop,
				MemberLevel: domain.LevelVVIP,
				ExpireAt:    expireAt,
				Timestamp:   time.Now().UnixMilli(),
			},
		}
	})
}

func (s *scriptedServer) deny(status int, code domain.Code) {
	s.respond.Store(func() (int, domain.Response) {
		return status, domain.Response{Success: false, Code: code, Message: "denied"}
	})
}

func newTestController(t *testing.T, serverURL string) *Controller {
	t.Helper()
	cfg := config.HeartbeatConfig{
		Interval:       20 * time.Millisecond,
		RequestTimeout: time.Second,
		AuthCacheTTL:   50 * time.Millisecond,
		OfflineGrace:   24 * time.Hour,
		ServerURL:      serverURL,
		SnapshotPath:   filepath.Join(t.TempDir(), "license.dat"),
	}
	client := NewClient(serverURL, testSecret, cfg.RequestTimeout)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewController(client, security.NewFingerprintManager(testSecret), cfg, logger)
}

func waitForState(t *testing.T, c *Controller, want AuthState) {
	t.Helper()
	require.Eventually(t, func() bool { return c.State() == want },
		2*time.Second, 5*time.Millisecond, "expected state %s, got %s", want, c.State())
}

func TestControllerUnauthorizedWithoutSnapshot(t *testing.T) {
	server := newScriptedServer(t)
	c := newTestController(t, server.srv.URL)

	c.Start(context.Background())
	defer c.Stop()

	waitForState(t, c, StateUnauthorized)
	assert.False(t, c.Authorized())
	assert.EqualValues(t, 0, server.requests.Load(), "no snapshot means no heartbeat traffic")
}

func TestControllerAuthorizesFromSnapshot(t *testing.T) {
	server := newScriptedServer(t)
	server.grant(time.Now().Add(720 * time.Hour))

	c := newTestController(t, server.srv.URL)
	require.NoError(t, SaveSnapshot(c.cfg.SnapshotPath, testSnapshot(), testSecret))

	c.Start(context.Background())
	defer c.Stop()

	waitForState(t, c, StateAuthorized)
	assert.True(t, c.Authorized())

	snap := c.CurrentSnapshot()
	require.NotNil(t, snap)
	assert.Equal(t, domain.LevelVVIP, snap.MemberLevel)
}

func TestControllerCacheAbsorbsHeartbeats(t *testing.T) {
	server := newScriptedServer(t)
	server.grant(time.Now().Add(720 * time.Hour))

	c := newTestController(t, server.srv.URL)
	c.cfg.AuthCacheTTL = time.Hour
	require.NoError(t, SaveSnapshot(c.cfg.SnapshotPath, testSnapshot(), testSecret))

	c.Start(context.Background())
	defer c.Stop()

	waitForState(t, c, StateAuthorized)
	time.Sleep(100 * time.Millisecond)
	assert.EqualValues(t, 1, server.requests.Load(),
		"a fresh verification must suppress further heartbeats")
}

func TestControllerOfflineGrace(t *testing.T) {
	server := newScriptedServer(t)
	c := newTestController(t, server.srv.URL)
	server.srv.Close()

	snap := testSnapshot()
	snap.LastVerifiedAt = time.Now().Add(-time.Hour)
	require.NoError(t, SaveSnapshot(c.cfg.SnapshotPath, snap, testSecret))

	c.Start(context.Background())
	defer c.Stop()

	// The server is gone but the last verification is well within grace.
	waitForState(t, c, StateAuthorizedOffline)
	assert.True(t, c.Authorized())
}

func TestControllerOfflineExpiredLicense(t *testing.T) {
	server := newScriptedServer(t)
	c := newTestController(t, server.srv.URL)
	server.srv.Close()

	// Recently verified, but the license itself ran out: grace never extends
	// past the expiry date.
	snap := testSnapshot()
	snap.LastVerifiedAt = time.Now().Add(-time.Hour)
	snap.ExpireAt = time.Now().Add(-time.Minute)
	require.NoError(t, SaveSnapshot(c.cfg.SnapshotPath, snap, testSecret))

	c.Start(context.Background())
	defer c.Stop()

	waitForState(t, c, StateUnauthorized)
	assert.False(t, c.Authorized())
}

func TestControllerOfflineGraceExhausted(t *testing.T) {
	server := newScriptedServer(t)
	c := newTestController(t, server.srv.URL)
	server.srv.Close()

	snap := testSnapshot()
	snap.LastVerifiedAt = time.Now().Add(-48 * time.Hour)
	require.NoError(t, SaveSnapshot(c.cfg.SnapshotPath, snap, testSecret))

	c.Start(context.Background())
	defer c.Stop()

	waitForState(t, c, StateUnauthorized)
	assert.False(t, c.Authorized())

	// The snapshot survives; connectivity problems never discard it.
	_, err := LoadSnapshot(c.cfg.SnapshotPath, testSecret)
	require.NoError(t, err)
}

func TestControllerDenialBanKeepsSnapshot(t *testing.T) {
	server := newScriptedServer(t)
	server.deny(http.StatusForbidden, domain.CodeBanned)

	c := newTestController(t, server.srv.URL)
	require.NoError(t, SaveSnapshot(c.cfg.SnapshotPath, testSnapshot(), testSecret))

	c.Start(context.Background())
	defer c.Stop()

	waitForState(t, c, StateUnauthorized)

	// A ban can be lifted by an operator, so the snapshot stays.
	_, err := LoadSnapshot(c.cfg.SnapshotPath, testSecret)
	require.NoError(t, err)
}

func TestControllerDenialInvalidDropsSnapshot(t *testing.T) {
	server := newScriptedServer(t)
	server.deny(http.StatusNotFound, domain.CodeInvalidLicense)

	c := newTestController(t, server.srv.URL)
	require.NoError(t, SaveSnapshot(c.cfg.SnapshotPath, testSnapshot(), testSecret))

	c.Start(context.Background())
	defer c.Stop()

	waitForState(t, c, StateUnauthorized)
	require.Eventually(t, func() bool {
		_, err := LoadSnapshot(c.cfg.SnapshotPath, testSecret)
		return err != nil
	}, 2*time.Second, 5*time.Millisecond, "an invalid license must drop the local snapshot")
}

func TestControllerTamperedResponseDeniesAuthorization(t *testing.T) {
	var requests atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		json.NewEncoder(w).Encode(domain.Response{
			Success: true,
			Data: &domain.Grant{
				SystemType:  domain.SystemDesktop,
				MemberLevel: domain.LevelVVIP,
				ExpireAt:    time.Now().Add(720 * time.Hour),
			},
			Signature: "deadbeef",
		})
	}))
	defer srv.Close()

	c := newTestController(t, srv.URL)
	require.NoError(t, SaveSnapshot(c.cfg.SnapshotPath, testSnapshot(), testSecret))

	c.Start(context.Background())
	defer c.Stop()

	// A forged grant is a fatal verification failure, not a connectivity
	// problem, so the recent snapshot must not buy offline grace.
	require.Eventually(t, func() bool { return requests.Load() >= 2 },
		2*time.Second, 5*time.Millisecond)
	assert.Equal(t, StateUnauthorized, c.State())
	assert.False(t, c.Authorized())
}

func TestControllerActivateAndUnbind(t *testing.T) {
	server := newScriptedServer(t)
	server.grant(time.Now().Add(720 * time.Hour))

	c := newTestController(t, server.srv.URL)

	resp, err := c.Activate(context.Background(), "abcd-efgh-jklm-npqr", domain.SystemDesktop, false)
	require.NoError(t, err)
	require.True(t, resp.Success)
	assert.Equal(t, StateAuthorized, c.State())

	snap, err := LoadSnapshot(c.cfg.SnapshotPath, testSecret)
	require.NoError(t, err)
	assert.Equal(t, "ABCD-EFGH-JKLM-NPQR", snap.LicenseKey, "stored keys are normalized")

	server.respond.Store(func() (int, domain.Response) {
		return http.StatusOK, domain.Response{Success: true, Message: "license unbound"}
	})
	resp, err = c.Unbind(context.Background())
	require.NoError(t, err)
	require.True(t, resp.Success)
	assert.Equal(t, StateUnauthorized, c.State())
	assert.Nil(t, c.CurrentSnapshot())

	_, err = LoadSnapshot(c.cfg.SnapshotPath, testSecret)
	require.Error(t, err)
}

func TestControllerActivateDenied(t *testing.T) {
	server := newScriptedServer(t)
	server.deny(http.StatusConflict, domain.CodeAlreadyActivated)

	c := newTestController(t, server.srv.URL)

	resp, err := c.Activate(context.Background(), "ABCD-EFGH-JKLM-NPQR", domain.SystemDesktop, false)
	require.NoError(t, err)
	assert.False(t, resp.Success)
	assert.Equal(t, domain.CodeAlreadyActivated, resp.Code)
	assert.Equal(t, StateUnauthorized, c.State())
}

func TestControllerInfo(t *testing.T) {
	server := newScriptedServer(t)
	c := newTestController(t, server.srv.URL)

	info := c.Info()
	assert.Equal(t, StateUnauthorized, info.State)
	assert.Empty(t, info.LicenseKey)
	assert.Zero(t, info.DaysRemaining)

	snap := testSnapshot()
	require.NoError(t, SaveSnapshot(c.cfg.SnapshotPath, snap, testSecret))
	c.Restore()

	info = c.Info()
	assert.Equal(t, snap.LicenseKey, info.LicenseKey)
	assert.Equal(t, 30, info.DaysRemaining)
	assert.True(t, info.HasTier(domain.LevelVIP))
	assert.True(t, info.HasTier(domain.LevelVVIP))
	assert.False(t, info.HasTier(domain.LevelSVIP))
}

func TestControllerStateChangeCallback(t *testing.T) {
	server := newScriptedServer(t)
	server.grant(time.Now().Add(720 * time.Hour))

	c := newTestController(t, server.srv.URL)
	require.NoError(t, SaveSnapshot(c.cfg.SnapshotPath, testSnapshot(), testSecret))

	var transitions atomic.Value
	c.OnStateChange = func(s AuthState) { transitions.Store(s) }

	c.Start(context.Background())
	defer c.Stop()

	require.Eventually(t, func() bool {
		v, _ := transitions.Load().(AuthState)
		return v == StateAuthorized
	}, 2*time.Second, 5*time.Millisecond)
}

func TestControllerStartStopIdempotent(t *testing.T) {
	server := newScriptedServer(t)
	c := newTestController(t, server.srv.URL)

	ctx := context.Background()
	c.Start(ctx)
	c.Start(ctx)
	c.Stop()
	c.Stop()
}

func TestClientRejectsTamperedGrant(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		resp := domain.Response{
			Success: true,
			Data: &domain.Grant{
				SystemType:  domain.SystemDesktop,
				MemberLevel: domain.LevelSVIP,
				ExpireAt:    time.Now().Add(time.Hour),
			},
			Signature: "deadbeef",
		}
		json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	client := NewClient(srv.URL, testSecret, time.Second)
	_, err := client.Verify(context.Background(), "ABCD-EFGH-JKLM-NPQR", "machine-a", domain.SystemDesktop)
	require.ErrorIs(t, err, ErrTamperedResponse)
}

func TestClientNetworkError(t *testing.T) {
	client := NewClient("http://127.0.0.1:1", testSecret, 200*time.Millisecond)
	_, err := client.Check(context.Background(), "ABCD-EFGH-JKLM-NPQR", "")
	require.ErrorIs(t, err, ErrNetwork)
}

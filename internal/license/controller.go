package license

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"sync"
	"time"

	"keygate/internal/config"
	"keygate/internal/security"
	"keygate/pkg/contracts/domain"
)

// AuthState is the controller's view of whether the process may run.
type AuthState string

const (
	// StateUnauthorized means no valid license is in effect.
	StateUnauthorized AuthState = "unauthorized"
	// StateAuthorized means the server confirmed the license recently.
	StateAuthorized AuthState = "authorized"
	// StateAuthorizedOffline means the server is unreachable but a previous
	// confirmation is still within the offline grace window.
	StateAuthorizedOffline AuthState = "authorized-offline"
)

// Controller drives the heartbeat loop and owns the local license state.
// Start and Stop are idempotent; state transitions are safe for concurrent
// readers.
type Controller struct {
	client       *Client
	fingerprints *security.FingerprintManager
	cfg          config.HeartbeatConfig
	logger       *slog.Logger
	cache        *authCache

	// now is swapped in tests to drive the grace window.
	now func() time.Time

	// OnStateChange, when set before Start, is called after every
	// authorization state transition so the host can lock or unlock its UI.
	OnStateChange func(AuthState)

	mu          sync.Mutex
	state       AuthState
	snapshot    *Snapshot
	lastContact time.Time
	running     bool
	stop        chan struct{}
	done        chan struct{}
}

// NewController creates a heartbeat controller. The fingerprint manager
// supplies the machine code for every request.
func NewController(client *Client, fingerprints *security.FingerprintManager, cfg config.HeartbeatConfig, logger *slog.Logger) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{
		client:       client,
		fingerprints: fingerprints,
		cfg:          cfg,
		logger:       logger.With(slog.String("component", "license_controller")),
		cache:        newAuthCache(nil),
		now:          time.Now,
		state:        StateUnauthorized,
	}
}

// State returns the current authorization state.
func (c *Controller) State() AuthState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Authorized reports whether the process may run, online or within grace.
func (c *Controller) Authorized() bool {
	s := c.State()
	return s == StateAuthorized || s == StateAuthorizedOffline
}

// CurrentSnapshot returns a copy of the local license state, or nil.
func (c *Controller) CurrentSnapshot() *Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.snapshot == nil {
		return nil
	}
	snap := *c.snapshot
	return &snap
}

// Start loads the local snapshot, runs one immediate heartbeat, then keeps
// verifying on the configured interval until Stop or ctx cancellation.
// Calling Start on a running controller is a no-op.
func (c *Controller) Start(ctx context.Context) {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return
	}
	c.running = true
	c.stop = make(chan struct{})
	c.done = make(chan struct{})
	c.mu.Unlock()

	c.Restore()

	go c.run(ctx)
}

func (c *Controller) run(ctx context.Context) {
	defer close(c.done)

	c.heartbeat(ctx)

	ticker := time.NewTicker(c.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.heartbeat(ctx)
		case <-c.stop:
			return
		case <-ctx.Done():
			return
		}
	}
}

// Stop halts the heartbeat loop and waits for it to exit. Calling Stop on a
// stopped controller is a no-op.
func (c *Controller) Stop() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	c.running = false
	close(c.stop)
	done := c.done
	c.mu.Unlock()

	<-done
}

// Restore loads the persisted snapshot into memory. Start calls it; one-shot
// commands that skip the heartbeat loop may call it directly.
func (c *Controller) Restore() {
	snap, err := LoadSnapshot(c.cfg.SnapshotPath, c.client.secret)
	if err != nil {
		// Corrupt or tampered snapshots fail closed; only a missing file
		// stays quiet.
		if !errors.Is(err, os.ErrNotExist) {
			c.logger.Warn("ignoring unreadable license snapshot", slog.String("error", err.Error()))
		}
		return
	}
	c.mu.Lock()
	c.snapshot = snap
	c.mu.Unlock()
}

func (c *Controller) machineCode() (string, error) {
	fp, err := c.fingerprints.GenerateFingerprint()
	if err != nil {
		return "", fmt.Errorf("failed to fingerprint device: %w", err)
	}
	return fp.Fingerprint, nil
}

// heartbeat performs one verification round and updates the state machine.
func (c *Controller) heartbeat(ctx context.Context) {
	c.mu.Lock()
	snap := c.snapshot
	c.mu.Unlock()

	if snap == nil {
		c.setState(StateUnauthorized)
		return
	}
	if c.cache.Valid() {
		return
	}

	machineCode, err := c.machineCode()
	if err != nil {
		c.logger.Error("heartbeat skipped", slog.String("error", err.Error()))
		return
	}

	reqCtx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()

	resp, err := c.client.Verify(reqCtx, snap.LicenseKey, machineCode, snap.SystemType)
	if err != nil {
		// A forged or corrupted payload is not a connectivity problem and
		// never earns offline grace.
		if errors.Is(err, ErrTamperedResponse) {
			c.logger.Error("license response failed signature verification",
				slog.String("error", err.Error()))
			c.cache.Clear()
			c.setState(StateUnauthorized)
			return
		}
		c.handleUnreachable(err, snap)
		return
	}
	if resp.Success {
		c.handleGrant(resp.Data, snap)
		return
	}
	c.handleDenial(resp, snap)
}

// handleUnreachable applies the offline grace window. A network failure is
// never treated as an invalid license.
func (c *Controller) handleUnreachable(err error, snap *Snapshot) {
	c.mu.Lock()
	reference := c.lastContact
	c.mu.Unlock()
	if reference.IsZero() {
		reference = snap.LastVerifiedAt
	}

	if !snap.ExpireAt.IsZero() && !c.now().Before(snap.ExpireAt) {
		c.logger.Warn("license expired while offline", slog.String("error", err.Error()))
		c.setState(StateUnauthorized)
		return
	}

	if c.now().Sub(reference) <= c.cfg.OfflineGrace {
		c.logger.Warn("license server unreachable, running on offline grace",
			slog.String("error", err.Error()))
		c.setState(StateAuthorizedOffline)
		return
	}

	c.logger.Warn("offline grace exhausted", slog.String("error", err.Error()))
	c.setState(StateUnauthorized)
}

func (c *Controller) handleGrant(grant *domain.Grant, snap *Snapshot) {
	now := c.now()

	c.mu.Lock()
	c.lastContact = now
	updated := *snap
	if grant != nil {
		updated.MemberLevel = grant.MemberLevel
		updated.ExpireAt = grant.ExpireAt
	}
	updated.LastVerifiedAt = now
	c.snapshot = &updated
	c.mu.Unlock()

	if err := SaveSnapshot(c.cfg.SnapshotPath, &updated, c.client.secret); err != nil {
		c.logger.Error("failed to persist license snapshot", slog.String("error", err.Error()))
	}
	c.cache.MarkVerified(c.cfg.AuthCacheTTL)
	c.setState(StateAuthorized)
}

// handleDenial reacts to an authoritative server "no". The snapshot is
// dropped only for denials that cannot heal on their own; an expired or
// banned license keeps its snapshot because an operator can revive it.
func (c *Controller) handleDenial(resp *domain.Response, snap *Snapshot) {
	c.logger.Warn("license verification denied",
		slog.String("code", string(resp.Code)),
		slog.String("message", resp.Message))

	c.cache.Clear()
	switch resp.Code {
	case domain.CodeInvalidLicense, domain.CodeMachineMismatch, domain.CodeNotActivated:
		c.mu.Lock()
		c.snapshot = nil
		c.mu.Unlock()
		if err := RemoveSnapshot(c.cfg.SnapshotPath); err != nil {
			c.logger.Error("failed to remove license snapshot", slog.String("error", err.Error()))
		}
	}
	c.setState(StateUnauthorized)
}

func (c *Controller) setState(next AuthState) {
	c.mu.Lock()
	prev := c.state
	c.state = next
	c.mu.Unlock()

	if prev != next {
		c.logger.Info("authorization state changed",
			slog.String("from", string(prev)),
			slog.String("to", string(next)))
		if c.OnStateChange != nil {
			c.OnStateChange(next)
		}
	}
}

// Info is a point-in-time view of the local license for the host
// application.
type Info struct {
	State         AuthState
	LicenseKey    string
	SystemType    domain.SystemType
	MemberLevel   domain.MemberLevel
	ExpireAt      time.Time
	DaysRemaining int
}

// HasTier reports whether the license grants at least the given tier.
func (i Info) HasTier(level domain.MemberLevel) bool {
	return i.MemberLevel.AtLeast(level)
}

// Info returns the current authorization view. Without a snapshot only the
// state is populated.
func (c *Controller) Info() Info {
	c.mu.Lock()
	defer c.mu.Unlock()

	info := Info{State: c.state}
	if c.snapshot == nil {
		return info
	}
	info.LicenseKey = c.snapshot.LicenseKey
	info.SystemType = c.snapshot.SystemType
	info.MemberLevel = c.snapshot.MemberLevel
	info.ExpireAt = c.snapshot.ExpireAt

	if days := int(math.Ceil(c.snapshot.ExpireAt.Sub(c.now()).Hours() / 24)); days > 0 {
		info.DaysRemaining = days
	}
	return info
}

// Activate binds this device to key and persists the resulting snapshot.
func (c *Controller) Activate(ctx context.Context, key string, systemType domain.SystemType, force bool) (*domain.Response, error) {
	machineCode, err := c.machineCode()
	if err != nil {
		return nil, err
	}

	reqCtx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()

	resp, err := c.client.Activate(reqCtx, key, machineCode, systemType, force)
	if err != nil {
		return nil, err
	}
	if !resp.Success {
		return resp, nil
	}

	now := c.now()
	snap := &Snapshot{
		LicenseKey:     domain.NormalizeKey(key),
		MachineCode:    machineCode,
		SystemType:     systemType,
		ActivatedAt:    now,
		LastVerifiedAt: now,
	}
	if resp.Data != nil {
		snap.MemberLevel = resp.Data.MemberLevel
		snap.ExpireAt = resp.Data.ExpireAt
	}

	c.mu.Lock()
	c.snapshot = snap
	c.lastContact = now
	c.mu.Unlock()

	if err := SaveSnapshot(c.cfg.SnapshotPath, snap, c.client.secret); err != nil {
		return resp, fmt.Errorf("activated but failed to persist snapshot: %w", err)
	}
	c.cache.MarkVerified(c.cfg.AuthCacheTTL)
	c.setState(StateAuthorized)
	return resp, nil
}

// Unbind releases this device's binding and clears all local state.
func (c *Controller) Unbind(ctx context.Context) (*domain.Response, error) {
	c.mu.Lock()
	snap := c.snapshot
	c.mu.Unlock()
	if snap == nil {
		return nil, fmt.Errorf("no license to unbind")
	}

	machineCode, err := c.machineCode()
	if err != nil {
		return nil, err
	}

	reqCtx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()

	resp, err := c.client.Unbind(reqCtx, snap.LicenseKey, machineCode)
	if err != nil {
		return nil, err
	}
	if !resp.Success {
		return resp, nil
	}

	c.mu.Lock()
	c.snapshot = nil
	c.mu.Unlock()
	c.cache.Clear()
	if err := RemoveSnapshot(c.cfg.SnapshotPath); err != nil {
		return resp, err
	}
	c.setState(StateUnauthorized)
	return resp, nil
}

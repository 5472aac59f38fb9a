package pairing

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/nerrad567/dryerlink-core/internal/device"
	"github.com/nerrad567/dryerlink-core/internal/remote"
)

// Transaction aborts. Each wraps remote.ErrAbortTransaction.
var (
	errClaimedBySelf  = fmt.Errorf("%w: code already claimed by caller", remote.ErrAbortTransaction)
	errClaimedByOther = fmt.Errorf("%w: code claimed by another user", remote.ErrAbortTransaction)
	errCodeGone       = fmt.Errorf("%w: code record missing", remote.ErrAbortTransaction)
	errAlreadyListed  = fmt.Errorf("%w: device already in index", remote.ErrAbortTransaction)
	errNotListed      = fmt.Errorf("%w: device not in index", remote.ErrAbortTransaction)
	errNotPaired      = fmt.Errorf("%w: device not paired", remote.ErrAbortTransaction)
	errOtherOwner     = fmt.Errorf("%w: %w", remote.ErrAbortTransaction, ErrNotOwner)
)

// Logger is the logging interface used by the coordinator.
type Logger interface {
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Info(string, ...any) {}
func (noopLogger) Warn(string, ...any) {}

// Coordinator runs the pairing handshake against a remote store.
type Coordinator struct {
	store      remote.Store
	now        func() time.Time
	logger     Logger
	metrics    *Metrics
	codeSource func() (string, error)
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithClock overrides the clock used for expiry checks and claim times.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

// WithLogger sets the coordinator logger.
func WithLogger(l Logger) Option {
	return func(c *Coordinator) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithMetrics records pairing metrics.
func WithMetrics(m *Metrics) Option {
	return func(c *Coordinator) { c.metrics = m }
}

// New creates a pairing coordinator over store.
func New(store remote.Store, opts ...Option) *Coordinator {
	c := &Coordinator{
		store:      store,
		now:        time.Now,
		logger:     noopLogger{},
		codeSource: randomCode,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Pair binds deviceID to userID using a single-use pairing code.
//
// Checks run in a fixed order and stop at the first failure: the code
// exists, it references deviceID, it is unused, it has not expired, and the
// device is not paired. No write happens before all checks pass.
//
// The writes are ordered so that a retry after a partial failure completes
// the missing steps: the device's pairedTo is claimed first with a
// compare-and-set, then the code is marked used, then the device id is
// appended to the user's index. A call that finds the device already paired
// to userID (and the code, if used, used by userID) resumes from there
// without re-validating the code.
//
// Returns:
//   - Result: The outcome, with the device info on success
//   - error: Only for remote store faults or invalid ids
func (c *Coordinator) Pair(ctx context.Context, userID, deviceID, code string) (Result, error) {
	res, err := c.pair(ctx, userID, deviceID, code)
	if err != nil {
		c.logger.Warn("pairing failed", "user_id", userID, "device_id", deviceID, "error", err)
		return Result{}, err
	}

	c.metrics.outcome(res.Outcome)
	c.logger.Info("pairing attempt", "user_id", userID, "device_id", deviceID, "outcome", res.Outcome.String())
	return res, nil
}

func (c *Coordinator) pair(ctx context.Context, userID, deviceID, code string) (Result, error) {
	if err := validateUser(userID); err != nil {
		return Result{}, err
	}
	if err := device.ValidateID(deviceID); err != nil {
		return Result{}, err
	}
	if code == "" || remote.ValidateKey(code) != nil {
		return fail(OutcomeCodeNotFound), nil
	}

	codeSnap, err := c.store.Get(ctx, remote.PairingCodePath(code))
	if err != nil {
		return Result{}, fmt.Errorf("reading pairing code: %w", err)
	}
	if !codeSnap.IsObject() {
		return fail(OutcomeCodeNotFound), nil
	}
	rec := codeFromSnapshot(code, codeSnap)
	if rec.DeviceID != deviceID {
		return fail(OutcomeCodeDeviceMismatch), nil
	}

	infoSnap, err := c.store.Get(ctx, remote.DeviceInfoPath(deviceID))
	if err != nil {
		return Result{}, fmt.Errorf("reading device info: %w", err)
	}
	owner := ownerOf(infoSnap.Child(remote.NodePairedTo))

	if rec.Used {
		if rec.PairedTo == userID && owner == userID {
			return c.resume(ctx, userID, deviceID, code)
		}
		return fail(OutcomeCodeAlreadyUsed), nil
	}
	if owner == userID {
		// Interrupted after the device was claimed but before the code was.
		return c.resume(ctx, userID, deviceID, code)
	}
	if rec.Expired(c.now()) {
		return fail(OutcomeCodeExpired), nil
	}
	if !infoSnap.Exists() {
		return fail(OutcomeDeviceNotFound), nil
	}
	if owner != "" {
		return fail(OutcomeDeviceAlreadyPaired), nil
	}

	// Step 1: the device claim is the linearisation point.
	expected := infoSnap.Child(remote.NodePairedTo).Value()
	swapped, err := c.store.CompareAndSet(ctx, remote.PairedToPath(deviceID), expected, userID)
	if err != nil {
		return Result{}, fmt.Errorf("claiming device: %w", err)
	}
	if !swapped {
		return c.afterLostDeviceClaim(ctx, userID, deviceID, code)
	}

	// Step 2.
	claimed, err := c.claimCode(ctx, userID, code)
	if err != nil {
		return Result{}, err
	}
	if !claimed {
		if err := c.releaseDevice(ctx, userID, deviceID); err != nil {
			return Result{}, err
		}
		return fail(OutcomeCodeAlreadyUsed), nil
	}

	// Step 3.
	if err := c.appendToIndex(ctx, userID, deviceID); err != nil {
		return Result{}, err
	}
	return c.paired(ctx, deviceID)
}

// resume completes the code claim and index append for a device already
// paired to userID.
func (c *Coordinator) resume(ctx context.Context, userID, deviceID, code string) (Result, error) {
	claimed, err := c.claimCode(ctx, userID, code)
	if err != nil {
		return Result{}, err
	}
	if !claimed {
		return fail(OutcomeCodeAlreadyUsed), nil
	}
	if err := c.appendToIndex(ctx, userID, deviceID); err != nil {
		return Result{}, err
	}
	c.logger.Info("pairing resumed", "user_id", userID, "device_id", deviceID)
	return c.paired(ctx, deviceID)
}

// afterLostDeviceClaim classifies a lost compare-and-set on pairedTo.
func (c *Coordinator) afterLostDeviceClaim(ctx context.Context, userID, deviceID, code string) (Result, error) {
	ownerSnap, err := c.store.Get(ctx, remote.PairedToPath(deviceID))
	if err != nil {
		return Result{}, fmt.Errorf("reading device owner: %w", err)
	}
	if ownerOf(ownerSnap) == userID {
		// A concurrent call for the same user won.
		return c.resume(ctx, userID, deviceID, code)
	}

	codeSnap, err := c.store.Get(ctx, remote.PairingCodePath(code))
	if err != nil {
		return Result{}, fmt.Errorf("reading pairing code: %w", err)
	}
	if codeFromSnapshot(code, codeSnap).Used {
		return fail(OutcomeCodeAlreadyUsed), nil
	}
	return fail(OutcomeDeviceAlreadyPaired), nil
}

// claimCode marks the code used by userID. It reports false when the code
// was consumed by someone else or has disappeared.
func (c *Coordinator) claimCode(ctx context.Context, userID, code string) (bool, error) {
	pairedAt := c.now().UnixMilli()
	_, err := remote.Transact(ctx, c.store, remote.PairingCodePath(code), func(cur remote.Snapshot) (any, error) {
		if !cur.IsObject() {
			return nil, errCodeGone
		}
		if cur.Child(keyUsed).Bool(false) {
			if cur.Child(keyPairedTo).String("") == userID {
				return nil, errClaimedBySelf
			}
			return nil, errClaimedByOther
		}
		next := cur.Map()
		next[keyUsed] = true
		next[keyPairedTo] = userID
		next[keyPairedAt] = pairedAt
		return next, nil
	})

	switch {
	case err == nil, errors.Is(err, errClaimedBySelf):
		return true, nil
	case errors.Is(err, errClaimedByOther), errors.Is(err, errCodeGone):
		return false, nil
	default:
		return false, fmt.Errorf("marking pairing code used: %w", err)
	}
}

// releaseDevice undoes step 1 after the code claim was lost.
func (c *Coordinator) releaseDevice(ctx context.Context, userID, deviceID string) error {
	if _, err := c.store.CompareAndSet(ctx, remote.PairedToPath(deviceID), userID, nil); err != nil {
		return fmt.Errorf("releasing device claim: %w", err)
	}
	c.logger.Warn("pairing code lost after device claim, released device", "user_id", userID, "device_id", deviceID)
	return nil
}

// appendToIndex adds deviceID to the user's index unless already present.
func (c *Coordinator) appendToIndex(ctx context.Context, userID, deviceID string) error {
	_, err := remote.Transact(ctx, c.store, remote.UserDevicesPath(userID), func(cur remote.Snapshot) (any, error) {
		next := 0
		for _, child := range cur.Children() {
			if child.String("") == deviceID {
				return nil, errAlreadyListed
			}
			if n, err := strconv.Atoi(child.Key()); err == nil && n >= next {
				next = n + 1
			}
		}
		entries := cur.Map()
		if entries == nil {
			entries = make(map[string]any, 1)
		}
		entries[strconv.Itoa(next)] = deviceID
		return entries, nil
	})
	if err != nil && !errors.Is(err, errAlreadyListed) {
		return fmt.Errorf("updating device index: %w", err)
	}
	return nil
}

func (c *Coordinator) paired(ctx context.Context, deviceID string) (Result, error) {
	infoSnap, err := c.store.Get(ctx, remote.DeviceInfoPath(deviceID))
	if err != nil {
		return Result{}, fmt.Errorf("reading device info: %w", err)
	}
	return Result{Outcome: OutcomePaired, Info: device.TranslateInfo(infoSnap)}, nil
}

// Unpair releases deviceID from userID and removes it from the user's
// index, compacting the remaining entries. The pairing code stays used.
//
// Unpairing a device that is not paired only cleans the index. A device
// paired to someone else is refused with ErrNotOwner and nothing is written.
func (c *Coordinator) Unpair(ctx context.Context, userID, deviceID string) error {
	if err := validateUser(userID); err != nil {
		return err
	}
	if err := device.ValidateID(deviceID); err != nil {
		return err
	}

	_, err := remote.Transact(ctx, c.store, remote.PairedToPath(deviceID), func(cur remote.Snapshot) (any, error) {
		switch ownerOf(cur) {
		case "":
			return nil, errNotPaired
		case userID:
			return nil, nil
		default:
			return nil, errOtherOwner
		}
	})
	switch {
	case errors.Is(err, ErrNotOwner):
		return fmt.Errorf("unpairing %s: %w", deviceID, ErrNotOwner)
	case err != nil && !errors.Is(err, errNotPaired):
		return fmt.Errorf("clearing device owner: %w", err)
	}

	_, err = remote.Transact(ctx, c.store, remote.UserDevicesPath(userID), func(cur remote.Snapshot) (any, error) {
		children := cur.Children()
		kept := make([]any, 0, len(children))
		for _, child := range children {
			if child.String("") != deviceID {
				kept = append(kept, child.Value())
			}
		}
		if len(kept) == len(children) {
			return nil, errNotListed
		}
		if len(kept) == 0 {
			return nil, nil
		}
		return kept, nil
	})
	if err != nil && !errors.Is(err, errNotListed) {
		return fmt.Errorf("updating device index: %w", err)
	}

	c.metrics.unpaired()
	c.logger.Info("device unpaired", "user_id", userID, "device_id", deviceID)
	return nil
}

// CheckOwner returns nil if deviceID is paired to userID and ErrNotOwner
// if it is unpaired or paired to someone else.
func (c *Coordinator) CheckOwner(ctx context.Context, userID, deviceID string) error {
	if err := validateUser(userID); err != nil {
		return err
	}
	if err := device.ValidateID(deviceID); err != nil {
		return err
	}

	snap, err := c.store.Get(ctx, remote.PairedToPath(deviceID))
	if err != nil {
		return fmt.Errorf("reading device owner: %w", err)
	}
	if ownerOf(snap) != userID {
		return fmt.Errorf("device %s: %w", deviceID, ErrNotOwner)
	}
	return nil
}

// ownerOf reads a pairedTo node. Some firmware writes the string "null"
// instead of removing the node.
func ownerOf(snap remote.Snapshot) string {
	owner := snap.String("")
	if owner == "null" {
		return ""
	}
	return owner
}

func validateUser(userID string) error {
	if userID == "" {
		return fmt.Errorf("%w: empty", ErrInvalidUser)
	}
	if err := remote.ValidateKey(userID); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidUser, err)
	}
	return nil
}

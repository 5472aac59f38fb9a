package pairing

import (
	"context"
	"crypto/rand"
	"fmt"
	"math/big"
	"time"

	"github.com/nerrad567/dryerlink-core/internal/device"
	"github.com/nerrad567/dryerlink-core/internal/remote"
)

// Remote keys of a devicePairing/{code} record.
const (
	keyDeviceID  = "deviceId"
	keyUsed      = "used"
	keyExpiresAt = "expiresAt"
	keyPairedTo  = "pairedTo"
	keyPairedAt  = "pairedAt"
)

const (
	// CodeDigits is the length of an issued pairing code.
	CodeDigits = 6

	maxIssueAttempts = 10
)

// Code is a pairing code record. Times are milliseconds since the Unix
// epoch; a zero ExpiresAt means the code never expires.
type Code struct {
	Code      string `json:"code"`
	DeviceID  string `json:"device_id"`
	Used      bool   `json:"used"`
	ExpiresAt int64  `json:"expires_at,omitempty"`
	PairedTo  string `json:"paired_to,omitempty"`
	PairedAt  int64  `json:"paired_at,omitempty"`
}

// Expired reports whether the code carries an expiry that now has passed.
func (c Code) Expired(now time.Time) bool {
	return c.ExpiresAt > 0 && now.UnixMilli() > c.ExpiresAt
}

func (c Code) record() map[string]any {
	m := map[string]any{
		keyDeviceID: c.DeviceID,
		keyUsed:     c.Used,
	}
	if c.ExpiresAt > 0 {
		m[keyExpiresAt] = c.ExpiresAt
	}
	if c.PairedTo != "" {
		m[keyPairedTo] = c.PairedTo
		m[keyPairedAt] = c.PairedAt
	}
	return m
}

func codeFromSnapshot(code string, snap remote.Snapshot) Code {
	return Code{
		Code:      code,
		DeviceID:  snap.Child(keyDeviceID).String(""),
		Used:      snap.Child(keyUsed).Bool(false),
		ExpiresAt: snap.Child(keyExpiresAt).Int64(0),
		PairedTo:  snap.Child(keyPairedTo).String(""),
		PairedAt:  snap.Child(keyPairedAt).Int64(0),
	}
}

// randomCode returns a uniformly distributed zero-padded decimal code.
func randomCode() (string, error) {
	limit := big.NewInt(1)
	for range CodeDigits {
		limit.Mul(limit, big.NewInt(10))
	}
	n, err := rand.Int(rand.Reader, limit)
	if err != nil {
		return "", fmt.Errorf("generating pairing code: %w", err)
	}
	return fmt.Sprintf("%0*d", CodeDigits, n.Int64()), nil
}

// IssueCode creates a fresh single-use code for deviceID. This is the
// device side of the handshake; the tree host uses it to stand in for the
// device display. It is not exposed to user sessions.
//
// The code is created with a compare-and-set against an empty node, so a
// code already in the table (used or not) is never overwritten. The code
// and its expiry are mirrored into the device's deviceInfo.
//
// Parameters:
//   - ctx: Context for the remote writes
//   - deviceID: Device the code will pair
//   - ttl: Lifetime of the code; zero or negative means no expiry
//
// Returns:
//   - Code: The stored record
//   - error: ErrCodeSpaceExhausted if no free code was found, or a remote store error
func (c *Coordinator) IssueCode(ctx context.Context, deviceID string, ttl time.Duration) (Code, error) {
	if err := device.ValidateID(deviceID); err != nil {
		return Code{}, err
	}

	for range maxIssueAttempts {
		value, err := c.codeSource()
		if err != nil {
			return Code{}, err
		}

		code := Code{Code: value, DeviceID: deviceID}
		if ttl > 0 {
			code.ExpiresAt = c.now().Add(ttl).UnixMilli()
		}

		created, err := c.store.CompareAndSet(ctx, remote.PairingCodePath(value), nil, code.record())
		if err != nil {
			return Code{}, fmt.Errorf("storing pairing code: %w", err)
		}
		if !created {
			continue
		}

		err = c.store.Update(ctx, remote.DeviceInfoPath(deviceID), map[string]any{
			"pairingCode":       value,
			"pairingCodeExpiry": code.ExpiresAt,
		})
		if err != nil {
			return Code{}, fmt.Errorf("publishing pairing code to %s: %w", deviceID, err)
		}

		c.metrics.codeIssued()
		c.logger.Info("pairing code issued", "device_id", deviceID, "expires_at", code.ExpiresAt)
		return code, nil
	}
	return Code{}, ErrCodeSpaceExhausted
}

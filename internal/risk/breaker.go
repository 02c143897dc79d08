package risk

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// BreakerConfig holds the circuit breaker's trip thresholds (spec §4.11,
// §6, §7).
type BreakerConfig struct {
	MaxConsecutiveErrors  int
	PnLThreshold          float64
	MaxInventoryImbalance float64
}

// BreakerStatus is the persisted JSON shape of spec §6:
// {is_open, trip_reason, trip_ts}.
type BreakerStatus struct {
	IsOpen     bool      `json:"is_open"`
	TripReason string    `json:"trip_reason"`
	TripTS     time.Time `json:"trip_ts"`
}

// Breaker is the circuit breaker of spec §4.11 / §7: a latching safety
// gate that forbids new orders once tripped. Reset is manual only — there
// is no time-based recovery.
type Breaker struct {
	mu sync.Mutex

	cfg BreakerConfig

	status            BreakerStatus
	consecutiveErrors int

	path   string // where status is persisted, "" disables persistence
	logger *slog.Logger
}

// NewBreaker creates a breaker that persists its status under dataDir.
// It does not read the file; Load restores a prior persisted trip so a
// restart does not silently clear an open breaker.
func NewBreaker(cfg BreakerConfig, dataDir string, logger *slog.Logger) *Breaker {
	b := &Breaker{
		cfg:    cfg,
		logger: logger.With("component", "circuit_breaker"),
	}
	if dataDir != "" {
		b.path = filepath.Join(dataDir, "circuit_breaker.json")
	}
	return b
}

// IsOpen reports whether the breaker is tripped.
func (b *Breaker) IsOpen() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.status.IsOpen
}

// Status returns a copy of the current breaker status.
func (b *Breaker) Status() BreakerStatus {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.status
}

// RecordAPIResult updates the consecutive-error counter. A successful
// call resets it to zero; a transient failure increments it and trips the
// breaker once MaxConsecutiveErrors is reached (spec §7).
func (b *Breaker) RecordAPIResult(success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if success {
		b.consecutiveErrors = 0
		return
	}

	b.consecutiveErrors++
	if b.consecutiveErrors >= b.cfg.MaxConsecutiveErrors {
		b.tripLocked(fmt.Sprintf("%d consecutive API errors", b.consecutiveErrors))
	}
}

// TripImmediately trips the breaker unconditionally, for error kinds that
// bypass the consecutive-error counter (AuthExpired, InsufficientBalance,
// Internal — spec §7) and for the portfolio-level checks below.
func (b *Breaker) TripImmediately(reason string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.tripLocked(reason)
}

// CheckPnL trips the breaker if pnl has fallen below the configured
// threshold (spec §4.11, §6).
func (b *Breaker) CheckPnL(pnl float64) {
	if pnl < b.cfg.PnLThreshold {
		b.TripImmediately(fmt.Sprintf("pnl %.2f below threshold %.2f", pnl, b.cfg.PnLThreshold))
	}
}

// CheckInventoryImbalance trips the breaker if |netInventory|/maxPosition
// exceeds MaxInventoryImbalance (spec §4.11 step 5).
func (b *Breaker) CheckInventoryImbalance(netInventory, maxPosition int) {
	if maxPosition <= 0 {
		return
	}
	ratio := float64(netInventory) / float64(maxPosition)
	if ratio < 0 {
		ratio = -ratio
	}
	if ratio > b.cfg.MaxInventoryImbalance {
		b.TripImmediately(fmt.Sprintf("inventory imbalance %.2f exceeds %.2f", ratio, b.cfg.MaxInventoryImbalance))
	}
}

// Reset manually clears the breaker. Per spec §4.11, this is the only
// path back to a closed state — there is no time-based recovery.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.status = BreakerStatus{}
	b.consecutiveErrors = 0
	b.persistLocked()
	b.logger.Info("circuit breaker manually reset")
}

func (b *Breaker) tripLocked(reason string) {
	if b.status.IsOpen {
		return
	}
	b.status = BreakerStatus{IsOpen: true, TripReason: reason, TripTS: time.Now()}
	b.logger.Error("circuit breaker tripped", "reason", reason)
	b.persistLocked()
}

// persistLocked writes status as a single JSON object via the atomic
// write-tmp-then-rename pattern, so a crash mid-write never leaves a
// corrupt status file on disk.
func (b *Breaker) persistLocked() {
	if b.path == "" {
		return
	}
	data, err := json.Marshal(b.status)
	if err != nil {
		b.logger.Error("marshal breaker status", "error", err)
		return
	}
	if err := os.MkdirAll(filepath.Dir(b.path), 0o755); err != nil {
		b.logger.Error("create breaker status dir", "error", err)
		return
	}
	tmp := b.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		b.logger.Error("write breaker status", "error", err)
		return
	}
	if err := os.Rename(tmp, b.path); err != nil {
		b.logger.Error("rename breaker status", "error", err)
	}
}

// Load restores a previously persisted status from disk, if present.
func (b *Breaker) Load() error {
	if b.path == "" {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	data, err := os.ReadFile(b.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read breaker status: %w", err)
	}
	var status BreakerStatus
	if err := json.Unmarshal(data, &status); err != nil {
		return fmt.Errorf("unmarshal breaker status: %w", err)
	}
	b.status = status
	return nil
}

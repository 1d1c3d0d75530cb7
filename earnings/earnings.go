// Package earnings keeps the local earnings ledger: lifetime total, current
// session earnings, and unclaimed pending rewards, plus an append-only
// reward history. The ledger performs no network I/O; crediting and claiming
// are driven by callers that have already obtained the backend's
// acknowledgment.
package earnings

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"swarmnode/config"
	"swarmnode/store"
)

const historyLimit = 100

// Transaction is one reward credit.
type Transaction struct {
	ID           string          `json:"id"`
	Amount       int64           `json:"amount"`
	Type         string          `json:"type"`
	TaskID       string          `json:"task_id,omitempty"`
	TaskType     config.TaskType `json:"task_type,omitempty"`
	HardwareTier config.Tier     `json:"hardware_tier,omitempty"`
	Multiplier   float64         `json:"multiplier,omitempty"`
	Timestamp    time.Time       `json:"timestamp"`
}

// Snapshot is a point-in-time copy of the ledger counters.
type Snapshot struct {
	TotalEarned     int64
	SessionEarnings int64
	PendingRewards  int64
	History         []Transaction
}

// Ledger is the local earnings ledger. All methods are safe for concurrent
// use; every mutation is persisted under a sealed envelope before returning.
type Ledger struct {
	mu     sync.Mutex
	store  store.Store
	logger *slog.Logger

	sessionID       string
	totalEarned     int64
	sessionEarnings int64
	pendingRewards  int64
	history         []Transaction
}

// NewLedger loads the persisted ledger. A seal mismatch (the stored values
// were edited by hand, or the envelope is corrupt) zeroes the ledger and
// purges the entry rather than erroring; authoritative totals come back on
// the next server reconcile.
func NewLedger(s store.Store, logger *slog.Logger) (*Ledger, error) {
	l := &Ledger{
		store:     s,
		logger:    logger,
		sessionID: uuid.NewString(),
	}

	sealed, ok, err := loadSealed(s)
	if err != nil {
		return nil, fmt.Errorf("load earnings: %w", err)
	}
	if ok {
		if sealed.verify() {
			l.totalEarned = sealed.TotalEarned
			l.pendingRewards = sealed.PendingRewards
			l.history = sealed.History
		} else {
			if logger != nil {
				logger.Warn("earnings seal mismatch, resetting local ledger")
			}
			if err := purgeSealed(s); err != nil {
				return nil, err
			}
		}
	}
	return l, nil
}

// AddReward credits a transaction: all three counters increase by the same
// amount and the transaction is appended to the history. Callers must only
// invoke this after the backend acknowledged the underlying completion.
func (l *Ledger) AddReward(tx Transaction) error {
	if tx.Amount <= 0 {
		return fmt.Errorf("earnings: non-positive reward amount %d", tx.Amount)
	}
	if tx.ID == "" {
		tx.ID = uuid.NewString()
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.totalEarned += tx.Amount
	l.sessionEarnings += tx.Amount
	l.pendingRewards += tx.Amount
	l.history = append(l.history, tx)
	if len(l.history) > historyLimit {
		l.history = l.history[len(l.history)-historyLimit:]
	}
	return l.persistLocked()
}

// SettleClaim drains pending rewards to zero and returns the drained
// amount. Callers invoke this only after a successful remote claim; a claim
// is never settled locally on the backend's behalf.
func (l *Ledger) SettleClaim() (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	drained := l.pendingRewards
	l.pendingRewards = 0
	return drained, l.persistLocked()
}

// SetTotalEarned overwrites the local lifetime total with the server's
// authoritative balance.
func (l *Ledger) SetTotalEarned(total int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.totalEarned = total
	return l.persistLocked()
}

// ResetSession zeroes the current session earnings, leaving the lifetime
// total and pending rewards untouched.
func (l *Ledger) ResetSession() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.sessionEarnings = 0
	return l.persistLocked()
}

// Reset zeroes the whole ledger and purges the persisted record.
func (l *Ledger) Reset() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.totalEarned = 0
	l.sessionEarnings = 0
	l.pendingRewards = 0
	l.history = nil
	return purgeSealed(l.store)
}

// Snapshot returns a copy of the current counters and history.
func (l *Ledger) Snapshot() Snapshot {
	l.mu.Lock()
	defer l.mu.Unlock()

	hist := make([]Transaction, len(l.history))
	copy(hist, l.history)
	return Snapshot{
		TotalEarned:     l.totalEarned,
		SessionEarnings: l.sessionEarnings,
		PendingRewards:  l.pendingRewards,
		History:         hist,
	}
}

func (l *Ledger) persistLocked() error {
	sealed := newSealed(l.sessionID, l.totalEarned, l.pendingRewards, l.history)
	if err := saveSealed(l.store, sealed); err != nil {
		return fmt.Errorf("persist earnings: %w", err)
	}
	return nil
}

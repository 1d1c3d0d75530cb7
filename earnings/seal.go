package earnings

import (
	"fmt"
	"hash/crc32"

	"swarmnode/store"
)

// The seal is tamper deterrence against casual edits of the local store,
// not a security boundary: anyone who reads this file can forge it. Real
// integrity would need an HMAC over a server-issued key, which the backend
// does not hand out; server reconciliation is the actual authority on
// balances.

const (
	sealedKey     = "earnings-ledger"
	sealedVersion = 1
)

// sealedLedger is the persisted envelope: the counters plus a checksum
// bound to the writing session's id and timestamp.
type sealedLedger struct {
	SessionID      string        `json:"session_id"`
	WrittenAt      int64         `json:"written_at"`
	TotalEarned    int64         `json:"total_earned"`
	PendingRewards int64         `json:"pending_rewards"`
	History        []Transaction `json:"history,omitempty"`
	Checksum       uint32        `json:"checksum"`
}

func newSealed(sessionID string, total, pending int64, history []Transaction) sealedLedger {
	s := sealedLedger{
		SessionID:      sessionID,
		TotalEarned:    total,
		PendingRewards: pending,
		History:        history,
	}
	if len(history) > 0 {
		s.WrittenAt = history[len(history)-1].Timestamp.Unix()
	}
	s.Checksum = s.checksum()
	return s
}

func (s *sealedLedger) checksum() uint32 {
	payload := fmt.Sprintf("%s|%d|%d|%d|%d",
		s.SessionID, s.WrittenAt, s.TotalEarned, s.PendingRewards, len(s.History))
	return crc32.ChecksumIEEE([]byte(payload))
}

// verify recomputes the checksum over the stored fields, including the
// session id the envelope was written under.
func (s *sealedLedger) verify() bool {
	return s.Checksum == s.checksum()
}

func loadSealed(st store.Store) (sealedLedger, bool, error) {
	var s sealedLedger
	ok, err := store.LoadJSON(st, sealedKey, sealedVersion, &s, nil)
	return s, ok, err
}

func saveSealed(st store.Store, s sealedLedger) error {
	return store.SaveJSON(st, sealedKey, sealedVersion, s)
}

func purgeSealed(st store.Store) error {
	return st.Delete(sealedKey)
}

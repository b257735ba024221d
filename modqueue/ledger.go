package modqueue

import (
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// Decision records how a removed item was handled. Kept only briefly, so a reviewer acting on a stale notification can be told who got there first.
type Decision struct {
	ItemID       uint64    `json:"item_id"`
	State        State     `json:"state"`
	ReviewerID   int64     `json:"reviewer_id"`
	ReviewerName string    `json:"reviewer_name,omitempty"`
	At           time.Time `json:"at"`
}

// Ledger is a bounded, expiring record of recent decisions. Safe for concurrent use.
type Ledger struct {
	Data *expirable.LRU[uint64, Decision]
}

func NewLedger(capacity int, ttl time.Duration) *Ledger {
	return &Ledger{
		Data: expirable.NewLRU[uint64, Decision](capacity, nil, ttl),
	}
}

func (l *Ledger) Record(d Decision) {
	if l == nil {
		return
	}
	l.Data.Add(d.ItemID, d)
}

func (l *Ledger) Lookup(id uint64) (Decision, bool) {
	if l == nil {
		return Decision{}, false
	}
	return l.Data.Get(id)
}

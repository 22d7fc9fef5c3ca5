package state

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// journalEntry is a revertible state change.
type journalEntry interface {
	revert(s *StateDB)
}

type journal struct {
	entries   []journalEntry
	snapshots map[int]int // snapshot id -> entry index
	nextID    int
}

func newJournal() *journal {
	return &journal{
		snapshots: make(map[int]int),
	}
}

func (j *journal) append(entry journalEntry) {
	j.entries = append(j.entries, entry)
}

func (j *journal) snapshot() int {
	id := j.nextID
	j.nextID++
	j.snapshots[id] = len(j.entries)
	return id
}

func (j *journal) revertToSnapshot(id int, s *StateDB) bool {
	idx, ok := j.snapshots[id]
	if !ok {
		return false
	}
	for i := len(j.entries) - 1; i >= idx; i-- {
		j.entries[i].revert(s)
	}
	j.entries = j.entries[:idx]

	for sid := range j.snapshots {
		if sid >= id {
			delete(j.snapshots, sid)
		}
	}
	return true
}

func (j *journal) reset() {
	j.entries = nil
	j.snapshots = make(map[int]int)
}

type balanceChange struct {
	addr       common.Address
	prev       *big.Int
	prevExists bool
}

func (ch balanceChange) revert(s *StateDB) {
	if ch.prevExists {
		s.dirtyBalances[ch.addr] = ch.prev
	} else {
		delete(s.dirtyBalances, ch.addr)
	}
}

type storageChange struct {
	addr       common.Address
	key        common.Hash
	prev       common.Hash
	prevExists bool
}

func (ch storageChange) revert(s *StateDB) {
	ref := slotRef{ch.addr, ch.key}
	if ch.prevExists {
		s.dirtyStorage[ref] = ch.prev
	} else {
		delete(s.dirtyStorage, ref)
	}
}

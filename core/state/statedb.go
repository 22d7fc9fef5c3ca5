// Package state keeps the ledger the accounts run against: native balances and
// 32 byte storage slots per address, persisted in badger.
//
// Writes land in dirty maps guarded by a journal so a failing call can be rolled
// back to a snapshot. Nothing reaches the database until Commit.
package state

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/AvaProtocol/safe4337/storage"
	"github.com/AvaProtocol/safe4337/storage/schema"
)

var ErrInsufficientBalance = errors.New("insufficient balance for transfer")

type slotRef struct {
	addr common.Address
	key  common.Hash
}

type StateDB struct {
	db storage.Storage

	dirtyBalances map[common.Address]*big.Int
	dirtyStorage  map[slotRef]common.Hash

	journal *journal

	// first database read error, reads fall back to zero values once set
	dbErr error
}

func New(db storage.Storage) *StateDB {
	return &StateDB{
		db:            db,
		dirtyBalances: make(map[common.Address]*big.Int),
		dirtyStorage:  make(map[slotRef]common.Hash),
		journal:       newJournal(),
	}
}

// Error returns the first database error met while reading state.
func (s *StateDB) Error() error {
	return s.dbErr
}

func (s *StateDB) setError(err error) {
	if s.dbErr == nil {
		s.dbErr = err
	}
}

func (s *StateDB) committedBalance(addr common.Address) *big.Int {
	raw, err := s.db.GetKey(schema.BalanceKey(addr))
	if err != nil {
		if !storage.IsNotFound(err) {
			s.setError(fmt.Errorf("read balance of %s: %w", addr.Hex(), err))
		}
		return new(big.Int)
	}
	return new(big.Int).SetBytes(raw)
}

func (s *StateDB) committedState(addr common.Address, key common.Hash) common.Hash {
	raw, err := s.db.GetKey(schema.SlotKey(addr, key))
	if err != nil {
		if !storage.IsNotFound(err) {
			s.setError(fmt.Errorf("read slot %s of %s: %w", key.Hex(), addr.Hex(), err))
		}
		return common.Hash{}
	}
	return common.BytesToHash(raw)
}

// GetBalance returns a copy of the current balance of addr.
func (s *StateDB) GetBalance(addr common.Address) *big.Int {
	if bal, ok := s.dirtyBalances[addr]; ok {
		return new(big.Int).Set(bal)
	}
	return s.committedBalance(addr)
}

func (s *StateDB) SetBalance(addr common.Address, amount *big.Int) {
	prev, exists := s.dirtyBalances[addr]
	s.journal.append(balanceChange{addr: addr, prev: prev, prevExists: exists})
	s.dirtyBalances[addr] = new(big.Int).Set(amount)
}

func (s *StateDB) AddBalance(addr common.Address, amount *big.Int) {
	if amount.Sign() == 0 {
		return
	}
	s.SetBalance(addr, new(big.Int).Add(s.GetBalance(addr), amount))
}

func (s *StateDB) SubBalance(addr common.Address, amount *big.Int) error {
	if amount.Sign() == 0 {
		return nil
	}
	bal := s.GetBalance(addr)
	if bal.Cmp(amount) < 0 {
		return fmt.Errorf("%w: %s has %s, needs %s", ErrInsufficientBalance, addr.Hex(), bal, amount)
	}
	s.SetBalance(addr, bal.Sub(bal, amount))
	return nil
}

// Transfer moves amount from one address to another. Nothing changes when the
// sender cannot cover it.
func (s *StateDB) Transfer(from, to common.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() == 0 {
		return nil
	}
	if amount.Sign() < 0 {
		return fmt.Errorf("negative transfer amount %s", amount)
	}
	if err := s.SubBalance(from, amount); err != nil {
		return err
	}
	s.AddBalance(to, amount)
	return nil
}

func (s *StateDB) GetState(addr common.Address, key common.Hash) common.Hash {
	if v, ok := s.dirtyStorage[slotRef{addr, key}]; ok {
		return v
	}
	return s.committedState(addr, key)
}

func (s *StateDB) SetState(addr common.Address, key, value common.Hash) {
	ref := slotRef{addr, key}
	prev, exists := s.dirtyStorage[ref]
	s.journal.append(storageChange{addr: addr, key: key, prev: prev, prevExists: exists})
	s.dirtyStorage[ref] = value
}

// Snapshot returns an id to roll back to with RevertToSnapshot.
func (s *StateDB) Snapshot() int {
	return s.journal.snapshot()
}

// RevertToSnapshot undoes every change made after the snapshot was taken.
func (s *StateDB) RevertToSnapshot(id int) {
	if !s.journal.revertToSnapshot(id, s) {
		panic(fmt.Errorf("snapshot id %d cannot be reverted", id))
	}
}

// Discard drops every uncommitted change.
func (s *StateDB) Discard() {
	s.dirtyBalances = make(map[common.Address]*big.Int)
	s.dirtyStorage = make(map[slotRef]common.Hash)
	s.journal.reset()
	s.dbErr = nil
}

// Commit writes dirty balances and slots in one batch. Zero values are
// deleted so an account without state leaves no keys behind.
func (s *StateDB) Commit() error {
	if s.dbErr != nil {
		return s.dbErr
	}

	updates := make(map[string][]byte, len(s.dirtyBalances)+len(s.dirtyStorage))
	for addr, bal := range s.dirtyBalances {
		var v []byte
		if bal.Sign() != 0 {
			v = bal.Bytes()
		}
		updates[string(schema.BalanceKey(addr))] = v
	}
	for ref, value := range s.dirtyStorage {
		var v []byte
		if value != (common.Hash{}) {
			v = value.Bytes()
		}
		updates[string(schema.SlotKey(ref.addr, ref.key))] = v
	}

	if len(updates) > 0 {
		if err := s.db.BatchWrite(updates); err != nil {
			return fmt.Errorf("commit state: %w", err)
		}
	}

	s.Discard()
	return nil
}

// DumpStorage returns every committed non zero slot of addr.
func (s *StateDB) DumpStorage(addr common.Address) (map[common.Hash]common.Hash, error) {
	items, err := s.db.GetByPrefix(schema.SlotPrefix(addr))
	if err != nil {
		return nil, err
	}

	prefix := len(schema.SlotPrefix(addr))
	out := make(map[common.Hash]common.Hash, len(items))
	for _, item := range items {
		out[common.HexToHash(string(item.Key[prefix:]))] = common.BytesToHash(item.Value)
	}
	return out, nil
}

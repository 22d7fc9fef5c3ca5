package relayer

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/oklog/ulid/v2"

	"github.com/AvaProtocol/safe4337/storage"
	"github.com/AvaProtocol/safe4337/storage/schema"
)

type JournalStatus string

const (
	JournalPending  JournalStatus = "pending"
	JournalIncluded JournalStatus = "included"
	JournalReverted JournalStatus = "reverted"
	JournalRejected JournalStatus = "rejected"
)

// JournalEntry is one submission received by the relayer. Ids are ULIDs so
// entries list in arrival order.
type JournalEntry struct {
	ID         string         `json:"id"`
	RequestID  common.Hash    `json:"requestId"`
	Sender     common.Address `json:"sender"`
	Nonce      *hexutil.Big   `json:"nonce"`
	Status     JournalStatus  `json:"status"`
	Error      string         `json:"error,omitempty"`
	ReceivedAt time.Time      `json:"receivedAt"`
}

type Journal struct {
	db storage.Storage
}

func NewJournal(db storage.Storage) *Journal {
	return &Journal{db: db}
}

// Open records a new pending submission.
func (j *Journal) Open(requestID common.Hash, sender common.Address, nonce *hexutil.Big) (*JournalEntry, error) {
	entry := &JournalEntry{
		ID:         ulid.Make().String(),
		RequestID:  requestID,
		Sender:     sender,
		Nonce:      nonce,
		Status:     JournalPending,
		ReceivedAt: time.Now().UTC(),
	}
	return entry, j.put(entry)
}

// Close stores the final status of entry.
func (j *Journal) Close(entry *JournalEntry, status JournalStatus, cause error) error {
	entry.Status = status
	if cause != nil {
		entry.Error = cause.Error()
	}
	return j.put(entry)
}

func (j *Journal) Get(id string) (*JournalEntry, error) {
	raw, err := j.db.GetKey(schema.JournalKey(id))
	if err != nil {
		return nil, err
	}
	var entry JournalEntry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return nil, fmt.Errorf("decode journal entry %s: %w", id, err)
	}
	return &entry, nil
}

// List returns every entry, oldest first.
func (j *Journal) List() ([]*JournalEntry, error) {
	return ListJournal(j.db)
}

// ListJournal reads the journal straight from db, for tools that do not run a
// relayer.
func ListJournal(db storage.Storage) ([]*JournalEntry, error) {
	items, err := db.GetByPrefix(schema.JournalPrefix())
	if err != nil {
		return nil, err
	}

	entries := make([]*JournalEntry, 0, len(items))
	for _, item := range items {
		var entry JournalEntry
		if err := json.Unmarshal(item.Value, &entry); err != nil {
			return nil, fmt.Errorf("decode journal entry %s: %w", item.Key, err)
		}
		entries = append(entries, &entry)
	}
	return entries, nil
}

func (j *Journal) put(entry *JournalEntry) error {
	raw, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	return j.db.Set(schema.JournalKey(entry.ID), raw)
}

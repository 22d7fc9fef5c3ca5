package schema

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// Key layout. Addresses and hashes are lower case hex so keys sort and scan
// predictably with GetByPrefix.
//
// b:<account>               native balance
// s:<account>:<slot>        storage slot of an account
// r:<requestId>             user operation receipt
// j:<ulid>                  relayer submission journal
// ct:<name>                 counters
// migration:<name>          applied ledger migrations

// BalanceKey is the storage key holding the balance of account
func BalanceKey(account common.Address) []byte {
	return []byte(fmt.Sprintf("b:%s", strings.ToLower(account.Hex())))
}

// SlotKey is the storage key of one storage slot of account
func SlotKey(account common.Address, slot common.Hash) []byte {
	return []byte(fmt.Sprintf("s:%s:%s", strings.ToLower(account.Hex()), slot.Hex()))
}

// SlotPrefix lists every slot written for account
func SlotPrefix(account common.Address) []byte {
	return []byte(fmt.Sprintf("s:%s:", strings.ToLower(account.Hex())))
}

func ReceiptKey(requestID common.Hash) []byte {
	return []byte(fmt.Sprintf("r:%s", requestID.Hex()))
}

func ReceiptPrefix() []byte {
	return []byte("r:")
}

func JournalKey(id string) []byte {
	return []byte(fmt.Sprintf("j:%s", id))
}

func JournalPrefix() []byte {
	return []byte("j:")
}

func CounterKey(name string) []byte {
	return []byte(fmt.Sprintf("ct:%s", name))
}

func MigrationKey(name string) []byte {
	return []byte(fmt.Sprintf("migration:%s", name))
}

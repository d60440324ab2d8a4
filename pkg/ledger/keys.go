package ledger

import (
	"github.com/luxfi/perps/pkg/perp"
	"github.com/luxfi/perps/pkg/signer"
)

// Key names one lockable, persistable record. Operations declare the keys
// they read and write; the runtime locks them in sorted order and snapshots
// the write set before applying.
type Key string

const (
	// KeyDex is the root exchange record.
	KeyDex Key = "dex"
	// KeyPriceFeed is the ring-buffer price feed record.
	KeyPriceFeed Key = "feed"
	// KeyTokens is the token account bank.
	KeyTokens Key = "tokens"
	// KeyOracles is the oracle quote book.
	KeyOracles Key = "oracles"

	userKeyPrefix = "user/"
)

// UserKey names the user state record stored at addr.
func UserKey(addr perp.Address) Key {
	return Key(userKeyPrefix + addr.String())
}

// UserStateAddress derives the record address of the user state for
// (dex, owner). One owner gets exactly one record per deployment.
func UserStateAddress(dexKey, owner perp.Address) perp.Address {
	return perp.Address(signer.Derive(0, []byte("user-state"), dexKey[:], owner[:]))
}

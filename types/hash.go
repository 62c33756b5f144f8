package types

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/tendermint/tendermint/crypto"
	"github.com/tendermint/tendermint/crypto/ed25519"
	"github.com/tendermint/tendermint/crypto/tmhash"
)

const HashSize = tmhash.Size

// Hash 区块、投票的摘要，同时也作为root使用
type Hash [HashSize]byte

var ZeroHash = Hash{}

func HashFromBytes(b []byte) (Hash, error) {
	var h Hash
	if len(b) != HashSize {
		return h, fmt.Errorf("wrong hash size, expected %d, got %d", HashSize, len(b))
	}
	copy(h[:], b)
	return h, nil
}

func HashFromHex(s string) (Hash, error) {
	b, err := hex.DecodeString(strings.TrimPrefix(s, "0x"))
	if err != nil {
		return ZeroHash, err
	}
	return HashFromBytes(b)
}

func (h Hash) IsZero() bool {
	return h == ZeroHash
}

func (h Hash) Bytes() []byte {
	return h[:]
}

// Less 按字节序比较，用于tally平票时的决胜规则
func (h Hash) Less(other Hash) bool {
	return bytes.Compare(h[:], other[:]) < 0
}

func (h Hash) String() string {
	return strings.ToUpper(hex.EncodeToString(h[:]))
}

// AsAccount 把send区块的link解释为目标账户
func (h Hash) AsAccount() Account {
	return Account(h)
}

func (h Hash) MarshalJSON() ([]byte, error) {
	return []byte(`"` + h.String() + `"`), nil
}

func (h *Hash) UnmarshalJSON(data []byte) error {
	parsed, err := HashFromHex(strings.Trim(string(data), `"`))
	if err != nil {
		return err
	}
	*h = parsed
	return nil
}

// Account 账户即ed25519公钥
type Account [ed25519.PubKeySize]byte

var ZeroAccount = Account{}

func AccountFromPubKey(pub crypto.PubKey) Account {
	var a Account
	copy(a[:], pub.Bytes())
	return a
}

func (a Account) PubKey() crypto.PubKey {
	return ed25519.PubKey(a[:])
}

func (a Account) IsZero() bool {
	return a == ZeroAccount
}

func (a Account) Bytes() []byte {
	return a[:]
}

// AsHash 用于open区块的root以及send区块的link
func (a Account) AsHash() Hash {
	return Hash(a)
}

func (a Account) String() string {
	return "lat_" + strings.ToUpper(hex.EncodeToString(a[:]))
}

func (a Account) MarshalJSON() ([]byte, error) {
	return Hash(a).MarshalJSON()
}

func (a *Account) UnmarshalJSON(data []byte) error {
	s := strings.TrimPrefix(strings.Trim(string(data), `"`), "lat_")
	h, err := HashFromHex(s)
	if err != nil {
		return err
	}
	*a = Account(h)
	return nil
}

func AccountFromString(s string) (Account, error) {
	h, err := HashFromHex(strings.TrimPrefix(s, "lat_"))
	return Account(h), err
}

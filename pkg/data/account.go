package data

import (
	"bytes"
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"

	"golang.org/x/crypto/blake2b"
)

// AccountLength is the size of an account identifier in bytes (160 bits).
const AccountLength = 20

// Account identifies a participant on the host ledger.
type Account [AccountLength]byte

// Amount is a quantity of base currency units.
type Amount uint64

// ZeroAccount is the protocol's own identity, used for system-initiated actions.
var ZeroAccount Account

// ParseAccount decodes a hex account, with or without a 0x prefix.
func ParseAccount(s string) (Account, error) {
	var a Account
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	raw, err := hex.DecodeString(s)
	if err != nil {
		return a, NewValidationError("account", ErrInvalidAccount, "decoding %q: %v", s, err)
	}
	if len(raw) != AccountLength {
		return a, NewValidationError("account", ErrInvalidAccount, "expected %d bytes, got %d", AccountLength, len(raw))
	}
	copy(a[:], raw)
	return a, nil
}

// MustParseAccount is ParseAccount for constants and tests.
func MustParseAccount(s string) Account {
	a, err := ParseAccount(s)
	if err != nil {
		panic(err)
	}
	return a
}

// AccountFromPublicKey derives the account controlled by an ed25519 key.
func AccountFromPublicKey(pub ed25519.PublicKey) Account {
	sum := blake2b.Sum256(pub)
	var a Account
	copy(a[:], sum[:AccountLength])
	return a
}

func (a Account) String() string {
	return hex.EncodeToString(a[:])
}

// Short returns an abbreviated form for log fields.
func (a Account) Short() string {
	return hex.EncodeToString(a[:4])
}

func (a Account) IsZero() bool {
	return a == ZeroAccount
}

// Less orders accounts bytewise.
func (a Account) Less(b Account) bool {
	return bytes.Compare(a[:], b[:]) < 0
}

func (a Account) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

func (a *Account) UnmarshalText(text []byte) error {
	parsed, err := ParseAccount(string(text))
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

// SortAccounts sorts in place and returns the slice.
func SortAccounts(accounts []Account) []Account {
	sort.Slice(accounts, func(i, j int) bool { return accounts[i].Less(accounts[j]) })
	return accounts
}

// AccountSet is an unordered set of accounts.
type AccountSet map[Account]struct{}

func NewAccountSet(accounts ...Account) AccountSet {
	s := make(AccountSet, len(accounts))
	for _, a := range accounts {
		s[a] = struct{}{}
	}
	return s
}

func (s AccountSet) Add(a Account) { s[a] = struct{}{} }

func (s AccountSet) Has(a Account) bool {
	_, ok := s[a]
	return ok
}

// Sorted returns the members in canonical order.
func (s AccountSet) Sorted() []Account {
	out := make([]Account, 0, len(s))
	for a := range s {
		out = append(out, a)
	}
	return SortAccounts(out)
}

func (a Amount) String() string {
	return fmt.Sprintf("%d", uint64(a))
}

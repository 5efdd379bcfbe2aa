package sol

import (
	"encoding/binary"
	"fmt"
	"strings"
	"time"

	"github.com/gagliardetto/solana-go"
)

const (
	// TokenAccountSize is the fixed size of an SPL token account.
	TokenAccountSize = 165

	// ATARentLamports is the rent-exempt minimum of an associated token account.
	ATARentLamports uint64 = 2_039_280

	tokenOwnerOffset         = 32
	tokenAmountOffset        = 64
	tokenStateOffset         = 108
	tokenStateFrozen         = 2
	closeAuthorityFlagOffset = 129
	closeAuthorityOffset     = 130

	// Slot-based time estimate used when a transaction carries no block time.
	slotEstimateBaseUnix = 1_600_000_000
	slotDurationMillis   = 400
)

// AccountKind is the closed set of account variants.
type AccountKind uint8

const (
	KindSystem AccountKind = iota + 1
	KindSplToken
	KindOther
)

// AccountType is a classified account variant. ProgramID is set only for KindOther.
type AccountType struct {
	Kind      AccountKind
	ProgramID solana.PublicKey
}

func SystemAccount() AccountType   { return AccountType{Kind: KindSystem} }
func SplTokenAccount() AccountType { return AccountType{Kind: KindSplToken} }

func OtherAccount(programID solana.PublicKey) AccountType {
	return AccountType{Kind: KindOther, ProgramID: programID}
}

func (t AccountType) String() string {
	switch t.Kind {
	case KindSystem:
		return "System"
	case KindSplToken:
		return "SplToken"
	case KindOther:
		return fmt.Sprintf("Other(%s)", t.ProgramID)
	default:
		return "Unclassified"
	}
}

// ParseAccountType parses the String form of an AccountType.
func ParseAccountType(s string) (AccountType, error) {
	switch {
	case s == "System":
		return SystemAccount(), nil
	case s == "SplToken":
		return SplTokenAccount(), nil
	case strings.HasPrefix(s, "Other(") && strings.HasSuffix(s, ")"):
		raw := strings.TrimSuffix(strings.TrimPrefix(s, "Other("), ")")
		pk, err := solana.PublicKeyFromBase58(raw)
		if err != nil {
			return AccountType{}, &ParseError{Input: s, Err: err}
		}
		return OtherAccount(pk), nil
	}
	return AccountType{}, &ParseError{Input: s, Err: fmt.Errorf("unknown account type")}
}

// Classify derives an AccountType from an account's live owner and data length.
func Classify(owner solana.PublicKey, dataLen int) AccountType {
	switch {
	case owner.Equals(solana.TokenProgramID) && dataLen == TokenAccountSize:
		return SplTokenAccount()
	case owner.Equals(solana.SystemProgramID):
		return SystemAccount()
	default:
		return OtherAccount(owner)
	}
}

// ReclaimStrategy is the persisted label describing the operator's ability to reclaim.
type ReclaimStrategy string

const (
	StrategyActiveReclaim     ReclaimStrategy = "ActiveReclaim"
	StrategyPassiveMonitoring ReclaimStrategy = "PassiveMonitoring"
	StrategyUnrecoverable     ReclaimStrategy = "Unrecoverable"
	StrategyUnknown           ReclaimStrategy = "Unknown"
)

func (s ReclaimStrategy) Valid() bool {
	switch s {
	case StrategyActiveReclaim, StrategyPassiveMonitoring, StrategyUnrecoverable, StrategyUnknown:
		return true
	}
	return false
}

// TokenAccount holds the fields of the token layout that reclaim decisions read.
type TokenAccount struct {
	Owner          solana.PublicKey
	Amount         uint64
	State          uint8
	CloseAuthority *solana.PublicKey
}

// ParseTokenAccount decodes the fixed-offset fields of a token account.
func ParseTokenAccount(data []byte) (*TokenAccount, error) {
	if len(data) < TokenAccountSize {
		return nil, &ParseError{
			Input: "token account",
			Err:   fmt.Errorf("data length %d, want %d", len(data), TokenAccountSize),
		}
	}
	acct := &TokenAccount{
		Owner:  solana.PublicKeyFromBytes(data[tokenOwnerOffset : tokenOwnerOffset+32]),
		Amount: binary.LittleEndian.Uint64(data[tokenAmountOffset : tokenAmountOffset+8]),
		State:  data[tokenStateOffset],
	}
	if data[closeAuthorityFlagOffset] != 0 {
		pk := solana.PublicKeyFromBytes(data[closeAuthorityOffset : closeAuthorityOffset+32])
		acct.CloseAuthority = &pk
	}
	return acct, nil
}

// Authority returns the key allowed to close the account: the close authority if set, else the owner.
func (a *TokenAccount) Authority() solana.PublicKey {
	if a.CloseAuthority != nil {
		return *a.CloseAuthority
	}
	return a.Owner
}

func (a *TokenAccount) Frozen() bool {
	return a.State == tokenStateFrozen
}

// EstimateSlotTime derives a deterministic timestamp from a slot number.
func EstimateSlotTime(slot uint64) time.Time {
	return time.UnixMilli(slotEstimateBaseUnix*1000 + int64(slot)*slotDurationMillis).UTC()
}

// EncodeTokenAccount lays out the fields read by ParseTokenAccount into a token account buffer.
func EncodeTokenAccount(a TokenAccount) []byte {
	data := make([]byte, TokenAccountSize)
	copy(data[tokenOwnerOffset:], a.Owner[:])
	binary.LittleEndian.PutUint64(data[tokenAmountOffset:], a.Amount)
	data[tokenStateOffset] = a.State
	if a.CloseAuthority != nil {
		data[closeAuthorityFlagOffset] = 1
		copy(data[closeAuthorityOffset:], a.CloseAuthority[:])
	}
	return data
}

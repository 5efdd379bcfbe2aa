package store

import (
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/google/uuid"

	"github.com/malbeclabs/reclaimer/reclaimer/pkg/sol"
)

// Status tracks an account's on-chain lifecycle.
type Status string

const (
	StatusActive    Status = "Active"
	StatusClosed    Status = "Closed"
	StatusReclaimed Status = "Reclaimed"
)

func (s Status) Valid() bool {
	switch s {
	case StatusActive, StatusClosed, StatusReclaimed:
		return true
	}
	return false
}

// Confidence grades an inferred passive-reclaim attribution.
type Confidence string

const (
	ConfidenceHigh    Confidence = "High"
	ConfidenceMedium  Confidence = "Medium"
	ConfidenceLow     Confidence = "Low"
	ConfidenceUnknown Confidence = "Unknown"
)

// Account is the persisted record of a sponsored account. Status and ReclaimStrategy are
// independent: status follows the chain, strategy follows operator capability.
type Account struct {
	Address           solana.PublicKey
	AccountType       sol.AccountType
	CreatedAt         time.Time
	ClosedAt          *time.Time
	RentLamports      uint64
	DataSize          uint64
	Status            Status
	CreationSignature string
	CreationSlot      *uint64
	CloseAuthority    *solana.PublicKey
	ReclaimStrategy   *sol.ReclaimStrategy
}

// AccountFilter selects accounts in ListAccounts. Zero fields do not filter.
type AccountFilter struct {
	Status      Status
	Strategy    sol.ReclaimStrategy
	ClosedSince *time.Time
	MinRent     uint64
	MaxRent     uint64
	Limit       int
}

// ReclaimOperation is a confirmed active reclaim.
type ReclaimOperation struct {
	ID        int64
	Address   solana.PublicKey
	Amount    uint64
	Signature string
	Reason    string
	CreatedAt time.Time
}

// PassiveReclaim is an append-only observation of an attributed treasury increase.
type PassiveReclaim struct {
	ID                 uuid.UUID
	Amount             uint64
	AttributedAccounts []solana.PublicKey
	Confidence         Confidence
	CreatedAt          time.Time
}

// Checkpoint is the incremental scan cursor plus the last observed treasury balance.
type Checkpoint struct {
	LastSignature   string
	LastSlot        uint64
	TreasuryBalance *uint64
	UpdatedAt       time.Time

	// An incremental scan that ran out of budget leaves the cursor in place and records where to
	// continue (ResumeBefore) and the signature the cursor moves to once the gap is closed.
	ResumeBefore    string
	ResumeSignature string
	ResumeSlot      uint64
}

// CheckpointEntry is a raw key/value checkpoint row.
type CheckpointEntry struct {
	Key       string
	Value     string
	UpdatedAt time.Time
}

// Stats summarizes persisted state.
type Stats struct {
	TotalAccounts         int64
	ActiveAccounts        int64
	ClosedAccounts        int64
	ReclaimedAccounts     int64
	TotalOperations       int64
	TotalReclaimed        uint64
	AverageReclaim        uint64
	TotalPassiveReclaimed uint64
	PassiveReclaimRecords int64
	LockedRentActive      uint64
	AccountsByStrategy    map[sol.ReclaimStrategy]int64
}

package server

import (
	"time"

	"github.com/malbeclabs/reclaimer/reclaimer/pkg/store"
)

type ErrorResponse struct {
	Error string `json:"error"`
}

type StatsResponse struct {
	TotalAccounts         int64            `json:"totalAccounts"`
	ActiveAccounts        int64            `json:"activeAccounts"`
	ClosedAccounts        int64            `json:"closedAccounts"`
	ReclaimedAccounts     int64            `json:"reclaimedAccounts"`
	TotalOperations       int64            `json:"totalOperations"`
	TotalReclaimed        uint64           `json:"totalReclaimedLamports"`
	AverageReclaim        uint64           `json:"averageReclaimLamports"`
	TotalPassiveReclaimed uint64           `json:"totalPassiveReclaimedLamports"`
	PassiveReclaimRecords int64            `json:"passiveReclaimRecords"`
	LockedRentActive      uint64           `json:"lockedRentActiveLamports"`
	AccountsByStrategy    map[string]int64 `json:"accountsByStrategy"`
}

type CheckpointResponse struct {
	LastSignature   string     `json:"lastSignature,omitempty"`
	LastSlot        uint64     `json:"lastSlot"`
	TreasuryBalance *uint64    `json:"treasuryBalanceLamports,omitempty"`
	UpdatedAt       *time.Time `json:"updatedAt,omitempty"`
}

type AccountResponse struct {
	Address           string     `json:"address"`
	AccountType       string     `json:"accountType"`
	Status            string     `json:"status"`
	ReclaimStrategy   string     `json:"reclaimStrategy,omitempty"`
	CloseAuthority    string     `json:"closeAuthority,omitempty"`
	RentLamports      uint64     `json:"rentLamports"`
	DataSize          uint64     `json:"dataSize"`
	CreatedAt         time.Time  `json:"createdAt"`
	ClosedAt          *time.Time `json:"closedAt,omitempty"`
	CreationSignature string     `json:"creationSignature,omitempty"`
	CreationSlot      *uint64    `json:"creationSlot,omitempty"`
}

type OperationResponse struct {
	ID        int64     `json:"id"`
	Address   string    `json:"address"`
	Amount    uint64    `json:"amountLamports"`
	Signature string    `json:"signature"`
	Reason    string    `json:"reason"`
	CreatedAt time.Time `json:"createdAt"`
}

type PassiveResponse struct {
	ID                 string    `json:"id"`
	Amount             uint64    `json:"amountLamports"`
	AttributedAccounts []string  `json:"attributedAccounts"`
	Confidence         string    `json:"confidence"`
	CreatedAt          time.Time `json:"createdAt"`
}

func toStatsResponse(st store.Stats) StatsResponse {
	by := make(map[string]int64, len(st.AccountsByStrategy))
	for k, v := range st.AccountsByStrategy {
		by[string(k)] = v
	}
	return StatsResponse{
		TotalAccounts:         st.TotalAccounts,
		ActiveAccounts:        st.ActiveAccounts,
		ClosedAccounts:        st.ClosedAccounts,
		ReclaimedAccounts:     st.ReclaimedAccounts,
		TotalOperations:       st.TotalOperations,
		TotalReclaimed:        st.TotalReclaimed,
		AverageReclaim:        st.AverageReclaim,
		TotalPassiveReclaimed: st.TotalPassiveReclaimed,
		PassiveReclaimRecords: st.PassiveReclaimRecords,
		LockedRentActive:      st.LockedRentActive,
		AccountsByStrategy:    by,
	}
}

func toAccountResponse(a store.Account) AccountResponse {
	out := AccountResponse{
		Address:           a.Address.String(),
		AccountType:       a.AccountType.String(),
		Status:            string(a.Status),
		RentLamports:      a.RentLamports,
		DataSize:          a.DataSize,
		CreatedAt:         a.CreatedAt,
		ClosedAt:          a.ClosedAt,
		CreationSignature: a.CreationSignature,
		CreationSlot:      a.CreationSlot,
	}
	if a.ReclaimStrategy != nil {
		out.ReclaimStrategy = string(*a.ReclaimStrategy)
	}
	if a.CloseAuthority != nil {
		out.CloseAuthority = a.CloseAuthority.String()
	}
	return out
}

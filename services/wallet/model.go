package wallet

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"time"
)

type WalletStatus string

const (
	StatusActive WalletStatus = "active"
	// StatusFrozen marks a wallet whose cached balance diverged from its
	// transaction log. Frozen wallets refuse all further mutation until an
	// operator intervenes.
	StatusFrozen WalletStatus = "frozen"
)

// TransactionType is the flow direction of a ledger entry.
type TransactionType string

const (
	TypeEarn  TransactionType = "earn"
	TypeSpend TransactionType = "spend"
)

// SourceType distinguishes the logical operation behind an entry.
const (
	SourceTaskReward         = "task_reward"
	SourceRedemptionReserve  = "redemption_reserve"
	SourceRedemptionFinalize = "redemption_finalize"
	SourceRedemptionRefund   = "redemption_refund"
)

// Wallet is the derived per-user aggregate. balance always equals
// total_earned - total_spent, and both track the transaction log exactly.
type Wallet struct {
	ID          string       `gorm:"column:id;primaryKey" json:"id"`
	UserID      string       `gorm:"column:user_id;uniqueIndex;not null" json:"user_id"`
	Balance     int64        `gorm:"column:balance;not null;default:0" json:"balance"`
	TotalEarned int64        `gorm:"column:total_earned;not null;default:0" json:"total_earned"`
	TotalSpent  int64        `gorm:"column:total_spent;not null;default:0" json:"total_spent"`
	XP          int64        `gorm:"column:xp;not null;default:0" json:"xp"`
	Status      WalletStatus `gorm:"column:status;type:varchar(10);not null;default:'active'" json:"status"`
	CreatedAt   time.Time    `gorm:"column:created_at;autoCreateTime" json:"created_at"`
	UpdatedAt   time.Time    `gorm:"column:updated_at;autoUpdateTime" json:"updated_at"`
}

func (Wallet) TableName() string {
	return "wallets"
}

// WalletTransaction is an append-only, hash-chained ledger entry. Amount is
// signed: earns are positive, spends negative. Finalization markers carry a
// zero amount; the balance effect of their reservation already applied.
type WalletTransaction struct {
	ID           string          `gorm:"column:id;primaryKey" json:"id"`
	UserID       string          `gorm:"column:user_id;index;not null" json:"user_id"`
	Type         TransactionType `gorm:"column:type;type:varchar(10);not null" json:"type"`
	Amount       int64           `gorm:"column:amount;not null" json:"amount"`
	BalanceAfter int64           `gorm:"column:balance_after;not null" json:"balance_after"`
	SourceType   string          `gorm:"column:source_type;not null" json:"source_type"`
	SourceID     string          `gorm:"column:source_id;index" json:"source_id"`
	ReferenceID  string          `gorm:"column:reference_id;uniqueIndex;not null" json:"reference_id"`
	Description  string          `gorm:"column:description" json:"description"`
	PreviousHash string          `gorm:"column:previous_hash" json:"previous_hash"`
	Hash         string          `gorm:"column:hash" json:"hash"`
	CreatedAt    time.Time       `gorm:"column:created_at;autoCreateTime" json:"created_at"`
}

func (WalletTransaction) TableName() string {
	return "wallet_transactions"
}

func (t *WalletTransaction) HashFields() map[string]string {
	return map[string]string{
		"id":            t.ID,
		"user_id":       t.UserID,
		"type":          string(t.Type),
		"amount":        fmt.Sprintf("%d", t.Amount),
		"balance_after": fmt.Sprintf("%d", t.BalanceAfter),
		"source_type":   t.SourceType,
		"source_id":     t.SourceID,
		"reference_id":  t.ReferenceID,
		"previous_hash": t.PreviousHash,
	}
}

// GenerateHash computes the chain hash over the entry's stable fields.
func (t *WalletTransaction) GenerateHash() string {
	fields := t.HashFields()
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%s", k, fields[k]))
	}

	sum := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(sum[:])
}

const genesisHash = "GENESIS"

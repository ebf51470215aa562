package wallet

import (
	"context"
	"errors"
	"fmt"

	"educoin-engine/pkg/db/option"
	"educoin-engine/pkg/errutil"
	"educoin-engine/pkg/repository"

	"github.com/bwmarrin/snowflake"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// ConsistencyError reports a divergence between a wallet's cached balance and
// the balance recomputed from its transaction log. It is fatal for the
// affected wallet: the caller must freeze it and surface the error.
type ConsistencyError struct {
	UserID   string
	Cached   int64
	Computed int64
}

func (e *ConsistencyError) Error() string {
	return fmt.Sprintf("wallet %s: cached balance %d diverged from ledger sum %d", e.UserID, e.Cached, e.Computed)
}

// IsConsistency reports whether err carries a ledger consistency failure.
func IsConsistency(err error) bool {
	var ce *ConsistencyError
	return errors.As(err, &ce)
}

type Service struct {
	db   *gorm.DB
	node *snowflake.Node

	wallets repository.Repository[Wallet]
	entries repository.Repository[WalletTransaction]
}

type ServiceParams struct {
	fx.In
	DB   *gorm.DB
	Node *snowflake.Node
}

func NewService(p ServiceParams) *Service {
	return &Service{
		db:   p.DB,
		node: p.Node,

		wallets: repository.ProvideStore[Wallet](p.DB),
		entries: repository.ProvideStore[WalletTransaction](p.DB),
	}
}

// ReserveReference derives the idempotency key of a redemption's reservation.
func ReserveReference(redemptionID string) string {
	return fmt.Sprintf("redemption:%s:reserve", redemptionID)
}

func finalizeReference(redemptionID string) string {
	return fmt.Sprintf("redemption:%s:finalize", redemptionID)
}

func reverseReference(redemptionID string) string {
	return fmt.Sprintf("redemption:%s:reverse", redemptionID)
}

// CreditReference derives the idempotency key of a task reward credit.
func CreditReference(userTaskID string) string {
	return fmt.Sprintf("task:%s:reward", userTaskID)
}

type CreditInput struct {
	UserID      string
	Amount      int64
	XP          int64
	SourceID    string
	Reference   string
	Description string
}

// Credit appends an earn entry. The operation is idempotent per Reference:
// replaying it returns the previously written entry without a second credit.
func (s *Service) Credit(ctx context.Context, in CreditInput) (*WalletTransaction, error) {
	var entry *WalletTransaction
	err := s.db.Transaction(func(tx *gorm.DB) error {
		var txErr error
		entry, txErr = s.CreditInTx(ctx, tx, in)
		return txErr
	})
	return entry, s.ResolveLedgerError(ctx, in.UserID, err)
}

// CreditInTx is Credit running inside a caller-owned transaction, so a task
// status write and its reward credit commit as one atomic unit. The caller
// must pass the transaction error through ResolveLedgerError.
func (s *Service) CreditInTx(ctx context.Context, tx *gorm.DB, in CreditInput) (*WalletTransaction, error) {
	if in.Amount < 0 || in.XP < 0 {
		return nil, errutil.ValidationFailed("credit amounts must not be negative")
	}
	if in.Reference == "" {
		return nil, errutil.ValidationFailed("credit reference is required")
	}

	w, err := s.lockWallet(ctx, tx, in.UserID, true)
	if err != nil {
		return nil, err
	}

	if existing, err := s.entries.WithTrx(tx).FindOne(ctx, &WalletTransaction{ReferenceID: in.Reference}); err != nil {
		return nil, err
	} else if existing != nil {
		return existing, nil
	}

	entry, err := s.appendEntry(ctx, tx, w, &WalletTransaction{
		UserID:      in.UserID,
		Type:        TypeEarn,
		Amount:      in.Amount,
		SourceType:  SourceTaskReward,
		SourceID:    in.SourceID,
		ReferenceID: in.Reference,
		Description: in.Description,
	})
	if err != nil {
		return nil, err
	}

	updates := map[string]any{
		"balance":      w.Balance + in.Amount,
		"total_earned": w.TotalEarned + in.Amount,
		"xp":           w.XP + in.XP,
	}
	if err := tx.Model(&Wallet{}).Where("id = ?", w.ID).Updates(updates).Error; err != nil {
		return nil, err
	}

	return entry, s.checkConsistency(ctx, tx, in.UserID, w.Balance+in.Amount)
}

// Reserve holds coins against a pending redemption. The hold is a spend
// entry; reversing it later appends a compensating earn.
func (s *Service) Reserve(ctx context.Context, userID string, amount int64, redemptionID string) (*WalletTransaction, error) {
	var entry *WalletTransaction
	err := s.db.Transaction(func(tx *gorm.DB) error {
		var txErr error
		entry, txErr = s.ReserveInTx(ctx, tx, userID, amount, redemptionID)
		return txErr
	})
	return entry, s.ResolveLedgerError(ctx, userID, err)
}

func (s *Service) ReserveInTx(ctx context.Context, tx *gorm.DB, userID string, amount int64, redemptionID string) (*WalletTransaction, error) {
	if amount <= 0 {
		return nil, errutil.ValidationFailed("reserve amount must be positive")
	}

	w, err := s.lockWallet(ctx, tx, userID, false)
	if err != nil {
		return nil, err
	}

	ref := ReserveReference(redemptionID)
	if existing, err := s.entries.WithTrx(tx).FindOne(ctx, &WalletTransaction{ReferenceID: ref}); err != nil {
		return nil, err
	} else if existing != nil {
		return existing, nil
	}

	if amount > w.Balance {
		return nil, errutil.UnprocessableEntity("insufficient balance",
			errutil.WithDetails(errutil.Detail{Field: "amount", Message: fmt.Sprintf("requested %d, available %d", amount, w.Balance)}))
	}

	entry, err := s.appendEntry(ctx, tx, w, &WalletTransaction{
		UserID:      userID,
		Type:        TypeSpend,
		Amount:      -amount,
		SourceType:  SourceRedemptionReserve,
		SourceID:    redemptionID,
		ReferenceID: ref,
		Description: fmt.Sprintf("Reserved %d coins for redemption %s", amount, redemptionID),
	})
	if err != nil {
		return nil, err
	}

	updates := map[string]any{
		"balance":     w.Balance - amount,
		"total_spent": w.TotalSpent + amount,
	}
	if err := tx.Model(&Wallet{}).Where("id = ?", w.ID).Updates(updates).Error; err != nil {
		return nil, err
	}

	return entry, s.checkConsistency(ctx, tx, userID, w.Balance-amount)
}

// Finalize converts a reservation into a permanent spend. The balance effect
// already applied at reservation time; the marker entry records the capture
// and guards against a later reversal.
func (s *Service) Finalize(ctx context.Context, redemptionID string) error {
	var userID string
	err := s.db.Transaction(func(tx *gorm.DB) error {
		var txErr error
		userID, txErr = s.FinalizeInTx(ctx, tx, redemptionID)
		return txErr
	})
	return s.ResolveLedgerError(ctx, userID, err)
}

func (s *Service) FinalizeInTx(ctx context.Context, tx *gorm.DB, redemptionID string) (string, error) {
	reserve, err := s.entries.WithTrx(tx).FindOne(ctx, &WalletTransaction{ReferenceID: ReserveReference(redemptionID)})
	if err != nil {
		return "", err
	}
	if reserve == nil {
		return "", errutil.NotFound("no reservation found for redemption")
	}

	w, err := s.lockWallet(ctx, tx, reserve.UserID, false)
	if err != nil {
		return reserve.UserID, err
	}

	if reversed, err := s.entries.WithTrx(tx).FindOne(ctx, &WalletTransaction{ReferenceID: reverseReference(redemptionID)}); err != nil {
		return reserve.UserID, err
	} else if reversed != nil {
		return reserve.UserID, errutil.Conflict("reservation already reversed")
	}

	if finalized, err := s.entries.WithTrx(tx).FindOne(ctx, &WalletTransaction{ReferenceID: finalizeReference(redemptionID)}); err != nil {
		return reserve.UserID, err
	} else if finalized != nil {
		return reserve.UserID, nil
	}

	if _, err := s.appendEntry(ctx, tx, w, &WalletTransaction{
		UserID:      reserve.UserID,
		Type:        TypeSpend,
		Amount:      0,
		SourceType:  SourceRedemptionFinalize,
		SourceID:    redemptionID,
		ReferenceID: finalizeReference(redemptionID),
		Description: fmt.Sprintf("Finalized spend of %d coins for redemption %s", -reserve.Amount, redemptionID),
	}); err != nil {
		return reserve.UserID, err
	}

	return reserve.UserID, s.checkConsistency(ctx, tx, reserve.UserID, w.Balance)
}

// Reverse refunds a reservation with a compensating earn, restoring the
// learner's balance after a rejection or expiry.
func (s *Service) Reverse(ctx context.Context, redemptionID string) error {
	var userID string
	err := s.db.Transaction(func(tx *gorm.DB) error {
		var txErr error
		userID, txErr = s.ReverseInTx(ctx, tx, redemptionID)
		return txErr
	})
	return s.ResolveLedgerError(ctx, userID, err)
}

func (s *Service) ReverseInTx(ctx context.Context, tx *gorm.DB, redemptionID string) (string, error) {
	reserve, err := s.entries.WithTrx(tx).FindOne(ctx, &WalletTransaction{ReferenceID: ReserveReference(redemptionID)})
	if err != nil {
		return "", err
	}
	if reserve == nil {
		return "", errutil.NotFound("no reservation found for redemption")
	}

	w, err := s.lockWallet(ctx, tx, reserve.UserID, false)
	if err != nil {
		return reserve.UserID, err
	}

	if finalized, err := s.entries.WithTrx(tx).FindOne(ctx, &WalletTransaction{ReferenceID: finalizeReference(redemptionID)}); err != nil {
		return reserve.UserID, err
	} else if finalized != nil {
		return reserve.UserID, errutil.Conflict("reservation already finalized")
	}

	if reversed, err := s.entries.WithTrx(tx).FindOne(ctx, &WalletTransaction{ReferenceID: reverseReference(redemptionID)}); err != nil {
		return reserve.UserID, err
	} else if reversed != nil {
		return reserve.UserID, nil
	}

	amount := -reserve.Amount
	if _, err := s.appendEntry(ctx, tx, w, &WalletTransaction{
		UserID:      reserve.UserID,
		Type:        TypeEarn,
		Amount:      amount,
		SourceType:  SourceRedemptionRefund,
		SourceID:    redemptionID,
		ReferenceID: reverseReference(redemptionID),
		Description: fmt.Sprintf("Refunded %d coins for redemption %s", amount, redemptionID),
	}); err != nil {
		return reserve.UserID, err
	}

	updates := map[string]any{
		"balance":     w.Balance + amount,
		"total_spent": w.TotalSpent - amount,
	}
	if err := tx.Model(&Wallet{}).Where("id = ?", w.ID).Updates(updates).Error; err != nil {
		return reserve.UserID, err
	}

	return reserve.UserID, s.checkConsistency(ctx, tx, reserve.UserID, w.Balance+amount)
}

// GetWallet returns the user's aggregate. Users who never earned anything
// get an empty active wallet rather than a not-found error.
func (s *Service) GetWallet(ctx context.Context, userID string) (*Wallet, error) {
	w, err := s.wallets.FindOne(ctx, &Wallet{UserID: userID})
	if err != nil {
		return nil, errutil.Internal("failed to query wallet", errutil.WithErr(err))
	}
	if w == nil {
		return &Wallet{UserID: userID, Status: StatusActive}, nil
	}
	return w, nil
}

func (s *Service) ListTransactions(ctx context.Context, userID string, opts ...option.QueryOption) ([]*WalletTransaction, error) {
	opts = append(opts, option.WithSortBy(option.QuerySortBy{
		SortBy:  "created_at",
		OrderBy: "asc",
		Allow:   map[string]bool{"created_at": true},
	}))
	entries, err := s.entries.Find(ctx, &WalletTransaction{UserID: userID}, opts...)
	if err != nil {
		return nil, errutil.Internal("failed to query wallet transactions", errutil.WithErr(err))
	}
	return entries, nil
}

// VerifyChain recomputes every entry hash for the user and checks the chain
// links. Any mismatch means the log was tampered with or corrupted.
func (s *Service) VerifyChain(ctx context.Context, userID string) (bool, error) {
	span := trace.SpanFromContext(ctx)
	defer span.End()

	entries, err := s.ListTransactions(ctx, userID)
	if err != nil {
		return false, err
	}

	lastHash := genesisHash
	for _, entry := range entries {
		if entry.Hash != entry.GenerateHash() || entry.PreviousHash != lastHash {
			zap.L().Warn("wallet chain verification failed",
				zap.String("user_id", userID),
				zap.String("entry_id", entry.ID),
			)
			return false, nil
		}
		lastHash = entry.Hash
	}

	return true, nil
}

// Freeze marks the wallet so that no further mutation is accepted.
func (s *Service) Freeze(ctx context.Context, userID string) error {
	return s.db.WithContext(ctx).Model(&Wallet{}).
		Where("user_id = ?", userID).
		Update("status", StatusFrozen).Error
}

// ResolveLedgerError post-processes a ledger transaction error. Consistency
// failures freeze the wallet outside the rolled-back transaction and come
// back as operator-facing internal errors; everything else passes through.
func (s *Service) ResolveLedgerError(ctx context.Context, userID string, err error) error {
	if err == nil || !IsConsistency(err) {
		return err
	}

	zap.L().Error("wallet ledger consistency failure; freezing wallet",
		zap.String("user_id", userID),
		zap.Error(err),
	)

	if userID != "" {
		if freezeErr := s.Freeze(ctx, userID); freezeErr != nil {
			zap.L().Error("failed to freeze wallet", zap.String("user_id", userID), zap.Error(freezeErr))
		}
	}

	return errutil.Internal("wallet ledger inconsistent; wallet frozen", errutil.WithErr(err))
}

// lockWallet loads the user's wallet under a row lock, serializing all
// mutations for that user. Creation is allowed only on the earn path.
func (s *Service) lockWallet(ctx context.Context, tx *gorm.DB, userID string, createIfMissing bool) (*Wallet, error) {
	if userID == "" {
		return nil, errutil.ValidationFailed("user id is required")
	}

	w, err := s.wallets.WithTrx(tx).FindOne(ctx, &Wallet{UserID: userID}, option.WithLockingUpdate())
	if err != nil {
		return nil, err
	}

	if w == nil {
		if !createIfMissing {
			return nil, errutil.NotFound("wallet not found")
		}
		w = &Wallet{
			ID:     s.node.Generate().String(),
			UserID: userID,
			Status: StatusActive,
		}
		if err := s.wallets.WithTrx(tx).Create(ctx, w); err != nil {
			return nil, err
		}
	}

	if w.Status == StatusFrozen {
		return nil, errutil.Internal("wallet is frozen; contact an operator")
	}

	return w, nil
}

func (s *Service) appendEntry(ctx context.Context, tx *gorm.DB, w *Wallet, entry *WalletTransaction) (*WalletTransaction, error) {
	last, err := s.entries.WithTrx(tx).FindOne(ctx, &WalletTransaction{UserID: w.UserID},
		option.WithSortBy(option.QuerySortBy{
			SortBy:  "created_at",
			OrderBy: "desc",
			Allow:   map[string]bool{"created_at": true},
		}),
	)
	if err != nil {
		return nil, err
	}

	entry.ID = s.node.Generate().String()
	entry.BalanceAfter = w.Balance + entry.Amount
	entry.PreviousHash = genesisHash
	if last != nil {
		entry.PreviousHash = last.Hash
	}
	entry.Hash = entry.GenerateHash()

	if err := s.entries.WithTrx(tx).Create(ctx, entry); err != nil {
		return nil, err
	}

	return entry, nil
}

// checkConsistency recomputes the balance from the transaction log after a
// mutation. Divergence is fatal for the wallet, never recovered locally.
func (s *Service) checkConsistency(ctx context.Context, tx *gorm.DB, userID string, expected int64) error {
	var computed int64
	if err := tx.WithContext(ctx).Model(&WalletTransaction{}).
		Where("user_id = ?", userID).
		Select("COALESCE(SUM(amount), 0)").
		Scan(&computed).Error; err != nil {
		return err
	}

	if computed != expected {
		return &ConsistencyError{UserID: userID, Cached: expected, Computed: computed}
	}

	return nil
}

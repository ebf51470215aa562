package wallet

import (
	"context"
	"testing"

	"educoin-engine/services/testutil"

	"github.com/stretchr/testify/require"
)

func newTestService(t *testing.T) *Service {
	t.Helper()

	db := testutil.NewTestDB(t, &Wallet{}, &WalletTransaction{})
	return NewService(ServiceParams{DB: db, Node: testutil.NewNode(t)})
}

func creditInput(userID string, amount int64, ref string) CreditInput {
	return CreditInput{
		UserID:    userID,
		Amount:    amount,
		XP:        amount / 10,
		SourceID:  "task-1",
		Reference: ref,
	}
}

func TestCreditCreatesWalletAndAppliesBalance(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	entry, err := svc.Credit(ctx, creditInput("student-1", 500, "task:ut-1:reward"))
	require.NoError(t, err)
	require.Equal(t, int64(500), entry.Amount)
	require.Equal(t, TypeEarn, entry.Type)
	require.Equal(t, int64(500), entry.BalanceAfter)

	w, err := svc.GetWallet(ctx, "student-1")
	require.NoError(t, err)
	require.Equal(t, int64(500), w.Balance)
	require.Equal(t, int64(500), w.TotalEarned)
	require.Equal(t, int64(0), w.TotalSpent)
	require.Equal(t, int64(50), w.XP)
	require.Equal(t, StatusActive, w.Status)
}

func TestCreditIsIdempotentPerReference(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	first, err := svc.Credit(ctx, creditInput("student-1", 500, "task:ut-1:reward"))
	require.NoError(t, err)

	replay, err := svc.Credit(ctx, creditInput("student-1", 500, "task:ut-1:reward"))
	require.NoError(t, err)
	require.Equal(t, first.ID, replay.ID)

	w, err := svc.GetWallet(ctx, "student-1")
	require.NoError(t, err)
	require.Equal(t, int64(500), w.Balance)

	entries, err := svc.ListTransactions(ctx, "student-1")
	require.NoError(t, err)
	require.Len(t, entries, 1)
}

func TestReserveHoldsCoins(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	_, err := svc.Credit(ctx, creditInput("student-1", 500, "task:ut-1:reward"))
	require.NoError(t, err)

	entry, err := svc.Reserve(ctx, "student-1", 300, "rdm-1")
	require.NoError(t, err)
	require.Equal(t, int64(-300), entry.Amount)
	require.Equal(t, TypeSpend, entry.Type)

	w, err := svc.GetWallet(ctx, "student-1")
	require.NoError(t, err)
	require.Equal(t, int64(200), w.Balance)
	require.Equal(t, int64(300), w.TotalSpent)

	// Replay returns the existing hold without double-spending.
	replay, err := svc.Reserve(ctx, "student-1", 300, "rdm-1")
	require.NoError(t, err)
	require.Equal(t, entry.ID, replay.ID)

	w, err = svc.GetWallet(ctx, "student-1")
	require.NoError(t, err)
	require.Equal(t, int64(200), w.Balance)
}

func TestReserveInsufficientBalance(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	_, err := svc.Credit(ctx, creditInput("student-1", 100, "task:ut-1:reward"))
	require.NoError(t, err)

	_, err = svc.Reserve(ctx, "student-1", 200, "rdm-1")
	require.Error(t, err)

	// No partial reservation.
	w, err := svc.GetWallet(ctx, "student-1")
	require.NoError(t, err)
	require.Equal(t, int64(100), w.Balance)
	require.Equal(t, int64(0), w.TotalSpent)

	entries, err := svc.ListTransactions(ctx, "student-1")
	require.NoError(t, err)
	require.Len(t, entries, 1)
}

func TestReserveWithoutWallet(t *testing.T) {
	svc := newTestService(t)

	_, err := svc.Reserve(context.Background(), "nobody", 10, "rdm-1")
	require.Error(t, err)
}

func TestFinalizeKeepsSpendAndIsIdempotent(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	_, err := svc.Credit(ctx, creditInput("student-1", 500, "task:ut-1:reward"))
	require.NoError(t, err)
	_, err = svc.Reserve(ctx, "student-1", 300, "rdm-1")
	require.NoError(t, err)

	require.NoError(t, svc.Finalize(ctx, "rdm-1"))
	require.NoError(t, svc.Finalize(ctx, "rdm-1"))

	w, err := svc.GetWallet(ctx, "student-1")
	require.NoError(t, err)
	require.Equal(t, int64(200), w.Balance)
	require.Equal(t, int64(300), w.TotalSpent)

	// A finalized reservation can no longer be refunded.
	err = svc.Reverse(ctx, "rdm-1")
	require.Error(t, err)
	require.Contains(t, err.Error(), "finalized")
}

func TestReverseRefundsAndIsIdempotent(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	_, err := svc.Credit(ctx, creditInput("student-1", 500, "task:ut-1:reward"))
	require.NoError(t, err)
	_, err = svc.Reserve(ctx, "student-1", 300, "rdm-1")
	require.NoError(t, err)

	require.NoError(t, svc.Reverse(ctx, "rdm-1"))
	require.NoError(t, svc.Reverse(ctx, "rdm-1"))

	w, err := svc.GetWallet(ctx, "student-1")
	require.NoError(t, err)
	require.Equal(t, int64(500), w.Balance)
	require.Equal(t, int64(0), w.TotalSpent)
	require.Equal(t, int64(500), w.TotalEarned)

	// A refunded reservation can no longer be captured.
	err = svc.Finalize(ctx, "rdm-1")
	require.Error(t, err)
	require.Contains(t, err.Error(), "reversed")
}

func TestFinalizeUnknownReservation(t *testing.T) {
	svc := newTestService(t)

	err := svc.Finalize(context.Background(), "rdm-missing")
	require.Error(t, err)
}

func TestBalanceEqualsLedgerSum(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	_, err := svc.Credit(ctx, creditInput("student-1", 500, "task:ut-1:reward"))
	require.NoError(t, err)
	_, err = svc.Credit(ctx, creditInput("student-1", 250, "task:ut-2:reward"))
	require.NoError(t, err)
	_, err = svc.Reserve(ctx, "student-1", 300, "rdm-1")
	require.NoError(t, err)
	require.NoError(t, svc.Reverse(ctx, "rdm-1"))
	_, err = svc.Reserve(ctx, "student-1", 100, "rdm-2")
	require.NoError(t, err)
	require.NoError(t, svc.Finalize(ctx, "rdm-2"))

	w, err := svc.GetWallet(ctx, "student-1")
	require.NoError(t, err)

	entries, err := svc.ListTransactions(ctx, "student-1")
	require.NoError(t, err)

	var sum int64
	for _, e := range entries {
		sum += e.Amount
	}
	require.Equal(t, w.Balance, sum)
	require.Equal(t, w.Balance, w.TotalEarned-w.TotalSpent)
	require.GreaterOrEqual(t, w.Balance, int64(0))

	ok, err := svc.VerifyChain(ctx, "student-1")
	require.NoError(t, err)
	require.True(t, ok)
}

func TestVerifyChainDetectsTampering(t *testing.T) {
	db := testutil.NewTestDB(t, &Wallet{}, &WalletTransaction{})
	svc := NewService(ServiceParams{DB: db, Node: testutil.NewNode(t)})
	ctx := context.Background()

	_, err := svc.Credit(ctx, creditInput("student-1", 500, "task:ut-1:reward"))
	require.NoError(t, err)
	_, err = svc.Credit(ctx, creditInput("student-1", 100, "task:ut-2:reward"))
	require.NoError(t, err)

	require.NoError(t, db.Model(&WalletTransaction{}).
		Where("reference_id = ?", "task:ut-1:reward").
		Update("amount", 9999).Error)

	ok, err := svc.VerifyChain(ctx, "student-1")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestFrozenWalletRefusesMutation(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	_, err := svc.Credit(ctx, creditInput("student-1", 500, "task:ut-1:reward"))
	require.NoError(t, err)

	require.NoError(t, svc.Freeze(ctx, "student-1"))

	_, err = svc.Credit(ctx, creditInput("student-1", 100, "task:ut-2:reward"))
	require.Error(t, err)
	require.Contains(t, err.Error(), "frozen")

	_, err = svc.Reserve(ctx, "student-1", 50, "rdm-1")
	require.Error(t, err)
}

func TestGetWalletWithoutHistory(t *testing.T) {
	svc := newTestService(t)

	w, err := svc.GetWallet(context.Background(), "newcomer")
	require.NoError(t, err)
	require.Equal(t, int64(0), w.Balance)
	require.Equal(t, StatusActive, w.Status)
}

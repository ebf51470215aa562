package redemption

import (
	"context"
	"fmt"
	"regexp"
	"sync"
	"testing"
	"time"

	"educoin-engine/pkg/config"
	"educoin-engine/services/testutil"
	"educoin-engine/services/wallet"

	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/require"
)

func newTestServices(t *testing.T, window time.Duration) (*Service, *wallet.Service) {
	t.Helper()

	db := testutil.NewTestDB(t,
		&wallet.Wallet{},
		&wallet.WalletTransaction{},
		&Redemption{},
	)
	node := testutil.NewNode(t)

	cfg := &config.Config{}
	cfg.Redemption.ExpiryWindow = window
	cfg.Redemption.CodePrefix = "EDU"

	walletSvc := wallet.NewService(wallet.ServiceParams{DB: db, Node: node})
	svc := NewService(ServiceParams{DB: db, Node: node, Cfg: cfg, Wallet: walletSvc})

	return svc, walletSvc
}

func fundWallet(t *testing.T, walletSvc *wallet.Service, userID string, amount int64) {
	t.Helper()

	_, err := walletSvc.Credit(context.Background(), wallet.CreditInput{
		UserID:    userID,
		Amount:    amount,
		Reference: wallet.CreditReference("seed-" + userID),
	})
	require.NoError(t, err)
}

func TestIssueReservesCoins(t *testing.T) {
	svc, walletSvc := newTestServices(t, 48*time.Hour)
	ctx := context.Background()
	fundWallet(t, walletSvc, "student-1", 500)

	result, err := svc.Issue(ctx, IssueInput{
		StudentID:   "student-1",
		ProductID:   "prod-1",
		ProductName: "Football",
		CoinCost:    300,
	})
	require.NoError(t, err)

	record := result.Redemption
	require.Equal(t, StatusPending, record.Status)
	require.Regexp(t, regexp.MustCompile(`^EDU-[A-HJ-NP-Z2-9]{3}-[A-HJ-NP-Z2-9]{4}$`), record.RedemptionCode)
	require.Equal(t, int64(300), record.CoinsRedeemed)
	require.True(t, record.ExpiresAt.After(time.Now().Add(47*time.Hour)))

	// Raw token leaves once; only its digest is stored.
	require.NotEmpty(t, result.RawToken)
	require.Equal(t, HashToken(result.RawToken), record.OneTimeToken)
	require.NotEqual(t, result.RawToken, record.OneTimeToken)

	w, err := walletSvc.GetWallet(ctx, "student-1")
	require.NoError(t, err)
	require.Equal(t, int64(200), w.Balance)
	require.Equal(t, int64(300), w.TotalSpent)
}

func TestIssueInsufficientBalanceLeavesNothing(t *testing.T) {
	svc, walletSvc := newTestServices(t, 48*time.Hour)
	ctx := context.Background()
	fundWallet(t, walletSvc, "student-1", 100)

	_, err := svc.Issue(ctx, IssueInput{StudentID: "student-1", ProductID: "prod-1", CoinCost: 300})
	require.Error(t, err)
	require.Contains(t, err.Error(), "insufficient")

	var count int64
	require.NoError(t, svc.db.Model(&Redemption{}).Count(&count).Error)
	require.Zero(t, count)

	w, err := walletSvc.GetWallet(ctx, "student-1")
	require.NoError(t, err)
	require.Equal(t, int64(100), w.Balance)
}

func TestApproveCollectsAndFinalizes(t *testing.T) {
	svc, walletSvc := newTestServices(t, 48*time.Hour)
	ctx := context.Background()
	fundWallet(t, walletSvc, "student-1", 500)

	result, err := svc.Issue(ctx, IssueInput{StudentID: "student-1", ProductID: "prod-1", CoinCost: 300})
	require.NoError(t, err)
	code := result.Redemption.RedemptionCode

	record, err := svc.Approve(ctx, code, "teacher-1", result.RawToken)
	require.NoError(t, err)
	require.Equal(t, StatusCollected, record.Status)
	require.Equal(t, "teacher-1", record.VerifiedBy)
	require.NotNil(t, record.VerifiedAt)

	// Spend is permanent.
	w, err := walletSvc.GetWallet(ctx, "student-1")
	require.NoError(t, err)
	require.Equal(t, int64(200), w.Balance)
	require.Equal(t, int64(300), w.TotalSpent)

	// Same verifier retrying gets a success, not a conflict.
	replay, err := svc.Approve(ctx, code, "teacher-1", result.RawToken)
	require.NoError(t, err)
	require.Equal(t, StatusCollected, replay.Status)

	// A different verifier gets AlreadyResolved.
	_, err = svc.Approve(ctx, code, "teacher-2", result.RawToken)
	require.Error(t, err)
	require.Contains(t, err.Error(), "already resolved")
}

func TestRejectRefundsReservation(t *testing.T) {
	svc, walletSvc := newTestServices(t, 48*time.Hour)
	ctx := context.Background()
	fundWallet(t, walletSvc, "student-1", 500)

	result, err := svc.Issue(ctx, IssueInput{StudentID: "student-1", ProductID: "prod-1", CoinCost: 300})
	require.NoError(t, err)
	code := result.Redemption.RedemptionCode

	record, err := svc.Reject(ctx, code, "teacher-1", "student not present")
	require.NoError(t, err)
	require.Equal(t, StatusRejected, record.Status)
	require.Equal(t, "student not present", record.RejectedReason)

	w, err := walletSvc.GetWallet(ctx, "student-1")
	require.NoError(t, err)
	require.Equal(t, int64(500), w.Balance)
	require.Equal(t, int64(0), w.TotalSpent)

	// Approving a rejected claim fails.
	_, err = svc.Approve(ctx, code, "teacher-2", "")
	require.Error(t, err)
}

func TestRejectRequiresReason(t *testing.T) {
	svc, walletSvc := newTestServices(t, 48*time.Hour)
	fundWallet(t, walletSvc, "student-1", 500)

	result, err := svc.Issue(context.Background(), IssueInput{StudentID: "student-1", ProductID: "prod-1", CoinCost: 100})
	require.NoError(t, err)

	_, err = svc.Reject(context.Background(), result.Redemption.RedemptionCode, "teacher-1", "")
	require.Error(t, err)
}

func TestExpiredApproveRefusedAndRefunded(t *testing.T) {
	svc, walletSvc := newTestServices(t, -time.Hour)
	ctx := context.Background()
	fundWallet(t, walletSvc, "student-1", 500)

	result, err := svc.Issue(ctx, IssueInput{StudentID: "student-1", ProductID: "prod-1", CoinCost: 300})
	require.NoError(t, err)
	code := result.Redemption.RedemptionCode

	_, err = svc.Approve(ctx, code, "teacher-1", "")
	require.Error(t, err)
	require.Contains(t, err.Error(), "expired")

	record, err := svc.Get(ctx, code)
	require.NoError(t, err)
	require.Equal(t, StatusExpired, record.Status)

	w, err := walletSvc.GetWallet(ctx, "student-1")
	require.NoError(t, err)
	require.Equal(t, int64(500), w.Balance)
}

func TestVerifyExpiresStaleClaim(t *testing.T) {
	svc, walletSvc := newTestServices(t, -time.Hour)
	ctx := context.Background()
	fundWallet(t, walletSvc, "student-1", 500)

	result, err := svc.Issue(ctx, IssueInput{StudentID: "student-1", ProductID: "prod-1", CoinCost: 200})
	require.NoError(t, err)

	_, err = svc.Verify(ctx, result.Redemption.RedemptionCode, "teacher-1", "")
	require.Error(t, err)
	require.Contains(t, err.Error(), "expired")

	record, err := svc.Get(ctx, result.Redemption.RedemptionCode)
	require.NoError(t, err)
	require.Equal(t, StatusExpired, record.Status)
}

func TestVerifyChecksToken(t *testing.T) {
	svc, walletSvc := newTestServices(t, 48*time.Hour)
	ctx := context.Background()
	fundWallet(t, walletSvc, "student-1", 500)

	result, err := svc.Issue(ctx, IssueInput{StudentID: "student-1", ProductID: "prod-1", CoinCost: 100})
	require.NoError(t, err)
	code := result.Redemption.RedemptionCode

	// The code alone is enough for manual entry.
	_, err = svc.Verify(ctx, code, "teacher-1", "")
	require.NoError(t, err)

	_, err = svc.Verify(ctx, code, "teacher-1", result.RawToken)
	require.NoError(t, err)

	_, err = svc.Verify(ctx, code, "teacher-1", "forged-token")
	require.Error(t, err)
}

func TestLookupIsCaseInsensitive(t *testing.T) {
	svc, walletSvc := newTestServices(t, 48*time.Hour)
	ctx := context.Background()
	fundWallet(t, walletSvc, "student-1", 500)

	result, err := svc.Issue(ctx, IssueInput{StudentID: "student-1", ProductID: "prod-1", CoinCost: 100})
	require.NoError(t, err)

	lower := " " + NormalizeCode(result.Redemption.RedemptionCode) + " "
	record, err := svc.Get(ctx, lower)
	require.NoError(t, err)
	require.Equal(t, result.Redemption.ID, record.ID)

	_, err = svc.Get(ctx, "EDU-NOP-EXXX")
	require.Error(t, err)
}

func TestConcurrentResolutionHasOneWinner(t *testing.T) {
	svc, walletSvc := newTestServices(t, 48*time.Hour)
	ctx := context.Background()
	fundWallet(t, walletSvc, "student-1", 500)

	result, err := svc.Issue(ctx, IssueInput{StudentID: "student-1", ProductID: "prod-1", CoinCost: 300})
	require.NoError(t, err)
	code := result.Redemption.RedemptionCode

	const attempts = 8
	var wg sync.WaitGroup
	outcomes := make([]error, attempts)

	for i := 0; i < attempts; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			verifier := fmt.Sprintf("teacher-%d", i)
			if i%2 == 0 {
				_, outcomes[i] = svc.Approve(ctx, code, verifier, "")
			} else {
				_, outcomes[i] = svc.Reject(ctx, code, verifier, "out of stock")
			}
		}()
	}
	wg.Wait()

	var wins int
	for _, err := range outcomes {
		if err == nil {
			wins++
		} else {
			require.Contains(t, err.Error(), "already resolved")
		}
	}
	require.Equal(t, 1, wins)

	record, err := svc.Get(ctx, code)
	require.NoError(t, err)
	require.True(t, record.Status.Terminal())

	// Whatever won, the ledger stayed coherent.
	w, err := walletSvc.GetWallet(ctx, "student-1")
	require.NoError(t, err)
	if record.Status == StatusCollected {
		require.Equal(t, int64(200), w.Balance)
	} else {
		require.Equal(t, int64(500), w.Balance)
	}
	ok, err := walletSvc.VerifyChain(ctx, "student-1")
	require.NoError(t, err)
	require.True(t, ok)
}

func TestQRPayloadRoundTrip(t *testing.T) {
	svc, walletSvc := newTestServices(t, 48*time.Hour)
	ctx := context.Background()
	fundWallet(t, walletSvc, "student-1", 500)

	result, err := svc.Issue(ctx, IssueInput{StudentID: "student-1", ProductID: "prod-1", CoinCost: 100})
	require.NoError(t, err)

	decoded, err := DecodeQRPayload(result.Redemption.QRData)
	require.NoError(t, err)
	require.Equal(t, result.Redemption.RedemptionCode, decoded.RedemptionCode)
	require.Equal(t, result.RawToken, decoded.Token)
	require.Equal(t, result.Redemption.ID, decoded.ID)
	require.Equal(t, result.Redemption.ExpiresAt.Unix(), decoded.Expiry)

	png, err := svc.QRPNG(ctx, result.Redemption.RedemptionCode, 0)
	require.NoError(t, err)
	require.NotEmpty(t, png)
}

func TestExpirySweep(t *testing.T) {
	svc, walletSvc := newTestServices(t, -time.Hour)
	ctx := context.Background()
	fundWallet(t, walletSvc, "student-1", 500)

	first, err := svc.Issue(ctx, IssueInput{StudentID: "student-1", ProductID: "prod-1", CoinCost: 100})
	require.NoError(t, err)
	second, err := svc.Issue(ctx, IssueInput{StudentID: "student-1", ProductID: "prod-2", CoinCost: 200})
	require.NoError(t, err)

	err = svc.HandleExpirySweepTask(ctx, asynq.NewTask("redemption:expiry:sweep", nil))
	require.NoError(t, err)

	for _, code := range []string{first.Redemption.RedemptionCode, second.Redemption.RedemptionCode} {
		record, err := svc.Get(ctx, code)
		require.NoError(t, err)
		require.Equal(t, StatusExpired, record.Status)
	}

	w, err := walletSvc.GetWallet(ctx, "student-1")
	require.NoError(t, err)
	require.Equal(t, int64(500), w.Balance)
	require.Equal(t, int64(0), w.TotalSpent)

	// A second sweep finds nothing to do.
	require.NoError(t, svc.HandleExpirySweepTask(ctx, asynq.NewTask("redemption:expiry:sweep", nil)))
}

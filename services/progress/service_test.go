package progress

import (
	"bytes"
	"context"
	"io"
	"strings"
	"testing"

	"educoin-engine/pkg/config"
	"educoin-engine/services/catalog"
	"educoin-engine/services/testutil"
	"educoin-engine/services/wallet"

	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

type fixture struct {
	db      *gorm.DB
	catalog *catalog.Service
	wallet  *wallet.Service
	svc     *Service
	store   *memStore
}

// memStore records uploads so photo tests need no minio.
type memStore struct {
	keys []string
}

func (m *memStore) Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) error {
	m.keys = append(m.keys, key)
	return nil
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	db := testutil.NewTestDB(t,
		&catalog.TaskDefinition{},
		&UserTask{},
		&Proof{},
		&wallet.Wallet{},
		&wallet.WalletTransaction{},
	)
	node := testutil.NewNode(t)

	cfg := &config.Config{}
	cfg.Proof.MaxPhotoBytes = 5 << 20
	cfg.Proof.MaxTextLength = 2000

	catalogSvc := catalog.NewService(catalog.ServiceParams{DB: db, Node: node})
	walletSvc := wallet.NewService(wallet.ServiceParams{DB: db, Node: node})
	store := &memStore{}

	svc := NewService(ServiceParams{
		DB:      db,
		Node:    node,
		Cfg:     cfg,
		Catalog: catalogSvc,
		Wallet:  walletSvc,
		Store:   store,
	})

	return &fixture{db: db, catalog: catalogSvc, wallet: walletSvc, svc: svc, store: store}
}

func (f *fixture) createTask(t *testing.T, policy catalog.ProofPolicy, coins int64, prereqs ...string) *catalog.TaskDefinition {
	t.Helper()

	def, err := f.catalog.CreateTask(context.Background(), catalog.CreateTaskInput{
		Title:         "Read a chapter",
		Category:      catalog.CategorySubject,
		ProofPolicy:   policy,
		RewardCoins:   coins,
		RewardXP:      coins / 5,
		Prerequisites: prereqs,
	})
	require.NoError(t, err)
	return def
}

func TestLifecycleWithTextProof(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	def := f.createTask(t, catalog.ProofText, 50)

	record, err := f.svc.Unlock(ctx, "student-1", def.ID)
	require.NoError(t, err)
	require.Equal(t, StatusAvailable, record.Status)
	require.NotNil(t, record.UnlockedAt)

	record, err = f.svc.Start(ctx, "student-1", def.ID)
	require.NoError(t, err)
	require.Equal(t, StatusInProgress, record.Status)

	record, err = f.svc.RequestProof(ctx, "student-1", def.ID)
	require.NoError(t, err)
	require.Equal(t, StatusAwaitingProof, record.Status)

	record, err = f.svc.SubmitProof(ctx, "student-1", def.ID, ProofSubmission{Text: "I read pages 10-25."})
	require.NoError(t, err)
	require.Equal(t, StatusUnderReview, record.Status)
	require.NotEmpty(t, record.ProofID)

	record, err = f.svc.Resolve(ctx, ResolveInput{
		UserID:     "student-1",
		TaskID:     def.ID,
		Decision:   DecisionCompleted,
		ReviewerID: "teacher-1",
	})
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, record.Status)
	require.Equal(t, "teacher-1", record.ReviewerID)
	require.NotNil(t, record.ResolvedAt)

	w, err := f.wallet.GetWallet(ctx, "student-1")
	require.NoError(t, err)
	require.Equal(t, int64(50), w.Balance)
	require.Equal(t, int64(10), w.XP)
}

func TestPolicyNoneSkipsProofStep(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	def := f.createTask(t, catalog.ProofNone, 20)

	_, err := f.svc.Unlock(ctx, "student-1", def.ID)
	require.NoError(t, err)
	_, err = f.svc.Start(ctx, "student-1", def.ID)
	require.NoError(t, err)

	record, err := f.svc.RequestProof(ctx, "student-1", def.ID)
	require.NoError(t, err)
	require.Equal(t, StatusUnderReview, record.Status)
	require.NotEmpty(t, record.ProofID)

	proof, err := f.svc.GetProof(ctx, record.ProofID)
	require.NoError(t, err)
	require.Equal(t, autoProofContent, proof.Content)

	// Submitting evidence against a no-proof task is refused.
	_, err = f.svc.SubmitProof(ctx, "student-1", def.ID, ProofSubmission{Text: "unwanted"})
	require.Error(t, err)
}

func TestDoubleResolveCreditsOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	def := f.createTask(t, catalog.ProofText, 100)
	f.advanceToReview(t, "student-1", def.ID)

	in := ResolveInput{UserID: "student-1", TaskID: def.ID, Decision: DecisionCompleted, ReviewerID: "teacher-1"}

	_, err := f.svc.Resolve(ctx, in)
	require.NoError(t, err)

	// Same decision replayed: no-op success, still one credit.
	record, err := f.svc.Resolve(ctx, in)
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, record.Status)

	entries, err := f.wallet.ListTransactions(ctx, "student-1")
	require.NoError(t, err)
	require.Len(t, entries, 1)

	w, err := f.wallet.GetWallet(ctx, "student-1")
	require.NoError(t, err)
	require.Equal(t, int64(100), w.Balance)

	// Conflicting second decision is refused.
	_, err = f.svc.Resolve(ctx, ResolveInput{
		UserID:     "student-1",
		TaskID:     def.ID,
		Decision:   DecisionRejected,
		ReviewerID: "teacher-2",
		Reason:     "changed my mind",
	})
	require.Error(t, err)
	require.Contains(t, err.Error(), "already resolved")
}

func TestRejectAndRetry(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	def := f.createTask(t, catalog.ProofText, 40)
	f.advanceToReview(t, "student-1", def.ID)

	record, err := f.svc.Resolve(ctx, ResolveInput{
		UserID:     "student-1",
		TaskID:     def.ID,
		Decision:   DecisionRejected,
		ReviewerID: "teacher-1",
		Reason:     "photo does not show the finished work",
	})
	require.NoError(t, err)
	require.Equal(t, StatusRejected, record.Status)
	require.NotEmpty(t, record.RejectedReason)

	// No coins for a rejected task.
	w, err := f.wallet.GetWallet(ctx, "student-1")
	require.NoError(t, err)
	require.Equal(t, int64(0), w.Balance)

	// The learner may try again; the attempt counter advances.
	record, err = f.svc.Start(ctx, "student-1", def.ID)
	require.NoError(t, err)
	require.Equal(t, StatusInProgress, record.Status)
	require.Equal(t, 1, record.RetryCount)
}

func TestRejectRequiresReason(t *testing.T) {
	f := newFixture(t)
	def := f.createTask(t, catalog.ProofText, 40)
	f.advanceToReview(t, "student-1", def.ID)

	_, err := f.svc.Resolve(context.Background(), ResolveInput{
		UserID:     "student-1",
		TaskID:     def.ID,
		Decision:   DecisionRejected,
		ReviewerID: "teacher-1",
	})
	require.Error(t, err)
}

func TestUnlockEnforcesPrerequisites(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	prereq := f.createTask(t, catalog.ProofNone, 10)
	def := f.createTask(t, catalog.ProofText, 50, prereq.ID)

	_, err := f.svc.Unlock(ctx, "student-1", def.ID)
	require.Error(t, err)

	// Complete the prerequisite, then unlock succeeds.
	_, err = f.svc.Unlock(ctx, "student-1", prereq.ID)
	require.NoError(t, err)
	_, err = f.svc.Start(ctx, "student-1", prereq.ID)
	require.NoError(t, err)
	_, err = f.svc.RequestProof(ctx, "student-1", prereq.ID)
	require.NoError(t, err)
	_, err = f.svc.Resolve(ctx, ResolveInput{
		UserID:     "student-1",
		TaskID:     prereq.ID,
		Decision:   DecisionCompleted,
		ReviewerID: "teacher-1",
	})
	require.NoError(t, err)

	record, err := f.svc.Unlock(ctx, "student-1", def.ID)
	require.NoError(t, err)
	require.Equal(t, StatusAvailable, record.Status)
}

func TestStartIsIdempotentUnderRetry(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	def := f.createTask(t, catalog.ProofText, 30)

	_, err := f.svc.Unlock(ctx, "student-1", def.ID)
	require.NoError(t, err)

	first, err := f.svc.Start(ctx, "student-1", def.ID)
	require.NoError(t, err)

	// Offline client re-sends the request after a timeout.
	replay, err := f.svc.Start(ctx, "student-1", def.ID)
	require.NoError(t, err)
	require.Equal(t, first.Status, replay.Status)
	require.Equal(t, 0, replay.RetryCount)
}

func TestStartFromWrongState(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	def := f.createTask(t, catalog.ProofText, 30)
	f.advanceToReview(t, "student-1", def.ID)

	_, err := f.svc.Start(ctx, "student-1", def.ID)
	require.Error(t, err)
}

func TestSubmitProofValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	def := f.createTask(t, catalog.ProofText, 30)

	_, err := f.svc.Unlock(ctx, "student-1", def.ID)
	require.NoError(t, err)
	_, err = f.svc.Start(ctx, "student-1", def.ID)
	require.NoError(t, err)
	_, err = f.svc.RequestProof(ctx, "student-1", def.ID)
	require.NoError(t, err)

	_, err = f.svc.SubmitProof(ctx, "student-1", def.ID, ProofSubmission{Text: "   "})
	require.Error(t, err)

	_, err = f.svc.SubmitProof(ctx, "student-1", def.ID, ProofSubmission{Text: strings.Repeat("a", 2001)})
	require.Error(t, err)
}

func TestSubmitPhotoProof(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	def := f.createTask(t, catalog.ProofPhoto, 60)

	_, err := f.svc.Unlock(ctx, "student-1", def.ID)
	require.NoError(t, err)
	_, err = f.svc.Start(ctx, "student-1", def.ID)
	require.NoError(t, err)
	_, err = f.svc.RequestProof(ctx, "student-1", def.ID)
	require.NoError(t, err)

	payload := []byte{0xFF, 0xD8, 0xFF, 0xE0}
	record, err := f.svc.SubmitProof(ctx, "student-1", def.ID, ProofSubmission{
		Photo:       bytes.NewReader(payload),
		SizeBytes:   int64(len(payload)),
		ContentType: "image/jpeg",
	})
	require.NoError(t, err)
	require.Equal(t, StatusUnderReview, record.Status)
	require.Len(t, f.store.keys, 1)

	proof, err := f.svc.GetProof(ctx, record.ProofID)
	require.NoError(t, err)
	require.Equal(t, proofObjectKey(record.ID, proof.ID), proof.ObjectKey)
}

func TestUnlockUnknownTask(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.Unlock(context.Background(), "student-1", "missing")
	require.Error(t, err)
}

func TestTransitionsTable(t *testing.T) {
	require.True(t, CanTransition(StatusAvailable, StatusInProgress))
	require.True(t, CanTransition(StatusRejected, StatusInProgress))
	require.False(t, CanTransition(StatusCompleted, StatusInProgress))
	require.True(t, StatusCompleted.Terminal())
	require.False(t, StatusRejected.Terminal())
}

// advanceToReview walks a task to under_review with a text proof.
func (f *fixture) advanceToReview(t *testing.T, userID, taskID string) {
	t.Helper()
	ctx := context.Background()

	_, err := f.svc.Unlock(ctx, userID, taskID)
	require.NoError(t, err)
	_, err = f.svc.Start(ctx, userID, taskID)
	require.NoError(t, err)
	record, err := f.svc.RequestProof(ctx, userID, taskID)
	require.NoError(t, err)
	if record.Status == StatusUnderReview {
		return
	}
	_, err = f.svc.SubmitProof(ctx, userID, taskID, ProofSubmission{Text: "done, see notebook"})
	require.NoError(t, err)
}

package progress

import (
	"context"
	"errors"
	"time"

	"educoin-engine/pkg/config"
	"educoin-engine/pkg/errutil"
	"educoin-engine/pkg/repository"
	"educoin-engine/services/catalog"
	"educoin-engine/services/wallet"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Service struct {
	db   *gorm.DB
	node *snowflake.Node
	cfg  *config.Config

	catalog *catalog.Service
	wallet  *wallet.Service
	store   ProofStore

	userTasks repository.Repository[UserTask]
	proofs    repository.Repository[Proof]
}

type ServiceParams struct {
	fx.In
	DB      *gorm.DB
	Node    *snowflake.Node
	Cfg     *config.Config
	Catalog *catalog.Service
	Wallet  *wallet.Service
	Store   ProofStore `optional:"true"`
}

func NewService(p ServiceParams) *Service {
	return &Service{
		db:      p.DB,
		node:    p.Node,
		cfg:     p.Cfg,
		catalog: p.Catalog,
		wallet:  p.Wallet,
		store:   p.Store,

		userTasks: repository.ProvideStore[UserTask](p.DB),
		proofs:    repository.ProvideStore[Proof](p.DB),
	}
}

// Unlock makes a task reachable once its prerequisites are completed. Calling
// it on an already-unlocked task is a no-op, not an error.
func (s *Service) Unlock(ctx context.Context, userID, taskID string) (*UserTask, error) {
	def, err := s.catalog.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}

	record, err := s.userTasks.FindOne(ctx, &UserTask{UserID: userID, TaskID: taskID})
	if err != nil {
		return nil, errutil.Internal("failed to query user task", errutil.WithErr(err))
	}

	if record != nil && record.Status != StatusLocked {
		return record, nil
	}

	met, err := s.prerequisitesMet(ctx, userID, def)
	if err != nil {
		return nil, err
	}

	if record == nil {
		record = &UserTask{
			ID:     s.node.Generate().String(),
			UserID: userID,
			TaskID: taskID,
			Status: StatusLocked,
		}
		if err := s.userTasks.Create(ctx, record); err != nil {
			return nil, errutil.Internal("failed to create user task", errutil.WithErr(err))
		}
	}

	if !met {
		return nil, errutil.UnprocessableEntity("prerequisite tasks not completed")
	}

	now := time.Now()
	res := s.db.WithContext(ctx).Model(&UserTask{}).
		Where("id = ? AND status = ?", record.ID, StatusLocked).
		Updates(map[string]any{"status": StatusAvailable, "unlocked_at": now})
	if res.Error != nil {
		return nil, errutil.Internal("failed to unlock task", errutil.WithErr(res.Error))
	}

	return s.getRecord(ctx, record.ID)
}

// Start moves an available (or previously rejected) task into progress.
func (s *Service) Start(ctx context.Context, userID, taskID string) (*UserTask, error) {
	record, err := s.mustGet(ctx, userID, taskID)
	if err != nil {
		return nil, err
	}

	now := time.Now()

	res := s.db.WithContext(ctx).Model(&UserTask{}).
		Where("id = ? AND status = ?", record.ID, StatusAvailable).
		Updates(map[string]any{"status": StatusInProgress, "started_at": now})
	if res.Error != nil {
		return nil, errutil.Internal("failed to start task", errutil.WithErr(res.Error))
	}

	if res.RowsAffected == 0 {
		// Retry after rejection keeps the history and bumps the counter.
		res = s.db.WithContext(ctx).Model(&UserTask{}).
			Where("id = ? AND status = ?", record.ID, StatusRejected).
			Updates(map[string]any{
				"status":      StatusInProgress,
				"started_at":  now,
				"retry_count": gorm.Expr("retry_count + 1"),
				"proof_id":    "",
			})
		if res.Error != nil {
			return nil, errutil.Internal("failed to restart task", errutil.WithErr(res.Error))
		}
	}

	if res.RowsAffected == 0 {
		return s.replayOrInvalid(ctx, record.ID, StatusInProgress)
	}

	return s.getRecord(ctx, record.ID)
}

// RequestProof moves an in-progress task toward review. Tasks whose policy is
// none skip the evidence step entirely and land under review with a stub.
func (s *Service) RequestProof(ctx context.Context, userID, taskID string) (*UserTask, error) {
	record, err := s.mustGet(ctx, userID, taskID)
	if err != nil {
		return nil, err
	}

	def, err := s.catalog.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}

	now := time.Now()

	if def.ProofPolicy == catalog.ProofNone {
		stub := autoProof(catalog.ProofNone)
		stub.ID = s.node.Generate().String()
		stub.UserTaskID = record.ID

		err := s.db.Transaction(func(tx *gorm.DB) error {
			res := tx.Model(&UserTask{}).
				Where("id = ? AND status = ?", record.ID, StatusInProgress).
				Updates(map[string]any{
					"status":         StatusUnderReview,
					"proof_asked_at": now,
					"submitted_at":   now,
					"proof_id":       stub.ID,
				})
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected == 0 {
				return errReplay
			}
			return s.proofs.WithTrx(tx).Create(ctx, stub)
		})
		if err == errReplay {
			return s.replayOrInvalid(ctx, record.ID, StatusUnderReview)
		}
		if err != nil {
			return nil, errutil.Internal("failed to request proof", errutil.WithErr(err))
		}
		return s.getRecord(ctx, record.ID)
	}

	res := s.db.WithContext(ctx).Model(&UserTask{}).
		Where("id = ? AND status = ?", record.ID, StatusInProgress).
		Updates(map[string]any{"status": StatusAwaitingProof, "proof_asked_at": now})
	if res.Error != nil {
		return nil, errutil.Internal("failed to request proof", errutil.WithErr(res.Error))
	}
	if res.RowsAffected == 0 {
		return s.replayOrInvalid(ctx, record.ID, StatusAwaitingProof)
	}

	return s.getRecord(ctx, record.ID)
}

// SubmitProof validates the submission against the task's proof policy,
// persists the evidence, and moves the task under review.
func (s *Service) SubmitProof(ctx context.Context, userID, taskID string, in ProofSubmission) (*UserTask, error) {
	record, err := s.mustGet(ctx, userID, taskID)
	if err != nil {
		return nil, err
	}

	def, err := s.catalog.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}

	proof, err := s.validateProof(def.ProofPolicy, in)
	if err != nil {
		return nil, err
	}

	proof.ID = s.node.Generate().String()
	proof.UserTaskID = record.ID

	if proof.Type == catalog.ProofPhoto {
		if s.store == nil {
			return nil, errutil.Internal("proof storage is not configured")
		}
		proof.ObjectKey = proofObjectKey(record.ID, proof.ID)
		if err := s.store.Put(ctx, proof.ObjectKey, in.Photo, in.SizeBytes, in.ContentType); err != nil {
			zap.L().Error("failed to store photo proof",
				zap.String("user_task_id", record.ID),
				zap.Error(err),
			)
			return nil, errutil.Internal("failed to store photo proof", errutil.WithErr(err))
		}
	}

	now := time.Now()
	err = s.db.Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&UserTask{}).
			Where("id = ? AND status = ?", record.ID, StatusAwaitingProof).
			Updates(map[string]any{
				"status":       StatusUnderReview,
				"submitted_at": now,
				"proof_id":     proof.ID,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return errReplay
		}
		return s.proofs.WithTrx(tx).Create(ctx, proof)
	})
	if err == errReplay {
		return s.replayOrInvalid(ctx, record.ID, StatusUnderReview)
	}
	if err != nil {
		return nil, errutil.Internal("failed to submit proof", errutil.WithErr(err))
	}

	return s.getRecord(ctx, record.ID)
}

type ResolveInput struct {
	UserID     string
	TaskID     string
	Decision   Decision
	ReviewerID string
	Reason     string
	ReviewNote string
}

// Resolve records the reviewer's verdict. Completion credits the wallet
// exactly once, in the same transaction as the status write. A duplicate
// resolve with the same decision is a no-op; a conflicting one fails.
func (s *Service) Resolve(ctx context.Context, in ResolveInput) (*UserTask, error) {
	if !in.Decision.Valid() {
		return nil, errutil.ValidationFailed("decision must be completed or rejected")
	}
	if in.ReviewerID == "" {
		return nil, errutil.ValidationFailed("reviewer id is required")
	}
	if in.Decision == DecisionRejected && in.Reason == "" {
		return nil, errutil.ValidationFailed("a reason is required to reject a task")
	}

	record, err := s.mustGet(ctx, in.UserID, in.TaskID)
	if err != nil {
		return nil, err
	}

	def, err := s.catalog.GetTask(ctx, in.TaskID)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	target := StatusCompleted
	updates := map[string]any{
		"status":      StatusCompleted,
		"resolved_at": now,
		"reviewer_id": in.ReviewerID,
	}
	if in.Decision == DecisionRejected {
		target = StatusRejected
		updates["status"] = StatusRejected
		updates["rejected_reason"] = in.Reason
	}

	err = s.db.Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&UserTask{}).
			Where("id = ? AND status = ?", record.ID, StatusUnderReview).
			Updates(updates)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return errReplay
		}

		if in.ReviewNote != "" && record.ProofID != "" {
			if err := s.proofs.WithTrx(tx).Update(ctx, record.ProofID, map[string]any{"review_note": in.ReviewNote}); err != nil {
				return err
			}
		}

		if in.Decision == DecisionCompleted {
			_, err := s.wallet.CreditInTx(ctx, tx, wallet.CreditInput{
				UserID:      in.UserID,
				Amount:      def.RewardCoins,
				XP:          def.RewardXP,
				SourceID:    record.ID,
				Reference:   wallet.CreditReference(record.ID),
				Description: "Task reward: " + def.Title,
			})
			return err
		}

		return nil
	})

	if err == errReplay {
		current, getErr := s.getRecord(ctx, record.ID)
		if getErr != nil {
			return nil, getErr
		}
		if current.Status == target {
			return current, nil
		}
		if current.Status == StatusCompleted || current.Status == StatusRejected {
			return nil, errutil.Conflict("task already resolved")
		}
		return nil, errutil.UnprocessableEntity("task is not under review")
	}
	if err != nil {
		return nil, s.wallet.ResolveLedgerError(ctx, in.UserID, err)
	}

	zap.L().Info("task resolved",
		zap.String("user_task_id", record.ID),
		zap.String("decision", string(in.Decision)),
		zap.String("reviewer_id", in.ReviewerID),
	)

	return s.getRecord(ctx, record.ID)
}

func (s *Service) ListUserTasks(ctx context.Context, userID string) ([]*UserTask, error) {
	records, err := s.userTasks.Find(ctx, &UserTask{UserID: userID})
	if err != nil {
		return nil, errutil.Internal("failed to query user tasks", errutil.WithErr(err))
	}
	return records, nil
}

func (s *Service) GetUserTask(ctx context.Context, userID, taskID string) (*UserTask, error) {
	return s.mustGet(ctx, userID, taskID)
}

func (s *Service) GetProof(ctx context.Context, proofID string) (*Proof, error) {
	proof, err := s.proofs.FindOne(ctx, &Proof{ID: proofID})
	if err != nil {
		return nil, errutil.Internal("failed to query proof", errutil.WithErr(err))
	}
	if proof == nil {
		return nil, errutil.NotFound("proof not found")
	}
	return proof, nil
}

// errReplay signals a CAS miss inside a transaction; the caller decides
// whether the current state makes the request an idempotent replay.
var errReplay = errors.New("status changed concurrently")

func (s *Service) mustGet(ctx context.Context, userID, taskID string) (*UserTask, error) {
	record, err := s.userTasks.FindOne(ctx, &UserTask{UserID: userID, TaskID: taskID})
	if err != nil {
		return nil, errutil.Internal("failed to query user task", errutil.WithErr(err))
	}
	if record == nil {
		return nil, errutil.NotFound("task is not unlocked for this user")
	}
	return record, nil
}

func (s *Service) getRecord(ctx context.Context, id string) (*UserTask, error) {
	record, err := s.userTasks.FindOne(ctx, &UserTask{ID: id})
	if err != nil {
		return nil, errutil.Internal("failed to reload user task", errutil.WithErr(err))
	}
	if record == nil {
		return nil, errutil.NotFound("user task not found")
	}
	return record, nil
}

// replayOrInvalid turns a CAS miss into either an idempotent no-op (the
// record already reached the requested state, typical of offline clients
// re-sending requests) or an InvalidTransition error.
func (s *Service) replayOrInvalid(ctx context.Context, id string, want Status) (*UserTask, error) {
	current, err := s.getRecord(ctx, id)
	if err != nil {
		return nil, err
	}
	if current.Status == want {
		return current, nil
	}
	if CanTransition(current.Status, want) {
		return nil, errutil.Conflict("task status changed concurrently",
			errutil.WithDetails(errutil.Detail{Field: "status", Message: string(current.Status)}))
	}
	return nil, errutil.UnprocessableEntity("invalid transition",
		errutil.WithDetails(errutil.Detail{Field: "status", Message: string(current.Status)}))
}

func (s *Service) prerequisitesMet(ctx context.Context, userID string, def *catalog.TaskDefinition) (bool, error) {
	prereqs := def.PrerequisiteIDs()
	if len(prereqs) == 0 {
		return true, nil
	}

	for _, prereqID := range prereqs {
		record, err := s.userTasks.FindOne(ctx, &UserTask{UserID: userID, TaskID: prereqID})
		if err != nil {
			return false, errutil.Internal("failed to query prerequisite", errutil.WithErr(err))
		}
		if record == nil || record.Status != StatusCompleted {
			return false, nil
		}
	}

	return true, nil
}

package redemption

import (
	"context"
	"errors"
	"fmt"
	"time"

	"educoin-engine/pkg/config"
	"educoin-engine/pkg/errutil"
	"educoin-engine/pkg/repository"
	"educoin-engine/services/wallet"

	"github.com/bwmarrin/snowflake"
	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const mintAttempts = 5

// errLostRace signals a CAS miss; the caller reloads the row to decide
// between idempotent replay, AlreadyResolved and Expired.
var errLostRace = errors.New("lost status race")

type Service struct {
	db   *gorm.DB
	node *snowflake.Node
	cfg  *config.Config
	rdb  *redis.Client

	wallet *wallet.Service

	redemptions repository.Repository[Redemption]
}

type ServiceParams struct {
	fx.In
	DB     *gorm.DB
	Node   *snowflake.Node
	Cfg    *config.Config
	Redis  *redis.Client `optional:"true"`
	Wallet *wallet.Service
}

func NewService(p ServiceParams) *Service {
	return &Service{
		db:     p.DB,
		node:   p.Node,
		cfg:    p.Cfg,
		rdb:    p.Redis,
		wallet: p.Wallet,

		redemptions: repository.ProvideStore[Redemption](p.DB),
	}
}

type IssueInput struct {
	StudentID   string
	ProductID   string
	ProductName string
	CoinCost    int64
}

// IssueResult carries the raw one-time token; it is not recoverable
// afterwards, only its digest is stored.
type IssueResult struct {
	Redemption *Redemption
	RawToken   string
	QRPayload  QRPayload
}

// Issue reserves the coins and persists a pending claim in one transaction.
// Nothing is left behind when the reservation fails.
func (s *Service) Issue(ctx context.Context, in IssueInput) (*IssueResult, error) {
	if in.StudentID == "" || in.ProductID == "" {
		return nil, errutil.ValidationFailed("student_id and product_id are required")
	}
	if in.CoinCost <= 0 {
		return nil, errutil.ValidationFailed("coin cost must be positive")
	}

	id := s.node.Generate().String()

	code, err := s.claimCode(ctx, id)
	if err != nil {
		return nil, err
	}

	rawToken, tokenDigest, err := mintToken()
	if err != nil {
		return nil, errutil.Internal("failed to mint one-time token", errutil.WithErr(err))
	}

	now := time.Now()
	record := &Redemption{
		ID:             id,
		StudentID:      in.StudentID,
		ProductID:      in.ProductID,
		ProductName:    in.ProductName,
		RedemptionCode: code,
		OneTimeToken:   tokenDigest,
		CoinsRedeemed:  in.CoinCost,
		Status:         StatusPending,
		ExpiresAt:      now.Add(s.cfg.Redemption.ExpiryWindow),
	}

	payload := newQRPayload(record, rawToken, now)
	qrJSON, err := payload.Encode()
	if err != nil {
		return nil, errutil.Internal("failed to encode qr payload", errutil.WithErr(err))
	}
	record.QRData = datatypes.JSON(qrJSON)

	err = s.db.Transaction(func(tx *gorm.DB) error {
		if _, err := s.wallet.ReserveInTx(ctx, tx, in.StudentID, in.CoinCost, id); err != nil {
			return err
		}
		return s.redemptions.WithTrx(tx).Create(ctx, record)
	})
	if err != nil {
		s.releaseCodeClaim(ctx, code)
		return nil, s.wallet.ResolveLedgerError(ctx, in.StudentID, err)
	}

	zap.L().Info("redemption issued",
		zap.String("redemption_id", id),
		zap.String("student_id", in.StudentID),
		zap.Int64("coins", in.CoinCost),
	)

	return &IssueResult{Redemption: record, RawToken: rawToken, QRPayload: payload}, nil
}

// claimCode mints a candidate code and claims it in redis before the row
// exists, so two concurrent issuers cannot hand out the same code. The
// unique index on redemption_code is the backstop when redis is down.
func (s *Service) claimCode(ctx context.Context, redemptionID string) (string, error) {
	prefix := s.cfg.Redemption.CodePrefix

	for attempt := 0; attempt < mintAttempts; attempt++ {
		code, err := mintCode(prefix)
		if err != nil {
			return "", errutil.Internal("failed to mint redemption code", errutil.WithErr(err))
		}

		if s.rdb != nil {
			ok, err := s.rdb.SetNX(ctx, codeClaimKey(code), redemptionID, codeClaimTTL).Result()
			if err != nil {
				zap.L().Warn("redis code claim unavailable, relying on unique index", zap.Error(err))
			} else if !ok {
				continue
			}
		}

		existing, err := s.redemptions.FindOne(ctx, &Redemption{RedemptionCode: code})
		if err != nil {
			return "", errutil.Internal("failed to check code uniqueness", errutil.WithErr(err))
		}
		if existing == nil {
			return code, nil
		}
	}

	return "", errutil.Internal(fmt.Sprintf("failed to mint a unique redemption code after %d attempts", mintAttempts))
}

func (s *Service) releaseCodeClaim(ctx context.Context, code string) {
	if s.rdb == nil {
		return
	}
	if err := s.rdb.Del(ctx, codeClaimKey(code)).Err(); err != nil {
		zap.L().Warn("failed to release code claim", zap.String("code", code), zap.Error(err))
	}
}

// Verify looks up a claim for a verifier about to hand over the reward. An
// expired claim is resolved on the spot: the record flips to expired and
// the coins go back to the student.
func (s *Service) Verify(ctx context.Context, code, verifierID, rawToken string) (*Redemption, error) {
	record, err := s.findByCode(ctx, code)
	if err != nil {
		return nil, err
	}

	if err := s.checkToken(record, rawToken); err != nil {
		return nil, err
	}

	if record.Status.Terminal() {
		return nil, errutil.Conflict("redemption already resolved",
			errutil.WithDetails(errutil.Detail{Field: "status", Message: string(record.Status)}))
	}

	if time.Now().After(record.ExpiresAt) {
		if err := s.expireOne(ctx, record.ID); err != nil {
			return nil, err
		}
		return nil, errutil.Gone("redemption expired")
	}

	return record, nil
}

// Approve collects the claim. The status CAS is the single source of truth:
// exactly one of any concurrent approve/reject/sweep attempts wins.
func (s *Service) Approve(ctx context.Context, code, verifierID, rawToken string) (*Redemption, error) {
	if verifierID == "" {
		return nil, errutil.ValidationFailed("verifier id is required")
	}

	record, err := s.findByCode(ctx, code)
	if err != nil {
		return nil, err
	}
	if err := s.checkToken(record, rawToken); err != nil {
		return nil, err
	}

	now := time.Now()
	err = s.db.Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&Redemption{}).
			Where("id = ? AND status IN ? AND expires_at > ?", record.ID, pendingStates(), now).
			Updates(map[string]any{
				"status":      StatusCollected,
				"verified_by": verifierID,
				"verified_at": now,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return errLostRace
		}
		_, err := s.wallet.FinalizeInTx(ctx, tx, record.ID)
		return err
	})

	if err == errLostRace {
		if raceErr := s.explainLostRace(ctx, record.ID, StatusCollected, verifierID); raceErr != nil {
			return nil, raceErr
		}
		return s.get(ctx, record.ID)
	}
	if err != nil {
		return nil, s.wallet.ResolveLedgerError(ctx, record.StudentID, err)
	}

	zap.L().Info("redemption collected",
		zap.String("redemption_id", record.ID),
		zap.String("verified_by", verifierID),
	)

	return s.get(ctx, record.ID)
}

// Reject returns the claim's coins to the student. A reason is mandatory;
// the student sees it.
func (s *Service) Reject(ctx context.Context, code, verifierID, reason string) (*Redemption, error) {
	if verifierID == "" {
		return nil, errutil.ValidationFailed("verifier id is required")
	}
	if reason == "" {
		return nil, errutil.ValidationFailed("a reason is required to reject a redemption")
	}

	record, err := s.findByCode(ctx, code)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	err = s.db.Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&Redemption{}).
			Where("id = ? AND status IN ?", record.ID, pendingStates()).
			Updates(map[string]any{
				"status":          StatusRejected,
				"verified_by":     verifierID,
				"verified_at":     now,
				"rejected_reason": reason,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return errLostRace
		}
		_, err := s.wallet.ReverseInTx(ctx, tx, record.ID)
		return err
	})

	if err == errLostRace {
		if raceErr := s.explainLostRace(ctx, record.ID, StatusRejected, verifierID); raceErr != nil {
			return nil, raceErr
		}
		return s.get(ctx, record.ID)
	}
	if err != nil {
		return nil, s.wallet.ResolveLedgerError(ctx, record.StudentID, err)
	}

	zap.L().Info("redemption rejected",
		zap.String("redemption_id", record.ID),
		zap.String("verified_by", verifierID),
	)

	return s.get(ctx, record.ID)
}

func (s *Service) Get(ctx context.Context, code string) (*Redemption, error) {
	return s.findByCode(ctx, code)
}

// QRPNG renders the stored payload as a PNG for printing or on-screen
// scanning.
func (s *Service) QRPNG(ctx context.Context, code string, size int) ([]byte, error) {
	record, err := s.findByCode(ctx, code)
	if err != nil {
		return nil, err
	}
	if len(record.QRData) == 0 {
		return nil, errutil.NotFound("redemption has no qr payload")
	}
	if size <= 0 {
		size = 256
	}
	png, err := renderPNG(record.QRData, size)
	if err != nil {
		return nil, errutil.Internal("failed to render qr image", errutil.WithErr(err))
	}
	return png, nil
}

// expireOne flips a stale claim to expired and refunds its reservation,
// with the same CAS discipline the verifier uses. Safe to race against
// approve/reject and against itself.
func (s *Service) expireOne(ctx context.Context, id string) error {
	err := s.db.Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&Redemption{}).
			Where("id = ? AND status IN ?", id, pendingStates()).
			Update("status", StatusExpired)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			// Someone else resolved it first; nothing to refund here.
			return nil
		}
		_, err := s.wallet.ReverseInTx(ctx, tx, id)
		return err
	})
	if err != nil {
		return errutil.Internal("failed to expire redemption", errutil.WithErr(err))
	}
	return nil
}

// explainLostRace reloads a record after a CAS miss and maps the current
// state onto the caller's outcome. A retried request that already took
// effect with the same verifier is a success, not an error.
func (s *Service) explainLostRace(ctx context.Context, id string, want Status, verifierID string) error {
	current, err := s.get(ctx, id)
	if err != nil {
		return err
	}

	if current.Status == want && current.VerifiedBy == verifierID {
		return nil
	}

	if !current.Status.Terminal() && time.Now().After(current.ExpiresAt) {
		if err := s.expireOne(ctx, current.ID); err != nil {
			return err
		}
		return errutil.Gone("redemption expired")
	}

	if current.Status == StatusExpired {
		return errutil.Gone("redemption expired")
	}

	return errutil.Conflict("redemption already resolved",
		errutil.WithDetails(errutil.Detail{Field: "status", Message: string(current.Status)}))
}

func (s *Service) findByCode(ctx context.Context, code string) (*Redemption, error) {
	normalized := NormalizeCode(code)
	if normalized == "" {
		return nil, errutil.ValidationFailed("redemption code is required")
	}

	record, err := s.redemptions.FindOne(ctx, &Redemption{RedemptionCode: normalized})
	if err != nil {
		return nil, errutil.Internal("failed to query redemption", errutil.WithErr(err))
	}
	if record == nil {
		return nil, errutil.NotFound("redemption not found")
	}
	return record, nil
}

func (s *Service) get(ctx context.Context, id string) (*Redemption, error) {
	record, err := s.redemptions.FindOne(ctx, &Redemption{ID: id})
	if err != nil {
		return nil, errutil.Internal("failed to reload redemption", errutil.WithErr(err))
	}
	if record == nil {
		return nil, errutil.NotFound("redemption not found")
	}
	return record, nil
}

// checkToken enforces the one-time token when the caller presents one. The
// code alone remains valid for manual entry.
func (s *Service) checkToken(record *Redemption, rawToken string) error {
	if rawToken == "" {
		return nil
	}
	if HashToken(rawToken) != record.OneTimeToken {
		return errutil.Forbidden("one-time token does not match")
	}
	return nil
}

// pendingStates are the statuses a CAS may move out of. verified appears in
// rows imported from earlier deployments and behaves like pending.
func pendingStates() []Status {
	return []Status{StatusPending, StatusVerified}
}

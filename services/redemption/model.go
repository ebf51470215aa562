package redemption

import (
	"time"

	"gorm.io/datatypes"
)

// Status is the lifecycle state of a Redemption. Records leave pending at
// most once; collected, rejected and expired are terminal.
type Status string

const (
	StatusPending   Status = "pending"
	StatusCollected Status = "collected"
	StatusRejected  Status = "rejected"
	StatusExpired   Status = "expired"

	// StatusVerified exists in records imported from earlier deployments.
	// It is treated as pending-equivalent on reads; the engine never writes
	// it.
	StatusVerified Status = "verified"
)

// Terminal reports whether the status admits no further transition.
func (s Status) Terminal() bool {
	return s == StatusCollected || s == StatusRejected || s == StatusExpired
}

// Redemption is a time-boxed, single-use claim against reserved coins. The
// one-time token is stored as a sha256 hex digest; the raw token leaves the
// system exactly once, in the Issue response.
type Redemption struct {
	ID             string         `gorm:"column:id;primaryKey" json:"id"`
	StudentID      string         `gorm:"column:student_id;not null;index" json:"student_id"`
	ProductID      string         `gorm:"column:product_id;not null" json:"product_id"`
	ProductName    string         `gorm:"column:product_name" json:"product_name"`
	RedemptionCode string         `gorm:"column:redemption_code;not null;uniqueIndex" json:"redemption_code"`
	OneTimeToken   string         `gorm:"column:one_time_token;not null" json:"-"`
	CoinsRedeemed  int64          `gorm:"column:coins_redeemed;not null" json:"coins_redeemed"`
	QRData         datatypes.JSON `gorm:"column:qr_data" json:"qr_data,omitempty"`
	Status         Status         `gorm:"column:status;type:varchar(20);not null;index" json:"status"`
	VerifiedBy     string         `gorm:"column:verified_by" json:"verified_by,omitempty"`
	VerifiedAt     *time.Time     `gorm:"column:verified_at" json:"verified_at,omitempty"`
	RejectedReason string         `gorm:"column:rejected_reason" json:"rejected_reason,omitempty"`
	CreatedAt      time.Time      `gorm:"column:created_at;autoCreateTime" json:"created_at"`
	ExpiresAt      time.Time      `gorm:"column:expires_at;not null;index" json:"expires_at"`
	UpdatedAt      time.Time      `gorm:"column:updated_at;autoUpdateTime" json:"updated_at"`
}

func (Redemption) TableName() string {
	return "redemptions"
}

package catalog

import (
	"encoding/json"
	"time"

	"gorm.io/datatypes"
)

type Category string

const (
	CategoryVillage  Category = "village"
	CategoryFamily   Category = "family"
	CategorySubject  Category = "subject"
	CategoryPersonal Category = "personal"
)

func (c Category) Valid() bool {
	switch c {
	case CategoryVillage, CategoryFamily, CategorySubject, CategoryPersonal:
		return true
	default:
		return false
	}
}

type ProofPolicy string

const (
	ProofNone  ProofPolicy = "none"
	ProofPhoto ProofPolicy = "photo"
	ProofText  ProofPolicy = "text"
	ProofAuto  ProofPolicy = "auto"
)

func (p ProofPolicy) Valid() bool {
	switch p {
	case ProofNone, ProofPhoto, ProofText, ProofAuto:
		return true
	default:
		return false
	}
}

// TaskDefinition is an immutable catalog entry. The engine only ever reads
// these rows; creation happens at catalog load time.
type TaskDefinition struct {
	ID            string         `gorm:"column:id;primaryKey" json:"id"`
	Title         string         `gorm:"column:title;not null" json:"title"`
	Description   string         `gorm:"column:description;type:text" json:"description"`
	Category      Category       `gorm:"column:category;type:varchar(20);not null;index" json:"category"`
	ProofPolicy   ProofPolicy    `gorm:"column:proof_policy;type:varchar(10);not null" json:"proof_policy"`
	RewardCoins   int64          `gorm:"column:reward_coins;not null;default:0" json:"reward_coins"`
	RewardXP      int64          `gorm:"column:reward_xp;not null;default:0" json:"reward_xp"`
	Prerequisites datatypes.JSON `gorm:"column:prerequisites" json:"prerequisites,omitempty"`
	IsActive      bool           `gorm:"column:is_active;default:true" json:"is_active"`
	CreatedAt     time.Time      `gorm:"column:created_at;autoCreateTime" json:"created_at"`
	UpdatedAt     time.Time      `gorm:"column:updated_at;autoUpdateTime" json:"updated_at"`
}

func (TaskDefinition) TableName() string {
	return "task_definitions"
}

// PrerequisiteIDs decodes the prerequisites column. A missing or empty
// column means the task has no unlock requirements.
func (t *TaskDefinition) PrerequisiteIDs() []string {
	if len(t.Prerequisites) == 0 {
		return nil
	}
	var ids []string
	if err := json.Unmarshal(t.Prerequisites, &ids); err != nil {
		return nil
	}
	return ids
}

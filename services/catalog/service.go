package catalog

import (
	"context"
	"encoding/json"

	"educoin-engine/pkg/errutil"
	"educoin-engine/pkg/repository"

	"github.com/bwmarrin/snowflake"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Service struct {
	db   *gorm.DB
	node *snowflake.Node

	tasks repository.Repository[TaskDefinition]
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

		tasks: repository.ProvideStore[TaskDefinition](p.DB),
	}
}

type CreateTaskInput struct {
	Title         string
	Description   string
	Category      Category
	ProofPolicy   ProofPolicy
	RewardCoins   int64
	RewardXP      int64
	Prerequisites []string
}

func (s *Service) CreateTask(ctx context.Context, in CreateTaskInput) (*TaskDefinition, error) {
	if in.Title == "" {
		return nil, errutil.ValidationFailed("title is required")
	}
	if !in.Category.Valid() {
		return nil, errutil.ValidationFailed("unknown task category")
	}
	if !in.ProofPolicy.Valid() {
		return nil, errutil.ValidationFailed("unknown proof policy")
	}
	if in.RewardCoins < 0 || in.RewardXP < 0 {
		return nil, errutil.ValidationFailed("reward amounts must not be negative")
	}

	task := &TaskDefinition{
		ID:          s.node.Generate().String(),
		Title:       in.Title,
		Description: in.Description,
		Category:    in.Category,
		ProofPolicy: in.ProofPolicy,
		RewardCoins: in.RewardCoins,
		RewardXP:    in.RewardXP,
		IsActive:    true,
	}

	if len(in.Prerequisites) > 0 {
		raw, err := json.Marshal(in.Prerequisites)
		if err != nil {
			return nil, errutil.Internal("failed to encode prerequisites", errutil.WithErr(err))
		}
		task.Prerequisites = datatypes.JSON(raw)
	}

	if err := s.tasks.Create(ctx, task); err != nil {
		zap.L().Error("failed to create task definition", zap.Error(err))
		return nil, errutil.Internal("failed to create task definition", errutil.WithErr(err))
	}

	return task, nil
}

func (s *Service) GetTask(ctx context.Context, taskID string) (*TaskDefinition, error) {
	task, err := s.tasks.FindOne(ctx, &TaskDefinition{ID: taskID})
	if err != nil {
		return nil, errutil.Internal("failed to query task definition", errutil.WithErr(err))
	}
	if task == nil {
		return nil, errutil.NotFound("task definition not found")
	}
	return task, nil
}

type ListTasksInput struct {
	Category        Category
	IncludeInactive bool
}

func (s *Service) ListTasks(ctx context.Context, in ListTasksInput) ([]*TaskDefinition, error) {
	span := trace.SpanFromContext(ctx)
	defer span.End()

	query := &TaskDefinition{}
	if in.Category != "" {
		if !in.Category.Valid() {
			return nil, errutil.ValidationFailed("unknown task category")
		}
		query.Category = in.Category
	}

	tasks, err := s.tasks.Find(ctx, query)
	if err != nil {
		zap.L().Error("failed to query task definitions",
			zap.String("trace_id", span.SpanContext().TraceID().String()),
			zap.Error(err),
		)
		return nil, errutil.Internal("failed to query task definitions", errutil.WithErr(err))
	}

	if in.IncludeInactive {
		return tasks, nil
	}

	visible := make([]*TaskDefinition, 0, len(tasks))
	for _, t := range tasks {
		if t.IsActive {
			visible = append(visible, t)
		}
	}
	return visible, nil
}

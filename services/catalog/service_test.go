package catalog

import (
	"context"
	"testing"

	"educoin-engine/services/testutil"

	"github.com/stretchr/testify/require"
)

func newTestService(t *testing.T) *Service {
	t.Helper()

	db := testutil.NewTestDB(t, &TaskDefinition{})
	return NewService(ServiceParams{DB: db, Node: testutil.NewNode(t)})
}

func TestCreateAndGetTask(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	def, err := svc.CreateTask(ctx, CreateTaskInput{
		Title:         "Sweep the classroom",
		Description:   "Before the first lesson",
		Category:      CategoryVillage,
		ProofPolicy:   ProofPhoto,
		RewardCoins:   30,
		RewardXP:      5,
		Prerequisites: []string{"task-a", "task-b"},
	})
	require.NoError(t, err)
	require.NotEmpty(t, def.ID)
	require.True(t, def.IsActive)

	got, err := svc.GetTask(ctx, def.ID)
	require.NoError(t, err)
	require.Equal(t, def.Title, got.Title)
	require.Equal(t, []string{"task-a", "task-b"}, got.PrerequisiteIDs())
}

func TestCreateTaskValidation(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	cases := []CreateTaskInput{
		{Title: "", Category: CategoryFamily, ProofPolicy: ProofNone},
		{Title: "x", Category: "chores", ProofPolicy: ProofNone},
		{Title: "x", Category: CategoryFamily, ProofPolicy: "video"},
		{Title: "x", Category: CategoryFamily, ProofPolicy: ProofNone, RewardCoins: -1},
	}
	for _, in := range cases {
		_, err := svc.CreateTask(ctx, in)
		require.Error(t, err)
	}
}

func TestGetTaskNotFound(t *testing.T) {
	svc := newTestService(t)

	_, err := svc.GetTask(context.Background(), "missing")
	require.Error(t, err)
}

func TestListTasksFiltersCategoryAndActive(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	subject, err := svc.CreateTask(ctx, CreateTaskInput{Title: "Math drill", Category: CategorySubject, ProofPolicy: ProofAuto, RewardCoins: 10})
	require.NoError(t, err)
	_, err = svc.CreateTask(ctx, CreateTaskInput{Title: "Help at home", Category: CategoryFamily, ProofPolicy: ProofText, RewardCoins: 20})
	require.NoError(t, err)

	retired, err := svc.CreateTask(ctx, CreateTaskInput{Title: "Old drill", Category: CategorySubject, ProofPolicy: ProofAuto, RewardCoins: 10})
	require.NoError(t, err)
	require.NoError(t, svc.db.Model(&TaskDefinition{}).Where("id = ?", retired.ID).Update("is_active", false).Error)

	tasks, err := svc.ListTasks(ctx, ListTasksInput{Category: CategorySubject})
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	require.Equal(t, subject.ID, tasks[0].ID)

	all, err := svc.ListTasks(ctx, ListTasksInput{Category: CategorySubject, IncludeInactive: true})
	require.NoError(t, err)
	require.Len(t, all, 2)

	_, err = svc.ListTasks(ctx, ListTasksInput{Category: "chores"})
	require.Error(t, err)
}

package registry_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/motivemetrics/zerog/internal/testutil"
	"github.com/motivemetrics/zerog/pkg/datastore"
	"github.com/motivemetrics/zerog/pkg/datastore/memds"
	"github.com/motivemetrics/zerog/pkg/job"
	"github.com/motivemetrics/zerog/pkg/registry"
)

type echoJob struct {
	job.Job
	Message string `json:"message"`
}

func (e *echoJob) Run(ctx context.Context) (job.Result, error) {
	return job.Result{}, nil
}

var echoSchema = registry.MustJSONSchema(`{
	"type": "object",
	"properties": {
		"message": {"type": "string", "minLength": 1}
	},
	"required": ["message"]
}`)

func echoClass() registry.Class {
	return registry.Class{
		JobType: "echo",
		Schema:  echoSchema,
		New:     func() job.Runner { return &echoJob{} },
	}
}

func TestAddClasses(t *testing.T) {
	t.Run("valid class registers", func(t *testing.T) {
		r := registry.New()
		results := r.AddClasses(echoClass())
		require.Len(t, results, 1)
		require.NoError(t, results[0].Err)
		require.NoError(t, results.Err())
		require.Contains(t, r.JobTypes(), "echo")
	})

	t.Run("missing constructor", func(t *testing.T) {
		r := registry.New()
		results := r.AddClasses(registry.Class{JobType: "broken", Schema: echoSchema})
		require.ErrorIs(t, results[0].Err, registry.ErrNotSubclass)
		require.Error(t, results.Err())
	})

	t.Run("missing job type", func(t *testing.T) {
		r := registry.New()
		class := echoClass()
		class.JobType = ""
		results := r.AddClasses(class)
		require.ErrorIs(t, results[0].Err, registry.ErrNoJobType)
	})

	t.Run("missing schema", func(t *testing.T) {
		r := registry.New()
		class := echoClass()
		class.Schema = nil
		results := r.AddClasses(class)
		require.ErrorIs(t, results[0].Err, registry.ErrNoSchema)
	})

	t.Run("bad class does not block good ones", func(t *testing.T) {
		r := registry.New()
		results := r.AddClasses(registry.Class{JobType: "broken"}, echoClass())
		require.Error(t, results[0].Err)
		require.NoError(t, results[1].Err)
		require.Contains(t, r.JobTypes(), "echo")
	})
}

func TestMakeJob(t *testing.T) {
	ctx := context.Background()
	store := memds.New()
	q := testutil.NewFakeQueue(nil)
	r := registry.New()
	require.NoError(t, r.AddClasses(echoClass()).Err())

	t.Run("hydrates concrete type", func(t *testing.T) {
		runner, err := r.MakeJob(ctx, map[string]any{"message": "hi"}, store, q, nil, "echo")
		require.NoError(t, err)
		concrete, ok := runner.(*echoJob)
		require.True(t, ok)
		require.Equal(t, "hi", concrete.Message)
		require.Equal(t, "echo", concrete.JobType)
		require.Equal(t, "echo", concrete.QueueName)
		require.NotEmpty(t, concrete.UUID)
		require.Zero(t, concrete.CAS())
	})

	t.Run("jobType from data", func(t *testing.T) {
		runner, err := r.MakeJob(ctx, map[string]any{"jobType": "echo", "message": "hi"}, store, q, nil, "")
		require.NoError(t, err)
		require.Equal(t, "echo", runner.Base().JobType)
	})

	t.Run("argument wins over data", func(t *testing.T) {
		_, err := r.MakeJob(ctx, map[string]any{"jobType": "other", "message": "hi"}, store, q, nil, "echo")
		require.NoError(t, err)
	})

	t.Run("unknown type", func(t *testing.T) {
		_, err := r.MakeJob(ctx, map[string]any{"message": "hi"}, store, q, nil, "mystery")
		require.ErrorIs(t, err, registry.ErrUnknownJobType)
	})

	t.Run("no type anywhere", func(t *testing.T) {
		_, err := r.MakeJob(ctx, map[string]any{"message": "hi"}, store, q, nil, "")
		require.ErrorIs(t, err, registry.ErrNoJobType)
	})

	t.Run("schema rejects bad input", func(t *testing.T) {
		_, err := r.MakeJob(ctx, map[string]any{"message": ""}, store, q, nil, "echo")
		require.Error(t, err)
		_, err = r.MakeJob(ctx, map[string]any{}, store, q, nil, "echo")
		require.Error(t, err)
	})
}

func TestGetJob(t *testing.T) {
	ctx := context.Background()
	store := memds.New()
	q := testutil.NewFakeQueue(nil)
	r := registry.New()
	require.NoError(t, r.AddClasses(echoClass()).Err())

	original, err := r.MakeJob(ctx, map[string]any{"message": "persisted"}, store, q, nil, "echo")
	require.NoError(t, err)
	base := original.Base()
	require.NoError(t, base.Save(ctx))

	t.Run("round trips with cas", func(t *testing.T) {
		loaded, err := r.GetJob(ctx, base.UUID, store, q, nil)
		require.NoError(t, err)
		concrete, ok := loaded.(*echoJob)
		require.True(t, ok)
		require.Equal(t, "persisted", concrete.Message)
		require.Equal(t, base.UUID, concrete.UUID)
		require.Equal(t, base.CAS(), concrete.CAS())

		// a loaded job can save immediately, proving the cas was spliced
		require.NoError(t, concrete.Save(ctx))
	})

	t.Run("absent uuid", func(t *testing.T) {
		_, err := r.GetJob(ctx, "no-such-uuid", store, q, nil)
		require.ErrorIs(t, err, datastore.ErrNotFound)
	})
}

// Package storagetest provides a conformance suite for durable.Storage
// implementations.
package storagetest

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/deepnoodle-ai/durable"
)

// Factory returns a new, empty Storage for a single subtest.
type Factory func(t *testing.T) durable.Storage

// Run exercises the Storage contract against storages returned by newStorage.
func Run(t *testing.T, newStorage Factory) {
	t.Helper()

	t.Run("working memory roundtrip", func(t *testing.T) {
		s := newStorage(t)
		ctx := context.Background()

		before := time.Now().Add(-time.Second)
		require.NoError(t, s.SetWorkingMemory(ctx, "workflow:wf_1", []byte(`{"id":"wf_1"}`), durable.MemoryTypeWorkflow))

		entry, err := s.GetWorkingMemory(ctx, "workflow:wf_1")
		require.NoError(t, err)
		require.Equal(t, "workflow:wf_1", entry.Key)
		require.Equal(t, durable.MemoryTypeWorkflow, entry.Type)
		require.JSONEq(t, `{"id":"wf_1"}`, string(entry.Value))
		require.True(t, entry.UpdatedAt.After(before))
	})

	t.Run("overwrite replaces value", func(t *testing.T) {
		s := newStorage(t)
		ctx := context.Background()

		require.NoError(t, s.SetWorkingMemory(ctx, "k", []byte(`{"v":1}`), durable.MemoryTypeWorkflow))
		require.NoError(t, s.SetWorkingMemory(ctx, "k", []byte(`{"v":2}`), durable.MemoryTypeStepStatus))

		entry, err := s.GetWorkingMemory(ctx, "k")
		require.NoError(t, err)
		require.JSONEq(t, `{"v":2}`, string(entry.Value))
		require.Equal(t, durable.MemoryTypeStepStatus, entry.Type)
	})

	t.Run("missing key is not found", func(t *testing.T) {
		s := newStorage(t)
		_, err := s.GetWorkingMemory(context.Background(), "workflow:missing")
		require.ErrorIs(t, err, durable.ErrNotFound)
	})

	t.Run("delete", func(t *testing.T) {
		s := newStorage(t)
		ctx := context.Background()

		require.NoError(t, s.SetWorkingMemory(ctx, "k", []byte(`{}`), durable.MemoryTypeWorkflow))
		require.NoError(t, s.DeleteWorkingMemory(ctx, "k"))
		_, err := s.GetWorkingMemory(ctx, "k")
		require.ErrorIs(t, err, durable.ErrNotFound)

		// Deleting a missing key is not an error.
		require.NoError(t, s.DeleteWorkingMemory(ctx, "k"))
	})

	t.Run("list filters by type and prefix", func(t *testing.T) {
		s := newStorage(t)
		ctx := context.Background()

		require.NoError(t, s.SetWorkingMemory(ctx, "workflow:b", []byte(`{}`), durable.MemoryTypeWorkflow))
		require.NoError(t, s.SetWorkingMemory(ctx, "workflow:a", []byte(`{}`), durable.MemoryTypeWorkflow))
		require.NoError(t, s.SetWorkingMemory(ctx, "step:a:status", []byte(`{}`), durable.MemoryTypeStepStatus))
		require.NoError(t, s.SetWorkingMemory(ctx, "workflow_100%_done", []byte(`{}`), durable.MemoryTypeStepStatus))

		all, err := s.ListWorkingMemory(ctx, durable.MemoryFilter{})
		require.NoError(t, err)
		require.Len(t, all, 4)

		workflows, err := s.ListWorkingMemory(ctx, durable.MemoryFilter{Type: durable.MemoryTypeWorkflow})
		require.NoError(t, err)
		require.Equal(t, []string{"workflow:a", "workflow:b"}, keys(workflows))

		prefixed, err := s.ListWorkingMemory(ctx, durable.MemoryFilter{Prefix: "workflow:"})
		require.NoError(t, err)
		require.Equal(t, []string{"workflow:a", "workflow:b"}, keys(prefixed))

		steps, err := s.ListWorkingMemory(ctx, durable.MemoryFilter{
			Type:   durable.MemoryTypeStepStatus,
			Prefix: "step:",
		})
		require.NoError(t, err)
		require.Equal(t, []string{"step:a:status"}, keys(steps))

		none, err := s.ListWorkingMemory(ctx, durable.MemoryFilter{Prefix: "nothing:"})
		require.NoError(t, err)
		require.Empty(t, none)
	})

	t.Run("episodes are returned newest first", func(t *testing.T) {
		s := newStorage(t)
		ctx := context.Background()

		base := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
		for i := 0; i < 3; i++ {
			require.NoError(t, s.RecordEpisode(ctx, &durable.Episode{
				Type:       durable.EpisodeStepCompleted,
				Summary:    fmt.Sprintf("Step %d completed", i),
				Context:    "wf_1",
				Outcome:    durable.OutcomeSuccess,
				Importance: 0.5,
				Tags:       []string{"step", "completed"},
				CreatedAt:  base.Add(time.Duration(i) * time.Second),
			}))
		}

		episodes, err := s.SearchEpisodes(ctx, durable.EpisodeQuery{})
		require.NoError(t, err)
		require.Len(t, episodes, 3)
		require.Equal(t, "Step 2 completed", episodes[0].Summary)
		require.Equal(t, "Step 0 completed", episodes[2].Summary)
		for _, ep := range episodes {
			require.NotEmpty(t, ep.ID)
		}

		limited, err := s.SearchEpisodes(ctx, durable.EpisodeQuery{Limit: 2})
		require.NoError(t, err)
		require.Len(t, limited, 2)
		require.Equal(t, "Step 2 completed", limited[0].Summary)
	})

	t.Run("episode queries", func(t *testing.T) {
		s := newStorage(t)
		ctx := context.Background()

		base := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
		require.NoError(t, s.RecordEpisode(ctx, &durable.Episode{
			Type:      durable.EpisodeWorkflowCreated,
			Summary:   "Workflow Billing created with 2 steps",
			Context:   "wf_1",
			Outcome:   durable.OutcomePending,
			Tags:      []string{"workflow", "created"},
			Details:   map[string]any{"steps": float64(2)},
			CreatedAt: base,
		}))
		require.NoError(t, s.RecordEpisode(ctx, &durable.Episode{
			Type:      durable.EpisodeWorkflowFailed,
			Summary:   "Workflow Billing failed",
			Context:   "wf_1",
			Outcome:   durable.OutcomeFailure,
			Tags:      []string{"workflow", "failed", "STEP_FAILED"},
			CreatedAt: base.Add(time.Minute),
		}))
		require.NoError(t, s.RecordEpisode(ctx, &durable.Episode{
			Type:      durable.EpisodeWorkflowCreated,
			Summary:   "Workflow Shipping created with 1 steps",
			Context:   "wf_2",
			Outcome:   durable.OutcomePending,
			Tags:      []string{"workflow", "created"},
			CreatedAt: base.Add(2 * time.Minute),
		}))

		byType, err := s.SearchEpisodes(ctx, durable.EpisodeQuery{Type: durable.EpisodeWorkflowCreated})
		require.NoError(t, err)
		require.Len(t, byType, 2)

		byContext, err := s.SearchEpisodes(ctx, durable.EpisodeQuery{Context: "wf_1"})
		require.NoError(t, err)
		require.Len(t, byContext, 2)

		byTags, err := s.SearchEpisodes(ctx, durable.EpisodeQuery{Tags: []string{"workflow", "failed"}})
		require.NoError(t, err)
		require.Len(t, byTags, 1)
		require.Equal(t, durable.EpisodeWorkflowFailed, byTags[0].Type)
		require.ElementsMatch(t, []string{"workflow", "failed", "STEP_FAILED"}, byTags[0].Tags)

		byText, err := s.SearchEpisodes(ctx, durable.EpisodeQuery{Text: "shipping"})
		require.NoError(t, err)
		require.Len(t, byText, 1)
		require.Equal(t, "wf_2", byText[0].Context)

		since, err := s.SearchEpisodes(ctx, durable.EpisodeQuery{Since: base.Add(30 * time.Second)})
		require.NoError(t, err)
		require.Len(t, since, 2)

		details, err := s.SearchEpisodes(ctx, durable.EpisodeQuery{Type: durable.EpisodeWorkflowCreated, Context: "wf_1"})
		require.NoError(t, err)
		require.Len(t, details, 1)
		require.Equal(t, float64(2), details[0].Details["steps"])
	})

	t.Run("concurrent writes", func(t *testing.T) {
		s := newStorage(t)
		ctx := context.Background()

		var wg sync.WaitGroup
		errs := make(chan error, 40)
		for i := 0; i < 20; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				key := fmt.Sprintf("step:wf_1_%02d:status", i)
				errs <- s.SetWorkingMemory(ctx, key, []byte(`{}`), durable.MemoryTypeStepStatus)
				errs <- s.RecordEpisode(ctx, &durable.Episode{
					Type:    durable.EpisodeStepCompleted,
					Summary: key,
				})
			}(i)
		}
		wg.Wait()
		close(errs)
		for err := range errs {
			require.NoError(t, err)
		}

		entries, err := s.ListWorkingMemory(ctx, durable.MemoryFilter{Type: durable.MemoryTypeStepStatus})
		require.NoError(t, err)
		require.Len(t, entries, 20)

		episodes, err := s.SearchEpisodes(ctx, durable.EpisodeQuery{})
		require.NoError(t, err)
		require.Len(t, episodes, 20)
	})
}

func keys(entries []*durable.MemoryEntry) []string {
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.Key
	}
	return out
}

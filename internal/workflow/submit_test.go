package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/scrapefleet/internal/bus"
	"github.com/JakeFAU/scrapefleet/internal/bus/memory"
	"github.com/JakeFAU/scrapefleet/internal/scrape"
)

type seqIDs struct{ n int }

func (s *seqIDs) NewID() (string, error) {
	s.n++
	return fmt.Sprintf("id-%d", s.n), nil
}

func sampleJob() scrape.Job {
	return scrape.Job{
		URLs:      []string{"https://a", "https://b", "https://c"},
		List:      scrape.ListConfig{ListSelector: ".row", Fields: map[string]scrape.Field{"t": {Selector: "h2"}}},
		BatchSize: 20,
		EndIndex:  100,
	}
}

func TestSubmitPublishesTasksWithHeaders(t *testing.T) {
	t.Parallel()

	b := memory.NewBroker()
	s := NewSubmitter(b, &seqIDs{}, "tasks", nil)
	sub, err := s.Submit(context.Background(), sampleJob(), 2)
	require.NoError(t, err)
	require.Equal(t, "id-1", sub.WorkflowID)
	require.Equal(t, []string{"id-2", "id-3"}, sub.TaskIDs)

	msgs := b.Messages("tasks")
	require.Len(t, msgs, 2)
	for i, m := range msgs {
		require.Equal(t, sub.TaskIDs[i], m.Key)
		require.Equal(t, "2", m.Headers[bus.HeaderTotalTasks])
		require.Equal(t, "0", m.Headers[bus.HeaderRetryCount])
		require.Equal(t, "id-1", m.Headers[bus.HeaderWorkflowID])

		var task scrape.Task
		require.NoError(t, json.Unmarshal(m.Value, &task))
		require.Equal(t, "id-1", task.WorkflowID)
		require.Equal(t, ".row", task.Config.ListSelector)
		require.Equal(t, 100, task.Config.Limit)
	}
	var first scrape.Task
	require.NoError(t, json.Unmarshal(msgs[0].Value, &first))
	require.Equal(t, []string{"https://a", "https://b"}, first.URLs)
}

type failingPublisher struct{ after int }

func (p *failingPublisher) Publish(context.Context, bus.Message) error {
	if p.after == 0 {
		return errors.New("unavailable")
	}
	p.after--
	return nil
}

func TestSubmitStopsOnPublishFailure(t *testing.T) {
	t.Parallel()

	s := NewSubmitter(&failingPublisher{after: 1}, &seqIDs{}, "tasks", nil)
	sub, err := s.Submit(context.Background(), sampleJob(), 3)
	require.ErrorContains(t, err, "publish task 2 of 3")
	require.Len(t, sub.TaskIDs, 1)
}

func TestSubmitValidatesJob(t *testing.T) {
	t.Parallel()

	s := NewSubmitter(memory.NewBroker(), &seqIDs{}, "tasks", nil)
	_, err := s.Submit(context.Background(), scrape.Job{URLs: []string{"u"}}, 1)
	require.ErrorContains(t, err, "list selector")

	job := sampleJob()
	job.URLs = nil
	_, err = s.Submit(context.Background(), job, 1)
	require.ErrorContains(t, err, "split job")
}

package orchestrator

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gcnstream/internal/worker"
)

type fakeQueue struct {
	jobs     []worker.PlanJobArgs
	cleanups []worker.CleanupJobArgs
	failFor  map[string]error
	// onEnqueue simulates a worker picking the job up immediately.
	onEnqueue func(args worker.PlanJobArgs)
}

func (f *fakeQueue) EnqueuePlan(_ context.Context, args worker.PlanJobArgs) error {
	if err, ok := f.failFor[args.GroupSlug]; ok {
		return err
	}
	f.jobs = append(f.jobs, args)
	if f.onEnqueue != nil {
		f.onEnqueue(args)
	}
	return nil
}

func (f *fakeQueue) EnqueueCleanup(_ context.Context, args worker.CleanupJobArgs) error {
	f.cleanups = append(f.cleanups, args)
	return nil
}

type fakeBatches struct {
	created map[string]int
	total   int
	done    int
	marked  []bool
	claims  int
	claimed bool
}

func (f *fakeBatches) Create(_ context.Context, batchID, _ string, total int) error {
	if f.created == nil {
		f.created = map[string]int{}
	}
	f.created[batchID] = total
	f.total = total
	return nil
}

func (f *fakeBatches) MarkDone(_ context.Context, _ string, failed bool) (bool, error) {
	f.marked = append(f.marked, failed)
	f.done++
	return f.total > 0 && f.done >= f.total, nil
}

func (f *fakeBatches) ClaimCleanup(_ context.Context, _ string) (bool, error) {
	f.claims++
	if f.claimed {
		return false, nil
	}
	f.claimed = true
	return true, nil
}

type fakeFlags struct {
	running bool
	calls   []bool
}

func (f *fakeFlags) SetProcessRunning(_ context.Context, _ int64, expected, next bool) (bool, error) {
	f.calls = append(f.calls, next)
	if f.running != expected {
		return false, nil
	}
	f.running = next
	return true, nil
}

var testGroups = []Group{
	{Telescopes: []string{"TCA", "TCH"}, Tiles: []int{10, 10}, Strategy: "tiling"},
	{Telescopes: []string{"FZU-CTA-N"}, Tiles: []int{20}, Strategy: "galaxy targeting"},
}

func TestLaunch_OneJobPerGroupSharingBatch(t *testing.T) {
	queue := &fakeQueue{}
	batches := &fakeBatches{}
	o := New(queue, batches, &fakeFlags{}, testGroups, 128, "/tmp/out", "#gw")

	err := o.Launch(context.Background(), LaunchParams{
		EventID: "S241102br", RowID: 7, NoticePath: "/tmp/notice.json",
		RemoteFolder: "Candidates/GW/S241102br/GWEMOPT/INITIAL_x", ThreadTS: "1730.1",
	})
	require.NoError(t, err)
	require.Len(t, queue.jobs, 2)

	batchID := queue.jobs[0].BatchID
	assert.NotEmpty(t, batchID)
	assert.Equal(t, batchID, queue.jobs[1].BatchID, "all jobs must share the batch id")
	assert.Equal(t, 2, batches.created[batchID])
	assert.Equal(t, []string{"TCA", "TCH"}, queue.jobs[0].Telescopes)
	assert.Equal(t, "galaxy targeting", queue.jobs[1].Strategy)
	assert.NotEqual(t, queue.jobs[0].OutputDir, queue.jobs[1].OutputDir)
	assert.NotContains(t, queue.jobs[1].GroupSlug, " ", "slug must be filesystem safe")
}

func TestLaunch_AlreadyRunning(t *testing.T) {
	queue := &fakeQueue{}
	o := New(queue, &fakeBatches{}, &fakeFlags{running: true}, testGroups, 128, "/tmp/out", "#gw")

	err := o.Launch(context.Background(), LaunchParams{EventID: "S241102br", RowID: 7})
	assert.ErrorIs(t, err, ErrAlreadyRunning)
	assert.Empty(t, queue.jobs, "a held flag must block the fan-out")
}

func TestLaunch_LostJobRecordedOnBarrier(t *testing.T) {
	queue := &fakeQueue{failFor: map[string]error{
		groupSlug(testGroups[1]): errors.New("queue unavailable"),
	}}
	batches := &fakeBatches{}
	o := New(queue, batches, &fakeFlags{}, testGroups, 128, "/tmp/out", "#gw")

	err := o.Launch(context.Background(), LaunchParams{EventID: "S241102br", RowID: 7})
	require.NoError(t, err, "a partial fan-out still launches")
	assert.Len(t, queue.jobs, 1)
	assert.Equal(t, []bool{true}, batches.marked, "lost job must count as failed so the join fires")
}

func TestLaunch_LostJobCompletingBarrierFiresCleanup(t *testing.T) {
	batches := &fakeBatches{}
	queue := &fakeQueue{failFor: map[string]error{
		groupSlug(testGroups[1]): errors.New("queue unavailable"),
	}}
	// The first job runs to completion on the worker pool before the second
	// enqueue fails, so the MarkDone recording the lost job is the one that
	// completes the barrier.
	queue.onEnqueue = func(args worker.PlanJobArgs) {
		batches.MarkDone(context.Background(), args.BatchID, false)
	}
	o := New(queue, batches, &fakeFlags{}, testGroups, 128, "/tmp/out", "#gw")

	err := o.Launch(context.Background(), LaunchParams{
		EventID: "S241102br", RowID: 7, NoticePath: "/tmp/notice.json",
		RemoteFolder: "Candidates/GW/S241102br/GWEMOPT/INITIAL_x", ThreadTS: "1730.1",
	})
	require.NoError(t, err)

	assert.Equal(t, 1, batches.claims, "completed barrier must be claimed")
	require.Len(t, queue.cleanups, 1, "the fan-in job must still be enqueued exactly once")
	cleanup := queue.cleanups[0]
	assert.Equal(t, queue.jobs[0].BatchID, cleanup.BatchID)
	assert.Equal(t, int64(7), cleanup.RowID)
	assert.Contains(t, cleanup.LocalRoot, cleanup.BatchID)
}

func TestLaunch_AllJobsLostReleasesFlag(t *testing.T) {
	queue := &fakeQueue{failFor: map[string]error{
		groupSlug(testGroups[0]): errors.New("queue unavailable"),
		groupSlug(testGroups[1]): errors.New("queue unavailable"),
	}}
	flags := &fakeFlags{}
	o := New(queue, &fakeBatches{}, flags, testGroups, 128, "/tmp/out", "#gw")

	err := o.Launch(context.Background(), LaunchParams{EventID: "S241102br", RowID: 7})
	require.Error(t, err)
	assert.False(t, flags.running, "flag must be released when nothing was submitted")
}

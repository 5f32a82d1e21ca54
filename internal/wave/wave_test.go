package wave

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/2389-research/fleetd/internal/eventbus"
	"github.com/2389-research/fleetd/internal/fleet"
	"github.com/2389-research/fleetd/internal/storage/sqlite"
	"github.com/2389-research/fleetd/internal/supervisor"
)

func newTestOrchestrator(t *testing.T, cmd func(fleet.SpawnOptions) []string) (*Orchestrator, *eventbus.Bus) {
	t.Helper()
	db, err := sqlite.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	bus := eventbus.New()
	sup := supervisor.New(bus)
	fl := fleet.New(fleet.Config{MaxWorkers: 10, Command: cmd}, db, nil, sup, bus)
	return New(fl, bus), bus
}

func echoDone() func(fleet.SpawnOptions) []string {
	return func(fleet.SpawnOptions) []string { return []string{"sh", "-c", "echo DONE"} }
}

func successOnDone() func(string) bool {
	return func(line string) bool { return line == "DONE" }
}

func TestExecuteRunsWavesInTopologicalOrder(t *testing.T) {
	o, bus := newTestOrchestrator(t, echoDone())
	var started []string
	bus.On(eventbus.WaveStart, func(e eventbus.Event) {
		started = append(started, e.Payload.(map[string]any)["wave"].(string))
	})

	require.NoError(t, o.AddWave(WaveSpec{Name: "discover", Workers: []Worker{
		{Handle: "scout-1", SuccessPattern: successOnDone()},
		{Handle: "scout-2", SuccessPattern: successOnDone()},
	}}))
	require.NoError(t, o.AddWave(WaveSpec{Name: "design", AfterWaves: []string{"discover"}, Workers: []Worker{
		{Handle: "architect-1", SuccessPattern: successOnDone()},
	}}))
	require.NoError(t, o.AddWave(WaveSpec{Name: "implement", AfterWaves: []string{"design"}, Workers: []Worker{
		{Handle: "worker-1", SuccessPattern: successOnDone()},
		{Handle: "worker-2", SuccessPattern: successOnDone()},
	}}))

	res, err := o.Execute(context.Background(), ExecuteOptions{PollInterval: 5 * time.Millisecond})
	require.NoError(t, err)
	require.Equal(t, "success", res.Status)
	require.Equal(t, []string{"discover", "design", "implement"}, started)

	totalWorkers := 0
	for _, wr := range res.Waves {
		totalWorkers += len(wr.Workers)
	}
	require.Equal(t, 5, totalWorkers)
}

func TestAddWaveRejectsUnknownDependency(t *testing.T) {
	o, _ := newTestOrchestrator(t, echoDone())
	err := o.AddWave(WaveSpec{Name: "design", AfterWaves: []string{"nonexistent"}})
	require.Error(t, err)
}

func TestExecuteHaltsWhenWorkerFailsAndNotContinueOnFailure(t *testing.T) {
	fails := func(fleet.SpawnOptions) []string { return []string{"sh", "-c", "exit 1"} }
	o, _ := newTestOrchestrator(t, fails)

	require.NoError(t, o.AddWave(WaveSpec{Name: "discover", Workers: []Worker{{Handle: "scout-1"}}}))
	require.NoError(t, o.AddWave(WaveSpec{Name: "design", AfterWaves: []string{"discover"}, Workers: []Worker{{Handle: "architect-1"}}}))

	res, err := o.Execute(context.Background(), ExecuteOptions{PollInterval: 5 * time.Millisecond})
	require.NoError(t, err)
	require.Equal(t, "failed", res.Status)
	require.Len(t, res.Waves, 1) // design never runs
}

func TestExecuteContinuesOnFailureWhenConfigured(t *testing.T) {
	fails := func(fleet.SpawnOptions) []string { return []string{"sh", "-c", "exit 1"} }
	o, _ := newTestOrchestrator(t, fails)

	require.NoError(t, o.AddWave(WaveSpec{Name: "discover", ContinueOnFailure: true, Workers: []Worker{{Handle: "scout-1"}}}))
	require.NoError(t, o.AddWave(WaveSpec{Name: "design", AfterWaves: []string{"discover"}, Workers: []Worker{{Handle: "architect-1"}}}))

	res, err := o.Execute(context.Background(), ExecuteOptions{PollInterval: 5 * time.Millisecond})
	require.NoError(t, err)
	require.Len(t, res.Waves, 2)
}

func TestExecuteLoopsUntilSuccessCriteriaOrMaxIterations(t *testing.T) {
	o, _ := newTestOrchestrator(t, echoDone())
	require.NoError(t, o.AddWave(WaveSpec{Name: "solo", Workers: []Worker{{Handle: "worker-1", SuccessPattern: successOnDone()}}}))

	attempts := 0
	res, err := o.Execute(context.Background(), ExecuteOptions{
		MaxIterations: 3,
		PollInterval:  5 * time.Millisecond,
		SuccessCriteria: func([]WaveResult) bool {
			attempts++
			return attempts >= 2
		},
	})
	require.NoError(t, err)
	require.Equal(t, "success", res.Status)
	require.Equal(t, 2, res.IterationsRun)
}

func TestGetStatusReportsTotalWaves(t *testing.T) {
	o, _ := newTestOrchestrator(t, echoDone())
	require.NoError(t, o.AddWave(WaveSpec{Name: "discover", Workers: []Worker{{Handle: "scout-1"}}}))
	require.NoError(t, o.AddWave(WaveSpec{Name: "design", AfterWaves: []string{"discover"}, Workers: []Worker{{Handle: "architect-1"}}}))

	status := o.GetStatus()
	require.Equal(t, 2, status.TotalWaves)
	require.Equal(t, "idle", status.Status)
}

package supervisor

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/2389-research/fleetd/internal/eventbus"
)

func TestSpawnStreamsOutputLines(t *testing.T) {
	bus := eventbus.New()
	var lines []string
	bus.On(eventbus.WorkerOutput, func(e eventbus.Event) {
		payload := e.Payload.(map[string]any)
		lines = append(lines, payload["line"].(string))
	})

	s := New(bus)
	h, err := s.Spawn(context.Background(), SpawnOptions{
		WorkerID: "w1", Handle: "alice", Role: "worker",
		Command: []string{"sh", "-c", "echo one; echo two"},
	})
	require.NoError(t, err)
	require.NoError(t, h.Wait())
	require.Equal(t, []string{"one", "two"}, lines)
}

func TestSpawnSetsWorkerEnv(t *testing.T) {
	bus := eventbus.New()
	var captured string
	bus.On(eventbus.WorkerOutput, func(e eventbus.Event) {
		captured += e.Payload.(map[string]any)["line"].(string) + "\n"
	})

	s := New(bus)
	h, err := s.Spawn(context.Background(), SpawnOptions{
		WorkerID: "w2", Handle: "bob", Role: "scout",
		Command: []string{"sh", "-c", "echo $WORKER_ID $WORKER_HANDLE $WORKER_ROLE"},
	})
	require.NoError(t, err)
	require.NoError(t, h.Wait())
	require.True(t, strings.Contains(captured, "w2 bob scout"))
}

func TestHandleIdleDetection(t *testing.T) {
	bus := eventbus.New()
	s := New(bus)
	h, err := s.Spawn(context.Background(), SpawnOptions{
		WorkerID: "w3", Handle: "carol", Role: "worker",
		Command:    []string{"sh", "-c", "echo ready; sleep 1"},
		IdlePrompt: func(line string) bool { return line == "ready" },
	})
	require.NoError(t, err)
	defer func() { _ = h.Wait() }()

	require.Eventually(t, func() bool {
		return h.Idle(10 * time.Millisecond)
	}, time.Second, 10*time.Millisecond)
}

func TestSignalTerminateKillsAfterGrace(t *testing.T) {
	bus := eventbus.New()
	s := New(bus)
	h, err := s.Spawn(context.Background(), SpawnOptions{
		WorkerID: "w4", Handle: "dave", Role: "worker",
		Command: []string{"sh", "-c", "trap '' TERM; sleep 30"},
	})
	require.NoError(t, err)

	require.NoError(t, s.Signal(h, SignalTerminate, 100*time.Millisecond))
	require.Eventually(t, func() bool {
		select {
		case <-h.done:
			return true
		default:
			return false
		}
	}, 2*time.Second, 20*time.Millisecond)
}

package eventbus_test

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/pkglat/lightd/internal/eventbus"
)

func TestPublishDeliversToSubscriber(t *testing.T) {
	hub := eventbus.NewHub(16, 4)
	stream, unsubscribe := hub.Subscribe()
	defer unsubscribe()

	hub.PublishState(eventbus.StateInstalling)

	select {
	case event := <-stream:
		require.Equal(t, eventbus.KindEvent, event.Kind)
		var data string
		require.NoError(t, json.Unmarshal(event.Data, &data))
		require.Equal(t, "installing", data)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestFreshSubscriptionGetsNoReplay(t *testing.T) {
	hub := eventbus.NewHub(16, 4)
	hub.PublishState(eventbus.StateInstalling)

	stream, unsubscribe := hub.Subscribe()
	defer unsubscribe()

	select {
	case event := <-stream:
		t.Fatalf("expected no replay, got %+v", event)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestPublishConsoleEmitsDuplicate(t *testing.T) {
	hub := eventbus.NewHub(16, 4)
	stream, unsubscribe := hub.Subscribe()
	defer unsubscribe()

	hub.PublishConsole("hello world\n")

	first := <-stream
	second := <-stream
	require.Equal(t, eventbus.KindConsole, first.Kind)
	require.Equal(t, eventbus.KindConsoleDuplicate, second.Kind)
	require.JSONEq(t, string(first.Data), string(second.Data))
}

func TestPublishStatsSkipsUnchangedPayload(t *testing.T) {
	hub := eventbus.NewHub(16, 4)
	stream, unsubscribe := hub.Subscribe()
	defer unsubscribe()

	payload := eventbus.StatsPayload{CPUUsage: 1.5, MemoryUsage: 1024}
	hub.PublishStats(payload)
	hub.PublishStats(payload)

	<-stream
	select {
	case event := <-stream:
		t.Fatalf("expected no second stats event, got %+v", event)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSlowSubscriberIsDroppedNotBlocking(t *testing.T) {
	hub := eventbus.NewHub(16, 1)
	stream, _ := hub.Subscribe()

	hub.PublishDaemonMessage("first")
	hub.PublishDaemonMessage("second")
	hub.PublishDaemonMessage("third")

	require.Equal(t, 0, hub.SubscriberCount())

	_, ok := <-stream
	require.True(t, ok)
	_, ok = <-stream
	require.False(t, ok)
}

func TestHistorySnapshotConcatenatesRing(t *testing.T) {
	hub := eventbus.NewHub(16, 4)
	hub.PublishConsole("line one")
	hub.PublishConsole("line two")

	snapshot := hub.HistorySnapshot()
	require.Equal(t, eventbus.KindLogs, snapshot.Kind)

	var data string
	require.NoError(t, json.Unmarshal(snapshot.Data, &data))
	require.Contains(t, data, "line one")
	require.Contains(t, data, "line two")
}

func TestRegistryReusesHubPerInternalID(t *testing.T) {
	registry := eventbus.NewRegistry(16, 4)

	a := registry.HubFor("container-1")
	b := registry.HubFor("container-1")
	require.Same(t, a, b)

	c := registry.HubFor("container-2")
	require.NotSame(t, a, c)

	registry.Drop("container-1")
	d := registry.HubFor("container-1")
	require.NotSame(t, a, d)
}

package ingest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/smartcampus/telemetryd/pkg/store"
	"github.com/smartcampus/telemetryd/pkg/topic"
)

func TestSupervisorLifecycle(t *testing.T) {
	fs := &fakeStore{devices: []store.Device{
		{ID: "d1", BaseTopic: "devices/room1", Capabilities: []topic.Capability{topic.StatusOnOff}},
	}}
	ft := &fakeTransport{}

	builds := 0
	sup := NewSupervisor(func(ctx context.Context) (*Service, error) {
		builds++
		return NewService(fs, ft, zap.NewNop(), Options{
			ReloadInterval:      time.Hour,
			StatusCheckInterval: time.Hour,
		}), nil
	})

	assert.Equal(t, Status{State: RunStateNotInitialized}, sup.Status())

	ctx := context.Background()
	require.NoError(t, sup.Start(ctx))
	require.NoError(t, sup.Start(ctx), "repeated Start is a no-op")

	assert.Equal(t, 1, builds, "service is constructed exactly once")
	assert.Equal(t, 1, ft.connectCalls)
	assert.Equal(t, Status{State: RunStateRunning, Connected: true}, sup.Status())

	sup.Stop()
	assert.Equal(t, Status{State: RunStateStopped, Connected: false}, sup.Status())
}

func TestSupervisorBuildError(t *testing.T) {
	boom := errors.New("bad config")
	sup := NewSupervisor(func(ctx context.Context) (*Service, error) {
		return nil, boom
	})

	err := sup.Start(context.Background())
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, Status{State: RunStateError}, sup.Status())
}

func TestSupervisorStartError(t *testing.T) {
	ft := &fakeTransport{connectErr: errors.New("broker unreachable")}
	sup := NewSupervisor(func(ctx context.Context) (*Service, error) {
		return NewService(&fakeStore{}, ft, zap.NewNop(), Options{
			ReloadInterval:      time.Hour,
			StatusCheckInterval: time.Hour,
		}), nil
	})

	require.Error(t, sup.Start(context.Background()))
	assert.Equal(t, RunStateError, sup.Status().State)

	// A later Start may recover once the broker is reachable.
	ft.mu.Lock()
	ft.connectErr = nil
	ft.mu.Unlock()
	require.NoError(t, sup.Start(context.Background()))
	assert.Equal(t, RunStateRunning, sup.Status().State)

	sup.Stop()
}

func TestSupervisorStopBeforeStart(t *testing.T) {
	sup := NewSupervisor(func(ctx context.Context) (*Service, error) {
		t.Fatal("build must not run on Stop")
		return nil, nil
	})
	sup.Stop()
	assert.Equal(t, Status{State: RunStateNotInitialized}, sup.Status())
}

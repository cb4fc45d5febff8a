package system

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

type recordedService struct {
	name     string
	startErr error
	stopErr  error
	log      *[]string
}

func (s *recordedService) Name() string { return s.name }

func (s *recordedService) Start(ctx context.Context) error {
	*s.log = append(*s.log, "start:"+s.name)
	return s.startErr
}

func (s *recordedService) Stop(ctx context.Context) error {
	*s.log = append(*s.log, "stop:"+s.name)
	return s.stopErr
}

func TestManagerStartStopOrder(t *testing.T) {
	var log []string
	m := NewManager()
	assert.NoError(t, m.Register(&recordedService{name: "a", log: &log}))
	assert.NoError(t, m.Register(&recordedService{name: "b", log: &log}))
	assert.NoError(t, m.Register(&recordedService{name: "c", log: &log}))

	ctx := context.Background()
	assert.NoError(t, m.Start(ctx))
	assert.NoError(t, m.Stop(ctx))
	assert.Equal(t, []string{
		"start:a", "start:b", "start:c",
		"stop:c", "stop:b", "stop:a",
	}, log)
}

func TestManagerRollsBackFailedStart(t *testing.T) {
	var log []string
	m := NewManager()
	assert.NoError(t, m.Register(&recordedService{name: "a", log: &log}))
	assert.NoError(t, m.Register(&recordedService{name: "b", startErr: errors.New("no port"), log: &log}))
	assert.NoError(t, m.Register(&recordedService{name: "c", log: &log}))

	err := m.Start(context.Background())
	assert.ErrorContains(t, err, "start b")
	assert.Equal(t, []string{"start:a", "start:b", "stop:a"}, log)

	// a failed start leaves the manager restartable
	log = nil
	assert.ErrorContains(t, m.Start(context.Background()), "start b")
}

func TestManagerRejectsDuplicatesAndLateRegistration(t *testing.T) {
	var log []string
	m := NewManager()
	assert.NoError(t, m.Register(&recordedService{name: "a", log: &log}))
	assert.ErrorContains(t, m.Register(&recordedService{name: "a", log: &log}), "duplicate")
	assert.ErrorContains(t, m.Register(NoopService{}), "empty name")
	assert.Error(t, m.Register(nil))

	assert.NoError(t, m.Start(context.Background()))
	assert.ErrorContains(t, m.Register(&recordedService{name: "late", log: &log}), "already started")
	assert.NoError(t, m.Stop(context.Background()))
}

func TestManagerStopCollectsFirstError(t *testing.T) {
	var log []string
	m := NewManager()
	assert.NoError(t, m.Register(&recordedService{name: "a", stopErr: errors.New("flush failed"), log: &log}))
	assert.NoError(t, m.Register(&recordedService{name: "b", stopErr: errors.New("socket close"), log: &log}))

	assert.NoError(t, m.Start(context.Background()))
	err := m.Stop(context.Background())
	// b stops first; its error is the one reported, but a is still stopped
	assert.ErrorContains(t, err, "stop b")
	assert.Contains(t, log, "stop:a")
}

func TestManagerIdempotentStartStop(t *testing.T) {
	var log []string
	m := NewManager()
	assert.NoError(t, m.Register(&recordedService{name: "a", log: &log}))

	ctx := context.Background()
	assert.NoError(t, m.Start(ctx))
	assert.NoError(t, m.Start(ctx))
	assert.NoError(t, m.Stop(ctx))
	assert.NoError(t, m.Stop(ctx))
	assert.Equal(t, []string{"start:a", "stop:a"}, log)
}

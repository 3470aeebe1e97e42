package service

import (
	"sync"
	"testing"
)

type fakeSDKClient struct {
	mu          sync.Mutex
	readyCalls  int
	shutdownCalls int
	healthCh    chan struct{}
}

func newFakeSDKClient() *fakeSDKClient {
	return &fakeSDKClient{healthCh: make(chan struct{}, 8)}
}

func (f *fakeSDKClient) Ready() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.readyCalls++
	return nil
}

func (f *fakeSDKClient) Health() (chan<- struct{}, error) {
	return f.healthCh, nil
}

func (f *fakeSDKClient) Shutdown() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.shutdownCalls++
	return nil
}

func TestAgonesServiceDefaultsHealthPingInterval(t *testing.T) {
	inner := New(Config{Executable: "sh"}, nil)
	a := NewAgonesService(inner, newFakeSDKClient(), AgonesConfig{}, nil)

	if a.cfg.HealthPingInterval != DefaultHealthPingInterval {
		t.Fatalf("HealthPingInterval = %v, want default %v", a.cfg.HealthPingInterval, DefaultHealthPingInterval)
	}
}

func TestAgonesServiceKeepsConfiguredHealthPingInterval(t *testing.T) {
	inner := New(Config{Executable: "sh"}, nil)
	want := DefaultHealthPingInterval * 2
	a := NewAgonesService(inner, newFakeSDKClient(), AgonesConfig{HealthPingInterval: want}, nil)

	if a.cfg.HealthPingInterval != want {
		t.Fatalf("HealthPingInterval = %v, want %v", a.cfg.HealthPingInterval, want)
	}
}

func TestAgonesServiceDoneNeverResolvesWithoutAutoShutdown(t *testing.T) {
	inner := New(Config{Executable: "sh"}, nil)
	a := NewAgonesService(inner, newFakeSDKClient(), AgonesConfig{AutoShutdownOnFinish: false}, nil)

	select {
	case <-a.Done():
		t.Fatal("Done() should never resolve when AutoShutdownOnFinish is false and Finished was never reached")
	default:
	}
}

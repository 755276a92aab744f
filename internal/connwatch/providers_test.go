package connwatch

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nugget/climate-agent/internal/events"
)

type fakeServers struct {
	mu        sync.Mutex
	down      map[string]bool
	refreshed map[string]int
}

func (f *fakeServers) Providers() []string { return []string{"weather", "thermostat"} }

func (f *fakeServers) Ping(_ context.Context, provider string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.down[provider] {
		return errors.New("connection refused")
	}
	return nil
}

func (f *fakeServers) Refresh(_ context.Context, provider string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refreshed[provider]++
	return nil
}

func (f *fakeServers) setDown(provider string, down bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.down[provider] = down
}

func (f *fakeServers) refreshCount(provider string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.refreshed[provider]
}

func TestWatchToolServers_RefreshOnRecovery(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	servers := &fakeServers{
		down:      map[string]bool{"thermostat": true},
		refreshed: make(map[string]int),
	}
	bus := events.New()
	ch := bus.Subscribe(32)
	defer bus.Unsubscribe(ch)

	bcfg := testBackoff()
	bcfg.MaxRetries = 1
	m := NewManager(slog.Default(), bus)
	m.WatchToolServers(ctx, servers, bcfg)
	defer m.Stop()

	time.Sleep(30 * time.Millisecond)
	if m.Ready("thermostat") {
		t.Fatal("thermostat should start down")
	}
	if servers.refreshCount("weather") != 1 {
		t.Errorf("weather refreshed %d times, want 1", servers.refreshCount("weather"))
	}

	servers.setDown("thermostat", false)
	time.Sleep(50 * time.Millisecond)

	if !m.Ready("thermostat") {
		t.Fatal("thermostat should have recovered")
	}
	if servers.refreshCount("thermostat") != 1 {
		t.Errorf("thermostat refreshed %d times, want 1", servers.refreshCount("thermostat"))
	}

	var ups []string
	for len(ch) > 0 {
		e := <-ch
		if e.Kind == events.KindProviderUp {
			ups = append(ups, e.Data["provider"].(string))
			if e.Data["kind"] != KindToolServer {
				t.Errorf("event kind = %v, want %q", e.Data["kind"], KindToolServer)
			}
		}
	}
	if len(ups) != 2 {
		t.Errorf("provider_up events for %v, want weather and thermostat", ups)
	}
}

type fakeModel struct {
	fail atomic.Bool
}

func (f *fakeModel) Ping(_ context.Context) error {
	if f.fail.Load() {
		return errors.New("model backend unavailable")
	}
	return nil
}

func TestWatchModel_PublishesDown(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bus := events.New()
	ch := bus.Subscribe(32)
	defer bus.Unsubscribe(ch)

	model := &fakeModel{}
	m := NewManager(slog.Default(), bus)
	w := m.WatchModel(ctx, "ollama", model, testBackoff())
	defer w.Stop()

	time.Sleep(20 * time.Millisecond)
	if !w.IsReady() {
		t.Fatal("model should be ready")
	}

	model.fail.Store(true)
	time.Sleep(30 * time.Millisecond)
	if w.IsReady() {
		t.Fatal("model should be down")
	}

	var down bool
	for len(ch) > 0 {
		e := <-ch
		if e.Kind == events.KindProviderDown {
			down = true
			if e.Data["error"] != "model backend unavailable" {
				t.Errorf("error = %v", e.Data["error"])
			}
		}
	}
	if !down {
		t.Error("expected a provider_down event")
	}
}

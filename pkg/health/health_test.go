package health

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func newTestTracker() *Tracker {
	return NewTracker(TrackerConfig{
		ErrorThreshold:       3,
		UnavailableThreshold: 6,
		RecoveryThreshold:    2,
		HealthCheckInterval:  10 * time.Millisecond,
	})
}

func TestHealthState_String(t *testing.T) {
	tests := map[HealthState]string{
		StateHealthy:     "healthy",
		StateDegraded:    "degraded",
		StateReadOnly:    "read-only",
		StateUnavailable: "unavailable",
		HealthState(42):  "unknown",
	}
	for state, want := range tests {
		if got := state.String(); got != want {
			t.Errorf("HealthState(%d).String() = %q, want %q", int(state), got, want)
		}
	}
}

func TestNewTracker_Defaults(t *testing.T) {
	tracker := NewTracker(TrackerConfig{ErrorThreshold: 5, UnavailableThreshold: 2})
	cfg := tracker.Config()
	if cfg.UnavailableThreshold != 5 {
		t.Errorf("UnavailableThreshold = %d, want it raised to ErrorThreshold", cfg.UnavailableThreshold)
	}
	if cfg.RecoveryThreshold != DefaultConfig().RecoveryThreshold {
		t.Errorf("RecoveryThreshold = %d", cfg.RecoveryThreshold)
	}
	if cfg.HealthCheckInterval != DefaultConfig().HealthCheckInterval {
		t.Errorf("HealthCheckInterval = %v", cfg.HealthCheckInterval)
	}
}

func TestTracker_Register(t *testing.T) {
	tracker := newTestTracker()
	if tracker.GetState("download") != StateUnavailable {
		t.Error("unknown component should be unavailable")
	}

	tracker.Register("download")
	tracker.RecordError("download", OpRead, fmt.Errorf("boom"))
	tracker.Register("download")

	h, err := tracker.GetComponentHealth("download")
	if err != nil {
		t.Fatalf("GetComponentHealth: %v", err)
	}
	if h.State != StateHealthy || h.ConsecutiveErrors != 1 {
		t.Errorf("second Register reset the component: %+v", h)
	}

	if _, err := tracker.GetComponentHealth("missing"); err == nil {
		t.Error("expected error for unregistered component")
	}

	// recording on unknown components is ignored
	tracker.RecordError("missing", OpWrite, fmt.Errorf("boom"))
	tracker.RecordSuccess("missing", OpWrite)
}

func TestTracker_ReadErrorsDegrade(t *testing.T) {
	tracker := newTestTracker()
	tracker.Register("result")

	for i := 0; i < 2; i++ {
		tracker.RecordError("result", OpRead, fmt.Errorf("read %d", i))
	}
	if s := tracker.GetState("result"); s != StateHealthy {
		t.Fatalf("state below threshold = %s, want healthy", s)
	}

	tracker.RecordError("result", OpRead, fmt.Errorf("read 2"))
	if s := tracker.GetState("result"); s != StateDegraded {
		t.Fatalf("state = %s, want degraded", s)
	}
	if !tracker.CanRead("result") || !tracker.CanWrite("result") {
		t.Error("degraded component should still be readable and writable")
	}

	h, _ := tracker.GetComponentHealth("result")
	if h.LastErrorMessage != "read 2" {
		t.Errorf("LastErrorMessage = %q", h.LastErrorMessage)
	}
}

func TestTracker_WriteErrorsMakeReadOnly(t *testing.T) {
	tracker := newTestTracker()
	tracker.Register("download")

	for i := 0; i < 3; i++ {
		tracker.RecordError("download", OpWrite, fmt.Errorf("disk full"))
	}
	if s := tracker.GetState("download"); s != StateReadOnly {
		t.Fatalf("state = %s, want read-only", s)
	}
	if !tracker.CanRead("download") || tracker.CanWrite("download") {
		t.Error("read-only component must be readable and not writable")
	}

	// read errors do not move it back to degraded
	tracker.RecordError("download", OpRead, fmt.Errorf("read"))
	if s := tracker.GetState("download"); s != StateReadOnly {
		t.Errorf("state = %s, want read-only", s)
	}

	// successful reads do not prove writes work again
	for i := 0; i < 5; i++ {
		tracker.RecordSuccess("download", OpRead)
	}
	if s := tracker.GetState("download"); s != StateReadOnly {
		t.Errorf("state after reads = %s, want read-only", s)
	}

	tracker.RecordSuccess("download", OpProbe)
	tracker.RecordSuccess("download", OpProbe)
	if s := tracker.GetState("download"); s != StateHealthy {
		t.Errorf("state after probes = %s, want healthy", s)
	}
}

func TestTracker_Unavailable(t *testing.T) {
	tracker := newTestTracker()
	tracker.Register("result")

	for i := 0; i < 6; i++ {
		tracker.RecordError("result", OpWrite, fmt.Errorf("io"))
	}
	if s := tracker.GetState("result"); s != StateUnavailable {
		t.Fatalf("state = %s, want unavailable", s)
	}
	if tracker.CanRead("result") || tracker.CanWrite("result") {
		t.Error("unavailable component must be bypassed")
	}
	if tracker.GetOverallHealth() != StateUnavailable {
		t.Errorf("overall = %s", tracker.GetOverallHealth())
	}

	// one success is not enough, and an error restarts recovery
	tracker.RecordSuccess("result", OpProbe)
	tracker.RecordError("result", OpProbe, fmt.Errorf("io"))
	tracker.RecordSuccess("result", OpProbe)
	if s := tracker.GetState("result"); s != StateUnavailable {
		t.Fatalf("state = %s, want unavailable", s)
	}
	tracker.RecordSuccess("result", OpProbe)
	if s := tracker.GetState("result"); s != StateHealthy {
		t.Fatalf("state = %s, want healthy", s)
	}
	h, _ := tracker.GetComponentHealth("result")
	if h.ConsecutiveErrors != 0 || h.LastErrorMessage != "" {
		t.Errorf("recovered component kept error state: %+v", h)
	}
}

func TestTracker_OnStateChange(t *testing.T) {
	tracker := newTestTracker()
	tracker.Register("download")

	var mu sync.Mutex
	var changes []string
	tracker.OnStateChange(func(component string, oldState, newState HealthState, err error) {
		mu.Lock()
		defer mu.Unlock()
		changes = append(changes, fmt.Sprintf("%s:%s>%s", component, oldState, newState))
		// callbacks may call back into the tracker
		_ = tracker.GetState(component)
	})

	for i := 0; i < 3; i++ {
		tracker.RecordError("download", OpWrite, fmt.Errorf("io"))
	}
	tracker.RecordSuccess("download", OpWrite)
	tracker.RecordSuccess("download", OpWrite)

	mu.Lock()
	defer mu.Unlock()
	want := []string{"download:healthy>read-only", "download:read-only>healthy"}
	if fmt.Sprint(changes) != fmt.Sprint(want) {
		t.Errorf("changes = %v, want %v", changes, want)
	}
}

func TestTracker_GetAllComponents(t *testing.T) {
	tracker := newTestTracker()
	tracker.Register("result")
	tracker.Register("download")
	for i := 0; i < 3; i++ {
		tracker.RecordError("result", OpRead, fmt.Errorf("io"))
	}

	all := tracker.GetAllComponents()
	if len(all) != 2 {
		t.Fatalf("len = %d, want 2", len(all))
	}
	if all["result"].State != StateDegraded || all["download"].State != StateHealthy {
		t.Errorf("components = %+v", all)
	}
	if tracker.GetOverallHealth() != StateDegraded {
		t.Errorf("overall = %s, want degraded", tracker.GetOverallHealth())
	}

	data, err := json.Marshal(all["result"])
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var decoded map[string]interface{}
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded["state"] != "degraded" {
		t.Errorf("state encoded as %v", decoded["state"])
	}
}

func TestTracker_HealthChecksProbeUnhealthyComponents(t *testing.T) {
	tracker := newTestTracker()
	tracker.Register("result")
	tracker.Register("download")
	for i := 0; i < 6; i++ {
		tracker.RecordError("download", OpWrite, fmt.Errorf("io"))
	}

	var probedResult, probedDownload atomic.Int32
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		tracker.StartHealthChecks(ctx, func(ctx context.Context, name string) error {
			if name == "result" {
				probedResult.Add(1)
			} else {
				probedDownload.Add(1)
			}
			return nil
		})
	}()

	deadline := time.Now().Add(2 * time.Second)
	for tracker.GetState("download") != StateHealthy && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	<-done

	if s := tracker.GetState("download"); s != StateHealthy {
		t.Fatalf("download state = %s, want healthy", s)
	}
	if probedDownload.Load() < 2 {
		t.Errorf("download probed %d times, want at least 2", probedDownload.Load())
	}
	if probedResult.Load() != 0 {
		t.Errorf("healthy component was probed %d times", probedResult.Load())
	}
}

package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

func healthyCheck(context.Context) CheckResult {
	return CheckResult{Status: StatusHealthy, Message: "ok"}
}

func TestHandler(t *testing.T) {
	h := NewHandler(WithVersion("1.0.0"), WithTimeout(time.Second))

	t.Run("Register and check", func(t *testing.T) {
		h.RegisterFunc("redis", healthyCheck)

		response := h.Check(context.Background())

		if response.Status != StatusHealthy {
			t.Errorf("Status = %v, want %v", response.Status, StatusHealthy)
		}
		if response.Version != "1.0.0" {
			t.Errorf("Version = %v, want %v", response.Version, "1.0.0")
		}
		if result, ok := response.Checks["redis"]; !ok {
			t.Error("Expected 'redis' check in response")
		} else if result.Message != "ok" {
			t.Errorf("Message = %v, want 'ok'", result.Message)
		}
	})

	t.Run("Names", func(t *testing.T) {
		h.RegisterFunc("capacity", healthyCheck)
		names := h.Names()
		if len(names) != 2 || names[0] != "capacity" || names[1] != "redis" {
			t.Errorf("Names = %v, want [capacity redis]", names)
		}
	})
}

func TestHandler_CheckTimeout(t *testing.T) {
	h := NewHandler(WithTimeout(20 * time.Millisecond))
	release := make(chan struct{})
	defer close(release)

	h.RegisterFunc("stuck", func(context.Context) CheckResult {
		<-release
		return CheckResult{Status: StatusHealthy}
	})

	start := time.Now()
	response := h.Check(context.Background())

	if time.Since(start) > time.Second {
		t.Error("Check should not wait for a stuck checker")
	}
	if response.Status != StatusUnhealthy {
		t.Errorf("Status = %v, want %v", response.Status, StatusUnhealthy)
	}
	if response.Checks["stuck"].Error != "check timed out" {
		t.Errorf("Error = %q, want 'check timed out'", response.Checks["stuck"].Error)
	}
}

func TestHandler_CheckPanics(t *testing.T) {
	h := NewHandler()
	h.RegisterFunc("broken", func(context.Context) CheckResult { panic("boom") })

	response := h.Check(context.Background())
	if response.Status != StatusUnhealthy {
		t.Errorf("Status = %v, want %v", response.Status, StatusUnhealthy)
	}
}

func TestHandler_HideDetails(t *testing.T) {
	h := NewHandler(WithHideDetails())
	h.RegisterFunc("redis", healthyCheck)

	if response := h.Check(context.Background()); response.Checks != nil {
		t.Errorf("Checks = %v, want nil", response.Checks)
	}
}

func TestOverall(t *testing.T) {
	tests := []struct {
		name    string
		results map[string]CheckResult
		want    Status
	}{
		{"no checks", nil, StatusHealthy},
		{"all healthy", map[string]CheckResult{"a": {Status: StatusHealthy}}, StatusHealthy},
		{"degraded", map[string]CheckResult{"a": {Status: StatusHealthy}, "b": {Status: StatusDegraded}}, StatusDegraded},
		{"unhealthy wins", map[string]CheckResult{"a": {Status: StatusDegraded}, "b": {Status: StatusUnhealthy}}, StatusUnhealthy},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Overall(tt.results); got != tt.want {
				t.Errorf("Overall() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestRouter(t *testing.T) {
	h := NewHandler()
	pingErr := errors.New("dial tcp 127.0.0.1:6379: connect: connection refused")
	var failing atomic.Bool
	h.Register("redis", &PingCheck{Ping: func(context.Context) error {
		if failing.Load() {
			return pingErr
		}
		return nil
	}})
	metrics := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("surface_active_scans 0\n"))
	})
	srv := httptest.NewServer(Router(h, metrics))
	defer srv.Close()

	get := func(path string) (int, map[string]any) {
		t.Helper()
		resp, err := http.Get(srv.URL + path)
		if err != nil {
			t.Fatalf("GET %s: %v", path, err)
		}
		defer resp.Body.Close()
		var body map[string]any
		_ = json.NewDecoder(resp.Body).Decode(&body)
		return resp.StatusCode, body
	}

	t.Run("Liveness", func(t *testing.T) {
		if code, body := get("/healthz"); code != http.StatusOK || body["status"] != string(StatusHealthy) {
			t.Errorf("GET /healthz = %d %v", code, body)
		}
	})

	t.Run("Not ready before SetReady", func(t *testing.T) {
		if code, _ := get("/readyz"); code != http.StatusServiceUnavailable {
			t.Errorf("GET /readyz = %d, want 503", code)
		}
	})

	t.Run("Ready", func(t *testing.T) {
		h.SetReady(true)
		if code, _ := get("/readyz"); code != http.StatusOK {
			t.Errorf("GET /readyz = %d, want 200", code)
		}
	})

	t.Run("Broker down", func(t *testing.T) {
		failing.Store(true)
		defer failing.Store(false)
		code, body := get("/readyz")
		if code != http.StatusServiceUnavailable {
			t.Errorf("GET /readyz = %d, want 503", code)
		}
		if body["status"] != string(StatusUnhealthy) {
			t.Errorf("status = %v, want unhealthy", body["status"])
		}
	})

	t.Run("Metrics", func(t *testing.T) {
		resp, err := http.Get(srv.URL + "/metrics")
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Errorf("GET /metrics = %d, want 200", resp.StatusCode)
		}
	})
}

func TestCapacityCheck(t *testing.T) {
	active := 2
	c := &CapacityCheck{Active: func() int { return active }, Limit: 3}

	if got := c.Check(context.Background()).Status; got != StatusHealthy {
		t.Errorf("Status = %v, want healthy", got)
	}
	active = 3
	if got := c.Check(context.Background()).Status; got != StatusDegraded {
		t.Errorf("Status at limit = %v, want degraded", got)
	}
}

func TestPingCheck_NoFunc(t *testing.T) {
	if got := (&PingCheck{}).Check(context.Background()).Status; got != StatusUnknown {
		t.Errorf("Status = %v, want unknown", got)
	}
}

func TestMemoryCheck(t *testing.T) {
	if got := (&MemoryCheck{}).Check(context.Background()).Status; got != StatusHealthy {
		t.Errorf("Status = %v, want healthy", got)
	}
	if got := (&MemoryCheck{MaxHeapBytes: 1}).Check(context.Background()).Status; got != StatusUnhealthy {
		t.Errorf("Status with tiny threshold = %v, want unhealthy", got)
	}
}

func TestGRPCBridge(t *testing.T) {
	h := NewHandler()
	b := NewGRPCBridge(h, "surface.worker")
	ctx := context.Background()

	status := func() healthpb.HealthCheckResponse_ServingStatus {
		t.Helper()
		resp, err := b.Server().Check(ctx, &healthpb.HealthCheckRequest{Service: "surface.worker"})
		if err != nil {
			t.Fatalf("Check() error = %v", err)
		}
		return resp.Status
	}

	if got := status(); got != healthpb.HealthCheckResponse_NOT_SERVING {
		t.Errorf("initial status = %v, want NOT_SERVING", got)
	}

	h.SetReady(true)
	if got := b.Sync(ctx); got != healthpb.HealthCheckResponse_SERVING {
		t.Errorf("Sync() = %v, want SERVING", got)
	}
	if got := status(); got != healthpb.HealthCheckResponse_SERVING {
		t.Errorf("status = %v, want SERVING", got)
	}

	h.RegisterFunc("redis", func(context.Context) CheckResult { return CheckResult{Status: StatusUnhealthy} })
	b.Sync(ctx)
	if got := status(); got != healthpb.HealthCheckResponse_NOT_SERVING {
		t.Errorf("status with failing check = %v, want NOT_SERVING", got)
	}
}

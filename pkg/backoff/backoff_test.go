// pkg/backoff/backoff_test.go
package backoff_test

import (
	"context"
	"errors"
	"testing"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/YaganovValera/kis-collector/pkg/backoff"
	"github.com/YaganovValera/kis-collector/pkg/logger"
)

func fastConfig() backoff.Config {
	return backoff.Config{
		Operation:       "test",
		InitialInterval: time.Millisecond,
		Multiplier:      1,
		MaxInterval:     2 * time.Millisecond,
	}
}

func TestExecute_SuccessFirstAttempt(t *testing.T) {
	called := 0
	err := backoff.Execute(context.Background(), fastConfig(), logger.NewNop(), func(ctx context.Context) error {
		called++
		return nil
	})
	if err != nil {
		t.Errorf("expected nil error, got %v", err)
	}
	if called != 1 {
		t.Errorf("expected 1 attempt, got %d", called)
	}
}

func TestExecute_EventualSuccess(t *testing.T) {
	called := 0
	err := backoff.Execute(context.Background(), fastConfig(), logger.NewNop(), func(ctx context.Context) error {
		called++
		if called < 3 {
			return errors.New("fail")
		}
		return nil
	})
	if err != nil {
		t.Errorf("expected success, got %v", err)
	}
	if called != 3 {
		t.Errorf("expected 3 attempts, got %d", called)
	}
}

func TestExecute_MaxRetries(t *testing.T) {
	cfg := fastConfig()
	cfg.MaxRetries = 3
	sentinel := errors.New("always fail")

	called := 0
	err := backoff.Execute(context.Background(), cfg, logger.NewNop(), func(ctx context.Context) error {
		called++
		return sentinel
	})
	var maxErr *backoff.ErrMaxRetries
	if !errors.As(err, &maxErr) {
		t.Fatalf("expected ErrMaxRetries, got %v", err)
	}
	if called != 4 {
		t.Errorf("expected 1 attempt + 3 retries, got %d calls", called)
	}
	if maxErr.Attempts != called {
		t.Errorf("Attempts = %d; want %d", maxErr.Attempts, called)
	}
	if !errors.Is(err, sentinel) {
		t.Errorf("error chain must contain the last failure, got %v", err)
	}
}

func TestExecute_Permanent(t *testing.T) {
	called := 0
	err := backoff.Execute(context.Background(), fastConfig(), logger.NewNop(), func(ctx context.Context) error {
		called++
		return backoff.Permanent(errors.New("bad credentials"))
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if called != 1 {
		t.Errorf("permanent error must not be retried, got %d calls", called)
	}
}

func TestExecute_InvalidConfig(t *testing.T) {
	cfg := backoff.Config{RandomizationFactor: 2}
	err := backoff.Execute(context.Background(), cfg, logger.NewNop(), func(ctx context.Context) error { return nil })
	if err == nil {
		t.Fatal("expected validation error")
	}
}

func TestExponential_Bounds(t *testing.T) {
	cfg := backoff.Config{
		InitialInterval:     10 * time.Millisecond,
		RandomizationFactor: 0.1,
		Multiplier:          2,
		MaxInterval:         40 * time.Millisecond,
	}
	bo := cfg.Exponential()
	for i := 0; i < 10; i++ {
		d := bo.NextBackOff()
		if d <= 0 {
			t.Fatalf("step %d: unlimited strategy must never stop, got %v", i, d)
		}
		if d > 44*time.Millisecond {
			t.Fatalf("step %d: delay %v exceeds max interval with jitter", i, d)
		}
	}
}

func TestMetrics_ServiceNamespace(t *testing.T) {
	cfg := fastConfig()
	cfg.Operation = "namespace_check"
	_ = backoff.Execute(context.Background(), cfg, logger.NewNop(), func(context.Context) error { return nil })

	families, err := prometheus.DefaultGatherer.Gather()
	if err != nil {
		t.Fatal(err)
	}
	found := false
	for _, mf := range families {
		name := mf.GetName()
		if strings.Contains(name, "_backoff_") {
			found = true
			if !strings.HasPrefix(name, "collector_backoff_") {
				t.Errorf("metric %q outside the collector namespace", name)
			}
		}
	}
	if !found {
		t.Fatal("no backoff metrics registered")
	}
}

package observability

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/potluck-btc/potluck/internal/config"
)

func TestNewWithoutTracing(t *testing.T) {
	var buf bytes.Buffer
	obs, err := New(context.Background(), config.ObservabilityConfig{
		LogLevel:  "debug",
		LogFormat: "json",
	}, &buf)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = obs.Close(context.Background()) }()

	obs.Logger.Info("hello")
	if !bytes.Contains(buf.Bytes(), []byte(`"msg":"hello"`)) {
		t.Errorf("log output = %s", buf.String())
	}
	if obs.Registry == nil || obs.TracerProvider == nil {
		t.Error("missing components")
	}
}

func TestShutdownOrderAndErrors(t *testing.T) {
	var order []string
	sc := &ShutdownCoordinator{}
	sc.Register("first", func(context.Context) error {
		order = append(order, "first")
		return nil
	})
	sc.Register("second", func(context.Context) error {
		order = append(order, "second")
		return errors.New("boom")
	})

	err := sc.Shutdown(context.Background())
	if err == nil {
		t.Fatal("expected joined error")
	}
	if len(order) != 2 || order[0] != "second" || order[1] != "first" {
		t.Errorf("order = %v, want LIFO", order)
	}

	// Handlers run once.
	order = nil
	if err := sc.Shutdown(context.Background()); err != nil {
		t.Errorf("second shutdown: %v", err)
	}
	if len(order) != 0 {
		t.Errorf("handlers re-ran: %v", order)
	}
}

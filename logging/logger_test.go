package logging

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/fintrack/syncbox/errors"
)

func TestLogger(t *testing.T) {
	configs := []Config{
		{Level: "debug", Format: "text", Environment: EnvDevelopment, AddSource: true},
		{Level: "info", Format: "json", Environment: EnvProduction, AddSource: false},
	}

	for _, config := range configs {
		t.Run("Environment_"+config.Environment, func(t *testing.T) {
			logger := NewLogger(config)

			logger.Debug("Debug message", slog.String("key", "value"))
			logger.Info("Info message", slog.Int("count", 42))
			logger.Warn("Warning message", slog.Bool("enabled", true))

			testErr := errors.New(errors.OpPut, fmt.Errorf("storage error"))
			logger.LogError(context.Background(), testErr, "Operation failed")

			childLogger := logger.WithComponent(Component("test"))
			childLogger.Info("Child logger message")

			err := logger.LogOperation(
				context.Background(),
				Operation("test_op"),
				Component("test_component"),
				func() error {
					time.Sleep(10 * time.Millisecond)
					return nil
				},
			)
			if err != nil {
				t.Errorf("Unexpected error: %v", err)
			}
		})
	}
}

func TestLogOperationPropagatesError(t *testing.T) {
	logger := NewLogger(Config{Level: "error", Format: "text", Environment: EnvTest})

	wantErr := fmt.Errorf("boom")
	err := logger.LogOperation(context.Background(), Operation("failing_op"), Component("test"), func() error {
		return wantErr
	})
	if err != wantErr {
		t.Errorf("LogOperation() error = %v, want %v", err, wantErr)
	}
}

func TestSyncErrorValuer(t *testing.T) {
	syncErr := &errors.SyncError{
		Op:        errors.OpSync,
		Component: "engine",
		Kind:      errors.KindNetwork,
		Retryable: true,
		Err:       fmt.Errorf("connection reset"),
		Metadata:  map[string]interface{}{"entity_type": "wallet"},
	}

	valuer := SyncErrorValuer{SyncError: syncErr}
	value := valuer.LogValue()

	if value.Kind() != slog.KindGroup {
		t.Errorf("LogValue kind = %v, want group", value.Kind())
	}

	attrs := value.Group()
	found := map[string]bool{}
	for _, attr := range attrs {
		found[attr.Key] = true
	}
	for _, key := range []string{"operation", "component", "kind", "retryable", "error", "metadata"} {
		if !found[key] {
			t.Errorf("LogValue missing %q attribute", key)
		}
	}
}

func TestGetConfigFromEnv(t *testing.T) {
	os.Setenv("LOG_LEVEL", "WARN")
	os.Setenv("ENVIRONMENT", "production")
	defer os.Unsetenv("LOG_LEVEL")
	defer os.Unsetenv("ENVIRONMENT")

	config := GetConfigFromEnv()
	if config.Level != "warn" {
		t.Errorf("Level = %q, want warn", config.Level)
	}
	if config.Environment != EnvProduction {
		t.Errorf("Environment = %q, want %q", config.Environment, EnvProduction)
	}
	if config.AddSource {
		t.Error("AddSource should be disabled in production")
	}
}

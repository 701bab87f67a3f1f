package test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/hrygo/crmsync/internal/profile"
	"github.com/hrygo/crmsync/internal/tenancy"
	"github.com/hrygo/crmsync/plugin/metrics"
	"github.com/hrygo/crmsync/plugin/sensitivity"
	"github.com/hrygo/crmsync/plugin/vault"
	"github.com/hrygo/crmsync/store"
	"github.com/hrygo/crmsync/store/db"
)

// NewTestingStore opens a store on the driver named by DRIVER (memory by default).
// The store is closed when the test ends.
func NewTestingStore(ctx context.Context, t *testing.T) (*store.Store, *metrics.MockSink) {
	t.Helper()

	p := getTestingProfile(t)
	driver, err := db.NewDBDriver(p)
	if err != nil {
		t.Fatalf("failed to create db driver: %v", err)
	}

	sink := metrics.NewMockSink()
	s := store.New(
		driver,
		sensitivity.NewClassifier(nil, sink),
		vault.NewProvider(vault.Config{Iterations: 1000, Salt: "store-test"}),
		sink,
	)
	t.Cleanup(func() {
		if err := s.Close(); err != nil {
			t.Logf("failed to close store: %v", err)
		}
	})
	return s, sink
}

func getTestingProfile(t *testing.T) *profile.Profile {
	driver := getDriverFromEnv()
	p := &profile.Profile{
		Mode:          "dev",
		Driver:        driver,
		KDFIterations: 1000,
		KDFSalt:       "store-test",
	}
	if driver == "sqlite" {
		dir := t.TempDir()
		p.Data = dir
		p.DSN = filepath.Join(dir, "crmsync_test.db")
	}
	return p
}

func getDriverFromEnv() string {
	driver := os.Getenv("DRIVER")
	if driver == "" {
		driver = "memory"
	}
	return driver
}

// AsCaller attaches a (tenant, user) pair to ctx.
func AsCaller(ctx context.Context, tenantID, userID string) context.Context {
	return tenancy.WithCaller(ctx, tenancy.Caller{TenantID: tenantID, UserID: userID})
}

package config

import (
	"testing"
	"time"

	"github.com/MarkoPoloResearchLab/aicredits/pkg/credits"
)

func TestParseAllowedOrigins(t *testing.T) {
	origins := ParseAllowedOrigins(" http://a.com , http://b.com ,")
	if len(origins) != 2 || origins[0] != "http://a.com" || origins[1] != "http://b.com" {
		t.Fatalf("unexpected origins: %#v", origins)
	}
	if len(ParseAllowedOrigins("  ")) != 0 {
		t.Fatalf("expected no origins for blank input")
	}
}

func TestConfigValidateMissingFields(t *testing.T) {
	cfg := Config{}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected validation error")
	}
}

func TestConfigValidateDefaults(t *testing.T) {
	cfg := Config{SessionSigningKey: "secret"}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.StoreDriver != StoreDriverGORM || cfg.ListenAddr != defaultListenAddr {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if cfg.ExpiryInterval != time.Minute || cfg.ResetInterval != time.Hour {
		t.Fatalf("unexpected job intervals: %v %v", cfg.ExpiryInterval, cfg.ResetInterval)
	}
	if cfg.ReservationTTL != credits.DefaultReservationTTL || cfg.ExpiryBatchSize != credits.DefaultExpiryBatchSize {
		t.Fatalf("unexpected ledger defaults: %+v", cfg)
	}
	if cfg.LowBalanceDebounce != 24*time.Hour || cfg.NodeID != 1 {
		t.Fatalf("unexpected notifier defaults: %+v", cfg)
	}
}

func TestConfigValidateStoreDriver(t *testing.T) {
	testCases := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{name: "unknown driver", cfg: Config{SessionSigningKey: "k", StoreDriver: "mongo"}, wantErr: true},
		{name: "pgx on sqlite", cfg: Config{SessionSigningKey: "k", StoreDriver: "pgx", DatabaseURL: "sqlite:///tmp/x.db"}, wantErr: true},
		{name: "pgx on postgres", cfg: Config{SessionSigningKey: "k", StoreDriver: "PGX", DatabaseURL: "postgres://localhost/credits"}},
		{name: "node id out of range", cfg: Config{SessionSigningKey: "k", NodeID: 2048}, wantErr: true},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			err := testCase.cfg.Validate()
			if testCase.wantErr && err == nil {
				t.Fatal("expected error")
			}
			if !testCase.wantErr && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}

func TestConfigValidateWorkerSkipsSession(t *testing.T) {
	cfg := Config{DatabaseURL: "postgres://localhost/credits", StoreDriver: StoreDriverPGX}
	if err := cfg.ValidateWorker(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected serve validation to require a signing key")
	}
}

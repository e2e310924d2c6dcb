package config

import (
	"os"
	"testing"
	"time"
)

// validPayoutAddress is a well-formed base58check string for tests.
const validPayoutAddress = "1A1zP1eP5QGefi2DMPTfTL5SLmv7DivfNa"

func TestLoad(t *testing.T) {
	tests := []struct {
		name    string
		envVars map[string]string
		wantErr bool
	}{
		{
			name:    "default config",
			envVars: map[string]string{},
			wantErr: false,
		},
		{
			name: "custom config",
			envVars: map[string]string{
				"SERVICE_NAME":   "test-service",
				"MINING_WORKERS": "4",
				"HASH_MODE":      "light",
				"POLL_INTERVAL":  "500ms",
				"STALE_TIMEOUT":  "10s",
			},
			wantErr: false,
		},
		{
			name: "mining enabled with valid address",
			envVars: map[string]string{
				"MINING_ENABLED": "true",
				"POOL_URL":       "http://127.0.0.1:37890",
				"PAYOUT_ADDRESS": validPayoutAddress,
			},
			wantErr: false,
		},
		{
			name: "mining enabled without address",
			envVars: map[string]string{
				"MINING_ENABLED": "true",
			},
			wantErr: true,
		},
		{
			name: "mining enabled with bad address",
			envVars: map[string]string{
				"MINING_ENABLED": "true",
				"PAYOUT_ADDRESS": "notbase58check!!!",
			},
			wantErr: true,
		},
		{
			name: "invalid rpc port",
			envVars: map[string]string{
				"CHAIN_RPC_PORT": "99999",
			},
			wantErr: true,
		},
		{
			name: "zero workers",
			envVars: map[string]string{
				"MINING_WORKERS": "0",
			},
			wantErr: true,
		},
		{
			name: "bad hash mode",
			envVars: map[string]string{
				"HASH_MODE": "turbo",
			},
			wantErr: true,
		},
		{
			name: "stale timeout below poll interval",
			envVars: map[string]string{
				"POLL_INTERVAL": "10s",
				"STALE_TIMEOUT": "5s",
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for key, value := range tt.envVars {
				t.Setenv(key, value)
			}

			cfg, err := Load()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Load() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err == nil && cfg == nil {
				t.Fatal("Load() returned nil config without error")
			}
		})
	}
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	if cfg.ServiceName != "jmined" {
		t.Errorf("ServiceName = %q, want jmined", cfg.ServiceName)
	}
	if cfg.Workers != 2 {
		t.Errorf("Workers = %d, want 2", cfg.Workers)
	}
	if cfg.HashMode != "fast" {
		t.Errorf("HashMode = %q, want fast", cfg.HashMode)
	}
	if cfg.PollInterval != 2*time.Second {
		t.Errorf("PollInterval = %v, want 2s", cfg.PollInterval)
	}
	if cfg.ChainRPCPort != 8232 {
		t.Errorf("ChainRPCPort = %d, want 8232", cfg.ChainRPCPort)
	}
	if cfg.MiningEnabled || cfg.KafkaEnabled || cfg.RedisEnabled {
		t.Error("Optional subsystems should default to disabled")
	}
}

func TestGetEnvSlice(t *testing.T) {
	t.Setenv("TEST_BROKERS", "k1:9092, k2:9092,k3:9092")

	got := getEnvSlice("TEST_BROKERS", nil)
	want := []string{"k1:9092", "k2:9092", "k3:9092"}
	if len(got) != len(want) {
		t.Fatalf("getEnvSlice() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("getEnvSlice()[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestGetEnvBool(t *testing.T) {
	t.Setenv("TEST_FLAG", "true")
	if !getEnvBool("TEST_FLAG", false) {
		t.Error("getEnvBool should parse true")
	}

	t.Setenv("TEST_FLAG", "not-a-bool")
	if getEnvBool("TEST_FLAG", false) {
		t.Error("getEnvBool should fall back to default on parse failure")
	}

	_ = os.Unsetenv("TEST_FLAG")
	if !getEnvBool("TEST_FLAG", true) {
		t.Error("getEnvBool should use default when unset")
	}
}

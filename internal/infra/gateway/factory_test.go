package gateway

import (
	"errors"
	"testing"

	"ibot_go/internal/domain"
	"ibot_go/internal/infra"
)

func TestNew(t *testing.T) {
	tests := []struct {
		mode    string
		wantErr bool
	}{
		{infra.GatewayModePaper, false},
		{infra.GatewayModeBridge, false},
		{"live", true},
	}

	for _, tt := range tests {
		t.Run(tt.mode, func(t *testing.T) {
			cfg := infra.DefaultConfig()
			cfg.Gateway.Mode = tt.mode

			gw, err := New(cfg, newChanSink(), nil)
			if tt.wantErr {
				var ce *domain.ConfigError
				if !errors.As(err, &ce) {
					t.Errorf("Expected ConfigError, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("New failed: %v", err)
			}

			switch tt.mode {
			case infra.GatewayModePaper:
				if _, ok := gw.(*Paper); !ok {
					t.Errorf("Expected *Paper, got %T", gw)
				}
			case infra.GatewayModeBridge:
				if _, ok := gw.(*Bridge); !ok {
					t.Errorf("Expected *Bridge, got %T", gw)
				}
			}
		})
	}
}

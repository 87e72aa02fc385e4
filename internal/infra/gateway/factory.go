package gateway

import (
	"fmt"
	"log/slog"

	"ibot_go/internal/domain"
	"ibot_go/internal/infra"
)

// New returns the gateway selected by cfg.Gateway.Mode, reporting to sink.
func New(cfg *infra.Config, sink domain.EventSink, logger *slog.Logger) (domain.ExecutionGateway, error) {
	if logger == nil {
		logger = slog.Default()
	}
	mode := cfg.Gateway.Mode
	logger.Info("Initializing execution gateway", slog.String("mode", mode))

	switch mode {
	case infra.GatewayModePaper:
		return NewPaper(cfg.Gateway.Paper.NextValidID, cfg.Gateway.Paper.Marks, sink, logger), nil

	case infra.GatewayModeBridge:
		var signer *Signer
		if cfg.Gateway.AccessKey != "" {
			signer = NewSigner(cfg.Gateway.AccessKey, cfg.Gateway.SecretKey)
		} else {
			logger.Warn("🔓 Bridge credentials not set, connecting unsigned")
		}
		return NewBridge(cfg.Gateway.Path, signer, sink, logger), nil

	default:
		return nil, &domain.ConfigError{Field: "gateway.mode", Err: fmt.Errorf("unknown execution mode: %s", mode)}
	}
}

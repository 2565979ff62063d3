package peer

import (
	"fmt"
	"log/slog"

	"github.com/pion/interceptor"
	"github.com/pion/logging"
	"github.com/pion/transport/v4"
	"github.com/pion/webrtc/v4"

	vclog "github.com/Blaxat/VideoChat/internal/logging"
)

type apiConfig struct {
	net           transport.Net
	loggerFactory logging.LoggerFactory
}

// APIOption customizes NewAPI.
type APIOption func(*apiConfig)

// WithNet makes every connection of the API use n instead of the host
// network, e.g. a pion vnet in tests.
func WithNet(n transport.Net) APIOption {
	return func(c *apiConfig) { c.net = n }
}

// WithLoggerFactory replaces the slog bridge used for pion's internal logs.
func WithLoggerFactory(f logging.LoggerFactory) APIOption {
	return func(c *apiConfig) { c.loggerFactory = f }
}

// NewAPI builds a pion API with the default codecs and interceptors, logging
// through slog.
func NewAPI(opts ...APIOption) (*webrtc.API, error) {
	cfg := apiConfig{}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.loggerFactory == nil {
		cfg.loggerFactory = vclog.NewPionFactory(slog.Default())
	}

	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}

	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, registry); err != nil {
		return nil, fmt.Errorf("register interceptors: %w", err)
	}

	se := webrtc.SettingEngine{LoggerFactory: cfg.loggerFactory}
	if cfg.net != nil {
		se.SetNet(cfg.net)
	}

	return webrtc.NewAPI(
		webrtc.WithSettingEngine(se),
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(registry),
	), nil
}

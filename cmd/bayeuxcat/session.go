package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/fayeclient/bayeux"
	"github.com/fayeclient/bayeux/extensions/auth"
	"github.com/fayeclient/bayeux/extensions/metrics"
	"github.com/fayeclient/bayeux/extensions/replay"
	"github.com/fayeclient/bayeux/transport/longpolling"
	"github.com/fayeclient/bayeux/transport/websocket"
)

// session collects the engine options built from a config and the
// resources that must be released when bayeuxcat exits
type session struct {
	options []bayeux.Option
	closers []func() error
}

func (s *session) close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		_ = s.closers[i]()
	}
}

func newTransport(cfg *config) (bayeux.Transport, error) {
	header := cfg.header()
	var bearer *auth.BearerTransport
	if cfg.AccessToken != "" && !cfg.TokenInExt {
		bearer = &auth.BearerTransport{Source: auth.StaticToken(cfg.AccessToken)}
	}

	if cfg.Transport == transportLongPolling {
		opts := []longpolling.Option{longpolling.WithHeader(header)}
		if bearer != nil {
			opts = append(opts, longpolling.WithRoundTripper(bearer))
		}
		return longpolling.New(opts...)
	}
	opts := []websocket.Option{websocket.WithHeader(header)}
	if bearer != nil {
		opts = append(opts, websocket.WithHTTPClient(bearer.Client()))
	}
	return websocket.New(opts...), nil
}

func newSession(ctx context.Context, cfg *config, logger *logrus.Logger) (*session, error) {
	transport, err := newTransport(cfg)
	if err != nil {
		return nil, err
	}

	s := &session{options: []bayeux.Option{
		bayeux.WithTransport(transport),
		bayeux.WithLogger(logger),
		bayeux.WithMaxConnectAttempts(cfg.MaxConnectAttempts),
		bayeux.WithMaxNetworkDelay(cfg.MaxNetworkDelay),
	}}
	if cfg.AccessToken != "" && cfg.TokenInExt {
		ext := auth.NewHandshakeExtension(auth.StaticToken(cfg.AccessToken), func(err error) {
			logger.WithError(err).Warn("handshake credentials")
		})
		s.options = append(s.options, bayeux.WithExtension(ext))
	}
	for k, v := range cfg.Ext {
		s.options = append(s.options, bayeux.WithExt(k, v))
	}

	if cfg.Replay.Enabled {
		ext, err := s.replayExtension(ctx, cfg, logger)
		if err != nil {
			s.close()
			return nil, err
		}
		s.options = append(s.options, bayeux.WithExtension(ext))
	}

	if cfg.MetricsAddr != "" {
		s.options = append(s.options, bayeux.WithExtension(s.serveMetrics(cfg.MetricsAddr, logger)))
	}
	return s, nil
}

func (s *session) replayExtension(ctx context.Context, cfg *config, logger *logrus.Logger) (*replay.Extension, error) {
	var store replay.IDStorer = replay.NewMapStorage()
	if cfg.Replay.RedisAddr != "" {
		var opts []replay.RedisOption
		if cfg.Replay.RedisKey != "" {
			opts = append(opts, replay.WithRedisKey(cfg.Replay.RedisKey))
		}
		redisStore, err := replay.DialRedis(ctx, cfg.Replay.RedisAddr, opts...)
		if err != nil {
			return nil, err
		}
		s.closers = append(s.closers, redisStore.Close)
		store = redisStore
	}

	opts := []replay.Option{replay.WithErrorHandler(func(err error) {
		logger.WithError(err).Warn("replay store")
	})}
	if cfg.Replay.DefaultID != nil {
		opts = append(opts, replay.WithDefaultReplayID(*cfg.Replay.DefaultID))
	}
	return replay.New(store, opts...), nil
}

func (s *session) serveMetrics(addr string, logger *logrus.Logger) *metrics.Extension {
	reg := prometheus.NewRegistry()
	ext := metrics.New(metrics.Config{Registry: reg})

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Error("metrics server stopped")
		}
	}()
	s.closers = append(s.closers, func() error {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		return srv.Shutdown(ctx)
	})
	return ext
}

package main

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/ytget/ytmux"
	"github.com/ytget/ytmux/client"
	"github.com/ytget/ytmux/downloader"
	"github.com/ytget/ytmux/internal/config"
	"github.com/ytget/ytmux/internal/logger"
	"github.com/ytget/ytmux/internal/metacache"
	"github.com/ytget/ytmux/internal/ratelimit"
	"github.com/ytget/ytmux/store"
	"github.com/ytget/ytmux/transcode"
	"github.com/ytget/ytmux/youtube"
)

// app is the wired service graph shared by every command.
type app struct {
	store   *store.Store
	orch    *ytmux.Orchestrator
	limiter ratelimit.Limiter
	redis   *redis.Client
}

func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	lg, err := logger.CreateLoggerWithRotation(logger.EnvironmentConfig())
	if err != nil {
		return nil, fmt.Errorf("logger: %w", err)
	}
	logger.SetGlobalLogger(lg)
	log := lg.WithComponent(logger.ComponentApp)

	st, err := store.New(cfg.ScratchDir)
	if err != nil {
		return nil, err
	}
	st.WithRetention(cfg.Retention)
	if _, _, err := st.Sweep(); err != nil {
		log.Warn("Sweep failed", map[string]interface{}{"error": err.Error()})
	}

	hc := client.NewWith(client.Config{
		Timeout:  cfg.HTTPTimeout,
		Retries:  cfg.Retries,
		ProxyURL: cfg.ProxyURL,
	})
	res := youtube.New(hc)
	if cfg.InnertubeClient != "" {
		res.WithClient(cfg.InnertubeClient, cfg.InnertubeVersion)
	}
	dl := downloader.New(hc.Streaming(), st).
		WithRateLimit(cfg.RateLimit).
		WithRetries(cfg.Retries)
	mux := transcode.New(cfg.FFmpegPath)
	if err := mux.Available(); err != nil {
		log.Warn("Merging and transcoding will fail", map[string]interface{}{"error": err.Error()})
	}

	a := &app{store: st}
	a.redis = metacache.NewRedisClient(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	if a.redis != nil {
		if err := metacache.PingRedis(ctx, a.redis); err != nil {
			log.Warn("Redis unavailable, using local cache and limiter", map[string]interface{}{
				"addr":  cfg.RedisAddr,
				"error": err.Error(),
			})
			_ = a.redis.Close()
			a.redis = nil
		}
	}

	var cache metacache.Cache
	switch {
	case a.redis != nil:
		cache = metacache.NewRedisCache(a.redis, cfg.CacheTTL)
		a.limiter = ratelimit.NewRedisLimiter(a.redis, cfg.RequestsPerMinute)
	case cfg.CacheDir != "":
		fc, err := metacache.NewFileCache(cfg.CacheDir, cfg.CacheTTL)
		if err != nil {
			st.Close()
			return nil, err
		}
		cache = fc
	default:
		cache = metacache.NewMemoryCache(cfg.CacheTTL)
	}
	if a.limiter == nil {
		a.limiter = ratelimit.NewMemoryLimiter(cfg.RequestsPerMinute)
	}

	a.orch = ytmux.New(res, dl, mux, st).
		WithCache(cache).
		WithLogger(lg)
	log.Debug("Service wired", map[string]interface{}{
		"scratch":   st.Dir(),
		"retention": st.Retention().String(),
		"ffmpeg":    mux.Path(),
	})
	return a, nil
}

// Close stops pending deletion timers and releases Redis.
func (a *app) Close() {
	a.store.Close()
	if a.redis != nil {
		_ = a.redis.Close()
	}
}

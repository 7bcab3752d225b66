package announcer

import (
	"context"
	"errors"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/viper"

	"github.com/mikeydub/untappd-announcer/env"
	"github.com/mikeydub/untappd-announcer/middleware"
	"github.com/mikeydub/untappd-announcer/service/checkin"
	"github.com/mikeydub/untappd-announcer/service/logger"
	"github.com/mikeydub/untappd-announcer/service/redis"
	"github.com/mikeydub/untappd-announcer/service/throttle"
	"github.com/mikeydub/untappd-announcer/service/untappd"
)

func init() {
	env.RegisterValidation("REDIS_URL", "required")
	env.RegisterValidation("SYNC_WORKERS", "required")
}

func SetDefaults() {
	viper.SetDefault("ENV", "local")
	viper.SetDefault("PORT", 4123)
	viper.SetDefault("REDIS_URL", "localhost:6379")
	viper.SetDefault("REDIS_PASS", "")
	viper.SetDefault("UNTAPPD_API", "https://api.untappd.com/v4")
	viper.SetDefault("UNTAPPD_TIMEOUT", 10)
	viper.SetDefault("UNTAPPD_CLIENT_ID", "")
	viper.SetDefault("UNTAPPD_CLIENT_SECRET", "")
	viper.SetDefault("ANNOUNCE_CHANNEL", "")
	viper.SetDefault("ANNOUNCE_INTERVAL_MINUTES", 5)
	viper.SetDefault("AGENT_NAME", "DiscordBot (github.com/mikeydub/untappd-announcer, 0.0.1)")
	viper.SetDefault("DISCORD_API", "https://discord.com/api/v9")
	viper.SetDefault("BOT_TOKEN", "")
	viper.SetDefault("ADMIN_USER_IDS", "")
	viper.SetDefault("RELAY_SECRET", "")
	viper.SetDefault("SYNC_WORKERS", 4)
	viper.SetDefault("SENTRY_DSN", "")
	viper.AutomaticEnv()
}

type Config struct {
	Env             string
	AnnounceChannel string
	Interval        time.Duration
	Admins          []string
	RelaySecret     string
	SyncWorkers     int
	// LockTTL bounds how long a crashed sync can hold a username.
	LockTTL time.Duration
}

func ConfigFromEnv(ctx context.Context) Config {
	minutes := env.GetFloat(ctx, "ANNOUNCE_INTERVAL_MINUTES")
	if minutes <= 0 {
		logger.For(ctx).Warnf("invalid ANNOUNCE_INTERVAL_MINUTES %v, using 5", minutes)
		minutes = 5
	}

	timeout := time.Duration(env.GetInt(ctx, "UNTAPPD_TIMEOUT")) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	return Config{
		Env:             env.GetString(ctx, "ENV"),
		AnnounceChannel: env.GetString(ctx, "ANNOUNCE_CHANNEL"),
		Interval:        time.Duration(minutes * float64(time.Minute)),
		Admins:          env.GetList(ctx, "ADMIN_USER_IDS"),
		RelaySecret:     env.GetString(ctx, "RELAY_SECRET"),
		SyncWorkers:     env.GetInt(ctx, "SYNC_WORKERS"),
		LockTTL:         3 * timeout,
	}
}

// Stores are the redis caches the app runs on.
type Stores struct {
	Checkins  *redis.Cache
	ChatUsers *redis.Cache
	Locks     *redis.Cache
	Throttle  *redis.Cache
}

func NewStores() (Stores, error) {
	var s Stores
	var err error

	if s.Checkins, err = redis.NewCache(redis.CheckinCache); err != nil {
		return s, err
	}
	if s.ChatUsers, err = redis.NewCache(redis.ChatUserCache); err != nil {
		s.Close()
		return s, err
	}
	if s.Locks, err = redis.NewCache(redis.LockCache); err != nil {
		s.Close()
		return s, err
	}
	if s.Throttle, err = redis.NewCache(redis.ThrottleCache); err != nil {
		s.Close()
		return s, err
	}

	return s, nil
}

func (s Stores) Close() error {
	var errs []error
	for _, c := range []*redis.Cache{s.Checkins, s.ChatUsers, s.Locks, s.Throttle} {
		if c != nil {
			errs = append(errs, c.Close())
		}
	}
	return errors.Join(errs...)
}

// App is the fully wired announcer.
type App struct {
	Config    Config
	Stores    Stores
	Registry  *checkin.Registry
	Engine    *checkin.Engine
	Query     *checkin.Query
	Directory *Directory
	Announcer *Announcer
	Commands  *Router
	Router    *gin.Engine
}

// NewApp connects to redis and Untappd using the environment.
func NewApp(ctx context.Context) (*App, error) {
	config := ConfigFromEnv(ctx)

	stores, err := NewStores()
	if err != nil {
		return nil, err
	}

	var sink Sink = logSink{}
	if env.GetString(ctx, "BOT_TOKEN") != "" {
		sink = NewDiscordSink(ctx)
	} else {
		logger.For(ctx).Warn("BOT_TOKEN is not set, announcements will only be logged")
	}

	return NewAppWithOptions(config, stores, untappd.NewClient(ctx), sink), nil
}

func NewAppWithOptions(config Config, stores Stores, feeds checkin.FeedClient, sink Sink) *App {
	locker := redis.NewKeyLocker(stores.Locks, config.LockTTL)
	registry := checkin.NewRegistry(stores.Checkins, locker, feeds)
	watermarks := checkin.NewWatermarks(stores.Checkins)
	engine := checkin.NewEngine(registry, watermarks, feeds, locker, config.SyncWorkers)
	directory := NewDirectory(stores.ChatUsers)
	query := checkin.NewQuery(registry, feeds, directory)
	names := namer{registry: registry, directory: directory}

	announcer := NewAnnouncer(engine, names, sink, throttle.NewThrottleLocker(stores.Throttle, config.Interval), config.AnnounceChannel, config.Interval)
	commands := NewRouter(registry, engine, query, directory, announcer, config.Admins)

	return &App{
		Config:    config,
		Stores:    stores,
		Registry:  registry,
		Engine:    engine,
		Query:     query,
		Directory: directory,
		Announcer: announcer,
		Commands:  commands,
		Router:    coreInit(config, commands),
	}
}

// StartAnnouncing starts the scheduler if a channel is configured.
func (a *App) StartAnnouncing(ctx context.Context) error {
	if a.Config.AnnounceChannel == "" {
		logger.For(ctx).Info("Not configured to announce in a channel.")
		return nil
	}
	return a.Announcer.Start(ctx)
}

func (a *App) Close() error {
	a.Announcer.Stop()
	return a.Stores.Close()
}

func coreInit(config Config, commands *Router) *gin.Engine {
	if config.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery(), middleware.Sentry(true), middleware.Tracing(), middleware.ErrLogger())

	return handlersInit(router, commands, config.RelaySecret)
}

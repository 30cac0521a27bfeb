package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/ensemble/internal/auth"
	"github.com/MarcoPoloResearchLab/ensemble/internal/collab"
	"github.com/MarcoPoloResearchLab/ensemble/internal/config"
	"github.com/MarcoPoloResearchLab/ensemble/internal/database"
	"github.com/MarcoPoloResearchLab/ensemble/internal/logging"
	"github.com/MarcoPoloResearchLab/ensemble/internal/server"
	"github.com/MarcoPoloResearchLab/ensemble/internal/sessions"
	"github.com/MarcoPoloResearchLab/ensemble/internal/transport"
	"github.com/MarcoPoloResearchLab/ensemble/internal/users"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	invitationIssuer   = "ensemble"
	invitationAudience = "ensemble-invitations"
	memoryBusBuffer    = 256
	shutdownTimeout    = 10 * time.Second
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "ensemble-api",
		Short: "Ensemble real-time collaboration backend",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	setupFlags(rootCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("tauth-signing-secret", "", "TAuth session signing secret (overrides env)")
	cmd.PersistentFlags().String("tauth-cookie-name", defaults.GetString("tauth.cookie_name"), "TAuth session cookie name")
	cmd.PersistentFlags().String("transport-driver", defaults.GetString("transport.driver"), "Replica transport (memory, redis)")
	cmd.PersistentFlags().String("redis-addr", "", "Redis address for the redis transport")
	cmd.PersistentFlags().StringSlice("allowed-origins", defaults.GetStringSlice("http.allowed_origins"), "CORS origins")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "tauth.signing_secret", "tauth-signing-secret")
	bindFlag(cmd, "tauth.cookie_name", "tauth-cookie-name")
	bindFlag(cmd, "transport.driver", "transport-driver")
	bindFlag(cmd, "transport.redis.addr", "redis-addr")
	bindFlag(cmd, "http.allowed_origins", "allowed-origins")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" && errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}

func runServer(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	db, err := database.OpenSQLite(appConfig.DatabasePath, logging.Component(logger, "database"))
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	store, err := sessions.NewGormStore(db, logging.Component(logger, "store"))
	if err != nil {
		return err
	}

	userService, err := users.NewService(users.ServiceConfig{
		Database: db,
		Clock:    time.Now,
		Logger:   logging.Component(logger, "users"),
	})
	if err != nil {
		return err
	}

	validator, err := auth.NewSessionValidator(auth.SessionValidatorConfig{
		SigningSecret: []byte(appConfig.TAuthSigningKey),
		Issuer:        appConfig.TAuthIssuer,
		CookieName:    appConfig.TAuthCookieName,
	})
	if err != nil {
		return err
	}

	invitationTokens, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(appConfig.InvitationSigningKey),
		Issuer:        invitationIssuer,
		Audience:      invitationAudience,
		TokenTTL:      appConfig.InvitationTTL,
	})
	if err != nil {
		return err
	}

	bus, err := openBus(ctx, appConfig, logging.Component(logger, "transport"))
	if err != nil {
		return err
	}
	defer bus.Close()

	settings := appConfig.Engine.Settings()
	codec, err := newCodec(settings)
	if err != nil {
		return err
	}

	engineLogger := logging.Component(logger, "engine")
	manager, err := sessions.NewManager(sessions.Config{
		Store: store,
		Hosts: func(sessionID string, cfg sessions.SessionConfig) (sessions.HostEngine, error) {
			engine, err := collab.NewEngine(collab.Config{
				SessionID:    sessionID,
				LocalUser:    sessions.HostIdentity(sessionID),
				Transport:    bus,
				Codec:        codec,
				Settings:     settings,
				ConflictMode: cfg.ConflictMode,
				Observer:     true,
				Logger:       engineLogger.With(zap.String("session_id", sessionID)),
			})
			if err != nil {
				return nil, err
			}
			return engine, nil
		},
		Logger:                logging.Component(logger, "sessions"),
		MetricsInterval:       appConfig.MetricsInterval,
		CleanupInterval:       appConfig.CleanupInterval,
		DefaultTimeoutMinutes: appConfig.DefaultTimeoutMinutes,
		InvitationTTL:         appConfig.InvitationTTL,
	})
	if err != nil {
		return err
	}

	gateway, err := server.NewGateway(server.GatewayConfig{
		Bus:          bus,
		Codec:        codec,
		Participants: manager,
		PingInterval: settings.HeartbeatInterval,
		Logger:       logging.Component(logger, "gateway"),
	})
	if err != nil {
		return err
	}
	manager.OnRemoval(gateway.RemovalHook())

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Validator:      validator,
		Users:          userService,
		Sessions:       manager,
		Invitations:    invitationTokens,
		Gateway:        gateway,
		AllowedOrigins: appConfig.AllowedOrigins,
		Logger:         logging.Component(logger, "http"),
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:              appConfig.HTTPAddress,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	group, groupCtx := errgroup.WithContext(signalCtx)
	group.Go(func() error {
		logger.Info("server starting",
			zap.String("address", appConfig.HTTPAddress),
			zap.String("transport", appConfig.TransportDriver))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		return manager.Run(groupCtx)
	})
	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		manager.Shutdown(shutdownCtx)
		return httpServer.Shutdown(shutdownCtx)
	})

	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("server stopped")
	return nil
}

func openBus(ctx context.Context, appConfig config.AppConfig, logger *zap.Logger) (transport.Bus, error) {
	if appConfig.TransportDriver != config.TransportRedis {
		return transport.NewMemoryBus(memoryBusBuffer), nil
	}
	bus, err := transport.NewRedisBus(transport.RedisBusConfig{
		Addr:          appConfig.RedisAddr,
		Password:      appConfig.RedisPassword,
		ChannelPrefix: appConfig.RedisChannelPrefix,
		Logger:        logger,
	})
	if err != nil {
		return nil, err
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := bus.Ping(pingCtx); err != nil {
		_ = bus.Close()
		return nil, err
	}
	return bus, nil
}

func newCodec(settings collab.Settings) (*transport.Codec, error) {
	codecConfig := transport.CodecConfig{
		EnableCompression:    settings.EnableCompression,
		CompressionThreshold: settings.CompressionThreshold,
	}
	if settings.EnableEncryption {
		codecConfig.EncryptionKey = settings.EncryptionKey
	}
	return transport.NewCodec(codecConfig)
}

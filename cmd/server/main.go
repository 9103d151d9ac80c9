package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mprlab/authd/internal/authkit"
	"github.com/mprlab/authd/internal/authkitpg"
	"github.com/mprlab/authd/internal/usercache"
	"github.com/mprlab/authd/internal/web"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var serveHTTP = func(server *http.Server) error {
	return server.ListenAndServe()
}

var readKeyFile = os.ReadFile

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:     "authd",
		Short:   "Auth service with password logins, Ed25519 JWT sessions, and rotating refresh tokens",
		PreRunE: prepareServerConfig,
		RunE:    runServer,
	}

	rootCmd.Flags().String("listen_addr", ":8080", "HTTP listen address")
	rootCmd.Flags().String("cookie_domain", "", "Cookie domain; empty for host-only")
	rootCmd.Flags().String("private_key_file", "", "Path to the Ed25519 signing key in PKCS#8 PEM form")
	rootCmd.Flags().String("public_key_file", "", "Path to the Ed25519 public key PEM; derived from the private key when empty")
	rootCmd.Flags().String("issuer", "server", "Issuer claim stamped on every token")
	rootCmd.Flags().String("audience", "all", "Audience claim stamped on every token")
	rootCmd.Flags().Duration("access_ttl", 15*time.Minute, "Access token TTL")
	rootCmd.Flags().Duration("refresh_ttl", 30*24*time.Hour, "Refresh token TTL")
	rootCmd.Flags().Duration("access_reject_window", 10*time.Second, "Reject access tokens expiring within this window")
	rootCmd.Flags().Duration("refresh_reject_window", 20*time.Second, "Reject refresh tokens expiring within this window")
	rootCmd.Flags().Bool("dev_insecure_http", false, "Allow insecure HTTP for local dev")
	rootCmd.Flags().String("database_url", "", "Database URL for identities and refresh records (postgres:// or sqlite://; leave empty for in-memory stores)")
	rootCmd.Flags().String("redis_url", "", "Redis URL for the user cache; leave empty to disable caching")
	rootCmd.Flags().Duration("cache_ttl", usercache.DefaultTTL, "TTL for cached user entries")
	rootCmd.Flags().Bool("enable_cors", false, "Enable CORS for cross-origin clients (required to set SameSite=None cookies)")
	rootCmd.Flags().StringSlice("cors_allowed_origins", []string{}, "Allowed origins when CORS is enabled (required if enable_cors is true)")
	rootCmd.Flags().Uint32("argon_memory_kb", 64*1024, "Argon2id memory cost in KiB")
	rootCmd.Flags().Uint32("argon_time", 2, "Argon2id time cost")
	rootCmd.Flags().Uint8("argon_parallelism", 1, "Argon2id parallelism")

	_ = viper.BindPFlag("listen_addr", rootCmd.Flags().Lookup("listen_addr"))
	_ = viper.BindPFlag("cookie_domain", rootCmd.Flags().Lookup("cookie_domain"))
	_ = viper.BindPFlag("private_key_file", rootCmd.Flags().Lookup("private_key_file"))
	_ = viper.BindPFlag("public_key_file", rootCmd.Flags().Lookup("public_key_file"))
	_ = viper.BindPFlag("issuer", rootCmd.Flags().Lookup("issuer"))
	_ = viper.BindPFlag("audience", rootCmd.Flags().Lookup("audience"))
	_ = viper.BindPFlag("access_ttl", rootCmd.Flags().Lookup("access_ttl"))
	_ = viper.BindPFlag("refresh_ttl", rootCmd.Flags().Lookup("refresh_ttl"))
	_ = viper.BindPFlag("access_reject_window", rootCmd.Flags().Lookup("access_reject_window"))
	_ = viper.BindPFlag("refresh_reject_window", rootCmd.Flags().Lookup("refresh_reject_window"))
	_ = viper.BindPFlag("dev_insecure_http", rootCmd.Flags().Lookup("dev_insecure_http"))
	_ = viper.BindPFlag("database_url", rootCmd.Flags().Lookup("database_url"))
	_ = viper.BindPFlag("redis_url", rootCmd.Flags().Lookup("redis_url"))
	_ = viper.BindPFlag("cache_ttl", rootCmd.Flags().Lookup("cache_ttl"))
	_ = viper.BindPFlag("enable_cors", rootCmd.Flags().Lookup("enable_cors"))
	_ = viper.BindPFlag("cors_allowed_origins", rootCmd.Flags().Lookup("cors_allowed_origins"))
	_ = viper.BindPFlag("argon_memory_kb", rootCmd.Flags().Lookup("argon_memory_kb"))
	_ = viper.BindPFlag("argon_time", rootCmd.Flags().Lookup("argon_time"))
	_ = viper.BindPFlag("argon_parallelism", rootCmd.Flags().Lookup("argon_parallelism"))

	viper.SetEnvPrefix("APP")
	viper.AutomaticEnv()

	return rootCmd
}

const (
	accessCookieName  = "AccessToken"
	refreshCookieName = "RefreshToken"

	configCodeMissingPrivateKey       = "config.missing_private_key_file"
	configCodeUnreadablePrivateKey    = "config.unreadable_private_key_file"
	configCodeUnreadablePublicKey     = "config.unreadable_public_key_file"
	configCodeMissingIssuer           = "config.missing_issuer"
	configCodeMissingAudience         = "config.missing_audience"
	configCodeInvalidAccessTTL        = "config.invalid_access_ttl"
	configCodeInvalidRefreshTTL       = "config.invalid_refresh_ttl"
	configCodeInvalidRejectWindow     = "config.invalid_reject_window"
	configCodeInvalidCacheTTL         = "config.invalid_cache_ttl"
	configCodeUninitializedServerConf = "config.uninitialized_server_config"
	configCodeInvalidRedisURL         = "config.invalid_redis_url"
)

type contextKey string

const serverConfigContextKey contextKey = "serverConfig"

func prepareServerConfig(command *cobra.Command, arguments []string) error {
	serverConfig, loadErr := LoadServerConfig()
	if loadErr != nil {
		return loadErr
	}
	existingContext := command.Context()
	if existingContext == nil {
		existingContext = context.Background()
	}
	command.SetContext(context.WithValue(existingContext, serverConfigContextKey, serverConfig))
	return nil
}

func configError(code, message string) error {
	return fmt.Errorf("%s: %s", code, message)
}

func LoadServerConfig() (authkit.ServerConfig, error) {
	privateKeyFile := viper.GetString("private_key_file")
	if privateKeyFile == "" {
		return authkit.ServerConfig{}, configError(configCodeMissingPrivateKey, "private_key_file must be provided")
	}
	privateKeyPEM, readErr := readKeyFile(privateKeyFile)
	if readErr != nil {
		return authkit.ServerConfig{}, fmt.Errorf("%s: %w", configCodeUnreadablePrivateKey, readErr)
	}

	var publicKeyPEM []byte
	if publicKeyFile := viper.GetString("public_key_file"); publicKeyFile != "" {
		loadedPEM, publicReadErr := readKeyFile(publicKeyFile)
		if publicReadErr != nil {
			return authkit.ServerConfig{}, fmt.Errorf("%s: %w", configCodeUnreadablePublicKey, publicReadErr)
		}
		publicKeyPEM = loadedPEM
	}

	issuer := viper.GetString("issuer")
	if issuer == "" {
		return authkit.ServerConfig{}, configError(configCodeMissingIssuer, "issuer must be provided")
	}
	audience := viper.GetString("audience")
	if audience == "" {
		return authkit.ServerConfig{}, configError(configCodeMissingAudience, "audience must be provided")
	}

	accessTTL := viper.GetDuration("access_ttl")
	if accessTTL <= 0 {
		return authkit.ServerConfig{}, configError(configCodeInvalidAccessTTL, "access_ttl must be greater than zero")
	}
	refreshTTL := viper.GetDuration("refresh_ttl")
	if refreshTTL <= 0 {
		return authkit.ServerConfig{}, configError(configCodeInvalidRefreshTTL, "refresh_ttl must be greater than zero")
	}

	accessRejectWindow := viper.GetDuration("access_reject_window")
	refreshRejectWindow := viper.GetDuration("refresh_reject_window")
	if accessRejectWindow < 0 || refreshRejectWindow < 0 {
		return authkit.ServerConfig{}, configError(configCodeInvalidRejectWindow, "reject windows must not be negative")
	}
	if accessRejectWindow >= accessTTL || refreshRejectWindow >= refreshTTL {
		return authkit.ServerConfig{}, configError(configCodeInvalidRejectWindow, "reject windows must be shorter than the matching TTL")
	}

	cacheTTL := viper.GetDuration("cache_ttl")
	if cacheTTL <= 0 {
		return authkit.ServerConfig{}, configError(configCodeInvalidCacheTTL, "cache_ttl must be greater than zero")
	}

	return authkit.ServerConfig{
		Issuer:               issuer,
		Audience:             audience,
		SigningPrivateKeyPEM: privateKeyPEM,
		SigningPublicKeyPEM:  publicKeyPEM,
		AccessCookieName:     accessCookieName,
		RefreshCookieName:    refreshCookieName,
		CookieDomain:         viper.GetString("cookie_domain"),
		AccessTTL:            accessTTL,
		RefreshTTL:           refreshTTL,
		AccessRejectWindow:   accessRejectWindow,
		RefreshRejectWindow:  refreshRejectWindow,
		CacheTTL:             cacheTTL,
	}, nil
}

func buildHasher(logger *zap.Logger) (*authkit.Argon2Hasher, error) {
	hasherConfig := authkit.DefaultHasherConfig()
	if memoryKB := viper.GetUint32("argon_memory_kb"); memoryKB > 0 {
		hasherConfig.MemoryKB = memoryKB
	}
	if timeCost := viper.GetUint32("argon_time"); timeCost > 0 {
		hasherConfig.Time = timeCost
	}
	if parallelism := viper.GetUint32("argon_parallelism"); parallelism > 0 && parallelism <= 255 {
		hasherConfig.Parallelism = uint8(parallelism)
	}
	return authkit.NewArgon2Hasher(hasherConfig, logger)
}

func runServer(command *cobra.Command, arguments []string) error {
	logger, loggerErr := zap.NewProduction()
	if loggerErr != nil {
		return loggerErr
	}
	defer func() { _ = logger.Sync() }()

	commandContext := command.Context()
	var contextValue any
	if commandContext != nil {
		contextValue = commandContext.Value(serverConfigContextKey)
	}
	serverConfig, ok := contextValue.(authkit.ServerConfig)
	if !ok {
		return configError(configCodeUninitializedServerConf, "server configuration not prepared; PreRunE must execute before RunE")
	}

	listenAddr := viper.GetString("listen_addr")
	devInsecureHTTP := viper.GetBool("dev_insecure_http")
	databaseURL := viper.GetString("database_url")
	redisURL := viper.GetString("redis_url")
	enableCORS := viper.GetBool("enable_cors")
	corsAllowedOrigins := viper.GetStringSlice("cors_allowed_origins")

	serverConfig.AllowInsecureHTTP = devInsecureHTTP
	serverConfig.SameSiteMode = http.SameSiteStrictMode
	if enableCORS {
		serverConfig.SameSiteMode = http.SameSiteNoneMode
	}

	clock := authkit.NewSystemClock()
	metricsRecorder := authkit.NewCounterMetrics()

	hasher, hasherErr := buildHasher(logger)
	if hasherErr != nil {
		return hasherErr
	}

	codec, codecErr := authkit.NewTokenCodec(serverConfig, clock)
	if codecErr != nil {
		return codecErr
	}

	bootstrapCtx := context.Background()

	var userStore authkit.UserStore
	var refreshStore authkit.RefreshRecordStore

	switch {
	case strings.HasPrefix(databaseURL, "postgres://") || strings.HasPrefix(databaseURL, "postgresql://"):
		pool, poolErr := authkitpg.BuildPool(bootstrapCtx, databaseURL)
		if poolErr != nil {
			return poolErr
		}
		defer pool.Close()
		if schemaErr := authkitpg.EnsureSchema(bootstrapCtx, pool); schemaErr != nil {
			return schemaErr
		}
		databaseStore, storeErr := authkit.NewDatabaseUserStore(bootstrapCtx, databaseURL)
		if storeErr != nil {
			return storeErr
		}
		userStore = databaseStore
		refreshStore = authkitpg.NewPostgresRefreshStore(pool, hasher)
		logger.Info("using postgres identity and refresh stores")
	case databaseURL != "":
		databaseStore, storeErr := authkit.NewDatabaseUserStore(bootstrapCtx, databaseURL)
		if storeErr != nil {
			return storeErr
		}
		userStore = databaseStore
		refreshStore = authkit.NewMemoryRefreshRecordStore(hasher, clock)
		logger.Info("using sqlite identity store with in-memory refresh records")
	default:
		userStore = authkit.NewMemoryUserStore()
		refreshStore = authkit.NewMemoryRefreshRecordStore(hasher, clock)
		logger.Info("using in-memory stores")
	}

	if redisURL != "" {
		redisOptions, redisErr := redis.ParseURL(redisURL)
		if redisErr != nil {
			return fmt.Errorf("%s: %w", configCodeInvalidRedisURL, redisErr)
		}
		redisClient := redis.NewClient(redisOptions)
		defer func() { _ = redisClient.Close() }()
		userStore = usercache.New(userStore, redisClient, serverConfig.CacheTTL, logger, metricsRecorder)
		logger.Info("user cache enabled", zap.Duration("ttl", serverConfig.CacheTTL))
	}

	rotator := authkit.NewRotator(codec, refreshStore, logger, metricsRecorder)

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(zapLoggerMiddleware(logger))

	if enableCORS {
		corsMiddleware, corsErr := web.ConfigureCORS(logger, corsAllowedOrigins)
		if corsErr != nil {
			return corsErr
		}
		router.Use(corsMiddleware)
	}

	router.Use(authkit.WithSession(serverConfig, codec, rotator, metricsRecorder))

	authkit.MountAuthRoutes(router, serverConfig, authkit.AuthDeps{
		Users:   userStore,
		Hasher:  hasher,
		Codec:   codec,
		Records: refreshStore,
		Logger:  logger,
		Metrics: metricsRecorder,
	})

	router.GET("/users", web.HandleListUsers(userStore, logger))
	router.GET("/users/:nickname", web.HandleProfileByNickname(userStore, logger))

	profile := router.Group("/api")
	profile.GET("/profile", web.HandleOwnProfile(userStore, logger))
	profile.PATCH("/profile", web.HandleUpdateDisplayName(userStore, logger))

	server := &http.Server{
		Addr:              listenAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	shutdownCtx, shutdownCancel := context.WithCancel(context.Background())
	defer shutdownCancel()

	go func() {
		stopSignals := make(chan os.Signal, 1)
		signal.Notify(stopSignals, syscall.SIGINT, syscall.SIGTERM)
		<-stopSignals
		graceCtx, graceCancel := context.WithTimeout(shutdownCtx, 10*time.Second)
		defer graceCancel()
		if err := server.Shutdown(graceCtx); err != nil {
			logger.Error("server shutdown error", zap.Error(err))
		}
	}()

	logger.Info("listening", zap.String("addr", listenAddr))
	if err := serveHTTP(server); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("listen error: %w", err)
	}
	return nil
}

func zapLoggerMiddleware(logger *zap.Logger) gin.HandlerFunc {
	return func(contextGin *gin.Context) {
		startTime := time.Now()
		contextGin.Next()
		duration := time.Since(startTime)
		logger.Info("http",
			zap.String("method", contextGin.Request.Method),
			zap.String("path", contextGin.Request.URL.Path),
			zap.Int("status", contextGin.Writer.Status()),
			zap.String("ip", contextGin.ClientIP()),
			zap.Duration("elapsed", duration),
		)
	}
}

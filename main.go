package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/example/licensing/internal/activation"
	"github.com/example/licensing/internal/config"
	"github.com/example/licensing/internal/logger"
	"github.com/example/licensing/internal/mail"
	"github.com/example/licensing/internal/metrics"
	"github.com/example/licensing/internal/ratelimit"
	"github.com/example/licensing/internal/store"
	"github.com/example/licensing/internal/token"
	"github.com/example/licensing/internal/webhook"
)

type App struct {
	cfg        *config.Config
	store      store.Store
	activation *activation.Service
	webhooks   *webhook.Engine
	device     *token.Service
	mailer     mail.Sender
	limiter    ratelimit.Limiter
	metrics    *metrics.Metrics
	validate   *validator.Validate
	log        *zap.Logger
	started    time.Time
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.L().Warn("write json", logger.Err(err))
	}
}

// Router builds the HTTP surface.
func (a *App) Router() http.Handler {
	r := mux.NewRouter()
	r.NotFoundHandler = http.HandlerFunc(notFound)
	r.MethodNotAllowedHandler = methodNotAllowed(r)

	r.Use(SecurityHeaders)
	r.Use(a.Logging)

	r.HandleFunc("/", a.HandleRoot).Methods("GET")
	r.HandleFunc("/version", a.HandleVersion).Methods("GET")
	r.HandleFunc("/health", a.HandleHealth).Methods("GET")
	r.HandleFunc("/ready", a.HandleReady).Methods("GET")
	r.Handle("/metrics", a.metrics.Handler()).Methods("GET")
	r.HandleFunc("/echo", a.HandleEcho).Methods("POST")
	r.HandleFunc("/.well-known/jwks.json", a.HandleJWKS).Methods("GET")

	start := a.RateLimit(http.HandlerFunc(a.HandleStartActivation))
	r.Handle("/signup", start).Methods("POST")
	r.HandleFunc("/verify", a.HandleVerify).Methods("GET")
	r.HandleFunc("/webhooks/lemon", a.HandleLemonWebhook).Methods("POST")

	v1 := r.PathPrefix("/api/v1").Subrouter()
	v1.Handle("/activations", start).Methods("POST")
	v1.HandleFunc("/activations/verify", a.HandleVerify).Methods("GET")
	v1.HandleFunc("/activations/{requestId}", a.HandlePoll).Methods("GET")
	v1.HandleFunc("/devices/token", a.HandleDeviceToken).Methods("POST")
	v1.HandleFunc("/webhooks/lemon", a.HandleLemonWebhook).Methods("POST")

	admin := v1.PathPrefix("/admin").Subrouter()
	admin.Use(a.AdminAuth)
	admin.HandleFunc("/webhooks", a.HandleListWebhookEvents).Methods("GET")
	admin.HandleFunc("/webhooks/{id}", a.HandleGetWebhookEvent).Methods("GET")
	admin.HandleFunc("/licenses/{id}", a.HandleGetLicense).Methods("GET")

	return a.CORS(r)
}

func notFound(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusNotFound, map[string]any{
		"status":  http.StatusNotFound,
		"message": fmt.Sprintf("Can't find %s on this server!", r.URL.Path),
	})
}

// methodNotAllowed answers 405 with the methods the path does accept.
func methodNotAllowed(router *mux.Router) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen := map[string]bool{}
		_ = router.Walk(func(route *mux.Route, _ *mux.Router, _ []*mux.Route) error {
			methods, err := route.GetMethods()
			if err != nil {
				return nil
			}
			for _, m := range methods {
				alt := r.Clone(r.Context())
				alt.Method = m
				var match mux.RouteMatch
				if route.Match(alt, &match) {
					seen[m] = true
				}
			}
			return nil
		})
		allow := make([]string, 0, len(seen))
		for m := range seen {
			allow = append(allow, m)
		}
		sort.Strings(allow)
		for _, m := range allow {
			w.Header().Add("Allow", m)
		}
		writeText(w, http.StatusMethodNotAllowed, "Method not allowed")
	})
}

func main() {
	if err := run(); err != nil {
		logger.L().Error("server exited", logger.Err(err))
		_ = logger.Sync()
		os.Exit(1)
	}
}

func run() error {
	c, err := config.New()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	env := "dev"
	if c.IsProduction() {
		env = "prod"
	}
	logger.Init(logger.Config{Env: env, Level: c.LogLevel, ServiceName: "licensing", Version: c.Version})
	defer logger.Sync()
	log := logger.Named("main")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := openStore(ctx, c, log)
	if err != nil {
		return err
	}
	defer st.Close()

	magic, err := token.NewHMAC(c.Issuer, []byte(c.SigningSecret))
	if err != nil {
		return fmt.Errorf("magic token signer: %w", err)
	}
	device := magic
	if c.RSAPrivateKeyFile != "" {
		key, err := token.LoadRSAPrivateKey(c.RSAPrivateKeyFile)
		if err != nil {
			return fmt.Errorf("device signing key: %w", err)
		}
		if device, err = token.NewRSA(c.Issuer, key); err != nil {
			return fmt.Errorf("device token signer: %w", err)
		}
		log.Info("device tokens signed with RSA key", logger.String("kid", device.KeyID()))
	} else {
		log.Warn("RSA_PRIVATE_KEY_FILE not set, device tokens use HS256 and JWKS is empty")
	}

	m, err := metrics.New(nil)
	if err != nil {
		return fmt.Errorf("metrics: %w", err)
	}

	limiter, err := newLimiter(ctx, c)
	if err != nil {
		return err
	}

	var mailer mail.Sender = mail.NewLogSender(nil)
	if c.SMTPHost != "" {
		mailer = mail.NewSMTPSender(c.SMTPHost, c.SMTPPort, c.SMTPFrom, c.SMTPUser, c.SMTPPassword, c.SMTPTLSMode)
	} else {
		log.Warn("SMTP_HOST not set, magic links are only logged")
	}

	if c.WebhookSecret == "" {
		log.Warn("WEBHOOK_SECRET not set, webhook deliveries will be refused")
	}

	app := &App{
		cfg:        c,
		store:      st,
		activation: activation.New(st, magic, device, activation.ConfigFrom(c), activation.WithMetrics(m)),
		webhooks:   webhook.NewEngine(st, c.WebhookSecret, webhook.WithMetrics(m)),
		device:     device,
		mailer:     mailer,
		limiter:    limiter,
		metrics:    m,
		validate:   newValidator(),
		log:        logger.Named("http"),
		started:    time.Now(),
	}

	g, gctx := errgroup.WithContext(ctx)
	srv := &http.Server{
		Addr:              ":" + c.Port,
		Handler:           app.Router(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      c.PollMaxTimeout + 10*time.Second,
		BaseContext:       func(net.Listener) context.Context { return gctx },
	}

	g.Go(func() error {
		log.Info("listening", logger.String("addr", srv.Addr), logger.String("db", c.DBAdapter))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		return app.activation.RunJanitor(gctx, c.PurgeInterval, c.PurgeRetention)
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		return err
	}
	log.Info("server exited properly")
	return nil
}

func openStore(ctx context.Context, c *config.Config, log *zap.Logger) (store.Store, error) {
	switch c.DBAdapter {
	case "sqlite":
		st, err := store.OpenSQLite(c.SQLiteFile)
		if err != nil {
			return nil, fmt.Errorf("sqlite init: %w", err)
		}
		return st, nil
	case "postgres":
		from, to, err := store.Migrate(c.MigrationsDir, c.PostgresDSN)
		if err != nil {
			return nil, fmt.Errorf("migrations: %w", err)
		}
		log.Info("migrations applied", logger.Int("from", int(from)), logger.Int("to", int(to)))
		st, err := store.OpenPostgres(ctx, c.PostgresDSN)
		if err != nil {
			return nil, fmt.Errorf("postgres init: %w", err)
		}
		return st, nil
	default:
		log.Warn("using in-memory store, data is lost on restart")
		return store.NewMemory(), nil
	}
}

func newLimiter(ctx context.Context, c *config.Config) (ratelimit.Limiter, error) {
	if c.RateLimitBackend != "redis" {
		return ratelimit.NewMemory(c.RateLimitPerMinute), nil
	}
	client := redis.NewClient(&redis.Options{Addr: c.RedisAddr, DB: c.RedisDB})
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return ratelimit.NewRedis(client, "licensing:rl:", c.RateLimitPerMinute), nil
}

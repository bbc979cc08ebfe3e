package cards

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	_ "github.com/jackc/pgx/v5/stdlib"
	goredislib "github.com/redis/go-redis/v9"
	"golang.org/x/exp/slog"

	"github.com/alovak/bankcards/internal/events"
	"github.com/alovak/bankcards/internal/expiry"
	"github.com/alovak/bankcards/internal/middleware"
	"github.com/alovak/bankcards/internal/redislock"
	"github.com/alovak/bankcards/internal/security"
)

// App is the main application, it wires storage, locks, the PAN codec and
// the HTTP API, and is responsible for starting and stopping them.
type App struct {
	srv    *http.Server
	wg     *sync.WaitGroup
	Addr   string
	logger *slog.Logger
	config *Config

	codec      security.PANCodec
	repository *Repository
	service    *Service
	closers    []namedCloser
}

type namedCloser struct {
	name string
	c    io.Closer
}

type AppOption func(*App)

// WithPANCodec replaces the AES codec derived from PAN_MASTER_KEY, e.g. with
// an HSM-backed one. The master key is still required for fingerprints.
func WithPANCodec(c security.PANCodec) AppOption {
	return func(a *App) { a.codec = c }
}

func NewApp(logger *slog.Logger, config *Config, opts ...AppOption) *App {
	logger = logger.With(slog.String("app", "cards"))

	if config == nil {
		config = DefaultConfig()
	}

	a := &App{
		wg:     &sync.WaitGroup{},
		logger: logger,
		config: config,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

func (a *App) Start() error {
	a.logger.Info("starting app...")

	if err := a.start(); err != nil {
		a.closeAll()
		return err
	}
	return nil
}

func (a *App) start() error {
	loc, err := expiry.LoadLocation(a.config.ExpiryTZ)
	if err != nil {
		return fmt.Errorf("EXPIRY_TZ: %w", err)
	}

	master, err := security.LoadMasterKey(a.config.PANMasterKey)
	if err != nil {
		return fmt.Errorf("loading pan key: %w", err)
	}
	aesCodec, fingerprints, err := security.NewCodecs(master)
	security.Wipe(master)
	if err != nil {
		return fmt.Errorf("building pan codec: %w", err)
	}
	codec := a.codec
	if codec == nil {
		codec = aesCodec
	}

	if a.config.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET is required")
	}
	auth := middleware.NewAuthenticator([]byte(a.config.JWTSecret))

	repository, err := a.openRepository()
	if err != nil {
		return err
	}
	a.repository = repository

	var locker Locker = NewKeyedLocker(a.config.LockWait)
	if a.config.RedisAddr != "" {
		client := goredislib.NewClient(&goredislib.Options{Addr: a.config.RedisAddr})
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		err := client.Ping(ctx).Err()
		cancel()
		if err != nil {
			_ = client.Close()
			return fmt.Errorf("ping redis: %w", err)
		}
		a.closers = append(a.closers, namedCloser{"redis", client})
		locker = redislock.New(client, redislock.Options{Wait: a.config.LockWait, TTL: a.config.LockTTL}, a.logger)
		a.logger.Info("using redis card locks", slog.String("addr", a.config.RedisAddr))
	}

	opts := []ServiceOption{
		WithLocker(locker),
		WithLogger(a.logger),
		WithClock(time.Now, loc),
		WithRetry(a.config.TransferAttempts, a.config.RetryBackoff),
	}
	if a.config.AMQPURL != "" {
		pub, err := events.Dial(a.config.AMQPURL, a.config.AMQPExchange, a.config.AMQPRoutingKey)
		if err != nil {
			return fmt.Errorf("connecting amqp: %w", err)
		}
		a.closers = append(a.closers, namedCloser{"amqp", pub})
		opts = append(opts, WithPublisher(pub))
	}

	a.service = NewService(repository, codec, fingerprints, opts...)

	router := chi.NewRouter()
	router.Use(chimw.RequestID)
	router.Use(middleware.NewStructuredLogger(a.logger))
	router.Use(chimw.Recoverer)

	router.Get("/-/live", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	router.Get("/-/ready", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := repository.Ping(ctx); err != nil {
			http.Error(w, "db not ready", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})

	router.Group(func(r chi.Router) {
		r.Use(auth.Middleware)
		NewAPI(a.service).AppendRoutes(r)
	})

	l, err := net.Listen("tcp", a.config.HTTPAddr)
	if err != nil {
		return fmt.Errorf("listening tcp port: %w", err)
	}

	a.Addr = l.Addr().String()

	a.srv = &http.Server{
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	a.wg.Add(1)
	go func() {
		a.logger.Info("http server started", slog.String("addr", a.Addr))

		if err := a.srv.Serve(l); err != nil {
			if err != http.ErrServerClosed {
				a.logger.Error("starting http server", "err", err)
			}

			a.logger.Info("http server stopped")
		}

		a.wg.Done()
	}()

	return nil
}

// openRepository defaults to PostgreSQL; the memory backend is only for tests.
func (a *App) openRepository() (*Repository, error) {
	switch a.config.RepoBackend {
	case "pg", "":
		if a.config.DBDSN == "" {
			return nil, fmt.Errorf("DB_DSN is required for pg backend")
		}
		driver, err := sqlDriverName(a.config.DBDriver)
		if err != nil {
			return nil, err
		}
		db, err := sql.Open(driver, a.config.DBDSN)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		db.SetMaxIdleConns(5)
		db.SetMaxOpenConns(10)

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := db.PingContext(ctx); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("ping postgres: %w", err)
		}
		a.closers = append(a.closers, namedCloser{"db", db})

		repository := NewPGRepository(db, a.config.LockWait)
		if a.config.DBMigrate {
			if err := repository.Migrate(ctx); err != nil {
				return nil, err
			}
			if version, _, err := repository.SchemaVersion(ctx); err == nil {
				a.logger.Info("schema migrated", slog.Uint64("version", uint64(version)))
			}
		}
		return repository, nil
	case "mem":
		if !a.config.AllowMemBackend {
			return nil, fmt.Errorf("mem repository is disabled at runtime; set ALLOW_MEM_BACKEND_FOR_TESTS=true only in tests")
		}
		return NewRepository(), nil
	default:
		return nil, fmt.Errorf("unsupported REPO_BACKEND=%s", a.config.RepoBackend)
	}
}

func sqlDriverName(name string) (string, error) {
	switch name {
	case "postgres", "pq", "":
		return "postgres", nil
	case "pgx":
		return "pgx", nil
	default:
		return "", fmt.Errorf("unsupported DB_DRIVER=%s", name)
	}
}

// Repository exposes the store, e.g. to seed owners in tests.
func (a *App) Repository() *Repository { return a.repository }

func (a *App) Shutdown() {
	a.logger.Info("shutting down app...")

	if a.srv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := a.srv.Shutdown(ctx); err != nil {
			a.logger.Error("shutting down http server", "err", err)
		}
		cancel()
	}

	a.wg.Wait()
	a.closeAll()

	a.logger.Info("app stopped")
}

func (a *App) closeAll() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].c.Close(); err != nil {
			a.logger.Error("closing "+a.closers[i].name, "err", err)
		}
	}
	a.closers = nil
}

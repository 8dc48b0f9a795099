package app

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/deemkeen/stegofed/activitypub"
	"github.com/deemkeen/stegofed/db"
	"github.com/deemkeen/stegofed/domain"
	"github.com/deemkeen/stegofed/util"
	"github.com/deemkeen/stegofed/web"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const memoryQueueCapacity = 1024

var _ activitypub.Database = (*db.DB)(nil)

// App represents the main application with all its servers and dependencies
type App struct {
	config *util.AppConfig
	done   chan os.Signal

	database   *db.DB
	redis      *redis.Client
	broker     activitypub.Broker
	deliveries *activitypub.DeliveryService
	worker     *activitypub.DeliveryWorker
	retryJob   *activitypub.DeliveryRetryJob
	cleanupJob *activitypub.DeliveryCleanupJob
	httpServer *http.Server

	cancel     context.CancelFunc
	background sync.WaitGroup
}

// New creates a new App instance with the given configuration
func New(conf *util.AppConfig) (*App, error) {
	if conf.Conf.SslDomain == "" {
		return nil, fmt.Errorf("conf.sslDomain must be set")
	}
	return &App{
		config: conf,
		done:   make(chan os.Signal, 1),
	}, nil
}

// newBroker picks Redis streams when an address is configured, the in-process queue otherwise
func (a *App) newBroker() (activitypub.Broker, error) {
	if a.config.Redis.Addr == "" {
		log.Println("Using in-memory delivery queue")
		return activitypub.NewMemoryBroker(memoryQueueCapacity), nil
	}

	a.redis = activitypub.NewRedis(a.config.Redis.Addr, a.config.Redis.Password, a.config.Redis.DB)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.redis.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", a.config.Redis.Addr, err)
	}
	log.Printf("Using redis delivery queue at %s", a.config.Redis.Addr)
	return activitypub.NewRedisBroker(a.redis), nil
}

// Initialize opens the database, runs migrations and wires every service
func (a *App) Initialize() error {
	dbPath := a.config.Conf.DatabasePath
	if dbPath == "" {
		dbPath = util.ResolveFilePath("database.db")
	}
	log.Println("Opening database and running migrations...")
	database, err := db.Open(dbPath)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	a.database = database
	log.Println("Database migrations complete")

	broker, err := a.newBroker()
	if err != nil {
		return err
	}
	a.broker = broker

	localDomain := a.config.Conf.SslDomain
	fed := a.config.Federation
	client := activitypub.NewDefaultHTTPClient(fed.RequestTimeout())

	discovery := activitypub.NewDiscoveryService(database, client, localDomain)
	signatures := activitypub.NewSignatureService(database, discovery, localDomain, fed.KeyFetchTimeout())
	objects := activitypub.NewObjectFactory(database, localDomain)
	queue := activitypub.NewQueueService(broker, fed.QueueName)
	a.deliveries = activitypub.NewDeliveryService(database, queue, discovery, objects, localDomain)
	processor := activitypub.NewActivityProcessor(database, signatures, discovery, a.deliveries, localDomain)

	transport := activitypub.NewTransport(signatures, client, localDomain)
	a.worker = activitypub.NewDeliveryWorker(database, broker, transport, activitypub.WorkerConfigFrom(fed))
	a.retryJob = activitypub.NewDeliveryRetryJob(database, queue, fed.RetryInterval(), fed.StaleDelivery())
	a.cleanupJob = activitypub.NewDeliveryCleanupJob(database, fed.CleanupInterval(), fed.Retention())

	server := web.NewServer(a.config, database, objects, processor, a.deliveries, signatures)
	a.httpServer = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", a.config.Conf.Host, a.config.Conf.HttpPort),
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return nil
}

// CreatePublisher provisions a local publisher with a fresh keypair and its actor row
func (a *App) CreatePublisher(name, nick string) (*domain.Publisher, error) {
	if ok, msg := util.IsValidWebFingerUsername(name); !ok {
		return nil, fmt.Errorf("invalid publisher name %q: %s", name, msg)
	}
	existing, err := a.database.ReadPublisherByName(name)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, fmt.Errorf("publisher %s already exists", name)
	}

	priv, pub, err := activitypub.KeyService{}.GenerateKeyPair()
	if err != nil {
		return nil, err
	}
	publisher := &domain.Publisher{
		Id:            uuid.New(),
		Name:          name,
		Nick:          nick,
		PrivateKeyPem: priv,
		PublicKeyPem:  pub,
		CreatedAt:     time.Now().UTC(),
	}
	if err := a.database.CreatePublisher(publisher); err != nil {
		return nil, fmt.Errorf("failed to create publisher %s: %w", name, err)
	}
	if _, err := a.deliveries.EnsureLocalActor(publisher); err != nil {
		return nil, err
	}
	log.Printf("Created publisher %s", name)
	return publisher, nil
}

// runBackground starts f in a goroutine tracked for shutdown
func (a *App) runBackground(ctx context.Context, f func(context.Context)) {
	a.background.Add(1)
	go func() {
		defer a.background.Done()
		f(ctx)
	}()
}

// Start runs the HTTP server, the delivery workers and the periodic jobs,
// and blocks until a shutdown signal is received
func (a *App) Start() error {
	ctx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel

	a.runBackground(ctx, a.worker.Run)
	a.runBackground(ctx, a.retryJob.Run)
	a.runBackground(ctx, a.cleanupJob.Run)

	// Setup signal handling
	signal.Notify(a.done, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)

	serverErr := make(chan error, 1)
	log.Printf("Starting HTTP server on %s (domain %s)", a.httpServer.Addr, a.config.Conf.SslDomain)
	go func() {
		if err := a.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	select {
	case <-a.done:
		log.Println("Shutdown signal received")
	case err := <-serverErr:
		log.Printf("HTTP server error: %v", err)
		if shutdownErr := a.Shutdown(); shutdownErr != nil {
			log.Printf("Shutdown error: %v", shutdownErr)
		}
		return err
	}

	return a.Shutdown()
}

// Shutdown gracefully stops all components with a 30 second timeout
func (a *App) Shutdown() error {
	log.Println("Initiating graceful shutdown...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var shutdownErr error

	// Shutdown HTTP server first (stop accepting new requests)
	if a.httpServer != nil {
		log.Println("Stopping HTTP server...")
		if err := a.httpServer.Shutdown(ctx); err != nil {
			log.Printf("HTTP server shutdown error: %v", err)
			shutdownErr = err
		} else {
			log.Println("HTTP server stopped gracefully")
		}
	}

	if a.cancel != nil {
		log.Println("Stopping delivery workers and jobs...")
		a.cancel()
		stopped := make(chan struct{})
		go func() {
			a.background.Wait()
			close(stopped)
		}()
		select {
		case <-stopped:
			log.Println("Delivery workers and jobs stopped")
		case <-ctx.Done():
			log.Println("Timed out waiting for delivery workers")
			if shutdownErr == nil {
				shutdownErr = ctx.Err()
			}
		}
	}

	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			log.Printf("Redis close error: %v", err)
		}
	}
	if a.database != nil {
		if err := a.database.Close(); err != nil {
			log.Printf("Database close error: %v", err)
			if shutdownErr == nil {
				shutdownErr = err
			}
		}
	}

	log.Println("All components stopped")
	return shutdownErr
}

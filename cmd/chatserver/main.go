package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/teamline/chat-app/internal/auth"
	"github.com/teamline/chat-app/internal/hub"
	"github.com/teamline/chat-app/internal/messaging"
	"github.com/teamline/chat-app/internal/presence"
	"github.com/teamline/chat-app/internal/ratelimit"
	"github.com/teamline/chat-app/internal/store"
	"github.com/teamline/chat-app/internal/ws"
)

// gatedAuthenticator wraps token verification with a per-user connection
// rate limit, so a reconnect loop cannot hammer the upgrade path.
type gatedAuthenticator struct {
	verifier *auth.Verifier
	limiter  *ratelimit.Limiter
}

func (g *gatedAuthenticator) Authenticate(r *http.Request) (string, string, error) {
	userID, username, err := g.verifier.Authenticate(r)
	if err != nil {
		return "", "", err
	}

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if allowed, _ := g.limiter.Allow(ctx, userID, ratelimit.RuleConnect); !allowed {
		return "", "", errTooManyConnects
	}
	return userID, username, nil
}

var errTooManyConnects = errors.New("too many connection attempts")

func main() {
	config := ws.DefaultServerConfig()

	if addr := os.Getenv("LISTEN_ADDR"); addr != "" {
		config.ListenAddr = addr
	}
	if v := os.Getenv("WORKER_POOL_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			config.WorkerPoolSize = n
		}
	}
	if v := os.Getenv("MAX_CONNECTIONS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			config.MaxConnections = n
		}
	}
	if v := os.Getenv("READ_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			config.ReadTimeout = d
		}
	}
	if v := os.Getenv("WRITE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			config.WriteTimeout = d
		}
	}

	jwtSecret := os.Getenv("JWT_SECRET")
	if jwtSecret == "" {
		log.Fatal("JWT_SECRET is required")
	}

	// --- PostgreSQL ---
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		dsn = "postgres://localhost/teamline?sslmode=disable"
	}
	st, err := store.Open(dsn)
	if err != nil {
		log.Fatalf("failed to connect to postgres: %v", err)
	}
	if os.Getenv("SKIP_MIGRATIONS") == "" {
		if err := st.Migrate(); err != nil {
			log.Fatalf("failed to run migrations: %v", err)
		}
	}

	// --- Redis ---
	redisAddr := "localhost:6379"
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		redisAddr = v
	}
	registry, err := presence.NewRegistry(redisAddr)
	if err != nil {
		log.Fatalf("failed to connect to redis: %v", err)
	}
	limiter := ratelimit.NewLimiter(registry.Client())

	// --- NATS ---
	natsConfig := messaging.DefaultConfig()
	if natsURL := os.Getenv("NATS_URL"); natsURL != "" {
		natsConfig.URL = natsURL
	}
	bus, err := messaging.NewBus(natsConfig)
	if err != nil {
		log.Fatalf("failed to connect to NATS: %v", err)
	}

	hubConfig := hub.DefaultConfig()
	if v := os.Getenv("TYPING_WINDOW"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			hubConfig.TypingWindow = d
		}
	}

	log.Printf("Teamline chat server starting")
	log.Printf("  listen_addr:     %s", config.ListenAddr)
	log.Printf("  worker_pool:     %d", config.WorkerPoolSize)
	log.Printf("  max_connections: %d", config.MaxConnections)
	log.Printf("  read_timeout:    %s", config.ReadTimeout)
	log.Printf("  write_timeout:   %s", config.WriteTimeout)
	log.Printf("  nats_url:        %s", natsConfig.URL)
	log.Printf("  redis_addr:      %s", redisAddr)
	log.Printf("  typing_window:   %s", hubConfig.TypingWindow)

	authn := &gatedAuthenticator{
		verifier: auth.NewVerifier(jwtSecret),
		limiter:  limiter,
	}

	dispatcher := ws.NewMessageDispatcher(nil)
	server := ws.NewServer(config, authn, dispatcher.Dispatch)
	dispatcher.SetServer(server)

	h := hub.New(hubConfig, st, bus, registry, limiter, server.Connections(), server)
	h.RegisterHandlers(dispatcher)
	server.SetOnConnect(h.OnConnect)
	server.SetOnDisconnect(h.OnDisconnect)
	server.SetOnAlive(h.OnAlive)

	// Subscribe before accepting connections so no envelope published by a
	// peer process during startup is missed.
	if err := h.Start(); err != nil {
		log.Fatalf("failed to subscribe to fan-out bus: %v", err)
	}

	// Graceful shutdown.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		log.Printf("received signal %v, initiating graceful shutdown...", sig)
		if err := server.Shutdown(); err != nil {
			log.Printf("shutdown error: %v", err)
		}
		bus.Close()
		if err := registry.Close(); err != nil {
			log.Printf("presence close error: %v", err)
		}
		if err := st.Close(); err != nil {
			log.Printf("store close error: %v", err)
		}
		os.Exit(0)
	}()

	if err := server.Start(); err != nil {
		log.Fatalf("server error: %v", err)
	}
}

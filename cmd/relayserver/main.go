// Command relayserver is the messaging core's HTTP/WebSocket entry
// point (spec §6): it wires the Device & Key Registry, Actor Registry,
// Activity Store, Envelope Validator, Messaging Service, WebSocket Hub,
// Push Notification Service and Federation Egress queue behind the
// documented route table, then serves until terminated. Adapted from
// the teacher's cmd/chatserver/main.go — same config/db/redis/registry
// bring-up order, graceful-shutdown sequence, and CORS/metrics/router
// shape — narrowed to this domain's routes.
package main

import (
	"context"
	"database/sql"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/cors"

	"github.com/jaydenbeard/eko-relay/internal/accounts"
	"github.com/jaydenbeard/eko-relay/internal/activitystore"
	"github.com/jaydenbeard/eko-relay/internal/actors"
	"github.com/jaydenbeard/eko-relay/internal/capabilities"
	"github.com/jaydenbeard/eko-relay/internal/config"
	"github.com/jaydenbeard/eko-relay/internal/devices"
	"github.com/jaydenbeard/eko-relay/internal/federation"
	"github.com/jaydenbeard/eko-relay/internal/groups"
	"github.com/jaydenbeard/eko-relay/internal/handlers"
	"github.com/jaydenbeard/eko-relay/internal/httpmw"
	"github.com/jaydenbeard/eko-relay/internal/messaging"
	"github.com/jaydenbeard/eko-relay/internal/middleware"
	"github.com/jaydenbeard/eko-relay/internal/model"
	"github.com/jaydenbeard/eko-relay/internal/push"
	"github.com/jaydenbeard/eko-relay/internal/registry"
	"github.com/jaydenbeard/eko-relay/internal/session"
	"github.com/jaydenbeard/eko-relay/internal/wsgateway"
)

func main() {
	cfg := config.Load()
	log.Printf("starting relay server: %s (storage=%s)", cfg.ServerID, cfg.StorageBackend)

	sessions, err := session.NewService(cfg.JWTSecret)
	if err != nil {
		log.Fatalf("failed to initialize session service: %v", err)
	}

	var (
		accountStore  accounts.Store
		deviceStore   devices.Store
		actorStore    actors.Store
		activityStore activitystore.Store
		groupStore    groups.Store
		pushStore     push.SubscriptionStore
		fedQueue      federation.Queue
		redisClient   *redis.Client
	)

	switch cfg.StorageBackend {
	case "memory":
		accountStore = accounts.NewMemoryStore()
		deviceStore = devices.NewMemoryStore()
		actorStore = actors.NewMemoryStore()
		activityStore = activitystore.NewMemoryStore()
		groupStore = groups.NewMemoryStore()
		pushStore = push.NewMemoryStore()
		fedQueue = federation.NewMemoryQueue()
	default:
		database, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("failed to open database: %v", err)
		}
		if err := database.Ping(); err != nil {
			log.Fatalf("failed to connect to database: %v", err)
		}
		defer database.Close()

		accountStore = accounts.NewPostgresStore(database)
		deviceStore = devices.NewPostgresStore(database)
		actorStore = actors.NewPostgresStore(database)
		activityStore = activitystore.NewPostgresStore(database, cfg.Domain)
		groupStore = groups.NewPostgresStore(database)
		pushStore = push.NewPostgresStore(database)

		redisClient = redis.NewClient(&redis.Options{Addr: cfg.RedisURL})
		if err := redisClient.Ping(context.Background()).Err(); err != nil {
			log.Fatalf("failed to connect to redis: %v", err)
		}
		defer redisClient.Close()
		fedQueue = federation.NewRedisQueue(redisClient)
	}

	vapidPriv, vapidPub, err := push.LoadOrGenerateVAPIDKeys(cfg.VAPIDKeyPath, readFileBytes, writeFileOwnerOnly)
	if err != nil {
		log.Fatalf("failed to load/generate VAPID keys: %v", err)
	}
	pushService := push.NewService(pushStore, vapidPub, vapidPriv, cfg.ContactEmail)

	hub := wsgateway.NewHub(activityStore)
	go hub.Run()

	msgService := &messaging.Service{
		Domain:     cfg.Domain,
		Actors:     actorStore,
		Devices:    deviceStore,
		Activities: activityStore,
		Hub:        hub,
		Push:       pushService,
		Federation: fedQueue,
	}

	var oidcProvider *session.OIDCProvider
	if cfg.OIDC.IssuerURL != "" {
		oidcProvider, err = session.NewOIDCProvider(context.Background(), session.OIDCConfig(cfg.OIDC))
		if err != nil {
			log.Printf("warning: OIDC provider unavailable, /auth/v1/oidc/* disabled: %v", err)
			oidcProvider = nil
		}
	}

	authHandlers := &handlers.Auth{
		Domain: cfg.Domain, Accounts: accountStore, Devices: deviceStore, Actors: actorStore,
		Sessions: sessions, OIDC: oidcProvider,
	}
	userHandlers := &handlers.Users{
		Domain: cfg.Domain, Devices: deviceStore, Activities: activityStore, Groups: groupStore, Messaging: msgService,
	}
	pushHandlers := &handlers.Push{Subscriptions: pushStore}

	var serviceRegistry *registry.ConsulRegistry
	if cfg.ConsulURL != "" {
		serviceRegistry, err = registry.NewConsulRegistry(cfg.ConsulURL, cfg.ServerID, cfg.ServerPort)
		if err != nil {
			log.Printf("warning: Consul unavailable, service discovery disabled: %v", err)
		} else if err := serviceRegistry.Register(); err != nil {
			log.Printf("warning: failed to register with Consul: %v", err)
			serviceRegistry = nil
		}
	}

	router := mux.NewRouter()
	router.HandleFunc("/health", healthCheck).Methods("GET")
	router.Handle("/metrics", promhttp.Handler()).Methods("GET")
	router.HandleFunc("/.well-known/ecp", capabilities.Handler(cfg.Domain, pushService.PublicKey())).Methods("GET")
	router.HandleFunc("/.well-known/webfinger", capabilities.WebFingerHandler(cfg.Domain, func(uid model.UserID) bool {
		local, err := actorStore.IsLocalActor(context.Background(), model.ActorURIFor(cfg.Domain, uid))
		return err == nil && local
	})).Methods("GET")

	// Public routes: no bearer required (spec §6's "none"/"optional bearer" rows).
	loginHandler := http.Handler(http.HandlerFunc(authHandlers.Login))
	refreshHandler := http.Handler(http.HandlerFunc(authHandlers.Refresh))
	if redisClient != nil {
		limiter := middleware.NewIPRateLimiter(redisClient, 30, time.Minute)
		loginHandler = limiter.Middleware(loginHandler)
		refreshHandler = limiter.Middleware(refreshHandler)
	}
	router.Handle("/auth/v1/login", loginHandler).Methods("POST")
	router.Handle("/auth/v1/refresh", refreshHandler).Methods("POST")
	router.HandleFunc("/auth/v1/oidc/login", authHandlers.OIDCLogin).Methods("GET")
	router.HandleFunc("/auth/v1/oidc/callback", authHandlers.OIDCCallback).Methods("GET")
	router.HandleFunc("/auth/v1/oidc/complete", authHandlers.OIDCComplete).Methods("POST")
	router.HandleFunc("/users/{uid}", capabilities.PersonHandler(cfg.Domain, actorStore, pathUID, handlers.IsOwner)).Methods("GET")
	router.HandleFunc("/users/{uid}/keys/bundle.json", userHandlers.KeysBundle).Methods("GET")

	// Bearer-protected routes.
	protected := router.NewRoute().Subrouter()
	protected.Use(httpmw.AuthMiddleware(sessions, nil))
	protected.HandleFunc("/auth/v1/logout", authHandlers.Logout).Methods("POST")
	protected.HandleFunc("/users/{uid}/inbox", userHandlers.Inbox).Methods("GET")
	protected.HandleFunc("/users/{uid}/outbox", userHandlers.Outbox).Methods("POST")
	protected.HandleFunc("/users/{uid}/groups/{group_id}", userHandlers.PutGroup).Methods("PUT")
	protected.HandleFunc("/users/{uid}/groups/{group_id}", userHandlers.GetGroup).Methods("GET")
	protected.HandleFunc("/users/{uid}/groups/{group_id}", userHandlers.DeleteGroup).Methods("DELETE")
	protected.HandleFunc("/users/{uid}/groups", userHandlers.ListGroups).Methods("GET")
	protected.HandleFunc("/push/register", pushHandlers.Register).Methods("POST")
	protected.HandleFunc("/push/revoke", pushHandlers.Revoke).Methods("POST")

	router.HandleFunc("/ws", wsgateway.Handler(hub, sessions)).Methods("GET")

	corsHandler := cors.New(cors.Options{
		AllowedOrigins:   allowedOrigins(),
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Authorization", "Content-Type"},
		AllowCredentials: true,
	})

	server := &http.Server{
		Addr:              ":" + cfg.ServerPort,
		Handler:           corsHandler.Handler(router),
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Printf("relay server listening on :%s", cfg.ServerPort)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	log.Printf("received signal %v, starting graceful shutdown", sig)

	if serviceRegistry != nil {
		if err := serviceRegistry.Deregister(); err != nil {
			log.Printf("warning: failed to deregister from Consul: %v", err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		log.Printf("warning: HTTP server shutdown error: %v", err)
	}
	hub.Shutdown()
	log.Println("relay server stopped gracefully")
}

func healthCheck(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

func pathUID(r *http.Request) model.UserID {
	return model.UserID(mux.Vars(r)["uid"])
}

func allowedOrigins() []string {
	if v := os.Getenv("CORS_ALLOWED_ORIGINS"); v != "" {
		return splitComma(v)
	}
	return []string{"http://localhost:3000"}
}

func splitComma(s string) []string {
	var out []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == ',' {
			out = append(out, s[start:i])
			start = i + 1
		}
	}
	out = append(out, s[start:])
	return out
}

func readFileBytes(path string) ([]byte, error) { return os.ReadFile(path) }

func writeFileOwnerOnly(path string, data []byte) error {
	return os.WriteFile(path, data, 0o600)
}

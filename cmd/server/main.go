package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/edenvr/genq/internal/api"
	"github.com/edenvr/genq/internal/auth"
	"github.com/edenvr/genq/internal/dispatch"
	"github.com/edenvr/genq/internal/journal"
	"github.com/edenvr/genq/internal/middleware"
	"github.com/edenvr/genq/internal/queue"
	"github.com/edenvr/genq/internal/task"
)

func main() {
	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}
	wsURL := os.Getenv("WS_URL")
	if wsURL == "" {
		wsURL = "ws://localhost:" + port + "/ws"
	}

	var verifier *auth.Verifier
	if secret := os.Getenv("JWT_SECRET"); secret != "" {
		verifier = auth.NewVerifier(secret)
		log.Printf("JWT verification enforced")
	}

	var observer task.LogObserver
	if redisAddr := os.Getenv("REDIS_ADDR"); redisAddr != "" {
		j, err := journal.New(redisAddr)
		if err != nil {
			log.Fatal(err)
		}
		defer func() {
			if err := j.Close(); err != nil {
				log.Printf("failed to close journal: %v", err)
			}
		}()
		observer = j
		log.Printf("Task journal connected to Redis at %s", redisAddr)
	}

	entry := queue.NewEntryQueue()
	dispatcher := dispatch.New(entry)

	apiHandler := api.NewServer(entry, dispatcher, api.Config{
		WSURL:    wsURL,
		Verifier: verifier,
		Journal:  observer,
	})

	go startMetricsCollector(dispatcher)

	server := &http.Server{
		Addr:    ":" + port,
		Handler: middleware.MetricsMiddleware(apiHandler),
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		log.Printf("Server starting on :%s", port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal(err)
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown: %v", err)
	}
	log.Println("Server is gracefully shutting down")
}

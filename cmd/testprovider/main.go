// testprovider serves an in-memory work provider seeded with demo tasks for
// local runs and end-to-end tests.
// Usage: go run ./cmd/testprovider
package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/seantiz/anvil/internal/backend/wasm/wasmtest"
	"github.com/seantiz/anvil/internal/provider"
)

func main() {
	addr := "127.0.0.1:8421"
	if v := os.Getenv("ANVIL_PROVIDER_ADDR"); v != "" {
		addr = v
	}
	tasks := 16
	if v := os.Getenv("ANVIL_PROVIDER_TASKS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			log.Fatalf("ANVIL_PROVIDER_TASKS: %v", err)
		}
		tasks = n
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	srv := provider.NewServer(logger)
	seed(srv, tasks)

	httpServer := &http.Server{
		Addr:              addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		httpServer.Shutdown(shutdownCtx)
	}()

	logger.Info("testprovider: starting", "addr", addr, "tasks", tasks)
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatalf("server error: %v", err)
	}
	res := srv.Results()
	logger.Info("testprovider: stopped", "results", len(res), "pending", srv.Pending())
}

// seed queues n tasks cycling through echo, print and abort programs. Every
// fourth input download fails once to exercise retries.
func seed(srv *provider.Server, n int) {
	echo := srv.AddBlob(wasmtest.Echo)
	printer := srv.AddBlob(wasmtest.Print)
	abort := srv.AddBlob(wasmtest.Abort)

	for i := 0; i < n; i++ {
		in := srv.AddBlob([]byte("input " + strconv.Itoa(i)))
		if i%4 == 3 {
			srv.FailBlob(in.ID, 1)
		}
		control := []byte("task " + strconv.Itoa(i))
		switch i % 3 {
		case 0:
			srv.AddTask("demo", echo, control, in)
		case 1:
			srv.AddTask("demo", printer, control, in)
		default:
			srv.AddTask("demo", abort, control)
		}
	}
}

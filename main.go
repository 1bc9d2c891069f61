package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"carsties/api"
)

func main() {
	args := ParseArgs()
	if err := args.Validate(); err != nil {
		slog.Error("invalid arguments", slog.Any("error", err))
		os.Exit(2)
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: args.LogLevel})))

	server, err := api.NewServer(args.ServerConfig)
	if err != nil {
		panic(err)
	}
	defer server.Close()
	if err := server.Start(); err != nil {
		panic(err)
	}

	router := gin.Default()
	server.Register(router)
	httpServer := &http.Server{
		Addr:    args.ServerURL,
		Handler: router,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			slog.Error("failed to shutdown http server", slog.Any("error", err))
		}
	}()

	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		panic(err)
	}
}

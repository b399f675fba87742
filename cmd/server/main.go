package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/brunobiangulo/goextract"
	"github.com/brunobiangulo/goextract/config"
)

func main() {
	configPath := flag.String("config", "", "Path to engine config file (JSON or YAML)")
	extractionPath := flag.String("extraction", "", "Path to extraction config file (TOML, YAML or JSON); discovered from the working directory when empty")
	addr := flag.String("addr", ":8080", "Listen address")
	nativeOCR := flag.Bool("native-ocr", false, "Register the in-process tesseract backend (requires cgo)")
	debug := flag.Bool("debug", false, "Log at debug level")
	flag.Parse()

	level := slog.LevelInfo
	if *debug {
		level = slog.LevelDebug
	}
	// Structured JSON logging.
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	cfg := goextract.DefaultConfig()
	if *configPath != "" {
		c, err := goextract.LoadConfig(*configPath)
		if err != nil {
			slog.Error("loading config", "path", *configPath, "error", err)
			os.Exit(1)
		}
		cfg = c
	}
	if *extractionPath != "" {
		ec, err := config.LoadFile(*extractionPath)
		if err != nil {
			slog.Error("loading extraction config", "path", *extractionPath, "error", err)
			os.Exit(1)
		}
		cfg.Extraction = ec
	} else if *configPath == "" {
		ec, path, err := config.Discover()
		if err != nil {
			slog.Error("loading extraction config", "path", path, "error", err)
			os.Exit(1)
		}
		if ec != nil {
			slog.Info("extraction config discovered", "path", path)
			cfg.Extraction = *ec
		}
	}

	// Override from environment variables.
	if err := cfg.ApplyEnv(os.Getenv); err != nil {
		slog.Error("applying environment", "error", err)
		os.Exit(1)
	}

	apiKey := os.Getenv("GOEXTRACT_API_KEY")
	corsOrigins := os.Getenv("GOEXTRACT_CORS_ORIGINS")

	opts := []goextract.Option{goextract.WithLogger(logger)}
	if *nativeOCR {
		b, err := nativeBackend()
		if err != nil {
			slog.Error("native ocr", "error", err)
			os.Exit(1)
		}
		opts = append(opts, goextract.WithOCRBackend(b))
	}

	engine, err := goextract.New(cfg, opts...)
	if err != nil {
		slog.Error("creating engine", "error", err, "code", goextract.Code(err).Name())
		os.Exit(1)
	}
	defer engine.Close()

	h := newHandler(engine)

	// Middleware chain: recovery -> cors -> auth -> request id -> logging -> mux
	var handler http.Handler = h.routes()
	handler = logMiddleware(handler)
	handler = requestIDMiddleware(handler)
	handler = authMiddleware(apiKey, handler)
	handler = corsMiddleware(corsOrigins, handler)
	handler = recoveryMiddleware(handler)

	srv := &http.Server{
		Addr:         *addr,
		Handler:      handler,
		ReadTimeout:  5 * time.Minute,
		WriteTimeout: 0, // extraction of large documents can be long
		IdleTimeout:  120 * time.Second,
	}

	// Graceful shutdown on SIGTERM/SIGINT.
	done := make(chan os.Signal, 1)
	signal.Notify(done, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		slog.Info("server starting", "addr", *addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	<-done
	slog.Info("shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("server shutdown error", "error", err)
	}

	slog.Info("server stopped")
}

// Command servicenow-mcp-sse serves a ServiceNow MCP server over the legacy
// HTTP+SSE transport pair.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nowmcp/servicenow-mcp-go/engine"
	"github.com/nowmcp/servicenow-mcp-go/mcp"
	"github.com/nowmcp/servicenow-mcp-go/servicenow"
	"github.com/nowmcp/servicenow-mcp-go/sseserver"
)

const (
	serverName    = "servicenow-mcp"
	serverVersion = "1.0.0"
)

type config struct {
	Host  string `env:"HOST,default=0.0.0.0"`
	Port  int    `env:"PORT,default=8080"`
	Debug bool   `env:"DEBUG,default=false"`
	// AuthToken optionally protects the transport endpoints with a static
	// bearer token.
	AuthToken string `env:"MCP_AUTH_TOKEN"`
	// ToolPackages optionally points at a YAML file restricting the exposed
	// tool packages; the file is hot-reloaded.
	ToolPackages string `env:"TOOL_PACKAGES_FILE"`

	ServiceNow servicenow.Config
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func run() error {
	// Values from a local .env lose to real environment variables, matching
	// the reference deployment.
	_ = godotenv.Load()

	var cfg config
	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return fmt.Errorf("failed to decode environment: %w", err)
	}

	flag.StringVar(&cfg.Host, "host", cfg.Host, "host to bind to")
	flag.IntVar(&cfg.Port, "port", cfg.Port, "port to listen on")
	flag.BoolVar(&cfg.Debug, "debug", cfg.Debug, "include error detail in responses and log at debug level")
	flag.StringVar(&cfg.ServiceNow.InstanceURL, "instance-url", cfg.ServiceNow.InstanceURL, "ServiceNow instance URL")
	flag.StringVar(&cfg.ServiceNow.Username, "username", cfg.ServiceNow.Username, "ServiceNow username")
	flag.StringVar(&cfg.ServiceNow.Password, "password", cfg.ServiceNow.Password, "ServiceNow password")
	flag.StringVar(&cfg.ToolPackages, "tool-packages", cfg.ToolPackages, "path to tool-packages YAML file (optional)")
	flag.Parse()

	level := slog.LevelInfo
	if cfg.Debug {
		level = slog.LevelDebug
	}
	log := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(log)

	if err := cfg.ServiceNow.Validate(); err != nil {
		return fmt.Errorf("servicenow configuration: %w (set SERVICENOW_INSTANCE_URL, SERVICENOW_USERNAME and SERVICENOW_PASSWORD or use flags)", err)
	}

	client, err := servicenow.NewClient(cfg.ServiceNow)
	if err != nil {
		return err
	}

	var toolsetOpts []servicenow.ToolsetOption
	if cfg.ToolPackages != "" {
		filter, err := servicenow.LoadPackageFilter(cfg.ToolPackages, log)
		if err != nil {
			return err
		}
		defer filter.Close()
		toolsetOpts = append(toolsetOpts, servicenow.WithPackageFilter(filter))
	}
	toolset := servicenow.NewToolset(client, toolsetOpts...)

	eng := engine.New(toolset,
		engine.WithLogger(log),
		engine.WithServerInfo(mcp.ImplementationInfo{Name: serverName, Version: serverVersion}),
		engine.WithInstructions("Tools for working with incidents and records in ServiceNow."),
	)

	promRegistry := prometheus.NewRegistry()
	sseOpts := []sseserver.Option{
		sseserver.WithLogger(log),
		sseserver.WithDebug(cfg.Debug),
		sseserver.WithMetricsRegisterer(promRegistry),
	}
	if cfg.AuthToken != "" {
		sseOpts = append(sseOpts, sseserver.WithAuthenticator(sseserver.NewStaticTokenAuthenticator(cfg.AuthToken)))
	}
	handler, err := sseserver.New(eng, sseOpts...)
	if err != nil {
		return err
	}

	mux := http.NewServeMux()
	mux.Handle("/", handler)
	mux.Handle("GET /metrics", promhttp.HandlerFor(promRegistry, promhttp.HandlerOpts{}))

	addr := net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		log.Info("server.listen",
			slog.String("addr", addr),
			slog.String("sse_path", sseserver.DefaultSSEPath),
			slog.String("messages_path", sseserver.DefaultMessagesPath),
			slog.String("instance", client.InstanceURL()))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info("server.shutdown.start")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		// Open SSE streams keep Shutdown from draining; cut them over to a
		// hard close once the grace period lapses.
		log.Warn("server.shutdown.force", slog.String("err", err.Error()))
		return srv.Close()
	}
	log.Info("server.shutdown.ok")
	return nil
}

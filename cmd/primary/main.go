// Command primary serves a local segment store to standbys over gRPC.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jrife/standby/storage/segment"
	"github.com/jrife/standby/transport"
	"github.com/jrife/standby/utils/log"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"gopkg.in/yaml.v2"
)

// Config is the primary's configuration file
type Config struct {
	Listen       string `yaml:"listen"`
	Store        string `yaml:"store"`
	Secure       bool   `yaml:"secure"`
	SSLKeyFile   string `yaml:"sslKeyFile"`
	SSLChainFile string `yaml:"sslChainFile"`
	// Status is the listen address of the HTTP endpoint
	// listing connected standbys. Disabled if empty.
	Status   string `yaml:"status"`
	LogLevel string `yaml:"logLevel"`
}

func parseArgs(args []string) (Config, error) {
	flags := flag.NewFlagSet("primary", flag.ContinueOnError)
	path := flags.String("c", "", "config file path")

	if err := flags.Parse(args); err != nil {
		return Config{}, err
	}

	config := Config{Listen: ":8023", Store: "primary.db", LogLevel: "info"}

	if *path == "" {
		return config, nil
	}

	data, err := os.ReadFile(*path)

	if err != nil {
		return Config{}, fmt.Errorf("could not read config file: %w", err)
	}

	if err := yaml.UnmarshalStrict(data, &config); err != nil {
		return Config{}, fmt.Errorf("could not parse config file %s: %w", *path, err)
	}

	return config, nil
}

func main() {
	config, err := parseArgs(os.Args[1:])

	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	logger, err := log.New(config.LogLevel)

	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	defer logger.Sync()

	zap.ReplaceGlobals(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, config, logger); err != nil {
		logger.Fatal("primary failed", zap.Error(err))
	}
}

func run(ctx context.Context, config Config, logger *zap.Logger) error {
	store, err := segment.Open(segment.Options{Path: config.Store, Logger: logger})

	if err != nil {
		return err
	}

	defer store.Close()

	options := []grpc.ServerOption{}

	if config.Secure {
		tlsConfig, err := transport.ServerTLS(config.SSLKeyFile, config.SSLChainFile)

		if err != nil {
			return err
		}

		options = append(options, grpc.Creds(credentials.NewTLS(tlsConfig)))
	}

	listener, err := net.Listen("tcp", config.Listen)

	if err != nil {
		return fmt.Errorf("could not listen on %s: %w", config.Listen, err)
	}

	server := transport.NewServer(transport.ServerConfig{Source: store, Logger: logger})
	grpcServer := grpc.NewServer(options...)
	server.Register(grpcServer)

	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus(transport.ServiceName, healthpb.HealthCheckResponse_SERVING)

	if config.Status != "" {
		status := &http.Server{Addr: config.Status, Handler: clientsHandler(server, logger), ReadHeaderTimeout: 10 * time.Second}

		go func() {
			if err := status.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("status server failed", zap.Error(err))
			}
		}()

		defer status.Close()
	}

	go func() {
		<-ctx.Done()
		logger.Info("shutting down")
		healthServer.Shutdown()
		grpcServer.GracefulStop()
	}()

	logger.Info("serving", zap.String("address", listener.Addr().String()), zap.Bool("secure", config.Secure))

	return grpcServer.Serve(listener)
}

func clientsHandler(server *transport.Server, logger *zap.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")

		if err := json.NewEncoder(w).Encode(server.Clients()); err != nil {
			logger.Warn("could not write clients", zap.Error(err))
		}
	})
}

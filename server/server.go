package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/Clouded-Sabre/utcp/config"
	"github.com/Clouded-Sabre/utcp/lib"
	"github.com/Clouded-Sabre/utcp/lib/bunch"
	"github.com/Clouded-Sabre/utcp/lib/transport"
)

var version = "dev"

func main() {
	rootCmd := &cobra.Command{
		Use:           "utcp-server",
		Short:         "utcp echo server",
		Long:          `Accepts utcp clients on a UDP port and echoes every message back on the channel it arrived on.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.AddCommand(
		serveCmd(),
		checkConfigCmd(),
		versionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		pterm.Error.Println(err)
		os.Exit(1)
	}
}

// loadConfig falls back to defaults when the default path does not exist.
func loadConfig(path string, explicit bool) (*config.Config, error) {
	cfg, err := config.LoadConfig(path)
	if errors.Is(err, fs.ErrNotExist) && !explicit {
		return config.DefaultConfig(), nil
	}
	return cfg, err
}

func serveCmd() *cobra.Command {
	var (
		configPath  string
		listenAddr  string
		metricsAddr string
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the echo server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath, cmd.Flags().Changed("config"))
			if err != nil {
				return err
			}
			if listenAddr != "" {
				cfg.ListenAddr = listenAddr
			}
			if metricsAddr != "" {
				cfg.MetricsAddr = metricsAddr
			}
			return serve(cmd.Context(), cfg)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "config.yaml", "config file")
	cmd.Flags().StringVarP(&listenAddr, "listen", "l", "", "UDP address to listen on (overrides config)")
	cmd.Flags().StringVar(&metricsAddr, "metrics", "", "HTTP address for /metrics (overrides config)")
	return cmd
}

func serve(ctx context.Context, cfg *config.Config) error {
	log := lib.NewPtermLogger("server", cfg.LogLevel)

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	var metrics *lib.Metrics
	if cfg.Metrics.Enabled {
		metrics = lib.NewMetrics(reg, cfg.Metrics.Namespace, cfg.Metrics.Subsystem)
	}

	tcfg, err := transport.NewConfig(cfg, metrics)
	if err != nil {
		return err
	}
	srv, err := transport.Listen(cfg.ListenAddr, &echo{log: log}, tcfg)
	if err != nil {
		return fmt.Errorf("listen %s: %w", cfg.ListenAddr, err)
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Metrics.Enabled && cfg.MetricsAddr != "" {
		hs := &http.Server{
			Addr:              cfg.MetricsAddr,
			Handler:           router(reg, srv),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := hs.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Errorf("metrics server: %v", err)
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			hs.Shutdown(shutdownCtx)
		}()
		log.Infof("metrics on http://%s/metrics", cfg.MetricsAddr)
	}

	err = srv.Serve(ctx)
	if errors.Is(err, context.Canceled) {
		log.Infof("shutting down")
		return nil
	}
	return err
}

// router serves Prometheus metrics and a health probe.
func router(reg *prometheus.Registry, srv *transport.Server) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprintf(w, "ok peers=%d\n", srv.Peers())
	})
	return r
}

// echo sends every message back to its sender.
type echo struct {
	log lib.Logger
}

func (e *echo) OnConnect(p *transport.Peer, reconnect bool) {
	e.log.Infof("client %s connected (reconnect=%t)", p.RemoteAddr(), reconnect)
}

func (e *echo) OnDisconnect(p *transport.Peer, reason lib.CloseReason) {
	e.log.Infof("client %s disconnected: %s", p.RemoteAddr(), reason)
}

func (e *echo) OnMessage(p *transport.Peer, msg *bunch.Bunch) {
	if _, err := p.Send(msg.ChIndex, msg.Reliable, msg.Bytes()); err != nil {
		e.log.Warnf("echo to %s: %v", p.RemoteAddr(), err)
	}
}

func checkConfigCmd() *cobra.Command {
	var printCfg bool
	cmd := &cobra.Command{
		Use:   "check-config <file>",
		Short: "Validate a config file, rejecting unknown keys",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadStrict(args[0])
			if err != nil {
				return err
			}
			// the debug cookie is only decoded here
			if _, err := lib.NewOptions(cfg); err != nil {
				return fmt.Errorf("config %s: %w", args[0], err)
			}
			pterm.Success.Printfln("%s is valid", args[0])
			if printCfg {
				out, err := yaml.Marshal(cfg)
				if err != nil {
					return err
				}
				fmt.Print(string(out))
			}
			return nil
		},
	}
	cmd.Flags().BoolVarP(&printCfg, "print", "p", false, "print the effective config")
	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("utcp-server %s\n", version)
		},
	}
}

package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"inferd/internal/config"
	"inferd/internal/frontend"
	"inferd/internal/httpapi"
	"inferd/internal/model"
	"inferd/internal/registry"
)

func newServeCmd() *cobra.Command {
	var addr string
	var modelsDir string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "start the inference server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath, _ := cmd.Flags().GetString("config")
			cfg, err := loadConfigOrDefault(cfgPath)
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.Addr = addr
			}
			if cfg.Addr == "" {
				cfg.Addr = envOr("INFERD_ADDR", ":8080")
			}
			if modelsDir != "" {
				cfg.ModelsDir = modelsDir
			}

			setupLogging(cfg.LogLevel)

			f := frontend.New(cfg.FrontendConfig())
			if err := registerModels(f.Registry, cfg); err != nil {
				return err
			}

			httpapi.SetLogger(log.Logger)
			if cfg.MaxBodyBytes > 0 {
				httpapi.SetMaxBodyBytes(cfg.MaxBodyBytes)
			}
			if cfg.CORSEnabled {
				httpapi.SetCORSOptions(true, cfg.CORSAllowedOrigins, cfg.CORSAllowedMethods, cfg.CORSAllowedHeaders)
			}

			baseCtx, cancelBase := context.WithCancel(context.Background())
			defer cancelBase()
			httpapi.SetBaseContext(baseCtx)

			mux := httpapi.NewMux(f)
			srv := &http.Server{Addr: cfg.Addr, Handler: mux}

			go func() {
				log.Info().Str("addr", cfg.Addr).Msg("inferd listening")
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					log.Fatal().Err(err).Msg("server error")
				}
			}()

			stop := make(chan os.Signal, 1)
			signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
			<-stop
			log.Info().Msg("shutdown signal received, draining")

			cancelBase()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.FrontendConfig().GracefulShutdownTimeout+5*time.Second)
			defer cancel()
			f.BeginShutdown(shutdownCtx)
			if err := srv.Shutdown(shutdownCtx); err != nil {
				log.Warn().Err(err).Msg("http server shutdown error")
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "HTTP listen address, e.g. :8080 (overrides config file and INFERD_ADDR)")
	cmd.Flags().StringVar(&modelsDir, "models-dir", "", "directory to scan for *.gguf model files (overrides config file)")
	return cmd
}

// registerModels installs a Loader for every explicit model in cfg.Models
// and every *.gguf file discovered under cfg.ModelsDir, then loads each
// through the registry so it is ready to serve before the listener opens.
func registerModels(reg *registry.Registry, cfg config.Config) error {
	ctx := context.Background()

	for _, spec := range cfg.Models {
		loader := loaderFor(spec)
		if err := reg.RegisterLoader(spec.Name, loader, false); err != nil {
			return err
		}
		if _, err := reg.Load(ctx, spec.ToModelConfig()); err != nil {
			return err
		}
		log.Info().Str("model", spec.Name).Str("backend", spec.Backend).Msg("model registered")
	}

	if cfg.ModelsDir != "" {
		discovered, err := registry.DiscoverGGUF(cfg.ModelsDir)
		if err != nil {
			return err
		}
		for _, mc := range discovered {
			if err := reg.RegisterLoader(mc.Name, model.MockLoader(), false); err != nil {
				if registry.IsLoaderExists(err) {
					continue
				}
				return err
			}
			if _, err := reg.Load(ctx, mc); err != nil {
				return err
			}
			log.Info().Str("model", mc.Name).Str("path", mc.LoadPath).Msg("model discovered")
		}
	}
	return nil
}

func loaderFor(spec config.ModelSpec) model.Loader {
	switch spec.Backend {
	case "llama_server":
		return model.LlamaServerLoader(model.LlamaServerConfig{Binary: spec.BinaryPath})
	default:
		return model.MockLoader()
	}
}

func loadConfigOrDefault(path string) (config.Config, error) {
	if path == "" {
		return config.Config{}, nil
	}
	return config.Load(path)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func setupLogging(level string) {
	zerolog.TimeFieldFormat = time.RFC3339
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)
	log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).With().Timestamp().Logger()
}

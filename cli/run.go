package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/labstack/echo/v4"
	"github.com/spf13/cobra"

	"datapub.evalgo.org/accesslog"
	"datapub.evalgo.org/api"
	"datapub.evalgo.org/backend"
	"datapub.evalgo.org/backend/postgres"
	"datapub.evalgo.org/backend/sqlread"
	"datapub.evalgo.org/common"
	"datapub.evalgo.org/config"
	"datapub.evalgo.org/keymap"
	"datapub.evalgo.org/manifest"
	"datapub.evalgo.org/security"
)

func init() {
	RootCmd.AddCommand(runCmd)
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "serve the HTTP API",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		return runServer(cmd.Context(), cfg)
	},
}

// buildBackends connects the internal store and every external SQL
// resource declared in the manifest. Configured source DSNs override the
// manifest's.
func buildBackends(ctx context.Context, cfg *config.Config, mf *manifest.Manifest, km *keymap.KeyMap) (map[string]backend.Backend, error) {
	backends := map[string]backend.Backend{}

	if cfg.Backend.DefaultDSN != "" {
		internal, err := postgres.New(ctx, "default", cfg.Backend.DefaultDSN)
		if err != nil {
			return nil, err
		}
		backends["default"] = internal
		for _, m := range mf.Models() {
			if m.IsExternal() {
				continue
			}
			if err := internal.Migrate(ctx, m); err != nil {
				return nil, err
			}
		}
	}

	for _, ds := range mf.Datasets {
		for _, res := range ds.Resources {
			if res.Type != "sql" {
				continue
			}
			key := ds.Name + "/" + res.Name
			dsn := res.DSN
			if override, ok := cfg.Backend.Sources[key]; ok {
				dsn = override
			}
			if dsn == "" {
				return nil, fmt.Errorf("no DSN for external resource %s", key)
			}
			external, err := sqlread.New(ctx, key, dsn, km)
			if err != nil {
				return nil, err
			}
			backends[key] = external
		}
	}
	return backends, nil
}

func runServer(ctx context.Context, cfg *config.Config) error {
	log := common.Logger.WithField("component", "server")

	mf, err := manifest.LoadFile(cfg.Manifest.Path)
	if err != nil {
		return err
	}

	km, err := keymap.Open(cfg.KeyMap.Path)
	if err != nil {
		return err
	}
	defer km.Close()

	backends, err := buildBackends(ctx, cfg, mf, km)
	if err != nil {
		return err
	}
	defer func() {
		for _, be := range backends {
			be.Close()
		}
	}()

	sink, err := accesslog.Open(cfg.AccessLog.Target, cfg.AccessLog.BufferSize)
	if err != nil {
		return err
	}
	defer sink.Close()

	server := &api.Server{
		Manifest: mf,
		Backends: backends,
		Sink:     sink,
		TokenTTL: cfg.Auth.TokenTTL,
	}
	if cfg.Auth.Secret != "" {
		server.Tokens = security.NewTokenService(cfg.Auth.Secret, cfg.Auth.Issuer)
		clients, err := security.NewClientStore(cfg.Auth.ClientsDir)
		if err != nil {
			return err
		}
		server.Clients = clients
	}

	e := echo.New()
	server.Setup(e)

	address := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	errCh := make(chan error, 1)
	go func() {
		log.WithField("address", address).Info("starting server")
		if err := e.Start(address); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-errCh:
		return err
	case <-quit:
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	return e.Shutdown(shutdownCtx)
}

package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"datapub.evalgo.org/common"
	"datapub.evalgo.org/config"
	"datapub.evalgo.org/manifest"
)

func init() {
	RootCmd.AddCommand(waitCmd)
	waitCmd.Flags().Duration("timeout", time.Minute, "give up after this long")
	waitCmd.Flags().Duration("interval", time.Second, "time between connection attempts")
}

var waitCmd = &cobra.Command{
	Use:   "wait",
	Short: "wait until every configured backend accepts connections",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		timeout, _ := cmd.Flags().GetDuration("timeout")
		interval, _ := cmd.Flags().GetDuration("interval")
		return waitForBackends(cmd.Context(), cfg, timeout, interval)
	},
}

// waitForBackends polls the internal store and every external SQL resource
// until all are reachable or the timeout expires.
func waitForBackends(ctx context.Context, cfg *config.Config, timeout, interval time.Duration) error {
	dsns := map[string]string{}
	if cfg.Backend.DefaultDSN != "" {
		dsns["default"] = cfg.Backend.DefaultDSN
	}
	mf, err := manifest.LoadFile(cfg.Manifest.Path)
	if err != nil {
		return err
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
			if dsn != "" {
				dsns[key] = dsn
			}
		}
	}

	log := common.Logger.WithField("component", "wait")
	deadline := time.Now().Add(timeout)
	for name, dsn := range dsns {
		for {
			if err := ping(ctx, dsn); err == nil {
				log.WithField("backend", name).Info("backend is up")
				break
			} else if time.Now().After(deadline) {
				return fmt.Errorf("backend %s did not come up within %s: %w", name, timeout, err)
			} else {
				log.WithField("backend", name).WithError(err).Debug("backend not ready")
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(interval):
			}
		}
	}
	return nil
}

func ping(ctx context.Context, dsn string) error {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return err
	}
	defer pool.Close()
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return pool.Ping(pingCtx)
}

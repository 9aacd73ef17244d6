package cli

import (
	"context"
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"datapub.evalgo.org/backend"
	"datapub.evalgo.org/common"
	"datapub.evalgo.org/keymap"
	"datapub.evalgo.org/manifest"
	"datapub.evalgo.org/push"
)

func init() {
	RootCmd.AddCommand(pushCmd)
	pushCmd.Flags().StringP("output", "o", "", "target server URL, overrides the credentials entry")
	pushCmd.Flags().StringP("credentials", "r", "", "client credentials YAML file")
	pushCmd.Flags().StringP("client", "c", "", "client id from the credentials file")
	pushCmd.Flags().StringP("dataset", "d", "", "dataset to push")
	pushCmd.Flags().String("chunk-size", "1MB", "outgoing chunk size, e.g. 500KB or 1MB")
	pushCmd.Flags().Duration("stop-time", 0, "stop after this wall-clock budget")
	pushCmd.Flags().Int64("stop-row", 0, "stop after this many rows")
	pushCmd.Flags().String("state", "push_state.db", "push state database file")
	pushCmd.Flags().String("mode", "external", "row source: external or internal")
	pushCmd.Flags().Bool("no-progress-bar", false, "suppress progress output")
	pushCmd.Flags().Bool("stop-on-error", false, "abort on the first failed chunk")
	pushCmd.Flags().Int("max-errors", 50, "abort after this many failed rows")
	_ = pushCmd.MarkFlagRequired("dataset")
}

var pushCmd = &cobra.Command{
	Use:   "push",
	Short: "replicate a dataset into a remote service",
	Long: `push streams a dataset's rows from its source, skips rows that did
not change since the last run, and posts the rest to a remote datapub
instance in chunks. Push state is kept in a local database so interrupted
runs resume where they stopped.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		ctx := cmd.Context()

		dataset, _ := cmd.Flags().GetString("dataset")
		mode, _ := cmd.Flags().GetString("mode")
		if mode != "external" && mode != "internal" {
			return fmt.Errorf("unknown mode %q", mode)
		}

		mf, err := manifest.LoadFile(cfg.Manifest.Path)
		if err != nil {
			return err
		}
		if len(mf.DatasetModels(dataset)) == 0 {
			return common.NotFound("dataset", dataset)
		}

		chunkRaw, _ := cmd.Flags().GetString("chunk-size")
		chunkSize, err := humanize.ParseBytes(chunkRaw)
		if err != nil {
			return fmt.Errorf("invalid chunk size %q: %w", chunkRaw, err)
		}

		client, err := buildPushClient(ctx, cmd)
		if err != nil {
			return err
		}

		statePath, _ := cmd.Flags().GetString("state")
		state, err := push.OpenState(statePath)
		if err != nil {
			return err
		}
		defer state.Close()

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

		stopTime, _ := cmd.Flags().GetDuration("stop-time")
		stopRow, _ := cmd.Flags().GetInt64("stop-row")
		maxErrors, _ := cmd.Flags().GetInt("max-errors")
		stopOnError, _ := cmd.Flags().GetBool("stop-on-error")
		noProgress, _ := cmd.Flags().GetBool("no-progress-bar")

		pusher := &push.Pusher{
			Manifest:    mf,
			Dataset:     dataset,
			Source:      modelSource(backends, mode),
			Count:       modelCounter(backends, mode),
			State:       state,
			Client:      client,
			ChunkSize:   int(chunkSize),
			StopTime:    stopTime,
			StopRow:     stopRow,
			MaxErrors:   maxErrors,
			StopOnError: stopOnError,
			NoProgress:  noProgress,
		}
		return pusher.Run(ctx)
	},
}

// buildPushClient authenticates against the target from the credentials
// file, or builds an unauthenticated client for an explicit --output URL.
func buildPushClient(ctx context.Context, cmd *cobra.Command) (*push.Client, error) {
	output, _ := cmd.Flags().GetString("output")
	credsPath, _ := cmd.Flags().GetString("credentials")
	clientID, _ := cmd.Flags().GetString("client")

	if credsPath == "" {
		if output == "" {
			return nil, fmt.Errorf("either --output or --credentials is required")
		}
		return push.NewClient(output, ""), nil
	}

	creds, err := push.LoadCredentials(credsPath)
	if err != nil {
		return nil, err
	}
	cred, ok := creds[clientID]
	if !ok {
		return nil, fmt.Errorf("client %q not found in %s", clientID, credsPath)
	}
	if output != "" {
		cred.Server = output
	}
	return push.Authenticate(ctx, clientID, cred)
}

// txnRows keeps the read transaction open for the lifetime of its rows.
type txnRows struct {
	backend.Rows
	txn backend.ReadTxn
}

func (r *txnRows) Close() error {
	err := r.Rows.Close()
	if cerr := r.txn.Close(context.Background()); err == nil {
		err = cerr
	}
	return err
}

// backendKey picks the engine a model reads from. In internal mode every
// model reads from the default store, in external mode from its declared
// SQL resource.
func backendKey(m *manifest.Model, mode string) string {
	if mode == "external" && m.IsExternal() && m.External.Resource != "" {
		return m.Dataset + "/" + m.External.Resource
	}
	return "default"
}

// modelSource streams a model's current rows from its backend, resuming a
// paginated source from the stored cursor.
func modelSource(backends map[string]backend.Backend, mode string) push.Source {
	return func(ctx context.Context, m *manifest.Model, cursor string) (backend.Rows, error) {
		key := backendKey(m, mode)
		be, ok := backends[key]
		if !ok {
			return nil, common.NotFound("backend", key)
		}
		rtxn, err := be.Read(ctx)
		if err != nil {
			return nil, err
		}
		plan, err := backend.ResolveQuery(m, nil)
		if err != nil {
			rtxn.Close(ctx)
			return nil, err
		}
		plan.Cursor = cursor
		rows, err := rtxn.GetAll(ctx, m, plan)
		if err != nil {
			rtxn.Close(ctx)
			return nil, err
		}
		return &txnRows{Rows: rows, txn: rtxn}, nil
	}
}

// modelCounter counts a model's source rows for progress reporting.
func modelCounter(backends map[string]backend.Backend, mode string) push.Counter {
	return func(ctx context.Context, m *manifest.Model) (int64, error) {
		key := backendKey(m, mode)
		be, ok := backends[key]
		if !ok {
			return 0, common.NotFound("backend", key)
		}
		rtxn, err := be.Read(ctx)
		if err != nil {
			return 0, err
		}
		defer rtxn.Close(ctx)
		rows, err := rtxn.GetAll(ctx, m, &backend.Plan{Count: true})
		if err != nil {
			return 0, err
		}
		items, err := backend.Collect(ctx, rows)
		if err != nil || len(items) == 0 {
			return 0, err
		}
		switch n := items[0]["count"].(type) {
		case int64:
			return n, nil
		case int:
			return int64(n), nil
		case float64:
			return int64(n), nil
		}
		return 0, nil
	}
}

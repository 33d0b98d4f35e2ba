package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/fleetops/fieldsync/internal/config"
	"github.com/fleetops/fieldsync/internal/logging"
	"github.com/fleetops/fieldsync/internal/metrics"
	"github.com/fleetops/fieldsync/internal/models"
	"github.com/fleetops/fieldsync/internal/services"
	"github.com/fleetops/fieldsync/internal/statusfeed"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

type cli struct {
	configPath string
}

func newRootCmd() *cobra.Command {
	c := &cli{}

	root := &cobra.Command{
		Use:          "fieldsync",
		Short:        "Offline-first sync for fleet field data",
		SilenceUsage: true,
		Version:      services.Version,
	}
	root.PersistentFlags().StringVarP(&c.configPath, "config", "c", config.DefaultPath(), "Path to the config file")

	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Manage configuration",
	}
	configCmd.AddCommand(c.configInitCmd(), c.configShowCmd())

	queueCmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect the sync queue",
	}
	queueCmd.AddCommand(c.queueListCmd())

	conflictsCmd := &cobra.Command{
		Use:   "conflicts",
		Short: "Review concurrent edits",
	}
	conflictsCmd.AddCommand(c.conflictsListCmd(), c.conflictsResolveCmd())

	root.AddCommand(
		configCmd,
		c.runCmd(),
		c.syncCmd(),
		c.statusCmd(),
		queueCmd,
		c.putCmd(),
		c.getCmd(),
		c.deleteCmd(),
		conflictsCmd,
		c.resetCmd(),
	)
	return root
}

// loadConfig reads and validates the config file.
func (c *cli) loadConfig() (*config.Config, error) {
	cfg, err := config.ReadFromFile(c.configPath)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// newService reads the config and initializes the service. Short-lived
// commands log to stderr so stdout stays machine readable. The caller must
// defer Dispose.
func (c *cli) newService(opts ...services.Option) (*services.OfflineSyncService, *config.Config, error) {
	cfg, err := c.loadConfig()
	if err != nil {
		return nil, nil, err
	}
	if cfg.Log.File == "" {
		logging.SetGlobal(logging.New(os.Stderr, logging.ParseLevel(cfg.Log.Level)))
	} else {
		logging.SetGlobal(cfg.Logger())
	}

	svc := services.New(cfg, opts...)
	if err := svc.Init(context.Background()); err != nil {
		return nil, nil, fmt.Errorf("initializing service: %w", err)
	}
	return svc, cfg, nil
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// =====================================================
// config
// =====================================================

func (c *cli) configInitCmd() *cobra.Command {
	var dataDir, baseURL string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			if dataDir == "" {
				dataDir = config.DefaultDir()
			}
			cfg := config.Default(dataDir)
			if baseURL != "" {
				cfg.API.BaseURL = baseURL
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			if err := config.Init(c.configPath, cfg); err != nil {
				return fmt.Errorf("failed to initialize config: %w", err)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Configuration initialized at %s\n", c.configPath)
			fmt.Fprintf(cmd.OutOrStdout(), "Data Dir: %s\n", cfg.DataDir)
			fmt.Fprintf(cmd.OutOrStdout(), "Server: %s\n", cfg.API.BaseURL)
			return nil
		},
	}
	cmd.Flags().StringVar(&dataDir, "data-dir", "", "Directory for the local database")
	cmd.Flags().StringVar(&baseURL, "base-url", "", "Fleet API base URL")
	return cmd
}

func (c *cli) configShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.ReadFromFile(c.configPath)
			if err != nil {
				return err
			}
			m := &config.Manager{}
			return m.Write(cmd.OutOrStdout(), cfg)
		},
	}
}

// =====================================================
// run
// =====================================================

func (c *cli) runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Keep local data in sync until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := c.loadConfig()
			if err != nil {
				return err
			}
			logging.SetGlobal(cfg.Logger())

			m := metrics.New()
			svc := services.New(cfg, services.WithMetrics(m))
			if err := svc.Init(cmd.Context()); err != nil {
				return fmt.Errorf("initializing service: %w", err)
			}
			defer svc.Dispose()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, svc, m)
		},
	}
}

// serve runs the monitor, status feed and metrics listener until ctx is done.
func serve(ctx context.Context, cfg *config.Config, svc *services.OfflineSyncService, m *metrics.Metrics) error {
	hub := statusfeed.NewHub()
	defer hub.Attach(svc.Notifier())()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return hub.Run(ctx) })

	if err := svc.Start(ctx); err != nil {
		return err
	}

	if cfg.Server.ListenAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", m.Handler())
		mux.Handle("/ws/status", hub.Handler())
		srv := &http.Server{Addr: cfg.Server.ListenAddr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}

		g.Go(func() error {
			logging.Info("Local server listening", map[string]interface{}{"addr": cfg.Server.ListenAddr})
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	logging.Info("fieldsync running", map[string]interface{}{"data_dir": cfg.DataDir})
	return g.Wait()
}

// =====================================================
// sync / status / queue
// =====================================================

func (c *cli) syncCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Run one sync attempt",
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, _, err := c.newService()
			if err != nil {
				return err
			}
			defer svc.Dispose()

			if !svc.CheckConnectivity(cmd.Context()) {
				fmt.Fprintln(cmd.OutOrStdout(), "Server unreachable; changes stay queued")
				return nil
			}
			result, err := svc.SyncNow(cmd.Context())
			if result != nil {
				printJSON(cmd.OutOrStdout(), result)
			}
			return err
		},
	}
}

func (c *cli) statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show sync status",
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, _, err := c.newService()
			if err != nil {
				return err
			}
			defer svc.Dispose()

			svc.CheckConnectivity(cmd.Context())
			st, err := svc.Status(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), st)
		},
	}
}

func (c *cli) queueListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List queued operations in push order",
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, _, err := c.newService()
			if err != nil {
				return err
			}
			defer svc.Dispose()

			ops, err := svc.Queue().Drain(cmd.Context())
			if err != nil {
				return err
			}
			if len(ops) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "Queue is empty")
				return nil
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tTYPE\tKIND\tENTITY\tPRIORITY\tQUEUED\tRETRIES\tERROR")
			for _, op := range ops {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\t%d\t%s\n",
					op.ID, op.Type, op.EntityKind, op.EntityID, op.Priority,
					time.UnixMilli(op.Timestamp).Format(time.RFC3339), op.RetryCount, op.Error)
			}
			if err := w.Flush(); err != nil {
				return err
			}

			stats, err := svc.Queue().Stats(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "\n%d queued, %d retrying", stats.Total, stats.Retrying)
			for _, kind := range models.PullOrder {
				if n := stats.ByKind[kind]; n > 0 {
					fmt.Fprintf(cmd.OutOrStdout(), ", %s: %d", kind, n)
				}
			}
			fmt.Fprintln(cmd.OutOrStdout())
			return nil
		},
	}
}

// =====================================================
// put / get / delete
// =====================================================

func (c *cli) putCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "put <kind> <file|->",
		Short: "Save an entity locally and queue it for sync",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, err := models.ParseKind(args[0])
			if err != nil {
				return err
			}
			var raw []byte
			if args[1] == "-" {
				raw, err = io.ReadAll(cmd.InOrStdin())
			} else {
				raw, err = os.ReadFile(args[1])
			}
			if err != nil {
				return fmt.Errorf("reading entity: %w", err)
			}

			svc, _, err := c.newService()
			if err != nil {
				return err
			}
			defer svc.Dispose()

			repo, err := svc.Repositories().For(kind)
			if err != nil {
				return err
			}
			saved, err := repo.SaveJSON(cmd.Context(), raw)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), saved)
		},
	}
}

func (c *cli) getCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <kind> [id]",
		Short: "Print local entities",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, err := models.ParseKind(args[0])
			if err != nil {
				return err
			}
			svc, _, err := c.newService()
			if err != nil {
				return err
			}
			defer svc.Dispose()

			repo, err := svc.Repositories().For(kind)
			if err != nil {
				return err
			}
			if len(args) == 1 {
				all, err := repo.ListEntities(cmd.Context())
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), all)
			}

			e, ok, err := repo.GetEntity(cmd.Context(), args[1])
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("%s %s not found", kind, args[1])
			}
			return printJSON(cmd.OutOrStdout(), e)
		},
	}
}

func (c *cli) deleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <kind> <id>",
		Short: "Delete an entity locally and queue the delete",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, err := models.ParseKind(args[0])
			if err != nil {
				return err
			}
			svc, _, err := c.newService()
			if err != nil {
				return err
			}
			defer svc.Dispose()

			repo, err := svc.Repositories().For(kind)
			if err != nil {
				return err
			}
			if err := repo.DeleteLocal(cmd.Context(), args[1]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Deleted %s %s\n", kind, args[1])
			return nil
		},
	}
}

// =====================================================
// conflicts
// =====================================================

func (c *cli) conflictsListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List conflicts awaiting a decision",
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, _, err := c.newService()
			if err != nil {
				return err
			}
			defer svc.Dispose()

			conflicts, err := svc.Conflicts(cmd.Context())
			if err != nil {
				return err
			}
			if len(conflicts) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No open conflicts")
				return nil
			}
			return printJSON(cmd.OutOrStdout(), conflicts)
		},
	}
}

func (c *cli) conflictsResolveCmd() *cobra.Command {
	var keepLocal, keepRemote bool
	cmd := &cobra.Command{
		Use:   "resolve <kind> <id>",
		Short: "Keep the local or the server copy of a conflicted entity",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if keepLocal == keepRemote {
				return errors.New("exactly one of --keep-local or --keep-remote is required")
			}
			kind, err := models.ParseKind(args[0])
			if err != nil {
				return err
			}
			svc, _, err := c.newService()
			if err != nil {
				return err
			}
			defer svc.Dispose()

			if err := svc.ResolveConflict(cmd.Context(), kind, args[1], keepLocal); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Resolved %s %s\n", kind, args[1])
			return nil
		},
	}
	cmd.Flags().BoolVar(&keepLocal, "keep-local", false, "Keep the local copy and push it")
	cmd.Flags().BoolVar(&keepRemote, "keep-remote", false, "Adopt the server copy")
	return cmd
}

// =====================================================
// reset
// =====================================================

func (c *cli) resetCmd() *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Delete all local data, including unsynced changes",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !yes {
				return errors.New("refusing to delete local data without --yes")
			}
			svc, _, err := c.newService()
			if err != nil {
				return err
			}
			defer svc.Dispose()

			if err := svc.ForgetLocalData(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Local data cleared")
			return nil
		},
	}
	cmd.Flags().BoolVar(&yes, "yes", false, "Confirm deletion")
	return cmd
}

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"caseline/internal/app"
	"caseline/internal/config"
	"caseline/internal/db"
	"caseline/internal/domain"
	"caseline/internal/migrate"
	"caseline/internal/repo"
	"caseline/internal/server"
	"caseline/internal/store"
)

var rootCmd = &cobra.Command{
	Use:   "cl",
	Short: "Caseline CLI",
	Long: `Caseline routes client documents and support questions through guarded flows.
- Workspace: your .caseline directory holding the database; flow tables live in caseline.yml.
- Records: work items (documents, questions) with a state, priority, assignee and attributes.
- Transitions: named moves between states; each may require attributes to be filled first.
- SLA: response and resolution timing per record, with attention and overdue signals.
- Workload: per-assignee load summaries for routing decisions.
- Event log: diary of changes, view with 'cl log tail'.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("CASELINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
}

func registerCommands() {
	rootCmd.AddCommand(recordCmd())
	rootCmd.AddCommand(transitionsCmd())
	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(slaCmd())
	rootCmd.AddCommand(workloadCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(apikeyCmd())
	rootCmd.AddCommand(serveCmd())
}

func recordCmd() *cobra.Command {
	rec := &cobra.Command{Use: "record", Short: "Manage records"}
	rec.AddCommand(recordCreateCmd())
	rec.AddCommand(recordListCmd())
	rec.AddCommand(recordShowCmd())
	rec.AddCommand(recordUpdateCmd())
	return rec
}

func recordCreateCmd() *cobra.Command {
	var entityType, id, assignee, attrsJSON string
	var priority int
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a record in its initial state",
		RunE: func(cmd *cobra.Command, args []string) error {
			if entityType == "" {
				return fmt.Errorf("--type required")
			}
			var attrs map[string]any
			if attrsJSON != "" {
				if err := json.Unmarshal([]byte(attrsJSON), &attrs); err != nil {
					return fmt.Errorf("invalid --attributes: %w", err)
				}
			}
			return withApp(cmd.Context(), func(ctx context.Context, a app.App) error {
				var prioPtr *int
				if cmd.Flags().Changed("priority") {
					prioPtr = &priority
				}
				item, err := a.CreateRecord(ctx, app.CreateOptions{
					EntityType: entityType,
					ID:         id,
					Priority:   prioPtr,
					Assignee:   assignee,
					Attributes: attrs,
					Actor:      viper.GetString("actor-id"),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(item)
			})
		},
	}
	cmd.Flags().StringVar(&entityType, "type", "", "entity type (document, question)")
	cmd.Flags().StringVar(&id, "id", "", "record id (generated when empty)")
	cmd.Flags().IntVar(&priority, "priority", 1, "priority 0..3")
	cmd.Flags().StringVar(&assignee, "assignee", "", "assignee")
	cmd.Flags().StringVar(&attrsJSON, "attributes", "", "attributes as JSON object")
	_ = cmd.MarkFlagRequired("type")
	return cmd
}

func recordListCmd() *cobra.Command {
	var entityType, state, assignee string
	var minPriority, limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List records",
		RunE: func(cmd *cobra.Command, args []string) error {
			if entityType == "" {
				return fmt.Errorf("--type required")
			}
			return withApp(cmd.Context(), func(ctx context.Context, a app.App) error {
				f := store.Filter{State: state, Assignee: assignee, Limit: limit}
				if cmd.Flags().Changed("min-priority") {
					f.MinPriority = &minPriority
				}
				items, err := a.Repo.List(ctx, entityType, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "State", "Priority", "Assignee", "Created"})
				for _, item := range items {
					tw.AppendRow(table.Row{
						item.ID, item.State, item.Priority,
						item.AssigneeOrEmpty(),
						item.CreatedAt.Format(time.RFC3339),
					})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&entityType, "type", "", "entity type")
	cmd.Flags().StringVar(&state, "state", "", "state filter")
	cmd.Flags().StringVar(&assignee, "assignee", "", "assignee filter (use 'unassigned' for none)")
	cmd.Flags().IntVar(&minPriority, "min-priority", 0, "minimum priority")
	cmd.Flags().IntVar(&limit, "limit", 0, "max rows")
	_ = cmd.MarkFlagRequired("type")
	return cmd
}

func recordShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <type> <id>",
		Short: "Show a record",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a app.App) error {
				item, err := a.Repo.Read(ctx, args[0], args[1])
				if err != nil {
					return err
				}
				return printJSONOrTable(item)
			})
		},
	}
	return cmd
}

func recordUpdateCmd() *cobra.Command {
	var assignee, attrsJSON string
	var priority int
	cmd := &cobra.Command{
		Use:   "update <type> <id>",
		Short: "Update record metadata",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var patch repo.MetaUpdate
			if cmd.Flags().Changed("assignee") {
				patch.Assignee = &assignee
			}
			if cmd.Flags().Changed("priority") {
				patch.Priority = &priority
			}
			if attrsJSON != "" {
				if err := json.Unmarshal([]byte(attrsJSON), &patch.SetAttributes); err != nil {
					return fmt.Errorf("invalid --attributes: %w", err)
				}
			}
			return withApp(cmd.Context(), func(ctx context.Context, a app.App) error {
				item, err := a.Repo.UpdateMeta(ctx, args[0], args[1], patch, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(item)
			})
		},
	}
	cmd.Flags().StringVar(&assignee, "assignee", "", "assignee (empty clears)")
	cmd.Flags().IntVar(&priority, "priority", 1, "priority 0..3")
	cmd.Flags().StringVar(&attrsJSON, "attributes", "", "attributes patch as JSON object (null deletes a key)")
	return cmd
}

func transitionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "transitions <type> <id>",
		Short: "List transitions for a record with admissibility",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a app.App) error {
				_, options, err := a.Controller.ListTransitions(ctx, args[0], args[1])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(options)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Transition", "To", "Admissible", "Unmet"})
				for _, opt := range options {
					tw.AppendRow(table.Row{
						opt.Rule.Name, opt.Rule.To, opt.Admissible,
						strings.Join(opt.Unmet, ", "),
					})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func runCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run <type> <id> <transition>",
		Short: "Run a transition on a record",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a app.App) error {
				item, err := a.Controller.Execute(ctx, args[0], args[1], args[2], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(item)
			})
		},
	}
	return cmd
}

func slaCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sla <type> <id>",
		Short: "SLA timing report for a record",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a app.App) error {
				report, err := a.SLAReport(ctx, args[0], args[1], time.Now())
				if err != nil {
					return err
				}
				return printJSONOrTable(report)
			})
		},
	}
	return cmd
}

func workloadCmd() *cobra.Command {
	var assignee, state string
	var includeCompleted bool
	cmd := &cobra.Command{
		Use:   "workload <type>",
		Short: "Workload aggregation by assignee",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a app.App) error {
				report, err := a.Workload(ctx, args[0], store.Filter{
					Assignee: assignee,
					State:    state,
				}, includeCompleted, time.Now())
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(report)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Assignee", "Total", "Overdue", "HighPri", "Est. h", "Spent h"})
				for _, b := range report.Buckets {
					tw.AppendRow(table.Row{
						b.Assignee, b.Total, b.Overdue, b.HighPriority,
						b.EstimatedHours, b.SpentHours,
					})
				}
				tw.AppendFooter(table.Row{
					"total", report.Totals.Total, report.Totals.Overdue,
					report.Totals.HighPriority, report.Totals.EstimatedHours, report.Totals.SpentHours,
				})
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&assignee, "assignee", "", "restrict to one assignee")
	cmd.Flags().StringVar(&state, "state", "", "state filter")
	cmd.Flags().BoolVar(&includeCompleted, "include-completed", false, "include terminal records")
	return cmd
}

func logCmd() *cobra.Command {
	log := &cobra.Command{
		Use:   "log",
		Short: "Event log",
		Long:  "The diary of everything that happened: creations, transitions and metadata changes.",
	}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var n int
	var evtType, entityType, recordID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				events, err := r.LatestEvents(ctx, n, evtType, entityType, recordID)
				if err != nil {
					return err
				}
				return printJSONOrTable(events)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&entityType, "entity-type", "", "entity type")
	cmd.Flags().StringVar(&recordID, "record-id", "", "record id")
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{Use: "config", Short: "Manage workspace config"}
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configInitCmd())
	return cfg
}

func configShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			return printJSONOrTable(cfg)
		},
	}
	return cmd
}

func configInitCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write the default caseline.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s exists; use --force to overwrite", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Printf("Wrote %s\n", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite existing file")
	return cmd
}

func apikeyCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "apikey", Short: "Manage API keys"}
	cmd.AddCommand(apikeyCreateCmd())
	cmd.AddCommand(apikeyListCmd())
	cmd.AddCommand(apikeyRevokeCmd())
	return cmd
}

func apikeyCreateCmd() *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API key for the current actor",
		RunE: func(cmd *cobra.Command, args []string) error {
			if name == "" {
				return fmt.Errorf("--name required")
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				secret := uuid.NewString() + uuid.NewString()
				key := domain.APIKey{
					ID:        uuid.NewString(),
					ActorID:   viper.GetString("actor-id"),
					Name:      name,
					KeyHash:   repo.HashAPIKey(secret),
					CreatedAt: time.Now().UTC().Format(time.RFC3339),
				}
				if err := r.InsertAPIKey(ctx, key); err != nil {
					return err
				}
				return printJSONOrTable(map[string]string{
					"id":  key.ID,
					"key": secret,
				})
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "key name")
	return cmd
}

func apikeyListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys for the current actor",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				keys, err := r.ListAPIKeys(ctx, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(keys)
			})
		},
	}
	return cmd
}

func apikeyRevokeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "revoke <id>",
		Short: "Revoke an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				return r.DeleteAPIKey(ctx, args[0])
			})
		},
	}
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
			return withApp(cmd.Context(), func(ctx context.Context, a app.App) error {
				jwtSecret := a.Config.Auth.JWTSecret
				if env := os.Getenv("CASELINE_JWT_SECRET"); env != "" {
					jwtSecret = env
				}
				if jwtSecret == "" {
					return fmt.Errorf("jwt secret required: set auth.jwt_secret or CASELINE_JWT_SECRET")
				}
				authCfg := server.AuthConfig{
					JWTSecret:        jwtSecret,
					AllowActorHeader: a.Config.Auth.AllowActorHdr,
					DevLogin:         a.Config.Auth.DevLogin,
					Logger:           logger,
				}
				handler, err := server.New(server.Config{App: a, BasePath: basePath, Auth: authCfg, Logger: logger})
				if err != nil {
					return err
				}
				server.StartWebhookDispatcher(a, logger)
				srv := &http.Server{Addr: addr, Handler: handler}
				go func() {
					<-ctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					srv.Shutdown(shutdownCtx)
				}()
				logger.Info().Str("addr", addr).Str("base_path", basePath).Msg("serving Caseline API")
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	return cmd
}

// --- helpers ---

func withApp(ctx context.Context, fn func(context.Context, app.App) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	cfg, err := config.Load(workspace)
	if err != nil {
		return err
	}
	a, err := app.New(conn, cfg)
	if err != nil {
		return err
	}
	return fn(ctx, a)
}

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	return fn(ctx, repo.New(conn))
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

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

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/clawdbotmilo/milo-command-center-sub001/internal/bus"
	"github.com/clawdbotmilo/milo-command-center-sub001/internal/config"
	"github.com/clawdbotmilo/milo-command-center-sub001/internal/db"
	"github.com/clawdbotmilo/milo-command-center-sub001/internal/dispatch"
	"github.com/clawdbotmilo/milo-command-center-sub001/internal/engine"
	"github.com/clawdbotmilo/milo-command-center-sub001/internal/migrate"
	"github.com/clawdbotmilo/milo-command-center-sub001/internal/server"
	milosdk "github.com/clawdbotmilo/milo-command-center-sub001/sdk/go"
)

var rootCmd = &cobra.Command{
	Use:   "milo",
	Short: "Milo command center CLI",
	Long: `Milo orchestrates multi-step project execution.
- Workspace: the .milo directory holding the database; milo.yml next to it holds settings.
- Project: a named unit of work moving draft -> finalized -> executing -> completed.
- Plan: a YAML task list with dependencies, locked at finalization.
- Tick: one scheduling step; dispatches at most one eligible task under the global running ceiling.
- Events: every transition is broadcast live (watch with 'milo watch') and persisted (read with 'milo log tail').`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.Init(workspace); err != nil {
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
	viper.SetEnvPrefix("MILO")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
}

func registerCommands() {
	rootCmd.AddCommand(projectCmd())
	rootCmd.AddCommand(taskCmd())
	rootCmd.AddCommand(tickCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(watchCmd())
	rootCmd.AddCommand(tokenCmd())
}

func projectCmd() *cobra.Command {
	prj := &cobra.Command{Use: "project", Short: "Manage projects"}
	prj.AddCommand(projectCreateCmd())
	prj.AddCommand(projectListCmd())
	prj.AddCommand(projectShowCmd())
	prj.AddCommand(projectDeleteCmd())
	prj.AddCommand(projectPlanCmd())
	prj.AddCommand(projectFinalizeCmd())
	prj.AddCommand(projectRevertCmd())
	prj.AddCommand(projectStartCmd())
	return prj
}

func projectCreateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "create <name>",
		Short: "Create a draft project",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.CreateProject(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	return cmd
}

func projectListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List projects",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				projects, err := e.ListProjects(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(projects)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Name", "Status", "Tasks", "Updated"})
				for _, p := range projects {
					tasks := 0
					if p.State != nil {
						tasks = len(p.State.Order)
					}
					tw.AppendRow(table.Row{p.Name, p.Status, tasks, p.UpdatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func projectShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <name>",
		Short: "Show a project with its orchestration state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.GetProject(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	return cmd
}

func projectDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <name>",
		Short: "Delete a project",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.DeleteProject(ctx, args[0])
			})
		},
	}
	return cmd
}

func projectPlanCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "plan <name>",
		Short: "Set the plan of a draft project from a YAML file (or stdin with -f -)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if file == "" {
				return fmt.Errorf("--file is required")
			}
			var text []byte
			var err error
			if file == "-" {
				text, err = os.ReadFile("/dev/stdin")
			} else {
				text, err = os.ReadFile(file)
			}
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.SetPlan(ctx, args[0], string(text))
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "plan YAML file, - for stdin")
	return cmd
}

func projectFinalizeCmd() *cobra.Command {
	return statusChangeCmd("finalize", "Finalize a draft project", func(ctx context.Context, e engine.Engine, name string) error {
		_, err := e.Finalize(ctx, name)
		return err
	})
}

func projectRevertCmd() *cobra.Command {
	return statusChangeCmd("revert", "Revert a finalized project to draft", func(ctx context.Context, e engine.Engine, name string) error {
		_, err := e.Revert(ctx, name)
		return err
	})
}

func projectStartCmd() *cobra.Command {
	return statusChangeCmd("start", "Start executing a finalized project", func(ctx context.Context, e engine.Engine, name string) error {
		_, err := e.StartExecution(ctx, name)
		return err
	})
}

func statusChangeCmd(use, short string, fn func(context.Context, engine.Engine, string) error) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <name>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if err := fn(ctx, e, args[0]); err != nil {
					return err
				}
				p, err := e.GetProject(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
}

func tickCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tick <name>",
		Short: "Advance an executing project by at most one task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.Tick(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
	return cmd
}

func taskCmd() *cobra.Command {
	task := &cobra.Command{Use: "task", Short: "Manage tasks of an executing project"}
	task.AddCommand(taskListCmd())
	task.AddCommand(taskCompleteCmd())
	task.AddCommand(taskFailCmd())
	task.AddCommand(taskRequeueCmd())
	return task
}

func taskListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list <project>",
		Short: "List tasks with their statuses",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.GetProject(ctx, args[0])
				if err != nil {
					return err
				}
				if p.State == nil {
					return fmt.Errorf("project %s has no orchestration state", args[0])
				}
				if viper.GetBool("json") {
					return printJSON(p.State)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Model", "Status", "Attempts", "Depends on"})
				for _, id := range p.State.Order {
					t := p.State.Tasks[id]
					tw.AppendRow(table.Row{t.ID, t.Name, t.Model, t.Status, t.Attempts, strings.Join(t.DependsOn, ",")})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func taskCompleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "complete <project> <task>",
		Short: "Mark a running task done and admit the next one",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.MarkTaskComplete(ctx, args[0], args[1], true, "")
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
	return cmd
}

func taskFailCmd() *cobra.Command {
	var detail string
	cmd := &cobra.Command{
		Use:   "fail <project> <task>",
		Short: "Mark a running task failed",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.MarkTaskComplete(ctx, args[0], args[1], false, detail)
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
	cmd.Flags().StringVar(&detail, "error", "", "failure detail")
	return cmd
}

func taskRequeueCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "requeue <project> <task>",
		Short: "Requeue a failed task",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				task, err := e.RequeueTask(ctx, args[0], args[1])
				if err != nil {
					return err
				}
				return printJSONOrTable(task)
			})
		},
	}
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{Use: "config", Short: "Workspace configuration"}
	cfg.AddCommand(configInitCmd())
	cfg.AddCommand(configShowCmd())
	return cfg
}

func configInitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default milo.yml into the workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	}
	return cmd
}

func configShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show the effective configuration",
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

func logCmd() *cobra.Command {
	log := &cobra.Command{
		Use:   "log",
		Short: "Persisted event log",
	}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var n int
	cmd := &cobra.Command{
		Use:   "tail <project>",
		Short: "Tail the audit trail of a project",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				events, err := e.Repo.ListAuditEvents(ctx, args[0], n)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(events)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"TS", "Type", "Entity", "Actor"})
				for _, ev := range events {
					tw.AppendRow(table.Row{ev.TS, ev.Type, ev.EntityID, ev.Actor})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			conn, err := db.Open(workspace)
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
			b := bus.New(cfg.Bus.History)
			e := engine.New(conn, b, newSpawner(cfg), cfg)
			authCfg := server.AuthConfig{JWTSecret: cfg.Auth.Secret, APIKeys: cfg.Auth.APIKeys}
			if secret := os.Getenv("MILO_JWT_SECRET"); secret != "" {
				authCfg.JWTSecret = secret
			}
			handler, err := server.New(server.Config{Engine: e, Bus: b, BasePath: basePath, Auth: authCfg})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
				b.Close()
			}()
			fmt.Printf("Serving Milo API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	return cmd
}

func watchCmd() *cobra.Command {
	var serverURL, token, apiKey string
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Follow the live event feed of a server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			client := milosdk.New(serverURL)
			client.BearerToken = token
			client.APIKey = apiKey
			tr := milosdk.NewTransport(client, milosdk.TransportOptions{
				OnEvent: func(ev milosdk.Event) {
					line, _ := json.Marshal(ev)
					fmt.Println(string(line))
				},
				BackoffBase:    time.Duration(cfg.Client.BackoffBaseMillis) * time.Millisecond,
				BackoffCap:     time.Duration(cfg.Client.BackoffCapMillis) * time.Millisecond,
				MaxReconnects:  cfg.Client.MaxReconnects,
				ConnectTimeout: time.Duration(cfg.Client.ConnectTimeoutSecond) * time.Second,
				PollInterval:   time.Duration(cfg.Client.PollIntervalSeconds) * time.Second,
			})
			tr.Start()
			defer tr.Disconnect()
			<-cmd.Context().Done()
			return nil
		},
	}
	cmd.Flags().StringVar(&serverURL, "url", "http://127.0.0.1:8080", "server URL")
	cmd.Flags().StringVar(&token, "token", "", "bearer token")
	cmd.Flags().StringVar(&apiKey, "api-key", "", "API key")
	return cmd
}

func tokenCmd() *cobra.Command {
	var subject string
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a bearer token for the configured auth secret",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			secret := cfg.Auth.Secret
			if env := os.Getenv("MILO_JWT_SECRET"); env != "" {
				secret = env
			}
			token, err := server.SignToken(secret, subject)
			if err != nil {
				return err
			}
			fmt.Println(token)
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "local-user", "token subject")
	return cmd
}

func newSpawner(cfg *config.Config) dispatch.Spawner {
	if cfg.Dispatch.Endpoint != "" {
		return dispatch.NewHTTPSpawner(cfg.Dispatch.Endpoint, cfg.DispatchTimeout())
	}
	return dispatch.LocalSpawner{}
}

// --- helpers ---

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(workspace)
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
	e := engine.New(conn, bus.New(cfg.Bus.History), newSpawner(cfg), cfg)
	return fn(ctx, e)
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
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	fmt.Println(string(b))
	return nil
}

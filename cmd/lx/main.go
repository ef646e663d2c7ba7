package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"lexflow/internal/app"
	"lexflow/internal/clause"
	"lexflow/internal/config"
	"lexflow/internal/db"
	"lexflow/internal/domain"
	"lexflow/internal/engine"
	"lexflow/internal/render"
	"lexflow/internal/repo"
	"lexflow/internal/server"
	"lexflow/internal/template"
)

var rootCmd = &cobra.Command{
	Use:   "lx",
	Short: "Lexflow CLI",
	Long: `Lexflow drives dynamic legal questionnaires from declarative templates.
- Workspace: your .lexflow directory holding the database; config lives in lexflow.yml next to it.
- Template: a questionnaire definition with questions, conditional rules, and clauses.
- Wizard: an interactive run of a template; answers reveal or hide questions as rules fire.
- Clauses: document fragments selected by the answers; 'lx render' assembles them.
- Event log: append-only audit of answers and sessions, view with 'lx log tail'.`,
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
	viper.SetEnvPrefix("LEXFLOW")
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
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(templateCmd())
	rootCmd.AddCommand(wizardCmd())
	rootCmd.AddCommand(renderCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
}

func initCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize a workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			rt, err := app.Open(workspace)
			if err != nil {
				return err
			}
			defer rt.Close()
			cfgPath := config.Path(workspace)
			if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
				if err := os.WriteFile(cfgPath, []byte(config.GenerateDefault()), 0o644); err != nil {
					return err
				}
				fmt.Printf("Wrote %s\n", cfgPath)
			}
			fmt.Printf("Workspace ready at %s (database %s)\n", workspace, db.Path(workspace))
			return nil
		},
	}
	return cmd
}

func templateCmd() *cobra.Command {
	tpl := &cobra.Command{Use: "template", Short: "Manage questionnaire templates"}
	tpl.AddCommand(templateImportCmd())
	tpl.AddCommand(templateListCmd())
	tpl.AddCommand(templateShowCmd())
	tpl.AddCommand(templateValidateCmd())
	tpl.AddCommand(templateDeleteCmd())
	return tpl
}

func templateImportCmd() *cobra.Command {
	var filePath string
	var useSample bool
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Import a template from YAML",
		RunE: func(cmd *cobra.Command, args []string) error {
			var tpl *domain.Template
			var err error
			switch {
			case useSample:
				tpl, err = template.Sample()
			case filePath != "":
				tpl, err = template.FromFile(filePath)
			default:
				return fmt.Errorf("--file or --sample required")
			}
			if err != nil {
				return err
			}
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				now := time.Now().UTC().Format(time.RFC3339)
				if err := rt.Repo.UpsertTemplate(ctx, tpl, now); err != nil {
					return err
				}
				fmt.Printf("Imported template %s (%s)\n", tpl.ID, tpl.Name)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&filePath, "file", "", "path to template YAML")
	cmd.Flags().BoolVar(&useSample, "sample", false, "import the built-in sample template")
	return cmd
}

func templateListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List stored templates",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				items, err := rt.Repo.ListTemplates(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Category", "Updated"})
				for _, t := range items {
					tw.AppendRow(table.Row{t.ID, t.Name, t.Category, t.UpdatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func templateShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show a template definition",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				tpl, err := rt.Repo.GetTemplate(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrIndent(tpl)
			})
		},
	}
	return cmd
}

func templateValidateCmd() *cobra.Command {
	var filePath string
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate a template YAML without importing it",
		RunE: func(cmd *cobra.Command, args []string) error {
			tpl, err := template.FromFile(filePath)
			if err != nil {
				return err
			}
			fmt.Printf("Template %s is valid: %d questions, %d clauses\n", tpl.ID, len(tpl.Questions), len(tpl.Clauses))
			return nil
		},
	}
	cmd.Flags().StringVar(&filePath, "file", "", "path to template YAML")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func templateDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a stored template",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				return rt.Repo.DeleteTemplate(ctx, args[0])
			})
		},
	}
	return cmd
}

func wizardCmd() *cobra.Command {
	wiz := &cobra.Command{Use: "wizard", Short: "Run questionnaire wizards"}
	wiz.AddCommand(wizardRunCmd())
	wiz.AddCommand(wizardScriptCmd())
	return wiz
}

func wizardRunCmd() *cobra.Command {
	var templateID string
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a wizard interactively",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				tpl, err := rt.Repo.GetTemplate(ctx, templateID)
				if err != nil {
					return err
				}
				eng := engine.New(tpl)
				scanner := bufio.NewScanner(os.Stdin)
				for {
					q, ok := eng.NextQuestion()
					if !ok {
						break
					}
					if q.Type == domain.TypeRepeatableGroup && q.Group != nil {
						if err := runGroupPrompt(eng, q, scanner); err != nil {
							return err
						}
						continue
					}
					value, quit := promptAnswer(scanner, q)
					if quit {
						break
					}
					res, err := eng.ProcessAnswer(q.ID, value, false)
					if err != nil {
						return err
					}
					for _, msg := range res.Errors {
						fmt.Printf("  ! %s\n", msg)
					}
				}
				state := eng.State()
				fmt.Printf("\nCompletion: %d%% (%d/%d questions)\n",
					state.CompletionPercentage, state.CurrentStep, state.TotalSteps)
				if clauses := clause.Effective(tpl, state); len(clauses) > 0 {
					doc := render.Build(tpl, clauses, state.Answers)
					fmt.Println()
					fmt.Println(doc.Text())
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&templateID, "template", "", "template id")
	_ = cmd.MarkFlagRequired("template")
	return cmd
}

func wizardScriptCmd() *cobra.Command {
	var templateID, filePath string
	cmd := &cobra.Command{
		Use:   "script",
		Short: "Replay answers from a YAML file",
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(filePath)
			if err != nil {
				return err
			}
			var script []scriptAnswer
			if err := yaml.Unmarshal(data, &script); err != nil {
				return fmt.Errorf("invalid answers yaml: %w", err)
			}
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				tpl, err := rt.Repo.GetTemplate(ctx, templateID)
				if err != nil {
					return err
				}
				eng := engine.New(tpl)
				for _, a := range script {
					res, err := eng.ProcessAnswer(a.QuestionID, a.Value, false)
					if err != nil {
						return fmt.Errorf("answer %s: %w", a.QuestionID, err)
					}
					if len(res.Errors) > 0 {
						return fmt.Errorf("answer %s rejected: %s", a.QuestionID, strings.Join(res.Errors, "; "))
					}
				}
				return printJSONOrIndent(eng.State())
			})
		},
	}
	cmd.Flags().StringVar(&templateID, "template", "", "template id")
	cmd.Flags().StringVar(&filePath, "file", "", "path to answers YAML")
	_ = cmd.MarkFlagRequired("template")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

type scriptAnswer struct {
	QuestionID string `yaml:"question_id"`
	Value      any    `yaml:"value"`
}

func renderCmd() *cobra.Command {
	var templateID, filePath string
	cmd := &cobra.Command{
		Use:   "render",
		Short: "Render the document for a set of answers",
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(filePath)
			if err != nil {
				return err
			}
			var script []scriptAnswer
			if err := yaml.Unmarshal(data, &script); err != nil {
				return fmt.Errorf("invalid answers yaml: %w", err)
			}
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				tpl, err := rt.Repo.GetTemplate(ctx, templateID)
				if err != nil {
					return err
				}
				eng := engine.New(tpl)
				for _, a := range script {
					if _, err := eng.ProcessAnswer(a.QuestionID, a.Value, false); err != nil {
						return fmt.Errorf("answer %s: %w", a.QuestionID, err)
					}
				}
				doc := render.Build(tpl, clause.Effective(tpl, eng.State()), eng.State().Answers)
				if viper.GetBool("json") {
					return printJSON(doc)
				}
				fmt.Println(doc.Text())
				if len(doc.Missing) > 0 {
					fmt.Printf("\nUnresolved placeholders: %s\n", strings.Join(doc.Missing, ", "))
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&templateID, "template", "", "template id")
	cmd.Flags().StringVar(&filePath, "file", "", "path to answers YAML")
	_ = cmd.MarkFlagRequired("template")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func logCmd() *cobra.Command {
	log := &cobra.Command{Use: "log", Short: "Inspect the event log"}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var n int
	var evtType, templateID, sessionID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				items, err := rt.Repo.LatestEvents(ctx, repo.EventFilters{
					TemplateID: templateID,
					SessionID:  sessionID,
					Type:       evtType,
					Limit:      n,
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "TS", "Type", "Session", "Question"})
				for _, e := range items {
					tw.AppendRow(table.Row{e.ID, e.TS, e.Type, e.SessionID, e.QuestionID})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&templateID, "template", "", "template id filter")
	cmd.Flags().StringVar(&sessionID, "session", "", "session id filter")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			rt, err := app.Open(workspace)
			if err != nil {
				return err
			}
			defer rt.Close()
			if addr == "" {
				addr = rt.Cfg.Server.Addr
			}
			handler, err := server.New(server.Config{
				Repo:     rt.Repo,
				Sessions: rt.Sessions,
				Enrich:   rt.Enrich,
				Metrics:  rt.Metrics,
				Webhooks: rt.Cfg.Webhooks,
				BasePath: basePath,
				Auth:     server.AuthConfig{JWTSecret: rt.Cfg.Server.JWTSecret},
			})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			fmt.Printf("Serving Lexflow API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (defaults to config)")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	return cmd
}

// --- helpers ---

func withRuntime(ctx context.Context, fn func(context.Context, *app.Runtime) error) error {
	rt, err := app.Open(viper.GetString("workspace"))
	if err != nil {
		return err
	}
	defer rt.Close()
	return fn(ctx, rt)
}

func promptAnswer(scanner *bufio.Scanner, q domain.Question) (any, bool) {
	fmt.Printf("%s", q.Text)
	if len(q.Options) > 0 {
		vals := make([]string, 0, len(q.Options))
		for _, o := range q.Options {
			vals = append(vals, o.Value)
		}
		fmt.Printf(" [%s]", strings.Join(vals, "/"))
	}
	if q.HelpText != "" {
		fmt.Printf(" (%s)", q.HelpText)
	}
	fmt.Print(": ")
	if !scanner.Scan() {
		return nil, true
	}
	return parseValue(q.Type, strings.TrimSpace(scanner.Text())), false
}

func runGroupPrompt(eng *engine.Engine, q domain.Question, scanner *bufio.Scanner) error {
	g := q.Group
	fmt.Printf("%s: how many (%d-%d)? ", q.Text, g.MinInstances, g.MaxInstances)
	if !scanner.Scan() {
		return nil
	}
	count, err := strconv.Atoi(strings.TrimSpace(scanner.Text()))
	if err != nil {
		return fmt.Errorf("instance count: %w", err)
	}
	for i := 0; i < count; i++ {
		if _, err := eng.AddGroupInstance(g.GroupID); err != nil {
			return err
		}
	}
	// the container question itself counts as answered
	_, err = eng.ProcessAnswer(q.ID, count, false)
	return err
}

func parseValue(qt domain.QuestionType, raw string) any {
	switch qt {
	case domain.TypeBoolean:
		switch strings.ToLower(raw) {
		case "y", "yes", "true", "1":
			return true
		case "n", "no", "false", "0":
			return false
		}
		return raw
	case domain.TypeNumber, domain.TypeCurrency, domain.TypePercentage:
		if f, err := strconv.ParseFloat(raw, 64); err == nil {
			return f
		}
		return raw
	default:
		if raw == "" {
			return nil
		}
		return raw
	}
}

func printJSONOrIndent(v any) error {
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

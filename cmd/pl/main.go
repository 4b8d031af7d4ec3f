package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"prepline/internal/app"
	"prepline/internal/config"
	"prepline/internal/db"
	"prepline/internal/domain"
	"prepline/internal/engine"
	"prepline/internal/plan"
	"prepline/internal/repo"
	"prepline/internal/scale"
	"prepline/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "pl",
	Short: "Prepline weighing station CLI",
	Long: `Prepline runs a guided preparation weighing station.
A session walks an operator through a formula one ingredient at a time:
scan the ingredient's code, tare, pour until the reading is stable and
inside tolerance, confirm, repeat. Every decision lands on an
append-only audit trail, and a completed session yields a produced
batch with full trace lines for the inventory system.`,
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
	viper.SetEnvPrefix("PREPLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("operator", "local-operator", "operator identifier")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("operator", rootCmd.PersistentFlags().Lookup("operator"))
}

func registerCommands() {
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(formulaCmd())
	rootCmd.AddCommand(materialCmd())
	rootCmd.AddCommand(sessionCmd())
	rootCmd.AddCommand(scaleCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(keyCmd())
	rootCmd.AddCommand(serveCmd())
}

func configCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "config", Short: "Station configuration"}
	cmd.AddCommand(configInitCmd())
	cmd.AddCommand(configShowCmd())
	return cmd
}

func configInitCmd() *cobra.Command {
	var station string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default station config",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			path := config.Path(workspace)
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("config already exists at %s", path)
			}
			if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
				return err
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault(station)), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	}
	cmd.Flags().StringVar(&station, "station", "station-1", "station id")
	return cmd
}

func configShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show the effective station config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadOptional(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			return printJSON(cfg)
		},
	}
	return cmd
}

func formulaCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "formula", Short: "Manage formulas"}
	cmd.AddCommand(formulaImportCmd())
	cmd.AddCommand(formulaListCmd())
	cmd.AddCommand(formulaShowCmd())
	cmd.AddCommand(formulaPlanCmd())
	return cmd
}

func formulaImportCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Import a formula from a YAML or JSON file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if file == "" {
				return fmt.Errorf("--file required")
			}
			data, err := os.ReadFile(file)
			if err != nil {
				return err
			}
			var f domain.Formula
			if strings.HasSuffix(file, ".yaml") || strings.HasSuffix(file, ".yml") {
				if err := yaml.Unmarshal(data, &f); err != nil {
					return fmt.Errorf("parse %s: %w", file, err)
				}
			} else {
				if err := json.Unmarshal(data, &f); err != nil {
					return fmt.Errorf("parse %s: %w", file, err)
				}
			}
			if f.ID == "" {
				return fmt.Errorf("formula id is required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if err := e.Repo.UpsertFormula(ctx, f); err != nil {
					return err
				}
				stored, err := e.Repo.GetFormula(ctx, f.ID)
				if err != nil {
					return err
				}
				return printJSON(stored)
			})
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "formula file")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func formulaListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List formulas",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListFormulas(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				t := newTable()
				t.AppendHeader(table.Row{"ID", "NAME", "BATCH G", "LINES"})
				for _, f := range items {
					batch := ""
					if f.BatchSizeG != nil {
						batch = fmt.Sprintf("%.1f", *f.BatchSizeG)
					}
					t.AppendRow(table.Row{f.ID, f.Name, batch, len(f.Lines)})
				}
				fmt.Println(t.Render())
				return nil
			})
		},
	}
	return cmd
}

func formulaShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <formula-id>",
		Short: "Show a formula with its lines",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				f, err := r.GetFormula(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(f)
			})
		},
	}
	return cmd
}

func formulaPlanCmd() *cobra.Command {
	var batchSize float64
	var batchUnit string
	cmd := &cobra.Command{
		Use:   "plan <formula-id>",
		Short: "Resolve the step plan without starting a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				lines, err := e.PlanPreview(ctx, args[0], batchOverride(cmd, batchSize, batchUnit))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(lines)
				}
				t := newTable()
				t.AppendHeader(table.Row{"SEQ", "INGREDIENT", "NAME", "TARGET G", "TOL G", "CODE"})
				for _, ln := range lines {
					t.AppendRow(table.Row{ln.Sequence, ln.IngredientID, ln.DisplayName,
						fmt.Sprintf("%.3f", ln.TargetQtyG), fmt.Sprintf("%.3f", ln.EffectiveToleranceG()), ln.RequiredCode})
				}
				fmt.Println(t.Render())
				return nil
			})
		},
	}
	cmd.Flags().Float64Var(&batchSize, "batch-size", 0, "batch size override")
	cmd.Flags().StringVar(&batchUnit, "batch-unit", "g", "batch unit (g, kg, ml, l)")
	return cmd
}

func materialCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "material", Short: "Manage raw materials"}
	cmd.AddCommand(materialAddCmd())
	cmd.AddCommand(materialListCmd())
	cmd.AddCommand(materialAliasCmd())
	return cmd
}

func materialAddCmd() *cobra.Command {
	var id, name, code string
	var barcodes []string
	var density float64
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Add or replace a raw material",
		RunE: func(cmd *cobra.Command, args []string) error {
			if id == "" || name == "" {
				return fmt.Errorf("--id and --name required")
			}
			m := domain.RawMaterial{ID: id, Name: name, Code: code, Barcodes: barcodes}
			if cmd.Flags().Changed("density") {
				m.DensityGPerMl = &density
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if err := e.Repo.InsertRawMaterial(ctx, m); err != nil {
					return err
				}
				stored, err := e.Repo.GetRawMaterial(ctx, id)
				if err != nil {
					return err
				}
				return printJSON(stored)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "material id")
	cmd.Flags().StringVar(&name, "name", "", "material name")
	cmd.Flags().StringVar(&code, "code", "", "label code")
	cmd.Flags().StringSliceVar(&barcodes, "barcode", nil, "barcode (repeatable)")
	cmd.Flags().Float64Var(&density, "density", 0, "density in g/ml")
	return cmd
}

func materialListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List raw materials",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListRawMaterials(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				t := newTable()
				t.AppendHeader(table.Row{"ID", "NAME", "CODE", "BARCODES", "DENSITY"})
				for _, m := range items {
					density := ""
					if m.DensityGPerMl != nil {
						density = fmt.Sprintf("%.3f", *m.DensityGPerMl)
					}
					t.AppendRow(table.Row{m.ID, m.Name, m.Code, strings.Join(m.Barcodes, ","), density})
				}
				fmt.Println(t.Render())
				return nil
			})
		},
	}
	return cmd
}

func materialAliasCmd() *cobra.Command {
	var token string
	cmd := &cobra.Command{
		Use:   "add-alias <material-id>",
		Short: "Learn an extra scan token for a material",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if token == "" {
				return fmt.Errorf("--token required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if err := e.LearnAlias(ctx, args[0], token); err != nil {
					return err
				}
				aliases, err := e.Repo.ListAliases(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(aliases)
			})
		},
	}
	cmd.Flags().StringVar(&token, "token", "", "scan token")
	return cmd
}

func sessionCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "session", Short: "Preparation sessions"}
	cmd.AddCommand(sessionStartCmd())
	cmd.AddCommand(sessionListCmd())
	cmd.AddCommand(sessionShowCmd())
	cmd.AddCommand(sessionScanCmd())
	cmd.AddCommand(sessionConfirmCmd())
	cmd.AddCommand(sessionFailCmd())
	cmd.AddCommand(sessionOverrideCmd())
	cmd.AddCommand(sessionRestartCmd())
	return cmd
}

func sessionStartCmd() *cobra.Command {
	var formulaID string
	var batchSize float64
	var batchUnit string
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start a session for a formula",
		RunE: func(cmd *cobra.Command, args []string) error {
			if formulaID == "" {
				return fmt.Errorf("--formula required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				s, steps, err := e.StartSession(ctx, engine.StartOptions{
					FormulaID: formulaID,
					Operator:  viper.GetString("operator"),
					Override:  batchOverride(cmd, batchSize, batchUnit),
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"session": s, "steps": steps})
				}
				fmt.Printf("session %s attempt %d (%d steps)\n", s.ID, s.AttemptNo, len(steps))
				printSteps(steps)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&formulaID, "formula", "", "formula id")
	cmd.Flags().Float64Var(&batchSize, "batch-size", 0, "batch size override")
	cmd.Flags().StringVar(&batchUnit, "batch-unit", "g", "batch unit (g, kg, ml, l)")
	return cmd
}

func sessionListCmd() *cobra.Command {
	var formulaID, status string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListSessions(ctx, repo.SessionFilters{FormulaID: formulaID, Status: status, Limit: limit})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				t := newTable()
				t.AppendHeader(table.Row{"ID", "FORMULA", "ATTEMPT", "OPERATOR", "STATUS", "STARTED"})
				for _, s := range items {
					t.AppendRow(table.Row{s.ID, s.FormulaID, s.AttemptNo, s.Operator, s.Status, s.StartedAt})
				}
				fmt.Println(t.Render())
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&formulaID, "formula", "", "formula filter")
	cmd.Flags().StringVar(&status, "status", "", "status filter")
	cmd.Flags().IntVar(&limit, "n", 20, "max sessions")
	return cmd
}

func sessionShowCmd() *cobra.Command {
	var withEvents bool
	cmd := &cobra.Command{
		Use:   "show <session-id>",
		Short: "Show a session, its steps, and optionally its trail",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				s, err := r.GetSession(ctx, args[0])
				if err != nil {
					return err
				}
				steps, err := r.StepsBySession(ctx, s.ID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					out := map[string]any{"session": s, "steps": steps}
					if withEvents {
						evts, err := r.EventsBySession(ctx, s.ID)
						if err != nil {
							return err
						}
						out["events"] = evts
					}
					return printJSON(out)
				}
				fmt.Printf("%s  formula=%s attempt=%d operator=%s status=%s\n", s.ID, s.FormulaID, s.AttemptNo, s.Operator, s.Status)
				printSteps(steps)
				if withEvents {
					evts, err := r.EventsBySession(ctx, s.ID)
					if err != nil {
						return err
					}
					for _, e := range evts {
						fmt.Printf("%s  %-20s %s %s\n", e.TS, e.Action, e.User, e.Payload)
					}
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&withEvents, "events", false, "include the audit trail")
	return cmd
}

func sessionScanCmd() *cobra.Command {
	var code string
	cmd := &cobra.Command{
		Use:   "scan <session-id>",
		Short: "Check a scanned code against the current step",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if code == "" {
				return fmt.Errorf("--code required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.Scan(ctx, args[0], viper.GetString("operator"), code)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				if res.Matched {
					fmt.Printf("matched step %d (%s); tare and weigh\n", res.Step.Sequence, res.Step.DisplayName)
				} else {
					fmt.Printf("mismatch: step %d expects %s\n", res.Step.Sequence, res.Step.RequiredCodeValue)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&code, "code", "", "scanned code")
	return cmd
}

func sessionConfirmCmd() *cobra.Command {
	var stepID string
	var captured float64
	cmd := &cobra.Command{
		Use:   "confirm <session-id>",
		Short: "Confirm the captured weight for the current step",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !cmd.Flags().Changed("captured") {
				return fmt.Errorf("--captured required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.ConfirmStep(ctx, args[0], stepID, captured, viper.GetString("operator"))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				switch {
				case res.Completed:
					fmt.Printf("session complete; batch %s (%s)\n", res.Batch.ID, res.Batch.TraceTag)
				case res.Session.Status == domain.SessionFailed:
					fmt.Printf("step %d out of tolerance; session failed\n", res.Step.Sequence)
				default:
					fmt.Printf("step %d ok (%.3fg); next step pending\n", res.Step.Sequence, captured)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&stepID, "step", "", "step id (defaults to the current step)")
	cmd.Flags().Float64Var(&captured, "captured", 0, "captured weight in grams")
	return cmd
}

func sessionFailCmd() *cobra.Command {
	var reason string
	var hard bool
	cmd := &cobra.Command{
		Use:   "fail <session-id>",
		Short: "Fail the session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				s, err := e.MarkFailed(ctx, args[0], viper.GetString("operator"), reason, hard)
				if err != nil {
					return err
				}
				return printJSON(s)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "operator abort", "failure reason")
	cmd.Flags().BoolVar(&hard, "hard", false, "hard stop (locks the session)")
	return cmd
}

func sessionOverrideCmd() *cobra.Command {
	var note string
	cmd := &cobra.Command{
		Use:   "override <session-id>",
		Short: "Supervisor override of a hard-locked session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				s, err := e.SupervisorOverride(ctx, args[0], viper.GetString("operator"), note)
				if err != nil {
					return err
				}
				return printJSON(s)
			})
		},
	}
	cmd.Flags().StringVar(&note, "note", "", "override note")
	return cmd
}

func sessionRestartCmd() *cobra.Command {
	var operator string
	var batchSize float64
	var batchUnit string
	cmd := &cobra.Command{
		Use:   "restart <session-id>",
		Short: "Supervisor override plus a fresh attempt",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				s, steps, err := e.OverrideAndRestart(ctx, args[0], viper.GetString("operator"), operator, batchOverride(cmd, batchSize, batchUnit))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"session": s, "steps": steps})
				}
				fmt.Printf("session %s attempt %d (%d steps)\n", s.ID, s.AttemptNo, len(steps))
				printSteps(steps)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&operator, "new-operator", "", "operator for the new attempt")
	cmd.Flags().Float64Var(&batchSize, "batch-size", 0, "batch size override")
	cmd.Flags().StringVar(&batchUnit, "batch-unit", "g", "batch unit (g, kg, ml, l)")
	return cmd
}

func scaleCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "scale", Short: "Scale link tools"}
	cmd.AddCommand(scaleMonitorCmd())
	cmd.AddCommand(scaleTareCmd())
	cmd.AddCommand(scaleSimCmd())
	return cmd
}

func scaleLink(cfg *config.Config, addr string) *scale.Link {
	if cfg == nil {
		cfg = config.Default("station")
	}
	if addr == "" {
		addr = cfg.Scale.Addr
	}
	backoff := scale.ClientBackoff()
	if steps := cfg.Backoff(); len(steps) > 0 {
		backoff = scale.Backoff{Steps: steps}
	}
	return scale.NewLink(scale.Options{
		Addr:      addr,
		Backoff:   backoff,
		KeepAlive: time.Duration(cfg.Scale.KeepAliveSeconds) * time.Second,
	})
}

func scaleMonitorCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "monitor",
		Short: "Print readings from the scale until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadOptional(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			link := scaleLink(cfg, addr)
			defer link.Close()
			link.SubscribeState(func(connected bool) {
				if connected {
					fmt.Println("# connected")
				} else {
					fmt.Println("# disconnected; retrying")
				}
			})
			link.Subscribe(func(f scale.Frame) {
				if f.HasValue {
					fmt.Printf("%.3f g stable=%v\n", f.ValueG, f.DeviceStable)
				} else {
					fmt.Printf("# %s\n", f.Raw)
				}
			})
			link.Start()
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()
			<-ctx.Done()
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "scale address (overrides config)")
	return cmd
}

func scaleTareCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "tare",
		Short: "Send a tare command to the scale",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadOptional(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			link := scaleLink(cfg, addr)
			defer link.Close()
			link.Start()
			deadline := time.After(10 * time.Second)
			tick := time.NewTicker(50 * time.Millisecond)
			defer tick.Stop()
			for !link.Connected() {
				select {
				case <-deadline:
					return fmt.Errorf("scale did not connect")
				case <-tick.C:
				}
			}
			link.Tare()
			fmt.Println("tare sent")
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "scale address (overrides config)")
	return cmd
}

func scaleSimCmd() *cobra.Command {
	var addr string
	var weight float64
	cmd := &cobra.Command{
		Use:   "sim",
		Short: "Run a local scale simulator",
		RunE: func(cmd *cobra.Command, args []string) error {
			sim := scale.NewSimulator()
			sim.SetWeight(weight)
			if err := sim.Start(addr); err != nil {
				return err
			}
			defer sim.Close()
			fmt.Println("simulator listening on", sim.Addr())
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()
			<-ctx.Done()
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8810", "listen address")
	cmd.Flags().Float64Var(&weight, "weight", 0, "initial weight in grams")
	return cmd
}

func logCmd() *cobra.Command {
	log := &cobra.Command{
		Use:   "log",
		Short: "Audit trail",
	}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var n int
	var action, sessionID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail audit events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				events, err := r.LatestEvents(ctx, n, action, sessionID)
				if err != nil {
					return err
				}
				return printJSON(events)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&action, "action", "", "action filter")
	cmd.Flags().StringVar(&sessionID, "session", "", "session filter")
	return cmd
}

func keyCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "key", Short: "API keys"}
	cmd.AddCommand(keyCreateCmd())
	cmd.AddCommand(keyListCmd())
	cmd.AddCommand(keyDeleteCmd())
	return cmd
}

func keyCreateCmd() *cobra.Command {
	var actor, name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API key (the secret is shown once)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if actor == "" {
				return fmt.Errorf("--actor required")
			}
			raw := make([]byte, 24)
			if _, err := rand.Read(raw); err != nil {
				return err
			}
			secret := "plk_" + hex.EncodeToString(raw)
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				tx, err := r.DB.BeginTx(ctx, nil)
				if err != nil {
					return err
				}
				defer tx.Rollback()
				key := domain.APIKey{
					ID:        uuid.NewString(),
					ActorID:   actor,
					Name:      name,
					KeyHash:   repo.HashAPIKey(secret),
					CreatedAt: time.Now().UTC().Format(time.RFC3339),
				}
				if err := r.InsertAPIKey(ctx, tx, key); err != nil {
					return err
				}
				if err := tx.Commit(); err != nil {
					return err
				}
				fmt.Println(secret)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&actor, "actor", "", "actor id the key authenticates as")
	cmd.Flags().StringVar(&name, "name", "", "key label")
	return cmd
}

func keyListCmd() *cobra.Command {
	var actor string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				keys, err := r.ListAPIKeys(ctx, actor)
				if err != nil {
					return err
				}
				return printJSON(keys)
			})
		},
	}
	cmd.Flags().StringVar(&actor, "actor", "", "actor filter")
	return cmd
}

func keyDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <key-id>",
		Short: "Delete an API key",
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
	var noScale bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the station API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			conn, cfg, err := app.Open(workspace)
			if err != nil {
				return err
			}
			defer conn.Close()
			e, err := app.NewEngine(conn, cfg)
			if err != nil {
				return err
			}
			authCfg := server.AuthConfig{JWTSecret: os.Getenv("PREPLINE_JWT_SECRET")}
			if authCfg.JWTSecret == "" {
				return fmt.Errorf("PREPLINE_JWT_SECRET is required for bearer auth")
			}

			rt := engine.NewRuntime(e)
			var link *scale.Link
			if !noScale && cfg.Scale.Addr != "" {
				link = scaleLink(cfg, "")
				link.Subscribe(func(f scale.Frame) {
					if !f.HasValue {
						return
					}
					_ = rt.OnReading(cmd.Context(), domain.ScaleReading{
						TimestampMs: time.Now().UnixMilli(),
						ValueG:      f.ValueG,
						Unit:        f.Unit,
						Stable:      f.DeviceStable,
						Raw:         f.Raw,
						HasValue:    true,
					})
				})
				link.Start()
				defer link.Close()
			}

			handler, err := server.New(server.Config{Engine: e, Runtime: rt, Link: link, BasePath: basePath, Auth: authCfg})
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
			fmt.Printf("Serving Prepline API on http://%s%s (OpenAPI at %s/openapi.json, live stream at /live)\n", addr, basePath, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	cmd.Flags().BoolVar(&noScale, "no-scale", false, "serve without connecting to a scale")
	return cmd
}

// --- helpers ---

func batchOverride(cmd *cobra.Command, size float64, unit string) *plan.BatchOverride {
	if !cmd.Flags().Changed("batch-size") {
		return nil
	}
	return &plan.BatchOverride{Size: size, Unit: unit}
}

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	conn, cfg, err := app.Open(viper.GetString("workspace"))
	if err != nil {
		return err
	}
	defer conn.Close()
	e, err := app.NewEngine(conn, cfg)
	if err != nil {
		return err
	}
	return fn(ctx, e)
}

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	conn, _, err := app.Open(viper.GetString("workspace"))
	if err != nil {
		return err
	}
	defer conn.Close()
	return fn(ctx, repo.Repo{DB: conn})
}

func newTable() table.Writer {
	t := table.NewWriter()
	t.SetStyle(table.StyleLight)
	return t
}

func printSteps(steps []domain.Step) {
	t := newTable()
	t.AppendHeader(table.Row{"SEQ", "INGREDIENT", "NAME", "TARGET G", "TOL G", "STATUS", "CAPTURED"})
	for _, st := range steps {
		captured := ""
		if st.CapturedQtyG != nil {
			captured = fmt.Sprintf("%.3f", *st.CapturedQtyG)
		}
		t.AppendRow(table.Row{st.Sequence, st.IngredientID, st.DisplayName,
			fmt.Sprintf("%.3f", st.TargetQtyG), fmt.Sprintf("%.3f", st.ToleranceAbsG), st.Status, captured})
	}
	fmt.Println(t.Render())
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

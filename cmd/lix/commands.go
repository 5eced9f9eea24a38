package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/thiagosm89/lix-carbon/internal/config"
	"github.com/thiagosm89/lix-carbon/internal/domain"
	"github.com/thiagosm89/lix-carbon/internal/engine"
	"github.com/thiagosm89/lix-carbon/internal/engine/auth"
	"github.com/thiagosm89/lix-carbon/internal/repo"
	"github.com/thiagosm89/lix-carbon/internal/totem"
)

func tokenCmd() *cobra.Command {
	tok := &cobra.Command{Use: "token", Short: "Issue and list deposit tokens"}
	tok.AddCommand(tokenIssueCmd())
	tok.AddCommand(tokenGenerateCmd())
	tok.AddCommand(tokenListCmd())
	return tok
}

func tokenIssueCmd() *cobra.Command {
	var code, category, weight string
	cmd := &cobra.Command{
		Use:   "issue",
		Short: "Issue a token for a deposit",
		RunE: func(cmd *cobra.Command, args []string) error {
			w, err := parseDecimal("weight", weight)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.IssueToken(ctx, engine.TokenIssueOptions{
					Code: code, Category: domain.Category(category), Weight: w, ActorID: actorID(),
				})
				if err != nil {
					return err
				}
				return printTokens(t)
			})
		},
	}
	cmd.Flags().StringVar(&code, "code", "", "6-digit token code")
	cmd.Flags().StringVar(&category, "category", string(domain.CategoryRecyclable), "RECICLAVEL or ORGANICO")
	cmd.Flags().StringVar(&weight, "weight", "", "weight in kg")
	_ = cmd.MarkFlagRequired("code")
	_ = cmd.MarkFlagRequired("weight")
	return cmd
}

func tokenGenerateCmd() *cobra.Command {
	var count int
	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Simulate totem deposits with random tokens",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				gen := totem.Generator{Issuer: e, ActorID: actorID()}
				var out []domain.Token
				for i := 0; i < count; i++ {
					t, err := gen.Generate(ctx)
					if err != nil {
						return err
					}
					out = append(out, t)
				}
				return printTokens(out...)
			})
		},
	}
	cmd.Flags().IntVarP(&count, "count", "n", 1, "number of tokens")
	return cmd
}

func tokenListCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recently issued tokens",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ListRecentTokens(ctx, limit)
				if err != nil {
					return err
				}
				return printTokens(items...)
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "max tokens")
	return cmd
}

func redeemCmd() *cobra.Command {
	var owner string
	cmd := &cobra.Command{
		Use:   "redeem <code>",
		Short: "Redeem a token into a waste record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if owner == "" {
				owner = actorID()
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				rec, err := e.RegisterRedemption(ctx, owner, args[0])
				if err != nil {
					return err
				}
				return printRecords(rec)
			})
		},
	}
	cmd.Flags().StringVar(&owner, "owner", "", "owning company (defaults to --actor-id)")
	return cmd
}

func recordCmd() *cobra.Command {
	rec := &cobra.Command{Use: "record", Short: "Inspect waste records"}
	rec.AddCommand(recordListCmd())
	rec.AddCommand(recordShowCmd())
	return rec
}

func recordListCmd() *cobra.Command {
	var owner, status string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List records by owner or status",
		RunE: func(cmd *cobra.Command, args []string) error {
			if (owner == "") == (status == "") {
				return fmt.Errorf("exactly one of --owner or --status is required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				var (
					items []domain.WasteRecord
					err   error
				)
				if owner != "" {
					items, err = e.ListRecordsByOwner(ctx, owner)
				} else {
					items, err = e.ListRecordsByStatus(ctx, domain.RecordStatus(status))
				}
				if err != nil {
					return err
				}
				return printRecords(items...)
			})
		},
	}
	cmd.Flags().StringVar(&owner, "owner", "", "owner id")
	cmd.Flags().StringVar(&status, "status", "", "VALIDADO, ENVIADO_VALIDADORA, LIBERADO_PAGAMENTO or PAGO")
	return cmd
}

func recordShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show one record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				rec, err := e.GetRecord(ctx, args[0])
				if err != nil {
					return err
				}
				return printRecords(rec)
			})
		},
	}
}

func lotCmd() *cobra.Command {
	lot := &cobra.Command{Use: "lot", Short: "Form and settle validator lots"}
	lot.AddCommand(lotCreateCmd())
	lot.AddCommand(lotListCmd())
	lot.AddCommand(lotShowCmd())
	lot.AddCommand(lotSettleCmd())
	lot.AddCommand(lotStatsCmd())
	return lot
}

func lotCreateCmd() *cobra.Command {
	var ceiling string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Batch the oldest validated records into a lot",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := parseDecimal("weight_ceiling", ceiling)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				detail, err := e.CreateLot(ctx, engine.LotCreateOptions{WeightCeiling: c, ActorID: actorID()})
				if err != nil {
					return err
				}
				return printLotDetail(detail)
			})
		},
	}
	cmd.Flags().StringVar(&ceiling, "ceiling", "", "weight ceiling in kg")
	_ = cmd.MarkFlagRequired("ceiling")
	return cmd
}

func lotListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List lots",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				lots, err := e.ListLots(ctx)
				if err != nil {
					return err
				}
				return printLots(lots...)
			})
		},
	}
}

func lotShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show a lot and its records",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				detail, err := e.GetLot(ctx, args[0])
				if err != nil {
					return err
				}
				return printLotDetail(detail)
			})
		},
	}
}

func lotSettleCmd() *cobra.Command {
	var amount string
	cmd := &cobra.Command{
		Use:   "settle <id>",
		Short: "Apply the validator payment to a lot",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := parseDecimal("amount_paid", amount)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.SettleLot(ctx, args[0], a, actorID())
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				fmt.Printf("Lot %s settled: paid %s, company share %s (%s%%), distributed %s\n",
					res.LotID, res.AmountPaid, res.CompanyShare, res.CompanySharePercent, res.AmountDistributed)
				tw := newTable(table.Row{"Record", "Owner", "Weight", "Amount"})
				for _, s := range res.Shares {
					tw.AppendRow(table.Row{s.RecordID, s.OwnerID, s.Weight, s.Amount})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&amount, "amount", "", "amount paid by the validator")
	_ = cmd.MarkFlagRequired("amount")
	return cmd
}

func lotStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Aggregate lot statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				s, err := e.LotStats(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(s)
				}
				tw := newTable(table.Row{"Total", "Pending", "Paid", "Weight", "Value"})
				tw.AppendRow(table.Row{s.Total, s.Pending, s.Paid, s.TotalWeight, s.TotalValue})
				tw.Render()
				return nil
			})
		},
	}
}

func payCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "pay <record-id>...",
		Short: "Pay released records to their owners",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.ProcessPayments(ctx, args, actorID())
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				fmt.Printf("Paid %d records, total %s\n", len(res.Records), res.TotalPaid)
				return nil
			})
		},
	}
}

func payableCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "payable",
		Short: "List records released for payment, grouped by owner",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.PayablesByOwner(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(p)
				}
				tw := newTable(table.Row{"Owner", "Records", "Total"})
				for _, o := range p.Owners {
					tw.AppendRow(table.Row{o.OwnerID, len(o.Records), o.Total})
				}
				tw.AppendFooter(table.Row{"", p.Count, p.Total})
				tw.Render()
				return nil
			})
		},
	}
}

func summaryCmd() *cobra.Command {
	var owner string
	cmd := &cobra.Command{
		Use:   "summary",
		Short: "Show an owner's payments and deposit statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			if owner == "" {
				owner = actorID()
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				pay, err := e.OwnerPayments(ctx, owner)
				if err != nil {
					return err
				}
				stats, err := e.OwnerStats(ctx, owner)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"owner_id": owner, "payments": pay, "stats": stats})
				}
				fmt.Printf("Owner %s: %s kg deposited, %s credit\n", owner, stats.TotalWeight, stats.TotalCredit)
				tw := newTable(table.Row{"Stage", "Records", "Weight", "Amount"})
				tw.AppendRow(table.Row{"pending", pay.Pending.Count, pay.Pending.Weight, "-"})
				tw.AppendRow(table.Row{"available", pay.Available.Count, pay.Available.Weight, pay.Available.Amount})
				tw.AppendRow(table.Row{"paid", pay.Paid.Count, pay.Paid.Weight, pay.Paid.Amount})
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&owner, "owner", "", "owner id (defaults to --actor-id)")
	return cmd
}

func eventsCmd() *cobra.Command {
	ev := &cobra.Command{Use: "events", Short: "Read the audit event log"}
	ev.AddCommand(eventsTailCmd())
	return ev
}

func eventsTailCmd() *cobra.Command {
	var f repo.EventFilter
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Show the newest events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ListEvents(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable(table.Row{"ID", "TS", "Type", "Entity", "Actor", "Payload"})
				for _, evt := range items {
					tw.AppendRow(table.Row{evt.ID, evt.TS, evt.Type, evt.EntityKind + ":" + evt.EntityID, evt.ActorID, evt.Payload})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&f.Limit, "n", 20, "number of events")
	cmd.Flags().StringVar(&f.Type, "type", "", "event type filter")
	cmd.Flags().StringVar(&f.EntityKind, "entity-kind", "", "entity kind")
	cmd.Flags().StringVar(&f.EntityID, "entity-id", "", "entity id")
	return cmd
}

func apikeyCmd() *cobra.Command {
	keys := &cobra.Command{Use: "apikey", Short: "Manage device API keys"}
	keys.AddCommand(apikeyCreateCmd())
	return keys
}

func apikeyCreateCmd() *cobra.Command {
	var opts engine.APIKeyCreateOptions
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API key; the key is printed once",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.CreatedBy = actorID()
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				key, plain, err := e.CreateAPIKey(ctx, opts)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"api_key": key, "key": plain})
				}
				fmt.Printf("API key %s for %s (roles %v)\n%s\n", key.ID, key.ActorID, key.Roles, plain)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&opts.ActorID, "actor", "", "actor the key authenticates as")
	cmd.Flags().StringVar(&opts.Name, "name", "", "label")
	cmd.Flags().StringSliceVar(&opts.Roles, "role", nil, "role (repeatable)")
	_ = cmd.MarkFlagRequired("actor")
	return cmd
}

func authCmd() *cobra.Command {
	a := &cobra.Command{Use: "auth", Short: "Mint bearer tokens"}
	a.AddCommand(authTokenCmd())
	return a
}

func authTokenCmd() *cobra.Command {
	var actor string
	var roles []string
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Sign a JWT with the configured secret",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if cfg.Auth.JWTSecret == "" {
				return fmt.Errorf("auth.jwt_secret is required (set LIX_AUTH_JWT_SECRET)")
			}
			if actor == "" {
				actor = actorID()
			}
			tok, err := auth.SignToken(cfg.Auth.JWTSecret, actor, roles, ttl, time.Now())
			if err != nil {
				return err
			}
			fmt.Println(tok)
			return nil
		},
	}
	cmd.Flags().StringVar(&actor, "actor", "", "subject (defaults to --actor-id)")
	cmd.Flags().StringSliceVar(&roles, "role", nil, "role (repeatable)")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Inspect configuration",
		Long:  "Config layers built-in defaults, an optional --config yaml file, LIX_* environment variables and flags.",
	}
	cfg.AddCommand(configInitCmd())
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configValidateCmd())
	return cfg
}

func configInitCmd() *cobra.Command {
	var out string
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write the default config",
		RunE: func(cmd *cobra.Command, args []string) error {
			if out == "" {
				fmt.Print(config.GenerateDefault())
				return nil
			}
			if _, err := os.Stat(out); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force)", out)
			}
			if err := os.WriteFile(out, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", out)
			return nil
		},
	}
	cmd.Flags().StringVarP(&out, "output", "o", "", "file to write (stdout if empty)")
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}

func configShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show the effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if cfg.Auth.JWTSecret != "" {
				cfg.Auth.JWTSecret = "***"
			}
			if viper.GetBool("json") {
				return printJSON(cfg)
			}
			b, err := yaml.Marshal(cfg)
			if err != nil {
				return err
			}
			fmt.Print(string(b))
			return nil
		},
	}
}

func configValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate the effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := loadConfig()
			if viper.GetBool("json") {
				return printJSON(map[string]any{"ok": err == nil, "error": fmt.Sprint(err)})
			}
			if err != nil {
				return err
			}
			fmt.Println("config OK")
			return nil
		},
	}
}

// --- helpers ---

func parseDecimal(field, s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, domain.InvalidInputError{Field: field, Reason: "not a decimal number"}
	}
	return d, nil
}

func newTable(header table.Row) table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(header)
	return tw
}

func printTokens(items ...domain.Token) error {
	if viper.GetBool("json") {
		return printJSON(items)
	}
	tw := newTable(table.Row{"Code", "Category", "Weight", "Redeemed", "Issued"})
	for _, t := range items {
		tw.AppendRow(table.Row{t.Code, t.Category, t.Weight, t.Redeemed, t.IssuedAt})
	}
	tw.Render()
	return nil
}

func printRecords(items ...domain.WasteRecord) error {
	if viper.GetBool("json") {
		return printJSON(items)
	}
	tw := newTable(table.Row{"ID", "Owner", "Category", "Weight", "Credit", "Payout", "Status", "Lot"})
	for _, r := range items {
		lot := ""
		if r.LotID != nil {
			lot = *r.LotID
		}
		tw.AppendRow(table.Row{r.ID, r.OwnerID, r.Category, r.Weight, r.Credit, r.ProportionalPayout, r.Status, lot})
	}
	tw.Render()
	return nil
}

func printLots(items ...domain.Lot) error {
	if viper.GetBool("json") {
		return printJSON(items)
	}
	tw := newTable(table.Row{"ID", "Ceiling", "Used", "Records", "Paid", "Distributed", "Status"})
	for _, l := range items {
		tw.AppendRow(table.Row{l.ID, l.WeightCeiling, l.WeightUsed, l.RecordCount, l.AmountPaid, l.AmountDistributed, l.Status})
	}
	tw.Render()
	return nil
}

func printLotDetail(d engine.LotDetail) error {
	if viper.GetBool("json") {
		return printJSON(d)
	}
	if err := printLots(d.Lot); err != nil {
		return err
	}
	return printRecords(d.Records...)
}

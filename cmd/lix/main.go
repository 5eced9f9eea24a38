package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	logging "github.com/ipfs/go-log/v2"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/thiagosm89/lix-carbon/internal/app"
	"github.com/thiagosm89/lix-carbon/internal/config"
	"github.com/thiagosm89/lix-carbon/internal/engine"
)

var log = logging.Logger("lix")

var rootCmd = &cobra.Command{
	Use:   "lix",
	Short: "LixCarbon waste-credit settlement",
	Long: `lix runs the waste-credit settlement engine.
- Tokens: printed by a totem when waste is deposited (code, category, weight).
- Records: created when a company redeems a token; credit = weight x category rate.
- Lots: the oldest validated records, up to a weight ceiling, offered to the validator.
- Settlement: the validator pays a lot; the company keeps its share and the rest is split by weight.
- Payments: released records are paid out to their owners.
- Event log: every change, view with 'lix events tail'.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		stop()
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("LIX")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	viper.AutomaticEnv()
	lvl, err := logging.LevelFromString(viper.GetString("log-level"))
	if err != nil {
		lvl = logging.LevelWarn
	}
	logging.SetAllLoggers(lvl)
}

func addPersistentFlags() {
	flags := rootCmd.PersistentFlags()
	flags.String("config", "", "config file (yaml)")
	flags.StringP("workspace", "w", ".", "workspace directory for the sqlite store")
	flags.String("dsn", "", "database dsn (required for postgres)")
	flags.String("driver", "", "database driver: sqlite or postgres")
	flags.Bool("json", false, "output JSON")
	flags.String("actor-id", "local-operator", "actor identifier")
	flags.String("log-level", "warn", "log level (debug, info, warn, error)")
	_ = viper.BindPFlag("config", flags.Lookup("config"))
	_ = viper.BindPFlag("database.workspace", flags.Lookup("workspace"))
	_ = viper.BindPFlag("database.dsn", flags.Lookup("dsn"))
	_ = viper.BindPFlag("database.driver", flags.Lookup("driver"))
	_ = viper.BindPFlag("json", flags.Lookup("json"))
	_ = viper.BindPFlag("actor-id", flags.Lookup("actor-id"))
	_ = viper.BindPFlag("log-level", flags.Lookup("log-level"))
}

func registerCommands() {
	rootCmd.AddCommand(tokenCmd())
	rootCmd.AddCommand(redeemCmd())
	rootCmd.AddCommand(recordCmd())
	rootCmd.AddCommand(lotCmd())
	rootCmd.AddCommand(payCmd())
	rootCmd.AddCommand(payableCmd())
	rootCmd.AddCommand(summaryCmd())
	rootCmd.AddCommand(eventsCmd())
	rootCmd.AddCommand(apikeyCmd())
	rootCmd.AddCommand(authCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(serveCmd())
}

// loadConfig layers defaults, the optional config file, LIX_* env and flags.
func loadConfig() (*config.Config, error) {
	v := viper.GetViper()
	if err := config.SetDefaults(v); err != nil {
		return nil, err
	}
	if path := v.GetString("config"); path != "" {
		v.SetConfigFile(path)
		if err := v.MergeInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	return config.Load(v)
}

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	e, conn, err := app.Open(ctx, cfg)
	if err != nil {
		return err
	}
	defer conn.Close()
	return fn(ctx, e)
}

func actorID() string {
	return viper.GetString("actor-id")
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

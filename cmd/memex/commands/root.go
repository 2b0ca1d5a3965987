// Package commands defines all Cobra CLI commands for the memex binary.
package commands

import (
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/54b3r/memex-go/internal/audit"
	"github.com/54b3r/memex-go/internal/config"
	"github.com/54b3r/memex-go/internal/logging"
)

// rootFlags holds the persistent flag values shared by every subcommand.
type rootFlags struct {
	configPath      string
	dbPath          string
	cacheMB         int
	maxRequestBytes int
	features        string
	logLevel        string
	httpAddr        string
}

// runtime is the resolved configuration and logger handed to subcommands
// by the root PersistentPreRunE.
type runtime struct {
	cfg        *config.Config
	configPath string
	log        *slog.Logger
}

// NewRootCmd constructs the root Cobra command that all subcommands attach to.
func NewRootCmd() *cobra.Command {
	flags := &rootFlags{}
	rt := &runtime{}

	root := &cobra.Command{
		Use:   "memex",
		Short: "memex: local RAG memory server for AI assistants",
		Long: `memex stores text chunks with their embeddings and serves semantic search
over a Content-Length framed JSON-RPC protocol on stdin/stdout.

Configuration is layered: built-in defaults, a YAML or TOML config file
(~/.memex/config.yaml), a .env file, MEMEX_* environment variables and
finally the flags below.
See 'memex --help' for available commands.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			// Bootstrap logger until the configured level and format are known.
			boot := logging.New(logging.Options{Level: flags.logLevel})

			cfg, path, err := config.Load(flags.configPath, boot)
			if err != nil {
				return err
			}
			applyFlags(cmd, flags, cfg)
			if err := cfg.Validate(); err != nil {
				return err
			}

			rt.cfg = cfg
			rt.configPath = path
			rt.log = logging.New(logging.Options{Level: cfg.Logging.Level, Format: cfg.Logging.Format})

			// Emit structured audit log for every command invocation.
			audit.LogCommandStart(rt.log, cmd.Name(), path, cfg)

			return nil
		},
	}

	pf := root.PersistentFlags()
	pf.StringVar(&flags.configPath, "config", "", "Path to YAML or TOML config file (default: ~/.memex/config.yaml)")
	pf.StringVar(&flags.dbPath, "db-path", "", "Data directory for the chunk store and vector index")
	pf.IntVar(&flags.cacheMB, "cache-mb", 0, "In-memory cache budget in MiB")
	pf.IntVar(&flags.maxRequestBytes, "max-request-bytes", 0, "Largest accepted protocol message body in bytes")
	pf.StringVar(&flags.features, "features", "", "Comma-separated tool groups to enable: filesystem,memory,search")
	pf.StringVar(&flags.logLevel, "log-level", "", "Minimum log level: debug, info, warn, error")
	pf.StringVar(&flags.httpAddr, "http-addr", "", "Enable the HTTP side-channel (/metrics, /readyz, /mcp) on this address")

	root.AddCommand(
		NewServeCmd(rt),
		NewIndexCmd(rt),
		NewSearchCmd(rt),
		NewVersionCmd(),
	)

	return root
}

// applyFlags overrides cfg with every persistent flag the user set
// explicitly. Flags left at their zero value never clobber file or env
// settings.
func applyFlags(cmd *cobra.Command, f *rootFlags, cfg *config.Config) {
	changed := cmd.Flags().Changed
	if changed("db-path") {
		cfg.Storage.DBPath = f.dbPath
	}
	if changed("cache-mb") {
		cfg.Storage.CacheMB = f.cacheMB
	}
	if changed("max-request-bytes") {
		cfg.Server.MaxRequestBytes = f.maxRequestBytes
	}
	if changed("features") {
		cfg.Features = config.ParseFeatures(f.features)
	}
	if changed("log-level") {
		cfg.Logging.Level = f.logLevel
	}
	if changed("http-addr") {
		cfg.Server.HTTPAddr = f.httpAddr
	}
}

package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/BaSui01/taskflow/internal/migration"
)

// =============================================================================
// 🗃️ migrate 命令
// =============================================================================

// runMigrate 处理 taskflow migrate <command> [n] [--config ...]
func runMigrate(args []string) {
	if err := migrate(args, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "Migration failed: %v\n", err)
		os.Exit(1)
	}
}

func migrate(args []string, out io.Writer) error {
	if len(args) == 0 || args[0] == "help" || args[0] == "-h" || args[0] == "--help" {
		fmt.Fprint(out, migration.Usage+migrateFlagsUsage)
		return nil
	}
	command, positional, rest := splitMigrateArgs(args)

	fs := flag.NewFlagSet("migrate "+command, flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	configPath := fs.String("config", "", "Path to config file")
	dbType := fs.String("db-type", "", "Database type (postgres, mysql, sqlite)")
	dbURL := fs.String("db-url", "", "Database connection URL")
	if err := fs.Parse(rest); err != nil {
		return err
	}

	logger := zap.NewNop()

	var (
		m   *migration.DefaultMigrator
		err error
	)
	if *dbType != "" && *dbURL != "" {
		m, err = migration.NewMigratorFromURL(*dbType, *dbURL, logger)
	} else {
		cfg, loadErr := loadConfig(*configPath)
		if loadErr != nil {
			return fmt.Errorf("failed to load config: %w", loadErr)
		}
		if *dbType != "" {
			cfg.Database.Driver = *dbType
			m, err = migration.NewMigratorFromDatabaseConfig(cfg.Database, logger)
		} else {
			m, err = migration.NewMigratorFromConfig(cfg, logger)
		}
	}
	if err != nil {
		return fmt.Errorf("failed to create migrator: %w", err)
	}
	defer m.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cli := migration.NewCLI(m)
	cli.SetOutput(out)
	return cli.Run(ctx, command, positional)
}

// splitMigrateArgs 拆出子命令、数字参数与 flags。
// steps/goto/force 的数字参数可以为负（steps -1），不能交给 flag 解析。
func splitMigrateArgs(args []string) (command string, positional, flags []string) {
	command = args[0]
	rest := args[1:]
	switch command {
	case "steps", "goto", "force":
		if len(rest) > 0 {
			positional, rest = rest[:1], rest[1:]
		}
	}
	return command, positional, rest
}

const migrateFlagsUsage = `
Options:
  --config <path>     Path to configuration file (YAML)
  --db-type <type>    Database type: postgres, mysql, sqlite (default: from config)
  --db-url <url>      Database connection URL (default: from config)

Examples:
  taskflow migrate up --config /etc/taskflow/config.yaml
  taskflow migrate steps -1
  taskflow migrate status --db-type sqlite --db-url 'file:taskflow.db?mode=rwc'
`

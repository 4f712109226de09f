package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/BaSui01/procflow/internal/migration"
)

// =============================================================================
// 🗄️ 数据库迁移命令
// =============================================================================

// runMigrate 处理 migrate 子命令：procflow migrate <subcommand> [args] [flags]
func runMigrate(args []string) {
	if len(args) < 1 || args[0] == "help" || args[0] == "-h" || args[0] == "--help" {
		printMigrateUsage()
		if len(args) < 1 {
			os.Exit(1)
		}
		return
	}

	// 子命令与其位置参数在前，flag 在后
	positional, flagArgs := splitMigrateArgs(args)

	fs := flag.NewFlagSet("migrate", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to configuration file (YAML)")
	dbType := fs.String("db-type", "", "Database type: postgres, mysql, sqlite (default: from config)")
	dbURL := fs.String("db-url", "", "Database connection URL (default: from config)")
	_ = fs.Parse(flagArgs)

	migrator, err := newMigrator(*configPath, *dbType, *dbURL)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	defer migrator.Close()

	if err := migration.NewCLI(migrator).Run(context.Background(), positional); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// splitMigrateArgs 在第一个 flag 处切分参数，负数（steps -1）仍视为位置参数
func splitMigrateArgs(args []string) (positional, flags []string) {
	for i, a := range args {
		if !strings.HasPrefix(a, "-") {
			continue
		}
		if _, err := strconv.Atoi(a); err == nil {
			continue
		}
		return args[:i], args[i:]
	}
	return args, nil
}

// newMigrator 优先使用命令行给出的连接信息，否则读取配置中的 database 段
func newMigrator(configPath, dbType, dbURL string) (*migration.DefaultMigrator, error) {
	if dbURL != "" {
		if dbType == "" {
			return nil, fmt.Errorf("--db-type is required with --db-url")
		}
		typ, err := migration.ParseDatabaseType(dbType)
		if err != nil {
			return nil, err
		}
		return migration.NewMigrator(&migration.Config{DatabaseType: typ, DatabaseURL: dbURL})
	}

	cfg, err := loadConfig(configPath)
	if err != nil {
		return nil, err
	}
	if dbType != "" {
		cfg.Database.Driver = dbType
	}
	return migration.NewMigratorFromConfig(cfg)
}

func printMigrateUsage() {
	fmt.Print(`Event Journal Migration Commands

Usage:
  procflow migrate <subcommand> [args] [options]

Subcommands:
`)
	for _, c := range migration.Commands() {
		fmt.Printf("  %-12s%s\n", c[0], c[1])
	}
	fmt.Println(`  help        Show this help message

Options:
  --config <path>     Path to configuration file (YAML)
  --db-type <type>    Database type: postgres, mysql, sqlite (default: from config)
  --db-url <url>      Database connection URL (default: from config)

Examples:
  procflow migrate up
  procflow migrate up --config /etc/procflow/config.yaml
  procflow migrate status --db-type sqlite --db-url "file:procflow.db"
  procflow migrate goto 1
  procflow migrate force 0`)
}

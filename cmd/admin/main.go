package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"ozon1688/internal/config"
	"ozon1688/internal/model"
	"ozon1688/internal/pkg/logger"
	"ozon1688/internal/profit"
	"ozon1688/internal/report"
	"ozon1688/internal/store"

	"github.com/jessevdk/go-flags"
)

type globalOptions struct {
	Config string `short:"c" long:"config" env:"OZON1688_CONFIG" description:"Path to config.json (defaults to configs/config.json)"`
}

type recalcCommand struct {
	global *globalOptions
}

type reportCommand struct {
	global *globalOptions
	Output string `short:"o" long:"output" description:"Output .xlsx file (defaults to profitability_report_<timestamp>.xlsx)"`
}

// adminStore 管理命令使用的存储操作。
type adminStore interface {
	RecalculateAll(ctx context.Context, fn store.RecomputeFunc) (recomputed, failed int, err error)
	ListProfitability(ctx context.Context) ([]model.ProfitabilityRecord, error)
}

// main 是管理命令的入口函数。
//
// 子命令:
//   - recalc: 按当前费率重新生成全部利润快照
//   - report: 导出利润报表
func main() {
	var opts globalOptions
	parser := flags.NewParser(&opts, flags.Default)
	if _, err := parser.AddCommand("recalc", "Recompute profitability",
		"Delete every profitability snapshot and regenerate one per match with the configured rates.",
		&recalcCommand{global: &opts}); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	if _, err := parser.AddCommand("report", "Export profitability report",
		"Write all profitability snapshots to an .xlsx file.",
		&reportCommand{global: &opts}); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	if _, err := parser.Parse(); err != nil {
		var flagsErr *flags.Error
		if errors.As(err, &flagsErr) && flagsErr.Type == flags.ErrHelp {
			return
		}
		os.Exit(1)
	}
}

// Execute 执行 recalc 子命令。
func (c *recalcCommand) Execute([]string) error {
	cfg, log, repo, closeDB, err := setup(c.global)
	if err != nil {
		return err
	}
	defer closeDB()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return recalc(ctx, repo, profit.NewFromConfig(cfg.Pricing), log)
}

// Execute 执行 report 子命令。
func (c *reportCommand) Execute([]string) error {
	_, log, repo, closeDB, err := setup(c.global)
	if err != nil {
		return err
	}
	defer closeDB()

	out := c.Output
	if out == "" {
		out = fmt.Sprintf("profitability_report_%s.xlsx", time.Now().Format("20060102_150405"))
	}
	n, err := writeReport(context.Background(), repo, out)
	if err != nil {
		return err
	}
	log.Info("report written", slog.String("path", out), slog.Int("rows", n))
	return nil
}

func setup(opts *globalOptions) (*config.Config, *slog.Logger, *store.Repository, func(), error) {
	var paths []string
	if opts.Config != "" {
		paths = append(paths, opts.Config)
	}
	cfg, err := config.Load(paths...)
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("load config: %w", err)
	}
	log := logger.NewDefault(cfg.App.LogLevel)

	db, err := store.Open(cfg.MySQL.DSN)
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("open database: %w", err)
	}
	closeDB := func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	}
	return cfg, log, store.New(db, log), closeDB, nil
}

// recalc 用当前费率重新生成全部利润快照。
func recalc(ctx context.Context, repo adminStore, calc *profit.Calculator, log *slog.Logger) error {
	start := time.Now()
	recomputed, failed, err := repo.RecalculateAll(ctx, calc.Snapshot)
	if err != nil {
		return fmt.Errorf("recalculate: %w", err)
	}
	log.Info("profitability recalculated",
		slog.Int("recomputed", recomputed),
		slog.Int("failed", failed),
		slog.Duration("elapsed", time.Since(start)))
	return nil
}

// writeReport 将全部利润快照写入 path，返回写入的行数。
func writeReport(ctx context.Context, repo adminStore, path string) (int, error) {
	rows, err := repo.ListProfitability(ctx)
	if err != nil {
		return 0, fmt.Errorf("load profitability: %w", err)
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return 0, err
		}
	}
	f, err := os.Create(path)
	if err != nil {
		return 0, err
	}
	if err := report.Generate(rows, f); err != nil {
		_ = f.Close()
		return 0, err
	}
	return len(rows), f.Close()
}

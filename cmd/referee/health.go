package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/fatih/color"
	"github.com/nats-io/nats.go"
	"github.com/programme-lv/referee/internal/environment"
	"github.com/programme-lv/referee/internal/records/pgstore"
	"github.com/programme-lv/referee/internal/resultcache"
	"github.com/programme-lv/referee/internal/sandbox"
	"github.com/programme-lv/referee/internal/workerpool"
	"github.com/urfave/cli/v3"
)

type health int

const (
	healthOK health = iota
	healthWarn
	healthError
)

func (h health) String() string {
	switch h {
	case healthOK:
		return "OKAY"
	case healthWarn:
		return "WARN"
	default:
		return "ERROR"
	}
}

type feedbackRow struct {
	unit    string
	health  health
	message string
}

func errRow(unit string, err error) feedbackRow {
	return feedbackRow{unit: unit, health: healthError, message: err.Error()}
}

func healthCmd() *cli.Command {
	return &cli.Command{
		Name:  "health",
		Usage: "check that docker and every configured backend is reachable",
		Flags: []cli.Flag{
			&cli.DurationFlag{Name: "timeout", Value: 10 * time.Second, Usage: "limit per check"},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			ctx, cfg, err := setup(ctx)
			if err != nil {
				return err
			}
			rows := checkAll(ctx, cfg, cmd.Duration("timeout"))
			outputFeedback(stdout, rows)
			for _, r := range rows {
				if r.health == healthError {
					return errors.New("unhealthy")
				}
			}
			return nil
		},
	}
}

func checkAll(ctx context.Context, cfg *environment.EnvConfig, timeout time.Duration) []feedbackRow {
	checks := []func(context.Context, *environment.EnvConfig) feedbackRow{
		checkDocker, checkCache, checkPostgres, checkRedis, checkNats,
	}
	rows := make([]feedbackRow, 0, len(checks))
	for _, check := range checks {
		cctx, cancel := context.WithTimeout(ctx, timeout)
		rows = append(rows, check(cctx, cfg))
		cancel()
	}
	return rows
}

func checkDocker(ctx context.Context, cfg *environment.EnvConfig) feedbackRow {
	v, err := sandbox.NewDocker(cfg.DockerBin, sandbox.DefaultConstraints()).ServerVersion(ctx)
	if err != nil {
		return errRow("Docker", err)
	}
	return feedbackRow{unit: "Docker", health: healthOK, message: "engine " + v}
}

func checkCache(_ context.Context, cfg *environment.EnvConfig) feedbackRow {
	c, err := resultcache.New(cfg.CacheDir)
	if err != nil {
		return errRow("Result cache", err)
	}
	return feedbackRow{unit: "Result cache", health: healthOK, message: c.Root()}
}

func checkPostgres(ctx context.Context, cfg *environment.EnvConfig) feedbackRow {
	if cfg.DatabaseURL == "" {
		return feedbackRow{unit: "Postgres", health: healthWarn, message: "not configured, records are kept in memory"}
	}
	_, pool, err := pgstore.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		return errRow("Postgres", err)
	}
	pool.Close()
	return feedbackRow{unit: "Postgres", health: healthOK, message: "schema applied"}
}

func checkRedis(ctx context.Context, cfg *environment.EnvConfig) feedbackRow {
	if cfg.RedisAddr == "" {
		return feedbackRow{unit: "Redis", health: healthWarn, message: "not configured, status is per process"}
	}
	rp, err := workerpool.NewRedisPool(ctx, cfg.RedisAddr)
	if err != nil {
		return errRow("Redis", err)
	}
	rp.Close()
	return feedbackRow{unit: "Redis", health: healthOK, message: cfg.RedisAddr}
}

func checkNats(_ context.Context, cfg *environment.EnvConfig) feedbackRow {
	if cfg.NatsURL == "" {
		return feedbackRow{unit: "NATS", health: healthWarn, message: "not configured, no progress events"}
	}
	nc, err := nats.Connect(cfg.NatsURL, nats.Timeout(5*time.Second))
	if err != nil {
		return errRow("NATS", err)
	}
	nc.Close()
	return feedbackRow{unit: "NATS", health: healthOK, message: cfg.NatsURL}
}

func outputFeedback(w io.Writer, rows []feedbackRow) {
	width := len("Unit")
	for _, r := range rows {
		width = max(width, len(r.unit))
	}
	colors := map[health]*color.Color{
		healthOK:    color.New(color.FgHiGreen),
		healthWarn:  color.New(color.FgHiYellow),
		healthError: color.New(color.FgHiRed),
	}

	color.New(color.Bold).Fprintf(w, "%-*s  %-6s  %s\n", width, "Unit", "Health", "Message")
	for _, r := range rows {
		fmt.Fprintf(w, "%-*s  ", width, r.unit)
		colors[r.health].Fprintf(w, "%-6s", r.health)
		fmt.Fprintf(w, "  %s\n", r.message)
	}
}

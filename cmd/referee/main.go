package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/programme-lv/referee/api"
	"github.com/programme-lv/referee/internal/environment"
	"github.com/programme-lv/referee/internal/fixture"
	"github.com/programme-lv/referee/internal/gatherer"
	"github.com/programme-lv/referee/internal/gatherer/termgath"
	"github.com/programme-lv/referee/internal/intake"
	"github.com/programme-lv/referee/internal/logger"
	"github.com/programme-lv/referee/internal/scoring"
	"github.com/programme-lv/referee/internal/workerpool"
	"github.com/urfave/cli/v3"
)

var (
	stdout io.Writer = os.Stdout
	stderr io.Writer = os.Stderr
)

func main() {
	cmd := &cli.Command{
		Name:  "referee",
		Usage: "evaluate container submissions against a challenge in gated phases",
		Commands: []*cli.Command{
			runCmd(),
			resumeCmd(),
			statusCmd(),
			scoreCmd(),
			serveCmd(),
			healthCmd(),
		},
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := cmd.Run(ctx, os.Args); err != nil {
		slog.Error("referee failed", "error", err)
		os.Exit(1)
	}
}

// setup reads the environment and installs the logger into ctx.
func setup(ctx context.Context) (context.Context, *environment.EnvConfig, error) {
	cfg, err := environment.ReadEnvConfig()
	if err != nil {
		return ctx, nil, fmt.Errorf("invalid configuration: %w", err)
	}
	ctx, err = setupLogger(ctx, cfg)
	return ctx, cfg, err
}

func waitFlag() *cli.BoolFlag {
	return &cli.BoolFlag{
		Name:  "wait",
		Usage: "print progress and the score table once every phase has finished",
	}
}

func pollFlag() *cli.DurationFlag {
	return &cli.DurationFlag{
		Name:  "poll",
		Value: 250 * time.Millisecond,
		Usage: "status polling interval used with --wait",
	}
}

func runCmd() *cli.Command {
	return &cli.Command{
		Name:      "run",
		Usage:     "seed a challenge fixture and evaluate its submission",
		ArgsUsage: "<challenge.toml>",
		Flags:     []cli.Flag{waitFlag(), pollFlag()},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			if cmd.Args().Len() != 1 {
				return errors.New("expected exactly one challenge file")
			}
			ctx, cfg, err := setup(ctx)
			if err != nil {
				return err
			}
			ch, err := fixture.Parse(cmd.Args().First())
			if err != nil {
				return err
			}

			var gaths []gatherer.Gatherer
			if cmd.Bool("wait") {
				gaths = append(gaths, termgath.NewWriter(stdout))
			}
			a, err := newApp(ctx, cfg, gaths...)
			if err != nil {
				return err
			}
			defer a.close(ctx)

			ids, err := ch.Seed(ctx, a.store)
			if err != nil {
				return fmt.Errorf("failed to seed fixture: %w", err)
			}
			handle, err := a.svc.Submit(ctx, ids.SubmissionID)
			if err != nil {
				return err
			}
			if err := printJSON(api.SubmitResp{SubmissionID: ids.SubmissionID.String(), Handle: handle}); err != nil {
				return err
			}
			if !cmd.Bool("wait") {
				return nil
			}
			return a.waitAndScore(ctx, handle, ids.SubmissionID, cmd.Duration("poll"))
		},
	}
}

func resumeCmd() *cli.Command {
	return &cli.Command{
		Name:      "resume",
		Usage:     "finish the remaining elements of an existing run",
		ArgsUsage: "<run-id>",
		Flags:     []cli.Flag{waitFlag(), pollFlag()},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			runID, err := uuid.Parse(cmd.Args().First())
			if err != nil {
				return fmt.Errorf("invalid run id: %w", err)
			}
			ctx, cfg, err := setup(ctx)
			if err != nil {
				return err
			}
			var gaths []gatherer.Gatherer
			if cmd.Bool("wait") {
				gaths = append(gaths, termgath.NewWriter(stdout))
			}
			a, err := newApp(ctx, cfg, gaths...)
			if err != nil {
				return err
			}
			defer a.close(ctx)

			run, err := a.store.GetRun(ctx, runID)
			if err != nil {
				return err
			}
			handle, err := a.svc.Resume(ctx, runID)
			if err != nil {
				return err
			}
			if err := printJSON(api.SubmitResp{SubmissionID: run.SubmissionID.String(), Handle: handle}); err != nil {
				return err
			}
			if !cmd.Bool("wait") {
				return nil
			}
			return a.waitAndScore(ctx, handle, run.SubmissionID, cmd.Duration("poll"), runID)
		},
	}
}

func statusCmd() *cli.Command {
	return &cli.Command{
		Name:      "status",
		Usage:     "print the node states recorded for a handle",
		ArgsUsage: "<handle>",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			handle := cmd.Args().First()
			if handle == "" {
				return errors.New("expected a handle")
			}
			ctx, cfg, err := setup(ctx)
			if err != nil {
				return err
			}
			if cfg.RedisAddr == "" {
				logger.FromContext(ctx).Warn("REFEREE_REDIS_ADDR is not set, only this process's handles are known")
			}
			statuses, closeStatuses, err := newStatusStore(ctx, cfg)
			if err != nil {
				return err
			}
			defer closeStatuses()

			st, err := statuses.Get(ctx, handle)
			if err != nil {
				return err
			}
			return printJSON(st)
		},
	}
}

func scoreCmd() *cli.Command {
	return &cli.Command{
		Name:      "score",
		Usage:     "compare a submission's predictions with the answer keys",
		ArgsUsage: "<submission-id> [run-id...]",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			args := cmd.Args().Slice()
			if len(args) == 0 {
				return errors.New("expected a submission id")
			}
			subID, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid submission id: %w", err)
			}
			runIDs := make([]uuid.UUID, 0, len(args)-1)
			for _, s := range args[1:] {
				id, err := uuid.Parse(s)
				if err != nil {
					return fmt.Errorf("invalid run id %q: %w", s, err)
				}
				runIDs = append(runIDs, id)
			}

			ctx, cfg, err := setup(ctx)
			if err != nil {
				return err
			}
			store, closeStore, err := newStore(ctx, cfg)
			if err != nil {
				return err
			}
			defer closeStore()

			rows, err := scoring.Report(ctx, store, subID, runIDs...)
			if err != nil {
				return err
			}
			scoring.Print(stdout, rows)
			return nil
		},
	}
}

func serveCmd() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "consume submission requests from SQS until interrupted",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "queue-url",
				Usage:   "SQS queue with api.SubmitReq messages",
				Sources: cli.EnvVars("REFEREE_SQS_QUEUE_URL"),
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			ctx, cfg, err := setup(ctx)
			if err != nil {
				return err
			}
			queueURL := cmd.String("queue-url")
			if queueURL == "" {
				queueURL = cfg.SQSQueueURL
			}
			if queueURL == "" {
				return errors.New("no SQS queue configured")
			}

			a, err := newApp(ctx, cfg)
			if err != nil {
				return err
			}
			defer a.close(ctx)

			client, err := intake.NewSQSClient(ctx, cfg.AWSRegion)
			if err != nil {
				return err
			}
			return intake.NewConsumer(client, queueURL, a.svc).Run(ctx)
		},
	}
}

func (a *app) waitAndScore(ctx context.Context, handle string, submissionID uuid.UUID, poll time.Duration, runIDs ...uuid.UUID) error {
	st, err := waitFinished(ctx, a.svc, handle, poll)
	if err != nil {
		return err
	}
	if n := st.Count(workerpool.NodeFailed); n > 0 {
		logger.FromContext(ctx).Warn("some nodes failed", "failed", n)
	}
	rows, err := scoring.Report(ctx, a.store, submissionID, runIDs...)
	if err != nil {
		return err
	}
	scoring.Print(stdout, rows)
	return nil
}

type statusSource interface {
	Status(ctx context.Context, handle string) (workerpool.State, error)
}

func waitFinished(ctx context.Context, src statusSource, handle string, poll time.Duration) (workerpool.State, error) {
	ticker := time.NewTicker(poll)
	defer ticker.Stop()
	for {
		st, err := src.Status(ctx, handle)
		if err != nil {
			return st, err
		}
		if st.Finished() {
			return st, nil
		}
		select {
		case <-ctx.Done():
			return st, ctx.Err()
		case <-ticker.C:
		}
	}
}

func printJSON(v any) error {
	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// Package cli contains the pulseqctl operator commands. They talk to the
// queue store directly and need no running server.
package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"pulseq/internal/config"
	"pulseq/internal/id"
	"pulseq/internal/log"
	"pulseq/internal/queue"
	"pulseq/internal/replay"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
)

type options struct {
	redisAddr     string
	redisPassword string
	redisDB       int
	timeout       time.Duration
}

// NewRoot constructs the pulseqctl root command.
func NewRoot() *cobra.Command {
	_ = godotenv.Load()

	opts := &options{}
	root := &cobra.Command{
		Use:           "pulseqctl",
		Short:         "Inspect and operate pulseq queues",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		addr = "localhost:6379"
	}
	root.PersistentFlags().StringVar(&opts.redisAddr, "redis-addr", addr, "Redis address")
	root.PersistentFlags().StringVar(&opts.redisPassword, "redis-password", os.Getenv("REDIS_PASSWORD"), "Redis password")
	root.PersistentFlags().IntVar(&opts.redisDB, "redis-db", 0, "Redis database")
	root.PersistentFlags().DurationVar(&opts.timeout, "timeout", 10*time.Second, "Per-command timeout")

	root.AddCommand(
		newDepthsCommand(opts),
		newEnqueueCommand(opts),
		newDeadLetterCommand(opts),
	)
	return root
}

// connect opens the store and returns a service wired to it plus a
// cleanup func.
func connect(cmd *cobra.Command, opts *options) (context.Context, *queue.Service, func(), error) {
	queues, err := config.LoadQueues()
	if err != nil {
		return nil, nil, nil, err
	}
	node := id.NewRandomNode()
	rdb := redis.NewClient(&redis.Options{
		Addr:     opts.redisAddr,
		Password: opts.redisPassword,
		DB:       opts.redisDB,
	})
	ctx, cancel := context.WithTimeout(cmd.Context(), opts.timeout)
	svc := queue.NewService(rdb, queues, node, queue.Options{WorkerID: "pulseqctl"}, log.NewNop())
	return ctx, svc, func() {
		cancel()
		_ = rdb.Close()
	}, nil
}

func newDepthsCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "depths",
		Short: "Print the depth of every queue",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, svc, done, err := connect(cmd, opts)
			if err != nil {
				return err
			}
			defer done()

			depths, err := svc.Monitor.QueueDepths(ctx)
			if err != nil {
				return err
			}
			dlq, err := svc.DeadLetters.Len(ctx)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, name := range svc.Store.Queues().Names() {
				qc, _ := svc.Store.Queues().Get(name)
				marker := ""
				if depths[name] >= qc.MaxSize {
					marker = "  FULL"
				}
				fmt.Fprintf(out, "%-20s %8d / %-8d%s\n", name, depths[name], qc.MaxSize, marker)
			}
			fmt.Fprintf(out, "%-20s %8d\n", "dead_letter", dlq)
			return nil
		},
	}
}

func newEnqueueCommand(opts *options) *cobra.Command {
	var source, payload string
	cmd := &cobra.Command{
		Use:   "enqueue <queue>",
		Short: "Append one item to a queue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, svc, done, err := connect(cmd, opts)
			if err != nil {
				return err
			}
			defer done()

			ok, err := svc.Enqueuer.Enqueue(ctx, args[0], queue.WorkItem{Source: source, Payload: payload})
			if err != nil {
				return err
			}
			if !ok {
				return errors.New("queue store unavailable")
			}
			fmt.Fprintln(cmd.OutOrStdout(), "queued")
			return nil
		},
	}
	cmd.Flags().StringVar(&source, "source", "pulseqctl", "Item source")
	cmd.Flags().StringVar(&payload, "payload", "", "Item payload")
	_ = cmd.MarkFlagRequired("payload")
	return cmd
}

func newDeadLetterCommand(opts *options) *cobra.Command {
	dlq := &cobra.Command{
		Use:   "dlq",
		Short: "Dead-letter operations",
	}

	var peekLimit int
	peek := &cobra.Command{
		Use:   "peek",
		Short: "Print the oldest dead-letter entries as JSON lines",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, svc, done, err := connect(cmd, opts)
			if err != nil {
				return err
			}
			defer done()

			entries, err := replay.NewReplayer(svc.DeadLetters, svc.Enqueuer, log.NewNop()).Peek(ctx, peekLimit)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			for _, e := range entries {
				if err := enc.Encode(e); err != nil {
					return err
				}
			}
			return nil
		},
	}
	peek.Flags().IntVar(&peekLimit, "limit", 10, "Maximum entries to print")

	var replayLimit int
	replayCmd := &cobra.Command{
		Use:   "replay",
		Short: "Move dead-letter entries back to their origin queues",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, svc, done, err := connect(cmd, opts)
			if err != nil {
				return err
			}
			defer done()

			res, err := replay.NewReplayer(svc.DeadLetters, svc.Enqueuer, log.NewNop()).Replay(ctx, replayLimit)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "replayed %d, returned %d, parked %d\n", res.Replayed, res.Returned, res.Parked)
			return nil
		},
	}
	replayCmd.Flags().IntVar(&replayLimit, "limit", 100, "Maximum entries to replay")

	dlq.AddCommand(peek, replayCmd)
	return dlq
}

// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/absmach/nsqc/config"
	"github.com/absmach/nsqc/consumer"
	"github.com/absmach/nsqc/lookup"
	"github.com/absmach/nsqc/metrics"
	"github.com/absmach/nsqc/producer"
	"github.com/absmach/nsqc/ratelimit"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
)

const usage = `usage: nsqc [-config file] <command> [flags]

commands:
  pub   -topic T [-tries N] [-batch] [message ...]   publish arguments or stdin lines
  tail  [-topic T ...] [-channel C] [-n count]       print and finish consumed messages
`

// env bundles what every subcommand needs.
type env struct {
	cfg     *config.Config
	logger  *slog.Logger
	metrics *metrics.Metrics
	limiter *ratelimit.Manager
}

func main() {
	configFile := flag.String("config", "", "Path to configuration file")
	flag.Usage = func() { fmt.Fprint(os.Stderr, usage) }
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	// Messages go to stdout, logs go to stderr.
	logger := newLogger(cfg.Log, os.Stderr)
	slog.SetDefault(logger)

	args := flag.Args()
	if len(args) == 0 {
		flag.Usage()
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err = run(ctx, cfg, logger, args)
	stop()
	if err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("Command failed", "command", args[0], "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger, args []string) error {
	otelShutdown, err := metrics.InitProvider(ctx, cfg.Metrics, uuid.NewString())
	if err != nil {
		return fmt.Errorf("failed to initialize OpenTelemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := otelShutdown(shutdownCtx); err != nil {
			logger.Error("Failed to shutdown OpenTelemetry", "error", err)
		}
	}()

	m, err := metrics.New(nil)
	if err != nil {
		return fmt.Errorf("failed to create metrics: %w", err)
	}

	limiter := ratelimit.NewManager(cfg.RateLimit)
	defer limiter.Stop()

	e := &env{cfg: cfg, logger: logger, metrics: m, limiter: limiter}

	switch args[0] {
	case "pub":
		return e.pub(ctx, args[1:], os.Stdin)
	case "tail":
		return e.tail(ctx, args[1:], os.Stdout)
	default:
		return fmt.Errorf("unknown command %q", args[0])
	}
}

func newLogger(cfg config.LogConfig, w io.Writer) *slog.Logger {
	logLevel := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(w, &slog.HandlerOptions{Level: logLevel})
	} else {
		handler = slog.NewTextHandler(w, &slog.HandlerOptions{Level: logLevel})
	}
	return slog.New(handler)
}

func (e *env) pub(ctx context.Context, args []string, stdin io.Reader) error {
	fs := flag.NewFlagSet("pub", flag.ContinueOnError)
	topic := fs.String("topic", "", "Topic to publish to")
	tries := fs.Int("tries", e.cfg.Producer.Tries, "Attempts per node")
	batch := fs.Bool("batch", false, "Send all messages as one MPUB")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *topic == "" {
		return errors.New("pub: -topic is required")
	}

	bodies, err := readBodies(fs.Args(), stdin)
	if err != nil {
		return err
	}
	if len(bodies) == 0 {
		return producer.ErrEmptyBatch
	}

	level, err := e.cfg.Producer.Level()
	if err != nil {
		return err
	}

	pool, err := producer.NewPool(ctx, e.cfg.Producer.Nodes, e.cfg.ConnOptions(e.logger), e.logger)
	if err != nil {
		return err
	}
	defer pool.Close()

	pub, err := producer.NewPublisher(pool, level,
		producer.WithLogger(e.logger),
		producer.WithMetrics(e.metrics),
		producer.WithRateLimiter(e.limiter),
		producer.WithTracer(otel.Tracer(metrics.ScopeName)),
	)
	if err != nil {
		return err
	}

	if *batch {
		res, err := pub.MultiPublish(ctx, *topic, bodies, *tries)
		if err != nil {
			return err
		}
		e.logger.Info("Published batch", "topic", *topic, "messages", len(bodies), "acknowledged", res.Achieved)
		return nil
	}

	for _, body := range bodies {
		res, err := pub.Publish(ctx, *topic, body, *tries)
		if err != nil {
			return err
		}
		e.logger.Debug("Published message", "topic", *topic, "acknowledged", res.Achieved, "required", res.Required)
	}
	e.logger.Info("Published messages", "topic", *topic, "messages", len(bodies), "level", level.String())
	return nil
}

// readBodies returns args, or one body per stdin line when args is empty.
func readBodies(args []string, stdin io.Reader) ([][]byte, error) {
	var bodies [][]byte
	if len(args) > 0 {
		for _, a := range args {
			bodies = append(bodies, []byte(a))
		}
		return bodies, nil
	}

	sc := bufio.NewScanner(stdin)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		bodies = append(bodies, append([]byte(nil), line...))
	}
	return bodies, sc.Err()
}

type topicList []string

func (t *topicList) String() string { return fmt.Sprint(*t) }

func (t *topicList) Set(v string) error {
	*t = append(*t, v)
	return nil
}

func (e *env) tail(ctx context.Context, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("tail", flag.ContinueOnError)
	var topics topicList
	fs.Var(&topics, "topic", "Topic to consume (repeatable)")
	channel := fs.String("channel", e.cfg.Consumer.Channel, "Channel to subscribe with")
	count := fs.Int("n", 0, "Exit after this many messages (0 means run until interrupted)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	ccfg := e.cfg.ConsumerOptions(e.logger)
	if len(topics) > 0 {
		ccfg.Topics = topics
	}
	ccfg.Channel = *channel

	lc := lookup.New(e.cfg.LookupClientConfig(), e.logger)
	c, err := consumer.New(ctx, ccfg, lc, e.logger,
		consumer.WithMetrics(e.metrics),
		consumer.WithRateLimiter(e.limiter),
	)
	if err != nil {
		return err
	}
	defer c.Close()

	w := bufio.NewWriter(out)
	defer w.Flush()

	var seen int
	for *count == 0 || seen < *count {
		msg, err := c.Pop(ctx)
		if err != nil {
			var se *consumer.SubscribeError
			if !errors.As(err, &se) {
				return err
			}
			e.logger.Warn("Subscription failed, rebuilding", "topic", se.Topic, "addr", se.Addr, "error", se.Err)
			continue
		}
		if msg == nil {
			if c.Len() == 0 {
				// No producers for any topic yet.
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-time.After(ccfg.Conn.PollInterval):
				}
			}
			continue
		}

		fmt.Fprintf(w, "%s\n", msg.Body)
		if err := w.Flush(); err != nil {
			return err
		}
		if err := msg.Finish(); err != nil {
			e.logger.Warn("Failed to finish message", "id", msg.ID.String(), "error", err)
		}
		seen++
	}
	return nil
}

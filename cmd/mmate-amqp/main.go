package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	mmate "github.com/glimte/mmate-amqp"
	"github.com/glimte/mmate-amqp/contracts"
	"github.com/glimte/mmate-amqp/health"
	"github.com/glimte/mmate-amqp/interceptors"
	"github.com/glimte/mmate-amqp/messaging"
	"github.com/glimte/mmate-amqp/monitor"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
)

var (
	// Version information
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

// app carries the settings resolved from flags and the config file
type app struct {
	cfg        config
	configPath string
	verbose    bool
	logger     *slog.Logger
}

func newRootCmd() *cobra.Command {
	a := &app{cfg: defaultConfig()}

	rootCmd := &cobra.Command{
		Use:   "mmate-amqp",
		Short: "Publish to and consume from AMQP queues",
		Long: `mmate-amqp publishes messages, runs consumers and manages queues on
RabbitMQ, or on an in-process loopback broker with --loopback.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, gitCommit, buildTime),
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.resolve(cmd)
		},
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&a.configPath, "config", "c", "", "TOML config file")
	flags.StringVarP(&a.cfg.URL, "url", "u", a.cfg.URL, "RabbitMQ connection URL")
	flags.BoolVar(&a.cfg.Loopback, "loopback", false, "Use the in-process broker instead of RabbitMQ")
	flags.StringVar(&a.cfg.StorePath, "store", "", "Loopback queue store file (default in memory)")
	flags.StringVar(&a.cfg.MetricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address")
	flags.DurationVar(&a.cfg.DrainTimeout, "drain-timeout", a.cfg.DrainTimeout, "How long closing waits for running handlers")
	flags.StringVar(&a.cfg.FailurePolicy, "failure-policy", a.cfg.FailurePolicy, "Handler failure policy: requeue, requeue-once, discard, ack or cancel")
	flags.BoolVarP(&a.verbose, "verbose", "v", false, "Enable debug logging")

	rootCmd.AddCommand(newConsumeCmd(a), newPublishCmd(a), newQueueCmd(a), newExchangeCmd(a))
	return rootCmd
}

// resolve overlays the config file, then the flags the user set
func (a *app) resolve(cmd *cobra.Command) error {
	if a.configPath != "" {
		fromFile, err := loadConfig(a.configPath, defaultConfig())
		if err != nil {
			return err
		}

		flags := cmd.Flags()
		if flags.Changed("url") {
			fromFile.URL = a.cfg.URL
		}
		if flags.Changed("loopback") {
			fromFile.Loopback = a.cfg.Loopback
		}
		if flags.Changed("store") {
			fromFile.StorePath = a.cfg.StorePath
		}
		if flags.Changed("metrics-addr") {
			fromFile.MetricsAddr = a.cfg.MetricsAddr
		}
		if flags.Changed("drain-timeout") {
			fromFile.DrainTimeout = a.cfg.DrainTimeout
		}
		if flags.Changed("failure-policy") {
			fromFile.FailurePolicy = a.cfg.FailurePolicy
		}
		if flags.Changed("prefetch") {
			fromFile.Prefetch = a.cfg.Prefetch
		}
		a.cfg = fromFile
	}

	if a.verbose {
		a.cfg.LogLevel = slog.LevelDebug
	}
	a.logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: a.cfg.LogLevel}))
	return nil
}

// connect opens a client and, when configured, the metrics and health
// endpoints
func (a *app) connect() (*mmate.Client, func(), error) {
	policy, err := failurePolicy(a.cfg.FailurePolicy)
	if err != nil {
		return nil, nil, err
	}

	options := []mmate.ClientOption{
		mmate.WithLogger(a.logger),
		mmate.WithDrainTimeout(a.cfg.DrainTimeout),
		mmate.WithFailurePolicy(policy),
	}

	if a.cfg.MetricsAddr != "" {
		collector := monitor.NewPrometheusCollector()
		if err := collector.Register(); err != nil {
			return nil, nil, fmt.Errorf("failed to register metrics: %w", err)
		}
		options = append(options, mmate.WithMetrics(collector))
	}

	var client *mmate.Client
	if a.cfg.Loopback {
		client, err = mmate.NewLoopback(append(options, mmate.WithStorePath(a.cfg.StorePath))...)
	} else {
		client, err = mmate.Dial(a.cfg.URL, options...)
	}
	if err != nil {
		return nil, nil, err
	}

	var server *http.Server
	if a.cfg.MetricsAddr != "" {
		registry := health.NewRegistry()
		registry.SetMetadata("version", version)
		registry.Register(health.NewConnectionChecker(client.Connection()))
		registry.Register(health.NewGoroutineChecker(5000, 20000))

		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		mux.Handle("/healthz", health.NewHandler(registry, 5*time.Second))
		mux.Handle("/readyz", health.ReadinessHandler(registry))
		mux.Handle("/livez", health.LivenessHandler())

		server = &http.Server{Addr: a.cfg.MetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				a.logger.Error("metrics server failed", "addr", a.cfg.MetricsAddr, "error", err)
			}
		}()
		a.logger.Info("serving metrics and health", "addr", a.cfg.MetricsAddr)
	}

	cleanup := func() {
		if server != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			server.Shutdown(ctx)
		}
		if err := client.Close(); err != nil {
			a.logger.Warn("close failed", "error", err)
		}
	}
	return client, cleanup, nil
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func newConsumeCmd(a *app) *cobra.Command {
	var (
		manualAck bool
		exclusive bool
		count     int
		tag       string
		timeout   time.Duration
		retries   int
		breaker   int
	)

	cmd := &cobra.Command{
		Use:   "consume <queue>",
		Short: "Consume messages from a queue until interrupted",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext()
			defer stop()

			client, cleanup, err := a.connect()
			if err != nil {
				return err
			}
			defer cleanup()

			ch, err := client.Channel(ctx)
			if err != nil {
				return err
			}
			if a.cfg.Prefetch > 0 {
				if err := ch.Qos(ctx, a.cfg.Prefetch); err != nil {
					return err
				}
			}

			out := cmd.OutOrStdout()
			var received atomic.Int64
			handler := func(ctx context.Context, d *messaging.Delivery) error {
				n := received.Add(1)
				fmt.Fprintf(out, "[%d] %s redelivered=%t %s\n", d.DeliveryTag, d.RoutingKey, d.Redelivered, d.Body)
				if manualAck {
					if err := d.Ack(); err != nil {
						return err
					}
				}
				if count > 0 && n >= int64(count) {
					return d.Channel().Cancel(d.ConsumerTag)
				}
				return nil
			}

			chain := interceptors.NewDefaultInterceptorChainBuilder(a.logger).WithLogging()
			if breaker > 0 {
				chain.WithCircuitBreaker(interceptors.CircuitBreakerConfig{
					Name:             args[0],
					FailureThreshold: breaker,
					OpenTimeout:      30 * time.Second,
					WaitWhenOpen:     true,
				})
			}
			if retries > 0 {
				chain.WithRetry(interceptors.ExponentialRetry(100*time.Millisecond, 5*time.Second, retries))
			}
			if timeout > 0 {
				chain.WithTimeout(timeout)
			}

			options := []messaging.ConsumerOption{
				messaging.WithManualAck(manualAck),
				messaging.WithExclusive(exclusive),
				messaging.WithWaitForCancel(true),
			}
			if tag != "" {
				options = append(options, messaging.WithConsumerTag(tag))
			}

			_, err = ch.Consume(ctx, args[0], chain.Build().Then(handler), options...)
			if errors.Is(err, context.Canceled) {
				a.logger.Info("interrupted", "received", received.Load())
				return nil
			}
			return err
		},
	}

	cmd.Flags().BoolVar(&manualAck, "manual-ack", false, "Acknowledge each message explicitly after printing it")
	cmd.Flags().BoolVar(&exclusive, "exclusive", false, "Request exclusive access to the queue")
	cmd.Flags().IntVarP(&count, "count", "n", 0, "Cancel after this many messages")
	cmd.Flags().StringVar(&tag, "tag", "", "Consumer tag (default generated)")
	cmd.Flags().DurationVar(&timeout, "handler-timeout", 0, "Deadline for handling one message")
	cmd.Flags().IntVar(&retries, "retries", 0, "Retry a failing handler this many times before the failure policy applies")
	cmd.Flags().IntVar(&breaker, "breaker", 0, "Pause consuming for 30s after this many consecutive handler failures")
	cmd.Flags().IntVar(&a.cfg.Prefetch, "prefetch", 0, "Unacknowledged delivery limit for the channel")
	return cmd
}

func newPublishCmd(a *app) *cobra.Command {
	var (
		exchange    string
		repeat      int
		persistent  bool
		contentType string
		ttl         time.Duration
		headers     []string
	)

	cmd := &cobra.Command{
		Use:   "publish <routing-key> <body>",
		Short: "Publish a message",
		Long: `Publish a message. With the default exchange the routing key is the
queue name.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext()
			defer stop()

			table, err := parseHeaders(headers)
			if err != nil {
				return err
			}

			client, cleanup, err := a.connect()
			if err != nil {
				return err
			}
			defer cleanup()

			ch, err := client.Channel(ctx)
			if err != nil {
				return err
			}

			target := ch.DefaultExchange()
			if exchange != "" {
				target = ch.Exchange(exchange)
			}

			options := []messaging.PublishOption{
				messaging.WithPersistent(persistent),
				messaging.WithContentType(contentType),
			}
			if len(table) > 0 {
				options = append(options, messaging.WithHeaders(table))
			}
			if ttl > 0 {
				options = append(options, messaging.WithTTL(ttl))
			}

			for i := 0; i < repeat; i++ {
				if err := target.Publish(ctx, []byte(args[1]), args[0], options...); err != nil {
					return err
				}
			}
			fmt.Fprintf(cmd.OutOrStdout(), "published %d message(s) to %q\n", repeat, args[0])
			return nil
		},
	}

	cmd.Flags().StringVarP(&exchange, "exchange", "e", "", "Exchange (default exchange when empty)")
	cmd.Flags().IntVarP(&repeat, "repeat", "r", 1, "Publish the message this many times")
	cmd.Flags().BoolVar(&persistent, "persistent", false, "Mark messages persistent")
	cmd.Flags().StringVar(&contentType, "content-type", "text/plain", "Content type")
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "Per-message expiration")
	cmd.Flags().StringArrayVarP(&headers, "header", "H", nil, "Header as key=value (repeatable)")
	return cmd
}

func newQueueCmd(a *app) *cobra.Command {
	queueCmd := &cobra.Command{
		Use:   "queue",
		Short: "Declare, inspect, purge and delete queues",
	}

	var durable, autoDelete bool
	declareCmd := &cobra.Command{
		Use:   "declare <name>",
		Short: "Declare a queue",
		Args:  cobra.ExactArgs(1),
		RunE: a.withQueue(func(ctx context.Context, cmd *cobra.Command, ch *messaging.Channel, name string) error {
			q, err := ch.Queue(ctx, name, messaging.WithDurable(durable), messaging.WithAutoDelete(autoDelete))
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "declared %s\n", q.Name())
			return nil
		}),
	}
	declareCmd.Flags().BoolVar(&durable, "durable", false, "Survive broker restarts")
	declareCmd.Flags().BoolVar(&autoDelete, "auto-delete", false, "Delete when the last consumer cancels")

	inspectCmd := &cobra.Command{
		Use:   "inspect <name>",
		Short: "Show ready message and consumer counts",
		Args:  cobra.ExactArgs(1),
		RunE: a.withQueue(func(ctx context.Context, cmd *cobra.Command, ch *messaging.Channel, name string) error {
			q, err := ch.Queue(ctx, name, messaging.WithPassive(true))
			if err != nil {
				return err
			}
			messages, err := q.MessageCount(ctx)
			if err != nil {
				return err
			}
			consumers, err := q.ConsumerCount(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%-30s messages=%d consumers=%d\n", q.Name(), messages, consumers)
			return nil
		}),
	}

	purgeCmd := &cobra.Command{
		Use:   "purge <name>",
		Short: "Remove all ready messages",
		Args:  cobra.ExactArgs(1),
		RunE: a.withQueue(func(ctx context.Context, cmd *cobra.Command, ch *messaging.Channel, name string) error {
			q, err := ch.Queue(ctx, name, messaging.WithPassive(true))
			if err != nil {
				return err
			}
			purged, err := q.Purge(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "purged %d message(s) from %s\n", purged, name)
			return nil
		}),
	}

	deleteCmd := &cobra.Command{
		Use:   "delete <name>",
		Short: "Delete a queue, cancelling its consumers",
		Args:  cobra.ExactArgs(1),
		RunE: a.withQueue(func(ctx context.Context, cmd *cobra.Command, ch *messaging.Channel, name string) error {
			q, err := ch.Queue(ctx, name, messaging.WithPassive(true))
			if err != nil {
				return err
			}
			deleted, err := q.Delete(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted %s with %d message(s)\n", name, deleted)
			return nil
		}),
	}

	var bindKey string
	bindCmd := &cobra.Command{
		Use:   "bind <queue> <exchange>",
		Short: "Bind a queue to an exchange",
		Args:  cobra.ExactArgs(2),
		RunE: a.withExchanges(func(ctx context.Context, cmd *cobra.Command, admin exchangeAdmin, args []string) error {
			if err := admin.BindQueue(ctx, args[0], args[1], bindKey); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "bound %s to %s with key %q\n", args[0], args[1], bindKey)
			return nil
		}),
	}
	bindCmd.Flags().StringVarP(&bindKey, "key", "k", "", "Routing key (default the queue name)")
	bindCmd.PreRun = func(cmd *cobra.Command, args []string) {
		if !cmd.Flags().Changed("key") {
			bindKey = args[0]
		}
	}

	queueCmd.AddCommand(declareCmd, inspectCmd, purgeCmd, deleteCmd, bindCmd)
	return queueCmd
}

// exchangeAdmin is implemented by brokers that support named exchanges
type exchangeAdmin interface {
	DeclareExchange(ctx context.Context, name, kind string) error
	BindQueue(ctx context.Context, queue, exchange, routingKey string) error
}

var errExchangesUnsupported = errors.New("broker has only the default exchange; named exchanges need RabbitMQ")

func asExchangeAdmin(broker contracts.Broker) (exchangeAdmin, error) {
	admin, ok := broker.(exchangeAdmin)
	if !ok {
		return nil, errExchangesUnsupported
	}
	return admin, nil
}

func newExchangeCmd(a *app) *cobra.Command {
	exchangeCmd := &cobra.Command{
		Use:   "exchange",
		Short: "Declare exchanges",
	}

	var kind string
	declareCmd := &cobra.Command{
		Use:   "declare <name>",
		Short: "Declare a durable exchange",
		Args:  cobra.ExactArgs(1),
		RunE: a.withExchanges(func(ctx context.Context, cmd *cobra.Command, admin exchangeAdmin, args []string) error {
			switch kind {
			case "direct", "fanout", "topic", "headers":
			default:
				return fmt.Errorf("unknown exchange kind %q", kind)
			}
			if err := admin.DeclareExchange(ctx, args[0], kind); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "declared %s exchange %s\n", kind, args[0])
			return nil
		}),
	}
	declareCmd.Flags().StringVar(&kind, "kind", "direct", "Exchange kind: direct, fanout, topic or headers")

	exchangeCmd.AddCommand(declareCmd)
	return exchangeCmd
}

// withExchanges runs fn against the broker's exchange administration
func (a *app) withExchanges(fn func(ctx context.Context, cmd *cobra.Command, admin exchangeAdmin, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		ctx, stop := signalContext()
		defer stop()

		client, cleanup, err := a.connect()
		if err != nil {
			return err
		}
		defer cleanup()

		admin, err := asExchangeAdmin(client.Broker())
		if err != nil {
			return err
		}
		return fn(ctx, cmd, admin, args)
	}
}

// withQueue runs fn on a fresh channel with the queue name argument
func (a *app) withQueue(fn func(ctx context.Context, cmd *cobra.Command, ch *messaging.Channel, name string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		ctx, stop := signalContext()
		defer stop()

		client, cleanup, err := a.connect()
		if err != nil {
			return err
		}
		defer cleanup()

		ch, err := client.Channel(ctx)
		if err != nil {
			return err
		}
		return fn(ctx, cmd, ch, args[0])
	}
}

// parseHeaders reads key=value pairs into a header table
func parseHeaders(pairs []string) (contracts.Table, error) {
	table := make(contracts.Table, len(pairs))
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		if !ok || strings.TrimSpace(key) == "" {
			return nil, fmt.Errorf("invalid header %q (expected key=value)", pair)
		}
		table[strings.TrimSpace(key)] = value
	}
	return table, nil
}

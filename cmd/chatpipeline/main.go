package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/sawpanic/chatpipeline/internal/broker"
	"github.com/sawpanic/chatpipeline/internal/config"
	"github.com/sawpanic/chatpipeline/internal/consumer"
	"github.com/sawpanic/chatpipeline/internal/dispatcher"
	httpiface "github.com/sawpanic/chatpipeline/internal/interfaces/http"
	"github.com/sawpanic/chatpipeline/internal/persistence"
	"github.com/sawpanic/chatpipeline/internal/persistence/postgres"
	"github.com/sawpanic/chatpipeline/internal/planner"
	"github.com/sawpanic/chatpipeline/internal/presence"
	"github.com/sawpanic/chatpipeline/internal/realtime"
	"github.com/sawpanic/chatpipeline/internal/scheduler"
)

const (
	appName = "chatpipeline"
	version = "v0.1.0"
)

var cronOverridePath string

func main() {
	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})

	rootCmd := &cobra.Command{
		Use:     appName,
		Short:   "Asynchronous automatic-message pipeline for the chat service",
		Version: version,
		Long: `chatpipeline drives the nightly user-pairing planner, the
per-minute dispatcher, and the durable-queue consumer that together
turn planned messages into delivered chat messages and realtime
notifications.`,
	}

	rootCmd.PersistentFlags().StringVar(&cronOverridePath, "cron-config", "", "optional YAML file overriding planner/dispatcher cron schedules")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the scheduler, consumer, and admin HTTP server",
		RunE:  runServe,
	}

	planCmd := &cobra.Command{
		Use:   "plan",
		Short: "Manually trigger one planner run",
		RunE:  runPlanOnce,
	}

	dispatchCmd := &cobra.Command{
		Use:   "dispatch",
		Short: "Manually trigger one dispatcher run",
		RunE:  runDispatchOnce,
	}

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Query the running process's /status endpoint",
		RunE:  runStatus,
	}
	statusCmd.Flags().String("addr", "http://localhost:8090", "admin HTTP server base address")
	statusCmd.Flags().Bool("json", false, "print the raw JSON body even on a TTY")

	rootCmd.AddCommand(serveCmd, planCmd, dispatchCmd, statusCmd)

	if err := rootCmd.Execute(); err != nil {
		log.Error().Err(err).Msg("command failed")
		os.Exit(1)
	}
}

// deps bundles every collaborator wired from config, shared by serve,
// plan, and dispatch so a manual trigger exercises exactly the same
// stores and connections the long-running server would.
type deps struct {
	cfg           config.Config
	db            *sqlx.DB
	redisClient   *redis.Client
	brokerConn    *broker.Connector
	users         persistence.UserStore
	plannedMsgs   persistence.PlannedMessageStore
	conversations persistence.ConversationStore
	chatMessages  persistence.MessageStore
	presenceIdx   presence.Index
	realtimeHub   *realtime.Hub
	metrics       *httpiface.MetricsRegistry
}

func wire() (*deps, error) {
	cfg, err := config.Load(cronOverridePath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	db, err := sqlx.Connect("postgres", cfg.PostgresDSN)
	if err != nil {
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}

	redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})

	const repoTimeout = 5 * time.Second

	metrics := httpiface.NewMetricsRegistry()

	d := &deps{
		cfg:           cfg,
		db:            db,
		redisClient:   redisClient,
		brokerConn:    broker.NewConnector(cfg.AMQPURL, metrics),
		users:         postgres.NewUsersRepo(db, repoTimeout),
		plannedMsgs:   postgres.NewPlannedMessageRepo(db, repoTimeout),
		conversations: postgres.NewConversationRepo(db, repoTimeout),
		chatMessages:  postgres.NewMessageRepo(db, repoTimeout),
		presenceIdx:   presence.NewRedisIndex(redisClient, cfg.PresenceTTL, metrics),
		realtimeHub:   realtime.NewHub(metrics),
		metrics:       metrics,
	}
	return d, nil
}

func (d *deps) close() {
	if d.db != nil {
		_ = d.db.Close()
	}
	if d.redisClient != nil {
		_ = d.redisClient.Close()
	}
	if d.brokerConn != nil {
		_ = d.brokerConn.Disconnect()
	}
}

func (d *deps) newPlanner() *planner.Planner {
	return planner.New(d.users, d.plannedMsgs, d.metrics)
}

func (d *deps) newDispatcher() *dispatcher.Dispatcher {
	return dispatcher.New(d.plannedMsgs, d.brokerConn, d.cfg.QueueName, d.cfg.DispatcherBatchSize, 0, d.metrics)
}

func (d *deps) newConsumer() *consumer.Consumer {
	return consumer.New(consumer.Config{
		QueueName:  d.cfg.QueueName,
		Prefetch:   d.cfg.ConsumerPrefetch,
		MaxRetries: d.cfg.ConsumerMaxRetries,
		RetryDelay: d.cfg.ConsumerRetryDelay,
	}, consumer.Deps{
		Broker:        d.brokerConn,
		Users:         d.users,
		PlannedMsgs:   d.plannedMsgs,
		Conversations: d.conversations,
		ChatMessages:  d.chatMessages,
		Presence:      d.presenceIdx,
		Realtime:      d.realtimeHub,
	})
}

// runServe builds every collaborator, starts the cron scheduler, the
// queue consumer, the admin HTTP server, and a background loop that
// mirrors consumer lifecycle events into Prometheus counters, then
// blocks until SIGINT/SIGTERM triggers a graceful shutdown.
func runServe(cmd *cobra.Command, args []string) error {
	d, err := wire()
	if err != nil {
		return err
	}
	defer d.close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := d.brokerConn.Connect(ctx); err != nil {
		return fmt.Errorf("connect to broker: %w", err)
	}

	sched, err := scheduler.New(d.cfg.SchedulerTimezone, d.cfg.PlannerCron, d.cfg.DispatcherCron, d.newPlanner(), d.newDispatcher())
	if err != nil {
		return fmt.Errorf("build scheduler: %w", err)
	}
	sched.Start(ctx)

	cons := d.newConsumer()
	if err := cons.Start(ctx); err != nil {
		return fmt.Errorf("start consumer: %w", err)
	}

	go mirrorConsumerEvents(ctx, cons, d.metrics)

	admin := httpiface.NewServer(d.cfg.HTTPAddr, d.metrics, func() interface{} {
		return map[string]interface{}{
			"scheduler": sched.Status(),
			"consumer":  cons.GetStats(),
		}
	})
	admin.Start()

	log.Info().Str("http_addr", d.cfg.HTTPAddr).Msg("chatpipeline serving")
	<-ctx.Done()
	log.Info().Msg("shutdown signal received, draining in-flight work")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = admin.Stop(shutdownCtx)

	cons.Stop()
	sched.Stop()
	return nil
}

// mirrorConsumerEvents translates the Consumer's typed lifecycle events
// into Prometheus counters and histograms, keeping the metrics registry
// decoupled from the consumer's own control flow.
func mirrorConsumerEvents(ctx context.Context, cons *consumer.Consumer, metrics *httpiface.MetricsRegistry) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-cons.Events():
			if !ok {
				return
			}
			switch ev.Type {
			case consumer.EventMessageProcessed:
				metrics.RecordConsumerOutcome("success", ev.Duration)
			case consumer.EventMessageRetried:
				metrics.RecordConsumerOutcome("retry", ev.Duration)
				metrics.MessagesRetried.Inc()
			case consumer.EventMessageFailed:
				metrics.RecordConsumerOutcome("failed", ev.Duration)
				metrics.MessagesDeadLettered.Inc()
			}
		}
	}
}

func runPlanOnce(cmd *cobra.Command, args []string) error {
	d, err := wire()
	if err != nil {
		return err
	}
	defer d.close()

	n, err := d.newPlanner().PlanAutomaticMessages(context.Background())
	if err != nil {
		return fmt.Errorf("planner run failed: %w", err)
	}
	fmt.Printf("planned %d message(s)\n", n)
	return nil
}

func runDispatchOnce(cmd *cobra.Command, args []string) error {
	d, err := wire()
	if err != nil {
		return err
	}
	defer d.close()

	ctx := context.Background()
	if err := d.brokerConn.Connect(ctx); err != nil {
		return fmt.Errorf("connect to broker: %w", err)
	}

	result, err := d.newDispatcher().ProcessPendingMessages(ctx)
	if err != nil {
		return fmt.Errorf("dispatcher run failed: %w", err)
	}
	fmt.Printf("processed=%d queued=%d failed=%d\n", result.Processed, result.Queued, result.Failed)
	for _, e := range result.Errors {
		fmt.Println("  error:", e)
	}
	return nil
}

// runStatus fetches /status from a running serve process and renders it
// as indented JSON on a TTY or as the raw JSON body when piped, mirroring
// the teacher's TTY-aware output convention.
func runStatus(cmd *cobra.Command, args []string) error {
	addr, _ := cmd.Flags().GetString("addr")
	forceJSON, _ := cmd.Flags().GetBool("json")

	resp, err := httpGet(addr + "/status")
	if err != nil {
		return fmt.Errorf("fetch status: %w", err)
	}

	isTTY := term.IsTerminal(int(os.Stdout.Fd()))
	if forceJSON || !isTTY {
		fmt.Println(string(resp))
		return nil
	}

	var pretty map[string]interface{}
	if err := json.Unmarshal(resp, &pretty); err != nil {
		fmt.Println(string(resp))
		return nil
	}
	out, err := json.MarshalIndent(pretty, "", "  ")
	if err != nil {
		fmt.Println(string(resp))
		return nil
	}
	fmt.Println(string(out))
	return nil
}

package main

import (
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/mohitkumar/dripflow/agent"
	"github.com/mohitkumar/dripflow/analytics"
	"github.com/mohitkumar/dripflow/config"
	"github.com/mohitkumar/dripflow/engine"
	"github.com/mohitkumar/dripflow/scheduler"
	"github.com/mohitkumar/dripflow/tracking"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

type cfg struct {
	config.Config
}
type cli struct {
	cfg cfg
}

func setupFlags(cmd *cobra.Command) error {
	cmd.Flags().String("config-file", "", "Path to config file.")
	cmd.Flags().Int("http-port", 8080, "http port for rest endpoints")
	cmd.Flags().String("storage-impl", "memory", "implementation of underline storage (memory or mongo)")
	cmd.Flags().String("mongo-uri", "mongodb://localhost:27017", "mongo connection uri")
	cmd.Flags().String("mongo-database", "dripflow", "mongo database name")
	cmd.Flags().String("redis-addr", "", "comma separated list of redis host:port, enables the redis claim lease")
	cmd.Flags().String("redis-password", "", "redis password")
	cmd.Flags().String("namespace", "dripflow", "namespace used for redis lease keys")
	cmd.Flags().String("nats-url", "", "nats url, enables the tracking consumer")
	cmd.Flags().String("tracking-subject", tracking.DEFAULT_SUBJECT, "nats subject carrying tracking events")
	cmd.Flags().String("tracking-queue", tracking.DEFAULT_QUEUE, "nats queue group for tracking consumers")
	cmd.Flags().String("encoder-decoder", "json", "encoder decoder used for tracking events (json or msgpack)")
	cmd.Flags().Duration("tick-interval", scheduler.DEFAULT_TICK_INTERVAL, "interval between scheduler ticks")
	cmd.Flags().Int("tick-batch-size", scheduler.DEFAULT_BATCH_SIZE, "maximum due contacts per tick")
	cmd.Flags().Int("tick-concurrency", scheduler.DEFAULT_CONCURRENCY, "contacts processed in parallel per tick")
	cmd.Flags().Duration("lease-ttl", scheduler.DEFAULT_LEASE_TTL, "per-contact claim lease ttl")
	cmd.Flags().Bool("scheduler-disabled", false, "only run ticks through the manual trigger")
	cmd.Flags().Int("max-steps-per-run", engine.DEFAULT_MAX_STEPS_PER_RUN, "maximum steps executed for one contact per run")
	cmd.Flags().Duration("webhook-timeout", engine.DEFAULT_WEBHOOK_TIMEOUT, "timeout for webhook steps")
	cmd.Flags().Bool("continue-on-email-failure", true, "advance contacts after a transient email failure")
	cmd.Flags().Bool("continue-on-webhook-failure", true, "advance contacts after a webhook failure")
	cmd.Flags().Bool("continue-on-action-failure", true, "advance contacts after a failed action")
	cmd.Flags().Duration("flow-cache-ttl", 0, "ttl of cached flow definitions")
	cmd.Flags().String("log-level", "info", "log level")
	cmd.Flags().String("log-format", "json", "log format (json or console)")
	cmd.Flags().String("analytics-impl", "none", "step analytics collector (none, log or postgres)")
	cmd.Flags().String("analytics-file", "dripflow-analytics.log", "file used by the log analytics collector")
	cmd.Flags().String("analytics-postgres-dsn", "", "postgres dsn used by the postgres analytics collector")
	return viper.BindPFlags(cmd.Flags())
}

func (c *cli) setupConfig(cmd *cobra.Command, args []string) error {
	var err error

	configFile, err := cmd.Flags().GetString("config-file")
	if err != nil {
		return err
	}
	viper.SetEnvPrefix("dripflow")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
	if len(configFile) > 0 {
		viper.SetConfigFile(configFile)
		if err = viper.ReadInConfig(); err != nil {
			// it's ok if config file doesn't exist
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return err
			}
		}
	}

	c.cfg.HttpPort = viper.GetInt("http-port")
	c.cfg.StorageType = config.StorageType(viper.GetString("storage-impl"))
	c.cfg.MongoConfig.Uri = viper.GetString("mongo-uri")
	c.cfg.MongoConfig.Database = viper.GetString("mongo-database")
	if addrs := viper.GetString("redis-addr"); len(addrs) > 0 {
		c.cfg.RedisConfig.Addrs = strings.Split(addrs, ",")
	}
	c.cfg.RedisConfig.Password = viper.GetString("redis-password")
	c.cfg.RedisConfig.Namespace = viper.GetString("namespace")
	c.cfg.NatsConfig.Url = viper.GetString("nats-url")
	c.cfg.NatsConfig.Subject = viper.GetString("tracking-subject")
	c.cfg.NatsConfig.Queue = viper.GetString("tracking-queue")
	c.cfg.EncoderDecoderType = config.EncoderDecoderType(strings.ToLower(viper.GetString("encoder-decoder")))
	c.cfg.SchedulerConfig.TickInterval = viper.GetDuration("tick-interval")
	c.cfg.SchedulerConfig.BatchSize = viper.GetInt("tick-batch-size")
	c.cfg.SchedulerConfig.Concurrency = viper.GetInt("tick-concurrency")
	c.cfg.SchedulerConfig.LeaseTTL = viper.GetDuration("lease-ttl")
	c.cfg.SchedulerConfig.Disabled = viper.GetBool("scheduler-disabled")
	c.cfg.ExecutorConfig.MaxStepsPerRun = viper.GetInt("max-steps-per-run")
	c.cfg.ExecutorConfig.WebhookTimeout = viper.GetDuration("webhook-timeout")
	c.cfg.ExecutorConfig.ContinueOnTransientEmailFailure = viper.GetBool("continue-on-email-failure")
	c.cfg.ExecutorConfig.ContinueOnWebhookFailure = viper.GetBool("continue-on-webhook-failure")
	c.cfg.ExecutorConfig.ContinueOnActionFailure = viper.GetBool("continue-on-action-failure")
	c.cfg.FlowCacheTTL = viper.GetDuration("flow-cache-ttl")
	c.cfg.LogConfig.Level = viper.GetString("log-level")
	c.cfg.LogConfig.Format = viper.GetString("log-format")
	c.cfg.AnalyticsConfig.CollectorType = analytics.DataCollectorType(viper.GetString("analytics-impl"))
	c.cfg.AnalyticsConfig.FileName = viper.GetString("analytics-file")
	c.cfg.AnalyticsConfig.PostgresDSN = viper.GetString("analytics-postgres-dsn")
	return nil
}

func (c *cli) run(cmd *cobra.Command, args []string) error {
	agent, err := agent.New(c.cfg.Config)
	if err != nil {
		return err
	}
	if err = agent.Start(); err != nil {
		_ = agent.Shutdown()
		return err
	}
	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sigc:
	case <-agent.Done():
	}
	return agent.Shutdown()
}

func main() {
	cli := &cli{}

	cmd := &cobra.Command{
		Use:     "dripflow",
		PreRunE: cli.setupConfig,
		RunE:    cli.run,
	}

	if err := setupFlags(cmd); err != nil {
		log.Fatal(err)
	}

	if err := cmd.Execute(); err != nil {
		log.Fatal(err)
	}
}

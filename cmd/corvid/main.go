package main

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/corvidmq/corvid/corvid"
	"github.com/corvidmq/corvid/corvid/config"
	"github.com/corvidmq/corvid/corvid/structs"
	"github.com/corvidmq/corvid/log"
	"github.com/corvidmq/corvid/prometheus"
	"github.com/spf13/cobra"
	gracefully "github.com/tj/go-gracefully"
	"github.com/uber/jaeger-client-go"
	jaegercfg "github.com/uber/jaeger-client-go/config"
	jaegerlog "github.com/uber/jaeger-client-go/log"
	"github.com/uber/jaeger-lib/metrics"

	"github.com/corvidmq/corvid/zk"
)

var (
	cli = &cobra.Command{
		Use:   "corvid",
		Short: "Cluster controller for a partitioned, replicated log",
	}

	controllerCfg = struct {
		ZKAddrs []string
		Config  *config.Config
	}{
		Config: config.DefaultConfig(),
	}
)

func init() {
	controllerCmd := &cobra.Command{Use: "controller", Short: "Run a controller-enabled node", Run: run}
	controllerCmd.Flags().Int32Var(&controllerCfg.Config.ID, "id", 0, "Broker ID")
	controllerCmd.Flags().StringVar(&controllerCfg.Config.Addr, "addr", "0.0.0.0:9092", "Address this broker serves inter-broker requests on")
	controllerCmd.Flags().StringSliceVar(&controllerCfg.ZKAddrs, "zk", []string{"127.0.0.1:2181"}, "Coordination-service ensemble addresses. Can be specified multiple times.")
	controllerCmd.Flags().DurationVar(&controllerCfg.Config.ZKSessionTimeout, "zk-session-timeout", 6*time.Second, "Coordination-service session timeout")
	controllerCmd.Flags().BoolVar(&controllerCfg.Config.AutoLeaderRebalanceEnable, "auto-leader-rebalance", true, "Periodically move partition leadership back to the preferred replicas")
	controllerCmd.Flags().IntVar(&controllerCfg.Config.LeaderImbalancePercentage, "leader-imbalance-pct", 10, "Imbalance percentage above which preferred leaders are re-elected")

	cli.AddCommand(controllerCmd)
}

func run(cmd *cobra.Command, args []string) {
	logger := log.New().With(
		log.Int32("id", controllerCfg.Config.ID),
		log.String("addr", controllerCfg.Config.Addr),
	)

	cfg := jaegercfg.Configuration{
		Sampler: &jaegercfg.SamplerConfig{
			Type:  jaeger.SamplerTypeConst,
			Param: 1,
		},
		Reporter: &jaegercfg.ReporterConfig{
			LogSpans: true,
		},
	}

	jLogger := jaegerlog.StdLogger
	jMetricsFactory := metrics.NullFactory

	tracer, closer, err := cfg.New(
		"corvid",
		jaegercfg.Logger(jLogger),
		jaegercfg.Metrics(jMetricsFactory),
	)
	if err != nil {
		panic(err)
	}
	defer closer.Close()

	conf := controllerCfg.Config
	conf.ZKAddrs = controllerCfg.ZKAddrs
	host, portStr, err := net.SplitHostPort(conf.Addr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid addr: %v\n", err)
		os.Exit(1)
	}
	port, err := strconv.ParseInt(portStr, 10, 32)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid port: %v\n", err)
		os.Exit(1)
	}
	conf.Host = host
	conf.Port = int32(port)

	client, err := zk.Connect(conf.ZKAddrs, conf.ZKSessionTimeout, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error connecting to coordination service: %v\n", err)
		os.Exit(1)
	}
	defer client.Close()
	client.DefaultUncleanElection = conf.UncleanLeaderElectionEnable

	if err := client.RegisterBroker(structs.Broker{ID: conf.ID, Host: conf.Host, Port: conf.Port}); err != nil {
		fmt.Fprintf(os.Stderr, "error registering broker: %v\n", err)
		os.Exit(1)
	}

	controller := corvid.New(conf, client, tracer, logger, prometheus.NewMetrics())
	controller.Startup()

	gracefully.Timeout = 10 * time.Second
	gracefully.Shutdown()

	controller.Shutdown()
}

func main() {
	cli.Execute()
}

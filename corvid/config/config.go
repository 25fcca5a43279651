package config

import (
	"os"
	"time"
)

// Config holds the configuration for a controller-enabled broker.
type Config struct {
	ID       int32
	NodeName string
	// Addr is the address this broker serves inter-broker requests on.
	Addr string
	Host string
	Port int32

	ZKAddrs          []string
	ZKSessionTimeout time.Duration

	ControlledShutdownPartitionBatchSize int

	AutoLeaderRebalanceEnable      bool
	LeaderImbalanceCheckInterval   time.Duration
	LeaderImbalancePercentage      int
	UncleanLeaderElectionEnable    bool
	DeleteTopicEnable              bool
	ControllerSendRetryBackoff     time.Duration
	ControllerSendRetryMaxInterval time.Duration

	DevMode bool
}

// DefaultConfig creates/returns a default configuration.
func DefaultConfig() *Config {
	hostname, err := os.Hostname()
	if err != nil {
		panic(err)
	}

	return &Config{
		NodeName:                             hostname,
		ZKSessionTimeout:                     6 * time.Second,
		ControlledShutdownPartitionBatchSize: 250,
		AutoLeaderRebalanceEnable:            true,
		LeaderImbalanceCheckInterval:         300 * time.Second,
		LeaderImbalancePercentage:            10,
		DeleteTopicEnable:                    true,
		ControllerSendRetryBackoff:           100 * time.Millisecond,
		ControllerSendRetryMaxInterval:       10 * time.Second,
	}
}

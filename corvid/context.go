package corvid

import (
	"sync/atomic"

	"github.com/corvidmq/corvid/corvid/structs"
)

// ControllerContext is the controller's in-memory source of truth for
// cluster state. It is created at election, torn down at resignation, and
// mutated only from the event-loop goroutine. The atomic counters mirror a
// few aggregates for metric gauges read outside the loop.
type ControllerContext struct {
	epoch          int32
	epochZKVersion int32

	allTopics             map[string]struct{}
	replicaAssignment     map[structs.TopicPartition][]int32
	partitionLeadership   map[structs.TopicPartition]structs.LeaderISRAndControllerEpoch
	partitionsReassigning map[structs.TopicPartition]*reassignedPartitionContext
	replicasOnOfflineDirs map[int32]map[structs.TopicPartition]struct{}
	liveBrokers           map[int32]structs.Broker
	shuttingDownBrokerIDs map[int32]struct{}

	topicCount            int64
	partitionCount        int64
	offlinePartitionCount int64
}

// reassignedPartitionContext tracks one in-flight reassignment: the requested
// replica list and whether the per-partition ISR watch is registered.
type reassignedPartitionContext struct {
	newReplicas []int32
	isrWatchSet bool
}

func newControllerContext() *ControllerContext {
	return &ControllerContext{
		allTopics:             make(map[string]struct{}),
		replicaAssignment:     make(map[structs.TopicPartition][]int32),
		partitionLeadership:   make(map[structs.TopicPartition]structs.LeaderISRAndControllerEpoch),
		partitionsReassigning: make(map[structs.TopicPartition]*reassignedPartitionContext),
		replicasOnOfflineDirs: make(map[int32]map[structs.TopicPartition]struct{}),
		liveBrokers:           make(map[int32]structs.Broker),
		shuttingDownBrokerIDs: make(map[int32]struct{}),
	}
}

// reset clears everything; used at resignation so a stale controller holds no
// cluster state.
func (ctx *ControllerContext) reset() {
	ctx.epoch = 0
	ctx.epochZKVersion = 0
	ctx.allTopics = make(map[string]struct{})
	ctx.replicaAssignment = make(map[structs.TopicPartition][]int32)
	ctx.partitionLeadership = make(map[structs.TopicPartition]structs.LeaderISRAndControllerEpoch)
	ctx.partitionsReassigning = make(map[structs.TopicPartition]*reassignedPartitionContext)
	ctx.replicasOnOfflineDirs = make(map[int32]map[structs.TopicPartition]struct{})
	ctx.liveBrokers = make(map[int32]structs.Broker)
	ctx.shuttingDownBrokerIDs = make(map[int32]struct{})
	atomic.StoreInt64(&ctx.topicCount, 0)
	atomic.StoreInt64(&ctx.partitionCount, 0)
	atomic.StoreInt64(&ctx.offlinePartitionCount, 0)
}

func (ctx *ControllerContext) setLiveBrokers(brokers []structs.Broker) {
	ctx.liveBrokers = make(map[int32]structs.Broker, len(brokers))
	for _, b := range brokers {
		ctx.liveBrokers[b.ID] = b
	}
}

func (ctx *ControllerContext) addLiveBroker(b structs.Broker) {
	ctx.liveBrokers[b.ID] = b
}

func (ctx *ControllerContext) removeLiveBroker(id int32) {
	delete(ctx.liveBrokers, id)
}

// liveBrokerIDs returns brokers that are live and not shutting down.
func (ctx *ControllerContext) liveBrokerIDs() []int32 {
	ids := make([]int32, 0, len(ctx.liveBrokers))
	for id := range ctx.liveBrokers {
		if _, down := ctx.shuttingDownBrokerIDs[id]; !down {
			ids = append(ids, id)
		}
	}
	return ids
}

func (ctx *ControllerContext) liveOrShuttingDownBrokerIDs() []int32 {
	ids := make([]int32, 0, len(ctx.liveBrokers))
	for id := range ctx.liveBrokers {
		ids = append(ids, id)
	}
	return ids
}

func (ctx *ControllerContext) isLiveBroker(id int32) bool {
	if _, ok := ctx.liveBrokers[id]; !ok {
		return false
	}
	_, down := ctx.shuttingDownBrokerIDs[id]
	return !down
}

func (ctx *ControllerContext) isLiveOrShuttingDownBroker(id int32) bool {
	_, ok := ctx.liveBrokers[id]
	return ok
}

func (ctx *ControllerContext) broker(id int32) (structs.Broker, bool) {
	b, ok := ctx.liveBrokers[id]
	return b, ok
}

// isReplicaOnline reports whether the replica of tp on the broker is usable:
// the broker is live and the replica isn't on an offline log dir.
func (ctx *ControllerContext) isReplicaOnline(brokerID int32, tp structs.TopicPartition, includeShuttingDown bool) bool {
	if _, ok := ctx.liveBrokers[brokerID]; !ok {
		return false
	}
	if !includeShuttingDown {
		if _, down := ctx.shuttingDownBrokerIDs[brokerID]; down {
			return false
		}
	}
	if offline, ok := ctx.replicasOnOfflineDirs[brokerID]; ok {
		if _, bad := offline[tp]; bad {
			return false
		}
	}
	return true
}

func (ctx *ControllerContext) addReplicasOnOfflineDirs(brokerID int32, partitions []structs.TopicPartition) {
	set, ok := ctx.replicasOnOfflineDirs[brokerID]
	if !ok {
		set = make(map[structs.TopicPartition]struct{})
		ctx.replicasOnOfflineDirs[brokerID] = set
	}
	for _, tp := range partitions {
		set[tp] = struct{}{}
	}
}

func (ctx *ControllerContext) addTopic(topic string) {
	if _, ok := ctx.allTopics[topic]; !ok {
		ctx.allTopics[topic] = struct{}{}
		atomic.AddInt64(&ctx.topicCount, 1)
	}
}

// removeTopic drops the topic, its assignments, and its leadership entries.
func (ctx *ControllerContext) removeTopic(topic string) {
	if _, ok := ctx.allTopics[topic]; ok {
		delete(ctx.allTopics, topic)
		atomic.AddInt64(&ctx.topicCount, -1)
	}
	for tp := range ctx.replicaAssignment {
		if tp.Topic == topic {
			delete(ctx.replicaAssignment, tp)
			atomic.AddInt64(&ctx.partitionCount, -1)
		}
	}
	for tp := range ctx.partitionLeadership {
		if tp.Topic == topic {
			delete(ctx.partitionLeadership, tp)
		}
	}
}

func (ctx *ControllerContext) setReplicaAssignment(tp structs.TopicPartition, replicas []int32) {
	if _, ok := ctx.replicaAssignment[tp]; !ok {
		atomic.AddInt64(&ctx.partitionCount, 1)
	}
	ctx.replicaAssignment[tp] = replicas
}

func (ctx *ControllerContext) assignedReplicas(tp structs.TopicPartition) []int32 {
	return ctx.replicaAssignment[tp]
}

func (ctx *ControllerContext) setLeadership(tp structs.TopicPartition, l structs.LeaderISRAndControllerEpoch) {
	ctx.partitionLeadership[tp] = l
}

func (ctx *ControllerContext) leadership(tp structs.TopicPartition) (structs.LeaderISRAndControllerEpoch, bool) {
	l, ok := ctx.partitionLeadership[tp]
	return l, ok
}

func (ctx *ControllerContext) allPartitions() []structs.TopicPartition {
	partitions := make([]structs.TopicPartition, 0, len(ctx.replicaAssignment))
	for tp := range ctx.replicaAssignment {
		partitions = append(partitions, tp)
	}
	return partitions
}

func (ctx *ControllerContext) partitionsForTopic(topic string) []structs.TopicPartition {
	var partitions []structs.TopicPartition
	for tp := range ctx.replicaAssignment {
		if tp.Topic == topic {
			partitions = append(partitions, tp)
		}
	}
	return partitions
}

// replicasForTopic returns every replica of every partition of the topic.
func (ctx *ControllerContext) replicasForTopic(topic string) []structs.PartitionReplica {
	var replicas []structs.PartitionReplica
	for tp, ar := range ctx.replicaAssignment {
		if tp.Topic != topic {
			continue
		}
		for _, r := range ar {
			replicas = append(replicas, structs.PartitionReplica{Topic: tp.Topic, Partition: tp.Partition, Replica: r})
		}
	}
	return replicas
}

// replicasOnBrokers returns the replicas hosted by any of the given brokers.
func (ctx *ControllerContext) replicasOnBrokers(brokerIDs []int32) []structs.PartitionReplica {
	ids := make(map[int32]struct{}, len(brokerIDs))
	for _, id := range brokerIDs {
		ids[id] = struct{}{}
	}
	var replicas []structs.PartitionReplica
	for tp, ar := range ctx.replicaAssignment {
		for _, r := range ar {
			if _, ok := ids[r]; ok {
				replicas = append(replicas, structs.PartitionReplica{Topic: tp.Topic, Partition: tp.Partition, Replica: r})
			}
		}
	}
	return replicas
}

func (ctx *ControllerContext) partitionsOnBroker(brokerID int32) []structs.TopicPartition {
	var partitions []structs.TopicPartition
	for tp, ar := range ctx.replicaAssignment {
		for _, r := range ar {
			if r == brokerID {
				partitions = append(partitions, tp)
				break
			}
		}
	}
	return partitions
}

// partitionsLedByBroker returns the partitions whose current leader is the
// given broker.
func (ctx *ControllerContext) partitionsLedByBroker(brokerID int32) []structs.TopicPartition {
	var partitions []structs.TopicPartition
	for tp, l := range ctx.partitionLeadership {
		if l.LeaderAndISR.Leader == brokerID {
			partitions = append(partitions, tp)
		}
	}
	return partitions
}

func (ctx *ControllerContext) allLiveReplicas() []structs.PartitionReplica {
	return ctx.replicasOnBrokers(ctx.liveBrokerIDs())
}

// TopicCount, PartitionCount and OfflinePartitionCount are safe to read from
// any goroutine; metric gauges use them.
func (ctx *ControllerContext) TopicCount() int64 {
	return atomic.LoadInt64(&ctx.topicCount)
}

func (ctx *ControllerContext) PartitionCount() int64 {
	return atomic.LoadInt64(&ctx.partitionCount)
}

func (ctx *ControllerContext) OfflinePartitionCount() int64 {
	return atomic.LoadInt64(&ctx.offlinePartitionCount)
}

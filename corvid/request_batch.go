package corvid

import (
	"github.com/corvidmq/corvid/corvid/structs"
	"github.com/corvidmq/corvid/log"
	"github.com/corvidmq/corvid/protocol"
	"github.com/pkg/errors"
)

// brokerRequestBatch coalesces the requests produced while processing one
// event so each target broker receives at most one LeaderAndISR, one
// StopReplica per delete flag, and one UpdateMetadata per flush. An illegal
// state inside a batch is fatal for the current reign: the caller clears the
// batch and resigns. Batches are never retried; reliability comes from
// state-machine replays after the next election.
type brokerRequestBatch struct {
	c      *Controller
	logger log.Logger

	leaderAndISR             map[int32]map[structs.TopicPartition]*protocol.PartitionState
	stopReplica              map[int32]map[bool][]*protocol.StopReplicaPartition
	updateMetadataBrokers    map[int32]struct{}
	updateMetadataPartitions map[structs.TopicPartition]*protocol.PartitionState
}

func newBrokerRequestBatch(c *Controller, logger log.Logger) *brokerRequestBatch {
	return &brokerRequestBatch{
		c:                        c,
		logger:                   logger,
		leaderAndISR:             make(map[int32]map[structs.TopicPartition]*protocol.PartitionState),
		stopReplica:              make(map[int32]map[bool][]*protocol.StopReplicaPartition),
		updateMetadataBrokers:    make(map[int32]struct{}),
		updateMetadataPartitions: make(map[structs.TopicPartition]*protocol.PartitionState),
	}
}

// newBatch starts a fresh accumulation. Leftover staged requests mean a
// previous batch was built but never sent, which is a bug severe enough to
// resign over.
func (b *brokerRequestBatch) newBatch() error {
	if len(b.leaderAndISR) > 0 {
		return errors.Wrapf(ErrIllegalState, "new batch with %d unsent leader and isr requests", len(b.leaderAndISR))
	}
	if len(b.stopReplica) > 0 {
		return errors.Wrapf(ErrIllegalState, "new batch with %d unsent stop replica requests", len(b.stopReplica))
	}
	if len(b.updateMetadataBrokers) > 0 || len(b.updateMetadataPartitions) > 0 {
		return errors.Wrapf(ErrIllegalState, "new batch with unsent update metadata requests for %d brokers", len(b.updateMetadataBrokers))
	}
	return nil
}

func (b *brokerRequestBatch) clear() {
	b.leaderAndISR = make(map[int32]map[structs.TopicPartition]*protocol.PartitionState)
	b.stopReplica = make(map[int32]map[bool][]*protocol.StopReplicaPartition)
	b.updateMetadataBrokers = make(map[int32]struct{})
	b.updateMetadataPartitions = make(map[structs.TopicPartition]*protocol.PartitionState)
}

func (b *brokerRequestBatch) partitionState(tp structs.TopicPartition, l structs.LeaderISRAndControllerEpoch, replicas []int32) *protocol.PartitionState {
	return &protocol.PartitionState{
		Topic:           tp.Topic,
		Partition:       tp.Partition,
		ControllerEpoch: l.ControllerEpoch,
		Leader:          l.LeaderAndISR.Leader,
		LeaderEpoch:     l.LeaderAndISR.LeaderEpoch,
		ISR:             l.LeaderAndISR.ISR,
		ZKVersion:       l.LeaderAndISR.ZKVersion,
		Replicas:        replicas,
	}
}

// addLeaderAndISRRequestForBrokers stages the partition's new leadership for
// the given brokers and stages the matching UpdateMetadata for every live or
// shutting-down broker.
func (b *brokerRequestBatch) addLeaderAndISRRequestForBrokers(brokerIDs []int32, tp structs.TopicPartition, l structs.LeaderISRAndControllerEpoch, replicas []int32) {
	for _, id := range brokerIDs {
		if id < 0 {
			continue
		}
		m, ok := b.leaderAndISR[id]
		if !ok {
			m = make(map[structs.TopicPartition]*protocol.PartitionState)
			b.leaderAndISR[id] = m
		}
		m[tp] = b.partitionState(tp, l, replicas)
	}
	b.addUpdateMetadataRequestForBrokers(b.c.ctx.liveOrShuttingDownBrokerIDs(), []structs.TopicPartition{tp})
}

func (b *brokerRequestBatch) addStopReplicaRequestForBrokers(brokerIDs []int32, tp structs.TopicPartition, deletePartition bool) {
	for _, id := range brokerIDs {
		if id < 0 {
			continue
		}
		m, ok := b.stopReplica[id]
		if !ok {
			m = make(map[bool][]*protocol.StopReplicaPartition)
			b.stopReplica[id] = m
		}
		m[deletePartition] = append(m[deletePartition], &protocol.StopReplicaPartition{Topic: tp.Topic, Partition: tp.Partition})
	}
}

// addUpdateMetadataRequestForBrokers stages metadata for the given partitions
// (or, with no partitions, whatever is already staged) for the given brokers.
func (b *brokerRequestBatch) addUpdateMetadataRequestForBrokers(brokerIDs []int32, partitions []structs.TopicPartition) {
	for _, id := range brokerIDs {
		if id >= 0 {
			b.updateMetadataBrokers[id] = struct{}{}
		}
	}
	for _, tp := range partitions {
		l, ok := b.c.ctx.leadership(tp)
		if !ok {
			b.logger.Debug("skipping update metadata for partition without leadership info", log.String("partition", tp.String()))
			continue
		}
		b.updateMetadataPartitions[tp] = b.partitionState(tp, l, b.c.ctx.assignedReplicas(tp))
	}
}

// sendRequestsToBrokers flushes the staged requests, stamping each with the
// given controller epoch.
func (b *brokerRequestBatch) sendRequestsToBrokers(epoch int32) error {
	if b.c.cm == nil {
		// resigned mid-event; whatever was staged is moot.
		b.clear()
		return nil
	}
	controllerID := b.c.config.ID

	for brokerID, partitionStates := range b.leaderAndISR {
		req := &protocol.LeaderAndISRRequest{
			ControllerID:    controllerID,
			ControllerEpoch: epoch,
			PartitionStates: make([]*protocol.PartitionState, 0, len(partitionStates)),
		}
		leaders := make(map[int32]struct{})
		for _, ps := range partitionStates {
			req.PartitionStates = append(req.PartitionStates, ps)
			leaders[ps.Leader] = struct{}{}
		}
		for id := range leaders {
			if broker, ok := b.c.ctx.broker(id); ok {
				req.LiveLeaders = append(req.LiveLeaders, &protocol.LiveLeader{ID: broker.ID, Host: broker.Host, Port: broker.Port})
			}
		}
		id := brokerID
		b.c.cm.sendLeaderAndISR(id, req, func(res *protocol.LeaderAndISRResponse) {
			b.c.eventMgr.put(leaderAndISRResponseReceivedEvent{brokerID: id, res: res})
		})
	}
	b.leaderAndISR = make(map[int32]map[structs.TopicPartition]*protocol.PartitionState)

	for brokerID, byDelete := range b.stopReplica {
		for deletePartition, partitions := range byDelete {
			req := &protocol.StopReplicaRequest{
				ControllerID:     controllerID,
				ControllerEpoch:  epoch,
				DeletePartitions: deletePartition,
				Partitions:       partitions,
			}
			id := brokerID
			var cb func(*protocol.StopReplicaResponse)
			if deletePartition {
				cb = func(res *protocol.StopReplicaResponse) {
					b.c.eventMgr.put(stopReplicaResponseReceivedEvent{brokerID: id, res: res})
				}
			}
			b.c.cm.sendStopReplica(id, req, cb)
		}
	}
	b.stopReplica = make(map[int32]map[bool][]*protocol.StopReplicaPartition)

	if len(b.updateMetadataBrokers) > 0 {
		partitionStates := make([]*protocol.PartitionState, 0, len(b.updateMetadataPartitions))
		for _, ps := range b.updateMetadataPartitions {
			partitionStates = append(partitionStates, ps)
		}
		var liveBrokers []*protocol.UpdateMetadataBroker
		for _, id := range b.c.ctx.liveOrShuttingDownBrokerIDs() {
			broker, _ := b.c.ctx.broker(id)
			liveBrokers = append(liveBrokers, &protocol.UpdateMetadataBroker{ID: broker.ID, Host: broker.Host, Port: broker.Port})
		}
		for brokerID := range b.updateMetadataBrokers {
			req := &protocol.UpdateMetadataRequest{
				ControllerID:    controllerID,
				ControllerEpoch: epoch,
				PartitionStates: partitionStates,
				LiveBrokers:     liveBrokers,
			}
			b.c.cm.sendUpdateMetadata(brokerID, req)
		}
	}
	b.updateMetadataBrokers = make(map[int32]struct{})
	b.updateMetadataPartitions = make(map[structs.TopicPartition]*protocol.PartitionState)

	return nil
}

package corvid

import (
	"github.com/corvidmq/corvid/corvid/structs"
	"github.com/corvidmq/corvid/log"
	"github.com/pkg/errors"
)

// partitionState is the lifecycle state of one partition as seen by the
// controller.
type partitionState int8

const (
	// partitionNonExistent is both the initial and the terminal state.
	partitionNonExistent partitionState = iota
	// partitionNew has assigned replicas but no leader yet.
	partitionNew
	// partitionOnline has an elected leader.
	partitionOnline
	// partitionOffline had a leader but lost it.
	partitionOffline
)

func (s partitionState) String() string {
	switch s {
	case partitionNonExistent:
		return "NonExistentPartition"
	case partitionNew:
		return "NewPartition"
	case partitionOnline:
		return "OnlinePartition"
	case partitionOffline:
		return "OfflinePartition"
	default:
		return "Unknown"
	}
}

var validPreviousPartitionStates = map[partitionState][]partitionState{
	partitionNew:         {partitionNonExistent},
	partitionOnline:      {partitionNew, partitionOnline, partitionOffline},
	partitionOffline:     {partitionNew, partitionOnline, partitionOffline},
	partitionNonExistent: {partitionOffline, partitionNew, partitionOnline},
}

// partitionStateMachine drives partitions through
// NonExistent → New → Online ↔ Offline → NonExistent. Every transition runs
// on the event loop; transitions to Online persist the new leadership before
// any broker hears about it.
type partitionStateMachine struct {
	c      *Controller
	logger log.Logger
	state  map[structs.TopicPartition]partitionState
}

func newPartitionStateMachine(c *Controller, logger log.Logger) *partitionStateMachine {
	return &partitionStateMachine{
		c:      c,
		logger: logger,
		state:  make(map[structs.TopicPartition]partitionState),
	}
}

// startup seeds partition states from the controller context and drives
// everything electable to Online.
func (m *partitionStateMachine) startup() {
	for _, tp := range m.c.ctx.allPartitions() {
		l, ok := m.c.ctx.leadership(tp)
		switch {
		case !ok:
			m.state[tp] = partitionNew
		case m.c.ctx.isReplicaOnline(l.LeaderAndISR.Leader, tp, true):
			m.state[tp] = partitionOnline
		default:
			m.state[tp] = partitionOffline
			m.c.offlinePartitionEntered()
		}
	}
	m.triggerOnlinePartitionStateChange()
}

// shutdown forgets all partition state; called at resignation.
func (m *partitionStateMachine) shutdown() {
	m.state = make(map[structs.TopicPartition]partitionState)
}

// triggerOnlinePartitionStateChange tries to elect leaders for every New or
// Offline partition, skipping topics being deleted.
func (m *partitionStateMachine) triggerOnlinePartitionStateChange() {
	var partitions []structs.TopicPartition
	for tp, s := range m.state {
		if s != partitionNew && s != partitionOffline {
			continue
		}
		if m.c.deletionMgr.isTopicQueuedForDeletion(tp.Topic) {
			continue
		}
		partitions = append(partitions, tp)
	}
	if err := m.handleStateChanges(partitions, partitionOnline, m.c.offlineSelector); err != nil {
		m.c.handleStateChangeError(err)
	}
}

// handleStateChanges moves the given partitions to the target state, staging
// all resulting broker requests in one batch.
func (m *partitionStateMachine) handleStateChanges(partitions []structs.TopicPartition, target partitionState, selector leaderSelector) error {
	if len(partitions) == 0 {
		return nil
	}
	if err := m.c.batch.newBatch(); err != nil {
		return err
	}
	for _, tp := range partitions {
		if err := m.handleStateChange(tp, target, selector); err != nil {
			if errors.Cause(err) == ErrControllerMoved {
				return err
			}
			m.logger.Error("partition state change failed",
				log.String("partition", tp.String()),
				log.String("target state", target.String()),
				log.Error("error", err))
		}
	}
	return m.c.batch.sendRequestsToBrokers(m.c.ctx.epoch)
}

func (m *partitionStateMachine) currentState(tp structs.TopicPartition) partitionState {
	if s, ok := m.state[tp]; ok {
		return s
	}
	return partitionNonExistent
}

func (m *partitionStateMachine) handleStateChange(tp structs.TopicPartition, target partitionState, selector leaderSelector) error {
	cur := m.currentState(tp)
	if !partitionTransitionValid(cur, target) {
		return errors.Errorf("partition %s can't move from %s to %s", tp, cur, target)
	}

	switch target {
	case partitionNew:
		// the assignment is already recorded in the context; no request yet.
		m.setState(tp, partitionNew)

	case partitionOnline:
		if cur == partitionNew {
			if err := m.initializeLeaderAndISR(tp); err != nil {
				return err
			}
		} else {
			if err := m.electLeader(tp, selector); err != nil {
				return err
			}
		}
		m.setState(tp, partitionOnline)

	case partitionOffline:
		m.setState(tp, partitionOffline)

	case partitionNonExistent:
		m.setState(tp, partitionNonExistent)
		delete(m.state, tp)
	}
	return nil
}

func (m *partitionStateMachine) setState(tp structs.TopicPartition, target partitionState) {
	cur := m.currentState(tp)
	if cur == target {
		return
	}
	if cur == partitionOffline {
		m.c.offlinePartitionLeft()
	}
	if target == partitionOffline {
		m.c.offlinePartitionEntered()
	}
	m.logger.Debug("partition state change",
		log.String("partition", tp.String()),
		log.String("from", cur.String()),
		log.String("to", target.String()))
	m.state[tp] = target
}

// initializeLeaderAndISR picks the first live assigned replica as the leader
// of a brand-new partition and creates its state node.
func (m *partitionStateMachine) initializeLeaderAndISR(tp structs.TopicPartition) error {
	ar := m.c.ctx.assignedReplicas(tp)
	var live []int32
	for _, r := range ar {
		if m.c.ctx.isReplicaOnline(r, tp, false) {
			live = append(live, r)
		}
	}
	if len(live) == 0 {
		return errors.Wrapf(ErrNoReplicaOnline, "no live replica to initialize partition %s, assigned: %v", tp, ar)
	}
	l := structs.LeaderAndISR{Leader: live[0], LeaderEpoch: 0, ISR: live, ZKVersion: 0}
	if err := m.c.zk.CreateLeaderAndISR(tp, l, m.c.ctx.epoch, m.c.ctx.epochZKVersion); err != nil {
		return err
	}
	leadership := structs.LeaderISRAndControllerEpoch{LeaderAndISR: l, ControllerEpoch: m.c.ctx.epoch}
	m.c.ctx.setLeadership(tp, leadership)
	m.c.batch.addLeaderAndISRRequestForBrokers(ar, tp, leadership, ar)
	return nil
}

// electLeader refreshes the persisted leadership, runs the selector, and
// conditionally writes the result, retrying on version conflicts.
func (m *partitionStateMachine) electLeader(tp structs.TopicPartition, selector leaderSelector) error {
	for {
		current, controllerEpoch, exists, err := m.c.zk.LeaderAndISR(tp)
		if err != nil {
			return err
		}
		if !exists {
			return errors.Errorf("leader election for partition %s failed: state node is missing", tp)
		}
		if controllerEpoch > m.c.ctx.epoch {
			return errors.Errorf(
				"aborted leader election for partition %s since its state was already written by a controller with epoch %d, ours is %d",
				tp, controllerEpoch, m.c.ctx.epoch)
		}
		newLeaderAndISR, receivers, err := selector.selectLeader(tp, current)
		if err != nil {
			return err
		}
		newZKVersion, err := m.c.zk.UpdateLeaderAndISR(tp, newLeaderAndISR, m.c.ctx.epoch, m.c.ctx.epochZKVersion)
		if errors.Cause(err) == ErrVersionConflict {
			continue
		}
		if err != nil {
			return err
		}
		newLeaderAndISR.ZKVersion = newZKVersion
		leadership := structs.LeaderISRAndControllerEpoch{LeaderAndISR: newLeaderAndISR, ControllerEpoch: m.c.ctx.epoch}
		m.c.ctx.setLeadership(tp, leadership)
		m.c.batch.addLeaderAndISRRequestForBrokers(receivers, tp, leadership, m.c.ctx.assignedReplicas(tp))
		return nil
	}
}

func partitionTransitionValid(from, to partitionState) bool {
	for _, s := range validPreviousPartitionStates[to] {
		if s == from {
			return true
		}
	}
	return false
}

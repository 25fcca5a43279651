package corvid

import (
	"github.com/corvidmq/corvid/corvid/structs"
	"github.com/corvidmq/corvid/log"
	"github.com/pkg/errors"
)

// replicaState is the lifecycle state of one replica (a partition on one
// broker) as seen by the controller.
type replicaState int8

const (
	replicaNonExistent replicaState = iota
	replicaNew
	replicaOnline
	replicaOffline
	replicaDeletionStarted
	replicaDeletionSuccessful
	replicaDeletionIneligible
)

func (s replicaState) String() string {
	switch s {
	case replicaNonExistent:
		return "NonExistentReplica"
	case replicaNew:
		return "NewReplica"
	case replicaOnline:
		return "OnlineReplica"
	case replicaOffline:
		return "OfflineReplica"
	case replicaDeletionStarted:
		return "ReplicaDeletionStarted"
	case replicaDeletionSuccessful:
		return "ReplicaDeletionSuccessful"
	case replicaDeletionIneligible:
		return "ReplicaDeletionIneligible"
	default:
		return "Unknown"
	}
}

var validPreviousReplicaStates = map[replicaState][]replicaState{
	replicaNew:                {replicaNonExistent},
	replicaOnline:             {replicaNew, replicaOnline, replicaOffline, replicaDeletionIneligible},
	replicaOffline:            {replicaNew, replicaOnline, replicaOffline, replicaDeletionIneligible},
	replicaDeletionStarted:    {replicaOffline},
	replicaDeletionSuccessful: {replicaDeletionStarted},
	replicaDeletionIneligible: {replicaDeletionStarted, replicaOffline, replicaOnline},
	replicaNonExistent:        {replicaDeletionSuccessful, replicaNew, replicaOffline},
}

// replicaStateMachine drives replicas through their lifecycle. Offline
// transitions shrink the ISR through a conditional write before any broker
// is told to stop the replica's fetchers.
type replicaStateMachine struct {
	c      *Controller
	logger log.Logger
	state  map[structs.PartitionReplica]replicaState
}

func newReplicaStateMachine(c *Controller, logger log.Logger) *replicaStateMachine {
	return &replicaStateMachine{
		c:      c,
		logger: logger,
		state:  make(map[structs.PartitionReplica]replicaState),
	}
}

// startup seeds replica states from the controller context: live replicas
// become Online, the rest ineligible for deletion until their broker comes
// back.
func (m *replicaStateMachine) startup() {
	for _, tp := range m.c.ctx.allPartitions() {
		for _, r := range m.c.ctx.assignedReplicas(tp) {
			replica := structs.PartitionReplica{Topic: tp.Topic, Partition: tp.Partition, Replica: r}
			if m.c.ctx.isReplicaOnline(r, tp, true) {
				m.state[replica] = replicaOnline
			} else {
				m.state[replica] = replicaDeletionIneligible
			}
		}
	}
}

func (m *replicaStateMachine) shutdown() {
	m.state = make(map[structs.PartitionReplica]replicaState)
}

func (m *replicaStateMachine) currentState(r structs.PartitionReplica) replicaState {
	if s, ok := m.state[r]; ok {
		return s
	}
	return replicaNonExistent
}

func (m *replicaStateMachine) replicasInState(topic string, states ...replicaState) []structs.PartitionReplica {
	var replicas []structs.PartitionReplica
	for r, s := range m.state {
		if r.Topic != topic {
			continue
		}
		for _, want := range states {
			if s == want {
				replicas = append(replicas, r)
				break
			}
		}
	}
	return replicas
}

func (m *replicaStateMachine) areAllReplicasInState(topic string, want replicaState) bool {
	any := false
	for r, s := range m.state {
		if r.Topic != topic {
			continue
		}
		any = true
		if s != want {
			return false
		}
	}
	return any
}

// handleStateChanges moves the given replicas to the target state, staging
// all resulting broker requests in one batch.
func (m *replicaStateMachine) handleStateChanges(replicas []structs.PartitionReplica, target replicaState) error {
	if len(replicas) == 0 {
		return nil
	}
	if err := m.c.batch.newBatch(); err != nil {
		return err
	}
	for _, r := range replicas {
		if err := m.handleStateChange(r, target); err != nil {
			if errors.Cause(err) == ErrControllerMoved {
				return err
			}
			m.logger.Error("replica state change failed",
				log.String("replica", r.String()),
				log.String("target state", target.String()),
				log.Error("error", err))
		}
	}
	return m.c.batch.sendRequestsToBrokers(m.c.ctx.epoch)
}

func (m *replicaStateMachine) handleStateChange(r structs.PartitionReplica, target replicaState) error {
	cur := m.currentState(r)
	if !replicaTransitionValid(cur, target) {
		return errors.Errorf("replica %s can't move from %s to %s", r, cur, target)
	}
	tp := r.TopicPartition()

	switch target {
	case replicaNew:
		if l, ok := m.c.ctx.leadership(tp); ok {
			m.c.batch.addLeaderAndISRRequestForBrokers([]int32{r.Replica}, tp, l, m.c.ctx.assignedReplicas(tp))
		}

	case replicaOnline:
		if cur == replicaNew {
			ar := m.c.ctx.assignedReplicas(tp)
			if !contains(ar, r.Replica) {
				m.c.ctx.setReplicaAssignment(tp, append(ar, r.Replica))
			}
		} else if l, ok := m.c.ctx.leadership(tp); ok {
			m.c.batch.addLeaderAndISRRequestForBrokers([]int32{r.Replica}, tp, l, m.c.ctx.assignedReplicas(tp))
		}

	case replicaOffline:
		m.c.batch.addStopReplicaRequestForBrokers([]int32{r.Replica}, tp, false)
		l, ok := m.c.ctx.leadership(tp)
		if ok && contains(l.LeaderAndISR.ISR, r.Replica) {
			updated, err := m.c.removeReplicaFromISR(tp, r.Replica)
			if err != nil {
				return err
			}
			if updated != nil {
				var receivers []int32
				for _, b := range m.c.ctx.assignedReplicas(tp) {
					if b != r.Replica {
						receivers = append(receivers, b)
					}
				}
				m.c.batch.addLeaderAndISRRequestForBrokers(receivers, tp, *updated, m.c.ctx.assignedReplicas(tp))
			}
		}

	case replicaDeletionStarted:
		m.c.batch.addStopReplicaRequestForBrokers([]int32{r.Replica}, tp, true)

	case replicaDeletionSuccessful, replicaDeletionIneligible:
		// bookkeeping only; the deletion manager inspects these states.

	case replicaNonExistent:
		ar := m.c.ctx.assignedReplicas(tp)
		var remaining []int32
		for _, b := range ar {
			if b != r.Replica {
				remaining = append(remaining, b)
			}
		}
		m.c.ctx.setReplicaAssignment(tp, remaining)
	}

	m.setState(r, target)
	if target == replicaNonExistent {
		delete(m.state, r)
	}
	return nil
}

func (m *replicaStateMachine) setState(r structs.PartitionReplica, target replicaState) {
	cur := m.currentState(r)
	if cur == target {
		return
	}
	m.logger.Debug("replica state change",
		log.String("replica", r.String()),
		log.String("from", cur.String()),
		log.String("to", target.String()))
	m.state[r] = target
}

func replicaTransitionValid(from, to replicaState) bool {
	for _, s := range validPreviousReplicaStates[to] {
		if s == from {
			return true
		}
	}
	return false
}

package corvid

import (
	"github.com/corvidmq/corvid/corvid/structs"
	"github.com/pkg/errors"
)

// leaderSelector picks a new leader and ISR for a partition given its current
// persisted state. On success it returns the new LeaderAndISR (leader epoch
// already bumped) and the brokers that must receive the LeaderAndISR request.
// Ties break strictly by assigned-replica order.
type leaderSelector interface {
	selectLeader(tp structs.TopicPartition, current structs.LeaderAndISR) (structs.LeaderAndISR, []int32, error)
}

// offlinePartitionLeaderSelector elects a leader for a partition whose leader
// died: the first live assigned replica still in ISR wins. With unclean
// election enabled for the topic, it falls back to the first live replica
// outside the ISR at the cost of possible data loss.
type offlinePartitionLeaderSelector struct {
	ctx     *ControllerContext
	unclean func(topic string) bool
}

func (s *offlinePartitionLeaderSelector) selectLeader(tp structs.TopicPartition, current structs.LeaderAndISR) (structs.LeaderAndISR, []int32, error) {
	ar := s.ctx.assignedReplicas(tp)
	var liveInISR []int32
	var live []int32
	for _, r := range ar {
		if !s.ctx.isReplicaOnline(r, tp, false) {
			continue
		}
		live = append(live, r)
		if contains(current.ISR, r) {
			liveInISR = append(liveInISR, r)
		}
	}
	if len(liveInISR) > 0 {
		return current.NewLeaderAndISR(liveInISR[0], liveInISR), ar, nil
	}
	if !s.unclean(tp.Topic) {
		return structs.LeaderAndISR{}, nil, errors.Wrapf(ErrNoReplicaOnline,
			"no replica in isr %v for partition %s is alive and unclean election is disabled", current.ISR, tp)
	}
	if len(live) == 0 {
		return structs.LeaderAndISR{}, nil, errors.Wrapf(ErrNoReplicaOnline,
			"no replica of partition %s is alive, assigned: %v", tp, ar)
	}
	return current.NewLeaderAndISR(live[0], []int32{live[0]}), ar, nil
}

// reassignedPartitionLeaderSelector elects a leader from the reassigned
// replica list; it requires the winner to already be in ISR.
type reassignedPartitionLeaderSelector struct {
	ctx *ControllerContext
}

func (s *reassignedPartitionLeaderSelector) selectLeader(tp structs.TopicPartition, current structs.LeaderAndISR) (structs.LeaderAndISR, []int32, error) {
	reassigned, ok := s.ctx.partitionsReassigning[tp]
	if !ok {
		return structs.LeaderAndISR{}, nil, errors.Wrapf(ErrNoReplicaOnline, "partition %s is not being reassigned", tp)
	}
	for _, r := range reassigned.newReplicas {
		if s.ctx.isReplicaOnline(r, tp, false) && contains(current.ISR, r) {
			return current.NewLeader(r), reassigned.newReplicas, nil
		}
	}
	return structs.LeaderAndISR{}, nil, errors.Wrapf(ErrNoReplicaOnline,
		"none of the reassigned replicas %v for partition %s is in isr %v and alive", reassigned.newReplicas, tp, current.ISR)
}

// preferredReplicaPartitionLeaderSelector forces leadership back to the first
// assigned replica.
type preferredReplicaPartitionLeaderSelector struct {
	ctx *ControllerContext
}

func (s *preferredReplicaPartitionLeaderSelector) selectLeader(tp structs.TopicPartition, current structs.LeaderAndISR) (structs.LeaderAndISR, []int32, error) {
	ar := s.ctx.assignedReplicas(tp)
	if len(ar) == 0 {
		return structs.LeaderAndISR{}, nil, errors.Wrapf(ErrNoReplicaOnline, "partition %s has no assigned replicas", tp)
	}
	preferred := ar[0]
	if current.Leader == preferred {
		return structs.LeaderAndISR{}, nil, errors.Errorf("preferred replica %d is already the leader for partition %s", preferred, tp)
	}
	if !s.ctx.isReplicaOnline(preferred, tp, false) || !contains(current.ISR, preferred) {
		return structs.LeaderAndISR{}, nil, errors.Wrapf(ErrNoReplicaOnline,
			"preferred replica %d for partition %s is either dead or not in isr %v", preferred, tp, current.ISR)
	}
	return current.NewLeader(preferred), ar, nil
}

// controlledShutdownLeaderSelector moves leadership off a shutting-down
// broker: the winner must be assigned, in ISR, live, and not itself shutting
// down. The ISR shrinks to exclude every shutting-down broker.
type controlledShutdownLeaderSelector struct {
	ctx *ControllerContext
}

func (s *controlledShutdownLeaderSelector) selectLeader(tp structs.TopicPartition, current structs.LeaderAndISR) (structs.LeaderAndISR, []int32, error) {
	ar := s.ctx.assignedReplicas(tp)
	var newISR []int32
	for _, r := range current.ISR {
		if _, down := s.ctx.shuttingDownBrokerIDs[r]; !down {
			newISR = append(newISR, r)
		}
	}
	for _, r := range ar {
		if s.ctx.isReplicaOnline(r, tp, false) && contains(newISR, r) {
			var receivers []int32
			for _, b := range ar {
				if s.ctx.isLiveOrShuttingDownBroker(b) {
					receivers = append(receivers, b)
				}
			}
			return current.NewLeaderAndISR(r, newISR), receivers, nil
		}
	}
	return structs.LeaderAndISR{}, nil, errors.Wrapf(ErrNoReplicaOnline,
		"no other replica of partition %s in isr %v is alive during controlled shutdown", tp, current.ISR)
}

func contains(rs []int32, r int32) bool {
	for _, ri := range rs {
		if ri == r {
			return true
		}
	}
	return false
}

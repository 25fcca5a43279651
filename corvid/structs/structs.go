package structs

import "fmt"

// NoLeader marks a partition that currently has no leader.
const NoLeader int32 = -1

// TopicPartition identifies a partition of a topic.
type TopicPartition struct {
	Topic     string
	Partition int32
}

func (tp TopicPartition) String() string {
	return fmt.Sprintf("%s-%d", tp.Topic, tp.Partition)
}

// PartitionReplica identifies one replica of a partition by the broker
// hosting it.
type PartitionReplica struct {
	Topic     string
	Partition int32
	Replica   int32
}

func (r PartitionReplica) TopicPartition() TopicPartition {
	return TopicPartition{Topic: r.Topic, Partition: r.Partition}
}

func (r PartitionReplica) String() string {
	return fmt.Sprintf("%s-%d-%d", r.Topic, r.Partition, r.Replica)
}

// LeaderAndISR is the persisted leadership state of a partition. ZKVersion is
// the coordination-service version of the partition state node, used for
// conditional writes.
type LeaderAndISR struct {
	Leader      int32   `json:"leader"`
	LeaderEpoch int32   `json:"leader_epoch"`
	ISR         []int32 `json:"isr"`
	ZKVersion   int32   `json:"-"`
}

// NewLeader returns a copy led by the given broker with the epoch bumped.
func (l LeaderAndISR) NewLeader(leader int32) LeaderAndISR {
	return l.NewLeaderAndISR(leader, l.ISR)
}

// NewLeaderAndISR returns a copy with the given leader and ISR and the epoch
// bumped.
func (l LeaderAndISR) NewLeaderAndISR(leader int32, isr []int32) LeaderAndISR {
	return LeaderAndISR{Leader: leader, LeaderEpoch: l.LeaderEpoch + 1, ISR: isr, ZKVersion: l.ZKVersion}
}

// NewEpoch returns a copy with only the leader epoch bumped.
func (l LeaderAndISR) NewEpoch() LeaderAndISR {
	return l.NewLeaderAndISR(l.Leader, l.ISR)
}

func (l LeaderAndISR) String() string {
	return fmt.Sprintf("(leader=%d, leader epoch=%d, isr=%v, zk version=%d)", l.Leader, l.LeaderEpoch, l.ISR, l.ZKVersion)
}

// LeaderISRAndControllerEpoch pairs a partition's leadership state with the
// epoch of the controller that last wrote it.
type LeaderISRAndControllerEpoch struct {
	LeaderAndISR    LeaderAndISR
	ControllerEpoch int32
}

// Broker is a registered broker and the endpoint it serves inter-broker
// requests on.
type Broker struct {
	ID   int32  `json:"id"`
	Host string `json:"host"`
	Port int32  `json:"port"`
}

func (b Broker) Addr() string {
	return fmt.Sprintf("%s:%d", b.Host, b.Port)
}

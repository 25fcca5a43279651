// Package corvid implements the cluster controller of a partitioned,
// replicated log-based messaging system. One broker in the cluster is elected
// controller through the coordination service; it owns the authoritative view
// of cluster membership and partition state and drives every global state
// transition: per-partition leader election, replica lifecycle, partition
// reassignment, controlled shutdown, preferred-leader rebalancing, and topic
// deletion. Decisions reach the other brokers as LeaderAndISR, StopReplica,
// and UpdateMetadata requests.
package corvid

import (
	"github.com/corvidmq/corvid/corvid/structs"
	"github.com/corvidmq/corvid/protocol"
	"github.com/pkg/errors"
)

var (
	// ErrControllerMoved means another broker won (or holds) the controller
	// election; the caller must resign its current reign.
	ErrControllerMoved = errors.New("controller has moved to another broker")
	// ErrVersionConflict is a conditional-write failure against the
	// coordination service; retriable by refreshing and retrying.
	ErrVersionConflict = errors.New("coordination service version conflict")
	// ErrNoReplicaOnline means leader election failed because no eligible
	// replica is alive.
	ErrNoReplicaOnline = errors.New("no replica online for partition")
	// ErrBrokerNotAvailable is returned for operations naming a broker the
	// controller doesn't know.
	ErrBrokerNotAvailable = errors.New("broker not available")
	// ErrIllegalState is a programming-error guard; hitting it inside a
	// request batch forces the controller to resign.
	ErrIllegalState = errors.New("illegal state")
)

// CoordinationClient is the surface of the coordination service the
// controller uses: reads and conditional writes of the shared cluster state,
// the controller-election multi-op, and watch registration. Watch callbacks
// run on the client's own goroutines; they must only enqueue controller
// events, never call controller logic directly.
type CoordinationClient interface {
	// ControllerID returns the broker currently holding the controller
	// ephemeral node, if any.
	ControllerID() (id int32, exists bool, err error)
	// RegisterController creates the controller ephemeral node for brokerID
	// and increments the controller epoch in one transaction. Returns
	// ErrControllerMoved if another broker holds the node.
	RegisterController(brokerID int32) (epoch int32, epochZKVersion int32, err error)
	// DeleteController deletes the controller ephemeral node if the epoch
	// node still carries expectedEpochZKVersion.
	DeleteController(expectedEpochZKVersion int32) error
	ControllerEpoch() (epoch int32, zkVersion int32, exists bool, err error)

	Brokers() ([]structs.Broker, error)
	RegisterBroker(b structs.Broker) error

	Topics() ([]string, error)
	ReplicaAssignments(topics []string) (map[structs.TopicPartition][]int32, error)
	// SetReplicaAssignment rewrites a topic's partition→replicas assignment,
	// fenced on the controller epoch version.
	SetReplicaAssignment(topic string, assignment map[int32][]int32, epochZKVersion int32) error
	DeleteTopicAssignment(topic string, epochZKVersion int32) error

	LeaderAndISR(tp structs.TopicPartition) (l structs.LeaderAndISR, controllerEpoch int32, exists bool, err error)
	CreateLeaderAndISR(tp structs.TopicPartition, l structs.LeaderAndISR, controllerEpoch int32, epochZKVersion int32) error
	// UpdateLeaderAndISR conditionally writes a partition's leadership state
	// using l.ZKVersion; returns ErrVersionConflict on a version mismatch and
	// ErrControllerMoved when fencing on epochZKVersion fails.
	UpdateLeaderAndISR(tp structs.TopicPartition, l structs.LeaderAndISR, controllerEpoch int32, epochZKVersion int32) (newZKVersion int32, err error)

	PartitionsBeingReassigned() (map[structs.TopicPartition][]int32, error)
	RemovePartitionFromReassignment(tp structs.TopicPartition, epochZKVersion int32) error
	PartitionsForPreferredReplicaElection() ([]structs.TopicPartition, error)
	DeletePreferredReplicaElection(epochZKVersion int32) error

	TopicsQueuedForDeletion() ([]string, error)
	DeleteTopicDeletionNode(topic string, epochZKVersion int32) error
	TopicDeletionEnabled() (bool, error)

	ISRChangeNotifications() ([]string, error)
	ISRChangeNotificationPartitions(seqs []string) ([]structs.TopicPartition, error)
	DeleteISRChangeNotifications(seqs []string, epochZKVersion int32) error
	LogDirEventNotifications() ([]string, error)
	LogDirEventNotificationBrokers(seqs []string) ([]int32, error)
	DeleteLogDirEventNotifications(seqs []string, epochZKVersion int32) error

	UncleanLeaderElectionEnabled(topic string) (bool, error)

	WatchControllerChanges(fn func())
	WatchBrokerChanges(fn func())
	WatchTopicChanges(fn func())
	WatchTopicDeletions(fn func())
	WatchPartitionReassignments(fn func())
	WatchPreferredReplicaElection(fn func())
	WatchISRChangeNotifications(fn func())
	WatchLogDirEventNotifications(fn func())
	WatchPartitionModifications(topic string, fn func())
	UnwatchPartitionModifications(topic string)
	WatchPartitionISRChange(tp structs.TopicPartition, fn func())
	UnwatchPartitionISRChange(tp structs.TopicPartition)
	WatchSessionExpiration(fn func())
	// UnwatchAll drops every watch registered by this controller except the
	// controller-change and session watches, which keep driving re-election;
	// called on resignation.
	UnwatchAll()
}

// ClientConn is an internal client connection to one broker, carrying the
// controller-to-broker requests.
type ClientConn interface {
	LeaderAndISR(req *protocol.LeaderAndISRRequest) (*protocol.LeaderAndISRResponse, error)
	StopReplica(req *protocol.StopReplicaRequest) (*protocol.StopReplicaResponse, error)
	UpdateMetadata(req *protocol.UpdateMetadataRequest) (*protocol.UpdateMetadataResponse, error)
	Close() error
}

// Dialer opens a ClientConn to the broker at addr.
type Dialer func(addr string) (ClientConn, error)

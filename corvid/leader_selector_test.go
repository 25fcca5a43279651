package corvid

import (
	"testing"

	"github.com/corvidmq/corvid/corvid/structs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func selectorContext(liveBrokers []int32, ar []int32) *ControllerContext {
	ctx := newControllerContext()
	for _, id := range liveBrokers {
		ctx.addLiveBroker(structs.Broker{ID: id, Host: "127.0.0.1", Port: 9090 + id})
	}
	ctx.setReplicaAssignment(structs.TopicPartition{Topic: "t", Partition: 0}, ar)
	return ctx
}

var selTP = structs.TopicPartition{Topic: "t", Partition: 0}

func TestOfflineSelectorPrefersLiveISRInAROrder(t *testing.T) {
	ctx := selectorContext([]int32{2, 3}, []int32{1, 2, 3})
	s := &offlinePartitionLeaderSelector{ctx: ctx, unclean: func(string) bool { return false }}

	got, receivers, err := s.selectLeader(selTP, structs.LeaderAndISR{Leader: 1, LeaderEpoch: 5, ISR: []int32{1, 2, 3}})
	require.NoError(t, err)
	assert.Equal(t, int32(2), got.Leader)
	assert.Equal(t, []int32{2, 3}, got.ISR)
	assert.Equal(t, int32(6), got.LeaderEpoch)
	assert.Equal(t, []int32{1, 2, 3}, receivers)
}

func TestOfflineSelectorUncleanFallsBackToLiveReplica(t *testing.T) {
	ctx := selectorContext([]int32{3}, []int32{1, 2, 3})
	s := &offlinePartitionLeaderSelector{ctx: ctx, unclean: func(string) bool { return true }}

	got, _, err := s.selectLeader(selTP, structs.LeaderAndISR{Leader: 1, LeaderEpoch: 5, ISR: []int32{1, 2}})
	require.NoError(t, err)
	assert.Equal(t, int32(3), got.Leader)
	assert.Equal(t, []int32{3}, got.ISR)
}

func TestOfflineSelectorFailsWithUncleanDisabled(t *testing.T) {
	ctx := selectorContext([]int32{3}, []int32{1, 2, 3})
	s := &offlinePartitionLeaderSelector{ctx: ctx, unclean: func(string) bool { return false }}

	_, _, err := s.selectLeader(selTP, structs.LeaderAndISR{Leader: 1, LeaderEpoch: 5, ISR: []int32{1, 2}})
	assert.Equal(t, ErrNoReplicaOnline, errCause(err))
}

func TestOfflineSelectorFailsWithNoLiveReplica(t *testing.T) {
	ctx := selectorContext(nil, []int32{1, 2})
	s := &offlinePartitionLeaderSelector{ctx: ctx, unclean: func(string) bool { return true }}

	_, _, err := s.selectLeader(selTP, structs.LeaderAndISR{Leader: 1, LeaderEpoch: 5, ISR: []int32{1}})
	assert.Equal(t, ErrNoReplicaOnline, errCause(err))
}

func TestReassignedSelectorPicksFirstLiveISRMember(t *testing.T) {
	ctx := selectorContext([]int32{4, 5, 6}, []int32{1, 2, 3, 4, 5, 6})
	ctx.partitionsReassigning[selTP] = &reassignedPartitionContext{newReplicas: []int32{4, 5, 6}}
	s := &reassignedPartitionLeaderSelector{ctx: ctx}

	got, receivers, err := s.selectLeader(selTP, structs.LeaderAndISR{Leader: 1, LeaderEpoch: 2, ISR: []int32{1, 2, 3, 4, 5, 6}})
	require.NoError(t, err)
	assert.Equal(t, int32(4), got.Leader)
	assert.Equal(t, int32(3), got.LeaderEpoch)
	assert.Equal(t, []int32{4, 5, 6}, receivers)
}

func TestReassignedSelectorFailsWhenNoneCaughtUp(t *testing.T) {
	ctx := selectorContext([]int32{4, 5}, []int32{1, 2, 3})
	ctx.partitionsReassigning[selTP] = &reassignedPartitionContext{newReplicas: []int32{4, 5}}
	s := &reassignedPartitionLeaderSelector{ctx: ctx}

	_, _, err := s.selectLeader(selTP, structs.LeaderAndISR{Leader: 1, LeaderEpoch: 2, ISR: []int32{1, 2, 3}})
	assert.Equal(t, ErrNoReplicaOnline, errCause(err))
}

func TestPreferredSelectorForcesFirstAssignedReplica(t *testing.T) {
	ctx := selectorContext([]int32{1, 2, 3}, []int32{2, 1, 3})
	s := &preferredReplicaPartitionLeaderSelector{ctx: ctx}

	got, receivers, err := s.selectLeader(selTP, structs.LeaderAndISR{Leader: 1, LeaderEpoch: 9, ISR: []int32{1, 2, 3}})
	require.NoError(t, err)
	assert.Equal(t, int32(2), got.Leader)
	assert.Equal(t, int32(10), got.LeaderEpoch)
	assert.Equal(t, []int32{1, 2, 3}, got.ISR)
	assert.Equal(t, []int32{2, 1, 3}, receivers)
}

func TestPreferredSelectorFailsWhenPreferredNotInISR(t *testing.T) {
	ctx := selectorContext([]int32{1, 2, 3}, []int32{2, 1, 3})
	s := &preferredReplicaPartitionLeaderSelector{ctx: ctx}

	_, _, err := s.selectLeader(selTP, structs.LeaderAndISR{Leader: 1, LeaderEpoch: 9, ISR: []int32{1, 3}})
	assert.Equal(t, ErrNoReplicaOnline, errCause(err))
}

func TestControlledShutdownSelectorSkipsShuttingDownBrokers(t *testing.T) {
	ctx := selectorContext([]int32{1, 2, 3}, []int32{1, 2, 3})
	ctx.shuttingDownBrokerIDs[1] = struct{}{}
	s := &controlledShutdownLeaderSelector{ctx: ctx}

	got, receivers, err := s.selectLeader(selTP, structs.LeaderAndISR{Leader: 1, LeaderEpoch: 5, ISR: []int32{1, 2, 3}})
	require.NoError(t, err)
	assert.Equal(t, int32(2), got.Leader)
	assert.Equal(t, []int32{2, 3}, got.ISR)
	assert.Equal(t, int32(6), got.LeaderEpoch)
	assert.Equal(t, []int32{1, 2, 3}, receivers)
}

func TestControlledShutdownSelectorFailsWhenISREmpties(t *testing.T) {
	ctx := selectorContext([]int32{1, 2, 3}, []int32{1, 2, 3})
	ctx.shuttingDownBrokerIDs[1] = struct{}{}
	s := &controlledShutdownLeaderSelector{ctx: ctx}

	_, _, err := s.selectLeader(selTP, structs.LeaderAndISR{Leader: 1, LeaderEpoch: 5, ISR: []int32{1}})
	assert.Equal(t, ErrNoReplicaOnline, errCause(err))
}

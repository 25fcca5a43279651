package state

import (
	"testing"

	"github.com/corvidmq/corvid/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func updateMetadataFixture(epoch int32) *protocol.UpdateMetadataRequest {
	return &protocol.UpdateMetadataRequest{
		ControllerID:    1,
		ControllerEpoch: epoch,
		PartitionStates: []*protocol.PartitionState{
			{
				Topic:           "t",
				Partition:       0,
				ControllerEpoch: epoch,
				Leader:          1,
				LeaderEpoch:     5,
				ISR:             []int32{1, 2},
				ZKVersion:       3,
				Replicas:        []int32{1, 2, 3},
			},
			{
				Topic:           "t",
				Partition:       1,
				ControllerEpoch: epoch,
				Leader:          2,
				LeaderEpoch:     1,
				ISR:             []int32{2, 3},
				ZKVersion:       0,
				Replicas:        []int32{2, 3, 1},
			},
		},
		LiveBrokers: []*protocol.UpdateMetadataBroker{
			{ID: 1, Host: "127.0.0.1", Port: 9091},
			{ID: 2, Host: "127.0.0.1", Port: 9092},
			{ID: 3, Host: "127.0.0.1", Port: 9093},
		},
	}
}

func TestStoreApplyUpdateMetadata(t *testing.T) {
	s := NewStore()
	s.ApplyUpdateMetadata(updateMetadataFixture(2))

	brokers, err := s.GetBrokers()
	require.NoError(t, err)
	assert.Len(t, brokers, 3)

	topic, err := s.GetTopic("t")
	require.NoError(t, err)
	require.NotNil(t, topic)
	assert.Equal(t, map[int32][]int32{0: {1, 2, 3}, 1: {2, 3, 1}}, topic.Partitions)

	p, err := s.GetPartition("t", 0)
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Equal(t, int32(1), p.Leader)
	assert.Equal(t, []int32{1, 2}, p.ISR)
	assert.Equal(t, int32(5), p.LeaderEpoch)

	led, err := s.PartitionsByLeader(2)
	require.NoError(t, err)
	require.Len(t, led, 1)
	assert.Equal(t, int32(1), led[0].Partition)

	id, epoch := s.ControllerID()
	assert.Equal(t, int32(1), id)
	assert.Equal(t, int32(2), epoch)
}

func TestStoreIgnoresStaleControllerEpoch(t *testing.T) {
	s := NewStore()
	s.ApplyUpdateMetadata(updateMetadataFixture(5))

	stale := updateMetadataFixture(3)
	stale.PartitionStates[0].Leader = 9
	s.ApplyUpdateMetadata(stale)

	p, err := s.GetPartition("t", 0)
	require.NoError(t, err)
	assert.Equal(t, int32(1), p.Leader)
}

func TestStoreBrokerListReplacedOnUpdate(t *testing.T) {
	s := NewStore()
	s.ApplyUpdateMetadata(updateMetadataFixture(1))

	next := updateMetadataFixture(2)
	next.LiveBrokers = next.LiveBrokers[:2]
	s.ApplyUpdateMetadata(next)

	brokers, err := s.GetBrokers()
	require.NoError(t, err)
	assert.Len(t, brokers, 2)
	b, err := s.GetBroker(3)
	require.NoError(t, err)
	assert.Nil(t, b)
}

func TestStoreSnapshotRestore(t *testing.T) {
	s := NewStore()
	s.ApplyUpdateMetadata(updateMetadataFixture(2))

	snap, err := s.Snapshot()
	require.NoError(t, err)

	restored := NewStore()
	require.NoError(t, restored.Restore(snap))

	p, err := restored.GetPartition("t", 1)
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Equal(t, int32(2), p.Leader)
	topic, err := restored.GetTopic("t")
	require.NoError(t, err)
	require.NotNil(t, topic)
	assert.Len(t, topic.Partitions, 2)

	h1, err := s.Hash()
	require.NoError(t, err)
	h2, err := restored.Hash()
	require.NoError(t, err)
	assert.Equal(t, h1, h2)
}

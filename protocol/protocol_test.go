package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLeaderAndISRRequestRoundTrip(t *testing.T) {
	req := &LeaderAndISRRequest{
		ControllerID:    1,
		ControllerEpoch: 7,
		PartitionStates: []*PartitionState{
			{
				Topic:           "t",
				Partition:       0,
				ControllerEpoch: 7,
				Leader:          2,
				LeaderEpoch:     6,
				ISR:             []int32{2, 3},
				ZKVersion:       4,
				Replicas:        []int32{1, 2, 3},
			},
		},
		LiveLeaders: []*LiveLeader{{ID: 2, Host: "127.0.0.1", Port: 9092}},
	}

	b, err := Encode(req)
	require.NoError(t, err)

	var got LeaderAndISRRequest
	require.NoError(t, Decode(b, &got, req.Version()))
	assert.Equal(t, req.ControllerID, got.ControllerID)
	assert.Equal(t, req.ControllerEpoch, got.ControllerEpoch)
	require.Len(t, got.PartitionStates, 1)
	assert.Equal(t, req.PartitionStates[0], got.PartitionStates[0])
	require.Len(t, got.LiveLeaders, 1)
	assert.Equal(t, req.LiveLeaders[0], got.LiveLeaders[0])
}

func TestStopReplicaRequestRoundTrip(t *testing.T) {
	req := &StopReplicaRequest{
		ControllerID:     1,
		ControllerEpoch:  3,
		DeletePartitions: true,
		Partitions: []*StopReplicaPartition{
			{Topic: "t", Partition: 0},
			{Topic: "t", Partition: 1},
		},
	}

	b, err := Encode(req)
	require.NoError(t, err)

	var got StopReplicaRequest
	require.NoError(t, Decode(b, &got, req.Version()))
	assert.True(t, got.DeletePartitions)
	require.Len(t, got.Partitions, 2)
	assert.Equal(t, req.Partitions[1], got.Partitions[1])
}

func TestUpdateMetadataRequestRoundTrip(t *testing.T) {
	req := &UpdateMetadataRequest{
		ControllerID:    1,
		ControllerEpoch: 9,
		PartitionStates: []*PartitionState{
			{Topic: "t", Partition: 0, ControllerEpoch: 9, Leader: 1, LeaderEpoch: 2, ISR: []int32{1}, ZKVersion: 1, Replicas: []int32{1, 2}},
		},
		LiveBrokers: []*UpdateMetadataBroker{
			{ID: 1, Host: "127.0.0.1", Port: 9091},
			{ID: 2, Host: "127.0.0.1", Port: 9092},
		},
	}

	b, err := Encode(req)
	require.NoError(t, err)

	var got UpdateMetadataRequest
	require.NoError(t, Decode(b, &got, req.Version()))
	assert.Equal(t, req.PartitionStates[0], got.PartitionStates[0])
	require.Len(t, got.LiveBrokers, 2)
	assert.Equal(t, req.LiveBrokers[1], got.LiveBrokers[1])
}

func TestControlledShutdownRoundTrip(t *testing.T) {
	req := &ControlledShutdownRequest{BrokerID: 3}
	b, err := Encode(req)
	require.NoError(t, err)
	var gotReq ControlledShutdownRequest
	require.NoError(t, Decode(b, &gotReq, req.Version()))
	assert.Equal(t, int32(3), gotReq.BrokerID)

	res := &ControlledShutdownResponse{
		ErrorCode: ErrNone.Code(),
		PartitionsRemaining: []*ControlledShutdownPartition{
			{Topic: "t", Partition: 0},
		},
	}
	b, err = Encode(res)
	require.NoError(t, err)
	var gotRes ControlledShutdownResponse
	require.NoError(t, Decode(b, &gotRes, res.Version()))
	require.Len(t, gotRes.PartitionsRemaining, 1)
	assert.Equal(t, res.PartitionsRemaining[0], gotRes.PartitionsRemaining[0])
}

func TestRequestFraming(t *testing.T) {
	body := &StopReplicaRequest{ControllerID: 1, ControllerEpoch: 2, Partitions: []*StopReplicaPartition{{Topic: "t", Partition: 0}}}
	req := &Request{CorrelationID: 42, ClientID: "test", Body: body}

	b, err := Encode(req)
	require.NoError(t, err)

	// size prefix covers everything after itself.
	size := MakeInt32(b[:4])
	assert.Equal(t, int(size), len(b)-4)

	d := NewDecoder(b[4:])
	var got Request
	require.NoError(t, got.Decode(d))
	assert.Equal(t, int32(42), got.CorrelationID)
	assert.Equal(t, "test", got.ClientID)
	decoded, ok := got.Body.(*StopReplicaRequest)
	require.True(t, ok)
	assert.Equal(t, int32(1), decoded.ControllerID)
	require.Len(t, decoded.Partitions, 1)
}

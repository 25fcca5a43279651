package corvid

import (
	"testing"

	"github.com/corvidmq/corvid/corvid/structs"
	"github.com/corvidmq/corvid/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// batchController builds a controller with a live channel manager over the
// capture transport, without running the event loop.
func batchController(t *testing.T, brokers ...int32) (*Controller, *mockTransport) {
	tc := newTestController(t, 99)
	seedCluster(tc, brokers...)
	bs, err := tc.zk.Brokers()
	require.NoError(t, err)
	tc.c.ctx.setLiveBrokers(bs)
	tc.c.ctx.epoch = 1
	tc.c.cm = newChannelManager(tc.c.config, tc.c.logger, tc.tr.dialer(), nil)
	tc.c.cm.startup(bs)
	t.Cleanup(tc.c.cm.close)
	return tc.c, tc.tr
}

func TestRequestBatchCoalescesPerBroker(t *testing.T) {
	c, tr := batchController(t, 1, 2)
	tp0 := structs.TopicPartition{Topic: "t", Partition: 0}
	tp1 := structs.TopicPartition{Topic: "t", Partition: 1}
	c.ctx.setReplicaAssignment(tp0, []int32{1, 2})
	c.ctx.setReplicaAssignment(tp1, []int32{2, 1})
	l := structs.LeaderISRAndControllerEpoch{
		LeaderAndISR:    structs.LeaderAndISR{Leader: 1, LeaderEpoch: 1, ISR: []int32{1, 2}},
		ControllerEpoch: 1,
	}
	c.ctx.setLeadership(tp0, l)
	c.ctx.setLeadership(tp1, l)

	require.NoError(t, c.batch.newBatch())
	c.batch.addLeaderAndISRRequestForBrokers([]int32{1, 2}, tp0, l, []int32{1, 2})
	c.batch.addLeaderAndISRRequestForBrokers([]int32{1, 2}, tp1, l, []int32{2, 1})
	c.batch.addStopReplicaRequestForBrokers([]int32{2}, tp0, false)
	c.batch.addStopReplicaRequestForBrokers([]int32{2}, tp1, false)
	require.NoError(t, c.batch.sendRequestsToBrokers(c.ctx.epoch))

	// two LeaderAndISR (one per broker, both partitions merged), one
	// StopReplica, two UpdateMetadata.
	tc := &testController{c: c, tr: tr}
	reqs := tc.waitForRequests(t, 5)

	counts := make(map[string]map[string]int)
	for _, r := range reqs {
		kind := ""
		switch req := r.req.(type) {
		case *protocol.LeaderAndISRRequest:
			kind = "leaderAndISR"
			assert.Len(t, req.PartitionStates, 2)
			assert.Equal(t, int32(1), req.ControllerEpoch)
		case *protocol.StopReplicaRequest:
			kind = "stopReplica"
			assert.Len(t, req.Partitions, 2)
		case *protocol.UpdateMetadataRequest:
			kind = "updateMetadata"
			assert.Len(t, req.PartitionStates, 2)
			assert.Len(t, req.LiveBrokers, 2)
		}
		if counts[r.addr] == nil {
			counts[r.addr] = make(map[string]int)
		}
		counts[r.addr][kind]++
	}
	for _, id := range []int32{1, 2} {
		addr := brokerAddr(id)
		assert.Equal(t, 1, counts[addr]["leaderAndISR"], "broker %d", id)
		assert.Equal(t, 1, counts[addr]["updateMetadata"], "broker %d", id)
	}
	assert.Equal(t, 1, counts[brokerAddr(2)]["stopReplica"])
	assert.Zero(t, counts[brokerAddr(1)]["stopReplica"])
}

func TestRequestBatchSplitsStopReplicaByDeleteFlag(t *testing.T) {
	c, tr := batchController(t, 1)
	tp := structs.TopicPartition{Topic: "t", Partition: 0}

	require.NoError(t, c.batch.newBatch())
	c.batch.addStopReplicaRequestForBrokers([]int32{1}, tp, false)
	c.batch.addStopReplicaRequestForBrokers([]int32{1}, tp, true)
	require.NoError(t, c.batch.sendRequestsToBrokers(c.ctx.epoch))

	tc := &testController{c: c, tr: tr}
	reqs := tc.waitForRequests(t, 2)
	deletes := map[bool]int{}
	for _, r := range reqs {
		req, ok := r.req.(*protocol.StopReplicaRequest)
		require.True(t, ok)
		deletes[req.DeletePartitions]++
	}
	assert.Equal(t, 1, deletes[true])
	assert.Equal(t, 1, deletes[false])
}

func TestRequestBatchRejectsUnsentLeftovers(t *testing.T) {
	c, _ := batchController(t, 1)
	tp := structs.TopicPartition{Topic: "t", Partition: 0}
	c.ctx.setReplicaAssignment(tp, []int32{1})
	l := structs.LeaderISRAndControllerEpoch{
		LeaderAndISR:    structs.LeaderAndISR{Leader: 1, LeaderEpoch: 1, ISR: []int32{1}},
		ControllerEpoch: 1,
	}
	c.ctx.setLeadership(tp, l)

	require.NoError(t, c.batch.newBatch())
	c.batch.addLeaderAndISRRequestForBrokers([]int32{1}, tp, l, []int32{1})

	err := c.batch.newBatch()
	assert.Equal(t, ErrIllegalState, errCause(err))

	c.batch.clear()
	assert.NoError(t, c.batch.newBatch())
}

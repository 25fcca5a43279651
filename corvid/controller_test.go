package corvid

import (
	"fmt"
	"testing"
	"time"

	"github.com/corvidmq/corvid/corvid/config"
	"github.com/corvidmq/corvid/corvid/structs"
	"github.com/corvidmq/corvid/protocol"
	"github.com/corvidmq/corvid/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testController struct {
	c  *Controller
	zk *mockCoordination
	tr *mockTransport
}

func newTestController(t *testing.T, id int32) *testController {
	conf := config.DefaultConfig()
	conf.ID = id
	conf.Host = "127.0.0.1"
	conf.Port = 9090 + id
	// keep the rebalance timer out of the way; tests fire it explicitly.
	conf.LeaderImbalanceCheckInterval = time.Hour

	zkm := newMockCoordination()
	tr := &mockTransport{}
	c := New(conf, zkm, nil, testutil.NewTestLogger(t), nil)
	c.dial = tr.dialer()
	t.Cleanup(c.Shutdown)
	return &testController{c: c, zk: zkm, tr: tr}
}

func (tc *testController) await(t *testing.T) {
	t.Helper()
	done := make(chan struct{})
	tc.c.eventMgr.put(awaitLatchEvent{done: done})
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for event queue to drain")
	}
}

func (tc *testController) startup(t *testing.T) {
	t.Helper()
	tc.c.Startup()
	tc.await(t)
	require.True(t, tc.c.IsActive())
}

func (tc *testController) put(t *testing.T, e ControllerEvent) {
	t.Helper()
	tc.c.eventMgr.put(e)
	tc.await(t)
}

func brokerAddr(id int32) string {
	return fmt.Sprintf("127.0.0.1:%d", 9090+id)
}

func seedCluster(tc *testController, ids ...int32) {
	for _, id := range ids {
		tc.zk.addBroker(structs.Broker{ID: id, Host: "127.0.0.1", Port: 9090 + id})
	}
}

// waitForRequests polls the capture transport until at least n requests have
// been sent.
func (tc *testController) waitForRequests(t *testing.T, n int) []capturedRequest {
	t.Helper()
	testutil.WaitForResult(func() (bool, error) {
		return tc.tr.count() >= n, nil
	}, func(err error) {
		t.Fatalf("waiting for %d requests: %v (got %d)", n, err, tc.tr.count())
	})
	return tc.tr.take()
}

func TestElectionAndFailover(t *testing.T) {
	tc := newTestController(t, 99)
	tp := structs.TopicPartition{Topic: "t", Partition: 0}
	seedCluster(tc, 1, 2, 3)
	tc.zk.setTopic("t", map[int32][]int32{0: {1, 2, 3}})
	tc.zk.setState(tp, structs.LeaderAndISR{Leader: 1, LeaderEpoch: 5, ISR: []int32{1, 2, 3}, ZKVersion: 3}, 0)

	tc.startup(t)

	assert.Equal(t, int32(1), tc.c.ctx.epoch)
	assert.Equal(t, []int32{1, 2, 3}, tc.c.ctx.assignedReplicas(tp))
	l, ok := tc.c.ctx.leadership(tp)
	require.True(t, ok)
	assert.Equal(t, int32(1), l.LeaderAndISR.Leader)
	assert.Equal(t, int64(1), tc.c.ctx.TopicCount())
	assert.Equal(t, int64(1), tc.c.ctx.PartitionCount())

	// the new reign announces itself to every live broker before anything
	// else happens.
	reqs := tc.waitForRequests(t, 3)
	byAddr := make(map[string]int)
	for _, r := range reqs {
		if _, ok := r.req.(*protocol.UpdateMetadataRequest); ok {
			byAddr[r.addr]++
		}
	}
	for _, id := range []int32{1, 2, 3} {
		assert.NotZero(t, byAddr[brokerAddr(id)], "broker %d got no update metadata", id)
	}
}

func TestFailoverAfterControllerLoss(t *testing.T) {
	tc := newTestController(t, 99)
	tp := structs.TopicPartition{Topic: "t", Partition: 0}
	seedCluster(tc, 1, 2, 3)
	tc.zk.setTopic("t", map[int32][]int32{0: {1, 2, 3}})
	tc.zk.setState(tp, structs.LeaderAndISR{Leader: 1, LeaderEpoch: 5, ISR: []int32{1, 2, 3}, ZKVersion: 3}, 0)
	tc.startup(t)

	// the controller node vanishes: resign, then win the next election.
	tc.zk.mu.Lock()
	tc.zk.controllerExists = false
	tc.zk.mu.Unlock()
	tc.put(t, controllerChangeEvent{})

	require.True(t, tc.c.IsActive())
	assert.Equal(t, int32(2), tc.c.ctx.epoch)
	// context is rebuilt identically from the same coordination state.
	assert.Equal(t, []int32{1, 2, 3}, tc.c.ctx.assignedReplicas(tp))
	l, ok := tc.c.ctx.leadership(tp)
	require.True(t, ok)
	assert.Equal(t, int32(1), l.LeaderAndISR.Leader)
}

func TestLeaderFailover(t *testing.T) {
	tc := newTestController(t, 99)
	tp := structs.TopicPartition{Topic: "t", Partition: 0}
	seedCluster(tc, 1, 2, 3)
	tc.zk.setTopic("t", map[int32][]int32{0: {1, 2, 3}})
	tc.zk.setState(tp, structs.LeaderAndISR{Leader: 1, LeaderEpoch: 5, ISR: []int32{1, 2, 3}, ZKVersion: 0}, 0)
	tc.startup(t)
	tc.waitForRequests(t, 3)

	tc.zk.removeBroker(1)
	tc.put(t, brokerChangeEvent{})

	got := tc.zk.state(tp)
	assert.Equal(t, int32(2), got.Leader)
	assert.Equal(t, []int32{2, 3}, got.ISR)
	assert.Equal(t, int32(6), got.LeaderEpoch)

	l, ok := tc.c.ctx.leadership(tp)
	require.True(t, ok)
	assert.Equal(t, int32(2), l.LeaderAndISR.Leader)

	reqs := tc.waitForRequests(t, 4)
	var leaderAndISRAddrs, updateMetadataAddrs []string
	for _, r := range reqs {
		switch req := r.req.(type) {
		case *protocol.LeaderAndISRRequest:
			leaderAndISRAddrs = append(leaderAndISRAddrs, r.addr)
			require.Len(t, req.PartitionStates, 1)
			assert.Equal(t, int32(2), req.PartitionStates[0].Leader)
			assert.Equal(t, int32(6), req.PartitionStates[0].LeaderEpoch)
		case *protocol.UpdateMetadataRequest:
			updateMetadataAddrs = append(updateMetadataAddrs, r.addr)
		}
	}
	assert.ElementsMatch(t, []string{brokerAddr(2), brokerAddr(3)}, leaderAndISRAddrs)
	assert.ElementsMatch(t, []string{brokerAddr(2), brokerAddr(3)}, updateMetadataAddrs)
}

func TestUncleanDisabledLastISRReplicaDies(t *testing.T) {
	tc := newTestController(t, 99)
	tp := structs.TopicPartition{Topic: "t", Partition: 0}
	seedCluster(tc, 1, 2)
	tc.zk.setTopic("t", map[int32][]int32{0: {1, 2}})
	tc.zk.setState(tp, structs.LeaderAndISR{Leader: 1, LeaderEpoch: 3, ISR: []int32{1}, ZKVersion: 0}, 0)
	tc.startup(t)

	tc.zk.removeBroker(1)
	tc.put(t, brokerChangeEvent{})

	// no eligible replica: the partition stays offline and the ISR is
	// retained rather than electing broker 2 from outside it.
	assert.Equal(t, partitionOffline, tc.c.psm.currentState(tp))
	got := tc.zk.state(tp)
	assert.Equal(t, []int32{1}, got.ISR)
	assert.Equal(t, structs.NoLeader, got.Leader)
	assert.Equal(t, int64(1), tc.c.ctx.OfflinePartitionCount())
}

func TestReassignment(t *testing.T) {
	tc := newTestController(t, 99)
	tp := structs.TopicPartition{Topic: "t", Partition: 0}
	seedCluster(tc, 1, 2, 3, 4, 5, 6)
	tc.zk.setTopic("t", map[int32][]int32{0: {1, 2, 3}})
	tc.zk.setState(tp, structs.LeaderAndISR{Leader: 1, LeaderEpoch: 0, ISR: []int32{1, 2, 3}, ZKVersion: 0}, 0)
	tc.startup(t)

	tc.zk.setReassignment(tp, []int32{4, 5, 6})
	tc.put(t, partitionReassignmentEvent{})

	// waiting phase: AR is the union, the leader keeps its seat with a
	// bumped epoch, and the new replicas start fetching.
	assert.Equal(t, []int32{1, 2, 3, 4, 5, 6}, tc.c.ctx.assignedReplicas(tp))
	tc.zk.mu.Lock()
	assert.Equal(t, []int32{1, 2, 3, 4, 5, 6}, tc.zk.assignments["t"][0])
	tc.zk.mu.Unlock()
	mid := tc.zk.state(tp)
	assert.Equal(t, int32(1), mid.Leader)
	assert.Equal(t, []int32{1, 2, 3}, mid.ISR)
	assert.Equal(t, int32(1), mid.LeaderEpoch)
	assert.True(t, tc.zk.reassignmentContains(tp))

	// the new replicas catch up.
	tc.zk.mu.Lock()
	st := tc.zk.states[tp]
	st.leaderAndISR.ISR = []int32{1, 2, 3, 4, 5, 6}
	st.leaderAndISR.ZKVersion++
	tc.zk.mu.Unlock()
	tc.put(t, partitionReassignmentISRChangeEvent{tp: tp})

	got := tc.zk.state(tp)
	assert.Equal(t, int32(4), got.Leader)
	assert.Equal(t, []int32{4, 5, 6}, got.ISR)
	assert.Equal(t, []int32{4, 5, 6}, tc.c.ctx.assignedReplicas(tp))
	tc.zk.mu.Lock()
	assert.Equal(t, []int32{4, 5, 6}, tc.zk.assignments["t"][0])
	tc.zk.mu.Unlock()
	assert.False(t, tc.zk.reassignmentContains(tp))
	_, reassigning := tc.c.ctx.partitionsReassigning[tp]
	assert.False(t, reassigning)
}

func TestReassignmentReplayIsIdempotent(t *testing.T) {
	tc := newTestController(t, 99)
	tp := structs.TopicPartition{Topic: "t", Partition: 0}
	seedCluster(tc, 1, 2, 3, 4, 5, 6)
	tc.zk.setTopic("t", map[int32][]int32{0: {1, 2, 3}})
	tc.zk.setState(tp, structs.LeaderAndISR{Leader: 1, LeaderEpoch: 0, ISR: []int32{1, 2, 3}, ZKVersion: 0}, 0)
	tc.startup(t)

	tc.zk.setReassignment(tp, []int32{4, 5, 6})
	tc.put(t, partitionReassignmentEvent{})
	tc.zk.mu.Lock()
	st := tc.zk.states[tp]
	st.leaderAndISR.ISR = []int32{1, 2, 3, 4, 5, 6}
	st.leaderAndISR.ZKVersion++
	tc.zk.mu.Unlock()

	tc.put(t, partitionReassignmentISRChangeEvent{tp: tp})
	first := tc.zk.state(tp)
	firstAR := tc.c.ctx.assignedReplicas(tp)

	// a duplicate firing of the same watch changes nothing.
	tc.put(t, partitionReassignmentISRChangeEvent{tp: tp})
	assert.Equal(t, first, tc.zk.state(tp))
	assert.Equal(t, firstAR, tc.c.ctx.assignedReplicas(tp))
}

func TestReassignmentToSameReplicasShortCircuits(t *testing.T) {
	tc := newTestController(t, 99)
	tp := structs.TopicPartition{Topic: "t", Partition: 0}
	seedCluster(tc, 1, 2, 3)
	tc.zk.setTopic("t", map[int32][]int32{0: {1, 2, 3}})
	tc.zk.setState(tp, structs.LeaderAndISR{Leader: 1, LeaderEpoch: 7, ISR: []int32{1, 2, 3}, ZKVersion: 0}, 0)
	tc.startup(t)

	tc.zk.setReassignment(tp, []int32{1, 2, 3})
	tc.put(t, partitionReassignmentEvent{})

	assert.False(t, tc.zk.reassignmentContains(tp))
	got := tc.zk.state(tp)
	assert.Equal(t, int32(7), got.LeaderEpoch)
	_, reassigning := tc.c.ctx.partitionsReassigning[tp]
	assert.False(t, reassigning)
}

func TestControlledShutdownFollower(t *testing.T) {
	tc := newTestController(t, 99)
	tp := structs.TopicPartition{Topic: "t", Partition: 0}
	seedCluster(tc, 1, 2, 3)
	tc.zk.setTopic("t", map[int32][]int32{0: {1, 2, 3}})
	tc.zk.setState(tp, structs.LeaderAndISR{Leader: 1, LeaderEpoch: 5, ISR: []int32{1, 2, 3}, ZKVersion: 0}, 0)
	tc.startup(t)
	tc.waitForRequests(t, 3)

	var remaining []structs.TopicPartition
	var cbErr error
	done := make(chan struct{})
	tc.c.ControlledShutdown(3, func(partitions []structs.TopicPartition, err error) {
		remaining, cbErr = partitions, err
		close(done)
	})
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for controlled shutdown")
	}

	require.NoError(t, cbErr)
	assert.Empty(t, remaining)
	_, down := tc.c.ctx.shuttingDownBrokerIDs[3]
	assert.True(t, down)

	got := tc.zk.state(tp)
	assert.Equal(t, int32(1), got.Leader)
	assert.Equal(t, []int32{1, 2}, got.ISR)
	assert.Equal(t, int32(6), got.LeaderEpoch)

	testutil.WaitForResult(func() (bool, error) {
		for _, r := range tc.tr.take() {
			if req, ok := r.req.(*protocol.StopReplicaRequest); ok && r.addr == brokerAddr(3) && !req.DeletePartitions {
				return true, nil
			}
		}
		return false, nil
	}, func(err error) {
		t.Fatalf("no stop replica sent to broker 3: %v", err)
	})
}

func TestControlledShutdownMovesLeadership(t *testing.T) {
	tc := newTestController(t, 99)
	tp := structs.TopicPartition{Topic: "t", Partition: 0}
	seedCluster(tc, 1, 2, 3)
	tc.zk.setTopic("t", map[int32][]int32{0: {1, 2, 3}})
	tc.zk.setState(tp, structs.LeaderAndISR{Leader: 1, LeaderEpoch: 5, ISR: []int32{1, 2, 3}, ZKVersion: 0}, 0)
	tc.startup(t)

	done := make(chan struct{})
	var remaining []structs.TopicPartition
	var cbErr error
	tc.c.ControlledShutdown(1, func(partitions []structs.TopicPartition, err error) {
		remaining, cbErr = partitions, err
		close(done)
	})
	<-done

	require.NoError(t, cbErr)
	assert.Empty(t, remaining)
	got := tc.zk.state(tp)
	assert.Equal(t, int32(2), got.Leader)
	assert.Equal(t, []int32{2, 3}, got.ISR)
	assert.Equal(t, int32(6), got.LeaderEpoch)
}

func TestControlledShutdownUnknownBroker(t *testing.T) {
	tc := newTestController(t, 99)
	seedCluster(tc, 1, 2)
	tc.startup(t)

	done := make(chan struct{})
	tc.c.ControlledShutdown(42, func(partitions []structs.TopicPartition, err error) {
		assert.Equal(t, ErrBrokerNotAvailable, errCause(err))
		close(done)
	})
	<-done
}

func TestEpochFencing(t *testing.T) {
	tc := newTestController(t, 99)
	tp := structs.TopicPartition{Topic: "t", Partition: 0}
	seedCluster(tc, 1, 2, 3)
	tc.zk.setTopic("t", map[int32][]int32{0: {1, 2, 3}})
	tc.zk.setState(tp, structs.LeaderAndISR{Leader: 1, LeaderEpoch: 5, ISR: []int32{1, 2, 3}, ZKVersion: 0}, 0)
	tc.startup(t)
	require.True(t, tc.c.IsActive())

	// another controller bumps the epoch node behind our back; the next
	// conditional write must end our reign.
	tc.zk.setEpochZKVersion(tc.c.ctx.epochZKVersion + 1)
	tc.zk.removeBroker(1)
	tc.put(t, brokerChangeEvent{})

	assert.False(t, tc.c.IsActive())
	assert.Equal(t, int32(0), tc.c.ctx.epoch)
	assert.Empty(t, tc.c.ctx.liveBrokers)
}

func TestAutoPreferredReplicaElection(t *testing.T) {
	tc := newTestController(t, 99)
	seedCluster(tc, 1, 2, 3)
	assignment := make(map[int32][]int32)
	for p := int32(0); p < 10; p++ {
		assignment[p] = []int32{2, 1, 3}
	}
	tc.zk.setTopic("t", assignment)
	for p := int32(0); p < 10; p++ {
		leader := int32(2)
		if p >= 5 {
			leader = 1
		}
		tc.zk.setState(structs.TopicPartition{Topic: "t", Partition: p},
			structs.LeaderAndISR{Leader: leader, LeaderEpoch: 1, ISR: []int32{1, 2, 3}, ZKVersion: 0}, 0)
	}
	tc.startup(t)

	// mark the manual-election path so we can tell it isn't cleared by the
	// auto pass.
	tc.zk.mu.Lock()
	tc.zk.preferred = []structs.TopicPartition{{Topic: "t", Partition: 5}}
	tc.zk.mu.Unlock()

	tc.put(t, autoPreferredReplicaElectionEvent{})

	for p := int32(0); p < 10; p++ {
		got := tc.zk.state(structs.TopicPartition{Topic: "t", Partition: p})
		assert.Equal(t, int32(2), got.Leader, "partition %d", p)
		if p >= 5 {
			assert.Equal(t, int32(2), got.LeaderEpoch, "partition %d epoch", p)
		} else {
			assert.Equal(t, int32(1), got.LeaderEpoch, "partition %d epoch", p)
		}
	}
	tc.zk.mu.Lock()
	assert.Len(t, tc.zk.preferred, 1)
	tc.zk.mu.Unlock()
}

func TestAutoRebalanceSkippedDuringReassignment(t *testing.T) {
	tc := newTestController(t, 99)
	seedCluster(tc, 1, 2, 3)
	tc.zk.setTopic("t", map[int32][]int32{0: {2, 1, 3}})
	tp := structs.TopicPartition{Topic: "t", Partition: 0}
	tc.zk.setState(tp, structs.LeaderAndISR{Leader: 1, LeaderEpoch: 1, ISR: []int32{1, 2, 3}, ZKVersion: 0}, 0)
	tc.startup(t)

	// any in-flight reassignment throttles the whole auto pass.
	tc.c.ctx.partitionsReassigning[structs.TopicPartition{Topic: "u", Partition: 0}] = &reassignedPartitionContext{newReplicas: []int32{1}}
	tc.put(t, autoPreferredReplicaElectionEvent{})

	got := tc.zk.state(tp)
	assert.Equal(t, int32(1), got.Leader)
	assert.Equal(t, int32(1), got.LeaderEpoch)
}

func TestTopicDeletion(t *testing.T) {
	tc := newTestController(t, 99)
	tp := structs.TopicPartition{Topic: "t", Partition: 0}
	seedCluster(tc, 1, 2, 3)
	tc.zk.setTopic("t", map[int32][]int32{0: {1, 2, 3}})
	tc.zk.setState(tp, structs.LeaderAndISR{Leader: 1, LeaderEpoch: 5, ISR: []int32{1, 2, 3}, ZKVersion: 0}, 0)
	tc.startup(t)

	tc.zk.mu.Lock()
	tc.zk.topicsToDelete["t"] = struct{}{}
	tc.zk.mu.Unlock()
	tc.put(t, topicDeletionEvent{})

	// replica deletion completes through the StopReplica response events the
	// capture transport answers.
	testutil.WaitForResult(func() (bool, error) {
		tc.zk.mu.Lock()
		_, assigned := tc.zk.assignments["t"]
		_, queued := tc.zk.topicsToDelete["t"]
		tc.zk.mu.Unlock()
		return !assigned && !queued, nil
	}, func(err error) {
		t.Fatalf("topic was not deleted: %v", err)
	})
	tc.await(t)
	_, exists := tc.c.ctx.allTopics["t"]
	assert.False(t, exists)
	assert.Equal(t, int64(0), tc.c.ctx.TopicCount())
	assert.Equal(t, int64(0), tc.c.ctx.PartitionCount())
}

func TestTopicCreation(t *testing.T) {
	tc := newTestController(t, 99)
	seedCluster(tc, 1, 2, 3)
	tc.startup(t)

	tc.zk.setTopic("t", map[int32][]int32{0: {1, 2, 3}, 1: {2, 3, 1}})
	tc.put(t, topicChangeEvent{})

	for p := int32(0); p < 2; p++ {
		tp := structs.TopicPartition{Topic: "t", Partition: p}
		got := tc.zk.state(tp)
		preferred := tc.c.ctx.assignedReplicas(tp)[0]
		assert.Equal(t, preferred, got.Leader, "partition %d", p)
		assert.Equal(t, int32(0), got.LeaderEpoch)
		assert.Equal(t, partitionOnline, tc.c.psm.currentState(tp))
	}
	assert.Equal(t, int64(2), tc.c.ctx.PartitionCount())
}

func TestISRChangeNotification(t *testing.T) {
	tc := newTestController(t, 99)
	tp := structs.TopicPartition{Topic: "t", Partition: 0}
	seedCluster(tc, 1, 2, 3)
	tc.zk.setTopic("t", map[int32][]int32{0: {1, 2, 3}})
	tc.zk.setState(tp, structs.LeaderAndISR{Leader: 1, LeaderEpoch: 5, ISR: []int32{1, 2, 3}, ZKVersion: 0}, 0)
	tc.startup(t)
	tc.waitForRequests(t, 3)

	// a broker shrank the ISR directly; the notification tells us to
	// refresh and fan the change out.
	tc.zk.mu.Lock()
	st := tc.zk.states[tp]
	st.leaderAndISR.ISR = []int32{1, 2}
	st.leaderAndISR.LeaderEpoch = 6
	st.leaderAndISR.ZKVersion++
	tc.zk.isrNotifications["0000000000"] = []structs.TopicPartition{tp}
	tc.zk.mu.Unlock()

	tc.put(t, isrChangeNotificationEvent{})

	l, ok := tc.c.ctx.leadership(tp)
	require.True(t, ok)
	assert.Equal(t, []int32{1, 2}, l.LeaderAndISR.ISR)
	assert.Equal(t, int32(6), l.LeaderAndISR.LeaderEpoch)
	tc.zk.mu.Lock()
	assert.Empty(t, tc.zk.isrNotifications)
	tc.zk.mu.Unlock()

	reqs := tc.waitForRequests(t, 3)
	um := 0
	for _, r := range reqs {
		if _, ok := r.req.(*protocol.UpdateMetadataRequest); ok {
			um++
		}
	}
	assert.Equal(t, 3, um)
}

func TestBrokerStartupBringsReplicasOnline(t *testing.T) {
	tc := newTestController(t, 99)
	tp := structs.TopicPartition{Topic: "t", Partition: 0}
	seedCluster(tc, 1, 2)
	tc.zk.setTopic("t", map[int32][]int32{0: {1, 2, 3}})
	tc.zk.setState(tp, structs.LeaderAndISR{Leader: 1, LeaderEpoch: 5, ISR: []int32{1, 2}, ZKVersion: 0}, 0)
	tc.startup(t)
	tc.waitForRequests(t, 2)

	seedCluster(tc, 3)
	tc.put(t, brokerChangeEvent{})

	assert.True(t, tc.c.ctx.isLiveBroker(3))
	r := structs.PartitionReplica{Topic: "t", Partition: 0, Replica: 3}
	assert.Equal(t, replicaOnline, tc.c.rsm.currentState(r))

	// the newcomer gets a full metadata snapshot and its follower state.
	testutil.WaitForResult(func() (bool, error) {
		for _, req := range tc.tr.take() {
			if _, ok := req.req.(*protocol.UpdateMetadataRequest); ok && req.addr == brokerAddr(3) {
				return true, nil
			}
		}
		return false, nil
	}, func(err error) {
		t.Fatalf("broker 3 got no metadata: %v", err)
	})
}

func errCause(err error) error {
	type causer interface {
		Cause() error
	}
	for err != nil {
		c, ok := err.(causer)
		if !ok {
			break
		}
		err = c.Cause()
	}
	return err
}

func TestControllerAppliesOwnMetadataLocally(t *testing.T) {
	tc := newTestController(t, 1)
	tp := structs.TopicPartition{Topic: "t", Partition: 0}
	seedCluster(tc, 1, 2)
	tc.zk.setTopic("t", map[int32][]int32{0: {1, 2}})
	tc.zk.setState(tp, structs.LeaderAndISR{Leader: 1, LeaderEpoch: 2, ISR: []int32{1, 2}, ZKVersion: 0}, 0)
	tc.startup(t)

	// the controller's own copy of UpdateMetadata lands in its cache rather
	// than going over the wire.
	cache := tc.c.Cache()
	testutil.WaitForResult(func() (bool, error) {
		id, epoch := cache.ControllerID()
		return id == 1 && epoch == 1, nil
	}, func(err error) {
		t.Fatalf("cache never updated: %v", err)
	})
	p, err := cache.GetPartition("t", 0)
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Equal(t, int32(1), p.Leader)
	brokers, err := cache.GetBrokers()
	require.NoError(t, err)
	assert.Len(t, brokers, 2)
	for _, r := range tc.tr.take() {
		assert.NotEqual(t, brokerAddr(1), r.addr, "controller dialed itself")
	}
}

func TestLogDirFailureMovesLeadership(t *testing.T) {
	tc := newTestController(t, 99)
	tp := structs.TopicPartition{Topic: "t", Partition: 0}
	seedCluster(tc, 1, 2, 3)
	tc.zk.setTopic("t", map[int32][]int32{0: {2, 1, 3}})
	tc.zk.setState(tp, structs.LeaderAndISR{Leader: 2, LeaderEpoch: 4, ISR: []int32{1, 2, 3}, ZKVersion: 0}, 0)
	tc.startup(t)

	// broker 2 reports a failed log dir; its replica errors on the probing
	// LeaderAndISR request and leadership has to move.
	tc.tr.failLeaderAndISR(brokerAddr(2), protocol.ErrReplicaNotAvailable.Code())
	tc.zk.mu.Lock()
	tc.zk.logDirNotifications["0000000000"] = 2
	tc.zk.mu.Unlock()
	tc.put(t, logDirEventNotificationEvent{})

	testutil.WaitForResult(func() (bool, error) {
		got := tc.zk.state(tp)
		return got.Leader == 1, nil
	}, func(err error) {
		t.Fatalf("leadership never moved off broker 2: %v", err)
	})
	tc.await(t)
	got := tc.zk.state(tp)
	assert.Equal(t, []int32{1, 3}, got.ISR)
	// one epoch bump for the ISR shrink, one for the re-election.
	assert.Equal(t, int32(6), got.LeaderEpoch)
	assert.False(t, tc.c.ctx.isReplicaOnline(2, tp, false))
	tc.zk.mu.Lock()
	assert.Empty(t, tc.zk.logDirNotifications)
	tc.zk.mu.Unlock()
}

package zk

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestControllerPayloadShape(t *testing.T) {
	b, err := encodePayload(newControllerPayload(3))
	require.NoError(t, err)

	var got map[string]interface{}
	require.NoError(t, json.Unmarshal(b, &got))
	assert.Equal(t, float64(1), got["version"])
	assert.Equal(t, float64(3), got["brokerid"])
	assert.NotEmpty(t, got["timestamp"])
}

func TestPartitionStatePayloadRoundTrip(t *testing.T) {
	in := partitionStatePayload{
		Version:         1,
		Leader:          2,
		LeaderEpoch:     6,
		ISR:             []int32{2, 3},
		ControllerEpoch: 7,
	}
	b, err := encodePayload(in)
	require.NoError(t, err)

	// field names stay wire compatible.
	var raw map[string]interface{}
	require.NoError(t, json.Unmarshal(b, &raw))
	for _, key := range []string{"version", "leader", "leader_epoch", "isr", "controller_epoch"} {
		assert.Contains(t, raw, key)
	}

	var out partitionStatePayload
	require.NoError(t, decodePayload(b, &out))
	assert.Equal(t, in, out)
}

func TestTopicPayloadAssignments(t *testing.T) {
	b := []byte(`{"version":1,"partitions":{"0":[1,2,3],"1":[2,3,1]}}`)
	var payload topicPayload
	require.NoError(t, decodePayload(b, &payload))

	assignments, err := payload.assignments("t")
	require.NoError(t, err)
	require.Len(t, assignments, 2)
	for tp, replicas := range assignments {
		assert.Equal(t, "t", tp.Topic)
		assert.Len(t, replicas, 3)
	}
}

func TestReassignPayloadRoundTrip(t *testing.T) {
	b := []byte(`{"version":1,"partitions":[{"topic":"t","partition":0,"replicas":[4,5,6]}]}`)
	var payload reassignPartitionsPayload
	require.NoError(t, decodePayload(b, &payload))
	require.Len(t, payload.Partitions, 1)
	assert.Equal(t, "t", payload.Partitions[0].Topic)
	assert.Equal(t, []int32{4, 5, 6}, payload.Partitions[0].Replicas)
}

func TestLogDirEventPayload(t *testing.T) {
	b := []byte(`{"version":1,"broker":2,"event":1}`)
	var payload logDirEventPayload
	require.NoError(t, decodePayload(b, &payload))
	assert.Equal(t, int32(2), payload.Broker)
}

func TestPartitionPaths(t *testing.T) {
	assert.Equal(t, "/brokers/topics/t/partitions/0/state", partitionStatePath("t", 0))
	assert.Equal(t, "/brokers/topics/t", topicPath("t"))
	assert.Equal(t, "/brokers/ids/3", brokerIDPath(3))
	assert.Equal(t, "/config/topics/t", topicConfigPath("t"))
	assert.Equal(t, "/admin/delete_topics/t", deleteTopicPath("t"))
}

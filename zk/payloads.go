package zk

import (
	"strconv"
	"time"

	"github.com/corvidmq/corvid/corvid/structs"
	"github.com/ugorji/go/codec"
)

// jsonHandle is the shared handle for node payloads; everything written to
// the coordination service is JSON.
var jsonHandle = &codec.JsonHandle{}

func encodePayload(v interface{}) ([]byte, error) {
	var b []byte
	err := codec.NewEncoderBytes(&b, jsonHandle).Encode(v)
	return b, err
}

func decodePayload(b []byte, v interface{}) error {
	return codec.NewDecoderBytes(b, jsonHandle).Decode(v)
}

type controllerPayload struct {
	Version   int32  `json:"version"`
	BrokerID  int32  `json:"brokerid"`
	Timestamp string `json:"timestamp"`
}

func newControllerPayload(brokerID int32) controllerPayload {
	return controllerPayload{
		Version:   1,
		BrokerID:  brokerID,
		Timestamp: strconv.FormatInt(time.Now().UnixNano()/int64(time.Millisecond), 10),
	}
}

type brokerPayload struct {
	Version   int32  `json:"version"`
	Host      string `json:"host"`
	Port      int32  `json:"port"`
	Timestamp string `json:"timestamp"`
}

type topicPayload struct {
	Version int32 `json:"version"`
	// Partitions maps partition ids (as decimal strings) to replica lists.
	Partitions map[string][]int32 `json:"partitions"`
}

func (p topicPayload) assignments(topic string) (map[structs.TopicPartition][]int32, error) {
	out := make(map[structs.TopicPartition][]int32, len(p.Partitions))
	for id, replicas := range p.Partitions {
		partition, err := strconv.ParseInt(id, 10, 32)
		if err != nil {
			return nil, err
		}
		out[structs.TopicPartition{Topic: topic, Partition: int32(partition)}] = replicas
	}
	return out, nil
}

type partitionStatePayload struct {
	Version         int32   `json:"version"`
	Leader          int32   `json:"leader"`
	LeaderEpoch     int32   `json:"leader_epoch"`
	ISR             []int32 `json:"isr"`
	ControllerEpoch int32   `json:"controller_epoch"`
}

type reassignPartitionsPayload struct {
	Version    int32                   `json:"version"`
	Partitions []reassignPartitionItem `json:"partitions"`
}

type reassignPartitionItem struct {
	Topic     string  `json:"topic"`
	Partition int32   `json:"partition"`
	Replicas  []int32 `json:"replicas"`
}

type partitionListPayload struct {
	Version    int32               `json:"version"`
	Partitions []partitionListItem `json:"partitions"`
}

type partitionListItem struct {
	Topic     string `json:"topic"`
	Partition int32  `json:"partition"`
}

type logDirEventPayload struct {
	Version int32 `json:"version"`
	Broker  int32 `json:"broker"`
	Event   int32 `json:"event"`
}

type topicConfigPayload struct {
	Version int32             `json:"version"`
	Config  map[string]string `json:"config"`
}

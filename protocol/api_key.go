package protocol

// Control-plane API keys. Values match the Kafka protocol so the requests
// stay wire compatible. See: https://kafka.apache.org/protocol#protocol_api_keys
const (
	LeaderAndISRKey       = 4
	StopReplicaKey        = 5
	UpdateMetadataKey     = 6
	ControlledShutdownKey = 7
)

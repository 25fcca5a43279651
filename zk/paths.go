package zk

import "fmt"

// Coordination-service paths. These stay compatible with the layout the
// brokers and admin tools already use.
const (
	ControllerPath                    = "/controller"
	ControllerEpochPath               = "/controller_epoch"
	BrokerIdsPath                     = "/brokers/ids"
	BrokerTopicsPath                  = "/brokers/topics"
	ConfigTopicsPath                  = "/config/topics"
	AdminReassignPartitionsPath       = "/admin/reassign_partitions"
	AdminPreferredReplicaElectionPath = "/admin/preferred_replica_election"
	AdminDeleteTopicsPath             = "/admin/delete_topics"
	ISRChangeNotificationPath         = "/isr_change_notification"
	LogDirEventNotificationPath       = "/log_dir_event_notification"
	TopicDeletionFlagPath             = "/topic_deletion_flag"
)

func brokerIDPath(id int32) string {
	return fmt.Sprintf("%s/%d", BrokerIdsPath, id)
}

func topicPath(topic string) string {
	return fmt.Sprintf("%s/%s", BrokerTopicsPath, topic)
}

func topicPartitionsPath(topic string) string {
	return fmt.Sprintf("%s/%s/partitions", BrokerTopicsPath, topic)
}

func partitionPath(topic string, partition int32) string {
	return fmt.Sprintf("%s/%s/partitions/%d", BrokerTopicsPath, topic, partition)
}

func partitionStatePath(topic string, partition int32) string {
	return fmt.Sprintf("%s/%s/partitions/%d/state", BrokerTopicsPath, topic, partition)
}

func topicConfigPath(topic string) string {
	return fmt.Sprintf("%s/%s", ConfigTopicsPath, topic)
}

func deleteTopicPath(topic string) string {
	return fmt.Sprintf("%s/%s", AdminDeleteTopicsPath, topic)
}

package corvid

import (
	"github.com/corvidmq/corvid/corvid/structs"
	"github.com/corvidmq/corvid/log"
)

// topicDeletionManager orchestrates topic deletion across replicas. A topic
// only makes progress while it is eligible: not being reassigned, no dead
// replicas, and the deletion feature enabled. Replica deletion results come
// back as StopReplica response events.
type topicDeletionManager struct {
	c      *Controller
	logger log.Logger

	enabled           bool
	topicsToBeDeleted map[string]struct{}
	topicsIneligible  map[string]struct{}
}

func newTopicDeletionManager(c *Controller, logger log.Logger) *topicDeletionManager {
	return &topicDeletionManager{
		c:                 c,
		logger:            logger,
		topicsToBeDeleted: make(map[string]struct{}),
		topicsIneligible:  make(map[string]struct{}),
	}
}

// init seeds the manager at controller failover.
func (m *topicDeletionManager) init(queued []string, ineligible []string, enabled bool) {
	m.enabled = enabled
	for _, t := range queued {
		m.topicsToBeDeleted[t] = struct{}{}
		if !enabled {
			m.topicsIneligible[t] = struct{}{}
		}
	}
	for _, t := range ineligible {
		m.topicsIneligible[t] = struct{}{}
	}
}

// reset clears all deletion state; called at resignation.
func (m *topicDeletionManager) reset() {
	m.topicsToBeDeleted = make(map[string]struct{})
	m.topicsIneligible = make(map[string]struct{})
}

func (m *topicDeletionManager) isTopicQueuedForDeletion(topic string) bool {
	_, ok := m.topicsToBeDeleted[topic]
	return ok
}

func (m *topicDeletionManager) isTopicIneligible(topic string) bool {
	_, ok := m.topicsIneligible[topic]
	return ok
}

func (m *topicDeletionManager) isTopicEligible(topic string) bool {
	return m.isTopicQueuedForDeletion(topic) && !m.isTopicIneligible(topic)
}

func (m *topicDeletionManager) enqueueTopicsForDeletion(topics []string) {
	for _, t := range topics {
		m.topicsToBeDeleted[t] = struct{}{}
		if !m.enabled {
			m.topicsIneligible[t] = struct{}{}
		}
	}
	m.resumeDeletions()
}

func (m *topicDeletionManager) markTopicsIneligible(topics []string) {
	for _, t := range topics {
		if m.isTopicQueuedForDeletion(t) {
			m.topicsIneligible[t] = struct{}{}
			m.logger.Debug("marked topic ineligible for deletion", log.String("topic", t))
		}
	}
}

func (m *topicDeletionManager) resumeDeletionForTopics(topics []string) {
	resumed := false
	for _, t := range topics {
		if _, ok := m.topicsIneligible[t]; ok && m.enabled {
			delete(m.topicsIneligible, t)
			resumed = true
		}
	}
	if resumed {
		m.resumeDeletions()
	}
}

// completeReplicaDeletions records replicas whose StopReplica(delete=true)
// succeeded and re-checks topic completion.
func (m *topicDeletionManager) completeReplicaDeletions(replicas []structs.PartitionReplica) {
	if err := m.c.rsm.handleStateChanges(replicas, replicaDeletionSuccessful); err != nil {
		m.c.handleStateChangeError(err)
		return
	}
	m.resumeDeletions()
}

// failReplicaDeletions parks replicas whose deletion failed; their topics
// stay queued but ineligible until the replicas recover.
func (m *topicDeletionManager) failReplicaDeletions(replicas []structs.PartitionReplica) {
	topics := make(map[string]struct{})
	for _, r := range replicas {
		topics[r.Topic] = struct{}{}
	}
	if err := m.c.rsm.handleStateChanges(replicas, replicaDeletionIneligible); err != nil {
		m.c.handleStateChangeError(err)
		return
	}
	for t := range topics {
		m.markTopicsIneligible([]string{t})
	}
}

// resumeDeletions is the work loop: finish topics whose replicas are all
// deleted, start (or restart) deletion for eligible topics.
func (m *topicDeletionManager) resumeDeletions() {
	for topic := range m.topicsToBeDeleted {
		if m.c.rsm.areAllReplicasInState(topic, replicaDeletionSuccessful) {
			m.completeDeleteTopic(topic)
			m.logger.Info("topic deleted", log.String("topic", topic))
			continue
		}
		if m.isTopicEligible(topic) {
			m.startReplicaDeletion(topic)
		}
	}
}

// startReplicaDeletion drives the topic's live replicas offline and then into
// ReplicaDeletionStarted, which stages StopReplica(delete=true).
func (m *topicDeletionManager) startReplicaDeletion(topic string) {
	replicas := m.c.ctx.replicasForTopic(topic)
	var dead, alive []structs.PartitionReplica
	for _, r := range replicas {
		if m.c.ctx.isReplicaOnline(r.Replica, r.TopicPartition(), true) {
			alive = append(alive, r)
		} else {
			dead = append(dead, r)
		}
	}
	if len(dead) > 0 {
		m.failReplicaDeletions(dead)
	}
	var toStart []structs.PartitionReplica
	for _, r := range alive {
		switch m.c.rsm.currentState(r) {
		case replicaDeletionStarted, replicaDeletionSuccessful:
			continue
		default:
			toStart = append(toStart, r)
		}
	}
	if len(toStart) == 0 {
		return
	}
	if err := m.c.rsm.handleStateChanges(toStart, replicaOffline); err != nil {
		m.c.handleStateChangeError(err)
		return
	}
	if err := m.c.rsm.handleStateChanges(toStart, replicaDeletionStarted); err != nil {
		m.c.handleStateChangeError(err)
	}
}

// completeDeleteTopic removes every trace of the topic: replica and
// partition states, the context entries, and the coordination-service nodes.
func (m *topicDeletionManager) completeDeleteTopic(topic string) {
	m.c.zk.UnwatchPartitionModifications(topic)

	replicas := m.c.rsm.replicasInState(topic, replicaDeletionSuccessful)
	if err := m.c.rsm.handleStateChanges(replicas, replicaNonExistent); err != nil {
		m.c.handleStateChangeError(err)
		return
	}
	partitions := m.c.ctx.partitionsForTopic(topic)
	if err := m.c.psm.handleStateChanges(partitions, partitionOffline, nil); err != nil {
		m.c.handleStateChangeError(err)
		return
	}
	if err := m.c.psm.handleStateChanges(partitions, partitionNonExistent, nil); err != nil {
		m.c.handleStateChangeError(err)
		return
	}

	delete(m.topicsToBeDeleted, topic)
	delete(m.topicsIneligible, topic)
	m.c.ctx.removeTopic(topic)

	if err := m.c.zk.DeleteTopicAssignment(topic, m.c.ctx.epochZKVersion); err != nil {
		m.logger.Error("failed to delete topic assignment node", log.String("topic", topic), log.Error("error", err))
	}
	if err := m.c.zk.DeleteTopicDeletionNode(topic, m.c.ctx.epochZKVersion); err != nil {
		m.logger.Error("failed to delete topic deletion node", log.String("topic", topic), log.Error("error", err))
	}
}

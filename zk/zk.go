// Package zk implements the coordination-service client the controller and
// brokers use: ephemeral registration, the controller election multi-op,
// versioned conditional writes fenced on the controller epoch, and watches.
package zk

import (
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/corvidmq/corvid/corvid"
	"github.com/corvidmq/corvid/corvid/structs"
	"github.com/corvidmq/corvid/log"
	"github.com/pkg/errors"
	"github.com/samuel/go-zookeeper/zk"
)

var acl = zk.WorldACL(zk.PermAll)

// Client talks to one coordination-service ensemble. It implements
// corvid.CoordinationClient.
type Client struct {
	logger  log.Logger
	conn    *zk.Conn
	session <-chan zk.Event

	// DefaultUncleanElection is the broker-level fallback when a topic has no
	// unclean.leader.election.enable override.
	DefaultUncleanElection bool

	mu         sync.Mutex
	watchers   map[string]chan struct{}
	sessionFns []func()
}

var _ corvid.CoordinationClient = (*Client)(nil)

// Connect dials the ensemble and starts session tracking.
func Connect(addrs []string, sessionTimeout time.Duration, logger log.Logger) (*Client, error) {
	conn, session, err := zk.Connect(addrs, sessionTimeout)
	if err != nil {
		return nil, errors.Wrap(err, "zk connect failed")
	}
	conn.SetLogger(&connLogger{logger})
	c := &Client{
		logger:   logger,
		conn:     conn,
		session:  session,
		watchers: make(map[string]chan struct{}),
	}
	go c.handleSessionEvents()
	return c, nil
}

func (c *Client) Close() {
	c.mu.Lock()
	for key, stop := range c.watchers {
		close(stop)
		delete(c.watchers, key)
	}
	c.sessionFns = nil
	c.mu.Unlock()
	c.conn.Close()
}

type connLogger struct {
	logger log.Logger
}

func (l *connLogger) Printf(format string, args ...interface{}) {
	l.logger.Debug("zk: " + strings.TrimSpace(strings.Replace(format, "%v", "", -1)))
}

func (c *Client) handleSessionEvents() {
	for ev := range c.session {
		if ev.Type != zk.EventSession || ev.State != zk.StateExpired {
			continue
		}
		c.logger.Error("zk session expired")
		c.mu.Lock()
		fns := append([]func(){}, c.sessionFns...)
		c.mu.Unlock()
		for _, fn := range fns {
			fn()
		}
	}
}

// Election and epoch.

func (c *Client) ControllerID() (int32, bool, error) {
	data, _, err := c.conn.Get(ControllerPath)
	if err == zk.ErrNoNode {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, errors.Wrap(err, "get controller failed")
	}
	var payload controllerPayload
	if err := decodePayload(data, &payload); err != nil {
		return 0, false, errors.Wrap(err, "decode controller payload failed")
	}
	return payload.BrokerID, true, nil
}

// RegisterController creates the ephemeral controller node and bumps the
// controller epoch in one transaction so at most one broker can win.
func (c *Client) RegisterController(brokerID int32) (int32, int32, error) {
	epoch, version, exists, err := c.ControllerEpoch()
	if err != nil {
		return 0, 0, err
	}
	if !exists {
		if err := c.createRecursive(ControllerEpochPath, []byte("0")); err != nil && err != zk.ErrNodeExists {
			return 0, 0, errors.Wrap(err, "create controller epoch node failed")
		}
		epoch, version = 0, 0
	}
	newEpoch := epoch + 1
	data, err := encodePayload(newControllerPayload(brokerID))
	if err != nil {
		return 0, 0, err
	}
	_, err = c.conn.Multi(
		&zk.CreateRequest{Path: ControllerPath, Data: data, Acl: acl, Flags: zk.FlagEphemeral},
		&zk.SetDataRequest{Path: ControllerEpochPath, Data: epochData(newEpoch), Version: version},
	)
	if err == zk.ErrNodeExists || err == zk.ErrBadVersion {
		return 0, 0, errors.Wrap(corvid.ErrControllerMoved, err.Error())
	}
	if err != nil {
		return 0, 0, errors.Wrap(err, "controller election multi-op failed")
	}
	return newEpoch, version + 1, nil
}

func (c *Client) DeleteController(expectedEpochZKVersion int32) error {
	_, err := c.conn.Multi(
		&zk.CheckVersionRequest{Path: ControllerEpochPath, Version: expectedEpochZKVersion},
		&zk.DeleteRequest{Path: ControllerPath, Version: -1},
	)
	if err == zk.ErrNoNode {
		return nil
	}
	if err == zk.ErrBadVersion {
		return errors.Wrap(corvid.ErrControllerMoved, "controller epoch advanced past ours")
	}
	return err
}

func (c *Client) ControllerEpoch() (int32, int32, bool, error) {
	data, stat, err := c.conn.Get(ControllerEpochPath)
	if err == zk.ErrNoNode {
		return 0, 0, false, nil
	}
	if err != nil {
		return 0, 0, false, errors.Wrap(err, "get controller epoch failed")
	}
	epoch, err := strconv.ParseInt(string(data), 10, 32)
	if err != nil {
		return 0, 0, false, errors.Wrap(err, "parse controller epoch failed")
	}
	return int32(epoch), stat.Version, true, nil
}

func epochData(epoch int32) []byte {
	return []byte(strconv.FormatInt(int64(epoch), 10))
}

// fencedMulti runs ops conditional on the controller epoch node still being
// at the caller's version: the fence every controller write goes through.
func (c *Client) fencedMulti(epochZKVersion int32, ops ...interface{}) error {
	all := append([]interface{}{
		&zk.CheckVersionRequest{Path: ControllerEpochPath, Version: epochZKVersion},
	}, ops...)
	_, err := c.conn.Multi(all...)
	if err != zk.ErrBadVersion {
		return err
	}
	// figure out which version check tripped: the fence means we've been
	// superseded, any other is an ordinary CAS conflict.
	_, version, exists, verr := c.ControllerEpoch()
	if verr != nil {
		return verr
	}
	if !exists || version != epochZKVersion {
		return errors.Wrap(corvid.ErrControllerMoved, "controller epoch fence failed")
	}
	return errors.Wrap(corvid.ErrVersionConflict, "conditional write failed")
}

// Brokers.

func (c *Client) Brokers() ([]structs.Broker, error) {
	children, _, err := c.conn.Children(BrokerIdsPath)
	if err == zk.ErrNoNode {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "list brokers failed")
	}
	brokers := make([]structs.Broker, 0, len(children))
	for _, child := range children {
		id, err := strconv.ParseInt(child, 10, 32)
		if err != nil {
			continue
		}
		data, _, err := c.conn.Get(BrokerIdsPath + "/" + child)
		if err == zk.ErrNoNode {
			// broker went away between the list and the read.
			continue
		}
		if err != nil {
			return nil, errors.Wrap(err, "get broker failed")
		}
		var payload brokerPayload
		if err := decodePayload(data, &payload); err != nil {
			return nil, errors.Wrap(err, "decode broker payload failed")
		}
		brokers = append(brokers, structs.Broker{ID: int32(id), Host: payload.Host, Port: payload.Port})
	}
	return brokers, nil
}

// RegisterBroker creates this broker's ephemeral registration node.
func (c *Client) RegisterBroker(b structs.Broker) error {
	data, err := encodePayload(brokerPayload{
		Version:   1,
		Host:      b.Host,
		Port:      b.Port,
		Timestamp: strconv.FormatInt(time.Now().UnixNano()/int64(time.Millisecond), 10),
	})
	if err != nil {
		return err
	}
	if err := c.ensureParents(brokerIDPath(b.ID)); err != nil {
		return err
	}
	_, err = c.conn.Create(brokerIDPath(b.ID), data, zk.FlagEphemeral, acl)
	return err
}

// Topics and assignments.

func (c *Client) Topics() ([]string, error) {
	children, _, err := c.conn.Children(BrokerTopicsPath)
	if err == zk.ErrNoNode {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "list topics failed")
	}
	return children, nil
}

func (c *Client) ReplicaAssignments(topics []string) (map[structs.TopicPartition][]int32, error) {
	out := make(map[structs.TopicPartition][]int32)
	for _, topic := range topics {
		data, _, err := c.conn.Get(topicPath(topic))
		if err == zk.ErrNoNode {
			continue
		}
		if err != nil {
			return nil, errors.Wrap(err, "get topic assignment failed")
		}
		var payload topicPayload
		if err := decodePayload(data, &payload); err != nil {
			return nil, errors.Wrap(err, "decode topic assignment failed")
		}
		assignments, err := payload.assignments(topic)
		if err != nil {
			return nil, err
		}
		for tp, replicas := range assignments {
			out[tp] = replicas
		}
	}
	return out, nil
}

func (c *Client) SetReplicaAssignment(topic string, assignment map[int32][]int32, epochZKVersion int32) error {
	payload := topicPayload{Version: 1, Partitions: make(map[string][]int32, len(assignment))}
	for id, replicas := range assignment {
		payload.Partitions[strconv.FormatInt(int64(id), 10)] = replicas
	}
	data, err := encodePayload(payload)
	if err != nil {
		return err
	}
	return c.fencedMulti(epochZKVersion, &zk.SetDataRequest{Path: topicPath(topic), Data: data, Version: -1})
}

func (c *Client) DeleteTopicAssignment(topic string, epochZKVersion int32) error {
	if err := c.deleteRecursive(topicPartitionsPath(topic)); err != nil && err != zk.ErrNoNode {
		return errors.Wrap(err, "delete topic partitions failed")
	}
	err := c.fencedMulti(epochZKVersion, &zk.DeleteRequest{Path: topicPath(topic), Version: -1})
	if err == zk.ErrNoNode {
		return nil
	}
	return err
}

// Leader and ISR.

func (c *Client) LeaderAndISR(tp structs.TopicPartition) (structs.LeaderAndISR, int32, bool, error) {
	data, stat, err := c.conn.Get(partitionStatePath(tp.Topic, tp.Partition))
	if err == zk.ErrNoNode {
		return structs.LeaderAndISR{}, 0, false, nil
	}
	if err != nil {
		return structs.LeaderAndISR{}, 0, false, errors.Wrap(err, "get partition state failed")
	}
	var payload partitionStatePayload
	if err := decodePayload(data, &payload); err != nil {
		return structs.LeaderAndISR{}, 0, false, errors.Wrap(err, "decode partition state failed")
	}
	l := structs.LeaderAndISR{
		Leader:      payload.Leader,
		LeaderEpoch: payload.LeaderEpoch,
		ISR:         payload.ISR,
		ZKVersion:   stat.Version,
	}
	return l, payload.ControllerEpoch, true, nil
}

func (c *Client) CreateLeaderAndISR(tp structs.TopicPartition, l structs.LeaderAndISR, controllerEpoch int32, epochZKVersion int32) error {
	data, err := encodePayload(partitionStatePayload{
		Version:         1,
		Leader:          l.Leader,
		LeaderEpoch:     l.LeaderEpoch,
		ISR:             l.ISR,
		ControllerEpoch: controllerEpoch,
	})
	if err != nil {
		return err
	}
	path := partitionStatePath(tp.Topic, tp.Partition)
	if err := c.ensureParents(path); err != nil {
		return err
	}
	return c.fencedMulti(epochZKVersion, &zk.CreateRequest{Path: path, Data: data, Acl: acl})
}

// UpdateLeaderAndISR conditionally writes the partition state using
// l.ZKVersion. The coordination service bumps the node's version by exactly
// one on success, so the new version is returned without a re-read.
func (c *Client) UpdateLeaderAndISR(tp structs.TopicPartition, l structs.LeaderAndISR, controllerEpoch int32, epochZKVersion int32) (int32, error) {
	data, err := encodePayload(partitionStatePayload{
		Version:         1,
		Leader:          l.Leader,
		LeaderEpoch:     l.LeaderEpoch,
		ISR:             l.ISR,
		ControllerEpoch: controllerEpoch,
	})
	if err != nil {
		return 0, err
	}
	err = c.fencedMulti(epochZKVersion, &zk.SetDataRequest{
		Path:    partitionStatePath(tp.Topic, tp.Partition),
		Data:    data,
		Version: l.ZKVersion,
	})
	if err != nil {
		return 0, err
	}
	return l.ZKVersion + 1, nil
}

// Reassignment and preferred election.

func (c *Client) PartitionsBeingReassigned() (map[structs.TopicPartition][]int32, error) {
	data, _, err := c.conn.Get(AdminReassignPartitionsPath)
	if err == zk.ErrNoNode {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "get reassignment path failed")
	}
	var payload reassignPartitionsPayload
	if err := decodePayload(data, &payload); err != nil {
		return nil, errors.Wrap(err, "decode reassignment payload failed")
	}
	out := make(map[structs.TopicPartition][]int32, len(payload.Partitions))
	for _, item := range payload.Partitions {
		out[structs.TopicPartition{Topic: item.Topic, Partition: item.Partition}] = item.Replicas
	}
	return out, nil
}

// RemovePartitionFromReassignment rewrites the reassignment node without the
// given partition, deleting the node once it empties.
func (c *Client) RemovePartitionFromReassignment(tp structs.TopicPartition, epochZKVersion int32) error {
	remaining, err := c.PartitionsBeingReassigned()
	if err != nil {
		return err
	}
	if _, ok := remaining[tp]; !ok {
		return nil
	}
	delete(remaining, tp)
	if len(remaining) == 0 {
		err := c.fencedMulti(epochZKVersion, &zk.DeleteRequest{Path: AdminReassignPartitionsPath, Version: -1})
		if err == zk.ErrNoNode {
			return nil
		}
		return err
	}
	payload := reassignPartitionsPayload{Version: 1}
	for rtp, replicas := range remaining {
		payload.Partitions = append(payload.Partitions, reassignPartitionItem{Topic: rtp.Topic, Partition: rtp.Partition, Replicas: replicas})
	}
	data, err := encodePayload(payload)
	if err != nil {
		return err
	}
	return c.fencedMulti(epochZKVersion, &zk.SetDataRequest{Path: AdminReassignPartitionsPath, Data: data, Version: -1})
}

func (c *Client) PartitionsForPreferredReplicaElection() ([]structs.TopicPartition, error) {
	data, _, err := c.conn.Get(AdminPreferredReplicaElectionPath)
	if err == zk.ErrNoNode {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "get preferred election path failed")
	}
	var payload partitionListPayload
	if err := decodePayload(data, &payload); err != nil {
		return nil, errors.Wrap(err, "decode preferred election payload failed")
	}
	partitions := make([]structs.TopicPartition, 0, len(payload.Partitions))
	for _, item := range payload.Partitions {
		partitions = append(partitions, structs.TopicPartition{Topic: item.Topic, Partition: item.Partition})
	}
	return partitions, nil
}

func (c *Client) DeletePreferredReplicaElection(epochZKVersion int32) error {
	err := c.fencedMulti(epochZKVersion, &zk.DeleteRequest{Path: AdminPreferredReplicaElectionPath, Version: -1})
	if err == zk.ErrNoNode {
		return nil
	}
	return err
}

// Topic deletion.

func (c *Client) TopicsQueuedForDeletion() ([]string, error) {
	children, _, err := c.conn.Children(AdminDeleteTopicsPath)
	if err == zk.ErrNoNode {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "list topics queued for deletion failed")
	}
	return children, nil
}

func (c *Client) DeleteTopicDeletionNode(topic string, epochZKVersion int32) error {
	err := c.fencedMulti(epochZKVersion, &zk.DeleteRequest{Path: deleteTopicPath(topic), Version: -1})
	if err == zk.ErrNoNode {
		return nil
	}
	return err
}

func (c *Client) TopicDeletionEnabled() (bool, error) {
	data, _, err := c.conn.Get(TopicDeletionFlagPath)
	if err == zk.ErrNoNode {
		return true, nil
	}
	if err != nil {
		return false, errors.Wrap(err, "get topic deletion flag failed")
	}
	return string(data) == "true", nil
}

// Notifications.

func (c *Client) ISRChangeNotifications() ([]string, error) {
	return c.sortedChildren(ISRChangeNotificationPath)
}

func (c *Client) ISRChangeNotificationPartitions(seqs []string) ([]structs.TopicPartition, error) {
	var partitions []structs.TopicPartition
	for _, seq := range seqs {
		data, _, err := c.conn.Get(ISRChangeNotificationPath + "/" + seq)
		if err == zk.ErrNoNode {
			continue
		}
		if err != nil {
			return nil, errors.Wrap(err, "get isr change notification failed")
		}
		var payload partitionListPayload
		if err := decodePayload(data, &payload); err != nil {
			return nil, errors.Wrap(err, "decode isr change notification failed")
		}
		for _, item := range payload.Partitions {
			partitions = append(partitions, structs.TopicPartition{Topic: item.Topic, Partition: item.Partition})
		}
	}
	return partitions, nil
}

func (c *Client) DeleteISRChangeNotifications(seqs []string, epochZKVersion int32) error {
	return c.deleteNotifications(ISRChangeNotificationPath, seqs, epochZKVersion)
}

func (c *Client) LogDirEventNotifications() ([]string, error) {
	return c.sortedChildren(LogDirEventNotificationPath)
}

func (c *Client) LogDirEventNotificationBrokers(seqs []string) ([]int32, error) {
	seen := make(map[int32]struct{})
	var brokerIDs []int32
	for _, seq := range seqs {
		data, _, err := c.conn.Get(LogDirEventNotificationPath + "/" + seq)
		if err == zk.ErrNoNode {
			continue
		}
		if err != nil {
			return nil, errors.Wrap(err, "get log dir event notification failed")
		}
		var payload logDirEventPayload
		if err := decodePayload(data, &payload); err != nil {
			return nil, errors.Wrap(err, "decode log dir event notification failed")
		}
		if _, ok := seen[payload.Broker]; !ok {
			seen[payload.Broker] = struct{}{}
			brokerIDs = append(brokerIDs, payload.Broker)
		}
	}
	return brokerIDs, nil
}

func (c *Client) DeleteLogDirEventNotifications(seqs []string, epochZKVersion int32) error {
	return c.deleteNotifications(LogDirEventNotificationPath, seqs, epochZKVersion)
}

func (c *Client) deleteNotifications(root string, seqs []string, epochZKVersion int32) error {
	for _, seq := range seqs {
		err := c.fencedMulti(epochZKVersion, &zk.DeleteRequest{Path: root + "/" + seq, Version: -1})
		if err != nil && err != zk.ErrNoNode {
			return err
		}
	}
	return nil
}

// Topic config.

func (c *Client) UncleanLeaderElectionEnabled(topic string) (bool, error) {
	data, _, err := c.conn.Get(topicConfigPath(topic))
	if err == zk.ErrNoNode {
		return c.DefaultUncleanElection, nil
	}
	if err != nil {
		return false, errors.Wrap(err, "get topic config failed")
	}
	var payload topicConfigPayload
	if err := decodePayload(data, &payload); err != nil {
		return false, errors.Wrap(err, "decode topic config failed")
	}
	v, ok := payload.Config["unclean.leader.election.enable"]
	if !ok {
		return c.DefaultUncleanElection, nil
	}
	return v == "true", nil
}

// helpers

func (c *Client) sortedChildren(path string) ([]string, error) {
	children, _, err := c.conn.Children(path)
	if err == zk.ErrNoNode {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "list children of %s failed", path)
	}
	sort.Strings(children)
	return children, nil
}

// ensureParents creates every missing ancestor of path.
func (c *Client) ensureParents(path string) error {
	parts := strings.Split(path, "/")
	cur := ""
	for _, part := range parts[1 : len(parts)-1] {
		cur = cur + "/" + part
		_, err := c.conn.Create(cur, nil, 0, acl)
		if err != nil && err != zk.ErrNodeExists {
			return errors.Wrapf(err, "create %s failed", cur)
		}
	}
	return nil
}

func (c *Client) createRecursive(path string, data []byte) error {
	if err := c.ensureParents(path); err != nil {
		return err
	}
	_, err := c.conn.Create(path, data, 0, acl)
	return err
}

func (c *Client) deleteRecursive(path string) error {
	children, _, err := c.conn.Children(path)
	if err != nil {
		return err
	}
	for _, child := range children {
		if err := c.deleteRecursive(path + "/" + child); err != nil && err != zk.ErrNoNode {
			return err
		}
	}
	return c.conn.Delete(path, -1)
}

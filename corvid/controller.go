package corvid

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/corvidmq/corvid/corvid/config"
	"github.com/corvidmq/corvid/corvid/state"
	"github.com/corvidmq/corvid/corvid/structs"
	"github.com/corvidmq/corvid/corvid/util"
	"github.com/corvidmq/corvid/log"
	"github.com/corvidmq/corvid/protocol"
	opentracing "github.com/opentracing/opentracing-go"
	"github.com/pkg/errors"
)

const noController int32 = -1

// Controller coordinates the cluster from whichever broker wins the
// controller election. All of its state transitions run on the single
// event-loop goroutine owned by the event manager.
type Controller struct {
	config  *config.Config
	logger  log.Logger
	tracer  opentracing.Tracer
	zk      CoordinationClient
	metrics *Metrics
	cache   *state.Store

	ctx         *ControllerContext
	eventMgr    *eventManager
	cm          *channelManager
	batch       *brokerRequestBatch
	psm         *partitionStateMachine
	rsm         *replicaStateMachine
	deletionMgr *topicDeletionManager

	offlineSelector   leaderSelector
	reassignSelector  leaderSelector
	preferredSelector leaderSelector
	shutdownSelector  leaderSelector

	// dial is swapped out by tests to capture outgoing requests.
	dial Dialer

	activeControllerID int32
	state              int32

	rebalanceStopCh chan struct{}

	shutdownLock sync.Mutex
	shutdownDone bool
}

// New creates a controller-capable broker component. Metrics may be nil, in
// which case nothing is recorded.
func New(conf *config.Config, zkClient CoordinationClient, tracer opentracing.Tracer, logger log.Logger, metrics *Metrics) *Controller {
	if metrics == nil {
		metrics = NewNopMetrics()
	}
	c := &Controller{
		config:             conf,
		logger:             logger.With(log.Int32("broker id", conf.ID)),
		tracer:             tracer,
		zk:                 zkClient,
		metrics:            metrics,
		ctx:                newControllerContext(),
		cache:              state.NewStore(),
		dial:               Dial,
		activeControllerID: noController,
	}
	c.eventMgr = newEventManager(c, c.logger, tracer)
	c.batch = newBrokerRequestBatch(c, c.logger)
	c.psm = newPartitionStateMachine(c, c.logger)
	c.rsm = newReplicaStateMachine(c, c.logger)
	c.deletionMgr = newTopicDeletionManager(c, c.logger)
	c.offlineSelector = &offlinePartitionLeaderSelector{ctx: c.ctx, unclean: c.uncleanElectionEnabled}
	c.reassignSelector = &reassignedPartitionLeaderSelector{ctx: c.ctx}
	c.preferredSelector = &preferredReplicaPartitionLeaderSelector{ctx: c.ctx}
	c.shutdownSelector = &controlledShutdownLeaderSelector{ctx: c.ctx}
	return c
}

// Startup begins participating in the controller election. It returns once
// the startup event is queued; election happens on the event loop.
func (c *Controller) Startup() {
	c.eventMgr.start()
}

// Shutdown drains the event queue, resigns if active, and stops everything.
func (c *Controller) Shutdown() {
	c.shutdownLock.Lock()
	defer c.shutdownLock.Unlock()
	if c.shutdownDone {
		return
	}
	c.shutdownDone = true
	c.eventMgr.close()
	if c.IsActive() {
		c.onControllerResignation()
	}
}

// IsActive reports whether this broker is the active controller. Safe from
// any goroutine.
func (c *Controller) IsActive() bool {
	return atomic.LoadInt32(&c.activeControllerID) == c.config.ID
}

// Cache returns the broker-side cluster metadata view maintained from
// UpdateMetadata requests.
func (c *Controller) Cache() *state.Store {
	return c.cache
}

// ControlledShutdown asks the controller to move leadership and ISR
// membership off the given broker. The callback receives the partitions the
// broker still leads.
func (c *Controller) ControlledShutdown(brokerID int32, cb func(partitionsRemaining []structs.TopicPartition, err error)) {
	c.eventMgr.put(controlledShutdownEvent{brokerID: brokerID, callback: cb})
}

func (c *Controller) setActiveControllerID(id int32) {
	atomic.StoreInt32(&c.activeControllerID, id)
	if id == c.config.ID {
		c.metrics.ActiveControllerCount.Set(1)
	} else {
		c.metrics.ActiveControllerCount.Set(0)
	}
}

func (c *Controller) setState(s ControllerState) {
	atomic.StoreInt32(&c.state, int32(s))
	c.metrics.ControllerState.Set(float64(s))
}

func (c *Controller) updateMetrics() {
	c.metrics.GlobalTopicCount.Set(float64(c.ctx.TopicCount()))
	c.metrics.GlobalPartitionCount.Set(float64(c.ctx.PartitionCount()))
	c.metrics.OfflinePartitionsCount.Set(float64(c.ctx.OfflinePartitionCount()))
}

func (c *Controller) offlinePartitionEntered() {
	atomic.AddInt64(&c.ctx.offlinePartitionCount, 1)
}

func (c *Controller) offlinePartitionLeft() {
	atomic.AddInt64(&c.ctx.offlinePartitionCount, -1)
}

func (c *Controller) uncleanElectionEnabled(topic string) bool {
	enabled, err := c.zk.UncleanLeaderElectionEnabled(topic)
	if err != nil {
		c.logger.Error("failed to read unclean election config, using broker default",
			log.String("topic", topic), log.Error("error", err))
		return c.config.UncleanLeaderElectionEnable
	}
	return enabled
}

// handleStateChangeError deals with errors surfaced outside an event's return
// path. Losing the epoch fence is fatal for the reign: clear the batch,
// delete our controller node, let the next election happen.
func (c *Controller) handleStateChangeError(err error) {
	switch errors.Cause(err) {
	case ErrControllerMoved, ErrIllegalState:
		c.handleControllerMoved(err)
	default:
		c.logger.Error("state change failed", log.Error("error", err))
	}
}

func (c *Controller) handleControllerMoved(err error) {
	c.logger.Info("controller epoch fence tripped, giving up controllership", log.Error("error", err))
	c.batch.clear()
	c.triggerControllerMove()
}

// triggerControllerMove deletes this broker's controller node under the epoch
// version it believes it holds, then resigns. The deletion fires the
// controller-change watch and with it the next election.
func (c *Controller) triggerControllerMove() {
	if !c.IsActive() {
		return
	}
	if err := c.zk.DeleteController(c.ctx.epochZKVersion); err != nil {
		c.logger.Error("failed to delete controller node during move", log.Error("error", err))
	}
	c.onControllerResignation()
}

// maybeResign re-reads who the controller is and resigns if it is no longer
// us.
func (c *Controller) maybeResign() {
	wasActive := c.IsActive()
	id, exists, err := c.zk.ControllerID()
	if err != nil {
		c.logger.Error("failed to read active controller", log.Error("error", err))
		return
	}
	if !exists {
		id = noController
	}
	c.setActiveControllerID(id)
	if wasActive && !c.IsActive() {
		c.onControllerResignation()
	}
}

// Event processing.

func (e startupEvent) process(c *Controller) error {
	c.zk.WatchControllerChanges(func() {
		c.eventMgr.put(controllerChangeEvent{})
	})
	c.zk.WatchSessionExpiration(func() {
		c.eventMgr.put(reelectEvent{})
	})
	return c.elect()
}

func (e controllerChangeEvent) process(c *Controller) error {
	wasActive := c.IsActive()
	id, exists, err := c.zk.ControllerID()
	if err != nil {
		return err
	}
	if exists {
		c.setActiveControllerID(id)
		if wasActive && !c.IsActive() {
			c.onControllerResignation()
		}
		return nil
	}
	c.setActiveControllerID(noController)
	if wasActive {
		c.onControllerResignation()
	}
	return c.elect()
}

func (e reelectEvent) process(c *Controller) error {
	c.maybeResign()
	return c.elect()
}

// elect attempts to become the controller: create the ephemeral controller
// node and bump the controller epoch in one transaction.
func (c *Controller) elect() error {
	id, exists, err := c.zk.ControllerID()
	if err != nil {
		return err
	}
	if exists {
		c.setActiveControllerID(id)
		if id != c.config.ID {
			c.logger.Debug("broker is already the controller", log.Int32("controller id", id))
		}
		return nil
	}

	epoch, epochZKVersion, err := c.zk.RegisterController(c.config.ID)
	if errors.Cause(err) == ErrControllerMoved {
		c.logger.Info("lost the controller election")
		c.maybeResign()
		return nil
	}
	if err != nil {
		return err
	}

	c.ctx.epoch = epoch
	c.ctx.epochZKVersion = epochZKVersion
	c.setActiveControllerID(c.config.ID)
	c.logger.Info("elected as controller",
		log.Int32("epoch", epoch),
		log.Int32("epoch zk version", epochZKVersion))

	if err := c.onControllerFailover(); err != nil {
		c.logger.Error("controller failover failed", log.Error("error", err))
		c.handleControllerMoved(err)
	}
	return nil
}

// onControllerFailover bootstraps the new reign. Watches are registered
// before state is read so nothing slips between read and subscribe, and the
// first UpdateMetadata goes out before the state machines start.
func (c *Controller) onControllerFailover() error {
	c.registerWatches()

	if err := c.initializeControllerContext(); err != nil {
		return err
	}
	queuedForDeletion, err := c.zk.TopicsQueuedForDeletion()
	if err != nil {
		return err
	}
	deletionEnabled, err := c.zk.TopicDeletionEnabled()
	if err != nil {
		return err
	}
	c.deletionMgr.init(queuedForDeletion, c.topicsIneligibleForDeletion(queuedForDeletion), deletionEnabled)

	// every broker hears about the new epoch before any state machine acts.
	if err := c.batch.newBatch(); err != nil {
		return err
	}
	c.batch.addUpdateMetadataRequestForBrokers(c.ctx.liveOrShuttingDownBrokerIDs(), c.ctx.allPartitions())
	if err := c.batch.sendRequestsToBrokers(c.ctx.epoch); err != nil {
		return err
	}

	c.rsm.startup()
	c.psm.startup()

	for topic := range c.ctx.allTopics {
		c.watchPartitionModifications(topic)
	}

	c.maybeTriggerPartitionReassignment()
	c.eventMgr.put(preferredReplicaElectionEvent{})
	c.deletionMgr.resumeDeletions()

	if c.config.AutoLeaderRebalanceEnable {
		c.startRebalanceScheduler()
	}
	c.updateMetrics()
	return nil
}

// onControllerResignation tears the reign down in reverse order of failover.
func (c *Controller) onControllerResignation() {
	c.logger.Info("resigning as controller")
	c.zk.UnwatchAll()
	c.deletionMgr.reset()
	c.stopRebalanceScheduler()
	c.rsm.shutdown()
	c.psm.shutdown()
	if c.cm != nil {
		c.cm.close()
		c.cm = nil
	}
	c.ctx.reset()
	if atomic.LoadInt32(&c.activeControllerID) == c.config.ID {
		c.setActiveControllerID(noController)
	}
	c.updateMetrics()
}

func (c *Controller) registerWatches() {
	c.zk.WatchBrokerChanges(func() { c.eventMgr.put(brokerChangeEvent{}) })
	c.zk.WatchTopicChanges(func() { c.eventMgr.put(topicChangeEvent{}) })
	c.zk.WatchTopicDeletions(func() { c.eventMgr.put(topicDeletionEvent{}) })
	c.zk.WatchPartitionReassignments(func() { c.eventMgr.put(partitionReassignmentEvent{}) })
	c.zk.WatchPreferredReplicaElection(func() { c.eventMgr.put(preferredReplicaElectionEvent{}) })
	c.zk.WatchISRChangeNotifications(func() { c.eventMgr.put(isrChangeNotificationEvent{}) })
	c.zk.WatchLogDirEventNotifications(func() { c.eventMgr.put(logDirEventNotificationEvent{}) })
}

func (c *Controller) watchPartitionModifications(topic string) {
	t := topic
	c.zk.WatchPartitionModifications(t, func() {
		c.eventMgr.put(partitionModificationsEvent{topic: t})
	})
}

func (c *Controller) initializeControllerContext() error {
	brokers, err := c.zk.Brokers()
	if err != nil {
		return err
	}
	c.ctx.setLiveBrokers(brokers)

	topics, err := c.zk.Topics()
	if err != nil {
		return err
	}
	for _, t := range topics {
		c.ctx.addTopic(t)
	}
	assignments, err := c.zk.ReplicaAssignments(topics)
	if err != nil {
		return err
	}
	for tp, replicas := range assignments {
		c.ctx.setReplicaAssignment(tp, replicas)
	}
	for tp := range assignments {
		l, controllerEpoch, exists, err := c.zk.LeaderAndISR(tp)
		if err != nil {
			return err
		}
		if exists {
			c.ctx.setLeadership(tp, structs.LeaderISRAndControllerEpoch{LeaderAndISR: l, ControllerEpoch: controllerEpoch})
		}
	}

	reassigning, err := c.zk.PartitionsBeingReassigned()
	if err != nil {
		return err
	}
	for tp, newReplicas := range reassigning {
		c.ctx.partitionsReassigning[tp] = &reassignedPartitionContext{newReplicas: newReplicas}
	}

	c.cm = newChannelManager(c.config, c.logger, c.dial, c.cache.ApplyUpdateMetadata)
	c.cm.startup(brokers)
	return nil
}

func (c *Controller) topicsIneligibleForDeletion(queued []string) []string {
	var ineligible []string
	for _, topic := range queued {
		bad := false
		for tp := range c.ctx.partitionsReassigning {
			if tp.Topic == topic {
				bad = true
				break
			}
		}
		if !bad {
			for _, r := range c.ctx.replicasForTopic(topic) {
				if !c.ctx.isReplicaOnline(r.Replica, r.TopicPartition(), true) {
					bad = true
					break
				}
			}
		}
		if bad {
			ineligible = append(ineligible, topic)
		}
	}
	return ineligible
}

// Broker changes.

func (e brokerChangeEvent) process(c *Controller) error {
	if !c.IsActive() {
		return nil
	}
	cur, err := c.zk.Brokers()
	if err != nil {
		return err
	}
	curByID := make(map[int32]structs.Broker, len(cur))
	for _, b := range cur {
		curByID[b.ID] = b
	}
	var newIDs, deadIDs []int32
	for id, b := range curByID {
		if _, ok := c.ctx.liveBrokers[id]; !ok {
			c.ctx.addLiveBroker(b)
			c.cm.addBroker(b)
			newIDs = append(newIDs, id)
		}
	}
	for id := range c.ctx.liveBrokers {
		if _, ok := curByID[id]; !ok {
			deadIDs = append(deadIDs, id)
		}
	}
	for _, id := range deadIDs {
		c.ctx.removeLiveBroker(id)
		c.cm.removeBroker(id)
	}
	sortInt32s(newIDs)
	sortInt32s(deadIDs)
	c.logger.Debug("broker change processed", log.String("live brokers", util.Dump(cur)))
	if len(newIDs) > 0 {
		c.logger.Info("new brokers joined", log.Any("broker ids", newIDs))
		c.onBrokerStartup(newIDs)
	}
	if len(deadIDs) > 0 {
		c.logger.Info("brokers failed", log.Any("broker ids", deadIDs))
		c.onBrokerFailure(deadIDs)
	}
	return nil
}

func (c *Controller) onBrokerStartup(newBrokerIDs []int32) {
	newSet := make(map[int32]struct{}, len(newBrokerIDs))
	for _, id := range newBrokerIDs {
		newSet[id] = struct{}{}
	}

	// the new brokers need the full picture before anything else.
	if err := c.batch.newBatch(); err != nil {
		c.handleStateChangeError(err)
		return
	}
	c.batch.addUpdateMetadataRequestForBrokers(newBrokerIDs, c.ctx.allPartitions())
	if err := c.batch.sendRequestsToBrokers(c.ctx.epoch); err != nil {
		c.handleStateChangeError(err)
		return
	}

	replicas := c.ctx.replicasOnBrokers(newBrokerIDs)
	if err := c.rsm.handleStateChanges(replicas, replicaOnline); err != nil {
		c.handleStateChangeError(err)
		return
	}
	c.psm.triggerOnlinePartitionStateChange()

	for tp, rctx := range c.ctx.partitionsReassigning {
		resumed := false
		for _, r := range rctx.newReplicas {
			if _, ok := newSet[r]; ok {
				resumed = true
				break
			}
		}
		if resumed {
			if err := c.onPartitionReassignment(tp, rctx); err != nil {
				c.handleStateChangeError(err)
				return
			}
		}
	}

	topics := make(map[string]struct{})
	for _, r := range replicas {
		topics[r.Topic] = struct{}{}
	}
	var resumable []string
	for t := range topics {
		if c.deletionMgr.isTopicQueuedForDeletion(t) {
			resumable = append(resumable, t)
		}
	}
	if len(resumable) > 0 {
		c.deletionMgr.resumeDeletionForTopics(resumable)
	}
}

func (c *Controller) onBrokerFailure(deadBrokerIDs []int32) {
	deadSet := make(map[int32]struct{}, len(deadBrokerIDs))
	for _, id := range deadBrokerIDs {
		delete(c.ctx.shuttingDownBrokerIDs, id)
		deadSet[id] = struct{}{}
	}

	var partitionsWithoutLeader []structs.TopicPartition
	for tp, l := range c.ctx.partitionLeadership {
		if _, dead := deadSet[l.LeaderAndISR.Leader]; !dead {
			continue
		}
		if c.deletionMgr.isTopicQueuedForDeletion(tp.Topic) {
			continue
		}
		partitionsWithoutLeader = append(partitionsWithoutLeader, tp)
	}
	if err := c.psm.handleStateChanges(partitionsWithoutLeader, partitionOffline, nil); err != nil {
		c.handleStateChangeError(err)
		return
	}
	c.psm.triggerOnlinePartitionStateChange()

	var replicas, deletionReplicas []structs.PartitionReplica
	for _, r := range c.ctx.replicasOnBrokers(deadBrokerIDs) {
		if c.deletionMgr.isTopicQueuedForDeletion(r.Topic) {
			deletionReplicas = append(deletionReplicas, r)
			continue
		}
		replicas = append(replicas, r)
	}
	if err := c.rsm.handleStateChanges(replicas, replicaOffline); err != nil {
		c.handleStateChangeError(err)
		return
	}
	if len(deletionReplicas) > 0 {
		c.deletionMgr.failReplicaDeletions(deletionReplicas)
	}
}

// Topic changes.

func (e topicChangeEvent) process(c *Controller) error {
	if !c.IsActive() {
		return nil
	}
	topics, err := c.zk.Topics()
	if err != nil {
		return err
	}
	curSet := make(map[string]struct{}, len(topics))
	for _, t := range topics {
		curSet[t] = struct{}{}
	}
	var added []string
	for _, t := range topics {
		if _, ok := c.ctx.allTopics[t]; !ok {
			added = append(added, t)
		}
	}
	for t := range c.ctx.allTopics {
		if _, ok := curSet[t]; !ok {
			c.ctx.removeTopic(t)
		}
	}
	if len(added) == 0 {
		return nil
	}
	assignments, err := c.zk.ReplicaAssignments(added)
	if err != nil {
		return err
	}
	for _, t := range added {
		c.ctx.addTopic(t)
		c.watchPartitionModifications(t)
	}
	var partitions []structs.TopicPartition
	for tp, replicas := range assignments {
		c.ctx.setReplicaAssignment(tp, replicas)
		partitions = append(partitions, tp)
	}
	c.logger.Info("new topics created", log.Any("topics", added))
	c.onNewPartitionCreation(partitions)
	return nil
}

func (e partitionModificationsEvent) process(c *Controller) error {
	if !c.IsActive() {
		return nil
	}
	assignments, err := c.zk.ReplicaAssignments([]string{e.topic})
	if err != nil {
		return err
	}
	var added []structs.TopicPartition
	for tp, replicas := range assignments {
		if _, ok := c.ctx.replicaAssignment[tp]; ok {
			continue
		}
		if c.deletionMgr.isTopicQueuedForDeletion(tp.Topic) {
			c.logger.Error("ignoring partition increase for topic being deleted", log.String("topic", tp.Topic))
			return nil
		}
		c.ctx.setReplicaAssignment(tp, replicas)
		added = append(added, tp)
	}
	if len(added) > 0 {
		c.logger.Info("new partitions added", log.Any("partitions", added))
		c.onNewPartitionCreation(added)
	}
	return nil
}

// onNewPartitionCreation moves brand-new partitions and their replicas to
// New, elects first leaders, and brings the replicas online.
func (c *Controller) onNewPartitionCreation(partitions []structs.TopicPartition) {
	var replicas []structs.PartitionReplica
	for _, tp := range partitions {
		for _, r := range c.ctx.assignedReplicas(tp) {
			replicas = append(replicas, structs.PartitionReplica{Topic: tp.Topic, Partition: tp.Partition, Replica: r})
		}
	}
	if err := c.psm.handleStateChanges(partitions, partitionNew, nil); err != nil {
		c.handleStateChangeError(err)
		return
	}
	if err := c.rsm.handleStateChanges(replicas, replicaNew); err != nil {
		c.handleStateChangeError(err)
		return
	}
	if err := c.psm.handleStateChanges(partitions, partitionOnline, c.offlineSelector); err != nil {
		c.handleStateChangeError(err)
		return
	}
	if err := c.rsm.handleStateChanges(replicas, replicaOnline); err != nil {
		c.handleStateChangeError(err)
	}
}

// Topic deletion.

func (e topicDeletionEvent) process(c *Controller) error {
	if !c.IsActive() {
		return nil
	}
	queued, err := c.zk.TopicsQueuedForDeletion()
	if err != nil {
		return err
	}
	var known []string
	for _, t := range queued {
		if _, ok := c.ctx.allTopics[t]; !ok {
			// deletion requested for a topic that no longer exists; just
			// clear the request node.
			if err := c.zk.DeleteTopicDeletionNode(t, c.ctx.epochZKVersion); err != nil {
				return err
			}
			continue
		}
		known = append(known, t)
	}
	var reassigning []string
	for _, t := range known {
		for tp := range c.ctx.partitionsReassigning {
			if tp.Topic == t {
				reassigning = append(reassigning, t)
				break
			}
		}
	}
	c.deletionMgr.enqueueTopicsForDeletion(known)
	c.deletionMgr.markTopicsIneligible(reassigning)
	return nil
}

// Partition reassignment.

func (e partitionReassignmentEvent) process(c *Controller) error {
	if !c.IsActive() {
		return nil
	}
	c.maybeTriggerPartitionReassignment()
	return nil
}

func (c *Controller) maybeTriggerPartitionReassignment() {
	reassigning, err := c.zk.PartitionsBeingReassigned()
	if err != nil {
		c.logger.Error("failed to read reassignment path", log.Error("error", err))
		return
	}
	for tp, newReplicas := range reassigning {
		if rctx, ok := c.ctx.partitionsReassigning[tp]; ok && rctx.isrWatchSet {
			continue
		}
		c.initiateReassignReplicas(tp, newReplicas)
	}
}

// initiateReassignReplicas starts (or restarts) one partition's reassignment.
// Cleanup on non-fatal errors removes the partition from both the
// coordination path and the in-memory set; a tripped epoch fence rethrows
// before any cleanup.
func (c *Controller) initiateReassignReplicas(tp structs.TopicPartition, newReplicas []int32) {
	if c.deletionMgr.isTopicQueuedForDeletion(tp.Topic) {
		c.logger.Info("skipping reassignment of partition for topic being deleted", log.String("partition", tp.String()))
		c.removePartitionFromReassignment(tp)
		return
	}
	ar := c.ctx.assignedReplicas(tp)
	if len(ar) == 0 {
		c.logger.Error("cannot reassign nonexistent partition", log.String("partition", tp.String()))
		c.removePartitionFromReassignment(tp)
		return
	}
	if int32SlicesEqual(ar, newReplicas) {
		c.logger.Info("partition already assigned the requested replicas",
			log.String("partition", tp.String()), log.Any("replicas", newReplicas))
		c.removePartitionFromReassignment(tp)
		if err := c.batch.newBatch(); err != nil {
			c.handleStateChangeError(err)
			return
		}
		c.batch.addUpdateMetadataRequestForBrokers(c.ctx.liveOrShuttingDownBrokerIDs(), []structs.TopicPartition{tp})
		if err := c.batch.sendRequestsToBrokers(c.ctx.epoch); err != nil {
			c.handleStateChangeError(err)
		}
		return
	}

	rctx, ok := c.ctx.partitionsReassigning[tp]
	if !ok {
		rctx = &reassignedPartitionContext{newReplicas: newReplicas}
		c.ctx.partitionsReassigning[tp] = rctx
	}
	rctx.newReplicas = newReplicas
	if !rctx.isrWatchSet {
		target := tp
		c.zk.WatchPartitionISRChange(tp, func() {
			c.eventMgr.put(partitionReassignmentISRChangeEvent{tp: target})
		})
		rctx.isrWatchSet = true
	}
	c.deletionMgr.markTopicsIneligible([]string{tp.Topic})

	if err := c.onPartitionReassignment(tp, rctx); err != nil {
		if errors.Cause(err) == ErrControllerMoved {
			c.handleControllerMoved(err)
			return
		}
		c.logger.Error("reassignment failed", log.String("partition", tp.String()), log.Error("error", err))
		c.removePartitionFromReassignment(tp)
	}
}

func (e partitionReassignmentISRChangeEvent) process(c *Controller) error {
	if !c.IsActive() {
		return nil
	}
	rctx, ok := c.ctx.partitionsReassigning[e.tp]
	if !ok {
		return nil
	}
	caughtUp, err := c.areReplicasInISR(e.tp, rctx.newReplicas)
	if err != nil {
		return err
	}
	if !caughtUp {
		return nil
	}
	return c.onPartitionReassignment(e.tp, rctx)
}

// onPartitionReassignment executes the reassignment protocol from whichever
// step is next; it is safe to re-enter on every triggering event. With RAR
// the requested replicas and OAR the original ones:
//
// while any of RAR is outside the ISR:
//  1. persist AR = OAR + RAR
//  2. force a leader-epoch bump and tell every replica in OAR + RAR
//  3. start the new replicas (RAR - OAR) fetching
//
// once all of RAR is in the ISR:
//  4. (reached via the partition's ISR watch)
//  5. move all RAR replicas online
//  6. set AR = RAR in memory
//  7. elect a leader from RAR if the current one isn't in it, else bump the
//     leader epoch so everyone learns the new AR
//  8. stop the leaving replicas (OAR - RAR): offline, ISR shrink
//  9. delete the leaving replicas
//  10. persist AR = RAR (the superset persisted in step 1 covers crashes
//      between 2 and 10)
//  11. clear the partition from the reassignment path
//  12. refresh metadata everywhere
func (c *Controller) onPartitionReassignment(tp structs.TopicPartition, rctx *reassignedPartitionContext) error {
	rar := rctx.newReplicas
	caughtUp, err := c.areReplicasInISR(tp, rar)
	if err != nil {
		return err
	}
	if !caughtUp {
		cur := c.ctx.assignedReplicas(tp)
		union := unionInt32s(cur, rar)
		var newReplicas []int32
		for _, r := range rar {
			if !contains(cur, r) {
				newReplicas = append(newReplicas, r)
			}
		}
		c.ctx.setReplicaAssignment(tp, union)
		if err := c.zk.SetReplicaAssignment(tp.Topic, c.topicAssignment(tp.Topic), c.ctx.epochZKVersion); err != nil {
			return err
		}
		if err := c.updateLeaderEpochAndSendRequest(tp, union, union); err != nil {
			return err
		}
		var replicas []structs.PartitionReplica
		for _, r := range newReplicas {
			replicas = append(replicas, structs.PartitionReplica{Topic: tp.Topic, Partition: tp.Partition, Replica: r})
		}
		if err := c.rsm.handleStateChanges(replicas, replicaNew); err != nil {
			return err
		}
		c.logger.Info("waiting for reassigned replicas to catch up",
			log.String("partition", tp.String()), log.Any("new replicas", newReplicas))
		return nil
	}

	oldReplicas := diffInt32s(c.ctx.assignedReplicas(tp), rar)
	var rarReplicas []structs.PartitionReplica
	for _, r := range rar {
		rarReplicas = append(rarReplicas, structs.PartitionReplica{Topic: tp.Topic, Partition: tp.Partition, Replica: r})
	}
	if err := c.rsm.handleStateChanges(rarReplicas, replicaOnline); err != nil {
		return err
	}
	c.ctx.setReplicaAssignment(tp, rar)
	if err := c.moveReassignedPartitionLeaderIfRequired(tp, rar); err != nil {
		return err
	}
	if err := c.stopOldReplicas(tp, oldReplicas); err != nil {
		return err
	}
	if err := c.zk.SetReplicaAssignment(tp.Topic, c.topicAssignment(tp.Topic), c.ctx.epochZKVersion); err != nil {
		return err
	}
	c.removePartitionFromReassignment(tp)
	if err := c.batch.newBatch(); err != nil {
		return err
	}
	c.batch.addUpdateMetadataRequestForBrokers(c.ctx.liveOrShuttingDownBrokerIDs(), []structs.TopicPartition{tp})
	if err := c.batch.sendRequestsToBrokers(c.ctx.epoch); err != nil {
		return err
	}
	c.logger.Info("partition reassignment complete",
		log.String("partition", tp.String()), log.Any("replicas", rar))
	return nil
}

func (c *Controller) areReplicasInISR(tp structs.TopicPartition, replicas []int32) (bool, error) {
	l, _, exists, err := c.zk.LeaderAndISR(tp)
	if err != nil {
		return false, err
	}
	if !exists {
		return false, nil
	}
	for _, r := range replicas {
		if !contains(l.ISR, r) {
			return false, nil
		}
	}
	return true, nil
}

func (c *Controller) moveReassignedPartitionLeaderIfRequired(tp structs.TopicPartition, rar []int32) error {
	l, ok := c.ctx.leadership(tp)
	if !ok || !contains(rar, l.LeaderAndISR.Leader) {
		return c.psm.handleStateChanges([]structs.TopicPartition{tp}, partitionOnline, c.reassignSelector)
	}
	if c.ctx.isReplicaOnline(l.LeaderAndISR.Leader, tp, true) {
		// leader stays; bump the epoch so the new AR propagates.
		return c.updateLeaderEpochAndSendRequest(tp, rar, rar)
	}
	return c.psm.handleStateChanges([]structs.TopicPartition{tp}, partitionOnline, c.reassignSelector)
}

func (c *Controller) stopOldReplicas(tp structs.TopicPartition, oldReplicas []int32) error {
	var replicas []structs.PartitionReplica
	for _, r := range oldReplicas {
		replicas = append(replicas, structs.PartitionReplica{Topic: tp.Topic, Partition: tp.Partition, Replica: r})
	}
	if len(replicas) == 0 {
		return nil
	}
	if err := c.rsm.handleStateChanges(replicas, replicaOffline); err != nil {
		return err
	}
	for _, target := range []replicaState{replicaDeletionStarted, replicaDeletionSuccessful, replicaNonExistent} {
		if err := c.rsm.handleStateChanges(replicas, target); err != nil {
			return err
		}
	}
	return nil
}

func (c *Controller) removePartitionFromReassignment(tp structs.TopicPartition) {
	if rctx, ok := c.ctx.partitionsReassigning[tp]; ok && rctx.isrWatchSet {
		c.zk.UnwatchPartitionISRChange(tp)
	}
	delete(c.ctx.partitionsReassigning, tp)
	if err := c.zk.RemovePartitionFromReassignment(tp, c.ctx.epochZKVersion); err != nil {
		c.logger.Error("failed to remove partition from reassignment path",
			log.String("partition", tp.String()), log.Error("error", err))
	}
	c.deletionMgr.resumeDeletionForTopics([]string{tp.Topic})
}

func (c *Controller) topicAssignment(topic string) map[int32][]int32 {
	assignment := make(map[int32][]int32)
	for _, tp := range c.ctx.partitionsForTopic(topic) {
		assignment[tp.Partition] = c.ctx.assignedReplicas(tp)
	}
	return assignment
}

// Leadership write helpers.

// updateLeaderEpoch bumps the partition's leader epoch through a
// refresh-and-CAS loop. A state node written by a newer controller is fatal
// for the caller's operation; a missing node returns nil.
func (c *Controller) updateLeaderEpoch(tp structs.TopicPartition) (*structs.LeaderISRAndControllerEpoch, error) {
	for {
		l, controllerEpoch, exists, err := c.zk.LeaderAndISR(tp)
		if err != nil {
			return nil, err
		}
		if !exists {
			return nil, nil
		}
		if controllerEpoch > c.ctx.epoch {
			return nil, errors.Errorf(
				"aborted leader epoch update for partition %s: state written by controller epoch %d, ours is %d",
				tp, controllerEpoch, c.ctx.epoch)
		}
		newL := l.NewEpoch()
		newVersion, err := c.zk.UpdateLeaderAndISR(tp, newL, c.ctx.epoch, c.ctx.epochZKVersion)
		if errors.Cause(err) == ErrVersionConflict {
			continue
		}
		if err != nil {
			return nil, err
		}
		newL.ZKVersion = newVersion
		leadership := structs.LeaderISRAndControllerEpoch{LeaderAndISR: newL, ControllerEpoch: c.ctx.epoch}
		c.ctx.setLeadership(tp, leadership)
		return &leadership, nil
	}
}

func (c *Controller) updateLeaderEpochAndSendRequest(tp structs.TopicPartition, receivers []int32, replicas []int32) error {
	leadership, err := c.updateLeaderEpoch(tp)
	if err != nil {
		return err
	}
	if leadership == nil {
		return errors.Errorf("cannot update leader epoch for partition %s: state node is missing", tp)
	}
	if err := c.batch.newBatch(); err != nil {
		return err
	}
	c.batch.addLeaderAndISRRequestForBrokers(receivers, tp, *leadership, replicas)
	return c.batch.sendRequestsToBrokers(c.ctx.epoch)
}

// removeReplicaFromISR shrinks the partition's ISR through a refresh-and-CAS
// loop. If removal would empty the ISR and unclean election is disabled for
// the topic, the ISR is retained; if the removed replica led the partition,
// the leader becomes NoLeader. Returns nil if the state node is missing.
func (c *Controller) removeReplicaFromISR(tp structs.TopicPartition, replicaID int32) (*structs.LeaderISRAndControllerEpoch, error) {
	for {
		l, controllerEpoch, exists, err := c.zk.LeaderAndISR(tp)
		if err != nil {
			return nil, err
		}
		if !exists {
			return nil, nil
		}
		if controllerEpoch > c.ctx.epoch {
			return nil, errors.Errorf(
				"aborted isr shrink for partition %s: state written by controller epoch %d, ours is %d",
				tp, controllerEpoch, c.ctx.epoch)
		}
		if !contains(l.ISR, replicaID) {
			leadership := structs.LeaderISRAndControllerEpoch{LeaderAndISR: l, ControllerEpoch: controllerEpoch}
			return &leadership, nil
		}
		var newISR []int32
		for _, r := range l.ISR {
			if r != replicaID {
				newISR = append(newISR, r)
			}
		}
		if len(newISR) == 0 && !c.uncleanElectionEnabled(tp.Topic) {
			newISR = l.ISR
		}
		newLeader := l.Leader
		if newLeader == replicaID {
			newLeader = structs.NoLeader
		}
		newL := structs.LeaderAndISR{Leader: newLeader, LeaderEpoch: l.LeaderEpoch + 1, ISR: newISR, ZKVersion: l.ZKVersion}
		newVersion, err := c.zk.UpdateLeaderAndISR(tp, newL, c.ctx.epoch, c.ctx.epochZKVersion)
		if errors.Cause(err) == ErrVersionConflict {
			continue
		}
		if err != nil {
			return nil, err
		}
		newL.ZKVersion = newVersion
		leadership := structs.LeaderISRAndControllerEpoch{LeaderAndISR: newL, ControllerEpoch: c.ctx.epoch}
		c.ctx.setLeadership(tp, leadership)
		return &leadership, nil
	}
}

// Controlled shutdown.

func (e controlledShutdownEvent) process(c *Controller) error {
	remaining, err := c.doControlledShutdown(e.brokerID)
	if e.callback != nil {
		e.callback(remaining, err)
	}
	if errors.Cause(err) == ErrControllerMoved {
		return err
	}
	return nil
}

func (c *Controller) doControlledShutdown(brokerID int32) ([]structs.TopicPartition, error) {
	if !c.IsActive() {
		return nil, errors.Wrap(ErrControllerMoved, "this broker is not the controller")
	}
	if _, ok := c.ctx.liveBrokers[brokerID]; !ok {
		return nil, errors.Wrapf(ErrBrokerNotAvailable, "broker %d is not registered", brokerID)
	}
	c.logger.Info("controlled shutdown requested", log.Int32("shutting down broker", brokerID))
	c.ctx.shuttingDownBrokerIDs[brokerID] = struct{}{}

	var leaders, followers []structs.TopicPartition
	for _, tp := range c.ctx.partitionsOnBroker(brokerID) {
		if len(c.ctx.assignedReplicas(tp)) <= 1 {
			continue
		}
		l, ok := c.ctx.leadership(tp)
		if !ok {
			continue
		}
		if l.LeaderAndISR.Leader == brokerID {
			leaders = append(leaders, tp)
		} else {
			followers = append(followers, tp)
		}
	}
	sortPartitions(leaders)
	sortPartitions(followers)

	batchSize := c.config.ControlledShutdownPartitionBatchSize
	for start := 0; start < len(leaders); start += batchSize {
		end := start + batchSize
		if end > len(leaders) {
			end = len(leaders)
		}
		if err := c.psm.handleStateChanges(leaders[start:end], partitionOnline, c.shutdownSelector); err != nil {
			return nil, err
		}
	}
	for start := 0; start < len(followers); start += batchSize {
		end := start + batchSize
		if end > len(followers) {
			end = len(followers)
		}
		chunk := followers[start:end]
		if err := c.batch.newBatch(); err != nil {
			return nil, err
		}
		for _, tp := range chunk {
			c.batch.addStopReplicaRequestForBrokers([]int32{brokerID}, tp, false)
		}
		if err := c.batch.sendRequestsToBrokers(c.ctx.epoch); err != nil {
			return nil, err
		}
		var replicas []structs.PartitionReplica
		for _, tp := range chunk {
			replicas = append(replicas, structs.PartitionReplica{Topic: tp.Topic, Partition: tp.Partition, Replica: brokerID})
		}
		if err := c.rsm.handleStateChanges(replicas, replicaOffline); err != nil {
			return nil, err
		}
	}

	remaining := c.ctx.partitionsLedByBroker(brokerID)
	sortPartitions(remaining)
	return remaining, nil
}

// Preferred-replica election.

func (e preferredReplicaElectionEvent) process(c *Controller) error {
	if !c.IsActive() {
		return nil
	}
	partitions, err := c.zk.PartitionsForPreferredReplicaElection()
	if err != nil {
		return err
	}
	if len(partitions) == 0 {
		return nil
	}
	return c.onPreferredReplicaElection(partitions, false)
}

func (e autoPreferredReplicaElectionEvent) process(c *Controller) error {
	if !c.IsActive() {
		return nil
	}
	c.checkAndTriggerAutoLeaderBalance()
	return nil
}

// checkAndTriggerAutoLeaderBalance elects preferred leaders for brokers whose
// share of displaced preferred partitions exceeds the configured threshold.
// While any reassignment is in flight the whole pass is skipped.
func (c *Controller) checkAndTriggerAutoLeaderBalance() {
	if len(c.ctx.partitionsReassigning) > 0 {
		c.logger.Debug("skipping auto leader balance while reassignments are in progress")
		return
	}
	for id := range c.ctx.liveBrokers {
		var preferred, displaced []structs.TopicPartition
		for tp, ar := range c.ctx.replicaAssignment {
			if len(ar) == 0 || ar[0] != id {
				continue
			}
			preferred = append(preferred, tp)
			if l, ok := c.ctx.leadership(tp); ok && l.LeaderAndISR.Leader != id {
				displaced = append(displaced, tp)
			}
		}
		if len(preferred) == 0 || len(displaced) == 0 {
			continue
		}
		ratio := len(displaced) * 100 / len(preferred)
		if ratio <= c.config.LeaderImbalancePercentage {
			continue
		}
		c.logger.Info("leader imbalance above threshold, electing preferred leaders",
			log.Int32("broker id", id),
			log.Int("imbalance pct", ratio))
		var eligible []structs.TopicPartition
		for _, tp := range displaced {
			if !c.deletionMgr.isTopicQueuedForDeletion(tp.Topic) {
				eligible = append(eligible, tp)
			}
		}
		if err := c.onPreferredReplicaElection(eligible, true); err != nil {
			c.handleStateChangeError(err)
			return
		}
	}
}

// onPreferredReplicaElection forces leadership to AR[0] for the given
// partitions. Manual invocations clear the admin path afterwards;
// auto-rebalance invocations leave it alone.
func (c *Controller) onPreferredReplicaElection(partitions []structs.TopicPartition, auto bool) error {
	var eligible []structs.TopicPartition
	for _, tp := range partitions {
		if c.deletionMgr.isTopicQueuedForDeletion(tp.Topic) {
			continue
		}
		eligible = append(eligible, tp)
	}
	sortPartitions(eligible)
	if err := c.psm.handleStateChanges(eligible, partitionOnline, c.preferredSelector); err != nil {
		return err
	}
	if !auto {
		return c.zk.DeletePreferredReplicaElection(c.ctx.epochZKVersion)
	}
	return nil
}

func (c *Controller) startRebalanceScheduler() {
	if c.rebalanceStopCh != nil {
		return
	}
	stopCh := make(chan struct{})
	c.rebalanceStopCh = stopCh
	interval := c.config.LeaderImbalanceCheckInterval
	go func() {
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-stopCh:
				return
			case <-t.C:
				c.eventMgr.put(autoPreferredReplicaElectionEvent{})
			}
		}
	}()
}

func (c *Controller) stopRebalanceScheduler() {
	if c.rebalanceStopCh != nil {
		close(c.rebalanceStopCh)
		c.rebalanceStopCh = nil
	}
}

// ISR change and log-dir notifications.

func (e isrChangeNotificationEvent) process(c *Controller) error {
	if !c.IsActive() {
		return nil
	}
	seqs, err := c.zk.ISRChangeNotifications()
	if err != nil {
		return err
	}
	if len(seqs) == 0 {
		return nil
	}
	partitions, err := c.zk.ISRChangeNotificationPartitions(seqs)
	if err != nil {
		return err
	}
	var known []structs.TopicPartition
	for _, tp := range partitions {
		l, controllerEpoch, exists, err := c.zk.LeaderAndISR(tp)
		if err != nil {
			return err
		}
		if !exists {
			continue
		}
		c.ctx.setLeadership(tp, structs.LeaderISRAndControllerEpoch{LeaderAndISR: l, ControllerEpoch: controllerEpoch})
		known = append(known, tp)
	}
	if len(known) > 0 {
		if err := c.batch.newBatch(); err != nil {
			return err
		}
		c.batch.addUpdateMetadataRequestForBrokers(c.ctx.liveOrShuttingDownBrokerIDs(), known)
		if err := c.batch.sendRequestsToBrokers(c.ctx.epoch); err != nil {
			return err
		}
	}
	return c.zk.DeleteISRChangeNotifications(seqs, c.ctx.epochZKVersion)
}

func (e logDirEventNotificationEvent) process(c *Controller) error {
	if !c.IsActive() {
		return nil
	}
	seqs, err := c.zk.LogDirEventNotifications()
	if err != nil {
		return err
	}
	if len(seqs) == 0 {
		return nil
	}
	brokerIDs, err := c.zk.LogDirEventNotificationBrokers(seqs)
	if err != nil {
		return err
	}
	// ask each affected broker to report on its replicas; the LeaderAndISR
	// response tells us which replicas actually lost their dirs.
	if err := c.batch.newBatch(); err != nil {
		return err
	}
	for _, id := range brokerIDs {
		for _, tp := range c.ctx.partitionsOnBroker(id) {
			if l, ok := c.ctx.leadership(tp); ok {
				c.batch.addLeaderAndISRRequestForBrokers([]int32{id}, tp, l, c.ctx.assignedReplicas(tp))
			}
		}
	}
	if err := c.batch.sendRequestsToBrokers(c.ctx.epoch); err != nil {
		return err
	}
	return c.zk.DeleteLogDirEventNotifications(seqs, c.ctx.epochZKVersion)
}

// RPC response events.

func (e leaderAndISRResponseReceivedEvent) process(c *Controller) error {
	if !c.IsActive() {
		return nil
	}
	var offline []structs.TopicPartition
	for _, p := range e.res.Partitions {
		if p.ErrorCode == protocol.ErrNone.Code() || p.ErrorCode == protocol.ErrStaleControllerEpoch.Code() {
			continue
		}
		offline = append(offline, structs.TopicPartition{Topic: p.Topic, Partition: p.Partition})
	}
	if len(offline) == 0 {
		return nil
	}
	c.logger.Info("broker reported failed replicas",
		log.Int32("broker id", e.brokerID),
		log.Any("partitions", offline))
	c.ctx.addReplicasOnOfflineDirs(e.brokerID, offline)

	var replicas []structs.PartitionReplica
	var partitionsWithoutLeader []structs.TopicPartition
	for _, tp := range offline {
		replicas = append(replicas, structs.PartitionReplica{Topic: tp.Topic, Partition: tp.Partition, Replica: e.brokerID})
		if l, ok := c.ctx.leadership(tp); ok && l.LeaderAndISR.Leader == e.brokerID {
			partitionsWithoutLeader = append(partitionsWithoutLeader, tp)
		}
	}
	if err := c.psm.handleStateChanges(partitionsWithoutLeader, partitionOffline, nil); err != nil {
		return err
	}
	if err := c.rsm.handleStateChanges(replicas, replicaOffline); err != nil {
		return err
	}
	c.psm.triggerOnlinePartitionStateChange()
	return nil
}

func (e stopReplicaResponseReceivedEvent) process(c *Controller) error {
	if !c.IsActive() {
		return nil
	}
	var succeeded, failed []structs.PartitionReplica
	for _, p := range e.res.Partitions {
		r := structs.PartitionReplica{Topic: p.Topic, Partition: p.Partition, Replica: e.brokerID}
		if c.rsm.currentState(r) != replicaDeletionStarted {
			continue
		}
		if p.ErrorCode == protocol.ErrNone.Code() {
			succeeded = append(succeeded, r)
		} else {
			failed = append(failed, r)
		}
	}
	if len(failed) > 0 {
		c.deletionMgr.failReplicaDeletions(failed)
	}
	if len(succeeded) > 0 {
		c.deletionMgr.completeReplicaDeletions(succeeded)
	}
	return nil
}

// small helpers

func sortInt32s(xs []int32) {
	sort.Slice(xs, func(i, j int) bool { return xs[i] < xs[j] })
}

func sortPartitions(partitions []structs.TopicPartition) {
	sort.Slice(partitions, func(i, j int) bool {
		if partitions[i].Topic != partitions[j].Topic {
			return partitions[i].Topic < partitions[j].Topic
		}
		return partitions[i].Partition < partitions[j].Partition
	})
}

func unionInt32s(a, b []int32) []int32 {
	out := make([]int32, 0, len(a)+len(b))
	out = append(out, a...)
	for _, x := range b {
		if !contains(out, x) {
			out = append(out, x)
		}
	}
	return out
}

func diffInt32s(a, b []int32) []int32 {
	var out []int32
	for _, x := range a {
		if !contains(b, x) {
			out = append(out, x)
		}
	}
	return out
}

func int32SlicesEqual(a, b []int32) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

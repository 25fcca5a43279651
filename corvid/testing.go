package corvid

import (
	"sync"

	"github.com/corvidmq/corvid/corvid/structs"
	"github.com/corvidmq/corvid/protocol"
	"github.com/pkg/errors"
)

// mockCoordination is an in-memory coordination service with the same
// versioned-write semantics as the real one. Watches are recorded but never
// fire on their own; tests enqueue the events they want processed.
type mockCoordination struct {
	mu sync.Mutex

	controllerID     int32
	controllerExists bool
	epoch            int32
	epochZKVersion   int32

	brokers     map[int32]structs.Broker
	assignments map[string]map[int32][]int32
	states      map[structs.TopicPartition]*mockPartitionState

	reassignment    map[structs.TopicPartition][]int32
	preferred       []structs.TopicPartition
	topicsToDelete  map[string]struct{}
	deletionEnabled bool

	uncleanDefault bool
	uncleanTopics  map[string]bool

	isrNotifications    map[string][]structs.TopicPartition
	logDirNotifications map[string]int32

	watched    map[string]struct{}
	sessionFns []func()
}

type mockPartitionState struct {
	leaderAndISR    structs.LeaderAndISR
	controllerEpoch int32
}

var _ CoordinationClient = (*mockCoordination)(nil)

func newMockCoordination() *mockCoordination {
	return &mockCoordination{
		brokers:             make(map[int32]structs.Broker),
		assignments:         make(map[string]map[int32][]int32),
		states:              make(map[structs.TopicPartition]*mockPartitionState),
		reassignment:        make(map[structs.TopicPartition][]int32),
		topicsToDelete:      make(map[string]struct{}),
		deletionEnabled:     true,
		uncleanTopics:       make(map[string]bool),
		isrNotifications:    make(map[string][]structs.TopicPartition),
		logDirNotifications: make(map[string]int32),
		watched:             make(map[string]struct{}),
	}
}

// test seeding helpers

func (m *mockCoordination) addBroker(b structs.Broker) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.brokers[b.ID] = b
}

func (m *mockCoordination) removeBroker(id int32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.brokers, id)
}

func (m *mockCoordination) setTopic(topic string, assignment map[int32][]int32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.assignments[topic] = assignment
}

func (m *mockCoordination) setState(tp structs.TopicPartition, l structs.LeaderAndISR, controllerEpoch int32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.states[tp] = &mockPartitionState{leaderAndISR: l, controllerEpoch: controllerEpoch}
}

func (m *mockCoordination) state(tp structs.TopicPartition) structs.LeaderAndISR {
	m.mu.Lock()
	defer m.mu.Unlock()
	if st, ok := m.states[tp]; ok {
		return st.leaderAndISR
	}
	return structs.LeaderAndISR{}
}

func (m *mockCoordination) setReassignment(tp structs.TopicPartition, replicas []int32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reassignment[tp] = replicas
}

func (m *mockCoordination) reassignmentContains(tp structs.TopicPartition) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.reassignment[tp]
	return ok
}

func (m *mockCoordination) setEpochZKVersion(v int32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.epochZKVersion = v
}

// fence validates a write against the controller epoch version the caller
// believes it holds.
func (m *mockCoordination) fence(epochZKVersion int32) error {
	if epochZKVersion != m.epochZKVersion {
		return errors.Wrap(ErrControllerMoved, "controller epoch fence failed")
	}
	return nil
}

// CoordinationClient implementation.

func (m *mockCoordination) ControllerID() (int32, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.controllerID, m.controllerExists, nil
}

func (m *mockCoordination) RegisterController(brokerID int32) (int32, int32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.controllerExists {
		return 0, 0, errors.Wrap(ErrControllerMoved, "controller node exists")
	}
	m.controllerID = brokerID
	m.controllerExists = true
	m.epoch++
	m.epochZKVersion++
	return m.epoch, m.epochZKVersion, nil
}

func (m *mockCoordination) DeleteController(expectedEpochZKVersion int32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fence(expectedEpochZKVersion); err != nil {
		return err
	}
	m.controllerExists = false
	return nil
}

func (m *mockCoordination) ControllerEpoch() (int32, int32, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.epoch, m.epochZKVersion, m.epoch > 0, nil
}

func (m *mockCoordination) Brokers() ([]structs.Broker, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	brokers := make([]structs.Broker, 0, len(m.brokers))
	for _, b := range m.brokers {
		brokers = append(brokers, b)
	}
	return brokers, nil
}

func (m *mockCoordination) RegisterBroker(b structs.Broker) error {
	m.addBroker(b)
	return nil
}

func (m *mockCoordination) Topics() ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	topics := make([]string, 0, len(m.assignments))
	for t := range m.assignments {
		topics = append(topics, t)
	}
	return topics, nil
}

func (m *mockCoordination) ReplicaAssignments(topics []string) (map[structs.TopicPartition][]int32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[structs.TopicPartition][]int32)
	for _, topic := range topics {
		for partition, replicas := range m.assignments[topic] {
			out[structs.TopicPartition{Topic: topic, Partition: partition}] = replicas
		}
	}
	return out, nil
}

func (m *mockCoordination) SetReplicaAssignment(topic string, assignment map[int32][]int32, epochZKVersion int32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fence(epochZKVersion); err != nil {
		return err
	}
	m.assignments[topic] = assignment
	return nil
}

func (m *mockCoordination) DeleteTopicAssignment(topic string, epochZKVersion int32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fence(epochZKVersion); err != nil {
		return err
	}
	delete(m.assignments, topic)
	for tp := range m.states {
		if tp.Topic == topic {
			delete(m.states, tp)
		}
	}
	return nil
}

func (m *mockCoordination) LeaderAndISR(tp structs.TopicPartition) (structs.LeaderAndISR, int32, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.states[tp]
	if !ok {
		return structs.LeaderAndISR{}, 0, false, nil
	}
	return st.leaderAndISR, st.controllerEpoch, true, nil
}

func (m *mockCoordination) CreateLeaderAndISR(tp structs.TopicPartition, l structs.LeaderAndISR, controllerEpoch int32, epochZKVersion int32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fence(epochZKVersion); err != nil {
		return err
	}
	if _, ok := m.states[tp]; ok {
		return errors.Errorf("state for %s exists already", tp)
	}
	l.ZKVersion = 0
	m.states[tp] = &mockPartitionState{leaderAndISR: l, controllerEpoch: controllerEpoch}
	return nil
}

func (m *mockCoordination) UpdateLeaderAndISR(tp structs.TopicPartition, l structs.LeaderAndISR, controllerEpoch int32, epochZKVersion int32) (int32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fence(epochZKVersion); err != nil {
		return 0, err
	}
	st, ok := m.states[tp]
	if !ok {
		return 0, errors.Errorf("state for %s is missing", tp)
	}
	if l.ZKVersion != st.leaderAndISR.ZKVersion {
		return 0, errors.Wrap(ErrVersionConflict, "partition state version conflict")
	}
	l.ZKVersion = st.leaderAndISR.ZKVersion + 1
	m.states[tp] = &mockPartitionState{leaderAndISR: l, controllerEpoch: controllerEpoch}
	return l.ZKVersion, nil
}

func (m *mockCoordination) PartitionsBeingReassigned() (map[structs.TopicPartition][]int32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[structs.TopicPartition][]int32, len(m.reassignment))
	for tp, replicas := range m.reassignment {
		out[tp] = replicas
	}
	return out, nil
}

func (m *mockCoordination) RemovePartitionFromReassignment(tp structs.TopicPartition, epochZKVersion int32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fence(epochZKVersion); err != nil {
		return err
	}
	delete(m.reassignment, tp)
	return nil
}

func (m *mockCoordination) PartitionsForPreferredReplicaElection() ([]structs.TopicPartition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]structs.TopicPartition{}, m.preferred...), nil
}

func (m *mockCoordination) DeletePreferredReplicaElection(epochZKVersion int32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fence(epochZKVersion); err != nil {
		return err
	}
	m.preferred = nil
	return nil
}

func (m *mockCoordination) TopicsQueuedForDeletion() ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	topics := make([]string, 0, len(m.topicsToDelete))
	for t := range m.topicsToDelete {
		topics = append(topics, t)
	}
	return topics, nil
}

func (m *mockCoordination) DeleteTopicDeletionNode(topic string, epochZKVersion int32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fence(epochZKVersion); err != nil {
		return err
	}
	delete(m.topicsToDelete, topic)
	return nil
}

func (m *mockCoordination) TopicDeletionEnabled() (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.deletionEnabled, nil
}

func (m *mockCoordination) ISRChangeNotifications() ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	seqs := make([]string, 0, len(m.isrNotifications))
	for seq := range m.isrNotifications {
		seqs = append(seqs, seq)
	}
	return seqs, nil
}

func (m *mockCoordination) ISRChangeNotificationPartitions(seqs []string) ([]structs.TopicPartition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var partitions []structs.TopicPartition
	for _, seq := range seqs {
		partitions = append(partitions, m.isrNotifications[seq]...)
	}
	return partitions, nil
}

func (m *mockCoordination) DeleteISRChangeNotifications(seqs []string, epochZKVersion int32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fence(epochZKVersion); err != nil {
		return err
	}
	for _, seq := range seqs {
		delete(m.isrNotifications, seq)
	}
	return nil
}

func (m *mockCoordination) LogDirEventNotifications() ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	seqs := make([]string, 0, len(m.logDirNotifications))
	for seq := range m.logDirNotifications {
		seqs = append(seqs, seq)
	}
	return seqs, nil
}

func (m *mockCoordination) LogDirEventNotificationBrokers(seqs []string) ([]int32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var brokerIDs []int32
	for _, seq := range seqs {
		brokerIDs = append(brokerIDs, m.logDirNotifications[seq])
	}
	return brokerIDs, nil
}

func (m *mockCoordination) DeleteLogDirEventNotifications(seqs []string, epochZKVersion int32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fence(epochZKVersion); err != nil {
		return err
	}
	for _, seq := range seqs {
		delete(m.logDirNotifications, seq)
	}
	return nil
}

func (m *mockCoordination) UncleanLeaderElectionEnabled(topic string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if v, ok := m.uncleanTopics[topic]; ok {
		return v, nil
	}
	return m.uncleanDefault, nil
}

func (m *mockCoordination) markWatched(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.watched[key] = struct{}{}
}

func (m *mockCoordination) unmarkWatched(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.watched, key)
}

func (m *mockCoordination) WatchControllerChanges(fn func())   { m.markWatched("controller") }
func (m *mockCoordination) WatchBrokerChanges(fn func())       { m.markWatched("brokers") }
func (m *mockCoordination) WatchTopicChanges(fn func())        { m.markWatched("topics") }
func (m *mockCoordination) WatchTopicDeletions(fn func())      { m.markWatched("topic-deletions") }
func (m *mockCoordination) WatchPartitionReassignments(fn func()) {
	m.markWatched("reassignments")
}
func (m *mockCoordination) WatchPreferredReplicaElection(fn func()) {
	m.markWatched("preferred-election")
}
func (m *mockCoordination) WatchISRChangeNotifications(fn func()) {
	m.markWatched("isr-notifications")
}
func (m *mockCoordination) WatchLogDirEventNotifications(fn func()) {
	m.markWatched("log-dir-notifications")
}
func (m *mockCoordination) WatchPartitionModifications(topic string, fn func()) {
	m.markWatched("topic:" + topic)
}
func (m *mockCoordination) UnwatchPartitionModifications(topic string) {
	m.unmarkWatched("topic:" + topic)
}
func (m *mockCoordination) WatchPartitionISRChange(tp structs.TopicPartition, fn func()) {
	m.markWatched("isr:" + tp.String())
}
func (m *mockCoordination) UnwatchPartitionISRChange(tp structs.TopicPartition) {
	m.unmarkWatched("isr:" + tp.String())
}

func (m *mockCoordination) WatchSessionExpiration(fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessionFns = append(m.sessionFns, fn)
}

func (m *mockCoordination) UnwatchAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for key := range m.watched {
		if key == "controller" {
			continue
		}
		delete(m.watched, key)
	}
}

// mockTransport captures every request the channel manager sends, answering
// each with a success response.
type mockTransport struct {
	mu       sync.Mutex
	requests []capturedRequest
	// leaderAndISRFailures maps broker addrs to the error code their
	// LeaderAndISR responses should carry.
	leaderAndISRFailures map[string]int16
}

func (t *mockTransport) failLeaderAndISR(addr string, code int16) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.leaderAndISRFailures == nil {
		t.leaderAndISRFailures = make(map[string]int16)
	}
	t.leaderAndISRFailures[addr] = code
}

func (t *mockTransport) leaderAndISRError(addr string) (int16, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	code, ok := t.leaderAndISRFailures[addr]
	return code, ok
}

type capturedRequest struct {
	addr string
	req  protocol.Body
}

func (t *mockTransport) dialer() Dialer {
	return func(addr string) (ClientConn, error) {
		return &mockConn{t: t, addr: addr}, nil
	}
}

func (t *mockTransport) record(addr string, req protocol.Body) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.requests = append(t.requests, capturedRequest{addr: addr, req: req})
}

// take drains and returns the captured requests.
func (t *mockTransport) take() []capturedRequest {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := t.requests
	t.requests = nil
	return out
}

func (t *mockTransport) count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.requests)
}

type mockConn struct {
	t    *mockTransport
	addr string
}

func (c *mockConn) LeaderAndISR(req *protocol.LeaderAndISRRequest) (*protocol.LeaderAndISRResponse, error) {
	c.t.record(c.addr, req)
	code := protocol.ErrNone.Code()
	if failCode, ok := c.t.leaderAndISRError(c.addr); ok {
		code = failCode
	}
	res := &protocol.LeaderAndISRResponse{}
	for _, p := range req.PartitionStates {
		res.Partitions = append(res.Partitions, &protocol.LeaderAndISRPartition{
			Topic:     p.Topic,
			Partition: p.Partition,
			ErrorCode: code,
		})
	}
	return res, nil
}

func (c *mockConn) StopReplica(req *protocol.StopReplicaRequest) (*protocol.StopReplicaResponse, error) {
	c.t.record(c.addr, req)
	res := &protocol.StopReplicaResponse{}
	for _, p := range req.Partitions {
		res.Partitions = append(res.Partitions, &protocol.StopReplicaResponsePartition{
			Topic:     p.Topic,
			Partition: p.Partition,
			ErrorCode: protocol.ErrNone.Code(),
		})
	}
	return res, nil
}

func (c *mockConn) UpdateMetadata(req *protocol.UpdateMetadataRequest) (*protocol.UpdateMetadataResponse, error) {
	c.t.record(c.addr, req)
	return &protocol.UpdateMetadataResponse{}, nil
}

func (c *mockConn) Close() error { return nil }

package corvid

import (
	"sync"
	"time"

	"github.com/corvidmq/corvid/corvid/structs"
	"github.com/corvidmq/corvid/log"
	"github.com/corvidmq/corvid/protocol"
	opentracing "github.com/opentracing/opentracing-go"
	"github.com/pkg/errors"
)

// ControllerState tags an event for metrics bucketing and the ControllerState
// gauge.
type ControllerState byte

const (
	stateIdle ControllerState = iota
	stateControllerChange
	stateBrokerChange
	stateTopicChange
	stateTopicDeletion
	statePartitionReassignment
	stateAutoLeaderBalance
	stateManualLeaderBalance
	stateControlledShutdown
	stateISRChange
	stateLeaderAndISRResponseReceived
	stateStopReplicaResponseReceived
	stateLogDirChange
	stateStartup
)

func (s ControllerState) String() string {
	switch s {
	case stateIdle:
		return "Idle"
	case stateControllerChange:
		return "ControllerChange"
	case stateBrokerChange:
		return "BrokerChange"
	case stateTopicChange:
		return "TopicChange"
	case stateTopicDeletion:
		return "TopicDeletion"
	case statePartitionReassignment:
		return "PartitionReassignment"
	case stateAutoLeaderBalance:
		return "AutoLeaderBalance"
	case stateManualLeaderBalance:
		return "ManualLeaderBalance"
	case stateControlledShutdown:
		return "ControlledShutdown"
	case stateISRChange:
		return "ISRChange"
	case stateLeaderAndISRResponseReceived:
		return "LeaderAndISRResponseReceived"
	case stateStopReplicaResponseReceived:
		return "StopReplicaResponseReceived"
	case stateLogDirChange:
		return "LogDirChange"
	case stateStartup:
		return "Startup"
	default:
		return "Unknown"
	}
}

// ControllerEvent is one unit of controller work. Events are processed
// strictly in enqueue order by a single goroutine; process may block.
type ControllerEvent interface {
	State() ControllerState
	process(c *Controller) error
}

type startupEvent struct{}

func (startupEvent) State() ControllerState { return stateStartup }

type reelectEvent struct{}

func (reelectEvent) State() ControllerState { return stateControllerChange }

type controllerChangeEvent struct{}

func (controllerChangeEvent) State() ControllerState { return stateControllerChange }

type brokerChangeEvent struct{}

func (brokerChangeEvent) State() ControllerState { return stateBrokerChange }

type topicChangeEvent struct{}

func (topicChangeEvent) State() ControllerState { return stateTopicChange }

type partitionModificationsEvent struct {
	topic string
}

func (partitionModificationsEvent) State() ControllerState { return stateTopicChange }

type topicDeletionEvent struct{}

func (topicDeletionEvent) State() ControllerState { return stateTopicDeletion }

type partitionReassignmentEvent struct{}

func (partitionReassignmentEvent) State() ControllerState { return statePartitionReassignment }

type partitionReassignmentISRChangeEvent struct {
	tp structs.TopicPartition
}

func (partitionReassignmentISRChangeEvent) State() ControllerState {
	return statePartitionReassignment
}

type preferredReplicaElectionEvent struct{}

func (preferredReplicaElectionEvent) State() ControllerState { return stateManualLeaderBalance }

type autoPreferredReplicaElectionEvent struct{}

func (autoPreferredReplicaElectionEvent) State() ControllerState { return stateAutoLeaderBalance }

type controlledShutdownEvent struct {
	brokerID int32
	callback func(partitionsRemaining []structs.TopicPartition, err error)
}

func (controlledShutdownEvent) State() ControllerState { return stateControlledShutdown }

type isrChangeNotificationEvent struct{}

func (isrChangeNotificationEvent) State() ControllerState { return stateISRChange }

type logDirEventNotificationEvent struct{}

func (logDirEventNotificationEvent) State() ControllerState { return stateLogDirChange }

type leaderAndISRResponseReceivedEvent struct {
	brokerID int32
	res      *protocol.LeaderAndISRResponse
}

func (leaderAndISRResponseReceivedEvent) State() ControllerState {
	return stateLeaderAndISRResponseReceived
}

type stopReplicaResponseReceivedEvent struct {
	brokerID int32
	res      *protocol.StopReplicaResponse
}

func (stopReplicaResponseReceivedEvent) State() ControllerState {
	return stateStopReplicaResponseReceived
}

// awaitLatchEvent exists so tests can fence the queue: once its done channel
// closes, every event enqueued before it has been processed.
type awaitLatchEvent struct {
	done chan struct{}
}

func (awaitLatchEvent) State() ControllerState { return stateIdle }

func (e awaitLatchEvent) process(c *Controller) error {
	close(e.done)
	return nil
}

// eventManager serializes all controller work through one unbounded FIFO
// queue and one worker goroutine. Producers (watch callbacks, RPC response
// callbacks, timers, API calls) only enqueue.
type eventManager struct {
	c      *Controller
	logger log.Logger
	tracer opentracing.Tracer

	mu      sync.Mutex
	cond    *sync.Cond
	queue   []ControllerEvent
	stopped bool

	wg sync.WaitGroup
}

func newEventManager(c *Controller, logger log.Logger, tracer opentracing.Tracer) *eventManager {
	m := &eventManager{
		c:      c,
		logger: logger,
		tracer: tracer,
	}
	m.cond = sync.NewCond(&m.mu)
	return m
}

// start enqueues the initial startup event and launches the worker.
func (m *eventManager) start() {
	m.put(startupEvent{})
	m.wg.Add(1)
	go m.work()
}

// close stops the worker after the events already queued drain.
func (m *eventManager) close() {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return
	}
	m.stopped = true
	m.cond.Broadcast()
	m.mu.Unlock()
	m.wg.Wait()
}

func (m *eventManager) put(e ControllerEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped {
		return
	}
	m.queue = append(m.queue, e)
	m.cond.Signal()
}

func (m *eventManager) work() {
	defer m.wg.Done()
	for {
		m.mu.Lock()
		for len(m.queue) == 0 && !m.stopped {
			m.cond.Wait()
		}
		if len(m.queue) == 0 && m.stopped {
			m.mu.Unlock()
			return
		}
		e := m.queue[0]
		m.queue = m.queue[1:]
		m.mu.Unlock()

		m.process(e)
	}
}

func (m *eventManager) process(e ControllerEvent) {
	state := e.State()
	m.c.setState(state)
	sp := m.span(state)
	start := time.Now()
	err := e.process(m.c)
	m.c.metrics.observeEvent(state, time.Since(start))
	sp.Finish()
	m.c.updateMetrics()
	m.c.setState(stateIdle)
	if err == nil {
		return
	}
	if cause := errors.Cause(err); cause == ErrControllerMoved || cause == ErrIllegalState {
		m.logger.Info("fatal for this reign; resigning", log.String("event", state.String()), log.Error("error", err))
		m.c.handleControllerMoved(err)
		return
	}
	m.logger.Error("error processing controller event", log.String("event", state.String()), log.Error("error", err))
}

func (m *eventManager) span(state ControllerState) opentracing.Span {
	if m.tracer == nil {
		return opentracing.NoopTracer{}.StartSpan(state.String())
	}
	return m.tracer.StartSpan("controller: " + state.String())
}

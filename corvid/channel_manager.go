package corvid

import (
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/corvidmq/corvid/corvid/config"
	"github.com/corvidmq/corvid/corvid/structs"
	"github.com/corvidmq/corvid/log"
	"github.com/corvidmq/corvid/protocol"
)

const senderQueueSize = 256

// channelManager owns one outgoing request queue and sender goroutine per
// remote broker. Only the event loop enqueues; the sender retries failed
// sends with exponential backoff until the broker is removed. The
// controller's own UpdateMetadata copy is applied locally instead of dialed.
type channelManager struct {
	config *config.Config
	logger log.Logger
	dial   Dialer
	// localApply receives the UpdateMetadata requests addressed to this
	// broker itself.
	localApply func(*protocol.UpdateMetadataRequest)

	mu       sync.Mutex
	brokers  map[int32]*brokerSender
	shutdown bool
}

type queuedRequest struct {
	req            protocol.Body
	onLeaderAndISR func(*protocol.LeaderAndISRResponse)
	onStopReplica  func(*protocol.StopReplicaResponse)
}

type brokerSender struct {
	broker structs.Broker
	queue  chan *queuedRequest
	stopCh chan struct{}
	wg     sync.WaitGroup
}

func newChannelManager(conf *config.Config, logger log.Logger, dial Dialer, localApply func(*protocol.UpdateMetadataRequest)) *channelManager {
	if dial == nil {
		dial = Dial
	}
	return &channelManager{
		config:     conf,
		logger:     logger,
		dial:       dial,
		localApply: localApply,
		brokers:    make(map[int32]*brokerSender),
	}
}

// startup registers the given brokers and starts their senders.
func (cm *channelManager) startup(brokers []structs.Broker) {
	for _, b := range brokers {
		cm.addBroker(b)
	}
}

func (cm *channelManager) addBroker(b structs.Broker) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	if cm.shutdown {
		return
	}
	if _, ok := cm.brokers[b.ID]; ok {
		return
	}
	s := &brokerSender{
		broker: b,
		queue:  make(chan *queuedRequest, senderQueueSize),
		stopCh: make(chan struct{}),
	}
	cm.brokers[b.ID] = s
	s.wg.Add(1)
	go cm.send(s)
	cm.logger.Debug("added broker sender", log.Int32("broker id", b.ID), log.String("addr", b.Addr()))
}

func (cm *channelManager) removeBroker(id int32) {
	cm.mu.Lock()
	s, ok := cm.brokers[id]
	if ok {
		delete(cm.brokers, id)
	}
	cm.mu.Unlock()
	if ok {
		close(s.stopCh)
		s.wg.Wait()
	}
}

func (cm *channelManager) close() {
	cm.mu.Lock()
	cm.shutdown = true
	brokers := cm.brokers
	cm.brokers = make(map[int32]*brokerSender)
	cm.mu.Unlock()
	for _, s := range brokers {
		close(s.stopCh)
		s.wg.Wait()
	}
}

func (cm *channelManager) sendLeaderAndISR(brokerID int32, req *protocol.LeaderAndISRRequest, cb func(*protocol.LeaderAndISRResponse)) {
	cm.enqueue(brokerID, &queuedRequest{req: req, onLeaderAndISR: cb})
}

func (cm *channelManager) sendStopReplica(brokerID int32, req *protocol.StopReplicaRequest, cb func(*protocol.StopReplicaResponse)) {
	cm.enqueue(brokerID, &queuedRequest{req: req, onStopReplica: cb})
}

func (cm *channelManager) sendUpdateMetadata(brokerID int32, req *protocol.UpdateMetadataRequest) {
	if brokerID == cm.config.ID && cm.localApply != nil {
		cm.localApply(req)
		return
	}
	cm.enqueue(brokerID, &queuedRequest{req: req})
}

func (cm *channelManager) enqueue(brokerID int32, qr *queuedRequest) {
	cm.mu.Lock()
	s, ok := cm.brokers[brokerID]
	cm.mu.Unlock()
	if !ok {
		cm.logger.Debug("dropping request for unknown broker", log.Int32("broker id", brokerID))
		return
	}
	select {
	case s.queue <- qr:
	case <-s.stopCh:
	}
}

// send runs on the per-broker goroutine, draining the queue and retrying each
// request until it succeeds or the sender stops.
func (cm *channelManager) send(s *brokerSender) {
	defer s.wg.Done()
	var conn ClientConn
	defer func() {
		if conn != nil {
			conn.Close()
		}
	}()
	for {
		select {
		case <-s.stopCh:
			return
		case qr := <-s.queue:
			bo := backoff.NewExponentialBackOff()
			bo.InitialInterval = cm.config.ControllerSendRetryBackoff
			bo.MaxInterval = cm.config.ControllerSendRetryMaxInterval
			bo.MaxElapsedTime = 0
			for {
				var err error
				if conn == nil {
					conn, err = cm.dial(s.broker.Addr())
				}
				if err == nil {
					err = cm.doSend(conn, qr)
					if err != nil {
						conn.Close()
						conn = nil
					}
				}
				if err == nil {
					break
				}
				cm.logger.Error("send to broker failed, retrying",
					log.Int32("broker id", s.broker.ID),
					log.String("addr", s.broker.Addr()),
					log.Error("error", err))
				select {
				case <-s.stopCh:
					return
				case <-time.After(bo.NextBackOff()):
				}
			}
		}
	}
}

func (cm *channelManager) doSend(conn ClientConn, qr *queuedRequest) error {
	switch req := qr.req.(type) {
	case *protocol.LeaderAndISRRequest:
		res, err := conn.LeaderAndISR(req)
		if err != nil {
			return err
		}
		if qr.onLeaderAndISR != nil {
			qr.onLeaderAndISR(res)
		}
	case *protocol.StopReplicaRequest:
		res, err := conn.StopReplica(req)
		if err != nil {
			return err
		}
		if qr.onStopReplica != nil {
			qr.onStopReplica(res)
		}
	case *protocol.UpdateMetadataRequest:
		if _, err := conn.UpdateMetadata(req); err != nil {
			return err
		}
	}
	return nil
}

// Package state holds the broker-side view of cluster metadata, fed by the
// controller's UpdateMetadata requests. Every broker keeps one; the
// controller applies its own copy locally when it flushes a batch.
package state

import (
	"bytes"
	"fmt"
	"sync"

	"github.com/cespare/xxhash"
	"github.com/corvidmq/corvid/protocol"
	memdb "github.com/hashicorp/go-memdb"
	"github.com/ugorji/go/codec"
)

// msgpackHandle is a shared handle for snapshot encoding/decoding.
var msgpackHandle = &codec.MsgpackHandle{}

// Broker is a live broker as last announced by the controller.
type Broker struct {
	ID   int32
	Host string
	Port int32
}

// Topic groups a topic's partition assignments.
type Topic struct {
	Topic string
	// Partitions maps partition IDs to assigned replica IDs.
	Partitions map[int32][]int32
}

// Partition is the metadata view of one partition.
type Partition struct {
	ID              int32
	Partition       int32
	Topic           string
	ISR             []int32
	AR              []int32
	Leader          int32
	ControllerEpoch int32
	LeaderEpoch     int32
	ZKVersion       int32
}

// snapshot is the serialized form of the store.
type snapshot struct {
	ControllerID    int32
	ControllerEpoch int32
	Brokers         []*Broker
	Partitions      []*Partition
}

// Store is an in-memory metadata database over brokers, topics, and
// partitions. Reads and writes may come from any goroutine.
type Store struct {
	mu sync.RWMutex
	db *memdb.MemDB

	controllerID    int32
	controllerEpoch int32
}

func NewStore() *Store {
	db, err := memdb.NewMemDB(schema())
	if err != nil {
		panic(err)
	}
	return &Store{db: db}
}

func schema() *memdb.DBSchema {
	return &memdb.DBSchema{
		Tables: map[string]*memdb.TableSchema{
			"brokers": {
				Name: "brokers",
				Indexes: map[string]*memdb.IndexSchema{
					"id": {
						Name:    "id",
						Unique:  true,
						Indexer: &IntFieldIndex{Field: "ID"},
					},
				},
			},
			"topics": {
				Name: "topics",
				Indexes: map[string]*memdb.IndexSchema{
					"id": {
						Name:    "id",
						Unique:  true,
						Indexer: &memdb.StringFieldIndex{Field: "Topic"},
					},
				},
			},
			"partitions": {
				Name: "partitions",
				Indexes: map[string]*memdb.IndexSchema{
					"id": {
						Name:   "id",
						Unique: true,
						Indexer: &memdb.CompoundIndex{
							Indexes: []memdb.Indexer{
								&memdb.StringFieldIndex{Field: "Topic"},
								&IntFieldIndex{Field: "Partition"},
							},
						},
					},
					"topic": {
						Name:    "topic",
						Indexer: &memdb.StringFieldIndex{Field: "Topic"},
					},
					"leader": {
						Name:    "leader",
						Indexer: &IntFieldIndex{Field: "Leader"},
					},
				},
			},
		},
	}
}

// ApplyUpdateMetadata ingests one UpdateMetadata request: the broker list
// replaces the previous one, partition states are upserted, and the topic
// table is kept in step.
func (s *Store) ApplyUpdateMetadata(req *protocol.UpdateMetadataRequest) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if req.ControllerEpoch < s.controllerEpoch {
		// stale controller; ignore.
		return
	}
	s.controllerID = req.ControllerID
	s.controllerEpoch = req.ControllerEpoch

	tx := s.db.Txn(true)
	defer tx.Abort()

	if _, err := tx.DeleteAll("brokers", "id"); err != nil {
		panic(err)
	}
	for _, b := range req.LiveBrokers {
		if err := tx.Insert("brokers", &Broker{ID: b.ID, Host: b.Host, Port: b.Port}); err != nil {
			panic(err)
		}
	}

	for _, ps := range req.PartitionStates {
		p := &Partition{
			ID:              ps.Partition,
			Partition:       ps.Partition,
			Topic:           ps.Topic,
			ISR:             ps.ISR,
			AR:              ps.Replicas,
			Leader:          ps.Leader,
			ControllerEpoch: ps.ControllerEpoch,
			LeaderEpoch:     ps.LeaderEpoch,
			ZKVersion:       ps.ZKVersion,
		}
		if err := tx.Insert("partitions", p); err != nil {
			panic(err)
		}
		raw, err := tx.First("topics", "id", ps.Topic)
		if err != nil {
			panic(err)
		}
		var topic *Topic
		if raw == nil {
			topic = &Topic{Topic: ps.Topic, Partitions: make(map[int32][]int32)}
		} else {
			old := raw.(*Topic)
			topic = &Topic{Topic: old.Topic, Partitions: make(map[int32][]int32, len(old.Partitions))}
			for id, ar := range old.Partitions {
				topic.Partitions[id] = ar
			}
		}
		topic.Partitions[ps.Partition] = ps.Replicas
		if err := tx.Insert("topics", topic); err != nil {
			panic(err)
		}
	}

	tx.Commit()
}

// ControllerID returns the id and epoch of the controller that last updated
// this cache.
func (s *Store) ControllerID() (int32, int32) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.controllerID, s.controllerEpoch
}

func (s *Store) GetBrokers() ([]*Broker, error) {
	tx := s.db.Txn(false)
	defer tx.Abort()
	it, err := tx.Get("brokers", "id")
	if err != nil {
		return nil, fmt.Errorf("broker lookup failed: %s", err)
	}
	var brokers []*Broker
	for next := it.Next(); next != nil; next = it.Next() {
		brokers = append(brokers, next.(*Broker))
	}
	return brokers, nil
}

func (s *Store) GetBroker(id int32) (*Broker, error) {
	tx := s.db.Txn(false)
	defer tx.Abort()
	raw, err := tx.First("brokers", "id", id)
	if err != nil {
		return nil, fmt.Errorf("broker lookup failed: %s", err)
	}
	if raw == nil {
		return nil, nil
	}
	return raw.(*Broker), nil
}

func (s *Store) GetTopics() ([]*Topic, error) {
	tx := s.db.Txn(false)
	defer tx.Abort()
	it, err := tx.Get("topics", "id")
	if err != nil {
		return nil, fmt.Errorf("topic lookup failed: %s", err)
	}
	var topics []*Topic
	for next := it.Next(); next != nil; next = it.Next() {
		topics = append(topics, next.(*Topic))
	}
	return topics, nil
}

func (s *Store) GetTopic(name string) (*Topic, error) {
	tx := s.db.Txn(false)
	defer tx.Abort()
	raw, err := tx.First("topics", "id", name)
	if err != nil {
		return nil, fmt.Errorf("topic lookup failed: %s", err)
	}
	if raw == nil {
		return nil, nil
	}
	return raw.(*Topic), nil
}

func (s *Store) GetPartition(topic string, id int32) (*Partition, error) {
	tx := s.db.Txn(false)
	defer tx.Abort()
	raw, err := tx.First("partitions", "id", topic, id)
	if err != nil {
		return nil, fmt.Errorf("partition lookup failed: %s", err)
	}
	if raw == nil {
		return nil, nil
	}
	return raw.(*Partition), nil
}

func (s *Store) GetPartitions() ([]*Partition, error) {
	tx := s.db.Txn(false)
	defer tx.Abort()
	it, err := tx.Get("partitions", "id")
	if err != nil {
		return nil, fmt.Errorf("partition lookup failed: %s", err)
	}
	var partitions []*Partition
	for next := it.Next(); next != nil; next = it.Next() {
		partitions = append(partitions, next.(*Partition))
	}
	return partitions, nil
}

// PartitionsByLeader returns the partitions currently led by the given
// broker.
func (s *Store) PartitionsByLeader(leader int32) ([]*Partition, error) {
	tx := s.db.Txn(false)
	defer tx.Abort()
	it, err := tx.Get("partitions", "leader", leader)
	if err != nil {
		return nil, fmt.Errorf("partition lookup failed: %s", err)
	}
	var partitions []*Partition
	for next := it.Next(); next != nil; next = it.Next() {
		partitions = append(partitions, next.(*Partition))
	}
	return partitions, nil
}

// Snapshot serializes the store so a restarting broker can warm its cache
// before the controller's next UpdateMetadata arrives.
func (s *Store) Snapshot() ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap := snapshot{ControllerID: s.controllerID, ControllerEpoch: s.controllerEpoch}
	var err error
	if snap.Brokers, err = s.GetBrokers(); err != nil {
		return nil, err
	}
	if snap.Partitions, err = s.GetPartitions(); err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	if err := codec.NewEncoder(&buf, msgpackHandle).Encode(&snap); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Restore replaces the store contents with a snapshot.
func (s *Store) Restore(b []byte) error {
	var snap snapshot
	if err := codec.NewDecoder(bytes.NewReader(b), msgpackHandle).Decode(&snap); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	db, err := memdb.NewMemDB(schema())
	if err != nil {
		return err
	}
	tx := db.Txn(true)
	defer tx.Abort()
	topics := make(map[string]*Topic)
	for _, broker := range snap.Brokers {
		if err := tx.Insert("brokers", broker); err != nil {
			return err
		}
	}
	for _, p := range snap.Partitions {
		if err := tx.Insert("partitions", p); err != nil {
			return err
		}
		topic, ok := topics[p.Topic]
		if !ok {
			topic = &Topic{Topic: p.Topic, Partitions: make(map[int32][]int32)}
			topics[p.Topic] = topic
		}
		topic.Partitions[p.Partition] = p.AR
	}
	for _, topic := range topics {
		if err := tx.Insert("topics", topic); err != nil {
			return err
		}
	}
	tx.Commit()

	s.db = db
	s.controllerID = snap.ControllerID
	s.controllerEpoch = snap.ControllerEpoch
	return nil
}

// Hash is a content sum over the serialized store, for comparing two brokers'
// metadata views.
func (s *Store) Hash() (uint64, error) {
	b, err := s.Snapshot()
	if err != nil {
		return 0, err
	}
	return xxhash.Sum64(b), nil
}

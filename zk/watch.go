package zk

import (
	"time"

	"github.com/corvidmq/corvid/corvid/structs"
	"github.com/samuel/go-zookeeper/zk"
)

// watch keys that survive UnwatchAll: they drive re-election after a
// resignation.
const (
	controllerWatchKey = "controller"
)

// watch runs one watcher goroutine per logical key: it (re)registers the
// underlying coordination-service watch, invokes fn on every firing, and
// stops when the key is unwatched. fn runs on the watcher goroutine.
func (c *Client) watch(key string, register func() (<-chan zk.Event, error), fn func()) {
	c.mu.Lock()
	if old, ok := c.watchers[key]; ok {
		close(old)
	}
	stop := make(chan struct{})
	c.watchers[key] = stop
	c.mu.Unlock()

	go func() {
		for {
			ch, err := register()
			if err != nil {
				c.logger.Error("watch registration failed, retrying")
				select {
				case <-stop:
					return
				case <-time.After(time.Second):
					continue
				}
			}
			select {
			case <-stop:
				return
			case <-ch:
				fn()
			}
		}
	}()
}

func (c *Client) unwatch(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if stop, ok := c.watchers[key]; ok {
		close(stop)
		delete(c.watchers, key)
	}
}

// childrenWatch arms a watch that fires when path's children change (or the
// node appears).
func (c *Client) childrenWatch(path string) (<-chan zk.Event, error) {
	exists, _, ch, err := c.conn.ExistsW(path)
	if err != nil {
		return nil, err
	}
	if !exists {
		return ch, nil
	}
	_, _, childCh, err := c.conn.ChildrenW(path)
	if err == zk.ErrNoNode {
		return ch, nil
	}
	if err != nil {
		return nil, err
	}
	return childCh, nil
}

// dataWatch arms a watch that fires when path is created, deleted, or
// rewritten.
func (c *Client) dataWatch(path string) (<-chan zk.Event, error) {
	_, _, ch, err := c.conn.ExistsW(path)
	if err != nil {
		return nil, err
	}
	return ch, nil
}

func (c *Client) WatchControllerChanges(fn func()) {
	c.watch(controllerWatchKey, func() (<-chan zk.Event, error) { return c.dataWatch(ControllerPath) }, fn)
}

func (c *Client) WatchBrokerChanges(fn func()) {
	c.watch("brokers", func() (<-chan zk.Event, error) { return c.childrenWatch(BrokerIdsPath) }, fn)
}

func (c *Client) WatchTopicChanges(fn func()) {
	c.watch("topics", func() (<-chan zk.Event, error) { return c.childrenWatch(BrokerTopicsPath) }, fn)
}

func (c *Client) WatchTopicDeletions(fn func()) {
	c.watch("topic-deletions", func() (<-chan zk.Event, error) { return c.childrenWatch(AdminDeleteTopicsPath) }, fn)
}

func (c *Client) WatchPartitionReassignments(fn func()) {
	c.watch("reassignments", func() (<-chan zk.Event, error) { return c.dataWatch(AdminReassignPartitionsPath) }, fn)
}

func (c *Client) WatchPreferredReplicaElection(fn func()) {
	c.watch("preferred-election", func() (<-chan zk.Event, error) { return c.dataWatch(AdminPreferredReplicaElectionPath) }, fn)
}

func (c *Client) WatchISRChangeNotifications(fn func()) {
	c.watch("isr-notifications", func() (<-chan zk.Event, error) { return c.childrenWatch(ISRChangeNotificationPath) }, fn)
}

func (c *Client) WatchLogDirEventNotifications(fn func()) {
	c.watch("log-dir-notifications", func() (<-chan zk.Event, error) { return c.childrenWatch(LogDirEventNotificationPath) }, fn)
}

func (c *Client) WatchPartitionModifications(topic string, fn func()) {
	path := topicPath(topic)
	c.watch("topic:"+topic, func() (<-chan zk.Event, error) { return c.dataWatch(path) }, fn)
}

func (c *Client) UnwatchPartitionModifications(topic string) {
	c.unwatch("topic:" + topic)
}

func (c *Client) WatchPartitionISRChange(tp structs.TopicPartition, fn func()) {
	path := partitionStatePath(tp.Topic, tp.Partition)
	c.watch("isr:"+tp.String(), func() (<-chan zk.Event, error) { return c.dataWatch(path) }, fn)
}

func (c *Client) UnwatchPartitionISRChange(tp structs.TopicPartition) {
	c.unwatch("isr:" + tp.String())
}

func (c *Client) WatchSessionExpiration(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sessionFns = append(c.sessionFns, fn)
}

// UnwatchAll drops every watch except the controller-change watch and the
// session expiration callbacks; those keep driving re-election after a
// resignation.
func (c *Client) UnwatchAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for key, stop := range c.watchers {
		if key == controllerWatchKey {
			continue
		}
		close(stop)
		delete(c.watchers, key)
	}
}

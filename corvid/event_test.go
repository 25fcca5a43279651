package corvid

import (
	"testing"
	"time"

	"github.com/corvidmq/corvid/corvid/config"
	"github.com/corvidmq/corvid/log"
	"github.com/stretchr/testify/assert"
)

// orderEvent records when it ran so queue ordering can be asserted.
type orderEvent struct {
	n   int
	out chan int
}

func (orderEvent) State() ControllerState { return stateIdle }

func (e orderEvent) process(c *Controller) error {
	e.out <- e.n
	return nil
}

func newIdleController(t *testing.T) *Controller {
	conf := config.DefaultConfig()
	conf.ID = 1
	c := New(conf, newMockCoordination(), nil, log.New(), nil)
	t.Cleanup(c.Shutdown)
	return c
}

func TestEventManagerProcessesInEnqueueOrder(t *testing.T) {
	c := newIdleController(t)
	m := c.eventMgr

	out := make(chan int, 100)
	for i := 0; i < 100; i++ {
		m.put(orderEvent{n: i, out: out})
	}
	m.wg.Add(1)
	go m.work()

	for i := 0; i < 100; i++ {
		select {
		case got := <-out:
			assert.Equal(t, i, got)
		case <-time.After(5 * time.Second):
			t.Fatal("timed out waiting for events")
		}
	}
}

func TestEventManagerAwaitLatchFencesQueue(t *testing.T) {
	c := newIdleController(t)
	m := c.eventMgr

	out := make(chan int, 10)
	for i := 0; i < 10; i++ {
		m.put(orderEvent{n: i, out: out})
	}
	done := make(chan struct{})
	m.put(awaitLatchEvent{done: done})
	m.wg.Add(1)
	go m.work()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("latch never fired")
	}
	// everything enqueued before the latch has been processed.
	assert.Len(t, out, 10)
}

func TestEventManagerDropsEventsAfterClose(t *testing.T) {
	c := newIdleController(t)
	m := c.eventMgr
	m.wg.Add(1)
	go m.work()
	m.close()

	out := make(chan int, 1)
	m.put(orderEvent{n: 1, out: out})
	select {
	case <-out:
		t.Fatal("event processed after close")
	case <-time.After(50 * time.Millisecond):
	}
}

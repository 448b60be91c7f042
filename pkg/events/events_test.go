package events

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBrokerDelivers(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()

	sub := b.Subscribe()
	assert.Equal(t, 1, b.SubscriberCount())

	b.Publish(NewEvent(EventServiceAdded, "node-1", "dy-sidecar_node-1", ""))

	select {
	case ev := <-sub:
		assert.Equal(t, EventServiceAdded, ev.Type)
		assert.Equal(t, "node-1", ev.NodeID)
		assert.NotEmpty(t, ev.ID)
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}

	b.Unsubscribe(sub)
	b.Unsubscribe(sub)
	assert.Equal(t, 0, b.SubscriberCount())
}

func TestPublishNeverBlocks(t *testing.T) {
	b := NewBroker() // not started, nothing drains the queue

	done := make(chan struct{})
	go func() {
		for i := 0; i < 1000; i++ {
			b.Publish(NewEvent(EventServiceFailing, "n", "s", "boom"))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked")
	}
	assert.Equal(t, uint64(1000-256), b.Dropped())

	b.Stop()
	b.Stop()
	b.Publish(NewEvent(EventServiceFailing, "n", "s", "after stop"))
}

type fakePublisher struct {
	mu   sync.Mutex
	msgs map[string][]byte
	err  error
}

func (p *fakePublisher) Publish(subject string, data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.msgs[subject] = data
	return nil
}

func (p *fakePublisher) get(subject string) ([]byte, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	d, ok := p.msgs[subject]
	return d, ok
}

func TestForwarder(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()

	pub := &fakePublisher{msgs: map[string][]byte{}}
	f := NewForwarder(b, pub, "")
	f.Start()

	b.Publish(NewEvent(EventServiceRemoved, "node-1", "dy-sidecar_node-1", "removed"))

	require.Eventually(t, func() bool {
		_, ok := pub.get("dynsched.service.removed")
		return ok
	}, time.Second, 10*time.Millisecond)

	data, _ := pub.get("dynsched.service.removed")
	var ev Event
	require.NoError(t, json.Unmarshal(data, &ev))
	assert.Equal(t, "node-1", ev.NodeID)
	assert.Equal(t, EventServiceRemoved, ev.Type)

	f.Stop()
	assert.Equal(t, 0, b.SubscriberCount())
}

func TestForwarderSurvivesPublishErrors(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()

	pub := &fakePublisher{msgs: map[string][]byte{}, err: errors.New("nats down")}
	f := NewForwarder(b, pub, "test")
	f.Start()
	defer f.Stop()

	b.Publish(NewEvent(EventServiceFrozen, "n", "s", ""))
	time.Sleep(20 * time.Millisecond)

	pub.mu.Lock()
	pub.err = nil
	pub.mu.Unlock()

	b.Publish(NewEvent(EventServiceFrozen, "n", "s", ""))
	assert.Eventually(t, func() bool {
		_, ok := pub.get("test.service.frozen")
		return ok
	}, time.Second, 10*time.Millisecond)
}

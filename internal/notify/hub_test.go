package notify

import (
	"encoding/json"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/context-engine/backend/internal/storage/models"
)

func TestBroadcastReachesOnlyProjectSubscribers(t *testing.T) {
	hub := NewHub(4)
	a1 := hub.Subscribe("a")
	a2 := hub.Subscribe("a")
	b := hub.Subscribe("b")
	defer a1.Close()
	defer a2.Close()
	defer b.Close()

	n := hub.Broadcast("a", StatusUpdate("d1", models.StatusParsing))
	assert.Equal(t, 2, n)

	for _, sub := range []*Subscription{a1, a2} {
		ev := <-sub.Events()
		assert.Equal(t, EventStatusUpdate, ev.Type)
		assert.Equal(t, "d1", ev.DocumentID)
		assert.Equal(t, models.StatusParsing, ev.Status)
	}
	assert.Empty(t, b.Events())
}

func TestBroadcastWithoutSubscribers(t *testing.T) {
	hub := NewHub(0)
	assert.Zero(t, hub.Broadcast("nobody", Complete("d1")))
}

func TestBroadcastAllCoversEachProject(t *testing.T) {
	hub := NewHub(4)
	a := hub.Subscribe("a")
	b := hub.Subscribe("b")
	c := hub.Subscribe("c")
	defer a.Close()
	defer b.Close()
	defer c.Close()

	assert.Equal(t, 2, hub.BroadcastAll([]string{"a", "b", "missing"}, Failure("d1", "boom")))

	for _, sub := range []*Subscription{a, b} {
		ev := <-sub.Events()
		assert.Equal(t, EventError, ev.Type)
		assert.Equal(t, "boom", ev.Error)
	}
	assert.Empty(t, c.Events())
	assert.Zero(t, hub.BroadcastAll(nil, Complete("d1")))
}

func TestSlowSubscriberLosesEventsWithoutBlocking(t *testing.T) {
	hub := NewHub(1)
	slow := hub.Subscribe("a")
	defer slow.Close()

	assert.Equal(t, 1, hub.Broadcast("a", StatusUpdate("d1", models.StatusParsing)))
	assert.Equal(t, 0, hub.Broadcast("a", StatusUpdate("d1", models.StatusEmbedding)))

	ev := <-slow.Events()
	assert.Equal(t, models.StatusParsing, ev.Status)
}

func TestCloseIsIdempotentAndDetaches(t *testing.T) {
	hub := NewHub(2)
	sub := hub.Subscribe("a")
	assert.Equal(t, 1, hub.Subscribers("a"))

	sub.Close()
	sub.Close()
	assert.Zero(t, hub.Subscribers("a"))

	_, open := <-sub.Events()
	assert.False(t, open)
	assert.Zero(t, hub.Broadcast("a", Complete("d1")))
}

func TestConcurrentSubscribeAndBroadcast(t *testing.T) {
	hub := NewHub(8)
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			sub := hub.Subscribe("a")
			sub.Close()
		}()
		go func() {
			defer wg.Done()
			hub.Broadcast("a", Complete("d1"))
		}()
	}
	wg.Wait()
	assert.Zero(t, hub.Subscribers("a"))
}

func TestEventJSON(t *testing.T) {
	raw, err := json.Marshal(Failure("d1", "worker exited with code 1"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"eventType":"error","documentId":"d1","status":"error","error":"worker exited with code 1"}`, string(raw))

	raw, err = json.Marshal(StatusUpdate("d1", models.StatusEmbedding))
	require.NoError(t, err)
	assert.JSONEq(t, `{"eventType":"statusUpdate","documentId":"d1","status":"embedding"}`, string(raw))
}

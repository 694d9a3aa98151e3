package messaging

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func connectTest(t *testing.T) *Bus {
	t.Helper()
	opts := DefaultOptions()
	opts.Name = "safetyd-test"
	opts.MaxReconnects = 0
	b, err := Connect(opts)
	if err != nil {
		t.Skipf("nats not available: %v", err)
	}
	t.Cleanup(b.Close)
	return b
}

func TestPushSubject(t *testing.T) {
	assert.Equal(t, "notify.push.pastor", PushSubject("pastor"))
}

func TestBus_PushRoundTrip(t *testing.T) {
	b := connectTest(t)
	require.NoError(t, b.Check())

	type msg struct{ subject, data string }
	got := make(chan msg, 1)
	sub, err := b.SubscribePush(func(subject string, data []byte) {
		got <- msg{subject, string(data)}
	})
	require.NoError(t, err)
	defer sub.Unsubscribe()

	require.NoError(t, b.PublishPush("pastor", []byte(`{"job_id":"j1"}`)))

	select {
	case m := <-got:
		assert.Equal(t, "notify.push.pastor", m.subject)
		assert.JSONEq(t, `{"job_id":"j1"}`, m.data)
	case <-time.After(2 * time.Second):
		t.Fatal("push request not delivered")
	}
}

func TestBus_UnsubscribeStopsDelivery(t *testing.T) {
	b := connectTest(t)

	got := make(chan []byte, 4)
	sub, err := b.SubscribeQueueChanges(func(data []byte) { got <- data })
	require.NoError(t, err)

	require.NoError(t, b.PublishQueueChange([]byte("one")))
	select {
	case d := <-got:
		assert.Equal(t, "one", string(d))
	case <-time.After(2 * time.Second):
		t.Fatal("change not delivered")
	}

	require.NoError(t, sub.Unsubscribe())
	require.NoError(t, b.PublishQueueChange([]byte("two")))
	require.NoError(t, b.conn.FlushTimeout(time.Second))

	select {
	case d := <-got:
		t.Fatalf("delivered after unsubscribe: %s", d)
	case <-time.After(100 * time.Millisecond):
	}
}

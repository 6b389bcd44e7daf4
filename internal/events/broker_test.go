package events

import (
	"bufio"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBroker() *Broker {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return NewBroker(logger)
}

func TestPublishFansOutToSubscribers(t *testing.T) {
	b := newTestBroker()
	ch1, cancel1 := b.Subscribe()
	defer cancel1()
	ch2, cancel2 := b.Subscribe()
	defer cancel2()

	b.Publish("update.detected", map[string]interface{}{"container": "web"})

	for _, ch := range []<-chan Event{ch1, ch2} {
		select {
		case event := <-ch:
			assert.Equal(t, "update.detected", event.Type)
			assert.False(t, event.Time.IsZero())
		case <-time.After(time.Second):
			t.Fatal("subscriber did not receive the event")
		}
	}
}

func TestCancelledSubscriberStopsReceiving(t *testing.T) {
	b := newTestBroker()
	ch, cancel := b.Subscribe()
	cancel()

	// Publishing after cancel must not panic on the closed channel.
	b.Publish("update.applied", nil)

	_, open := <-ch
	assert.False(t, open)
}

func TestPublishNeverBlocksOnSlowSubscriber(t *testing.T) {
	b := newTestBroker()
	_, cancel := b.Subscribe()
	defer cancel()

	done := make(chan struct{})
	go func() {
		// Nobody drains the channel; overflow must be dropped silently.
		for i := 0; i < subscriberBuffer*2; i++ {
			b.Publish("update.detected", i)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a slow subscriber")
	}
}

func TestStreamEncodesSSE(t *testing.T) {
	gin.SetMode(gin.TestMode)
	b := newTestBroker()

	router := gin.New()
	router.GET("/events", b.Stream)
	server := httptest.NewServer(router)
	defer server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, server.URL+"/events", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	// Publish until the subscriber registered by the handler sees one.
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-time.After(10 * time.Millisecond):
				b.Publish("update.applied", map[string]interface{}{"container": "web"})
			}
		}
	}()

	reader := bufio.NewReader(resp.Body)
	var sawEvent, sawData bool
	for !(sawEvent && sawData) {
		line, err := reader.ReadString('\n')
		require.NoError(t, err)
		if strings.HasPrefix(line, "event:") {
			assert.Contains(t, line, "update.applied")
			sawEvent = true
		}
		if strings.HasPrefix(line, "data:") {
			assert.Contains(t, line, `"container":"web"`)
			sawData = true
		}
	}
	assert.Contains(t, resp.Header.Get("Content-Type"), "text/event-stream")
}

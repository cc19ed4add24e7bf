package server

import (
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testBroker() *Broker {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewBroker(nil, logger, nil, 0)
}

func TestBroadcastReachesOrgSubscribers(t *testing.T) {
	b := testBroker()
	ch := b.Subscribe("org-1")
	defer b.Unsubscribe(ch)

	payload := `{"type":"kanmon.decision.paused","data":{"org_id":"org-1","decision_id":"d1"}}`
	b.Broadcast(payload)

	select {
	case event := <-ch:
		assert.Equal(t, "event: kanmon.decision.paused\ndata: "+payload+"\n\n", string(event))
	default:
		t.Fatal("expected event on subscriber channel")
	}
}

func TestBroadcastFiltersOtherOrgs(t *testing.T) {
	b := testBroker()
	mine := b.Subscribe("org-1")
	theirs := b.Subscribe("org-2")
	defer b.Unsubscribe(mine)
	defer b.Unsubscribe(theirs)

	b.Broadcast(`{"type":"kanmon.decision.actioned","data":{"org_id":"org-1"}}`)

	assert.Len(t, mine, 1)
	assert.Len(t, theirs, 0)
}

func TestBroadcastMalformedPayloadGoesToEveryone(t *testing.T) {
	b := testBroker()
	a := b.Subscribe("org-1")
	c := b.Subscribe("org-2")
	defer b.Unsubscribe(a)
	defer b.Unsubscribe(c)

	b.Broadcast("not json")

	require.Len(t, a, 1)
	require.Len(t, c, 1)
	assert.Equal(t, "event: message\ndata: not json\n\n", string(<-a))
}

func TestSlowSubscriberDropsEvents(t *testing.T) {
	b := testBroker()
	slow := b.Subscribe("org-1")
	defer b.Unsubscribe(slow)

	// Fill the buffer past capacity; the extra events are dropped,
	// never blocking the broadcast.
	for range 70 {
		b.Broadcast(`{"type":"kanmon.decision.paused","data":{"org_id":"org-1"}}`)
	}
	assert.Len(t, slow, 64)
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	b := testBroker()
	ch := b.Subscribe("org-1")
	b.Unsubscribe(ch)

	_, open := <-ch
	assert.False(t, open)

	// Broadcast after unsubscribe must not panic on the closed channel.
	b.Broadcast(`{"type":"kanmon.decision.paused","data":{"org_id":"org-1"}}`)
}

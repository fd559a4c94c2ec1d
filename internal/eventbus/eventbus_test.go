package eventbus

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPublishDeliversInRegistrationOrder(t *testing.T) {
	bus := New()
	var order []string

	bus.Subscribe("topic", func(payload any) { order = append(order, "first") })
	bus.Subscribe("topic", func(payload any) { order = append(order, "second") })
	bus.Subscribe("topic", func(payload any) { order = append(order, "third") })

	bus.Publish("topic", nil)

	require.Equal(t, []string{"first", "second", "third"}, order)
}

func TestPublishOnlyReachesMatchingTopic(t *testing.T) {
	bus := New()
	var gotA, gotB int

	bus.Subscribe("a", func(payload any) { gotA++ })
	bus.Subscribe("b", func(payload any) { gotB++ })

	bus.Publish("a", nil)

	require.Equal(t, 1, gotA)
	require.Equal(t, 0, gotB)
}

func TestUnsubscribeIsExactByIdentityToken(t *testing.T) {
	bus := New()
	var calls int
	handler := func(payload any) { calls++ }

	subA := bus.Subscribe("topic", handler)
	subB := bus.Subscribe("topic", handler)

	bus.Unsubscribe(subA)
	bus.Publish("topic", nil)

	require.Equal(t, 1, calls, "only subB's registration should still fire")

	bus.Unsubscribe(subB)
	bus.Publish("topic", nil)

	require.Equal(t, 1, calls, "no subscribers remain")
}

func TestUnsubscribeUnknownTokenIsNoop(t *testing.T) {
	bus := New()
	require.NotPanics(t, func() {
		bus.Unsubscribe(Subscription{topic: "never-subscribed", id: 999})
	})
}

func TestPublishPassesPayloadThrough(t *testing.T) {
	bus := New()
	var got ServiceConnected

	bus.Subscribe(TopicServiceConnected, func(payload any) {
		got = payload.(ServiceConnected)
	})

	bus.Publish(TopicServiceConnected, ServiceConnected{Name: "calc", Tools: 2, At: 1000})

	require.Equal(t, "calc", got.Name)
	require.Equal(t, 2, got.Tools)
}

func TestPublishSnapshotsSubscribersBeforeDelivery(t *testing.T) {
	bus := New()
	var calls int
	var second Subscription
	first := bus.Subscribe("topic", func(payload any) {
		calls++
		bus.Unsubscribe(second)
	})
	second = bus.Subscribe("topic", func(payload any) { calls++ })
	_ = first

	bus.Publish("topic", nil)
	require.Equal(t, 2, calls, "second handler still fires for the publication in progress")

	bus.Publish("topic", nil)
	require.Equal(t, 3, calls, "second handler no longer fires after being unsubscribed")
}

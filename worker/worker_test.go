package worker

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/go-playground/assert/v2"
)

func TestWriterWorkerEndToEnd(t *testing.T) {
	channel := "blg:app1:posts:user1"

	deltaStore := newFakeDeltaStore()
	deltaStore.deltas[channel] = []*Delta{
		testDelta(OpAdd, "posts/p1", channel, "g1", map[string]any{"title": "hi"}),
	}
	deltaStore.channelDevices[channel] = []string{"d1|app1"}
	deltaStore.devices["d1|app1"] = &DeviceRecord{
		Id: "d1",
		Volatile: &VolatileChannel{
			Active: 1,
			Type:   "sockets",
		},
		Subscriptions: []string{channel},
	}

	modelStore := newFakeModelStore()
	messagingClient := newFakeMessagingClient()
	writer := NewWriterWorkerWithDefaults(deltaStore, modelStore, newFakeRegistry(), messagingClient)

	message, err := json.Marshal(&Message{
		ApplicationId: "app1",
		Keys:          []string{channel},
	})
	assert.Equal(t, nil, err)
	writer.ProcessMessage(context.Background(), message)

	// exactly one create for the post
	createCalls := modelStore.callsFor("createModel")
	assert.Equal(t, 1, len(createCalls))
	assert.Equal(t, "post", createCalls[0].modelType)
	assert.Equal(t, "app1", createCalls[0].applicationId)

	// exactly one publish to the sockets broadcast topic, carrying the
	// store-canonical created post
	messages := messagingClient.messagesFor("sockets_transport")
	assert.Equal(t, 1, len(messages))

	var transportMessage TransportMessage
	err = json.Unmarshal(messages[0].payload, &transportMessage)
	assert.Equal(t, nil, err)
	assert.Equal(t, "d1", transportMessage.Device.Id)
	assert.Equal(t, "app1", transportMessage.ApplicationId)
	assert.Equal(t, 1, len(transportMessage.Deltas.New))

	created := transportMessage.Deltas.New[0].Value.(map[string]any)
	assert.Equal(t, "hi", created["title"])
	assert.NotEqual(t, nil, created["id"])
}

func TestWriterWorkerApplicationLookupIsStageFatal(t *testing.T) {
	channel := "blg:app1:posts:user1"

	deltaStore := newFakeDeltaStore()
	deltaStore.deltas[channel] = []*Delta{
		testDelta(OpAdd, "posts/p1", channel, "g1", map[string]any{"title": "hi"}),
	}

	modelStore := newFakeModelStore()
	modelStore.appErr = errors.New("store unavailable")
	messagingClient := newFakeMessagingClient()
	writer := NewWriterWorkerWithDefaults(deltaStore, modelStore, newFakeRegistry(), messagingClient)

	message, _ := json.Marshal(&Message{
		ApplicationId: "app1",
		Keys:          []string{channel},
	})
	writer.ProcessMessage(context.Background(), message)

	// aborted before any deltas were popped or any notification sent
	assert.Equal(t, 0, len(deltaStore.poppedKeys))
	assert.Equal(t, 0, len(messagingClient.messages))
}

func TestWriterWorkerInvalidMessage(t *testing.T) {
	deltaStore := newFakeDeltaStore()
	messagingClient := newFakeMessagingClient()
	writer := NewWriterWorkerWithDefaults(deltaStore, newFakeModelStore(), newFakeRegistry(), messagingClient)

	writer.ProcessMessage(context.Background(), []byte("not json"))

	assert.Equal(t, 0, len(deltaStore.poppedKeys))
	assert.Equal(t, 0, len(messagingClient.messages))
}

func TestWriterWorkerContextFanout(t *testing.T) {
	channel := "blg:app1:context"

	contextDelta := testDelta(OpAdd, "context/c1", channel, "g1", map[string]any{"name": "c1"})
	contextDelta.Type = "context"
	contextDelta.Kind = KindContext

	deltaStore := newFakeDeltaStore()
	deltaStore.deltas[channel] = []*Delta{contextDelta}

	registry := newFakeRegistry()
	registry.applicationDevices["app1"] = []*DeviceRecord{
		{
			Id:         "d1",
			Persistent: &PersistentChannel{Type: "gcm"},
		},
		{
			Id:         "d2",
			Persistent: &PersistentChannel{Type: "apn"},
		},
	}

	modelStore := newFakeModelStore()
	messagingClient := newFakeMessagingClient()
	writer := NewWriterWorkerWithDefaults(deltaStore, modelStore, registry, messagingClient)

	message, _ := json.Marshal(&Message{
		ApplicationId: "app1",
		Keys:          []string{channel},
	})
	writer.ProcessMessage(context.Background(), message)

	// context creates are not applied to the model store
	assert.Equal(t, 0, len(modelStore.callsFor("createModel")))

	// every device of the application receives the whole context batch
	gcmMessages := messagingClient.messagesFor("gcm_transport")
	assert.Equal(t, 1, len(gcmMessages))
	apnMessages := messagingClient.messagesFor("apn_transport")
	assert.Equal(t, 1, len(apnMessages))

	var transportMessage TransportMessage
	err := json.Unmarshal(gcmMessages[0].payload, &transportMessage)
	assert.Equal(t, nil, err)
	assert.Equal(t, 1, len(transportMessage.Deltas.New))
	assert.Equal(t, "app1", transportMessage.ApplicationId)
}

func TestWriterWorkerUpdateDeleteExclusivity(t *testing.T) {
	channel := "blg:app1:posts:user1"

	deltaStore := newFakeDeltaStore()
	deltaStore.deltas[channel] = []*Delta{
		testDelta(OpReplace, "posts/p1", channel, "g1", map[string]any{"title": "late edit"}),
		testDelta(OpDelete, "posts/p1", channel, "g2", nil),
	}

	modelStore := newFakeModelStore()
	messagingClient := newFakeMessagingClient()
	writer := NewWriterWorkerWithDefaults(deltaStore, modelStore, newFakeRegistry(), messagingClient)

	message, _ := json.Marshal(&Message{
		ApplicationId: "app1",
		Keys:          []string{channel},
	})
	writer.ProcessMessage(context.Background(), message)

	// the object slated for deletion is not updated
	assert.Equal(t, 0, len(modelStore.callsFor("updateModel")))
	assert.Equal(t, 1, len(modelStore.callsFor("deleteModel")))
}

func TestWriterWorkerCachesApplication(t *testing.T) {
	channel := "blg:app1:posts:user1"

	deltaStore := newFakeDeltaStore()
	modelStore := newFakeModelStore()
	messagingClient := newFakeMessagingClient()
	writer := NewWriterWorkerWithDefaults(deltaStore, modelStore, newFakeRegistry(), messagingClient)

	message, _ := json.Marshal(&Message{
		ApplicationId: "app1",
		Keys:          []string{channel},
	})
	writer.ProcessMessage(context.Background(), message)
	writer.ProcessMessage(context.Background(), message)

	// the second message hits the cache, not the store
	assert.Equal(t, 1, len(modelStore.applicationCalls))

	app, err := writer.application(context.Background(), "app1")
	assert.Equal(t, nil, err)
	assert.Equal(t, "app1", app.Id)
	assert.Equal(t, 1, len(modelStore.applicationCalls))
}

func TestWriterWorkerConsumesQueuedTopic(t *testing.T) {
	// the write topic is queued: each message must reach exactly one
	// worker of the pool, so the writer joins the shared consumer group
	// rather than a broadcast one
	messagingClient := newFakeMessagingClient()
	writer := NewWriterWorkerWithDefaults(newFakeDeltaStore(), newFakeModelStore(), newFakeRegistry(), messagingClient)

	err := writer.Run(context.Background())
	assert.Equal(t, nil, err)

	assert.Equal(t, 1, len(messagingClient.consumes))
	assert.Equal(t, "write", messagingClient.consumes[0].topic)
	assert.Equal(t, false, messagingClient.consumes[0].broadcast)
}

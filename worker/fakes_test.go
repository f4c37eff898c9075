package worker

import (
	"context"
	"fmt"
	"sync"
)

// in-memory collaborators for pipeline tests

type fakeDeltaStore struct {
	deltas         map[string][]*Delta
	channelDevices map[string][]string
	devices        map[string]*DeviceRecord

	channelErr error
	devicesErr error

	mutex      sync.Mutex
	poppedKeys [][]string
}

func newFakeDeltaStore() *fakeDeltaStore {
	return &fakeDeltaStore{
		deltas:         map[string][]*Delta{},
		channelDevices: map[string][]string{},
		devices:        map[string]*DeviceRecord{},
	}
}

func (self *fakeDeltaStore) GetAndRemoveDeltas(ctx context.Context, channels []string) ([]*Delta, error) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	self.poppedKeys = append(self.poppedKeys, channels)
	out := []*Delta{}
	for _, channel := range channels {
		out = append(out, self.deltas[channel]...)
		delete(self.deltas, channel)
	}
	return out, nil
}

func (self *fakeDeltaStore) ChannelDeviceIds(ctx context.Context, channel string) ([]string, error) {
	if self.channelErr != nil {
		return nil, self.channelErr
	}
	return self.channelDevices[channel], nil
}

func (self *fakeDeltaStore) GetDevices(ctx context.Context, deviceIds []string) (map[string]*DeviceRecord, error) {
	if self.devicesErr != nil {
		return nil, self.devicesErr
	}
	out := map[string]*DeviceRecord{}
	for _, deviceId := range deviceIds {
		if device, ok := self.devices[deviceId]; ok {
			out[device.Id] = device
		}
	}
	return out, nil
}

type fakeRegistry struct {
	applicationDevices map[string][]*DeviceRecord
	err                error

	calls []string
}

func newFakeRegistry() *fakeRegistry {
	return &fakeRegistry{
		applicationDevices: map[string][]*DeviceRecord{},
	}
}

func (self *fakeRegistry) AllDevices(ctx context.Context, applicationId string) ([]*DeviceRecord, error) {
	self.calls = append(self.calls, applicationId)
	if self.err != nil {
		return nil, self.err
	}
	return self.applicationDevices[applicationId], nil
}

type storeCall struct {
	op            string
	modelType     string
	objectId      string
	applicationId string
	email         string
	contextId     string
	value         map[string]any
	patches       []*Delta
}

type fakeModelStore struct {
	calls []storeCall
	// invoked before each call; a non-nil return fails that call
	fail func(call storeCall) error

	apps             map[string]*Application
	appErr           error
	applicationCalls []string
}

func newFakeModelStore() *fakeModelStore {
	return &fakeModelStore{
		apps: map[string]*Application{},
	}
}

func (self *fakeModelStore) record(call storeCall) error {
	self.calls = append(self.calls, call)
	if self.fail != nil {
		return self.fail(call)
	}
	return nil
}

func (self *fakeModelStore) callsFor(op string) []storeCall {
	out := []storeCall{}
	for _, call := range self.calls {
		if call.op == op {
			out = append(out, call)
		}
	}
	return out
}

func (self *fakeModelStore) Application(ctx context.Context, id string) (*Application, error) {
	self.applicationCalls = append(self.applicationCalls, id)
	if self.appErr != nil {
		return nil, self.appErr
	}
	if app, ok := self.apps[id]; ok {
		return app, nil
	}
	return &Application{Id: id}, nil
}

func (self *fakeModelStore) CreateUser(ctx context.Context, value map[string]any, applicationId string) (map[string]any, error) {
	err := self.record(storeCall{
		op:            "createUser",
		applicationId: applicationId,
		value:         value,
	})
	if err != nil {
		return nil, err
	}
	return value, nil
}

func (self *fakeModelStore) UpdateUser(ctx context.Context, email string, applicationId string, patches []*Delta) error {
	return self.record(storeCall{
		op:            "updateUser",
		email:         email,
		applicationId: applicationId,
		patches:       patches,
	})
}

func (self *fakeModelStore) DeleteUser(ctx context.Context, email string, applicationId string) error {
	return self.record(storeCall{
		op:            "deleteUser",
		email:         email,
		applicationId: applicationId,
	})
}

func (self *fakeModelStore) CreateModel(ctx context.Context, modelType string, applicationId string, value map[string]any) (map[string]any, error) {
	err := self.record(storeCall{
		op:            "createModel",
		modelType:     modelType,
		applicationId: applicationId,
		value:         value,
	})
	if err != nil {
		return nil, err
	}
	created := map[string]any{}
	for key, v := range value {
		created[key] = v
	}
	created["id"] = fmt.Sprintf("created-%d", len(self.calls))
	created["type"] = modelType
	return created, nil
}

func (self *fakeModelStore) UpdateModel(ctx context.Context, modelType string, objectId string, applicationId string, patches []*Delta) error {
	return self.record(storeCall{
		op:            "updateModel",
		modelType:     modelType,
		objectId:      objectId,
		applicationId: applicationId,
		patches:       patches,
	})
}

func (self *fakeModelStore) DeleteModel(ctx context.Context, modelType string, objectId string, applicationId string) error {
	return self.record(storeCall{
		op:            "deleteModel",
		modelType:     modelType,
		objectId:      objectId,
		applicationId: applicationId,
	})
}

func (self *fakeModelStore) DeleteContext(ctx context.Context, id string) error {
	return self.record(storeCall{
		op:        "deleteContext",
		contextId: id,
	})
}

type busMessage struct {
	topic     string
	payload   []byte
	broadcast bool
}

type fakeMessagingClient struct {
	mutex    sync.Mutex
	messages []busMessage
	consumes []consumeCall

	publishErr error
	sendErr    error
}

func newFakeMessagingClient() *fakeMessagingClient {
	return &fakeMessagingClient{}
}

func (self *fakeMessagingClient) Publish(ctx context.Context, payloads [][]byte, topic string) error {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	if self.publishErr != nil {
		return self.publishErr
	}
	for _, payload := range payloads {
		self.messages = append(self.messages, busMessage{
			topic:     topic,
			payload:   payload,
			broadcast: true,
		})
	}
	return nil
}

func (self *fakeMessagingClient) Send(ctx context.Context, payloads [][]byte, topic string) error {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	if self.sendErr != nil {
		return self.sendErr
	}
	for _, payload := range payloads {
		self.messages = append(self.messages, busMessage{
			topic:   topic,
			payload: payload,
		})
	}
	return nil
}

type consumeCall struct {
	topic     string
	broadcast bool
}

func (self *fakeMessagingClient) Consume(ctx context.Context, topic string, handler func(message []byte)) error {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	self.consumes = append(self.consumes, consumeCall{topic: topic})
	return nil
}

func (self *fakeMessagingClient) ConsumeBroadcast(ctx context.Context, topic string, handler func(message []byte)) error {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	self.consumes = append(self.consumes, consumeCall{topic: topic, broadcast: true})
	return nil
}

func (self *fakeMessagingClient) Close() error {
	return nil
}

func (self *fakeMessagingClient) messagesFor(topic string) []busMessage {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	out := []busMessage{}
	for _, message := range self.messages {
		if message.topic == topic {
			out = append(out, message)
		}
	}
	return out
}

package worker

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/golang/glog"
)

// the write worker: one bus message names an application and a batch of
// subscription channels; the worker drains the pending deltas for those
// channels, merges them, applies them to the model store, and fans the
// result out to every subscribed device's transport topic.
//
// one message is processed end to end at a time. there is no retry or
// replay: the deltas are atomically removed from the store up front, so a
// stage-fatal failure afterwards permanently drops that message's effects.

type Worker interface {
	// Type is the bus topic the worker consumes.
	Type() string
	ProcessMessage(ctx context.Context, message []byte)
}

func DefaultWriterWorkerSettings() *WriterWorkerSettings {
	return &WriterWorkerSettings{
		ResolverSettings: DefaultResolverSettings(),
		RouterSettings:   DefaultRouterSettings(),
	}
}

type WriterWorkerSettings struct {
	ResolverSettings *ResolverSettings
	RouterSettings   *RouterSettings
}

type WriterWorker struct {
	deltaStore      DeltaStore
	modelStore      ModelStore
	messagingClient MessagingClient

	applier  *Applier
	resolver *DeviceResolver
	router   *NotificationRouter

	// applications already loaded by this worker
	mutex sync.Mutex
	apps  map[string]*Application

	settings *WriterWorkerSettings
}

func NewWriterWorkerWithDefaults(
	deltaStore DeltaStore,
	modelStore ModelStore,
	registry SubscriptionRegistry,
	messagingClient MessagingClient,
) *WriterWorker {
	return NewWriterWorker(deltaStore, modelStore, registry, messagingClient, DefaultWriterWorkerSettings())
}

func NewWriterWorker(
	deltaStore DeltaStore,
	modelStore ModelStore,
	registry SubscriptionRegistry,
	messagingClient MessagingClient,
	settings *WriterWorkerSettings,
) *WriterWorker {
	return &WriterWorker{
		deltaStore:      deltaStore,
		modelStore:      modelStore,
		messagingClient: messagingClient,
		applier:         NewApplier(modelStore),
		resolver:        NewDeviceResolver(deltaStore, registry, settings.ResolverSettings),
		router:          NewNotificationRouter(messagingClient, settings.RouterSettings),
		apps:            map[string]*Application{},
		settings:        settings,
	}
}

func (self *WriterWorker) Type() string {
	return "write"
}

// Run consumes the write topic until the context is done, one message at a
// time.
func (self *WriterWorker) Run(ctx context.Context) error {
	return self.messagingClient.Consume(ctx, self.Type(), func(message []byte) {
		self.ProcessMessage(ctx, message)
	})
}

func (self *WriterWorker) ProcessMessage(ctx context.Context, raw []byte) {
	var message Message
	if err := json.Unmarshal(raw, &message); err != nil {
		glog.Errorf("[write]invalid message: %s\n", err)
		return
	}

	if _, err := self.application(ctx, message.ApplicationId); err != nil {
		glog.Errorf("[write]error in retrieving application with id %s: %s\n", message.ApplicationId, err)
		return
	}

	// channels matching the context pattern carry application-scoped
	// deltas and follow the context fanout path
	subscriptions := []string{}
	contextSubscriptions := []string{}
	for _, channel := range message.Keys {
		if IsContextChannel(channel) {
			contextSubscriptions = append(contextSubscriptions, channel)
		} else {
			subscriptions = append(subscriptions, channel)
		}
	}

	deltas := []*Delta{}
	if 0 < len(subscriptions) {
		var err error
		deltas, err = self.deltaStore.GetAndRemoveDeltas(ctx, subscriptions)
		if err != nil {
			glog.Errorf("[write]error in retrieving model deltas: %s\n", err)
			return
		}
	}

	contextDeltas := []*Delta{}
	if 0 < len(contextSubscriptions) {
		var err error
		contextDeltas, err = self.deltaStore.GetAndRemoveDeltas(ctx, contextSubscriptions)
		if err != nil {
			glog.Errorf("[write]error in retrieving context deltas: %s\n", err)
			return
		}
	}

	subscribedDevices, err := self.resolver.Resolve(ctx, subscriptions)
	if err != nil {
		glog.Errorf("[write]error resolving devices: %s\n", err)
		return
	}

	batch := MergeDeltas(deltas)
	contextBatch := MergeDeltas(contextDeltas)

	if 0 < len(batch.New) {
		self.applier.CreateItems(ctx, batch.New)
	}
	if 0 < len(batch.Updated) {
		self.applier.UpdateItems(ctx, batch.Updated, batch.Deleted)
	}
	if 0 < len(batch.Deleted) {
		self.applier.DeleteItems(ctx, batch.Deleted)
	}

	self.router.Notify(ctx, batch, subscribedDevices, message.ApplicationId)

	if !contextBatch.Empty() {
		self.notifyContext(ctx, contextBatch)
	}
}

// context-scope fanout: every device of the owning application receives the
// application's entire context batch. context creates and updates are not
// applied to the model store here; context lifecycle is externally managed.
func (self *WriterWorker) notifyContext(ctx context.Context, contextBatch *MergedBatch) {
	applicationDeltas := GroupContextDeltas(contextBatch)

	applicationIds := []string{}
	for applicationId := range applicationDeltas {
		applicationIds = append(applicationIds, applicationId)
	}

	applicationDevices, err := self.resolver.ResolveApplications(ctx, applicationIds)
	if err != nil {
		glog.Errorf("[write]error resolving application devices: %s\n", err)
		return
	}

	for applicationId, applicationBatch := range applicationDeltas {
		self.router.NotifyApplication(ctx, applicationBatch, applicationDevices[applicationId], applicationId)
	}
}

func (self *WriterWorker) application(ctx context.Context, applicationId string) (*Application, error) {
	self.mutex.Lock()
	app, ok := self.apps[applicationId]
	self.mutex.Unlock()
	if ok {
		return app, nil
	}

	app, err := self.modelStore.Application(ctx, applicationId)
	if err != nil {
		return nil, err
	}

	self.mutex.Lock()
	self.apps[applicationId] = app
	self.mutex.Unlock()
	return app, nil
}

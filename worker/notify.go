package worker

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/golang/glog"
)

const SocketsTransportType = "sockets"
const SocketsTransportTopic = "sockets_transport"

func TransportTopic(transportType string) string {
	return transportType + "_transport"
}

func DefaultRouterSettings() *RouterSettings {
	return &RouterSettings{
		DispatchConcurrency: 32,
	}
}

type RouterSettings struct {
	// maximum concurrent per-device dispatches per message.
	// the historic behavior launched one task per device with no bound;
	// 0 opts back into that.
	DispatchConcurrency int
}

// NotificationRouter selects a transport per device and hands the relevant
// subset of a merged batch to the transport's topic. delivery is best
// effort: dispatch failures are logged as errors and never retried.
type NotificationRouter struct {
	messagingClient MessagingClient

	settings *RouterSettings
}

func NewNotificationRouterWithDefaults(messagingClient MessagingClient) *NotificationRouter {
	return NewNotificationRouter(messagingClient, DefaultRouterSettings())
}

func NewNotificationRouter(messagingClient MessagingClient, settings *RouterSettings) *NotificationRouter {
	return &NotificationRouter{
		messagingClient: messagingClient,
		settings:        settings,
	}
}

// SelectTransport applies the fixed priority rule: the volatile channel wins
// iff it is active, else the persistent channel if present, else the device
// is excluded from notification.
func SelectTransport(device *DeviceRecord) (string, bool) {
	if device.Volatile != nil && device.Volatile.Active == 1 {
		return device.Volatile.Type, true
	}
	if device.Persistent != nil {
		return device.Persistent.Type, true
	}
	return "", false
}

// Notify routes entity-scope deltas: each resolved device receives only the
// batch entries filed under one of its own subscriptions.
func (self *NotificationRouter) Notify(ctx context.Context, batch *MergedBatch, devices map[string]*DeviceRecord, applicationId string) {
	var waitGroup sync.WaitGroup
	limit := self.dispatchLimit()

	for _, device := range devices {
		transportType, ok := SelectTransport(device)
		if !ok {
			glog.Warningf("[notify]skipping device %s: no volatile or persistent notification config present\n", device.Id)
			continue
		}

		waitGroup.Add(1)
		go func(device *DeviceRecord, transportType string) {
			defer waitGroup.Done()
			if limit != nil {
				limit <- struct{}{}
				defer func() {
					<-limit
				}()
			}

			deviceBatch := filterBatch(batch, device.Subscriptions)
			self.dispatch(ctx, &TransportMessage{
				Device:        device,
				Deltas:        deviceBatch,
				ApplicationId: applicationId,
			}, transportType)
		}(device, transportType)
	}
	waitGroup.Wait()
}

// NotifyApplication routes context-scope deltas: every device of the owning
// application receives the entire per-application batch, with no
// per-subscription filtering.
func (self *NotificationRouter) NotifyApplication(ctx context.Context, batch *MergedBatch, devices []*DeviceRecord, applicationId string) {
	var waitGroup sync.WaitGroup
	limit := self.dispatchLimit()

	for _, device := range devices {
		transportType, ok := SelectTransport(device)
		if !ok {
			glog.Warningf("[notify]skipping device %s: no volatile or persistent notification config present\n", device.Id)
			continue
		}

		waitGroup.Add(1)
		go func(device *DeviceRecord, transportType string) {
			defer waitGroup.Done()
			if limit != nil {
				limit <- struct{}{}
				defer func() {
					<-limit
				}()
			}

			self.dispatch(ctx, &TransportMessage{
				Device:        device,
				Deltas:        batch,
				ApplicationId: applicationId,
			}, transportType)
		}(device, transportType)
	}
	waitGroup.Wait()
}

func (self *NotificationRouter) dispatchLimit() chan struct{} {
	if self.settings.DispatchConcurrency <= 0 {
		return nil
	}
	return make(chan struct{}, self.settings.DispatchConcurrency)
}

func (self *NotificationRouter) dispatch(ctx context.Context, transportMessage *TransportMessage, transportType string) {
	payload, err := json.Marshal(transportMessage)
	if err != nil {
		glog.Errorf("[notify]failed to encode transport message for device %s: %s\n", transportMessage.Device.Id, err)
		return
	}

	if transportType == SocketsTransportType {
		if err := self.messagingClient.Publish(ctx, [][]byte{payload}, SocketsTransportTopic); err != nil {
			glog.Errorf("[notify]failed to send message to %s: %s\n", SocketsTransportTopic, err)
		}
	} else {
		topicName := TransportTopic(transportType)
		if err := self.messagingClient.Send(ctx, [][]byte{payload}, topicName); err != nil {
			glog.Errorf("[notify]failed to send message to %s: %s\n", topicName, err)
		}
	}
}

// filtering is pure and order-independent across subscriptions; entry order
// within each set follows the batch.
func filterBatch(batch *MergedBatch, subscriptions []string) *MergedBatch {
	subscriptionSet := map[string]bool{}
	for _, subscription := range subscriptions {
		subscriptionSet[subscription] = true
	}

	filter := func(deltas []*Delta) []*Delta {
		out := []*Delta{}
		for _, delta := range deltas {
			if subscriptionSet[delta.Subscription] {
				out = append(out, delta)
			}
		}
		return out
	}

	return &MergedBatch{
		New:     filter(batch.New),
		Updated: filter(batch.Updated),
		Deleted: filter(batch.Deleted),
	}
}

// GroupContextDeltas re-buckets a merged context batch per owning
// application, deriving the bucket from each delta's op: add -> new,
// delete -> deleted, anything else -> updated. Context deltas in one
// message may come from different applications.
func GroupContextDeltas(batch *MergedBatch) map[string]*MergedBatch {
	applicationDeltas := map[string]*MergedBatch{}

	bucket := func(delta *Delta) {
		applicationId := applicationIdFromChannel(delta.Subscription)
		applicationBatch, ok := applicationDeltas[applicationId]
		if !ok {
			applicationBatch = NewMergedBatch()
			applicationDeltas[applicationId] = applicationBatch
		}
		switch delta.Op {
		case OpAdd:
			applicationBatch.New = append(applicationBatch.New, delta)
		case OpDelete:
			applicationBatch.Deleted = append(applicationBatch.Deleted, delta)
		default:
			applicationBatch.Updated = append(applicationBatch.Updated, delta)
		}
	}

	for _, delta := range batch.New {
		bucket(delta)
	}
	for _, delta := range batch.Updated {
		bucket(delta)
	}
	for _, delta := range batch.Deleted {
		bucket(delta)
	}

	return applicationDeltas
}

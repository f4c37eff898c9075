package worker

import (
	"context"
)

// external collaborators of the pipeline. all clients are constructed once
// at process startup and passed into the worker explicitly, so tests can
// substitute fakes deterministically.

// DeltaStore is the pending-delta and device-record store.
type DeltaStore interface {
	// GetAndRemoveDeltas atomically pops every pending delta filed under
	// the given channels. Once this returns, the deltas exist only in
	// memory; an aborted message loses them permanently.
	GetAndRemoveDeltas(ctx context.Context, channels []string) ([]*Delta, error)

	// ChannelDeviceIds returns the member device ids of a subscription
	// channel.
	ChannelDeviceIds(ctx context.Context, channel string) ([]string, error)

	// GetDevices batch-resolves device ids to records, indexed by the
	// record's own id. Ids with no stored record are silently dropped.
	GetDevices(ctx context.Context, deviceIds []string) (map[string]*DeviceRecord, error)
}

// SubscriptionRegistry resolves the full device list of an application,
// used for context-scope fanout which ignores per-device subscriptions.
type SubscriptionRegistry interface {
	AllDevices(ctx context.Context, applicationId string) ([]*DeviceRecord, error)
}

// ModelStore is the persistent model/document store.
type ModelStore interface {
	Application(ctx context.Context, id string) (*Application, error)

	// CreateUser and CreateModel return the store-canonical object, which
	// replaces the delta value for downstream notification payloads.
	CreateUser(ctx context.Context, value map[string]any, applicationId string) (map[string]any, error)
	UpdateUser(ctx context.Context, email string, applicationId string, patches []*Delta) error
	DeleteUser(ctx context.Context, email string, applicationId string) error

	CreateModel(ctx context.Context, modelType string, applicationId string, value map[string]any) (map[string]any, error)
	UpdateModel(ctx context.Context, modelType string, objectId string, applicationId string, patches []*Delta) error
	DeleteModel(ctx context.Context, modelType string, objectId string, applicationId string) error

	DeleteContext(ctx context.Context, id string) error
}

// MessagingClient is the bus used both to consume worker messages and to
// hand transport messages off to transport-specific worker pools.
type MessagingClient interface {
	// Publish broadcasts to every consumer of the topic.
	Publish(ctx context.Context, payloads [][]byte, topic string) error

	// Send queues to the topic's dedicated worker pool.
	Send(ctx context.Context, payloads [][]byte, topic string) error

	// Consume delivers topic messages to the handler one at a time; the
	// next message is not fetched until the handler returns. Consumption
	// is shared across the topic's worker pool: each message reaches
	// exactly one consumer.
	Consume(ctx context.Context, topic string, handler func(message []byte)) error

	// ConsumeBroadcast is Consume with broadcast semantics: every
	// consuming instance receives every message.
	ConsumeBroadcast(ctx context.Context, topic string, handler func(message []byte)) error

	Close() error
}

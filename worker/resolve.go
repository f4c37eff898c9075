package worker

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/exp/maps"
)

// resolve the set of subscription channels referenced by one message into a
// deduplicated device id -> record mapping. any store failure here is fatal
// to the whole message: the deltas were already popped, so the caller logs
// and drops the message.

func DefaultResolverSettings() *ResolverSettings {
	return &ResolverSettings{
		LookupConcurrency: 8,
	}
}

type ResolverSettings struct {
	// maximum concurrent channel-membership lookups per message.
	// 0 means unbounded, matching the historic behavior.
	LookupConcurrency int
}

type DeviceResolver struct {
	deltaStore DeltaStore
	registry   SubscriptionRegistry

	settings *ResolverSettings
}

func NewDeviceResolverWithDefaults(deltaStore DeltaStore, registry SubscriptionRegistry) *DeviceResolver {
	return NewDeviceResolver(deltaStore, registry, DefaultResolverSettings())
}

func NewDeviceResolver(deltaStore DeltaStore, registry SubscriptionRegistry, settings *ResolverSettings) *DeviceResolver {
	return &DeviceResolver{
		deltaStore: deltaStore,
		registry:   registry,
		settings:   settings,
	}
}

// Resolve unions the member device ids of every channel, then resolves the
// candidate set with a single batched fetch. Lazily-expired or unregistered
// ids are skipped by the store, not an error.
func (self *DeviceResolver) Resolve(ctx context.Context, channels []string) (map[string]*DeviceRecord, error) {
	candidateIds := map[string]bool{}

	var mutex sync.Mutex
	var waitGroup sync.WaitGroup
	var limit chan struct{}
	if 0 < self.settings.LookupConcurrency {
		limit = make(chan struct{}, self.settings.LookupConcurrency)
	}
	errs := make(chan error, len(channels))

	for _, channel := range channels {
		waitGroup.Add(1)
		go func(channel string) {
			defer waitGroup.Done()
			if limit != nil {
				limit <- struct{}{}
				defer func() {
					<-limit
				}()
			}

			deviceIds, err := self.deltaStore.ChannelDeviceIds(ctx, channel)
			if err != nil {
				errs <- fmt.Errorf("channel device ids for %s: %w", channel, err)
				return
			}

			mutex.Lock()
			for _, deviceId := range deviceIds {
				candidateIds[deviceId] = true
			}
			mutex.Unlock()
		}(channel)
	}
	waitGroup.Wait()

	select {
	case err := <-errs:
		return nil, err
	default:
	}

	if len(candidateIds) == 0 {
		return map[string]*DeviceRecord{}, nil
	}

	devices, err := self.deltaStore.GetDevices(ctx, maps.Keys(candidateIds))
	if err != nil {
		return nil, fmt.Errorf("get devices: %w", err)
	}
	return devices, nil
}

// ResolveApplications asks the registry once per distinct application id for
// all devices registered to that application, regardless of individual
// subscriptions. Used for context-scope fanout.
func (self *DeviceResolver) ResolveApplications(ctx context.Context, applicationIds []string) (map[string][]*DeviceRecord, error) {
	applicationDevices := map[string][]*DeviceRecord{}

	for _, applicationId := range applicationIds {
		if _, ok := applicationDevices[applicationId]; ok {
			continue
		}
		devices, err := self.registry.AllDevices(ctx, applicationId)
		if err != nil {
			return nil, fmt.Errorf("all devices for application %s: %w", applicationId, err)
		}
		applicationDevices[applicationId] = devices
	}

	return applicationDevices, nil
}

package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/golang/glog"
	"github.com/redis/go-redis/v9"
	"golang.org/x/exp/maps"
)

// redis-backed delta store and device registry.
//
// key layout, shared with the upstream api processes:
//   <channel>                      set of subscribed device ids
//   <channel>:deltas               list of pending serialized deltas
//   blg:<appId>:devices            set of the application's device ids
//   blg:<appId>:devices:<devId>    serialized device record
//
// device ids embed their components as `<deviceId>|<applicationId>`.

type RedisStore struct {
	client *redis.Client
}

func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{
		client: client,
	}
}

func deltaKey(channel string) string {
	return channel + ":deltas"
}

func deviceKey(deviceId string) string {
	parts := strings.SplitN(deviceId, "|", 2)
	if len(parts) != 2 {
		return ""
	}
	return "blg:" + parts[1] + ":devices:" + parts[0]
}

func applicationDevicesKey(applicationId string) string {
	return "blg:" + applicationId + ":devices"
}

// GetAndRemoveDeltas pops the pending deltas of every channel in one
// transaction, so a delta is consumed by exactly one worker.
func (self *RedisStore) GetAndRemoveDeltas(ctx context.Context, channels []string) ([]*Delta, error) {
	pipe := self.client.TxPipeline()
	rangeCmds := make([]*redis.StringSliceCmd, len(channels))
	for i, channel := range channels {
		key := deltaKey(channel)
		rangeCmds[i] = pipe.LRange(ctx, key, 0, -1)
		pipe.Del(ctx, key)
	}
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return nil, fmt.Errorf("pop deltas: %w", err)
	}

	deltas := []*Delta{}
	for _, cmd := range rangeCmds {
		for _, raw := range cmd.Val() {
			delta, err := DecodeDelta([]byte(raw))
			if err != nil {
				// a malformed delta is dropped, not fatal to the batch
				glog.Warningf("[store]dropping undecodable delta: %s\n", err)
				continue
			}
			deltas = append(deltas, delta)
		}
	}
	return deltas, nil
}

func (self *RedisStore) ChannelDeviceIds(ctx context.Context, channel string) ([]string, error) {
	deviceIds, err := self.client.SMembers(ctx, channel).Result()
	if err != nil {
		return nil, fmt.Errorf("channel members: %w", err)
	}
	return deviceIds, nil
}

// GetDevices reconstructs the registry key of each device id and resolves
// the batch with a single multi-key fetch. Ids whose record is absent are
// skipped silently; a device may have expired or unregistered since it was
// added to a channel.
func (self *RedisStore) GetDevices(ctx context.Context, deviceIds []string) (map[string]*DeviceRecord, error) {
	devices := map[string]*DeviceRecord{}
	if len(deviceIds) == 0 {
		return devices, nil
	}

	keys := []string{}
	for _, deviceId := range deviceIds {
		if key := deviceKey(deviceId); key != "" {
			keys = append(keys, key)
		}
	}

	values, err := self.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("get devices: %w", err)
	}

	for _, value := range values {
		raw, ok := value.(string)
		if !ok {
			continue
		}
		var device DeviceRecord
		if err := json.Unmarshal([]byte(raw), &device); err != nil {
			glog.Warningf("[store]dropping undecodable device record: %s\n", err)
			continue
		}
		devices[device.Id] = &device
	}
	return devices, nil
}

// AllDevices implements the subscription registry over the application's
// device set.
func (self *RedisStore) AllDevices(ctx context.Context, applicationId string) ([]*DeviceRecord, error) {
	deviceIds, err := self.client.SMembers(ctx, applicationDevicesKey(applicationId)).Result()
	if err != nil {
		return nil, fmt.Errorf("application devices: %w", err)
	}

	devices, err := self.GetDevices(ctx, deviceIds)
	if err != nil {
		return nil, err
	}
	return maps.Values(devices), nil
}

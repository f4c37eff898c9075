package worker

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/oklog/ulid/v2"
)

// mutation records produced by the upstream api processes. every delta is a
// single logical write filed under a subscription channel, waiting in the
// delta store until a write worker drains it.

type Op string

const (
	OpAdd       Op = "add"
	OpIncrement Op = "increment"
	OpReplace   Op = "replace"
	OpDelete    Op = "delete"
)

// Kind is the entity kind of a delta, resolved once when the delta is
// decoded so the apply phases dispatch on a closed variant instead of
// comparing type strings in every loop.
type Kind int

const (
	KindModel Kind = iota
	KindUser
	KindContext
)

func KindOf(entityType string) Kind {
	switch entityType {
	case "user":
		return KindUser
	case "context":
		return KindContext
	default:
		return KindModel
	}
}

type Delta struct {
	Op            Op     `json:"op"`
	Path          string `json:"path"`
	Subscription  string `json:"subscription"`
	Guid          string `json:"guid"`
	Value         any    `json:"value"`
	Type          string `json:"type"`
	ApplicationId string `json:"applicationId"`
	// present only for user deltas
	Email string `json:"email,omitempty"`

	Kind Kind `json:"-"`
}

func DecodeDelta(raw []byte) (*Delta, error) {
	var delta Delta
	if err := json.Unmarshal(raw, &delta); err != nil {
		return nil, fmt.Errorf("decode delta: %w", err)
	}
	delta.Kind = KindOf(delta.Type)
	return &delta, nil
}

func (self *Delta) clone() *Delta {
	delta := *self
	return &delta
}

// MergedBatch is the output of the merge engine. `Updated` entries carry an
// already accumulated/overwritten value.
type MergedBatch struct {
	New     []*Delta `json:"new"`
	Updated []*Delta `json:"updated"`
	Deleted []*Delta `json:"deleted"`
}

func NewMergedBatch() *MergedBatch {
	return &MergedBatch{
		New:     []*Delta{},
		Updated: []*Delta{},
		Deleted: []*Delta{},
	}
}

func (self *MergedBatch) Empty() bool {
	return len(self.New) == 0 && len(self.Updated) == 0 && len(self.Deleted) == 0
}

// PathRef is a parsed delta path, `<modelType>/<objectId>[/<fieldName>]`.
// For user paths the object id is an email; for context paths it is the
// application-scoped context key.
type PathRef struct {
	ModelType string
	ObjectId  string
	Field     string
}

func ParsePath(path string) PathRef {
	parts := strings.SplitN(path, "/", 3)
	ref := PathRef{
		ModelType: parts[0],
	}
	if 2 <= len(parts) {
		ref.ObjectId = parts[1]
	}
	if 3 <= len(parts) {
		ref.Field = parts[2]
	}
	return ref
}

// ObjectPath drops the field segment, identifying just the target object.
func (self PathRef) ObjectPath() string {
	return self.ModelType + "/" + self.ObjectId
}

type VolatileChannel struct {
	Active int    `json:"active"`
	Type   string `json:"type"`
	Token  string `json:"token,omitempty"`
}

type PersistentChannel struct {
	Type  string `json:"type"`
	Token string `json:"token,omitempty"`
}

// DeviceRecord is read-only to this pipeline. Registration code elsewhere
// owns the records; this worker only resolves and routes to them.
type DeviceRecord struct {
	Id            string             `json:"id"`
	Volatile      *VolatileChannel   `json:"volatile,omitempty"`
	Persistent    *PersistentChannel `json:"persistent,omitempty"`
	Subscriptions []string           `json:"subscriptions,omitempty"`
}

// TransportMessage exists only for the duration of one dispatch. It is
// serialized to the transport topic and never persisted.
type TransportMessage struct {
	Device        *DeviceRecord `json:"device"`
	Deltas        *MergedBatch  `json:"deltas"`
	ApplicationId string        `json:"applicationId"`
}

// Message is one inbound bus message: a batch of subscription channels to
// drain for one application.
type Message struct {
	ApplicationId string   `json:"applicationId"`
	Keys          []string `json:"keys"`
}

type Application struct {
	Id   string `json:"id"`
	Name string `json:"name,omitempty"`
}

var contextChannelRe = regexp.MustCompile(`^blg:(.)+:context`)

// IsContextChannel reports whether a subscription channel carries
// application-scoped context deltas rather than per-object deltas.
func IsContextChannel(channel string) bool {
	return contextChannelRe.MatchString(channel)
}

// context channels are `blg:<applicationId>:context...`
func applicationIdFromChannel(channel string) string {
	parts := strings.Split(channel, ":")
	if len(parts) < 2 {
		return ""
	}
	return parts[1]
}

func NewGuid() string {
	return strings.ToLower(ulid.Make().String())
}

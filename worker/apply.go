package worker

import (
	"context"

	"github.com/golang/glog"
)

// drive a merged batch against the model store. every store failure here is
// item-level: logged with identifying context and skipped, so one bad item
// never blocks the rest of the batch's side effects. the idempotency set
// (`operationIds`) is scoped to one phase call and discarded afterward.

type Applier struct {
	store ModelStore
}

func NewApplier(store ModelStore) *Applier {
	return &Applier{
		store: store,
	}
}

// CreateItems applies the `new` set sequentially. Deltas sharing a guid are
// one logical write: the store create is called once, and the canonical
// object it returns is written back onto every delta with that guid so the
// notification payloads carry store-assigned fields.
func (self *Applier) CreateItems(ctx context.Context, deltas []*Delta) {
	operationIds := map[string]bool{}
	// guid -> store-canonical value, merged back after the loop to avoid
	// rewriting the slice contents mid-iteration
	createdValues := map[string]any{}

	for _, delta := range deltas {
		if operationIds[delta.Guid] {
			continue
		}
		operationIds[delta.Guid] = true

		switch delta.Kind {
		case KindUser:
			value := objectValue(delta.Value)
			value["application_id"] = delta.ApplicationId
			result, err := self.store.CreateUser(ctx, value, delta.ApplicationId)
			if err != nil {
				glog.Warningf("[apply]could not create user on application %s: %s\n", delta.ApplicationId, err)
				continue
			}
			createdValues[delta.Guid] = result
		case KindContext:
			// context lifecycle is managed outside this pipeline
		default:
			result, err := self.store.CreateModel(ctx, delta.Type, delta.ApplicationId, objectValue(delta.Value))
			if err != nil {
				glog.Warningf("[apply]could not create model %s on application %s: %s\n", delta.Type, delta.ApplicationId, err)
				continue
			}
			createdValues[delta.Guid] = result
		}
	}

	for _, delta := range deltas {
		if value, ok := createdValues[delta.Guid]; ok {
			delta.Value = value
		}
	}
}

// UpdateItems applies the `updated` set in two phases: group field patches
// by object path, then issue one store update per object. A patch whose path
// exactly matches a delta in the `deleted` set is dropped; an object slated
// for deletion is not updated.
func (self *Applier) UpdateItems(ctx context.Context, updated []*Delta, deleted []*Delta) {
	operationIds := map[string]bool{}

	deletedPaths := map[string]bool{}
	for _, delta := range deleted {
		deletedPaths[delta.Path] = true
	}

	objectPatches := map[string][]*Delta{}
	objectPaths := []string{}
	for _, delta := range updated {
		if operationIds[delta.Guid] {
			continue
		}
		operationIds[delta.Guid] = true

		if deletedPaths[delta.Path] {
			continue
		}

		objectPath := ParsePath(delta.Path).ObjectPath()
		if _, ok := objectPatches[objectPath]; !ok {
			objectPaths = append(objectPaths, objectPath)
		}
		objectPatches[objectPath] = append(objectPatches[objectPath], delta.clone())
	}

	for _, objectPath := range objectPaths {
		patches := objectPatches[objectPath]
		ref := ParsePath(objectPath)

		switch KindOf(ref.ModelType) {
		case KindUser:
			email := patches[0].Email
			applicationId := patches[0].ApplicationId
			if err := self.store.UpdateUser(ctx, email, applicationId, patches); err != nil {
				glog.Warningf("[apply]could not update user %s on application %s: %s\n", email, applicationId, err)
			}
		case KindContext:
			// context updates are externally managed
		default:
			applicationId := patches[0].ApplicationId
			if err := self.store.UpdateModel(ctx, ref.ModelType, ref.ObjectId, applicationId, patches); err != nil {
				glog.Warningf("[apply]could not update model %s with id %s on application %s: %s\n", ref.ModelType, ref.ObjectId, applicationId, err)
			}
		}
	}
}

// DeleteItems applies the `deleted` set sequentially, dispatching by path
// prefix.
func (self *Applier) DeleteItems(ctx context.Context, deltas []*Delta) {
	operationIds := map[string]bool{}

	for _, delta := range deltas {
		if operationIds[delta.Guid] {
			continue
		}
		operationIds[delta.Guid] = true

		ref := ParsePath(delta.Path)
		switch KindOf(ref.ModelType) {
		case KindUser:
			if err := self.store.DeleteUser(ctx, delta.Email, delta.ApplicationId); err != nil {
				glog.Warningf("[apply]could not delete user %s on application %s: %s\n", delta.Email, delta.ApplicationId, err)
			}
		case KindContext:
			if err := self.store.DeleteContext(ctx, ref.ObjectId); err != nil {
				glog.Warningf("[apply]could not delete context %s: %s\n", ref.ObjectId, err)
			}
		default:
			if err := self.store.DeleteModel(ctx, ref.ModelType, ref.ObjectId, delta.ApplicationId); err != nil {
				glog.Warningf("[apply]could not delete model %s with id %s on application %s: %s\n", ref.ModelType, ref.ObjectId, delta.ApplicationId, err)
			}
		}
	}
}

func objectValue(value any) map[string]any {
	if object, ok := value.(map[string]any); ok {
		return object
	}
	return map[string]any{}
}

package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esapi"
	"github.com/golang/glog"
)

// elasticsearch-backed model store.
//
// index layout:
//   applications            application definitions, doc id = application id
//   contexts                application contexts, doc id = context id
//   blg-<appId>             the application's model objects, doc id = object id
//   blg-<appId>-users       the application's user accounts, doc id = email

type ElasticStore struct {
	client *elasticsearch.Client
}

func NewElasticStore(client *elasticsearch.Client) *ElasticStore {
	return &ElasticStore{
		client: client,
	}
}

func modelIndex(applicationId string) string {
	return "blg-" + strings.ToLower(applicationId)
}

func userIndex(applicationId string) string {
	return "blg-" + strings.ToLower(applicationId) + "-users"
}

func (self *ElasticStore) Application(ctx context.Context, id string) (*Application, error) {
	res, err := self.client.Get("applications", id, self.client.Get.WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("get application %s: %w", id, err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return nil, responseError("get application "+id, res)
	}

	var envelope struct {
		Source Application `json:"_source"`
	}
	if err := json.NewDecoder(res.Body).Decode(&envelope); err != nil {
		return nil, fmt.Errorf("decode application %s: %w", id, err)
	}
	if envelope.Source.Id == "" {
		envelope.Source.Id = id
	}
	return &envelope.Source, nil
}

func (self *ElasticStore) CreateUser(ctx context.Context, value map[string]any, applicationId string) (map[string]any, error) {
	email, _ := value["email"].(string)
	if email == "" {
		return nil, fmt.Errorf("create user on application %s: missing email", applicationId)
	}
	return self.index(ctx, userIndex(applicationId), email, value)
}

func (self *ElasticStore) UpdateUser(ctx context.Context, email string, applicationId string, patches []*Delta) error {
	return self.update(ctx, userIndex(applicationId), email, patches)
}

func (self *ElasticStore) DeleteUser(ctx context.Context, email string, applicationId string) error {
	return self.delete(ctx, userIndex(applicationId), email)
}

func (self *ElasticStore) CreateModel(ctx context.Context, modelType string, applicationId string, value map[string]any) (map[string]any, error) {
	id, _ := value["id"].(string)
	if id == "" {
		id = NewGuid()
		value["id"] = id
	}
	value["type"] = modelType
	return self.index(ctx, modelIndex(applicationId), id, value)
}

func (self *ElasticStore) UpdateModel(ctx context.Context, modelType string, objectId string, applicationId string, patches []*Delta) error {
	return self.update(ctx, modelIndex(applicationId), objectId, patches)
}

func (self *ElasticStore) DeleteModel(ctx context.Context, modelType string, objectId string, applicationId string) error {
	return self.delete(ctx, modelIndex(applicationId), objectId)
}

func (self *ElasticStore) DeleteContext(ctx context.Context, id string) error {
	return self.delete(ctx, "contexts", id)
}

func (self *ElasticStore) index(ctx context.Context, index string, id string, value map[string]any) (map[string]any, error) {
	body, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("encode %s/%s: %w", index, id, err)
	}

	res, err := self.client.Index(
		index,
		bytes.NewReader(body),
		self.client.Index.WithDocumentID(id),
		self.client.Index.WithContext(ctx),
	)
	if err != nil {
		return nil, fmt.Errorf("index %s/%s: %w", index, id, err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return nil, responseError("index "+index+"/"+id, res)
	}
	return value, nil
}

// update issues one partial update carrying every field patch for the
// object. increments must be applied against the stored value, so the patch
// list is compiled to a painless script rather than a doc merge.
func (self *ElasticStore) update(ctx context.Context, index string, id string, patches []*Delta) error {
	script, skipped := updateScript(patches)
	for _, patch := range skipped {
		glog.Warningf("[store]skipping patch with no field segment for %s/%s: %s\n", index, id, patch.Path)
	}
	if script == nil {
		return nil
	}

	body, err := json.Marshal(map[string]any{
		"script": script,
	})
	if err != nil {
		return fmt.Errorf("encode update %s/%s: %w", index, id, err)
	}

	res, err := self.client.Update(
		index,
		id,
		bytes.NewReader(body),
		self.client.Update.WithContext(ctx),
	)
	if err != nil {
		return fmt.Errorf("update %s/%s: %w", index, id, err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return responseError("update "+index+"/"+id, res)
	}
	return nil
}

// updateScript compiles field patches to a painless script. Field names
// come from delta paths, which are client-supplied, so they address the
// source document through params rather than being spliced into the script
// text. Patches without a field segment cannot be expressed as a partial
// update and are returned for the caller to log.
func updateScript(patches []*Delta) (script map[string]any, skipped []*Delta) {
	statements := []string{}
	params := map[string]any{}
	for i, patch := range patches {
		ref := ParsePath(patch.Path)
		if ref.Field == "" {
			skipped = append(skipped, patch)
			continue
		}
		field := fmt.Sprintf("f%d", i)
		value := fmt.Sprintf("p%d", i)
		if patch.Op == OpIncrement {
			statements = append(statements, fmt.Sprintf("ctx._source[params.%s] += params.%s;", field, value))
		} else {
			statements = append(statements, fmt.Sprintf("ctx._source[params.%s] = params.%s;", field, value))
		}
		params[field] = ref.Field
		params[value] = patch.Value
	}
	if len(statements) == 0 {
		return nil, skipped
	}

	return map[string]any{
		"source": strings.Join(statements, " "),
		"lang":   "painless",
		"params": params,
	}, skipped
}

func (self *ElasticStore) delete(ctx context.Context, index string, id string) error {
	res, err := self.client.Delete(
		index,
		id,
		self.client.Delete.WithContext(ctx),
	)
	if err != nil {
		return fmt.Errorf("delete %s/%s: %w", index, id, err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return responseError("delete "+index+"/"+id, res)
	}
	return nil
}

func responseError(operation string, res *esapi.Response) error {
	detail, _ := io.ReadAll(res.Body)
	return fmt.Errorf("%s: %s: %s", operation, res.Status(), strings.TrimSpace(string(detail)))
}

package janitor

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"slices"

	"github.com/go-playground/validator/v10"
)

// resourceKind describes how scw lists and deletes one resource type.
type resourceKind struct {
	// name is also the object key when scw wraps the list.
	name        string
	path        []string
	deleteLabel string
	deleteArgs  func(scwResource) []string
}

var (
	serverResource = resourceKind{
		name:        "servers",
		path:        []string{"instance", "server"},
		deleteLabel: "server delete",
		deleteArgs: func(r scwResource) []string {
			return []string{
				"instance", "server", "delete", r.ID, "zone=" + r.Zone,
				"with-ip=true", "with-volumes=none", "force-shutdown=true", "--wait",
			}
		},
	}
	volumeResource = resourceKind{
		name:        "volumes",
		path:        []string{"block", "volume"},
		deleteLabel: "volume delete",
		deleteArgs: func(r scwResource) []string {
			return []string{"block", "volume", "delete", r.ID, "zone=" + r.Zone}
		},
	}
)

// scwResource is the part of a server or volume listing the janitor needs.
type scwResource struct {
	ID   string   `json:"id" validate:"required"`
	Zone string   `json:"zone" validate:"required"`
	Tags []string `json:"tags"`
}

func (r scwResource) hasTag(tag string) bool {
	return slices.Contains(r.Tags, tag)
}

// parseList accepts a bare JSON array or an object holding the array under resource.
func parseList(stdout, resource string) ([]scwResource, error) {
	var payload json.RawMessage
	if err := json.Unmarshal([]byte(stdout), &payload); err != nil {
		return nil, parseError(resource, err.Error())
	}

	items := payload
	switch trimmed := bytes.TrimSpace(payload); {
	case len(trimmed) > 0 && trimmed[0] == '[':
	case len(trimmed) > 0 && trimmed[0] == '{':
		var wrapper map[string]json.RawMessage
		if err := json.Unmarshal(trimmed, &wrapper); err != nil {
			return nil, parseError(resource, err.Error())
		}
		inner, ok := wrapper[resource]
		if !ok {
			return nil, parseError(resource, fmt.Sprintf("missing '%s' field", resource))
		}
		items = inner
	default:
		return nil, parseError(resource, "unexpected JSON shape: "+string(trimmed))
	}

	var resources []scwResource
	if err := json.Unmarshal(items, &resources); err != nil {
		return nil, parseError(resource, err.Error())
	}
	for i, item := range resources {
		if err := configValidator.Struct(item); err != nil {
			return nil, parseError(resource, fmt.Sprintf("item %d: %s", i, describeInvalid(err)))
		}
	}
	return resources, nil
}

func describeInvalid(err error) string {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		return "missing " + verrs[0].Field()
	}
	return err.Error()
}

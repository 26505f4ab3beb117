package provisioning

import (
	"errors"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
)

// InstanceRequest describes the instance to create. Optional fields are empty when unset.
type InstanceRequest struct {
	ImageLabel        string `json:"image_label" validate:"required"`
	InstanceType      string `json:"instance_type" validate:"required"`
	Zone              string `json:"zone" validate:"required"`
	ProjectID         string `json:"project_id" validate:"required"`
	OrganisationID    string `json:"organisation_id,omitempty"`
	Architecture      string `json:"architecture" validate:"required"`
	VolumeID          string `json:"volume_id,omitempty"`
	CloudInitUserData string `json:"cloud_init_user_data,omitempty"`
}

var requestValidator = func() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(field reflect.StructField) string {
		return strings.SplitN(field.Tag.Get("json"), ",", 2)[0]
	})
	return v
}()

// Normalized returns a copy with every identifier trimmed. The cloud-init payload is kept verbatim.
func (r InstanceRequest) Normalized() InstanceRequest {
	r.ImageLabel = strings.TrimSpace(r.ImageLabel)
	r.InstanceType = strings.TrimSpace(r.InstanceType)
	r.Zone = strings.TrimSpace(r.Zone)
	r.ProjectID = strings.TrimSpace(r.ProjectID)
	r.OrganisationID = strings.TrimSpace(r.OrganisationID)
	r.Architecture = strings.TrimSpace(r.Architecture)
	r.VolumeID = strings.TrimSpace(r.VolumeID)
	return r
}

// Validate rejects the request naming the first required field that is empty after trimming.
func (r InstanceRequest) Validate() error {
	err := requestValidator.Struct(r.Normalized())
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		return validationError("missing or empty field: " + verrs[0].Field())
	}
	return validationError(err.Error())
}

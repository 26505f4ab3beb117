package provisioning

import (
	"context"
	"net/http"
	"net/url"
	"sort"
	"time"

	"mriya/internal/logging"

	"go.uber.org/zap"
)

const scalewayImageAvailable = "available"

type scwImage struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Arch         string    `json:"arch"`
	State        string    `json:"state"`
	CreationDate time.Time `json:"creation_date"`
}

// resolveImageID looks for the label in the project first and falls back to public images.
func (b *ScalewayBackend) resolveImageID(ctx context.Context, req InstanceRequest) (string, error) {
	var images []scwImage
	if req.ProjectID != "" {
		scoped, err := b.listImages(ctx, req, true)
		if err != nil {
			return "", err
		}
		images = scoped
	}
	if len(images) == 0 {
		public, err := b.listImages(ctx, req, false)
		if err != nil {
			return "", err
		}
		images = public
	}

	image, err := selectImage(images, req)
	if err != nil {
		return "", err
	}

	logging.Logger().Debug("Resolved Scaleway image",
		zap.String("label", req.ImageLabel),
		zap.String("arch", req.Architecture),
		zap.String("image_id", image.ID),
		zap.Time("creation_date", image.CreationDate))
	return image.ID, nil
}

func (b *ScalewayBackend) listImages(ctx context.Context, req InstanceRequest, projectScoped bool) ([]scwImage, error) {
	query := url.Values{}
	query.Set("public", "true")
	query.Set("name", req.ImageLabel)
	query.Set("arch", req.Architecture)
	query.Set("per_page", "100")
	if projectScoped {
		query.Set("project", req.ProjectID)
		if req.OrganisationID != "" {
			query.Set("organization", req.OrganisationID)
		}
	}

	resp, err := b.api.do(ctx, http.MethodGet, zonePath(req.Zone, "images"), query, nil)
	if err != nil {
		return nil, providerError(err)
	}
	if !resp.ok() {
		return nil, providerMessage("%s", resp.text())
	}

	var listed struct {
		Images []scwImage `json:"images"`
	}
	if err := resp.decode(&listed); err != nil {
		return nil, providerError(err)
	}
	return listed.Images, nil
}

// selectImage keeps images matching the architecture that are available, newest first.
// The API does not apply these filters for the calls used here.
func selectImage(images []scwImage, req InstanceRequest) (scwImage, error) {
	candidates := make([]scwImage, 0, len(images))
	for _, image := range images {
		if image.Arch == req.Architecture && image.State == scalewayImageAvailable {
			candidates = append(candidates, image)
		}
	}
	if len(candidates) == 0 {
		return scwImage{}, imageNotFound(req)
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].CreationDate.After(candidates[j].CreationDate)
	})
	return candidates[0], nil
}

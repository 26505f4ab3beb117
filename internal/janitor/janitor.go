// Package janitor removes Scaleway resources left behind by a test run.
//
// Resources are found by the mriya-test-run-<id> tag the provisioning layer
// applies, deleted with the scw CLI, and listed again to prove nothing remains.
package janitor

import (
	"context"
	"errors"
	"reflect"
	"strconv"
	"strings"

	"mriya/internal/control"
	"mriya/internal/logging"
	"mriya/internal/provisioning"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"
)

const (
	// TestRunIDEnv identifies the test run in harnesses and CI.
	TestRunIDEnv = "MRIYA_TEST_RUN_ID"
	// DefaultScwBin is the Scaleway CLI looked up on PATH.
	DefaultScwBin = "scw"

	maxItemsToShow = 5
)

var configValidator = func() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(field reflect.StructField) string {
		return strings.SplitN(field.Tag.Get("json"), ",", 2)[0]
	})
	return v
}()

// Config scopes a sweep. Every field is required.
type Config struct {
	ProjectID string `json:"project_id" validate:"required"`
	TestRunID string `json:"test_run_id" validate:"required"`
	ScwBin    string `json:"scw_bin" validate:"required"`
}

// NewConfig trims the inputs and rejects blank ones, naming the first.
func NewConfig(projectID, testRunID, scwBin string) (Config, error) {
	cfg := Config{
		ProjectID: strings.TrimSpace(projectID),
		TestRunID: strings.TrimSpace(testRunID),
		ScwBin:    strings.TrimSpace(scwBin),
	}
	err := configValidator.Struct(cfg)
	if err == nil {
		return cfg, nil
	}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		return Config{}, &Error{Kind: KindInvalidConfig, Field: verrs[0].Field()}
	}
	return Config{}, err
}

// Tag is the resource tag of this test run.
func (c Config) Tag() string {
	return provisioning.TestRunTag(c.TestRunID)
}

// SweepSummary counts what a sweep deleted.
type SweepSummary struct {
	DeletedServers int
	DeletedVolumes int
}

// Janitor deletes tagged resources through the scw CLI.
type Janitor struct {
	cfg    Config
	runner control.CommandRunner
}

// New creates a janitor. runner executes scw; output is captured, not echoed.
func New(cfg Config, runner control.CommandRunner) *Janitor {
	return &Janitor{cfg: cfg, runner: runner}
}

// NewWithProcessRunner runs the real scw binary.
func NewWithProcessRunner(cfg Config) *Janitor {
	return New(cfg, &control.StreamingRunner{})
}

// Sweep deletes tagged servers (waiting for each), then tagged volumes, then
// fails with a NotClean error if anything tagged is still listed.
func (j *Janitor) Sweep(ctx context.Context) (SweepSummary, error) {
	tag := j.cfg.Tag()
	logging.Logger().Info("Starting janitor sweep",
		zap.String("project_id", j.cfg.ProjectID),
		zap.String("tag", tag))

	servers, err := j.listTagged(ctx, serverResource, tag)
	if err != nil {
		return SweepSummary{}, err
	}
	for _, server := range servers {
		if err := j.delete(ctx, serverResource, server); err != nil {
			return SweepSummary{}, err
		}
	}

	volumes, err := j.listTagged(ctx, volumeResource, tag)
	if err != nil {
		return SweepSummary{}, err
	}
	for _, volume := range volumes {
		if err := j.delete(ctx, volumeResource, volume); err != nil {
			return SweepSummary{}, err
		}
	}

	if err := j.ensureClean(ctx, tag); err != nil {
		return SweepSummary{}, err
	}

	summary := SweepSummary{DeletedServers: len(servers), DeletedVolumes: len(volumes)}
	logging.Logger().Info("Janitor sweep complete",
		zap.Int("deleted_servers", summary.DeletedServers),
		zap.Int("deleted_volumes", summary.DeletedVolumes))
	return summary, nil
}

func (j *Janitor) ensureClean(ctx context.Context, tag string) error {
	servers, err := j.listTagged(ctx, serverResource, tag)
	if err != nil {
		return err
	}
	volumes, err := j.listTagged(ctx, volumeResource, tag)
	if err != nil {
		return err
	}
	if len(servers) == 0 && len(volumes) == 0 {
		return nil
	}

	logging.Logger().Warn("Tagged resources survived the sweep",
		zap.Strings("servers", logging.TruncateSlice(refs(servers), maxItemsToShow)),
		zap.Strings("volumes", logging.TruncateSlice(refs(volumes), maxItemsToShow)))

	message := "servers remaining: " + remaining(servers) +
		", volumes remaining: " + remaining(volumes) +
		" (showing up to " + strconv.Itoa(maxItemsToShow) + " of each)"
	return &Error{Kind: KindNotClean, Message: message}
}

// refs renders items as id@zone.
func refs(items []scwResource) []string {
	out := make([]string, 0, len(items))
	for _, item := range items {
		out = append(out, item.ID+"@"+item.Zone)
	}
	return out
}

func remaining(items []scwResource) string {
	shown := refs(items)
	if len(shown) > maxItemsToShow {
		shown = shown[:maxItemsToShow]
	}
	return strconv.Itoa(len(items)) + " [" + strings.Join(shown, ", ") + "]"
}

func (j *Janitor) delete(ctx context.Context, kind resourceKind, item scwResource) error {
	logging.Logger().Info("Deleting tagged resource",
		zap.String("resource", kind.name),
		zap.String("id", item.ID),
		zap.String("zone", item.Zone))

	_, err := j.run(ctx, kind.deleteArgs(item), kind.deleteLabel)
	return err
}

func (j *Janitor) listTagged(ctx context.Context, kind resourceKind, tag string) ([]scwResource, error) {
	args := append(append([]string(nil), kind.path...),
		"list", "project-id="+j.cfg.ProjectID, "zone=all", "-o", "json")

	stdout, err := j.run(ctx, args, kind.name)
	if err != nil {
		return nil, err
	}
	items, err := parseList(stdout, kind.name)
	if err != nil {
		return nil, err
	}

	tagged := items[:0]
	for _, item := range items {
		if item.hasTag(tag) {
			tagged = append(tagged, item)
		}
	}
	logging.Logger().Debug("Listed tagged resources",
		zap.String("resource", kind.name),
		zap.Int("total", len(items)),
		zap.Int("tagged", len(tagged)))
	return tagged, nil
}

func (j *Janitor) run(ctx context.Context, args []string, resource string) (string, error) {
	output, err := j.runner.Run(ctx, j.cfg.ScwBin, args)
	if err != nil {
		return "", &Error{Kind: KindRunner, Program: j.cfg.ScwBin, Err: err}
	}
	if output.Code == nil || *output.Code != 0 {
		return "", &Error{
			Kind:     KindCommandFailure,
			Program:  j.cfg.ScwBin,
			Code:     output.Code,
			Resource: resource,
			Stderr:   output.Stderr,
		}
	}
	return output.Stdout, nil
}

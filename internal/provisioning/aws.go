package provisioning

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"sort"
	"strings"

	"mriya/internal/config"
	"mriya/internal/logging"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/smithy-go"
	"go.uber.org/zap"
)

// ec2API is the part of the EC2 client the backend calls.
type ec2API interface {
	DescribeImages(ctx context.Context, params *ec2.DescribeImagesInput, optFns ...func(*ec2.Options)) (*ec2.DescribeImagesOutput, error)
	RunInstances(ctx context.Context, params *ec2.RunInstancesInput, optFns ...func(*ec2.Options)) (*ec2.RunInstancesOutput, error)
	DescribeInstances(ctx context.Context, params *ec2.DescribeInstancesInput, optFns ...func(*ec2.Options)) (*ec2.DescribeInstancesOutput, error)
	TerminateInstances(ctx context.Context, params *ec2.TerminateInstancesInput, optFns ...func(*ec2.Options)) (*ec2.TerminateInstancesOutput, error)
}

// AWSBackend implements Backend with EC2 instances
type AWSBackend struct {
	client     ec2API
	imageOwner string
	timing     timing
	testRunID  string
}

// NewAWSBackend creates a new instance of AWSBackend.
// Static credentials are used when both keys are set, otherwise the default chain.
func NewAWSBackend(ctx context.Context, cfg config.AWSConfig, opts ...Option) (*AWSBackend, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	loadOpts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, configError(fmt.Sprintf("failed to load AWS config: %v", err))
	}

	client := ec2.NewFromConfig(awsCfg, func(eo *ec2.Options) {
		if o.baseURL != "" {
			eo.BaseEndpoint = aws.String(o.baseURL)
		}
	})

	return &AWSBackend{
		client:     client,
		imageOwner: cfg.ImageOwner,
		timing:     o.timing,
		testRunID:  o.testRunID,
	}, nil
}

// Create resolves the AMI and runs one instance in the request's availability zone.
func (p *AWSBackend) Create(ctx context.Context, req InstanceRequest) (InstanceHandle, error) {
	if err := req.Validate(); err != nil {
		return InstanceHandle{}, err
	}
	req = req.Normalized()
	if err := rejectVolume(config.ProviderAWS, req); err != nil {
		return InstanceHandle{}, err
	}

	imageID, err := p.resolveImage(ctx, req)
	if err != nil {
		return InstanceHandle{}, err
	}

	tags := []types.Tag{{Key: aws.String("Name"), Value: aws.String("mriya")}}
	for _, tag := range instanceTags(p.testRunID) {
		tags = append(tags, types.Tag{Key: aws.String(tag), Value: aws.String("")})
	}

	input := &ec2.RunInstancesInput{
		ImageId:      aws.String(imageID),
		InstanceType: types.InstanceType(req.InstanceType),
		MinCount:     aws.Int32(1),
		MaxCount:     aws.Int32(1),
		Placement:    &types.Placement{AvailabilityZone: aws.String(req.Zone)},
		TagSpecifications: []types.TagSpecification{
			{ResourceType: types.ResourceTypeInstance, Tags: tags},
		},
	}
	if req.CloudInitUserData != "" {
		input.UserData = aws.String(base64.StdEncoding.EncodeToString([]byte(req.CloudInitUserData)))
	}

	output, err := p.client.RunInstances(ctx, input)
	if err != nil {
		if isInstanceTypeAPIError(err) {
			return InstanceHandle{}, instanceTypeUnavailable(req)
		}
		return InstanceHandle{}, providerError(err)
	}
	if len(output.Instances) == 0 {
		return InstanceHandle{}, providerMessage("RunInstances returned no instance")
	}

	handle := InstanceHandle{ID: aws.ToString(output.Instances[0].InstanceId), Zone: req.Zone}
	logging.Logger().Info("EC2 instance created",
		zap.String("instance_id", handle.ID),
		zap.String("image_id", imageID),
		zap.String("zone", req.Zone))
	return handle, nil
}

func isInstanceTypeAPIError(err error) bool {
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	switch apiErr.ErrorCode() {
	case "InvalidInstanceType", "Unsupported", "InsufficientInstanceCapacity":
		return true
	}
	return apiErr.ErrorCode() == "InvalidParameterValue" && strings.Contains(apiErr.ErrorMessage(), "instance type")
}

// resolveImage picks the newest available AMI whose name matches the image label.
func (p *AWSBackend) resolveImage(ctx context.Context, req InstanceRequest) (string, error) {
	input := &ec2.DescribeImagesInput{
		Filters: []types.Filter{
			{Name: aws.String("name"), Values: []string{req.ImageLabel}},
			{Name: aws.String("architecture"), Values: []string{req.Architecture}},
			{Name: aws.String("state"), Values: []string{string(types.ImageStateAvailable)}},
		},
	}
	if p.imageOwner != "" {
		input.Owners = []string{p.imageOwner}
	}

	output, err := p.client.DescribeImages(ctx, input)
	if err != nil {
		return "", providerError(err)
	}
	if len(output.Images) == 0 {
		return "", imageNotFound(req)
	}

	images := output.Images
	// CreationDate is ISO 8601, so lexical order is chronological.
	sort.SliceStable(images, func(i, j int) bool {
		return aws.ToString(images[i].CreationDate) > aws.ToString(images[j].CreationDate)
	})
	return aws.ToString(images[0].ImageId), nil
}

// describeInstance returns nil once the instance is terminated or unknown.
func (p *AWSBackend) describeInstance(ctx context.Context, handle InstanceHandle) (*types.Instance, error) {
	output, err := p.client.DescribeInstances(ctx, &ec2.DescribeInstancesInput{
		InstanceIds: []string{handle.ID},
	})
	if err != nil {
		var apiErr smithy.APIError
		if errors.As(err, &apiErr) && apiErr.ErrorCode() == "InvalidInstanceID.NotFound" {
			return nil, nil
		}
		return nil, providerError(err)
	}

	for _, reservation := range output.Reservations {
		for i := range reservation.Instances {
			inst := &reservation.Instances[i]
			if aws.ToString(inst.InstanceId) != handle.ID {
				continue
			}
			if inst.State != nil && inst.State.Name == types.InstanceStateNameTerminated {
				return nil, nil
			}
			return inst, nil
		}
	}
	return nil, nil
}

// WaitForReady waits for a running instance with a public IPv4 address, then for its SSH port.
func (p *AWSBackend) WaitForReady(ctx context.Context, handle InstanceHandle) (InstanceNetworking, error) {
	networking, err := p.timing.waitForAddress(ctx, handle, func(ctx context.Context) (instanceStatus, error) {
		inst, err := p.describeInstance(ctx, handle)
		if err != nil || inst == nil {
			return instanceStatus{}, err
		}
		return instanceStatus{
			running:  inst.State != nil && inst.State.Name == types.InstanceStateNameRunning,
			publicIP: aws.ToString(inst.PublicIpAddress),
		}, nil
	})
	if err != nil {
		return InstanceNetworking{}, err
	}
	if err := p.timing.waitForSSH(ctx, handle, networking); err != nil {
		return InstanceNetworking{}, err
	}
	return networking, nil
}

// Destroy terminates the instance and waits for the terminated state.
func (p *AWSBackend) Destroy(ctx context.Context, handle InstanceHandle) error {
	inst, err := p.describeInstance(ctx, handle)
	if err != nil {
		return err
	}
	if inst == nil {
		return nil
	}

	if _, err := p.client.TerminateInstances(ctx, &ec2.TerminateInstancesInput{
		InstanceIds: []string{handle.ID},
	}); err != nil {
		return providerError(err)
	}

	if err := p.timing.waitUntilGone(ctx, handle, func(ctx context.Context) (bool, error) {
		inst, err := p.describeInstance(ctx, handle)
		return inst != nil, err
	}); err != nil {
		return err
	}

	logging.Logger().Info("EC2 instance terminated", zap.String("instance_id", handle.ID))
	return nil
}

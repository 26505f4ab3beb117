package provisioning

import (
	"errors"
	"fmt"
)

// ErrorKind classifies backend failures.
type ErrorKind int

const (
	KindConfig ErrorKind = iota + 1
	KindValidation
	KindImageNotFound
	KindInstanceTypeUnavailable
	KindTimeout
	KindMissingPublicIP
	KindResidualResource
	KindPowerOnNotAllowed
	KindProvider
	KindVolumeAttachmentFailed
	KindVolumeDetachFailed
	KindVolumeCreateFailed
	KindVolumeNotFound
)

// Error is returned by every Backend implementation. Only the fields relevant to Kind are set.
type Error struct {
	Kind ErrorKind

	InstanceID   string
	VolumeID     string
	Zone         string
	ImageLabel   string
	Architecture string
	InstanceType string
	Action       string
	State        string
	Name         string
	Message      string

	Err error
}

func (e *Error) Error() string {
	switch e.Kind {
	case KindConfig:
		return "configuration error: " + e.Message
	case KindValidation:
		return "invalid instance request: " + e.Message
	case KindImageNotFound:
		return fmt.Sprintf("image '%s' (arch %s) not found in zone %s", e.ImageLabel, e.Architecture, e.Zone)
	case KindInstanceTypeUnavailable:
		return fmt.Sprintf("instance type '%s' not available in zone %s", e.InstanceType, e.Zone)
	case KindTimeout:
		return fmt.Sprintf("timeout waiting for %s on instance %s", e.Action, e.InstanceID)
	case KindMissingPublicIP:
		return fmt.Sprintf("instance %s missing public IPv4 address", e.InstanceID)
	case KindResidualResource:
		return fmt.Sprintf("instance %s still present after teardown", e.InstanceID)
	case KindPowerOnNotAllowed:
		return fmt.Sprintf("instance %s in state %s cannot be powered on", e.InstanceID, e.State)
	case KindVolumeAttachmentFailed:
		return fmt.Sprintf("failed to attach volume %s to instance %s: %s", e.VolumeID, e.InstanceID, e.Message)
	case KindVolumeDetachFailed:
		return fmt.Sprintf("failed to detach volume %s from instance %s: %s", e.VolumeID, e.InstanceID, e.Message)
	case KindVolumeCreateFailed:
		return fmt.Sprintf("failed to create volume %s in zone %s: %s", e.Name, e.Zone, e.Message)
	case KindVolumeNotFound:
		return fmt.Sprintf("volume %s not found in zone %s", e.VolumeID, e.Zone)
	default:
		return "provider error: " + e.Message
	}
}

func (e *Error) Unwrap() error {
	return e.Err
}

// IsKind reports whether err is a backend Error of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	var berr *Error
	return errors.As(err, &berr) && berr.Kind == kind
}

func configError(msg string) *Error {
	return &Error{Kind: KindConfig, Message: msg}
}

func validationError(msg string) *Error {
	return &Error{Kind: KindValidation, Message: msg}
}

func providerError(err error) *Error {
	return &Error{Kind: KindProvider, Message: err.Error(), Err: err}
}

func providerMessage(format string, args ...any) *Error {
	return &Error{Kind: KindProvider, Message: fmt.Sprintf(format, args...)}
}

func imageNotFound(req InstanceRequest) *Error {
	return &Error{Kind: KindImageNotFound, ImageLabel: req.ImageLabel, Architecture: req.Architecture, Zone: req.Zone}
}

func instanceTypeUnavailable(req InstanceRequest) *Error {
	return &Error{Kind: KindInstanceTypeUnavailable, InstanceType: req.InstanceType, Zone: req.Zone}
}

func timeoutError(action, instanceID string) *Error {
	return &Error{Kind: KindTimeout, Action: action, InstanceID: instanceID}
}

func missingPublicIP(instanceID string) *Error {
	return &Error{Kind: KindMissingPublicIP, InstanceID: instanceID}
}

func residualResource(instanceID string) *Error {
	return &Error{Kind: KindResidualResource, InstanceID: instanceID}
}

func powerOnNotAllowed(instanceID, state string) *Error {
	return &Error{Kind: KindPowerOnNotAllowed, InstanceID: instanceID, State: state}
}

func volumeNotFound(volumeID, zone string) *Error {
	return &Error{Kind: KindVolumeNotFound, VolumeID: volumeID, Zone: zone}
}

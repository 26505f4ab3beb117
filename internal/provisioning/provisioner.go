package provisioning

import (
	"context"
	"net"
	"net/netip"
	"strconv"
)

// DefaultSSHPort is the port probed and used for SSH on every backend.
const DefaultSSHPort = 22

// InstanceHandle identifies a provider instance. It is invalid once Destroy succeeds.
type InstanceHandle struct {
	ID   string
	Zone string
}

// InstanceNetworking is the reachable address of a ready instance.
type InstanceNetworking struct {
	PublicIP netip.Addr
	SSHPort  int
}

// Address returns host:port suitable for dialing SSH.
func (n InstanceNetworking) Address() string {
	return net.JoinHostPort(n.PublicIP.String(), strconv.Itoa(n.SSHPort))
}

// VolumeRequest describes a block volume to create.
type VolumeRequest struct {
	Name           string
	SizeBytes      uint64
	Zone           string
	ProjectID      string
	OrganisationID string
}

// VolumeHandle identifies a provider volume.
type VolumeHandle struct {
	ID   string
	Zone string
}

// Backend defines the instance lifecycle every cloud provider implements
type Backend interface {
	// Create validates the request and starts an instance.
	Create(ctx context.Context, req InstanceRequest) (InstanceHandle, error)
	// WaitForReady blocks until the instance is running, addressable and accepts TCP on the SSH port.
	WaitForReady(ctx context.Context, handle InstanceHandle) (InstanceNetworking, error)
	// Destroy deletes the instance and waits until the provider no longer lists it.
	Destroy(ctx context.Context, handle InstanceHandle) error
}

// VolumeBackend is implemented by backends that manage persistent cache volumes.
type VolumeBackend interface {
	Backend
	CreateVolume(ctx context.Context, req VolumeRequest) (VolumeHandle, error)
	// DetachVolume removes volumeID from the instance while keeping its root volume attached.
	DetachVolume(ctx context.Context, handle InstanceHandle, volumeID string) error
	// VolumeDevicePath is where the volume shows up inside the instance.
	VolumeDevicePath(volumeID string) string
}

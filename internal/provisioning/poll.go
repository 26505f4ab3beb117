package provisioning

import (
	"context"
	"net"
	"net/netip"
	"strings"
	"time"

	"mriya/internal/logging"

	"go.uber.org/zap"
)

const (
	// DefaultPollInterval separates provider state queries.
	DefaultPollInterval = 5 * time.Second
	// DefaultWaitTimeout bounds every wait loop.
	DefaultWaitTimeout = 300 * time.Second
	// DefaultHTTPTimeout bounds a single provider API call.
	DefaultHTTPTimeout = 30 * time.Second
	// DefaultSSHConnectTimeout bounds one TCP probe of the SSH port.
	DefaultSSHConnectTimeout = 2 * time.Second
)

// timing carries the polling discipline shared by all backends.
type timing struct {
	pollInterval      time.Duration
	waitTimeout       time.Duration
	sshConnectTimeout time.Duration
	sshPort           int
}

func defaultTiming() timing {
	return timing{
		pollInterval:      DefaultPollInterval,
		waitTimeout:       DefaultWaitTimeout,
		sshConnectTimeout: DefaultSSHConnectTimeout,
		sshPort:           DefaultSSHPort,
	}
}

// sleep waits one poll interval or returns early when ctx is done.
func (t timing) sleep(ctx context.Context) error {
	timer := time.NewTimer(t.pollInterval)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// waitForSSH probes the SSH port until a TCP connection succeeds or the deadline passes.
func (t timing) waitForSSH(ctx context.Context, handle InstanceHandle, networking InstanceNetworking) error {
	deadline := time.Now().Add(t.waitTimeout)
	dialer := net.Dialer{Timeout: t.sshConnectTimeout}

	for !time.Now().After(deadline) {
		conn, err := dialer.DialContext(ctx, "tcp", networking.Address())
		if err == nil {
			if closeErr := conn.Close(); closeErr != nil {
				logging.Logger().Debug("failed to close connection test",
					zap.String("address", networking.Address()),
					zap.Error(closeErr))
			}
			return nil
		}

		logging.Logger().Debug("SSH port not reachable yet",
			zap.String("instance_id", handle.ID),
			zap.String("address", networking.Address()),
			zap.Error(err))

		if err := t.sleep(ctx); err != nil {
			return providerError(err)
		}
	}

	return timeoutError("wait_for_ssh_ready", handle.ID)
}

// instanceStatus is what one poll observed about an instance.
type instanceStatus struct {
	running  bool
	publicIP string
}

// waitForAddress polls fetch until the instance runs with a public IPv4 address.
// Running without an address at the deadline is reported apart from a plain timeout.
func (t timing) waitForAddress(ctx context.Context, handle InstanceHandle, fetch func(context.Context) (instanceStatus, error)) (InstanceNetworking, error) {
	deadline := time.Now().Add(t.waitTimeout)
	sawRunning := false

	for !time.Now().After(deadline) {
		status, err := fetch(ctx)
		if err != nil {
			return InstanceNetworking{}, err
		}

		if status.running {
			sawRunning = true
			if addr, ok := parseIPv4(status.publicIP); ok {
				return InstanceNetworking{PublicIP: addr, SSHPort: t.sshPort}, nil
			}
		}

		if err := t.sleep(ctx); err != nil {
			return InstanceNetworking{}, providerError(err)
		}
	}

	if sawRunning {
		return InstanceNetworking{}, missingPublicIP(handle.ID)
	}
	return InstanceNetworking{}, timeoutError("wait_for_ready", handle.ID)
}

// waitForState polls reached until it reports true or the deadline passes.
func (t timing) waitForState(ctx context.Context, handle InstanceHandle, step string, reached func(context.Context) (bool, error)) error {
	deadline := time.Now().Add(t.waitTimeout)
	for !time.Now().After(deadline) {
		ok, err := reached(ctx)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		if err := t.sleep(ctx); err != nil {
			return providerError(err)
		}
	}
	return timeoutError(step, handle.ID)
}

// waitUntilGone polls exists until the provider stops listing the instance.
func (t timing) waitUntilGone(ctx context.Context, handle InstanceHandle, exists func(context.Context) (bool, error)) error {
	deadline := time.Now().Add(t.waitTimeout)
	for !time.Now().After(deadline) {
		present, err := exists(ctx)
		if err != nil {
			return err
		}
		if !present {
			return nil
		}
		if err := t.sleep(ctx); err != nil {
			return providerError(err)
		}
	}
	return residualResource(handle.ID)
}

func parseIPv4(raw string) (netip.Addr, bool) {
	addr, err := netip.ParseAddr(strings.TrimSpace(raw))
	if err != nil || !addr.Is4() {
		return netip.Addr{}, false
	}
	return addr, true
}

// Option tunes a backend.
type Option func(*options)

type options struct {
	timing    timing
	testRunID string
	baseURL   string
}

func defaultOptions() options {
	return options{timing: defaultTiming()}
}

// WithPollInterval overrides the interval between provider state queries.
func WithPollInterval(d time.Duration) Option {
	return func(o *options) { o.timing.pollInterval = d }
}

// WithWaitTimeout overrides the deadline of every wait loop.
func WithWaitTimeout(d time.Duration) Option {
	return func(o *options) { o.timing.waitTimeout = d }
}

// WithSSHConnectTimeout overrides the TCP probe timeout.
func WithSSHConnectTimeout(d time.Duration) Option {
	return func(o *options) { o.timing.sshConnectTimeout = d }
}

// WithSSHPort overrides the SSH port reported in InstanceNetworking.
func WithSSHPort(port int) Option {
	return func(o *options) { o.timing.sshPort = port }
}

// WithTestRunID tags created resources with mriya-test-run-<id>.
func WithTestRunID(id string) Option {
	return func(o *options) { o.testRunID = id }
}

// WithBaseURL points the HTTP-based backends at another API endpoint.
func WithBaseURL(url string) Option {
	return func(o *options) { o.baseURL = url }
}

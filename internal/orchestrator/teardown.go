package orchestrator

import (
	"context"

	"mriya/internal/logging"
	"mriya/internal/provisioning"

	"go.uber.org/zap"
)

// destroyWithNote tears the instance down after cause and returns cause's message,
// extended with the teardown failure if there was one.
// The destroy runs even when ctx is already cancelled.
func destroyWithNote(ctx context.Context, backend provisioning.Backend, handle provisioning.InstanceHandle, cause error) string {
	logging.Logger().Warn("Step failed, destroying instance",
		zap.String("instance_id", handle.ID),
		zap.String("zone", handle.Zone),
		zap.Error(cause))

	err := backend.Destroy(context.WithoutCancel(ctx), handle)
	if err != nil {
		logging.Logger().Error("Failed to destroy instance after step failure",
			zap.String("instance_id", handle.ID),
			zap.Error(err))
	}
	return appendTeardownNote(cause.Error(), err)
}

func appendTeardownNote(message string, teardownErr error) string {
	if teardownErr == nil {
		return message
	}
	return message + " (teardown also failed: " + teardownErr.Error() + ")"
}

package orchestrator

// RunErrorKind identifies the run step that failed.
type RunErrorKind int

const (
	RunProvision RunErrorKind = iota + 1
	RunWait
	RunCloudInit
	RunCloudInitTimeout
	RunSync
	RunRemote
	RunTeardown
)

// RunError is returned by RunOrchestrator.Execute. Message already carries the
// teardown note when the rescue destroy failed too.
type RunError struct {
	Kind    RunErrorKind
	Message string
	Err     error
}

func (e *RunError) Error() string {
	switch e.Kind {
	case RunProvision:
		return "failed to create instance: " + e.Message
	case RunWait:
		return "instance did not become ready: " + e.Message
	case RunCloudInit:
		return "cloud-init provisioning failed: " + e.Message
	case RunCloudInitTimeout:
		return "cloud-init provisioning " + e.Message
	case RunSync:
		return "workspace sync failed: " + e.Message
	case RunRemote:
		return "remote command failed to start: " + e.Message
	default:
		return "failed to destroy instance: " + e.Message
	}
}

func (e *RunError) Unwrap() error {
	return e.Err
}

// InitErrorKind identifies the init step that failed.
type InitErrorKind int

const (
	InitConfig InitErrorKind = iota + 1
	InitVolume
	InitProvision
	InitWait
	InitFormat
	InitDetach
	InitTeardown
)

// InitError is returned by InitOrchestrator.Execute.
type InitError struct {
	Kind    InitErrorKind
	Message string
	Err     error
}

func (e *InitError) Error() string {
	switch e.Kind {
	case InitConfig:
		return "configuration update failed: " + e.Message
	case InitVolume:
		return "failed to create volume: " + e.Message
	case InitProvision:
		return "failed to provision formatter instance: " + e.Message
	case InitWait:
		return "instance did not become ready: " + e.Message
	case InitFormat:
		return "volume format failed: " + e.Message
	case InitDetach:
		return "failed to detach volume: " + e.Message
	default:
		return "failed to destroy formatter instance: " + e.Message
	}
}

func (e *InitError) Unwrap() error {
	return e.Err
}

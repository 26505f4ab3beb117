package control

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"

	"mriya/internal/config"
	"mriya/internal/logging"
	"mriya/internal/provisioning"

	"go.uber.org/zap"
)

// CommandOutput is the result of a local process.
type CommandOutput struct {
	// Code is nil when the process was terminated by a signal.
	Code   *int
	Stdout string
	Stderr string
}

// CommandRunner runs local processes.
type CommandRunner interface {
	// Run returns an error only when program could not be started.
	Run(ctx context.Context, program string, args []string) (CommandOutput, error)
}

// StreamingRunner runs processes while echoing their output to Stdout and Stderr.
type StreamingRunner struct {
	Stdout io.Writer
	Stderr io.Writer
}

// NewStreamingRunner echoes to the terminal.
func NewStreamingRunner() *StreamingRunner {
	return &StreamingRunner{Stdout: os.Stdout, Stderr: os.Stderr}
}

func (r *StreamingRunner) Run(ctx context.Context, program string, args []string) (CommandOutput, error) {
	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, program, args...)
	cmd.Stdout = tee(&stdout, r.Stdout)
	cmd.Stderr = tee(&stderr, r.Stderr)

	err := cmd.Run()
	output := CommandOutput{Stdout: stdout.String(), Stderr: stderr.String()}
	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return output, spawnError(program, err)
		}
		if code := exitErr.ExitCode(); code >= 0 {
			output.Code = &code
		}
		return output, nil
	}

	code := 0
	output.Code = &code
	return output, nil
}

func tee(capture *bytes.Buffer, echo io.Writer) io.Writer {
	if echo == nil {
		return capture
	}
	return io.MultiWriter(capture, echo)
}

// RsyncSyncer synchronises with rsync and executes with the ssh client binary.
type RsyncSyncer struct {
	cfg    config.SyncConfig
	runner CommandRunner
}

// NewRsyncSyncer expects a validated cfg.
func NewRsyncSyncer(cfg config.SyncConfig, runner CommandRunner) *RsyncSyncer {
	return &RsyncSyncer{cfg: cfg, runner: runner}
}

func (s *RsyncSyncer) Destination(networking provisioning.InstanceNetworking) Destination {
	return destinationFor(s.cfg, networking)
}

func (s *RsyncSyncer) Sync(ctx context.Context, source string, dest Destination) error {
	args, err := s.rsyncArgs(source, dest)
	if err != nil {
		return err
	}

	logging.Logger().Info("Syncing workspace",
		zap.String("source", source),
		zap.String("host", dest.Host),
		zap.String("path", dest.Path))

	output, err := s.runner.Run(ctx, s.cfg.RsyncBin, args)
	if err != nil {
		return err
	}
	if output.Code == nil || *output.Code != 0 {
		return &Error{Kind: KindCommandFailure, Program: s.cfg.RsyncBin, Code: output.Code, Stderr: output.Stderr}
	}
	return nil
}

func (s *RsyncSyncer) RunRemote(ctx context.Context, networking provisioning.InstanceNetworking, command string) (RemoteOutput, error) {
	return s.RunRemoteRaw(ctx, networking, RemoteCommand(s.cfg, command))
}

func (s *RsyncSyncer) RunRemoteRaw(ctx context.Context, networking provisioning.InstanceNetworking, command string) (RemoteOutput, error) {
	logging.Logger().Debug("Executing command",
		zap.String("command", logging.Truncate(command)),
		zap.String("host", networking.PublicIP.String()))

	output, err := s.runner.Run(ctx, s.cfg.SSHBin, s.sshArgs(networking, command))
	if err != nil {
		return RemoteOutput{}, err
	}
	return RemoteOutput{ExitCode: output.Code, Stdout: output.Stdout, Stderr: output.Stderr}, nil
}

func (s *RsyncSyncer) rsyncArgs(source string, dest Destination) ([]string, error) {
	if info, err := os.Stat(source); err != nil || !info.IsDir() {
		return nil, &Error{Kind: KindMissingSource, Path: source}
	}

	args := []string{"-az", "--delete", "--filter=:- .gitignore", "--exclude", ".git/"}
	src := strings.TrimRight(source, "/") + "/"
	if dest.IsLocal() {
		return append(args, src, dest.Path), nil
	}

	remoteShell := s.cfg.SSHBin + " " + strings.Join(s.sshOptions(dest.Port), " ")
	return append(args, "--rsh", remoteShell, src, dest.User+"@"+dest.Host+":"+dest.Path), nil
}

func (s *RsyncSyncer) sshArgs(networking provisioning.InstanceNetworking, command string) []string {
	args := s.sshOptions(networking.SSHPort)
	return append(args, s.cfg.SSHUser+"@"+networking.PublicIP.String(), command)
}

func (s *RsyncSyncer) sshOptions(port int) []string {
	args := []string{"-p", strconv.Itoa(port)}
	if identity := s.cfg.IdentityFile(); identity != "" {
		args = append(args, "-i", identity)
	}
	if s.cfg.SSHBatchMode {
		args = append(args, "-o", "BatchMode=yes")
	}
	if !s.cfg.SSHStrictHostKeyChecking {
		args = append(args, "-o", "StrictHostKeyChecking=no")
	}
	if strings.TrimSpace(s.cfg.SSHKnownHostsFile) != "" {
		args = append(args, "-o", "UserKnownHostsFile="+s.cfg.SSHKnownHostsFile)
	}
	return args
}

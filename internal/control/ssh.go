package control

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"mriya/internal/config"
	"mriya/internal/logging"
	"mriya/internal/provisioning"
	mssh "mriya/internal/ssh"

	"github.com/alitto/pond/v2"
	"github.com/pkg/sftp"
	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"
)

const sshDialTimeout = 30 * time.Second

// SFTPSyncer executes over a native SSH connection and uploads the workspace with SFTP.
type SFTPSyncer struct {
	cfg         config.SyncConfig
	stdout      io.Writer
	stderr      io.Writer
	dialTimeout time.Duration
}

// NewSFTPSyncer expects a validated cfg. Remote output is echoed to the terminal.
func NewSFTPSyncer(cfg config.SyncConfig) *SFTPSyncer {
	return &SFTPSyncer{
		cfg:         cfg,
		stdout:      os.Stdout,
		stderr:      os.Stderr,
		dialTimeout: sshDialTimeout,
	}
}

// escapeNewlines escapes newline characters for proper log formatting
func escapeNewlines(s string) string {
	return strings.ReplaceAll(s, "\n", "\\n")
}

// safeClose safely closes a resource and logs any errors
func safeClose(name string, closer func() error) {
	if err := closer(); err != nil && !errors.Is(err, io.EOF) {
		logging.Logger().Warn("failed to close resource",
			zap.String("resource", name),
			zap.Error(err))
	}
}

func (s *SFTPSyncer) connect(ctx context.Context, user, host string, port int) (*ssh.Client, error) {
	client, err := mssh.Dial(ctx, net.JoinHostPort(host, strconv.Itoa(port)), mssh.ClientOptions{
		User:                  user,
		IdentityFile:          s.cfg.IdentityFile(),
		StrictHostKeyChecking: s.cfg.SSHStrictHostKeyChecking,
		KnownHostsFile:        s.cfg.SSHKnownHostsFile,
		Timeout:               s.dialTimeout,
	})
	if err != nil {
		return nil, spawnError("ssh", err)
	}
	return client, nil
}

func (s *SFTPSyncer) Destination(networking provisioning.InstanceNetworking) Destination {
	return destinationFor(s.cfg, networking)
}

func (s *SFTPSyncer) RunRemote(ctx context.Context, networking provisioning.InstanceNetworking, command string) (RemoteOutput, error) {
	return s.RunRemoteRaw(ctx, networking, RemoteCommand(s.cfg, command))
}

func (s *SFTPSyncer) RunRemoteRaw(ctx context.Context, networking provisioning.InstanceNetworking, command string) (RemoteOutput, error) {
	host := networking.PublicIP.String()
	client, err := s.connect(ctx, s.cfg.SSHUser, host, networking.SSHPort)
	if err != nil {
		return RemoteOutput{}, err
	}
	defer safeClose("SSH client", client.Close)

	session, err := client.NewSession()
	if err != nil {
		return RemoteOutput{}, spawnError("ssh", fmt.Errorf("failed to create session: %w", err))
	}
	defer safeClose("SSH session", session.Close)

	var stdout, stderr bytes.Buffer
	session.Stdout = tee(&stdout, s.stdout)
	session.Stderr = tee(&stderr, s.stderr)

	logging.Logger().Debug("Executing command",
		zap.String("command", logging.Truncate(command)),
		zap.String("host", host))

	err = runSession(ctx, session, command)
	output := RemoteOutput{Stdout: stdout.String(), Stderr: stderr.String()}

	var exitErr *ssh.ExitError
	var missingErr *ssh.ExitMissingError
	switch {
	case err == nil:
		code := 0
		output.ExitCode = &code
	case errors.As(err, &exitErr):
		if code := exitErr.ExitStatus(); code >= 0 {
			output.ExitCode = &code
		}
	case errors.As(err, &missingErr):
	default:
		return output, spawnError("ssh", err)
	}

	logging.Logger().Info("Command executed",
		zap.String("command", logging.Truncate(command)),
		zap.String("host", host),
		zap.String("stdout", escapeNewlines(logging.Truncate(output.Stdout))),
		zap.String("stderr", escapeNewlines(logging.Truncate(output.Stderr))),
		zap.String("exit_code", formatCode(output.ExitCode)))

	return output, nil
}

// runSession runs command and kills the remote process if ctx ends first.
func runSession(ctx context.Context, session *ssh.Session, command string) error {
	done := make(chan error, 1)
	go func() {
		done <- session.Run(command)
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGKILL)
		_ = session.Close()
		return ctx.Err()
	}
}

// Sync uploads source to dest over SFTP and removes remote files that no longer exist locally.
// Remote paths excluded by .gitignore are left untouched.
func (s *SFTPSyncer) Sync(ctx context.Context, source string, dest Destination) error {
	if info, err := os.Stat(source); err != nil || !info.IsDir() {
		return &Error{Kind: KindMissingSource, Path: source}
	}
	if dest.IsLocal() {
		return &Error{Kind: KindInvalidConfig, Message: "the sftp transport only syncs to remote hosts"}
	}

	ws, err := scanWorkspace(source)
	if err != nil {
		return err
	}

	client, err := s.connect(ctx, dest.User, dest.Host, dest.Port)
	if err != nil {
		return err
	}
	defer safeClose("SSH client", client.Close)

	sftpClient, err := sftp.NewClient(client)
	if err != nil {
		return spawnError("sftp", fmt.Errorf("failed to create SFTP client: %w", err))
	}
	defer safeClose("SFTP client", sftpClient.Close)

	up := &uploader{client: sftpClient, root: path.Clean(dest.Path)}
	removed, err := up.prune(ws)
	if err != nil {
		return err
	}
	if err := up.mkdirs(ws.dirs); err != nil {
		return err
	}
	if err := up.upload(ctx, ws, s.cfg.UploadWorkers); err != nil {
		return err
	}

	logging.Logger().Info("Workspace synced using SFTP",
		zap.String("source", source),
		zap.String("remote_path", dest.Path),
		zap.String("host", dest.Host),
		zap.Int("files_copied", len(ws.files)),
		zap.Int("dirs_created", len(ws.dirs)),
		zap.Int64("total_bytes", up.bytes.Load()),
		zap.Int("removed", removed))

	return nil
}

type uploader struct {
	client *sftp.Client
	root   string
	bytes  atomic.Int64
}

func (u *uploader) remotePath(rel string) string {
	return path.Join(u.root, rel)
}

// prune deletes remote entries missing from the workspace. Excluded paths survive.
func (u *uploader) prune(ws *workspace) (int, error) {
	if _, err := u.client.Stat(u.root); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to stat remote path: %w", err)
	}

	var stale []string
	walker := u.client.Walk(u.root)
	for walker.Step() {
		if err := walker.Err(); err != nil {
			return 0, fmt.Errorf("failed to walk remote directory: %w", err)
		}
		rel := strings.TrimPrefix(strings.TrimPrefix(walker.Path(), u.root), "/")
		if rel == "" {
			continue
		}
		dir := walker.Stat().IsDir()
		switch {
		case ws.excluded(rel, dir):
			if dir {
				walker.SkipDir()
			}
		case !ws.keeps(rel, dir):
			stale = append(stale, walker.Path())
			if dir {
				walker.SkipDir()
			}
		}
	}

	for _, p := range stale {
		if err := u.client.RemoveAll(p); err != nil {
			return 0, fmt.Errorf("failed to remove remote path %s: %w", p, err)
		}
	}
	return len(stale), nil
}

func (u *uploader) mkdirs(dirs []string) error {
	if err := u.client.MkdirAll(u.root); err != nil {
		return fmt.Errorf("failed to create remote directory: %w", err)
	}
	for _, dir := range dirs {
		if err := u.client.MkdirAll(u.remotePath(dir)); err != nil {
			return fmt.Errorf("failed to create remote directory: %w", err)
		}
	}
	return nil
}

func (u *uploader) upload(ctx context.Context, ws *workspace, workers int) error {
	pool := pond.NewPool(max(workers, 1))
	defer pool.StopAndWait()

	group := pool.NewGroupContext(ctx)
	for _, file := range ws.files {
		group.SubmitErr(func() error {
			return u.copyFile(ws.localPath(file.rel), u.remotePath(file.rel), file.mode)
		})
	}
	return group.Wait()
}

// copyFile copies a single file from local to remote
func (u *uploader) copyFile(localPath, remotePath string, mode os.FileMode) error {
	localFile, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("failed to open local file: %w", err)
	}
	defer safeClose("local file", localFile.Close)

	remoteFile, err := u.client.OpenFile(remotePath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC)
	if err != nil {
		return fmt.Errorf("failed to open remote file %s: %w", remotePath, err)
	}
	defer safeClose("remote file", remoteFile.Close)

	written, err := remoteFile.ReadFrom(localFile)
	if err != nil {
		return fmt.Errorf("failed to copy file content: %w", err)
	}
	u.bytes.Add(written)

	if err := u.client.Chmod(remotePath, mode); err != nil {
		logging.Logger().Warn("failed to set file permissions",
			zap.String("path", remotePath),
			zap.Error(err))
	}
	return nil
}

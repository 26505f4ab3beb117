package control

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"net/netip"
	"os"
	"path/filepath"
	"sync"

	"mriya/internal/config"
	"mriya/internal/provisioning"
	mssh "mriya/internal/ssh"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

// execHandler answers an exec request. A negative status sends no exit-status.
type execHandler func(command string, stdout, stderr io.Writer) int

// testSSHServer accepts one authorized key and serves exec requests and the sftp subsystem
// against the local filesystem.
type testSSHServer struct {
	port     int
	mu       sync.Mutex
	commands []string
	handler  execHandler
}

func (s *testSSHServer) executed() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.commands...)
}

func startSSHServer(authorized ssh.PublicKey, handler execHandler) *testSSHServer {
	hostKey, err := mssh.GenerateKeyPair()
	Expect(err).NotTo(HaveOccurred())
	hostSigner, err := hostKey.Signer()
	Expect(err).NotTo(HaveOccurred())

	serverConfig := &ssh.ServerConfig{
		PublicKeyCallback: func(_ ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
			if bytes.Equal(key.Marshal(), authorized.Marshal()) {
				return nil, nil
			}
			return nil, errors.New("unauthorized key")
		},
	}
	serverConfig.AddHostKey(hostSigner)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	Expect(err).NotTo(HaveOccurred())
	DeferCleanup(ln.Close)

	server := &testSSHServer{port: ln.Addr().(*net.TCPAddr).Port, handler: handler}
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go server.serve(conn, serverConfig)
		}
	}()
	return server
}

func (s *testSSHServer) serve(conn net.Conn, serverConfig *ssh.ServerConfig) {
	_, chans, reqs, err := ssh.NewServerConn(conn, serverConfig)
	if err != nil {
		_ = conn.Close()
		return
	}
	go ssh.DiscardRequests(reqs)

	for newChannel := range chans {
		if newChannel.ChannelType() != "session" {
			_ = newChannel.Reject(ssh.UnknownChannelType, "unsupported channel type")
			continue
		}
		channel, requests, err := newChannel.Accept()
		if err != nil {
			continue
		}
		go s.session(channel, requests)
	}
}

func (s *testSSHServer) session(channel ssh.Channel, requests <-chan *ssh.Request) {
	defer channel.Close()

	for req := range requests {
		switch req.Type {
		case "exec":
			var payload struct{ Command string }
			if err := ssh.Unmarshal(req.Payload, &payload); err != nil {
				_ = req.Reply(false, nil)
				continue
			}
			_ = req.Reply(true, nil)

			s.mu.Lock()
			s.commands = append(s.commands, payload.Command)
			s.mu.Unlock()

			status := s.handler(payload.Command, channel, channel.Stderr())
			if status >= 0 {
				_, _ = channel.SendRequest("exit-status", false, ssh.Marshal(struct{ Status uint32 }{uint32(status)}))
			}
			go ssh.DiscardRequests(requests)
			return
		case "subsystem":
			var payload struct{ Name string }
			if err := ssh.Unmarshal(req.Payload, &payload); err != nil || payload.Name != "sftp" {
				_ = req.Reply(false, nil)
				continue
			}
			_ = req.Reply(true, nil)

			server, err := sftp.NewServer(channel)
			if err != nil {
				return
			}
			go ssh.DiscardRequests(requests)
			_ = server.Serve()
			return
		default:
			_ = req.Reply(false, nil)
		}
	}
}

var _ = Describe("SFTPSyncer", func() {
	var (
		cfg        config.SyncConfig
		server     *testSSHServer
		syncer     *SFTPSyncer
		networking provisioning.InstanceNetworking
		ctx        context.Context
		stdout     bytes.Buffer
		stderr     bytes.Buffer
	)

	BeforeEach(func() {
		ctx = context.Background()
		stdout.Reset()
		stderr.Reset()

		clientKey, err := mssh.GenerateKeyPair()
		Expect(err).NotTo(HaveOccurred())
		identity := filepath.Join(GinkgoT().TempDir(), "id_ed25519")
		Expect(os.WriteFile(identity, []byte(clientKey.PrivateKey), 0o600)).To(Succeed())
		authorized, _, _, _, err := ssh.ParseAuthorizedKey([]byte(clientKey.PublicKey))
		Expect(err).NotTo(HaveOccurred())

		server = startSSHServer(authorized, func(command string, out, errOut io.Writer) int {
			switch command {
			case "exit-seven":
				_, _ = io.WriteString(out, "fake-stdout\n")
				_, _ = io.WriteString(errOut, "fake-stderr\n")
				return 7
			case "vanish":
				return -1
			default:
				return 0
			}
		})

		cfg = config.DefaultSyncConfig()
		cfg.Transport = config.TransportSFTP
		cfg.RouteBuildCaches = false
		cfg.SSHIdentityFile = &identity
		cfg.UploadWorkers = 3

		syncer = NewSFTPSyncer(cfg)
		syncer.stdout = &stdout
		syncer.stderr = &stderr
		networking = provisioning.InstanceNetworking{PublicIP: netip.MustParseAddr("127.0.0.1"), SSHPort: server.port}
	})

	Describe("RunRemote", func() {
		It("returns a non-zero exit status as data and echoes the streams", func() {
			output, err := syncer.RunRemoteRaw(ctx, networking, "exit-seven")
			Expect(err).NotTo(HaveOccurred())
			Expect(output.ExitCode).NotTo(BeNil())
			Expect(*output.ExitCode).To(Equal(7))
			Expect(output.Stdout).To(Equal("fake-stdout\n"))
			Expect(output.Stderr).To(Equal("fake-stderr\n"))
			Expect(stdout.String()).To(Equal("fake-stdout\n"))
			Expect(stderr.String()).To(Equal("fake-stderr\n"))
		})

		It("reports success as exit status zero", func() {
			output, err := syncer.RunRemoteRaw(ctx, networking, "true")
			Expect(err).NotTo(HaveOccurred())
			Expect(output.Success()).To(BeTrue())
		})

		It("returns no exit status when the remote side never sends one", func() {
			output, err := syncer.RunRemoteRaw(ctx, networking, "vanish")
			Expect(err).NotTo(HaveOccurred())
			Expect(output.ExitCode).To(BeNil())
		})

		It("prefixes the workspace directory", func() {
			_, err := syncer.RunRemote(ctx, networking, "make")
			Expect(err).NotTo(HaveOccurred())
			Expect(server.executed()).To(Equal([]string{"cd /home/ubuntu/project && make"}))
		})

		It("fails to spawn with an unknown key", func() {
			otherKey, err := mssh.GenerateKeyPair()
			Expect(err).NotTo(HaveOccurred())
			identity := filepath.Join(GinkgoT().TempDir(), "other")
			Expect(os.WriteFile(identity, []byte(otherKey.PrivateKey), 0o600)).To(Succeed())
			cfg.SSHIdentityFile = &identity

			_, err = NewSFTPSyncer(cfg).RunRemoteRaw(ctx, networking, "true")
			var syncErr *Error
			Expect(errors.As(err, &syncErr)).To(BeTrue())
			Expect(syncErr.Kind).To(Equal(KindSpawn))
			Expect(server.executed()).To(BeEmpty())
		})
	})

	Describe("Sync", func() {
		var source, remote string

		write := func(root, rel, content string) {
			path := filepath.Join(root, filepath.FromSlash(rel))
			Expect(os.MkdirAll(filepath.Dir(path), 0o755)).To(Succeed())
			Expect(os.WriteFile(path, []byte(content), 0o644)).To(Succeed())
		}

		BeforeEach(func() {
			source = GinkgoT().TempDir()
			remote = filepath.Join(GinkgoT().TempDir(), "project")

			write(source, ".gitignore", "build/\n*.log\n")
			write(source, "main.go", "package main\n")
			write(source, "pkg/lib/lib.go", "package lib\n")
			write(source, ".git/HEAD", "ref: refs/heads/main\n")
			write(source, "build/out.bin", "binary")
			write(source, "debug.log", "noise")

			write(remote, "stale.txt", "old")
			write(remote, "olddir/file.txt", "old")
			write(remote, "remote.log", "kept by ignore rules")
		})

		It("mirrors the workspace and honours .gitignore", func() {
			dest := Destination{User: "root", Host: "127.0.0.1", Port: server.port, Path: remote}
			Expect(syncer.Sync(ctx, source, dest)).To(Succeed())

			Expect(filepath.Join(remote, "main.go")).To(BeARegularFile())
			Expect(filepath.Join(remote, "pkg", "lib", "lib.go")).To(BeARegularFile())
			Expect(filepath.Join(remote, ".gitignore")).To(BeARegularFile())
			Expect(filepath.Join(remote, "remote.log")).To(BeARegularFile())

			Expect(filepath.Join(remote, ".git")).NotTo(BeAnExistingFile())
			Expect(filepath.Join(remote, "build")).NotTo(BeAnExistingFile())
			Expect(filepath.Join(remote, "debug.log")).NotTo(BeAnExistingFile())
			Expect(filepath.Join(remote, "stale.txt")).NotTo(BeAnExistingFile())
			Expect(filepath.Join(remote, "olddir")).NotTo(BeAnExistingFile())

			content, err := os.ReadFile(filepath.Join(remote, "pkg", "lib", "lib.go"))
			Expect(err).NotTo(HaveOccurred())
			Expect(string(content)).To(Equal("package lib\n"))
		})

		It("creates a missing remote directory", func() {
			fresh := filepath.Join(GinkgoT().TempDir(), "a", "b")
			dest := Destination{User: "root", Host: "127.0.0.1", Port: server.port, Path: fresh}
			Expect(syncer.Sync(ctx, source, dest)).To(Succeed())
			Expect(filepath.Join(fresh, "main.go")).To(BeARegularFile())
		})

		It("rejects a missing source", func() {
			missing := filepath.Join(source, "nope")
			err := syncer.Sync(ctx, missing, Destination{Host: "127.0.0.1", Port: server.port, Path: remote})
			Expect(err).To(MatchError("sync source directory missing: " + missing))
		})

		It("rejects local destinations", func() {
			err := syncer.Sync(ctx, source, Destination{Path: remote})
			Expect(err).To(MatchError("invalid sync configuration: the sftp transport only syncs to remote hosts"))
		})
	})
})

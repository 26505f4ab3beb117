package provisioning

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"time"

	"mriya/internal/config"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

type recordedRequest struct {
	Method string
	Path   string
	Query  string
	Token  string
	Body   map[string]any
}

// fakeScaleway serves the handful of Instance API routes the backend uses.
type fakeScaleway struct {
	mu       sync.Mutex
	server   *httptest.Server
	requests []recordedRequest

	projectImages []scwImage
	publicImages  []scwImage

	createStatus int
	createBody   string

	// listed is served in order by GET /servers; the last entry repeats. nil means not listed.
	listed    []*scwServer
	listCalls int

	getBody      string
	patchStatus  int
	patchBody    string
	deleteStatus int
	volumeStatus int
	volumeDelete int
	volumeBody   string
	actionStatus int
	imageStatus  []int
}

func newFakeScaleway() *fakeScaleway {
	f := &fakeScaleway{
		createStatus: http.StatusCreated,
		patchStatus:  http.StatusOK,
		deleteStatus: http.StatusNoContent,
		volumeStatus: http.StatusCreated,
		volumeDelete: http.StatusNoContent,
		actionStatus: http.StatusAccepted,
	}
	f.server = httptest.NewServer(http.HandlerFunc(f.handle))
	DeferCleanup(f.server.Close)
	return f
}

func (f *fakeScaleway) handle(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	rec := recordedRequest{Method: r.Method, Path: r.URL.Path, Query: r.URL.RawQuery, Token: r.Header.Get("X-Auth-Token")}
	if data, _ := io.ReadAll(r.Body); len(data) > 0 {
		Expect(json.Unmarshal(data, &rec.Body)).To(Succeed())
	}
	f.requests = append(f.requests, rec)

	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	// zones/<zone>/<collection>[/<id>[/action]]
	switch {
	case len(parts) == 3 && parts[2] == "images":
		if len(f.imageStatus) > 0 {
			status := f.imageStatus[0]
			f.imageStatus = f.imageStatus[1:]
			if status != http.StatusOK {
				w.WriteHeader(status)
				return
			}
		}
		images := f.publicImages
		if r.URL.Query().Get("project") != "" {
			images = f.projectImages
		}
		writeJSON(w, http.StatusOK, map[string]any{"images": images})
	case len(parts) == 3 && parts[2] == "servers" && r.Method == http.MethodPost:
		w.WriteHeader(f.createStatus)
		_, _ = io.WriteString(w, f.createBody)
	case len(parts) == 3 && parts[2] == "servers" && r.Method == http.MethodGet:
		servers := []scwServer{}
		if len(f.listed) > 0 {
			idx := min(f.listCalls, len(f.listed)-1)
			if s := f.listed[idx]; s != nil {
				servers = append(servers, *s)
			}
		}
		f.listCalls++
		writeJSON(w, http.StatusOK, map[string]any{"servers": servers})
	case len(parts) == 5 && parts[4] == "action":
		w.WriteHeader(f.actionStatus)
		_, _ = io.WriteString(w, `{"task":{}}`)
	case len(parts) == 4 && parts[2] == "servers" && r.Method == http.MethodGet:
		w.WriteHeader(http.StatusOK)
		_, _ = io.WriteString(w, f.getBody)
	case len(parts) == 4 && parts[2] == "servers" && r.Method == http.MethodPatch:
		w.WriteHeader(f.patchStatus)
		_, _ = io.WriteString(w, f.patchBody)
	case len(parts) == 4 && parts[2] == "servers" && r.Method == http.MethodDelete:
		w.WriteHeader(f.deleteStatus)
	case len(parts) == 4 && parts[2] == "volumes" && r.Method == http.MethodDelete:
		w.WriteHeader(f.volumeDelete)
	case len(parts) == 3 && parts[2] == "volumes":
		w.WriteHeader(f.volumeStatus)
		_, _ = io.WriteString(w, f.volumeBody)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	Expect(json.NewEncoder(w).Encode(v)).To(Succeed())
}

func (f *fakeScaleway) calls(method, pathSuffix string) []recordedRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []recordedRequest
	for _, r := range f.requests {
		if r.Method == method && strings.HasSuffix(r.Path, pathSuffix) {
			out = append(out, r)
		}
	}
	return out
}

func testScalewayConfig() config.ScalewayConfig {
	return config.ScalewayConfig{
		SecretKey:           "scw-secret",
		DefaultProjectID:    "project-1",
		DefaultZone:         "fr-par-1",
		DefaultInstanceType: "DEV1-S",
		DefaultImage:        "Ubuntu 24.04",
		DefaultArchitecture: "x86_64",
	}
}

func newTestBackend(f *fakeScaleway, opts ...Option) *ScalewayBackend {
	base := []Option{
		WithBaseURL(f.server.URL),
		WithPollInterval(5 * time.Millisecond),
		WithWaitTimeout(200 * time.Millisecond),
		WithSSHConnectTimeout(50 * time.Millisecond),
	}
	backend, err := NewScalewayBackend(testScalewayConfig(), append(base, opts...)...)
	Expect(err).NotTo(HaveOccurred())
	backend.api.http.RetryWaitMin = time.Millisecond
	backend.api.http.RetryWaitMax = 2 * time.Millisecond
	return backend
}

func serverJSON(s scwServer) string {
	data, err := json.Marshal(map[string]any{"server": s})
	Expect(err).NotTo(HaveOccurred())
	return string(data)
}

func stoppedServer(volumes map[string]string) scwServer {
	s := scwServer{ID: "srv-1", Name: "mriya-x", State: "stopped", AllowedActions: []string{"poweron", "backup"}}
	if volumes != nil {
		s.Volumes = map[string]struct {
			ID string `json:"id"`
		}{}
		for k, v := range volumes {
			s.Volumes[k] = struct {
				ID string `json:"id"`
			}{ID: v}
		}
	}
	return s
}

func runningServer(ip string) *scwServer {
	s := &scwServer{ID: "srv-1", State: "running", AllowedActions: []string{"poweroff", "terminate"}}
	if ip != "" {
		s.PublicIP = &struct {
			Address string `json:"address"`
		}{Address: ip}
	}
	return s
}

// sshListener accepts connections on 127.0.0.1 and returns its port.
func sshListener() int {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	Expect(err).NotTo(HaveOccurred())
	DeferCleanup(ln.Close)
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			_ = conn.Close()
		}
	}()
	return ln.Addr().(*net.TCPAddr).Port
}

func closedPort() int {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	Expect(err).NotTo(HaveOccurred())
	port := ln.Addr().(*net.TCPAddr).Port
	Expect(ln.Close()).To(Succeed())
	return port
}

var _ = Describe("ScalewayBackend", func() {
	var (
		fake *fakeScaleway
		ctx  context.Context
		img  = scwImage{ID: "img-new", Arch: "x86_64", State: "available", CreationDate: time.Date(2025, 1, 2, 0, 0, 0, 0, time.UTC)}
	)

	BeforeEach(func() {
		fake = newFakeScaleway()
		ctx = context.Background()
	})

	It("rejects an incomplete configuration", func() {
		cfg := testScalewayConfig()
		cfg.SecretKey = ""
		_, err := NewScalewayBackend(cfg)
		Expect(IsKind(err, KindConfig)).To(BeTrue())
		Expect(err.Error()).To(HavePrefix("configuration error: missing Scaleway API secret key"))
	})

	Describe("Create", func() {
		BeforeEach(func() {
			fake.publicImages = []scwImage{img}
			fake.createBody = serverJSON(stoppedServer(map[string]string{"0": "root-vol"}))
		})

		It("creates the server stopped with its cloud-init payload and powers it on", func() {
			backend := newTestBackend(fake, WithTestRunID("ci-9"))
			req := validRequest()
			req.CloudInitUserData = "#cloud-config\n"

			handle, err := backend.Create(ctx, req)
			Expect(err).NotTo(HaveOccurred())
			Expect(handle).To(Equal(InstanceHandle{ID: "srv-1", Zone: "fr-par-1"}))

			images := fake.calls(http.MethodGet, "/images")
			Expect(images).To(HaveLen(2))
			Expect(images[0].Query).To(ContainSubstring("project=p"))
			Expect(images[1].Query).NotTo(ContainSubstring("project="))

			creates := fake.calls(http.MethodPost, "/servers")
			Expect(creates).To(HaveLen(1))
			body := creates[0].Body
			Expect(creates[0].Token).To(Equal("scw-secret"))
			Expect(body["stopped"]).To(BeTrue())
			Expect(body["cloud_init"]).To(Equal("#cloud-config\n"))
			Expect(body["image"]).To(Equal("img-new"))
			Expect(body["commercial_type"]).To(Equal("DEV1-S"))
			Expect(body["routed_ip_enabled"]).To(BeTrue())
			Expect(body["dynamic_ip_required"]).To(BeTrue())
			Expect(body["tags"]).To(ConsistOf("mriya", "ephemeral", "mriya-test-run-ci-9"))
			Expect(body["name"]).To(MatchRegexp(`^mriya-[0-9a-f]{32}$`))
			Expect(body).NotTo(HaveKey("organization"))

			actions := fake.calls(http.MethodPost, "/action")
			Expect(actions).To(HaveLen(1))
			Expect(actions[0].Body).To(HaveKeyWithValue("action", "poweron"))
			Expect(fake.calls(http.MethodPatch, "/srv-1")).To(BeEmpty())
		})

		It("prefers project images over public ones", func() {
			fake.projectImages = []scwImage{{ID: "img-project", Arch: "x86_64", State: "available"}}
			backend := newTestBackend(fake)

			_, err := backend.Create(ctx, validRequest())
			Expect(err).NotTo(HaveOccurred())
			Expect(fake.calls(http.MethodGet, "/images")).To(HaveLen(1))
			Expect(fake.calls(http.MethodPost, "/servers")[0].Body["image"]).To(Equal("img-project"))
		})

		It("attaches the cache volume at index 1 before power-on", func() {
			backend := newTestBackend(fake)
			req := validRequest()
			req.VolumeID = "cache-vol"

			_, err := backend.Create(ctx, req)
			Expect(err).NotTo(HaveOccurred())

			patches := fake.calls(http.MethodPatch, "/servers/srv-1")
			Expect(patches).To(HaveLen(1))
			Expect(patches[0].Body).To(Equal(map[string]any{
				"volumes": map[string]any{
					"0": map[string]any{"id": "root-vol", "boot": true},
					"1": map[string]any{"id": "cache-vol"},
				},
			}))

			var order []string
			for _, r := range fake.requests {
				if r.Method != http.MethodGet {
					order = append(order, r.Method)
				}
			}
			Expect(order).To(Equal([]string{http.MethodPost, http.MethodPatch, http.MethodPost}))
		})

		It("refuses to attach when the root volume is unknown", func() {
			fake.createBody = serverJSON(stoppedServer(nil))
			backend := newTestBackend(fake)
			req := validRequest()
			req.VolumeID = "cache-vol"

			_, err := backend.Create(ctx, req)
			Expect(IsKind(err, KindVolumeNotFound)).To(BeTrue())
			Expect(err).To(MatchError("volume 0 not found in zone fr-par-1"))
		})

		It("reports a rejected attachment with the provider text", func() {
			fake.patchStatus = http.StatusBadRequest
			fake.patchBody = `{"type":"invalid_arguments","message":"volume busy"}`
			backend := newTestBackend(fake)
			req := validRequest()
			req.VolumeID = "cache-vol"

			_, err := backend.Create(ctx, req)
			Expect(IsKind(err, KindVolumeAttachmentFailed)).To(BeTrue())
			Expect(err.Error()).To(HavePrefix("failed to attach volume cache-vol to instance srv-1: "))
			Expect(err.Error()).To(ContainSubstring("volume busy"))
		})

		It("classifies commercial type rejections", func() {
			fake.createStatus = http.StatusBadRequest
			fake.createBody = `{"type":"invalid_arguments","message":"bad","resource":"commercial_type"}`
			backend := newTestBackend(fake)

			_, err := backend.Create(ctx, validRequest())
			Expect(IsKind(err, KindInstanceTypeUnavailable)).To(BeTrue())
			Expect(err).To(MatchError("instance type 'DEV1-S' not available in zone fr-par-1"))
		})

		It("passes other API failures through", func() {
			fake.createStatus = http.StatusForbidden
			fake.createBody = `{"type":"permissions_denied","message":"nope"}`
			backend := newTestBackend(fake)

			_, err := backend.Create(ctx, validRequest())
			Expect(IsKind(err, KindProvider)).To(BeTrue())
			Expect(err.Error()).To(ContainSubstring("permissions_denied"))
			Expect(fake.calls(http.MethodPost, "/servers")).To(HaveLen(1))
		})

		It("fails with the current state when power-on is not allowed and cleans up", func() {
			s := stoppedServer(nil)
			s.State = "locked"
			s.AllowedActions = nil
			fake.createBody = serverJSON(s)
			backend := newTestBackend(fake)

			_, err := backend.Create(ctx, validRequest())
			Expect(IsKind(err, KindPowerOnNotAllowed)).To(BeTrue())
			Expect(err).To(MatchError("instance srv-1 in state locked cannot be powered on"))
			Expect(fake.calls(http.MethodGet, "/servers")).NotTo(BeEmpty())
		})

		It("reports a missing image", func() {
			fake.publicImages = []scwImage{{ID: "arm", Arch: "arm64", State: "available"}}
			backend := newTestBackend(fake)

			_, err := backend.Create(ctx, validRequest())
			Expect(IsKind(err, KindImageNotFound)).To(BeTrue())
			Expect(fake.calls(http.MethodPost, "/servers")).To(BeEmpty())
		})

		It("validates before calling the provider", func() {
			backend := newTestBackend(fake)
			req := validRequest()
			req.Architecture = " "

			_, err := backend.Create(ctx, req)
			Expect(err).To(MatchError("invalid instance request: missing or empty field: architecture"))
			Expect(fake.requests).To(BeEmpty())
		})

		It("retries reads after a server error", func() {
			fake.imageStatus = []int{http.StatusServiceUnavailable}
			backend := newTestBackend(fake)

			_, err := backend.Create(ctx, validRequest())
			Expect(err).NotTo(HaveOccurred())
			Expect(len(fake.calls(http.MethodGet, "/images"))).To(BeNumerically(">=", 2))
		})
	})

	Describe("WaitForReady", func() {
		handle := InstanceHandle{ID: "srv-1", Zone: "fr-par-1"}

		It("waits for running with an address and a reachable SSH port", func() {
			port := sshListener()
			fake.listed = []*scwServer{nil, {ID: "srv-1", State: "starting"}, runningServer(""), runningServer("127.0.0.1")}
			backend := newTestBackend(fake, WithSSHPort(port))

			networking, err := backend.WaitForReady(ctx, handle)
			Expect(err).NotTo(HaveOccurred())
			Expect(networking.PublicIP.String()).To(Equal("127.0.0.1"))
			Expect(networking.SSHPort).To(Equal(port))
			Expect(fake.listCalls).To(Equal(4))
		})

		It("reads routed public IPs", func() {
			port := sshListener()
			s := runningServer("")
			s.PublicIPs = []struct {
				Address string `json:"address"`
				Family  string `json:"family"`
			}{{Address: "2001:db8::1", Family: "inet6"}, {Address: "127.0.0.1", Family: "inet"}}
			fake.listed = []*scwServer{s}
			backend := newTestBackend(fake, WithSSHPort(port))

			networking, err := backend.WaitForReady(ctx, handle)
			Expect(err).NotTo(HaveOccurred())
			Expect(networking.PublicIP.String()).To(Equal("127.0.0.1"))
		})

		It("distinguishes a running instance without an address", func() {
			fake.listed = []*scwServer{runningServer("not-an-ip")}
			backend := newTestBackend(fake)

			_, err := backend.WaitForReady(ctx, handle)
			Expect(IsKind(err, KindMissingPublicIP)).To(BeTrue())
			Expect(err).To(MatchError("instance srv-1 missing public IPv4 address"))
		})

		It("times out when the instance never runs", func() {
			fake.listed = []*scwServer{{ID: "srv-1", State: "starting"}}
			backend := newTestBackend(fake)

			_, err := backend.WaitForReady(ctx, handle)
			Expect(IsKind(err, KindTimeout)).To(BeTrue())
			Expect(err).To(MatchError("timeout waiting for wait_for_ready on instance srv-1"))
		})

		It("times out when SSH never answers", func() {
			fake.listed = []*scwServer{runningServer("127.0.0.1")}
			backend := newTestBackend(fake, WithSSHPort(closedPort()))

			_, err := backend.WaitForReady(ctx, handle)
			Expect(err).To(MatchError("timeout waiting for wait_for_ssh_ready on instance srv-1"))
		})
	})

	Describe("Destroy", func() {
		handle := InstanceHandle{ID: "srv-1", Zone: "fr-par-1"}

		It("powers off a running server before deleting it and its root volume", func() {
			running := runningServer("127.0.0.1")
			running.Volumes = stoppedServer(map[string]string{"0": "root-1", "1": "vol-cache"}).Volumes
			stopped := stoppedServer(map[string]string{"0": "root-1", "1": "vol-cache"})
			fake.listed = []*scwServer{running, running, &stopped, nil}
			backend := newTestBackend(fake)

			Expect(backend.Destroy(ctx, handle)).To(Succeed())
			actions := fake.calls(http.MethodPost, "/action")
			Expect(actions).To(HaveLen(1))
			Expect(actions[0].Body).To(HaveKeyWithValue("action", "poweroff"))
			Expect(fake.calls(http.MethodDelete, "/servers/srv-1")).To(HaveLen(1))
			Expect(fake.calls(http.MethodDelete, "/volumes/root-1")).To(HaveLen(1))
			Expect(fake.calls(http.MethodDelete, "/volumes/vol-cache")).To(BeEmpty())
		})

		It("waits for a stopping server without another action", func() {
			stopping := &scwServer{ID: "srv-1", State: "stopping"}
			stopped := stoppedServer(nil)
			fake.listed = []*scwServer{stopping, stopping, &stopped, nil}
			backend := newTestBackend(fake)

			Expect(backend.Destroy(ctx, handle)).To(Succeed())
			Expect(fake.calls(http.MethodPost, "/action")).To(BeEmpty())
			Expect(fake.calls(http.MethodDelete, "/servers/srv-1")).To(HaveLen(1))
		})

		It("refuses a server that cannot be powered off", func() {
			fake.listed = []*scwServer{{ID: "srv-1", State: "starting", AllowedActions: []string{"terminate"}}}
			backend := newTestBackend(fake)

			err := backend.Destroy(ctx, handle)
			Expect(IsKind(err, KindProvider)).To(BeTrue())
			Expect(err.Error()).To(ContainSubstring("instance srv-1 is starting and cannot be powered off for deletion"))
			Expect(fake.calls(http.MethodPost, "/action")).To(BeEmpty())
			Expect(fake.calls(http.MethodDelete, "/servers/srv-1")).To(BeEmpty())
		})

		It("times out when the server never stops", func() {
			fake.listed = []*scwServer{runningServer("127.0.0.1")}
			backend := newTestBackend(fake)

			err := backend.Destroy(ctx, handle)
			Expect(IsKind(err, KindTimeout)).To(BeTrue())
			Expect(err).To(MatchError("timeout waiting for wait_for_stopped on instance srv-1"))
			Expect(fake.calls(http.MethodDelete, "/servers/srv-1")).To(BeEmpty())
		})

		It("reports a root volume the API refuses to delete", func() {
			stopped := stoppedServer(map[string]string{"0": "root-1"})
			fake.listed = []*scwServer{&stopped, nil}
			fake.volumeDelete = http.StatusConflict
			backend := newTestBackend(fake)

			err := backend.Destroy(ctx, handle)
			Expect(IsKind(err, KindProvider)).To(BeTrue())
			Expect(err.Error()).To(ContainSubstring("delete volume root-1"))
		})

		It("deletes a stopped server", func() {
			stopped := stoppedServer(nil)
			fake.listed = []*scwServer{&stopped, nil}
			backend := newTestBackend(fake)

			Expect(backend.Destroy(ctx, handle)).To(Succeed())
			Expect(fake.calls(http.MethodDelete, "/servers/srv-1")).To(HaveLen(1))
		})

		It("treats an already gone server as destroyed", func() {
			backend := newTestBackend(fake)

			Expect(backend.Destroy(ctx, handle)).To(Succeed())
			Expect(fake.calls(http.MethodDelete, "/servers/srv-1")).To(BeEmpty())
			Expect(fake.calls(http.MethodPost, "/action")).To(BeEmpty())
		})

		It("reports a server that stays listed", func() {
			stopped := stoppedServer(nil)
			fake.listed = []*scwServer{&stopped}
			backend := newTestBackend(fake)

			err := backend.Destroy(ctx, handle)
			Expect(IsKind(err, KindResidualResource)).To(BeTrue())
			Expect(err).To(MatchError("instance srv-1 still present after teardown"))
		})
	})

	Describe("volumes", func() {
		handle := InstanceHandle{ID: "srv-1", Zone: "fr-par-1"}

		It("detaches by re-reading the root volume", func() {
			fake.getBody = serverJSON(stoppedServer(map[string]string{"0": "root-now", "1": "cache"}))
			backend := newTestBackend(fake)

			Expect(backend.DetachVolume(ctx, handle, "cache")).To(Succeed())
			patches := fake.calls(http.MethodPatch, "/servers/srv-1")
			Expect(patches).To(HaveLen(1))
			Expect(patches[0].Body).To(Equal(map[string]any{
				"volumes": map[string]any{"0": map[string]any{"id": "root-now", "boot": true}},
			}))
		})

		It("reports a failed detach", func() {
			fake.getBody = serverJSON(stoppedServer(map[string]string{"0": "root-now", "1": "cache"}))
			fake.patchStatus = http.StatusConflict
			fake.patchBody = "server is busy"
			backend := newTestBackend(fake)

			err := backend.DetachVolume(ctx, handle, "cache")
			Expect(IsKind(err, KindVolumeDetachFailed)).To(BeTrue())
			Expect(err).To(MatchError("failed to detach volume cache from instance srv-1: server is busy"))
		})

		It("creates a block volume", func() {
			fake.volumeBody = `{"volume":{"id":"vol-9","zone":"fr-par-1"}}`
			backend := newTestBackend(fake, WithTestRunID("ci-3"))

			handle, err := backend.CreateVolume(ctx, VolumeRequest{
				Name: "mriya-project-1-cache", SizeBytes: 20 << 30, Zone: "fr-par-1", ProjectID: "project-1",
			})
			Expect(err).NotTo(HaveOccurred())
			Expect(handle).To(Equal(VolumeHandle{ID: "vol-9", Zone: "fr-par-1"}))

			body := fake.calls(http.MethodPost, "/volumes")[0].Body
			Expect(body["volume_type"]).To(Equal("b_ssd"))
			Expect(body["size"]).To(BeNumerically("==", 20<<30))
			Expect(body["tags"]).To(ConsistOf("mriya-test-run-ci-3"))
			Expect(body).NotTo(HaveKey("organization"))
		})

		It("reports a failed volume creation", func() {
			fake.volumeStatus = http.StatusForbidden
			fake.volumeBody = "quota exceeded"
			backend := newTestBackend(fake)

			_, err := backend.CreateVolume(ctx, VolumeRequest{Name: "v", Zone: "fr-par-1"})
			Expect(err).To(MatchError("failed to create volume v in zone fr-par-1: quota exceeded"))
		})

		It("addresses block SSD devices by id", func() {
			backend := newTestBackend(fake)
			Expect(backend.VolumeDevicePath("vol-9")).To(Equal("/dev/disk/by-id/scsi-0SCW_BSSD_vol-9"))
		})
	})

	It("builds the default request from configuration", func() {
		cfg := testScalewayConfig()
		cfg.DefaultVolumeID = " vol-1 "
		inline := "#cloud-config\n"
		cfg.CloudInitUserData = &inline
		backend, err := NewScalewayBackend(cfg)
		Expect(err).NotTo(HaveOccurred())

		req, err := backend.DefaultRequest()
		Expect(err).NotTo(HaveOccurred())
		Expect(req).To(Equal(InstanceRequest{
			ImageLabel:        "Ubuntu 24.04",
			InstanceType:      "DEV1-S",
			Zone:              "fr-par-1",
			ProjectID:         "project-1",
			Architecture:      "x86_64",
			VolumeID:          "vol-1",
			CloudInitUserData: "#cloud-config\n",
		}))
	})
})

var _ = Describe("scalewayClient", func() {
	var (
		mu     sync.Mutex
		seen   map[string]int
		server *httptest.Server
		client *scalewayClient
	)

	BeforeEach(func() {
		seen = map[string]int{}
		server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			mu.Lock()
			seen[r.Method]++
			mu.Unlock()
			conn, _, err := w.(http.Hijacker).Hijack()
			Expect(err).NotTo(HaveOccurred())
			_ = conn.Close()
		}))
		DeferCleanup(server.Close)
		client = newScalewayClient(server.URL, "scw-secret")
		client.http.RetryWaitMin = time.Millisecond
		client.http.RetryWaitMax = 2 * time.Millisecond
	})

	DescribeTable("sends a mutating request once when the connection drops",
		func(method string) {
			_, err := client.do(context.Background(), method, "/zones/fr-par-1/servers", nil, map[string]string{"name": "x"})

			Expect(err).To(HaveOccurred())
			mu.Lock()
			defer mu.Unlock()
			Expect(seen[method]).To(Equal(1))
		},
		Entry("create", http.MethodPost),
		Entry("volume update", http.MethodPatch),
		Entry("delete", http.MethodDelete),
	)

	It("retries reads when the connection drops", func() {
		_, err := client.do(context.Background(), http.MethodGet, "/zones/fr-par-1/servers", nil, nil)

		Expect(err).To(HaveOccurred())
		mu.Lock()
		defer mu.Unlock()
		Expect(seen[http.MethodGet]).To(Equal(client.http.RetryMax + 1))
	})
})

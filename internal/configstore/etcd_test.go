package configstore

import (
	"context"
	"errors"
	"sync"

	pb "go.etcd.io/etcd/api/v3/etcdserverpb"
	"go.etcd.io/etcd/api/v3/mvccpb"
	clientv3 "go.etcd.io/etcd/client/v3"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

// fakeKV implements the parts of clientv3.KV the store uses against an in-memory map.
type fakeKV struct {
	clientv3.KV

	mu    sync.Mutex
	data  map[string]string
	err   error
	txns  int
	puts  int
	onTxn func(kv *fakeKV)
}

func newFakeKV() *fakeKV {
	return &fakeKV{data: map[string]string{}}
}

func (f *fakeKV) Get(_ context.Context, key string, _ ...clientv3.OpOption) (*clientv3.GetResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return (*clientv3.GetResponse)(f.rangeLocked(key)), nil
}

func (f *fakeKV) Put(_ context.Context, key, val string, _ ...clientv3.OpOption) (*clientv3.PutResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.data[key] = val
	f.puts++
	return &clientv3.PutResponse{}, nil
}

func (f *fakeKV) Txn(context.Context) clientv3.Txn {
	return &fakeTxn{kv: f}
}

func (f *fakeKV) rangeLocked(key string) *pb.RangeResponse {
	value, ok := f.data[key]
	if !ok {
		return &pb.RangeResponse{}
	}
	return &pb.RangeResponse{
		Kvs:   []*mvccpb.KeyValue{{Key: []byte(key), Value: []byte(value), CreateRevision: 1}},
		Count: 1,
	}
}

func (f *fakeKV) value(key string) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	value, ok := f.data[key]
	return value, ok
}

type fakeTxn struct {
	kv    *fakeKV
	cmps  []clientv3.Cmp
	thens []clientv3.Op
	elses []clientv3.Op
}

func (t *fakeTxn) If(cs ...clientv3.Cmp) clientv3.Txn {
	t.cmps = append(t.cmps, cs...)
	return t
}

func (t *fakeTxn) Then(ops ...clientv3.Op) clientv3.Txn {
	t.thens = append(t.thens, ops...)
	return t
}

func (t *fakeTxn) Else(ops ...clientv3.Op) clientv3.Txn {
	t.elses = append(t.elses, ops...)
	return t
}

func (t *fakeTxn) Commit() (*clientv3.TxnResponse, error) {
	if t.kv.onTxn != nil {
		hook := t.kv.onTxn
		t.kv.onTxn = nil
		hook(t.kv)
	}

	t.kv.mu.Lock()
	defer t.kv.mu.Unlock()
	if t.kv.err != nil {
		return nil, t.kv.err
	}
	t.kv.txns++

	succeeded := true
	for i := range t.cmps {
		if !t.kv.holdsLocked(&t.cmps[i]) {
			succeeded = false
			break
		}
	}

	ops := t.thens
	if !succeeded {
		ops = t.elses
	}
	resp := &clientv3.TxnResponse{Succeeded: succeeded}
	for _, op := range ops {
		key := string(op.KeyBytes())
		switch {
		case op.IsPut():
			t.kv.data[key] = string(op.ValueBytes())
			t.kv.puts++
			resp.Responses = append(resp.Responses, &pb.ResponseOp{
				Response: &pb.ResponseOp_ResponsePut{ResponsePut: &pb.PutResponse{}},
			})
		case op.IsGet():
			resp.Responses = append(resp.Responses, &pb.ResponseOp{
				Response: &pb.ResponseOp_ResponseRange{ResponseRange: t.kv.rangeLocked(key)},
			})
		}
	}
	return resp, nil
}

// holdsLocked supports the two equality comparisons the store issues.
func (f *fakeKV) holdsLocked(cmp *clientv3.Cmp) bool {
	current, present := f.data[string(cmp.KeyBytes())]
	switch cmp.Target {
	case pb.Compare_CREATE:
		return !present
	case pb.Compare_VALUE:
		return present && current == string(cmp.ValueBytes())
	default:
		return false
	}
}

var _ = Describe("EtcdStore", func() {
	const key = "/mriya/scaleway/default_volume_id"

	var (
		kv    *fakeKV
		store *EtcdStore
		ctx   context.Context
	)

	BeforeEach(func() {
		ctx = context.Background()
		kv = newFakeKV()
		store = newEtcdStoreWithKV(kv, key)
	})

	It("reports no volume for an absent key", func() {
		id, err := store.CurrentVolumeID(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(id).To(BeEmpty())
	})

	It("creates the key when absent", func() {
		location, err := store.WriteVolumeID(ctx, " vol-1 ", false)
		Expect(err).NotTo(HaveOccurred())
		Expect(location).To(Equal("etcd:" + key))

		value, ok := kv.value(key)
		Expect(ok).To(BeTrue())
		Expect(value).To(Equal("vol-1"))
	})

	It("refuses to replace a stored id without force", func() {
		kv.data[key] = " vol-old\n"

		_, err := store.WriteVolumeID(ctx, "vol-new", false)
		Expect(err).To(MatchError("default volume ID already configured as vol-old; rerun with --force to replace it"))

		value, _ := kv.value(key)
		Expect(value).To(Equal(" vol-old\n"))
	})

	It("replaces a blank value", func() {
		kv.data[key] = "  "

		_, err := store.WriteVolumeID(ctx, "vol-2", false)
		Expect(err).NotTo(HaveOccurred())
		value, _ := kv.value(key)
		Expect(value).To(Equal("vol-2"))
		Expect(kv.txns).To(Equal(2))
	})

	It("reports a concurrent writer that wins the race", func() {
		kv.data[key] = ""
		calls := 0
		var race func(*fakeKV)
		race = func(f *fakeKV) {
			calls++
			if calls == 2 {
				f.data[key] = "vol-other"
				return
			}
			f.onTxn = race
		}
		kv.onTxn = race

		_, err := store.WriteVolumeID(ctx, "vol-mine", false)
		Expect(err).To(MatchError(AlreadyConfigured("vol-other")))
		value, _ := kv.value(key)
		Expect(value).To(Equal("vol-other"))
	})

	It("overwrites with force", func() {
		kv.data[key] = "vol-old"

		_, err := store.WriteVolumeID(ctx, "vol-new", true)
		Expect(err).NotTo(HaveOccurred())
		value, _ := kv.value(key)
		Expect(value).To(Equal("vol-new"))
		Expect(kv.txns).To(BeZero())
	})

	It("classifies etcd failures as unavailable", func() {
		kv.err = errors.New("context deadline exceeded")

		_, err := store.CurrentVolumeID(ctx)
		var storeErr *Error
		Expect(errors.As(err, &storeErr)).To(BeTrue())
		Expect(storeErr.Kind).To(Equal(KindUnavailable))
		Expect(err).To(MatchError("failed to access etcd key " + key + ": context deadline exceeded"))

		_, err = store.WriteVolumeID(ctx, "vol-1", false)
		Expect(errors.As(err, &storeErr)).To(BeTrue())
		Expect(storeErr.Kind).To(Equal(KindUnavailable))
	})
})

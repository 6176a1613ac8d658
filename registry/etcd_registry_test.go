package registry

import (
	"os"
	"strings"
	"testing"
	"time"
)

// etcdRegistry dials the endpoints named in FINALRPC_ETCD_ENDPOINTS, or
// skips when the variable is unset. The registry tests need a live etcd.
func etcdRegistry(t *testing.T) *EtcdRegistry {
	t.Helper()
	endpoints := os.Getenv("FINALRPC_ETCD_ENDPOINTS")
	if endpoints == "" {
		t.Skip("FINALRPC_ETCD_ENDPOINTS not set")
	}
	reg, err := NewEtcdRegistry(strings.Split(endpoints, ","))
	if err != nil {
		t.Fatal(err)
	}
	return reg
}

func TestRegisterAndDiscover(t *testing.T) {
	reg := etcdRegistry(t)

	inst1 := ServiceInstance{Addr: "127.0.0.1:8001", Weight: 10, Version: "1.0"}
	inst2 := ServiceInstance{Addr: "127.0.0.1:8002", Weight: 5, Version: "1.0"}

	if err := reg.Register("Calc", inst1, 10); err != nil {
		t.Fatal(err)
	}
	if err := reg.Register("Calc", inst2, 10); err != nil {
		t.Fatal(err)
	}

	instances, err := reg.Discover("Calc")
	if err != nil {
		t.Fatal(err)
	}
	if len(instances) != 2 {
		t.Fatalf("expect 2 instances, got %d", len(instances))
	}

	if err := reg.Deregister("Calc", inst1.Addr); err != nil {
		t.Fatal(err)
	}

	time.Sleep(100 * time.Millisecond)

	instances, err = reg.Discover("Calc")
	if err != nil {
		t.Fatal(err)
	}
	if len(instances) != 1 {
		t.Fatalf("expect 1 instance after deregister, got %d", len(instances))
	}
	if instances[0].Addr != inst2.Addr {
		t.Fatalf("expect %s, got %s", inst2.Addr, instances[0].Addr)
	}

	reg.Deregister("Calc", inst2.Addr)
}

func TestWatchSeesChanges(t *testing.T) {
	reg := etcdRegistry(t)

	ch := reg.Watch("WatchCalc")

	inst := ServiceInstance{Addr: "127.0.0.1:8010", Weight: 1, Version: "1.0"}
	if err := reg.Register("WatchCalc", inst, 10); err != nil {
		t.Fatal(err)
	}
	defer reg.Deregister("WatchCalc", inst.Addr)

	select {
	case instances := <-ch:
		found := false
		for _, got := range instances {
			if got.Addr == inst.Addr {
				found = true
			}
		}
		if !found {
			t.Fatalf("watch update is missing the new endpoint: %v", instances)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("watch never reported the registration")
	}
}

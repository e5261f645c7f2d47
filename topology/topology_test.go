package topology

import "testing"

func TestDiscoverNeverReturnsNil(t *testing.T) {
	topo := Discover()
	if topo == nil {
		t.Fatal("Discover returned nil")
	}
	// At-least-one-NIC is not guaranteed on a host with only loopback, but
	// NicsForMemory must never panic and must degrade to AllNics when
	// nothing more specific is known.
	nics := topo.NicsForMemory(0, -1, false)
	if len(nics) != len(topo.AllNics()) && topo.Discovered() {
		// On a discovered topology NicsForMemory may legitimately return a
		// proper subset, so the difference is only logged here; the
		// undiscovered fallback is checked in TestUniformFallbackSeesEveryNic.
		t.Logf("nics=%v allNics=%v (subset is fine when discovered)", nics, topo.AllNics())
	}
}

func TestUniformFallbackSeesEveryNic(t *testing.T) {
	topo := uniformTopology([]string{"eth0", "eth1"})
	if topo.Discovered() {
		t.Fatal("uniformTopology should report undiscovered")
	}
	got := topo.NicsForMemory(5, 3, true)
	if len(got) != 2 {
		t.Fatalf("NicsForMemory on undiscovered topology = %v, want all nics", got)
	}
}

func TestPciBusPrefix(t *testing.T) {
	cases := map[string]string{
		"0000:3b:00.0": "0000:3b",
		"0000:af:01.1": "0000:af",
	}
	for addr, want := range cases {
		if got := pciBusPrefix(addr); got != want {
			t.Errorf("pciBusPrefix(%q) = %q, want %q", addr, got, want)
		}
	}
}

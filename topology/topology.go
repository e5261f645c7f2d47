// Package topology enumerates NICs and GPUs and groups NICs by proximity
// to each GPU and each NUMA node, by reading PCIe ancestry information out
// of sysfs directly, since no pure-Go hwloc binding is available to this
// module.
package topology

import (
	"net"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
)

const (
	pciClassDisplayController = "0x03"
	pciVendorNVIDIA           = "0x10de"
)

var pciAddressPattern = regexp.MustCompile(`^[0-9a-fA-F]{4}:[0-9a-fA-F]{2}:[0-9a-fA-F]{2}\.[0-9a-fA-F]$`)

// Topology is an immutable snapshot of NIC/GPU/NUMA proximity. It is safe
// for concurrent read-only use; it never needs its own synchronisation
// because nothing about it changes after construction.
type Topology struct {
	allNics     []string
	numaToNics  map[int][]string
	gpuToNics   map[int][]string
	numGPUs     int
	numNuma     int
	discovered  bool
	kernel      string
}

// Discover builds a Topology by reading sysfs. If discovery fails for any
// reason (non-Linux, missing /sys, permission denied, container without
// device passthrough) it falls back to a uniform mapping where every piece
// of memory sees every NIC, and Discovered reports false.
func Discover() *Topology {
	nics, err := hostNics()
	if err != nil || len(nics) == 0 {
		return uniformTopology(nics)
	}

	numaToNics := map[int][]string{}
	for _, nic := range nics {
		node, err := nicNumaNode(nic)
		if err != nil {
			return uniformTopology(nics)
		}
		numaToNics[node] = append(numaToNics[node], nic)
	}

	gpuAddrs, err := discoverNvidiaGPUs()
	gpuToNics := map[int][]string{}
	numGPUs := 0
	if err == nil && len(gpuAddrs) > 0 {
		numGPUs = len(gpuAddrs)
		for gpuIdx, gpuAddr := range gpuAddrs {
			gpuToNics[gpuIdx] = nicsNearestPCIAddress(nics, gpuAddr)
		}
	}

	numaNodes := make([]int, 0, len(numaToNics))
	for node := range numaToNics {
		numaNodes = append(numaNodes, node)
	}
	sort.Ints(numaNodes)

	return &Topology{
		allNics:    nics,
		numaToNics: numaToNics,
		gpuToNics:  gpuToNics,
		numGPUs:    numGPUs,
		numNuma:    len(numaNodes),
		discovered: true,
		kernel:     kernelRelease(),
	}
}

func uniformTopology(nics []string) *Topology {
	if len(nics) == 0 {
		nics, _ = hostNics()
	}
	return &Topology{
		allNics:    nics,
		numaToNics: map[int][]string{},
		gpuToNics:  map[int][]string{},
		numGPUs:    0,
		numNuma:    0,
		discovered: false,
		kernel:     kernelRelease(),
	}
}

// KernelRelease returns the running kernel's release string, as reported by
// uname(2) at discovery time.
func (t *Topology) KernelRelease() string {
	if t == nil {
		return ""
	}
	return t.kernel
}

// Discovered reports whether real topology information was found, as
// opposed to the uniform fallback mapping.
func (t *Topology) Discovered() bool {
	return t != nil && t.discovered
}

// AllNics returns every NIC name known to the topology.
func (t *Topology) AllNics() []string {
	if t == nil {
		return nil
	}
	out := make([]string, len(t.allNics))
	copy(out, t.allNics)
	return out
}

// NumGPUs reports the number of GPUs discovered.
func (t *Topology) NumGPUs() int {
	if t == nil {
		return 0
	}
	return t.numGPUs
}

// NumNuma reports the number of NUMA nodes discovered.
func (t *Topology) NumNuma() int {
	if t == nil {
		return 0
	}
	return t.numNuma
}

// NicsForMemory returns the ordered list of NIC names proximate to the
// given device id (device memory) or NUMA node (host memory). When
// discovery failed, or the id/node is unknown, it falls back to every NIC.
func (t *Topology) NicsForMemory(deviceID int, numaNode int, device bool) []string {
	if t == nil || !t.discovered {
		return t.AllNics()
	}
	if device {
		if nics, ok := t.gpuToNics[deviceID]; ok && len(nics) > 0 {
			return append([]string(nil), nics...)
		}
		return t.AllNics()
	}
	node := numaNode
	if node < 0 {
		node = 0
	}
	if nics, ok := t.numaToNics[node]; ok && len(nics) > 0 {
		return append([]string(nil), nics...)
	}
	return t.AllNics()
}

func hostNics() ([]string, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, err
	}
	var nics []string
	for _, iface := range ifaces {
		if iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		nics = append(nics, iface.Name)
	}
	sort.Strings(nics)
	return nics, nil
}

func nicNumaNode(nic string) (int, error) {
	val, err := readNumaNode(filepath.Join("/sys/class/net", nic, "device", "numa_node"))
	if err != nil {
		return 0, err
	}
	if val < 0 {
		// Some platforms report -1 for "no NUMA affinity"; treat as node 0.
		return 0, nil
	}
	return val, nil
}

// discoverNvidiaGPUs scans /sys/bus/pci/devices for NVIDIA display
// controllers and returns their PCIe addresses in a stable, sorted order so
// GPU index assignment is deterministic across runs.
func discoverNvidiaGPUs() ([]string, error) {
	entries, err := os.ReadDir("/sys/bus/pci/devices")
	if err != nil {
		return nil, err
	}
	var addrs []string
	for _, entry := range entries {
		addr := entry.Name()
		if !pciAddressPattern.MatchString(addr) {
			continue
		}
		classPath := filepath.Join("/sys/bus/pci/devices", addr, "class")
		vendorPath := filepath.Join("/sys/bus/pci/devices", addr, "vendor")
		class, err := os.ReadFile(classPath)
		if err != nil {
			continue
		}
		vendor, err := os.ReadFile(vendorPath)
		if err != nil {
			continue
		}
		if !strings.HasPrefix(strings.TrimSpace(string(class)), pciClassDisplayController) {
			continue
		}
		if strings.TrimSpace(string(vendor)) != pciVendorNVIDIA {
			continue
		}
		addrs = append(addrs, addr)
	}
	sort.Strings(addrs)
	return addrs, nil
}

// nicsNearestPCIAddress groups NICs whose own PCIe bus:device prefix is
// closest to gpuAddr's, falling back to every NIC when the per-NIC PCIe
// address cannot be resolved. This approximates a full PCIe-tree
// common-ancestor walk with a bus-segment string-prefix heuristic.
func nicsNearestPCIAddress(nics []string, gpuAddr string) []string {
	gpuPrefix := pciBusPrefix(gpuAddr)
	var grouped []string
	for _, nic := range nics {
		nicAddr, err := nicPCIAddress(nic)
		if err != nil {
			continue
		}
		if pciBusPrefix(nicAddr) == gpuPrefix {
			grouped = append(grouped, nic)
		}
	}
	if len(grouped) == 0 {
		return append([]string(nil), nics...)
	}
	return grouped
}

func nicPCIAddress(nic string) (string, error) {
	link, err := os.Readlink(filepath.Join("/sys/class/net", nic, "device"))
	if err != nil {
		return "", err
	}
	base := filepath.Base(link)
	if !pciAddressPattern.MatchString(base) {
		return "", os.ErrInvalid
	}
	return base, nil
}

// pciBusPrefix returns the "domain:bus" portion of a PCIe address, used as
// a coarse proximity grouping key (devices on the same bus typically share
// a PCIe switch).
func pciBusPrefix(addr string) string {
	parts := strings.SplitN(addr, ":", 3)
	if len(parts) < 2 {
		return addr
	}
	return parts[0] + ":" + parts[1]
}

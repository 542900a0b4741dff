package scanner

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"sort"
	"sync"

	"github.com/remeh/sizedwaitgroup"

	"github.com/harborglow/hashlab/internal/collector"
	"github.com/harborglow/hashlab/internal/storage"
)

// InfoFetcher returns the raw info payload of a host.
type InfoFetcher interface {
	FetchInfo(ctx context.Context, address string) (map[string]any, error)
}

// ScanResult represents a discovered miner
type ScanResult struct {
	Address     string             `json:"address"`
	Kind        storage.DeviceKind `json:"type"`
	Model       string             `json:"model,omitempty"`
	Hostname    string             `json:"hostname,omitempty"`
	HashrateTHs float64            `json:"hashrate_ths"`
}

// Scanner scans networks for BG02 and NerdQAxe firmware
type Scanner struct {
	client      InfoFetcher
	concurrency int
}

// NewScanner creates a Scanner probing at most concurrency hosts at once.
func NewScanner(client InfoFetcher, concurrency int) *Scanner {
	if concurrency <= 0 {
		concurrency = 50
	}
	return &Scanner{client: client, concurrency: concurrency}
}

// DetectAllSubnets returns all local subnets from all network interfaces
func DetectAllSubnets() []string {
	interfaces, err := net.Interfaces()
	if err != nil {
		return nil
	}

	seen := make(map[string]bool)
	var subnets []string

	for _, iface := range interfaces {
		if iface.Flags&net.FlagLoopback != 0 || iface.Flags&net.FlagUp == 0 {
			continue
		}

		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}

		for _, addr := range addrs {
			ipNet, ok := addr.(*net.IPNet)
			if !ok {
				continue
			}
			if subnet, ok := lanSubnet(ipNet.IP); ok && !seen[subnet] {
				seen[subnet] = true
				subnets = append(subnets, subnet)
			}
		}
	}

	return subnets
}

// lanSubnet returns the /24 around ip, skipping IPv6, loopback, link-local
// and Docker bridge ranges.
func lanSubnet(ip net.IP) (string, bool) {
	ip = ip.To4()
	if ip == nil || ip.IsLoopback() {
		return "", false
	}
	if ip[0] == 169 && ip[1] == 254 {
		return "", false
	}
	if ip[0] == 172 && ip[1] >= 16 && ip[1] <= 31 {
		return "", false
	}
	network := ip.Mask(net.CIDRMask(24, 32))
	return fmt.Sprintf("%s/24", network.String()), true
}

// Scan probes every host of subnet and returns the supported miners ordered
// by address. A cancelled context stops scheduling new probes.
func (s *Scanner) Scan(ctx context.Context, subnet string) ([]ScanResult, error) {
	ips, err := expandSubnet(subnet)
	if err != nil {
		return nil, fmt.Errorf("failed to expand subnet: %w", err)
	}

	var (
		results []ScanResult
		mu      sync.Mutex
	)
	swg := sizedwaitgroup.New(s.concurrency)

	for _, ip := range ips {
		if ctx.Err() != nil {
			break
		}
		swg.Add()
		go func(ip string) {
			defer swg.Done()
			if result, ok := s.ScanSingle(ctx, ip); ok {
				mu.Lock()
				results = append(results, result)
				mu.Unlock()
			}
		}(ip)
	}
	swg.Wait()

	sort.Slice(results, func(i, j int) bool {
		return bytes.Compare(net.ParseIP(results[i].Address).To4(), net.ParseIP(results[j].Address).To4()) < 0
	})
	if err := ctx.Err(); err != nil {
		return results, err
	}
	return results, nil
}

// ScanSingle checks one address for a supported miner.
func (s *Scanner) ScanSingle(ctx context.Context, address string) (ScanResult, bool) {
	info, err := s.client.FetchInfo(ctx, address)
	if err != nil {
		return ScanResult{}, false
	}
	kind := collector.ClassifyDevice(info)
	if kind == storage.DeviceUnknown {
		return ScanResult{}, false
	}
	sample := collector.Normalize(address, info)
	return ScanResult{
		Address:     address,
		Kind:        kind,
		Model:       sample.Model,
		Hostname:    stringValue(info, "hostname"),
		HashrateTHs: sample.Hashrate1m,
	}, true
}

func stringValue(info map[string]any, key string) string {
	if v, ok := info[key].(string); ok {
		return v
	}
	return ""
}

// expandSubnet converts CIDR to list of IPs (excluding network and broadcast addresses)
func expandSubnet(subnet string) ([]string, error) {
	_, ipNet, err := net.ParseCIDR(subnet)
	if err != nil {
		return nil, fmt.Errorf("invalid subnet CIDR: %w", err)
	}

	ip := ipNet.IP.To4()
	if ip == nil {
		return nil, fmt.Errorf("only IPv4 subnets are supported")
	}
	if ones, _ := ipNet.Mask.Size(); ones < 16 {
		return nil, fmt.Errorf("subnet %s is too large to scan", subnet)
	}

	mask := ipNet.Mask
	broadcastAddr := make(net.IP, len(ip))
	for i := 0; i < len(ip); i++ {
		broadcastAddr[i] = ip[i] | ^mask[i]
	}

	currentIP := make(net.IP, len(ip))
	copy(currentIP, ip)
	incIP(currentIP) // skip network address

	var ips []string
	for ipNet.Contains(currentIP) {
		if currentIP.Equal(broadcastAddr) {
			break
		}
		ips = append(ips, currentIP.String())
		incIP(currentIP)
	}

	return ips, nil
}

// incIP increments an IP address by 1
func incIP(ip net.IP) {
	for i := len(ip) - 1; i >= 0; i-- {
		ip[i]++
		if ip[i] > 0 {
			break
		}
	}
}

package scanner

import (
	"context"
	"errors"
	"net"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/harborglow/hashlab/internal/storage"
)

type fakeFetcher struct {
	hosts map[string]map[string]any
	calls atomic.Int32
}

func (f *fakeFetcher) FetchInfo(_ context.Context, address string) (map[string]any, error) {
	f.calls.Add(1)
	if info, ok := f.hosts[address]; ok {
		return info, nil
	}
	return nil, errors.New("connection refused")
}

func TestExpandSubnet(t *testing.T) {
	tests := []struct {
		name      string
		subnet    string
		wantCount int
		wantFirst string
		wantLast  string
		wantErr   bool
	}{
		{
			name:      "standard /24 network",
			subnet:    "192.168.1.0/24",
			wantCount: 254,
			wantFirst: "192.168.1.1",
			wantLast:  "192.168.1.254",
		},
		{
			name:      "host bits are ignored",
			subnet:    "10.7.7.42/24",
			wantCount: 254,
			wantFirst: "10.7.7.1",
			wantLast:  "10.7.7.254",
		},
		{
			name:      "smaller /28 network",
			subnet:    "192.168.1.0/28",
			wantCount: 14, // 16 - 2 (network and broadcast)
			wantFirst: "192.168.1.1",
			wantLast:  "192.168.1.14",
		},
		{
			name:    "invalid CIDR",
			subnet:  "invalid",
			wantErr: true,
		},
		{
			name:    "missing mask",
			subnet:  "192.168.1.0",
			wantErr: true,
		},
		{
			name:    "IPv6",
			subnet:  "fd00::/120",
			wantErr: true,
		},
		{
			name:    "too large",
			subnet:  "10.0.0.0/8",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ips, err := expandSubnet(tt.subnet)

			if tt.wantErr {
				if err == nil {
					t.Errorf("expandSubnet(%q) expected error, got nil", tt.subnet)
				}
				return
			}
			if err != nil {
				t.Fatalf("expandSubnet(%q) unexpected error: %v", tt.subnet, err)
			}
			if len(ips) != tt.wantCount {
				t.Errorf("expandSubnet(%q) got %d IPs, want %d", tt.subnet, len(ips), tt.wantCount)
			}
			if len(ips) > 0 {
				if ips[0] != tt.wantFirst {
					t.Errorf("first IP = %q, want %q", ips[0], tt.wantFirst)
				}
				if ips[len(ips)-1] != tt.wantLast {
					t.Errorf("last IP = %q, want %q", ips[len(ips)-1], tt.wantLast)
				}
			}
		})
	}
}

func TestExpandSubnetExcludesNetworkAndBroadcast(t *testing.T) {
	ips, err := expandSubnet("192.168.1.0/24")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for _, ip := range ips {
		if strings.HasSuffix(ip, ".0") || strings.HasSuffix(ip, ".255") {
			t.Errorf("network or broadcast address in list: %s", ip)
		}
	}
}

func TestIncIP(t *testing.T) {
	tests := []struct {
		startIP  string
		expected string
	}{
		{"192.168.1.1", "192.168.1.2"},
		{"192.168.1.255", "192.168.2.0"},
		{"192.168.255.255", "192.169.0.0"},
	}
	for _, tt := range tests {
		t.Run(tt.startIP, func(t *testing.T) {
			ip := net.ParseIP(tt.startIP).To4()
			incIP(ip)
			if got := ip.String(); got != tt.expected {
				t.Errorf("incIP(%s) = %s, want %s", tt.startIP, got, tt.expected)
			}
		})
	}
}

func TestLanSubnet(t *testing.T) {
	tests := []struct {
		ip   string
		want string
		ok   bool
	}{
		{"192.168.1.77", "192.168.1.0/24", true},
		{"10.7.7.3", "10.7.7.0/24", true},
		{"127.0.0.1", "", false},
		{"169.254.3.4", "", false},
		{"172.17.0.2", "", false},
		{"fe80::1", "", false},
	}
	for _, tt := range tests {
		got, ok := lanSubnet(net.ParseIP(tt.ip))
		if got != tt.want || ok != tt.ok {
			t.Errorf("lanSubnet(%s) = %q %v", tt.ip, got, ok)
		}
	}
}

func TestScan(t *testing.T) {
	f := &fakeFetcher{hosts: map[string]map[string]any{
		"192.168.1.20": {"deviceModel": "NerdQAxe++", "hostname": "nerd", "hashRate": 4800.0},
		"192.168.1.3":  {"minerModel": "BG02", "hostname": "bg", "hashRate_1m": 1200.0},
		"192.168.1.9":  {"hostname": "printer"},
	}}
	s := NewScanner(f, 8)

	results, err := s.Scan(context.Background(), "192.168.1.0/27")
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if got := f.calls.Load(); got != 30 {
		t.Errorf("probed %d hosts, want 30", got)
	}
	if len(results) != 2 {
		t.Fatalf("results = %+v", results)
	}
	if results[0].Address != "192.168.1.3" || results[0].Kind != storage.DeviceBG02 || results[0].HashrateTHs != 1.2 {
		t.Errorf("first = %+v", results[0])
	}
	if results[1].Kind != storage.DeviceNerdQ || results[1].Model != "NerdQAxe++" || results[1].Hostname != "nerd" {
		t.Errorf("second = %+v", results[1])
	}
}

func TestScanContextCancellation(t *testing.T) {
	f := &fakeFetcher{}
	s := NewScanner(f, 4)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	results, err := s.Scan(ctx, "192.168.1.0/24")
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
	if len(results) != 0 || f.calls.Load() != 0 {
		t.Errorf("cancelled scan probed %d hosts", f.calls.Load())
	}
}

func TestNewScanner_DefaultConcurrency(t *testing.T) {
	if s := NewScanner(&fakeFetcher{}, 0); s.concurrency != 50 {
		t.Errorf("concurrency = %d, want 50", s.concurrency)
	}
}

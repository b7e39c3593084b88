package model

import (
	"encoding/json"
	"net/netip"
	"testing"
)

func mustKey(t *testing.T, seed byte) Key {
	t.Helper()
	var k Key
	for i := range k {
		k[i] = seed
	}
	return k
}

func TestDesiredStateRoundTrip(t *testing.T) {
	desired := DesiredState{
		2001: NetworkSpec{
			PrivateKey: mustKey(t, 1),
			Address:    []netip.Prefix{netip.MustParsePrefix("10.0.0.1/16")},
			Peers: []PeerSpec{{
				PublicKey:  mustKey(t, 2),
				AllowedIPs: []netip.Prefix{netip.MustParsePrefix("10.0.0.2/32")},
			}},
			Proxy: ProxyMap{
				"a.example": {Upstreams: []netip.AddrPort{netip.MustParseAddrPort("10.0.0.2:443")}},
			},
		},
	}

	data, err := json.Marshal(desired)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var got DesiredState
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	data2, err := json.Marshal(got)
	if err != nil {
		t.Fatalf("re-marshal: %v", err)
	}
	if string(data) != string(data2) {
		t.Fatalf("round trip not byte-stable:\n%s\n%s", data, data2)
	}
}

func TestPortOf(t *testing.T) {
	cases := []struct {
		in      string
		wantErr bool
	}{
		{"2001", false},
		{"1", false},
		{"65535", false},
		{"0", true},
		{"65536", true},
		{"-1", true},
		{"01", true},
		{"abc", true},
	}
	for _, c := range cases {
		_, err := PortOf(c.in)
		if (err != nil) != c.wantErr {
			t.Errorf("PortOf(%q) error = %v, wantErr %v", c.in, err, c.wantErr)
		}
	}
}

const zeroKeyBase64 = "AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA="

func TestPeerEndpointAcceptsHostnames(t *testing.T) {
	raw := `{"2001": {"private_key":"` + zeroKeyBase64 + `","address":[],"peers":[
		{"public_key":"` + zeroKeyBase64 + `","endpoint":"vpn.example.com:51820","allowed_ips":[]}
	],"proxy":{}}}`
	var d DesiredState
	if err := json.Unmarshal([]byte(raw), &d); err != nil {
		t.Fatalf("unmarshal with hostname endpoint: %v", err)
	}
	got := d[2001].Peers[0].Endpoint
	if got != "vpn.example.com:51820" {
		t.Fatalf("Endpoint = %q, want %q", got, "vpn.example.com:51820")
	}
}

func TestPeerEndpointRejectsMissingPort(t *testing.T) {
	raw := `{"2001": {"private_key":"` + zeroKeyBase64 + `","address":[],"peers":[
		{"public_key":"` + zeroKeyBase64 + `","endpoint":"vpn.example.com","allowed_ips":[]}
	],"proxy":{}}}`
	var d DesiredState
	if err := json.Unmarshal([]byte(raw), &d); err == nil {
		t.Fatal("expected error for endpoint missing a port")
	}
}

func TestUnmarshalRejectsDuplicatePorts(t *testing.T) {
	// JSON objects can't have literal duplicate keys from encoding/json's
	// own decoder, but "02001" vs "2001" would collide after PortOf
	// canonicalization if PortOf didn't reject non-canonical forms first.
	raw := `{"02001": {"private_key":"","address":[],"peers":[],"proxy":{}}}`
	var d DesiredState
	if err := json.Unmarshal([]byte(raw), &d); err == nil {
		t.Fatal("expected error for non-canonical port key")
	}
}

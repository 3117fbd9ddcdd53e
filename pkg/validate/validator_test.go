package validate

import (
	"context"
	"errors"
	"net"
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Sriram-PR/link-archiver/pkg/models"
)

// staticResolver answers from a fixed table; unknown hosts fail like NXDOMAIN
type staticResolver map[string][]string

func (r staticResolver) LookupIPAddr(_ context.Context, host string) ([]net.IPAddr, error) {
	ips, ok := r[host]
	if !ok {
		return nil, &net.DNSError{Err: "no such host", Name: host, IsNotFound: true}
	}
	out := make([]net.IPAddr, 0, len(ips))
	for _, ip := range ips {
		out = append(out, net.IPAddr{IP: net.ParseIP(ip)})
	}
	return out, nil
}

func newTestValidator() *Validator {
	return NewValidator(staticResolver{
		"example.com":       {"93.184.216.34"},
		"localhost":         {"127.0.0.1", "::1"},
		"internal.corp":     {"10.1.2.3"},
		"mixed.example":     {"93.184.216.34", "192.168.1.10"},
		"metadata.internal": {"169.254.169.254"},
		"empty.example":     {},
		"v6.example":        {"2606:2800:220:1:248:1893:25c8:1946"},
	}, nil)
}

func requireFetchError(t *testing.T, err error, code models.ErrorCode) *models.FetchError {
	t.Helper()
	require.Error(t, err)
	var fe *models.FetchError
	require.True(t, errors.As(err, &fe), "expected *models.FetchError, got %T", err)
	assert.Equal(t, code, fe.Code)
	return fe
}

func TestValidate_AllowsPublicHosts(t *testing.T) {
	v := newTestValidator()
	for _, raw := range []string{
		"https://example.com/article",
		"http://example.com",
		"HTTPS://example.com/path?q=1",
		"https://v6.example/",
		"https://93.184.216.34/",
	} {
		got, err := v.Validate(context.Background(), raw)
		require.NoError(t, err, raw)
		assert.NotEmpty(t, got)
	}
}

func TestValidate_RejectsMalformedOrUnsupported(t *testing.T) {
	v := newTestValidator()
	for _, raw := range []string{
		"not a url",
		"ftp://example.com/file",
		"file:///etc/passwd",
		"javascript:alert(1)",
		"https://",
		"://missing-scheme",
		"https://nonexistent.invalid/",
		"https://empty.example/",
	} {
		_, err := v.Validate(context.Background(), raw)
		requireFetchError(t, err, models.ErrorCodeInvalidURL)
	}
}

func TestValidate_BlocksReservedAddresses(t *testing.T) {
	v := newTestValidator()
	tests := []string{
		"http://127.0.0.1/",
		"http://localhost:8080/admin",
		"http://[::1]/",
		"http://192.168.1.1/",
		"http://10.0.0.5/",
		"http://172.16.4.4/",
		"http://169.254.169.254/latest/meta-data/",
		"http://metadata.internal/",
		"http://internal.corp/",
		"http://mixed.example/",
		"http://0.0.0.0/",
		"http://[fe80::1]/",
		"http://[fd00::1]/",
		"http://[::ffff:127.0.0.1]/",
		"http://[::1%25lo]/",
		"http://[fe80::1%25eth0]:8080/",
		"http://[fec0::1]/",
		"http://[2002:a00:1::]/",
	}
	for _, raw := range tests {
		_, err := v.Validate(context.Background(), raw)
		fe := requireFetchError(t, err, models.ErrorCodeBlocked)
		assert.NotEmpty(t, fe.Details["resolved_ip"], raw)
	}
}

func TestIsReservedIP(t *testing.T) {
	tests := []struct {
		ip   string
		want bool
	}{
		{"8.8.8.8", false},
		{"93.184.216.34", false},
		{"100.63.255.255", false},
		{"100.64.0.1", true},
		{"172.15.255.255", false},
		{"172.31.255.255", true},
		{"198.51.100.7", true},
		{"224.0.0.1", true},
		{"255.255.255.255", true},
		{"2001:4860:4860::8888", false},
		{"2001:db8::1", true},
		{"ff02::1", true},
		{"::ffff:10.0.0.1", true},
		{"::ffff:8.8.8.8", false},
		{"::1%lo", true},
		{"fe80::1%eth0", true},
		{"fd12:3456::1%2", true},
		{"2606:2800:220:1::1%eth0", false},
		{"fec0::1", true},
		{"2002:c0a8:101::1", true},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, IsReservedIP(netip.MustParseAddr(tt.ip)), tt.ip)
	}
	assert.True(t, IsReservedIP(netip.Addr{}), "zero Addr must be treated as reserved")
}

func TestValidate_IsStateless(t *testing.T) {
	v := newTestValidator()
	_, err := v.Validate(context.Background(), "http://127.0.0.1/")
	require.Error(t, err)
	_, err = v.Validate(context.Background(), "https://example.com/")
	require.NoError(t, err)
}

package fetch

import (
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/Sriram-PR/link-archiver/pkg/config"
	"github.com/Sriram-PR/link-archiver/pkg/utils"
	"github.com/Sriram-PR/link-archiver/pkg/validate"
)

// NewClient creates the archiving HTTP client from the provided configuration.
// Redirects are never followed automatically: the Fetcher validates each hop itself.
// Every dial is checked against the reserved ranges after DNS resolution, so a host
// that re-resolves to a private address between validation and connect is refused.
func NewClient(cfg config.HTTPClientConfig, log *logrus.Entry) *http.Client {
	log.Info("Initializing HTTP client...")

	dialer := &net.Dialer{
		Timeout:   cfg.ConnectTimeout,
		KeepAlive: cfg.DialerKeepAlive,
		Control:   guardDial,
	}

	transport := &http.Transport{
		Proxy:                  nil, // A proxy would hide the real peer from guardDial
		DialContext:            dialer.DialContext,
		ForceAttemptHTTP2:      true,
		MaxIdleConns:           cfg.MaxIdleConns,
		MaxIdleConnsPerHost:    cfg.MaxIdleConnsPerHost,
		IdleConnTimeout:        cfg.IdleConnTimeout,
		TLSHandshakeTimeout:    cfg.TLSHandshakeTimeout,
		ExpectContinueTimeout:  cfg.ExpectContinueTimeout,
		ResponseHeaderTimeout:  cfg.ReadTimeout,
		MaxResponseHeaderBytes: 1 << 20,
	}
	if cfg.ForceAttemptHTTP2 != nil {
		transport.ForceAttemptHTTP2 = *cfg.ForceAttemptHTTP2
	}

	client := &http.Client{
		// Connect and read budgets together bound one request, identically on every attempt
		Timeout:   cfg.ConnectTimeout + cfg.ReadTimeout,
		Transport: transport,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
	log.WithFields(logrus.Fields{
		"connect_timeout": cfg.ConnectTimeout,
		"read_timeout":    cfg.ReadTimeout,
	}).Info("HTTP client initialized.")
	return client
}

// guardDial runs after DNS resolution with the concrete peer address
func guardDial(network, address string, _ syscall.RawConn) error {
	addrPort, err := netip.ParseAddrPort(address)
	if err != nil {
		return fmt.Errorf("%w: cannot parse dial address %q", utils.ErrBlocked, address)
	}
	if validate.IsReservedIP(addrPort.Addr()) {
		return fmt.Errorf("%w: refusing %s connection to reserved address %s", utils.ErrBlocked, network, addrPort.Addr())
	}
	return nil
}

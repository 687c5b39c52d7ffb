package transport

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"golang.org/x/net/proxy"
)

// NewHTTPTransport returns an http.Transport that egresses through the endpoint.
func NewHTTPTransport(ep *Endpoint) (*http.Transport, error) {
	dialer := &net.Dialer{
		Timeout:   30 * time.Second,
		KeepAlive: 30 * time.Second,
	}
	t := &http.Transport{
		DialContext:           dialer.DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          10,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: time.Second,
	}

	switch ep.Kind {
	case KindDirect:
		t.Proxy = nil
	case KindHTTP, KindHTTPS:
		t.Proxy = http.ProxyURL(ep.ProxyURL)
	case KindSOCKS5:
		d, err := proxy.FromURL(ep.ProxyURL, dialer)
		if err != nil {
			return nil, fmt.Errorf("build socks5 dialer for %s: %w", ep.Name, err)
		}
		ctxDialer, ok := d.(proxy.ContextDialer)
		if !ok {
			return nil, fmt.Errorf("socks5 dialer for %s does not support contexts", ep.Name)
		}
		t.DialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
			return ctxDialer.DialContext(ctx, network, addr)
		}
	default:
		return nil, fmt.Errorf("unsupported endpoint kind %q", ep.Kind)
	}
	return t, nil
}

// NewHTTPClient wraps NewHTTPTransport in a client with the given timeout.
func NewHTTPClient(ep *Endpoint, timeout time.Duration) (*http.Client, error) {
	t, err := NewHTTPTransport(ep)
	if err != nil {
		return nil, err
	}
	return &http.Client{Transport: t, Timeout: timeout}, nil
}

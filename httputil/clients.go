package httputil

import (
	"crypto/tls"
	"fmt"
	"net/http"
	"net/url"
	"time"
)

// MaxRedirects matches the in-document redirect hop limit of booking pages.
const MaxRedirects = 9

type Clients struct {
	Scraping *http.Client // optionally proxied, for booking pages
	API      *http.Client // direct, for login and catalog APIs
}

func NewClients(proxy string, timeout time.Duration) *Clients {
	transport := &http.Transport{
		ForceAttemptHTTP2: false,
		TLSNextProto:      make(map[string]func(string, *tls.Conn) http.RoundTripper),
	}
	if proxy != "" {
		if proxyURL, err := url.Parse(proxy); err == nil {
			transport.Proxy = http.ProxyURL(proxyURL)
		}
	}

	scraping := &http.Client{
		Timeout:   timeout,
		Transport: transport,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= MaxRedirects {
				return fmt.Errorf("stopped after %d redirects", MaxRedirects)
			}
			return nil
		},
	}

	return &Clients{
		Scraping: scraping,
		API:      &http.Client{Timeout: timeout},
	}
}

package httputil

import (
	"net/http"
	"time"

	"rental_dedupe/config"
)

type Clients struct {
	Images *http.Client // listing photo downloads
	API    *http.Client // AI comparison endpoint
}

func NewClients(cfg *config.Config) *Clients {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.MaxIdleConnsPerHost = max(cfg.Matching.ImageConcurrency, 2)

	return &Clients{
		Images: &http.Client{
			Timeout:   orDefault(cfg.Matching.ImageFetchTimeout, 10*time.Second),
			Transport: transport,
		},
		API: &http.Client{Timeout: orDefault(cfg.AI.Timeout, 30*time.Second)},
	}
}

func orDefault(d, fallback time.Duration) time.Duration {
	if d > 0 {
		return d
	}
	return fallback
}

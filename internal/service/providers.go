package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/netip"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"mailtrace/internal/model"
)

var (
	ErrProviderFailed = errors.New("geolocation provider failed")
	ErrQuotaExhausted = errors.New("provider quota exhausted")
)

// GeoProvider is one link of the geolocation fallback chain. A non-nil error
// means the next provider should be tried.
type GeoProvider interface {
	Name() string
	Lookup(ctx context.Context, addr netip.Addr) (model.Location, error)
}

type QuotaStore interface {
	Count(ctx context.Context, provider string) (int64, error)
	Increment(ctx context.Context, provider string) error
}

func NewHTTPClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			DialContext: (&net.Dialer{
				Timeout:   timeout,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 10,
			IdleConnTimeout:     90 * time.Second,
			TLSHandshakeTimeout: timeout,
			ForceAttemptHTTP2:   true,
		},
	}
}

type httpProvider struct {
	name    string
	baseURL string
	key     string
	client  *http.Client
}

func newHTTPProvider(name, baseURL, key string, client *http.Client) httpProvider {
	return httpProvider{
		name:    name,
		baseURL: strings.TrimRight(baseURL, "/"),
		key:     strings.TrimSpace(key),
		client:  client,
	}
}

func (p httpProvider) Name() string {
	return p.name
}

func (p httpProvider) getJSON(ctx context.Context, rawURL string, v any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return fmt.Errorf("%w: %s: creating request: %v", ErrProviderFailed, p.name, err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "mailtrace/1.0")

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrProviderFailed, p.name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return fmt.Errorf("%w: %s: unexpected status code: %d", ErrProviderFailed, p.name, resp.StatusCode)
	}

	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(v); err != nil {
		return fmt.Errorf("%w: %s: decoding response: %v", ErrProviderFailed, p.name, err)
	}
	return nil
}

// locationOf fills absent fields with the unknown sentinels.
func locationOf(city, region, country string) model.Location {
	loc := model.UnknownLocation
	if s := strings.TrimSpace(city); s != "" {
		loc.City = s
	}
	if s := strings.TrimSpace(region); s != "" {
		loc.Region = s
	}
	if s := strings.ToUpper(strings.TrimSpace(country)); s != "" {
		loc.Country = s
	}
	return loc
}

type IPInfoProvider struct {
	httpProvider
}

func NewIPInfoProvider(baseURL, token string, client *http.Client) *IPInfoProvider {
	return &IPInfoProvider{newHTTPProvider("ipinfo", baseURL, token, client)}
}

type ipinfoResponse struct {
	City    string `json:"city"`
	Region  string `json:"region"`
	Country string `json:"country"`
}

func (p *IPInfoProvider) Lookup(ctx context.Context, addr netip.Addr) (model.Location, error) {
	u := fmt.Sprintf("%s/%s/json?token=%s", p.baseURL, addr.String(), url.QueryEscape(p.key))

	var parsed ipinfoResponse
	if err := p.getJSON(ctx, u, &parsed); err != nil {
		return model.UnknownLocation, err
	}
	return locationOf(parsed.City, parsed.Region, parsed.Country), nil
}

type IPGeolocationProvider struct {
	httpProvider
}

func NewIPGeolocationProvider(baseURL, apiKey string, client *http.Client) *IPGeolocationProvider {
	return &IPGeolocationProvider{newHTTPProvider("ipgeolocation", baseURL, apiKey, client)}
}

type ipgeolocationResponse struct {
	City        string `json:"city"`
	StateProv   string `json:"state_prov"`
	CountryCode string `json:"country_code2"`
}

func (p *IPGeolocationProvider) Lookup(ctx context.Context, addr netip.Addr) (model.Location, error) {
	q := url.Values{}
	q.Set("apiKey", p.key)
	q.Set("ip", addr.String())
	u := fmt.Sprintf("%s/ipgeo?%s", p.baseURL, q.Encode())

	var parsed ipgeolocationResponse
	if err := p.getJSON(ctx, u, &parsed); err != nil {
		return model.UnknownLocation, err
	}
	return locationOf(parsed.City, parsed.StateProv, parsed.CountryCode), nil
}

type IPStackProvider struct {
	httpProvider
}

func NewIPStackProvider(baseURL, accessKey string, client *http.Client) *IPStackProvider {
	return &IPStackProvider{newHTTPProvider("ipstack", baseURL, accessKey, client)}
}

type ipstackResponse struct {
	Success     *bool  `json:"success"`
	City        string `json:"city"`
	RegionName  string `json:"region_name"`
	CountryCode string `json:"country_code"`
	Error       struct {
		Code int    `json:"code"`
		Info string `json:"info"`
	} `json:"error"`
}

// Lookup treats an HTTP 200 carrying "success": false as a failed call, since
// ipstack reports auth and quota errors that way.
func (p *IPStackProvider) Lookup(ctx context.Context, addr netip.Addr) (model.Location, error) {
	u := fmt.Sprintf("%s/%s?access_key=%s", p.baseURL, addr.String(), url.QueryEscape(p.key))

	var parsed ipstackResponse
	if err := p.getJSON(ctx, u, &parsed); err != nil {
		return model.UnknownLocation, err
	}
	if parsed.Success != nil && !*parsed.Success {
		return model.UnknownLocation, fmt.Errorf("%w: %s: error %d: %s",
			ErrProviderFailed, p.name, parsed.Error.Code, parsed.Error.Info)
	}
	return locationOf(parsed.City, parsed.RegionName, parsed.CountryCode), nil
}

// QuotaLimitedProvider wraps a provider whose calls are capped. The counter is
// checked before each call and incremented only after a successful one; the
// mutex makes check, call and increment one step for concurrent callers.
type QuotaLimitedProvider struct {
	inner  GeoProvider
	store  QuotaStore
	limit  int64
	logger *zap.Logger
	mu     sync.Mutex
}

func NewQuotaLimitedProvider(inner GeoProvider, store QuotaStore, limit int64, logger *zap.Logger) *QuotaLimitedProvider {
	return &QuotaLimitedProvider{
		inner:  inner,
		store:  store,
		limit:  limit,
		logger: logger,
	}
}

func (p *QuotaLimitedProvider) Name() string {
	return p.inner.Name()
}

func (p *QuotaLimitedProvider) Lookup(ctx context.Context, addr netip.Addr) (model.Location, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	name := p.inner.Name()
	used, err := p.store.Count(ctx, name)
	if err != nil {
		return model.UnknownLocation, fmt.Errorf("reading %s quota: %w", name, err)
	}
	if used >= p.limit {
		return model.UnknownLocation, fmt.Errorf("%w: %s used %d of %d", ErrQuotaExhausted, name, used, p.limit)
	}

	loc, err := p.inner.Lookup(ctx, addr)
	if err != nil {
		return loc, err
	}

	if err := p.store.Increment(ctx, name); err != nil {
		p.logger.Warn("failed to record provider call",
			zap.String("provider", name),
			zap.Error(err))
	}
	return loc, nil
}

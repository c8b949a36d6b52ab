package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/dgellow/oidc-rp/internal/ioutil"
	"github.com/dgellow/oidc-rp/internal/log"
	"github.com/dgellow/oidc-rp/internal/metrics"
	"github.com/dgellow/oidc-rp/internal/urlutil"
	"golang.org/x/sync/singleflight"
)

const (
	resourceDiscovery = "discovery"
	resourceJWKS      = "jwks"
)

// Options configures a Cache.
type Options struct {
	Issuer    string
	Overrides Endpoints

	// HTTPClient is used for every fetch; its Timeout bounds each attempt.
	HTTPClient *http.Client

	TTL                time.Duration
	MaxStale           time.Duration
	MinRefreshInterval time.Duration
	// RetryDelay is the wait before the single retry of a failed GET.
	RetryDelay time.Duration

	Metrics *metrics.Metrics
}

// Cache holds the provider metadata and signing keys for one issuer.
// Entries are fetched lazily and refreshed after TTL. When a refresh fails,
// the previous copy keeps being served until it is MaxStale old.
// Concurrent refreshes of the same resource collapse into one request and no
// lock is held while a request is in flight.
type Cache struct {
	opts   Options
	client *http.Client
	now    func() time.Time
	group  singleflight.Group

	mu          sync.RWMutex
	meta        *Metadata
	metaFetched time.Time
	keys        *keySet
	keysFetched time.Time
	lastForced  time.Time
}

// NewCache creates a cache for opts.Issuer. Nothing is fetched until first use.
func NewCache(opts Options) *Cache {
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: 10 * time.Second}
	}
	if opts.TTL <= 0 {
		opts.TTL = time.Hour
	}
	if opts.MaxStale <= 0 {
		opts.MaxStale = 24 * time.Hour
	}
	if opts.MaxStale < opts.TTL {
		opts.MaxStale = opts.TTL
	}
	if opts.MinRefreshInterval <= 0 {
		opts.MinRefreshInterval = 10 * time.Second
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = 250 * time.Millisecond
	}
	return &Cache{
		opts:   opts,
		client: opts.HTTPClient,
		now:    time.Now,
	}
}

// Issuer returns the issuer this cache serves.
func (c *Cache) Issuer() string {
	return c.opts.Issuer
}

// Metadata returns the provider metadata, fetching or refreshing it when the
// cached copy is missing or older than TTL.
func (c *Cache) Metadata(ctx context.Context) (*Metadata, error) {
	c.mu.RLock()
	meta, fetched := c.meta, c.metaFetched
	c.mu.RUnlock()

	if meta != nil && c.now().Sub(fetched) < c.opts.TTL {
		return meta, nil
	}

	v, err, _ := c.group.Do(resourceDiscovery, func() (any, error) {
		if fresh := c.freshMetadata(); fresh != nil {
			return fresh, nil
		}
		return c.refreshMetadata(ctx)
	})
	if err == nil {
		return v.(*Metadata), nil
	}

	if meta != nil && c.now().Sub(fetched) < c.opts.MaxStale {
		log.LogWarnWithFields("discovery", "Serving stale provider metadata after failed refresh", map[string]any{
			"issuer": c.opts.Issuer,
			"age":    c.now().Sub(fetched).String(),
			"error":  err.Error(),
		})
		c.opts.Metrics.IncStaleServed(resourceDiscovery)
		return meta, nil
	}
	return nil, err
}

// freshMetadata returns the cached metadata if it is within TTL. Callers that
// lost the race to a concurrent refresh pick up its result here.
func (c *Cache) freshMetadata() *Metadata {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.meta != nil && c.now().Sub(c.metaFetched) < c.opts.TTL {
		return c.meta
	}
	return nil
}

func (c *Cache) refreshMetadata(ctx context.Context) (*Metadata, error) {
	docURL, err := urlutil.DiscoveryURL(c.opts.Issuer)
	if err != nil {
		return nil, fmt.Errorf("building discovery URL: %w", err)
	}

	body, err := c.get(ctx, resourceDiscovery, docURL)
	if err != nil {
		return nil, err
	}

	var meta Metadata
	if err := json.Unmarshal(body, &meta); err != nil {
		return nil, fmt.Errorf("decoding provider metadata: %w", err)
	}
	if meta.Issuer != c.opts.Issuer {
		return nil, fmt.Errorf("%w: got %q, want %q", ErrIssuerMismatch, meta.Issuer, c.opts.Issuer)
	}
	if err := meta.applyOverrides(c.opts.Overrides); err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.meta = &meta
	c.metaFetched = c.now()
	c.mu.Unlock()

	log.LogDebugWithFields("discovery", "Provider metadata refreshed", map[string]any{
		"issuer":  meta.Issuer,
		"jwksUri": meta.JWKSURI,
		"algs":    meta.SigningAlgs(),
	})
	return &meta, nil
}

// SigningKey returns the key with the given kid. An unknown kid triggers one
// synchronous key set refresh, rate-limited to one per MinRefreshInterval,
// before ErrKeyNotFound is returned. Provider outages surface as
// *TransientError.
func (c *Cache) SigningKey(ctx context.Context, kid string) (Key, error) {
	keys, err := c.keySet(ctx)
	if err != nil {
		return Key{}, err
	}
	if k, ok := keys.lookup(kid); ok {
		return k, nil
	}

	c.mu.Lock()
	allowed := c.now().Sub(c.lastForced) >= c.opts.MinRefreshInterval
	if allowed {
		c.lastForced = c.now()
	}
	c.mu.Unlock()

	if !allowed {
		return Key{}, ErrKeyNotFound
	}

	log.LogDebugWithFields("discovery", "Unknown kid, refreshing key set", map[string]any{
		"kid": kid,
	})
	v, err, _ := c.group.Do(resourceJWKS+"-forced", func() (any, error) {
		return c.refreshKeys(ctx)
	})
	if err != nil {
		return Key{}, err
	}
	if k, ok := v.(*keySet).lookup(kid); ok {
		return k, nil
	}
	return Key{}, ErrKeyNotFound
}

func (c *Cache) keySet(ctx context.Context) (*keySet, error) {
	c.mu.RLock()
	keys, fetched := c.keys, c.keysFetched
	c.mu.RUnlock()

	if keys != nil && c.now().Sub(fetched) < c.opts.TTL {
		return keys, nil
	}

	v, err, _ := c.group.Do(resourceJWKS, func() (any, error) {
		c.mu.RLock()
		cur, at := c.keys, c.keysFetched
		c.mu.RUnlock()
		if cur != nil && c.now().Sub(at) < c.opts.TTL {
			return cur, nil
		}
		return c.refreshKeys(ctx)
	})
	if err == nil {
		return v.(*keySet), nil
	}

	if keys != nil && c.now().Sub(fetched) < c.opts.MaxStale {
		log.LogWarnWithFields("discovery", "Serving stale signing keys after failed refresh", map[string]any{
			"issuer": c.opts.Issuer,
			"age":    c.now().Sub(fetched).String(),
			"error":  err.Error(),
		})
		c.opts.Metrics.IncStaleServed(resourceJWKS)
		return keys, nil
	}
	return nil, err
}

func (c *Cache) refreshKeys(ctx context.Context) (*keySet, error) {
	meta, err := c.Metadata(ctx)
	if err != nil {
		return nil, err
	}

	body, err := c.get(ctx, resourceJWKS, meta.JWKSURI)
	if err != nil {
		return nil, err
	}

	keys, err := parseKeySet(body)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.keys = keys
	c.keysFetched = c.now()
	c.mu.Unlock()

	log.LogDebugWithFields("discovery", "Signing keys refreshed", map[string]any{
		"issuer": c.opts.Issuer,
		"count":  len(keys.all),
	})
	return keys, nil
}

// Warm fetches metadata and keys ahead of the first login.
func (c *Cache) Warm(ctx context.Context) error {
	if _, err := c.Metadata(ctx); err != nil {
		return err
	}
	_, err := c.keySet(ctx)
	return err
}

// get performs an idempotent GET, retrying once after RetryDelay on
// transient failures. 4xx responses are not retried.
func (c *Cache) get(ctx context.Context, resource, url string) ([]byte, error) {
	start := time.Now()

	// Detached from the caller so one cancelled request does not fail the
	// other callers sharing this fetch; the client timeout still bounds it.
	fetchCtx := context.WithoutCancel(ctx)

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.opts.RetryDelay

	body, err := backoff.Retry(fetchCtx, func() ([]byte, error) {
		return c.getOnce(fetchCtx, resource, url)
	}, backoff.WithBackOff(b), backoff.WithMaxTries(2))

	result := "ok"
	if err != nil {
		result = "error"
		log.LogWarnWithFields("discovery", "Provider fetch failed", map[string]any{
			"resource": resource,
			"url":      url,
			"error":    err.Error(),
		})
	}
	c.opts.Metrics.ObserveProviderFetch(resource, result, start)
	return body, err
}

func (c *Cache) getOnce(ctx context.Context, resource, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, backoff.Permanent(fmt.Errorf("building %s request: %w", resource, err))
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, &TransientError{Resource: resource, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusInternalServerError {
		return nil, &TransientError{
			Resource: resource,
			Err:      fmt.Errorf("status %d: %s", resp.StatusCode, ioutil.ReadLimited(resp.Body, 512)),
		}
	}
	if resp.StatusCode != http.StatusOK {
		return nil, backoff.Permanent(fmt.Errorf("%s endpoint returned status %d: %s",
			resource, resp.StatusCode, ioutil.ReadLimited(resp.Body, 512)))
	}

	body, err := ioutil.ReadAllLimited(resp.Body, ioutil.MaxProviderResponse)
	if err != nil {
		return nil, &TransientError{Resource: resource, Err: err}
	}
	return body, nil
}

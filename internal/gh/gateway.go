// internal/gh/gateway.go
package gh

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"strings"
	"time"

	"gh-ingestor/internal/cache"
	"gh-ingestor/internal/model"
)

// pageSize is GitHub's maximum page size; fetchPaginated stops as soon as a
// page comes back shorter than this.
const pageSize = 100

// CredentialBroker hands the gateway a usable credential for a scope and
// serializes its use. Implemented by internal/broker.
type CredentialBroker interface {
	With(ctx context.Context, scope model.Scope, fn func(*model.Credential) (json.RawMessage, error)) (json.RawMessage, error)
}

// Gateway is the single entry point callers use to fetch upstream
// resources. It detects the rate-limit scope from the path, consults the
// response cache before spending any credential budget, and delegates the
// actual call to the broker. Known limitation: two concurrent identical
// misses both reach upstream and both pay budget before either result is
// cached; there is deliberately no single-flight layer here.
type Gateway struct {
	broker CredentialBroker
	cache  cache.Cache
	client *Client
	ttl    time.Duration
	logger *slog.Logger
}

func NewGateway(broker CredentialBroker, c cache.Cache, client *Client, ttl time.Duration, logger *slog.Logger) *Gateway {
	return &Gateway{
		broker: broker,
		cache:  c,
		client: client,
		ttl:    ttl,
		logger: logger,
	}
}

// ScopeFor maps a request path onto the rate-limit bucket it draws from.
func ScopeFor(path string) model.Scope {
	p := strings.TrimLeft(path, "/")
	switch {
	case strings.HasPrefix(p, "search"):
		return model.ScopeSearch
	case strings.HasPrefix(p, "graphql"):
		return model.ScopeGraphQL
	default:
		return model.ScopeCore
	}
}

// Fetch returns the body for one logical resource. A cache hit never
// touches a credential; a miss goes through the broker and, on success
// only, is cached for the configured TTL.
func (g *Gateway) Fetch(ctx context.Context, path string, params url.Values) (json.RawMessage, error) {
	scope := ScopeFor(path)
	key := cache.Key(scope, canonicalPath(path, params))

	body, hit, err := g.cache.Get(ctx, key)
	if err != nil {
		g.logger.Warn("cache read failed, falling through to upstream", "path", path, "error", err)
	} else if hit {
		return body, nil
	}

	body, err = g.broker.With(ctx, scope, func(cred *model.Credential) (json.RawMessage, error) {
		return g.client.Get(ctx, cred, path, params)
	})
	if err != nil {
		return nil, err
	}

	if err := g.cache.Set(ctx, key, scope, body, g.ttl); err != nil {
		g.logger.Warn("cache write failed", "path", path, "error", err)
	}
	return body, nil
}

// FetchPaginated fetches every page of a collection, page size 100,
// stopping at the first short page. The sequence is stateless: a restarted
// crawl re-fetches from page 1 and the cache absorbs the repeat cost.
func (g *Gateway) FetchPaginated(ctx context.Context, path string, params url.Values) ([]json.RawMessage, error) {
	var all []json.RawMessage
	for page := 1; ; page++ {
		p := url.Values{}
		for k, vs := range params {
			p[k] = vs
		}
		p.Set("page", strconv.Itoa(page))
		p.Set("per_page", strconv.Itoa(pageSize))

		body, err := g.Fetch(ctx, path, p)
		if err != nil {
			return nil, err
		}

		var items []json.RawMessage
		if err := json.Unmarshal(body, &items); err != nil {
			return nil, fmt.Errorf("decoding page %d of %s: %w", page, path, err)
		}

		all = append(all, items...)
		if len(items) < pageSize {
			break
		}
	}
	return all, nil
}

// canonicalPath normalizes path+params so equivalent requests share one
// cache key. url.Values.Encode sorts by key.
func canonicalPath(path string, params url.Values) string {
	p := strings.TrimLeft(path, "/")
	if len(params) == 0 {
		return p
	}
	return p + "?" + params.Encode()
}

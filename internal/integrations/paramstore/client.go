package paramstore

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/service/ssm"
)

// maxBatch is the GetParameters limit per request.
const maxBatch = 10

// ssmAPI is the minimal AWS SSM interface required by Client.
// *ssm.Client from aws-sdk-go-v2 satisfies this interface.
type ssmAPI interface {
	GetParameter(ctx context.Context, in *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
	GetParameters(ctx context.Context, in *ssm.GetParametersInput, optFns ...func(*ssm.Options)) (*ssm.GetParametersOutput, error)
}

// Client resolves decrypted parameters and caches them for the process
// lifetime. Relative names are qualified with the configured prefix.
type Client struct {
	api    ssmAPI
	prefix string

	mu    sync.RWMutex
	cache map[string]string
}

// Option customises a Client.
type Option func(*Client)

// WithPrefix qualifies names that do not start with "/".
func WithPrefix(prefix string) Option {
	return func(c *Client) {
		c.prefix = strings.TrimRight(strings.TrimSpace(prefix), "/")
	}
}

// New creates a Client with the given SSM API implementation.
func New(api ssmAPI, opts ...Option) (*Client, error) {
	if api == nil {
		return nil, errors.New("paramstore: api must not be nil")
	}
	c := &Client{api: api, cache: make(map[string]string)}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (c *Client) qualify(name string) string {
	name = strings.TrimSpace(name)
	if name == "" || strings.HasPrefix(name, "/") || c.prefix == "" {
		return name
	}
	return c.prefix + "/" + name
}

func (c *Client) cached(name string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.cache[name]
	return v, ok
}

func (c *Client) store(name, value string) {
	c.mu.Lock()
	c.cache[name] = value
	c.mu.Unlock()
}

// GetParameter returns one decrypted parameter value.
func (c *Client) GetParameter(ctx context.Context, name string) (string, error) {
	name = c.qualify(name)
	if name == "" {
		return "", errors.New("paramstore: name is required")
	}
	if v, ok := c.cached(name); ok {
		return v, nil
	}

	withDecryption := true
	out, err := c.api.GetParameter(ctx, &ssm.GetParameterInput{
		Name:           &name,
		WithDecryption: &withDecryption,
	})
	if err != nil {
		return "", fmt.Errorf("paramstore: get parameter %q: %w", name, err)
	}
	if out == nil || out.Parameter == nil || out.Parameter.Value == nil {
		return "", errors.New("paramstore: parameter missing value")
	}
	c.store(name, *out.Parameter.Value)
	return *out.Parameter.Value, nil
}

// Prefetch loads several parameters in batches so later GetParameter calls
// are served from the cache. Unknown names are reported together.
func (c *Client) Prefetch(ctx context.Context, names ...string) error {
	seen := make(map[string]bool, len(names))
	var pending []string
	for _, n := range names {
		n = c.qualify(n)
		if n == "" || seen[n] {
			continue
		}
		seen[n] = true
		if _, ok := c.cached(n); !ok {
			pending = append(pending, n)
		}
	}

	var invalid []string
	withDecryption := true
	for start := 0; start < len(pending); start += maxBatch {
		end := start + maxBatch
		if end > len(pending) {
			end = len(pending)
		}
		out, err := c.api.GetParameters(ctx, &ssm.GetParametersInput{
			Names:          pending[start:end],
			WithDecryption: &withDecryption,
		})
		if err != nil {
			return fmt.Errorf("paramstore: get parameters: %w", err)
		}
		for _, p := range out.Parameters {
			if p.Name != nil && p.Value != nil {
				c.store(*p.Name, *p.Value)
			}
		}
		invalid = append(invalid, out.InvalidParameters...)
	}
	if len(invalid) > 0 {
		sort.Strings(invalid)
		return fmt.Errorf("paramstore: unknown parameters: %s", strings.Join(invalid, ", "))
	}
	return nil
}

package httploc

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/pkg/errors"
)

const defaultCacheSize = 1024

type districtInfo struct {
	Code          string   `json:"code"`
	Province      string   `json:"province"`
	Neighborhoods []string `json:"neighborhoods"`
}

type cacheEntry struct {
	found bool
	info  districtInfo
}

// Client queries the location reference service by district and keeps the
// answers, including misses, in an LRU cache. Reference data is static, so
// entries never expire.
type Client struct {
	baseURL string
	httpc   *http.Client
	cache   *lru.Cache[string, cacheEntry]
}

func New(baseURL string, cacheSize int) *Client {
	if baseURL == "" {
		baseURL = "http://localhost:9100"
	}
	if cacheSize <= 0 {
		cacheSize = defaultCacheSize
	}
	cache, _ := lru.New[string, cacheEntry](cacheSize)
	return &Client{
		baseURL: baseURL,
		httpc: &http.Client{
			Timeout: 5 * time.Second,
		},
		cache: cache,
	}
}

func (c *Client) DistrictInProvince(ctx context.Context, province, district string) (bool, error) {
	e, err := c.district(ctx, district)
	if err != nil {
		return false, err
	}
	return e.found && e.info.Province == province, nil
}

func (c *Client) NeighborhoodInDistrict(ctx context.Context, district, neighborhood string) (bool, error) {
	e, err := c.district(ctx, district)
	if err != nil || !e.found {
		return false, err
	}
	for _, n := range e.info.Neighborhoods {
		if n == neighborhood {
			return true, nil
		}
	}
	return false, nil
}

func (c *Client) district(ctx context.Context, code string) (cacheEntry, error) {
	if e, ok := c.cache.Get(code); ok {
		return e, nil
	}

	u, err := url.Parse(c.baseURL)
	if err != nil {
		return cacheEntry{}, errors.Wrap(err, "parse base url")
	}
	u = u.JoinPath("v1", "districts", code)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return cacheEntry{}, errors.Wrap(err, "new request")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpc.Do(req)
	if err != nil {
		return cacheEntry{}, errors.Wrap(err, "do request")
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		e := cacheEntry{found: false}
		c.cache.Add(code, e)
		return e, nil
	}
	if resp.StatusCode/100 != 2 {
		// 5xx не кэшируем
		return cacheEntry{}, fmt.Errorf("locations service http %d", resp.StatusCode)
	}

	var info districtInfo
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return cacheEntry{}, errors.Wrap(err, "decode")
	}
	e := cacheEntry{found: true, info: info}
	c.cache.Add(code, e)
	return e, nil
}

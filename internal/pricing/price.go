// Package pricing fetches the BTC spot price from several public tickers and
// averages whatever answers.
package pricing

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/harborglow/hashlab/internal/cache"
	"github.com/harborglow/hashlab/internal/jsonx"
	"github.com/remeh/sizedwaitgroup"
)

// ErrNoPrice means every source failed and nothing was cached.
var ErrNoPrice = errors.New("no price data")

// Quote is an averaged BTC/USD price.
type Quote struct {
	Price     float64   `json:"price"`
	Change24h *float64  `json:"change_24h"`
	Sources   int       `json:"sources"`
	UpdatedAt time.Time `json:"updated_at"`
	Stale     bool      `json:"stale"`
}

// Source is one ticker endpoint and how to read it.
type Source struct {
	Name  string
	URL   string
	Parse func(body []byte) (price float64, change *float64, err error)
}

// DefaultSources are CoinGecko, Binance and Bitstamp.
func DefaultSources() []Source {
	return []Source{
		{Name: "coingecko", URL: "https://api.coingecko.com/api/v3/simple/price?ids=bitcoin&vs_currencies=usd&include_24hr_change=true", Parse: parseCoinGecko},
		{Name: "binance", URL: "https://api.binance.com/api/v3/ticker/24hr?symbol=BTCUSDT", Parse: parseBinance},
		{Name: "bitstamp", URL: "https://www.bitstamp.net/api/v2/ticker/btcusd/", Parse: parseBitstamp},
	}
}

// PriceService fetches and caches the BTC price.
type PriceService struct {
	client  *http.Client
	sources []Source
	cache   *cache.TTL[Quote]
}

// NewPriceService creates a price service caching quotes for ttl.
func NewPriceService(ttl time.Duration, sources ...Source) *PriceService {
	if len(sources) == 0 {
		sources = DefaultSources()
	}
	return &PriceService{
		client:  &http.Client{Timeout: 5 * time.Second},
		sources: sources,
		cache:   cache.NewTTL[Quote](ttl),
	}
}

// BTCQuote returns a fresh or cached quote. When every source fails the
// previous quote is returned with Stale set.
func (p *PriceService) BTCQuote(ctx context.Context) (Quote, error) {
	res, err := p.cache.Get(ctx, p.fetchAll)
	if err != nil {
		return Quote{}, err
	}
	q := res.Value
	q.Stale = res.Stale
	return q, nil
}

type sourceResult struct {
	price  float64
	change *float64
	ok     bool
}

func (p *PriceService) fetchAll(ctx context.Context) (Quote, error) {
	results := make([]sourceResult, len(p.sources))
	swg := sizedwaitgroup.New(len(p.sources))
	for i, src := range p.sources {
		swg.Add()
		go func(i int, src Source) {
			defer swg.Done()
			price, change, err := p.fetch(ctx, src)
			if err != nil || price <= 0 {
				return
			}
			results[i] = sourceResult{price: price, change: change, ok: true}
		}(i, src)
	}
	swg.Wait()

	var sum, changeSum float64
	var n, changes int
	for _, r := range results {
		if !r.ok {
			continue
		}
		sum += r.price
		n++
		if r.change != nil {
			changeSum += *r.change
			changes++
		}
	}
	if n == 0 {
		return Quote{}, ErrNoPrice
	}

	q := Quote{Price: sum / float64(n), Sources: n, UpdatedAt: time.Now().UTC()}
	if changes > 0 {
		avg := changeSum / float64(changes)
		q.Change24h = &avg
	}
	return q, nil
}

func (p *PriceService) fetch(ctx context.Context, src Source) (float64, *float64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, src.URL, nil)
	if err != nil {
		return 0, nil, err
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, nil, fmt.Errorf("%s returned status %d", src.Name, resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return 0, nil, err
	}
	return src.Parse(body)
}

func parseCoinGecko(body []byte) (float64, *float64, error) {
	var r struct {
		Bitcoin struct {
			USD       float64  `json:"usd"`
			Change24h *float64 `json:"usd_24h_change"`
		} `json:"bitcoin"`
	}
	if err := jsonx.Unmarshal(body, &r); err != nil {
		return 0, nil, err
	}
	return r.Bitcoin.USD, r.Bitcoin.Change24h, nil
}

func parseBinance(body []byte) (float64, *float64, error) {
	var r struct {
		LastPrice          string `json:"lastPrice"`
		Price              string `json:"price"`
		PriceChangePercent string `json:"priceChangePercent"`
	}
	if err := jsonx.Unmarshal(body, &r); err != nil {
		return 0, nil, err
	}
	raw := r.LastPrice
	if raw == "" {
		raw = r.Price
	}
	price, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, nil, fmt.Errorf("bad binance price %q: %w", raw, err)
	}
	var change *float64
	if c, err := strconv.ParseFloat(r.PriceChangePercent, 64); err == nil {
		change = &c
	}
	return price, change, nil
}

func parseBitstamp(body []byte) (float64, *float64, error) {
	var r struct {
		Last string `json:"last"`
		Open string `json:"open"`
	}
	if err := jsonx.Unmarshal(body, &r); err != nil {
		return 0, nil, err
	}
	last, err := strconv.ParseFloat(r.Last, 64)
	if err != nil {
		return 0, nil, fmt.Errorf("bad bitstamp price %q: %w", r.Last, err)
	}
	var change *float64
	if open, err := strconv.ParseFloat(r.Open, 64); err == nil && open != 0 {
		c := (last - open) / open * 100
		change = &c
	}
	return last, change, nil
}

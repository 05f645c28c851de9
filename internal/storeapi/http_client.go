package storeapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/agentworkforce/storesync/internal/catalog"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// ErrRejected is matched by every HTTPError: the backend answered, and the
// answer was not 2xx.
var ErrRejected = errors.New("rejected by backend")

type HTTPError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *HTTPError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("http %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Message)
}

func (e *HTTPError) Is(target error) bool {
	return target == ErrRejected
}

// TokenProvider returns the bearer token for the current session. Token
// storage lives outside this package.
type TokenProvider func(ctx context.Context) (string, error)

func StaticToken(token string) TokenProvider {
	token = strings.TrimSpace(token)
	return func(context.Context) (string, error) {
		return token, nil
	}
}

type Options struct {
	ServiceURLs       map[catalog.Service]string
	TokenProvider     TokenProvider
	HTTPClient        *http.Client
	MaxRetries        int
	BaseDelay         time.Duration
	MaxDelay          time.Duration
	RequestsPerSecond float64
	Logger            zerolog.Logger
}

type HTTPClient struct {
	serviceURLs   map[catalog.Service]string
	tokenProvider TokenProvider
	httpClient    *http.Client
	limiter       *rate.Limiter
	maxRetries    int
	baseDelay     time.Duration
	maxDelay      time.Duration
	logger        zerolog.Logger
}

func NewHTTPClient(opts Options) *HTTPClient {
	urls := make(map[catalog.Service]string, len(opts.ServiceURLs))
	for service, raw := range opts.ServiceURLs {
		base := strings.TrimRight(strings.TrimSpace(raw), "/")
		if base != "" {
			urls[service] = base
		}
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	tokenProvider := opts.TokenProvider
	if tokenProvider == nil {
		tokenProvider = StaticToken("")
	}
	maxRetries := opts.MaxRetries
	if maxRetries < 0 {
		maxRetries = 0
	} else if maxRetries == 0 {
		maxRetries = 3
	}
	baseDelay := opts.BaseDelay
	if baseDelay <= 0 {
		baseDelay = 100 * time.Millisecond
	}
	maxDelay := opts.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 2 * time.Second
	}
	var limiter *rate.Limiter
	if opts.RequestsPerSecond > 0 {
		burst := int(opts.RequestsPerSecond)
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), burst)
	}
	return &HTTPClient{
		serviceURLs:   urls,
		tokenProvider: tokenProvider,
		httpClient:    httpClient,
		limiter:       limiter,
		maxRetries:    maxRetries,
		baseDelay:     baseDelay,
		maxDelay:      maxDelay,
		logger:        opts.Logger,
	}
}

func (c *HTTPClient) ListPage(ctx context.Context, resource catalog.Resource, page, size int) (catalog.Page, error) {
	q := url.Values{}
	q.Set("page", strconv.Itoa(page))
	if size > 0 {
		q.Set("size", strconv.Itoa(size))
	}
	body, err := c.do(ctx, resource.Service, http.MethodGet, resource.Path+"?"+q.Encode(), nil)
	if err != nil {
		return catalog.Page{}, err
	}
	decoded, err := resource.DecodePage(body, page)
	if err != nil {
		return catalog.Page{}, err
	}
	if decoded.PageMismatch() {
		c.logger.Warn().
			Str("resource", resource.Name).
			Int("page", decoded.PageIndex).
			Int("reported_page", decoded.ReportedPage).
			Msg("backend reported a different page than requested")
	}
	return decoded, nil
}

func (c *HTTPClient) CreateWarehouse(ctx context.Context, warehouse catalog.Warehouse) (catalog.Warehouse, error) {
	body, err := c.do(ctx, catalog.ServiceWarehouse, http.MethodPost, "/warehouses", warehouse)
	if err != nil {
		return catalog.Warehouse{}, err
	}
	entity, err := catalog.Warehouses.DecodeEntity(body)
	if err != nil {
		return catalog.Warehouse{}, err
	}
	return entity.(catalog.Warehouse), nil
}

func (c *HTTPClient) CurrentStock(ctx context.Context, warehouseID, productID string) (int, error) {
	q := url.Values{}
	q.Set("warehouseId", warehouseID)
	q.Set("productId", productID)
	body, err := c.do(ctx, catalog.ServiceWarehouse, http.MethodGet, "/warehouses/stocks?"+q.Encode(), nil)
	if err != nil {
		return 0, err
	}
	var out struct {
		Quantity *int `json:"quantity"`
	}
	if err := json.Unmarshal(body, &out); err != nil || out.Quantity == nil {
		return 0, fmt.Errorf("%w: stock response without quantity", catalog.ErrMalformed)
	}
	return *out.Quantity, nil
}

func (c *HTTPClient) ApplyStock(ctx context.Context, change catalog.StockChange) error {
	_, err := c.do(ctx, catalog.ServiceWarehouse, http.MethodPost, "/warehouses/stocks/apply", change)
	return err
}

func (c *HTTPClient) OrderStats(ctx context.Context) (catalog.OrderStats, error) {
	body, err := c.do(ctx, catalog.ServiceOrder, http.MethodGet, "/orders/stats", nil)
	if err != nil {
		return catalog.OrderStats{}, err
	}
	var out catalog.OrderStats
	if err := json.Unmarshal(body, &out); err != nil {
		return catalog.OrderStats{}, fmt.Errorf("%w: %v", catalog.ErrMalformed, err)
	}
	return out, nil
}

func (c *HTTPClient) PlaceOrder(ctx context.Context, req catalog.OrderRequest) (catalog.Order, error) {
	body, err := c.do(ctx, catalog.ServiceOrder, http.MethodPost, "/orders", req)
	if err != nil {
		return catalog.Order{}, err
	}
	entity, err := catalog.Orders.DecodeEntity(body)
	if err != nil {
		return catalog.Order{}, err
	}
	return entity.(catalog.Order), nil
}

func (c *HTTPClient) PayOrder(ctx context.Context, orderID string) error {
	_, err := c.do(ctx, catalog.ServiceOrder, http.MethodPost, "/orders/pay/"+url.PathEscape(orderID), nil)
	return err
}

// do sends one request. Only GETs are retried: mutations are reported to
// the caller exactly once.
func (c *HTTPClient) do(ctx context.Context, service catalog.Service, method, requestPath string, body any) ([]byte, error) {
	baseURL, ok := c.serviceURLs[service]
	if !ok {
		return nil, fmt.Errorf("no base url configured for %s service", service)
	}
	var bodyBytes []byte
	if body != nil {
		var err error
		bodyBytes, err = json.Marshal(body)
		if err != nil {
			return nil, err
		}
	}
	maxRetries := c.maxRetries
	if method != http.MethodGet {
		maxRetries = 0
	}
	for attempt := 0; ; attempt++ {
		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				return nil, err
			}
		}
		var bodyReader io.Reader
		if bodyBytes != nil {
			bodyReader = bytes.NewReader(bodyBytes)
		}
		req, err := http.NewRequestWithContext(ctx, method, baseURL+requestPath, bodyReader)
		if err != nil {
			return nil, err
		}
		token, err := c.tokenProvider(ctx)
		if err != nil {
			return nil, err
		}
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		req.Header.Set("X-Correlation-Id", correlationID())
		req.Header.Set("Accept", "application/json")
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if attempt < maxRetries && ctx.Err() == nil {
				c.logger.Debug().Err(err).Str("path", requestPath).Int("attempt", attempt+1).Msg("retrying request")
				if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, "")); waitErr != nil {
					return nil, waitErr
				}
				continue
			}
			return nil, err
		}
		payloadBytes, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return nil, readErr
		}

		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			return payloadBytes, nil
		}

		if (resp.StatusCode == http.StatusTooManyRequests || (resp.StatusCode >= 500 && resp.StatusCode <= 599)) && attempt < maxRetries {
			if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, resp.Header.Get("Retry-After"))); waitErr != nil {
				return nil, waitErr
			}
			continue
		}

		var errPayload struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		}
		_ = json.Unmarshal(payloadBytes, &errPayload)
		if errPayload.Message == "" {
			errPayload.Message = http.StatusText(resp.StatusCode)
		}
		return nil, &HTTPError{
			StatusCode: resp.StatusCode,
			Code:       errPayload.Code,
			Message:    errPayload.Message,
		}
	}
}

func correlationID() string {
	return "storesync_" + uuid.NewString()
}

func (c *HTTPClient) retryDelay(attempt int, retryAfterHeader string) time.Duration {
	maxDelay := c.maxDelay
	if maxDelay <= 0 {
		maxDelay = 2 * time.Second
	}
	if retryAfter := parseRetryAfter(retryAfterHeader); retryAfter > 0 {
		if retryAfter > maxDelay {
			return maxDelay
		}
		return retryAfter
	}
	delay := c.baseDelay
	if delay <= 0 {
		delay = 100 * time.Millisecond
	}
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= maxDelay {
			return maxDelay
		}
	}
	if delay > maxDelay {
		return maxDelay
	}
	return delay
}

func parseRetryAfter(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(header); err == nil && seconds >= 0 {
		return time.Duration(seconds) * time.Second
	}
	if ts, err := time.Parse(time.RFC1123, header); err == nil {
		delta := time.Until(ts)
		if delta > 0 {
			return delta
		}
	}
	return 0
}

func waitWithContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

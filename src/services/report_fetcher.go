// backend/src/services/report_fetcher.go
package services

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/username/ledgerdash/backend/src/logger"
	"github.com/username/ledgerdash/backend/src/models"
	"github.com/username/ledgerdash/backend/src/parsers"
	"golang.org/x/time/rate"
)

// Largest report body accepted from the API by default.
const maxReportBytes = 64 << 20

var ErrReportTooLarge = errors.New("report body exceeds size limit")

// TokenProvider is the part of the Token Vault the fetcher relies on.
type TokenProvider interface {
	GetValidAccessToken(ctx context.Context, account models.AccountRef) (string, error)
	Refresh(ctx context.Context, account models.AccountRef) (string, error)
}

// FetchedReport is a decoded report plus the exact bytes it was decoded from.
type FetchedReport struct {
	Report    *parsers.Report
	Raw       []byte
	FetchedAt time.Time
}

type ReportFetcher interface {
	Fetch(ctx context.Context, account models.AccountRef, reportType models.ReportType, startDate, endDate string) (*FetchedReport, error)
}

type FetcherOptions struct {
	BaseURL           string
	MinorVersion      string
	SummarizeColumnBy string
	Timeout           time.Duration
	RequestsPerMinute int
	MaxBodyBytes      int64
	HTTPClient        *http.Client
}

type reportFetcherImpl struct {
	tokens  TokenProvider
	client  *http.Client
	limiter *rate.Limiter
	opts    FetcherOptions
}

func NewReportFetcher(tokens TokenProvider, opts FetcherOptions) ReportFetcher {
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = maxReportBytes
	}
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{}
	}
	limiter := rate.NewLimiter(rate.Inf, 1)
	if opts.RequestsPerMinute > 0 {
		burst := opts.RequestsPerMinute / 60
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(float64(opts.RequestsPerMinute)/60.0), burst)
	}
	return &reportFetcherImpl{tokens: tokens, client: client, limiter: limiter, opts: opts}
}

// Fetch retrieves one report. A 401 triggers exactly one token refresh and
// one retry; anything else is returned to the caller as is.
func (f *reportFetcherImpl) Fetch(ctx context.Context, account models.AccountRef, reportType models.ReportType, startDate, endDate string) (*FetchedReport, error) {
	log := logger.FromContext(ctx)

	token, err := f.tokens.GetValidAccessToken(ctx, account)
	if err != nil {
		return nil, err
	}

	status, body, err := f.do(ctx, account, reportType, startDate, endDate, token)
	if err != nil {
		return nil, err
	}

	if status == http.StatusUnauthorized {
		log.Info("Report request unauthorized, refreshing token", "reportType", reportType)
		token, err = f.tokens.Refresh(ctx, account)
		if errors.Is(err, models.ErrTokenRotated) {
			token, err = f.tokens.GetValidAccessToken(ctx, account)
		}
		if err != nil {
			return nil, err
		}

		status, body, err = f.do(ctx, account, reportType, startDate, endDate, token)
		if err != nil {
			return nil, err
		}
		if status == http.StatusUnauthorized {
			return nil, &models.AuthRefreshError{RealmID: account.RealmID, Reason: "request still unauthorized after token refresh"}
		}
	}
	// The app lost its grant for this company; a new token will not help.
	if status == http.StatusForbidden {
		return nil, &models.AuthRefreshError{RealmID: account.RealmID, Reason: "report request forbidden"}
	}

	if err := checkStatus(reportType, status, body); err != nil {
		return nil, err
	}

	report, err := parsers.ParseReport(body)
	if err != nil {
		return nil, &models.MappingError{ReportType: reportType, Reason: "malformed report payload", Err: err}
	}

	log.Info("Report fetched", "reportType", reportType, "size", humanize.Bytes(uint64(len(body))))
	return &FetchedReport{Report: report, Raw: body, FetchedAt: time.Now().UTC()}, nil
}

func (f *reportFetcherImpl) do(ctx context.Context, account models.AccountRef, reportType models.ReportType, startDate, endDate, token string) (int, []byte, error) {
	if err := f.limiter.Wait(ctx); err != nil {
		return 0, nil, fmt.Errorf("rate limiter: %w", err)
	}

	reqCtx, cancel := context.WithTimeout(ctx, f.opts.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, f.reportURL(account, reportType, startDate, endDate), nil)
	if err != nil {
		return 0, nil, fmt.Errorf("build report request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")

	resp, err := f.client.Do(req)
	if err != nil {
		if ctx.Err() != nil && errors.Is(ctx.Err(), context.Canceled) {
			return 0, nil, ctx.Err()
		}
		return 0, nil, &models.TransientNetworkError{Op: "fetch " + string(reportType), Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.opts.MaxBodyBytes+1))
	if err != nil {
		return 0, nil, &models.TransientNetworkError{Op: "read " + string(reportType), Err: err}
	}
	if int64(len(body)) > f.opts.MaxBodyBytes {
		return 0, nil, &models.MappingError{
			ReportType: reportType,
			Reason:     "report body larger than " + humanize.IBytes(uint64(f.opts.MaxBodyBytes)),
			Err:        ErrReportTooLarge,
		}
	}
	return resp.StatusCode, body, nil
}

func (f *reportFetcherImpl) reportURL(account models.AccountRef, reportType models.ReportType, startDate, endDate string) string {
	q := url.Values{}
	if startDate != "" {
		q.Set("start_date", startDate)
	}
	if endDate != "" {
		q.Set("end_date", endDate)
	}
	if f.opts.SummarizeColumnBy != "" {
		q.Set("summarize_column_by", f.opts.SummarizeColumnBy)
	}
	if f.opts.MinorVersion != "" {
		q.Set("minorversion", f.opts.MinorVersion)
	}
	return fmt.Sprintf("%s/company/%s/reports/%s?%s",
		strings.TrimRight(f.opts.BaseURL, "/"), url.PathEscape(account.RealmID), reportType, q.Encode())
}

func checkStatus(reportType models.ReportType, status int, body []byte) error {
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == http.StatusTooManyRequests || status >= 500:
		return &models.TransientNetworkError{Op: "fetch " + string(reportType), StatusCode: status, Err: errors.New(http.StatusText(status))}
	default:
		detail := http.StatusText(status)
		if _, err := parsers.ParseReport(body); err != nil {
			detail = err.Error()
		}
		return fmt.Errorf("report API returned %d for %s: %s", status, reportType, detail)
	}
}

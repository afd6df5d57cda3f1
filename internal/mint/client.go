package mint

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	DefaultBaseURL = "https://surreal-base.vercel.app"
	MintPath       = "/api/cli/mint-file"

	DefaultRequestTimeout = 60 * time.Second
	IdempotencyHeader     = "Idempotency-Key"

	maxResponseBytes = 1 << 20
)

// Transaction is the unsigned transaction returned by the endpoint.
type Transaction struct {
	To    string   `json:"to"`
	Value Quantity `json:"value,omitempty"`
	Data  string   `json:"data,omitempty"`
}

// Quantity accepts a JSON string or number and keeps its textual form.
type Quantity string

func (q *Quantity) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*q = Quantity(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("value must be a string or number: %w", err)
	}
	*q = Quantity(n.String())
	return nil
}

// UploadedFile references content stored by the endpoint.
type UploadedFile struct {
	Filename    string `json:"filename"`
	ContentHash string `json:"contentHash"`
	URL         string `json:"url"`
}

// Receipt is a successful mint response.
type Receipt struct {
	Transaction   Transaction    `json:"transaction"`
	UploadedFiles []UploadedFile `json:"uploadedFiles,omitempty"`
}

type mintRequest struct {
	UserAddress string `json:"userAddress"`
	Filename    string `json:"filename"`
	ContentType string `json:"contentType"`
	FileData    string `json:"fileData"`
	RequestID   string `json:"requestId"`
}

type errorBody struct {
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	Retryable *bool          `json:"retryable"`
	Details   map[string]any `json:"details,omitempty"`
}

type mintResponse struct {
	Success       *bool          `json:"success"`
	Transaction   *Transaction   `json:"transaction"`
	UploadedFiles []UploadedFile `json:"uploadedFiles"`
	Error         *errorBody     `json:"error"`
}

// Endpoint is the HTTP client of the minting service.
type Endpoint struct {
	url    string
	client *http.Client
	logger *logrus.Logger
}

// EndpointOption configures an Endpoint.
type EndpointOption func(*Endpoint)

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(c *http.Client) EndpointOption {
	return func(e *Endpoint) { e.client = c }
}

// WithRequestTimeout bounds each HTTP exchange.
func WithRequestTimeout(d time.Duration) EndpointOption {
	return func(e *Endpoint) {
		if d > 0 {
			e.client = &http.Client{Timeout: d, Transport: e.client.Transport}
		}
	}
}

// WithEndpointLogger sets the logger.
func WithEndpointLogger(logger *logrus.Logger) EndpointOption {
	return func(e *Endpoint) { e.logger = logger }
}

// NewEndpoint creates a client for the service at baseURL (DefaultBaseURL when empty).
func NewEndpoint(baseURL string, opts ...EndpointOption) (*Endpoint, error) {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid mint base url: %w", err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("invalid mint base url %q: want http(s)://host", baseURL)
	}

	e := &Endpoint{
		url:    strings.TrimRight(baseURL, "/") + MintPath,
		client: &http.Client{Timeout: DefaultRequestTimeout},
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.logger == nil {
		e.logger = logrus.New()
	}
	return e, nil
}

// URL returns the mint endpoint URL.
func (e *Endpoint) URL() string {
	return e.url
}

// Mint performs one exchange. Failures are always *SubmissionError.
func (e *Endpoint) Mint(ctx context.Context, req *Request) (*Receipt, error) {
	body, err := json.Marshal(mintRequest{
		UserAddress: req.Address,
		Filename:    req.Filename,
		ContentType: req.ContentType,
		FileData:    base64.StdEncoding.EncodeToString(req.Payload),
		RequestID:   req.RequestID,
	})
	if err != nil {
		return nil, &SubmissionError{Kind: KindValidation, Message: "failed to encode request", Err: err}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, e.url, bytes.NewReader(body))
	if err != nil {
		return nil, &SubmissionError{Kind: KindValidation, Message: "failed to build request", Err: err}
	}
	httpReq.Header.Set("Content-Type", ContentTypeJSON)
	httpReq.Header.Set("Accept", ContentTypeJSON)
	httpReq.Header.Set(IdempotencyHeader, req.RequestID)

	e.logger.WithFields(logrus.Fields{
		"request_id": req.RequestID,
		"url":        e.url,
		"bytes":      len(body),
	}).Debug("Sending mint request")

	resp, err := e.client.Do(httpReq)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, canceled(ctxErr)
		}
		return nil, &SubmissionError{Kind: KindTransport, Message: err.Error(), Retryable: true, Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, canceled(ctxErr)
		}
		return nil, &SubmissionError{
			Kind:      KindTransport,
			Message:   fmt.Sprintf("failed to read response: %v", err),
			Retryable: true,
			Status:    resp.StatusCode,
			Err:       err,
		}
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return parseSuccess(resp.StatusCode, data)
	}
	return nil, classifyFailure(resp.StatusCode, data)
}

func parseSuccess(status int, data []byte) (*Receipt, error) {
	var r mintResponse
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, contractError(status, fmt.Sprintf("unparseable success body: %v", err))
	}
	if r.Success == nil || !*r.Success {
		if r.Error != nil && r.Error.Message != "" {
			return nil, contractError(status, fmt.Sprintf("2xx response reports failure: %s", r.Error.Message))
		}
		return nil, contractError(status, "success flag missing or false")
	}
	if r.Transaction == nil || r.Transaction.To == "" {
		return nil, contractError(status, "transaction.to missing")
	}
	return &Receipt{Transaction: *r.Transaction, UploadedFiles: r.UploadedFiles}, nil
}

func classifyFailure(status int, data []byte) *SubmissionError {
	statusRetryable := status >= 500 || status == http.StatusTooManyRequests || status == http.StatusRequestTimeout

	var r mintResponse
	if err := json.Unmarshal(data, &r); err == nil && r.Error != nil {
		retryable := statusRetryable
		if r.Error.Retryable != nil {
			retryable = *r.Error.Retryable
		}
		msg := r.Error.Message
		if msg == "" {
			msg = http.StatusText(status)
		}
		// Server-side failures stay remote even when the service says not to retry.
		kind := KindValidation
		if retryable || statusRetryable {
			kind = KindRemote
		}
		return &SubmissionError{
			Kind:      kind,
			Code:      r.Error.Code,
			Message:   msg,
			Retryable: retryable,
			Status:    status,
			Details:   r.Error.Details,
		}
	}

	switch {
	case statusRetryable:
		return &SubmissionError{Kind: KindRemote, Message: statusMessage(status, data), Retryable: true, Status: status}
	case status >= 400:
		return &SubmissionError{Kind: KindValidation, Message: statusMessage(status, data), Status: status}
	default:
		return contractError(status, fmt.Sprintf("unexpected status %d", status))
	}
}

func statusMessage(status int, data []byte) string {
	text := strings.TrimSpace(string(data))
	if text == "" || len(text) > 200 {
		return fmt.Sprintf("%d %s", status, http.StatusText(status))
	}
	return fmt.Sprintf("%d %s: %s", status, http.StatusText(status), text)
}

func contractError(status int, msg string) *SubmissionError {
	return &SubmissionError{Kind: KindContract, Message: msg, Status: status}
}

func canceled(err error) *SubmissionError {
	return &SubmissionError{Kind: KindCanceled, Message: "submission canceled", Retryable: true, Err: err}
}

// asSubmissionError maps any minter failure onto the taxonomy.
func asSubmissionError(err error) *SubmissionError {
	var serr *SubmissionError
	if errors.As(err, &serr) {
		return serr
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return canceled(err)
	}
	return &SubmissionError{Kind: KindTransport, Message: err.Error(), Retryable: true, Err: err}
}

package challenge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// DefaultProviderURL is Cloudflare Turnstile's siteverify endpoint.
const DefaultProviderURL = "https://challenges.cloudflare.com/turnstile/v0/siteverify"

// retryBaseDelay seeds the exponential backoff between provider attempts.
const retryBaseDelay = 500 * time.Millisecond

// ErrMisconfigured means the provider secret is absent; the mint endpoint
// maps it to a 500.
var ErrMisconfigured = errors.New("challenge: provider secret not configured")

// ErrBadProviderResponse means the provider answered 2xx with a body we
// could not decode; mapped to a 500.
var ErrBadProviderResponse = errors.New("challenge: malformed provider response")

// ProviderError wraps transport failures and non-2xx answers from the
// provider; mapped to a 502.
type ProviderError struct {
	StatusCode int // 0 for transport errors
	Err        error
}

func (e *ProviderError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("challenge: provider returned HTTP %d", e.StatusCode)
	}
	return fmt.Sprintf("challenge: provider unreachable: %v", e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// Verifier checks a client attestation string against the provider.
type Verifier struct {
	secret     string
	endpoint   string
	client     *http.Client
	maxRetries int
	logger     zerolog.Logger

	sleep func(context.Context, time.Duration) error // injected in tests
}

// VerifierOptions configures a Verifier. Endpoint defaults to the Cloudflare
// siteverify URL; Timeout bounds each attempt, not the total.
type VerifierOptions struct {
	Secret     string
	Endpoint   string
	Timeout    time.Duration
	MaxRetries int
	Logger     zerolog.Logger
}

func NewVerifier(opts VerifierOptions) *Verifier {
	endpoint := opts.Endpoint
	if endpoint == "" {
		endpoint = DefaultProviderURL
	}
	return &Verifier{
		secret:     opts.Secret,
		endpoint:   endpoint,
		client:     &http.Client{Timeout: opts.Timeout},
		maxRetries: opts.MaxRetries,
		logger:     opts.Logger,
		sleep:      sleepCtx,
	}
}

// Verify submits the client token to the provider. It retries 5xx answers
// and transport failures with exponential backoff, at most maxRetries times
// beyond the first attempt. verified=false with err=nil means the provider
// answered cleanly and refused the token.
func (v *Verifier) Verify(ctx context.Context, clientToken, remoteIP string) (bool, error) {
	if v.secret == "" {
		return false, ErrMisconfigured
	}
	if clientToken == "" {
		return false, nil
	}

	var lastErr error
	for attempt := 0; attempt <= v.maxRetries; attempt++ {
		if attempt > 0 {
			delay := retryBaseDelay << (attempt - 1)
			if err := v.sleep(ctx, delay); err != nil {
				return false, &ProviderError{Err: err}
			}
			v.logger.Warn().Int("attempt", attempt+1).Msg("challenge: retrying provider verification")
		}

		verified, retriable, err := v.verifyOnce(ctx, clientToken, remoteIP)
		if err == nil {
			return verified, nil
		}
		if !retriable {
			return false, err
		}
		lastErr = err
	}
	return false, lastErr
}

// verifyOnce performs a single provider round trip. retriable marks 5xx and
// transport errors.
func (v *Verifier) verifyOnce(ctx context.Context, clientToken, remoteIP string) (verified, retriable bool, err error) {
	form := url.Values{}
	form.Set("secret", v.secret)
	form.Set("response", clientToken)
	if remoteIP != "" {
		form.Set("remoteip", remoteIP)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, v.endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return false, false, fmt.Errorf("challenge: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := v.client.Do(req)
	if err != nil {
		return false, true, &ProviderError{Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return false, true, &ProviderError{StatusCode: resp.StatusCode}
	}
	if resp.StatusCode != http.StatusOK {
		return false, false, &ProviderError{StatusCode: resp.StatusCode}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return false, true, &ProviderError{Err: err}
	}

	var result struct {
		Success    bool     `json:"success"`
		ErrorCodes []string `json:"error-codes"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return false, false, ErrBadProviderResponse
	}
	if !result.Success {
		v.logger.Debug().Strs("error_codes", result.ErrorCodes).Msg("challenge: provider refused token")
	}
	return result.Success, false, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

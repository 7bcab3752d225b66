package tracing

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/getsentry/sentry-go"
)

type tracingTransport struct {
	http.RoundTripper

	continueOnly bool
	opts         []sentry.SpanOption
}

// NewTracingTransport creates an http transport that traces requests via Sentry. If continueOnly is true,
// spans are only recorded when a transaction is already in progress on the request context.
func NewTracingTransport(roundTripper http.RoundTripper, continueOnly bool, spanOptions ...sentry.SpanOption) *tracingTransport {
	if roundTripper == nil {
		roundTripper = http.DefaultTransport
	}

	// If roundTripper is already a tracer, grab its underlying RoundTripper instead
	if existingTracer, ok := roundTripper.(*tracingTransport); ok {
		roundTripper = existingTracer.RoundTripper
	}

	return &tracingTransport{
		RoundTripper: roundTripper,
		continueOnly: continueOnly,
		opts:         spanOptions,
	}
}

func (t *tracingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if t.continueOnly && sentry.TransactionFromContext(req.Context()) == nil {
		return t.RoundTripper.RoundTrip(req)
	}

	// Query strings carry API credentials, so only the path is recorded
	span, _ := StartSpan(req.Context(), "http."+strings.ToLower(req.Method), fmt.Sprintf("HTTP %s %s%s", req.Method, req.URL.Host, req.URL.Path), t.opts...)
	defer FinishSpan(span)

	req.Header.Add("sentry-trace", span.ToSentryTrace())

	response, err := t.RoundTripper.RoundTrip(req)
	if err != nil {
		AddEventDataToSpan(span, map[string]interface{}{"HTTP Error": err.Error()})
		return response, err
	}

	AddEventDataToSpan(span, map[string]interface{}{
		"HTTP Status Code": response.StatusCode,
	})

	return response, nil
}

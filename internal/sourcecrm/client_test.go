package sourcecrm_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mind-engage/vespa-sync/internal/ratelimit"
	"github.com/mind-engage/vespa-sync/internal/sourcecrm"
)

type scriptedDoer struct {
	responses []*http.Response
	errs      []error
	calls     int32
}

func (d *scriptedDoer) Do(req *http.Request) (*http.Response, error) {
	i := int(atomic.AddInt32(&d.calls, 1)) - 1
	if i >= len(d.responses) {
		i = len(d.responses) - 1
	}
	return d.responses[i], d.errs[i]
}

func jsonResponse(status int, body string) *http.Response {
	return &http.Response{
		StatusCode: status,
		Body:       io.NopCloser(bytes.NewBufferString(body)),
	}
}

func TestClient_FetchAll_StopsAtTotalPages(t *testing.T) {
	doer := &scriptedDoer{
		responses: []*http.Response{
			jsonResponse(http.StatusOK, `{"records":[{"id":"1"}], "total_pages":2}`),
			jsonResponse(http.StatusOK, `{"records":[{"id":"2"}], "total_pages":2}`),
		},
		errs: []error{nil, nil},
	}
	c := &sourcecrm.Client{BaseURL: "http://fake.invalid", HTTP: doer, Limiter: ratelimit.New(1000)}

	out, errc := c.FetchAll(context.Background(), sourcecrm.KindStudent, sourcecrm.Filters{}, 100, 1)

	var batches []sourcecrm.Batch
	for b := range out {
		batches = append(batches, b)
	}
	require.NoError(t, <-errc)
	require.Len(t, batches, 2)
	assert.Equal(t, "1", batches[0].Records[0].ID)
	assert.Equal(t, "2", batches[1].Records[0].ID)
}

func TestClient_FetchAll_StopsOnEmptyPage(t *testing.T) {
	doer := &scriptedDoer{
		responses: []*http.Response{
			jsonResponse(http.StatusOK, `{"records":[], "total_pages":5}`),
		},
		errs: []error{nil},
	}
	c := &sourcecrm.Client{BaseURL: "http://fake.invalid", HTTP: doer, Limiter: ratelimit.New(1000)}

	out, errc := c.FetchAll(context.Background(), sourcecrm.KindStudent, sourcecrm.Filters{}, 100, 1)
	var batches []sourcecrm.Batch
	for b := range out {
		batches = append(batches, b)
	}
	require.NoError(t, <-errc)
	assert.Len(t, batches, 1)
}

func TestClient_FetchAll_AuthFailureIsFatalWithoutRetry(t *testing.T) {
	doer := &scriptedDoer{
		responses: []*http.Response{jsonResponse(http.StatusUnauthorized, `{}`)},
		errs:      []error{nil},
	}
	c := &sourcecrm.Client{BaseURL: "http://fake.invalid", HTTP: doer, Limiter: ratelimit.New(1000)}

	out, errc := c.FetchAll(context.Background(), sourcecrm.KindStudent, sourcecrm.Filters{}, 100, 1)
	for range out {
	}
	err := <-errc
	assert.ErrorIs(t, err, sourcecrm.ErrAuthFailure)
	assert.Equal(t, int32(1), doer.calls) // no retry on auth failure
}

func TestClient_FetchAll_MalformedResponseIsFatal(t *testing.T) {
	doer := &scriptedDoer{
		responses: []*http.Response{jsonResponse(http.StatusOK, `not json`)},
		errs:      []error{nil},
	}
	c := &sourcecrm.Client{BaseURL: "http://fake.invalid", HTTP: doer, Limiter: ratelimit.New(1000)}

	out, errc := c.FetchAll(context.Background(), sourcecrm.KindStudent, sourcecrm.Filters{}, 100, 1)
	for range out {
	}
	assert.ErrorIs(t, <-errc, sourcecrm.ErrMalformedResponse)
}

func TestClient_FetchAll_RetriesThenSucceedsOn5xx(t *testing.T) {
	doer := &scriptedDoer{
		responses: []*http.Response{
			jsonResponse(http.StatusServiceUnavailable, `{}`),
			jsonResponse(http.StatusOK, `{"records":[{"id":"1"}], "total_pages":1}`),
		},
		errs: []error{nil, nil},
	}
	c := sourcecrm.NewClient("http://fake.invalid", "app", "key", 1000, 1)
	c.HTTP = doer

	out, errc := c.FetchAll(context.Background(), sourcecrm.KindStudent, sourcecrm.Filters{}, 100, 1)
	var batches []sourcecrm.Batch
	for b := range out {
		batches = append(batches, b)
	}
	require.NoError(t, <-errc)
	require.Len(t, batches, 1)
	assert.GreaterOrEqual(t, doer.calls, int32(2))
}

func TestClient_FetchForEstablishment_ScopesToOneEstablishment(t *testing.T) {
	doer := &scriptedDoer{
		responses: []*http.Response{jsonResponse(http.StatusOK, `{"records":[], "total_pages":1}`)},
		errs:      []error{nil},
	}
	c := &sourcecrm.Client{BaseURL: "http://fake.invalid", HTTP: doer, Limiter: ratelimit.New(1000)}

	out, errc := c.FetchForEstablishment(context.Background(), sourcecrm.KindStudent, "est-1", sourcecrm.Filters{}, 100)
	for range out {
	}
	require.NoError(t, <-errc)
}

func TestClient_FetchAll_NetworkErrorSurfacesAsTransient(t *testing.T) {
	doer := &scriptedDoer{
		responses: make([]*http.Response, 1),
		errs:      []error{errors.New("connection reset")},
	}
	c := &sourcecrm.Client{BaseURL: "http://fake.invalid", HTTP: doer, Limiter: ratelimit.New(1000)}

	out, errc := c.FetchAll(context.Background(), sourcecrm.KindStudent, sourcecrm.Filters{}, 100, 1)
	for range out {
	}
	assert.ErrorIs(t, <-errc, sourcecrm.ErrTransientNetwork)
}

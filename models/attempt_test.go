package models

import (
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newAttempt() *ForwardAttempt {
	return NewForwardAttempt(&ProxyRequest{
		Method:   "GET",
		Path:     "/api/users/1",
		Header:   http.Header{"User-Agent": {"test-agent"}},
		Body:     []byte("hello"),
		ClientIP: "10.0.0.1",
	}, time.Now())
}

func TestAttemptTimings(t *testing.T) {
	a := newAttempt()
	assert.Equal(t, AttemptPending, a.Status)
	assert.Equal(t, "test-agent", a.UserAgent)
	assert.Equal(t, int64(5), a.RequestSize)

	send := time.Now()
	require.NoError(t, a.MarkSending(send))
	assert.Equal(t, AttemptSending, a.Status)
	assert.Nil(t, a.LatencyMs)

	firstByte := send.Add(120*time.Millisecond + 400*time.Microsecond)
	assert.True(t, a.MarkFirstByte(firstByte))
	assert.Equal(t, AttemptReceiving, a.Status)
	require.NotNil(t, a.LatencyMs)
	assert.Equal(t, int64(120), *a.LatencyMs)

	complete := firstByte.Add(79*time.Millisecond + 600*time.Microsecond)
	require.NoError(t, a.Complete(complete))
	assert.Equal(t, AttemptCompleted, a.Status)
	require.NotNil(t, a.DownloadMs)
	assert.Equal(t, int64(80), *a.DownloadMs)
	require.NotNil(t, a.DurationMs)
	assert.Equal(t, int64(200), *a.DurationMs)
	assert.Equal(t, int64(200), *a.BackendResponseTimeMs)
}

func TestAttemptFirstByteIsStampedOnce(t *testing.T) {
	a := newAttempt()
	send := time.Now()
	require.NoError(t, a.MarkSending(send))

	first := send.Add(10 * time.Millisecond)
	assert.True(t, a.MarkFirstByte(first))
	assert.False(t, a.MarkFirstByte(first.Add(time.Second)))
	assert.Equal(t, first, *a.FirstByteTime)
	assert.Equal(t, int64(10), *a.LatencyMs)
}

func TestAttemptFinalIsTerminal(t *testing.T) {
	a := newAttempt()
	require.NoError(t, a.Fail(time.Now(), "boom"))
	assert.Equal(t, AttemptFailed, a.Status)
	assert.Equal(t, "boom", a.ErrorMessage)

	assert.ErrorIs(t, a.Complete(time.Now()), ErrAttemptFinalized)
	assert.ErrorIs(t, a.MarkSending(time.Now()), ErrAttemptFinalized)
	assert.False(t, a.MarkFirstByte(time.Now()))
	assert.Equal(t, AttemptFailed, a.Status)
}

func TestAttemptDurationWithoutSend(t *testing.T) {
	a := newAttempt()
	require.NoError(t, a.Fail(a.RequestTime.Add(3*time.Millisecond), "no backend"))
	require.NotNil(t, a.DurationMs)
	assert.Equal(t, int64(3), *a.DurationMs)
	assert.Nil(t, a.BackendResponseTimeMs)
}

func TestAttemptResponseBodyIsCapped(t *testing.T) {
	a := newAttempt()
	body := []byte(strings.Repeat("x", MaxBodySnippet+500))
	a.SetResponse(200, http.Header{"Content-Type": {"text/plain"}}, body)
	assert.Len(t, a.ResponseBody, MaxBodySnippet)
	assert.Equal(t, int64(MaxBodySnippet+500), a.ResponseSize)
}

func TestAttachSnapshots(t *testing.T) {
	a := newAttempt()
	rule := &Rule{ID: 7, Name: "users", SourcePath: "/api/users/{id}", Middlewares: []MiddlewareBinding{{Name: "jwt_auth"}}}
	a.AttachRule(rule)
	assert.Equal(t, int64(7), *a.RuleID)
	assert.Equal(t, []string{"jwt_auth"}, a.MiddlewaresUsed)
	assert.Equal(t, "round_robin", a.LoadBalanceStrategy)

	b1 := &Backend{ID: 1, Name: "one", URL: "http://one", Weight: 3}
	b2 := &Backend{ID: 2, Name: "two", URL: "http://two", Weight: 1}
	a.AttachBackend(b2, []*Backend{b1, b2})
	assert.Equal(t, int64(2), *a.BackendID)
	assert.Equal(t, "http://two", a.BackendURL)
	assert.Len(t, a.AvailableBackends, 2)

	rule.Name = "renamed"
	assert.Equal(t, "users", a.RuleName)
}

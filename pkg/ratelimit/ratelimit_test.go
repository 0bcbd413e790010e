package ratelimit

import (
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func newTestLimiter(ceiling int, start time.Time) (*Limiter, *time.Time) {
	limiter := NewLimiter(ceiling, time.Minute)
	current := start
	limiter.now = func() time.Time { return current }
	return limiter, &current
}

func TestLimiter_Ceiling(t *testing.T) {
	limiter, _ := newTestLimiter(10, time.Unix(6000, 0))
	for i := 0; i < 10; i++ {
		ok, _ := limiter.Admit("1.2.3.4")
		assert.True(t, ok, "request %d", i)
	}
	ok, retryAfter := limiter.Admit("1.2.3.4")
	assert.False(t, ok)
	assert.Equal(t, time.Minute, retryAfter)

	ok, _ = limiter.Admit("5.6.7.8")
	assert.True(t, ok)
}

func TestLimiter_RejectedNotCounted(t *testing.T) {
	limiter, _ := newTestLimiter(2, time.Unix(6000, 0))
	limiter.Admit("a")
	limiter.Admit("a")
	for i := 0; i < 5; i++ {
		limiter.Admit("a")
	}
	w := limiter.windows[key{client: "a", index: limiter.index(limiter.now())}]
	assert.Equal(t, 2, w.Count)
}

func TestLimiter_NextWindow(t *testing.T) {
	limiter, current := newTestLimiter(1, time.Unix(6000, 0))
	ok, _ := limiter.Admit("a")
	assert.True(t, ok)
	*current = current.Add(45 * time.Second)
	ok, retryAfter := limiter.Admit("a")
	assert.False(t, ok)
	assert.Equal(t, 15*time.Second, retryAfter)

	*current = current.Add(15 * time.Second)
	ok, _ = limiter.Admit("a")
	assert.True(t, ok)
}

func TestLimiter_LazyEviction(t *testing.T) {
	limiter, current := newTestLimiter(10, time.Unix(6000, 0))
	limiter.Admit("a")
	limiter.Admit("b")
	assert.Equal(t, 2, limiter.Len())

	*current = current.Add(time.Minute)
	limiter.Admit("c")
	assert.Equal(t, 3, limiter.Len())

	*current = current.Add(time.Minute)
	limiter.Admit("c")
	assert.Equal(t, 2, limiter.Len())
}

func TestLimiter_Prune(t *testing.T) {
	limiter, current := newTestLimiter(10, time.Unix(6000, 0))
	limiter.Admit("a")
	*current = current.Add(time.Minute)
	limiter.Admit("b")
	assert.Equal(t, 2, limiter.Len())

	assert.Equal(t, 0, limiter.Prune(5))
	*current = current.Add(6 * time.Minute)
	assert.Equal(t, 2, limiter.Prune(5))
	assert.Equal(t, 0, limiter.Len())
}

func TestLimiter_ConcurrentNeverExceedsCeiling(t *testing.T) {
	limiter, _ := newTestLimiter(10, time.Unix(6000, 0))
	var admitted int32
	var wg sync.WaitGroup
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if ok, _ := limiter.Admit("a"); ok {
				atomic.AddInt32(&admitted, 1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(10), admitted)
}

func TestMiddleware(t *testing.T) {
	limiter, _ := newTestLimiter(2, time.Unix(6000, 0))
	handler := http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		writer.WriteHeader(http.StatusOK)
	})
	wrapped := limiter.Middleware(ClientIP, func(writer http.ResponseWriter, retryAfter time.Duration) {
		writer.Header().Set("Retry-After", strconv.Itoa(int(retryAfter.Seconds())))
		writer.WriteHeader(http.StatusTooManyRequests)
	})(handler)

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		request := httptest.NewRequest(http.MethodPost, "/api/generate-certificate", nil)
		request.RemoteAddr = "10.0.0.1:" + strconv.Itoa(40000+i)
		recorder := httptest.NewRecorder()
		wrapped.ServeHTTP(recorder, request)
		codes = append(codes, recorder.Code)
		if recorder.Code == http.StatusTooManyRequests {
			assert.Equal(t, "60", recorder.Header().Get("Retry-After"))
		}
	}
	assert.Equal(t, []int{http.StatusOK, http.StatusOK, http.StatusTooManyRequests}, codes)
}

func TestClientIP(t *testing.T) {
	request := httptest.NewRequest(http.MethodGet, "/", nil)
	request.RemoteAddr = "192.168.1.9:5555"
	assert.Equal(t, "192.168.1.9", ClientIP(request))
	request.RemoteAddr = "weird"
	assert.Equal(t, "weird", ClientIP(request))
}

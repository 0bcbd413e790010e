package ratelimit

import (
	"net"
	"net/http"
	"sync"
	"time"
)

type key struct {
	client string
	index  int64
}

// Window is the counter for one client in one window.
type Window struct {
	Count     int
	Timestamp time.Time
}

// Limiter is a per-client fixed-window request counter.
type Limiter struct {
	mu      sync.Mutex
	windows map[key]*Window
	ceiling int
	length  time.Duration
	now     func() time.Time
}

func NewLimiter(ceiling int, window time.Duration) *Limiter {
	return &Limiter{
		windows: make(map[key]*Window),
		ceiling: ceiling,
		length:  window,
		now:     time.Now,
	}
}

func (l *Limiter) Ceiling() int {
	return l.ceiling
}

func (l *Limiter) index(t time.Time) int64 {
	return t.UnixNano() / int64(l.length)
}

// Admit counts one request for client. When the window is already full the
// request is rejected, not counted, and retryAfter is the time left until
// the next window opens.
func (l *Limiter) Admit(client string) (bool, time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	current := l.index(now)
	l.evict(current - 1)

	k := key{client: client, index: current}
	w, ok := l.windows[k]
	if !ok {
		w = &Window{Timestamp: now}
		l.windows[k] = w
	}
	if w.Count >= l.ceiling {
		next := time.Unix(0, (current+1)*int64(l.length))
		return false, next.Sub(now)
	}
	w.Count++
	w.Timestamp = now
	return true, 0
}

func (l *Limiter) evict(oldest int64) int {
	removed := 0
	for k := range l.windows {
		if k.index < oldest {
			delete(l.windows, k)
			removed++
		}
	}
	return removed
}

// Prune drops windows more than windowsBehind windows older than the current
// one and returns how many were removed.
func (l *Limiter) Prune(windowsBehind int) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.evict(l.index(l.now()) - int64(windowsBehind))
}

// Len is the number of tracked windows.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.windows)
}

// Middleware rejects requests over the limit through onReject; everything
// else is passed to next.
func (l *Limiter) Middleware(keyFunc func(*http.Request) string, onReject func(http.ResponseWriter, time.Duration)) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
			if ok, retryAfter := l.Admit(keyFunc(request)); !ok {
				onReject(writer, retryAfter)
				return
			}
			next.ServeHTTP(writer, request)
		})
	}
}

// ClientIP keys requests by the remote host of the connection.
func ClientIP(request *http.Request) string {
	host, _, err := net.SplitHostPort(request.RemoteAddr)
	if err != nil {
		return request.RemoteAddr
	}
	return host
}

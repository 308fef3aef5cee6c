package replicate

import (
	"sync"
	"time"
)

func DefaultRequestLimiterSettings() *RequestLimiterSettings {
	return &RequestLimiterSettings{
		MaxRequests: 5,
		Window:      10 * time.Second,
	}
}

type RequestLimiterSettings struct {
	MaxRequests int
	Window      time.Duration
}

// sliding window request counter per identity, guarding the bootstrap
// snapshot request path. there is no background eviction task. pruning
// happens lazily on each call, which is bounded by the very quota this
// enforces.
type RequestLimiter struct {
	settings *RequestLimiterSettings

	stateLock sync.Mutex
	// client id -> request times inside the trailing window, in order
	clientIdRequestTimes map[Id][]time.Time
}

func NewRequestLimiterWithDefaults() *RequestLimiter {
	return NewRequestLimiter(DefaultRequestLimiterSettings())
}

func NewRequestLimiter(settings *RequestLimiterSettings) *RequestLimiter {
	return &RequestLimiter{
		settings:             settings,
		clientIdRequestTimes: map[Id][]time.Time{},
	}
}

// denies if the identity already made `MaxRequests` requests inside the
// trailing window, else records this request and allows
func (self *RequestLimiter) CanRequest(clientId Id) bool {
	return self.canRequest(clientId, time.Now())
}

func (self *RequestLimiter) canRequest(clientId Id, requestTime time.Time) bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	windowStartTime := requestTime.Add(-self.settings.Window)

	requestTimes := self.clientIdRequestTimes[clientId]
	i := 0
	for ; i < len(requestTimes) && requestTimes[i].Before(windowStartTime); i += 1 {
	}
	if 0 < i {
		requestTimes = requestTimes[i:]
	}

	if self.settings.MaxRequests <= len(requestTimes) {
		self.clientIdRequestTimes[clientId] = requestTimes
		return false
	}

	self.clientIdRequestTimes[clientId] = append(requestTimes, requestTime)
	return true
}

// clears one identity's history
func (self *RequestLimiter) Reset(clientId Id) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	delete(self.clientIdRequestTimes, clientId)
}

// clears all history
func (self *RequestLimiter) Clear() {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.clientIdRequestTimes = map[Id][]time.Time{}
}

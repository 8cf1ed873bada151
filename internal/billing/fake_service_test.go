package billing

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const waitTimeout = 2 * time.Second

// fakeService is a scripted Service. Connection setup and purchase updates are
// only delivered when the test asks for them, unless autoSetup is set.
type fakeService struct {
	mu sync.Mutex

	listeners []Listener
	ready     bool
	autoSetup *ResponseCode

	starts int
	ends   int

	catalog        map[Kind][]CatalogEntry
	catalogCode    ResponseCode
	catalogQueries [][]string

	ownedCodes map[Kind]ResponseCode
	owned      map[Kind][]Purchase

	featureCode ResponseCode
	launchCode  ResponseCode
	launches    []string

	consumeCode ResponseCode
	consumed    []string
}

func newFakeService() *fakeService {
	return &fakeService{
		catalog:    make(map[Kind][]CatalogEntry),
		ownedCodes: make(map[Kind]ResponseCode),
		owned:      make(map[Kind][]Purchase),
	}
}

func (f *fakeService) withAutoSetup(code ResponseCode) *fakeService {
	f.autoSetup = &code
	return f
}

func (f *fakeService) StartConnection(listener Listener) {
	f.mu.Lock()
	f.starts++
	f.listeners = append(f.listeners, listener)
	auto := f.autoSetup
	if auto != nil && *auto == OK {
		f.ready = true
	}
	f.mu.Unlock()

	if auto != nil {
		listener.OnSetupFinished(*auto)
	}
}

func (f *fakeService) EndConnection() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ends++
	f.ready = false
}

func (f *fakeService) IsReady() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ready
}

func (f *fakeService) QueryCatalog(ids []string, kind Kind, done func(ResponseCode, []CatalogEntry)) {
	f.mu.Lock()
	f.catalogQueries = append(f.catalogQueries, append([]string(nil), ids...))
	code := f.catalogCode
	var entries []CatalogEntry
	for _, e := range f.catalog[kind] {
		for _, id := range ids {
			if e.ID == id {
				entries = append(entries, e)
			}
		}
	}
	f.mu.Unlock()

	// Deliver from another goroutine, like a real SDK would.
	go done(code, entries)
}

func (f *fakeService) QueryPurchases(kind Kind) (ResponseCode, []Purchase) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ownedCodes[kind], append([]Purchase(nil), f.owned[kind]...)
}

func (f *fakeService) LaunchPurchaseFlow(productID string, kind Kind) ResponseCode {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.launches = append(f.launches, productID)
	return f.launchCode
}

func (f *fakeService) IsFeatureSupported(feature Feature) ResponseCode {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.featureCode
}

func (f *fakeService) Consume(token string, done func(ResponseCode, string)) {
	f.mu.Lock()
	f.consumed = append(f.consumed, token)
	code := f.consumeCode
	f.mu.Unlock()
	go done(code, token)
}

// finishSetup reports the outcome of the most recent connection attempt.
func (f *fakeService) finishSetup(code ResponseCode) {
	f.mu.Lock()
	l := f.listeners[len(f.listeners)-1]
	if code == OK {
		f.ready = true
	}
	f.mu.Unlock()
	l.OnSetupFinished(code)
}

func (f *fakeService) listener(i int) Listener {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.listeners[i]
}

func (f *fakeService) disconnect() {
	f.mu.Lock()
	l := f.listeners[len(f.listeners)-1]
	f.ready = false
	f.mu.Unlock()
	l.OnDisconnected()
}

func (f *fakeService) updatePurchases(code ResponseCode, purchases []Purchase) {
	f.mu.Lock()
	l := f.listeners[len(f.listeners)-1]
	f.mu.Unlock()
	l.OnPurchasesUpdated(code, purchases)
}

func (f *fakeService) startCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.starts
}

func (f *fakeService) endCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ends
}

func (f *fakeService) launched() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.launches...)
}

func (f *fakeService) consumedTokens() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.consumed...)
}

func (f *fakeService) queries() [][]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]string(nil), f.catalogQueries...)
}

type outcome[T any] struct {
	value T
	err   error
}

// collector returns a reply func and the channel its results land on.
func collector[T any]() (func(T, error), chan outcome[T]) {
	ch := make(chan outcome[T], 16)
	return func(v T, err error) { ch <- outcome[T]{value: v, err: err} }, ch
}

func receive[T any](t *testing.T, ch <-chan outcome[T]) outcome[T] {
	t.Helper()
	select {
	case o := <-ch:
		return o
	case <-time.After(waitTimeout):
		t.Fatal("timed out waiting for reply")
		return outcome[T]{}
	}
}

func assertNoReply[T any](t *testing.T, ch <-chan outcome[T]) {
	t.Helper()
	select {
	case o := <-ch:
		t.Fatalf("unexpected reply: %+v", o)
	case <-time.After(50 * time.Millisecond):
	}
}

func newTestSession(t *testing.T, svc Service, mutate func(*Config)) *Session {
	t.Helper()
	cfg := Config{QueueCapacity: 16}
	if mutate != nil {
		mutate(&cfg)
	}
	s := NewSession(svc, cfg)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	require.Eventually(t, cond, waitTimeout, 5*time.Millisecond, msg)
}

package relayer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	gjson "github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap/zaptest"

	"github.com/viral-sync/relayer/common"
	"github.com/viral-sync/relayer/ratelimit"
)

type MockService struct {
	RelayFunc  func(ctx context.Context, in *RelayParams) (*RelayResponse, *LogMetric, error)
	HealthFunc func(ctx context.Context) (*HealthResponse, error)

	mu     sync.Mutex
	relays []*RelayParams
}

var _ IService = (*MockService)(nil)

func (m *MockService) Relay(ctx context.Context, in *RelayParams) (*RelayResponse, *LogMetric, error) {
	m.mu.Lock()
	m.relays = append(m.relays, in)
	m.mu.Unlock()
	if m.RelayFunc != nil {
		return m.RelayFunc(ctx, in)
	}
	return &RelayResponse{Signature: "sig", Status: StatusSuccess}, new(LogMetric), nil
}

func (m *MockService) Health(ctx context.Context) (*HealthResponse, error) {
	if m.HealthFunc != nil {
		return m.HealthFunc(ctx)
	}
	return &HealthResponse{Status: StatusOK}, nil
}

func (m *MockService) relayCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.relays)
}

type failingStore struct{}

func (failingStore) Allow(context.Context, string, time.Time) (bool, error) {
	return false, errors.New("redis: connection refused")
}
func (failingStore) Sweep(context.Context, time.Time) (int, error) { return 0, nil }

func newTestServer(t *testing.T, svc IService, opts ...ServerOption) http.Handler {
	t.Helper()
	opts = append([]ServerOption{
		WithLogger(zaptest.NewLogger(t)),
		WithTracer(noop.NewTracerProvider().Tracer("test")),
		WithService(svc),
		WithRateLimiter(ratelimit.NewMemoryStore(ratelimit.DefaultConfig())),
	}, opts...)
	return New(opts...).InitHandler()
}

// postRelay sends body from the IPv4 address identity.
func postRelay(handler http.Handler, identity string, body []byte, headers ...string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, common.PathRelay, bytes.NewReader(body))
	req.Header.Set(common.HeaderContentType, common.MediaTypeJSON)
	req.RemoteAddr = identity + ":4711"
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	return rr
}

func decodeError(t *testing.T, rr *httptest.ResponseRecorder) ErrorResp {
	t.Helper()
	var resp ErrorResp
	require.NoError(t, gjson.Unmarshal(rr.Body.Bytes(), &resp), rr.Body.String())
	return resp
}

func TestServer_HandleRelay(t *testing.T) {
	testCases := map[string]struct {
		mockService  *MockService
		expectedCode int
		expectedBody string
	}{
		"success": {
			mockService: &MockService{
				RelayFunc: func(context.Context, *RelayParams) (*RelayResponse, *LogMetric, error) {
					return &RelayResponse{Signature: "5abc", Status: StatusSuccess}, new(LogMetric), nil
				},
			},
			expectedCode: http.StatusOK,
			expectedBody: `{"signature":"5abc","status":"success"}`,
		},
		"validation error": {
			mockService: &MockService{
				RelayFunc: func(context.Context, *RelayParams) (*RelayResponse, *LogMetric, error) {
					return nil, new(LogMetric), toErrorResp(http.StatusBadRequest, errMsgMissingTransaction)
				},
			},
			expectedCode: http.StatusBadRequest,
			expectedBody: `{"error":"Missing transaction data"}`,
		},
		"simulation error carries logs": {
			mockService: &MockService{
				RelayFunc: func(context.Context, *RelayParams) (*RelayResponse, *LogMetric, error) {
					resp := toErrorResp(http.StatusBadRequest, errMsgSimulationFailed)
					resp.Logs = []string{"Program log: custom error"}
					return nil, new(LogMetric), resp
				},
			},
			expectedCode: http.StatusBadRequest,
			expectedBody: `{"error":"Transaction simulation failed","logs":["Program log: custom error"]}`,
		},
		"broadcast error": {
			mockService: &MockService{
				RelayFunc: func(context.Context, *RelayParams) (*RelayResponse, *LogMetric, error) {
					return nil, nil, toErrorResp(http.StatusInternalServerError, "sendTransaction: node is unhealthy")
				},
			},
			expectedCode: http.StatusInternalServerError,
			expectedBody: `{"error":"sendTransaction: node is unhealthy"}`,
		},
		"untyped error": {
			mockService: &MockService{
				RelayFunc: func(context.Context, *RelayParams) (*RelayResponse, *LogMetric, error) {
					return nil, nil, errors.New("boom")
				},
			},
			expectedCode: http.StatusInternalServerError,
			expectedBody: `{"error":"boom"}`,
		},
	}

	for name, tc := range testCases {
		t.Run(name, func(t *testing.T) {
			handler := newTestServer(t, tc.mockService)
			rr := postRelay(handler, "203.0.113.7", []byte(`{"transactionBase64":"AQ=="}`))

			assert.Equal(t, tc.expectedCode, rr.Code)
			assert.JSONEq(t, tc.expectedBody, rr.Body.String())
			assert.Equal(t, common.MediaTypeJSON, rr.Header().Get(common.HeaderContentType))
		})
	}
}

func TestServer_HandleRelay_PassesRequestDetails(t *testing.T) {
	svc := &MockService{}
	handler := newTestServer(t, svc)

	body := []byte(`{"transactionBase64":"AQ=="}`)
	rr := postRelay(handler, "198.51.100.4", body)
	require.Equal(t, http.StatusOK, rr.Code)

	require.Equal(t, 1, svc.relayCount())
	in := svc.relays[0]
	assert.Equal(t, "198.51.100.4", in.ClientIP)
	assert.Equal(t, body, in.Payload)
	assert.NotEmpty(t, in.RequestID)
	assert.False(t, in.ReceivedAt.IsZero())
}

func TestServer_HandleRelay_BodyTooLarge(t *testing.T) {
	svc := &MockService{}
	handler := newTestServer(t, svc, WithMaxBodyBytes(64))

	body := []byte(fmt.Sprintf(`{"transactionBase64":%q}`, strings.Repeat("A", 128)))
	rr := postRelay(handler, "203.0.113.7", body)

	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, errMsgTooLarge, decodeError(t, rr).Message)
	assert.Zero(t, svc.relayCount())
}

func TestServer_HandleRelay_BodyCapFollowsService(t *testing.T) {
	const ceiling = 3_000_000
	svc, _ := newTestService(t, &MockRPC{}, WithMaxTransactionSize(ceiling))
	handler := newTestServer(t, svc)

	body := []byte(fmt.Sprintf(`{"transactionBase64":%q}`, strings.Repeat("A", 2_500_000)))
	rr := postRelay(handler, "203.0.113.7", body)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	msg := decodeError(t, rr).Message
	assert.NotEqual(t, errMsgTooLarge, msg)
	assert.True(t, strings.HasPrefix(msg, errMsgInvalidTransaction), msg)

	body = []byte(fmt.Sprintf(`{"transactionBase64":%q}`, strings.Repeat("A", ceiling+bodyHeadroom)))
	rr = postRelay(handler, "203.0.113.7", body)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, errMsgTooLarge, decodeError(t, rr).Message)
}

func TestServer_MaxBodyBytes(t *testing.T) {
	svc, _ := newTestService(t, &MockRPC{}, WithMaxTransactionSize(3_000_000))
	assert.EqualValues(t, 3_000_000+bodyHeadroom, New(WithService(svc)).maxBodyBytes)
	assert.EqualValues(t, MaxTransactionBase64Len+bodyHeadroom, New(WithService(&MockService{})).maxBodyBytes)
	assert.EqualValues(t, 64, New(WithService(svc), WithMaxBodyBytes(64)).maxBodyBytes)
}

func TestServer_RateLimit(t *testing.T) {
	svc := &MockService{}
	handler := newTestServer(t, svc)
	body := []byte(`{"transactionBase64":"AQ=="}`)

	for i := 0; i < ratelimit.DefaultMaxRequests; i++ {
		rr := postRelay(handler, "203.0.113.7", body)
		require.Equal(t, http.StatusOK, rr.Code, "request %d", i+1)
	}

	rr := postRelay(handler, "203.0.113.7", body)
	assert.Equal(t, http.StatusTooManyRequests, rr.Code)
	assert.Equal(t, errMsgRateLimited, decodeError(t, rr).Message)
	assert.Equal(t, ratelimit.DefaultMaxRequests, svc.relayCount())

	rr = postRelay(handler, "203.0.113.8", body)
	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestServer_RateLimit_IgnoresForwardedFor(t *testing.T) {
	svc := &MockService{}
	handler := newTestServer(t, svc)
	body := []byte(`{"transactionBase64":"AQ=="}`)

	var ok, limited int
	for i := 0; i < 100; i++ {
		rr := postRelay(handler, "203.0.113.7", body,
			common.HeaderXForwardedFor, fmt.Sprintf("198.51.%d.%d", i/256, i%256),
			"X-Real-IP", fmt.Sprintf("192.0.2.%d", i),
		)
		switch rr.Code {
		case http.StatusOK:
			ok++
		case http.StatusTooManyRequests:
			limited++
		}
	}
	assert.Equal(t, ratelimit.DefaultMaxRequests, ok)
	assert.Equal(t, 100-ratelimit.DefaultMaxRequests, limited)
	for _, in := range svc.relays {
		assert.Equal(t, "203.0.113.7", in.ClientIP)
	}
}

func TestServer_RateLimit_TrustProxy(t *testing.T) {
	svc := &MockService{}
	handler := newTestServer(t, svc, WithTrustProxy(true))
	body := []byte(`{"transactionBase64":"AQ=="}`)

	for i := 0; i < 100; i++ {
		rr := postRelay(handler, "10.0.0.1", body,
			common.HeaderXForwardedFor, fmt.Sprintf("198.51.%d.%d, 10.0.0.1", i/256, i%256),
		)
		require.Equal(t, http.StatusOK, rr.Code, "request %d", i+1)
	}
	assert.Equal(t, "198.51.0.0", svc.relays[0].ClientIP)

	for i := 0; i < ratelimit.DefaultMaxRequests; i++ {
		require.Equal(t, http.StatusOK, postRelay(handler, "10.0.0.1", body, "X-Real-IP", "192.0.2.50").Code)
	}
	assert.Equal(t, http.StatusTooManyRequests, postRelay(handler, "10.0.0.2", body, "X-Real-IP", "192.0.2.50").Code)
}

func TestServer_RateLimit_SlidingWindow(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	handler := newTestServer(t, &MockService{}, WithClock(clock))
	body := []byte(`{"transactionBase64":"AQ=="}`)

	for i := 0; i < ratelimit.DefaultMaxRequests; i++ {
		require.Equal(t, http.StatusOK, postRelay(handler, "203.0.113.7", body).Code)
	}
	require.Equal(t, http.StatusTooManyRequests, postRelay(handler, "203.0.113.7", body).Code)

	now = now.Add(ratelimit.DefaultWindow + time.Millisecond)
	assert.Equal(t, http.StatusOK, postRelay(handler, "203.0.113.7", body).Code)
}

func TestServer_RateLimit_StoreFailureLetsRequestThrough(t *testing.T) {
	svc := &MockService{}
	handler := newTestServer(t, svc, WithRateLimiter(failingStore{}))

	rr := postRelay(handler, "203.0.113.7", []byte(`{"transactionBase64":"AQ=="}`))
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, 1, svc.relayCount())
}

func TestServer_AccessFilter(t *testing.T) {
	filter := AccessFilter{IPs: NewAccessList("192.0.2.10", "192.0.2.66")}
	body := []byte(`{"transactionBase64":"AQ=="}`)

	t.Run("blocked", func(t *testing.T) {
		svc := &MockService{}
		handler := newTestServer(t, svc, WithAccessFilter(filter))

		rr := postRelay(handler, "192.0.2.66", body)
		assert.Equal(t, http.StatusForbidden, rr.Code)
		assert.Equal(t, errMsgAccessDenied, decodeError(t, rr).Message)
		assert.Zero(t, svc.relayCount())
	})

	t.Run("allow list bypasses rate limit", func(t *testing.T) {
		svc := &MockService{}
		handler := newTestServer(t, svc, WithAccessFilter(filter))

		for i := 0; i < ratelimit.DefaultMaxRequests+10; i++ {
			rr := postRelay(handler, "192.0.2.10", body)
			require.Equal(t, http.StatusOK, rr.Code, "request %d", i+1)
		}
	})
}

func TestServer_HandleOptions(t *testing.T) {
	for _, path := range []string{common.PathRelay, common.PathActionsPrefix + "/claim"} {
		t.Run(path, func(t *testing.T) {
			handler := newTestServer(t, &MockService{})
			req := httptest.NewRequest(http.MethodOptions, path, nil)
			rr := httptest.NewRecorder()
			handler.ServeHTTP(rr, req)

			assert.Equal(t, http.StatusOK, rr.Code)
			assert.Equal(t, "*", rr.Header().Get("Access-Control-Allow-Origin"))
			assert.Equal(t, "GET, POST, OPTIONS", rr.Header().Get("Access-Control-Allow-Methods"))
			assert.Equal(t, "Content-Type, Authorization, Content-Encoding, Accept-Encoding", rr.Header().Get("Access-Control-Allow-Headers"))
		})
	}
}

func TestServer_CORSPreflight(t *testing.T) {
	handler := newTestServer(t, &MockService{})
	req := httptest.NewRequest(http.MethodOptions, common.PathRelay, nil)
	req.Header.Set("Origin", "https://app.example.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	req.Header.Set("Access-Control-Request-Headers", "Content-Type")
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "*", rr.Header().Get("Access-Control-Allow-Origin"))
}

func TestServer_HandleHealth(t *testing.T) {
	testCases := map[string]struct {
		mockService  *MockService
		expectedCode int
		expectedBody string
	}{
		"ok": {
			mockService: &MockService{
				HealthFunc: func(context.Context) (*HealthResponse, error) {
					return &HealthResponse{
						Status:        StatusOK,
						RelayerPubkey: "Relay1111",
						Balance:       2_000_000_000,
						BalanceSOL:    2,
						RPCURL:        "https://api.devnet.solana.com",
						Uptime:        12.5,
						Mode:          ModeDev,
					}, nil
				},
			},
			expectedCode: http.StatusOK,
			expectedBody: `{"status":"ok","relayerPubkey":"Relay1111","balance":2000000000,"balanceSOL":2,"rpcUrl":"https://api.devnet.solana.com","uptime":12.5,"mode":"Dev (random keypair)"}`,
		},
		"rpc offline": {
			mockService: &MockService{
				HealthFunc: func(context.Context) (*HealthResponse, error) {
					return nil, toErrorResp(http.StatusInternalServerError, errMsgRPCOffline+": context deadline exceeded")
				},
			},
			expectedCode: http.StatusInternalServerError,
			expectedBody: `{"status":"error","error":"RPC offline: context deadline exceeded"}`,
		},
	}

	for name, tc := range testCases {
		t.Run(name, func(t *testing.T) {
			handler := newTestServer(t, tc.mockService)
			req := httptest.NewRequest(http.MethodGet, common.PathHealth, nil)
			rr := httptest.NewRecorder()
			handler.ServeHTTP(rr, req)

			assert.Equal(t, tc.expectedCode, rr.Code)
			assert.JSONEq(t, tc.expectedBody, rr.Body.String())
		})
	}
}

func TestServer_Metrics(t *testing.T) {
	handler := newTestServer(t, &MockService{})
	RPCUp.Set(1)

	req := httptest.NewRequest(http.MethodGet, common.PathMetrics, nil)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "relayer_rpc_up 1")
}

func TestServer_RecoversFromPanic(t *testing.T) {
	handler := newTestServer(t, &MockService{
		RelayFunc: func(context.Context, *RelayParams) (*RelayResponse, *LogMetric, error) {
			panic("unexpected")
		},
	})

	rr := postRelay(handler, "203.0.113.7", []byte(`{"transactionBase64":"AQ=="}`))
	assert.Equal(t, http.StatusInternalServerError, rr.Code)
}

// 150 identities relaying at once through the real service must each get
// their own window and their own signature.
func TestServer_ConcurrentIdentities(t *testing.T) {
	const identities = 150

	rpc := &MockRPC{}
	svc, authority := newTestService(t, rpc)
	srv := httptest.NewServer(newTestServer(t, svc, WithTrustProxy(true)))
	defer srv.Close()

	bodies := make([][]byte, identities)
	for i := range bodies {
		tx, _ := sessionSignedTx(t, i%2 == 0, authority.PublicKey())
		bodies[i] = relayBody(t, tx)
	}

	var wg sync.WaitGroup
	codes := make([]int, identities)
	signatures := make([]string, identities)
	for i := 0; i < identities; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			req, err := http.NewRequest(http.MethodPost, srv.URL+common.PathRelay, bytes.NewReader(bodies[i]))
			if err != nil {
				return
			}
			req.Header.Set("X-Real-IP", fmt.Sprintf("10.1.%d.%d", i/256, i%256))
			resp, err := srv.Client().Do(req)
			if err != nil {
				return
			}
			defer resp.Body.Close()
			codes[i] = resp.StatusCode
			raw, _ := io.ReadAll(resp.Body)
			var out RelayResponse
			if gjson.Unmarshal(raw, &out) == nil {
				signatures[i] = out.Signature
			}
		}(i)
	}
	wg.Wait()

	seen := make(map[string]struct{}, identities)
	for i := 0; i < identities; i++ {
		require.Equal(t, http.StatusOK, codes[i], "identity %d", i)
		require.NotEmpty(t, signatures[i])
		seen[signatures[i]] = struct{}{}
	}
	assert.Len(t, seen, identities)
	assert.EqualValues(t, identities, rpc.sendCalls.Load())
}

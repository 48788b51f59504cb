package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/visionkarts/checkout/internal/billing"
	"github.com/visionkarts/checkout/internal/cart"
	"github.com/visionkarts/checkout/internal/config"
	"github.com/visionkarts/checkout/internal/correlate"
	"github.com/visionkarts/checkout/internal/session"
	"github.com/visionkarts/checkout/internal/store"
	"github.com/visionkarts/checkout/internal/testutil"
	"github.com/visionkarts/checkout/internal/timeutil"
)

type testEnv struct {
	server *Server
	mux    *http.ServeMux
	mgr    *session.Manager
	carts  *cart.Store
	db     *store.DB
	clock  *timeutil.MockClock
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	clock := timeutil.NewMockClock(time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC))
	carts := cart.NewStore(clock)
	mgr := session.NewManager(clock, carts, 5*time.Minute)

	db, err := store.NewDB(filepath.Join(t.TempDir(), "api_test.db"))
	if err != nil {
		t.Fatalf("NewDB failed: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	biller := billing.NewStaticBiller(map[string]int64{"kitkat": 149, "pepsi": 199})
	fin := session.NewFinalizer(mgr, carts, biller, db, clock)

	srv := NewServer(mgr, fin, carts, db, &config.TuningConfig{})
	return &testEnv{server: srv, mux: srv.ServeMux(), mgr: mgr, carts: carts, db: db, clock: clock}
}

func (e *testEnv) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	w := httptest.NewRecorder()
	e.mux.ServeHTTP(w, req)
	return w
}

func TestCreateSession(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, "POST", "/api/sessions", `{"customer_id":"cust-1"}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}

	var sess session.Session
	testutil.AssertNoError(t, json.Unmarshal(w.Body.Bytes(), &sess))
	if sess.CustomerID != "cust-1" || sess.State != session.StateCreated {
		t.Errorf("session = %+v", sess)
	}
	if !env.carts.Exists("cust-1") {
		t.Error("cart not created")
	}
}

func TestCreateSession_ConflictWhileLive(t *testing.T) {
	env := newTestEnv(t)

	if w := env.do(t, "POST", "/api/sessions", `{"customer_id":"cust-1"}`); w.Code != http.StatusCreated {
		t.Fatalf("first create status = %d", w.Code)
	}
	if w := env.do(t, "POST", "/api/sessions", `{"customer_id":"cust-1"}`); w.Code != http.StatusConflict {
		t.Errorf("second create status = %d, want 409", w.Code)
	}
}

func TestCreateSession_BadRequest(t *testing.T) {
	env := newTestEnv(t)

	if w := env.do(t, "POST", "/api/sessions", `{bad json`); w.Code != http.StatusBadRequest {
		t.Errorf("malformed body status = %d, want 400", w.Code)
	}
	if w := env.do(t, "POST", "/api/sessions", `{}`); w.Code != http.StatusBadRequest {
		t.Errorf("missing customer status = %d, want 400", w.Code)
	}
}

func TestShowSession_NotFound(t *testing.T) {
	env := newTestEnv(t)
	w := env.do(t, "GET", "/api/sessions/"+uuid.NewString(), "")
	testutil.AssertStatusCode(t, w.Code, http.StatusNotFound)
}

func TestExitSession_ReturnsTransaction(t *testing.T) {
	env := newTestEnv(t)

	sess, err := env.mgr.Create("cust-1")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	env.carts.ApplyEvent(correlate.ProductEvent{
		EventID:    uuid.NewString(),
		CustomerID: "cust-1",
		Label:      "kitkat",
		Kind:       correlate.Pick,
	})

	w := env.do(t, "POST", "/api/sessions/"+sess.ID+"/exit", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}

	var txn session.Transaction
	if err := json.Unmarshal(w.Body.Bytes(), &txn); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if txn.TotalCent != 149 || txn.SessionID != sess.ID {
		t.Errorf("transaction = %+v", txn)
	}

	// A retried exit settles to the same transaction.
	w = env.do(t, "POST", "/api/sessions/"+sess.ID+"/exit", "")
	if w.Code != http.StatusConflict && w.Code != http.StatusOK {
		t.Fatalf("retry status = %d", w.Code)
	}
	txns, _ := env.db.Transactions(t.Context(), 10)
	if len(txns) != 1 {
		t.Errorf("persisted %d transactions, want 1", len(txns))
	}
}

func TestAbortSession(t *testing.T) {
	env := newTestEnv(t)
	sess, _ := env.mgr.Create("cust-1")

	w := env.do(t, "POST", "/api/sessions/"+sess.ID+"/abort", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	got, _ := env.mgr.Get(sess.ID)
	if got.State != session.StateAborted {
		t.Errorf("state = %s, want aborted", got.State)
	}
	if w := env.do(t, "POST", "/api/sessions/"+sess.ID+"/abort", ""); w.Code != http.StatusConflict {
		t.Errorf("double abort status = %d, want 409", w.Code)
	}
}

func TestShowCart(t *testing.T) {
	env := newTestEnv(t)
	env.mgr.Create("cust-1")
	env.carts.ApplyEvent(correlate.ProductEvent{
		EventID:    uuid.NewString(),
		CustomerID: "cust-1",
		Label:      "pepsi",
		Kind:       correlate.Pick,
	})

	w := env.do(t, "GET", "/api/carts/cust-1", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var resp cartResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Items) != 1 || resp.Items[0].Label != "pepsi" {
		t.Errorf("cart = %+v", resp)
	}

	if w := env.do(t, "GET", "/api/carts/ghost", ""); w.Code != http.StatusNotFound {
		t.Errorf("unknown cart status = %d, want 404", w.Code)
	}
}

func TestListEvents_FilterAndValidation(t *testing.T) {
	env := newTestEnv(t)
	env.db.SaveProductEvent(t.Context(), correlate.ProductEvent{
		EventID:     uuid.NewString(),
		CustomerID:  "cust-1",
		Label:       "kitkat",
		Kind:        correlate.Pick,
		CommittedAt: time.Now().UTC(),
	})

	w := env.do(t, "GET", "/api/events?customer=cust-1", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var events []correlate.ProductEvent
	if err := json.Unmarshal(w.Body.Bytes(), &events); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(events) != 1 {
		t.Errorf("events = %+v", events)
	}

	if w := env.do(t, "GET", "/api/events?limit=bogus", ""); w.Code != http.StatusBadRequest {
		t.Errorf("bad limit status = %d, want 400", w.Code)
	}
}

func TestShowTransactionStats_Validation(t *testing.T) {
	env := newTestEnv(t)
	if w := env.do(t, "GET", "/api/transactions/rollup?days=zero", ""); w.Code != http.StatusBadRequest {
		t.Errorf("bad days status = %d, want 400", w.Code)
	}
	if w := env.do(t, "GET", "/api/transactions/rollup?days=7", ""); w.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", w.Code)
	}
}

func TestShowConfig(t *testing.T) {
	env := newTestEnv(t)
	w := env.do(t, "GET", "/api/config", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var cfg map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &cfg); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if _, ok := cfg["pick_confidence"]; !ok {
		t.Errorf("config = %+v, missing pick_confidence", cfg)
	}
}

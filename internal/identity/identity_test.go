package identity

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/ashureev/voxwallet/internal/domain"
)

func serve(t *testing.T, r *http.Request) (*httptest.ResponseRecorder, *http.Request) {
	t.Helper()
	var seen *http.Request
	h := Middleware(true)(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		seen = r
	}))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)
	if seen == nil {
		t.Fatal("Expected next handler to run")
	}
	return w, seen
}

func TestMiddleware_IssuesCookie(t *testing.T) {
	w, r := serve(t, httptest.NewRequest(http.MethodGet, "/api/session", nil))

	userID := UserIDFromContext(r.Context())
	if !isValidAnonID(userID) {
		t.Fatalf("Expected generated anon id, got %q", userID)
	}
	cookies := w.Result().Cookies()
	if len(cookies) != 1 || cookies[0].Value != userID {
		t.Errorf("Expected cookie with %q, got %+v", userID, cookies)
	}
	if SessionIDFromContext(r.Context()) != DefaultSessionIDValue {
		t.Errorf("Expected default session id, got %q", SessionIDFromContext(r.Context()))
	}
}

func TestMiddleware_ReusesCookieAndSession(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/api/session", nil)
	id := "anon_0123456789abcdef0123456789abcdef"
	req.AddCookie(&http.Cookie{Name: AnonCookieName, Value: id})
	req.Header.Set(SessionHeaderName, "tab-2")

	_, r := serve(t, req)
	if UserIDFromContext(r.Context()) != id {
		t.Errorf("Expected cookie id reused, got %q", UserIDFromContext(r.Context()))
	}
	if got := ClientKey(r.Context()); got != id+":tab-2" {
		t.Errorf("unexpected client key %q", got)
	}
}

func TestMiddleware_Wallet(t *testing.T) {
	evm := "0x00000000000000000000000000000000000000aA"
	req := httptest.NewRequest(http.MethodGet, "/ws/session?substrate_address=5GrwvaEF5zXb26Fz9rcQpDWS57CtERHpNehXCPcNoHGKutQY", nil)
	req.Header.Set(EVMHeaderName, evm)

	_, r := serve(t, req)
	want := domain.WalletContext{EVMAddress: evm, SubstrateAddress: "5GrwvaEF5zXb26Fz9rcQpDWS57CtERHpNehXCPcNoHGKutQY"}
	if got := WalletFromContext(r.Context()); got != want {
		t.Errorf("Expected %+v, got %+v", want, got)
	}
}

func TestMiddleware_RejectsMalformedAddresses(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/api/session", nil)
	req.Header.Set(EVMHeaderName, "0x1234")
	req.Header.Set(SubstrateHeaderName, "not-an-address")

	_, r := serve(t, req)
	if !WalletFromContext(r.Context()).Empty() {
		t.Errorf("Expected empty wallet, got %+v", WalletFromContext(r.Context()))
	}
}

func TestSanitizeSessionID(t *testing.T) {
	if got := sanitizeSessionID("bad id with spaces"); got != DefaultSessionIDValue {
		t.Errorf("Expected default, got %q", got)
	}
	if got := sanitizeSessionID(" tab-1 "); got != "tab-1" {
		t.Errorf("Expected tab-1, got %q", got)
	}
}

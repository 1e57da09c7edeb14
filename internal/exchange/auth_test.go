package exchange

import "testing"

func TestWSAuthArgsShape(t *testing.T) {
	t.Parallel()
	a := NewAuth(Credentials{APIKey: "key", Secret: "secret"}, 5000)

	args := a.WSAuthArgs()
	if len(args) != 3 {
		t.Fatalf("expected 3 args, got %d", len(args))
	}
	if args[0] != "key" {
		t.Errorf("args[0] = %q, want %q", args[0], "key")
	}
	if len(args[2]) != 64 {
		t.Errorf("signature length = %d, want 64 (hex sha256)", len(args[2]))
	}
}

func TestRESTHeadersShape(t *testing.T) {
	t.Parallel()
	a := NewAuth(Credentials{APIKey: "key", Secret: "secret"}, 5000)

	h1 := a.RESTHeaders("payload")
	if h1["X-BAPI-API-KEY"] != "key" {
		t.Errorf("X-BAPI-API-KEY = %q, want key", h1["X-BAPI-API-KEY"])
	}
	if h1["X-BAPI-RECV-WINDOW"] != "5000" {
		t.Errorf("X-BAPI-RECV-WINDOW = %q, want 5000", h1["X-BAPI-RECV-WINDOW"])
	}
	if len(h1["X-BAPI-SIGN"]) != 64 {
		t.Errorf("signature length = %d, want 64", len(h1["X-BAPI-SIGN"]))
	}
}

func TestDefaultRecvWindow(t *testing.T) {
	t.Parallel()
	a := NewAuth(Credentials{APIKey: "k", Secret: "s"}, 0)
	if a.recvWindow != 5000 {
		t.Errorf("default recvWindow = %d, want 5000", a.recvWindow)
	}
}

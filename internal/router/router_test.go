package router

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/vmfds/kool-dav/internal/auth"
	"github.com/vmfds/kool-dav/internal/backend/cards"
	"github.com/vmfds/kool-dav/internal/backend/catalog"
	"github.com/vmfds/kool-dav/internal/backend/creds"
	"github.com/vmfds/kool-dav/internal/backend/principals"
	"github.com/vmfds/kool-dav/internal/config"
	"github.com/vmfds/kool-dav/internal/dav"
	"github.com/vmfds/kool-dav/internal/store"
	"github.com/vmfds/kool-dav/internal/store/storetest"
)

func testServer(t *testing.T) *httptest.Server {
	t.Helper()
	st := storetest.New()
	st.AddPerson(store.Person{
		ID:        1,
		FirstName: "Anna",
		LastName:  "Muster",
		Email:     "anna@example.org",
		CreatedAt: time.Now().UTC(),
	}, creds.HashSecret("s3cret"))

	cfg := &config.Config{
		HTTP: config.HTTPConfig{
			Addr:        ":0",
			BasePath:    "/dav",
			MaxVCFBytes: 1 << 20,
		},
		Auth: config.AuthConfig{EnableBasic: true},
		Addressbook: config.AddressbookConfig{
			URI:            "kool",
			AdminCMSUserID: "admin",
		},
	}

	logger := zerolog.Nop()
	validator := creds.New(st, logger)
	dir := principals.New(st, logger)
	cat := catalog.New(st, cfg.Addressbook, logger)
	repo := cards.New(st, cfg.Addressbook, logger)
	authn := auth.NewChain(cfg, validator, dir, logger)
	davh := dav.NewHandlers(cfg, dir, cat, repo, logger)

	srv := httptest.NewServer(New(cfg, davh, authn, logger))
	t.Cleanup(srv.Close)
	return srv
}

func TestOptionsIsPublic(t *testing.T) {
	srv := testServer(t)

	req, _ := http.NewRequest(http.MethodOptions, srv.URL+"/dav/", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if davHdr := resp.Header.Get("DAV"); !strings.Contains(davHdr, "addressbook") {
		t.Fatalf("DAV header = %q, want addressbook capability", davHdr)
	}
}

func TestAuthRequired(t *testing.T) {
	srv := testServer(t)

	req, _ := http.NewRequest("PROPFIND", srv.URL+"/dav/principals/anna@example.org", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}
	if wa := resp.Header.Get("WWW-Authenticate"); !strings.Contains(wa, "Basic") {
		t.Fatalf("WWW-Authenticate = %q", wa)
	}
}

func TestBasicAuthFlow(t *testing.T) {
	srv := testServer(t)

	t.Run("valid credentials", func(t *testing.T) {
		req, _ := http.NewRequest("PROPFIND", srv.URL+"/dav/principals/anna@example.org", nil)
		req.SetBasicAuth("anna@example.org", "s3cret")
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("request failed: %v", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != 207 {
			t.Fatalf("status = %d, want 207", resp.StatusCode)
		}
	})

	t.Run("wrong password", func(t *testing.T) {
		req, _ := http.NewRequest("PROPFIND", srv.URL+"/dav/principals/anna@example.org", nil)
		req.SetBasicAuth("anna@example.org", "wrong")
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("request failed: %v", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusUnauthorized {
			t.Fatalf("status = %d, want 401", resp.StatusCode)
		}
	})
}

func TestHealthz(t *testing.T) {
	srv := testServer(t)

	resp, err := http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
}

func TestWellKnownRedirect(t *testing.T) {
	srv := testServer(t)

	client := &http.Client{
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
	resp, err := client.Get(srv.URL + "/.well-known/carddav")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusPermanentRedirect {
		t.Fatalf("status = %d, want 308", resp.StatusCode)
	}
	if loc := resp.Header.Get("Location"); loc != "/dav/" {
		t.Fatalf("Location = %q, want /dav/", loc)
	}
}

package dav

import (
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/vmfds/kool-dav/internal/backend/catalog"
	"github.com/vmfds/kool-dav/internal/backend/principals"
	"github.com/vmfds/kool-dav/internal/store"
)

func (h *Handlers) HandlePropfind(w http.ResponseWriter, r *http.Request) {
	depth := r.Header.Get("Depth")
	if depth == "" {
		depth = "0"
	}

	// Body is read and discarded; every known property is returned, which
	// all mainstream clients accept.
	_, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		h.logger.Error().Err(err).Msg("failed to read PROPFIND body")
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	_ = r.Body.Close()

	if h.isPrincipalPath(r.URL.Path) {
		h.propfindPrincipal(w, r, depth)
		return
	}

	if owner, bookURI, rest := h.splitAddressbookPath(r.URL.Path); owner != "" {
		switch {
		case bookURI == "":
			h.propfindHome(w, r, owner, depth)
		case len(rest) == 0:
			h.propfindAddressbook(w, r, owner, bookURI, depth)
		default:
			h.propfindCard(w, r, owner, bookURI, rest[len(rest)-1])
		}
		return
	}

	h.propfindRoot(w, r)
}

func (h *Handlers) propfindRoot(w http.ResponseWriter, r *http.Request) {
	cup := h.currentUserPrincipalHref(r.Context())
	resps := []response{{
		Href: joinURL(h.basePath) + "/",
		Propstat: []propstat{{
			Prop: prop{
				Resourcetype:           makeCollectionResourcetype(),
				CurrentUserPrincipal:   &href{Value: cup},
				PrincipalURL:           &href{Value: cup},
				PrincipalCollectionSet: &hrefs{Values: []string{h.principalCollectionURL()}},
			},
			Status: ok(),
		}},
	}}
	writeMultiStatus(w, multistatus{Resp: resps})
}

func (h *Handlers) propfindPrincipal(w http.ResponseWriter, r *http.Request, depth string) {
	u, _ := h.currentPrincipal(r.Context())
	if u == nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	path := h.principalPathFor(r.URL.Path)
	if path == principals.CollectionPrefix {
		h.propfindPrincipalCollection(w, r, depth)
		return
	}

	p, err := h.principals.ByPath(r.Context(), path)
	if err != nil {
		http.Error(w, "storage error", http.StatusInternalServerError)
		return
	}
	if p == nil {
		http.NotFound(w, r)
		return
	}

	writeMultiStatus(w, multistatus{Resp: []response{h.principalResponse(r, p)}})
}

func (h *Handlers) propfindPrincipalCollection(w http.ResponseWriter, r *http.Request, depth string) {
	resps := []response{{
		Href: h.principalCollectionURL(),
		Propstat: []propstat{{
			Prop: prop{
				Resourcetype:         makeCollectionResourcetype(),
				CurrentUserPrincipal: &href{Value: h.currentUserPrincipalHref(r.Context())},
			},
			Status: ok(),
		}},
	}}

	if depth != "0" {
		list, err := h.principals.ListByPrefix(r.Context(), principals.CollectionPrefix)
		if err != nil {
			http.Error(w, "storage error", http.StatusInternalServerError)
			return
		}
		for _, p := range list {
			resps = append(resps, h.principalResponse(r, p))
		}
	}
	writeMultiStatus(w, multistatus{Resp: resps})
}

func (h *Handlers) principalResponse(r *http.Request, p *principals.Principal) response {
	self := h.principalURL(p.Email)
	return response{
		Href: self,
		Propstat: []propstat{{
			Prop: prop{
				Resourcetype:         makePrincipalResourcetype(),
				DisplayName:          strPtr(p.DisplayName),
				EmailAddress:         strPtr(p.Email),
				CurrentUserPrincipal: &href{Value: h.currentUserPrincipalHref(r.Context())},
				PrincipalURL:         &href{Value: self},
				AddressbookHomeSet:   &href{Value: h.addressbookHome(p.Email)},
				GroupMemberSet:       &hrefs{Values: []string{}},
				GroupMembership:      &hrefs{Values: []string{}},
			},
			Status: ok(),
		}},
	}
}

func (h *Handlers) propfindHome(w http.ResponseWriter, r *http.Request, owner, depth string) {
	u, _ := h.currentPrincipal(r.Context())
	if u == nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	resps := []response{{
		Href: h.addressbookHome(owner),
		Propstat: []propstat{{
			Prop: prop{
				Resourcetype:         makeCollectionResourcetype(),
				CurrentUserPrincipal: &href{Value: h.currentUserPrincipalHref(r.Context())},
				Owner:                &href{Value: h.principalURL(owner)},
			},
			Status: ok(),
		}},
	}}

	if depth != "0" {
		books, err := h.catalog.AddressBooksForUser(r.Context(), principals.URIFor(owner))
		if err != nil {
			http.Error(w, "storage error", http.StatusInternalServerError)
			return
		}
		for _, b := range books {
			resps = append(resps, h.addressbookResponse(owner, b))
		}
	}
	writeMultiStatus(w, multistatus{Resp: resps})
}

func (h *Handlers) addressbookResponse(owner string, b *catalog.AddressBook) response {
	return response{
		Href: h.addressbookPath(owner, b.URI),
		Propstat: []propstat{{
			Prop: prop{
				Resourcetype:           makeAddressbookResourcetype(),
				DisplayName:            strPtr(b.DisplayName),
				AddressbookDescription: strPtr(b.Description),
				Owner:                  &href{Value: h.principalURL(owner)},
				GetCTag:                strPtr(b.CTag),
				SyncToken:              strPtr(b.CTag),
				SupportedAddressData:   supportedVCard3(),
				SupportedReportSet:     addressbookReports(),
			},
			Status: ok(),
		}},
	}
}

func (h *Handlers) propfindAddressbook(w http.ResponseWriter, r *http.Request, owner, bookURI, depth string) {
	u, _ := h.currentPrincipal(r.Context())
	if u == nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	b, ok2 := h.resolveAddressbook(w, r, owner, bookURI)
	if !ok2 {
		return
	}

	resps := []response{h.addressbookResponse(owner, b)}

	if depth != "0" {
		list, err := h.cards.List(r.Context(), bookURI)
		if err != nil {
			http.Error(w, "storage error", http.StatusInternalServerError)
			return
		}
		for _, c := range list {
			resps = append(resps, response{
				Href: h.cardPath(owner, bookURI, c.URI),
				Propstat: []propstat{{
					Prop: prop{
						ContentType:     vcfContentType(),
						GetETag:         `"` + c.ETag + `"`,
						GetLastModified: c.LastModified.UTC().Format(time.RFC1123),
					},
					Status: ok(),
				}},
			})
		}
	}
	writeMultiStatus(w, multistatus{Resp: resps})
}

func (h *Handlers) propfindCard(w http.ResponseWriter, r *http.Request, owner, bookURI, segment string) {
	u, _ := h.currentPrincipal(r.Context())
	if u == nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	if _, ok2 := h.resolveAddressbook(w, r, owner, bookURI); !ok2 {
		return
	}

	c, err := h.cards.Get(r.Context(), bookURI, cardKeyFromSegment(segment))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			http.NotFound(w, r)
			return
		}
		http.Error(w, "storage error", http.StatusInternalServerError)
		return
	}

	writeMultiStatus(w, multistatus{Resp: []response{{
		Href: h.cardPath(owner, bookURI, c.URI),
		Propstat: []propstat{{
			Prop: prop{
				ContentType:     vcfContentType(),
				GetETag:         `"` + c.ETag + `"`,
				GetLastModified: c.LastModified.UTC().Format(time.RFC1123),
			},
			Status: ok(),
		}},
	}}})
}

// resolveAddressbook validates that owner exists and bookURI names the
// configured book. A false return means the response has been written.
func (h *Handlers) resolveAddressbook(w http.ResponseWriter, r *http.Request, owner, bookURI string) (*catalog.AddressBook, bool) {
	if !safeSegment(owner) || !safeSegment(bookURI) {
		http.Error(w, "bad path", http.StatusBadRequest)
		return nil, false
	}
	books, err := h.catalog.AddressBooksForUser(r.Context(), principals.URIFor(owner))
	if err != nil {
		http.Error(w, "storage error", http.StatusInternalServerError)
		return nil, false
	}
	for _, b := range books {
		if b.URI == bookURI {
			return b, true
		}
	}
	http.NotFound(w, r)
	return nil, false
}

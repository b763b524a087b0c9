package dav

import (
	"strings"

	"github.com/vmfds/kool-dav/internal/backend/principals"
)

// URL layout under basePath:
//
//	/principals/                      principal collection
//	/principals/<email>               one principal
//	/addressbooks/<email>/            addressbook home
//	/addressbooks/<email>/<book>/     one addressbook
//	/addressbooks/<email>/<book>/<id>

func (h *Handlers) principalURL(email string) string {
	return joinURL(h.basePath, principals.CollectionPrefix, email)
}

func (h *Handlers) principalCollectionURL() string {
	return joinURL(h.basePath, principals.CollectionPrefix) + "/"
}

func (h *Handlers) addressbookHome(email string) string {
	return joinURL(h.basePath, "addressbooks", email) + "/"
}

func (h *Handlers) addressbookPath(email, bookURI string) string {
	return joinURL(h.basePath, "addressbooks", email, bookURI) + "/"
}

func (h *Handlers) cardPath(email, bookURI, cardURI string) string {
	return joinURL(h.basePath, "addressbooks", email, bookURI, cardURI)
}

func (h *Handlers) isPrincipalPath(p string) bool {
	pp := strings.TrimPrefix(p, h.basePath)
	return strings.HasPrefix(pp, "/"+principals.CollectionPrefix)
}

// principalPathFor converts a request URL below basePath into the directory
// path form "principals/<email>".
func (h *Handlers) principalPathFor(urlPath string) string {
	pp := strings.TrimPrefix(urlPath, h.basePath)
	pp = strings.Trim(pp, "/")
	return pp
}

// splitAddressbookPath splits a request URL into owner email, book URI and
// trailing segments. Empty owner means the path is not under /addressbooks.
func (h *Handlers) splitAddressbookPath(urlPath string) (owner, bookURI string, rest []string) {
	pp := strings.TrimPrefix(urlPath, h.basePath)
	pp = strings.Trim(pp, "/")
	segs := strings.Split(pp, "/")
	if len(segs) < 2 || segs[0] != "addressbooks" {
		return "", "", nil
	}
	owner = segs[1]
	if len(segs) > 2 {
		bookURI = segs[2]
	}
	if len(segs) > 3 {
		rest = segs[3:]
	}
	return owner, bookURI, rest
}

func safeSegment(s string) bool {
	if s == "" {
		return false
	}
	return !strings.ContainsAny(s, "/\\")
}

func trimQuotes(s string) string {
	return strings.Trim(s, `"`)
}

// cardKeyFromSegment maps a request path segment onto a repository card URI.
// Listings emit bare person ids, but some clients tack a .vcf extension onto
// member URLs; accept both forms.
func cardKeyFromSegment(seg string) string {
	return strings.TrimSuffix(seg, ".vcf")
}

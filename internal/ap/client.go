package ap

import (
	"bytes"
	"context"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-fed/httpsig"

	"github.com/klppl/fedtrack/internal/apperr"
)

const userAgent = "fedtrack/1.0 (https://github.com/klppl/fedtrack)"

// fetchClient is used for actor and object resolution (10 s budget).
var fetchClient = &http.Client{
	Timeout: 10 * time.Second,
}

// deliverClient is used for outbound activity delivery: 15 s connect,
// 30 s total read budget.
var deliverClient = &http.Client{
	Timeout: 30 * time.Second,
	Transport: &http.Transport{
		DialContext: (&net.Dialer{
			Timeout: 15 * time.Second,
		}).DialContext,
	},
}

// objectCacheTTL is a var (not const) so it can be overridden at startup via
// SetObjectCacheTTL for deployments that want a longer or shorter cache window.
var (
	objectCacheTTL           = time.Hour
	objectCacheSweepInterval = 10 * time.Minute
)

// SetObjectCacheTTL overrides the TTL used for both the AP object cache and
// the WebFinger handle cache. Call once at startup, before any concurrent use.
func SetObjectCacheTTL(d time.Duration) {
	if d > 0 {
		objectCacheTTL = d
	}
}

type cacheEntry struct {
	obj     map[string]interface{}
	expires time.Time
}

// objectCache is a TTL-bounded in-memory cache for fetched AP objects.
var objectCache sync.Map // url → cacheEntry

// wfCache caches WebFinger handle → AP actor URL resolutions.
// Key is the lowercased handle ("alice@mastodon.social"); value is wfCacheEntry.
// Prevents redundant outbound WebFinger requests during batch follow imports.
type wfCacheEntry struct {
	actorURL string
	expires  time.Time
}

var wfCache sync.Map // lowercased handle → wfCacheEntry

func init() {
	// Background sweeper: evicts expired entries from both caches so they don't
	// grow unbounded over long runtimes with many distinct URLs / handles.
	go func() {
		ticker := time.NewTicker(objectCacheSweepInterval)
		defer ticker.Stop()
		for range ticker.C {
			now := time.Now()
			objectCache.Range(func(k, v any) bool {
				if now.After(v.(cacheEntry).expires) {
					objectCache.Delete(k)
				}
				return true
			})
			wfCache.Range(func(k, v any) bool {
				if now.After(v.(wfCacheEntry).expires) {
					wfCache.Delete(k)
				}
				return true
			})
		}
	}()
}

// FetchObject fetches an ActivityPub object from a remote URL.
// Returns the raw JSON or an error. Results are cached.
func FetchObject(ctx context.Context, rawURL string) (map[string]interface{}, error) {
	// Check cache first (skip if expired).
	if cached, ok := objectCache.Load(rawURL); ok {
		entry := cached.(cacheEntry)
		if time.Now().Before(entry.expires) {
			return entry.obj, nil
		}
		objectCache.Delete(rawURL)
	}

	req, err := http.NewRequestWithContext(ctx, "GET", rawURL, nil)
	if err != nil {
		return nil, apperr.Wrap(apperr.RemoteUnreachable, "create request", err)
	}
	req.Header.Set("Accept", `application/activity+json, application/ld+json; profile="https://www.w3.org/ns/activitystreams"`)
	req.Header.Set("User-Agent", userAgent)

	resp, err := fetchClient.Do(req)
	if err != nil {
		return nil, apperr.Wrap(apperr.RemoteUnreachable, "fetch "+rawURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, apperr.New(apperr.RemoteUnreachable, fmt.Sprintf("fetch %s: HTTP %d", rawURL, resp.StatusCode))
	}

	var obj map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&obj); err != nil {
		return nil, apperr.Wrap(apperr.MalformedActor, "decode response from "+rawURL, err)
	}

	objectCache.Store(rawURL, cacheEntry{obj: obj, expires: time.Now().Add(objectCacheTTL)})
	return obj, nil
}

// InvalidateCache removes a URL from the object cache.
func InvalidateCache(rawURL string) {
	objectCache.Delete(rawURL)
}

// WebFingerResolve resolves a Fediverse handle (e.g. "alice@mastodon.social")
// to an AP actor URL via WebFinger. Results are cached for objectCacheTTL.
func WebFingerResolve(ctx context.Context, handle string) (string, error) {
	handle = strings.TrimPrefix(handle, "acct:")
	handle = strings.TrimPrefix(handle, "@")
	parts := strings.SplitN(handle, "@", 2)
	if len(parts) != 2 {
		return "", apperr.New(apperr.Validation, "invalid handle, expected user@domain")
	}
	domain := parts[1]

	// Check cache. Handles are lowercased so "Alice@X" and "alice@X" share one entry.
	cacheKey := strings.ToLower(handle)
	if cached, ok := wfCache.Load(cacheKey); ok {
		entry := cached.(wfCacheEntry)
		if time.Now().Before(entry.expires) {
			return entry.actorURL, nil
		}
		wfCache.Delete(cacheKey)
	}

	wfURL := "https://" + domain + "/.well-known/webfinger?resource=acct:" + handle

	req, err := http.NewRequestWithContext(ctx, "GET", wfURL, nil)
	if err != nil {
		return "", apperr.Wrap(apperr.RemoteUnreachable, "webfinger request", err)
	}
	req.Header.Set("Accept", "application/jrd+json, application/json")
	req.Header.Set("User-Agent", userAgent)

	resp, err := fetchClient.Do(req)
	if err != nil {
		return "", apperr.Wrap(apperr.RemoteUnreachable, "webfinger fetch", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", apperr.New(apperr.RemoteUnreachable, fmt.Sprintf("webfinger returned HTTP %d for %s", resp.StatusCode, handle))
	}

	var wf struct {
		Links []struct {
			Rel  string `json:"rel"`
			Type string `json:"type"`
			Href string `json:"href"`
		} `json:"links"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&wf); err != nil {
		return "", apperr.Wrap(apperr.MalformedActor, "webfinger decode", err)
	}

	for _, link := range wf.Links {
		if link.Rel == "self" && isAPMediaType(link.Type) {
			wfCache.Store(cacheKey, wfCacheEntry{actorURL: link.Href, expires: time.Now().Add(objectCacheTTL)})
			return link.Href, nil
		}
	}
	return "", apperr.New(apperr.MalformedActor, "no ActivityPub actor link found for "+handle)
}

// DeliveryError reports a failed inbox POST with enough detail for the
// dispatcher's retry classification. Status is 0 on transport errors.
type DeliveryError struct {
	Inbox  string
	Status int
	Err    error
}

func (e *DeliveryError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("deliver to %s: HTTP %d", e.Inbox, e.Status)
	}
	return fmt.Sprintf("deliver to %s: %v", e.Inbox, e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }

// DeliverActivity sends an ActivityPub activity to a remote inbox using HTTP
// signatures. The signing string covers (request-target), host, date, and
// digest; the headers set here are exactly the headers the transport sends,
// so the signed host can never diverge from the wire host.
func DeliverActivity(ctx context.Context, inbox string, activity map[string]interface{}, keyID string, privKey *rsa.PrivateKey) error {
	body, err := json.Marshal(activity)
	if err != nil {
		return apperr.Wrap(apperr.Internal, "marshal activity", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", inbox, bytes.NewReader(body))
	if err != nil {
		return &DeliveryError{Inbox: inbox, Err: err}
	}
	req.Header.Set("Content-Type", "application/activity+json")
	req.Header.Set("Accept", "application/activity+json")
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Date", time.Now().UTC().Format(http.TimeFormat))
	req.Header.Set("Host", req.URL.Host)

	signer, _, err := httpsig.NewSigner(
		[]httpsig.Algorithm{httpsig.RSA_SHA256},
		httpsig.DigestSha256,
		[]string{httpsig.RequestTarget, "host", "date", "digest"},
		httpsig.Signature,
		0,
	)
	if err != nil {
		return apperr.Wrap(apperr.Internal, "create signer", err)
	}
	if err := signer.SignRequest(privKey, keyID, req, body); err != nil {
		return apperr.Wrap(apperr.Internal, "sign request", err)
	}

	resp, err := deliverClient.Do(req)
	if err != nil {
		return &DeliveryError{Inbox: inbox, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return &DeliveryError{Inbox: inbox, Status: resp.StatusCode}
	}

	slog.Debug("delivered activity", "inbox", inbox, "status", resp.StatusCode)
	return nil
}

// maxDateSkew is the maximum allowed difference between the request's Date
// header and the server's current time. Requests outside this window are
// rejected to prevent signature replay.
const maxDateSkew = 30 * time.Second

// VerifyDigest checks that the Digest request header matches the SHA-256 hash
// of the given body. This ensures the request body was not tampered with in
// transit after the HTTP signature was computed.
//
// Returns nil when:
//   - the Digest header is absent (digest is optional; many older AP servers omit it), or
//   - the header is present and the SHA-256 hash matches.
//
// Unknown digest algorithms (anything other than SHA-256) are skipped rather
// than rejected for forward-compatibility.
func VerifyDigest(body []byte, digestHeader string) error {
	if digestHeader == "" {
		return nil
	}
	const prefix = "SHA-256="
	if !strings.HasPrefix(digestHeader, prefix) {
		// Unknown algorithm — skip, don't block, for forward-compatibility.
		return nil
	}
	sum := sha256.Sum256(body)
	got := base64.StdEncoding.EncodeToString(sum[:])
	want := digestHeader[len(prefix):]
	if got != want {
		return apperr.New(apperr.SignatureInvalid,
			fmt.Sprintf("digest mismatch: body SHA-256=%s, header claims SHA-256=%s", got, want))
	}
	return nil
}

// KeySource resolves a signature keyId to the owning actor's public key PEM.
// The actor resolver implements this over its cache and the remote_actors
// table.
type KeySource interface {
	PublicKeyPEM(ctx context.Context, keyID string) (string, error)
}

// VerifySignature verifies an incoming HTTP signature against body and
// headers. Returns the keyID if valid.
func VerifySignature(req *http.Request, body []byte, keys KeySource) (string, error) {
	// Reject replayed requests by checking the Date header age before doing
	// any cryptographic work. A captured signed request (Date + signature
	// intact) cannot be reused after the ±30-second window.
	dateStr := req.Header.Get("Date")
	if dateStr == "" {
		return "", apperr.New(apperr.SignatureInvalid, "missing Date header")
	}
	reqTime, err := http.ParseTime(dateStr)
	if err != nil {
		return "", apperr.Wrap(apperr.SignatureInvalid, "invalid Date header", err)
	}
	if skew := time.Since(reqTime); skew > maxDateSkew || skew < -maxDateSkew {
		return "", apperr.New(apperr.StaleRequest,
			fmt.Sprintf("Date header too skewed (%v, allowed ±%v)", skew.Round(time.Second), maxDateSkew))
	}

	if err := VerifyDigest(body, req.Header.Get("Digest")); err != nil {
		return "", err
	}

	verifier, err := httpsig.NewVerifier(req)
	if err != nil {
		return "", apperr.Wrap(apperr.SignatureInvalid, "parse Signature header", err)
	}

	keyID := verifier.KeyId()

	pem, err := keys.PublicKeyPEM(req.Context(), keyID)
	if err != nil {
		return "", apperr.Wrap(apperr.KeyUnavailable, "resolve key "+keyID, err)
	}

	pubKey, err := ParsePublicKeyPEM(pem)
	if err != nil {
		return "", apperr.Wrap(apperr.KeyUnavailable, "parse public key for "+keyID, err)
	}

	if err := verifier.Verify(pubKey, httpsig.RSA_SHA256); err != nil {
		return "", apperr.Wrap(apperr.SignatureInvalid, "signature verification failed", err)
	}

	return keyID, nil
}

// mapToActor extracts an Actor from a generic map.
func mapToActor(m map[string]interface{}) *Actor {
	if m == nil {
		return nil
	}
	actor := &Actor{
		ID:                getString(m, "id"),
		Type:              getString(m, "type"),
		Name:              getString(m, "name"),
		PreferredUsername: getString(m, "preferredUsername"),
		Summary:           getString(m, "summary"),
		Inbox:             getString(m, "inbox"),
		Outbox:            getString(m, "outbox"),
		Followers:         getString(m, "followers"),
		Following:         getString(m, "following"),
		URL:               getString(m, "url"),
	}

	if pk, ok := m["publicKey"].(map[string]interface{}); ok {
		actor.PublicKey = &PublicKey{
			ID:           getString(pk, "id"),
			Owner:        getString(pk, "owner"),
			PublicKeyPem: getString(pk, "publicKeyPem"),
		}
	}

	if ep, ok := m["endpoints"].(map[string]interface{}); ok {
		actor.Endpoints = &Endpoints{
			SharedInbox: getString(ep, "sharedInbox"),
		}
	}

	if icon, ok := m["icon"].(map[string]interface{}); ok {
		actor.Icon = &Image{
			Type: getString(icon, "type"),
			URL:  getString(icon, "url"),
		}
	}

	return actor
}

// IsLocalID returns true if the AP ID belongs to our local origin.
func IsLocalID(apID, baseURL string) bool {
	base := strings.TrimRight(baseURL, "/")
	return apID == base || strings.HasPrefix(apID, base+"/")
}

// IsActorID returns true if the ID looks like an AP actor URL.
func IsActorID(s string) bool {
	return strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://")
}

func getString(m map[string]interface{}, key string) string {
	if v, ok := m[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

func getFloat(m map[string]interface{}, key string) float64 {
	if v, ok := m[key]; ok {
		if f, ok := v.(float64); ok {
			return f
		}
	}
	return 0
}

// isAPMediaType reports whether a WebFinger link content-type string represents
// an ActivityPub actor document. MIME types are case-insensitive per RFC 2045,
// and some servers add extra whitespace around the profile parameter — both are
// handled by normalising to lowercase and using prefix / substring matching.
func isAPMediaType(ct string) bool {
	lower := strings.ToLower(ct)
	if lower == "application/activity+json" {
		return true
	}
	// application/ld+json; profile="https://www.w3.org/ns/activitystreams"
	return strings.HasPrefix(lower, "application/ld+json") &&
		strings.Contains(lower, "https://www.w3.org/ns/activitystreams")
}

// extractOrigin returns the scheme://host part of a URL, for shared-inbox
// deduplication by instance.
func extractOrigin(rawURL string) string {
	if idx := strings.Index(rawURL, "://"); idx != -1 {
		rest := rawURL[idx+3:]
		if slash := strings.IndexByte(rest, '/'); slash != -1 {
			return rawURL[:idx+3+slash]
		}
		return rawURL
	}
	return rawURL
}

package ap

import (
	"bytes"
	"context"
	"crypto/rsa"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-fed/httpsig"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/klppl/fedtrack/internal/apperr"
)

type staticKeySource struct {
	pem string
}

func (s staticKeySource) PublicKeyPEM(ctx context.Context, keyID string) (string, error) {
	return s.pem, nil
}

type failingKeySource struct{}

func (failingKeySource) PublicKeyPEM(ctx context.Context, keyID string) (string, error) {
	return "", apperr.New(apperr.RemoteUnreachable, "no such actor")
}

func testKeyPair(t *testing.T) *KeyPair {
	t.Helper()
	kp, err := GenerateKeyPair(2048)
	require.NoError(t, err)
	return kp
}

// signedRequest builds a signed inbox POST the way DeliverActivity does,
// with a controllable Date header.
func signedRequest(t *testing.T, priv *rsa.PrivateKey, keyID string, body []byte, date time.Time) *http.Request {
	t.Helper()
	req, err := http.NewRequest("POST", "https://local.test/users/bob/inbox", bytes.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/activity+json")
	req.Header.Set("Date", date.UTC().Format(http.TimeFormat))
	req.Header.Set("Host", req.URL.Host)

	signer, _, err := httpsig.NewSigner(
		[]httpsig.Algorithm{httpsig.RSA_SHA256},
		httpsig.DigestSha256,
		[]string{httpsig.RequestTarget, "host", "date", "digest"},
		httpsig.Signature,
		0,
	)
	require.NoError(t, err)
	require.NoError(t, signer.SignRequest(priv, keyID, req, body))
	return req
}

func TestSignatureRoundTrip(t *testing.T) {
	kp := testKeyPair(t)
	body := []byte(`{"type":"Follow","actor":"https://remote.test/users/alice"}`)
	keyID := "https://remote.test/users/alice#main-key"

	req := signedRequest(t, kp.Private, keyID, body, time.Now())

	gotKeyID, err := VerifySignature(req, body, staticKeySource{kp.PublicPEM})
	require.NoError(t, err)
	assert.Equal(t, keyID, gotKeyID)
}

func TestSignatureRejectsTamperedBody(t *testing.T) {
	kp := testKeyPair(t)
	body := []byte(`{"type":"Follow","actor":"https://remote.test/users/alice"}`)
	req := signedRequest(t, kp.Private, "https://remote.test/users/alice#main-key", body, time.Now())

	tampered := bytes.Replace(body, []byte("alice"), []byte("aLice"), 1)
	_, err := VerifySignature(req, tampered, staticKeySource{kp.PublicPEM})
	require.Error(t, err)
	assert.Equal(t, apperr.SignatureInvalid, apperr.KindOf(err))
}

func TestSignatureRejectsTamperedHeader(t *testing.T) {
	kp := testKeyPair(t)
	body := []byte(`{"type":"Follow"}`)
	req := signedRequest(t, kp.Private, "https://remote.test/users/alice#main-key", body, time.Now())

	// Changing a signed header within the skew window invalidates the
	// signing string.
	req.Header.Set("Date", time.Now().Add(10*time.Second).UTC().Format(http.TimeFormat))
	_, err := VerifySignature(req, body, staticKeySource{kp.PublicPEM})
	require.Error(t, err)
	assert.Equal(t, apperr.SignatureInvalid, apperr.KindOf(err))
}

func TestSignatureRejectsStaleDate(t *testing.T) {
	kp := testKeyPair(t)
	body := []byte(`{"type":"Follow"}`)
	req := signedRequest(t, kp.Private, "https://remote.test/users/alice#main-key", body, time.Now().Add(-120*time.Second))

	_, err := VerifySignature(req, body, staticKeySource{kp.PublicPEM})
	require.Error(t, err)
	assert.Equal(t, apperr.StaleRequest, apperr.KindOf(err))
}

func TestSignatureRejectsWrongKey(t *testing.T) {
	kp := testKeyPair(t)
	other := testKeyPair(t)
	body := []byte(`{"type":"Follow"}`)
	req := signedRequest(t, kp.Private, "https://remote.test/users/alice#main-key", body, time.Now())

	_, err := VerifySignature(req, body, staticKeySource{other.PublicPEM})
	require.Error(t, err)
	assert.Equal(t, apperr.SignatureInvalid, apperr.KindOf(err))
}

func TestSignatureKeyUnavailable(t *testing.T) {
	kp := testKeyPair(t)
	body := []byte(`{"type":"Follow"}`)
	req := signedRequest(t, kp.Private, "https://remote.test/users/alice#main-key", body, time.Now())

	_, err := VerifySignature(req, body, failingKeySource{})
	require.Error(t, err)
	assert.Equal(t, apperr.KeyUnavailable, apperr.KindOf(err))
}

func TestVerifyDigest(t *testing.T) {
	body := []byte("hello world")
	// SHA-256("hello world"), base64.
	const good = "SHA-256=uU0nuZNNPgilLlLX2n2r+sSE7+N6U4DukIj3rOLvzek="

	assert.NoError(t, VerifyDigest(body, ""))
	assert.NoError(t, VerifyDigest(body, good))
	assert.NoError(t, VerifyDigest(body, "SHA-512=ignored"))

	err := VerifyDigest([]byte("hello worlD"), good)
	require.Error(t, err)
	assert.Equal(t, apperr.SignatureInvalid, apperr.KindOf(err))
}

func TestDeliverActivitySignsOutbound(t *testing.T) {
	kp := testKeyPair(t)
	keyID := "https://local.test/users/bob#main-key"

	var gotBody []byte
	var gotReq *http.Request
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotBody, _ = io.ReadAll(r.Body)
		gotReq = r.Clone(context.Background())
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	activity := map[string]interface{}{"type": "Accept", "actor": "https://local.test/users/bob"}
	err := DeliverActivity(context.Background(), srv.URL+"/inbox", activity, keyID, kp.Private)
	require.NoError(t, err)

	require.NotNil(t, gotReq)
	assert.Equal(t, "application/activity+json", gotReq.Header.Get("Content-Type"))
	assert.NotEmpty(t, gotReq.Header.Get("Digest"))
	assert.NotEmpty(t, gotReq.Header.Get("Date"))
	assert.Contains(t, gotReq.Header.Get("Signature"), `keyId="`+keyID+`"`)
	assert.Contains(t, gotReq.Header.Get("Signature"), "(request-target) host date digest")

	// The body bytes are exactly what the Digest covers.
	var sent map[string]interface{}
	require.NoError(t, json.Unmarshal(gotBody, &sent))
	assert.Equal(t, "Accept", sent["type"])
	assert.NoError(t, VerifyDigest(gotBody, gotReq.Header.Get("Digest")))
}

func TestDeliverActivityStatusErrors(t *testing.T) {
	kp := testKeyPair(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	err := DeliverActivity(context.Background(), srv.URL, map[string]interface{}{}, "k", kp.Private)
	var de *DeliveryError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, http.StatusBadGateway, de.Status)
}

func TestParseKeyPairRoundTrip(t *testing.T) {
	kp := testKeyPair(t)
	parsed, err := ParseKeyPair(kp.PrivatePEM, kp.PublicPEM)
	require.NoError(t, err)
	assert.True(t, parsed.Private.Equal(kp.Private))
	assert.True(t, parsed.Public.Equal(kp.Public))
}

func TestGenerateKeyPairMinimumBits(t *testing.T) {
	kp, err := GenerateKeyPair(512)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, kp.Private.N.BitLen(), 2048)
}

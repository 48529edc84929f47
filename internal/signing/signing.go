// Package signing implements the HMAC-SHA256 request and callback signature
// contract shared by inbound submissions and outbound callback delivery.
package signing

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"
)

var (
	// ErrMissingHeaders is returned when a request carries no timestamp/signature pair.
	ErrMissingHeaders = errors.New("signing: missing timestamp or signature")
	// ErrBadTimestamp is returned when the timestamp header is not a base-10 integer.
	ErrBadTimestamp = errors.New("signing: invalid timestamp")
	// ErrExpired is returned when the timestamp falls outside the replay window.
	ErrExpired = errors.New("signing: signature expired")
	// ErrInvalidSignature is returned when neither the primary nor the legacy
	// variant of the expected signature matches.
	ErrInvalidSignature = errors.New("signing: invalid signature")
)

// sign computes hex(HMAC-SHA256(secret, "timestamp\ncontentHash")).
func sign(secret, timestamp, contentHash string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp + "\n" + contentHash))
	return hex.EncodeToString(mac.Sum(nil))
}

// Sign is the exported form used by the callback dispatcher to sign outbound payloads.
func Sign(secret, timestamp, contentHash string) string {
	return sign(secret, timestamp, contentHash)
}

func sha256Hex(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// RequestContentHash computes the primary pre-image hash for an inbound
// evaluation request: sha256("submissionID\nsubmissionHash\njudgeHash").
// This variant never includes the callback URL.
func RequestContentHash(submissionID string, submissionZip, judgeZip []byte) string {
	subHash := sha256Hex(submissionZip)
	judgeHash := sha256Hex(judgeZip)
	preimage := submissionID + "\n" + subHash + "\n" + judgeHash
	return sha256Hex([]byte(preimage))
}

// LegacyRequestContentHash computes the legacy pre-image hash that folds the
// callback URL into the hash: sha256("submissionID\nsubmissionHash\njudgeHash\ncallbackURL").
// Some older clients still sign this way; VerifyRequest always accepts it.
func LegacyRequestContentHash(submissionID string, submissionZip, judgeZip []byte, callbackURL string) string {
	subHash := sha256Hex(submissionZip)
	judgeHash := sha256Hex(judgeZip)
	preimage := submissionID + "\n" + subHash + "\n" + judgeHash + "\n" + callbackURL
	return sha256Hex([]byte(preimage))
}

// VerifyRequest checks a request's timestamp against the replay window and
// its signature against both the primary and the legacy content hash
// variants, using constant-time comparison throughout. A request is
// accepted when either variant matches.
func VerifyRequest(secret, timestamp, signature string, submissionID string, submissionZip, judgeZip []byte, callbackURL string, replayWindow time.Duration, now time.Time) error {
	if timestamp == "" || signature == "" {
		return ErrMissingHeaders
	}

	ts, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return ErrBadTimestamp
	}

	delta := now.Unix() - ts
	if delta < 0 {
		delta = -delta
	}
	if time.Duration(delta)*time.Second > replayWindow {
		return ErrExpired
	}

	primaryHash := RequestContentHash(submissionID, submissionZip, judgeZip)
	expected := sign(secret, timestamp, primaryHash)
	if hmac.Equal([]byte(expected), []byte(signature)) {
		return nil
	}

	legacyHash := LegacyRequestContentHash(submissionID, submissionZip, judgeZip, callbackURL)
	legacyExpected := sign(secret, timestamp, legacyHash)
	if hmac.Equal([]byte(legacyExpected), []byte(signature)) {
		return nil
	}

	return ErrInvalidSignature
}

// CanonicalJSON serializes v with recursively sorted object keys and compact
// separators, matching the pre-image format used on both sides of the wire.
func CanonicalJSON(v interface{}) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonical json: marshal: %w", err)
	}
	var generic interface{}
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, fmt.Errorf("canonical json: unmarshal: %w", err)
	}
	return canonicalEncode(generic)
}

func canonicalEncode(v interface{}) ([]byte, error) {
	switch val := v.(type) {
	case nil:
		return []byte("null"), nil
	case map[string]interface{}:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		out := []byte("{")
		for i, k := range keys {
			if i > 0 {
				out = append(out, ',')
			}
			keyJSON, err := json.Marshal(k)
			if err != nil {
				return nil, err
			}
			out = append(out, keyJSON...)
			out = append(out, ':')
			valJSON, err := canonicalEncode(val[k])
			if err != nil {
				return nil, err
			}
			out = append(out, valJSON...)
		}
		out = append(out, '}')
		return out, nil
	case []interface{}:
		out := []byte("[")
		for i, item := range val {
			if i > 0 {
				out = append(out, ',')
			}
			itemJSON, err := canonicalEncode(item)
			if err != nil {
				return nil, err
			}
			out = append(out, itemJSON...)
		}
		out = append(out, ']')
		return out, nil
	default:
		return json.Marshal(val)
	}
}

// ContentHashOf returns the sha256 hex digest of a value's canonical JSON
// encoding, used to sign callback payloads.
func ContentHashOf(v interface{}) (string, error) {
	canon, err := CanonicalJSON(v)
	if err != nil {
		return "", err
	}
	return sha256Hex(canon), nil
}

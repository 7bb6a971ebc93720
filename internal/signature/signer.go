// Package signature implements the HMAC scheme integrators use to verify
// that a webhook came from us.
//
// The signed string is "{timestampMs}.{body}" and the header format is
//
//	X-Webhook-Signature: t={timestampMs},v1={hex_hmac_sha256}
//
// Embedding the timestamp in the signed string bounds the replay window:
// Verify rejects signatures whose timestamp is further from the verifier's
// clock than the allowed skew.
package signature

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// DefaultSkew is the maximum clock drift Verify tolerates between the
// signature's timestamp and the verifier's clock.
const DefaultSkew = 5 * time.Minute

// Sign computes the hex HMAC-SHA256 of "{timestampMs}.{body}".
func Sign(secret string, timestampMs int64, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%d.", timestampMs)
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// Header renders the X-Webhook-Signature header value for a payload.
func Header(secret string, timestampMs int64, body []byte) string {
	return fmt.Sprintf("t=%d,v1=%s", timestampMs, Sign(secret, timestampMs, body))
}

// Verify checks a signature header against the body. It returns false if the
// header is malformed, the HMAC does not match, or the embedded timestamp is
// more than skew away from now.
func Verify(secret, header string, body []byte, now time.Time, skew time.Duration) bool {
	ts, sig, ok := parseHeader(header)
	if !ok {
		return false
	}

	drift := now.UnixMilli() - ts
	if drift < 0 {
		drift = -drift
	}
	if drift > skew.Milliseconds() {
		return false
	}

	expected := Sign(secret, ts, body)
	return hmac.Equal([]byte(expected), []byte(sig))
}

func parseHeader(header string) (timestampMs int64, sig string, ok bool) {
	for _, part := range strings.Split(header, ",") {
		k, v, found := strings.Cut(part, "=")
		if !found {
			return 0, "", false
		}
		switch k {
		case "t":
			ts, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				return 0, "", false
			}
			timestampMs = ts
		case "v1":
			sig = v
		}
	}
	return timestampMs, sig, timestampMs != 0 && sig != ""
}

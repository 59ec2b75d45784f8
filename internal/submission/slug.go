package submission

import (
	"crypto/sha256"
	"encoding/hex"
)

// Identity is the submitter's identifier (a FHIR Identifier's system
// and value).
type Identity struct {
	System string `json:"system"`
	Value  string `json:"value"`
}

// Slug derives the stable lookup key for a (submitter, submissionId)
// pair. The hash makes the identity deterministic and collision
// resistant regardless of field contents, and doubles as the URL path
// segment for the status endpoint.
func Slug(submitter Identity, submissionID string) string {
	h := sha256.New()
	h.Write([]byte(submitter.System))
	h.Write([]byte{0})
	h.Write([]byte(submitter.Value))
	h.Write([]byte{0})
	h.Write([]byte(submissionID))
	return hex.EncodeToString(h.Sum(nil))[:32]
}

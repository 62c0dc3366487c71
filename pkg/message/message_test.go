package message

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

// TestFingerprint_Normalization verifies case and surrounding whitespace do
// not produce distinct fingerprints.
func TestFingerprint_Normalization(t *testing.T) {
	base := Fingerprint("招聘群", "hr_lily", "Golang Engineer, Shenzhen")

	assert.Equal(t, base, Fingerprint("招聘群", "hr_lily", "  Golang Engineer, Shenzhen  "))
	assert.Equal(t, base, Fingerprint("招聘群", "hr_lily", "golang engineer, shenzhen"))
}

// TestFingerprint_Distinct verifies group and sender participate in the key.
func TestFingerprint_Distinct(t *testing.T) {
	a := Fingerprint("group-a", "alice", "hello")

	assert.NotEqual(t, a, Fingerprint("group-b", "alice", "hello"))
	assert.NotEqual(t, a, Fingerprint("group-a", "bob", "hello"))
	assert.NotEqual(t, a, Fingerprint("group-a", "alice", "hello!"))
	assert.Len(t, a, 64)
}

func TestStatusString(t *testing.T) {
	assert.Equal(t, "unprocessed", StatusUnprocessed.String())
	assert.Equal(t, "processed", StatusProcessed.String())
	assert.Equal(t, "failed", StatusFailed.String())
	assert.Equal(t, "skipped", StatusSkipped.String())
}

package queue_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/asachs01/relayq/pkg/queue"
)

func TestFingerprintRequest(t *testing.T) {
	t.Parallel()

	t.Run("deterministic", func(t *testing.T) {
		t.Parallel()

		a := queue.FingerprintRequest("zone-a", queue.MethodPost, "/tickets", []byte(`{"x":1}`))
		b := queue.FingerprintRequest("zone-a", queue.MethodPost, "/tickets", []byte(`{"x":1}`))
		assert.Equal(t, a, b)
		assert.Len(t, a, 32) // hex of the first 16 hash bytes
	})

	t.Run("sensitive to every component", func(t *testing.T) {
		t.Parallel()

		base := queue.FingerprintRequest("zone-a", queue.MethodPost, "/tickets", []byte("p"))
		assert.NotEqual(t, base, queue.FingerprintRequest("zone-b", queue.MethodPost, "/tickets", []byte("p")))
		assert.NotEqual(t, base, queue.FingerprintRequest("zone-a", queue.MethodPut, "/tickets", []byte("p")))
		assert.NotEqual(t, base, queue.FingerprintRequest("zone-a", queue.MethodPost, "/companies", []byte("p")))
		assert.NotEqual(t, base, queue.FingerprintRequest("zone-a", queue.MethodPost, "/tickets", []byte("q")))
	})

	t.Run("nil and empty payload are equivalent", func(t *testing.T) {
		t.Parallel()

		assert.Equal(t,
			queue.FingerprintRequest("z", queue.MethodGet, "/a", nil),
			queue.FingerprintRequest("z", queue.MethodGet, "/a", []byte{}))
	})
}

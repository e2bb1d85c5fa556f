package plugins

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRegistry(t *testing.T) {
	r := Registry()
	assert.Equal(t, []string{"api", "blockchain", "replay", "storage", "streamer"}, r.Kinds())
	for _, kind := range r.Kinds() {
		p, err := r.New(kind)
		assert.NoError(t, err)
		assert.NotNil(t, p)
	}
}

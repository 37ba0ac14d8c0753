package gateway

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsWithin_SamePath(t *testing.T) {
	assert.True(t, isWithin("/app/static", "/app/static"))
}

func TestIsWithin_NestedFile(t *testing.T) {
	assert.True(t, isWithin("/app/static", "/app/static/js/app.js"))
}

func TestIsWithin_Escapes(t *testing.T) {
	assert.False(t, isWithin("/app/static", "/app/secrets.env"))
}

func TestIsWithin_DotDotPrefixCollision(t *testing.T) {
	// "/app/static-evil" must not be considered inside "/app/static".
	assert.False(t, isWithin("/app/static", "/app/static-evil/file"))
}

package fold

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStripAccents(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "noticia", StripAccents("notícia"))
	assert.Equal(t, "Sao Paulo", StripAccents("São Paulo"))
	assert.Equal(t, "plain", StripAccents("plain"))
}

func TestKey(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "ultimas noticias", Key("  Últimas   Notícias \n"))
	assert.Equal(t, "", Key("   "))
}

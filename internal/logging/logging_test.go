package logging

import (
	"bytes"
	"testing"

	"github.com/inconshreveable/log15"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetup(t *testing.T) {
	t.Cleanup(func() { log15.Root().SetHandler(log15.DiscardHandler()) })

	t.Run("json format with component tag", func(t *testing.T) {
		var buf bytes.Buffer
		require.NoError(t, Setup(Config{Level: "debug", Format: FormatJSON}, &buf))

		New("supervisor").Info("plugin_loaded", "plugin", "storage")
		assert.Contains(t, buf.String(), `"component":"supervisor"`)
		assert.Contains(t, buf.String(), `"plugin":"storage"`)
		assert.Contains(t, buf.String(), `"msg":"plugin_loaded"`)
	})

	t.Run("level filter drops debug", func(t *testing.T) {
		var buf bytes.Buffer
		require.NoError(t, Setup(Config{Level: "info"}, &buf))

		New("supervisor").Debug("noise")
		assert.Empty(t, buf.String())
	})

	t.Run("rejects unknown level and format", func(t *testing.T) {
		assert.Error(t, Setup(Config{Level: "chatty"}, &bytes.Buffer{}))
		assert.Error(t, Setup(Config{Format: "xml"}, &bytes.Buffer{}))
	})
}

func TestWriterSplitsLines(t *testing.T) {
	var buf bytes.Buffer
	l := log15.New()
	l.SetHandler(log15.StreamHandler(&buf, log15.LogfmtFormat()))

	w := Writer(l, "stdout")
	_, err := w.Write([]byte("first line\nsecond "))
	require.NoError(t, err)
	_, err = w.Write([]byte("half\n"))
	require.NoError(t, err)

	out := buf.String()
	assert.Contains(t, out, `line="first line"`)
	assert.Contains(t, out, `line="second half"`)
}

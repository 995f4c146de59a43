package locator

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	t.Run("TCPWithHostAndPort", func(t *testing.T) {
		loc, err := Parse("tcp:host=127.0.0.1,port=9000")
		require.NoError(t, err)
		assert.Equal(t, "tcp", loc.Protocol)
		assert.Equal(t, "127.0.0.1", loc.Host)
		assert.Equal(t, uint16(9000), loc.Port)
	})

	t.Run("KernelTcpAlias", func(t *testing.T) {
		loc, err := Parse("kernelTcp:host=0.0.0.0,port=0")
		require.NoError(t, err)
		assert.Equal(t, "kernelTcp", loc.Protocol)
		assert.Equal(t, uint16(0), loc.Port)
	})

	t.Run("MissingProtocolPrefix", func(t *testing.T) {
		_, err := Parse("host=127.0.0.1,port=9000")
		assert.Error(t, err)
	})

	t.Run("UnrecognizedProtocol", func(t *testing.T) {
		_, err := Parse("udp:host=127.0.0.1,port=9000")
		assert.Error(t, err)
	})

	t.Run("MalformedOption", func(t *testing.T) {
		_, err := Parse("tcp:host")
		assert.Error(t, err)
	})

	t.Run("UnrecognizedOption", func(t *testing.T) {
		_, err := Parse("tcp:host=127.0.0.1,timeout=5s")
		assert.Error(t, err)
	})

	t.Run("ProtocolOnly", func(t *testing.T) {
		loc, err := Parse("tcp:")
		require.NoError(t, err)
		assert.Equal(t, "", loc.Host)
	})
}

func TestRequireHostPort(t *testing.T) {
	t.Run("MissingHostFails", func(t *testing.T) {
		loc := Locator{Protocol: "tcp", Port: 9000}
		assert.Error(t, loc.RequireHostPort())
	})

	t.Run("MissingPortFails", func(t *testing.T) {
		loc := Locator{Protocol: "tcp", Host: "127.0.0.1"}
		assert.Error(t, loc.RequireHostPort())
	})

	t.Run("HostOnlyIsFineForServers", func(t *testing.T) {
		loc := Locator{Protocol: "tcp", Host: "0.0.0.0"}
		assert.NoError(t, loc.RequireHost())
	})
}

func TestString(t *testing.T) {
	loc := Locator{Protocol: "tcp", Host: "10.0.0.1", Port: 1234}
	assert.Equal(t, "tcp:host=10.0.0.1,port=1234", loc.String())
}

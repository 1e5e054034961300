package endpoint

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEqual(t *testing.T) {
	a := New("10.0.0.1", 30303, 30303)
	b := New("10.0.0.1", 30303, 30303)

	assert.True(t, a.Equal(b))
	assert.False(t, a.Equal(New("10.0.0.1", 30304, 30303)))
	assert.False(t, a.Equal(New("10.0.0.1", 30303, 30304)))
	assert.False(t, a.Equal(New("10.0.0.2", 30303, 30303)))

	assert.True(t, Equal(nil, nil))
	assert.False(t, Equal(a.Ptr(), nil))
	assert.False(t, Equal(nil, b.Ptr()))
	assert.True(t, Equal(a.Ptr(), b.Ptr()))
}

func TestAddrs(t *testing.T) {
	e := New("172.20.0.4", 23456, 54789)
	assert.Equal(t, "172.20.0.4:54789", e.TCPAddr())
	assert.Equal(t, "172.20.0.4:23456", e.UDPAddr())
	assert.Equal(t, "172.20.0.4:54789/udp:23456", e.String())

	v6 := New("::1", DefaultPort, DefaultPort)
	assert.Equal(t, "[::1]:30303", v6.TCPAddr())
	assert.Equal(t, "[::1]:30303", v6.String())
}

package network

import (
	"context"
	"errors"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/energizer-project/kafra/internal/protocol"
)

func pipe(t *testing.T, phase protocol.Phase) (*Connection, net.Conn) {
	t.Helper()
	client, server := net.Pipe()
	t.Cleanup(func() {
		client.Close()
		server.Close()
	})
	return NewConnection(client, phase), server
}

func TestConnectionWriteAndRead(t *testing.T) {
	r := require.New(t)
	conn, server := pipe(t, protocol.PhaseGame)

	go func() {
		buf := make([]byte, 2)
		io.ReadFull(server, buf)
		server.Write([]byte{0xDE, 0x0A, 1, 2, 3, 4})
	}()

	r.NoError(conn.Send(protocol.BuildAckMap()))

	raw, err := conn.ReadFull(6)
	r.NoError(err)
	r.Equal([]byte{0xDE, 0x0A, 1, 2, 3, 4}, raw)

	stats := conn.Stats()
	r.EqualValues(2, stats.BytesOut)
	r.EqualValues(6, stats.BytesIn)
	r.EqualValues(1, stats.PacketsOut)
	r.Equal(protocol.PhaseGame, conn.Phase())
}

func TestConnectionSendBuildError(t *testing.T) {
	conn, _ := pipe(t, protocol.PhaseLogin)

	err := conn.Send(protocol.BuildReqAuth(1, "a-username-that-is-way-too-long", "x", 2))
	assert.ErrorIs(t, err, protocol.ErrStringTooLong)
	assert.Zero(t, conn.Stats().PacketsOut)
}

func TestConnectionCloseOnce(t *testing.T) {
	conn, _ := pipe(t, protocol.PhaseCharList)

	require.NoError(t, conn.Close())
	require.NoError(t, conn.Close())
	assert.True(t, conn.IsClosed())

	err := conn.WritePacket([]byte{0x7D, 0x00})
	assert.True(t, protocol.IsIO(err))
	assert.ErrorIs(t, err, net.ErrClosed)
}

func TestConnectionReadFullShort(t *testing.T) {
	conn, server := pipe(t, protocol.PhaseCharList)

	go func() {
		server.Write([]byte{1, 2})
		server.Close()
	}()

	_, err := conn.ReadFull(4)
	require.Error(t, err)
	assert.True(t, protocol.IsIO(err))
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

func TestConnectionReadTimeout(t *testing.T) {
	conn, _ := pipe(t, protocol.PhaseGame)
	conn.SetReadTimeout(20 * time.Millisecond)

	_, err := conn.Read(make([]byte, 4))
	var netErr net.Error
	require.True(t, errors.As(err, &netErr))
	assert.True(t, netErr.Timeout())
}

func TestDialFailure(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	l.Close()

	_, err = Dial(context.Background(), protocol.PhaseLogin, addr, time.Second)
	require.Error(t, err)
	assert.True(t, protocol.IsIO(err))
	assert.Contains(t, err.Error(), "connect login server")
}

func TestRegistry(t *testing.T) {
	a := assert.New(t)
	reg := NewConnectionRegistry()

	first, _ := pipe(t, protocol.PhaseLogin)
	second, _ := pipe(t, protocol.PhaseLogin)
	game, _ := pipe(t, protocol.PhaseGame)

	reg.Register(first)
	reg.Register(game)
	a.Equal(2, reg.Count())

	reg.Register(second)
	a.True(first.IsClosed(), "replaced connection must be closed")
	got, ok := reg.Get(protocol.PhaseLogin)
	a.True(ok)
	a.Same(second, got)

	// unregistering a stale handle leaves the live one alone
	reg.Unregister(first)
	a.Equal(2, reg.Count())

	reg.Unregister(second)
	a.Len(reg.GetAll(), 1)

	reg.CloseAll()
	a.Zero(reg.Count())
	a.True(game.IsClosed())
}

func TestRegistryCleanStale(t *testing.T) {
	reg := NewConnectionRegistry()
	conn, _ := pipe(t, protocol.PhaseGame)
	reg.Register(conn)

	assert.Zero(t, reg.CleanStale(time.Hour))
	time.Sleep(5 * time.Millisecond)
	assert.Equal(t, 1, reg.CleanStale(time.Millisecond))
	assert.True(t, conn.IsClosed())
}

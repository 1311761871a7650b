package connector

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/energizer-project/kafra/internal/config"
	"github.com/energizer-project/kafra/internal/events"
	"github.com/energizer-project/kafra/internal/network"
	"github.com/energizer-project/kafra/internal/protocol"
	"github.com/energizer-project/kafra/internal/session"
)

const (
	testAccountID = 2000001
	testCharID    = 150000
	testLoginID1  = 1111
	testLoginID2  = 2222
)

func must(b []byte, err error) []byte {
	if err != nil {
		panic(err)
	}
	return b
}

func splitAddr(addr string) (net.IP, uint16) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		panic(err)
	}
	p, err := strconv.Atoi(port)
	if err != nil {
		panic(err)
	}
	return net.ParseIP(host), uint16(p)
}

// stubServer accepts one connection on a loopback port and runs serve on it.
// The returned channel yields serve's result.
func stubServer(t *testing.T, serve func(conn net.Conn) error) (string, <-chan error) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	done := make(chan error, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			done <- err
			return
		}
		defer conn.Close()
		conn.SetDeadline(time.Now().Add(5 * time.Second))
		done <- serve(conn)
	}()
	return ln.Addr().String(), done
}

func waitStub(t *testing.T, done <-chan error) {
	t.Helper()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("stub server did not finish")
	}
}

// expect reads one client packet of size bytes and checks its opcode.
func expect(conn net.Conn, op protocol.Opcode, size int) ([]byte, error) {
	buf := make([]byte, size)
	if _, err := io.ReadFull(conn, buf); err != nil {
		return nil, fmt.Errorf("reading %s: %w", op, err)
	}
	if got := protocol.Opcode(binary.LittleEndian.Uint16(buf)); got != op {
		return nil, fmt.Errorf("got opcode %s, want %s", got, op)
	}
	return buf, nil
}

func sessionFixture() session.Context {
	return session.Context{
		AccountID: testAccountID,
		LoginID1:  testLoginID1,
		LoginID2:  testLoginID2,
		Sex:       1,
	}.WithCharacter(testCharID)
}

func testClientData(loginAddr string) config.ClientData {
	cfg := config.DefaultConfig().ClientData
	cfg.LoginAddress = loginAddr
	cfg.Username = "tester"
	cfg.Password = "secret"
	cfg.ConnectTimeoutSec = 2
	cfg.ReadTimeoutSec = 5
	cfg.KeepAliveIntervalSec = 0
	cfg.EffectsOption = 1
	return cfg
}

func authOK(charAddr string) []byte {
	ip, port := splitAddr(charAddr)
	return must(protocol.NewVariablePacket(protocol.OpAuthOK).
		WriteUint32(testLoginID1).
		WriteUint32(testAccountID).
		WriteUint32(testLoginID2).
		WriteUint32(0).
		Skip(24).
		WriteUint16(0).
		WriteUint8(1).
		Skip(protocol.WebTokenSize).
		WriteUint32(protocol.IPv4ToWire(ip)).
		WriteUint16(port).
		WriteFixedString("Kafra", protocol.ServerNameSize).
		WriteUint16(12).
		WriteUint16(0).
		WriteUint16(0).
		Skip(128).
		Finish().
		Bytes())
}

func pinCodeState() []byte {
	return must(protocol.NewPacket(protocol.OpPinCodeState).
		WriteUint32(0xCAFE).WriteUint32(testAccountID).WriteUint16(0).Bytes())
}

func charPage(id uint32, name string, slot uint8) []byte {
	return must(protocol.NewVariablePacket(protocol.OpAckCharInfoPerPage).
		WriteUint32(id).
		Skip(104).
		WriteFixedString(name, protocol.CharNameSize).
		Skip(6).
		WriteUint8(slot).
		Skip(3).
		WriteFixedString("prontera.gat", protocol.MapNameSize).
		Skip(17).
		Finish().
		Bytes())
}

func mapData(mapAddr string) []byte {
	ip, port := splitAddr(mapAddr)
	return must(protocol.NewPacket(protocol.OpMapData).
		WriteUint32(testCharID).
		WriteFixedString("prontera.gat", protocol.MapNameSize).
		WriteUint32(protocol.IPv4ToWire(ip)).
		WriteUint16(port).
		Skip(128).
		Bytes())
}

func acceptEnter(x, y uint16) []byte {
	return must(protocol.NewPacket(protocol.OpAcceptEnter).
		WriteUint32(777).
		WritePosition(protocol.Position{X: x, Y: y, Dir: 4}).
		WriteUint8(5).
		WriteUint8(5).
		WriteUint16(0).
		Bytes())
}

func weightLimit() []byte {
	return must(protocol.NewPacket(protocol.OpWeightLimit).WriteUint32(0).Bytes())
}

func loginStub(charAddr string) func(net.Conn) error {
	return func(conn net.Conn) error {
		if _, err := expect(conn, protocol.OpUDPClientHash, 18); err != nil {
			return err
		}
		req, err := expect(conn, protocol.OpReqAuth, 55)
		if err != nil {
			return err
		}
		if user := string(req[6:12]); user != "tester" {
			return fmt.Errorf("username %q", user)
		}
		_, err = conn.Write(authOK(charAddr))
		return err
	}
}

func charStub(mapAddr string) func(net.Conn) error {
	return func(conn net.Conn) error {
		req, err := expect(conn, protocol.OpReqToConnect, 17)
		if err != nil {
			return err
		}
		if id := binary.LittleEndian.Uint32(req[2:]); id != testAccountID {
			return fmt.Errorf("account id %d", id)
		}

		ack := binary.LittleEndian.AppendUint32(nil, testAccountID)
		if _, err := conn.Write(append(ack, pinCodeState()...)); err != nil {
			return err
		}
		if _, err := expect(conn, protocol.OpReqCharList, 2); err != nil {
			return err
		}

		pages := append(charPage(testCharID, "Poring", 0), charPage(testCharID+1, "Lunatic", 1)...)
		if _, err := conn.Write(pages); err != nil {
			return err
		}
		sel, err := expect(conn, protocol.OpCharSelect, 3)
		if err != nil {
			return err
		}
		if sel[2] != 0 {
			return fmt.Errorf("selected slot %d", sel[2])
		}

		if _, err := conn.Write(mapData(mapAddr)); err != nil {
			return err
		}
		rest, err := io.ReadAll(conn)
		if err != nil {
			return err
		}
		if len(rest) != 0 {
			return fmt.Errorf("unexpected trailing bytes % x", rest)
		}
		return nil
	}
}

func mapStub() func(net.Conn) error {
	return func(conn net.Conn) error {
		req, err := expect(conn, protocol.OpConnectMapServer, 19)
		if err != nil {
			return err
		}
		if id := binary.LittleEndian.Uint32(req[6:]); id != testCharID {
			return fmt.Errorf("char id %d", id)
		}

		var burst []byte
		burst = append(burst, acceptEnter(53, 111)...)
		burst = append(burst, weightLimit()...)
		burst = append(burst, weightLimit()...)
		burst = append(burst, must(protocol.NewPacket(protocol.OpPingLive).Bytes())...)
		if _, err := conn.Write(burst); err != nil {
			return err
		}

		opt, err := expect(conn, protocol.OpEffectsOption, 6)
		if err != nil {
			return err
		}
		if v := binary.LittleEndian.Uint32(opt[2:]); v != 1 {
			return fmt.Errorf("effects option %d", v)
		}
		if _, err := expect(conn, protocol.OpAckMap, 2); err != nil {
			return err
		}
		// the second WeightLimit must not trigger another load sequence
		_, err = expect(conn, protocol.OpPingLiveAck, 2)
		return err
	}
}

func TestOrchestratorFullSession(t *testing.T) {
	r := require.New(t)

	mapAddr, mapDone := stubServer(t, mapStub())
	charAddr, charDone := stubServer(t, charStub(mapAddr))
	loginAddr, loginDone := stubServer(t, loginStub(charAddr))

	deps := NewDeps()
	defer deps.Bus.Stop()

	entered := make(chan events.Event, 1)
	deps.Bus.Subscribe(events.EventMapEntered, "test", func(ctx context.Context, e events.Event) error {
		entered <- e
		return nil
	})

	orch := NewOrchestrator(testClientData(loginAddr), deps)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	r.NoError(orch.Run(ctx))
	waitStub(t, loginDone)
	waitStub(t, charDone)
	waitStub(t, mapDone)

	snap := deps.Tracker.Snapshot()
	r.Equal("closed", snap.Phase)
	r.Equal(uint32(testAccountID), snap.Session.AccountID)
	r.Equal(uint32(testCharID), snap.Session.CharacterID)
	r.Len(snap.Servers, 1)
	r.Len(snap.Characters, 2)
	r.Equal("prontera.gat", snap.MapName)
	r.Equal(uint16(53), snap.Position.X)
	r.Equal(uint16(111), snap.Position.Y)
	r.Equal(0, deps.Registry.Count())
	r.False(orch.Game().InGame())

	select {
	case e := <-entered:
		p, ok := e.Payload.(events.MapEnteredPayload)
		r.True(ok)
		r.Equal(uint32(777), p.Tick)
	case <-time.After(2 * time.Second):
		t.Fatal("map entered event not emitted")
	}
}

func TestLoginRefused(t *testing.T) {
	r := require.New(t)

	addr, done := stubServer(t, func(conn net.Conn) error {
		if _, err := expect(conn, protocol.OpUDPClientHash, 18); err != nil {
			return err
		}
		if _, err := expect(conn, protocol.OpReqAuth, 55); err != nil {
			return err
		}
		_, err := conn.Write([]byte{0x81, 0x00, byte(protocol.AuthAlreadyOnline)})
		return err
	})

	deps := NewDeps()
	defer deps.Bus.Stop()

	res, err := NewLoginConnector(testClientData(addr), deps).Run(context.Background())
	r.Nil(res)
	var refused *protocol.AuthRefusedError
	r.ErrorAs(err, &refused)
	r.Equal(protocol.AuthAlreadyOnline, refused.Code)
	waitStub(t, done)
}

func TestLoginServerClosesWithoutAnswer(t *testing.T) {
	addr, done := stubServer(t, func(conn net.Conn) error {
		if _, err := expect(conn, protocol.OpUDPClientHash, 18); err != nil {
			return err
		}
		// drain REQAUTH so the close is a FIN, not a reset
		_, err := expect(conn, protocol.OpReqAuth, 55)
		return err
	})

	deps := NewDeps()
	defer deps.Bus.Stop()

	_, err := NewLoginConnector(testClientData(addr), deps).Run(context.Background())
	require.ErrorIs(t, err, ErrNoAnswer)
	waitStub(t, done)
}

func TestLoginServerIndexOutOfRange(t *testing.T) {
	addr, done := stubServer(t, loginStub("127.0.0.1:6121"))

	deps := NewDeps()
	defer deps.Bus.Stop()

	cfg := testClientData(addr)
	cfg.CharServerIndex = 3
	_, err := NewLoginConnector(cfg, deps).Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "char server index 3")
	waitStub(t, done)
}

func TestCharServerMapServerNotReady(t *testing.T) {
	addr, done := stubServer(t, func(conn net.Conn) error {
		if _, err := expect(conn, protocol.OpReqToConnect, 17); err != nil {
			return err
		}
		ack := binary.LittleEndian.AppendUint32(nil, testAccountID)
		notReady := must(protocol.NewPacket(protocol.OpMapServerNotReady).WriteUint16(1).Skip(20).Bytes())
		_, err := conn.Write(append(ack, notReady...))
		return err
	})

	deps := NewDeps()
	defer deps.Bus.Stop()

	ip, port := splitAddr(addr)
	server := protocol.ServerEntry{IP: ip, Port: port, Name: "Kafra"}
	sess := sessionFixture()

	_, err := NewCharServerConnector(testClientData("127.0.0.1:1"), deps, server).Run(context.Background(), sess)
	require.ErrorIs(t, err, ErrMapServerNotReady)
	waitStub(t, done)
}

func TestDispatcherTableMismatch(t *testing.T) {
	table, err := protocol.NewLengthTable(protocol.PhaseLogin)
	require.NoError(t, err)

	noop := func(context.Context, protocol.Frame) (bool, error) { return true, nil }

	_, err = NewDispatcher(table, Handlers{protocol.OpAuthOK: noop}, nil)
	require.ErrorIs(t, err, protocol.ErrTableMismatch)
	assert.Contains(t, err.Error(), "0x0081")

	_, err = NewDispatcher(table, Handlers{
		protocol.OpAuthOK:     noop,
		protocol.OpAuthResult: noop,
		protocol.OpMapData:    noop,
	}, nil)
	require.ErrorIs(t, err, protocol.ErrTableMismatch)
	assert.Contains(t, err.Error(), "0x0AC5")

	_, err = NewDispatcher(table, Handlers{
		protocol.OpAuthOK:     noop,
		protocol.OpAuthResult: noop,
	}, nil)
	require.NoError(t, err)
}

func loginDispatcher(t *testing.T, bus *events.EventBus, handlers Handlers) *Dispatcher {
	t.Helper()
	table, err := protocol.NewLengthTable(protocol.PhaseLogin)
	require.NoError(t, err)
	d, err := NewDispatcher(table, handlers, bus)
	require.NoError(t, err)
	return d
}

func TestDispatcherCancelUnblocksRead(t *testing.T) {
	client, server := net.Pipe()
	defer server.Close()
	conn := network.NewConnection(client, protocol.PhaseLogin)

	noop := func(context.Context, protocol.Frame) (bool, error) { return true, nil }
	d := loginDispatcher(t, nil, Handlers{protocol.OpAuthOK: noop, protocol.OpAuthResult: noop})

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)

	start := time.Now()
	_, err := d.Run(ctx, conn)
	require.ErrorIs(t, err, context.Canceled)
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.True(t, conn.IsClosed())
}

func TestDispatcherDesync(t *testing.T) {
	r := require.New(t)
	client, server := net.Pipe()
	defer server.Close()
	conn := network.NewConnection(client, protocol.PhaseLogin)

	bus := events.NewEventBus()
	defer bus.Stop()
	desync := make(chan events.Event, 1)
	bus.Subscribe(events.EventProtocolDesync, "test", func(ctx context.Context, e events.Event) error {
		desync <- e
		return nil
	})

	called := false
	handler := func(context.Context, protocol.Frame) (bool, error) {
		called = true
		return true, nil
	}
	d := loginDispatcher(t, bus, Handlers{protocol.OpAuthOK: handler, protocol.OpAuthResult: handler})

	go server.Write([]byte{0x0B, 0x00, 0x01, 0x02})

	out, err := d.Run(context.Background(), conn)
	r.True(protocol.IsDesync(err))
	var unknown *protocol.UnknownOpcodeError
	r.ErrorAs(err, &unknown)
	r.Equal(protocol.Opcode(0x000B), unknown.Opcode)
	r.False(called)
	r.Zero(out.Frames)

	select {
	case e := <-desync:
		r.Equal("login", e.Source)
	case <-time.After(2 * time.Second):
		t.Fatal("desync event not emitted")
	}
}

func TestDispatcherHandOffAndCleanClose(t *testing.T) {
	r := require.New(t)
	client, server := net.Pipe()
	conn := network.NewConnection(client, protocol.PhaseLogin)

	var seen []protocol.Opcode
	handler := func(_ context.Context, f protocol.Frame) (bool, error) {
		seen = append(seen, f.Opcode)
		return f.Opcode != protocol.OpAuthResult, nil
	}
	d := loginDispatcher(t, nil, Handlers{protocol.OpAuthOK: handler, protocol.OpAuthResult: handler})

	go func() {
		server.Write(must(protocol.NewVariablePacket(protocol.OpAuthOK).Finish().Bytes()))
		server.Write([]byte{0x81, 0x00, 0x01})
	}()

	out, err := d.Run(context.Background(), conn)
	r.NoError(err)
	r.True(out.HandOff)
	r.Equal(uint64(2), out.Frames)
	r.Equal([]protocol.Opcode{protocol.OpAuthOK, protocol.OpAuthResult}, seen)
	server.Close()

	// a second run over a closed peer ends without error
	client2, server2 := net.Pipe()
	server2.Close()
	out, err = d.Run(context.Background(), network.NewConnection(client2, protocol.PhaseLogin))
	r.NoError(err)
	r.False(out.HandOff)
}

func TestDispatcherHandlerError(t *testing.T) {
	client, server := net.Pipe()
	defer server.Close()
	conn := network.NewConnection(client, protocol.PhaseLogin)

	boom := errors.New("boom")
	handler := func(context.Context, protocol.Frame) (bool, error) { return false, boom }
	d := loginDispatcher(t, nil, Handlers{protocol.OpAuthOK: handler, protocol.OpAuthResult: handler})

	go server.Write([]byte{0x81, 0x00, 0x01})

	_, err := d.Run(context.Background(), conn)
	require.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "login handler AuthResult")
}

func TestDispatcherHandlerDecodeDesync(t *testing.T) {
	r := require.New(t)
	client, server := net.Pipe()
	defer server.Close()
	conn := network.NewConnection(client, protocol.PhaseLogin)

	bus := events.NewEventBus()
	defer bus.Stop()
	desync := make(chan events.Event, 1)
	bus.Subscribe(events.EventProtocolDesync, "test", func(ctx context.Context, e events.Event) error {
		desync <- e
		return nil
	})

	parse := func(_ context.Context, f protocol.Frame) (bool, error) {
		_, err := protocol.ParseAuthOK(f.Decoder())
		return false, err
	}
	d := loginDispatcher(t, bus, Handlers{protocol.OpAuthOK: parse, protocol.OpAuthResult: parse})

	// well framed AUTHOK whose body is far shorter than its header
	go server.Write(must(protocol.NewVariablePacket(protocol.OpAuthOK).WriteUint32(1).Finish().Bytes()))

	_, err := d.Run(context.Background(), conn)
	r.ErrorIs(err, protocol.ErrOutOfBounds)
	r.True(protocol.IsDesync(err))

	select {
	case e := <-desync:
		p, ok := e.Payload.(events.DesyncPayload)
		r.True(ok)
		r.Equal(protocol.PhaseLogin, p.Phase)
		r.Contains(p.Error, "login handler AuthOK")
	case <-time.After(2 * time.Second):
		t.Fatal("desync event not emitted")
	}
}

func TestGameCommandsRequireMapServer(t *testing.T) {
	deps := NewDeps()
	defer deps.Bus.Stop()

	game := NewMapServerConnector(testClientData("127.0.0.1:1"), deps)
	assert.False(t, game.InGame())
	assert.ErrorIs(t, game.Say("hello"), ErrNotInGame)
	assert.ErrorIs(t, game.ChangeDir(2), ErrNotInGame)
	assert.ErrorIs(t, game.Sit(), ErrNotInGame)
	assert.ErrorIs(t, game.Stand(), ErrNotInGame)
}

func TestGameKeepAliveSendsClientTick(t *testing.T) {
	r := require.New(t)

	addr, done := stubServer(t, func(conn net.Conn) error {
		if _, err := expect(conn, protocol.OpConnectMapServer, 19); err != nil {
			return err
		}
		_, err := expect(conn, protocol.OpClientTick, 6)
		return err
	})

	deps := NewDeps()
	defer deps.Bus.Stop()

	cfg := testClientData("127.0.0.1:1")
	cfg.KeepAliveIntervalSec = 1
	ip, port := splitAddr(addr)

	err := NewMapServerConnector(cfg, deps).Run(context.Background(), sessionFixture(), protocol.MapData{
		CharacterID: testCharID,
		MapName:     "prontera.gat",
		IP:          ip,
		Port:        port,
	})
	r.NoError(err)
	waitStub(t, done)
}

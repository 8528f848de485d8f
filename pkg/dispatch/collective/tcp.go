/*
Copyright 2025 The Kubernetes Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package collective

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	errutil "github.com/janhq/tensorrtllm-backend/pkg/dispatch/util/error"
)

// maxFrameWords bounds a single frame at 8 GiB of payload. Anything larger is
// treated as stream corruption rather than a legitimate message.
const maxFrameWords = 1 << 30

// Frame layout: 8-byte tag, 8-byte word count, count 8-byte words, all
// little-endian. The whole frame is written with a single Write call.
func writeFrame(conn net.Conn, tag Tag, words []int64) error {
	buf := make([]byte, 16+8*len(words))
	binary.LittleEndian.PutUint64(buf[0:8], uint64(tag))
	binary.LittleEndian.PutUint64(buf[8:16], uint64(len(words)))
	for i, w := range words {
		binary.LittleEndian.PutUint64(buf[16+8*i:], uint64(w))
	}
	if _, err := conn.Write(buf); err != nil {
		return errutil.Error{Code: errutil.Transport, Msg: fmt.Sprintf("write frame to %s: %v", conn.RemoteAddr(), err)}
	}
	return nil
}

func readFrame(conn net.Conn) (Tag, []int64, error) {
	var header [16]byte
	if _, err := io.ReadFull(conn, header[:]); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
			return 0, nil, ErrClosed
		}
		return 0, nil, errutil.Error{Code: errutil.Transport, Msg: fmt.Sprintf("read frame header from %s: %v", conn.RemoteAddr(), err)}
	}
	tag := Tag(binary.LittleEndian.Uint64(header[0:8]))
	count := binary.LittleEndian.Uint64(header[8:16])
	if count > maxFrameWords {
		return 0, nil, errutil.Error{Code: errutil.Transport, Msg: fmt.Sprintf("frame of %d words from %s exceeds limit", count, conn.RemoteAddr())}
	}
	payload := make([]byte, 8*count)
	if _, err := io.ReadFull(conn, payload); err != nil {
		return 0, nil, errutil.Error{Code: errutil.Transport, Msg: fmt.Sprintf("read frame payload from %s: %v", conn.RemoteAddr(), err)}
	}
	words := make([]int64, count)
	for i := range words {
		words[i] = int64(binary.LittleEndian.Uint64(payload[8*i:]))
	}
	return tag, words, nil
}

// tcpGroup is a Group over raw TCP. Rank 0 holds one connection per other
// rank; every other rank holds a single connection to rank 0. Group
// operations never set deadlines: a collective that timed out cannot be
// rejoined, so the only recovery is a process restart.
type tcpGroup struct {
	rank  int
	size  int
	conns []net.Conn // indexed by peer rank on rank 0; conns[0] elsewhere
}

// GroupListener is the rank-0 side of TCP group formation. It exists
// separately from Accept so callers binding port 0 can learn the resolved
// address before the other ranks dial in.
type GroupListener struct {
	ln net.Listener
}

// NewGroupListener binds addr for group formation.
func NewGroupListener(ctx context.Context, addr string) (*GroupListener, error) {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return nil, errutil.Error{Code: errutil.Transport, Msg: fmt.Sprintf("listen on %s: %v", addr, err)}
	}
	return &GroupListener{ln: ln}, nil
}

// Addr returns the bound address.
func (l *GroupListener) Addr() string {
	return l.ln.Addr().String()
}

// Accept waits for the size-1 other ranks to join and returns the rank-0
// member. Each joiner identifies itself with a hello frame carrying its rank.
// The listener is closed when Accept returns.
func (l *GroupListener) Accept(ctx context.Context, size int) (Group, error) {
	defer l.ln.Close()
	if size < 2 {
		return nil, errutil.Error{Code: errutil.Internal, Msg: fmt.Sprintf("group size %d needs no transport", size)}
	}

	stop := context.AfterFunc(ctx, func() { l.ln.Close() })
	defer stop()

	conns := make([]net.Conn, size)
	joined := 0
	for joined < size-1 {
		conn, err := l.ln.Accept()
		if err != nil {
			closeAll(conns)
			return nil, errutil.Error{Code: errutil.Transport, Msg: fmt.Sprintf("accept group member: %v", err)}
		}
		tag, words, err := readFrame(conn)
		if err != nil || tag != TagID || len(words) != 1 {
			conn.Close()
			closeAll(conns)
			return nil, errutil.Error{Code: errutil.Transport, Msg: fmt.Sprintf("bad hello from %s", conn.RemoteAddr())}
		}
		rank := int(words[0])
		if rank < 1 || rank >= size || conns[rank] != nil {
			conn.Close()
			closeAll(conns)
			return nil, errutil.Error{Code: errutil.Transport, Msg: fmt.Sprintf("invalid or duplicate rank %d from %s", rank, conn.RemoteAddr())}
		}
		conns[rank] = conn
		joined++
	}
	return &tcpGroup{rank: 0, size: size, conns: conns}, nil
}

// JoinGroup dials the rank-0 listener at addr and announces rank. It retries
// until the listener is up or ctx is done, so members may start in any order.
func JoinGroup(ctx context.Context, addr string, rank, size int) (Group, error) {
	if rank < 1 || rank >= size {
		return nil, errutil.Error{Code: errutil.Internal, Msg: fmt.Sprintf("rank %d out of range for group of %d", rank, size)}
	}
	var dialer net.Dialer
	var conn net.Conn
	for {
		var err error
		conn, err = dialer.DialContext(ctx, "tcp", addr)
		if err == nil {
			break
		}
		select {
		case <-ctx.Done():
			return nil, errutil.Error{Code: errutil.Transport, Msg: fmt.Sprintf("dial group leader %s: %v", addr, err)}
		case <-time.After(100 * time.Millisecond):
		}
	}
	if err := writeFrame(conn, TagID, []int64{int64(rank)}); err != nil {
		conn.Close()
		return nil, err
	}
	conns := make([]net.Conn, size)
	conns[0] = conn
	return &tcpGroup{rank: rank, size: size, conns: conns}, nil
}

func closeAll(conns []net.Conn) {
	for _, c := range conns {
		if c != nil {
			c.Close()
		}
	}
}

func (g *tcpGroup) Rank() int { return g.rank }
func (g *tcpGroup) Size() int { return g.size }

func (g *tcpGroup) BroadcastValue(ctx context.Context, value uint64, root int) (uint64, error) {
	words, err := g.Broadcast(ctx, []int64{int64(value)}, root)
	if err != nil {
		return 0, err
	}
	if len(words) != 1 {
		return 0, errutil.Error{Code: errutil.Transport,
			Msg: fmt.Sprintf("rank %d expected a single broadcast word, got %d", g.rank, len(words))}
	}
	return uint64(words[0]), nil
}

func (g *tcpGroup) Broadcast(ctx context.Context, words []int64, root int) ([]int64, error) {
	if root != 0 {
		// The dispatch layer only ever broadcasts from the leader rank.
		return nil, errutil.Error{Code: errutil.Internal, Msg: fmt.Sprintf("tcp group only supports broadcast from rank 0, got root %d", root)}
	}
	if err := ctx.Err(); err != nil {
		return nil, errutil.Error{Code: errutil.Transport, Msg: fmt.Sprintf("broadcast on rank %d interrupted: %v", g.rank, err)}
	}
	if g.rank == root {
		for r := 1; r < g.size; r++ {
			if err := writeFrame(g.conns[r], TagData, words); err != nil {
				return nil, err
			}
		}
		return words, nil
	}

	tag, payload, err := readFrame(g.conns[0])
	if err != nil {
		return nil, err
	}
	if tag != TagData {
		return nil, errutil.Error{Code: errutil.Transport, Msg: fmt.Sprintf("rank %d expected broadcast frame, got tag %d", g.rank, tag)}
	}
	return payload, nil
}

// Close tears down every connection the member holds.
func (g *tcpGroup) Close() error {
	closeAll(g.conns)
	return nil
}

// tcpPeer is a Peer over one TCP connection.
type tcpPeer struct {
	conn   net.Conn
	sendMu sync.Mutex
	recvMu sync.Mutex
}

// PeerListener is the accepting side of a TCP Peer channel.
type PeerListener struct {
	ln net.Listener
}

// NewPeerListener binds addr for a single inbound peer connection.
func NewPeerListener(ctx context.Context, addr string) (*PeerListener, error) {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return nil, errutil.Error{Code: errutil.Transport, Msg: fmt.Sprintf("listen on %s: %v", addr, err)}
	}
	return &PeerListener{ln: ln}, nil
}

// Addr returns the bound address.
func (l *PeerListener) Addr() string {
	return l.ln.Addr().String()
}

// Accept waits for one connection and returns it as a Peer, closing the
// listener.
func (l *PeerListener) Accept(ctx context.Context) (Peer, error) {
	defer l.ln.Close()

	stop := context.AfterFunc(ctx, func() { l.ln.Close() })
	defer stop()

	conn, err := l.ln.Accept()
	if err != nil {
		return nil, errutil.Error{Code: errutil.Transport, Msg: fmt.Sprintf("accept peer: %v", err)}
	}
	return &tcpPeer{conn: conn}, nil
}

// DialPeer connects to a listening Peer at addr, retrying until the listener
// is up or ctx is done.
func DialPeer(ctx context.Context, addr string) (Peer, error) {
	var dialer net.Dialer
	for {
		conn, err := dialer.DialContext(ctx, "tcp", addr)
		if err == nil {
			return &tcpPeer{conn: conn}, nil
		}
		select {
		case <-ctx.Done():
			return nil, errutil.Error{Code: errutil.Transport, Msg: fmt.Sprintf("dial peer %s: %v", addr, err)}
		case <-time.After(100 * time.Millisecond):
		}
	}
}

func (p *tcpPeer) Send(ctx context.Context, tag Tag, words []int64) error {
	if err := ctx.Err(); err != nil {
		return errutil.Error{Code: errutil.Transport, Msg: fmt.Sprintf("peer send interrupted: %v", err)}
	}
	p.sendMu.Lock()
	defer p.sendMu.Unlock()
	return writeFrame(p.conn, tag, words)
}

func (p *tcpPeer) Recv(ctx context.Context) (Tag, []int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, nil, errutil.Error{Code: errutil.Transport, Msg: fmt.Sprintf("peer receive interrupted: %v", err)}
	}
	p.recvMu.Lock()
	defer p.recvMu.Unlock()
	return readFrame(p.conn)
}

func (p *tcpPeer) Close() error {
	return p.conn.Close()
}

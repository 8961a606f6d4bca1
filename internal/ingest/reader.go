package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"time"

	"github.com/edirooss/mswitch-server/pkg/avurl"
	"go.uber.org/zap"
)

// readBufSize fits the largest UDP datagram a generator can emit.
const readBufSize = 64 * 1024

// fileChunk is 7 transport packets, the conventional TS-over-UDP payload.
const fileChunk = 7 * 188

// filePacing throttles file ingest to a live-ish rate instead of slurping
// the whole file at disk speed.
const filePacing = 4 * time.Millisecond

// packetSource is one connected origin delivering raw transport bytes.
type packetSource interface {
	// Read fills buf with the next chunk. Implementations return promptly
	// (bounded by an internal deadline) so the reader loop can observe
	// cancellation.
	Read(buf []byte) (int, error)
	Close() error
}

// errReadTimeout marks a deadline-bounded empty read; the loop just retries.
var errReadTimeout = errors.New("read timeout")

// openOrigin connects a source URL:
//
//	udp://host:port  listen for datagrams
//	file:path        paced file playback
//	spawn:<argv>     generator output arrives on the loopback port the
//	                 manager allocated; the caller handles the spawn itself
//	plain path       same as file:
func openOrigin(url string, loopbackPort int) (packetSource, error) {
	switch {
	case strings.HasPrefix(url, "udp://"):
		// The URL was validated at startup; the raw split here just strips
		// transport options ("?fifo_size=...") that the resolver can't digest.
		u, err := avurl.RawParse(url)
		if err != nil {
			return nil, fmt.Errorf("parse %s: %w", url, err)
		}
		return openUDP(net.JoinHostPort(u.Host, u.Port))
	case strings.HasPrefix(url, "spawn:"):
		return openUDP(fmt.Sprintf("127.0.0.1:%d", loopbackPort))
	case strings.HasPrefix(url, "file:"):
		return openFile(strings.TrimPrefix(url, "file:"))
	default:
		return openFile(url)
	}
}

type udpSource struct{ conn *net.UDPConn }

func openUDP(hostport string) (packetSource, error) {
	addr, err := net.ResolveUDPAddr("udp", hostport)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", hostport, err)
	}
	var conn *net.UDPConn
	if addr.IP != nil && addr.IP.IsMulticast() {
		conn, err = net.ListenMulticastUDP("udp", nil, addr)
	} else {
		conn, err = net.ListenUDP("udp", addr)
	}
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", hostport, err)
	}
	_ = conn.SetReadBuffer(4 * 1024 * 1024)
	return &udpSource{conn: conn}, nil
}

func (s *udpSource) Read(buf []byte) (int, error) {
	_ = s.conn.SetReadDeadline(time.Now().Add(250 * time.Millisecond))
	n, _, err := s.conn.ReadFromUDP(buf)
	if err != nil {
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			return 0, errReadTimeout
		}
		return 0, err
	}
	return n, nil
}

func (s *udpSource) Close() error { return s.conn.Close() }

type fileSource struct {
	f    *os.File
	last time.Time
}

func openFile(path string) (packetSource, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	return &fileSource{f: f}, nil
}

func (s *fileSource) Read(buf []byte) (int, error) {
	// Pace reads so the file behaves like a live feed.
	if wait := filePacing - time.Since(s.last); wait > 0 {
		time.Sleep(wait)
	}
	s.last = time.Now()

	n := fileChunk
	if n > len(buf) {
		n = len(buf)
	}
	return io.ReadFull(s.f, buf[:n])
}

func (s *fileSource) Close() error { return s.f.Close() }

// runReader is the per-source read loop: pull a chunk, inspect it, feed the
// health monitor, bump the keyframe counter, and buffer into the tube when
// this source should be buffered. Read failures are contained to this
// source's health; the loop retries until ctx is done.
func (m *Manager) runReader(ctx context.Context, source int) {
	log := m.log.With(zap.Int("source", source), zap.String("url", m.sources[source].URL))

	ps, err := openOrigin(m.sources[source].URL, m.baseUDPPort+source)
	if err != nil {
		log.Error("source connect failed", zap.Error(err))
		m.mon.MarkFailed(source)
		return
	}
	defer ps.Close()

	log.Info("reader started")

	ins := m.inspectors[source]
	buf := make([]byte, readBufSize)
	events := m.events[source][:0]

	for {
		if ctx.Err() != nil {
			log.Info("reader stopped")
			return
		}

		n, err := ps.Read(buf)
		if err != nil {
			if errors.Is(err, errReadTimeout) {
				continue
			}
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				log.Info("source drained")
				return
			}
			if ctx.Err() != nil {
				return
			}
			log.Warn("source read failed", zap.Error(err))
			time.Sleep(250 * time.Millisecond)
			continue
		}
		if n == 0 {
			continue
		}

		events = ins.Inspect(buf[:n], events[:0])
		keyframe := m.observe(source, events)
		if keyframe {
			m.kfSeq[source].Add(1)
		}

		if m.shouldBuffer(source) {
			m.tubes[source].Push(buf[:n])
		}
	}
}

package agent

import (
	"bufio"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/m4xw311/qtspy/errors"
	"github.com/m4xw311/qtspy/protocol"
	"github.com/m4xw311/qtspy/session"
)

const writeTimeout = 5 * time.Second

// conn adapts one accepted socket to session.Transport.
type conn struct {
	c   *net.UnixConn
	log *zap.Logger

	mu sync.Mutex
	w  *bufio.Writer

	session *session.Session
}

var _ session.Transport = (*conn)(nil)

var connSeq atomic.Uint64

func newConn(c *net.UnixConn, log *zap.Logger) *conn {
	return &conn{
		c:   c,
		log: log.With(zap.Uint64("conn", connSeq.Add(1))),
		w:   bufio.NewWriter(c),
	}
}

// readLoop decodes frames until the peer goes away, posting each one onto the
// agent's loop.
func (cn *conn) readLoop(a *Agent) {
	var dec protocol.Decoder
	buf := make([]byte, 64<<10)
	for {
		n, err := cn.c.Read(buf)
		if n > 0 {
			payloads, ferr := dec.Feed(buf[:n])
			for _, p := range payloads {
				p := p
				a.loop.Post(func() { a.dispatch(cn, p) })
			}
			if ferr != nil {
				cn.log.Warn("dropping connection", zap.Error(ferr))
				break
			}
		}
		if err != nil {
			if err != io.EOF && !errors.Is(err, net.ErrClosed) {
				cn.log.Debug("read failed", zap.Error(err))
			}
			break
		}
	}
	a.loop.Post(func() { a.drop(cn) })
}

func (cn *conn) Send(m *protocol.Message) {
	frame, err := protocol.EncodeFrame(m)
	if err != nil {
		cn.log.Error("failed to encode frame", zap.String("type", m.Type), zap.Error(err))
		return
	}
	cn.mu.Lock()
	defer cn.mu.Unlock()
	cn.c.SetWriteDeadline(time.Now().Add(writeTimeout))
	if _, err = cn.w.Write(frame); err == nil {
		err = cn.w.Flush()
	}
	if err != nil {
		cn.log.Debug("write failed", zap.String("type", m.Type), zap.Error(err))
	}
}

func (cn *conn) CloseWrite() {
	cn.mu.Lock()
	defer cn.mu.Unlock()
	cn.w.Flush()
	cn.c.CloseWrite()
}

func (cn *conn) Close() {
	cn.mu.Lock()
	defer cn.mu.Unlock()
	cn.w.Flush()
	cn.c.Close()
}

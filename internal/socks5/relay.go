package socks5

import (
	"io"
	"net"

	"github.com/postalsys/microsocks/internal/metrics"
)

// relayBufferSize is the minimum buffer size spec §4.3 requires for the
// bidirectional copy loop.
const relayBufferSize = 4096

// halfCloser is implemented by connections (notably *net.TCPConn) that can
// half-close their write side without tearing down the read side, letting
// one relay direction finish cleanly while the other drains.
type halfCloser interface {
	CloseWrite() error
}

// relay runs the bidirectional TCP copy loop of spec §4.3: bytes read
// from client are forwarded to target (credited as upload) and vice versa
// (credited as download), until either side reaches EOF or errors. It
// returns the first non-nil error observed on either direction.
func relay(client, target net.Conn, counters *metrics.TrafficCounters) error {
	errCh := make(chan error, 2)

	go func() {
		errCh <- copyDirection(target, client, counters.AddUpload)
	}()
	go func() {
		errCh <- copyDirection(client, target, counters.AddDownload)
	}()

	err1 := <-errCh
	err2 := <-errCh

	if err1 != nil {
		return err1
	}
	return err2
}

// copyDirection copies from src to dst until EOF or error, crediting each
// successful write's byte count via account. When the copy ends (EOF or
// error) it half-closes dst's write side so the other direction can still
// drain.
func copyDirection(dst, src net.Conn, account func(uint64)) error {
	buf := make([]byte, relayBufferSize)
	_, err := io.CopyBuffer(&countingWriter{w: dst, account: account}, src, buf)

	if hc, ok := dst.(halfCloser); ok {
		hc.CloseWrite()
	}
	return err
}

// countingWriter wraps an io.Writer, crediting each full write to account.
// Spec §4.3 requires that a read's payload be fully written before the
// next read proceeds on that direction — io.CopyBuffer already serializes
// read/write pairs, so a single Write call per Read satisfies that.
type countingWriter struct {
	w       io.Writer
	account func(uint64)
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	if n > 0 {
		c.account(uint64(n))
	}
	return n, err
}

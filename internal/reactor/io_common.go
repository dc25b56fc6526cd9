package reactor

import (
	"errors"
	"net"
	"time"
)

// errWatchCanceled is returned internally by waitReadable/waitWritable
// when stop fires before the netpoller reports readiness; the watcher
// goroutine treats it as "give up", not an I/O error.
var errWatchCanceled = errors.New("reactor: watch canceled")

// pollInterval is the fallback's best-effort readiness check period, used
// only for net.Conn implementations that don't expose a syscall.RawConn
// (e.g. the in-memory pipes tests substitute for real sockets).
const pollInterval = 10 * time.Millisecond

// waitReadableFallback polls SetReadDeadline/Read with a zero-length
// buffer, which net.Conn implementations typically treat as "would the
// next Read block" without consuming data. Less precise than the
// MSG_PEEK path but portable and sufficient for tests.
func waitReadableFallback(conn net.Conn, stop <-chan struct{}) (bool, error) {
	for {
		select {
		case <-stop:
			return false, errWatchCanceled
		default:
		}
		_ = conn.SetReadDeadline(time.Now().Add(pollInterval))
		_, err := conn.Read(nil)
		_ = conn.SetReadDeadline(time.Time{})
		if err == nil {
			return true, nil
		}
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			continue
		}
		return false, err
	}
}

// waitWritableFallback has no portable non-consuming writability probe,
// so it simply waits out one pollInterval: in the blocking-Write model
// every concrete PeerSession writer uses, the subsequent Write blocks
// until the kernel has room regardless, so this only delays the single
// notification RegisterWritable promises.
func waitWritableFallback(stop <-chan struct{}) error {
	select {
	case <-time.After(pollInterval):
		return nil
	case <-stop:
		return errWatchCanceled
	}
}

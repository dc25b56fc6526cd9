//go:build !unix

package reactor

import "net"

func waitReadable(conn net.Conn, stop <-chan struct{}) (bool, error) {
	return waitReadableFallback(conn, stop)
}

func waitWritable(conn net.Conn, stop <-chan struct{}) error {
	return waitWritableFallback(stop)
}

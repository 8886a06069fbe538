// Package util provides logging, traffic statistics and small helpers shared
// by the tunnel packages.
package util

import (
	"hash/fnv"
	"net"
)

// ConnHash computes a 4-byte hash from a TCP connection's 4-tuple
// (local IP, local port, remote IP, remote port). It seeds connection id
// allocation and does not need to be reversible.
func ConnHash(conn net.Conn) uint32 {
	h := fnv.New32a()
	h.Write([]byte(conn.LocalAddr().String()))
	h.Write([]byte(conn.RemoteAddr().String()))
	return h.Sum32()
}

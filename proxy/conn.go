/*
 * Copyright 2021. Go-RWSplit Author All Rights Reserved.
 *
 *  Licensed under the Apache License, Version 2.0 (the "License");
 *  you may not use this file except in compliance with the License.
 *  You may obtain a copy of the License at
 *
 *      http://www.apache.org/licenses/LICENSE-2.0
 *
 *  Unless required by applicable law or agreed to in writing, software
 *  distributed under the License is distributed on an "AS IS" BASIS,
 *  WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 *  See the License for the specific language governing permissions and
 *  limitations under the License.
 *
 *  File author: Anders Xiao
 */

package proxy

import (
	"fmt"
	"io"
	"net"

	"github.com/endink/go-rwsplit/mysql"
)

// PacketConn frames MySQL packets over a net.Conn. Authentication and
// TLS are the embedding server's concern; this type only moves framed
// packets.
type PacketConn struct {
	conn net.Conn
}

// NewPacketConn wraps an established connection.
func NewPacketConn(conn net.Conn) *PacketConn {
	return &PacketConn{conn: conn}
}

// Dial opens a TCP connection to addr.
func Dial(addr string) (*PacketConn, error) {
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, err
	}
	return NewPacketConn(conn), nil
}

// Write sends one framed packet.
func (c *PacketConn) Write(pkt []byte) error {
	_, err := c.conn.Write(pkt)
	return err
}

// ReadPacket reads one framed packet, header included.
func (c *PacketConn) ReadPacket() ([]byte, error) {
	header := make([]byte, mysql.HeaderLen)
	if _, err := io.ReadFull(c.conn, header); err != nil {
		return nil, err
	}
	length := int(header[0]) | int(header[1])<<8 | int(header[2])<<16
	pkt := make([]byte, mysql.HeaderLen+length)
	copy(pkt, header)
	if _, err := io.ReadFull(c.conn, pkt[mysql.HeaderLen:]); err != nil {
		return nil, err
	}
	return pkt, nil
}

// Close closes the underlying connection.
func (c *PacketConn) Close() {
	_ = c.conn.Close()
}

// Addr describes the remote end, for logs.
func (c *PacketConn) Addr() string {
	return fmt.Sprint(c.conn.RemoteAddr())
}

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

// Package testkit builds MySQL protocol packets for tests.
package testkit

import (
	"github.com/endink/go-rwsplit/mysql"
)

// QueryPacket frames sql as a COM_QUERY packet.
func QueryPacket(sql string) []byte {
	payload := make([]byte, 0, 1+len(sql))
	payload = append(payload, mysql.ComQuery)
	payload = append(payload, sql...)
	return mysql.NewPacket(0, payload)
}

// InitDBPacket frames db as a COM_INIT_DB packet.
func InitDBPacket(db string) []byte {
	payload := append([]byte{mysql.ComInitDB}, db...)
	return mysql.NewPacket(0, payload)
}

// OKReply is a complete single-packet OK reply.
func OKReply() []byte {
	return mysql.NewOKPacket(1, 0, 0, mysql.ServerStatusAutocommit, 0)
}

// ErrReply is a complete single-packet ERR reply.
func ErrReply(code uint16, msg string) []byte {
	return mysql.NewErrPacket(1, code, mysql.SSUnknownSQLState, "%s", msg)
}

// LocalInfileReply is the server's LOCAL INFILE request packet.
func LocalInfileReply(filename string) []byte {
	payload := append([]byte{mysql.LocalInfileHeader}, filename...)
	return mysql.NewPacket(1, payload)
}

// Column describes one result set column for ResultSetReply.
type Column struct {
	Schema   string
	Table    string
	OrgTable string
	Name     string
	OrgName  string
}

// ColumnDefPacket frames one ColumnDefinition41 packet. The fixed-length
// tail carries plausible filler values.
func ColumnDefPacket(seq uint8, col Column) []byte {
	var payload []byte
	payload = mysql.AppendLenEncString(payload, "def")
	payload = mysql.AppendLenEncString(payload, col.Schema)
	payload = mysql.AppendLenEncString(payload, col.Table)
	payload = mysql.AppendLenEncString(payload, col.OrgTable)
	payload = mysql.AppendLenEncString(payload, col.Name)
	payload = mysql.AppendLenEncString(payload, col.OrgName)
	payload = append(payload, 0x0c,
		0x21, 0x00, // charset
		0xff, 0x00, 0x00, 0x00, // column length
		0xfd,       // type VAR_STRING
		0x00, 0x00, // flags
		0x00,       // decimals
		0x00, 0x00) // filler
	return mysql.NewPacket(seq, payload)
}

// RowPacket frames one text protocol row. A nil value is NULL.
func RowPacket(seq uint8, values ...interface{}) []byte {
	var payload []byte
	for _, v := range values {
		if v == nil {
			payload = append(payload, 0xfb)
			continue
		}
		payload = mysql.AppendLenEncString(payload, v.(string))
	}
	return mysql.NewPacket(seq, payload)
}

// ResultSetReply builds the full packet sequence of a text result set:
// column count, column definitions, EOF, rows, EOF.
func ResultSetReply(cols []Column, rows [][]interface{}) [][]byte {
	var pkts [][]byte
	seq := uint8(1)
	pkts = append(pkts, mysql.NewPacket(seq, mysql.AppendLenEncInt(nil, uint64(len(cols)))))
	for _, col := range cols {
		seq++
		pkts = append(pkts, ColumnDefPacket(seq, col))
	}
	seq++
	pkts = append(pkts, mysql.NewEOFPacket(seq, 0, mysql.ServerStatusAutocommit))
	for _, row := range rows {
		seq++
		pkts = append(pkts, RowPacket(seq, row...))
	}
	seq++
	pkts = append(pkts, mysql.NewEOFPacket(seq, 0, mysql.ServerStatusAutocommit))
	return pkts
}

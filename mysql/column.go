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

package mysql

// ColumnDef is the part of a ColumnDefinition41 packet the proxy needs:
// the schema, the original table and the original column name decide
// whether a masking rule applies.
type ColumnDef struct {
	Catalog  string
	Schema   string
	Table    string
	OrgTable string
	Name     string
	OrgName  string
}

// ParseColumnDef decodes a ColumnDefinition41 payload. Fixed-length
// fields after org_name are not needed and left unread.
func ParseColumnDef(payload []byte) (*ColumnDef, error) {
	def := &ColumnDef{}
	pos := 0
	for _, field := range []*string{
		&def.Catalog, &def.Schema, &def.Table, &def.OrgTable, &def.Name, &def.OrgName,
	} {
		val, n, ok := ReadLenEncBytes(payload, pos)
		if !ok {
			return nil, NewSQLError(ERUnknownError, SSUnknownSQLState, "malformed column definition packet")
		}
		*field = string(val)
		pos += n
	}
	return def, nil
}

// ValueSpan locates one column value inside a text protocol row payload.
// Offset and Length cover the value bytes only, not the length prefix.
type ValueSpan struct {
	Offset int
	Length int
	Null   bool
}

// RowValueSpans splits a text protocol row payload into per-column value
// spans. columnCount must match the result set header.
func RowValueSpans(payload []byte, columnCount int) ([]ValueSpan, error) {
	spans := make([]ValueSpan, 0, columnCount)
	pos := 0
	for i := 0; i < columnCount; i++ {
		if pos >= len(payload) {
			return nil, NewSQLError(ERUnknownError, SSUnknownSQLState, "truncated row packet: %d of %d columns", i, columnCount)
		}
		if payload[pos] == 0xfb {
			spans = append(spans, ValueSpan{Offset: pos, Null: true})
			pos++
			continue
		}
		length, n, ok := ReadLenEncInt(payload, pos)
		if !ok || pos+n+int(length) > len(payload) {
			return nil, NewSQLError(ERUnknownError, SSUnknownSQLState, "malformed row packet at column %d", i)
		}
		spans = append(spans, ValueSpan{Offset: pos + n, Length: int(length)})
		pos += n + int(length)
	}
	if pos != len(payload) {
		return nil, NewSQLError(ERUnknownError, SSUnknownSQLState, "row packet has %d trailing bytes", len(payload)-pos)
	}
	return spans, nil
}

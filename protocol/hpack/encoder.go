// File: protocol/hpack/encoder.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package hpack

import "golang.org/x/net/http2/hpack"

// Encoder compresses header lists for one direction of a connection.
type Encoder struct {
	table   *DynamicTable
	huffman bool

	// smallest size set since the last block, emitted before the final one
	pendingUpdate bool
	minSize       uint32
}

// NewEncoder returns an encoder whose dynamic table starts at tableSize,
// normally the peer's SETTINGS_HEADER_TABLE_SIZE default of 4096. Huffman
// coding is enabled.
func NewEncoder(tableSize uint32) *Encoder {
	return &Encoder{table: NewDynamicTable(tableSize), huffman: true}
}

// SetHuffman toggles Huffman coding of literal strings. When enabled a string
// is Huffman-coded only if that is shorter.
func (e *Encoder) SetHuffman(on bool) { e.huffman = on }

// Table exposes the encoder's dynamic table for inspection.
func (e *Encoder) Table() *DynamicTable { return e.table }

// SetMaxDynamicTableSize resizes the table. The change is signalled at the
// start of the next block; if it shrank and grew again in between, both the
// minimum and the final size are emitted.
func (e *Encoder) SetMaxDynamicTableSize(v uint32) {
	if !e.pendingUpdate || v < e.minSize {
		e.minSize = v
	}
	e.pendingUpdate = true
	e.table.SetMaxSize(v)
}

// Encode appends the header block for fields to dst.
func (e *Encoder) Encode(dst []byte, fields []HeaderField) []byte {
	if e.pendingUpdate {
		if e.minSize < e.table.maxSize {
			dst = AppendInt(dst, 5, 0x20, uint64(e.minSize))
		}
		dst = AppendInt(dst, 5, 0x20, uint64(e.table.maxSize))
		e.pendingUpdate = false
	}
	for _, f := range fields {
		dst = e.encodeField(dst, f)
	}
	return dst
}

func (e *Encoder) encodeField(dst []byte, f HeaderField) []byte {
	if f.Sensitive {
		return e.appendLiteral(dst, 4, 0x10, e.nameIndex(f), f)
	}
	if i, ok := staticPairs[pair{f.Name, f.Value}]; ok {
		return AppendInt(dst, 7, 0x80, uint64(i))
	}
	di, exact := e.table.search(f)
	if exact {
		return AppendInt(dst, 7, 0x80, uint64(StaticTableLen+di))
	}
	name, ok := staticNames[f.Name]
	if !ok && di > 0 {
		name = StaticTableLen + di
	}
	if f.Size() > e.table.maxSize {
		return e.appendLiteral(dst, 4, 0x00, name, f)
	}
	dst = e.appendLiteral(dst, 6, 0x40, name, f)
	e.table.Add(f)
	return dst
}

func (e *Encoder) nameIndex(f HeaderField) int {
	if i, ok := staticNames[f.Name]; ok {
		return i
	}
	di, _ := e.table.search(f)
	if di > 0 {
		return StaticTableLen + di
	}
	return 0
}

func (e *Encoder) appendLiteral(dst []byte, n uint8, flags byte, name int, f HeaderField) []byte {
	dst = AppendInt(dst, n, flags, uint64(name))
	if name == 0 {
		dst = e.appendString(dst, f.Name)
	}
	return e.appendString(dst, f.Value)
}

// appendString writes a length-prefixed string, Huffman-coded when that is
// shorter.
func (e *Encoder) appendString(dst []byte, s string) []byte {
	if e.huffman {
		if n := hpack.HuffmanEncodeLength(s); n < uint64(len(s)) {
			dst = AppendInt(dst, 7, 0x80, n)
			return hpack.AppendHuffmanString(dst, s)
		}
	}
	dst = AppendInt(dst, 7, 0x00, uint64(len(s)))
	return append(dst, s...)
}

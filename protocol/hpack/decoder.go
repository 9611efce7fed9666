// File: protocol/hpack/decoder.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package hpack

import (
	"errors"

	"golang.org/x/net/http2/hpack"
)

// Decoder decompresses header blocks for one direction of a connection.
type Decoder struct {
	table         *DynamicTable
	maxTableSize  uint32 // highest size update the peer may send
	maxHeaderList uint32 // 0 means unlimited
}

// NewDecoder returns a decoder whose table and size-update limit start at
// tableSize, normally our advertised SETTINGS_HEADER_TABLE_SIZE.
func NewDecoder(tableSize uint32) *Decoder {
	return &Decoder{table: NewDynamicTable(tableSize), maxTableSize: tableSize}
}

// Table exposes the decoder's dynamic table for inspection.
func (d *Decoder) Table() *DynamicTable { return d.table }

// SetMaxDynamicTableSize sets the limit for size updates sent by the peer,
// after we advertised a new SETTINGS_HEADER_TABLE_SIZE.
func (d *Decoder) SetMaxDynamicTableSize(v uint32) { d.maxTableSize = v }

// SetMaxHeaderListSize bounds the decoded list size; 0 disables the check.
func (d *Decoder) SetMaxHeaderListSize(v uint32) { d.maxHeaderList = v }

// Decode decompresses one complete header block. Errors other than
// ErrHeaderListTooLarge match ErrCompression.
func (d *Decoder) Decode(block []byte) ([]HeaderField, error) {
	var (
		fields   []HeaderField
		listSize uint64
		sawField bool
	)
	for len(block) > 0 {
		b := block[0]
		var (
			f   HeaderField
			n   int
			err error
		)
		switch {
		case b&0x80 != 0: // indexed
			var idx uint64
			idx, n, err = ReadInt(block, 7)
			if err != nil {
				return nil, compressionError(err)
			}
			var ok bool
			if f, ok = d.table.lookup(idx); !ok {
				return nil, compressionError(ErrIndexOutOfRange)
			}
			f.Sensitive = false
		case b&0xc0 == 0x40: // literal with incremental indexing
			f, n, err = d.readLiteral(block, 6)
			if err != nil {
				return nil, compressionError(err)
			}
			d.table.Add(f)
		case b&0xe0 == 0x20: // dynamic table size update
			if sawField {
				return nil, compressionError(ErrSizeUpdateMisplaced)
			}
			var v uint64
			v, n, err = ReadInt(block, 5)
			if err != nil {
				return nil, compressionError(err)
			}
			if v > uint64(d.maxTableSize) {
				return nil, compressionError(ErrSizeUpdateTooLarge)
			}
			d.table.SetMaxSize(uint32(v))
			block = block[n:]
			continue
		case b&0xf0 == 0x10: // never indexed
			f, n, err = d.readLiteral(block, 4)
			if err != nil {
				return nil, compressionError(err)
			}
			f.Sensitive = true
		default: // without indexing
			f, n, err = d.readLiteral(block, 4)
			if err != nil {
				return nil, compressionError(err)
			}
		}
		block = block[n:]
		sawField = true
		listSize += uint64(f.Size())
		fields = append(fields, f)
	}
	if d.maxHeaderList > 0 && listSize > uint64(d.maxHeaderList) {
		return nil, ErrHeaderListTooLarge
	}
	return fields, nil
}

func (d *Decoder) readLiteral(b []byte, prefix uint8) (HeaderField, int, error) {
	idx, n, err := ReadInt(b, prefix)
	if err != nil {
		return HeaderField{}, 0, err
	}
	var f HeaderField
	if idx == 0 {
		var m int
		if f.Name, m, err = readString(b[n:]); err != nil {
			return HeaderField{}, 0, err
		}
		n += m
	} else {
		nf, ok := d.table.lookup(idx)
		if !ok {
			return HeaderField{}, 0, ErrIndexOutOfRange
		}
		f.Name = nf.Name
	}
	v, m, err := readString(b[n:])
	if err != nil {
		return HeaderField{}, 0, err
	}
	f.Value = v
	return f, n + m, nil
}

func readString(b []byte) (string, int, error) {
	if len(b) == 0 {
		return "", 0, ErrTruncated
	}
	huff := b[0]&0x80 != 0
	l, n, err := ReadInt(b, 7)
	if err != nil {
		return "", 0, err
	}
	if uint64(len(b)-n) < l {
		return "", 0, ErrTruncated
	}
	raw := b[n : n+int(l)]
	if !huff {
		return string(raw), n + int(l), nil
	}
	s, err := hpack.HuffmanDecodeToString(raw)
	if err != nil {
		if errors.Is(err, hpack.ErrInvalidHuffman) {
			err = ErrInvalidHuffman
		}
		return "", 0, err
	}
	return s, n + int(l), nil
}

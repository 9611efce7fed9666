// File: protocol/hpack/hpack_test.go
// Author: momentics <momentics@gmail.com>

package hpack

import (
	"encoding/hex"
	"errors"
	"fmt"
	"math/rand"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

func hf(name, value string) HeaderField { return HeaderField{Name: name, Value: value} }

func unhex(t *testing.T, s string) []byte {
	t.Helper()
	b, err := hex.DecodeString(s)
	if err != nil {
		t.Fatal(err)
	}
	return b
}

// RFC 7541 Appendix C.3 and C.4: three requests on one connection.
var requestVectors = []struct {
	fields       []HeaderField
	plain, huff  string
	tableEntries int
	tableSize    uint32
}{
	{
		fields:       []HeaderField{hf(":method", "GET"), hf(":scheme", "http"), hf(":path", "/"), hf(":authority", "www.example.com")},
		plain:        "828684410f7777772e6578616d706c652e636f6d",
		huff:         "828684418cf1e3c2e5f23a6ba0ab90f4ff",
		tableEntries: 1, tableSize: 57,
	},
	{
		fields:       []HeaderField{hf(":method", "GET"), hf(":scheme", "http"), hf(":path", "/"), hf(":authority", "www.example.com"), hf("cache-control", "no-cache")},
		plain:        "828684be58086e6f2d6361636865",
		huff:         "828684be5886a8eb10649cbf",
		tableEntries: 2, tableSize: 110,
	},
	{
		fields:       []HeaderField{hf(":method", "GET"), hf(":scheme", "https"), hf(":path", "/index.html"), hf(":authority", "www.example.com"), hf("custom-key", "custom-value")},
		plain:        "828785bf400a637573746f6d2d6b65790c637573746f6d2d76616c7565",
		huff:         "828785bf408825a849e95ba97d7f8925a849e95bb8e8b4bf",
		tableEntries: 3, tableSize: 164,
	},
}

func TestEncodeRFCVectors(t *testing.T) {
	for _, huffman := range []bool{false, true} {
		enc := NewEncoder(4096)
		enc.SetHuffman(huffman)
		for i, v := range requestVectors {
			want := v.plain
			if huffman {
				want = v.huff
			}
			got := hex.EncodeToString(enc.Encode(nil, v.fields))
			if got != want {
				t.Errorf("huffman=%v request %d:\n got %s\nwant %s", huffman, i+1, got, want)
			}
			if enc.Table().Len() != v.tableEntries || enc.Table().Size() != v.tableSize {
				t.Errorf("huffman=%v request %d: table %d entries/%d bytes", huffman, i+1, enc.Table().Len(), enc.Table().Size())
			}
		}
	}
}

func TestDecodeRFCVectors(t *testing.T) {
	for _, huffman := range []bool{false, true} {
		dec := NewDecoder(4096)
		for i, v := range requestVectors {
			block := v.plain
			if huffman {
				block = v.huff
			}
			got, err := dec.Decode(unhex(t, block))
			if err != nil {
				t.Fatalf("huffman=%v request %d: %v", huffman, i+1, err)
			}
			if diff := cmp.Diff(v.fields, got); diff != "" {
				t.Errorf("huffman=%v request %d (-want +got):\n%s", huffman, i+1, diff)
			}
			if dec.Table().Size() != v.tableSize {
				t.Errorf("request %d: table size %d, want %d", i+1, dec.Table().Size(), v.tableSize)
			}
		}
	}
	want := []HeaderField{hf("custom-key", "custom-value"), hf("cache-control", "no-cache"), hf(":authority", "www.example.com")}
	dec := NewDecoder(4096)
	for _, v := range requestVectors {
		if _, err := dec.Decode(unhex(t, v.plain)); err != nil {
			t.Fatal(err)
		}
	}
	if diff := cmp.Diff(want, dec.Table().Fields()); diff != "" {
		t.Errorf("dynamic table (-want +got):\n%s", diff)
	}
}

// RFC 7541 C.5: responses with a 256-byte table force evictions.
func TestEvictionLockstep(t *testing.T) {
	responses := [][]HeaderField{
		{hf(":status", "302"), hf("cache-control", "private"), hf("date", "Mon, 21 Oct 2013 20:13:21 GMT"), hf("location", "https://www.example.com")},
		{hf(":status", "307"), hf("cache-control", "private"), hf("date", "Mon, 21 Oct 2013 20:13:21 GMT"), hf("location", "https://www.example.com")},
		{hf(":status", "200"), hf("cache-control", "private"), hf("date", "Mon, 21 Oct 2013 20:13:22 GMT"), hf("location", "https://www.example.com"),
			hf("content-encoding", "gzip"), hf("set-cookie", "foo=ASDJKHQKBZXOQWEOPIUAXQWEOIU; max-age=3600; version=1")},
	}
	sizes := []uint32{222, 222, 215}
	enc := NewEncoder(256)
	enc.SetHuffman(false)
	dec := NewDecoder(256)
	for i, fields := range responses {
		block := enc.Encode(nil, fields)
		got, err := dec.Decode(block)
		if err != nil {
			t.Fatalf("response %d: %v", i+1, err)
		}
		if diff := cmp.Diff(fields, got); diff != "" {
			t.Fatalf("response %d (-want +got):\n%s", i+1, diff)
		}
		if enc.Table().Size() != sizes[i] || dec.Table().Size() != sizes[i] {
			t.Errorf("response %d: sizes enc=%d dec=%d want %d", i+1, enc.Table().Size(), dec.Table().Size(), sizes[i])
		}
		if diff := cmp.Diff(enc.Table().Fields(), dec.Table().Fields()); diff != "" {
			t.Fatalf("tables diverged after response %d:\n%s", i+1, diff)
		}
	}
	// second response is three dynamic references after one literal
	enc2 := NewEncoder(256)
	enc2.SetHuffman(false)
	enc2.Encode(nil, responses[0])
	if got := hex.EncodeToString(enc2.Encode(nil, responses[1])); got != "4803333037c1c0bf" {
		t.Errorf("second response = %s", got)
	}
}

func TestRoundTripRandomLists(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	names := []string{":path", "content-type", "x-trace", "cookie", "accept", "x-big"}
	for _, tableSize := range []uint32{0, 64, 256, 4096} {
		enc := NewEncoder(tableSize)
		dec := NewDecoder(tableSize)
		for round := 0; round < 200; round++ {
			var fields []HeaderField
			for n := rng.Intn(8); n >= 0; n-- {
				name := names[rng.Intn(len(names))]
				val := fmt.Sprintf("v%d", rng.Intn(20))
				if name == "x-big" {
					val = string(make([]byte, 300+rng.Intn(200)))
				}
				fields = append(fields, HeaderField{Name: name, Value: val, Sensitive: rng.Intn(10) == 0})
			}
			if round%50 == 49 {
				enc.SetMaxDynamicTableSize(uint32(rng.Intn(int(tableSize) + 1)))
			}
			got, err := dec.Decode(enc.Encode(nil, fields))
			if err != nil {
				t.Fatalf("table %d round %d: %v", tableSize, round, err)
			}
			if diff := cmp.Diff(fields, got, cmpopts.EquateEmpty()); diff != "" {
				t.Fatalf("table %d round %d (-want +got):\n%s", tableSize, round, diff)
			}
			if s, m := enc.Table().Size(), enc.Table().MaxSize(); s > m {
				t.Fatalf("encoder table %d exceeds max %d", s, m)
			}
			if s, m := dec.Table().Size(), dec.Table().MaxSize(); s > m {
				t.Fatalf("decoder table %d exceeds max %d", s, m)
			}
		}
	}
}

func TestSensitiveNeverIndexed(t *testing.T) {
	enc := NewEncoder(4096)
	enc.SetHuffman(false)
	block := enc.Encode(nil, []HeaderField{{Name: "authorization", Value: "secret", Sensitive: true}})
	if block[0] != 0x1f || block[1] != 23-15 {
		t.Fatalf("block = %x", block)
	}
	if enc.Table().Len() != 0 {
		t.Fatal("sensitive field indexed")
	}
	got, err := NewDecoder(4096).Decode(block)
	if err != nil || len(got) != 1 || !got[0].Sensitive || got[0].Value != "secret" {
		t.Fatalf("Decode = %v, %v", got, err)
	}
}

func TestOversizedFieldNotIndexed(t *testing.T) {
	enc := NewEncoder(64)
	enc.SetHuffman(false)
	enc.Encode(nil, []HeaderField{hf("a", "b")})
	block := enc.Encode(nil, []HeaderField{hf("x-long", string(make([]byte, 64)))})
	if block[0] != 0x00 {
		t.Fatalf("first byte %#x, want literal without indexing", block[0])
	}
	if enc.Table().Len() != 1 {
		t.Fatalf("table len %d, want untouched", enc.Table().Len())
	}
}

func TestTableSizeUpdateSignalled(t *testing.T) {
	enc := NewEncoder(4096)
	dec := NewDecoder(4096)
	enc.SetMaxDynamicTableSize(0)
	enc.SetMaxDynamicTableSize(1024)
	block := enc.Encode(nil, []HeaderField{hf("x-a", "1")})
	// 0x20 = size 0, then 1024 with a 5-bit prefix
	if block[0] != 0x20 || block[1] != 0x3f {
		t.Fatalf("block = %x", block)
	}
	if _, err := dec.Decode(block); err != nil {
		t.Fatal(err)
	}
	if dec.Table().MaxSize() != 1024 || dec.Table().Len() != 1 {
		t.Fatalf("decoder table max=%d len=%d", dec.Table().MaxSize(), dec.Table().Len())
	}
	// no pending update on the next block
	if next := enc.Encode(nil, []HeaderField{hf(":method", "GET")}); len(next) != 1 || next[0] != 0x82 {
		t.Fatalf("next block = %x", next)
	}
}

func TestDecodeErrors(t *testing.T) {
	cases := []struct {
		name  string
		block string
		want  error
	}{
		{"index zero", "80", ErrIndexOutOfRange},
		{"index past dynamic", "be", ErrIndexOutOfRange},
		{"literal name index past table", "7f00", ErrIndexOutOfRange},
		{"truncated integer", "ff", ErrTruncated},
		{"truncated string", "400561", ErrTruncated},
		{"missing value", "4001", ErrTruncated},
		{"integer overflow", "ffffffffffff0f", ErrIntegerOverflow},
		{"size update above limit", "3fe21f", ErrSizeUpdateTooLarge},
		{"size update after field", "8220", ErrSizeUpdateMisplaced},
		{"invalid huffman", "4081ff00", ErrInvalidHuffman},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := NewDecoder(4096).Decode(unhex(t, tc.block))
			if !errors.Is(err, tc.want) || !errors.Is(err, ErrCompression) {
				t.Fatalf("Decode = %v, want %v wrapped in ErrCompression", err, tc.want)
			}
		})
	}
}

func TestHeaderListLimit(t *testing.T) {
	enc := NewEncoder(4096)
	dec := NewDecoder(4096)
	dec.SetMaxHeaderListSize(100)
	big := []HeaderField{hf("x-one", string(make([]byte, 40))), hf("x-two", string(make([]byte, 40)))}
	_, err := dec.Decode(enc.Encode(nil, big))
	if !errors.Is(err, ErrHeaderListTooLarge) || errors.Is(err, ErrCompression) {
		t.Fatalf("Decode = %v", err)
	}
	// the table still tracks the encoder
	if diff := cmp.Diff(enc.Table().Fields(), dec.Table().Fields()); diff != "" {
		t.Fatalf("tables diverged:\n%s", diff)
	}
}

func TestIntegerCoding(t *testing.T) {
	cases := []struct {
		n    uint8
		v    uint64
		wire string
	}{
		{5, 10, "0a"},
		{5, 1337, "1f9a0a"},
		{8, 42, "2a"},
		{7, 126, "7e"},
		{7, 127, "7f00"},
		{4, 1<<32 - 1, "0ff0ffffff0f"},
	}
	for _, tc := range cases {
		got := hex.EncodeToString(AppendInt(nil, tc.n, 0, tc.v))
		if got != tc.wire {
			t.Errorf("AppendInt(%d, %d) = %s, want %s", tc.n, tc.v, got, tc.wire)
		}
		v, n, err := ReadInt(unhex(t, tc.wire), tc.n)
		if err != nil || v != tc.v || n != len(tc.wire)/2 {
			t.Errorf("ReadInt(%s) = %d, %d, %v", tc.wire, v, n, err)
		}
	}
	if _, _, err := ReadInt(unhex(t, "0ff0ffffff1f"), 4); !errors.Is(err, ErrIntegerOverflow) {
		t.Errorf("2^32+ value: %v", err)
	}
}

func TestDynamicTable(t *testing.T) {
	dt := NewDynamicTable(100)
	dt.Add(hf("a", "1"))  // 34
	dt.Add(hf("bb", "2")) // 35
	dt.Add(hf("c", "3"))  // 34, evicts "a"
	if dt.Len() != 2 || dt.Size() != 69 {
		t.Fatalf("len=%d size=%d", dt.Len(), dt.Size())
	}
	if f, _ := dt.At(1); f.Name != "c" {
		t.Errorf("At(1) = %v", f)
	}
	if _, ok := dt.At(3); ok {
		t.Error("At(3) should be out of range")
	}
	dt.SetMaxSize(40)
	if dt.Len() != 1 || dt.Size() != 34 {
		t.Fatalf("after shrink len=%d size=%d", dt.Len(), dt.Size())
	}
	dt.Add(hf("toolong", string(make([]byte, 10))))
	if dt.Len() != 0 || dt.Size() != 0 {
		t.Fatalf("oversized add should empty table, len=%d", dt.Len())
	}
}

// File: protocol/hpack/field.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package hpack

import "fmt"

// entryOverhead is the per-entry accounting overhead of RFC 7541 §4.1.
const entryOverhead = 32

// HeaderField is one name/value pair. Sensitive fields are never added to a
// dynamic table, on either side.
type HeaderField struct {
	Name, Value string
	Sensitive   bool
}

// Size is the table accounting size of f.
func (f HeaderField) Size() uint32 {
	return uint32(len(f.Name) + len(f.Value) + entryOverhead)
}

// IsPseudo reports whether f is a pseudo-header such as ":path".
func (f HeaderField) IsPseudo() bool { return len(f.Name) > 0 && f.Name[0] == ':' }

func (f HeaderField) String() string {
	if f.Sensitive {
		return fmt.Sprintf("%s: <sensitive>", f.Name)
	}
	return fmt.Sprintf("%s: %s", f.Name, f.Value)
}

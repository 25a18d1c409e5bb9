package vmmodel

import (
	"encoding/json"
	"hash/fnv"
	"sort"
)

// MetadataFingerprint returns a stable content hash over metadata's
// canonical (key-sorted) JSON encoding, stored by the monitor alongside
// each metadata write.
func MetadataFingerprint(m Metadata) string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	h := fnv.New64a()
	for _, k := range keys {
		encoded, err := json.Marshal(m[k])
		if err != nil {
			continue
		}
		h.Write([]byte(k))
		h.Write([]byte{0})
		h.Write(encoded)
		h.Write([]byte{0})
	}
	return fnvHex(h.Sum64())
}

func fnvHex(v uint64) string {
	const hexDigits = "0123456789abcdef"
	buf := make([]byte, 16)
	for i := 15; i >= 0; i-- {
		buf[i] = hexDigits[v&0xf]
		v >>= 4
	}
	return string(buf)
}

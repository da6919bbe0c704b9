package query

import (
	"bytes"
	"fmt"
	"strconv"

	"github.com/cespare/xxhash/v2"
	"github.com/vmihailenco/msgpack/v5"
)

// KeyOf builds the cache key for resource with the given parameters. Keys
// always start with the resource name so prefix invalidation reaches them.
// Parameters are hashed from their msgpack encoding with map keys sorted,
// so equal parameter maps produce equal keys regardless of iteration order.
func KeyOf(resource string, params ...any) string {
	if len(params) == 0 {
		return resource
	}
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	enc.SetSortMapKeys(true)
	if err := enc.Encode(params); err != nil {
		buf.Reset()
		fmt.Fprintf(&buf, "%#v", params)
	}
	return resource + ":" + strconv.FormatUint(xxhash.Sum64(buf.Bytes()), 16)
}

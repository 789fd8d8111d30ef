package store

import "sync"

// Key layout:
//
//	<prefix><id>                      document JSON
//	<prefix>idx:<index>:<value>       secondary index, value is the document id
var keyPool = sync.Pool{
	New: func() any {
		return make([]byte, 0, 256)
	},
}

const indexSegment = "idx:"

// buildKey constructs a document key using a pooled buffer.
// Callers MUST call releaseKey when done with the key.
func buildKey(prefix, id string) []byte {
	buf, _ := keyPool.Get().([]byte)
	buf = buf[:0]
	buf = append(buf, prefix...)
	buf = append(buf, id...)
	return buf
}

// buildIndexKey constructs an index key from prefix, index name, and value.
// Callers MUST call releaseKey when done with the key.
func buildIndexKey(prefix, indexName, value string) []byte {
	buf, _ := keyPool.Get().([]byte)
	buf = buf[:0]
	buf = append(buf, prefix...)
	buf = append(buf, indexSegment...)
	buf = append(buf, indexName...)
	buf = append(buf, ':')
	buf = append(buf, value...)
	return buf
}

// indexPrefix returns the iteration prefix of one index. Not pooled since
// iterators hold on to it.
func indexPrefix(prefix, indexName string) []byte {
	return []byte(prefix + indexSegment + indexName + ":")
}

// releaseKey returns a key buffer to the pool for reuse.
func releaseKey(key []byte) {
	if cap(key) <= 512 {
		keyPool.Put(key[:0]) //nolint:staticcheck // slice header allocation is fine here
	}
}

package embcache

import (
	"encoding/binary"
	"fmt"
	"math"
	"time"
)

// Persisted record layout: 8-byte big-endian unix-nano insertion timestamp
// followed by little-endian float32 vector components.

func encodeRecord(vec []float32, insertedAt time.Time) []byte {
	buf := make([]byte, 8+len(vec)*4)
	binary.BigEndian.PutUint64(buf, uint64(insertedAt.UnixNano()))
	for i, f := range vec {
		binary.LittleEndian.PutUint32(buf[8+i*4:], math.Float32bits(f))
	}
	return buf
}

func decodeRecord(data []byte) ([]float32, time.Time, error) {
	if len(data) < 8 || (len(data)-8)%4 != 0 {
		return nil, time.Time{}, fmt.Errorf("invalid embedding record: len=%d", len(data))
	}
	insertedAt := time.Unix(0, int64(binary.BigEndian.Uint64(data)))
	vec := make([]float32, (len(data)-8)/4)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[8+i*4:]))
	}
	return vec, insertedAt, nil
}

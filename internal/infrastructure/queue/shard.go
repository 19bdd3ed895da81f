package queue

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"strconv"

	"ListingRadar/internal/domain"
)

// ErrClosed is returned by Enqueue after Close.
var ErrClosed = errors.New("queue closed")

// shardFor maps a channel onto one of n ordered lanes. Every job of a channel lands
// on the same lane, which is what keeps per-channel ordering.
func shardFor(channelID int64, n int) int {
	if n <= 1 {
		return 0
	}
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(channelID))
	h := fnv.New32a()
	_, _ = h.Write(buf[:])
	return int(h.Sum32() % uint32(n))
}

func partitionKey(job domain.Job) string {
	return strconv.FormatInt(job.Key.ChannelID, 10)
}

func encodeJob(job domain.Job) ([]byte, error) {
	raw, err := json.Marshal(job)
	if err != nil {
		return nil, fmt.Errorf("encode job %s: %w", job.Key, err)
	}
	return raw, nil
}

func decodeJob(raw []byte) (domain.Job, error) {
	var job domain.Job
	if err := json.Unmarshal(raw, &job); err != nil {
		return domain.Job{}, fmt.Errorf("decode job: %w", err)
	}
	return job, nil
}

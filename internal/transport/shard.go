package transport

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync/atomic"

	"github.com/klauspost/reedsolomon"
)

// Shard framing for the low-power mesh radio class: BLE mesh links carry
// small frames and drop them routinely, so payloads above one frame are
// split into data shards plus parity shards. A receiver reassembles from
// any dataShards-sized subset, which turns per-frame loss into tolerable
// erasure instead of a resend of the whole announcement.
const (
	shardDataCount   = 4
	shardParityCount = 2
	shardFrameBytes  = 192 // conservative BLE mesh access-layer payload
	shardHeaderBytes = 8   // group id (4) + index (1) + total (1) + length (2)
)

// ShardCodec splits payloads into erasure-coded frames and reassembles them.
type ShardCodec struct {
	enc reedsolomon.Encoder
}

// NewShardCodec builds the codec with the class's fixed shard geometry.
func NewShardCodec() (*ShardCodec, error) {
	enc, err := reedsolomon.New(shardDataCount, shardParityCount)
	if err != nil {
		return nil, fmt.Errorf("transport: create shard encoder: %w", err)
	}
	return &ShardCodec{enc: enc}, nil
}

// Split erasure-codes payload into framed shards: every frame carries the
// group id, its shard index, the shard count, and the original payload
// length, so a receiver can reassemble out of order.
func (c *ShardCodec) Split(groupID uint32, payload []byte) ([][]byte, error) {
	if len(payload) > 0xFFFF {
		return nil, fmt.Errorf("transport: payload too large for shard framing: %d bytes", len(payload))
	}
	shards, err := c.enc.Split(payload)
	if err != nil {
		return nil, fmt.Errorf("transport: split payload into shards: %w", err)
	}
	if err := c.enc.Encode(shards); err != nil {
		return nil, fmt.Errorf("transport: encode parity shards: %w", err)
	}

	total := shardDataCount + shardParityCount
	frames := make([][]byte, 0, total)
	for i, shard := range shards {
		frame := make([]byte, shardHeaderBytes+len(shard))
		binary.BigEndian.PutUint32(frame[0:4], groupID)
		frame[4] = byte(i)
		frame[5] = byte(total)
		binary.BigEndian.PutUint16(frame[6:8], uint16(len(payload)))
		copy(frame[shardHeaderBytes:], shard)
		frames = append(frames, frame)
	}
	return frames, nil
}

// Reassemble reconstructs the original payload from any sufficient subset
// of a group's frames. Missing shards are passed as nil entries, indexed by
// shard number.
func (c *ShardCodec) Reassemble(frames [][]byte) ([]byte, error) {
	shards := make([][]byte, shardDataCount+shardParityCount)
	var payloadLen int
	seen := 0
	for _, frame := range frames {
		if len(frame) <= shardHeaderBytes {
			continue
		}
		idx := int(frame[4])
		if idx >= len(shards) || shards[idx] != nil {
			continue
		}
		shards[idx] = frame[shardHeaderBytes:]
		payloadLen = int(binary.BigEndian.Uint16(frame[6:8]))
		seen++
	}
	if seen < shardDataCount {
		return nil, fmt.Errorf("transport: %d shards present, need %d", seen, shardDataCount)
	}

	if err := c.enc.Reconstruct(shards); err != nil {
		return nil, fmt.Errorf("transport: reconstruct shards: %w", err)
	}
	var out []byte
	for _, shard := range shards[:shardDataCount] {
		out = append(out, shard...)
	}
	if payloadLen > len(out) {
		return nil, fmt.Errorf("transport: reassembled %d bytes, header claims %d", len(out), payloadLen)
	}
	return out[:payloadLen], nil
}

// FramedDriver wraps the low-power mesh class's concrete driver with shard
// framing: payloads above one frame go out as erasure-coded shards, small
// payloads pass through untouched. The manager wraps every BLE-class driver
// with this when it builds a peer's pool, regardless of which concrete radio
// driver is wired.
type FramedDriver struct {
	inner   Driver
	codec   *ShardCodec
	groupID atomic.Uint32
}

// NewFramedDriver wraps inner with shard framing.
func NewFramedDriver(inner Driver) (*FramedDriver, error) {
	codec, err := NewShardCodec()
	if err != nil {
		return nil, err
	}
	return &FramedDriver{inner: inner, codec: codec}, nil
}

func (d *FramedDriver) Class() Class { return d.inner.Class() }

func (d *FramedDriver) Dial(ctx context.Context, peerID string) error {
	return d.inner.Dial(ctx, peerID)
}

func (d *FramedDriver) Send(ctx context.Context, peerID string, payload []byte) error {
	if len(payload) <= shardFrameBytes {
		return d.inner.Send(ctx, peerID, payload)
	}
	frames, err := d.codec.Split(d.groupID.Add(1), payload)
	if err != nil {
		return err
	}
	for _, frame := range frames {
		if err := d.inner.Send(ctx, peerID, frame); err != nil {
			return err
		}
	}
	return nil
}

func (d *FramedDriver) Probe(ctx context.Context, peerID string) (float64, bool) {
	return d.inner.Probe(ctx, peerID)
}

func (d *FramedDriver) Close(peerID string) error {
	return d.inner.Close(peerID)
}

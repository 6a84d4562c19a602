package kmutil

import (
	"encoding/binary"

	"github.com/apex/log"
	"github.com/google/uuid"
	"github.com/twmb/murmur3"
)

// contentUUID hashes every in-use byte of the image except the directory
// region. The LC_UUID payload must still be zero when this runs.
func (ctx *buildContext) contentUUID() uuid.UUID {
	h := murmur3.New128()
	for _, r := range ctx.regions {
		if r.Kind == RegionPrelinkInfo {
			continue
		}
		h.Write(r.Data[:min(r.Used, r.Capacity)])
	}
	hi, lo := h.Sum128()

	var id uuid.UUID
	binary.BigEndian.PutUint64(id[:8], hi)
	binary.BigEndian.PutUint64(id[8:], lo)
	id[6] = id[6]&0x0f | 0x40 // version 4
	id[8] = id[8]&0x3f | 0x80 // RFC 4122 variant
	return id
}

// finalize stamps the content identifier into LC_UUID and the directory
func (ctx *buildContext) finalize() error {
	id := ctx.contentUUID()
	copy(ctx.buf[ctx.uuidOffset:ctx.uuidOffset+16], id[:])
	if err := ctx.writePrelinkInfo(&id); err != nil {
		return err
	}
	ctx.uuid = id
	log.WithField("uuid", id).Debug("Stamped collection UUID")
	return nil
}

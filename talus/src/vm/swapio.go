package vm

import (
	"context"
	"encoding/binary"

	"github.com/pkg/errors"

	"blockdev"
	"defs"
)

// slotSectors is the on-disk footprint of one swap slot: one header
// sector (compression flag + payload length) followed by exactly
// enough sectors to hold one uncompressed page.
const slotSectors = defs.SectorsPerPage + 1

func diskIO(ctx context.Context, disk blockdev.Disk, cmd blockdev.Cmd, sector int64, buf []byte) error {
	req := blockdev.MkRequest(cmd, sector, buf)
	disk.Start(req)
	select {
	case err := <-req.AckCh:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// writeSwapSlot writes one page's worth of bytes to the sectors backing
// slot idx, optionally zstd-compressing it first when the backend's
// limits enable swap compression. Compression is skipped if it would
// not actually shrink the payload, since the slot's on-disk footprint
// is fixed-size regardless.
func writeSwapSlot(ctx context.Context, be *Backend, idx int, data []byte) error {
	payload := data
	compressed := false
	if be.Limits.CompressSwap {
		c := be.zstdEnc.EncodeAll(data, make([]byte, 0, len(data)))
		if len(c) < len(data) {
			payload = c
			compressed = true
		}
	}
	if len(payload) > defs.SectorsPerPage*defs.SectorSize {
		return errors.New("vm: swap payload exceeds slot capacity")
	}

	header := make([]byte, defs.SectorSize)
	if compressed {
		header[0] = 1
	}
	binary.BigEndian.PutUint32(header[1:5], uint32(len(payload)))

	base := int64(idx) * int64(slotSectors)
	if err := diskIO(ctx, be.Disk, blockdev.CmdWrite, base, header); err != nil {
		return err
	}

	buf := make([]byte, defs.SectorsPerPage*defs.SectorSize)
	copy(buf, payload)
	for i := 0; i < defs.SectorsPerPage; i++ {
		sector := base + 1 + int64(i)
		chunk := buf[i*defs.SectorSize : (i+1)*defs.SectorSize]
		if err := diskIO(ctx, be.Disk, blockdev.CmdWrite, sector, chunk); err != nil {
			return err
		}
	}
	return nil
}

// readSwapSlot reads the page backed by slot idx and returns its
// decompressed bytes.
func readSwapSlot(ctx context.Context, be *Backend, idx int) ([]byte, error) {
	base := int64(idx) * int64(slotSectors)
	header := make([]byte, defs.SectorSize)
	if err := diskIO(ctx, be.Disk, blockdev.CmdRead, base, header); err != nil {
		return nil, err
	}
	compressed := header[0] == 1
	length := binary.BigEndian.Uint32(header[1:5])

	buf := make([]byte, defs.SectorsPerPage*defs.SectorSize)
	for i := 0; i < defs.SectorsPerPage; i++ {
		sector := base + 1 + int64(i)
		chunk := buf[i*defs.SectorSize : (i+1)*defs.SectorSize]
		if err := diskIO(ctx, be.Disk, blockdev.CmdRead, sector, chunk); err != nil {
			return nil, err
		}
	}
	payload := buf[:length]
	if !compressed {
		return payload, nil
	}
	return be.zstdDec.DecodeAll(payload, nil)
}

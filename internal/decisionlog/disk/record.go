package disk

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"

	"pkt.systems/tpcd/internal/decisionlog"
)

const (
	recordMagic      = uint32(0x54504344) // "TPCD"
	recordVersion    = uint8(1)
	recordHeaderSize = 16
	// maxPayload bounds a single record so a corrupt length never triggers a
	// huge allocation.
	maxPayload = 1 << 20
)

var crcTable = crc32.MakeTable(crc32.Castagnoli)

type recordHeader struct {
	payloadLen uint32
	payloadCRC uint32
}

func encodeHeader(buf []byte, hdr recordHeader) {
	binary.LittleEndian.PutUint32(buf[0:4], recordMagic)
	buf[4] = recordVersion
	buf[5], buf[6], buf[7] = 0, 0, 0
	binary.LittleEndian.PutUint32(buf[8:12], hdr.payloadLen)
	binary.LittleEndian.PutUint32(buf[12:16], hdr.payloadCRC)
}

func decodeHeader(buf []byte) (recordHeader, error) {
	if len(buf) < recordHeaderSize {
		return recordHeader{}, fmt.Errorf("%w: short header", decisionlog.ErrCorrupt)
	}
	if binary.LittleEndian.Uint32(buf[0:4]) != recordMagic {
		return recordHeader{}, fmt.Errorf("%w: magic mismatch", decisionlog.ErrCorrupt)
	}
	if buf[4] != recordVersion {
		return recordHeader{}, fmt.Errorf("%w: unsupported version %d", decisionlog.ErrCorrupt, buf[4])
	}
	hdr := recordHeader{
		payloadLen: binary.LittleEndian.Uint32(buf[8:12]),
		payloadCRC: binary.LittleEndian.Uint32(buf[12:16]),
	}
	if hdr.payloadLen > maxPayload {
		return recordHeader{}, fmt.Errorf("%w: payload length %d", decisionlog.ErrCorrupt, hdr.payloadLen)
	}
	return hdr, nil
}

// encodeRecord frames e as header+payload.
func encodeRecord(e decisionlog.Entry) []byte {
	buf := make([]byte, recordHeaderSize, recordHeaderSize+96)
	buf = decisionlog.AppendBinary(buf, e)
	payload := buf[recordHeaderSize:]
	encodeHeader(buf[:recordHeaderSize], recordHeader{
		payloadLen: uint32(len(payload)),
		payloadCRC: crc32.Checksum(payload, crcTable),
	})
	return buf
}

// decodeRecords parses every complete record in data. It returns the decoded
// entries, the offset just past the last valid record, and the error that
// stopped parsing (nil when data was consumed exactly).
func decodeRecords(data []byte) ([]decisionlog.Entry, int64, error) {
	var (
		entries []decisionlog.Entry
		offset  int
	)
	for offset < len(data) {
		hdr, err := decodeHeader(data[offset:])
		if err != nil {
			return entries, int64(offset), err
		}
		start := offset + recordHeaderSize
		end := start + int(hdr.payloadLen)
		if end > len(data) {
			return entries, int64(offset), fmt.Errorf("%w: short payload", decisionlog.ErrCorrupt)
		}
		payload := data[start:end]
		if crc32.Checksum(payload, crcTable) != hdr.payloadCRC {
			return entries, int64(offset), fmt.Errorf("%w: checksum mismatch at offset %d", decisionlog.ErrCorrupt, offset)
		}
		var e decisionlog.Entry
		if err := e.UnmarshalBinary(payload); err != nil {
			return entries, int64(offset), err
		}
		entries = append(entries, e)
		offset = end
	}
	return entries, int64(offset), nil
}

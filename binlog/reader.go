package binlog

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
)

const (
	pcapGlobalLen = 24
	pcapRecordLen = 16
	phdr2Len      = 8
)

// Record is one captured packet: its original wall-clock timestamp, the
// record-type flag WritePacket was called with, the sender address, and the
// raw payload bytes.
type Record struct {
	Timestamp float64
	Flag      uint16
	Addr      *net.UDPAddr
	Payload   []byte
}

// PcapReader reads back the capture format written by PcapWriter, record
// header layout and all; this is the same pcap-record loop this stack's
// original binlog parser used, generalized so replay doesn't need to know
// about any particular record's body format.
type PcapReader struct {
	f *os.File
}

// NewPcapReader opens path and verifies the global header magic.
func NewPcapReader(path string) (*PcapReader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	hdr := make([]byte, pcapGlobalLen)
	if _, err := io.ReadFull(f, hdr); err != nil {
		f.Close()
		return nil, fmt.Errorf("binlog: pcap header: %w", err)
	}
	if binary.LittleEndian.Uint32(hdr[0:4]) != PcapMagic {
		f.Close()
		return nil, fmt.Errorf("binlog: bad pcap magic")
	}
	return &PcapReader{f: f}, nil
}

// Next returns the next record, or io.EOF when the capture is exhausted.
func (r *PcapReader) Next() (Record, error) {
	rec := make([]byte, pcapRecordLen)
	if _, err := io.ReadFull(r.f, rec); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return Record{}, io.EOF
		}
		return Record{}, fmt.Errorf("binlog: pcap record: %w", err)
	}
	tsSec := binary.LittleEndian.Uint32(rec[0:4])
	tsUsec := binary.LittleEndian.Uint32(rec[4:8])
	inclLen := binary.LittleEndian.Uint32(rec[8:12])
	if inclLen < phdr2Len {
		if _, err := r.f.Seek(int64(inclLen), io.SeekCurrent); err != nil {
			return Record{}, fmt.Errorf("binlog: skip malformed record: %w", err)
		}
		return r.Next()
	}

	phdr := make([]byte, phdr2Len)
	if _, err := io.ReadFull(r.f, phdr); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return Record{}, io.EOF
		}
		return Record{}, fmt.Errorf("binlog: pcap phdr2: %w", err)
	}
	flag := binary.LittleEndian.Uint16(phdr[0:2])
	port := binary.LittleEndian.Uint16(phdr[2:4])
	ip := net.IP(append([]byte(nil), phdr[4:8]...))

	payloadLen := int(inclLen) - phdr2Len
	payload := make([]byte, payloadLen)
	if payloadLen > 0 {
		if _, err := io.ReadFull(r.f, payload); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return Record{}, io.EOF
			}
			return Record{}, fmt.Errorf("binlog: pcap payload: %w", err)
		}
	}

	return Record{
		Timestamp: float64(tsSec) + float64(tsUsec)/1e6,
		Flag:      flag,
		Addr:      &net.UDPAddr{IP: ip, Port: int(port)},
		Payload:   payload,
	}, nil
}

// Close releases the underlying file.
func (r *PcapReader) Close() error { return r.f.Close() }

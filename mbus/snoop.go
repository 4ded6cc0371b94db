package mbus

import (
	"bufio"
	"encoding/csv"
	"encoding/hex"
	"fmt"
	"io"
	"strconv"

	"github.com/m3ice/icebridge/defrag"
)

// SnoopWriter persists B++ snoop events as CSV rows (unix_time, addr_hex,
// data_hex, cb0, cb1), the one durable artifact spec §6 allows, grounded in
// m3_common.py's mbus_snooper.
type SnoopWriter struct {
	w   *csv.Writer
	now func() float64
}

// NewSnoopWriter wraps w. now supplies the unix timestamp for each row
// (injected so tests and callers that must avoid wall-clock reads in
// deterministic contexts can substitute a fixed clock).
func NewSnoopWriter(w io.Writer, now func() float64) *SnoopWriter {
	return &SnoopWriter{w: csv.NewWriter(w), now: now}
}

// Write appends one snoop row for a B++ event.
func (s *SnoopWriter) Write(c defrag.Common) error {
	cb0, cb1 := 0, 0
	if c.CB0 {
		cb0 = 1
	}
	if c.CB1 {
		cb1 = 1
	}
	row := []string{
		strconv.FormatFloat(s.now(), 'f', 1, 64),
		hex.EncodeToString(c.Addr[:]),
		hex.EncodeToString(c.Data),
		strconv.Itoa(cb0),
		strconv.Itoa(cb1),
	}
	if err := s.w.Write(row); err != nil {
		return err
	}
	s.w.Flush()
	return s.w.Error()
}

// ReplayPeer reads a CSV of (timestamp, addr_hex, data_hex) triples and
// builds the corresponding B-stream payloads with control byte 0x02
// ("not ACKed"), matching ice_simulator.py's replay_message_thread. It is
// a peer-side helper; neither the host code nor the sim package calls it.
type ReplayPeer struct {
	r *csv.Reader
}

// NewReplayPeer wraps a reader of replay rows.
func NewReplayPeer(r io.Reader) *ReplayPeer {
	cr := csv.NewReader(bufio.NewReader(r))
	cr.FieldsPerRecord = -1
	return &ReplayPeer{r: cr}
}

// Next decodes the next replay row into a raw B-frame payload
// {addr:4B, data:N, control:1B=0x02}, or io.EOF when the file is exhausted.
func (p *ReplayPeer) Next() ([]byte, error) {
	record, err := p.r.Read()
	if err != nil {
		return nil, err
	}
	if len(record) < 3 {
		return nil, fmt.Errorf("mbus: malformed replay row %v", record)
	}
	addr, err := hex.DecodeString(record[1])
	if err != nil || len(addr) != 4 {
		return nil, fmt.Errorf("mbus: bad replay addr %q", record[1])
	}
	data, err := hex.DecodeString(record[2])
	if err != nil {
		return nil, fmt.Errorf("mbus: bad replay data %q", record[2])
	}
	payload := make([]byte, 0, 4+len(data)+1)
	payload = append(payload, addr...)
	payload = append(payload, data...)
	payload = append(payload, 0x02)
	return payload, nil
}

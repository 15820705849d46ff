// Snapshot persistence for the state store (spec.md §4.7, §6). The
// external subsystem has no notion of account/partition/QoS
// attribution for a persistent buffer, so that attribution has to
// survive a plugin restart on its own; this file is the only place
// that durable record lives.
package store

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/hpc-tools/dws-burstbuffer/pkg/metrics"
)

const snapshotVersion uint16 = 1

// SnapshotRecord is one on-disk row (spec.md §6 "Snapshot binary layout").
type SnapshotRecord struct {
	Account    string
	CreateTime time.Time
	Name       string
	Partition  string
	QOS        string
	UserID     uint32
	// SizeBytes and JobID are only meaningful, and only written/read,
	// in emulation mode (spec.md §4.7 recovery notes).
	SizeBytes int64
	JobID     uint32
}

func snapshotPath(dir string) string { return filepath.Join(dir, "burst_buffer_cray_state") }

// WriteSnapshot rewrites the snapshot file using the classic
// write-new/rotate-old/rename-into-place sequence so a concurrent
// reader always sees either the old or the new complete file, never a
// partial one (spec.md §4.7).
func WriteSnapshot(dir string, emulation bool, records []SnapshotRecord) (err error) {
	base := snapshotPath(dir)
	newPath := base + ".new"
	oldPath := base + ".old"

	defer func() {
		metrics.SnapshotWrite(err == nil)
	}()

	f, err := os.OpenFile(newPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("opening snapshot temp file: %w", err)
	}
	writeErr := encodeSnapshot(f, emulation, records)
	closeErr := f.Close()
	if writeErr != nil {
		os.Remove(newPath) //nolint:errcheck // best effort cleanup of the partial file
		return fmt.Errorf("writing snapshot: %w", writeErr)
	}
	if closeErr != nil {
		os.Remove(newPath) //nolint:errcheck
		return fmt.Errorf("closing snapshot temp file: %w", closeErr)
	}

	if _, statErr := os.Stat(base); statErr == nil {
		if err := os.Rename(base, oldPath); err != nil {
			return fmt.Errorf("rotating snapshot to .old: %w", err)
		}
	}
	if err := os.Rename(newPath, base); err != nil {
		return fmt.Errorf("renaming snapshot into place: %w", err)
	}
	return nil
}

// ReadSnapshot loads the current snapshot file, returning nil records
// (not an error) if none has ever been written.
func ReadSnapshot(dir string, emulation bool) ([]SnapshotRecord, error) {
	f, err := os.Open(snapshotPath(dir))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("opening snapshot: %w", err)
	}
	defer f.Close() //nolint:errcheck
	return decodeSnapshot(bufio.NewReader(f), emulation)
}

func encodeSnapshot(w io.Writer, emulation bool, records []SnapshotRecord) error {
	if err := binary.Write(w, binary.BigEndian, snapshotVersion); err != nil {
		return err
	}
	if err := binary.Write(w, binary.BigEndian, uint32(len(records))); err != nil {
		return err
	}
	for _, r := range records {
		if err := writeString(w, r.Account); err != nil {
			return err
		}
		if err := binary.Write(w, binary.BigEndian, r.CreateTime.Unix()); err != nil {
			return err
		}
		if err := writeString(w, r.Name); err != nil {
			return err
		}
		if err := writeString(w, r.Partition); err != nil {
			return err
		}
		if err := writeString(w, r.QOS); err != nil {
			return err
		}
		if err := binary.Write(w, binary.BigEndian, r.UserID); err != nil {
			return err
		}
		if emulation {
			if err := binary.Write(w, binary.BigEndian, r.SizeBytes); err != nil {
				return err
			}
		}
	}
	return nil
}

func decodeSnapshot(r io.Reader, emulation bool) ([]SnapshotRecord, error) {
	var version uint16
	if err := binary.Read(r, binary.BigEndian, &version); err != nil {
		if err == io.EOF {
			return nil, nil
		}
		return nil, err
	}
	if version != snapshotVersion {
		return nil, fmt.Errorf("unsupported snapshot version %d", version)
	}
	var count uint32
	if err := binary.Read(r, binary.BigEndian, &count); err != nil {
		return nil, err
	}
	records := make([]SnapshotRecord, 0, count)
	for i := uint32(0); i < count; i++ {
		var rec SnapshotRecord
		var err error
		if rec.Account, err = readString(r); err != nil {
			return nil, err
		}
		var createUnix int64
		if err := binary.Read(r, binary.BigEndian, &createUnix); err != nil {
			return nil, err
		}
		rec.CreateTime = time.Unix(createUnix, 0).UTC()
		if rec.Name, err = readString(r); err != nil {
			return nil, err
		}
		if rec.Partition, err = readString(r); err != nil {
			return nil, err
		}
		if rec.QOS, err = readString(r); err != nil {
			return nil, err
		}
		if err := binary.Read(r, binary.BigEndian, &rec.UserID); err != nil {
			return nil, err
		}
		if emulation {
			if err := binary.Read(r, binary.BigEndian, &rec.SizeBytes); err != nil {
				return nil, err
			}
			rec.JobID = numericJobIDFromName(rec.Name)
		}
		records = append(records, rec)
	}
	return records, nil
}

func writeString(w io.Writer, s string) error {
	if len(s) > 0xFFFF {
		return fmt.Errorf("string too long to snapshot: %d bytes", len(s))
	}
	if err := binary.Write(w, binary.BigEndian, uint16(len(s))); err != nil {
		return err
	}
	_, err := io.WriteString(w, s)
	return err
}

func readString(r io.Reader) (string, error) {
	var length uint16
	if err := binary.Read(r, binary.BigEndian, &length); err != nil {
		return "", err
	}
	buf := make([]byte, length)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	return string(buf), nil
}

// numericJobIDFromName recovers the synthetic job id emulation mode
// encodes into a purely-numeric persistent buffer name, or 0 if the
// name isn't numeric (spec.md §4.7 recovery notes).
func numericJobIDFromName(name string) uint32 {
	var id uint32
	for _, c := range name {
		if c < '0' || c > '9' {
			return 0
		}
		id = id*10 + uint32(c-'0')
	}
	return id
}

// RecoverAttribution re-attributes account/partition/QoS and create
// time (and, in emulation mode, size) onto allocations that were just
// discovered from the external subsystem, matching each snapshot
// record to a live allocation by (name, user id) (spec.md §4.7). A
// record's JobID is not applied: the allocation's JobID is left as it
// is.
func (s *Store) RecoverAttribution(records []SnapshotRecord, emulation bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rec := range records {
		alloc, ok := s.byName[nameKey(rec.UserID, rec.Name)]
		if !ok {
			continue
		}
		s.unchargeLocked(alloc)
		alloc.Account = rec.Account
		alloc.Partition = rec.Partition
		alloc.QOS = rec.QOS
		alloc.CreateTime = rec.CreateTime
		if emulation {
			alloc.SizeBytes = rec.SizeBytes
		}
		s.chargeLocked(alloc)
	}
}

// SnapshotRecords projects every persistent allocation currently
// tracked into the row shape the snapshot file stores.
func (s *Store) SnapshotRecords() []SnapshotRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []SnapshotRecord
	for _, bucket := range s.buckets {
		for _, a := range bucket {
			if !a.IsPersistent() {
				continue
			}
			out = append(out, SnapshotRecord{
				Account:    a.Account,
				CreateTime: a.CreateTime,
				Name:       a.Name,
				Partition:  a.Partition,
				QOS:        a.QOS,
				UserID:     a.OwnerUserID,
				SizeBytes:  a.SizeBytes,
			})
		}
	}
	return out
}

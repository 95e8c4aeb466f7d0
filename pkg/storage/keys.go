package storage

import "encoding/binary"

// Key schema:
//
//	led:<8-byte big-endian seq> → ledger.Entry (JSON)
//	snap                        → book.Snapshot after the latest entry (JSON)
//
// Big-endian sequence numbers keep ledger keys in append order under
// pebble's bytewise comparator.
const (
	prefixLedger = "led:"
	keySnapshot  = "snap"
)

func ledgerKey(seq uint64) []byte {
	k := make([]byte, len(prefixLedger)+8)
	copy(k, prefixLedger)
	binary.BigEndian.PutUint64(k[len(prefixLedger):], seq)
	return k
}

func ledgerPrefix() []byte { return []byte(prefixLedger) }

// keyUpperBound returns the smallest key greater than every key with prefix.
func keyUpperBound(prefix []byte) []byte {
	end := make([]byte, len(prefix))
	copy(end, prefix)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil
}

// Package session implements the per-connection client state machine:
// handshake, a ticketed schedule/get_results API backed by a pending
// queue and an in-flight list, and the byte-budget backpressure and
// merging rules described in.
package session

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
)

// Handshake is what a client transmits on connect.
type Handshake struct {
	Hostname string

	NumCPUs   uint32
	CoreIndex uint32

	LscpuText       string
	ProcCpuinfoText string
	SysPossibleText string

	VecSize    uint32 // 0 = absent
	SveMaxSize uint32 // AArch64 only
	SmeMaxSize uint32 // AArch64 only

	Tags map[string]string

	ElfHash string
}

// ReadHandshake parses the handshake fields off r in the fixed order
// lists them. isAArch64 controls whether the SVE/SME size
// fields are present.
func ReadHandshake(r *bufio.Reader, isAArch64 bool) (Handshake, error) {
	var h Handshake
	var err error

	if h.Hostname, err = readString(r); err != nil {
		return h, fmt.Errorf("session: handshake hostname: %w", err)
	}
	if h.NumCPUs, err = readU32(r); err != nil {
		return h, fmt.Errorf("session: handshake num_cpus: %w", err)
	}
	if h.CoreIndex, err = readU32(r); err != nil {
		return h, fmt.Errorf("session: handshake core_index: %w", err)
	}
	if h.LscpuText, err = readString(r); err != nil {
		return h, fmt.Errorf("session: handshake lscpu_text: %w", err)
	}
	if h.ProcCpuinfoText, err = readString(r); err != nil {
		return h, fmt.Errorf("session: handshake proc_cpuinfo_text: %w", err)
	}
	if h.SysPossibleText, err = readString(r); err != nil {
		return h, fmt.Errorf("session: handshake sys_possible_text: %w", err)
	}
	if h.VecSize, err = readU32(r); err != nil {
		return h, fmt.Errorf("session: handshake vec_size: %w", err)
	}
	if isAArch64 {
		if h.SveMaxSize, err = readU32(r); err != nil {
			return h, fmt.Errorf("session: handshake sve_max_size: %w", err)
		}
		if h.SmeMaxSize, err = readU32(r); err != nil {
			return h, fmt.Errorf("session: handshake sme_max_size: %w", err)
		}
	}

	tagCount, err := readU32(r)
	if err != nil {
		return h, fmt.Errorf("session: handshake tag_count: %w", err)
	}
	h.Tags = make(map[string]string, tagCount)
	for i := uint32(0); i < tagCount; i++ {
		k, err := readString(r)
		if err != nil {
			return h, fmt.Errorf("session: handshake tag[%d] key: %w", i, err)
		}
		v, err := readString(r)
		if err != nil {
			return h, fmt.Errorf("session: handshake tag[%d] value: %w", i, err)
		}
		h.Tags[k] = v
	}

	if h.ElfHash, err = readString(r); err != nil {
		return h, fmt.Errorf("session: handshake elf_hash: %w", err)
	}
	return h, nil
}

// WriteHandshakeReply encodes the server's handshake reply: max_batch_n
// (u32) then the session seed (u64).
func WriteHandshakeReply(w io.Writer, maxBatchN uint32, seed uint64) error {
	var buf [12]byte
	binary.LittleEndian.PutUint32(buf[0:4], maxBatchN)
	binary.LittleEndian.PutUint64(buf[4:12], seed)
	_, err := w.Write(buf[:])
	return err
}

func readString(r *bufio.Reader) (string, error) {
	n, err := readU32(r)
	if err != nil {
		return "", err
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	return string(buf), nil
}

func readU32(r *bufio.Reader) (uint32, error) {
	var b [4]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b[:]), nil
}

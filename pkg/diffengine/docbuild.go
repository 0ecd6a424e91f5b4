package diffengine

import (
	"fmt"

	"github.com/oisee/riscover/pkg/generate"
	"github.com/oisee/riscover/pkg/instdb"
	"github.com/oisee/riscover/pkg/repro"
	"github.com/oisee/riscover/pkg/wire"
)

// BuildDocument assembles a repro.Document from one generated input and
// the clusters it produced, resolving the input's RegSelect indices back
// into initial register values via the same FuzzingValueMap tables the
// generator drew them from, so the file is reproducible without access
// to the generator's PRNG state. Vector select bytes are not resolved:
// each is written as its raw table index under a v<N>_byte key.
func BuildDocument(db *instdb.DB, input generate.Input, flags wire.Flags, counter uint64, clusters []ClusterEntry, repFlags []string) repro.Document {
	doc := repro.Document{
		Counter: counter,
		Arch:    flags.ISA.String(),
		Flags:   repFlags,
	}

	if input.RegSelect != nil {
		doc.Input = buildInputFromRegSelect(db, input.RegSelect)
	}

	for _, c := range clusters {
		doc.Results = append(doc.Results, buildResultEntry(c))
	}
	return doc
}

func buildInputFromRegSelect(db *instdb.DB, rs *wire.RegSelect) repro.Input {
	in := repro.Input{
		RegsGP: make(map[string]string, len(rs.GPSelect)),
	}
	for _, word := range rs.InstrSeq {
		in.InstrSeq = append(in.InstrSeq, repro.HexU64(uint64(word)))
		if mnemonic, ok := db.Disassemble(word); ok {
			in.DisOpcodes = append(in.DisOpcodes, mnemonic)
		} else {
			in.DisOpcodes = append(in.DisOpcodes, "??")
		}
	}
	for i, sel := range rs.GPSelect {
		in.RegsGP[fmt.Sprintf("x%d", i)] = repro.HexU64(instdb.FuzzingValueMapGP[sel])
	}
	if len(rs.FPSelect) > 0 {
		in.RegsFP = make(map[string]string, len(rs.FPSelect))
		for i, sel := range rs.FPSelect {
			in.RegsFP[fmt.Sprintf("d%d", i)] = repro.HexU64(instdb.FuzzingValueMapFP[sel])
		}
	}
	if len(rs.VecSelect) > 0 {
		in.RegsVec = make(map[string]string, len(rs.VecSelect))
		for i, sel := range rs.VecSelect {
			in.RegsVec[fmt.Sprintf("v%d_byte", i)] = repro.HexU64(uint64(sel))
		}
	}
	return in
}

func buildResultEntry(c ClusterEntry) repro.ResultEntry {
	rb := repro.ResultBlock{
		Signum: int(c.Result.Signum),
		SiAddr: repro.HexU64(c.Result.SiAddr),
		SiPC:   repro.HexU64(c.Result.SiPC),
		SiCode: int(c.Result.SiCode),
	}
	if len(c.Result.RegsAfter) > 0 {
		rb.RegsAfter = make(map[string]string, len(c.Result.RegsAfter))
		for _, rv := range c.Result.RegsAfter {
			rb.RegsAfter[fmt.Sprintf("r%d", rv.Index)] = repro.HexValue(rv.Value)
		}
	}
	for _, md := range c.Result.MemDiffs {
		rb.MemDiffs = append(rb.MemDiffs, fmt.Sprintf("start=%s n=%d crc32=0x%08x", repro.HexU64(md.Start), md.N, md.CRC32))
	}
	entry := repro.ResultEntry{Result: rb}
	for _, cl := range c.Clients {
		entry.Clients = append(entry.Clients, repro.Client{
			Hostname:  cl.Hostname,
			NumCPUs:   cl.NumCPUs,
			CoreIndex: cl.CoreIndex,
			Microarch: map[string]string{"name": cl.Microarch, "midr": repro.HexU64(cl.MIDR)},
			Tags:      cl.Tags,
		})
	}
	return entry
}

package repro

import "testing"

func TestMarshalYAMLWithCommentsPrefixesEveryLine(t *testing.T) {
	doc := Document{
		Counter: 42,
		Arch:    "aarch64",
		Input: Input{
			DisOpcodes: []string{"add x0, x1, x2", "sub x3, x4, x5"},
			RegsGP:     map[string]string{"x0": "0x1"},
		},
		Results: []ResultEntry{
			{
				Result:  ResultBlock{Signum: 0, RegsAfter: map[string]string{"x0": "0x1"}},
				Clients: []Client{{Hostname: "host-a"}},
			},
			{
				Result:  ResultBlock{Signum: 11},
				Clients: []Client{{Hostname: "host-b"}},
			},
		},
	}
	out, err := doc.MarshalYAMLWithComments()
	if err != nil {
		t.Fatalf("MarshalYAMLWithComments: %v", err)
	}
	lines := splitLines(string(out))
	sawComment := false
	sawBody := false
	for _, l := range lines {
		if len(l) == 0 {
			continue
		}
		if l[0] == '#' {
			sawComment = true
		} else {
			sawBody = true
		}
	}
	if !sawComment || !sawBody {
		t.Fatalf("expected both comment lines and a YAML body, got:\n%s", out)
	}
}

func TestSimilarIgnoresConcreteRegisterValues(t *testing.T) {
	a := Document{
		Input: Input{DisOpcodes: []string{"add x0, x1, x2"}},
		Results: []ResultEntry{
			{Result: ResultBlock{Signum: 0, RegsAfter: map[string]string{"x0": "0x1"}}, Clients: []Client{{Hostname: "a"}}},
			{Result: ResultBlock{Signum: 0, RegsAfter: map[string]string{"x0": "0x2"}}, Clients: []Client{{Hostname: "b"}}},
		},
	}
	b := Document{
		Input: Input{DisOpcodes: []string{"add x0, x1, x2"}},
		Results: []ResultEntry{
			{Result: ResultBlock{Signum: 0, RegsAfter: map[string]string{"x0": "0xdead"}}, Clients: []Client{{Hostname: "c"}}},
			{Result: ResultBlock{Signum: 0, RegsAfter: map[string]string{"x0": "0xbeef"}}, Clients: []Client{{Hostname: "d"}}},
		},
	}
	if !a.Similar(b) {
		t.Error("expected documents with the same diff-field shape to be Similar regardless of concrete values")
	}
}

func TestSimilarRejectsDifferentInstructionSequence(t *testing.T) {
	a := Document{
		Input:   Input{DisOpcodes: []string{"add x0, x1, x2"}},
		Results: []ResultEntry{{Result: ResultBlock{Signum: 0}, Clients: []Client{{Hostname: "a"}}}},
	}
	b := Document{
		Input:   Input{DisOpcodes: []string{"sub x0, x1, x2"}},
		Results: []ResultEntry{{Result: ResultBlock{Signum: 0}, Clients: []Client{{Hostname: "a"}}}},
	}
	if a.Similar(b) {
		t.Error("expected documents over different instruction sequences to not be Similar")
	}
}

func TestDiffReportsOnlyChangedRegisters(t *testing.T) {
	names := func(idx uint8) string {
		return map[uint8]string{0: "x0", 1: "x1"}[idx]
	}
	var before0, after0, before1 [16]byte
	before0[0] = 1
	after0[0] = 2
	before1[0] = 9
	after1 := before1

	before := map[uint8][16]byte{0: before0, 1: before1}
	after := map[uint8][16]byte{0: after0, 1: after1}

	diffs := Diff(names, before, after)
	if len(diffs) != 1 {
		t.Fatalf("expected exactly one changed register, got %+v", diffs)
	}
	if _, ok := diffs["x0"]; !ok {
		t.Errorf("expected x0 to be reported as changed, got %+v", diffs)
	}
}

func splitLines(s string) []string {
	var out []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' {
			out = append(out, s[start:i])
			start = i + 1
		}
	}
	if start < len(s) {
		out = append(out, s[start:])
	}
	return out
}

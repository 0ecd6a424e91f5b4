package session

// ClientMeta is the client-identifying subset of a Handshake carried
// into reproducers and diff-engine cluster output.
type ClientMeta struct {
	Hostname    string
	NumCPUs     uint32
	CoreIndex   uint32
	Microarch   string
	MIDR        uint64
	Tags        map[string]string
}

// Meta extracts this session's ClientMeta.
func (s *Session) Meta() ClientMeta {
	return ClientMeta{
		Hostname:  s.Handshake.Hostname,
		NumCPUs:   s.Handshake.NumCPUs,
		CoreIndex: s.Handshake.CoreIndex,
		Microarch: s.Handshake.Tags["microarch"],
		MIDR:      parseMIDRTag(s.Handshake.Tags["midr"]),
		Tags:      s.Handshake.Tags,
	}
}

func parseMIDRTag(hex string) uint64 {
	var v uint64
	for _, c := range hex {
		var d uint64
		switch {
		case c >= '0' && c <= '9':
			d = uint64(c - '0')
		case c >= 'a' && c <= 'f':
			d = uint64(c-'a') + 10
		case c >= 'A' && c <= 'F':
			d = uint64(c-'A') + 10
		default:
			continue
		}
		v = v<<4 | d
	}
	return v
}

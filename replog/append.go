package replog

// AppendCommand appends a CSM entry carrying an opaque client command.
func (l *Log) AppendCommand(term, reqID uint64, cltID uint16, cmd []byte) (uint64, error) {
	return l.Append(term, reqID, cltID, EntryCSM, appendPayload{csm: cmd})
}

// AppendConfig appends a CONFIG entry carrying a new membership identifier.
func (l *Log) AppendConfig(term uint64, cid ConfigID) (uint64, error) {
	return l.Append(term, 0, 0, EntryCONFIG, appendPayload{configID: cid})
}

// AppendNoop appends a NOOP entry. The leader does this once per term,
// immediately after winning an election, to force log-matching.
func (l *Log) AppendNoop(term uint64) (uint64, error) {
	return l.Append(term, 0, 0, EntryNOOP, appendPayload{})
}

// AppendHead appends a HEAD entry carrying the offset the log's head should
// advance to once this entry commits and is applied.
func (l *Log) AppendHead(term uint64, headOffset uint64) (uint64, error) {
	return l.Append(term, 0, 0, EntryHEAD, appendPayload{head: headOffset})
}

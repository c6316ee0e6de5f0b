package journal

// WriteKeys copies vals into t's reserved range of its entry's buffer.
// t must still be unreleased.
func (j *Journal) WriteKeys(t *Ticket, vals []uint64) {
	j.bufs[t.BufIdx].writeAt(t, vals)
}

// MarkInode flags inode as touched by t's entry, for later
// InodeJournalSeq lookups.
func (j *Journal) MarkInode(t *Ticket, inode uint64) {
	j.bufs[t.BufIdx].markInode(inode)
}

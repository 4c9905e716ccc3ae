package keystore

// JournalKind tags a pending-change record as an insert or a remove.
// A single ordered, owned slice of tagged records replaces the
// teacher-language's two intrusive linked lists (see SPEC_FULL.md §3):
// it preserves FIFO order within and across both kinds, which is what the
// original design needed the two-list split for in the first place.
type JournalKind int

const (
	JournalInsert JournalKind = iota
	JournalRemove
)

// JournalEntry is a self-contained snapshot of the fields the writer needs;
// it does not reference the live keystore entry, so the writer can serialize
// it long after the originating dispatch has returned.
type JournalEntry struct {
	Kind  JournalKind
	Agent Agent
}

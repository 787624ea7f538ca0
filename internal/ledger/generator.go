package ledger

import (
	"fmt"

	"github.com/google/uuid"
)

// journalNamespace seeds deterministic journal and batch ids so a replay
// regenerates identical rows.
var journalNamespace = uuid.MustParse("6f1c1a52-3f43-4c51-9b7e-0d6c2f1e8a44")

// JournalGenerator stamps raw book movements into a persisted batch.
type JournalGenerator struct {
	book *Book
}

func NewJournalGenerator(book *Book) *JournalGenerator {
	return &JournalGenerator{book: book}
}

// Generate drains the book and assigns ids, sequence and timestamp.
// Returns nil when the command moved no funds.
func (jg *JournalGenerator) Generate(commandRef string, sequence int64, timestamp uint32) *Batch {
	journals := jg.book.DrainJournals()
	if len(journals) == 0 {
		return nil
	}

	batchID := uuid.NewSHA1(journalNamespace, []byte(fmt.Sprintf("batch:%d", sequence)))
	batch := &Batch{
		BatchID:    batchID,
		CommandRef: commandRef,
		Sequence:   sequence,
		Timestamp:  timestamp,
		Journals:   make([]Journal, 0, len(journals)),
	}

	for i, j := range journals {
		j.JournalID = uuid.NewSHA1(journalNamespace, []byte(fmt.Sprintf("journal:%d:%d", sequence, i)))
		j.BatchID = batchID
		j.CommandRef = commandRef
		j.Sequence = sequence
		j.Timestamp = timestamp
		batch.Journals = append(batch.Journals, j)
	}

	return batch
}

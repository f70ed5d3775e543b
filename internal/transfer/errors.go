package transfer

import (
	"errors"
	"fmt"
)

var (
	// ErrCancelled is returned when a job's cancellation flag was raised.
	ErrCancelled = errors.New("transfer cancelled")

	// ErrSourceChanged is returned when the bytes streamed for a chunk do
	// not hash to the value computed just before sending.
	ErrSourceChanged = errors.New("source changed during upload")

	// ErrChunkCorrupt is returned when a downloaded chunk does not match
	// its recorded hash.
	ErrChunkCorrupt = errors.New("chunk content does not match its hash")

	// ErrJobMismatch is returned when resuming a file id whose stored job
	// describes a different payload.
	ErrJobMismatch = errors.New("stored job does not match request")
)

// ResumableError reports an upload that finished with missing chunks. The
// carried Result holds the completed chunks; calling Upload again with the
// same FileID retries only the missing ones.
type ResumableError struct {
	Result *Result
	Err    error
}

func (e *ResumableError) Error() string {
	r := e.Result
	msg := fmt.Sprintf("transfer %s incomplete: %d/%d chunks, failed indices %v",
		r.FileID, len(r.Chunks), r.TotalChunks, r.FailedIndices)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ResumableError) Unwrap() error { return e.Err }

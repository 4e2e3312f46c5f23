package runtime

import (
	"bufio"
	"encoding/json"
	"io"

	"github.com/kswings/hostagent/internal/hostagent/apierr"
)

// FollowProgress drains a newline-delimited-JSON progress stream (as
// returned by PullImage). Each non-empty line is decoded independently; a
// line that fails to parse is skipped rather than treated as fatal, since
// the engine occasionally interleaves non-JSON keepalive noise. onRecord, if
// non-nil, is invoked for every successfully decoded record as it arrives.
//
// The stream is considered to have failed if reading it returns an error, or
// if the last successfully decoded record carries a non-empty Error field.
// All decoded records are returned regardless of outcome.
func FollowProgress(r io.Reader, onRecord func(ProgressRecord)) ([]ProgressRecord, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var records []ProgressRecord
	var lastErr string

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var rec ProgressRecord
		if err := json.Unmarshal(line, &rec); err != nil {
			continue
		}
		records = append(records, rec)
		if onRecord != nil {
			onRecord(rec)
		}
		if rec.Error != "" {
			lastErr = rec.Error
		} else {
			lastErr = ""
		}
	}

	if err := scanner.Err(); err != nil {
		return records, &apierr.PullFailed{Err: err}
	}
	if lastErr != "" {
		return records, &apierr.PullFailed{Err: errString(lastErr)}
	}
	return records, nil
}

type errString string

func (e errString) Error() string { return string(e) }

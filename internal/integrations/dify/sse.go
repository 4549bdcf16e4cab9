package dify

import (
	"bufio"
	"bytes"
	"io"
)

const maxLineBytes = 4 << 20

var dataPrefix = []byte("data:")

// scanData calls fn with the JSON payload of every "data:" line in r until fn
// returns false or r is exhausted. Blank lines, comments and heartbeats
// (": ping") are skipped. The payload slice is only valid during the call.
func scanData(r io.Reader, fn func(payload []byte) bool) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 || line[0] == ':' {
			continue
		}
		if !bytes.HasPrefix(line, dataPrefix) {
			continue
		}
		payload := bytes.TrimSpace(line[len(dataPrefix):])
		if len(payload) == 0 {
			continue
		}
		if !fn(payload) {
			return nil
		}
	}
	return sc.Err()
}

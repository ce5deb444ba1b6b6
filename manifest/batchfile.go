package manifest

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"
)

// EncodeBatch writes a batch in its plain-text form: the format digit on the
// first line, then one blank-line separated block per version. The first line
// of a block is the priority digit followed by the first changed path.
func EncodeBatch(b DeltaBatch) []byte {
	buf := &bytes.Buffer{}
	buf.WriteString(strconv.Itoa(FormatVersion))
	buf.WriteString("\n")
	for i, changed := range b.Updated {
		if i > 0 {
			buf.WriteString("\n\n")
		}
		buf.WriteString(strconv.Itoa(int(b.UpdatePriorities[i])))
		buf.WriteString(strings.Join(changed, "\n"))
	}
	buf.WriteString("\n")
	return buf.Bytes()
}

// DecodeBatch parses the plain-text form written by EncodeBatch.
func DecodeBatch(data []byte) (DeltaBatch, error) {
	text := strings.ReplaceAll(string(data), "\r\n", "\n")
	header, body, _ := strings.Cut(text, "\n")
	if strings.TrimSpace(header) != strconv.Itoa(FormatVersion) {
		return DeltaBatch{}, fmt.Errorf("batch format %q: %w", header, ErrUnsupportedFormat)
	}
	body = strings.TrimSuffix(body, "\n")
	if body == "" {
		return DeltaBatch{}, fmt.Errorf("empty batch: %w", ErrMalformed)
	}

	batch := DeltaBatch{FormatVersion: FormatVersion}
	for i, block := range strings.Split(body, "\n\n") {
		lines := strings.Split(block, "\n")
		if lines[0] == "" {
			return DeltaBatch{}, fmt.Errorf("block %d: missing priority: %w", i, ErrMalformed)
		}
		priority := Priority(lines[0][0] - '0')
		if !priority.Valid() {
			return DeltaBatch{}, fmt.Errorf("block %d: invalid priority %q: %w", i, lines[0][:1], ErrMalformed)
		}
		changed := make([]string, 0, len(lines))
		if first := lines[0][1:]; first != "" {
			changed = append(changed, first)
		} else if len(lines) > 1 {
			return DeltaBatch{}, fmt.Errorf("block %d: empty path: %w", i, ErrMalformed)
		}
		for _, path := range lines[1:] {
			if path == "" {
				return DeltaBatch{}, fmt.Errorf("block %d: empty path: %w", i, ErrMalformed)
			}
			changed = append(changed, path)
		}
		batch.add(changed, priority)
	}
	return batch, nil
}

// FormatPointer returns the plain-text current-version pointer.
func FormatPointer(version int) []byte {
	return []byte(strconv.Itoa(version) + "\n")
}

// ParsePointer reads a current-version pointer.
func ParsePointer(data []byte) (int, error) {
	v, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("version pointer: %v: %w", err, ErrMalformed)
	}
	if v < 0 {
		return 0, fmt.Errorf("version pointer %d: %w", v, ErrMalformed)
	}
	return v, nil
}

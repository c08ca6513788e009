package consolidate

import (
	"bufio"
	"io"
	"strings"
)

var bom = []byte{0xEF, 0xBB, 0xBF}

var fieldEscaper = strings.NewReplacer(`\`, `\\`, `"`, `""`)

// WriteCSV writes ds as UTF-8 with a BOM. Every field is quoted, embedded
// quotes are doubled, backslashes are escaped as `\\` and lines end in
// "\n".
func WriteCSV(w io.Writer, ds *Dataset) error {
	bw := bufio.NewWriterSize(w, 64*1024)
	if _, err := bw.Write(bom); err != nil {
		return err
	}
	if err := writeRow(bw, ds.Header); err != nil {
		return err
	}
	for _, rec := range ds.Records {
		if err := writeRow(bw, rec.Values); err != nil {
			return err
		}
	}
	return bw.Flush()
}

func writeRow(w *bufio.Writer, fields []string) error {
	for i, f := range fields {
		if i > 0 {
			w.WriteByte(',')
		}
		w.WriteByte('"')
		fieldEscaper.WriteString(w, f)
		w.WriteByte('"')
	}
	return w.WriteByte('\n')
}

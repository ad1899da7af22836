package device

import (
	"fmt"
	"io"
	"strings"
)

const dumpEdge = 5

// DumpSpan writes the first and last few values of s, copying it to the host first.
func DumpSpan[T Element](w io.Writer, name string, s Span[T]) error {
	values, err := s.CopyDeviceToCPU()
	if err != nil {
		return err
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s[%d]: ", name, len(values))
	if len(values) <= 2*dumpEdge {
		writeValues(&sb, values)
	} else {
		writeValues(&sb, values[:dumpEdge])
		sb.WriteString(" ... ")
		writeValues(&sb, values[len(values)-dumpEdge:])
	}
	sb.WriteByte('\n')
	_, err = io.WriteString(w, sb.String())
	return err
}

func writeValues[T Element](sb *strings.Builder, values []T) {
	for i, v := range values {
		if i > 0 {
			sb.WriteByte(' ')
		}
		fmt.Fprintf(sb, "%v", v)
	}
}

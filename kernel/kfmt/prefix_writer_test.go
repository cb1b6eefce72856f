package kfmt

import (
	"bytes"
	"testing"
)

func TestPrefixWriter(t *testing.T) {
	specs := []struct {
		writes    []string
		expOutput string
		expBytes  int
	}{
		{
			[]string{"no newline"},
			"[vmm] no newline",
			10,
		},
		{
			[]string{"line 1\nline 2\n"},
			"[vmm] line 1\n[vmm] line 2\n",
			14,
		},
		{
			[]string{"split ", "line\n", "next"},
			"[vmm] split line\n[vmm] next",
			15,
		},
		{
			[]string{"\n\n"},
			"[vmm] \n[vmm] \n",
			2,
		},
		{
			[]string{""},
			"",
			0,
		},
	}

	var buf bytes.Buffer
	for specIndex, spec := range specs {
		buf.Reset()
		w := PrefixWriter{Sink: &buf, Prefix: []byte("[vmm] ")}

		var total int
		for _, s := range spec.writes {
			n, err := w.Write([]byte(s))
			if err != nil {
				t.Errorf("[spec %d] unexpected error: %v", specIndex, err)
			}
			total += n
		}

		if got := buf.String(); got != spec.expOutput {
			t.Errorf("[spec %d] expected output %q; got %q", specIndex, spec.expOutput, got)
		}

		if total != spec.expBytes {
			t.Errorf("[spec %d] expected written byte count %d; got %d", specIndex, spec.expBytes, total)
		}
	}
}

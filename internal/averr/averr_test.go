package averr

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"testing"
)

func TestErrorsIsMatchesByCode(t *testing.T) {
	err := Wrap(CodeOutputs, "outputs changed between segments", errors.New("3 != 2"))
	if !errors.Is(err, ErrOutputs) {
		t.Error("wrapped OUTPUTS error did not match sentinel")
	}
	if errors.Is(err, ErrInputs) {
		t.Error("OUTPUTS error matched INPUTS sentinel")
	}
}

func TestErrorsIsThroughWrapping(t *testing.T) {
	inner := New(CodeInputCodec, "non H264 codec detected in input")
	outer := fmt.Errorf("opening input: %w", inner)
	if !errors.Is(outer, ErrInputCodec) {
		t.Error("fmt.Errorf wrapping lost the code")
	}
}

func TestErrorMessageFormat(t *testing.T) {
	err := Wrap(CodeFilters, "parsing graph", errors.New("bad token"))
	want := "FILTERS: parsing graph: bad token"
	if err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}
}

func TestLogSkipsControlFlowCodes(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	Log(logger, ErrPacketOnly)
	Log(logger, ErrFilterFlushed)
	if buf.Len() != 0 {
		t.Errorf("control-flow codes were logged: %s", buf.String())
	}

	Log(logger, New(CodeInputPixfmt, "non 4:2:0 input"))
	out := buf.String()
	if !strings.Contains(out, "INPUT_PIXFMT") {
		t.Errorf("typed error missing from log: %s", out)
	}
	if !strings.Contains(out, "source=") {
		t.Errorf("source location missing from log: %s", out)
	}
}

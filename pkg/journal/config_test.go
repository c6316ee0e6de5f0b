package journal

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func Test_LoadConfig_ParsesJSONC_WithCommentsAndTrailingCommas(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "journal.jsonc")

	const body = `{
  // buffers double on growth up to this
  "max_buf_size": 8388608,
  "write_delay_ms": 250,
  "bucket_size": 1048576,
}
`

	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig(%q): %v", path, err)
	}

	want := DefaultConfig()
	want.MaxBufSize = 8388608
	want.WriteDelayMs = 250
	want.BucketSize = 1048576

	if diff := cmp.Diff(want, cfg); diff != "" {
		t.Errorf("LoadConfig(%q) mismatch (-want +got):\n%s", path, diff)
	}
}

func Test_LoadConfig_RejectsInvalidConfig(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "journal.jsonc")

	const body = `{"min_buf_size": 100, "max_buf_size": 200}` // not powers of two

	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}

	_, err := LoadConfig(path)
	if !errors.Is(err, ErrConfigInvalid) {
		t.Fatalf("LoadConfig(%q) err = %v, want ErrConfigInvalid", path, err)
	}
}

func Test_LoadConfig_MissingFile(t *testing.T) {
	t.Parallel()

	if _, err := LoadConfig(filepath.Join(t.TempDir(), "missing.jsonc")); err == nil {
		t.Fatal("LoadConfig on a missing file must error")
	}
}

func Test_DefaultConfig_PassesValidation(t *testing.T) {
	t.Parallel()

	if err := DefaultConfig().validate(); err != nil {
		t.Fatalf("DefaultConfig().validate() = %v, want nil", err)
	}
}

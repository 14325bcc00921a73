package security

import (
	"archive/tar"
	"errors"
	"testing"
)

func testLimits() Limits {
	return Limits{MaxFileSize: 1024, MaxTotalSize: 1024, MaxCompressionRatio: 10.0, MaxEntries: 3}
}

func TestValidatePath_PathTraversal(t *testing.T) {
	v := NewValidator(testLimits())

	tests := []struct {
		path      string
		shouldErr bool
	}{
		{"bin/app", false},
		{"lib/libstore.so", false},
		{"../etc/passwd", true},
		{"/etc/passwd", true},
		{"bin/../bin/app", false},
		{"bin/../../etc/passwd", true},
		{"..", true},
		{"..hidden", false},
		{"", true},
	}

	for _, tt := range tests {
		err := v.ValidatePath(tt.path)
		if tt.shouldErr && err == nil {
			t.Errorf("expected error for path: %q", tt.path)
		}
		if !tt.shouldErr && err != nil {
			t.Errorf("unexpected error for path %q: %v", tt.path, err)
		}
	}
}

func TestValidateSymlink(t *testing.T) {
	v := NewValidator(testLimits())

	tests := []struct {
		link      string
		target    string
		shouldErr bool
	}{
		{"bin/app", "app-1.3.0", false},
		{"lib/current", "../share/data", false},
		{"bin/sh", "/usr/bin/dash", true},
		{"app", "../outside", true},
		{"a/b/c", "../../../../etc", true},
		{"a/b/c", "../../x", false},
	}

	for _, tt := range tests {
		err := v.ValidateSymlink(tt.link, tt.target)
		if tt.shouldErr && err == nil {
			t.Errorf("expected error for %s -> %s", tt.link, tt.target)
		}
		if !tt.shouldErr && err != nil {
			t.Errorf("unexpected error for %s -> %s: %v", tt.link, tt.target, err)
		}
	}
}

func TestValidateVersionID(t *testing.T) {
	v := NewValidator(testLimits())

	valid := []string{"1.3.0", "2.0.0-beta.1", "1.0.0+build.7", "nightly_20260301"}
	for _, id := range valid {
		if err := v.ValidateVersionID(id); err != nil {
			t.Errorf("unexpected error for %q: %v", id, err)
		}
	}

	invalid := []string{"", ".tmp-1.0.0", "../1.0.0", "1.0/2", "current/..", "a..b"}
	for _, id := range invalid {
		if err := v.ValidateVersionID(id); err == nil {
			t.Errorf("expected error for %q", id)
		}
	}
}

func TestValidateEntry(t *testing.T) {
	v := NewValidator(testLimits())

	tests := []struct {
		name      string
		hdr       *tar.Header
		shouldErr bool
	}{
		{"regular", &tar.Header{Name: "bin/app", Typeflag: tar.TypeReg}, false},
		{"dir", &tar.Header{Name: "bin/", Typeflag: tar.TypeDir}, false},
		{"device", &tar.Header{Name: "dev/sda", Typeflag: tar.TypeBlock}, true},
		{"fifo", &tar.Header{Name: "run/pipe", Typeflag: tar.TypeFifo}, true},
		{"hardlink escape", &tar.Header{Name: "bin/x", Typeflag: tar.TypeLink, Linkname: "../../etc/shadow"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v.Reset()
			err := v.ValidateEntry(tt.hdr)
			if tt.shouldErr && err == nil {
				t.Error("expected error")
			}
			if !tt.shouldErr && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		})
	}
}

func TestValidateEntry_MaxEntries(t *testing.T) {
	v := NewValidator(testLimits())

	for i := 0; i < 3; i++ {
		if err := v.ValidateEntry(&tar.Header{Name: "f", Typeflag: tar.TypeReg}); err != nil {
			t.Fatalf("entry %d: unexpected error: %v", i, err)
		}
	}
	if err := v.ValidateEntry(&tar.Header{Name: "f", Typeflag: tar.TypeReg}); err == nil {
		t.Error("expected error past the entry limit")
	}

	v.Reset()
	if err := v.ValidateEntry(&tar.Header{Name: "f", Typeflag: tar.TypeReg}); err != nil {
		t.Errorf("reset must clear the entry count: %v", err)
	}
}

func TestValidateFileSize(t *testing.T) {
	v := NewValidator(Limits{MaxFileSize: 100, MaxTotalSize: 1000, MaxCompressionRatio: 10.0})

	if err := v.ValidateFileSize(50); err != nil {
		t.Errorf("expected no error for size 50, got: %v", err)
	}
	if err := v.ValidateFileSize(150); err == nil {
		t.Error("expected error for size 150 exceeding limit 100")
	}
}

func TestValidateCompressionRatio(t *testing.T) {
	v := NewValidator(Limits{MaxFileSize: 1024, MaxTotalSize: 10240, MaxCompressionRatio: 10.0})

	if err := v.ValidateCompressionRatio(10, 100); err != nil {
		t.Errorf("expected no error for ratio 10.0, got: %v", err)
	}
	if err := v.ValidateCompressionRatio(50, 1000); err == nil {
		t.Error("expected error for ratio 20.0 exceeding limit 10.0")
	}
	if err := v.ValidateCompressionRatio(0, 1); err == nil {
		t.Error("expected error for zero compressed size")
	}
}

func TestAddExtractedSize_ExceedsTotal(t *testing.T) {
	v := NewValidator(Limits{MaxFileSize: 1024, MaxTotalSize: 500, MaxCompressionRatio: 10.0})

	if err := v.AddExtractedSize(400); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if err := v.AddExtractedSize(200); err == nil {
		t.Error("expected error when total extracted exceeds limit")
	}
	if got := v.GetCurrentTotalSize(); got != 600 {
		t.Errorf("total = %d, want 600", got)
	}
}

func TestRejectionsWrapErrUnsafeBundle(t *testing.T) {
	v := NewValidator(testLimits())

	errs := []error{
		v.ValidatePath("../x"),
		v.ValidateSymlink("a", "/etc"),
		v.ValidateVersionID("../1.0.0"),
		v.ValidateFileSize(1 << 20),
		v.ValidateEntry(&tar.Header{Name: "dev/null", Typeflag: tar.TypeChar}),
	}
	for i, err := range errs {
		if !errors.Is(err, ErrUnsafeBundle) {
			t.Errorf("case %d: expected ErrUnsafeBundle, got %v", i, err)
		}
	}
}

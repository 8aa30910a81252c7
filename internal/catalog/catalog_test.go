package catalog

import (
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
	return path
}

func TestNew_SortsAndDedupes(t *testing.T) {
	c := New([]string{"Patient", "Observation", " ", "Patient", " Encounter "})

	want := []string{"Encounter", "Observation", "Patient"}
	if got := c.Names(); !reflect.DeepEqual(got, want) {
		t.Errorf("Names() = %v, want %v", got, want)
	}
	if c.Len() != 3 {
		t.Errorf("Len() = %d, want 3", c.Len())
	}
}

func TestCatalog_Has(t *testing.T) {
	c := New([]string{"Patient"})
	if !c.Has("Patient") {
		t.Error("Has(Patient) = false")
	}
	if c.Has("patient") {
		t.Error("Has is case sensitive")
	}
	if c.Has("Bogus") {
		t.Error("Has(Bogus) = true")
	}
}

func TestCatalog_NamesIsCopy(t *testing.T) {
	c := New([]string{"A", "B"})
	names := c.Names()
	names[0] = "Z"
	if c.Names()[0] != "A" {
		t.Error("mutating Names() result changed the catalog")
	}
}

func TestCatalog_After(t *testing.T) {
	c := New([]string{"Appointment", "Encounter", "Medication", "Observation", "Patient"})

	tests := []struct {
		cursor string
		want   []string
	}{
		{"", []string{"Appointment", "Encounter", "Medication", "Observation", "Patient"}},
		{"M", []string{"Medication", "Observation", "Patient"}},
		{"Medication", []string{"Observation", "Patient"}},
		{"Encounter", []string{"Medication", "Observation", "Patient"}},
		{"Zebra", []string{}},
		{"A", []string{"Appointment", "Encounter", "Medication", "Observation", "Patient"}},
	}
	for _, tt := range tests {
		t.Run(tt.cursor, func(t *testing.T) {
			got := c.After(tt.cursor)
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("After(%q) = %v, want %v", tt.cursor, got, tt.want)
			}
		})
	}
}

func TestCatalog_CurrentIsSelf(t *testing.T) {
	c := New([]string{"Patient"})
	var p Provider = c
	if p.Current() != c {
		t.Error("Current() should return the catalog itself")
	}
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "types.yaml", `
resourceTypes:
  - Patient
  - Observation
  - Patient
`)

	c, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile() error = %v", err)
	}
	if want := []string{"Observation", "Patient"}; !reflect.DeepEqual(c.Names(), want) {
		t.Errorf("Names() = %v, want %v", c.Names(), want)
	}
}

func TestLoadFile_Errors(t *testing.T) {
	dir := t.TempDir()

	t.Run("missing", func(t *testing.T) {
		if _, err := LoadFile(filepath.Join(dir, "nope.yaml")); err == nil {
			t.Error("expected error for missing file")
		}
	})

	t.Run("invalid yaml", func(t *testing.T) {
		path := writeFile(t, dir, "bad.yaml", "resourceTypes: [unterminated")
		if _, err := LoadFile(path); err == nil {
			t.Error("expected parse error")
		}
	})

	t.Run("empty", func(t *testing.T) {
		path := writeFile(t, dir, "empty.yaml", "resourceTypes: []\n")
		if _, err := LoadFile(path); !errors.Is(err, ErrEmpty) {
			t.Errorf("LoadFile() error = %v, want ErrEmpty", err)
		}
	})
}

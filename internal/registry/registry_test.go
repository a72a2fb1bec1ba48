package registry

import (
	"bytes"
	"errors"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/andresmejia3/camwatch/internal/types"
)

func twoIdentities() []types.Identity {
	return []types.Identity{{Name: "A", Reference: []byte("a")}, {Name: "B", Reference: []byte("b")}}
}

func TestNewStartsUnmatched(t *testing.T) {
	r, err := New(twoIdentities(), 0)
	if err != nil {
		t.Fatal(err)
	}
	for _, e := range r.Snapshot() {
		if e.Status != Unmatched(DefaultWorstDistance) {
			t.Errorf("%s: initial status %+v", e.Name, e.Status)
		}
	}
}

func TestNewRejectsEmptyAndDuplicates(t *testing.T) {
	if _, err := New(nil, 10); !errors.Is(err, ErrNoIdentities) {
		t.Errorf("empty: got %v", err)
	}
	dup := []types.Identity{{Name: "A"}, {Name: "A"}}
	if _, err := New(dup, 10); err == nil {
		t.Error("duplicate names accepted")
	}
}

func TestPublishReplacesWholeRecord(t *testing.T) {
	r, _ := New(twoIdentities(), 10)

	if err := r.Publish("A", Status{BestCamera: 1, BestDistance: 0.3, Matched: true, PassID: "p1"}); err != nil {
		t.Fatal(err)
	}
	got, _ := r.Get("A")
	if got.BestCamera != 1 || got.BestDistance != 0.3 || !got.Matched || got.PassID != "p1" {
		t.Errorf("got %+v", got)
	}

	// An unmatched publish always carries the sentinel values.
	r.Publish("A", Status{BestCamera: 4, BestDistance: 0.1, Matched: false, PassID: "p2"})
	got, _ = r.Get("A")
	if got.BestCamera != NoCamera || got.BestDistance != 10 || got.Matched || got.PassID != "p2" {
		t.Errorf("unmatched publish not normalized: %+v", got)
	}

	if b, _ := r.Get("B"); b.Matched {
		t.Error("publishing A touched B")
	}
}

func TestPublishUnknown(t *testing.T) {
	r, _ := New(twoIdentities(), 10)
	if err := r.Publish("Z", Status{}); !errors.Is(err, ErrUnknownIdentity) {
		t.Errorf("got %v", err)
	}
	if _, ok := r.Get("Z"); ok {
		t.Error("Get of unknown identity reported ok")
	}
}

// Readers racing a writer must only ever see one of the published records.
func TestConcurrentReadersSeeWholeRecords(t *testing.T) {
	r, _ := New(twoIdentities(), 10)
	a := Status{BestCamera: 0, BestDistance: 0.25, Matched: true}
	b := Status{BestCamera: 1, BestDistance: 0.75, Matched: true}

	var wg sync.WaitGroup
	stop := make(chan struct{})
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; ; i++ {
			select {
			case <-stop:
				return
			default:
			}
			if i%2 == 0 {
				r.Publish("A", a)
			} else {
				r.Publish("A", b)
			}
		}
	}()

	for i := 0; i < 10000; i++ {
		s, _ := r.Get("A")
		ok := s == Unmatched(10) || s == a || s == b
		if !ok {
			close(stop)
			wg.Wait()
			t.Fatalf("torn read: %+v", s)
		}
	}
	close(stop)
	wg.Wait()
}

func writePNG(t *testing.T, path string) {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 8, 8))
	img.Set(2, 2, color.RGBA{R: 255, A: 255})
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestLoadIdentities(t *testing.T) {
	dir := t.TempDir()
	good := filepath.Join(dir, "isha.png")
	writePNG(t, good)
	corrupt := filepath.Join(dir, "bad.png")
	os.WriteFile(corrupt, []byte("not an image"), 0o644)

	ids, err := LoadIdentities([]Reference{
		{Name: "Isha", Path: good},
		{Name: "Ghost", Path: filepath.Join(dir, "missing.png")},
		{Name: "Broken", Path: corrupt},
	}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 1 || ids[0].Name != "Isha" {
		t.Fatalf("got %+v", ids)
	}
	if !bytes.HasPrefix(ids[0].Reference, []byte{0xFF, 0xD8}) {
		t.Error("reference was not re-encoded as JPEG")
	}
}

func TestLoadIdentitiesNoneUsable(t *testing.T) {
	_, err := LoadIdentities([]Reference{{Name: "Ghost", Path: "/does/not/exist.png"}}, nil)
	if !errors.Is(err, ErrNoIdentities) {
		t.Errorf("got %v", err)
	}
}

package display

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"image"
	"image/color"
	"image/jpeg"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func testFrame(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{0, 0, 200, 255})
		}
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, nil); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func isGreen(c color.Color) bool {
	r, g, b, _ := c.RGBA()
	return g>>8 > 200 && r>>8 < 60 && b>>8 < 60
}

func TestWinnerAnnotatesFrame(t *testing.T) {
	r := NewRenderer(1)
	img, err := r.Winner(testFrame(t, 320, 240), "Isha", 1, 0.3)
	if err != nil {
		t.Fatal(err)
	}
	if img.Bounds().Dx() != 320 || img.Bounds().Dy() != 240 {
		t.Fatalf("size %v", img.Bounds())
	}
	if !isGreen(img.At(borderInset+1, 120)) || !isGreen(img.At(160, 240-borderInset-1)) {
		t.Error("border missing")
	}
	if isGreen(img.At(5, 5)) {
		t.Error("border drawn outside inset")
	}
}

func TestWinnerRejectsCorruptFrame(t *testing.T) {
	if _, err := NewRenderer(1).Winner([]byte("junk"), "x", 0, 0); err == nil {
		t.Error("expected decode error")
	}
}

func TestPlaceholder(t *testing.T) {
	img := NewRenderer(1).Placeholder(image.Pt(200, 100), "Keval")
	if img.Bounds().Dx() != 200 || img.Bounds().Dy() != 100 {
		t.Fatalf("size %v", img.Bounds())
	}
	if r, g, b, _ := img.At(0, 0).RGBA(); r|g|b != 0 {
		t.Error("placeholder not black")
	}
	// Some text pixel must be lit on the text row.
	lit := false
	for x := 50; x < 200 && !lit; x++ {
		for y := 30; y < 50; y++ {
			if r, _, _, _ := img.At(x, y).RGBA(); r > 0 {
				lit = true
				break
			}
		}
	}
	if !lit {
		t.Error("placeholder text not drawn")
	}
}

func TestRendererScale(t *testing.T) {
	img := NewRenderer(0.5).Placeholder(image.Pt(200, 100), "x")
	if img.Bounds().Dx() != 100 || img.Bounds().Dy() != 50 {
		t.Errorf("scaled size %v", img.Bounds())
	}
}

func TestFrameSize(t *testing.T) {
	size, err := FrameSize(testFrame(t, 64, 48))
	if err != nil || size != image.Pt(64, 48) {
		t.Errorf("size=%v err=%v", size, err)
	}
}

func TestSlug(t *testing.T) {
	tests := map[string]string{
		"Naitik":      "naitik",
		"Jiří Novák":  "jiri-novak",
		"  O'Brien  ": "o-brien",
		"Agent #7":    "agent-7",
		"???":         "identity",
	}
	for in, want := range tests {
		if got := Slug(in); got != want {
			t.Errorf("Slug(%q) = %q, want %q", in, got, want)
		}
	}
	slugs := Slugs([]string{"Ana", "ana", "ANA"})
	if slugs["Ana"] != "ana" || slugs["ana"] != "ana-2" || slugs["ANA"] != "ana-3" {
		t.Errorf("collisions not disambiguated: %v", slugs)
	}

	// A suffixed slug can itself collide with another name's base slug.
	for _, names := range [][]string{{"A", "a", "a 2"}, {"a 2", "A", "a"}} {
		slugs := Slugs(names)
		seen := make(map[string]string)
		for _, n := range names {
			if prev, dup := seen[slugs[n]]; dup {
				t.Errorf("%v: %q and %q share slug %q", names, prev, n, slugs[n])
			}
			seen[slugs[n]] = n
		}
	}
}

func newTestServer() *Server {
	return NewServer("127.0.0.1:0", []string{"Isha", "Keval"}, func() any {
		return map[string]int{"passes": 3}
	}, nil)
}

func view(name string) View {
	return View{Identity: name, Image: NewRenderer(1).Placeholder(image.Pt(40, 30), name)}
}

func TestServerEndpoints(t *testing.T) {
	s := newTestServer()
	h := s.Router()

	get := func(path string) *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		return rec
	}

	if rec := get("/healthz"); rec.Code != http.StatusOK {
		t.Errorf("healthz = %d", rec.Code)
	}
	if rec := get("/identities/isha.jpg"); rec.Code != http.StatusServiceUnavailable {
		t.Errorf("snapshot before first view = %d", rec.Code)
	}
	if rec := get("/identities/nobody.jpg"); rec.Code != http.StatusNotFound {
		t.Errorf("unknown identity = %d", rec.Code)
	}

	if err := s.Show([]View{view("Isha")}); err != nil {
		t.Fatal(err)
	}
	rec := get("/identities/isha.jpg")
	if rec.Code != http.StatusOK || rec.Header().Get("Content-Type") != "image/jpeg" {
		t.Fatalf("snapshot = %d %s", rec.Code, rec.Header().Get("Content-Type"))
	}
	if _, err := jpeg.Decode(rec.Body); err != nil {
		t.Errorf("snapshot is not a JPEG: %v", err)
	}

	var index struct {
		Identities []identityLink `json:"identities"`
	}
	if err := json.NewDecoder(get("/").Body).Decode(&index); err != nil {
		t.Fatal(err)
	}
	if len(index.Identities) != 2 || !index.Identities[0].Ready || index.Identities[1].Ready {
		t.Errorf("index = %+v", index)
	}

	var status map[string]int
	json.NewDecoder(get("/status").Body).Decode(&status)
	if status["passes"] != 3 {
		t.Errorf("status = %v", status)
	}
}

func TestServerStream(t *testing.T) {
	s := newTestServer()
	ts := httptest.NewServer(s.Router())
	defer ts.Close()
	defer s.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/identities/keval/stream", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if !strings.HasPrefix(resp.Header.Get("Content-Type"), "multipart/x-mixed-replace") {
		t.Fatalf("content type %q", resp.Header.Get("Content-Type"))
	}

	go s.Show([]View{view("Keval")})

	br := bufio.NewReader(resp.Body)
	line, err := br.ReadString('\n')
	if err != nil {
		t.Fatal(err)
	}
	if strings.TrimSpace(line) != "--"+streamBoundary {
		t.Errorf("first line %q", line)
	}
	line, _ = br.ReadString('\n')
	if strings.TrimSpace(line) != "Content-Type: image/jpeg" {
		t.Errorf("part header %q", line)
	}
}

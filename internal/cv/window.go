package cv

import (
	"errors"
	"fmt"

	"gocv.io/x/gocv"

	"github.com/andresmejia3/camwatch/internal/display"
)

const keyEsc = 27

// Windows shows each identity's view in its own desktop window. Create, show
// and close them from one goroutine locked to its OS thread
// (runtime.LockOSThread).
type Windows struct {
	windows map[string]*gocv.Window
	order   []string
}

// NewWindows opens one window per identity, titled "Monitor - <name>".
func NewWindows(identities []string) *Windows {
	w := &Windows{windows: make(map[string]*gocv.Window, len(identities))}
	for _, name := range identities {
		w.windows[name] = gocv.NewWindow("Monitor - " + name)
		w.order = append(w.order, name)
	}
	return w
}

// Show displays the views and polls the keyboard once. It returns
// display.ErrQuit after 'q' or Esc.
func (w *Windows) Show(views []display.View) error {
	for _, v := range views {
		win, ok := w.windows[v.Identity]
		if !ok {
			continue
		}
		mat, err := gocv.ImageToMatRGB(v.Image)
		if err != nil {
			return fmt.Errorf("convert view %s: %w", v.Identity, err)
		}
		win.IMShow(mat)
		mat.Close()
	}
	if len(w.order) == 0 {
		return nil
	}
	switch key := w.windows[w.order[0]].WaitKey(1); key {
	case 'q', 'Q', keyEsc:
		return display.ErrQuit
	}
	return nil
}

// Close destroys every window.
func (w *Windows) Close() error {
	var errs []error
	for _, name := range w.order {
		if err := w.windows[name].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

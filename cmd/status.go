package cmd

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"github.com/andresmejia3/camwatch/internal/registry"
	"github.com/andresmejia3/camwatch/internal/resolver"
	"github.com/andresmejia3/camwatch/internal/scheduler"
	"github.com/andresmejia3/camwatch/internal/source"
)

// passSummary keeps the most recent pass report for the status endpoint.
type passSummary struct {
	mu     sync.Mutex
	report *resolver.PassReport
}

func (p *passSummary) store(r resolver.PassReport) {
	p.mu.Lock()
	p.report = &r
	p.mu.Unlock()
}

func (p *passSummary) load() *resolver.PassReport {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.report
}

type identityStatus struct {
	Name      string    `json:"name"`
	Matched   bool      `json:"matched"`
	Camera    int       `json:"camera"`
	Distance  float64   `json:"distance"`
	PassID    string    `json:"pass_id,omitempty"`
	UpdatedAt time.Time `json:"updated_at,omitempty"`
}

type cameraStatus struct {
	Index     int       `json:"index"`
	Origin    string    `json:"origin"`
	Up        bool      `json:"up"`
	Frames    uint64    `json:"frames"`
	Dropped   uint64    `json:"dropped"`
	Restarts  uint64    `json:"restarts"`
	LastFrame time.Time `json:"last_frame,omitempty"`
	LastError string    `json:"last_error,omitempty"`
}

type passStatus struct {
	ID         string  `json:"id"`
	Cameras    []int   `json:"cameras"`
	DurationMS float64 `json:"duration_ms"`
	Matched    int     `json:"matched"`
	Failures   int     `json:"oracle_failures"`
}

// StatusDocument is the body of GET /status on the HTTP display.
type StatusDocument struct {
	State      string           `json:"state"`
	Scheduler  scheduler.Stats  `json:"scheduler"`
	LastPass   *passStatus      `json:"last_pass,omitempty"`
	Identities []identityStatus `json:"identities"`
	Cameras    []cameraStatus   `json:"cameras"`
}

func statusDocument(reg *registry.Registry, sched *scheduler.Scheduler, pool *source.Pool, last *passSummary) StatusDocument {
	doc := StatusDocument{
		State:     sched.State().String(),
		Scheduler: sched.Stats(),
	}
	if r := last.load(); r != nil {
		doc.LastPass = &passStatus{
			ID:         r.ID,
			Cameras:    r.Cameras,
			DurationMS: float64(r.Duration) / float64(time.Millisecond),
			Matched:    r.Matched(),
			Failures:   r.Failures(),
		}
	}
	for _, e := range reg.Snapshot() {
		doc.Identities = append(doc.Identities, identityStatus{
			Name:      e.Name,
			Matched:   e.Status.Matched,
			Camera:    e.Status.BestCamera,
			Distance:  e.Status.BestDistance,
			PassID:    e.Status.PassID,
			UpdatedAt: e.Status.UpdatedAt,
		})
	}
	for _, st := range pool.Stats() {
		doc.Cameras = append(doc.Cameras, cameraStatus{
			Index:     st.Index,
			Origin:    st.Origin,
			Up:        st.Up,
			Frames:    st.Received,
			Dropped:   st.Overwritten,
			Restarts:  st.Restarts,
			LastFrame: st.LastFrame,
			LastError: st.LastError,
		})
	}
	return doc
}

var statusAddr string

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show identities and cameras of a running monitor (HTTP display)",
	RunE: func(cmd *cobra.Command, args []string) error {
		addr := statusAddr
		if addr == "" {
			cfg, _, err := loadConfig()
			if err != nil {
				return err
			}
			addr = cfg.Display.HTTPBind
		}
		doc, err := fetchStatus(addr)
		if err != nil {
			return err
		}
		fmt.Fprint(cmd.OutOrStdout(), formatStatus(doc))
		return nil
	},
}

func init() {
	statusCmd.Flags().StringVar(&statusAddr, "addr", "", "Address of the HTTP display (default display.http_bind)")
	rootCmd.AddCommand(statusCmd)
}

func fetchStatus(addr string) (StatusDocument, error) {
	url := addr
	if !strings.HasPrefix(url, "http://") && !strings.HasPrefix(url, "https://") {
		url = "http://" + url
	}
	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(strings.TrimSuffix(url, "/") + "/status")
	if err != nil {
		return StatusDocument{}, fmt.Errorf("is camwatch running with display.backend = \"http\"? %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return StatusDocument{}, fmt.Errorf("status endpoint returned %s", resp.Status)
	}
	var doc StatusDocument
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return StatusDocument{}, fmt.Errorf("decode status: %w", err)
	}
	return doc, nil
}

func formatStatus(doc StatusDocument) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Scheduler %s: %d passes started, %d failed, %d triggers dropped\n",
		doc.State, doc.Scheduler.Started, doc.Scheduler.Failed, doc.Scheduler.Dropped)
	if doc.LastPass != nil {
		fmt.Fprintf(&b, "Last pass %s: %.0fms over cameras %v, %d matched, %d oracle failures\n",
			doc.LastPass.ID, doc.LastPass.DurationMS, doc.LastPass.Cameras, doc.LastPass.Matched, doc.LastPass.Failures)
	}

	rows := make([][]string, 0, len(doc.Identities))
	for _, id := range doc.Identities {
		cam, dist, updated := "-", "-", "-"
		if id.Matched {
			cam = fmt.Sprint(id.Camera)
			dist = fmt.Sprintf("%.4f", id.Distance)
		}
		if !id.UpdatedAt.IsZero() {
			updated = id.UpdatedAt.Local().Format("15:04:05")
		}
		rows = append(rows, []string{id.Name, fmt.Sprint(id.Matched), cam, dist, updated})
	}
	b.WriteString(renderTable([]string{"IDENTITY", "MATCHED", "CAMERA", "DISTANCE", "UPDATED"}, rows,
		[]columnAlignment{alignLeft, alignLeft, alignRight, alignRight, alignLeft}))
	b.WriteString("\n")

	stats := make([]source.Stats, 0, len(doc.Cameras))
	for _, c := range doc.Cameras {
		stats = append(stats, source.Stats{
			Index: c.Index, Origin: c.Origin, Up: c.Up, Received: c.Frames,
			Overwritten: c.Dropped, Restarts: c.Restarts, LastFrame: c.LastFrame, LastError: c.LastError,
		})
	}
	b.WriteString(renderTable(sourceHeaders, sourceRows(stats), sourceAligns))
	b.WriteString("\n")
	return b.String()
}

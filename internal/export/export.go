// Package export writes selected picks and stored pick records as CSV.
package export

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/gocarina/gocsv"

	"halftimebot/internal/domain"
	logx "halftimebot/pkg/logx"
)

// Exporter writes one bets_<catalogId>.csv per halftime. A later export for
// the same game replaces the file.
type Exporter struct {
	mu  sync.Mutex
	dir string
	log logx.Logger
}

func New(dir string, log logx.Logger) *Exporter {
	if log.IsZero() {
		log = logx.Nop()
	}
	dir = strings.TrimSpace(dir)
	if dir == "" {
		dir = "."
	}
	return &Exporter{dir: dir, log: log.With(logx.String("comp", "export"))}
}

func (x *Exporter) Dir() string { return x.dir }

// Path is where picks for e are written.
func (x *Exporter) Path(e domain.Event) string {
	id := e.CatalogID
	if id == "" {
		id = e.EventID()
	}
	return filepath.Join(x.dir, "bets_"+sanitize(id)+".csv")
}

// ExportPicks writes picks for e and returns the file path. No picks means no
// file and an empty path.
func (x *Exporter) ExportPicks(e domain.Event, picks []domain.SelectedPick) (string, error) {
	if len(picks) == 0 {
		x.log.Debug("no picks to export", logx.String("game", e.GameLabel()))
		return "", nil
	}
	x.mu.Lock()
	defer x.mu.Unlock()

	if err := os.MkdirAll(x.dir, 0o755); err != nil {
		return "", fmt.Errorf("export dir: %w", err)
	}
	path := x.Path(e)
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return "", err
	}
	rows := append([]domain.SelectedPick(nil), picks...)
	if err := gocsv.MarshalFile(&rows, f); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return "", fmt.Errorf("write %s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return "", err
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return "", err
	}
	x.log.Info("picks exported", logx.String("path", path), logx.Int("picks", len(picks)))
	return path, nil
}

// ReadPicks loads a file written by ExportPicks.
func ReadPicks(path string) ([]domain.SelectedPick, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	var out []domain.SelectedPick
	if err := gocsv.UnmarshalFile(f, &out); err != nil {
		return nil, err
	}
	return out, nil
}

type recordRow struct {
	ID            int64  `csv:"ID"`
	GameLabel     string `csv:"Game"`
	Date          string `csv:"Date"`
	Player        string `csv:"PlayerName"`
	CurrentPoints int    `csv:"CurrentPoints"`
	Line          int    `csv:"Line"`
	Odds          int    `csv:"Odds"`
	Difference    int    `csv:"DifferenceNeeded"`
	Hit           string `csv:"Hit"`
}

// WriteRecords writes stored picks with their outcome. Hit is "true", "false"
// or empty while the game is unresolved.
func WriteRecords(w io.Writer, recs []domain.PickRecord) error {
	rows := make([]recordRow, 0, len(recs))
	for _, r := range recs {
		hit := ""
		if r.Hit != nil {
			hit = strconv.FormatBool(*r.Hit)
		}
		rows = append(rows, recordRow{
			ID:            r.ID,
			GameLabel:     r.GameLabel,
			Date:          r.Date,
			Player:        r.Player,
			CurrentPoints: r.CurrentPoints,
			Line:          r.Line,
			Odds:          r.Odds,
			Difference:    r.Difference,
			Hit:           hit,
		})
	}
	return gocsv.Marshal(&rows, w)
}

func sanitize(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, s)
}

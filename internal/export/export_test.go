package export

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"halftimebot/internal/domain"
	logx "halftimebot/pkg/logx"
)

var game = domain.Event{
	CatalogID: "abc123",
	OracleID:  7,
	Home:      domain.TeamRef{Name: "Boston Celtics"},
	Away:      domain.TeamRef{Name: "New York Knicks"},
	LocalDate: "2024-03-01",
}

func TestExportPicksWritesHeaderAndRows(t *testing.T) {
	x := New(t.TempDir(), logx.Nop())
	picks := []domain.SelectedPick{
		{PlayerName: "Jayson Tatum", CurrentPoints: 18, Line: 20, Odds: -110, DifferenceNeeded: 2},
		{PlayerName: "Jalen Brunson", CurrentPoints: 15, Line: 19, Odds: 120, DifferenceNeeded: 4},
	}
	path, err := x.ExportPicks(game, picks)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(x.Dir(), "bets_abc123.csv"), path)

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(raw)), "\n")
	require.Len(t, lines, 3)
	assert.Equal(t, "PlayerName,CurrentPoints,Line,Odds,DifferenceNeeded", lines[0])
	assert.Equal(t, "Jayson Tatum,18,20,-110,2", lines[1])

	back, err := ReadPicks(path)
	require.NoError(t, err)
	assert.Equal(t, picks, back)
}

func TestExportPicksSkipsEmpty(t *testing.T) {
	x := New(t.TempDir(), logx.Nop())
	path, err := x.ExportPicks(game, nil)
	require.NoError(t, err)
	assert.Empty(t, path)
	entries, err := os.ReadDir(x.Dir())
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestPathFallsBackToOracleIDAndSanitizes(t *testing.T) {
	x := New("out", logx.Nop())
	e := game
	e.CatalogID = ""
	assert.Equal(t, filepath.Join("out", "bets_7.csv"), x.Path(e))
	e.CatalogID = "../evil id"
	assert.Equal(t, filepath.Join("out", "bets____evil_id.csv"), x.Path(e))
}

func TestWriteRecordsRendersHit(t *testing.T) {
	yes := true
	recs := []domain.PickRecord{
		{ID: 1, GameLabel: "B @ A", Date: "2024-03-01", Player: "P1", CurrentPoints: 18, Line: 20, Difference: 2, Odds: -110, Hit: &yes},
		{ID: 2, GameLabel: "B @ A", Date: "2024-03-01", Player: "P2", CurrentPoints: 10, Line: 13, Difference: 3, Odds: 105},
	}
	var buf bytes.Buffer
	require.NoError(t, WriteRecords(&buf, recs))
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 3)
	assert.Equal(t, "ID,Game,Date,PlayerName,CurrentPoints,Line,Odds,DifferenceNeeded,Hit", lines[0])
	assert.Equal(t, "1,B @ A,2024-03-01,P1,18,20,-110,2,true", lines[1])
	assert.Equal(t, "2,B @ A,2024-03-01,P2,10,13,105,3,", lines[2])
}

package storage

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"halftimebot/internal/domain"
	logx "halftimebot/pkg/logx"
)

func openStores(t *testing.T) map[string]Store {
	t.Helper()
	sq, err := Open(Config{Driver: "sqlite", Path: ":memory:"}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = sq.Close() })
	return map[string]Store{"sqlite": sq, "memory": NewMemory()}
}

func event(home, away, date string) domain.Event {
	return domain.Event{Home: domain.TeamRef{Name: home}, Away: domain.TeamRef{Name: away}, LocalDate: date}
}

func TestSinkRecordsPicksAndOutcomes(t *testing.T) {
	for name, store := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			sink := NewSink(store, logx.Nop())
			game := event("A", "B", "2024-03-01")
			other := event("C", "D", "2024-03-01")

			ids, err := sink.RecordPicks(ctx, game, []domain.SelectedPick{
				{PlayerName: "P1", CurrentPoints: 18, Line: 20, Odds: -110, DifferenceNeeded: 2},
				{PlayerName: "P2", CurrentPoints: 10, Line: 15, Odds: 120, DifferenceNeeded: 5},
				{PlayerName: "P3", CurrentPoints: 12, Line: 14, Odds: -105, DifferenceNeeded: 2},
			})
			require.NoError(t, err)
			require.Len(t, ids, 3)
			assert.Less(t, ids[0], ids[1])

			_, err = sink.RecordPicks(ctx, other, []domain.SelectedPick{{PlayerName: "P1", CurrentPoints: 1, Line: 2}})
			require.NoError(t, err)

			n, err := sink.RecordOutcomes(ctx, game, []domain.PlayerStatLine{
				{PlayerName: "P1", Points: 22},
				{PlayerName: "P2", Points: 14},
			})
			require.NoError(t, err)
			assert.Equal(t, 2, n)

			rows, err := store.PicksFor(ctx, "B @ A", "2024-03-01")
			require.NoError(t, err)
			require.Len(t, rows, 3)
			byPlayer := map[string]domain.PickRecord{}
			for _, r := range rows {
				byPlayer[r.Player] = r
			}
			require.NotNil(t, byPlayer["P1"].Hit)
			assert.True(t, *byPlayer["P1"].Hit)
			require.NotNil(t, byPlayer["P2"].Hit)
			assert.False(t, *byPlayer["P2"].Hit)
			assert.Nil(t, byPlayer["P3"].Hit, "missing stat line leaves hit unset")
			assert.Equal(t, -110, byPlayer["P1"].Odds)
			assert.Equal(t, 2, byPlayer["P1"].Difference)

			others, err := store.PicksFor(ctx, "D @ C", "2024-03-01")
			require.NoError(t, err)
			require.Len(t, others, 1)
			assert.Nil(t, others[0].Hit, "other events' rows are untouched")
		})
	}
}

func TestListPicksFilters(t *testing.T) {
	for name, store := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			_, err := store.InsertPicks(ctx, []domain.PickRecord{
				{GameLabel: "B @ A", Date: "2024-03-01", Player: "P1"},
				{GameLabel: "B @ A", Date: "2024-03-02", Player: "P2"},
				{GameLabel: "D @ C", Date: "2024-03-01", Player: "P3"},
			})
			require.NoError(t, err)

			all, err := store.ListPicks(ctx, domain.PickFilter{})
			require.NoError(t, err)
			require.Len(t, all, 3)
			assert.Equal(t, "P3", all[0].Player, "newest first")

			byDate, err := store.ListPicks(ctx, domain.PickFilter{Date: "2024-03-01"})
			require.NoError(t, err)
			assert.Len(t, byDate, 2)

			limited, err := store.ListPicks(ctx, domain.PickFilter{GameLabel: "B @ A", Limit: 1})
			require.NoError(t, err)
			require.Len(t, limited, 1)
			assert.Equal(t, "P2", limited[0].Player)
		})
	}
}

func TestSetHitUnknownID(t *testing.T) {
	for name, store := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			err := store.SetHit(context.Background(), 999, true)
			assert.True(t, errors.Is(err, domain.ErrNotFound), "err=%v", err)
		})
	}
}

func TestDedupRoundTrip(t *testing.T) {
	for name, store := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			until := time.Now().Add(time.Minute).Truncate(time.Millisecond)
			require.NoError(t, store.PutDedup(ctx, "picks:check-halftime-1", until))
			got, ok, err := store.GetDedup(ctx, "picks:check-halftime-1")
			require.NoError(t, err)
			require.True(t, ok)
			assert.True(t, got.Equal(until))

			_, ok, err = store.GetDedup(ctx, "missing")
			require.NoError(t, err)
			assert.False(t, ok)
		})
	}
}

func TestSinkWrapsPersistenceErrors(t *testing.T) {
	store := NewMemory()
	require.NoError(t, store.Close())
	sink := NewSink(store, logx.Nop())
	_, err := sink.RecordPicks(context.Background(), event("A", "B", "2024-03-01"), []domain.SelectedPick{{PlayerName: "P"}})
	assert.ErrorIs(t, err, domain.ErrPersistenceUnavailable)
	_, err = sink.RecordOutcomes(context.Background(), event("A", "B", "2024-03-01"), nil)
	assert.ErrorIs(t, err, domain.ErrPersistenceUnavailable)
}

func TestRebind(t *testing.T) {
	assert.Equal(t, "UPDATE picks SET hit = $1, updated_at = $2 WHERE id = $3",
		rebind("UPDATE picks SET hit = ?, updated_at = ? WHERE id = ?"))
}

func TestOpenUnknownDriver(t *testing.T) {
	_, err := Open(Config{Driver: "mongo"}, logx.Nop())
	assert.Error(t, err)
	st, err := Open(Config{}, logx.Nop())
	require.NoError(t, err)
	assert.Equal(t, "memory", st.Driver())
}

func TestSQLiteDSNCarriesPragmas(t *testing.T) {
	dsn, err := sqliteDSN(Config{Path: ":memory:"})
	require.NoError(t, err)
	assert.Equal(t, ":memory:", dsn)

	path := filepath.Join(t.TempDir(), "sub", "picks.db")
	dsn, err = sqliteDSN(Config{Path: path, BusyTimeout: 2 * time.Second})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(dsn, "file:"+path+"?"), dsn)
	assert.Contains(t, dsn, "busy_timeout%282000%29")
	assert.Contains(t, dsn, "journal_mode%28WAL%29")
	assert.DirExists(t, filepath.Dir(path))

	_, err = sqliteDSN(Config{})
	assert.Error(t, err)
}

func TestOpenSQLiteFile(t *testing.T) {
	st, err := Open(Config{Driver: "sqlite3", Path: filepath.Join(t.TempDir(), "picks.db"), BusyTimeout: time.Second}, logx.Nop())
	require.NoError(t, err)
	defer st.Close()
	assert.Equal(t, "sqlite", st.Driver())
}

package domain

import (
	"fmt"
	"time"
)

type TeamRef struct {
	Name string `json:"name"`
	Code string `json:"code"`
}

// Event is a game both feeds agree on. It is immutable once resolved.
type Event struct {
	// CatalogID is the market feed's event id (odds lookups).
	CatalogID string `json:"catalog_id"`
	// OracleID is the box-score feed's game id (status and stats lookups).
	OracleID int `json:"oracle_id"`

	Home TeamRef `json:"home"`
	Away TeamRef `json:"away"`

	// LocalDate and LocalTime are the start in the scheduling timezone,
	// "2006-01-02" and "15:04".
	LocalDate string    `json:"local_date"`
	LocalTime string    `json:"local_time"`
	Start     time.Time `json:"start"`
}

// GameLabel is the "<Away> @ <Home>" label picks are stored under.
func (e Event) GameLabel() string {
	return fmt.Sprintf("%s @ %s", e.Away.Name, e.Home.Name)
}

// EventID is the key milestone jobs are tracked by.
func (e Event) EventID() string {
	return fmt.Sprintf("%d", e.OracleID)
}

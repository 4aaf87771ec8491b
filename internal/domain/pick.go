package domain

import "time"

// SelectedPick is a prop the heuristic flagged at halftime.
type SelectedPick struct {
	PlayerName       string `json:"player_name" csv:"PlayerName"`
	CurrentPoints    int    `json:"current_points" csv:"CurrentPoints"`
	Line             int    `json:"line" csv:"Line"`
	Odds             int    `json:"odds" csv:"Odds"`
	DifferenceNeeded int    `json:"difference_needed" csv:"DifferenceNeeded"`
}

// PickRecord is a persisted pick. Hit stays nil until the end-of-game
// phase sees a stat line for the player.
type PickRecord struct {
	ID            int64     `json:"id"`
	GameLabel     string    `json:"game_label"`
	Date          string    `json:"date"`
	Player        string    `json:"player"`
	CurrentPoints int       `json:"current_points"`
	Line          int       `json:"line"`
	Difference    int       `json:"difference"`
	Odds          int       `json:"odds"`
	Hit           *bool     `json:"hit"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// PickFilter narrows pick listings. Empty fields match everything.
type PickFilter struct {
	GameLabel string
	Date      string
	Limit     int
}

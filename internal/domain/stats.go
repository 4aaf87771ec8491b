package domain

import "time"

// PlayerStatLine is one player's box score at capture time. Numeric fields
// the feed reports as strings (percentages, minutes) are kept as strings.
type PlayerStatLine struct {
	PlayerID   int    `json:"player_id" csv:"PlayerID"`
	PlayerName string `json:"player_name" csv:"PlayerName"`
	TeamName   string `json:"team_name" csv:"Team"`
	TeamCode   string `json:"team_code" csv:"TeamCode"`

	GameID     int    `json:"game_id" csv:"GameID"`
	GameDate   string `json:"game_date" csv:"GameDate"`
	GameStatus string `json:"game_status" csv:"GameStatus"`

	Points    int    `json:"points" csv:"Points"`
	Pos       string `json:"pos" csv:"Pos"`
	Min       string `json:"min" csv:"Min"`
	FGM       int    `json:"fgm" csv:"FGM"`
	FGA       int    `json:"fga" csv:"FGA"`
	FGP       string `json:"fgp" csv:"FGP"`
	FTM       int    `json:"ftm" csv:"FTM"`
	FTA       int    `json:"fta" csv:"FTA"`
	FTP       string `json:"ftp" csv:"FTP"`
	TPM       int    `json:"tpm" csv:"TPM"`
	TPA       int    `json:"tpa" csv:"TPA"`
	TPP       string `json:"tpp" csv:"TPP"`
	OffReb    int    `json:"off_reb" csv:"OffReb"`
	DefReb    int    `json:"def_reb" csv:"DefReb"`
	TotReb    int    `json:"tot_reb" csv:"TotReb"`
	Assists   int    `json:"assists" csv:"Assists"`
	PFouls    int    `json:"p_fouls" csv:"PFouls"`
	Steals    int    `json:"steals" csv:"Steals"`
	Turnovers int    `json:"turnovers" csv:"Turnovers"`
	Blocks    int    `json:"blocks" csv:"Blocks"`
	PlusMinus string `json:"plus_minus" csv:"PlusMinus"`
	Comment   string `json:"comment,omitempty" csv:"Comment"`
}

// GameStatus is the oracle's view of one game.
type GameStatus struct {
	GameID   int    `json:"game_id"`
	Status   string `json:"status"`
	Halftime bool   `json:"halftime"`
	Finished bool   `json:"finished"`
}

type PropBet struct {
	Player string  `json:"player"`
	Side   string  `json:"side"`
	Price  int     `json:"price"`
	Point  float64 `json:"point"`
}

type GameProps struct {
	CatalogID string    `json:"catalog_id"`
	Bookmaker string    `json:"bookmaker"`
	Bets      []PropBet `json:"bets"`
}

// AggregatedGame is everything the pipeline gathered for one milestone.
type AggregatedGame struct {
	Event     Event            `json:"event"`
	Milestone MilestoneKind    `json:"milestone"`
	Props     *GameProps       `json:"props,omitempty"`
	Stats     []PlayerStatLine `json:"stats"`
	FetchedAt time.Time        `json:"fetched_at"`
}

// MatchPlayer finds the stat line whose display name equals name. The
// feeds share no player id, so the name is the join key.
func MatchPlayer(name string, stats []PlayerStatLine) (PlayerStatLine, bool) {
	if name == "" {
		return PlayerStatLine{}, false
	}
	for _, s := range stats {
		if s.PlayerName == name {
			return s, true
		}
	}
	return PlayerStatLine{}, false
}

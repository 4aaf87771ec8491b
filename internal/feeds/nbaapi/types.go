package nbaapi

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"
	"time"
)

type envelope[T any] struct {
	Errors   json.RawMessage `json:"errors"`
	Results  int             `json:"results"`
	Response []T             `json:"response"`
}

// Game is one row of the schedule feed.
type Game struct {
	ID   int `json:"id"`
	Date struct {
		Start time.Time `json:"start"`
	} `json:"date"`
	Status struct {
		Clock    *string `json:"clock"`
		Halftime bool    `json:"halftime"`
		Short    flexInt `json:"short"`
		Long     string  `json:"long"`
	} `json:"status"`
	Teams struct {
		Visitors Team `json:"visitors"`
		Home     Team `json:"home"`
	} `json:"teams"`
}

// Team is a side of a game.
type Team struct {
	ID       int    `json:"id"`
	Name     string `json:"name"`
	Nickname string `json:"nickname"`
	Code     string `json:"code"`
}

// Status.short values.
const (
	statusNotStarted = 1
	statusInPlay     = 2
	statusFinished   = 3
)

type playerStat struct {
	Player struct {
		ID        int    `json:"id"`
		Firstname string `json:"firstname"`
		Lastname  string `json:"lastname"`
	} `json:"player"`
	Team Team `json:"team"`
	Game struct {
		ID     int        `json:"id"`
		Date   flexString `json:"date"`
		Status flexString `json:"status"`
	} `json:"game"`

	Points    flexInt    `json:"points"`
	Pos       flexString `json:"pos"`
	Min       flexString `json:"min"`
	FGM       flexInt    `json:"fgm"`
	FGA       flexInt    `json:"fga"`
	FGP       flexString `json:"fgp"`
	FTM       flexInt    `json:"ftm"`
	FTA       flexInt    `json:"fta"`
	FTP       flexString `json:"ftp"`
	TPM       flexInt    `json:"tpm"`
	TPA       flexInt    `json:"tpa"`
	TPP       flexString `json:"tpp"`
	OffReb    flexInt    `json:"offReb"`
	DefReb    flexInt    `json:"defReb"`
	TotReb    flexInt    `json:"totReb"`
	Assists   flexInt    `json:"assists"`
	PFouls    flexInt    `json:"pFouls"`
	Steals    flexInt    `json:"steals"`
	Turnovers flexInt    `json:"turnovers"`
	Blocks    flexInt    `json:"blocks"`
	PlusMinus flexString `json:"plusMinus"`
	Comment   flexString `json:"comment"`
}

// flexInt accepts numbers, numeric strings and null (as 0). The feed is
// not consistent about which it sends.
type flexInt int

func (f *flexInt) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*f = 0
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		s = strings.TrimSpace(s)
		if s == "" {
			*f = 0
			return nil
		}
		n, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return err
		}
		*f = flexInt(int(n))
		return nil
	}
	var n float64
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*f = flexInt(int(n))
	return nil
}

// flexString accepts strings, numbers and null (as "").
type flexString string

func (f *flexString) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*f = ""
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = flexString(s)
		return nil
	}
	*f = flexString(string(b))
	return nil
}

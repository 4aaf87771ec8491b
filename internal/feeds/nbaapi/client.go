// Package nbaapi reads the schedule and box-score feed: games by date,
// single game status, and per-game player statistics.
package nbaapi

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"halftimebot/internal/domain"
	"halftimebot/internal/feeds/httpx"
	logx "halftimebot/pkg/logx"
)

const (
	DefaultHost    = "api-nba-v1.p.rapidapi.com"
	DefaultBaseURL = "https://" + DefaultHost
)

type Config struct {
	BaseURL string
	Host    string
	APIKey  string

	Timeout    time.Duration
	RatePerSec float64
	Burst      int
	RetryMax   int
}

type Client struct {
	base string
	http *httpx.Client
	log  logx.Logger
}

func New(cfg Config, log logx.Logger) *Client {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if strings.TrimSpace(cfg.Host) == "" {
		cfg.Host = DefaultHost
	}
	h := http.Header{}
	h.Set("X-RapidAPI-Key", cfg.APIKey)
	h.Set("X-RapidAPI-Host", cfg.Host)
	return &Client{
		base: strings.TrimRight(cfg.BaseURL, "/"),
		http: httpx.New(httpx.Options{
			Source:     "nba",
			Timeout:    cfg.Timeout,
			RatePerSec: cfg.RatePerSec,
			Burst:      cfg.Burst,
			RetryMax:   cfg.RetryMax,
			Header:     h,
		}, log),
		log: log,
	}
}

// Games lists the games scheduled on a calendar date ("2006-01-02").
func (c *Client) Games(ctx context.Context, date string) ([]Game, error) {
	u := fmt.Sprintf("%s/games?%s", c.base, url.Values{"date": {date}}.Encode())
	var env envelope[Game]
	if err := c.http.GetJSON(ctx, "games", u, &env); err != nil {
		return nil, err
	}
	return env.Response, nil
}

// Status polls a single game.
func (c *Client) Status(ctx context.Context, gameID int) (domain.GameStatus, error) {
	u := fmt.Sprintf("%s/games?%s", c.base, url.Values{"id": {strconv.Itoa(gameID)}}.Encode())
	var env envelope[Game]
	if err := c.http.GetJSON(ctx, "game_status", u, &env); err != nil {
		return domain.GameStatus{}, err
	}
	if len(env.Response) == 0 {
		return domain.GameStatus{}, &domain.UpstreamError{Source: "nba", Op: "game_status", Status: http.StatusNotFound, Err: fmt.Errorf("game %d: %w", gameID, domain.ErrNotFound)}
	}
	g := env.Response[0]
	return domain.GameStatus{
		GameID:   g.ID,
		Status:   g.Status.Long,
		Halftime: g.Status.Halftime,
		Finished: int(g.Status.Short) == statusFinished,
	}, nil
}

// PlayerStats returns a fresh box-score snapshot for a game.
func (c *Client) PlayerStats(ctx context.Context, gameID int) ([]domain.PlayerStatLine, error) {
	u := fmt.Sprintf("%s/players/statistics?%s", c.base, url.Values{"game": {strconv.Itoa(gameID)}}.Encode())
	var env envelope[playerStat]
	if err := c.http.GetJSON(ctx, "player_stats", u, &env); err != nil {
		return nil, err
	}
	out := make([]domain.PlayerStatLine, 0, len(env.Response))
	for _, s := range env.Response {
		out = append(out, toStatLine(s, gameID))
	}
	return out, nil
}

func toStatLine(s playerStat, gameID int) domain.PlayerStatLine {
	gid := s.Game.ID
	if gid == 0 {
		gid = gameID
	}
	return domain.PlayerStatLine{
		PlayerID:   s.Player.ID,
		PlayerName: strings.TrimSpace(s.Player.Firstname + " " + s.Player.Lastname),
		TeamName:   s.Team.Name,
		TeamCode:   s.Team.Code,
		GameID:     gid,
		GameDate:   string(s.Game.Date),
		GameStatus: string(s.Game.Status),
		Points:     int(s.Points),
		Pos:        string(s.Pos),
		Min:        string(s.Min),
		FGM:        int(s.FGM),
		FGA:        int(s.FGA),
		FGP:        string(s.FGP),
		FTM:        int(s.FTM),
		FTA:        int(s.FTA),
		FTP:        string(s.FTP),
		TPM:        int(s.TPM),
		TPA:        int(s.TPA),
		TPP:        string(s.TPP),
		OffReb:     int(s.OffReb),
		DefReb:     int(s.DefReb),
		TotReb:     int(s.TotReb),
		Assists:    int(s.Assists),
		PFouls:     int(s.PFouls),
		Steals:     int(s.Steals),
		Turnovers:  int(s.Turnovers),
		Blocks:     int(s.Blocks),
		PlusMinus:  string(s.PlusMinus),
		Comment:    string(s.Comment),
	}
}

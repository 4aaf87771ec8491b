// Package oddsapi reads the market feed: the day's events and per-event
// player prop odds.
package oddsapi

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"halftimebot/internal/domain"
	"halftimebot/internal/feeds/httpx"
	logx "halftimebot/pkg/logx"
)

const (
	DefaultBaseURL   = "https://api.the-odds-api.com"
	DefaultSport     = "basketball_nba"
	DefaultBookmaker = "draftkings"

	// OddsFormat is the only price format requested; prices decode as integers.
	OddsFormat = "american"
)

type Config struct {
	BaseURL    string
	APIKey     string
	Sport      string
	Regions    string
	Markets    string
	Bookmaker  string

	Timeout    time.Duration
	RatePerSec float64
	Burst      int
	RetryMax   int
}

func (c Config) withDefaults() Config {
	if strings.TrimSpace(c.BaseURL) == "" {
		c.BaseURL = DefaultBaseURL
	}
	c.BaseURL = strings.TrimRight(c.BaseURL, "/")
	if c.Sport == "" {
		c.Sport = DefaultSport
	}
	if c.Regions == "" {
		c.Regions = "us"
	}
	if c.Markets == "" {
		c.Markets = "player_points"
	}
	if c.Bookmaker == "" {
		c.Bookmaker = DefaultBookmaker
	}
	return c
}

// MarketEvent is one row of the market feed.
type MarketEvent struct {
	ID           string    `json:"id"`
	SportKey     string    `json:"sport_key"`
	CommenceTime time.Time `json:"commence_time"`
	HomeTeam     string    `json:"home_team"`
	AwayTeam     string    `json:"away_team"`
}

type Client struct {
	cfg  Config
	http *httpx.Client
	log  logx.Logger
}

func New(cfg Config, log logx.Logger) *Client {
	cfg = cfg.withDefaults()
	return &Client{
		cfg: cfg,
		http: httpx.New(httpx.Options{
			Source:     "odds",
			Timeout:    cfg.Timeout,
			RatePerSec: cfg.RatePerSec,
			Burst:      cfg.Burst,
			RetryMax:   cfg.RetryMax,
		}, log),
		log: log,
	}
}

func (c *Client) Bookmaker() string { return c.cfg.Bookmaker }

// Events lists events commencing in [from, to].
func (c *Client) Events(ctx context.Context, from, to time.Time) ([]MarketEvent, error) {
	q := url.Values{}
	q.Set("apiKey", c.cfg.APIKey)
	q.Set("commenceTimeFrom", from.UTC().Format("2006-01-02T15:04:05Z"))
	q.Set("commenceTimeTo", to.UTC().Format("2006-01-02T15:04:05Z"))
	q.Set("dateFormat", "iso")
	u := fmt.Sprintf("%s/v4/sports/%s/events?%s", c.cfg.BaseURL, url.PathEscape(c.cfg.Sport), q.Encode())

	var out []MarketEvent
	if err := c.http.GetJSON(ctx, "events", u, &out); err != nil {
		return nil, err
	}
	return out, nil
}

type eventOdds struct {
	ID         string      `json:"id"`
	Bookmakers []bookmaker `json:"bookmakers"`
}

type bookmaker struct {
	Key     string   `json:"key"`
	Title   string   `json:"title"`
	Markets []market `json:"markets"`
}

type market struct {
	Key      string    `json:"key"`
	Outcomes []outcome `json:"outcomes"`
}

type outcome struct {
	Name        string  `json:"name"`
	Description string  `json:"description"`
	Price       int     `json:"price"`
	Point       float64 `json:"point"`
}

// PlayerProps returns the configured bookmaker's "Over" player prop
// outcomes for one event. It returns domain.ErrNotFound when that
// bookmaker has no market for the event.
func (c *Client) PlayerProps(ctx context.Context, eventID string) (*domain.GameProps, error) {
	q := url.Values{}
	q.Set("apiKey", c.cfg.APIKey)
	q.Set("regions", c.cfg.Regions)
	q.Set("markets", c.cfg.Markets)
	q.Set("oddsFormat", OddsFormat)
	u := fmt.Sprintf("%s/v4/sports/%s/events/%s/odds?%s", c.cfg.BaseURL, url.PathEscape(c.cfg.Sport), url.PathEscape(eventID), q.Encode())

	var raw eventOdds
	if err := c.http.GetJSON(ctx, "event_odds", u, &raw); err != nil {
		return nil, err
	}
	return extractProps(eventID, c.cfg.Bookmaker, raw)
}

func extractProps(eventID, book string, raw eventOdds) (*domain.GameProps, error) {
	for _, b := range raw.Bookmakers {
		if b.Key != book {
			continue
		}
		props := &domain.GameProps{CatalogID: eventID, Bookmaker: book, Bets: []domain.PropBet{}}
		for _, m := range b.Markets {
			for _, o := range m.Outcomes {
				if o.Name != "Over" {
					continue
				}
				props.Bets = append(props.Bets, domain.PropBet{Player: o.Description, Side: o.Name, Price: o.Price, Point: o.Point})
			}
		}
		return props, nil
	}
	return nil, fmt.Errorf("no %s market for event %s: %w", book, eventID, domain.ErrNotFound)
}

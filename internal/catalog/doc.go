// Package catalog resolves the day's events by joining the market feed
// against the box-score feed, and holds the resolved list for the day.
package catalog

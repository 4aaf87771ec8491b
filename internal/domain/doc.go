// Package domain holds the event, milestone, stat and pick types shared by
// the catalog, milestone, pipeline and storage packages.
package domain

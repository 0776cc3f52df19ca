package app

import (
	"net/http"
	"strconv"

	"taskpool/internal/admin"
	"taskpool/internal/journal"
)

const (
	defaultRecentRuns = 50
	maxRecentRuns     = 1000
)

// newAdmin builds the status server. Routes read live state on each request.
func (a *App) newAdmin(cfg admin.Config) *admin.Server {
	s := admin.New(cfg, a.log)
	s.Handle("/pools", func(*http.Request) (any, error) { return a.Pools(), nil })
	s.Handle("/jobs", func(*http.Request) (any, error) { return a.Jobs(), nil })
	s.Handle("/workers", func(*http.Request) (any, error) { return a.cache.Snapshot(), nil })
	s.Handle("/runs", func(r *http.Request) (any, error) {
		if a.store == nil {
			return []journal.Run{}, nil
		}
		n := defaultRecentRuns
		if v, err := strconv.Atoi(r.URL.Query().Get("n")); err == nil && v > 0 {
			n = min(v, maxRecentRuns)
		}
		return a.store.Recent(r.Context(), n)
	})
	return s
}

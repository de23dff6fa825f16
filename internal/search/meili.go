package search

import (
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"sync/atomic"
	"time"

	meili "github.com/meilisearch/meilisearch-go"
)

const idxProfiles = "trailhub_profiles"

// Meili implements Searcher and Indexer via Meilisearch.
//
// Per-field boosts are approximated by searchable-attribute priority
// (firstname and lastname rank above the combined fullname); the Postgres
// fallback reproduces the exact 5x weights. The id:desc sort ranks below the
// relevance rules, so it acts as the score tie-break.
type Meili struct {
	client  meili.ServiceManager
	healthy atomic.Bool
	done    chan struct{}
}

// NewMeili creates a Meilisearch client and configures the profile index.
// Returns a client that reports unhealthy if the initial connection fails
// (caller should proceed with the fallback).
func NewMeili(url, apiKey string) *Meili {
	client := meili.New(url, meili.WithAPIKey(apiKey))

	m := &Meili{
		client: client,
		done:   make(chan struct{}),
	}

	// Initial health check
	if _, err := client.Health(); err != nil {
		log.Printf("search: meilisearch unavailable at %s: %v", url, err)
		m.healthy.Store(false)
	} else {
		m.healthy.Store(true)
		m.configureIndex()
	}

	go m.healthLoop()
	return m
}

func (m *Meili) configureIndex() {
	if _, err := m.client.CreateIndex(&meili.IndexConfig{
		Uid:        idxProfiles,
		PrimaryKey: "id",
	}); err != nil {
		log.Printf("search: create index %s (may already exist): %v", idxProfiles, err)
	}

	index := m.client.Index(idxProfiles)

	searchable := []string{"firstname", "lastname", "fullname", "nickname"}
	if _, err := index.UpdateSearchableAttributes(&searchable); err != nil {
		log.Printf("search: update searchable attrs for %s: %v", idxProfiles, err)
	}

	filterable := []interface{}{"activityTypes"}
	if _, err := index.UpdateFilterableAttributes(&filterable); err != nil {
		log.Printf("search: update filterable attrs for %s: %v", idxProfiles, err)
	}

	sortable := []string{"id"}
	if _, err := index.UpdateSortableAttributes(&sortable); err != nil {
		log.Printf("search: update sortable attrs for %s: %v", idxProfiles, err)
	}
}

func (m *Meili) healthLoop() {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			_, err := m.client.Health()
			wasHealthy := m.healthy.Load()
			m.healthy.Store(err == nil)
			if err == nil && !wasHealthy {
				log.Println("search: meilisearch recovered, reconfiguring index")
				m.configureIndex()
			}
		}
	}
}

// Close stops the background health monitor.
func (m *Meili) Close() {
	close(m.done)
}

// Healthy reports whether Meilisearch is reachable.
func (m *Meili) Healthy() bool {
	return m.healthy.Load()
}

// typeFilter builds the activityTypes filter expression. Conjunctive across
// the given types unless method is "OR".
func typeFilter(activityTypes []string, method string) string {
	if len(activityTypes) == 0 {
		return ""
	}
	join := " AND "
	if method == "OR" {
		join = " OR "
	}
	clauses := make([]string, 0, len(activityTypes))
	for _, activityType := range activityTypes {
		clauses = append(clauses, fmt.Sprintf("activityTypes = %q", activityType))
	}
	return strings.Join(clauses, join)
}

func (m *Meili) search(q Query, attributes []string) ([]ProfileRecord, int, error) {
	if !m.healthy.Load() {
		return nil, 0, fmt.Errorf("meilisearch unhealthy")
	}

	sr := &meili.SearchRequest{
		Limit:            20,
		Sort:             []string{"id:desc"},
		ShowRankingScore: true,
	}
	if q.Limit > 0 {
		sr.Limit = int64(q.Limit)
	}
	if q.Offset > 0 {
		sr.Offset = int64(q.Offset)
	}
	if len(attributes) > 0 {
		sr.AttributesToSearchOn = attributes
	}
	if filter := typeFilter(q.ActivityTypes, q.Method); filter != "" {
		sr.Filter = filter
	}

	resp, err := m.client.Index(idxProfiles).Search(q.Term, sr)
	if err != nil {
		m.healthy.Store(false)
		return nil, 0, fmt.Errorf("meilisearch search: %w", err)
	}

	results := make([]ProfileRecord, 0, len(resp.Hits))
	for _, hit := range resp.Hits {
		results = append(results, hitToProfile(hit))
	}
	return results, int(resp.EstimatedTotalHits), nil
}

// SearchFullname queries the profile index with the full-name term.
func (m *Meili) SearchFullname(q Query) ([]ProfileRecord, error) {
	results, _, err := m.search(q, nil)
	return results, err
}

// SearchFullnameCount returns the estimated hit count for a full-name query.
func (m *Meili) SearchFullnameCount(q Query) (int, error) {
	q.Limit = 1
	q.Offset = 0
	_, total, err := m.search(q, nil)
	return total, err
}

// SearchNickname queries only the nickname attribute.
func (m *Meili) SearchNickname(q Query) ([]ProfileRecord, error) {
	results, _, err := m.search(q, []string{"nickname"})
	return results, err
}

// SearchNicknameCount returns the estimated hit count for a nickname query.
func (m *Meili) SearchNicknameCount(q Query) (int, error) {
	q.Limit = 1
	q.Offset = 0
	_, total, err := m.search(q, []string{"nickname"})
	return total, err
}

func hitToProfile(hit meili.Hit) ProfileRecord {
	var p ProfileRecord
	raw, err := json.Marshal(hit)
	if err != nil {
		return p
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return ProfileRecord{}
	}
	return p
}

// IndexProfile adds or updates a profile in the search index.
func (m *Meili) IndexProfile(p ProfileRecord) error {
	_, err := m.client.Index(idxProfiles).AddDocuments([]ProfileRecord{p}, nil)
	return err
}

// IndexProfiles bulk-indexes profiles.
func (m *Meili) IndexProfiles(ps []ProfileRecord) error {
	if len(ps) == 0 {
		return nil
	}
	_, err := m.client.Index(idxProfiles).AddDocuments(ps, nil)
	return err
}

// DeleteProfile removes a profile from the search index.
func (m *Meili) DeleteProfile(id int64) error {
	_, err := m.client.Index(idxProfiles).DeleteDocument(fmt.Sprintf("%d", id), nil)
	return err
}

package search

import (
	"context"
	"log"
)

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []ProfileRecord `json:"results"`
	Total   int             `json:"total"`
	Query   string          `json:"query"`
}

// Service is the facade that tries Meilisearch first and falls back to PG.
type Service struct {
	meili *Meili
	pgfts *PgFTS
}

// NewService creates a search service. meili may be nil if Meilisearch is not
// configured.
func NewService(meili *Meili, pgfts *PgFTS) *Service {
	return &Service{meili: meili, pgfts: pgfts}
}

// SearchFullname runs a full-name search, falling back to PG on Meili errors.
func (s *Service) SearchFullname(q Query) Response {
	if s.meili != nil && s.meili.Healthy() {
		results, err := s.meili.SearchFullname(q)
		if err == nil {
			total, countErr := s.meili.SearchFullnameCount(countQuery(q))
			if countErr == nil {
				return Response{Results: nonNil(results), Total: total, Query: q.Term}
			}
			err = countErr
		}
		log.Printf("search: meilisearch error, falling back to pgfts: %v", err)
	}

	results, err := s.pgfts.SearchFullname(q)
	if err != nil {
		log.Printf("search: pgfts error: %v", err)
		return Response{Results: []ProfileRecord{}, Query: q.Term}
	}
	total, err := s.pgfts.SearchFullnameCount(countQuery(q))
	if err != nil {
		log.Printf("search: pgfts count error: %v", err)
		total = len(results)
	}
	return Response{Results: nonNil(results), Total: total, Query: q.Term}
}

// SearchNickname runs an exact nickname search with the same fallback.
func (s *Service) SearchNickname(q Query) Response {
	if s.meili != nil && s.meili.Healthy() {
		results, err := s.meili.SearchNickname(q)
		if err == nil {
			total, countErr := s.meili.SearchNicknameCount(countQuery(q))
			if countErr == nil {
				return Response{Results: nonNil(results), Total: total, Query: q.Term}
			}
			err = countErr
		}
		log.Printf("search: meilisearch error, falling back to pgfts: %v", err)
	}

	results, err := s.pgfts.SearchNickname(q)
	if err != nil {
		log.Printf("search: pgfts error: %v", err)
		return Response{Results: []ProfileRecord{}, Query: q.Term}
	}
	total, err := s.pgfts.SearchNicknameCount(countQuery(q))
	if err != nil {
		log.Printf("search: pgfts count error: %v", err)
		total = len(results)
	}
	return Response{Results: nonNil(results), Total: total, Query: q.Term}
}

// IndexProfile indexes a profile (fire-and-forget to Meilisearch).
func (s *Service) IndexProfile(p ProfileRecord) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	go func() {
		if err := s.meili.IndexProfile(p); err != nil {
			log.Printf("search: index profile %d: %v", p.ID, err)
		}
	}()
}

// ReindexAllFromPG reindexes every profile from PostgreSQL into Meilisearch.
// Called at startup so searches do not depend on a cold index.
func (s *Service) ReindexAllFromPG(ctx context.Context) {
	if s.meili == nil || !s.meili.Healthy() || s.pgfts == nil {
		return
	}
	records, err := s.pgfts.LoadAllRecords(ctx)
	if err != nil {
		log.Printf("search: reindex load failed: %v", err)
		return
	}
	if len(records) == 0 {
		return
	}
	if err := s.meili.IndexProfiles(records); err != nil {
		log.Printf("search: reindex profiles: %v", err)
	}
}

// countQuery strips pagination so count queries see the whole result set.
func countQuery(q Query) Query {
	q.Limit = -1
	q.Offset = -1
	return q
}

func nonNil(r []ProfileRecord) []ProfileRecord {
	if r == nil {
		return []ProfileRecord{}
	}
	return r
}
